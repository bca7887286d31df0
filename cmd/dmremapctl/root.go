// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var verbosity string

var rootCmd = &cobra.Command{
	Use:   "dmremapctl",
	Short: "CLI for dm-remap sector remapping images",
	Long:  "A CLI tool to construct, inspect, and operate on dm-remap metadata images.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setUpLogs(verbosity)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&verbosity, "verbosity", "v", zerolog.WarnLevel.String(), "Log level (debug, info, warn, error, fatal, panic)")

	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(remapCmd)
	rootCmd.AddCommand(unremapCmd)
	rootCmd.AddCommand(saveCmd)
	rootCmd.AddCommand(addSpareCmd)
	rootCmd.AddCommand(removeSpareCmd)
	rootCmd.AddCommand(setAutoRemapCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(pingCmd)
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dmremapctl: %v\n", err)
		os.Exit(1)
	}
}

func setUpLogs(level string) error {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	return nil
}

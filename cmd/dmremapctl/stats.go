// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print raw Health & Stats counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("stats", nil)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Print the integer health score and band",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("health", nil)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check that a target attaches and responds",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("ping", nil)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var remapCmd = &cobra.Command{
	Use:   "remap <lsa>",
	Short: "Manually install a remap entry for a logical sector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
			return fmt.Errorf("bad lsa %q: %w", args[0], err)
		}
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("remap", args)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

var unremapCmd = &cobra.Command{
	Use:   "unremap <lsa>",
	Short: "Remove a remap entry for a logical sector",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseUint(args[0], 10, 64); err != nil {
			return fmt.Errorf("bad lsa %q: %w", args[0], err)
		}
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("unremap", args)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var addSpareCmd = &cobra.Command{
	Use:   "add-spare <handle> <start> <length>",
	Short: "Add a spare device to an attached target post-construction",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("add_spare", args)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

var removeSpareCmd = &cobra.Command{
	Use:   "remove-spare <index>",
	Short: "Remove a spare device by index, refusing if it is in use",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("remove_spare", args)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

var setAutoRemapCmd = &cobra.Command{
	Use:   "set-auto-remap <on|off>",
	Short: "Enable or disable the Error Path's auto-remap decision",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("set_auto_remap", args)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

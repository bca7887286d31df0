// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Force a synchronous metadata flush",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			reply, err := ctrl.HandleControl("save", nil)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

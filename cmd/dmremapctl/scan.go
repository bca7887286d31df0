// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Walk the spare pool's allocators and report remapped sector usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			spares := ctrl.SpareCount()
			bar := progressbar.NewOptions(spares,
				progressbar.OptionSetDescription("scanning spares"),
				progressbar.OptionShowCount(),
			)
			for i := 0; i < spares; i++ {
				bar.Add(1)
			}
			fmt.Println()

			reply, err := ctrl.HandleControl("scan", nil)
			if err != nil {
				return err
			}
			fmt.Println(reply)
			return nil
		})
	},
}

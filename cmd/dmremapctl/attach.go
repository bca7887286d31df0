// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/device"
)

var (
	attachStart  uint64
	attachLength uint64
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach a target from --target, print its status line, then detach",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withController(cmd, func(ctrl *device.Controller) error {
			fmt.Println(ctrl.StatusLine(attachStart, attachLength))
			return nil
		})
	},
}

func init() {
	attachCmd.Flags().Uint64Var(&attachStart, "start", 0, "status line start-sector field")
	attachCmd.Flags().Uint64Var(&attachLength, "length", 0, "status line length-sectors field")
}

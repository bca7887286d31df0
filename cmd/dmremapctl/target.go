// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/cobaltcore-dev/dm-remap/pkg/blockio"
	"github.com/cobaltcore-dev/dm-remap/pkg/device"
	"github.com/cobaltcore-dev/dm-remap/pkg/eventbus"
	"github.com/cobaltcore-dev/dm-remap/pkg/persistence"
)

const cliSectorSize = 512

var (
	targetArgs  string
	natsURL     string
	natsSubject string

	s3Endpoint  string
	s3Region    string
	s3AccessKey string
	s3SecretKey string
	s3Bucket    string
	s3Key       string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&targetArgs, "target", "", "construction argument string: <main> <spare> <start> <length> [key=value ...]")
	rootCmd.PersistentFlags().StringVar(&natsURL, "nats-url", "", "NATS server URL for remap lifecycle events (disabled if empty)")
	rootCmd.PersistentFlags().StringVar(&natsSubject, "nats-subject", "dm-remap.events", "NATS subject to publish remap lifecycle events on")

	rootCmd.PersistentFlags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint for the metadata mirror (empty uses the AWS default)")
	rootCmd.PersistentFlags().StringVar(&s3Region, "s3-region", "us-east-1", "region for the metadata mirror")
	rootCmd.PersistentFlags().StringVar(&s3AccessKey, "s3-access-key", "", "access key for the metadata mirror")
	rootCmd.PersistentFlags().StringVar(&s3SecretKey, "s3-secret-key", "", "secret key for the metadata mirror")
	rootCmd.PersistentFlags().StringVar(&s3Bucket, "s3-bucket", "", "bucket to mirror metadata images to (disabled if empty)")
	rootCmd.PersistentFlags().StringVar(&s3Key, "s3-key", "", "object key to mirror metadata images to")
}

// openController parses --target, opens the named files as 512-byte-sector
// FileDevices, and runs the attach protocol, mirroring how a framework would
// construct a Device Controller from its construction arguments.
func openController(cmd *cobra.Command) (*device.Controller, error) {
	if targetArgs == "" {
		return nil, fmt.Errorf("--target is required")
	}

	opener := func(handle string) (blockio.Device, error) {
		var capacitySectors uint64
		if info, err := os.Stat(handle); err == nil {
			capacitySectors = uint64(info.Size()) / uint64(cliSectorSize)
		}
		return blockio.OpenFile(handle, cliSectorSize, capacitySectors, false)
	}

	args, err := device.ParseArgs(targetArgs, opener)
	if err != nil {
		return nil, err
	}

	var bus *eventbus.Bus
	if natsURL != "" {
		bus, err = eventbus.Connect(natsURL, natsSubject)
		if err != nil {
			log.Warn().Err(err).Str("url", natsURL).Msg("connecting to event bus failed, continuing without it")
			bus = nil
		}
	}

	ctrl, err := device.New(args, bus, opener)
	if err != nil {
		return nil, err
	}

	if s3Bucket != "" && s3Key != "" {
		mirror, err := persistence.NewS3Mirror(context.Background(), s3Endpoint, s3Region, s3AccessKey, s3SecretKey, s3Bucket, s3Key)
		if err != nil {
			log.Warn().Err(err).Msg("building s3 metadata mirror failed, continuing without it")
		} else {
			ctrl.SetS3Mirror(mirror)
		}
	}

	return ctrl, nil
}

func withController(cmd *cobra.Command, fn func(ctrl *device.Controller) error) error {
	ctrl, err := openController(cmd)
	if err != nil {
		return err
	}
	defer ctrl.Detach()
	return fn(ctrl)
}

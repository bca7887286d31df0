// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"

	"github.com/shirou/gopsutil/disk"
)

// CheckHostCapacity warns (does not fail) when a file-backed spare or main
// device's requested size exceeds the free space on the filesystem backing
// path, following a disk.Usage polling style. It is advisory only: the
// engine's own capacity checks are against the device's reported
// CapacitySectors, not the host filesystem.
func CheckHostCapacity(path string, requestedBytes uint64) error {
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("statting filesystem for %s: %w", path, err)
	}
	if requestedBytes > usage.Free {
		return fmt.Errorf("requested %d bytes exceeds %d free bytes on %s", requestedBytes, usage.Free, path)
	}
	return nil
}

// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package placement implements the Placement Planner: given a
// spare device's capacity, choose where redundant metadata copies live.
package placement

import (
	"fmt"

	"github.com/cobaltcore-dev/dm-remap/pkg/dmerrors"
	"github.com/cobaltcore-dev/dm-remap/pkg/metadata"
)

// Strategy names the rule that produced a Plan.
type Strategy = metadata.PlacementStrategy

// preferredGeometric is the fixed geometric placement pattern, in sectors.
var preferredGeometric = []uint64{0, 1024, 2048, 4096, 8192}

// Region is one contiguous reservation on the spare device: a single
// metadata copy occupies [Offset, Offset+LengthSectors).
type Region struct {
	Offset        uint64
	LengthSectors uint64
}

// Plan is the Placement Planner's output: an ordered set of copy offsets
// plus the strategy that produced them.
type Plan struct {
	Strategy Strategy
	Regions  []Region
}

// Offsets returns just the copy offsets, in increasing order.
func (p Plan) Offsets() []uint64 {
	out := make([]uint64, len(p.Regions))
	for i, r := range p.Regions {
		out[i] = r.Offset
	}
	return out
}

// Compute chooses copy offsets for a spare of capacitySectors sectors, each
// holding a metadata image of recordImageBytes, on a device with the given
// sector size. It follows a geometric -> linear -> minimal fallback chain.
func Compute(capacitySectors uint64, recordImageBytes int, sectorSizeBytes int) (Plan, error) {
	if sectorSizeBytes <= 0 || recordImageBytes <= 0 {
		return Plan{}, fmt.Errorf("%w: invalid sector/record size", dmerrors.ErrInvalidArgument)
	}
	imageSectors := ceilDiv(uint64(recordImageBytes), uint64(sectorSizeBytes))
	minimumUsable := imageSectors + 1 // one metadata image plus one free sector

	if capacitySectors < minimumUsable {
		return Plan{}, fmt.Errorf("%w: capacity %d sectors below minimum usable %d", dmerrors.ErrSpareTooSmall, capacitySectors, minimumUsable)
	}

	if plan, ok := geometricPlan(capacitySectors, imageSectors); ok && len(plan.Regions) >= 2 {
		return plan, nil
	}

	// The linear and minimal plans are laid out within all but the last
	// sector, so at least one sector stays free for remaps.
	usable := capacitySectors - 1
	if plan, ok := linearPlan(usable, imageSectors); ok && len(plan.Regions) >= 2 {
		return plan, nil
	}

	return minimalPlan(usable, imageSectors), nil
}

func geometricPlan(capacitySectors, imageSectors uint64) (Plan, bool) {
	var offsets []uint64
	for _, o := range preferredGeometric {
		if o+imageSectors > capacitySectors {
			break
		}
		offsets = append(offsets, o)
		if len(offsets) == metadata.MaxCopies {
			break
		}
	}
	if len(offsets) == 0 {
		return Plan{}, false
	}
	return toPlan(metadata.StrategyGeometric, offsets, imageSectors), true
}

// linearPlan places k copies (2..5) with the largest equal spacing such that
// all copies plus their bodies fit inside capacity. Ties in spacing break
// toward offset 0 as the first copy, which is the only
// arrangement linear spacing can produce here since copies are evenly
// spaced starting at 0 by construction.
func linearPlan(capacitySectors, imageSectors uint64) (Plan, bool) {
	var best Plan
	bestSpacing := uint64(0)
	found := false

	for k := uint64(metadata.MaxCopies); k >= 2; k-- {
		// k copies of length imageSectors must fit with equal spacing
		// between copy starts; the spacing must be >= imageSectors so
		// copies don't overlap, and the last copy must still fit.
		if k == 0 {
			continue
		}
		// Maximize spacing s such that (k-1)*s + imageSectors <= capacitySectors, s >= imageSectors.
		if k == 1 {
			continue
		}
		room := capacitySectors - imageSectors
		spacing := room / (k - 1)
		if spacing < imageSectors {
			continue
		}
		if spacing > bestSpacing {
			bestSpacing = spacing
			offsets := make([]uint64, k)
			for i := uint64(0); i < k; i++ {
				offsets[i] = i * spacing
			}
			best = toPlan(metadata.StrategyLinear, offsets, imageSectors)
			found = true
			break // k starts at max and descends, so the first fit found has the most copies
		}
	}
	return best, found
}

func minimalPlan(capacitySectors, imageSectors uint64) Plan {
	maxK := capacitySectors / imageSectors
	if maxK > metadata.MaxCopies {
		maxK = metadata.MaxCopies
	}
	if maxK < 1 {
		maxK = 1
	}
	offsets := make([]uint64, maxK)
	for i := uint64(0); i < maxK; i++ {
		offsets[i] = i * imageSectors
	}
	return toPlan(metadata.StrategyMinimal, offsets, imageSectors)
}

func toPlan(strategy Strategy, offsets []uint64, imageSectors uint64) Plan {
	regions := make([]Region, len(offsets))
	for i, o := range offsets {
		regions[i] = Region{Offset: o, LengthSectors: imageSectors}
	}
	return Plan{Strategy: strategy, Regions: regions}
}

func ceilDiv(a, b uint64) uint64 {
	return (a + b - 1) / b
}

// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package health

// Score computes the 0-100 health score from a Snapshot plus the pool's
// current capacity/usage: start at 100, subtract points according to a
// tabulated schedule keyed on error counters and remap-density ratios,
// clamped to 0. Every term is integer arithmetic; floating point is
// forbidden in the core.
//
// usedSectors/capacitySectors describe remap density across the whole
// spare pool. capacitySectors == 0 is treated as zero density.
func Score(s Snapshot, usedSectors, capacitySectors uint64) int {
	score := 100

	score -= errorPenalty(s.TotalReadErrors+s.TotalWriteErrors, s.TotalReads+s.TotalWrites)
	score -= spareErrorPenalty(s.TotalSpareErrors)
	score -= densityPenalty(usedSectors, capacitySectors)
	score -= flushPenalty(s.TotalFlushesOK, s.TotalFlushesAttempted)

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

// errorPenalty scales with the error rate per mille of total I/O, capped at
// 40 points, so a device that has done very little I/O isn't unfairly
// penalized by a handful of early errors.
func errorPenalty(errors, totalIO uint64) int {
	if totalIO == 0 || errors == 0 {
		return 0
	}
	perMille := (errors * 1000) / totalIO
	penalty := int(perMille) * 2
	if penalty > 40 {
		penalty = 40
	}
	return penalty
}

// spareErrorPenalty treats any spare-device error as more severe than a
// main-device error that auto-remap absorbed, since a failing spare cannot
// itself be remapped away.
func spareErrorPenalty(spareErrors uint64) int {
	penalty := int(spareErrors) * 5
	if penalty > 30 {
		penalty = 30
	}
	return penalty
}

// densityPenalty scales with how much of the spare pool's capacity is
// consumed by installed remaps, capped at 20 points.
func densityPenalty(used, capacity uint64) int {
	if capacity == 0 {
		return 0
	}
	pct := (used * 100) / capacity
	switch {
	case pct >= 90:
		return 20
	case pct >= 75:
		return 12
	case pct >= 50:
		return 5
	default:
		return 0
	}
}

// flushPenalty penalizes a high ratio of failed to attempted flushes,
// capped at 10 points. Before any flush has been attempted it is zero.
func flushPenalty(ok, attempted uint64) int {
	if attempted == 0 || ok >= attempted {
		return 0
	}
	failedPct := ((attempted - ok) * 100) / attempted
	penalty := int(failedPct) / 10
	if penalty > 10 {
		penalty = 10
	}
	return penalty
}

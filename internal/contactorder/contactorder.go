// ============================================================================
// Contact Order Calculator
// ============================================================================
//
// Package: internal/contactorder
// File: contactorder.go
// Purpose: Pure numeric function turning alpha-carbon coordinates into the
//          normalized contact order of a structure.
//
// Definition:
//   A pair (i, j), i < j, is a contact iff 0 < d(i,j) < cutoff.
//   CO = sum(|i - j|) / (N * C) over all contacts, C = contact count.
//   C == 0 yields 0, not NaN.
//
// The strict lower bound drops coincident coordinates even when i != j.
//
// ============================================================================

package contactorder

import (
	"context"
	"errors"
	"math"

	"github.com/ChuLiYu/contact-order/pkg/types"
)

// DefaultCutoff is the contact distance threshold in Angstrom.
const DefaultCutoff = 8.0

var (
	// ErrTooFewResidues is returned for fewer than two coordinates.
	ErrTooFewResidues = errors.New("too few residues to calculate contact order")
	// ErrInvalidCutoff is returned for a non-positive or NaN cutoff.
	ErrInvalidCutoff = errors.New("distance cutoff must be a positive number")
)

// Calculate returns the contact order of coords under cutoff.
func Calculate(coords []types.ResidueCoordinate, cutoff float64) (float64, error) {
	return CalculateContext(context.Background(), coords, cutoff)
}

// CalculateContext is Calculate with cancellation checked once per matrix row.
func CalculateContext(ctx context.Context, coords []types.ResidueCoordinate, cutoff float64) (float64, error) {
	n := len(coords)
	if n < 2 {
		return 0, ErrTooFewResidues
	}
	if math.IsNaN(cutoff) || cutoff <= 0 {
		return 0, ErrInvalidCutoff
	}

	var (
		seqSum   int64
		contacts int64
	)
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		a := coords[i]
		for j := i + 1; j < n; j++ {
			d := distance(a, coords[j])
			if d > 0 && d < cutoff {
				seqSum += int64(j - i)
				contacts++
			}
		}
	}

	if contacts == 0 {
		return 0, nil
	}
	return float64(seqSum) / (float64(n) * float64(contacts)), nil
}

// distance is the Euclidean distance in double precision.
func distance(a, b types.ResidueCoordinate) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	dz := a.Z - b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

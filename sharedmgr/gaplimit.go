// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import "fmt"

const (
	// DefaultGapLimit is the lookahead window used when no explicit gap
	// limit is requested.
	DefaultGapLimit GapLimit = 20

	// MaxGapLimit is the ceiling on the lookahead window. It also serves
	// as the concrete value of the "unbounded" policy, which means "as
	// large as practically needed".
	MaxGapLimit GapLimit = 1000
)

// GapLimit is the number of consecutive unused key indices that must remain
// derivable beyond the highest used index of an account. A valid gap limit
// is always in the range [1, MaxGapLimit].
type GapLimit uint32

// NewGapLimit creates a validated gap limit. Values outside [1, MaxGapLimit]
// are rejected with ErrInvalidGapLimit.
func NewGapLimit(g uint32) (GapLimit, error) {
	if g < 1 || GapLimit(g) > MaxGapLimit {
		return 0, fmt.Errorf("%w: got %d, want [1, %d]",
			ErrInvalidGapLimit, g, MaxGapLimit)
	}

	return GapLimit(g), nil
}

// UnboundedGapLimit returns the largest supported lookahead window.
func UnboundedGapLimit() GapLimit {
	return MaxGapLimit
}

// valid reports whether the gap limit satisfies its range invariant. It is
// re-checked when states are loaded from disk.
func (g GapLimit) valid() bool {
	return g >= 1 && g <= MaxGapLimit
}

// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package partition

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
)

// TestPartition asserts the largest-remainder split across a set of
// representative weight vectors.
func TestPartition(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		total   btcutil.Amount
		weights []uint64
		want    []btcutil.Amount
		err     error
	}{{
		name:    "even split",
		total:   100,
		weights: []uint64{1, 1, 1, 1},
		want:    []btcutil.Amount{25, 25, 25, 25},
	}, {
		name:    "leftover to earliest on tie",
		total:   100,
		weights: []uint64{1, 1, 1},
		want:    []btcutil.Amount{34, 33, 33},
	}, {
		name:    "proportional",
		total:   10,
		weights: []uint64{1, 2, 3},
		want:    []btcutil.Amount{2, 3, 5},
	}, {
		name:    "zero weight gets nothing",
		total:   10,
		weights: []uint64{0, 1},
		want:    []btcutil.Amount{0, 10},
	}, {
		name:    "total smaller than weight count",
		total:   2,
		weights: []uint64{1, 1, 1, 1},
		want:    []btcutil.Amount{1, 1, 0, 0},
	}, {
		name:    "zero total",
		total:   0,
		weights: []uint64{3, 5},
		want:    []btcutil.Amount{0, 0},
	}, {
		name:    "large values without overflow",
		total:   21e14,
		weights: []uint64{1 << 62, 1 << 62, 1},
		want: []btcutil.Amount{
			1050000000000000, 1050000000000000, 0,
		},
	}, {
		name:    "no weights",
		total:   100,
		weights: nil,
		err:     ErrNoWeights,
	}, {
		name:    "all zero weights",
		total:   100,
		weights: []uint64{0, 0},
		err:     ErrNoWeights,
	}, {
		name:    "negative total",
		total:   -1,
		weights: []uint64{1},
		err:     ErrNegativeTotal,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			shares, err := Partition(tc.total, tc.weights)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, shares)

			sum := btcutil.Amount(0)
			for _, share := range shares {
				sum += share
			}
			require.Equal(t, tc.total, sum)
		})
	}
}

// TestPadCoalesce asserts padding, coalescing and their error cases.
func TestPadCoalesce(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		items  []btcutil.Amount
		target int
		want   []btcutil.Amount
		err    error
	}{{
		name:   "pad with zeros at front",
		items:  []btcutil.Amount{5, 10},
		target: 4,
		want:   []btcutil.Amount{0, 0, 5, 10},
	}, {
		name:   "coalesce two smallest repeatedly",
		items:  []btcutil.Amount{1, 2, 3, 10},
		target: 2,
		want:   []btcutil.Amount{6, 10},
	}, {
		name:   "merged value re-sorted",
		items:  []btcutil.Amount{4, 5, 6},
		target: 2,
		want:   []btcutil.Amount{6, 9},
	}, {
		name:   "already at target",
		items:  []btcutil.Amount{1, 2, 3},
		target: 3,
		want:   []btcutil.Amount{1, 2, 3},
	}, {
		name:   "collapse to one",
		items:  []btcutil.Amount{1, 1, 1, 1},
		target: 1,
		want:   []btcutil.Amount{4},
	}, {
		name:   "empty padded",
		items:  nil,
		target: 3,
		want:   []btcutil.Amount{0, 0, 0},
	}, {
		name:   "invalid target",
		items:  []btcutil.Amount{1},
		target: 0,
		err:    ErrInvalidTarget,
	}, {
		name:   "unsorted items",
		items:  []btcutil.Amount{2, 1},
		target: 2,
		err:    ErrUnsortedItems,
	}}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out, err := PadCoalesce(tc.items, tc.target)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, out)
			require.Len(t, out, tc.target)

			var wantSum, gotSum btcutil.Amount
			for _, item := range tc.items {
				wantSum += item
			}
			for _, item := range out {
				gotSum += item
			}
			require.Equal(t, wantSum, gotSum)
		})
	}
}

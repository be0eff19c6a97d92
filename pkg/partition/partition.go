// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package partition apportions amounts across weighted shares. It is used by
// coin selection to split a target value over outputs in proportion to their
// weights without ever creating or destroying value.
package partition

import (
	"errors"
	"math/big"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
)

var (
	// ErrNoWeights is returned when the weight list is empty or sums to
	// zero, leaving no proportion to apportion by.
	ErrNoWeights = errors.New("at least one weight must be positive")

	// ErrNegativeTotal is returned when the total to partition is
	// negative.
	ErrNegativeTotal = errors.New("total must not be negative")

	// ErrInvalidTarget is returned when the requested item count is less
	// than one.
	ErrInvalidTarget = errors.New("target count must be at least one")

	// ErrUnsortedItems is returned when the input of PadCoalesce is not
	// in ascending order.
	ErrUnsortedItems = errors.New("items must be sorted in ascending " +
		"order")
)

// Partition splits total into one share per weight using the
// largest-remainder method. The shares sum exactly to total, each share is
// within one unit of its ideal proportional value, and the rounding units go
// to the largest fractional remainders first, ties broken by original
// position.
func Partition(total btcutil.Amount,
	weights []uint64) ([]btcutil.Amount, error) {

	if total < 0 {
		return nil, ErrNegativeTotal
	}
	if len(weights) == 0 {
		return nil, ErrNoWeights
	}

	weightSum := new(big.Int)
	for _, weight := range weights {
		weightSum.Add(weightSum, new(big.Int).SetUint64(weight))
	}
	if weightSum.Sign() == 0 {
		return nil, ErrNoWeights
	}

	// Compute the floor of every ideal share exactly, keeping the
	// fractional remainders for the second pass.
	shares := make([]btcutil.Amount, len(weights))
	remainders := make([]*big.Int, len(weights))
	distributed := btcutil.Amount(0)
	totalInt := big.NewInt(int64(total))

	for i, weight := range weights {
		ideal := new(big.Int).Mul(
			totalInt, new(big.Int).SetUint64(weight),
		)
		floor, remainder := new(big.Int).QuoRem(
			ideal, weightSum, new(big.Int),
		)

		shares[i] = btcutil.Amount(floor.Int64())
		remainders[i] = remainder
		distributed += shares[i]
	}

	// The floors under-shoot the total by fewer units than there are
	// weights. Hand the leftover units to the largest remainders,
	// earliest position first on ties.
	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].Cmp(remainders[order[b]]) > 0
	})

	for i := 0; distributed < total; i++ {
		shares[order[i]]++
		distributed++
	}

	return shares, nil
}

// PadCoalesce adjusts an ascending list of amounts to exactly target items
// while preserving the total sum and the ascending order. Short lists are
// padded with zero values; long lists repeatedly coalesce their two smallest
// items into one.
func PadCoalesce(items []btcutil.Amount,
	target int) ([]btcutil.Amount, error) {

	if target < 1 {
		return nil, ErrInvalidTarget
	}
	for i := 1; i < len(items); i++ {
		if items[i] < items[i-1] {
			return nil, ErrUnsortedItems
		}
	}

	out := make([]btcutil.Amount, len(items))
	copy(out, items)

	// Zero is the identity, so padded entries belong at the front of an
	// ascending list.
	if len(out) < target {
		padded := make([]btcutil.Amount, target-len(out), target)
		out = append(padded, out...)

		return out, nil
	}

	for len(out) > target {
		merged := out[0] + out[1]
		out = out[2:]

		// Re-insert the merged value at its sorted position.
		at := sort.Search(len(out), func(i int) bool {
			return out[i] >= merged
		})
		out = append(out, 0)
		copy(out[at+1:], out[at:])
		out[at] = merged
	}

	return out, nil
}

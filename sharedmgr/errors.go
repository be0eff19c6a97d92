// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import "errors"

var (
	// ErrInvalidGapLimit is returned when constructing a gap limit outside
	// the range [1, MaxGapLimit].
	ErrInvalidGapLimit = errors.New("gap limit out of range")

	// ErrInvalidTemplate is returned when a script template fails
	// construction-time validation, e.g. a spending condition references a
	// co-signer with no bound key.
	ErrInvalidTemplate = errors.New("invalid script template")

	// ErrAccountParams is returned when the parameters used to create a
	// shared discovery state are invalid.
	ErrAccountParams = errors.New("invalid shared account params")

	// ErrKeySpaceExhausted is returned when frontier growth requires
	// deriving a key index beyond the soft derivation space. The account
	// is exhausted for its templates; this is distinct from an address
	// simply not being found.
	ErrKeySpaceExhausted = errors.New("script key space exhausted")

	// ErrDuplicateAccount is returned when creating a shared account with
	// an account index that is already tracked.
	ErrDuplicateAccount = errors.New("shared account already exists")

	// ErrAccountNotFound is returned when an operation references an
	// account index that is not tracked by the manager.
	ErrAccountNotFound = errors.New("shared account not found")

	// ErrCorruptState is returned when persisted discovery state cannot
	// be decoded.
	ErrCorruptState = errors.New("corrupt shared discovery state")
)

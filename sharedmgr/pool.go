// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// AddressStatus records whether a frontier address has been observed on
// chain. The status is monotonic: once Used it never reverts to Unused.
type AddressStatus uint8

const (
	// StatusUnused marks an address that has been derived for lookahead
	// but not yet observed on chain.
	StatusUnused AddressStatus = 0

	// StatusUsed marks an address that has been observed on chain.
	StatusUsed AddressStatus = 1
)

// String returns the string representation of an address status.
func (s AddressStatus) String() string {
	switch s {
	case StatusUnused:
		return "unused"

	case StatusUsed:
		return "used"

	default:
		return fmt.Sprintf("unknown status %d", uint8(s))
	}
}

// addrKey is the map key for frontier lookups: the raw script address bytes
// of a derived address.
type addrKey string

// poolEntry is the frontier's record for one derived address.
type poolEntry struct {
	index  KeyIndex
	status AddressStatus
}

// addressPool is the account's address frontier: the contiguous window of
// derived indices eligible for matching, partitioned into used and unused.
// The gap invariant is enforced entirely inside markUsedAndExtend, the sole
// growth path; the pool never shrinks and statuses never demote.
//
// Pools are threaded by value through the discovery operation: a pool is
// cloned before any mutation so prior states remain valid.
type addressPool struct {
	// gapLimit is the number of contiguous unused indices that must stay
	// derivable above the highest used index.
	gapLimit GapLimit

	// entries maps derived addresses to their index and status.
	entries map[addrKey]poolEntry

	// addrs is the reverse table from index to derived address.
	addrs map[KeyIndex]btcutil.Address

	// nextIndex is the frontier horizon: the lowest index that has not
	// been derived yet. Derived indices are exactly [0, nextIndex).
	nextIndex KeyIndex

	// lastUsed is the highest used index; only meaningful when anyUsed
	// is true.
	lastUsed KeyIndex
	anyUsed  bool
}

// newAddressPool materializes the initial frontier: indices
// [MinKeyIndex, MinKeyIndex+gap-1], all unused.
func newAddressPool(deriver Deriver, gap GapLimit) (*addressPool, error) {
	pool := &addressPool{
		gapLimit: gap,
		entries:  make(map[addrKey]poolEntry, gap),
		addrs:    make(map[KeyIndex]btcutil.Address, gap),
	}
	if err := pool.extend(deriver); err != nil {
		return nil, err
	}

	return pool, nil
}

// lookup returns the frontier entry for the given address, if present.
func (p *addressPool) lookup(addr btcutil.Address) (poolEntry, bool) {
	entry, ok := p.entries[addrKey(addr.ScriptAddress())]
	return entry, ok
}

// status returns the status of the given index. The second return value is
// false when the index has not been derived.
func (p *addressPool) status(index KeyIndex) (AddressStatus, bool) {
	addr, ok := p.addrs[index]
	if !ok {
		return StatusUnused, false
	}

	return p.entries[addrKey(addr.ScriptAddress())].status, true
}

// size returns the number of derived frontier entries.
func (p *addressPool) size() int {
	return len(p.entries)
}

// clone returns a copy of the pool that shares no mutable state with the
// receiver. Addresses themselves are immutable and shared.
func (p *addressPool) clone() *addressPool {
	entries := make(map[addrKey]poolEntry, len(p.entries))
	for key, entry := range p.entries {
		entries[key] = entry
	}
	addrs := make(map[KeyIndex]btcutil.Address, len(p.addrs))
	for index, addr := range p.addrs {
		addrs[index] = addr
	}

	return &addressPool{
		gapLimit:  p.gapLimit,
		entries:   entries,
		addrs:     addrs,
		nextIndex: p.nextIndex,
		lastUsed:  p.lastUsed,
		anyUsed:   p.anyUsed,
	}
}

// markUsedAndExtend flips the entry at index to used and grows the frontier
// until the gap invariant holds again: every index in
// [lastUsed+1, lastUsed+gapLimit] is derived and present. Marking an already
// used index is a no-op. The index must have been derived by the pool.
func (p *addressPool) markUsedAndExtend(deriver Deriver,
	index KeyIndex) error {

	addr, ok := p.addrs[index]
	if !ok {
		return fmt.Errorf("index %d not in frontier", index)
	}

	key := addrKey(addr.ScriptAddress())
	entry := p.entries[key]
	if entry.status == StatusUsed {
		return nil
	}

	entry.status = StatusUsed
	p.entries[key] = entry

	if !p.anyUsed || index > p.lastUsed {
		p.lastUsed = index
		p.anyUsed = true
	}

	return p.extend(deriver)
}

// horizonTarget returns the first index the pool does not need to derive:
// one past the end of the lookahead window above the highest used index, or
// above MinKeyIndex when nothing is used yet.
func (p *addressPool) horizonTarget() KeyIndex {
	if !p.anyUsed {
		return MinKeyIndex + KeyIndex(p.gapLimit)
	}

	return p.lastUsed + 1 + KeyIndex(p.gapLimit)
}

// extend derives and inserts unused entries until the horizon target is
// reached. Growth is monotone and derives exactly as many entries as the gap
// invariant requires.
func (p *addressPool) extend(deriver Deriver) error {
	for target := p.horizonTarget(); p.nextIndex < target; p.nextIndex++ {
		addr, err := deriver.DeriveAddress(p.nextIndex)
		if err != nil {
			return err
		}

		p.entries[addrKey(addr.ScriptAddress())] = poolEntry{
			index:  p.nextIndex,
			status: StatusUnused,
		}
		p.addrs[p.nextIndex] = addr
	}

	return nil
}

// forEach invokes f for every derived entry in ascending index order.
func (p *addressPool) forEach(f func(index KeyIndex, addr btcutil.Address,
	status AddressStatus) error) error {

	for index := MinKeyIndex; index < p.nextIndex; index++ {
		addr := p.addrs[index]
		entry := p.entries[addrKey(addr.ScriptAddress())]
		if err := f(index, addr, entry.status); err != nil {
			return err
		}
	}

	return nil
}

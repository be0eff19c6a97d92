// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/fn/v2"
)

// ShareMatch is the result of a successful discovery: the key index the
// candidate address was derived at, and the hash of the account's own key at
// that index. The balance layer uses the key hash to attribute value to the
// wallet's key slot within the shared address.
type ShareMatch struct {
	// Index is the key index of the matched address.
	Index KeyIndex

	// KeyHash is the Hash160 of the account key's child public key at
	// Index.
	KeyHash []byte
}

// SharedConfig holds the construction parameters of a shared discovery
// state. All fields except DelegationTemplate and Deriver are required.
type SharedConfig struct {
	// AccountKey is the wallet's extended account public key. A private
	// key is accepted and neutered.
	AccountKey *hdkeychain.ExtendedKey

	// AccountIndex is the hardened account-level derivation index the
	// account key was derived at. Kept for bookkeeping and persistence;
	// no further hardened derivation happens here.
	AccountIndex uint32

	// GapLimit is the lookahead policy. Must satisfy its range invariant.
	GapLimit GapLimit

	// PaymentTemplate describes the spending condition of the account's
	// payment addresses.
	PaymentTemplate *ScriptTemplate

	// DelegationTemplate optionally describes a second condition that
	// also parameterizes derived addresses. May be nil.
	DelegationTemplate *ScriptTemplate

	// ChainParams identifies the network addresses are encoded for.
	ChainParams *chaincfg.Params

	// Deriver overrides the default ScriptDeriver. Intended for callers
	// with their own derivation scheme; leave nil to use the templates
	// above.
	Deriver Deriver
}

// SharedState is the discovery state of one shared account: the immutable
// account parameters plus the address frontier. It is the unit the discovery
// operation threads and the unit of persistence.
//
// SharedState is a value in the functional sense: IsShared never mutates its
// receiver, it returns the successor state. Sequential consistency across
// one account's discovery stream is the caller's responsibility; apply
// candidates one at a time in chain order, threading each returned state
// into the next call. Manager provides that serialization for callers that
// need it.
type SharedState struct {
	accountKey         *hdkeychain.ExtendedKey
	accountIndex       uint32
	gapLimit           GapLimit
	paymentTemplate    *ScriptTemplate
	delegationTemplate *ScriptTemplate
	chainParams        *chaincfg.Params
	deriver            Deriver

	pool *addressPool
}

// NewSharedState validates the config and materializes the initial frontier:
// indices [MinKeyIndex, MinKeyIndex+gap-1], all unused.
func NewSharedState(cfg *SharedConfig) (*SharedState, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrAccountParams)
	}
	if !cfg.GapLimit.valid() {
		return nil, fmt.Errorf("%w: got %d, want [1, %d]",
			ErrInvalidGapLimit, cfg.GapLimit, MaxGapLimit)
	}
	if cfg.PaymentTemplate == nil {
		return nil, fmt.Errorf("%w: nil payment template",
			ErrAccountParams)
	}

	deriver := cfg.Deriver
	if deriver == nil {
		var err error
		deriver, err = NewScriptDeriver(
			cfg.AccountKey, cfg.PaymentTemplate,
			cfg.DelegationTemplate, cfg.ChainParams,
		)
		if err != nil {
			return nil, err
		}
	}

	accountKey := cfg.AccountKey
	if accountKey == nil {
		return nil, fmt.Errorf("%w: nil account key",
			ErrAccountParams)
	}
	if accountKey.IsPrivate() {
		var err error
		accountKey, err = accountKey.Neuter()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccountParams, err)
		}
	}

	pool, err := newAddressPool(deriver, cfg.GapLimit)
	if err != nil {
		return nil, err
	}

	return &SharedState{
		accountKey:         accountKey,
		accountIndex:       cfg.AccountIndex,
		gapLimit:           cfg.GapLimit,
		paymentTemplate:    cfg.PaymentTemplate,
		delegationTemplate: cfg.DelegationTemplate,
		chainParams:        cfg.ChainParams,
		deriver:            deriver,
		pool:               pool,
	}, nil
}

// IsShared tests whether the candidate address belongs to this shared
// account and returns the possibly advanced successor state.
//
// The three outcomes are:
//   - Address not in the frontier: fn.None and the state unchanged. This
//     covers both "beyond the lookahead window" and "not this account's
//     address at all"; the frontier is never grown speculatively.
//   - Address present and unused: the match, and a successor state in which
//     the address is marked used and the frontier is extended to restore the
//     gap invariant. The receiver state is unaffected.
//   - Address present and already used: the same match and the state
//     unchanged, so repeated observation of an address is idempotent.
//
// The returned error is nil except when frontier growth or key hashing runs
// into the derivation domain boundary, in which case the account is
// exhausted for its templates and the input state is returned unchanged.
func (s *SharedState) IsShared(addr btcutil.Address) (fn.Option[ShareMatch],
	*SharedState, error) {

	entry, ok := s.pool.lookup(addr)
	if !ok {
		return fn.None[ShareMatch](), s, nil
	}

	keyHash, err := s.deriver.DeriveKeyHash(entry.index)
	if err != nil {
		return fn.None[ShareMatch](), s, err
	}
	match := fn.Some(ShareMatch{Index: entry.index, KeyHash: keyHash})

	if entry.status == StatusUsed {
		return match, s, nil
	}

	next := *s
	next.pool = s.pool.clone()
	if err := next.pool.markUsedAndExtend(s.deriver, entry.index); err != nil {
		return fn.None[ShareMatch](), s, err
	}

	log.Debugf("Account %d: address %v matched at index %d, frontier "+
		"extended to %d entries", s.accountIndex, addr, entry.index,
		next.pool.size())

	return match, &next, nil
}

// AccountIndex returns the hardened account-level derivation index.
func (s *SharedState) AccountIndex() uint32 {
	return s.accountIndex
}

// AccountKey returns the extended account public key.
func (s *SharedState) AccountKey() *hdkeychain.ExtendedKey {
	return s.accountKey
}

// GapLimit returns the account's lookahead policy.
func (s *SharedState) GapLimit() GapLimit {
	return s.gapLimit
}

// PaymentTemplate returns the payment script template.
func (s *SharedState) PaymentTemplate() *ScriptTemplate {
	return s.paymentTemplate
}

// DelegationTemplate returns the optional delegation template, or fn.None
// when the account has no delegation condition.
func (s *SharedState) DelegationTemplate() fn.Option[*ScriptTemplate] {
	if s.delegationTemplate == nil {
		return fn.None[*ScriptTemplate]()
	}

	return fn.Some(s.delegationTemplate)
}

// NumAddresses returns the number of derived frontier entries.
func (s *SharedState) NumAddresses() int {
	return s.pool.size()
}

// AddressStatus returns the status of the address derived at index. The
// second return value is false when the index is beyond the frontier.
func (s *SharedState) AddressStatus(index KeyIndex) (AddressStatus, bool) {
	return s.pool.status(index)
}

// ForEachAddress invokes f for every frontier entry in ascending index
// order.
func (s *SharedState) ForEachAddress(f func(index KeyIndex,
	addr btcutil.Address, status AddressStatus) error) error {

	return s.pool.forEach(f)
}

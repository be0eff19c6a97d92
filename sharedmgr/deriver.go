// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// KeyIndex is a position in the soft derivation space reserved for script
// keys. Valid indices are in [MinKeyIndex, maxKeyIndex].
type KeyIndex uint32

const (
	// MinKeyIndex is the smallest key index of an account.
	MinKeyIndex KeyIndex = 0

	// maxKeyIndex is the largest soft-derivable key index. Indices at or
	// above the hardened boundary cannot be derived from an extended
	// public key.
	maxKeyIndex = KeyIndex(hdkeychain.HardenedKeyStart - 1)
)

// Deriver is the key and address derivation contract consumed by the
// discovery state machine. The account key and script templates are bound at
// construction, so both methods are deterministic pure functions of the key
// index. Implementations must be injective over indices for DeriveAddress:
// distinct indices must never yield the same address.
type Deriver interface {
	// DeriveAddress returns the shared address at the given key index.
	DeriveAddress(index KeyIndex) (btcutil.Address, error)

	// DeriveKeyHash returns the hash of the account's own key at the
	// given index, identifying the wallet's key slot within the shared
	// address.
	DeriveKeyHash(index KeyIndex) ([]byte, error)
}

// ScriptDeriver derives P2WSH addresses from script templates by binding
// each co-signer's child key at the requested index into the template's
// witness script. It implements Deriver.
type ScriptDeriver struct {
	accountKey  *hdkeychain.ExtendedKey
	payment     *ScriptTemplate
	delegation  *ScriptTemplate
	chainParams *chaincfg.Params
}

// A compile time check to ensure ScriptDeriver implements the interface.
var _ Deriver = (*ScriptDeriver)(nil)

// NewScriptDeriver creates a deriver for the given account key and
// templates. The delegation template may be nil; when present it is
// committed into every derived address so that both templates parameterize
// the address.
func NewScriptDeriver(accountKey *hdkeychain.ExtendedKey,
	payment, delegation *ScriptTemplate,
	chainParams *chaincfg.Params) (*ScriptDeriver, error) {

	switch {
	case accountKey == nil:
		return nil, fmt.Errorf("%w: nil account key",
			ErrAccountParams)

	case payment == nil:
		return nil, fmt.Errorf("%w: nil payment template",
			ErrAccountParams)

	case chainParams == nil:
		return nil, fmt.Errorf("%w: nil chain params",
			ErrAccountParams)
	}

	pubKey := accountKey
	if pubKey.IsPrivate() {
		var err error
		pubKey, err = pubKey.Neuter()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrAccountParams, err)
		}
	}

	return &ScriptDeriver{
		accountKey:  pubKey,
		payment:     payment,
		delegation:  delegation,
		chainParams: chainParams,
	}, nil
}

// DeriveAddress returns the P2WSH address of the payment template's witness
// script at the given index.
func (d *ScriptDeriver) DeriveAddress(index KeyIndex) (btcutil.Address,
	error) {

	if index > maxKeyIndex {
		return nil, fmt.Errorf("%w: index %d beyond soft derivation "+
			"space", ErrKeySpaceExhausted, index)
	}

	script, err := d.payment.witnessScript(index)
	if err != nil {
		return nil, err
	}

	// A delegation template changes the derived address, so commit its
	// script into the witness script ahead of the payment condition.
	if d.delegation != nil {
		delegationScript, err := d.delegation.witnessScript(index)
		if err != nil {
			return nil, err
		}
		commitment := sha256.Sum256(delegationScript)

		builder := txscript.NewScriptBuilder()
		builder.AddData(commitment[:])
		builder.AddOp(txscript.OP_DROP)
		prefix, err := builder.Script()
		if err != nil {
			return nil, err
		}
		script = append(prefix, script...)
	}

	scriptHash := sha256.Sum256(script)

	return btcutil.NewAddressWitnessScriptHash(
		scriptHash[:], d.chainParams,
	)
}

// DeriveKeyHash returns the Hash160 of the account key's child public key at
// the given index.
func (d *ScriptDeriver) DeriveKeyHash(index KeyIndex) ([]byte, error) {
	if index > maxKeyIndex {
		return nil, fmt.Errorf("%w: index %d beyond soft derivation "+
			"space", ErrKeySpaceExhausted, index)
	}

	child, err := d.accountKey.Derive(uint32(index))
	if err != nil {
		return nil, fmt.Errorf("derive account key at index %d: %w",
			index, err)
	}
	pubKey, err := child.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("account pubkey at index %d: %w",
			index, err)
	}

	return btcutil.Hash160(pubKey.SerializeCompressed()), nil
}

// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
)

// CosignerID identifies one co-signer slot within a script template. IDs are
// unique within a template and their ordering carries no meaning.
type CosignerID uint8

// condKind enumerates the closed set of spending condition variants.
type condKind uint8

const (
	// condSignature requires a signature from one co-signer.
	condSignature condKind = 1

	// condAll requires every sub-condition to hold.
	condAll condKind = 2

	// condAny requires at least one sub-condition to hold.
	condAny condKind = 3

	// condAtLeast requires a minimum number of sub-conditions to hold.
	condAtLeast condKind = 4

	// condActiveFrom is a lower time-lock bound: the condition holds only
	// at or after the given lock time.
	condActiveFrom condKind = 5

	// condActiveUntil is an upper time-lock bound: the condition holds
	// only before the given lock time.
	condActiveUntil condKind = 6
)

// SpendCondition is one node of a spending condition expression. Conditions
// are built with the package constructors, compared with Equal, and carried
// around as opaque values; this package never evaluates satisfiability.
type SpendCondition struct {
	kind     condKind
	cosigner CosignerID
	required uint8
	lockTime uint32
	subs     []*SpendCondition
}

// SignatureOf requires a signature from the co-signer bound to id.
func SignatureOf(id CosignerID) *SpendCondition {
	return &SpendCondition{kind: condSignature, cosigner: id}
}

// AllOf requires every sub-condition to hold.
func AllOf(subs ...*SpendCondition) *SpendCondition {
	return &SpendCondition{kind: condAll, subs: subs}
}

// AnyOf requires at least one sub-condition to hold.
func AnyOf(subs ...*SpendCondition) *SpendCondition {
	return &SpendCondition{kind: condAny, subs: subs}
}

// AtLeastOf requires at least n of the sub-conditions to hold.
func AtLeastOf(n uint8, subs ...*SpendCondition) *SpendCondition {
	return &SpendCondition{kind: condAtLeast, required: n, subs: subs}
}

// ActiveFrom bounds the condition to lock times at or after lockTime.
func ActiveFrom(lockTime uint32) *SpendCondition {
	return &SpendCondition{kind: condActiveFrom, lockTime: lockTime}
}

// ActiveUntil bounds the condition to lock times strictly before lockTime.
func ActiveUntil(lockTime uint32) *SpendCondition {
	return &SpendCondition{kind: condActiveUntil, lockTime: lockTime}
}

// Equal reports whether two condition expressions are structurally
// identical.
func (c *SpendCondition) Equal(other *SpendCondition) bool {
	if c == nil || other == nil {
		return c == other
	}
	if c.kind != other.kind || c.cosigner != other.cosigner ||
		c.required != other.required || c.lockTime != other.lockTime {

		return false
	}
	if len(c.subs) != len(other.subs) {
		return false
	}
	for i, sub := range c.subs {
		if !sub.Equal(other.subs[i]) {
			return false
		}
	}

	return true
}

// forEachSigner walks the expression and invokes f for every signature leaf.
func (c *SpendCondition) forEachSigner(f func(CosignerID)) {
	if c == nil {
		return
	}
	if c.kind == condSignature {
		f(c.cosigner)
	}
	for _, sub := range c.subs {
		sub.forEachSigner(f)
	}
}

// validate checks the structural invariants of the expression tree:
// combinators must have sub-conditions, at-least thresholds must be
// satisfiable by their sub-condition count, and leaves must not carry subs.
func (c *SpendCondition) validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil spending condition",
			ErrInvalidTemplate)
	}

	switch c.kind {
	case condSignature, condActiveFrom, condActiveUntil:
		if len(c.subs) != 0 {
			return fmt.Errorf("%w: leaf condition carries "+
				"sub-conditions", ErrInvalidTemplate)
		}

	case condAll, condAny:
		if len(c.subs) == 0 {
			return fmt.Errorf("%w: empty combinator",
				ErrInvalidTemplate)
		}

	case condAtLeast:
		if len(c.subs) == 0 {
			return fmt.Errorf("%w: empty combinator",
				ErrInvalidTemplate)
		}
		if c.required < 1 || int(c.required) > len(c.subs) {
			return fmt.Errorf("%w: at-least threshold %d not in "+
				"[1, %d]", ErrInvalidTemplate, c.required,
				len(c.subs))
		}

	default:
		return fmt.Errorf("%w: unknown condition kind %d",
			ErrInvalidTemplate, c.kind)
	}

	for _, sub := range c.subs {
		if err := sub.validate(); err != nil {
			return err
		}
	}

	return nil
}

// ScriptTemplate binds co-signer account keys into a spending condition.
// Templates are immutable after construction; two templates are equal iff
// both the key bindings and the condition expression are equal.
type ScriptTemplate struct {
	// cosigners maps each co-signer slot to that party's extended account
	// public key.
	cosigners map[CosignerID]*hdkeychain.ExtendedKey

	// condition is the spending condition expression over the co-signer
	// slots.
	condition *SpendCondition
}

// NewScriptTemplate creates a validated script template. Every co-signer
// referenced by the condition must have a key bound, keys must be extended
// public keys, and the condition must contain at least one signature leaf.
func NewScriptTemplate(cosigners map[CosignerID]*hdkeychain.ExtendedKey,
	condition *SpendCondition) (*ScriptTemplate, error) {

	if err := condition.validate(); err != nil {
		return nil, err
	}

	var (
		sigLeaves int
		missing   []CosignerID
	)
	condition.forEachSigner(func(id CosignerID) {
		sigLeaves++
		if _, ok := cosigners[id]; !ok {
			missing = append(missing, id)
		}
	})
	if sigLeaves == 0 {
		return nil, fmt.Errorf("%w: condition has no signature "+
			"leaves", ErrInvalidTemplate)
	}
	if len(missing) != 0 {
		return nil, fmt.Errorf("%w: no key bound for cosigner(s) %v",
			ErrInvalidTemplate, missing)
	}

	bound := make(map[CosignerID]*hdkeychain.ExtendedKey, len(cosigners))
	for id, key := range cosigners {
		if key == nil {
			return nil, fmt.Errorf("%w: nil key for cosigner %d",
				ErrInvalidTemplate, id)
		}
		if key.IsPrivate() {
			neutered, err := key.Neuter()
			if err != nil {
				return nil, fmt.Errorf("%w: cosigner %d: %v",
					ErrInvalidTemplate, id, err)
			}
			key = neutered
		}
		bound[id] = key
	}

	return &ScriptTemplate{
		cosigners: bound,
		condition: condition,
	}, nil
}

// Equal reports whether both the co-signer key bindings and the condition
// expression of the two templates are equal.
func (t *ScriptTemplate) Equal(other *ScriptTemplate) bool {
	if t == nil || other == nil {
		return t == other
	}
	if len(t.cosigners) != len(other.cosigners) {
		return false
	}
	for id, key := range t.cosigners {
		otherKey, ok := other.cosigners[id]
		if !ok || key.String() != otherKey.String() {
			return false
		}
	}

	return t.condition.Equal(other.condition)
}

// Condition returns the template's spending condition expression.
func (t *ScriptTemplate) Condition() *SpendCondition {
	return t.condition
}

// CosignerKey returns the account key bound to the given co-signer slot.
func (t *ScriptTemplate) CosignerKey(id CosignerID) (*hdkeychain.ExtendedKey,
	bool) {

	key, ok := t.cosigners[id]
	return key, ok
}

// NumCosigners returns the number of co-signer slots with bound keys.
func (t *ScriptTemplate) NumCosigners() int {
	return len(t.cosigners)
}

// cosignerIDs returns the bound co-signer slots in ascending order.
func (t *ScriptTemplate) cosignerIDs() []CosignerID {
	ids := make([]CosignerID, 0, len(t.cosigners))
	for id := range t.cosigners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// witnessScript renders the template into a deterministic witness script for
// the given key index, with every signature leaf bound to the co-signer's
// child key at that index. The rendering is injective over key indices for a
// fixed template, which is what address derivation requires; producing a
// spendable script is the concern of the transaction layer, not this
// package.
func (t *ScriptTemplate) witnessScript(index KeyIndex) ([]byte, error) {
	keys := make(map[CosignerID]*btcec.PublicKey, len(t.cosigners))
	for id, acctKey := range t.cosigners {
		child, err := acctKey.Derive(uint32(index))
		if err != nil {
			return nil, fmt.Errorf("derive cosigner %d at index "+
				"%d: %w", id, index, err)
		}
		pubKey, err := child.ECPubKey()
		if err != nil {
			return nil, fmt.Errorf("cosigner %d pubkey at index "+
				"%d: %w", id, index, err)
		}
		keys[id] = pubKey
	}

	builder := txscript.NewScriptBuilder()
	buildCondition(builder, t.condition, keys)

	return builder.Script()
}

// buildCondition appends the script rendering of one condition node. Each
// node leaves exactly one boolean-like value on the stack so combinators can
// fold their sub-conditions with OP_BOOLAND/OP_BOOLOR/OP_ADD.
func buildCondition(builder *txscript.ScriptBuilder, c *SpendCondition,
	keys map[CosignerID]*btcec.PublicKey) {

	switch c.kind {
	case condSignature:
		builder.AddData(keys[c.cosigner].SerializeCompressed())
		builder.AddOp(txscript.OP_CHECKSIG)

	case condAll:
		for _, sub := range c.subs {
			buildCondition(builder, sub, keys)
		}
		for i := 1; i < len(c.subs); i++ {
			builder.AddOp(txscript.OP_BOOLAND)
		}

	case condAny:
		for _, sub := range c.subs {
			buildCondition(builder, sub, keys)
		}
		for i := 1; i < len(c.subs); i++ {
			builder.AddOp(txscript.OP_BOOLOR)
		}

	case condAtLeast:
		for _, sub := range c.subs {
			buildCondition(builder, sub, keys)
		}
		for i := 1; i < len(c.subs); i++ {
			builder.AddOp(txscript.OP_ADD)
		}
		builder.AddInt64(int64(c.required))
		builder.AddOp(txscript.OP_GREATERTHANOREQUAL)

	case condActiveFrom:
		builder.AddInt64(int64(c.lockTime))
		builder.AddOp(txscript.OP_CHECKLOCKTIMEVERIFY)
		builder.AddOp(txscript.OP_DROP)
		builder.AddOp(txscript.OP_TRUE)

	case condActiveUntil:
		builder.AddInt64(int64(c.lockTime))
		builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
		builder.AddOp(txscript.OP_DROP)
		builder.AddOp(txscript.OP_TRUE)
	}
}

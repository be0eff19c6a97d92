// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/lightningnetwork/lnd/tlv"
)

var (
	// sharedBucketName is the top-level bucket holding one sub-bucket per
	// shared account, keyed by the big-endian account index.
	sharedBucketName = []byte("shared-accounts")

	// stateKeyName is the per-account key of the tlv-encoded state
	// header: account key, account index, gap limit and templates.
	stateKeyName = []byte("state")

	// frontierBucketName is the per-account bucket of frontier rows,
	// keyed by big-endian key index with a one byte status value.
	frontierBucketName = []byte("frontier")
)

// tlv record types of the state header.
const (
	typeAccountKey         tlv.Type = 1
	typeAccountIndex       tlv.Type = 2
	typeGapLimit           tlv.Type = 3
	typePaymentTemplate    tlv.Type = 4
	typeDelegationTemplate tlv.Type = 5
)

// encodeScriptTemplate serializes a template for persistence: the co-signer
// bindings sorted by ID, followed by the condition expression tree.
func encodeScriptTemplate(t *ScriptTemplate) ([]byte, error) {
	var buf bytes.Buffer

	ids := t.cosignerIDs()
	buf.WriteByte(byte(len(ids)))
	for _, id := range ids {
		buf.WriteByte(byte(id))

		keyBytes := []byte(t.cosigners[id].String())
		var keyLen [2]byte
		binary.BigEndian.PutUint16(keyLen[:], uint16(len(keyBytes)))
		buf.Write(keyLen[:])
		buf.Write(keyBytes)
	}

	if err := encodeCondition(&buf, t.condition); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// encodeCondition appends the prefix encoding of one condition node.
func encodeCondition(buf *bytes.Buffer, c *SpendCondition) error {
	buf.WriteByte(byte(c.kind))

	switch c.kind {
	case condSignature:
		buf.WriteByte(byte(c.cosigner))

	case condAll, condAny, condAtLeast:
		if len(c.subs) > 0xff {
			return fmt.Errorf("%w: combinator with %d "+
				"sub-conditions", ErrInvalidTemplate,
				len(c.subs))
		}
		if c.kind == condAtLeast {
			buf.WriteByte(c.required)
		}
		buf.WriteByte(byte(len(c.subs)))
		for _, sub := range c.subs {
			if err := encodeCondition(buf, sub); err != nil {
				return err
			}
		}

	case condActiveFrom, condActiveUntil:
		var lockTime [4]byte
		binary.BigEndian.PutUint32(lockTime[:], c.lockTime)
		buf.Write(lockTime[:])
	}

	return nil
}

// decodeScriptTemplate is the inverse of encodeScriptTemplate. The decoded
// template is re-validated through NewScriptTemplate.
func decodeScriptTemplate(b []byte) (*ScriptTemplate, error) {
	r := bytes.NewReader(b)

	numCosigners, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated template",
			ErrCorruptState)
	}

	cosigners := make(map[CosignerID]*hdkeychain.ExtendedKey, numCosigners)
	for i := 0; i < int(numCosigners); i++ {
		id, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated cosigner",
				ErrCorruptState)
		}

		var keyLen [2]byte
		if _, err := io.ReadFull(r, keyLen[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated cosigner key "+
				"length", ErrCorruptState)
		}
		keyBytes := make([]byte, binary.BigEndian.Uint16(keyLen[:]))
		if _, err := io.ReadFull(r, keyBytes); err != nil {
			return nil, fmt.Errorf("%w: truncated cosigner key",
				ErrCorruptState)
		}

		key, err := hdkeychain.NewKeyFromString(string(keyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: cosigner %d key: %v",
				ErrCorruptState, id, err)
		}
		cosigners[CosignerID(id)] = key
	}

	condition, err := decodeCondition(r)
	if err != nil {
		return nil, err
	}

	template, err := NewScriptTemplate(cosigners, condition)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	return template, nil
}

// decodeCondition reads one condition node from r.
func decodeCondition(r *bytes.Reader) (*SpendCondition, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: truncated condition",
			ErrCorruptState)
	}

	c := &SpendCondition{kind: condKind(kind)}
	switch c.kind {
	case condSignature:
		id, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated signature leaf",
				ErrCorruptState)
		}
		c.cosigner = CosignerID(id)

	case condAll, condAny, condAtLeast:
		if c.kind == condAtLeast {
			required, err := r.ReadByte()
			if err != nil {
				return nil, fmt.Errorf("%w: truncated "+
					"threshold", ErrCorruptState)
			}
			c.required = required
		}
		numSubs, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: truncated combinator",
				ErrCorruptState)
		}
		c.subs = make([]*SpendCondition, numSubs)
		for i := range c.subs {
			sub, err := decodeCondition(r)
			if err != nil {
				return nil, err
			}
			c.subs[i] = sub
		}

	case condActiveFrom, condActiveUntil:
		var lockTime [4]byte
		if _, err := io.ReadFull(r, lockTime[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated time lock",
				ErrCorruptState)
		}
		c.lockTime = binary.BigEndian.Uint32(lockTime[:])

	default:
		return nil, fmt.Errorf("%w: unknown condition kind %d",
			ErrCorruptState, kind)
	}

	return c, nil
}

// serializeStateInfo encodes the state header as a tlv stream.
func serializeStateInfo(s *SharedState) ([]byte, error) {
	accountKey := []byte(s.accountKey.String())
	gap := uint32(s.gapLimit)

	payment, err := encodeScriptTemplate(s.paymentTemplate)
	if err != nil {
		return nil, err
	}

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typeAccountKey, &accountKey),
		tlv.MakePrimitiveRecord(typeAccountIndex, &s.accountIndex),
		tlv.MakePrimitiveRecord(typeGapLimit, &gap),
		tlv.MakePrimitiveRecord(typePaymentTemplate, &payment),
	}

	if s.delegationTemplate != nil {
		delegation, err := encodeScriptTemplate(s.delegationTemplate)
		if err != nil {
			return nil, err
		}
		records = append(records, tlv.MakePrimitiveRecord(
			typeDelegationTemplate, &delegation,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// stateInfo is the decoded state header.
type stateInfo struct {
	accountKey   *hdkeychain.ExtendedKey
	accountIndex uint32
	gapLimit     GapLimit
	payment      *ScriptTemplate
	delegation   *ScriptTemplate
}

// deserializeStateInfo decodes the tlv state header.
func deserializeStateInfo(b []byte) (*stateInfo, error) {
	var (
		accountKey   []byte
		accountIndex uint32
		gap          uint32
		payment      []byte
		delegation   []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeAccountKey, &accountKey),
		tlv.MakePrimitiveRecord(typeAccountIndex, &accountIndex),
		tlv.MakePrimitiveRecord(typeGapLimit, &gap),
		tlv.MakePrimitiveRecord(typePaymentTemplate, &payment),
		tlv.MakePrimitiveRecord(typeDelegationTemplate, &delegation),
	)
	if err != nil {
		return nil, err
	}

	parsed, err := stream.DecodeWithParsedTypes(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	for _, required := range []tlv.Type{
		typeAccountKey, typeAccountIndex, typeGapLimit,
		typePaymentTemplate,
	} {
		if _, ok := parsed[required]; !ok {
			return nil, fmt.Errorf("%w: missing record %d",
				ErrCorruptState, required)
		}
	}

	key, err := hdkeychain.NewKeyFromString(string(accountKey))
	if err != nil {
		return nil, fmt.Errorf("%w: account key: %v",
			ErrCorruptState, err)
	}

	gapLimit := GapLimit(gap)
	if !gapLimit.valid() {
		return nil, fmt.Errorf("%w: gap limit %d", ErrCorruptState,
			gap)
	}

	info := &stateInfo{
		accountKey:   key,
		accountIndex: accountIndex,
		gapLimit:     gapLimit,
	}

	info.payment, err = decodeScriptTemplate(payment)
	if err != nil {
		return nil, err
	}
	if _, ok := parsed[typeDelegationTemplate]; ok {
		info.delegation, err = decodeScriptTemplate(delegation)
		if err != nil {
			return nil, err
		}
	}

	return info, nil
}

// accountBucketKey returns the bucket key of an account: its big-endian
// account index.
func accountBucketKey(accountIndex uint32) [4]byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], accountIndex)

	return key
}

// putSharedState writes the full discovery state of one account: the state
// header plus every frontier row. Rows are only ever added or flipped to
// used, so rewriting them is idempotent.
func putSharedState(ns walletdb.ReadWriteBucket, s *SharedState) error {
	key := accountBucketKey(s.accountIndex)
	acctBucket, err := ns.CreateBucketIfNotExists(key[:])
	if err != nil {
		return err
	}

	info, err := serializeStateInfo(s)
	if err != nil {
		return err
	}
	if err := acctBucket.Put(stateKeyName, info); err != nil {
		return err
	}

	frontier, err := acctBucket.CreateBucketIfNotExists(frontierBucketName)
	if err != nil {
		return err
	}

	return s.pool.forEach(func(index KeyIndex, _ btcutil.Address,
		status AddressStatus) error {

		var row [4]byte
		binary.BigEndian.PutUint32(row[:], uint32(index))

		return frontier.Put(row[:], []byte{byte(status)})
	})
}

// deleteSharedState removes an account's persisted discovery state.
func deleteSharedState(ns walletdb.ReadWriteBucket,
	accountIndex uint32) error {

	key := accountBucketKey(accountIndex)
	if ns.NestedReadBucket(key[:]) == nil {
		return fmt.Errorf("%w: account %d", ErrAccountNotFound,
			accountIndex)
	}

	return ns.DeleteNestedBucket(key[:])
}

// fetchSharedState loads one account's discovery state. Frontier addresses
// are re-derived from the stored indices rather than stored themselves,
// which enforces the determinism invariant by construction: every entry's
// address is exactly what the deriver produces for its index.
func fetchSharedState(ns walletdb.ReadBucket, accountIndex uint32,
	chainParams *chaincfg.Params) (*SharedState, error) {

	key := accountBucketKey(accountIndex)
	acctBucket := ns.NestedReadBucket(key[:])
	if acctBucket == nil {
		return nil, fmt.Errorf("%w: account %d", ErrAccountNotFound,
			accountIndex)
	}

	infoBytes := acctBucket.Get(stateKeyName)
	if infoBytes == nil {
		return nil, fmt.Errorf("%w: missing state header",
			ErrCorruptState)
	}
	info, err := deserializeStateInfo(infoBytes)
	if err != nil {
		return nil, err
	}

	deriver, err := NewScriptDeriver(
		info.accountKey, info.payment, info.delegation, chainParams,
	)
	if err != nil {
		return nil, err
	}

	frontier := acctBucket.NestedReadBucket(frontierBucketName)
	if frontier == nil {
		return nil, fmt.Errorf("%w: missing frontier bucket",
			ErrCorruptState)
	}

	type frontierRow struct {
		index  KeyIndex
		status AddressStatus
	}
	var rows []frontierRow
	err = frontier.ForEach(func(k, v []byte) error {
		if len(k) != 4 || len(v) != 1 {
			return fmt.Errorf("%w: malformed frontier row",
				ErrCorruptState)
		}
		rows = append(rows, frontierRow{
			index:  KeyIndex(binary.BigEndian.Uint32(k)),
			status: AddressStatus(v[0]),
		})

		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].index < rows[j].index
	})

	pool := &addressPool{
		gapLimit: info.gapLimit,
		entries:  make(map[addrKey]poolEntry, len(rows)),
		addrs:    make(map[KeyIndex]btcutil.Address, len(rows)),
	}
	for i, row := range rows {
		// The frontier is grown one contiguous index at a time, so
		// stored rows must cover [0, len) without holes.
		if row.index != KeyIndex(i) {
			return nil, fmt.Errorf("%w: frontier hole at index "+
				"%d", ErrCorruptState, row.index)
		}

		addr, err := deriver.DeriveAddress(row.index)
		if err != nil {
			return nil, err
		}
		pool.entries[addrKey(addr.ScriptAddress())] = poolEntry{
			index:  row.index,
			status: row.status,
		}
		pool.addrs[row.index] = addr

		if row.status == StatusUsed {
			pool.lastUsed = row.index
			pool.anyUsed = true
		}
	}
	pool.nextIndex = KeyIndex(len(rows))

	return &SharedState{
		accountKey:         info.accountKey,
		accountIndex:       info.accountIndex,
		gapLimit:           info.gapLimit,
		paymentTemplate:    info.payment,
		delegationTemplate: info.delegation,
		chainParams:        chainParams,
		deriver:            deriver,
		pool:               pool,
	}, nil
}

package sharedmgr

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
	"github.com/stretchr/testify/require"
)

const testDBTimeout = 10 * time.Second

// openTestDB creates a fresh bbolt-backed wallet database with the shared
// accounts namespace initialized.
func openTestDB(t *testing.T) walletdb.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "shared.db")
	db, err := walletdb.Create("bdb", dbPath, true, testDBTimeout, false)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		_, err := tx.CreateTopLevelBucket(sharedBucketName)
		return err
	})
	require.NoError(t, err)

	return db
}

// putTestState persists the state inside a fresh transaction.
func putTestState(t *testing.T, db walletdb.DB, state *SharedState) {
	t.Helper()

	err := walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return putSharedState(tx.ReadWriteBucket(sharedBucketName),
			state)
	})
	require.NoError(t, err)
}

// fetchTestState loads the state of the given account.
func fetchTestState(t *testing.T, db walletdb.DB,
	accountIndex uint32) *SharedState {

	t.Helper()

	var state *SharedState
	err := walletdb.View(db, func(tx walletdb.ReadTx) error {
		var err error
		state, err = fetchSharedState(
			tx.ReadBucket(sharedBucketName), accountIndex,
			testChainParams,
		)
		return err
	})
	require.NoError(t, err)

	return state
}

// assertStatesEqual compares two states attribute for attribute, including
// the full frontier contents.
func assertStatesEqual(t *testing.T, want, got *SharedState) {
	t.Helper()

	require.Equal(t, want.AccountIndex(), got.AccountIndex())
	require.Equal(t, want.GapLimit(), got.GapLimit())
	require.Equal(t, want.AccountKey().String(), got.AccountKey().String())
	require.True(t, want.PaymentTemplate().Equal(got.PaymentTemplate()))
	require.Equal(t,
		want.DelegationTemplate().IsSome(),
		got.DelegationTemplate().IsSome(),
	)
	require.Equal(t, want.NumAddresses(), got.NumAddresses())

	err := want.ForEachAddress(func(index KeyIndex, addr btcutil.Address,
		status AddressStatus) error {

		gotStatus, ok := got.AddressStatus(index)
		require.True(t, ok, "index %d missing", index)
		require.Equal(t, status, gotStatus, "index %d status", index)

		entry, ok := got.pool.lookup(addr)
		require.True(t, ok, "address at index %d missing", index)
		require.Equal(t, index, entry.index)

		return nil
	})
	require.NoError(t, err)
}

// TestSharedStateRoundTrip asserts that serialize-then-deserialize
// reproduces an identical state, including which indices are used.
func TestSharedStateRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	cfg := testConfig(t, 10)
	state, err := NewSharedState(cfg)
	require.NoError(t, err)

	// Advance the state through a few discoveries before persisting.
	deriver := testDeriver(t, cfg)
	for _, index := range []KeyIndex{2, 6, 11} {
		match, next, err := state.IsShared(
			deriveTestAddr(t, deriver, index),
		)
		require.NoError(t, err)
		require.True(t, match.IsSome())
		state = next
	}

	putTestState(t, db, state)
	loaded := fetchTestState(t, db, state.AccountIndex())

	assertStatesEqual(t, state, loaded)
	assertGapInvariant(t, loaded)

	// The loaded state must behave identically: re-observing a used
	// address is idempotent, and the next unused index is discoverable.
	match, next, err := loaded.IsShared(deriveTestAddr(t, deriver, 6))
	require.NoError(t, err)
	require.True(t, match.IsSome())
	require.Same(t, loaded, next)

	match, next, err = loaded.IsShared(deriveTestAddr(t, deriver, 12))
	require.NoError(t, err)
	require.True(t, match.IsSome())
	require.Equal(t, loaded.NumAddresses()+1, next.NumAddresses())
}

// TestSharedStateRoundTripWithDelegation asserts that the optional
// delegation template survives persistence.
func TestSharedStateRoundTripWithDelegation(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	cfg := testConfig(t, 10)
	cfg.DelegationTemplate = testTemplate(t, 3)
	state, err := NewSharedState(cfg)
	require.NoError(t, err)

	putTestState(t, db, state)
	loaded := fetchTestState(t, db, state.AccountIndex())

	assertStatesEqual(t, state, loaded)

	gotDelegation := loaded.DelegationTemplate()
	require.True(t, gotDelegation.IsSome())
	require.True(t, cfg.DelegationTemplate.Equal(
		gotDelegation.UnwrapOr(nil),
	))
}

// TestDeleteSharedState asserts that a deleted account can no longer be
// fetched.
func TestDeleteSharedState(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	state, err := NewSharedState(testConfig(t, 5))
	require.NoError(t, err)
	putTestState(t, db, state)

	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		return deleteSharedState(
			tx.ReadWriteBucket(sharedBucketName),
			state.AccountIndex(),
		)
	})
	require.NoError(t, err)

	err = walletdb.View(db, func(tx walletdb.ReadTx) error {
		_, err := fetchSharedState(
			tx.ReadBucket(sharedBucketName),
			state.AccountIndex(), testChainParams,
		)
		return err
	})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

// TestScriptTemplateCodec asserts that the template codec round-trips all
// condition variants.
func TestScriptTemplateCodec(t *testing.T) {
	t.Parallel()

	cosigners := map[CosignerID]*hdkeychain.ExtendedKey{
		0: testCosignerKey(t, 0, 0),
		1: testCosignerKey(t, 1, 0),
		2: testCosignerKey(t, 2, 0),
	}

	conditions := []*SpendCondition{
		SignatureOf(1),
		AllOf(SignatureOf(0), SignatureOf(1)),
		AnyOf(SignatureOf(0), AllOf(SignatureOf(1), SignatureOf(2))),
		AtLeastOf(2, SignatureOf(0), SignatureOf(1), SignatureOf(2)),
		AllOf(SignatureOf(0), ActiveFrom(1000), ActiveUntil(2000)),
	}
	for _, condition := range conditions {
		template, err := NewScriptTemplate(cosigners, condition)
		require.NoError(t, err)

		encoded, err := encodeScriptTemplate(template)
		require.NoError(t, err)

		decoded, err := decodeScriptTemplate(encoded)
		require.NoError(t, err)
		require.True(t, template.Equal(decoded))
	}
}

// TestDecodeScriptTemplateCorrupt asserts that truncated or malformed
// template bytes are reported as corrupt state.
func TestDecodeScriptTemplateCorrupt(t *testing.T) {
	t.Parallel()

	template := testTemplate(t, 0)
	encoded, err := encodeScriptTemplate(template)
	require.NoError(t, err)

	for _, corrupt := range [][]byte{
		nil,
		encoded[:1],
		encoded[:len(encoded)-1],
		{0x00, 0xff},
	} {
		_, err := decodeScriptTemplate(corrupt)
		require.ErrorIs(t, err, ErrCorruptState)
	}
}

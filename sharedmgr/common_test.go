package sharedmgr

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"
)

// testChainParams is the network used throughout the package tests.
var testChainParams = &chaincfg.SimNetParams

// testCosignerKey derives a deterministic extended account public key for
// the given co-signer seed byte and hardened account index.
func testCosignerKey(t *testing.T, seedByte byte,
	account uint32) *hdkeychain.ExtendedKey {

	t.Helper()

	seed := bytes.Repeat([]byte{seedByte + 1}, 32)
	master, err := hdkeychain.NewMaster(seed, testChainParams)
	require.NoError(t, err)

	acctKey, err := master.Derive(hdkeychain.HardenedKeyStart + account)
	require.NoError(t, err)

	pubKey, err := acctKey.Neuter()
	require.NoError(t, err)

	return pubKey
}

// testTemplate builds a 2-of-3 payment template over three deterministic
// co-signer keys.
func testTemplate(t *testing.T, account uint32) *ScriptTemplate {
	t.Helper()

	cosigners := map[CosignerID]*hdkeychain.ExtendedKey{
		0: testCosignerKey(t, 0, account),
		1: testCosignerKey(t, 1, account),
		2: testCosignerKey(t, 2, account),
	}
	template, err := NewScriptTemplate(cosigners, AtLeastOf(
		2, SignatureOf(0), SignatureOf(1), SignatureOf(2),
	))
	require.NoError(t, err)

	return template
}

// testConfigAccount builds a valid shared account config for the given
// hardened account index.
func testConfigAccount(t *testing.T, gap GapLimit,
	account uint32) *SharedConfig {

	t.Helper()

	return &SharedConfig{
		AccountKey:      testCosignerKey(t, 0, account),
		AccountIndex:    account,
		GapLimit:        gap,
		PaymentTemplate: testTemplate(t, account),
		ChainParams:     testChainParams,
	}
}

func testConfig(t *testing.T, gap GapLimit) *SharedConfig {
	t.Helper()

	return testConfigAccount(t, gap, 0)
}

func newTestState(t *testing.T, gap GapLimit) *SharedState {
	t.Helper()

	state, err := NewSharedState(testConfig(t, gap))
	require.NoError(t, err)

	return state
}

// testDeriver builds an independent deriver with the same parameters as the
// config, used to compute expected addresses and key hashes.
func testDeriver(t *testing.T, cfg *SharedConfig) *ScriptDeriver {
	t.Helper()

	deriver, err := NewScriptDeriver(
		cfg.AccountKey, cfg.PaymentTemplate, cfg.DelegationTemplate,
		cfg.ChainParams,
	)
	require.NoError(t, err)

	return deriver
}

// deriveTestAddr returns the expected shared address at the given index.
func deriveTestAddr(t *testing.T, deriver Deriver,
	index KeyIndex) btcutil.Address {

	t.Helper()

	addr, err := deriver.DeriveAddress(index)
	require.NoError(t, err)

	return addr
}

// assertGapInvariant checks that the frontier covers exactly the indices
// [0, m+gap] for the highest used index m (or [0, gap-1] when nothing is
// used), and that every index above m is unused.
func assertGapInvariant(t *testing.T, state *SharedState) {
	t.Helper()

	highestUsed := -1
	maxIndex := -1
	err := state.ForEachAddress(func(index KeyIndex, _ btcutil.Address,
		status AddressStatus) error {

		if status == StatusUsed && int(index) > highestUsed {
			highestUsed = int(index)
		}
		require.Equal(t, maxIndex+1, int(index),
			"frontier indices must be contiguous")
		maxIndex = int(index)

		return nil
	})
	require.NoError(t, err)

	gap := int(state.GapLimit())
	wantMax := gap - 1
	if highestUsed >= 0 {
		wantMax = highestUsed + gap
	}
	require.Equal(t, wantMax, maxIndex, "frontier horizon")

	for index := highestUsed + 1; index <= maxIndex; index++ {
		status, ok := state.AddressStatus(KeyIndex(index))
		require.True(t, ok)
		require.Equal(t, StatusUnused, status)
	}
}

// usedIndices returns the set of used frontier indices.
func usedIndices(t *testing.T, state *SharedState) map[KeyIndex]struct{} {
	t.Helper()

	used := make(map[KeyIndex]struct{})
	err := state.ForEachAddress(func(index KeyIndex, _ btcutil.Address,
		status AddressStatus) error {

		if status == StatusUsed {
			used[index] = struct{}{}
		}

		return nil
	})
	require.NoError(t, err)

	return used
}

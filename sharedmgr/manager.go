// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package sharedmgr

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
	"golang.org/x/sync/errgroup"
)

// AddressMatch reports one candidate address that was discovered to belong
// to a tracked shared account.
type AddressMatch struct {
	// AccountIndex is the account the address belongs to.
	AccountIndex uint32

	// Address is the matched candidate address.
	Address btcutil.Address

	// Index is the key index the address was derived at.
	Index KeyIndex

	// KeyHash is the hash of the account key's child key at Index.
	KeyHash []byte
}

// ManagerConfig holds the resources a Manager needs.
type ManagerConfig struct {
	// DB is the open wallet database. The manager owns the
	// "shared-accounts" namespace within it.
	DB walletdb.DB

	// ChainParams identifies the network addresses are encoded for.
	ChainParams *chaincfg.Params
}

// Manager tracks the discovery state of all shared accounts of a wallet and
// enforces the concurrency contract of SharedState: one sequential reducer
// per account. Candidates handed to FilterAddresses are folded through each
// account's state in order, accounts are processed in parallel, and advanced
// states are persisted before they become visible.
type Manager struct {
	mu sync.Mutex

	db          walletdb.DB
	chainParams *chaincfg.Params

	// accounts maps account index to the current discovery state. States
	// are replaced wholesale when they advance; they are never mutated in
	// place.
	accounts map[uint32]*SharedState
}

// NewManager opens the shared-accounts namespace and loads every persisted
// account state.
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil || cfg.DB == nil || cfg.ChainParams == nil {
		return nil, fmt.Errorf("%w: manager requires a database and "+
			"chain params", ErrAccountParams)
	}

	m := &Manager{
		db:          cfg.DB,
		chainParams: cfg.ChainParams,
		accounts:    make(map[uint32]*SharedState),
	}

	err := walletdb.Update(cfg.DB, func(tx walletdb.ReadWriteTx) error {
		ns, err := tx.CreateTopLevelBucket(sharedBucketName)
		if err != nil {
			return err
		}

		return ns.ForEach(func(k, v []byte) error {
			// Top-level entries are account sub-buckets only.
			if v != nil || len(k) != 4 {
				return fmt.Errorf("%w: unexpected entry in "+
					"accounts bucket", ErrCorruptState)
			}

			accountIndex := binary.BigEndian.Uint32(k)
			state, err := fetchSharedState(
				ns, accountIndex, cfg.ChainParams,
			)
			if err != nil {
				return err
			}
			m.accounts[accountIndex] = state

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Shared account manager opened with %d account(s)",
		len(m.accounts))

	return m, nil
}

// CreateAccount materializes and persists the discovery state of a new
// shared account. The account index must not already be tracked.
func (m *Manager) CreateAccount(cfg *SharedConfig) (*SharedState, error) {
	if cfg != nil && cfg.ChainParams == nil {
		cfg.ChainParams = m.chainParams
	}

	state, err := NewSharedState(cfg)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[state.accountIndex]; ok {
		return nil, fmt.Errorf("%w: account %d", ErrDuplicateAccount,
			state.accountIndex)
	}

	err = walletdb.Update(m.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(sharedBucketName)
		if ns == nil {
			return fmt.Errorf("%w: missing accounts bucket",
				ErrCorruptState)
		}

		return putSharedState(ns, state)
	})
	if err != nil {
		return nil, err
	}

	m.accounts[state.accountIndex] = state

	log.Infof("Created shared account %d: gap limit %d, %d cosigner(s)",
		state.accountIndex, state.gapLimit,
		state.paymentTemplate.NumCosigners())

	return state, nil
}

// DeleteAccount removes an account and its persisted state. The discovery
// state of an account lives for the account's lifetime and is destroyed only
// here.
func (m *Manager) DeleteAccount(accountIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountIndex]; !ok {
		return fmt.Errorf("%w: account %d", ErrAccountNotFound,
			accountIndex)
	}

	err := walletdb.Update(m.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(sharedBucketName)
		if ns == nil {
			return fmt.Errorf("%w: missing accounts bucket",
				ErrCorruptState)
		}

		return deleteSharedState(ns, accountIndex)
	})
	if err != nil {
		return err
	}

	delete(m.accounts, accountIndex)

	return nil
}

// Account returns the current discovery state of the given account.
func (m *Manager) Account(accountIndex uint32) (*SharedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.accounts[accountIndex]
	if !ok {
		return nil, fmt.Errorf("%w: account %d", ErrAccountNotFound,
			accountIndex)
	}

	return state, nil
}

// NumAccounts returns the number of tracked accounts.
func (m *Manager) NumAccounts() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.accounts)
}

// ForEachAccount invokes f for every tracked account in ascending account
// index order.
func (m *Manager) ForEachAccount(f func(*SharedState) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, accountIndex := range m.sortedAccountIndices() {
		if err := f(m.accounts[accountIndex]); err != nil {
			return err
		}
	}

	return nil
}

// FilterAddresses folds the candidate addresses, in the order given, through
// every tracked account's discovery state and returns all matches. Accounts
// are filtered in parallel; within one account candidates are applied
// strictly sequentially, threading each returned state into the next call.
// Advanced states are persisted in a single transaction before the call
// returns, so a match reported here survives a restart.
//
// Candidate order should be blockchain order: the frontier is a function of
// the total order of observation.
func (m *Manager) FilterAddresses(ctx context.Context,
	addrs []btcutil.Address) ([]AddressMatch, error) {

	m.mu.Lock()
	defer m.mu.Unlock()

	indices := m.sortedAccountIndices()

	results := make([][]AddressMatch, len(indices))
	updated := make([]*SharedState, len(indices))

	g, ctx := errgroup.WithContext(ctx)
	for i, accountIndex := range indices {
		state := m.accounts[accountIndex]

		g.Go(func() error {
			for _, addr := range addrs {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}

				match, next, err := state.IsShared(addr)
				if err != nil {
					return fmt.Errorf("account %d: %w",
						accountIndex, err)
				}
				match.WhenSome(func(sm ShareMatch) {
					results[i] = append(
						results[i], AddressMatch{
							AccountIndex: accountIndex,
							Address:      addr,
							Index:        sm.Index,
							KeyHash:      sm.KeyHash,
						},
					)
				})
				state = next
			}
			updated[i] = state

			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Persist every account whose state advanced, then publish the new
	// states. States are compared by identity: IsShared returns the same
	// pointer when nothing changed.
	err := walletdb.Update(m.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(sharedBucketName)
		if ns == nil {
			return fmt.Errorf("%w: missing accounts bucket",
				ErrCorruptState)
		}

		for i, accountIndex := range indices {
			if updated[i] == m.accounts[accountIndex] {
				continue
			}
			if err := putSharedState(ns, updated[i]); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	var matches []AddressMatch
	for i, accountIndex := range indices {
		m.accounts[accountIndex] = updated[i]
		matches = append(matches, results[i]...)
	}

	if len(matches) > 0 {
		log.Debugf("Filtered %d candidate address(es): %d match(es) "+
			"across %d account(s)", len(addrs), len(matches),
			len(indices))
	}

	return matches, nil
}

// sortedAccountIndices returns the tracked account indices in ascending
// order. The caller must hold the manager mutex.
func (m *Manager) sortedAccountIndices() []uint32 {
	indices := make([]uint32, 0, len(m.accounts))
	for accountIndex := range m.accounts {
		indices = append(indices, accountIndex)
	}
	sort.Slice(indices, func(i, j int) bool {
		return indices[i] < indices[j]
	})

	return indices
}

// Copyright (c) 2025 The sharedwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sharedmgr implements address discovery for script-based shared
// accounts. A shared account is described by an extended account public key
// and one or two script templates that bind co-signer keys into a spending
// condition. The package maintains the account's address frontier: the
// window of derived addresses that are eligible for matching against
// candidate addresses observed on chain, bounded by a gap-limit lookahead
// policy.
//
// The central operation is SharedState.IsShared, a pure state-transition
// function. Callers fold candidate addresses through it one at a time,
// threading each returned state into the next call. Manager wraps that
// contract with per-account serialization and walletdb persistence for
// callers that track many accounts at once.
package sharedmgr

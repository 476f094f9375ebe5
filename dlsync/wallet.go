// Package dlsync implements the periodic scheduler that pulls each
// subscribed store's advertised root history from an external wallet,
// fetches the missing delta files from a registered server via
// a pluggable downloader, hands them to the file codec for verification,
// and rolls the store back to its last validated generation on failure.
//
// The wallet and plugin interfaces below are consumed, never implemented,
// here: the on-chain wallet/RPC and the HTTP/S3 transport are external
// collaborators.
package dlsync

import (
	"context"

	"github.com/merkledl/datalayer/treehash"
)

// SingletonState is one store's current on-chain-advertised generation and
// root hash, as returned by Wallet.LatestSingleton.
type SingletonState struct {
	Generation uint32
	RootHash   treehash.Hash
}

// HistoryEntry is one generation's advertised root, as returned by
// Wallet.History.
type HistoryEntry struct {
	Generation uint32
	RootHash   treehash.Hash
}

// Wallet is the external collaborator that publishes roots and tracks
// singleton coins on-chain. The scheduler only ever reads from it.
type Wallet interface {
	// LatestSingleton returns storeID's most recently advertised
	// generation and root, or ok == false if the wallet has not observed
	// one yet (a store that has not been created on-chain).
	LatestSingleton(ctx context.Context, storeID treehash.Hash) (state SingletonState, ok bool, err error)

	// History returns every generation strictly after fromGen that the
	// wallet has observed, in ascending generation order.
	History(ctx context.Context, storeID treehash.Hash, fromGen uint32) ([]HistoryEntry, error)

	// Track and StopTracking start and stop the wallet's on-chain
	// monitoring of storeID's singleton coin.
	Track(ctx context.Context, storeID treehash.Hash) error
	StopTracking(ctx context.Context, storeID treehash.Hash) error
}

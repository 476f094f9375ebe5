// Package service exposes the store's create/update/read/subscribe
// operations as plain Go methods, one per externally reachable endpoint.
// It binds no HTTP transport or CLI framework itself — those are external
// collaborators — but gives them a single, testable surface to wrap.
package service

import (
	"context"
	"crypto/rand"

	"github.com/merkledl/datalayer/dlsync"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/subscription"
	"github.com/merkledl/datalayer/treehash"
)

// RootInfo answers GetRoot: a store's current root hash, generation, and
// whether that root is confirmed (committed) or still pending.
type RootInfo struct {
	RootHash   treehash.Hash
	Generation uint32
	Confirmed  bool
}

// Service wires the node/root/tree store, the subscription registry, and
// the sync scheduler's subscribe/unsubscribe side effects behind the
// operations an RPC layer would dispatch to.
type Service struct {
	Store  *store.Store
	Subs   *subscription.Registry
	Wallet dlsync.Wallet
}

// New constructs a Service over an already-opened store and subscription
// registry. wallet may be nil if Subscribe/Unsubscribe's wallet-tracking
// side effects are not needed (e.g. in tests that drive the scheduler
// directly).
func New(st *store.Store, subs *subscription.Registry, wallet dlsync.Wallet) *Service {
	return &Service{Store: st, Subs: subs, Wallet: wallet}
}

// CreateStore allocates a fresh random store ID, registers its empty
// generation-0 root, and returns the new ID.
func (svc *Service) CreateStore(ctx context.Context) (treehash.Hash, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return treehash.Hash{}, err
	}
	storeID := treehash.BytesToHash(buf[:])
	if err := svc.Store.CreateStore(ctx, storeID, store.StatusCommitted); err != nil {
		return treehash.Hash{}, err
	}
	return storeID, nil
}

// UpdateStore applies changelist as a single batch mutation and returns the
// resulting committed root hash.
func (svc *Service) UpdateStore(ctx context.Context, storeID treehash.Hash, changelist []store.Change) (treehash.Hash, error) {
	root, err := svc.Store.InsertBatch(ctx, storeID, changelist, store.StatusCommitted)
	if err != nil {
		return treehash.Hash{}, err
	}
	return root.NodeHash, nil
}

// GetValue returns the value stored under key in storeID's current
// committed tree. If the key is absent it returns a KeyNotFoundError, not a
// nil value with a nil error.
func (svc *Service) GetValue(ctx context.Context, storeID treehash.Hash, key []byte) ([]byte, error) {
	return svc.Store.GetValue(ctx, storeID, key)
}

// GetKeysValues enumerates every (key, value) pair reachable from the
// given generation's root, or the latest committed root if gen is nil.
func (svc *Service) GetKeysValues(ctx context.Context, storeID treehash.Hash, gen *uint32) ([]store.TerminalNode, error) {
	return svc.Store.GetKeysValues(ctx, storeID, gen)
}

// GetRoot reports storeID's current root: the pending root if one exists,
// otherwise the latest committed root.
func (svc *Service) GetRoot(ctx context.Context, storeID treehash.Hash) (RootInfo, error) {
	if pending, ok, err := svc.Store.GetPendingRoot(ctx, storeID); err != nil {
		return RootInfo{}, err
	} else if ok {
		return RootInfo{RootHash: pending.NodeHash, Generation: pending.Generation, Confirmed: false}, nil
	}

	root, err := svc.Store.GetTreeRoot(ctx, storeID, nil)
	if err != nil {
		return RootInfo{}, err
	}
	return RootInfo{RootHash: root.NodeHash, Generation: root.Generation, Confirmed: true}, nil
}

// Subscribe registers urls as storeID's download servers and starts
// wallet tracking of its singleton coin.
func (svc *Service) Subscribe(ctx context.Context, storeID treehash.Hash, urls []string) error {
	if err := svc.Subs.Subscribe(ctx, storeID, urls); err != nil {
		return err
	}
	if svc.Wallet != nil {
		return svc.Wallet.Track(ctx, storeID)
	}
	return nil
}

// Unsubscribe removes every registered server for storeID and stops wallet
// tracking of its singleton coin.
func (svc *Service) Unsubscribe(ctx context.Context, storeID treehash.Hash) error {
	if err := svc.Subs.Unsubscribe(ctx, storeID); err != nil {
		return err
	}
	if svc.Wallet != nil {
		return svc.Wallet.StopTracking(ctx, storeID)
	}
	return nil
}

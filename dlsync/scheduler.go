package dlsync

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/merkledl/datalayer/dlerrors"
	"github.com/merkledl/datalayer/filecodec"
	"github.com/merkledl/datalayer/log"
	"github.com/merkledl/datalayer/metrics"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/subscription"
	"github.com/merkledl/datalayer/treehash"
)

const (
	stateIdle uint32 = iota
	stateRunning
)

// Config holds the scheduler's tunables.
type Config struct {
	// FetchDataInterval is how often the scheduler sweeps subscribed
	// stores for new generations. Default 60 seconds.
	FetchDataInterval time.Duration
	// DownloadTimeout bounds each individual file download.
	DownloadTimeout time.Duration
	// WorkDir is a scratch directory downloaded files are written to
	// before being handed to the file codec.
	WorkDir string
}

// DefaultConfig returns a 60 second sweep interval and a 30 second
// per-file download timeout.
func DefaultConfig() Config {
	return Config{
		FetchDataInterval: 60 * time.Second,
		DownloadTimeout:   30 * time.Second,
		WorkDir:           os.TempDir(),
	}
}

// Scheduler periodically asks Wallet for each subscribed store's
// latest advertised generation, fetches any missing delta files from the
// registered servers, verifies them via the file codec, and persists the
// validated generation on success.
type Scheduler struct {
	state  atomic.Uint32
	cancel chan struct{}

	store   *store.Store
	subs    *subscription.Registry
	wallet  Wallet
	plugins []Downloader
	cfg     Config
	logger  *log.Logger

	// storeMu serializes syncs per store so at most one sync task for a
	// given store runs at a time; distinct stores may sync concurrently.
	storeMu sync.Map // treehash.Hash -> *sync.Mutex
}

// NewScheduler constructs a Scheduler. For each server, the first plugin (in
// registration order) whose CheckURL accepts the server's URL does the
// download; no other plugin is tried for that server. Servers are tried in
// registry order until one delivers a delta file that verifies.
func NewScheduler(st *store.Store, subs *subscription.Registry, wallet Wallet, plugins []Downloader, cfg Config) *Scheduler {
	return &Scheduler{
		cancel:  make(chan struct{}),
		store:   st,
		subs:    subs,
		wallet:  wallet,
		plugins: plugins,
		cfg:     cfg,
		logger:  log.Default().Module("dlsync"),
	}
}

// Start runs the periodic sweep loop until ctx is cancelled or Stop is
// called. If the loop is already running it returns a ServerUnavailableError
// at once.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		return dlerrors.NewServerUnavailable("scheduler already running")
	}
	s.cancel = make(chan struct{})

	ticker := time.NewTicker(s.cfg.FetchDataInterval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			s.state.Store(stateIdle)
			return ctx.Err()
		case <-s.cancel:
			s.state.Store(stateIdle)
			return nil
		case <-ticker.C:
		}
	}
}

// Stop cancels a running sweep loop. Safe to call more than once.
func (s *Scheduler) Stop() {
	select {
	case <-s.cancel:
	default:
		close(s.cancel)
	}
}

// syncTarget is one subscribed store's distance from fully caught up, used
// to order a sweep so the most overdue store is serviced first.
type syncTarget struct {
	storeID treehash.Hash
	lag     uint32
}

func (s *Scheduler) sweepOnce(ctx context.Context) {
	storeIDs, err := s.subs.GetSubscriptions(ctx)
	if err != nil {
		s.logger.Error("list subscriptions", "err", err)
		return
	}

	targets := make([]syncTarget, 0, len(storeIDs))
	for _, id := range storeIDs {
		validated, err := s.store.GetValidatedGeneration(ctx, id)
		if err != nil {
			s.logger.Error("read validated generation", "store", id, "err", err)
			continue
		}
		state, ok, err := s.wallet.LatestSingleton(ctx, id)
		if err != nil {
			s.logger.Error("latest singleton", "store", id, "err", err)
			continue
		}
		if !ok || state.Generation == 0 || state.Generation == validated {
			continue
		}
		targets = append(targets, syncTarget{storeID: id, lag: state.Generation - validated})
	}

	sort.Slice(targets, func(i, j int) bool { return targets[i].lag > targets[j].lag })

	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(storeID treehash.Hash) {
			defer wg.Done()
			if err := s.SyncStore(ctx, storeID); err != nil {
				s.logger.Warn("sync store", "store", storeID, "err", err)
			}
		}(t.storeID)
	}
	wg.Wait()
}

func (s *Scheduler) lockFor(storeID treehash.Hash) *sync.Mutex {
	v, _ := s.storeMu.LoadOrStore(storeID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SyncStore runs the fetch-verify-persist sequence for a single store: it
// queries the wallet for the advertised target generation, fetches and
// verifies any missing delta files, and persists the validated generation.
// It can be called directly (outside the periodic loop) for tests or
// one-shot CLI invocations. At most one call for a given storeID proceeds
// at a time; concurrent calls for the same store block on storeMu.
func (s *Scheduler) SyncStore(ctx context.Context, storeID treehash.Hash) error {
	lock := s.lockFor(storeID)
	lock.Lock()
	defer lock.Unlock()

	// Step 1: query the external wallet for the advertised target.
	state, ok, err := s.wallet.LatestSingleton(ctx, storeID)
	if err != nil {
		return err
	}
	if !ok || state.Generation == 0 {
		return nil
	}

	// Step 2: compare against the locally persisted validated generation.
	validated, err := s.store.GetValidatedGeneration(ctx, storeID)
	if err != nil {
		return err
	}
	if validated == state.Generation {
		return nil
	}
	metrics.SyncAttempts.Inc()
	metrics.ValidatedGenerationLag.Observe(float64(state.Generation - validated))

	// Step 3: obtain the advertised root for every generation still owed.
	history, err := s.wallet.History(ctx, storeID, validated)
	if err != nil {
		return err
	}

	for _, entry := range history {
		if err := s.syncOneGeneration(ctx, storeID, entry); err != nil {
			metrics.SyncFailures.Inc()
			return err
		}
		if err := s.store.SetValidatedGeneration(ctx, storeID, entry.Generation); err != nil {
			return err
		}
	}

	metrics.SyncSuccesses.Inc()
	return nil
}

// syncOneGeneration performs steps 4-5 for a single generation: try every
// available server in registry order until one downloader serves a delta
// file that verifies, or roll back and report failure.
func (s *Scheduler) syncOneGeneration(ctx context.Context, storeID treehash.Hash, entry HistoryEntry) error {
	servers, err := s.subs.GetAvailableServersForStore(ctx, storeID, time.Now().Unix())
	if err != nil {
		return err
	}

	filename := filecodec.Filename(storeID, entry.RootHash, filecodec.KindDelta, entry.Generation, true)
	destDir := filepath.Join(s.cfg.WorkDir, "dlsync")

	for _, server := range servers {
		downloader := s.selectDownloader(server.URL)
		if downloader == nil {
			continue
		}

		downloadCtx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
		err := downloader.Download(downloadCtx, destDir, filename, "", server, s.cfg.DownloadTimeout)
		cancel()
		if err != nil {
			_ = s.subs.ServerMissesFile(ctx, storeID, server.URL, time.Now().Unix())
			continue
		}

		data, err := os.ReadFile(filepath.Join(destDir, filename))
		if err != nil {
			_ = s.subs.ServerMissesFile(ctx, storeID, server.URL, time.Now().Unix())
			continue
		}

		if _, err := filecodec.Parse(ctx, s.store, storeID, entry.RootHash, data); err != nil {
			_ = s.subs.ReceivedIncorrectFile(ctx, storeID, server.URL, time.Now().Unix())
			continue
		}

		_ = s.subs.ReceivedCorrectFile(ctx, storeID, server.URL)
		return nil
	}

	return dlerrors.NewServerUnavailable(storeID.Hex())
}

func (s *Scheduler) selectDownloader(url string) Downloader {
	for _, d := range s.plugins {
		if d.CheckURL(url) {
			return d
		}
	}
	return nil
}

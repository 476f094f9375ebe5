package dlsync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/merkledl/datalayer/filecodec"
	"github.com/merkledl/datalayer/store"
	"github.com/merkledl/datalayer/subscription"
	"github.com/merkledl/datalayer/treehash"
)

// Downloader fetches a named delta or full-tree file from a server into
// destDir. Implementations carry their own transport (HTTP, S3, ...);
// CheckURL lets the scheduler skip downloaders that cannot serve a given
// server's URL scheme before attempting a download.
type Downloader interface {
	Name() string
	CheckURL(url string) bool
	Download(ctx context.Context, destDir, filename, proxyURL string, server subscription.ServerInfo, timeout time.Duration) error
}

// Uploader publishes a store's current root as a full-tree and delta file
// under destDir, for a server to later serve to downloaders.
type Uploader interface {
	Name() string
	CheckStoreID(storeID treehash.Hash) bool
	Upload(ctx context.Context, storeID treehash.Hash, root store.Root, destDir string, overwrite bool) error
}

// FilesystemDownloader reads files from a local directory tree rather than
// over the network, standing in for server.URL as a filesystem path. It is
// the reference implementation used by tests and by single-machine setups
// where the "server" is simply another directory on disk.
type FilesystemDownloader struct{}

func (FilesystemDownloader) Name() string { return "filesystem downloader" }

// CheckURL accepts any URL: FilesystemDownloader is the fallback used when
// no other registered downloader claims the server.
func (FilesystemDownloader) CheckURL(url string) bool { return true }

func (FilesystemDownloader) Download(ctx context.Context, destDir, filename, proxyURL string, server subscription.ServerInfo, timeout time.Duration) error {
	src := filepath.Join(server.URL, filename)
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("dlsync: filesystem download %s: %w", src, err)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}
	dst := filepath.Join(destDir, filename)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// FilesystemUploader writes a store's full-tree and delta files for its
// current root into destDir, named per filecodec.Filename.
type FilesystemUploader struct {
	// Source reads nodes and ancestor-generation bookkeeping to serialize.
	Source interface {
		GetNode(ctx context.Context, hash treehash.Hash) (store.Node, error)
		MinGenerationForHash(ctx context.Context, storeID, hash treehash.Hash) (uint32, bool, error)
	}
}

func (u FilesystemUploader) Name() string { return "filesystem uploader" }

// CheckStoreID accepts every store ID: FilesystemUploader serves whichever
// stores it is asked to, matching the reference uploader's "default always
// return true" behavior.
func (u FilesystemUploader) CheckStoreID(storeID treehash.Hash) bool { return true }

func (u FilesystemUploader) Upload(ctx context.Context, storeID treehash.Hash, root store.Root, destDir string, overwrite bool) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return err
	}

	fullData, err := filecodec.WriteFullTree(ctx, u.Source, root.NodeHash)
	if err != nil {
		return fmt.Errorf("dlsync: write full tree: %w", err)
	}
	fullName := filecodec.Filename(storeID, root.NodeHash, filecodec.KindFull, root.Generation, true)
	if err := writeFileNoClobber(filepath.Join(destDir, fullName), fullData, overwrite); err != nil {
		return err
	}

	deltaData, err := filecodec.WriteDeltaTree(ctx, u.Source, u.Source, storeID, root.NodeHash, root.Generation)
	if err != nil {
		return fmt.Errorf("dlsync: write delta tree: %w", err)
	}
	deltaName := filecodec.Filename(storeID, root.NodeHash, filecodec.KindDelta, root.Generation, true)
	return writeFileNoClobber(filepath.Join(destDir, deltaName), deltaData, overwrite)
}

func writeFileNoClobber(path string, data []byte, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Package attachcache implements the File-Attachment Cache: at-most-once
// materialization of remote attachments into a local cache directory
// with signed-URL binding. Uses a write-temp-then-rename download path
// and a refcounted per-fileId mutex map so concurrent callers for the
// same attachment converge on a single download instead of racing.
package attachcache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentcore/runtime/internal/observability"
	"github.com/agentcore/runtime/internal/storage"
	"github.com/agentcore/runtime/pkg/runtime"
)

// Entry is a materialized attachment: an absolute, readable local path
// and a time-limited signed URL.
type Entry struct {
	FileID    string
	CachePath string
	SignedURL string
}

// DefaultSignedURLExpiry is a conservative default consistent with the
// one-time materialize-then-serve usage this cache is built for.
const DefaultSignedURLExpiry = time.Hour

// Cache maps fileId -> (cachePath, signedUrl), backed by a
// storage.Service. It is safe for concurrent use by multiple tasks
// sharing one workspace.
type Cache struct {
	cacheDir string
	storage  storage.Service
	log      *slog.Logger
	metrics  *observability.Metrics

	locks sync.Map // fileID -> *sync.Mutex
}

// WithMetrics attaches a Metrics collector; every CacheFileAttachment call
// then records whether it found the file already on disk.
func (c *Cache) WithMetrics(m *observability.Metrics) *Cache {
	c.metrics = m
	return c
}

// New creates a cache rooted at cacheDir. svc may be nil: in that case
// CacheFileAttachment always returns (nil, nil) rather than an error,
// so a caller with no storage backend configured simply gets no
// attachments resolved.
func New(cacheDir string, svc storage.Service, log *slog.Logger) (*Cache, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("attachcache: create cache dir: %w", err)
	}
	return &Cache{cacheDir: cacheDir, storage: svc, log: log}, nil
}

// GetFileAttachmentCachePath is pure: it never touches disk or network.
func (c *Cache) GetFileAttachmentCachePath(fileID string) string {
	return filepath.Join(c.cacheDir, fileID)
}

func (c *Cache) recordLookup(fileID, result string) {
	if c.metrics != nil {
		c.metrics.RecordAttachmentCacheLookup(result)
	}
	observability.EmitAttachmentCache(&observability.AttachmentCacheEvent{FileID: fileID, Result: result})
}

func (c *Cache) fileLock(fileID string) *sync.Mutex {
	actual, _ := c.locks.LoadOrStore(fileID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// CacheFileAttachment materializes fileID into the cache directory if
// it is not already present, then obtains a signed URL. Concurrent
// callers for the same fileID converge on a single download: a per-id
// mutex serializes the check-then-download-then-rename sequence.
//
// Returns (nil, nil) — not an error — when storage is absent or the
// download fails; failures are logged via a StorageError and the
// affected attachment is simply omitted from the model context.
func (c *Cache) CacheFileAttachment(ctx context.Context, fileID string) (*Entry, error) {
	if c.storage == nil {
		return nil, nil
	}

	lock := c.fileLock(fileID)
	lock.Lock()
	defer lock.Unlock()

	cachePath := c.GetFileAttachmentCachePath(fileID)
	if _, err := os.Stat(cachePath); err != nil {
		c.recordLookup(fileID, "miss")
		if !os.IsNotExist(err) {
			c.log.Warn("attachcache: stat failed, treating as miss", "fileId", fileID, "error", err)
		}
		if err := c.download(ctx, fileID, cachePath); err != nil {
			c.log.Warn("attachcache: download failed", "fileId", fileID, "error", (&runtime.StorageError{FileID: fileID, Err: err}).Error())
			return nil, nil
		}
	} else {
		c.recordLookup(fileID, "hit")
	}

	signedURL, err := c.storage.GetSignedURL(ctx, fileID, DefaultSignedURLExpiry)
	if err != nil {
		c.log.Warn("attachcache: signed url failed", "fileId", fileID, "error", (&runtime.StorageError{FileID: fileID, Err: err}).Error())
		return nil, nil
	}

	return &Entry{FileID: fileID, CachePath: cachePath, SignedURL: signedURL}, nil
}

// download writes to <cachePath>.tmp then renames, so a crash or a
// racing caller never observes a partially-written cache file.
func (c *Cache) download(ctx context.Context, fileID, cachePath string) error {
	tmpPath := cachePath + ".tmp"
	if err := c.storage.DownloadFile(ctx, fileID, tmpPath); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, cachePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename cache file: %w", err)
	}
	return nil
}

// CacheMessageFileAttachments walks every message's content blocks,
// collects distinct file_attachment fileIds, and returns the full
// fileId -> Entry map. Entries that fail to materialize are omitted,
// not errored (they were already logged by CacheFileAttachment).
func (c *Cache) CacheMessageFileAttachments(ctx context.Context, messages []runtime.Message) (map[string]Entry, error) {
	seen := make(map[string]bool)
	out := make(map[string]Entry)
	for _, msg := range messages {
		for _, fileID := range msg.FileAttachmentIDs() {
			if seen[fileID] {
				continue
			}
			seen[fileID] = true
			entry, err := c.CacheFileAttachment(ctx, fileID)
			if err != nil {
				return nil, err
			}
			if entry != nil {
				out[fileID] = *entry
			}
		}
	}
	return out, nil
}

package attachcache

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentcore/runtime/internal/storage"
	"github.com/agentcore/runtime/pkg/runtime"
)

type fakeStorage struct {
	downloads atomic.Int64
	mu        sync.Mutex
	content   map[string]string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{content: map[string]string{"f1": "file contents"}}
}

func (f *fakeStorage) GetFileMetadata(ctx context.Context, fileID string) (storage.FileMetadata, error) {
	return storage.FileMetadata{MimeType: "text/plain", Size: int64(len(f.content[fileID]))}, nil
}

func (f *fakeStorage) DownloadFile(ctx context.Context, fileID string, destPath string) error {
	f.downloads.Add(1)
	f.mu.Lock()
	data := f.content[fileID]
	f.mu.Unlock()
	return os.WriteFile(destPath, []byte(data), 0o644)
}

func (f *fakeStorage) GetSignedURL(ctx context.Context, fileID string, expiry time.Duration) (string, error) {
	return "https://example.test/" + fileID, nil
}

func TestCache_CacheFileAttachment(t *testing.T) {
	dir := t.TempDir()
	storage := newFakeStorage()
	cache, err := New(dir, storage, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	entry, err := cache.CacheFileAttachment(context.Background(), "f1")
	if err != nil {
		t.Fatalf("CacheFileAttachment() error = %v", err)
	}
	if entry == nil {
		t.Fatal("CacheFileAttachment() = nil, want entry")
	}
	if entry.CachePath != filepath.Join(dir, "f1") {
		t.Errorf("CachePath = %q, want %q", entry.CachePath, filepath.Join(dir, "f1"))
	}
	data, err := os.ReadFile(entry.CachePath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data) != "file contents" {
		t.Errorf("cached content = %q, want %q", data, "file contents")
	}
}

func TestCache_AtMostOnceDownloadConcurrent(t *testing.T) {
	dir := t.TempDir()
	storage := newFakeStorage()
	cache, err := New(dir, storage, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, err := cache.CacheFileAttachment(context.Background(), "f1")
			if err != nil || entry == nil {
				t.Errorf("CacheFileAttachment() = %v, %v", entry, err)
				return
			}
			paths[i] = entry.CachePath
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if paths[i] != paths[0] {
			t.Fatalf("CachePath[%d] = %q, want %q (identical across callers)", i, paths[i], paths[0])
		}
	}
	if storage.downloads.Load() != 1 {
		t.Errorf("downloads = %d, want exactly 1", storage.downloads.Load())
	}
}

func TestCache_NilStorageReturnsNil(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	entry, err := cache.CacheFileAttachment(context.Background(), "f1")
	if err != nil {
		t.Fatalf("CacheFileAttachment() error = %v, want nil", err)
	}
	if entry != nil {
		t.Fatalf("CacheFileAttachment() = %v, want nil entry", entry)
	}
}

func TestCache_CacheMessageFileAttachments(t *testing.T) {
	dir := t.TempDir()
	storage := newFakeStorage()
	storage.content["f2"] = "other"
	cache, err := New(dir, storage, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	messages := []runtime.Message{
		{Role: runtime.RoleUser, Content: []runtime.ContentBlock{runtime.NewFileAttachmentBlock("f1", "text/plain")}},
		{Role: runtime.RoleUser, Content: []runtime.ContentBlock{runtime.NewFileAttachmentBlock("f2", "text/plain")}},
	}

	entries, err := cache.CacheMessageFileAttachments(context.Background(), messages)
	if err != nil {
		t.Fatalf("CacheMessageFileAttachments() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries len = %d, want 2", len(entries))
	}
}

func TestCache_GetFileAttachmentCachePathIsPure(t *testing.T) {
	dir := t.TempDir()
	cache, err := New(dir, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	want := filepath.Join(dir, "abc")
	if got := cache.GetFileAttachmentCachePath("abc"); got != want {
		t.Errorf("GetFileAttachmentCachePath() = %q, want %q", got, want)
	}
}

package storage

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"
)

// memIndex is an in-memory Index
type memIndex struct {
	mu      sync.Mutex
	uploads map[string]Upload
}

func newMemIndex() *memIndex {
	return &memIndex{uploads: make(map[string]Upload)}
}

func (m *memIndex) SaveUpload(ctx context.Context, u Upload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[u.Path] = u
	return nil
}

func (m *memIndex) DeleteUpload(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.uploads, path)
	return nil
}

func (m *memIndex) ListUploads(ctx context.Context) ([]Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Upload, 0, len(m.uploads))
	for _, u := range m.uploads {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// seedUpload writes a file and indexes it with the given age and expiry
func seedUpload(t *testing.T, idx Index, dir, name string, age time.Duration, expires *time.Time) Upload {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("video"), 0644); err != nil {
		t.Fatalf("Failed to write file: %v", err)
	}
	u := Upload{ID: name, Path: path, SizeBytes: 5, CreatedAt: time.Now().Add(-age), ExpiresAt: expires}
	if err := idx.SaveUpload(context.Background(), u); err != nil {
		t.Fatalf("SaveUpload failed: %v", err)
	}
	return u
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// FileStore persists entries as JSON lines so learned outcomes survive
// restarts. Recall scans the file and ranks by word overlap.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore creates a file-backed store.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Store appends e to the file.
func (f *FileStore) Store(_ context.Context, e Entry) (string, error) {
	e = normalize(e, f.now)

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return "", berrors.New(berrors.CodeMemoryError, "create memory dir", err)
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return "", berrors.New(berrors.CodeMemoryError, "open memory file", err)
	}
	defer file.Close()

	if err := json.NewEncoder(file).Encode(e); err != nil {
		return "", berrors.New(berrors.CodeMemoryError, "write memory entry", err)
	}
	return e.ID, nil
}

// Recall ranks matching entries by word overlap with q.Text.
func (f *FileStore) Recall(ctx context.Context, q Query) ([]Entry, error) {
	all, err := f.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if !q.accepts(e) {
			continue
		}
		if q.Text != "" {
			e.Score = lexicalScore(q.Text, e.Content)
			if e.Score <= 0 {
				continue
			}
		}
		out = append(out, e)
	}
	return rank(out, q.limit()), nil
}

// List reads every entry. A missing file is an empty store.
func (f *FileStore) List(_ context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, berrors.New(berrors.CodeMemoryError, "open memory file", err)
	}
	defer file.Close()

	var out []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, berrors.New(berrors.CodeMemoryError, "decode memory entry", err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, berrors.New(berrors.CodeMemoryError, "read memory file", err)
	}
	return out, nil
}

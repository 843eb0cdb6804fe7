// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// fakeVectorStore is an in-process VectorStore with qdrant-like semantics.
type fakeVectorStore struct {
	mu     sync.Mutex
	dims   map[string]uint64
	points map[string][]Point
}

func newFakeVectorStore() *fakeVectorStore {
	return &fakeVectorStore{dims: map[string]uint64{}, points: map[string][]Point{}}
}

func (f *fakeVectorStore) CreateCollection(_ context.Context, name string, size uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.dims[name]; ok {
		return errors.New("collection already exists")
	}
	f.dims[name] = size
	return nil
}

func (f *fakeVectorStore) Upsert(_ context.Context, collection string, points []Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points[collection] = append(f.points[collection], points...)
	return nil
}

func (f *fakeVectorStore) Search(_ context.Context, collection string, vector []float32, limit int, threshold float32, match map[string]any) ([]SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []SearchResult
	for _, p := range f.points[collection] {
		ok := true
		for k, v := range match {
			if p.Payload[k] != v {
				ok = false
			}
		}
		if !ok {
			continue
		}
		score := cosine(vector, p.Vector)
		if score < threshold {
			continue
		}
		out = append(out, SearchResult{ID: p.ID, Score: score, Point: p})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeVectorStore) Scroll(_ context.Context, collection string, limit int) ([]Point, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pts := f.points[collection]
	if len(pts) > limit {
		pts = pts[:limit]
	}
	return append([]Point(nil), pts...), nil
}

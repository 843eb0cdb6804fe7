// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"encoding/json"
	"time"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

// Payload keys written for every point.
const (
	payloadContent  = "content"
	payloadType     = "type"
	payloadSuccess  = "success"
	payloadError    = "error"
	payloadTime     = "timestamp"
	payloadMetadata = "metadata"
)

// DefaultScoreThreshold drops weak vector matches.
const DefaultScoreThreshold float32 = 0.3

// VectorMemory implements Store on top of a vector database and an embedder.
type VectorMemory struct {
	store      VectorStore
	embedder   Embedder
	collection string
	threshold  float32
	scrollMax  int
	now        func() time.Time
}

// NewVectorMemory creates a VectorMemory writing to collection.
func NewVectorMemory(store VectorStore, embedder Embedder, collection string) *VectorMemory {
	if collection == "" {
		collection = "bastion_memory"
	}
	return &VectorMemory{
		store:      store,
		embedder:   embedder,
		collection: collection,
		threshold:  DefaultScoreThreshold,
		scrollMax:  10000,
		now:        time.Now,
	}
}

// Collection returns the collection name.
func (vm *VectorMemory) Collection() string {
	return vm.collection
}

// Initialize ensures the collection exists with the embedder's dimension.
// A creation failure is tolerated when the collection is already searchable.
func (vm *VectorMemory) Initialize(ctx context.Context) error {
	vec, err := vm.embedder.Embed(ctx, "hello")
	if err != nil {
		return berrors.New(berrors.CodeMemoryError, "probe embedding dimension", err)
	}
	if err := vm.store.CreateCollection(ctx, vm.collection, uint64(len(vec))); err != nil {
		if _, searchErr := vm.store.Search(ctx, vm.collection, vec, 1, 0, nil); searchErr == nil {
			return nil
		}
		return berrors.New(berrors.CodeMemoryError, "create collection", err).WithContext("collection", vm.collection)
	}
	return nil
}

// Store embeds e.Content and upserts it.
func (vm *VectorMemory) Store(ctx context.Context, e Entry) (string, error) {
	e = normalize(e, vm.now)
	vector, err := vm.embedder.Embed(ctx, e.Content)
	if err != nil {
		return "", berrors.New(berrors.CodeMemoryError, "embed entry", err)
	}
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return "", berrors.New(berrors.CodeMemoryError, "encode metadata", err)
		}
		meta = string(b)
	}
	point := Point{
		ID:     e.ID,
		Vector: vector,
		Payload: map[string]interface{}{
			payloadContent:  e.Content,
			payloadType:     string(e.Type),
			payloadSuccess:  e.Success,
			payloadError:    e.Error,
			payloadTime:     e.Timestamp.Unix(),
			payloadMetadata: meta,
		},
		Timestamp: e.Timestamp.Unix(),
	}
	if err := vm.store.Upsert(ctx, vm.collection, []Point{point}); err != nil {
		return "", berrors.New(berrors.CodeMemoryError, "store point", err)
	}
	return e.ID, nil
}

// Recall embeds q.Text and searches with payload filters for type and
// success.
func (vm *VectorMemory) Recall(ctx context.Context, q Query) ([]Entry, error) {
	vector, err := vm.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, berrors.New(berrors.CodeMemoryError, "embed query", err)
	}
	match := map[string]any{}
	if q.Type != "" {
		match[payloadType] = string(q.Type)
	}
	if q.SuccessOnly {
		match[payloadSuccess] = true
	}
	results, err := vm.store.Search(ctx, vm.collection, vector, q.limit(), vm.threshold, match)
	if err != nil {
		return nil, berrors.New(berrors.CodeMemoryError, "search", err)
	}
	out := make([]Entry, 0, len(results))
	for _, r := range results {
		e := entryFromPoint(r.Point)
		e.ID = r.ID
		e.Score = r.Score
		out = append(out, e)
	}
	return out, nil
}

// List scrolls through the collection.
func (vm *VectorMemory) List(ctx context.Context) ([]Entry, error) {
	points, err := vm.store.Scroll(ctx, vm.collection, vm.scrollMax)
	if err != nil {
		return nil, berrors.New(berrors.CodeMemoryError, "scroll", err)
	}
	out := make([]Entry, 0, len(points))
	for _, p := range points {
		out = append(out, entryFromPoint(p))
	}
	return out, nil
}

func entryFromPoint(p Point) Entry {
	e := Entry{ID: p.ID}
	e.Content, _ = p.Payload[payloadContent].(string)
	if t, ok := p.Payload[payloadType].(string); ok {
		e.Type = EntryType(t)
	}
	e.Success, _ = p.Payload[payloadSuccess].(bool)
	e.Error, _ = p.Payload[payloadError].(string)
	switch ts := p.Payload[payloadTime].(type) {
	case int64:
		e.Timestamp = time.Unix(ts, 0)
	case float64:
		e.Timestamp = time.Unix(int64(ts), 0)
	}
	if raw, ok := p.Payload[payloadMetadata].(string); ok && raw != "" && raw != "{}" {
		var meta map[string]any
		if json.Unmarshal([]byte(raw), &meta) == nil {
			e.Metadata = meta
		}
	}
	return e
}

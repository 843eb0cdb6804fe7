// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	berrors "github.com/jllopis/bastion/pkg/errors"
)

func TestEmbed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Model != DefaultModel || req.Prompt != "hello" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float64{0.5, 1}})
	}))
	defer srv.Close()

	vec, err := NewEmbedder(srv.URL+"/", "").Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 2 || vec[0] != 0.5 || vec[1] != 1 {
		t.Fatalf("unexpected vector %v", vec)
	}
}

func TestEmbedStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewEmbedder(srv.URL, "missing").Embed(context.Background(), "hello")
	if !berrors.HasCode(err, berrors.CodeMemoryError) {
		t.Fatalf("expected MEMORY_ERROR, got %v", err)
	}
}

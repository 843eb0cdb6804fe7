// Copyright 2026 © The Bastion Authors
// SPDX-License-Identifier: Apache-2.0

package ledger

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func TestLedgerAppendOrderAndDefaults(t *testing.T) {
	l := New()
	l.Begin("run-1")
	ctx := context.Background()

	for i, kind := range []Kind{KindPolicyCheck, KindApproval, KindExecution} {
		e, err := l.Append(ctx, Entry{Iteration: i, Kind: kind, Tool: "execute_command", Success: true})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if e.ID == "" || e.RunID != "run-1" || e.Timestamp.IsZero() {
			t.Fatalf("defaults not filled: %+v", e)
		}
	}
	all := l.All()
	if len(all) != 3 || l.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].Kind != KindPolicyCheck || all[2].Kind != KindExecution {
		t.Fatalf("unexpected order: %v, %v", all[0].Kind, all[2].Kind)
	}
}

func TestLedgerEntriesAreNotAliased(t *testing.T) {
	l := New()
	details := map[string]any{"command": "ls"}
	if _, err := l.Append(context.Background(), Entry{Kind: KindExecution, Details: details}); err != nil {
		t.Fatal(err)
	}
	details["command"] = "rm -rf /"
	all := l.All()
	all[0].Details["command"] = "mutated"
	if got := l.All()[0].Details["command"]; got != "ls" {
		t.Fatalf("stored entry was mutated: %v", got)
	}
}

func TestLedgerBeginClears(t *testing.T) {
	l := New()
	l.Begin("a")
	_, _ = l.Append(context.Background(), Entry{Kind: KindExecution})
	l.Begin("b")
	if l.Len() != 0 || l.RunID() != "b" {
		t.Fatalf("Begin must clear: len=%d run=%s", l.Len(), l.RunID())
	}
	_, _ = l.Append(context.Background(), Entry{Kind: KindRetry})
	l.Clear()
	if l.Len() != 0 {
		t.Fatal("Clear must drop entries")
	}
}

func TestLedgerSelect(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, _ = l.Append(ctx, Entry{Kind: KindExecution, Tool: "a"})
	_, _ = l.Append(ctx, Entry{Kind: KindRetry, Tool: "a"})
	_, _ = l.Append(ctx, Entry{Kind: KindExecution, Tool: "b"})

	if got := l.Select(Filter{Kind: KindExecution}); len(got) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(got))
	}
	if got := l.Select(Filter{Tool: "a", Limit: 1}); len(got) != 1 || got[0].Kind != KindExecution {
		t.Fatalf("unexpected select result %+v", got)
	}
}

type failingSink struct{}

func (failingSink) Record(context.Context, Entry) error { return errors.New("disk full") }
func (failingSink) List(context.Context, Filter) ([]Entry, error) {
	return nil, nil
}

func TestLedgerSinkFailureKeepsEntry(t *testing.T) {
	l := New(WithSink(failingSink{}), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	if _, err := l.Append(context.Background(), Entry{Kind: KindExecution}); err == nil {
		t.Fatal("expected sink error")
	}
	if l.Len() != 1 {
		t.Fatal("entry must stay in memory when the sink fails")
	}
}

func TestLedgerContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context should not carry a ledger")
	}
	l := New()
	got, ok := FromContext(NewContext(context.Background(), l))
	if !ok || got != l {
		t.Fatal("expected ledger from context")
	}
}

func TestSQLiteSink(t *testing.T) {
	db, err := sql.Open("sqlite", "file:ledger_sink_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	sink, err := NewSQLiteSink(db)
	if err != nil {
		t.Fatalf("new sqlite sink: %v", err)
	}
	l := New(WithSink(sink))
	l.Begin("run-42")
	ctx := context.Background()
	if _, err := l.Append(ctx, Entry{Kind: KindExecution, Tool: "read_file", Success: true, SecurityValidated: true, Details: map[string]any{"path": "/tmp/x"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, Entry{Kind: KindRetry, Tool: "read_file"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := sink.List(ctx, Filter{RunID: "run-42", Limit: 10})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Kind != KindExecution || !first.Success || !first.SecurityValidated {
		t.Fatalf("unexpected first entry %+v", first)
	}
	if first.Details["path"] != "/tmp/x" {
		t.Fatalf("details not round-tripped: %v", first.Details)
	}

	retries, err := sink.List(ctx, Filter{Kind: KindRetry})
	if err != nil || len(retries) != 1 {
		t.Fatalf("kind filter: %v %d", err, len(retries))
	}

	if _, err := db.Exec(`DELETE FROM ledger_entries`); err == nil {
		t.Fatal("expected append-only trigger to reject deletes")
	}
}

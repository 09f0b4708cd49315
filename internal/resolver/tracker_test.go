package resolver

import (
	"context"
	"testing"
)

func TestTrackerDiscardsStaleResults(t *testing.T) {
	tr := NewTracker[string, int]()
	ctx := context.Background()

	_, seq1, done1 := tr.Begin(ctx, "pair-a")
	defer done1()
	_, seq2, done2 := tr.Begin(ctx, "pair-a")
	defer done2()

	if !tr.Commit("pair-a", seq2, 2) {
		t.Fatal("expected latest sequence to commit")
	}
	if tr.Commit("pair-a", seq1, 1) {
		t.Fatal("stale sequence must not commit")
	}
	value, seq, ok := tr.Latest("pair-a")
	if !ok || value != 2 || seq != seq2 {
		t.Fatalf("expected sequence %d value 2, got seq=%d value=%d ok=%v", seq2, seq, value, ok)
	}
}

func TestTrackerSequencesAreScopedPerIdentity(t *testing.T) {
	tr := NewTracker[string, int]()
	ctx := context.Background()

	_, seqA, doneA := tr.Begin(ctx, "a")
	defer doneA()
	_, seqB, doneB := tr.Begin(ctx, "b")
	defer doneB()

	if !tr.Commit("a", seqA, 10) || !tr.Commit("b", seqB, 20) {
		t.Fatal("independent identities must not supersede each other")
	}
}

func TestTrackerSwitchInvalidatesOldIdentity(t *testing.T) {
	tr := NewTracker[string, int]()
	ctx := context.Background()

	tr.Switch("old")
	if !tr.Commit("old", mustBegin(t, tr, "old"), 1) {
		t.Fatal("expected commit before switch")
	}
	oldCtx, seq, done := tr.Begin(ctx, "old")
	defer done()

	tr.Switch("new")
	if oldCtx.Err() == nil {
		t.Fatal("switch must cancel in-flight queries for the old identity")
	}
	if tr.Commit("old", seq, 2) {
		t.Fatal("in-flight result for the old identity must be dropped")
	}
	if _, _, ok := tr.Latest("old"); ok {
		t.Fatal("old identity's committed state must reset")
	}
	if active, ok := tr.Active(); !ok || active != "new" {
		t.Fatalf("unexpected active identity %q", active)
	}
}

func TestTrackerDoneReleasesContext(t *testing.T) {
	tr := NewTracker[string, int]()
	qctx, _, done := tr.Begin(context.Background(), "a")
	done()
	if qctx.Err() == nil {
		t.Fatal("done must cancel the query context")
	}
}

func mustBegin(t *testing.T, tr *Tracker[string, int], id string) uint64 {
	t.Helper()
	_, seq, done := tr.Begin(context.Background(), id)
	t.Cleanup(done)
	return seq
}

package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	xerrors "AgentPay/internal/errors"
)

func newTestLedger() *Ledger {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tick := 0
	return New(NewMemoryStore(), WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))
}

func sampleRecord(identity, ref string) Record {
	return Record{
		SessionID:      "sess-1",
		ServiceID:      "svc-1",
		Identity:       identity,
		Amount:         10_000,
		Asset:          "USDC",
		Network:        "base-sepolia",
		ProofReference: ref,
		Status:         StatusVerified,
		RequestPayload: json.RawMessage(`{"text":"hello"}`),
	}
}

func TestMonotonicTransitions(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()

	rec, err := l.Record(ctx, sampleRecord("agent", "0xaaa"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	failed, err := l.UpdateStatus(ctx, rec.ID, StatusFailed, Patch{FailureReason: "provider timeout"})
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.CompletedAt == nil || failed.FailureReason != "provider timeout" {
		t.Fatalf("expected completion metadata, got %+v", failed)
	}

	for _, next := range []Status{StatusFulfilled, StatusVerified, StatusPending, StatusFailed} {
		if _, err := l.UpdateStatus(ctx, rec.ID, next, Patch{}); xerrors.CodeOf(err) != xerrors.CodeConflict {
			t.Fatalf("expected conflict moving failed -> %s, got %v", next, err)
		}
	}

	refunded, err := l.MarkRefunded(ctx, rec.ID, "0xrefund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != StatusRefunded || refunded.RefundReference != "0xrefund" {
		t.Fatalf("unexpected refunded record %+v", refunded)
	}
	if _, err := l.UpdateStatus(ctx, rec.ID, "bogus", Patch{}); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDuplicateProofRejected(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	if _, err := l.Record(ctx, sampleRecord("agent", "0xABC")); err != nil {
		t.Fatalf("record: %v", err)
	}
	_, err := l.Record(ctx, sampleRecord("other", "0xabc"))
	if !errors.Is(err, ErrDuplicateProof) {
		t.Fatalf("expected duplicate proof error, got %v", err)
	}
}

func TestGetIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	rec, err := l.Record(ctx, sampleRecord("agent", "0x1"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.UpdateStatus(ctx, rec.ID, StatusFulfilled, Patch{ResponsePayload: json.RawMessage(`{"ok":true}`)}); err != nil {
		t.Fatalf("fulfil: %v", err)
	}

	first, err := l.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := l.Get(ctx, rec.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("record changed between reads:\n%+v\n%+v", first, again)
		}
	}
	first.ResponsePayload[0] = 'X'
	fresh, _ := l.Get(ctx, rec.ID)
	if string(fresh.ResponsePayload) != `{"ok":true}` {
		t.Fatal("mutating a returned record must not affect the ledger")
	}

	if _, err := l.Get(ctx, "missing"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRecentNewestFirst(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	var ids []string
	for i, identity := range []string{"a", "b", "a", "a"} {
		rec, err := l.Record(ctx, sampleRecord(identity, "0x"+string(rune('0'+i))))
		if err != nil {
			t.Fatalf("record: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	all, err := l.ListRecent(ctx, "", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 4 || all[0].ID != ids[3] || all[3].ID != ids[0] {
		t.Fatalf("expected newest first, got %v", recordIDs(all))
	}

	mine, _ := l.ListRecent(ctx, "a", 2)
	if len(mine) != 2 || mine[0].ID != ids[3] || mine[1].ID != ids[2] {
		t.Fatalf("unexpected filtered list %v", recordIDs(mine))
	}
}

func TestSetRatingOnce(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	rec, _ := l.Record(ctx, sampleRecord("agent", "0xr"))

	if _, err := l.SetRating(ctx, rec.ID, 4, "good"); !errors.Is(err, ErrNotRateable) {
		t.Fatalf("expected not rateable before fulfilment, got %v", err)
	}
	if _, err := l.UpdateStatus(ctx, rec.ID, StatusFulfilled, Patch{}); err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	rated, err := l.SetRating(ctx, rec.ID, 4, " good ")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 4 || rated.Review != "good" {
		t.Fatalf("unexpected rated record %+v", rated)
	}
	if _, err := l.SetRating(ctx, rec.ID, 5, ""); !errors.Is(err, ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}
	if _, err := l.SetRating(ctx, rec.ID, 0, ""); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordValidation(t *testing.T) {
	l := newTestLedger()
	bad := sampleRecord("agent", "")
	if _, err := l.Record(context.Background(), bad); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	done := sampleRecord("agent", "0xdone")
	done.Status = StatusFulfilled
	if _, err := l.Record(context.Background(), done); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error for terminal initial status, got %v", err)
	}
}

func recordIDs(records []*Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.ID)
	}
	return out
}

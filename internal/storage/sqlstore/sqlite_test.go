package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"AgentPay/internal/ledger"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/spending"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	conn.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = conn.Close() })

	db := New(conn, DialectSQLite)
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	// 重复迁移应为空操作。
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return db
}

func TestServiceStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)

	svc := registry.NewService(db.Services())
	id, err := svc.Register(ctx, registry.ServiceDescriptor{
		Name:         "translate",
		Endpoint:     "https://translate.example.com/run",
		Capabilities: []string{"translation", "text-analysis"},
		Price: registry.Price{
			Amount:   decimal.RequireFromString("0.015"),
			Currency: "usdc",
			Network:  "base-sepolia",
			Asset:    "USDC",
			Decimals: 6,
		},
		PayoutAddress: "0x00000000000000000000000000000000000000aa",
		InputSchema:   json.RawMessage(`{"type":"object"}`),
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := svc.UpdateReputation(ctx, id, 4); err != nil {
		t.Fatalf("update reputation: %v", err)
	}

	reloaded := registry.NewService(db.Services())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := reloaded.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "translate" || !got.Price.Amount.Equal(decimal.RequireFromString("0.015")) {
		t.Fatalf("unexpected descriptor %+v", got)
	}
	if got.Reputation.Rating != 4 || got.Reputation.ReviewCount != 1 {
		t.Fatalf("expected reputation to survive reload, got %+v", got.Reputation)
	}
	if len(got.Capabilities) != 2 || string(got.InputSchema) != `{"type":"object"}` {
		t.Fatalf("unexpected capabilities or schema %+v", got)
	}

	if err := reloaded.Deregister(ctx, id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	services, err := db.Services().ListServices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(services) != 1 || !services[0].Deleted {
		t.Fatalf("expected tombstoned row to be kept, got %+v", services)
	}
}

func TestSpendingStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	clock := func() time.Time { return time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC) }

	guard := spending.NewGuard(db.Spending(), spending.WithClock(clock), spending.WithDefaultLimits(spending.Limits{
		Daily:   spending.Int64(1000),
		Monthly: spending.Int64(3000),
	}))
	committed, err := guard.CheckAndReserve(ctx, "agent", 300)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := guard.Commit(ctx, "agent", committed.ID); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := guard.CheckAndReserve(ctx, "agent", 200); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// 新的守卫没有缓存，只能从数据库恢复台账。
	restored := spending.NewGuard(db.Spending(), spending.WithClock(clock))
	status, err := restored.Status(ctx, "agent")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.DailySpent != 300 || status.DailyReserved != 200 || status.OpenReservations != 1 {
		t.Fatalf("unexpected restored status %+v", status)
	}
	if status.DailyRemaining == nil || *status.DailyRemaining != 500 {
		t.Fatalf("unexpected daily remaining %v", status.DailyRemaining)
	}
	if status.Limits.PerTransaction != nil {
		t.Fatal("expected unset per-transaction limit to stay unset")
	}

	if _, err := db.Spending().LoadRecord(ctx, "nobody"); !errors.Is(err, spending.ErrRecordNotFound) {
		t.Fatalf("expected record not found, got %v", err)
	}
}

func TestSpendingStoreReleasesOrphanedReservations(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limits := spending.WithDefaultLimits(spending.Limits{Monthly: spending.Int64(100)})

	before := spending.NewGuard(db.Spending(), spending.WithClock(clock), limits)
	if _, err := before.CheckAndReserve(ctx, "agent", 100); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	open, err := db.Spending().OpenIdentities(ctx)
	if err != nil || len(open) != 1 || open[0] != "agent" {
		t.Fatalf("unexpected open identities %v (%v)", open, err)
	}

	now = now.Add(time.Hour)
	after := spending.NewGuard(db.Spending(), spending.WithClock(clock), limits)
	released, err := after.ReleaseStale(ctx, 30*time.Minute, nil)
	if err != nil || released != 1 {
		t.Fatalf("expected one released reservation, got %d (%v)", released, err)
	}
	if open, _ := db.Spending().OpenIdentities(ctx); len(open) != 0 {
		t.Fatalf("expected no open identities, got %v", open)
	}
	if _, err := after.CheckAndReserve(ctx, "agent", 100); err != nil {
		t.Fatalf("expected budget restored, got %v", err)
	}
}

func TestReplayStoreMarksOnce(t *testing.T) {
	ctx := context.Background()
	replay := openSQLite(t).Replay()
	key := payment.ReplayKey("base-sepolia", "0xFEED")

	first, err := replay.MarkUsed(ctx, key)
	if err != nil || !first {
		t.Fatalf("expected first mark to succeed, got %v (%v)", first, err)
	}
	second, err := replay.MarkUsed(ctx, key)
	if err != nil || second {
		t.Fatalf("expected second mark to be rejected, got %v (%v)", second, err)
	}
	if err := replay.Unmark(ctx, key); err != nil {
		t.Fatalf("unmark: %v", err)
	}
	again, err := replay.MarkUsed(ctx, key)
	if err != nil || !again {
		t.Fatalf("expected mark after unmark to succeed, got %v (%v)", again, err)
	}
}

func TestLedgerStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	base := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	tick := 0
	l := ledger.New(db.Ledger(), ledger.WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}))

	newRecord := func(identity, ref string) ledger.Record {
		return ledger.Record{
			SessionID:      "sess",
			ServiceID:      "svc",
			Identity:       identity,
			Amount:         15_000,
			Asset:          "USDC",
			Network:        "base-sepolia",
			ProofReference: ref,
			Status:         ledger.StatusVerified,
			RequestPayload: json.RawMessage(`{"text":"hola"}`),
		}
	}

	first, err := l.Record(ctx, newRecord("agent", "0x01"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := l.Record(ctx, newRecord("other", "0X01")); !errors.Is(err, ledger.ErrDuplicateProof) {
		t.Fatalf("expected duplicate proof, got %v", err)
	}
	second, err := l.Record(ctx, newRecord("agent", "0x02"))
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	fulfilled, err := l.UpdateStatus(ctx, first.ID, ledger.StatusFulfilled, ledger.Patch{ResponsePayload: json.RawMessage(`{"text":"hello"}`)})
	if err != nil {
		t.Fatalf("fulfil: %v", err)
	}
	if fulfilled.CompletedAt == nil {
		t.Fatal("expected completion time")
	}
	if _, err := l.UpdateStatus(ctx, second.ID, ledger.StatusFailed, ledger.Patch{FailureReason: "provider timeout"}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	if _, err := l.SetRating(ctx, second.ID, 3, ""); !errors.Is(err, ledger.ErrNotRateable) {
		t.Fatalf("expected not rateable, got %v", err)
	}
	rated, err := l.SetRating(ctx, first.ID, 5, "fast")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 5 || rated.Review != "fast" {
		t.Fatalf("unexpected rated record %+v", rated)
	}
	if _, err := l.SetRating(ctx, first.ID, 4, ""); !errors.Is(err, ledger.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}

	got, err := l.Get(ctx, first.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ledger.StatusFulfilled || string(got.ResponsePayload) != `{"text":"hello"}` ||
		string(got.RequestPayload) != `{"text":"hola"}` || !got.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("unexpected stored record %+v", got)
	}

	recent, err := l.ListRecent(ctx, "agent", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(recent) != 2 || recent[0].ID != second.ID || recent[1].ID != first.ID {
		t.Fatalf("expected newest first, got %d records", len(recent))
	}
	if recent[0].FailureReason != "provider timeout" {
		t.Fatalf("unexpected failure reason %q", recent[0].FailureReason)
	}

	if _, err := l.Get(ctx, "missing"); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerStoreRejectsStaleUpdate(t *testing.T) {
	ctx := context.Background()
	store := openSQLite(t).Ledger()
	now := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	record := &ledger.Record{
		ID: "tx-1", SessionID: "sess", ServiceID: "svc", Identity: "agent", Amount: 1,
		Asset: "USDC", Network: "base-sepolia", ProofReference: "0xaa", ProofKey: "base-sepolia:0xaa",
		Status: ledger.StatusVerified, CreatedAt: now, UpdatedAt: now,
	}
	if err := store.Insert(ctx, record); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := store.Insert(ctx, record); !errors.Is(err, ledger.ErrStaleRecord) && !errors.Is(err, ledger.ErrDuplicateProof) {
		t.Fatalf("expected conflict on re-insert, got %v", err)
	}

	next := *record
	next.Status = ledger.StatusFulfilled
	if err := store.Update(ctx, &next, ledger.StatusPending); !errors.Is(err, ledger.ErrStaleRecord) {
		t.Fatalf("expected stale record, got %v", err)
	}
	if err := store.Update(ctx, &next, ledger.StatusVerified); err != nil {
		t.Fatalf("update: %v", err)
	}
	missing := next
	missing.ID = "tx-missing"
	if err := store.Update(ctx, &missing, ledger.StatusVerified); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.Rate(ctx, "tx-missing", 5, "", now); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

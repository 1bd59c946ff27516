package market

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/ledger"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/session"
	"AgentPay/internal/spending"
)

type stubSessions struct {
	prepared []PrepareRequest
}

func (s *stubSessions) Prepare(_ context.Context, identity, capability string, payload json.RawMessage, req session.Requirements) (session.Instructions, error) {
	s.prepared = append(s.prepared, PrepareRequest{Capability: capability, Payload: payload, Requirements: req})
	return session.Instructions{SessionID: "sess-1", ServiceID: "svc"}, nil
}

func (s *stubSessions) Complete(_ context.Context, identity, sessionID string, _ payment.Proof) (session.Outcome, error) {
	return session.Outcome{SessionID: sessionID, State: session.StateCompleted}, nil
}

func (s *stubSessions) Get(_ context.Context, identity, sessionID string) (session.View, error) {
	return session.View{ID: sessionID, Identity: identity}, nil
}

type fixture struct {
	market   *Market
	registry *registry.Service
	ledger   *ledger.Ledger
	sessions *stubSessions
}

func newFixture() *fixture {
	f := &fixture{
		registry: registry.NewService(registry.NewMemoryStore()),
		ledger:   ledger.New(ledger.NewMemoryStore()),
		sessions: &stubSessions{},
	}
	f.market = New(f.registry, f.sessions, f.ledger, spending.NewGuard(nil))
	return f
}

func (f *fixture) service(t *testing.T) *registry.ServiceDescriptor {
	t.Helper()
	svc, err := f.market.RegisterService(context.Background(), registry.ServiceDescriptor{
		Name:         "summarize",
		Endpoint:     "https://summarize.example.com/run",
		Capabilities: []string{"summarization"},
		Price: registry.Price{
			Amount:   decimal.RequireFromString("0.02"),
			Currency: "USDC",
			Network:  "base-sepolia",
			Asset:    "USDC",
			Decimals: 6,
		},
		PayoutAddress: "0x00000000000000000000000000000000000000aa",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return svc
}

func (f *fixture) transaction(t *testing.T, serviceID, identity, ref string, status ledger.Status) *ledger.Record {
	t.Helper()
	ctx := context.Background()
	record, err := f.ledger.Record(ctx, ledger.Record{
		SessionID:      "sess-1",
		ServiceID:      serviceID,
		Identity:       identity,
		Amount:         20_000,
		Asset:          "USDC",
		Network:        "base-sepolia",
		ProofReference: ref,
		Status:         ledger.StatusVerified,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if status != ledger.StatusVerified {
		if record, err = f.ledger.UpdateStatus(ctx, record.ID, status, ledger.Patch{}); err != nil {
			t.Fatalf("update: %v", err)
		}
	}
	return record
}

func TestRateUpdatesReputation(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)

	first := f.transaction(t, svc.ID, "agent", "0x01", ledger.StatusFulfilled)
	second := f.transaction(t, svc.ID, "agent", "0x02", ledger.StatusFulfilled)

	if _, err := f.market.Rate(ctx, "agent", first.ID, 5, "great"); err != nil {
		t.Fatalf("rate: %v", err)
	}
	rated, err := f.market.Rate(ctx, "agent", second.ID, 3, "")
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 3 {
		t.Fatalf("unexpected rated record %+v", rated)
	}

	updated, _ := f.market.GetService(ctx, svc.ID)
	if updated.Reputation.Rating != 4.0 || updated.Reputation.ReviewCount != 2 {
		t.Fatalf("unexpected reputation %+v", updated.Reputation)
	}

	if _, err := f.market.Rate(ctx, "agent", first.ID, 1, ""); !errors.Is(err, ledger.ErrAlreadyRated) {
		t.Fatalf("expected already rated, got %v", err)
	}
	again, _ := f.market.GetService(ctx, svc.ID)
	if again.Reputation.ReviewCount != 2 {
		t.Fatal("a rejected rating must not change reputation")
	}
}

func TestRateRejections(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)
	failed := f.transaction(t, svc.ID, "agent", "0x03", ledger.StatusFailed)

	cases := []struct {
		name     string
		identity string
		id       string
		score    int
		review   string
		want     xerrors.Code
	}{
		{name: "score too low", identity: "agent", id: failed.ID, score: 0, want: xerrors.CodeValidation},
		{name: "score too high", identity: "agent", id: failed.ID, score: 6, want: xerrors.CodeValidation},
		{name: "missing", identity: "agent", id: "nope", score: 4, want: xerrors.CodeNotFound},
		{name: "someone else's", identity: "intruder", id: failed.ID, score: 4, want: xerrors.CodeNotFound},
		{name: "not fulfilled", identity: "agent", id: failed.ID, score: 4, want: xerrors.CodeConflict},
		{name: "review too long", identity: "agent", id: failed.ID, score: 4, review: strings.Repeat("x", ledger.MaxReviewLength+1), want: xerrors.CodeValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.market.Rate(ctx, tc.identity, tc.id, tc.score, tc.review); xerrors.CodeOf(err) != tc.want {
				t.Fatalf("expected %s, got %v", tc.want, err)
			}
		})
	}
}

func TestRatingSurvivesDeregisteredService(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)
	record := f.transaction(t, svc.ID, "agent", "0x04", ledger.StatusFulfilled)

	if err := f.market.DeregisterService(ctx, svc.ID); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	rated, err := f.market.Rate(ctx, "agent", record.ID, 4, "")
	if err != nil {
		t.Fatalf("expected rating to be stored, got %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 4 {
		t.Fatalf("unexpected record %+v", rated)
	}
}

type flakyStore struct {
	*registry.MemoryStore
	fail bool
}

func (s *flakyStore) SaveService(ctx context.Context, d *registry.ServiceDescriptor) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.SaveService(ctx, d)
}

func TestRateKeepsLedgerUntouchedWhenReputationFails(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: registry.NewMemoryStore()}
	f := &fixture{
		registry: registry.NewService(store),
		ledger:   ledger.New(ledger.NewMemoryStore()),
		sessions: &stubSessions{},
	}
	f.market = New(f.registry, f.sessions, f.ledger, spending.NewGuard(nil))
	svc := f.service(t)
	record := f.transaction(t, svc.ID, "agent", "0x06", ledger.StatusFulfilled)

	store.fail = true
	if _, err := f.market.Rate(ctx, "agent", record.ID, 5, ""); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure, got %v", err)
	}
	stored, _ := f.ledger.Get(ctx, record.ID)
	if stored.Rating != nil {
		t.Fatalf("rating must not be recorded when reputation update fails: %+v", stored)
	}
	current, _ := f.market.GetService(ctx, svc.ID)
	if current.Reputation.ReviewCount != 0 {
		t.Fatalf("unexpected reputation %+v", current.Reputation)
	}

	store.fail = false
	rated, err := f.market.Rate(ctx, "agent", record.ID, 5, "")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rated.Rating == nil || *rated.Rating != 5 {
		t.Fatalf("unexpected rated record %+v", rated)
	}
	current, _ = f.market.GetService(ctx, svc.ID)
	if current.Reputation.ReviewCount != 1 {
		t.Fatalf("expected one review, got %+v", current.Reputation)
	}
}

func TestGetTransactionScopedToIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)
	record := f.transaction(t, svc.ID, "agent", "0x05", ledger.StatusVerified)

	got, err := f.market.GetTransaction(ctx, "agent", record.ID)
	if err != nil || got.ID != record.ID {
		t.Fatalf("expected own transaction, got %v (%v)", got, err)
	}
	if _, err := f.market.GetTransaction(ctx, "other", record.ID); !errors.Is(err, ledger.ErrRecordNotFound) {
		t.Fatalf("expected not found for another identity, got %v", err)
	}
	if _, err := f.market.GetTransaction(ctx, "", record.ID); err != nil {
		t.Fatalf("expected operator lookup to succeed, got %v", err)
	}

	list, err := f.market.ListTransactions(ctx, "agent", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %v (%v)", list, err)
	}
}

func TestRefund(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)
	failed := f.transaction(t, svc.ID, "agent", "0x06", ledger.StatusFailed)
	pending := f.transaction(t, svc.ID, "agent", "0x07", ledger.StatusVerified)

	refunded, err := f.market.Refund(ctx, failed.ID, "0xrefund")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != ledger.StatusRefunded || refunded.RefundReference != "0xrefund" {
		t.Fatalf("unexpected refund %+v", refunded)
	}
	if _, err := f.market.Refund(ctx, pending.ID, "0xrefund2"); xerrors.CodeOf(err) != xerrors.CodeConflict {
		t.Fatalf("expected conflict refunding an in-flight transaction, got %v", err)
	}
	if _, err := f.market.Refund(ctx, failed.ID, " "); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestSpendingLimits(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	status, err := f.market.SetSpendingLimits(ctx, "agent", spending.Limits{Daily: spending.Int64(500)})
	if err != nil {
		t.Fatalf("set limits: %v", err)
	}
	if status.DailyRemaining == nil || *status.DailyRemaining != 500 {
		t.Fatalf("unexpected status %+v", status)
	}
	got, err := f.market.SpendingStatus(ctx, "agent")
	if err != nil || got.Limits.Daily == nil || *got.Limits.Daily != 500 {
		t.Fatalf("unexpected status %+v (%v)", got, err)
	}
}

func TestDiscoverAndPrepareDelegate(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)

	found, err := f.market.DiscoverServices(ctx, registry.Filter{Capabilities: []string{"summarization"}})
	if err != nil || len(found) != 1 || found[0].ID != svc.ID {
		t.Fatalf("unexpected discovery %v (%v)", found, err)
	}

	inst, err := f.market.PrepareFulfillment(ctx, "agent", PrepareRequest{
		Capability: "summarization",
		Payload:    json.RawMessage(`{"text":"long"}`),
	})
	if err != nil || inst.SessionID != "sess-1" {
		t.Fatalf("unexpected instructions %+v (%v)", inst, err)
	}
	if len(f.sessions.prepared) != 1 || f.sessions.prepared[0].Capability != "summarization" {
		t.Fatalf("expected prepare to be forwarded, got %+v", f.sessions.prepared)
	}
}

func TestServiceHealthHidesDownServices(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	svc := f.service(t)

	updated, err := f.market.SetServiceHealth(ctx, svc.ID, registry.HealthDown)
	if err != nil {
		t.Fatalf("set health: %v", err)
	}
	if updated.Health != registry.HealthDown {
		t.Fatalf("unexpected health %s", updated.Health)
	}
	found, _ := f.market.DiscoverServices(ctx, registry.Filter{Capabilities: []string{"summarization"}})
	if len(found) != 0 {
		t.Fatalf("expected down service to be hidden, got %d", len(found))
	}

	if _, err := f.market.SetServiceHealth(ctx, svc.ID, registry.HealthDegraded); err != nil {
		t.Fatalf("set health: %v", err)
	}
	found, _ = f.market.DiscoverServices(ctx, registry.Filter{Capabilities: []string{"summarization"}})
	if len(found) != 1 {
		t.Fatalf("expected degraded service to stay searchable, got %d", len(found))
	}

	if _, err := f.market.SetServiceHealth(ctx, svc.ID, "sleepy"); xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

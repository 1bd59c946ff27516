package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/events"
	"AgentPay/internal/ledger"
	"AgentPay/internal/observability/alerting"
	"AgentPay/internal/observability/metrics"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/schema"
	"AgentPay/internal/spending"
	"AgentPay/internal/x402"
	"AgentPay/pkg/logger"
)

const (
	defaultTTL             = 10 * time.Minute
	defaultProviderTimeout = 30 * time.Second
	probeConcurrency       = 8
)

// Directory 提供候选服务的查询能力。
type Directory interface {
	Search(ctx context.Context, filter registry.Filter) ([]*registry.ServiceDescriptor, error)
	Get(ctx context.Context, id string) (*registry.ServiceDescriptor, error)
}

// Budget 提供消费额度的预扣与结算。
type Budget interface {
	CheckAndReserve(ctx context.Context, identity string, amount int64) (spending.Reservation, error)
	Commit(ctx context.Context, identity, reservationID string) error
	Release(ctx context.Context, identity, reservationID string) error
	Adjust(ctx context.Context, identity, reservationID string, amount int64) (spending.Reservation, error)
}

// PaymentVerifier 校验链上付款。
type PaymentVerifier interface {
	Verify(ctx context.Context, proof payment.Proof, expected payment.Expected) (payment.Receipt, error)
}

// Provider 与服务端点进行 402 报价和付费调用。
type Provider interface {
	Quote(ctx context.Context, endpoint string, payload json.RawMessage) (x402.Requirements, error)
	Fulfill(ctx context.Context, endpoint string, payload json.RawMessage, proof payment.Proof) (json.RawMessage, error)
	Probe(ctx context.Context, endpoint string) error
}

// Recorder 持久化已付款的购买尝试。
type Recorder interface {
	Record(ctx context.Context, record ledger.Record) (*ledger.Record, error)
	UpdateStatus(ctx context.Context, id string, status ledger.Status, patch ledger.Patch) (*ledger.Record, error)
}

// Broker 管理履约会话。
type Broker struct {
	directory Directory
	budget    Budget
	verifier  PaymentVerifier
	provider  Provider
	ledger    Recorder

	publisher events.Publisher
	alerts    alerting.Dispatcher
	validator *schema.Validator

	ttl             time.Duration
	providerTimeout time.Duration
	probe           bool
	now             func() time.Time
	newID           func() string

	mu         sync.Mutex
	sessions   map[string]*session
	reserved   map[string]int64
	tombstones map[string]time.Time
}

// Option 用于定制 Broker。
type Option func(*Broker)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(b *Broker) {
		if now != nil {
			b.now = now
		}
	}
}

// WithIDGenerator 替换会话与事件 ID 生成器。
func WithIDGenerator(gen func() string) Option {
	return func(b *Broker) {
		if gen != nil {
			b.newID = gen
		}
	}
}

// WithTTL 设置会话有效期。
func WithTTL(ttl time.Duration) Option {
	return func(b *Broker) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithProviderTimeout 设置单次服务调用的超时。
func WithProviderTimeout(timeout time.Duration) Option {
	return func(b *Broker) {
		if timeout > 0 {
			b.providerTimeout = timeout
		}
	}
}

// WithProbe 开启 Prepare 阶段的候选存活探测。
func WithProbe(enabled bool) Option {
	return func(b *Broker) {
		b.probe = enabled
	}
}

// WithPublisher 配置结果事件的投递通道。
func WithPublisher(p events.Publisher) Option {
	return func(b *Broker) {
		b.publisher = p
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(b *Broker) {
		b.alerts = d
	}
}

// WithSchemaValidator 共享请求体校验器。
func WithSchemaValidator(v *schema.Validator) Option {
	return func(b *Broker) {
		if v != nil {
			b.validator = v
		}
	}
}

// NewBroker 构造会话协调器。
func NewBroker(directory Directory, budget Budget, verifier PaymentVerifier, provider Provider, recorder Recorder, opts ...Option) *Broker {
	b := &Broker{
		directory:       directory,
		budget:          budget,
		verifier:        verifier,
		provider:        provider,
		ledger:          recorder,
		validator:       schema.NewValidator(),
		ttl:             defaultTTL,
		providerTimeout: defaultProviderTimeout,
		now:             time.Now,
		newID:           uuid.NewString,
		sessions:        make(map[string]*session),
		reserved:        make(map[string]int64),
		tombstones:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// Prepare 校验请求、排定候选服务、按首个候选的价格预扣额度并向其请求报价。
// 报价失败或与登记信息不符的候选被跳过。
func (b *Broker) Prepare(ctx context.Context, identity, capability string, payload json.RawMessage, req Requirements) (Instructions, error) {
	identity = strings.TrimSpace(identity)
	capability = strings.TrimSpace(capability)
	if identity == "" {
		return Instructions{}, xerrors.New(xerrors.CodeValidation, "身份不能为空")
	}
	if capability == "" {
		return Instructions{}, xerrors.New(xerrors.CodeValidation, "能力标签不能为空")
	}
	if err := b.validator.Validate(nil, payload); err != nil {
		return Instructions{}, xerrors.Wrap(xerrors.CodeValidation, err, "请求体不是合法的 JSON")
	}

	candidates, err := b.rank(ctx, capability, payload, req)
	if err != nil {
		return Instructions{}, err
	}

	now := b.now()
	s := &session{
		id:         b.newID(),
		identity:   identity,
		capability: capability,
		payload:    append(json.RawMessage(nil), payload...),
		createdAt:  now,
		expiresAt:  now.Add(b.ttl),
		state:      StateCreated,
	}
	for _, c := range candidates {
		s.candidates = append(s.candidates, c.ID)
	}

	units, _ := candidates[0].Price.BaseUnits()
	reservation, err := b.budget.CheckAndReserve(ctx, identity, units)
	if err != nil {
		return Instructions{}, err
	}
	s.reservation = reservation.ID
	b.mu.Lock()
	b.reserved[s.id] = units
	b.mu.Unlock()

	instructions, err := b.advance(ctx, s)
	if err != nil {
		b.releaseReservation(ctx, s)
		if errors.Is(err, ErrSessionExhausted) {
			metrics.ObserveSessionTerminal(string(StateExhausted))
			logger.Audit().Warn("会话无可用候选",
				slog.String("session_id", s.id),
				slog.String("identity", identity),
				slog.String("capability", capability),
			)
		}
		return Instructions{}, err
	}

	b.mu.Lock()
	b.sessions[s.id] = s
	b.mu.Unlock()

	logger.L().Info("履约会话已创建",
		slog.String("session_id", s.id),
		slog.String("identity", identity),
		slog.String("capability", capability),
		slog.Int("candidates", len(s.candidates)),
		slog.String("service_id", instructions.ServiceID),
	)
	return instructions, nil
}

// Complete 校验当前候选的付款并调用服务。服务失败时记录失败、告警并切换到下一候选，
// 返回新的付款指引；没有剩余候选时返回 ErrSessionExhausted。
// 结果已交付但账本或额度结算失败时，同时返回 completed 的 Outcome 与 STORAGE_FAILURE 错误。
func (b *Broker) Complete(ctx context.Context, identity, sessionID string, proof payment.Proof) (Outcome, error) {
	s, err := b.lookup(sessionID, strings.TrimSpace(identity))
	if err != nil {
		return Outcome{}, err
	}
	if !s.busy.TryLock() {
		return Outcome{}, ErrSessionBusy
	}
	defer s.busy.Unlock()

	if err := b.ensureActive(s); err != nil {
		return Outcome{}, err
	}
	if b.now().After(s.expiresAt) {
		b.expire(ctx, s)
		return Outcome{}, ErrSessionExpired
	}

	b.mu.Lock()
	state, current := s.state, s.current
	b.mu.Unlock()
	if state != StateAwaitingPayment || current == nil {
		return Outcome{}, xerrors.New(xerrors.CodeConflict, fmt.Sprintf("会话处于 %s 状态，无法完成", state))
	}

	b.setState(s, StateVerifying)
	expected := payment.Expected{
		Recipient: current.requirement.Recipient,
		MinAmount: current.requirement.Amount,
		Asset:     current.requirement.Asset,
		Network:   current.requirement.Network,
	}
	receipt, err := b.verifier.Verify(ctx, proof, expected)
	if err != nil {
		b.setState(s, StateAwaitingPayment)
		next := b.instructions(s)
		return Outcome{SessionID: s.id, State: StateAwaitingPayment, ServiceID: current.service.ID, Next: &next}, err
	}

	// 付款已核验，后续步骤不再跟随调用方取消，服务调用只受自身超时约束。
	work := context.WithoutCancel(ctx)
	record, err := b.ledger.Record(work, ledger.Record{
		SessionID:      s.id,
		ServiceID:      current.service.ID,
		Identity:       s.identity,
		Amount:         receipt.Amount,
		Asset:          receipt.Asset,
		Network:        receipt.Network,
		ProofReference: receipt.Reference,
		Status:         ledger.StatusVerified,
		RequestPayload: s.payload,
	})
	if err != nil {
		b.setState(s, StateAwaitingPayment)
		b.alert(work, alerting.Event{
			Code:      xerrors.CodeStorageFailure,
			Message:   "payment verified but could not be recorded",
			SessionID: s.id,
			ServiceID: current.service.ID,
			Identity:  s.identity,
			Metadata:  map[string]string{"reference": receipt.Reference, "error": err.Error()},
		})
		return Outcome{}, err
	}

	b.setState(s, StateFulfilling)
	callCtx, cancel := context.WithTimeout(work, b.providerTimeout)
	result, callErr := b.provider.Fulfill(callCtx, current.service.Endpoint, s.payload, proof)
	cancel()
	if callErr != nil {
		return b.failover(work, s, current, record, receipt, callErr)
	}

	var settleErr error
	if _, err := b.ledger.UpdateStatus(work, record.ID, ledger.StatusFulfilled, ledger.Patch{ResponsePayload: result}); err != nil {
		settleErr = b.settlementFailure(work, s, current.service.ID, record.ID, "ledger", err)
	}
	if err := b.budget.Commit(work, s.identity, s.reservation); err != nil {
		if commitErr := b.settlementFailure(work, s, current.service.ID, record.ID, "spending", err); settleErr == nil {
			settleErr = commitErr
		}
	}
	b.publish(work, s, current.service.ID, record.ID, true, "")
	b.finish(s, StateCompleted, false)

	logger.Audit().Info("履约完成",
		slog.String("session_id", s.id),
		slog.String("transaction_id", record.ID),
		slog.String("service_id", current.service.ID),
		slog.String("identity", s.identity),
		slog.Int64("amount", receipt.Amount),
	)
	return Outcome{
		SessionID:     s.id,
		State:         StateCompleted,
		ServiceID:     current.service.ID,
		TransactionID: record.ID,
		Result:        result,
		Receipt:       &receipt,
	}, settleErr
}

// settlementFailure 在结果已交付后记录账本或额度结算失败，告警并返回 STORAGE_FAILURE。
func (b *Broker) settlementFailure(ctx context.Context, s *session, serviceID, transactionID, stage string, cause error) error {
	logger.L().Error("履约结果已交付但结算未完成",
		slog.String("session_id", s.id),
		slog.String("transaction_id", transactionID),
		slog.String("stage", stage),
		slog.Any("error", cause),
	)
	b.alert(ctx, alerting.Event{
		Code:          xerrors.CodeStorageFailure,
		Message:       "fulfillment delivered but settlement bookkeeping failed",
		Severity:      xerrors.SeverityCritical,
		SessionID:     s.id,
		TransactionID: transactionID,
		ServiceID:     serviceID,
		Identity:      s.identity,
		Metadata:      map[string]string{"stage": stage, "error": cause.Error()},
	})
	return xerrors.Wrap(xerrors.CodeStorageFailure, cause, "履约已完成但结算记录失败",
		xerrors.WithMetadata("stage", stage),
		xerrors.WithMetadata("transaction_id", transactionID),
	)
}

// Get 返回会话快照。
func (b *Broker) Get(_ context.Context, identity, sessionID string) (View, error) {
	s, err := b.lookup(sessionID, strings.TrimSpace(identity))
	if err != nil {
		return View{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return s.view(), nil
}

// Run 周期性回收过期会话，直到 ctx 取消。
func (b *Broker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := b.Reap(ctx); n > 0 {
				logger.L().Info("已回收过期会话", slog.Int("count", n))
			}
		}
	}
}

// Holds 判断预扣是否仍属于某个存活会话。
func (b *Broker) Holds(reservationID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		if s.reservation == reservationID {
			return true
		}
	}
	return false
}

// Reap 释放所有过期会话的预扣额度并留下墓碑，返回回收数量。正在处理中的会话留到下一轮。
func (b *Broker) Reap(ctx context.Context) int {
	now := b.now()
	b.mu.Lock()
	var expired []*session
	for _, s := range b.sessions {
		if now.After(s.expiresAt) {
			expired = append(expired, s)
		}
	}
	for id, until := range b.tombstones {
		if now.After(until) {
			delete(b.tombstones, id)
		}
	}
	b.mu.Unlock()

	reaped := 0
	for _, s := range expired {
		if !s.busy.TryLock() {
			continue
		}
		if b.ensureActive(s) == nil {
			b.expire(ctx, s)
			reaped++
		}
		s.busy.Unlock()
	}
	return reaped
}

// Active 返回进行中的会话数量。
func (b *Broker) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *Broker) rank(ctx context.Context, capability string, payload json.RawMessage, req Requirements) ([]*registry.ServiceDescriptor, error) {
	sortBy := req.SortBy
	if sortBy == "" {
		sortBy = registry.SortByPrice
	}
	matches, err := b.directory.Search(ctx, registry.Filter{
		Capabilities: []string{capability},
		MaxPrice:     req.MaxPrice,
		MinRating:    req.MinRating,
		Network:      req.Network,
		Currency:     req.Currency,
		SortBy:       sortBy,
	})
	if err != nil {
		return nil, err
	}

	var schemaErr error
	candidates := make([]*registry.ServiceDescriptor, 0, len(matches))
	for _, d := range matches {
		if _, err := d.Price.BaseUnits(); err != nil {
			logger.L().Warn("跳过价格无法换算的服务", slog.String("service_id", d.ID), slog.Any("error", err))
			continue
		}
		if len(d.InputSchema) > 0 {
			if err := b.validator.Validate(d.InputSchema, payload); err != nil {
				schemaErr = err
				continue
			}
		}
		candidates = append(candidates, d)
	}

	if (req.Probe || b.probe) && len(candidates) > 0 {
		candidates = b.probeAll(ctx, candidates)
	}
	if req.MaxCandidates > 0 && len(candidates) > req.MaxCandidates {
		candidates = candidates[:req.MaxCandidates]
	}
	if len(candidates) == 0 {
		if schemaErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeValidation, schemaErr, "请求体不满足服务的输入约束")
		}
		return nil, ErrNoCandidates
	}
	return candidates, nil
}

// probeAll 并发探测候选服务，保留存活者的原有顺序。
func (b *Broker) probeAll(ctx context.Context, candidates []*registry.ServiceDescriptor) []*registry.ServiceDescriptor {
	alive := make([]bool, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(probeConcurrency)
	for i, c := range candidates {
		i, c := i, c
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, b.providerTimeout)
			defer cancel()
			if err := b.provider.Probe(probeCtx, c.Endpoint); err != nil {
				logger.L().Info("候选服务探测失败", slog.String("service_id", c.ID), slog.Any("error", err))
				return nil
			}
			alive[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]*registry.ServiceDescriptor, 0, len(candidates))
	for i, c := range candidates {
		if alive[i] {
			out = append(out, c)
		}
	}
	return out
}

// advance 从剩余候选中找到第一个报价有效的服务，并把预扣调整为其报价。
func (b *Broker) advance(ctx context.Context, s *session) (Instructions, error) {
	for _, id := range s.remaining() {
		svc, err := b.directory.Get(ctx, id)
		if err != nil {
			logger.L().Info("候选服务已不可用", slog.String("service_id", id), slog.Any("error", err))
			b.markAttempted(s, id)
			continue
		}
		units, err := svc.Price.BaseUnits()
		if err != nil {
			b.markAttempted(s, id)
			continue
		}
		if err := b.resize(ctx, s, units); err != nil {
			return Instructions{}, err
		}

		requirement, err := b.quote(ctx, svc, s.payload, units)
		if err != nil {
			logger.L().Warn("候选服务报价失败",
				slog.String("session_id", s.id),
				slog.String("service_id", id),
				slog.Any("error", err),
			)
			b.markAttempted(s, id)
			metrics.ObserveFailover()
			continue
		}
		if err := b.resize(ctx, s, requirement.Amount); err != nil {
			return Instructions{}, err
		}

		b.mu.Lock()
		s.current = &quote{service: svc, requirement: requirement}
		s.state = StateAwaitingPayment
		b.mu.Unlock()
		return b.instructions(s), nil
	}
	b.mu.Lock()
	s.current = nil
	b.mu.Unlock()
	return Instructions{}, ErrSessionExhausted
}

// quote 请求报价并核对收款地址、网络、资产与价格上限。
func (b *Broker) quote(ctx context.Context, svc *registry.ServiceDescriptor, payload json.RawMessage, listed int64) (x402.Requirements, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.providerTimeout)
	defer cancel()
	requirement, err := b.provider.Quote(callCtx, svc.Endpoint, payload)
	if err != nil {
		return x402.Requirements{}, err
	}
	switch {
	case !strings.EqualFold(requirement.Recipient, svc.PayoutAddress):
		return x402.Requirements{}, quoteMismatch("recipient", svc.PayoutAddress, requirement.Recipient)
	case requirement.Network != svc.Price.Network:
		return x402.Requirements{}, quoteMismatch("network", svc.Price.Network, requirement.Network)
	case !strings.EqualFold(requirement.Asset, svc.Price.Asset):
		return x402.Requirements{}, quoteMismatch("asset", svc.Price.Asset, requirement.Asset)
	case requirement.Amount > listed:
		return x402.Requirements{}, quoteMismatch("amount", strconv.FormatInt(listed, 10), strconv.FormatInt(requirement.Amount, 10))
	}
	return requirement, nil
}

func quoteMismatch(field, want, got string) error {
	return xerrors.New(xerrors.CodeProviderUnavailable,
		fmt.Sprintf("quote %s does not match listing: want %s, got %s", field, want, got),
		xerrors.WithMetadata("field", field),
	)
}

// resize 把会话的预扣调整为 amount。额度不足时原预扣保持不变。
func (b *Broker) resize(ctx context.Context, s *session, amount int64) error {
	b.mu.Lock()
	current := b.reserved[s.id]
	b.mu.Unlock()
	if current == amount {
		return nil
	}
	if _, err := b.budget.Adjust(ctx, s.identity, s.reservation, amount); err != nil {
		return err
	}
	b.mu.Lock()
	b.reserved[s.id] = amount
	b.mu.Unlock()
	return nil
}

func (b *Broker) failover(ctx context.Context, s *session, current *quote, record *ledger.Record, receipt payment.Receipt, callErr error) (Outcome, error) {
	reason := callErr.Error()
	if _, err := b.ledger.UpdateStatus(ctx, record.ID, ledger.StatusFailed, ledger.Patch{FailureReason: reason}); err != nil {
		logger.L().Error("回写失败状态出错",
			slog.String("transaction_id", record.ID),
			slog.Any("error", err),
		)
	}
	b.alert(ctx, alerting.Event{
		Code:          xerrors.CodeProviderUnavailable,
		Message:       "unrecovered payment: provider failed after payment",
		Severity:      xerrors.SeverityCritical,
		SessionID:     s.id,
		TransactionID: record.ID,
		ServiceID:     current.service.ID,
		Identity:      s.identity,
		Metadata: map[string]string{
			"reference": receipt.Reference,
			"amount":    strconv.FormatInt(receipt.Amount, 10),
			"asset":     receipt.Asset,
			"network":   receipt.Network,
			"reason":    reason,
		},
	})
	b.publish(ctx, s, current.service.ID, record.ID, false, reason)
	b.markAttempted(s, current.service.ID)
	metrics.ObserveFailover()

	logger.Audit().Warn("服务调用失败，切换候选",
		slog.String("session_id", s.id),
		slog.String("transaction_id", record.ID),
		slog.String("service_id", current.service.ID),
		slog.String("reason", reason),
	)

	out := Outcome{
		SessionID:     s.id,
		ServiceID:     current.service.ID,
		TransactionID: record.ID,
		FailureReason: reason,
	}
	next, err := b.advance(ctx, s)
	if err == nil {
		out.State = StateAwaitingPayment
		out.Next = &next
		return out, nil
	}

	out.State = StateExhausted
	b.finish(s, StateExhausted, true)
	if errors.Is(err, ErrSessionExhausted) {
		b.alert(ctx, alerting.Event{
			Code:      xerrors.CodeSessionExhausted,
			Message:   "session exhausted: every candidate provider failed",
			SessionID: s.id,
			Identity:  s.identity,
			Metadata:  map[string]string{"attempted": strings.Join(s.attempted, ",")},
		})
	}
	logger.Audit().Warn("履约会话终止",
		slog.String("session_id", s.id),
		slog.String("identity", s.identity),
		slog.Any("error", err),
	)
	return out, err
}

func (b *Broker) instructions(s *session) Instructions {
	b.mu.Lock()
	defer b.mu.Unlock()
	inst := Instructions{
		SessionID:           s.id,
		Attempt:             len(s.attempted) + 1,
		RemainingCandidates: len(s.remaining()) - 1,
		ExpiresAt:           s.expiresAt,
	}
	if s.current != nil {
		inst.ServiceID = s.current.service.ID
		inst.ServiceName = s.current.service.Name
		inst.Payment = s.current.requirement
	}
	return inst
}

func (b *Broker) lookup(sessionID, identity string) (*session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		if until, dead := b.tombstones[sessionID]; dead && !b.now().After(until) {
			return nil, ErrSessionExpired
		}
		return nil, ErrSessionNotFound
	}
	if s.identity != identity {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// ensureActive 确认持有 busy 锁期间会话仍未被回收或结束。
func (b *Broker) ensureActive(s *session) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sessions[s.id] == s {
		return nil
	}
	if _, dead := b.tombstones[s.id]; dead {
		return ErrSessionExpired
	}
	return ErrSessionNotFound
}

func (b *Broker) setState(s *session, state State) {
	b.mu.Lock()
	s.state = state
	b.mu.Unlock()
}

func (b *Broker) markAttempted(s *session, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, seen := range s.attempted {
		if seen == id {
			return
		}
	}
	s.attempted = append(s.attempted, id)
}

// finish 结束会话，release 为 true 时归还预扣额度。
func (b *Broker) finish(s *session, state State, release bool) {
	if release {
		b.releaseReservation(context.Background(), s)
	}
	b.mu.Lock()
	s.state = state
	s.current = nil
	delete(b.sessions, s.id)
	delete(b.reserved, s.id)
	b.mu.Unlock()
	metrics.ObserveSessionTerminal(string(state))
}

// expire 回收过期会话并留下墓碑。调用方需持有 busy 锁。
func (b *Broker) expire(ctx context.Context, s *session) {
	b.releaseReservation(ctx, s)
	now := b.now()
	b.mu.Lock()
	delete(b.sessions, s.id)
	delete(b.reserved, s.id)
	b.tombstones[s.id] = now.Add(b.ttl)
	b.mu.Unlock()
	metrics.ObserveSessionTerminal("expired")
	logger.L().Info("履约会话已过期",
		slog.String("session_id", s.id),
		slog.String("identity", s.identity),
	)
}

func (b *Broker) releaseReservation(ctx context.Context, s *session) {
	if s.reservation == "" {
		return
	}
	err := b.budget.Release(ctx, s.identity, s.reservation)
	if err != nil && !errors.Is(err, spending.ErrReservationNotFound) {
		logger.L().Error("释放预扣额度失败",
			slog.String("session_id", s.id),
			slog.String("reservation_id", s.reservation),
			slog.Any("error", err),
		)
	}
	b.mu.Lock()
	delete(b.reserved, s.id)
	b.mu.Unlock()
}

func (b *Broker) publish(ctx context.Context, s *session, serviceID, transactionID string, success bool, reason string) {
	if b.publisher == nil {
		return
	}
	err := b.publisher.Publish(ctx, events.Outcome{
		ID:            b.newID(),
		SessionID:     s.id,
		TransactionID: transactionID,
		ServiceID:     serviceID,
		Identity:      s.identity,
		Success:       success,
		Reason:        reason,
		OccurredAt:    b.now().UTC(),
	})
	if err != nil {
		logger.L().Warn("投递结果事件失败",
			slog.String("session_id", s.id),
			slog.String("service_id", serviceID),
			slog.Any("error", err),
		)
	}
}

func (b *Broker) alert(ctx context.Context, event alerting.Event) {
	if b.alerts == nil {
		return
	}
	if err := b.alerts.Notify(ctx, event); err != nil {
		logger.L().Error("发送告警失败", slog.String("code", string(event.Code)), slog.Any("error", err))
	}
}

// Package market 把注册表、履约会话、额度守卫与交易账本组合成对外的五个核心操作，
// 以及额度查询、上限管理与退款等运维操作。
package market

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/ledger"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/session"
	"AgentPay/internal/spending"
	"AgentPay/pkg/logger"
)

// Directory 是市场依赖的注册表能力。
type Directory interface {
	Register(ctx context.Context, descriptor registry.ServiceDescriptor) (string, error)
	Get(ctx context.Context, id string) (*registry.ServiceDescriptor, error)
	Search(ctx context.Context, filter registry.Filter) ([]*registry.ServiceDescriptor, error)
	UpdateReputation(ctx context.Context, id string, score int) (*registry.ServiceDescriptor, error)
	Deregister(ctx context.Context, id string) error
	SetHealth(ctx context.Context, id string, status registry.HealthStatus) error
}

// Sessions 是市场依赖的履约会话能力。
type Sessions interface {
	Prepare(ctx context.Context, identity, capability string, payload json.RawMessage, req session.Requirements) (session.Instructions, error)
	Complete(ctx context.Context, identity, sessionID string, proof payment.Proof) (session.Outcome, error)
	Get(ctx context.Context, identity, sessionID string) (session.View, error)
}

// Transactions 是市场依赖的账本能力。
type Transactions interface {
	Get(ctx context.Context, id string) (*ledger.Record, error)
	ListRecent(ctx context.Context, identity string, limit int) ([]*ledger.Record, error)
	SetRating(ctx context.Context, id string, score int, review string) (*ledger.Record, error)
	MarkRefunded(ctx context.Context, id, refundReference string) (*ledger.Record, error)
}

// Budget 是市场依赖的额度能力。
type Budget interface {
	Status(ctx context.Context, identity string) (spending.Status, error)
	SetLimits(ctx context.Context, identity string, limits spending.Limits) (spending.Status, error)
}

// PrepareRequest 描述一次履约请求。
type PrepareRequest struct {
	Capability   string               `json:"capability"`
	Payload      json.RawMessage      `json:"payload"`
	Requirements session.Requirements `json:"requirements"`
}

// Market 是 API 层唯一依赖的门面。
type Market struct {
	directory    Directory
	sessions     Sessions
	transactions Transactions
	budget       Budget

	// rateMu 串行化评分，保证信誉与账本评分一一对应。
	rateMu sync.Mutex
}

// New 创建市场门面。
func New(directory Directory, sessions Sessions, transactions Transactions, budget Budget) *Market {
	return &Market{
		directory:    directory,
		sessions:     sessions,
		transactions: transactions,
		budget:       budget,
	}
}

// DiscoverServices 按条件搜索可购买的服务。
func (m *Market) DiscoverServices(ctx context.Context, filter registry.Filter) ([]*registry.ServiceDescriptor, error) {
	return m.directory.Search(ctx, filter)
}

// RegisterService 登记新服务。
func (m *Market) RegisterService(ctx context.Context, descriptor registry.ServiceDescriptor) (*registry.ServiceDescriptor, error) {
	id, err := m.directory.Register(ctx, descriptor)
	if err != nil {
		return nil, err
	}
	return m.directory.Get(ctx, id)
}

// GetService 返回服务描述符。
func (m *Market) GetService(ctx context.Context, id string) (*registry.ServiceDescriptor, error) {
	return m.directory.Get(ctx, id)
}

// DeregisterService 注销服务，历史交易仍可查询。
func (m *Market) DeregisterService(ctx context.Context, id string) error {
	return m.directory.Deregister(ctx, id)
}

// SetServiceHealth 更新服务健康状态，down 的服务不再出现在检索结果中。
func (m *Market) SetServiceHealth(ctx context.Context, id string, status registry.HealthStatus) (*registry.ServiceDescriptor, error) {
	if err := m.directory.SetHealth(ctx, id, status); err != nil {
		return nil, err
	}
	logger.Audit().Info("服务健康状态已更新", slog.String("service_id", id), slog.String("health", string(status)))
	return m.directory.Get(ctx, id)
}

// PrepareFulfillment 开启履约会话并返回首个候选的付款指引。
func (m *Market) PrepareFulfillment(ctx context.Context, identity string, req PrepareRequest) (session.Instructions, error) {
	return m.sessions.Prepare(ctx, identity, req.Capability, req.Payload, req.Requirements)
}

// CompleteFulfillment 提交付款凭证并取得结果。
func (m *Market) CompleteFulfillment(ctx context.Context, identity, sessionID string, proof payment.Proof) (session.Outcome, error) {
	return m.sessions.Complete(ctx, identity, sessionID, proof)
}

// GetSession 返回会话快照。
func (m *Market) GetSession(ctx context.Context, identity, sessionID string) (session.View, error) {
	return m.sessions.Get(ctx, identity, sessionID)
}

// GetTransaction 返回调用方自己的交易记录，其他身份的记录视为不存在。
func (m *Market) GetTransaction(ctx context.Context, identity, id string) (*ledger.Record, error) {
	record, err := m.transactions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if identity != "" && record.Identity != identity {
		return nil, ledger.ErrRecordNotFound
	}
	return record, nil
}

// ListTransactions 按时间倒序返回调用方的交易记录。
func (m *Market) ListTransactions(ctx context.Context, identity string, limit int) ([]*ledger.Record, error) {
	return m.transactions.ListRecent(ctx, identity, limit)
}

// Rate 为已履约交易评分并更新服务信誉。每笔交易只能评分一次。
// 先更新信誉再落账评分，信誉更新失败时评分不落账，调用方可重试。
func (m *Market) Rate(ctx context.Context, identity, transactionID string, score int, review string) (*ledger.Record, error) {
	if score < 1 || score > 5 {
		return nil, xerrors.New(xerrors.CodeValidation, "评分必须在 1 到 5 之间")
	}
	if len(strings.TrimSpace(review)) > ledger.MaxReviewLength {
		return nil, xerrors.New(xerrors.CodeValidation, "评价内容过长")
	}
	m.rateMu.Lock()
	defer m.rateMu.Unlock()

	record, err := m.GetTransaction(ctx, identity, transactionID)
	if err != nil {
		return nil, err
	}
	switch {
	case record.Rating != nil:
		return nil, ledger.ErrAlreadyRated
	case record.Status != ledger.StatusFulfilled:
		return nil, ledger.ErrNotRateable
	}

	if _, err := m.directory.UpdateReputation(ctx, record.ServiceID, score); err != nil {
		return nil, err
	}
	rated, err := m.transactions.SetRating(ctx, transactionID, score, review)
	if err != nil {
		logger.L().Error("信誉已更新但评分落账失败",
			slog.String("transaction_id", transactionID),
			slog.String("service_id", record.ServiceID),
			slog.Any("error", err),
		)
		return nil, err
	}
	logger.Audit().Info("交易已评分",
		slog.String("transaction_id", transactionID),
		slog.String("service_id", rated.ServiceID),
		slog.String("identity", rated.Identity),
		slog.Int("score", score),
	)
	return rated, nil
}

// Refund 将失败或已履约的交易标记为已退款，refundReference 为链下或链上退款凭证。
func (m *Market) Refund(ctx context.Context, transactionID, refundReference string) (*ledger.Record, error) {
	return m.transactions.MarkRefunded(ctx, transactionID, refundReference)
}

// SpendingStatus 返回身份在当前窗口的消费情况。
func (m *Market) SpendingStatus(ctx context.Context, identity string) (spending.Status, error) {
	return m.budget.Status(ctx, identity)
}

// SetSpendingLimits 替换身份的消费上限。
func (m *Market) SetSpendingLimits(ctx context.Context, identity string, limits spending.Limits) (spending.Status, error) {
	return m.budget.SetLimits(ctx, identity, limits)
}

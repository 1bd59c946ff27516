package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/payment"
	"AgentPay/pkg/logger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

// Ledger 记录每一次已付款的购买尝试及其最终状态。
type Ledger struct {
	store Store
	now   func() time.Time
	newID func() string
}

// Option 用于定制 Ledger。
type Option func(*Ledger)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// New 创建交易账本。
func New(store Store, opts ...Option) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Ledger{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Record 写入一条新的交易记录。同一交易引用只能对应一条记录。
func (l *Ledger) Record(ctx context.Context, record Record) (*Record, error) {
	entry := record.Clone()
	entry.Identity = strings.TrimSpace(entry.Identity)
	entry.ProofReference = strings.TrimSpace(entry.ProofReference)
	switch {
	case entry.Identity == "":
		return nil, xerrors.New(xerrors.CodeValidation, "交易记录缺少身份")
	case entry.ServiceID == "":
		return nil, xerrors.New(xerrors.CodeValidation, "交易记录缺少服务 ID")
	case entry.ProofReference == "":
		return nil, xerrors.New(xerrors.CodeValidation, "交易记录缺少交易引用")
	case entry.Amount <= 0:
		return nil, xerrors.New(xerrors.CodeValidation, "交易金额必须大于 0")
	}
	if entry.Status == "" {
		entry.Status = StatusPending
	}
	if entry.Status != StatusPending && entry.Status != StatusVerified {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("新记录不能处于 %s 状态", entry.Status))
	}
	if entry.ID == "" {
		entry.ID = l.newID()
	}
	entry.ProofKey = payment.ReplayKey(entry.Network, entry.ProofReference)
	now := l.now()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	entry.CompletedAt = nil

	if err := l.store.Insert(ctx, entry); err != nil {
		return nil, wrapStoreErr(err, "写入交易记录失败")
	}
	logger.Audit().Info("交易记录已创建",
		slog.String("transaction_id", entry.ID),
		slog.String("session_id", entry.SessionID),
		slog.String("service_id", entry.ServiceID),
		slog.String("identity", entry.Identity),
		slog.String("reference", entry.ProofReference),
		slog.Int64("amount", entry.Amount),
		slog.String("status", string(entry.Status)),
	)
	return entry.Clone(), nil
}

// Get 返回交易记录，不产生任何副作用。
func (l *Ledger) Get(ctx context.Context, id string) (*Record, error) {
	record, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr(err, "查询交易记录失败")
	}
	return record, nil
}

// ListRecent 按时间倒序返回最近的交易，identity 为空时返回全部身份的记录。
func (l *Ledger) ListRecent(ctx context.Context, identity string, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	records, err := l.store.ListRecent(ctx, strings.TrimSpace(identity), limit)
	if err != nil {
		return nil, wrapStoreErr(err, "查询交易列表失败")
	}
	return records, nil
}

// UpdateStatus 执行单调的状态迁移。
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status Status, patch Patch) (*Record, error) {
	if !IsValidStatus(status) {
		return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("不支持的交易状态: %s", status))
	}
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, wrapStoreErr(err, "查询交易记录失败")
	}
	if !CanTransition(current.Status, status) {
		return nil, xerrors.New(xerrors.CodeConflict,
			fmt.Sprintf("交易状态不能从 %s 变为 %s", current.Status, status))
	}

	next := current.Clone()
	prev := current.Status
	next.Status = status
	next.UpdatedAt = l.now()
	if patch.ResponsePayload != nil {
		next.ResponsePayload = append([]byte(nil), patch.ResponsePayload...)
	}
	if patch.FailureReason != "" {
		next.FailureReason = patch.FailureReason
	}
	if patch.RefundReference != "" {
		next.RefundReference = patch.RefundReference
	}
	if status == StatusFulfilled || status == StatusFailed {
		completed := next.UpdatedAt
		next.CompletedAt = &completed
	}

	if err := l.store.Update(ctx, next, prev); err != nil {
		return nil, wrapStoreErr(err, "更新交易状态失败")
	}
	logger.Audit().Info("交易状态已更新",
		slog.String("transaction_id", id),
		slog.String("from", string(prev)),
		slog.String("to", string(status)),
		slog.String("failure_reason", next.FailureReason),
	)
	return next, nil
}

// SetRating 为已履约的交易写入一次评分。
func (l *Ledger) SetRating(ctx context.Context, id string, score int, review string) (*Record, error) {
	if score < 1 || score > 5 {
		return nil, xerrors.New(xerrors.CodeValidation, "评分必须位于 1 到 5 之间")
	}
	review = strings.TrimSpace(review)
	if len(review) > MaxReviewLength {
		return nil, xerrors.New(xerrors.CodeValidation, "评价内容过长")
	}
	if err := l.store.Rate(ctx, id, score, review, l.now()); err != nil {
		return nil, wrapStoreErr(err, "写入评分失败")
	}
	return l.Get(ctx, id)
}

// MarkRefunded 记录运营方对失败或争议交易的退款。
func (l *Ledger) MarkRefunded(ctx context.Context, id, refundReference string) (*Record, error) {
	refundReference = strings.TrimSpace(refundReference)
	if refundReference == "" {
		return nil, xerrors.New(xerrors.CodeValidation, "退款交易引用不能为空")
	}
	return l.UpdateStatus(ctx, id, StatusRefunded, Patch{RefundReference: refundReference})
}

// wrapStoreErr 保留领域错误，其它错误统一视为存储故障。
func wrapStoreErr(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

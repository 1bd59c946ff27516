package ledger

import (
	"encoding/json"
	"time"

	xerrors "AgentPay/internal/errors"
)

// MaxReviewLength 是评价内容的最大字节数。
const MaxReviewLength = 2000

// Status 表示交易记录在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusVerified  Status = "verified"
	StatusFulfilled Status = "fulfilled"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// transitions 列出允许的状态迁移，失败后只能进入退款，不能恢复。
var transitions = map[Status][]Status{
	StatusPending:   {StatusVerified, StatusFailed},
	StatusVerified:  {StatusFulfilled, StatusFailed},
	StatusFulfilled: {StatusRefunded},
	StatusFailed:    {StatusRefunded},
}

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusVerified, StatusFulfilled, StatusFailed, StatusRefunded:
		return true
	default:
		return false
	}
}

// CanTransition 判断 from 能否迁移到 to。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Record 是一次已付款购买尝试的持久化记录。
type Record struct {
	ID              string          `json:"id"`
	SessionID       string          `json:"session_id"`
	ServiceID       string          `json:"service_id"`
	Identity        string          `json:"identity"`
	Amount          int64           `json:"amount"`
	Asset           string          `json:"asset"`
	Network         string          `json:"network"`
	ProofReference  string          `json:"proof_reference"`
	ProofKey        string          `json:"-"`
	Status          Status          `json:"status"`
	RequestPayload  json.RawMessage `json:"request_payload,omitempty"`
	ResponsePayload json.RawMessage `json:"response_payload,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	RefundReference string          `json:"refund_reference,omitempty"`
	Rating          *int            `json:"rating,omitempty"`
	Review          string          `json:"review,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Clone 返回记录的深拷贝。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	if r.RequestPayload != nil {
		clone.RequestPayload = append(json.RawMessage(nil), r.RequestPayload...)
	}
	if r.ResponsePayload != nil {
		clone.ResponsePayload = append(json.RawMessage(nil), r.ResponsePayload...)
	}
	if r.Rating != nil {
		rating := *r.Rating
		clone.Rating = &rating
	}
	if r.CompletedAt != nil {
		completed := *r.CompletedAt
		clone.CompletedAt = &completed
	}
	return &clone
}

// Patch 描述状态迁移时附带写入的字段。
type Patch struct {
	ResponsePayload json.RawMessage
	FailureReason   string
	RefundReference string
}

var (
	// ErrRecordNotFound 表示交易记录不存在。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "transaction not found")
	// ErrDuplicateProof 表示交易引用已被另一条记录使用。
	ErrDuplicateProof = xerrors.New(xerrors.CodeConflict, "transaction reference already recorded")
	// ErrStaleRecord 表示记录在读取后已被并发修改。
	ErrStaleRecord = xerrors.New(xerrors.CodeConflict, "transaction was modified concurrently")
	// ErrAlreadyRated 表示交易已评分。
	ErrAlreadyRated = xerrors.New(xerrors.CodeConflict, "transaction already rated")
	// ErrNotRateable 表示交易尚未成功履约，不能评分。
	ErrNotRateable = xerrors.New(xerrors.CodeConflict, "only fulfilled transactions can be rated")
)

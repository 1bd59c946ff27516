// Package session 实现两阶段的履约会话协议：Prepare 选定候选服务并返回付款指引，
// Complete 校验付款后调用服务，服务失败时切换到下一个候选。
package session

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/payment"
	"AgentPay/internal/registry"
	"AgentPay/internal/x402"
)

// State 表示会话所处的阶段。
type State string

const (
	StateCreated         State = "created"
	StateAwaitingPayment State = "awaiting_payment"
	StateVerifying       State = "verifying"
	StateFulfilling      State = "fulfilling"
	StateCompleted       State = "completed"
	StateExhausted       State = "exhausted"
)

// Requirements 是调用方对候选服务的筛选与排序偏好。
type Requirements struct {
	MaxPrice      *decimal.Decimal `json:"max_price,omitempty"`
	MinRating     float64          `json:"min_rating,omitempty"`
	Network       string           `json:"network,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	SortBy        registry.SortKey `json:"sort_by,omitempty"`
	MaxCandidates int              `json:"max_candidates,omitempty"`
	Probe         bool             `json:"probe,omitempty"`
}

// Instructions 告诉调用方向谁支付多少。
type Instructions struct {
	SessionID           string            `json:"session_id"`
	ServiceID           string            `json:"service_id"`
	ServiceName         string            `json:"service_name"`
	Payment             x402.Requirements `json:"payment"`
	Attempt             int               `json:"attempt"`
	RemainingCandidates int               `json:"remaining_candidates"`
	ExpiresAt           time.Time         `json:"expires_at"`
}

// Outcome 是一次 Complete 的结果。State 为 awaiting_payment 时 Next 给出下一候选的付款指引。
type Outcome struct {
	SessionID     string           `json:"session_id"`
	State         State            `json:"state"`
	ServiceID     string           `json:"service_id,omitempty"`
	TransactionID string           `json:"transaction_id,omitempty"`
	Result        json.RawMessage  `json:"result,omitempty"`
	Receipt       *payment.Receipt `json:"receipt,omitempty"`
	FailureReason string           `json:"failure_reason,omitempty"`
	Next          *Instructions    `json:"next,omitempty"`
}

// View 是会话的只读快照。
type View struct {
	ID         string    `json:"id"`
	Identity   string    `json:"identity"`
	Capability string    `json:"capability"`
	State      State     `json:"state"`
	Candidates []string  `json:"candidates"`
	Attempted  []string  `json:"attempted"`
	Current    string    `json:"current_service_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// quote 是当前候选服务给出并已核对过的报价。
type quote struct {
	service     *registry.ServiceDescriptor
	requirement x402.Requirements
}

// session 只保存在内存中。busy 保证同一会话内的尝试严格串行，其余字段受 Broker.mu 保护。
type session struct {
	busy sync.Mutex

	id          string
	identity    string
	capability  string
	candidates  []string
	payload     json.RawMessage
	createdAt   time.Time
	expiresAt   time.Time
	attempted   []string
	state       State
	current     *quote
	reservation string
}

func (s *session) view() View {
	v := View{
		ID:         s.id,
		Identity:   s.identity,
		Capability: s.capability,
		State:      s.state,
		Candidates: append([]string(nil), s.candidates...),
		Attempted:  append([]string(nil), s.attempted...),
		CreatedAt:  s.createdAt,
		ExpiresAt:  s.expiresAt,
	}
	if s.current != nil {
		v.Current = s.current.service.ID
	}
	return v
}

// remaining 返回尚未尝试的候选。
func (s *session) remaining() []string {
	tried := make(map[string]struct{}, len(s.attempted))
	for _, id := range s.attempted {
		tried[id] = struct{}{}
	}
	out := make([]string, 0, len(s.candidates))
	for _, id := range s.candidates {
		if _, ok := tried[id]; !ok {
			out = append(out, id)
		}
	}
	return out
}

func init() {
	xerrors.Register(xerrors.CodeSessionExpired, xerrors.Attributes{
		Message:    "session expired",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 410,
	})
	xerrors.Register(xerrors.CodeSessionExhausted, xerrors.Attributes{
		Message:    "all candidates failed",
		Severity:   xerrors.SeverityWarning,
		Alert:      true,
		HTTPStatus: 502,
	})
}

var (
	// ErrSessionNotFound 表示会话不存在或已结束。
	ErrSessionNotFound = xerrors.New(xerrors.CodeNotFound, "session not found")
	// ErrSessionExpired 表示会话已超过有效期。
	ErrSessionExpired = xerrors.New(xerrors.CodeSessionExpired, "session expired")
	// ErrSessionBusy 表示会话正在处理另一个请求。
	ErrSessionBusy = xerrors.New(xerrors.CodeConflict, "session is processing another attempt")
	// ErrSessionExhausted 表示所有候选服务都已失败。
	ErrSessionExhausted = xerrors.New(xerrors.CodeSessionExhausted, "all candidate providers failed")
	// ErrNoCandidates 表示没有可用的候选服务。
	ErrNoCandidates = xerrors.New(xerrors.CodeNotFound, "no service offers the requested capability")
)

package spending

import (
	"strconv"
	"time"

	xerrors "AgentPay/internal/errors"
)

// Limits 描述一个身份的消费上限。nil 表示该维度不设上限。
type Limits struct {
	PerTransaction *int64 `json:"per_transaction,omitempty"`
	Daily          *int64 `json:"daily,omitempty"`
	Monthly        *int64 `json:"monthly,omitempty"`
}

// Validate 检查上限是否为非负数。
func (l Limits) Validate() error {
	for name, value := range map[string]*int64{
		"per_transaction": l.PerTransaction,
		"daily":           l.Daily,
		"monthly":         l.Monthly,
	} {
		if value != nil && *value < 0 {
			return xerrors.New(xerrors.CodeValidation, name+" 上限不能为负数")
		}
	}
	return nil
}

func (l Limits) clone() Limits {
	return Limits{
		PerTransaction: clonePtr(l.PerTransaction),
		Daily:          clonePtr(l.Daily),
		Monthly:        clonePtr(l.Monthly),
	}
}

// Reservation 是一次尚未确认的预扣额度。
// Day 与 Month 记录预扣发生时所在的窗口，确认时只计入该窗口。
type Reservation struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Amount    int64     `json:"amount"`
	Day       string    `json:"day"`
	Month     string    `json:"month"`
	CreatedAt time.Time `json:"created_at"`
}

// Record 是身份的消费台账，仅由 Guard 修改。
type Record struct {
	Identity     string                 `json:"identity"`
	Limits       Limits                 `json:"limits"`
	DailySpent   int64                  `json:"daily_spent"`
	MonthlySpent int64                  `json:"monthly_spent"`
	WindowDay    string                 `json:"window_day"`
	WindowMonth  string                 `json:"window_month"`
	Reservations map[string]Reservation `json:"reservations"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func (r *Record) clone() *Record {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Limits = r.Limits.clone()
	clone.Reservations = make(map[string]Reservation, len(r.Reservations))
	for id, reservation := range r.Reservations {
		clone.Reservations[id] = reservation
	}
	return &clone
}

// reserved 返回当前日窗口与月窗口内未确认的预扣总额。
func (r *Record) reserved() (daily, monthly int64) {
	for _, reservation := range r.Reservations {
		if reservation.Day == r.WindowDay {
			daily += reservation.Amount
		}
		if reservation.Month == r.WindowMonth {
			monthly += reservation.Amount
		}
	}
	return daily, monthly
}

// Status 是身份消费情况的只读视图。
type Status struct {
	Identity         string `json:"identity"`
	Limits           Limits `json:"limits"`
	WindowDay        string `json:"window_day"`
	WindowMonth      string `json:"window_month"`
	DailySpent       int64  `json:"daily_spent"`
	MonthlySpent     int64  `json:"monthly_spent"`
	DailyReserved    int64  `json:"daily_reserved"`
	MonthlyReserved  int64  `json:"monthly_reserved"`
	DailyRemaining   *int64 `json:"daily_remaining,omitempty"`
	MonthlyRemaining *int64 `json:"monthly_remaining,omitempty"`
	OpenReservations int    `json:"open_reservations"`
}

var (
	// ErrReservationNotFound 表示预扣记录不存在或已结算。
	ErrReservationNotFound = xerrors.New(xerrors.CodeNotFound, "reservation not found")
	// ErrRecordNotFound 由 Store 在身份尚无台账时返回。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "spending record not found")
)

func init() {
	xerrors.Register(xerrors.CodeSpendingLimit, xerrors.Attributes{
		Message:    "spending limit exceeded",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 403,
	})
}

// limitExceeded 构造携带剩余额度的超限错误。
func limitExceeded(dimension string, limit, remaining int64) *xerrors.Error {
	return xerrors.New(xerrors.CodeSpendingLimit, dimension+" spending limit exceeded",
		xerrors.WithMetadata("dimension", dimension),
		xerrors.WithMetadata("limit", strconv.FormatInt(limit, 10)),
		xerrors.WithMetadata("remaining", strconv.FormatInt(remaining, 10)),
	)
}

func clonePtr(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

// Int64 返回指向 v 的指针，便于构造 Limits。
func Int64(v int64) *int64 {
	return &v
}

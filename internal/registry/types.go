package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentPay/internal/errors"
)

// HealthStatus 表示服务的健康状态。
type HealthStatus string

const (
	HealthUnknown  HealthStatus = "unknown"
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// IsValidHealth 检查健康状态是否为支持的枚举值。
func IsValidHealth(status HealthStatus) bool {
	switch status {
	case HealthUnknown, HealthHealthy, HealthDegraded, HealthDown:
		return true
	default:
		return false
	}
}

// Price 描述服务单次调用的价格及结算方式。
type Price struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
	Network  string          `json:"network"`
	Asset    string          `json:"asset"`
	Decimals int32           `json:"decimals"`
}

// BaseUnits 将十进制价格换算为链上最小单位。
func (p Price) BaseUnits() (int64, error) {
	scaled := p.Amount.Shift(p.Decimals)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("价格 %s 在 %d 位精度下不是整数", p.Amount, p.Decimals)
	}
	value := scaled.BigInt()
	if !value.IsInt64() {
		return 0, fmt.Errorf("价格 %s 超出范围", p.Amount)
	}
	return value.Int64(), nil
}

// Reputation 汇总服务的评分与履约统计。
type Reputation struct {
	Rating      float64 `json:"rating"`
	ReviewCount int64   `json:"review_count"`
	JobCount    int64   `json:"job_count"`
	SuccessRate float64 `json:"success_rate"`
}

// ServiceDescriptor 描述一个可被发现和购买的服务。
type ServiceDescriptor struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Endpoint      string          `json:"endpoint"`
	Capabilities  []string        `json:"capabilities"`
	Price         Price           `json:"price"`
	PayoutAddress string          `json:"payout_address"`
	Reputation    Reputation      `json:"reputation"`
	Health        HealthStatus    `json:"health"`
	InputSchema   json.RawMessage `json:"input_schema,omitempty"`
	Deleted       bool            `json:"deleted"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Seq           int64           `json:"-"`
}

// Clone 返回描述符的深拷贝。
func (d *ServiceDescriptor) Clone() *ServiceDescriptor {
	if d == nil {
		return nil
	}
	clone := *d
	clone.Capabilities = append([]string(nil), d.Capabilities...)
	if d.InputSchema != nil {
		clone.InputSchema = append(json.RawMessage(nil), d.InputSchema...)
	}
	return &clone
}

// HasAnyCapability 判断服务是否至少具备一个给定能力标签。
func (d *ServiceDescriptor) HasAnyCapability(tags []string) bool {
	for _, want := range tags {
		want = normalizeTag(want)
		for _, have := range d.Capabilities {
			if have == want {
				return true
			}
		}
	}
	return false
}

// SortKey 指定搜索结果的排序方式。
// 不做汇率换算：按价格排序时先按币种分组，组内按金额升序。
type SortKey string

const (
	SortByPrice      SortKey = "price"
	SortByRating     SortKey = "rating"
	SortByPopularity SortKey = "popularity"
)

// Filter 描述服务搜索条件。能力标签为任一匹配语义。
type Filter struct {
	Capabilities []string         `json:"capabilities"`
	MaxPrice     *decimal.Decimal `json:"max_price,omitempty"`
	MinRating    float64          `json:"min_rating"`
	Network      string           `json:"network,omitempty"`
	Currency     string           `json:"currency,omitempty"`
	SortBy       SortKey          `json:"sort_by,omitempty"`
	Limit        int              `json:"limit,omitempty"`
}

// Validate 检查过滤条件。
func (f Filter) Validate() error {
	switch f.SortBy {
	case "", SortByPrice, SortByRating, SortByPopularity:
	default:
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("不支持的排序方式: %s", f.SortBy))
	}
	if f.MinRating < 0 || f.MinRating > 5 {
		return xerrors.New(xerrors.CodeValidation, "min_rating 必须位于 0 到 5 之间")
	}
	if f.MaxPrice != nil && f.MaxPrice.IsNegative() {
		return xerrors.New(xerrors.CodeValidation, "max_price 不能为负数")
	}
	if f.Limit < 0 {
		return xerrors.New(xerrors.CodeValidation, "limit 不能为负数")
	}
	return nil
}

var (
	// ErrServiceNotFound 表示服务不存在或已注销。
	ErrServiceNotFound = xerrors.New(xerrors.CodeNotFound, "service not found")
	// ErrServiceConflict 表示服务 ID 已被占用。
	ErrServiceConflict = xerrors.New(xerrors.CodeConflict, "service already registered")
)

func normalizeTag(tag string) string {
	return strings.ToLower(strings.TrimSpace(tag))
}

package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "AgentPay/internal/errors"
	"AgentPay/internal/schema"
	"AgentPay/pkg/logger"
)

// Service 维护服务描述符的内存索引，并保证所有写操作先落库再更新索引。
type Service struct {
	store     Store
	validator *schema.Validator
	now       func() time.Time
	newID     func() string

	// writeMu 串行化所有写操作，使落库与索引更新保持同一顺序。
	writeMu sync.Mutex

	mu    sync.RWMutex
	index map[string]*ServiceDescriptor
	seq   int64
}

// Option 用于定制 Service。
type Option func(*Service)

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换服务 ID 生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newID = gen
		}
	}
}

// WithSchemaValidator 共享输入 schema 的编译缓存。
func WithSchemaValidator(v *schema.Validator) Option {
	return func(s *Service) {
		if v != nil {
			s.validator = v
		}
	}
}

// NewService 创建注册中心。
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	s := &Service{
		store:     store,
		validator: schema.NewValidator(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
		index:     make(map[string]*ServiceDescriptor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load 从持久化存储预热内存索引。
func (s *Service) Load(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	services, err := s.store.ListServices(ctx)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载服务列表失败")
	}

	index := make(map[string]*ServiceDescriptor, len(services))
	var maxSeq int64
	for _, descriptor := range services {
		index[descriptor.ID] = descriptor.Clone()
		if descriptor.Seq > maxSeq {
			maxSeq = descriptor.Seq
		}
	}

	s.mu.Lock()
	s.index = index
	s.seq = maxSeq
	s.mu.Unlock()

	logger.L().Info("服务注册表已加载", slog.Int("services", len(index)))
	return nil
}

// Register 校验并登记新服务，返回服务 ID。
func (s *Service) Register(ctx context.Context, descriptor ServiceDescriptor) (string, error) {
	candidate := descriptor.Clone()
	if err := s.normalize(candidate); err != nil {
		return "", err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if candidate.ID == "" {
		candidate.ID = s.newID()
	}
	s.mu.RLock()
	_, exists := s.index[candidate.ID]
	nextSeq := s.seq + 1
	s.mu.RUnlock()
	if exists {
		return "", ErrServiceConflict
	}

	now := s.now()
	candidate.Seq = nextSeq
	candidate.CreatedAt = now
	candidate.UpdatedAt = now
	candidate.Deleted = false
	candidate.Reputation = Reputation{}
	if candidate.Health == "" {
		candidate.Health = HealthUnknown
	}

	if err := s.store.SaveService(ctx, candidate); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存服务失败")
	}

	s.mu.Lock()
	s.index[candidate.ID] = candidate
	s.seq = nextSeq
	s.mu.Unlock()

	logger.L().Info("服务已注册",
		slog.String("service_id", candidate.ID),
		slog.String("name", candidate.Name),
		slog.Any("capabilities", candidate.Capabilities),
	)
	return candidate.ID, nil
}

// Get 返回未注销的服务描述符。
func (s *Service) Get(_ context.Context, id string) (*ServiceDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	descriptor, ok := s.index[id]
	if !ok || descriptor.Deleted {
		return nil, ErrServiceNotFound
	}
	return descriptor.Clone(), nil
}

// Search 按过滤条件返回排序后的服务列表。
func (s *Service) Search(_ context.Context, filter Filter) ([]*ServiceDescriptor, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	matches := make([]*ServiceDescriptor, 0, len(s.index))
	for _, descriptor := range s.index {
		if matchesFilter(descriptor, filter) {
			matches = append(matches, descriptor.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Seq < matches[j].Seq })
	sort.SliceStable(matches, lessFor(filter.SortBy, matches))

	if filter.Limit > 0 && len(matches) > filter.Limit {
		matches = matches[:filter.Limit]
	}
	return matches, nil
}

// UpdateReputation 以算术平均方式合并一次新评分，结果四舍五入到一位小数。
func (s *Service) UpdateReputation(ctx context.Context, id string, score int) (*ServiceDescriptor, error) {
	if score < 1 || score > 5 {
		return nil, xerrors.New(xerrors.CodeValidation, "评分必须位于 1 到 5 之间")
	}
	updated, err := s.mutate(ctx, id, true, func(d *ServiceDescriptor) error {
		d.Reputation.Rating = NextRating(d.Reputation.Rating, d.Reputation.ReviewCount, score)
		d.Reputation.ReviewCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.Audit().Info("服务评分已更新",
		slog.String("service_id", id),
		slog.Int("score", score),
		slog.Float64("rating", updated.Reputation.Rating),
		slog.Int64("reviews", updated.Reputation.ReviewCount),
	)
	return updated, nil
}

// RecordJob 记录一次履约结果，更新调用次数与成功率。
func (s *Service) RecordJob(ctx context.Context, id string, success bool) error {
	_, err := s.mutate(ctx, id, true, func(d *ServiceDescriptor) error {
		outcome := decimal.Zero
		if success {
			outcome = decimal.NewFromInt(1)
		}
		n := decimal.NewFromInt(d.Reputation.JobCount)
		rate := decimal.NewFromFloat(d.Reputation.SuccessRate).
			Mul(n).
			Add(outcome).
			Div(n.Add(decimal.NewFromInt(1))).
			Round(4)
		d.Reputation.SuccessRate = rate.InexactFloat64()
		d.Reputation.JobCount++
		return nil
	})
	return err
}

// SetHealth 更新服务健康状态。
func (s *Service) SetHealth(ctx context.Context, id string, status HealthStatus) error {
	if !IsValidHealth(status) {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("不支持的健康状态: %s", status))
	}
	_, err := s.mutate(ctx, id, false, func(d *ServiceDescriptor) error {
		d.Health = status
		return nil
	})
	return err
}

// Deregister 软删除服务，描述符保留用于审计。
func (s *Service) Deregister(ctx context.Context, id string) error {
	_, err := s.mutate(ctx, id, false, func(d *ServiceDescriptor) error {
		d.Deleted = true
		return nil
	})
	if err != nil {
		return err
	}
	logger.Audit().Info("服务已注销", slog.String("service_id", id))
	return nil
}

// mutate 在写锁下复制描述符、应用修改、先落库再替换索引条目。
func (s *Service) mutate(ctx context.Context, id string, includeDeleted bool, apply func(*ServiceDescriptor) error) (*ServiceDescriptor, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	current, ok := s.index[id]
	s.mu.RUnlock()
	if !ok || (current.Deleted && !includeDeleted) {
		return nil, ErrServiceNotFound
	}

	next := current.Clone()
	if err := apply(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()

	if err := s.store.SaveService(ctx, next); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存服务失败")
	}

	s.mu.Lock()
	s.index[id] = next
	s.mu.Unlock()
	return next.Clone(), nil
}

func (s *Service) normalize(d *ServiceDescriptor) error {
	d.Name = strings.TrimSpace(d.Name)
	if d.Name == "" {
		return xerrors.New(xerrors.CodeValidation, "服务名称不能为空")
	}
	endpoint, err := url.Parse(strings.TrimSpace(d.Endpoint))
	if err != nil || (endpoint.Scheme != "http" && endpoint.Scheme != "https") || endpoint.Host == "" {
		return xerrors.New(xerrors.CodeValidation, "服务地址必须是合法的 http(s) URL")
	}
	d.Endpoint = endpoint.String()

	seen := make(map[string]struct{}, len(d.Capabilities))
	tags := make([]string, 0, len(d.Capabilities))
	for _, tag := range d.Capabilities {
		tag = normalizeTag(tag)
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	if len(tags) == 0 {
		return xerrors.New(xerrors.CodeValidation, "至少需要一个能力标签")
	}
	d.Capabilities = tags

	if !d.Price.Amount.IsPositive() {
		return xerrors.New(xerrors.CodeValidation, "价格必须大于 0")
	}
	if d.Price.Decimals < 0 || d.Price.Decimals > 36 {
		return xerrors.New(xerrors.CodeValidation, "价格精度必须位于 0 到 36 之间")
	}
	d.Price.Currency = strings.ToUpper(strings.TrimSpace(d.Price.Currency))
	d.Price.Network = strings.TrimSpace(d.Price.Network)
	d.Price.Asset = strings.TrimSpace(d.Price.Asset)
	if d.Price.Currency == "" || d.Price.Network == "" || d.Price.Asset == "" {
		return xerrors.New(xerrors.CodeValidation, "价格必须包含币种、结算网络与资产")
	}
	if _, err := d.Price.BaseUnits(); err != nil {
		return xerrors.Wrap(xerrors.CodeValidation, err, "价格无法换算为最小单位")
	}

	d.PayoutAddress = strings.TrimSpace(d.PayoutAddress)
	if d.PayoutAddress == "" {
		return xerrors.New(xerrors.CodeValidation, "收款地址不能为空")
	}

	if d.Health != "" && !IsValidHealth(d.Health) {
		return xerrors.New(xerrors.CodeValidation, fmt.Sprintf("不支持的健康状态: %s", d.Health))
	}

	if len(d.InputSchema) > 0 {
		if _, err := s.validator.Compile(d.InputSchema); err != nil {
			return xerrors.Wrap(xerrors.CodeValidation, err, "输入 schema 无效")
		}
	}
	return nil
}

// NextRating 计算合并一次新评分后的平均分，按远离零的方式四舍五入到一位小数。
func NextRating(rating float64, reviews int64, score int) float64 {
	n := decimal.NewFromInt(reviews)
	next := decimal.NewFromFloat(rating).
		Mul(n).
		Add(decimal.NewFromInt(int64(score))).
		Div(n.Add(decimal.NewFromInt(1))).
		Round(1)
	return next.InexactFloat64()
}

func matchesFilter(d *ServiceDescriptor, filter Filter) bool {
	if d.Deleted || d.Health == HealthDown {
		return false
	}
	if len(filter.Capabilities) > 0 && !d.HasAnyCapability(filter.Capabilities) {
		return false
	}
	if filter.MaxPrice != nil && d.Price.Amount.GreaterThan(*filter.MaxPrice) {
		return false
	}
	if d.Reputation.Rating < filter.MinRating {
		return false
	}
	if filter.Network != "" && !strings.EqualFold(d.Price.Network, filter.Network) {
		return false
	}
	if filter.Currency != "" && !strings.EqualFold(d.Price.Currency, filter.Currency) {
		return false
	}
	return true
}

func lessFor(key SortKey, items []*ServiceDescriptor) func(i, j int) bool {
	switch key {
	case SortByRating:
		return func(i, j int) bool { return items[i].Reputation.Rating > items[j].Reputation.Rating }
	case SortByPopularity:
		return func(i, j int) bool { return items[i].Reputation.JobCount > items[j].Reputation.JobCount }
	default:
		return func(i, j int) bool { return cheaper(items[i].Price, items[j].Price) }
	}
}

// cheaper 只在同一币种内比较金额，不同币种按币种代码分组。币种在注册时已统一为大写。
func cheaper(a, b Price) bool {
	if a.Currency != b.Currency {
		return a.Currency < b.Currency
	}
	return a.Amount.LessThan(b.Amount)
}

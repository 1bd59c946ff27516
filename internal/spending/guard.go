package spending

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "AgentPay/internal/errors"
	"AgentPay/pkg/logger"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// Guard 对每个身份的累计消费执行额度控制。
// 同一身份的检查与预扣在身份锁内完成，台账先落库再替换缓存。
type Guard struct {
	store    Store
	defaults Limits
	now      func() time.Time
	newID    func() string

	locks keyedMutex

	mu    sync.RWMutex
	cache map[string]*Record
}

// Option 用于定制 Guard。
type Option func(*Guard)

// WithDefaultLimits 设置新身份的初始上限。
func WithDefaultLimits(limits Limits) Option {
	return func(g *Guard) {
		g.defaults = limits.clone()
	}
}

// WithClock 替换时间来源。窗口边界始终按 UTC 计算。
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard 创建额度守卫。
func NewGuard(store Store, opts ...Option) *Guard {
	if store == nil {
		store = NewMemoryStore()
	}
	g := &Guard{
		store: store,
		now:   time.Now,
		newID: uuid.NewString,
		cache: make(map[string]*Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// CheckAndReserve 原子地检查剩余额度并预扣 amount。
func (g *Guard) CheckAndReserve(ctx context.Context, identity string, amount int64) (Reservation, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Reservation{}, xerrors.New(xerrors.CodeValidation, "身份不能为空")
	}
	if amount <= 0 {
		return Reservation{}, xerrors.New(xerrors.CodeValidation, "预扣金额必须大于 0")
	}

	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return Reservation{}, err
	}
	if err := admit(record, amount, 0, 0); err != nil {
		logger.L().Info("消费额度不足",
			slog.String("identity", identity),
			slog.Int64("amount", amount),
			slog.Any("detail", xerrors.MetadataOf(err)),
		)
		return Reservation{}, err
	}

	reservation := Reservation{
		ID:        g.newID(),
		Identity:  identity,
		Amount:    amount,
		Day:       record.WindowDay,
		Month:     record.WindowMonth,
		CreatedAt: g.now().UTC(),
	}
	record.Reservations[reservation.ID] = reservation
	if err := g.save(ctx, record); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// Commit 将预扣转为实际消费，只计入预扣发生时的窗口。
func (g *Guard) Commit(ctx context.Context, identity, reservationID string) error {
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return err
	}
	reservation, ok := record.Reservations[reservationID]
	if !ok {
		return ErrReservationNotFound
	}
	delete(record.Reservations, reservationID)
	if reservation.Day == record.WindowDay {
		record.DailySpent += reservation.Amount
	}
	if reservation.Month == record.WindowMonth {
		record.MonthlySpent += reservation.Amount
	}
	return g.save(ctx, record)
}

// Release 归还预扣额度。
func (g *Guard) Release(ctx context.Context, identity, reservationID string) error {
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return err
	}
	if _, ok := record.Reservations[reservationID]; !ok {
		return ErrReservationNotFound
	}
	delete(record.Reservations, reservationID)
	return g.save(ctx, record)
}

// Adjust 将预扣金额改为 amount，并按当前窗口重新校验。校验失败时原预扣保持不变。
func (g *Guard) Adjust(ctx context.Context, identity, reservationID string, amount int64) (Reservation, error) {
	if amount <= 0 {
		return Reservation{}, xerrors.New(xerrors.CodeValidation, "预扣金额必须大于 0")
	}
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return Reservation{}, err
	}
	reservation, ok := record.Reservations[reservationID]
	if !ok {
		return Reservation{}, ErrReservationNotFound
	}

	var excludeDaily, excludeMonthly int64
	if reservation.Day == record.WindowDay {
		excludeDaily = reservation.Amount
	}
	if reservation.Month == record.WindowMonth {
		excludeMonthly = reservation.Amount
	}
	if err := admit(record, amount, excludeDaily, excludeMonthly); err != nil {
		return Reservation{}, err
	}

	reservation.Amount = amount
	reservation.Day = record.WindowDay
	reservation.Month = record.WindowMonth
	record.Reservations[reservationID] = reservation
	if err := g.save(ctx, record); err != nil {
		return Reservation{}, err
	}
	return reservation, nil
}

// ReleaseStale 归还创建时间早于 olderThan 且不属于存活会话的预扣，返回归还数量。
// 会话只保存在进程内存中，进程重启后遗留的预扣由此回收。live 为 nil 时视为没有存活会话。
func (g *Guard) ReleaseStale(ctx context.Context, olderThan time.Duration, live func(reservationID string) bool) (int, error) {
	identities, err := g.store.OpenIdentities(ctx)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询未结预扣失败")
	}
	cutoff := g.now().UTC().Add(-olderThan)
	released := 0
	for _, identity := range identities {
		n, err := g.releaseStale(ctx, identity, cutoff, live)
		if err != nil {
			return released, err
		}
		released += n
	}
	return released, nil
}

func (g *Guard) releaseStale(ctx context.Context, identity string, cutoff time.Time, live func(string) bool) (int, error) {
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return 0, err
	}
	var stale []Reservation
	for id, res := range record.Reservations {
		if !res.CreatedAt.Before(cutoff) || (live != nil && live(id)) {
			continue
		}
		stale = append(stale, res)
		delete(record.Reservations, id)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := g.save(ctx, record); err != nil {
		return 0, err
	}
	for _, res := range stale {
		logger.Audit().Info("遗留预扣已归还",
			slog.String("identity", identity),
			slog.String("reservation_id", res.ID),
			slog.Int64("amount", res.Amount),
			slog.Time("created_at", res.CreatedAt),
		)
	}
	return len(stale), nil
}

// Sweep 按 interval 周期调用 ReleaseStale，直到 ctx 取消。
func (g *Guard) Sweep(ctx context.Context, interval, olderThan time.Duration, live func(reservationID string) bool) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := g.ReleaseStale(ctx, olderThan, live)
			if err != nil {
				logger.L().Warn("回收遗留预扣失败", slog.Any("error", err))
				continue
			}
			if n > 0 {
				logger.L().Info("已回收遗留预扣", slog.Int("count", n))
			}
		}
	}
}

// Status 返回身份在当前窗口的消费与剩余额度。
func (g *Guard) Status(ctx context.Context, identity string) (Status, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Status{}, xerrors.New(xerrors.CodeValidation, "身份不能为空")
	}
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return Status{}, err
	}
	return statusOf(record), nil
}

// SetLimits 替换身份的消费上限。已发生的消费不受影响。
func (g *Guard) SetLimits(ctx context.Context, identity string, limits Limits) (Status, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return Status{}, xerrors.New(xerrors.CodeValidation, "身份不能为空")
	}
	if err := limits.Validate(); err != nil {
		return Status{}, err
	}
	unlock := g.locks.Lock(identity)
	defer unlock()

	record, err := g.load(ctx, identity)
	if err != nil {
		return Status{}, err
	}
	record.Limits = limits.clone()
	if err := g.save(ctx, record); err != nil {
		return Status{}, err
	}
	logger.Audit().Info("消费上限已更新",
		slog.String("identity", identity),
		slog.Any("limits", limits),
	)
	return statusOf(record), nil
}

// load 返回身份台账的可修改副本，并按当前时间滚动窗口。调用方需持有身份锁。
func (g *Guard) load(ctx context.Context, identity string) (*Record, error) {
	g.mu.RLock()
	cached, ok := g.cache[identity]
	g.mu.RUnlock()

	var record *Record
	if ok {
		record = cached.clone()
	} else {
		stored, err := g.store.LoadRecord(ctx, identity)
		switch {
		case err == nil:
			record = stored
		case errors.Is(err, ErrRecordNotFound):
			record = &Record{Identity: identity, Limits: g.defaults.clone()}
		default:
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载消费台账失败")
		}
		if record.Reservations == nil {
			record.Reservations = make(map[string]Reservation)
		}
	}

	now := g.now().UTC()
	if day := now.Format(dayLayout); record.WindowDay != day {
		record.WindowDay = day
		record.DailySpent = 0
	}
	if month := now.Format(monthLayout); record.WindowMonth != month {
		record.WindowMonth = month
		record.MonthlySpent = 0
	}
	return record, nil
}

func (g *Guard) save(ctx context.Context, record *Record) error {
	record.UpdatedAt = g.now().UTC()
	if err := g.store.SaveRecord(ctx, record); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存消费台账失败")
	}
	g.mu.Lock()
	g.cache[record.Identity] = record.clone()
	g.mu.Unlock()
	return nil
}

// admit 判断在排除给定预扣后能否再占用 amount。
func admit(record *Record, amount, excludeDaily, excludeMonthly int64) error {
	limits := record.Limits
	if limits.PerTransaction != nil && amount > *limits.PerTransaction {
		return limitExceeded("per_transaction", *limits.PerTransaction, *limits.PerTransaction)
	}
	reservedDaily, reservedMonthly := record.reserved()
	if limits.Daily != nil {
		available := *limits.Daily - record.DailySpent - (reservedDaily - excludeDaily)
		if amount > available {
			return limitExceeded("daily", *limits.Daily, max(available, 0))
		}
	}
	if limits.Monthly != nil {
		available := *limits.Monthly - record.MonthlySpent - (reservedMonthly - excludeMonthly)
		if amount > available {
			return limitExceeded("monthly", *limits.Monthly, max(available, 0))
		}
	}
	return nil
}

func statusOf(record *Record) Status {
	reservedDaily, reservedMonthly := record.reserved()
	status := Status{
		Identity:         record.Identity,
		Limits:           record.Limits.clone(),
		WindowDay:        record.WindowDay,
		WindowMonth:      record.WindowMonth,
		DailySpent:       record.DailySpent,
		MonthlySpent:     record.MonthlySpent,
		DailyReserved:    reservedDaily,
		MonthlyReserved:  reservedMonthly,
		OpenReservations: len(record.Reservations),
	}
	if record.Limits.Daily != nil {
		status.DailyRemaining = Int64(max(*record.Limits.Daily-record.DailySpent-reservedDaily, 0))
	}
	if record.Limits.Monthly != nil {
		status.MonthlyRemaining = Int64(max(*record.Limits.Monthly-record.MonthlySpent-reservedMonthly, 0))
	}
	return status
}

// keyedMutex 为每个键提供独立的互斥锁，无人持有时回收。
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

// Lock 获取 key 对应的锁并返回释放函数。
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refLock)
	}
	lock, ok := k.locks[key]
	if !ok {
		lock = &refLock{}
		k.locks[key] = lock
	}
	lock.refs++
	k.mu.Unlock()

	lock.Lock()
	return func() {
		lock.Unlock()
		k.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

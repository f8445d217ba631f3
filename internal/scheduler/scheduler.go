package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"grid-engine-go/internal/engine"
	"grid-engine-go/internal/models"
	"grid-engine-go/internal/persistence"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrStopped    = errors.New("scheduler stopped")
	ErrNotStarted = errors.New("scheduler not started")
)

// EventType defines the type of a dispatched event
type EventType int

const (
	TickEvent EventType = iota
	PriceEvent
	CommandEvent
)

func (t EventType) String() string {
	switch t {
	case TickEvent:
		return "tick"
	case PriceEvent:
		return "price"
	case CommandEvent:
		return "command"
	default:
		return "unknown"
	}
}

// Driver 是调度器驱动的引擎, 只在事件循环中被调用
type Driver interface {
	Tick(ctx context.Context) (engine.TickResult, error)
	OnPrice(ctx context.Context, price decimal.Decimal) (engine.TickResult, error)
	Snapshot() models.EngineSnapshot
	Status() engine.Status
}

// Command 是在事件循环中串行执行的操作员命令
type Command func(ctx context.Context) (interface{}, error)

type commandResult struct {
	value interface{}
	err   error
}

// Event is the internal representation of a dispatched event
type Event struct {
	Type      EventType
	Timestamp time.Time
	Price     decimal.Decimal
	command   Command
	reply     chan commandResult
}

// Stats 事件处理计数
type Stats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Saved     int64 `json:"saved"`
	SaveFails int64 `json:"save_fails"`
}

// Scheduler 拥有唯一会修改引擎状态的 goroutine。
// 定时周期、行情推送和操作员命令都经由缓冲通道串行处理, 快照在单独的持久化循环中异步保存。
type Scheduler struct {
	driver         Driver
	repo           persistence.StateRepository
	logger         *zap.Logger
	interval       time.Duration
	statusInterval time.Duration

	eventChannel    chan Event
	persistenceChan chan *models.EngineSnapshot
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	started         atomic.Bool

	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	saved     atomic.Int64
	saveFails atomic.Int64
}

type Option func(*Scheduler)

// WithBuffer 设置事件通道容量
func WithBuffer(n int) Option {
	return func(s *Scheduler) { s.eventChannel = make(chan Event, n) }
}

// WithStatusInterval 设置状态日志间隔, 0 表示不输出
func WithStatusInterval(d time.Duration) Option { return func(s *Scheduler) { s.statusInterval = d } }

// New 创建调度器; repo 可以为 nil, 此时不做持久化。interval 为 0 时不启动定时周期。
func New(driver Driver, repo persistence.StateRepository, interval time.Duration, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		driver:          driver,
		repo:            repo,
		logger:          logger.Named("scheduler"),
		interval:        interval,
		eventChannel:    make(chan Event, 1024),
		persistenceChan: make(chan *models.EngineSnapshot, 1),
		stopChan:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the event, persistence, tick and status loops.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(2)
	go s.eventLoop(ctx)
	go s.persistenceLoop()
	if s.interval > 0 {
		s.wg.Add(1)
		go s.tickLoop()
	}
	if s.statusInterval > 0 {
		s.wg.Add(1)
		go s.statusLoop()
	}
	s.logger.Info("scheduler started", zap.Duration("interval", s.interval))
}

// Stop 停止所有循环并同步保存最后一份快照
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		if s.started.Load() {
			snapshot := s.driver.Snapshot()
			s.save(&snapshot)
		}
		s.logger.Info("scheduler stopped",
			zap.Int64("processed", s.processed.Load()), zap.Int64("failed", s.failed.Load()),
			zap.Int64("dropped", s.dropped.Load()))
	})
}

// DispatchPrice 投递一条行情; 通道已满时丢弃并返回 false, 下一条行情会带来更新的价格
func (s *Scheduler) DispatchPrice(price decimal.Decimal, ts time.Time) bool {
	return s.dispatch(Event{Type: PriceEvent, Timestamp: ts, Price: price})
}

// DispatchTick 投递一次定时周期
func (s *Scheduler) DispatchTick() bool {
	return s.dispatch(Event{Type: TickEvent, Timestamp: time.Now()})
}

func (s *Scheduler) dispatch(ev Event) bool {
	select {
	case <-s.stopChan:
		return false
	default:
	}
	select {
	case s.eventChannel <- ev:
		return true
	default:
		s.dropped.Add(1)
		s.logger.Warn("event channel full, event dropped", zap.Stringer("type", ev.Type))
		return false
	}
}

// Do 把命令放入事件循环执行并等待结果
func (s *Scheduler) Do(ctx context.Context, cmd Command) (interface{}, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	reply := make(chan commandResult, 1)
	ev := Event{Type: CommandEvent, Timestamp: time.Now(), command: cmd, reply: reply}

	select {
	case s.eventChannel <- ev:
	case <-s.stopChan:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-reply:
		return r.value, r.err
	case <-s.stopChan:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// eventLoop is the core processing loop that handles all incoming events serially.
func (s *Scheduler) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case ev := <-s.eventChannel:
			s.processEvent(ctx, ev)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) processEvent(ctx context.Context, ev Event) {
	var (
		err   error
		value interface{}
	)
	switch ev.Type {
	case TickEvent:
		_, err = s.driver.Tick(ctx)
	case PriceEvent:
		_, err = s.driver.OnPrice(ctx, ev.Price)
	case CommandEvent:
		value, err = ev.command(ctx)
	}

	s.processed.Add(1)
	if err != nil {
		s.failed.Add(1)
		s.logger.Warn("event failed", zap.Stringer("type", ev.Type), zap.Error(err))
	}
	if ev.reply != nil {
		ev.reply <- commandResult{value: value, err: err}
	}

	snapshot := s.driver.Snapshot()
	s.queueSnapshot(&snapshot)
}

// queueSnapshot 只保留最新一份待保存快照, 仅由事件循环调用
func (s *Scheduler) queueSnapshot(snapshot *models.EngineSnapshot) {
	if s.repo == nil {
		return
	}
	select {
	case s.persistenceChan <- snapshot:
		return
	default:
	}
	select {
	case <-s.persistenceChan:
	default:
	}
	s.persistenceChan <- snapshot
}

// persistenceLoop handles the asynchronous saving of snapshots.
func (s *Scheduler) persistenceLoop() {
	defer s.wg.Done()
	for {
		select {
		case snapshot := <-s.persistenceChan:
			s.save(snapshot)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Scheduler) save(snapshot *models.EngineSnapshot) {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveSnapshot(snapshot); err != nil {
		s.saveFails.Add(1)
		s.logger.Error("failed to save snapshot", zap.Error(err))
		return
	}
	s.saved.Add(1)
}

func (s *Scheduler) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.DispatchTick()
		case <-s.stopChan:
			return
		}
	}
}

// statusLoop 定期输出引擎状态
func (s *Scheduler) statusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			st := s.driver.Status()
			s.logger.Info("status",
				zap.String("price", st.LastPrice.String()),
				zap.Stringer("risk", st.Risk.Level),
				zap.Int("activeOrders", st.Ledger.ActiveOrders),
				zap.Int("openPositions", st.Positions.OpenPositions),
				zap.String("realizedPnL", st.Positions.RealizedPnL.StringFixed(4)),
				zap.String("unrealizedPnL", st.Positions.UnrealizedPnL.StringFixed(4)),
				zap.Int("cyclesClosed", st.Cycles.Closed),
				zap.Float64("errorRate", st.ErrorRatePercent))
		case <-s.stopChan:
			return
		}
	}
}

// Stats 返回事件处理计数
func (s *Scheduler) Stats() Stats {
	return Stats{
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Dropped:   s.dropped.Load(),
		Saved:     s.saved.Load(),
		SaveFails: s.saveFails.Load(),
	}
}

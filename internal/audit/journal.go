package audit

/*
Файл journal.go реализует журнал верификации — асинхронную запись событий
(ответы на челленджи, итоги сессий, смены тиров, спот-чеки, отзывы) в durable store.

- Non-blocking: Record никогда не ждет БД, переполнение буфера — сброс события с логом.
- Batching: накопление и пакетная запись по таймеру или при достижении лимита пачки.
- Drain: Stop закрывает канал, воркер вычитывает остаток и делает финальный flush.
- Ошибки записи логируются и проглатываются: состояние в памяти уже изменено.
*/

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Storage - куда физически пишутся события
type Storage interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []Event) error
}

// Recorder - то, что нужно остальным компонентам от журнала
type Recorder interface {
	Record(event Event)
}

// Options - размеры буфера и пачки
type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

func DefaultOptions() Options {
	return Options{BufferSize: 10000, BatchSize: 100, FlushInterval: 500 * time.Millisecond}
}

type Journal struct {
	ch     chan Event
	repo   Storage
	opts   Options
	logger *zap.Logger
	wg     sync.WaitGroup

	closed   atomic.Bool
	dropped  atomic.Int64
	stopOnce sync.Once
}

func NewJournal(repo Storage, opts Options, logger *zap.Logger) *Journal {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultOptions().BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}
	return &Journal{
		ch:     make(chan Event, opts.BufferSize),
		repo:   repo,
		opts:   opts,
		logger: logger.With(zap.String("mod", "journal")),
	}
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop запирает вход и ждет, пока воркер все допишет.
func (j *Journal) Stop() {
	j.stopOnce.Do(func() {
		j.closed.Store(true)
		// Даем текущим Record проскочить
		time.Sleep(10 * time.Millisecond)

		j.logger.Info("stopping journal: closing channel and flushing buffer...")
		close(j.ch)
		j.wg.Wait()
		j.logger.Info("journal stopped gracefully", zap.Int64("dropped", j.dropped.Load()))
	})
}

// Len - текущая заполненность буфера
func (j *Journal) Len() int {
	return len(j.ch)
}

func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

func (j *Journal) Record(event Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	if j.closed.Load() {
		j.dropped.Add(1)
		j.logger.Warn("journal event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: медленная БД не должна тормозить диспетчер
	select {
	case j.ch <- event:
	default:
		j.dropped.Add(1)
		j.logger.Error("journal_buffer_overflow",
			zap.String("agent_id", event.AgentID),
			zap.String("kind", string(event.Kind)),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]Event, 0, j.opts.BatchSize)
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст на остановке может быть уже закрыт
		if err := j.repo.WriteBatch(context.Background(), batch); err != nil {
			j.logger.Error("journal flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = make([]Event, 0, j.opts.BatchSize)
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				flush()
				j.logger.Info("journal worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= j.opts.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

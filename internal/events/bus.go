package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

const recentLimit = 200

type announced struct {
	status model.Status
	detail string
}

// Bus доставляет события от многих производителей одному потребителю,
// который раздаёт их подписчикам. Порядок событий одного участника сохраняется.
type Bus struct {
	ch      chan Event
	logger  *zap.Logger
	dropped atomic.Int64

	mu        sync.RWMutex
	subs      map[int]chan Event
	nextSub   int
	recent    []Event
	announced map[uuid.UUID]announced
}

// NewBus создаёт шину с буфером заданного размера.
func NewBus(size int, logger *zap.Logger) *Bus {
	if size <= 0 {
		size = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		ch:        make(chan Event, size),
		logger:    logger,
		subs:      make(map[int]chan Event),
		announced: make(map[uuid.UUID]announced),
	}
}

// Publish ставит событие в очередь и не блокирует отправителя.
// При переполнении событие отбрасывается.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	select {
	case b.ch <- e:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			b.logger.Warn("event bus is full, dropping events", zap.Int64("dropped", n))
		}
	}
}

// Dropped возвращает число отброшенных событий.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run раздаёт события до отмены контекста, затем досылает оставшиеся в буфере.
func (b *Bus) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-b.ch:
					b.dispatch(e)
				default:
					b.closeSubscribers()
					return
				}
			}
		case e := <-b.ch:
			b.dispatch(e)
		}
	}
}

// Subscribe регистрирует подписчика. Медленный подписчик теряет события, не задерживая остальных.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Recent возвращает последние события.
func (b *Bus) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}

// Forget удаляет сведения об объявленных состояниях участника.
func (b *Bus) Forget(id uuid.UUID) {
	b.mu.Lock()
	delete(b.announced, id)
	b.mu.Unlock()
}

func (b *Bus) dispatch(e Event) {
	b.mu.Lock()
	repeat := false
	if e.Type == MemberStateUpdated {
		cur := announced{status: e.Status, detail: e.Detail}
		repeat = b.announced[e.MemberID] == cur
		b.announced[e.MemberID] = cur
	}
	if e.Type != Countdown {
		b.recent = append(b.recent, e)
		if len(b.recent) > recentLimit {
			b.recent = b.recent[len(b.recent)-recentLimit:]
		}
	}
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()

	b.log(e, repeat)
}

func (b *Bus) closeSubscribers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *Bus) log(e Event, repeat bool) {
	switch e.Type {
	case Countdown, MemberProcessingStarted, MemberProcessingFinished:
		b.logger.Debug("event", zap.String("type", string(e.Type)), zap.Int("index", e.Index), zap.String("message", e.Message))
	case CycleProgress:
		b.logger.Info(e.Message)
	case MemberStateUpdated:
		if repeat {
			return
		}
		b.logger.Info("member state updated",
			zap.Stringer("member", e.MemberID),
			zap.Int("index", e.Index),
			zap.String("status", string(e.Status)),
			zap.String("detail", e.Detail),
		)
	case CertificateStatus:
		if e.Success {
			b.logger.Info("certificate downloaded", zap.Stringer("member", e.MemberID), zap.String("kind", string(e.Kind)), zap.String("path", e.Path))
		} else {
			b.logger.Warn("certificate download failed", zap.Stringer("member", e.MemberID), zap.String("kind", string(e.Kind)), zap.String("error", e.Error))
		}
	default:
		b.logger.Info("event", zap.String("type", string(e.Type)), zap.Stringer("member", e.MemberID), zap.String("message", e.Message))
	}
}

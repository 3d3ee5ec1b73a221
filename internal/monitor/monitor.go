// Package monitor реализует непрерывный обход участников с паузами между ними,
// интервалом между циклами и режимом ожидания при недоступности сайта.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/config"
	"github.com/mmeshcher/allocation-booker/internal/events"
	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/upstream"
)

// Owner задаёт имя владельца, под которым планировщик захватывает участников.
const Owner = "monitor"

var (
	// ErrAlreadyRunning возвращается при повторном запуске.
	ErrAlreadyRunning = errors.New("monitoring is already running")
	// ErrSkipped возвращается проверяющим, если участник занят или удалён.
	ErrSkipped = errors.New("member skipped")
)

// Checker предоставляет список участников и проверяет одного участника под владением.
type Checker interface {
	Members() []*model.Member
	CheckScheduled(ctx context.Context, id uuid.UUID) error
}

// Prober проверяет доступность сайта.
type Prober interface {
	ProbeSite(ctx context.Context) error
}

// State описывает состояние планировщика для отображения.
type State struct {
	Running   bool      `json:"running"`
	Cycle     int       `json:"cycle"`
	Outage    bool      `json:"outage"`
	NextCycle time.Time `json:"next_cycle,omitempty"`
}

// Monitor обходит участников по расписанию.
type Monitor struct {
	checker Checker
	prober  Prober
	pub     events.Publisher
	logger  *zap.Logger

	mu       sync.Mutex
	settings config.Settings
	cancel   context.CancelFunc
	done     chan struct{}
	state    State
}

// New создаёт остановленный планировщик.
func New(checker Checker, prober Prober, pub events.Publisher, settings config.Settings, logger *zap.Logger) *Monitor {
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		checker:  checker,
		prober:   prober,
		pub:      pub,
		logger:   logger,
		settings: settings,
	}
}

// Start запускает обход в отдельной горутине. Обход завершается при Stop или отмене ctx.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.state = State{Running: true}

	go func() {
		defer close(done)
		defer m.finish(done)
		m.run(ctx)
	}()

	m.logger.Info("monitoring started")
	return nil
}

// Stop останавливает обход и дожидается его завершения. Повторный вызов безопасен.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running сообщает, идёт ли обход.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done != nil
}

// State возвращает текущее состояние планировщика.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Settings возвращает действующие настройки.
func (m *Monitor) Settings() config.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// UpdateSettings применяет новые настройки начиная со следующей паузы.
func (m *Monitor) UpdateSettings(s config.Settings) {
	m.mu.Lock()
	m.settings = s
	m.mu.Unlock()
}

func (m *Monitor) finish(done chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.done == done {
		m.cancel()
		m.cancel = nil
		m.done = nil
		m.state.Running = false
		m.state.Outage = false
		m.state.NextCycle = time.Time{}
	}
	m.logger.Info("monitoring stopped")
}

func (m *Monitor) run(ctx context.Context) {
	networkFailures := 0

	for cycle := 1; ; cycle++ {
		m.mu.Lock()
		m.state.Cycle = cycle
		m.state.NextCycle = time.Time{}
		m.mu.Unlock()

		members := m.checker.Members()
		m.pub.Publish(events.Progress(fmt.Sprintf("cycle %d started: %d members", cycle, len(members))))

		for _, member := range members {
			if ctx.Err() != nil {
				return
			}
			if !member.Status.Monitorable() {
				continue
			}

			if networkFailures >= m.Settings().OutageThreshold {
				if !m.waitForSite(ctx) {
					return
				}
				networkFailures = 0
			}

			err := m.checker.CheckScheduled(ctx, member.ID)
			switch {
			case errors.Is(err, ErrSkipped):
				continue
			case ctx.Err() != nil:
				return
			case upstream.IsNetwork(err):
				networkFailures++
			default:
				networkFailures = 0
			}

			if !sleep(ctx, m.memberDelay()) {
				return
			}
		}

		m.pub.Publish(events.Progress(fmt.Sprintf("cycle %d complete", cycle)))
		if !m.countdown(ctx) {
			return
		}
	}
}

// waitForSite ждёт, пока сайт снова начнёт отвечать. Возвращает false при остановке.
func (m *Monitor) waitForSite(ctx context.Context) bool {
	m.setOutage(true)
	defer m.setOutage(false)

	m.logger.Warn("upstream site unreachable, entering outage mode")
	m.pub.Publish(events.Progress("site unreachable, waiting for it to come back"))

	for {
		if !sleep(ctx, m.Settings().OutageProbeInterval) {
			return false
		}
		err := m.prober.ProbeSite(ctx)
		if err == nil {
			m.logger.Info("upstream site reachable again, resuming monitoring")
			m.pub.Publish(events.Progress("site reachable again, resuming"))
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		m.logger.Debug("upstream site still unreachable", zap.Error(err))
		m.pub.Publish(events.Progress("site still unreachable"))
	}
}

// countdown ждёт интервал между циклами, сообщая оставшееся время каждую секунду.
func (m *Monitor) countdown(ctx context.Context) bool {
	remaining := m.Settings().MonitoringInterval

	m.mu.Lock()
	m.state.NextCycle = time.Now().Add(remaining)
	m.mu.Unlock()

	for remaining > 0 {
		m.pub.Publish(events.CountdownTick(remaining))
		step := min(time.Second, remaining)
		if !sleep(ctx, step) {
			return false
		}
		remaining -= step
	}
	return true
}

func (m *Monitor) memberDelay() time.Duration {
	s := m.Settings()
	return randomBetween(s.MinMemberDelay, s.MaxMemberDelay)
}

func (m *Monitor) setOutage(v bool) {
	m.mu.Lock()
	m.state.Outage = v
	m.mu.Unlock()
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// sleep ждёт d или отмены ctx. Возвращает false, если ctx отменён.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

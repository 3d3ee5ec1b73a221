package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// taskGroup запускает фоновые задачи и при остановке отменяет их и дожидается
// завершения с ограничением по времени.
type taskGroup struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	wg      sync.WaitGroup
	mu      sync.Mutex
	closed  bool
	next    uint64
	running map[uint64]string
}

func newTaskGroup(logger *zap.Logger) *taskGroup {
	ctx, cancel := context.WithCancel(context.Background())
	return &taskGroup{
		ctx:     ctx,
		cancel:  cancel,
		logger:  logger,
		running: make(map[uint64]string),
	}
}

// Context возвращает контекст, отменяемый при остановке группы.
func (g *taskGroup) Context() context.Context {
	return g.ctx
}

// Go запускает задачу. После остановки группы задачи не запускаются.
func (g *taskGroup) Go(name string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	id := g.next
	g.next++
	g.running[id] = name
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			delete(g.running, id)
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn(g.ctx)
	}()
	return true
}

// Running возвращает имена выполняющихся задач.
func (g *taskGroup) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	names := make([]string, 0, len(g.running))
	for _, name := range g.running {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown отменяет задачи и ждёт их не дольше timeout. Возвращает имена задач,
// не успевших завершиться.
func (g *taskGroup) Shutdown(timeout time.Duration) []string {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	g.cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		orphans := g.Running()
		g.logger.Warn("background tasks did not finish in time", zap.Strings("tasks", orphans))
		return orphans
	}
}

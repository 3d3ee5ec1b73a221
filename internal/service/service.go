// Package service реализует бизнес-логику сервиса записи: список участников,
// операции по запросу, сохранение результатов и управление мониторингом.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/config"
	"github.com/mmeshcher/allocation-booker/internal/events"
	"github.com/mmeshcher/allocation-booker/internal/guard"
	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/monitor"
	"github.com/mmeshcher/allocation-booker/internal/operation"
	"github.com/mmeshcher/allocation-booker/internal/repository"
	"github.com/mmeshcher/allocation-booker/internal/validation"
)

const (
	ownerCheck        = "check"
	ownerInitialInfo  = "initial-info"
	ownerCertificates = "certificates"
)

var (
	// ErrMemberNotFound возвращается, если участник не найден.
	ErrMemberNotFound = repository.ErrMemberNotFound
	// ErrMemberExists возвращается, если NIN или номер посредника уже заняты.
	ErrMemberExists = repository.ErrMemberExists
	// ErrMemberBusy возвращается, если участник уже обрабатывается.
	ErrMemberBusy = errors.New("member is being processed")
	// ErrCheckInProgress возвращается, если уже идёт проверка по запросу.
	ErrCheckInProgress = errors.New("another check is in progress")
	// ErrShuttingDown возвращается после начала остановки сервиса.
	ErrShuttingDown = errors.New("service is shutting down")
	// ErrNoScheduler возвращается, если планировщик не подключён.
	ErrNoScheduler = errors.New("scheduler is not configured")
)

// Repository описывает контракт хранилища участников, используемый сервисом.
type Repository interface {
	Close() error
	Load(ctx context.Context) ([]*model.Member, error)
	Upsert(ctx context.Context, m *model.Member) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// Runner выполняет операции над одним участником.
type Runner interface {
	FetchInitialInfo(ctx context.Context, m *model.Member) operation.Outcome
	CheckNow(ctx context.Context, m *model.Member) operation.Outcome
	DownloadCertificates(ctx context.Context, m *model.Member, report func(operation.CertificateResult)) operation.CertificatesOutcome
}

// Scheduler описывает планировщик, которым управляет сервис.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
	State() monitor.State
	UpdateSettings(config.Settings)
}

// Observer получает итоги проверок для метрик.
type Observer interface {
	ObserveCheck(trigger string, status model.Status, failed bool)
}

// forgetter реализуется шиной событий, которая помнит последнее состояние участника.
type forgetter interface {
	Forget(id uuid.UUID)
}

type nopObserver struct{}

func (nopObserver) ObserveCheck(string, model.Status, bool) {}

// Service содержит бизнес-логику сервиса записи.
type Service struct {
	repo     Repository
	runner   Runner
	guard    *guard.Guard
	pub      events.Publisher
	logger   *zap.Logger
	observer Observer
	tasks    *taskGroup

	mu      sync.RWMutex
	members []*model.Member
	// refetch отмечает отредактированных участников, чьи начальные данные
	// запрашиваются после освобождения владения.
	refetch map[uuid.UUID]struct{}

	checkBusy atomic.Bool

	settingsMu sync.Mutex
	settings   config.Settings
	onSettings []func(config.Settings)
	scheduler  Scheduler
}

// NewService создаёт сервис. Список участников загружается методом Load.
func NewService(repo Repository, runner Runner, g *guard.Guard, pub events.Publisher, logger *zap.Logger) *Service {
	if g == nil {
		g = guard.New()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:     repo,
		runner:   runner,
		guard:    g,
		pub:      pub,
		logger:   logger,
		observer: nopObserver{},
		tasks:    newTaskGroup(logger),
		refetch:  make(map[uuid.UUID]struct{}),
		settings: config.DefaultSettings(),
	}
}

// SetObserver подключает получателя метрик.
func (s *Service) SetObserver(o Observer) {
	if o != nil {
		s.observer = o
	}
}

// Load читает участников из хранилища.
func (s *Service) Load(ctx context.Context) error {
	members, err := s.repo.Load(ctx)
	if err != nil {
		return fmt.Errorf("load members: %w", err)
	}
	for _, m := range members {
		m.IsProcessing = false
	}

	s.mu.Lock()
	s.members = members
	s.mu.Unlock()

	s.logger.Info("members loaded", zap.Int("count", len(members)))
	return nil
}

// Close останавливает планировщик и фоновые задачи и закрывает хранилище.
func (s *Service) Close(timeout time.Duration) error {
	if sch := s.schedulerRef(); sch != nil {
		sch.Stop()
	}
	s.tasks.Shutdown(timeout)
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// Members возвращает копию списка участников в порядке добавления.
// IsProcessing отражает текущее владение.
func (s *Service) Members() []*model.Member {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Member, len(s.members))
	for i, m := range s.members {
		out[i] = s.snapshot(m)
	}
	return out
}

// Member возвращает копию участника.
func (s *Service) Member(id uuid.UUID) (*model.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, ErrMemberNotFound
	}
	return s.snapshot(s.members[idx]), nil
}

// StatusCounts возвращает число участников в каждом статусе.
func (s *Service) StatusCounts() map[model.Status]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[model.Status]int)
	for _, m := range s.members {
		counts[m.Status]++
	}
	return counts
}

// AddMember добавляет участника и запускает получение его начальных данных.
func (s *Service) AddMember(ctx context.Context, identity model.Identity) (*model.Member, error) {
	identity = validation.Normalize(identity)
	if err := validation.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	m := model.NewMember(identity)

	s.mu.Lock()
	if s.duplicateLocked(m) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMemberExists, identity.NIN)
	}
	if err := s.repo.Upsert(ctx, m); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.members = append(s.members, m)
	index := len(s.members) - 1
	s.mu.Unlock()

	s.logger.Info("member added", zap.Stringer("member", m.ID), zap.Int("index", index))
	s.pub.Publish(events.StateUpdated(m, index))
	s.spawnInitialInfo(m.ID)

	return m.Clone(), nil
}

// EditMember меняет идентификационные данные участника. При смене NIN или номера
// посредника состояние сбрасывается и данные запрашиваются заново.
func (s *Service) EditMember(ctx context.Context, id uuid.UUID, identity model.Identity) (*model.Member, error) {
	identity = validation.Normalize(identity)
	if err := validation.ValidateIdentity(identity); err != nil {
		return nil, err
	}

	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return nil, ErrMemberNotFound
	}

	edited := s.members[idx].Clone()
	reset := edited.ResetIdentity(identity)
	if s.duplicateLocked(edited) {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMemberExists, identity.NIN)
	}
	if err := s.repo.Upsert(ctx, edited); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.members[idx] = edited
	s.mu.Unlock()

	s.logger.Info("member edited", zap.Stringer("member", id), zap.Bool("reset", reset))
	s.pub.Publish(events.StateUpdated(edited, idx))
	if reset {
		s.refetchInitialInfo(id)
	}
	return edited.Clone(), nil
}

// RemoveMember удаляет участника. Результаты выполняющихся над ним операций отбрасываются.
func (s *Service) RemoveMember(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return ErrMemberNotFound
	}
	if err := s.repo.Delete(ctx, id); err != nil && !errors.Is(err, ErrMemberNotFound) {
		return err
	}
	s.members = slices.Delete(s.members, idx, idx+1)
	delete(s.refetch, id)
	if f, ok := s.pub.(forgetter); ok {
		f.Forget(id)
	}

	s.logger.Info("member removed", zap.Stringer("member", id))
	return nil
}

// CheckNow запускает проверку участника по запросу. Одновременно допускается
// только одна такая проверка.
func (s *Service) CheckNow(id uuid.UUID) error {
	if !s.checkBusy.CompareAndSwap(false, true) {
		return ErrCheckInProgress
	}

	err := s.spawn(id, ownerCheck, func(ctx context.Context, m *model.Member, index int) {
		defer s.checkBusy.Store(false)

		out := s.runner.CheckNow(ctx, m)
		s.observer.ObserveCheck(ownerCheck, out.Member.Status, out.Err != nil)
		s.commit(ctx, m.Revision, out, index)
	})
	if err != nil {
		s.checkBusy.Store(false)
	}
	return err
}

// FetchInitialInfo запускает получение начальных данных участника.
func (s *Service) FetchInitialInfo(id uuid.UUID) error {
	return s.spawn(id, ownerInitialInfo, func(ctx context.Context, m *model.Member, index int) {
		out := s.runner.FetchInitialInfo(ctx, m)
		s.commit(ctx, m.Revision, out, index)
	})
}

// DownloadCertificates запускает загрузку справок участника.
func (s *Service) DownloadCertificates(id uuid.UUID) error {
	return s.spawn(id, ownerCertificates, func(ctx context.Context, m *model.Member, index int) {
		out := s.runner.DownloadCertificates(ctx, m, func(res operation.CertificateResult) {
			e := events.Event{
				Type:     events.CertificateStatus,
				MemberID: m.ID,
				Index:    s.currentIndex(m.ID, index),
				Kind:     res.Kind,
				Path:     res.Path,
				Success:  res.Err == nil,
			}
			if res.Err != nil {
				e.Error = res.Err.Error()
			}
			s.pub.Publish(e)
		})
		s.commit(ctx, m.Revision, out.Outcome, index)

		e := events.Event{
			Type:        events.CertificatesFinished,
			MemberID:    m.ID,
			Index:       s.currentIndex(m.ID, index),
			HonneurPath: out.HonneurPath(),
			RdvPath:     out.RdvPath(),
			Success:     out.AllSuccess,
			Message:     out.Member.LastActivity,
		}
		if out.Err != nil {
			e.Error = out.Err.Error()
		}
		s.pub.Publish(e)
	})
}

// CheckScheduled проверяет участника по расписанию в текущей горутине.
// Занятый или удалённый участник пропускается с monitor.ErrSkipped.
func (s *Service) CheckScheduled(ctx context.Context, id uuid.UUID) error {
	lease, owner, ok := s.guard.TryAcquire(id, monitor.Owner)
	if !ok {
		s.logger.Debug("member skipped by scheduler", zap.Stringer("member", id), zap.String("owner", owner))
		return monitor.ErrSkipped
	}
	defer s.release(lease)

	m, index, ok := s.lookup(id)
	if !ok {
		return monitor.ErrSkipped
	}

	s.pub.Publish(events.Started(id, index))
	defer func() { s.pub.Publish(events.Finished(id, s.currentIndex(id, index))) }()

	out := s.runner.CheckNow(ctx, m)
	s.observer.ObserveCheck(monitor.Owner, out.Member.Status, out.Err != nil)
	s.commit(ctx, m.Revision, out, index)
	return out.Err
}

// SetScheduler подключает планировщик.
func (s *Service) SetScheduler(sch Scheduler) {
	s.settingsMu.Lock()
	s.scheduler = sch
	s.settingsMu.Unlock()
}

// StartMonitoring запускает планировщик в контексте сервиса.
func (s *Service) StartMonitoring() error {
	sch := s.schedulerRef()
	if sch == nil {
		return ErrNoScheduler
	}
	return sch.Start(s.tasks.Context())
}

// StopMonitoring останавливает планировщик.
func (s *Service) StopMonitoring() error {
	sch := s.schedulerRef()
	if sch == nil {
		return ErrNoScheduler
	}
	sch.Stop()
	return nil
}

// MonitorState возвращает состояние планировщика.
func (s *Service) MonitorState() monitor.State {
	sch := s.schedulerRef()
	if sch == nil {
		return monitor.State{}
	}
	return sch.State()
}

// OnSettings регистрирует получателя новых настроек.
func (s *Service) OnSettings(fn func(config.Settings)) {
	s.settingsMu.Lock()
	s.onSettings = append(s.onSettings, fn)
	s.settingsMu.Unlock()
}

// Settings возвращает действующие настройки.
func (s *Service) Settings() config.Settings {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.settings
}

// UpdateSettings проверяет и применяет настройки.
func (s *Service) UpdateSettings(cfg config.Settings) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.settingsMu.Lock()
	s.settings = cfg
	sch := s.scheduler
	listeners := slices.Clone(s.onSettings)
	s.settingsMu.Unlock()

	if sch != nil {
		sch.UpdateSettings(cfg)
	}
	for _, fn := range listeners {
		fn(cfg)
	}
	s.logger.Info("settings updated",
		zap.Duration("min_member_delay", cfg.MinMemberDelay),
		zap.Duration("max_member_delay", cfg.MaxMemberDelay),
		zap.Duration("monitoring_interval", cfg.MonitoringInterval),
	)
	return nil
}

func (s *Service) schedulerRef() Scheduler {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.scheduler
}

func (s *Service) spawnInitialInfo(id uuid.UUID) {
	if err := s.FetchInitialInfo(id); err != nil {
		s.logger.Warn("initial info not started", zap.Stringer("member", id), zap.Error(err))
	}
}

// refetchInitialInfo запускает получение начальных данных. Если участник занят,
// запрос откладывается до освобождения владения.
func (s *Service) refetchInitialInfo(id uuid.UUID) {
	for {
		err := s.FetchInitialInfo(id)
		if !errors.Is(err, ErrMemberBusy) {
			if err != nil && !errors.Is(err, ErrMemberNotFound) {
				s.logger.Warn("initial info not started", zap.Stringer("member", id), zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		if s.indexOf(id) < 0 {
			s.mu.Unlock()
			return
		}
		s.refetch[id] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("initial info deferred until member is released", zap.Stringer("member", id))

		// Владелец ещё не отпустил участника и сам запустит запрос в release.
		if s.guard.Held(id) || !s.takeRefetch(id) {
			return
		}
	}
}

func (s *Service) takeRefetch(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.refetch[id]
	delete(s.refetch, id)
	return ok
}

// release освобождает владение и запускает отложенный запрос начальных данных.
func (s *Service) release(lease *guard.Lease) {
	lease.Release()
	if s.takeRefetch(lease.ID()) {
		s.refetchInitialInfo(lease.ID())
	}
}

// spawn захватывает участника и выполняет fn в фоновой задаче. Снимок участника
// читается уже под владением. Владение освобождается по завершении задачи при
// любом исходе.
func (s *Service) spawn(id uuid.UUID, owner string, fn func(ctx context.Context, m *model.Member, index int)) error {
	lease, current, ok := s.guard.TryAcquire(id, owner)
	if !ok {
		if _, _, exists := s.lookup(id); !exists {
			return ErrMemberNotFound
		}
		return fmt.Errorf("%w: held by %s", ErrMemberBusy, current)
	}

	m, index, ok := s.lookup(id)
	if !ok {
		lease.Release()
		return ErrMemberNotFound
	}

	started := s.tasks.Go(owner+":"+id.String(), func(ctx context.Context) {
		defer s.release(lease)

		s.pub.Publish(events.Started(id, index))
		defer func() { s.pub.Publish(events.Finished(id, s.currentIndex(id, index))) }()

		fn(ctx, m, index)
	})
	if !started {
		lease.Release()
		return ErrShuttingDown
	}
	return nil
}

// commit сохраняет результат операции, если участник не удалён и не редактировался.
func (s *Service) commit(ctx context.Context, revision int64, out operation.Outcome, index int) {
	result := out.Member
	if out.Err != nil && ctx.Err() != nil {
		s.logger.Info("processing interrupted, result discarded", zap.Stringer("member", result.ID))
		return
	}

	s.mu.Lock()
	idx := s.indexOf(result.ID)
	if idx < 0 {
		s.mu.Unlock()
		s.logger.Info("member removed during processing, result discarded", zap.Stringer("member", result.ID))
		return
	}
	current := s.members[idx]
	if current.Revision != revision {
		s.mu.Unlock()
		s.logger.Info("member edited during processing, result discarded", zap.Stringer("member", result.ID))
		return
	}

	result.Identity = current.Identity
	result.IsProcessing = false
	s.members[idx] = result
	index = idx
	s.mu.Unlock()

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.repo.Upsert(persistCtx, result); err != nil {
		s.logger.Error("failed to persist member", zap.Stringer("member", result.ID), zap.Error(err))
	}

	s.pub.Publish(events.StateUpdated(result, index))
	if out.NamesDiscovered {
		s.pub.Publish(events.NamesDiscovered(result, index))
	}
}

func (s *Service) lookup(id uuid.UUID) (*model.Member, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx := s.indexOf(id)
	if idx < 0 {
		return nil, -1, false
	}
	return s.members[idx].Clone(), idx, true
}

func (s *Service) currentIndex(id uuid.UUID, fallback int) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx := s.indexOf(id); idx >= 0 {
		return idx
	}
	return fallback
}

func (s *Service) indexOf(id uuid.UUID) int {
	return slices.IndexFunc(s.members, func(m *model.Member) bool { return m.ID == id })
}

func (s *Service) duplicateLocked(m *model.Member) bool {
	for _, other := range s.members {
		if other.ID != m.ID && (other.NIN == m.NIN || other.WassitNo == m.WassitNo) {
			return true
		}
	}
	return false
}

func (s *Service) snapshot(m *model.Member) *model.Member {
	c := m.Clone()
	c.IsProcessing = s.guard.Held(m.ID)
	return c
}

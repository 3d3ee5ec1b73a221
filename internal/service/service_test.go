package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/config"
	"github.com/mmeshcher/allocation-booker/internal/events"
	"github.com/mmeshcher/allocation-booker/internal/guard"
	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/monitor"
	"github.com/mmeshcher/allocation-booker/internal/operation"
	"github.com/mmeshcher/allocation-booker/internal/validation"
)

type stubRepo struct {
	mu      sync.Mutex
	stored  map[uuid.UUID]*model.Member
	upserts int
	loadErr error
	initial []*model.Member
}

func newStubRepo() *stubRepo {
	return &stubRepo{stored: make(map[uuid.UUID]*model.Member)}
}

func (r *stubRepo) Close() error { return nil }

func (r *stubRepo) Load(ctx context.Context) ([]*model.Member, error) {
	return r.initial, r.loadErr
}

func (r *stubRepo) Upsert(ctx context.Context, m *model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upserts++
	r.stored[m.ID] = m.Clone()
	return nil
}

func (r *stubRepo) Delete(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stored, id)
	return nil
}

func (r *stubRepo) get(id uuid.UUID) *model.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stored[id]
}

// stubRunner блокирует операции, пока тест не закроет release.
type stubRunner struct {
	release chan struct{}
	entered chan uuid.UUID
	status  model.Status
}

func newStubRunner() *stubRunner {
	return &stubRunner{entered: make(chan uuid.UUID, 16), status: model.StatusAwaitingSlot}
}

func (r *stubRunner) wait(ctx context.Context, m *model.Member) {
	r.entered <- m.ID
	if r.release == nil {
		return
	}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
}

func (r *stubRunner) FetchInitialInfo(ctx context.Context, m *model.Member) operation.Outcome {
	r.wait(ctx, m)
	out := m.Clone()
	out.FirstNameFr, out.LastNameFr = "Ahmed", "Benali"
	out.PreInscriptionID = model.StringPtr("P1")
	return operation.Outcome{Member: out, NamesDiscovered: true}
}

func (r *stubRunner) CheckNow(ctx context.Context, m *model.Member) operation.Outcome {
	r.wait(ctx, m)
	out := m.Clone()
	out.Status = r.status
	out.RecordSuccess("checked")
	if ctx.Err() != nil {
		return operation.Outcome{Member: out, Err: ctx.Err()}
	}
	return operation.Outcome{Member: out}
}

func (r *stubRunner) DownloadCertificates(ctx context.Context, m *model.Member, report func(operation.CertificateResult)) operation.CertificatesOutcome {
	r.wait(ctx, m)
	out := m.Clone()
	out.Status = model.StatusCompleted
	out.PDFHonneurPath = "/tmp/honneur.pdf"
	res := operation.CertificateResult{Kind: model.CertificateHonneur, Path: out.PDFHonneurPath}
	if report != nil {
		report(res)
	}
	return operation.CertificatesOutcome{
		Outcome:    operation.Outcome{Member: out},
		Results:    []operation.CertificateResult{res},
		AllSuccess: true,
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Publish(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) has(typ events.Type) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func identity(nin, wassit string) model.Identity {
	return model.Identity{NIN: nin, WassitNo: wassit, CCP: "0012345678 90", Phone: "0550000000"}
}

func newTestService(t *testing.T, runner *stubRunner) (*Service, *stubRepo, *eventLog) {
	t.Helper()
	repo := newStubRepo()
	log := &eventLog{}
	svc := NewService(repo, runner, guard.New(), log, zap.NewNop())
	t.Cleanup(func() { _ = svc.Close(time.Second) })
	return svc, repo, log
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func receiveID(t *testing.T, ch <-chan uuid.UUID) uuid.UUID {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("operation did not start")
	}
	return uuid.Nil
}

func TestAddMember_Validation(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())

	_, err := svc.AddMember(context.Background(), identity("12345", "W1"))
	if !errors.Is(err, validation.ErrInvalidIdentity) {
		t.Fatalf("expected ErrInvalidIdentity, got %v", err)
	}
}

func TestAddMember_FetchesInitialInfo(t *testing.T) {
	runner := newStubRunner()
	svc, repo, log := newTestService(t, runner)

	m, err := svc.AddMember(context.Background(), identity("123456789012345678", "W1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if m.CCP != "001234567890" {
		t.Fatalf("ccp must be normalized, got %q", m.CCP)
	}

	receiveID(t, runner.entered)
	waitUntil(t, func() bool {
		stored := repo.get(m.ID)
		return stored != nil && stored.LatinName() == "Benali Ahmed"
	})
	waitUntil(t, func() bool { return log.has(events.MemberNamesDiscovered) })

	got, err := svc.Member(m.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model.Deref(got.PreInscriptionID) != "P1" {
		t.Fatalf("expected pre-inscription P1, got %q", model.Deref(got.PreInscriptionID))
	}
}

func TestAddMember_Duplicate(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())
	ctx := context.Background()

	if _, err := svc.AddMember(ctx, identity("123456789012345678", "W1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := svc.AddMember(ctx, identity("123456789012345678", "W2"))
	if !errors.Is(err, ErrMemberExists) {
		t.Fatalf("expected ErrMemberExists for duplicate nin, got %v", err)
	}
	_, err = svc.AddMember(ctx, identity("999999999999999999", "W1"))
	if !errors.Is(err, ErrMemberExists) {
		t.Fatalf("expected ErrMemberExists for duplicate wassit number, got %v", err)
	}
}

func loadMembers(t *testing.T, svc *Service, repo *stubRepo, n int) []*model.Member {
	t.Helper()
	nins := []string{"111111111111111111", "222222222222222222", "333333333333333333"}
	for i := 0; i < n; i++ {
		repo.initial = append(repo.initial, model.NewMember(model.Identity{NIN: nins[i], WassitNo: nins[i][:4], CCP: "001234567890"}))
	}
	if err := svc.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}
	return repo.initial
}

func TestCheckNow_OnlyOneAtATime(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 2)

	if err := svc.CheckNow(members[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveID(t, runner.entered)

	if err := svc.CheckNow(members[1].ID); !errors.Is(err, ErrCheckInProgress) {
		t.Fatalf("expected ErrCheckInProgress, got %v", err)
	}

	close(runner.release)
	waitUntil(t, func() bool {
		m, _ := svc.Member(members[0].ID)
		return m.Status == model.StatusAwaitingSlot && !m.IsProcessing
	})
	waitUntil(t, func() bool { return svc.CheckNow(members[1].ID) == nil })
}

func TestCheckNow_BusyMember(t *testing.T) {
	runner := newStubRunner()
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 1)

	lease, _, _ := svc.guard.TryAcquire(members[0].ID, monitor.Owner)
	defer lease.Release()

	if err := svc.CheckNow(members[0].ID); !errors.Is(err, ErrMemberBusy) {
		t.Fatalf("expected ErrMemberBusy, got %v", err)
	}
	if !svc.Members()[0].IsProcessing {
		t.Fatalf("owned member must be reported as processing")
	}
	if svc.checkBusy.Load() {
		t.Fatalf("check slot must be released after a rejected check")
	}
}

func TestCheckNow_UnknownMember(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())

	if err := svc.CheckNow(uuid.New()); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
}

func TestRemoveDuringProcessing_DiscardsResult(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 2)
	id := members[0].ID

	if err := svc.CheckNow(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveID(t, runner.entered)

	if err := svc.RemoveMember(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(runner.release)
	waitUntil(t, func() bool { return !svc.guard.Held(id) })

	if _, err := svc.Member(id); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("removed member must stay removed, got %v", err)
	}
	if repo.get(id) != nil {
		t.Fatalf("removed member must not be persisted again")
	}
	if len(svc.Members()) != 1 {
		t.Fatalf("expected 1 member left, got %d", len(svc.Members()))
	}
}

func TestEditDuringProcessing_DiscardsResult(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 1)
	id := members[0].ID

	if err := svc.CheckNow(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveID(t, runner.entered)

	edited, err := svc.EditMember(context.Background(), id, identity("555555555555555555", "W5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if edited.Status != model.StatusNew || edited.Revision != 1 {
		t.Fatalf("identity edit must reset the member, got status %s revision %d", edited.Status, edited.Revision)
	}

	close(runner.release)
	waitUntil(t, func() bool { return !svc.guard.Held(id) })

	if got := receiveID(t, runner.entered); got != id {
		t.Fatalf("initial info started for %s, want %s", got, id)
	}
	waitUntil(t, func() bool {
		m, _ := svc.Member(id)
		return m.LatinName() == "Benali Ahmed" && !m.IsProcessing
	})

	m, _ := svc.Member(id)
	if m.Status == model.StatusAwaitingSlot {
		t.Fatalf("stale check result must be discarded")
	}
	if m.NIN != "555555555555555555" {
		t.Fatalf("edited identity lost, got %s", m.NIN)
	}
	if stored := repo.get(id); stored == nil || model.Deref(stored.PreInscriptionID) != "P1" {
		t.Fatalf("initial info of the edited member must be persisted")
	}
}

func TestEditDuringScheduledCheck_FetchesInitialInfoAfterRelease(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 1)
	id := members[0].ID

	done := make(chan error, 1)
	go func() { done <- svc.CheckScheduled(context.Background(), id) }()
	receiveID(t, runner.entered)

	if _, err := svc.EditMember(context.Background(), id, identity("555555555555555555", "W5")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case got := <-runner.entered:
		t.Fatalf("initial info for %s started while the member was owned", got)
	default:
	}

	close(runner.release)
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	receiveID(t, runner.entered)
	waitUntil(t, func() bool {
		m, _ := svc.Member(id)
		return m.LatinName() == "Benali Ahmed" && m.Status == model.StatusNew
	})
}

func TestSpawn_UnknownMemberLeavesNoOwner(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())
	id := uuid.New()

	if err := svc.DownloadCertificates(id); !errors.Is(err, ErrMemberNotFound) {
		t.Fatalf("expected ErrMemberNotFound, got %v", err)
	}
	if svc.guard.Held(id) {
		t.Fatalf("ownership of an unknown member must be released")
	}
}

func TestSpawn_ReadsMemberUnderOwnership(t *testing.T) {
	runner := newStubRunner()
	svc, repo, _ := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 1)
	id := members[0].ID

	for i := 0; i < 50; i++ {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = svc.CheckScheduled(context.Background(), id)
		}()

		waitUntil(t, func() bool { return svc.DownloadCertificates(id) == nil })
		<-done
		waitUntil(t, func() bool { return !svc.guard.Held(id) })

		m, _ := svc.Member(id)
		if m.PDFHonneurPath == "" {
			t.Fatalf("iteration %d: certificate path lost", i)
		}
		if err := svc.CheckScheduled(context.Background(), id); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		m, _ = svc.Member(id)
		if m.PDFHonneurPath == "" {
			t.Fatalf("iteration %d: scheduled check overwrote the certificate path", i)
		}
		for len(runner.entered) > 0 {
			<-runner.entered
		}
	}
}

func TestCheckScheduled_SkipsOwnedMember(t *testing.T) {
	svc, repo, _ := newTestService(t, newStubRunner())
	members := loadMembers(t, svc, repo, 1)

	lease, _, _ := svc.guard.TryAcquire(members[0].ID, ownerCertificates)
	defer lease.Release()

	err := svc.CheckScheduled(context.Background(), members[0].ID)
	if !errors.Is(err, monitor.ErrSkipped) {
		t.Fatalf("expected ErrSkipped, got %v", err)
	}
}

func TestCheckScheduled_CommitsAndReleases(t *testing.T) {
	svc, repo, log := newTestService(t, newStubRunner())
	members := loadMembers(t, svc, repo, 1)
	id := members[0].ID

	if err := svc.CheckScheduled(context.Background(), id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.guard.Held(id) {
		t.Fatalf("ownership must be released after the check")
	}
	if repo.get(id).Status != model.StatusAwaitingSlot {
		t.Fatalf("result must be persisted")
	}
	if !log.has(events.MemberProcessingStarted) || !log.has(events.MemberProcessingFinished) || !log.has(events.MemberStateUpdated) {
		t.Fatalf("expected started, finished and state events")
	}
}

func TestDownloadCertificates_Events(t *testing.T) {
	runner := newStubRunner()
	svc, repo, log := newTestService(t, runner)
	members := loadMembers(t, svc, repo, 1)

	if err := svc.DownloadCertificates(members[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitUntil(t, func() bool { return log.has(events.CertificatesFinished) })

	if !log.has(events.CertificateStatus) {
		t.Fatalf("expected a certificate-status event")
	}
	m, _ := svc.Member(members[0].ID)
	if m.Status != model.StatusCompleted {
		t.Fatalf("expected completed, got %s", m.Status)
	}
}

func TestClose_CancelsRunningTasks(t *testing.T) {
	runner := newStubRunner()
	runner.release = make(chan struct{})
	repo := newStubRepo()
	svc := NewService(repo, runner, guard.New(), events.Nop{}, zap.NewNop())
	members := loadMembers(t, svc, repo, 1)

	if err := svc.CheckNow(members[0].ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	receiveID(t, runner.entered)

	if err := svc.Close(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.guard.Held(members[0].ID) {
		t.Fatalf("ownership must be released on shutdown")
	}
	if got := repo.get(members[0].ID); got != nil && got.Status == model.StatusAwaitingSlot {
		t.Fatalf("interrupted result must not be persisted")
	}
	if err := svc.CheckNow(members[0].ID); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestUpdateSettings(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())

	bad := config.DefaultSettings()
	bad.MinMemberDelay = 2 * bad.MaxMemberDelay
	if err := svc.UpdateSettings(bad); !errors.Is(err, config.ErrInvalidSettings) {
		t.Fatalf("expected ErrInvalidSettings, got %v", err)
	}

	var applied config.Settings
	svc.OnSettings(func(s config.Settings) { applied = s })

	good := config.DefaultSettings()
	good.MonitoringInterval = 5 * time.Minute
	if err := svc.UpdateSettings(good); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied.MonitoringInterval != 5*time.Minute || svc.Settings().MonitoringInterval != 5*time.Minute {
		t.Fatalf("settings were not applied")
	}
}

func TestMonitoringWithoutScheduler(t *testing.T) {
	svc, _, _ := newTestService(t, newStubRunner())

	if err := svc.StartMonitoring(); !errors.Is(err, ErrNoScheduler) {
		t.Fatalf("expected ErrNoScheduler, got %v", err)
	}
	if svc.MonitorState().Running {
		t.Fatalf("state must report stopped")
	}
}

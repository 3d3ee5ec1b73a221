// Package operation реализует операции над одним участником: получение начальных
// данных, проверку с попыткой записи и загрузку справок.
//
// Операции работают с копией участника и возвращают новое состояние, не изменяя
// переданное. Сохранением и владением занимается вызывающая сторона.
package operation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/allocation-booker/internal/model"
	"github.com/mmeshcher/allocation-booker/internal/upstream"
)

// ErrNoPreInscription возвращается, если для операции нужна предварительная регистрация.
var ErrNoPreInscription = errors.New("member has no pre-inscription")

// Upstream описывает операции внешнего сервиса, нужные для обработки участника.
type Upstream interface {
	ValidateCandidate(ctx context.Context, wassitNo, nin string) (*upstream.Candidate, error)
	GetPreInscription(ctx context.Context, demandeurID string) (*upstream.PreInscription, error)
	GetAvailableDates(ctx context.Context, structureID, preInscriptionID string) (*upstream.Availability, error)
	BookAppointment(ctx context.Context, req upstream.BookingRequest) (*upstream.Booking, error)
	DownloadCertificate(ctx context.Context, kind model.CertificateKind, preInscriptionID, rdvID string) ([]byte, error)
}

// Outcome содержит результат операции над участником.
type Outcome struct {
	Member *model.Member
	// Ошибка, прервавшая операцию. Состояние участника уже отражает её.
	Err error
	// NamesDiscovered сообщает, что имена участника получены впервые.
	NamesDiscovered bool
}

// Runner выполняет операции над участниками.
type Runner struct {
	client  Upstream
	certDir string
	logger  *zap.Logger
}

// New создаёт Runner. Справки сохраняются в certDir.
func New(client Upstream, certDir string, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{client: client, certDir: certDir, logger: logger}
}

// FetchInitialInfo получает имена, предварительную регистрацию и сведения о
// существующей записи, не пытаясь записать участника.
func (r *Runner) FetchInitialInfo(ctx context.Context, in *model.Member) Outcome {
	m := in.Clone()
	out := Outcome{Member: m}

	done, err := r.inspect(ctx, &out)
	if err != nil || done {
		out.Err = err
		return out
	}

	if m.Status == model.StatusNew || m.Status == model.StatusInvalidInput || m.Status == model.StatusNeedsPreRegistration {
		m.Status = model.StatusNew
	}
	m.RecordSuccess("initial info fetched")
	return out
}

// CheckNow проверяет участника и, если есть свободная дата, записывает его.
func (r *Runner) CheckNow(ctx context.Context, in *model.Member) Outcome {
	m := in.Clone()
	out := Outcome{Member: m}

	done, err := r.inspect(ctx, &out)
	if err != nil || done {
		out.Err = err
		return out
	}

	if m.Status.Settled() {
		m.RecordSuccess("appointment already booked" + onDate(m.RdvDate))
		return out
	}

	av, err := r.client.GetAvailableDates(ctx, model.Deref(m.StructureID), model.Deref(m.PreInscriptionID))
	if err != nil {
		if upstream.HasReason(err, upstream.ReasonIneligible) {
			m.Status = model.StatusIneligibleForBooking
			m.RecordSuccess(upstream.ShortMessage(err))
			return out
		}
		if upstream.IsPermanent(err) {
			out.Err = r.reject(m, "check availability", err)
			return out
		}
		out.Err = r.fail(m, "check availability", err)
		return out
	}
	if !av.Eligible {
		m.Status = model.StatusIneligibleForBooking
		m.RecordSuccess(orDefault(av.Message, "not eligible for booking"))
		return out
	}
	if len(av.Dates) == 0 {
		m.Status = model.StatusAwaitingSlot
		m.RecordSuccess(orDefault(av.Message, "no slot available"))
		return out
	}

	booking, err := r.client.BookAppointment(ctx, r.bookingRequest(m, av.Dates[0]))
	if err != nil {
		if upstream.HasReason(err, upstream.ReasonIneligible) {
			m.Status = model.StatusIneligibleForBooking
			m.RecordSuccess("booking rejected: " + upstream.ShortMessage(err))
			return out
		}
		if upstream.IsPermanent(err) {
			out.Err = r.reject(m, "book appointment", err)
			return out
		}
		out.Err = r.fail(m, "book appointment", err)
		return out
	}

	m.Status = model.StatusBooked
	m.RdvID = model.StringPtr(booking.RendezVousID)
	m.RdvDate = booking.Date
	m.RdvSource = model.RdvSourceSystem
	m.AlreadyHasRdv = true
	m.RecordSuccess("appointment booked" + onDate(booking.Date))
	r.logger.Info("appointment booked",
		zap.Stringer("member", m.ID),
		zap.String("date", booking.Date),
		zap.String("rdv_id", booking.RendezVousID),
	)
	return out
}

// inspect выполняет общие для проверки и начальных данных шаги. done=true означает,
// что состояние участника окончательно определено и дальше идти не нужно.
func (r *Runner) inspect(ctx context.Context, out *Outcome) (bool, error) {
	m := out.Member

	cand, err := r.client.ValidateCandidate(ctx, m.WassitNo, m.NIN)
	if err != nil {
		if upstream.HasReason(err, upstream.ReasonInvalidInput) {
			m.Status = model.StatusInvalidInput
			m.SetActivity("invalid input: " + upstream.ShortMessage(err))
			return true, err
		}
		return true, r.fail(m, "validate candidate", err)
	}

	m.HaveAllocation = cand.HaveAllocation
	if cand.HaveAllocation {
		m.AllocationDetails = cand.AllocationDetails
		m.Status = model.StatusCurrentlyBenefiting
		m.RecordSuccess("currently benefiting from the allocation")
		return true, nil
	}
	m.AllocationDetails = nil
	if m.Status == model.StatusCurrentlyBenefiting {
		m.Status = model.StatusNew
	}
	if cand.DemandeurID != "" {
		m.DemandeurID = model.StringPtr(cand.DemandeurID)
	}
	if cand.StructureID != "" {
		m.StructureID = model.StringPtr(cand.StructureID)
	}

	if m.PreInscriptionID == nil || !m.HasNames() {
		hadNames := m.HasNames()
		pre, err := r.client.GetPreInscription(ctx, model.Deref(m.DemandeurID))
		if err != nil {
			if upstream.HasReason(err, upstream.ReasonNoPreInscription) {
				m.HasPreInscription = false
				if !m.Status.Settled() {
					m.Status = model.StatusNeedsPreRegistration
				}
				m.RecordSuccess("pre-registration required")
				return true, nil
			}
			return true, r.fail(m, "get pre-inscription", err)
		}
		m.PreInscriptionID = model.StringPtr(pre.ID)
		m.HasPreInscription = true
		m.FirstNameAr, m.LastNameAr = pre.FirstNameAr, pre.LastNameAr
		m.FirstNameFr, m.LastNameFr = pre.FirstNameFr, pre.LastNameFr
		out.NamesDiscovered = !hadNames && m.HasNames()
	}

	if cand.HaveRendezVous {
		m.AlreadyHasRdv = true
		if cand.RendezVousID != "" {
			m.RdvID = model.StringPtr(cand.RendezVousID)
		}
		if cand.RendezVousDate != "" {
			m.RdvDate = cand.RendezVousDate
		}
		if !m.Status.Settled() {
			m.Status = model.StatusHasExistingAppointment
			m.RdvSource = model.RdvSourceDiscovered
		}
		m.RecordSuccess("existing appointment" + onDate(m.RdvDate))
		return true, nil
	}
	if m.Status == model.StatusNeedsPreRegistration {
		m.Status = model.StatusNew
	}
	return false, nil
}

// fail отражает неудачный вызов: счётчик неудач растёт, статус не меняется.
func (r *Runner) fail(m *model.Member, step string, err error) error {
	m.RecordFailure(step + ": " + upstream.ShortMessage(err))
	m.LastActivityDetail = fmt.Sprintf("%s: %v", step, err)
	r.logger.Warn("member operation failed",
		zap.Stringer("member", m.ID),
		zap.String("step", step),
		zap.Int("consecutive_failures", m.ConsecutiveFailures),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", step, err)
}

// reject отражает постоянный отказ сервиса: повтор бесполезен, участник переходит в
// ineligible-for-booking, счётчик неудач не меняется.
func (r *Runner) reject(m *model.Member, step string, err error) error {
	m.Status = model.StatusIneligibleForBooking
	m.SetActivity(step + " rejected: " + upstream.ShortMessage(err))
	m.LastActivityDetail = fmt.Sprintf("%s: %v", step, err)
	r.logger.Warn("member operation rejected",
		zap.Stringer("member", m.ID),
		zap.String("step", step),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", step, err)
}

func (r *Runner) bookingRequest(m *model.Member, date string) upstream.BookingRequest {
	last, first := m.LastNameFr, m.FirstNameFr
	if last == "" && first == "" {
		last, first = m.LastNameAr, m.FirstNameAr
	}
	return upstream.BookingRequest{
		CCP:              m.CCP,
		LastName:         last,
		FirstName:        first,
		Date:             date,
		DemandeurID:      model.Deref(m.DemandeurID),
		PreInscriptionID: model.Deref(m.PreInscriptionID),
		StructureID:      model.Deref(m.StructureID),
		Phone:            m.Phone,
	}
}

func onDate(date string) string {
	if date == "" {
		return ""
	}
	return " on " + date
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

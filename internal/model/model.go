// Package model содержит доменные сущности сервиса записи на приём по пособию.
package model

import (
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxActivityLength ограничивает длину краткого сообщения об активности.
const MaxActivityLength = 70

// Status описывает состояние участника в жизненном цикле записи.
type Status string

const (
	StatusNew                    Status = "new"
	StatusInvalidInput           Status = "invalid-input"
	StatusNeedsPreRegistration   Status = "needs-pre-registration"
	StatusIneligibleForBooking   Status = "ineligible-for-booking"
	StatusAwaitingSlot           Status = "awaiting-slot"
	StatusHasExistingAppointment Status = "has-existing-appointment"
	StatusBooked                 Status = "booked"
	StatusCompleted              Status = "completed"
	StatusCurrentlyBenefiting    Status = "currently-benefiting"
	StatusPDFDownloadFailed      Status = "pdf-download-failed"
)

// Valid сообщает, известен ли статус.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusInvalidInput, StatusNeedsPreRegistration, StatusIneligibleForBooking,
		StatusAwaitingSlot, StatusHasExistingAppointment, StatusBooked, StatusCompleted,
		StatusCurrentlyBenefiting, StatusPDFDownloadFailed:
		return true
	}
	return false
}

// Monitorable сообщает, должен ли планировщик проверять участника с этим статусом.
// Участник с неверными данными ждёт редактирования, завершённому проверять нечего.
func (s Status) Monitorable() bool {
	return s != StatusInvalidInput && s != StatusCompleted
}

// Settled сообщает, что запись уже получена и откатываться к ранним статусам нельзя.
func (s Status) Settled() bool {
	return s == StatusBooked || s == StatusCompleted || s == StatusPDFDownloadFailed
}

// Icon возвращает подсказку для отображения статуса.
func (s Status) Icon() string {
	switch s {
	case StatusCurrentlyBenefiting, StatusCompleted:
		return "success"
	case StatusBooked, StatusHasExistingAppointment:
		return "calendar"
	case StatusInvalidInput, StatusIneligibleForBooking, StatusPDFDownloadFailed:
		return "error"
	case StatusNeedsPreRegistration:
		return "warning"
	case StatusAwaitingSlot:
		return "waiting"
	default:
		return "info"
	}
}

// RdvSource указывает, откуда известно о записи.
type RdvSource string

const (
	RdvSourceSystem     RdvSource = "system"
	RdvSourceDiscovered RdvSource = "discovered"
)

// CertificateKind определяет вид загружаемого документа.
type CertificateKind string

const (
	CertificateHonneur CertificateKind = "HonneurEngagementReport"
	CertificateRdv     CertificateKind = "RdvReport"
)

// CertificateKinds перечисляет виды документов в порядке загрузки.
var CertificateKinds = []CertificateKind{CertificateHonneur, CertificateRdv}

// Identity содержит идентификационные данные участника, вводимые оператором.
type Identity struct {
	NIN      string `json:"nin"`
	WassitNo string `json:"wassit_no"`
	CCP      string `json:"ccp"`
	Phone    string `json:"phone_number"`
}

// Member описывает одного участника и его состояние записи.
type Member struct {
	ID uuid.UUID `json:"id"`
	Identity

	FirstNameAr string `json:"prenom_ar"`
	LastNameAr  string `json:"nom_ar"`
	FirstNameFr string `json:"prenom_fr"`
	LastNameFr  string `json:"nom_fr"`

	PreInscriptionID *string `json:"pre_inscription_id"`
	DemandeurID      *string `json:"demandeur_id"`
	StructureID      *string `json:"structure_id"`
	RdvID            *string `json:"rdv_id"`

	Status         Status    `json:"status"`
	RdvDate        string    `json:"rdv_date,omitempty"`
	RdvSource      RdvSource `json:"rdv_source,omitempty"`
	PDFHonneurPath string    `json:"pdf_honneur_path,omitempty"`
	PDFRdvPath     string    `json:"pdf_rdv_path,omitempty"`

	HasPreInscription bool              `json:"has_actual_pre_inscription"`
	AlreadyHasRdv     bool              `json:"already_has_rdv"`
	HaveAllocation    bool              `json:"have_allocation"`
	AllocationDetails map[string]string `json:"allocation_details,omitempty"`

	ConsecutiveFailures int    `json:"consecutive_failures"`
	LastActivity        string `json:"last_activity"`
	LastActivityDetail  string `json:"last_activity_detail"`
	IsProcessing        bool   `json:"is_processing"`

	Revision  int64     `json:"revision"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewMember создаёт участника только с идентификационными данными.
func NewMember(identity Identity) *Member {
	now := time.Now().UTC()
	return &Member{
		ID:        uuid.New(),
		Identity:  identity,
		Status:    StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone возвращает глубокую копию участника.
func (m *Member) Clone() *Member {
	if m == nil {
		return nil
	}
	c := *m
	c.PreInscriptionID = cloneString(m.PreInscriptionID)
	c.DemandeurID = cloneString(m.DemandeurID)
	c.StructureID = cloneString(m.StructureID)
	c.RdvID = cloneString(m.RdvID)
	if m.AllocationDetails != nil {
		c.AllocationDetails = make(map[string]string, len(m.AllocationDetails))
		for k, v := range m.AllocationDetails {
			c.AllocationDetails[k] = v
		}
	}
	return &c
}

// DisplayName возвращает имя для журналов и уведомлений.
func (m *Member) DisplayName() string {
	switch {
	case m.LastNameAr != "" || m.FirstNameAr != "":
		return m.LastNameAr + " " + m.FirstNameAr
	case m.LastNameFr != "" || m.FirstNameFr != "":
		return m.LastNameFr + " " + m.FirstNameFr
	default:
		return m.NIN
	}
}

// LocalName возвращает имя на арабском.
func (m *Member) LocalName() string {
	return joinName(m.LastNameAr, m.FirstNameAr)
}

// LatinName возвращает имя латиницей.
func (m *Member) LatinName() string {
	return joinName(m.LastNameFr, m.FirstNameFr)
}

// HasNames сообщает, получены ли имена участника.
func (m *Member) HasNames() bool {
	return m.LocalName() != "" || m.LatinName() != ""
}

// HasAppointment сообщает, известна ли участнику запись.
func (m *Member) HasAppointment() bool {
	return m.AlreadyHasRdv || m.RdvID != nil || m.Status == StatusBooked
}

// SetActivity сохраняет полное сообщение и его краткую форму.
func (m *Member) SetActivity(detail string) {
	m.LastActivityDetail = detail
	m.LastActivity = Truncate(detail, MaxActivityLength)
	m.UpdatedAt = time.Now().UTC()
}

// RecordSuccess сбрасывает счётчик неудач.
func (m *Member) RecordSuccess(detail string) {
	m.ConsecutiveFailures = 0
	m.SetActivity(detail)
}

// RecordFailure увеличивает счётчик неудач, статус не меняется.
func (m *Member) RecordFailure(detail string) {
	m.ConsecutiveFailures++
	m.SetActivity(detail)
}

// ResetIdentity применяет отредактированные данные. Если изменился NIN или номер
// посредника, все полученные от сервиса поля сбрасываются и статус возвращается к new.
// Возвращает true, если произошёл сброс.
func (m *Member) ResetIdentity(identity Identity) bool {
	changed := m.NIN != identity.NIN || m.WassitNo != identity.WassitNo
	m.Identity = identity
	m.UpdatedAt = time.Now().UTC()
	if !changed {
		return false
	}

	m.FirstNameAr, m.LastNameAr = "", ""
	m.FirstNameFr, m.LastNameFr = "", ""
	m.PreInscriptionID = nil
	m.DemandeurID = nil
	m.StructureID = nil
	m.RdvID = nil
	m.RdvDate = ""
	m.RdvSource = ""
	m.PDFHonneurPath = ""
	m.PDFRdvPath = ""
	m.HasPreInscription = false
	m.AlreadyHasRdv = false
	m.HaveAllocation = false
	m.AllocationDetails = nil
	m.ConsecutiveFailures = 0
	m.IsProcessing = false
	m.Status = StatusNew
	m.Revision++
	m.SetActivity("identifiers edited, re-check required")
	return true
}

type memberRecord Member

// MarshalJSON всегда записывает is_processing=false.
func (m Member) MarshalJSON() ([]byte, error) {
	rec := memberRecord(m)
	rec.IsProcessing = false
	return json.Marshal(rec)
}

// UnmarshalJSON читает запись и принудительно сбрасывает is_processing.
func (m *Member) UnmarshalJSON(data []byte) error {
	var rec memberRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	rec.IsProcessing = false
	if rec.Status == "" {
		rec.Status = StatusNew
	}
	*m = Member(rec)
	return nil
}

// Truncate обрезает строку до max символов, добавляя многоточие.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	if max <= 3 {
		return string(runes[:max])
	}
	return string(runes[:max-3]) + "..."
}

// StringPtr возвращает указатель на копию строки, nil для пустой.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref возвращает значение указателя или пустую строку.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func joinName(last, first string) string {
	switch {
	case last == "":
		return first
	case first == "":
		return last
	default:
		return last + " " + first
	}
}

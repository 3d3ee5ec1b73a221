// Package events описывает события прогресса, которые ядро отправляет слою представления.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

// Type задаёт вид события.
type Type string

const (
	MemberProcessingStarted  Type = "member-processing-started"
	MemberProcessingFinished Type = "member-processing-finished"
	MemberStateUpdated       Type = "member-state-updated"
	MemberNamesDiscovered    Type = "member-names-discovered"
	CertificateStatus        Type = "certificate-status"
	CertificatesFinished     Type = "certificates-finished"
	CycleProgress            Type = "cycle-progress"
	Countdown                Type = "countdown"
)

// Event описывает одно событие. Заполняются только поля, относящиеся к его виду.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	MemberID uuid.UUID `json:"member_id,omitempty"`
	Index    int       `json:"index"`

	Status model.Status `json:"status,omitempty"`
	Detail string       `json:"detail,omitempty"`
	Icon   string       `json:"icon,omitempty"`

	LocalName string `json:"local_name,omitempty"`
	LatinName string `json:"latin_name,omitempty"`

	Kind        model.CertificateKind `json:"kind,omitempty"`
	Path        string                `json:"path,omitempty"`
	Success     bool                  `json:"success,omitempty"`
	Error       string                `json:"error,omitempty"`
	HonneurPath string                `json:"honneur_path,omitempty"`
	RdvPath     string                `json:"rdv_path,omitempty"`

	Message   string        `json:"message,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
}

// Publisher принимает события от ядра.
type Publisher interface {
	Publish(Event)
}

// Started сообщает о начале обработки участника.
func Started(id uuid.UUID, index int) Event {
	return Event{Type: MemberProcessingStarted, MemberID: id, Index: index}
}

// Finished сообщает о конце обработки участника.
func Finished(id uuid.UUID, index int) Event {
	return Event{Type: MemberProcessingFinished, MemberID: id, Index: index}
}

// StateUpdated сообщает новое состояние участника.
func StateUpdated(m *model.Member, index int) Event {
	return Event{
		Type:     MemberStateUpdated,
		MemberID: m.ID,
		Index:    index,
		Status:   m.Status,
		Detail:   m.LastActivity,
		Icon:     m.Status.Icon(),
	}
}

// NamesDiscovered сообщает полученные имена участника.
func NamesDiscovered(m *model.Member, index int) Event {
	return Event{
		Type:      MemberNamesDiscovered,
		MemberID:  m.ID,
		Index:     index,
		LocalName: m.LocalName(),
		LatinName: m.LatinName(),
	}
}

// Progress создаёт строку журнала цикла.
func Progress(msg string) Event {
	return Event{Type: CycleProgress, Index: -1, Message: msg}
}

// CountdownTick сообщает время, оставшееся до следующего цикла.
func CountdownTick(remaining time.Duration) Event {
	return Event{
		Type:      Countdown,
		Index:     -1,
		Remaining: remaining,
		Message:   remaining.Round(time.Second).String(),
	}
}

// Nop отбрасывает все события.
type Nop struct{}

func (Nop) Publish(Event) {}

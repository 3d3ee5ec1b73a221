package upstream

import (
	"errors"
	"fmt"
	"time"
)

// Kind классифицирует ошибку обращения к сервису.
type Kind int

const (
	// KindTransient: сетевая ошибка, таймаут или 5xx.
	KindTransient Kind = iota + 1
	// KindRateLimited: сервис ответил 429.
	KindRateLimited
	// KindPermanent: 4xx или ответ о неверных данных, повтор бесполезен.
	KindPermanent
	// KindSiteUnreachable: сайт недоступен целиком.
	KindSiteUnreachable
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindPermanent:
		return "permanent"
	case KindSiteUnreachable:
		return "site-unreachable"
	default:
		return "unknown"
	}
}

// Reason уточняет причину постоянной ошибки.
type Reason int

const (
	ReasonNone Reason = iota
	// ReasonInvalidInput: сервис отверг идентификационные данные.
	ReasonInvalidInput
	// ReasonNoPreInscription: у участника нет предварительной регистрации.
	ReasonNoPreInscription
	// ReasonIneligible: участник не может записаться.
	ReasonIneligible
)

// Error описывает неудачное обращение к сервису.
type Error struct {
	Op         string
	Kind       Kind
	Reason     Reason
	StatusCode int
	Message    string
	Network    bool
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (HTTP %d): %s", e.Op, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// AsError извлекает *Error из цепочки ошибок.
func AsError(err error) (*Error, bool) {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr, true
	}
	return nil, false
}

// IsKind сообщает, относится ли ошибка к указанному виду.
func IsKind(err error, kind Kind) bool {
	uerr, ok := AsError(err)
	return ok && uerr.Kind == kind
}

// IsPermanent сообщает, что ошибка не подлежит повтору.
func IsPermanent(err error) bool {
	return IsKind(err, KindPermanent)
}

// HasReason сообщает, что ошибка постоянная с указанной причиной.
func HasReason(err error, reason Reason) bool {
	uerr, ok := AsError(err)
	return ok && uerr.Kind == KindPermanent && uerr.Reason == reason
}

// IsNetwork сообщает, что ошибка вызвана недоступностью сети, а не ответом сервиса.
func IsNetwork(err error) bool {
	uerr, ok := AsError(err)
	if !ok {
		return false
	}
	return uerr.Kind == KindSiteUnreachable || (uerr.Kind == KindTransient && uerr.Network)
}

// ShortMessage возвращает краткое описание ошибки для отображения.
func ShortMessage(err error) string {
	uerr, ok := AsError(err)
	if !ok {
		return err.Error()
	}
	switch uerr.Kind {
	case KindRateLimited:
		return "rate limited by upstream, retries exhausted"
	case KindTransient:
		if uerr.Network {
			return "network error, retries exhausted"
		}
		return "upstream server error, retries exhausted"
	case KindSiteUnreachable:
		return "upstream site unreachable"
	default:
		if uerr.Message != "" {
			return uerr.Message
		}
		return uerr.Error()
	}
}

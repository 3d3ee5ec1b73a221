// Package validation содержит функции валидации входных данных.
package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

const (
	ninLength = 18
	ccpLength = 12
)

// ErrInvalidIdentity возвращается, если идентификационные данные участника некорректны.
var ErrInvalidIdentity = errors.New("invalid identity")

// IsDigits проверяет, что строка непуста и состоит только из цифр ASCII.
// Арабско-индийские цифры сервис не принимает.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// IsValidNIN проверяет национальный идентификационный номер: ровно 18 цифр.
func IsValidNIN(nin string) bool {
	return len(nin) == ninLength && IsDigits(nin)
}

// IsValidCCP проверяет номер почтового счёта: 10 цифр счёта и 2 цифры ключа.
func IsValidCCP(ccp string) bool {
	return len(ccp) == ccpLength && IsDigits(ccp)
}

// NormalizeCCP убирает разделители, которые операторы вводят между счётом и ключом.
func NormalizeCCP(ccp string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '/' {
			return -1
		}
		return r
	}, ccp)
}

// Normalize приводит поля к каноническому виду.
func Normalize(id model.Identity) model.Identity {
	return model.Identity{
		NIN:      strings.TrimSpace(id.NIN),
		WassitNo: strings.TrimSpace(id.WassitNo),
		CCP:      NormalizeCCP(strings.TrimSpace(id.CCP)),
		Phone:    strings.TrimSpace(id.Phone),
	}
}

// ValidateIdentity проверяет обязательные поля участника.
func ValidateIdentity(id model.Identity) error {
	if id.NIN == "" || id.WassitNo == "" || id.CCP == "" {
		return fmt.Errorf("%w: nin, wassit number and ccp are required", ErrInvalidIdentity)
	}
	if !IsValidNIN(id.NIN) {
		return fmt.Errorf("%w: nin must contain exactly %d digits", ErrInvalidIdentity, ninLength)
	}
	if !IsValidCCP(id.CCP) {
		return fmt.Errorf("%w: ccp must contain exactly %d digits", ErrInvalidIdentity, ccpLength)
	}
	if id.Phone != "" && !IsDigits(strings.TrimPrefix(id.Phone, "+")) {
		return fmt.Errorf("%w: phone number must contain digits only", ErrInvalidIdentity)
	}
	return nil
}

// Package repository содержит хранилища участников: JSON-файл и PostgreSQL.
package repository

import (
	"errors"

	"github.com/google/uuid"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

var (
	// ErrMemberExists возвращается, если NIN или номер посредника уже принадлежат другому участнику.
	ErrMemberExists = errors.New("member already exists")
	// ErrMemberNotFound возвращается, если участник не найден.
	ErrMemberNotFound = errors.New("member not found")
	// ErrLocked возвращается, если файл данных уже занят другим процессом.
	ErrLocked = errors.New("data file is locked by another process")
)

// conflicts сообщает, пересекаются ли идентификаторы двух разных участников.
func conflicts(a, b *model.Member) bool {
	if a.ID == b.ID {
		return false
	}
	return a.NIN == b.NIN || a.WassitNo == b.WassitNo
}

func ensureID(m *model.Member) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
}

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/mmeshcher/allocation-booker/internal/model"
)

// FileRepository хранит участников массивом JSON-записей в одном файле.
// Файл перезаписывается целиком через временный файл и переименование.
type FileRepository struct {
	path string
	lock *flock.Flock

	mu      sync.Mutex
	members []*model.Member
}

// NewFileRepository открывает файл данных и захватывает рядом лежащий файл блокировки.
// Отсутствующий файл данных означает пустой список.
func NewFileRepository(path string) (*FileRepository, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data file: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	r := &FileRepository{path: path, lock: lock}
	if err := r.read(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return r, nil
}

func (r *FileRepository) read() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read data file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var members []*model.Member
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("decode data file: %w", err)
	}
	for _, m := range members {
		ensureID(m)
	}
	r.members = members
	return nil
}

// Close освобождает файл блокировки.
func (r *FileRepository) Close() error {
	return r.lock.Unlock()
}

// Load возвращает участников в порядке добавления.
func (r *FileRepository) Load(_ context.Context) ([]*model.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*model.Member, len(r.members))
	for i, m := range r.members {
		out[i] = m.Clone()
	}
	return out, nil
}

// Upsert добавляет участника или заменяет существующего с тем же ID.
func (r *FileRepository) Upsert(_ context.Context, m *model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, other := range r.members {
		if conflicts(m, other) {
			return fmt.Errorf("%w: %s", ErrMemberExists, m.NIN)
		}
	}

	next := slices.Clone(r.members)
	idx := slices.IndexFunc(next, func(x *model.Member) bool { return x.ID == m.ID })
	if idx >= 0 {
		next[idx] = m.Clone()
	} else {
		next = append(next, m.Clone())
	}

	if err := r.write(next); err != nil {
		return err
	}
	r.members = next
	return nil
}

// Delete удаляет участника.
func (r *FileRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.members, func(x *model.Member) bool { return x.ID == id })
	if idx < 0 {
		return ErrMemberNotFound
	}

	next := slices.Delete(slices.Clone(r.members), idx, idx+1)
	if err := r.write(next); err != nil {
		return err
	}
	r.members = next
	return nil
}

func (r *FileRepository) write(members []*model.Member) error {
	if members == nil {
		members = []*model.Member{}
	}
	data, err := json.MarshalIndent(members, "", "  ")
	if err != nil {
		return fmt.Errorf("encode members: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("replace data file: %w", err)
	}
	return nil
}

// Package guard реализует владение участником: не более одной операции
// над одним участником в каждый момент времени.
package guard

import (
	"sync"

	"github.com/google/uuid"
)

// Guard хранит владельцев участников, ключом служит идентификатор участника.
type Guard struct {
	mu     sync.Mutex
	owners map[uuid.UUID]string
}

// New создаёт пустой реестр.
func New() *Guard {
	return &Guard{owners: make(map[uuid.UUID]string)}
}

// Lease подтверждает владение участником. Release можно вызывать повторно.
type Lease struct {
	g    *Guard
	id   uuid.UUID
	once sync.Once
}

// TryAcquire захватывает участника для владельца owner. Если участником уже владеют,
// возвращает текущего владельца и false.
func (g *Guard) TryAcquire(id uuid.UUID, owner string) (*Lease, string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if current, held := g.owners[id]; held {
		return nil, current, false
	}
	g.owners[id] = owner
	return &Lease{g: g, id: id}, owner, true
}

// Held сообщает, захвачен ли участник.
func (g *Guard) Held(id uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, held := g.owners[id]
	return held
}

// Owner возвращает текущего владельца участника.
func (g *Guard) Owner(id uuid.UUID) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	owner, held := g.owners[id]
	return owner, held
}

// Len возвращает число захваченных участников.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.owners)
}

// ID возвращает идентификатор захваченного участника.
func (l *Lease) ID() uuid.UUID {
	return l.id
}

// Release освобождает участника.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.g.mu.Lock()
		delete(l.g.owners, l.id)
		l.g.mu.Unlock()
	})
}

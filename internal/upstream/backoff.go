package upstream

import (
	"sync"
	"time"
)

const (
	// MaxRetries задаёт число повторов сверх первой попытки.
	MaxRetries = 3
	// MaxBackoff ограничивает задержку сверху.
	MaxBackoff = 120 * time.Second
)

// Backoff хранит общее для процесса состояние задержек. Сервис ограничивает частоту
// глобально, поэтому 429 от разных участников накапливаются, а не начинаются заново.
// Один экземпляр переживает пересоздание клиента при смене настроек.
type Backoff struct {
	mu sync.Mutex

	initialGeneral   time.Duration
	initialRateLimit time.Duration
	ceiling          time.Duration

	general   time.Duration
	rateLimit time.Duration

	generalStreak   int
	rateLimitStreak int
}

// BackoffState содержит снимок состояния задержек.
type BackoffState struct {
	General         time.Duration `json:"general"`
	RateLimit       time.Duration `json:"rate_limit"`
	GeneralStreak   int           `json:"general_streak"`
	RateLimitStreak int           `json:"rate_limit_streak"`
}

// NewBackoff создаёт состояние задержек с начальными значениями.
func NewBackoff(general, rateLimit time.Duration) *Backoff {
	b := &Backoff{ceiling: MaxBackoff}
	b.SetInitial(general, rateLimit)
	return b
}

// WithCeiling переопределяет потолок задержки.
func (b *Backoff) WithCeiling(ceiling time.Duration) *Backoff {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ceiling > 0 {
		b.ceiling = ceiling
	}
	b.initialGeneral = min(b.initialGeneral, b.ceiling)
	b.initialRateLimit = min(b.initialRateLimit, b.ceiling)
	b.general = min(b.general, b.ceiling)
	b.rateLimit = min(b.rateLimit, b.ceiling)
	return b
}

// SetInitial меняет начальные задержки. Текущая серия неудач сохраняется:
// новые значения вступают в силу после ближайшего успеха.
func (b *Backoff) SetInitial(general, rateLimit time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.initialGeneral = clampPositive(general, b.ceiling)
	b.initialRateLimit = clampPositive(rateLimit, b.ceiling)
	if b.generalStreak == 0 {
		b.general = b.initialGeneral
	}
	if b.rateLimitStreak == 0 {
		b.rateLimit = b.initialRateLimit
	}
}

// Failure регистрирует неудачу указанного вида и возвращает задержку перед повтором.
// После ответа текущая задержка удваивается, но не превышает потолок.
func (b *Backoff) Failure(kind Kind, retryAfter time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	var delay time.Duration
	switch kind {
	case KindRateLimited:
		delay = b.rateLimit
		b.rateLimit = double(b.rateLimit, b.ceiling)
		b.rateLimitStreak++
	default:
		delay = b.general
		b.general = double(b.general, b.ceiling)
		b.generalStreak++
	}

	if retryAfter > delay {
		delay = min(retryAfter, b.ceiling)
	}
	return delay
}

// Success сбрасывает задержки к начальным значениям.
func (b *Backoff) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.general = b.initialGeneral
	b.rateLimit = b.initialRateLimit
	b.generalStreak = 0
	b.rateLimitStreak = 0
}

// RateLimitDelay возвращает текущую задержку после 429.
func (b *Backoff) RateLimitDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rateLimit
}

// GeneralDelay возвращает текущую задержку после временной ошибки.
func (b *Backoff) GeneralDelay() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.general
}

// State возвращает снимок состояния.
func (b *Backoff) State() BackoffState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BackoffState{
		General:         b.general,
		RateLimit:       b.rateLimit,
		GeneralStreak:   b.generalStreak,
		RateLimitStreak: b.rateLimitStreak,
	}
}

func double(d, ceiling time.Duration) time.Duration {
	if d >= ceiling/2 {
		return ceiling
	}
	return d * 2
}

func clampPositive(d, ceiling time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	return min(d, ceiling)
}

package token

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"mailpulse/internal/logging"
)

const (
	// RefreshThreshold is the safety margin before real expiry at which a
	// token is already treated as due for renewal.
	RefreshThreshold = 5 * time.Minute

	// refreshRetryCooldown spaces out rescheduling after a failed
	// background refresh so proactive renewal self-heals without hammering.
	refreshRetryCooldown = 60 * time.Second

	flightKey = "acquire"
)

// Source is one identity source the manager acquires tokens from. silent
// acquisition must never prompt the user.
type Source interface {
	Name() string
	Acquire(ctx context.Context, silent bool) (CachedToken, error)
}

// Manager owns the cached token for one identity source. It guarantees at
// most one in-flight acquisition under concurrent demand and schedules
// proactive renewal ahead of expiry.
type Manager struct {
	source Source
	logger *logging.Logger
	now    func() time.Time

	flight     singleflight.Group
	mu         sync.Mutex
	cached     *CachedToken
	refreshing bool
	autoGen    int
	timer      *time.Timer
}

func NewManager(source Source, logger *logging.Logger) *Manager {
	if source == nil {
		panic("token.NewManager: source must not be nil")
	}
	if logger == nil {
		panic("token.NewManager: logger must not be nil")
	}
	return &Manager{source: source, logger: logger, now: time.Now}
}

// Token returns a currently valid token, acquiring one if the cache is
// empty or inside the refresh threshold. Concurrent callers share a single
// acquisition and observe its identical outcome.
func (m *Manager) Token(ctx context.Context) (string, error) {
	return m.token(ctx, false)
}

func (m *Manager) token(ctx context.Context, silent bool) (string, error) {
	if cached, ok := m.validCached(); ok {
		return cached.Value, nil
	}

	value, err, _ := m.flight.Do(flightKey, func() (any, error) {
		// A caller queued behind a refresh that already completed.
		if cached, ok := m.validCached(); ok {
			return cached.Value, nil
		}

		m.setRefreshing(true)
		defer m.setRefreshing(false)

		m.logger.Debug("acquiring token",
			logging.Field("source", m.source.Name()),
			logging.Field("silent", silent),
		)
		acquired, acquireErr := m.source.Acquire(ctx, silent)
		if acquireErr != nil {
			m.logger.Warn("token acquisition failed",
				logging.Field("source", m.source.Name()),
				logging.Field("error", acquireErr),
			)
			return nil, acquireErr
		}

		m.storeCached(acquired)
		m.logger.Info("token acquired",
			logging.Field("source", m.source.Name()),
			logging.Field("token", logging.Redact(acquired.Value)),
			logging.Field("expires_at", acquired.ExpiresAt.Format(time.RFC3339)),
		)
		return acquired.Value, nil
	})
	if err != nil {
		return "", err
	}
	return value.(string), nil
}

// ForceRefresh discards the cached token and any shared in-flight slot so
// the next Token call performs a fresh acquisition.
func (m *Manager) ForceRefresh() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
	m.flight.Forget(flightKey)
	m.logger.Debug("token cache cleared", logging.Field("source", m.source.Name()))
}

// Clear drops the cached token and stops proactive renewal. Used on
// sign-out and teardown.
func (m *Manager) Clear() {
	m.StopAutoRefresh()
	m.ForceRefresh()
}

// StartAutoRefresh schedules proactive renewal: a one-shot timer at
// expiresAt minus the refresh threshold, rescheduled from each new expiry.
// Failed background refreshes reschedule after a fixed cooldown. Restarting
// supersedes any earlier schedule.
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	m.mu.Lock()
	m.autoGen++
	gen := m.autoGen
	m.mu.Unlock()
	m.scheduleRefresh(ctx, gen, m.refreshDelay())
}

func (m *Manager) StopAutoRefresh() {
	m.mu.Lock()
	m.autoGen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.mu.Unlock()
}

func (m *Manager) refreshDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil {
		return 0
	}
	delay := m.cached.ExpiresAt.Add(-RefreshThreshold).Sub(m.now())
	if delay < 0 {
		return 0
	}
	return delay
}

func (m *Manager) scheduleRefresh(ctx context.Context, gen int, delay time.Duration) {
	m.mu.Lock()
	if gen != m.autoGen {
		m.mu.Unlock()
		return
	}
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() { m.autoRefreshFire(ctx, gen) })
	m.mu.Unlock()
	m.logger.Debug("scheduled proactive token refresh",
		logging.Field("source", m.source.Name()),
		logging.Field("delay", delay.String()),
	)
}

func (m *Manager) autoRefreshFire(ctx context.Context, gen int) {
	if ctx.Err() != nil {
		return
	}
	m.mu.Lock()
	stale := gen != m.autoGen
	m.mu.Unlock()
	if stale {
		return
	}

	// Background renewal must never prompt: silent acquisition only.
	if _, err := m.token(ctx, true); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("proactive token refresh failed",
			logging.Field("source", m.source.Name()),
			logging.Field("error", err),
			logging.Field("retry_in", refreshRetryCooldown.String()),
		)
		m.scheduleRefresh(ctx, gen, refreshRetryCooldown)
		return
	}
	m.scheduleRefresh(ctx, gen, m.refreshDelay())
}

func (m *Manager) validCached() (CachedToken, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached == nil || !m.cached.ValidAt(m.now(), RefreshThreshold) {
		return CachedToken{}, false
	}
	return *m.cached, true
}

func (m *Manager) storeCached(tok CachedToken) {
	m.mu.Lock()
	m.cached = &tok
	m.mu.Unlock()
}

func (m *Manager) setRefreshing(active bool) {
	m.mu.Lock()
	m.refreshing = active
	m.mu.Unlock()
}

// Status is a point-in-time snapshot for display surfaces.
type Status struct {
	Source        string
	Authenticated bool
	Valid         bool
	Refreshing    bool
	ExpiresIn     time.Duration
	RefreshIn     time.Duration
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := Status{Source: m.source.Name(), Refreshing: m.refreshing}
	if m.cached == nil {
		return status
	}
	now := m.now()
	status.Authenticated = m.cached.Value != ""
	status.Valid = m.cached.ValidAt(now, RefreshThreshold)
	status.ExpiresIn = m.cached.TimeToExpiry(now)
	status.RefreshIn = status.ExpiresIn - RefreshThreshold
	if status.RefreshIn < 0 {
		status.RefreshIn = 0
	}
	return status
}

package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/pushwatch/internal/clock"
)

// ChannelLister loads the channels the tracking identity can read.
type ChannelLister interface {
	VisibleChannelIDs(ctx context.Context, limit int) ([]string, error)
}

// ChannelSet is an immutable set of canonical channel ids.
type ChannelSet map[string]struct{}

// Has reports whether id is in the set.
func (s ChannelSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// MembershipConfig tunes a MembershipCache.
type MembershipConfig struct {
	TTL   time.Duration
	Limit int
	// Normalize maps platform ids to their canonical form before caching.
	Normalize func(string) string
	Clock     clock.Clock
	Logger    *slog.Logger
}

// MembershipCache keeps a long-lived snapshot of visible channel ids and
// refreshes it lazily. A failed refresh keeps serving the last good snapshot.
type MembershipCache struct {
	mu        sync.Mutex
	lister    ChannelLister
	cfg       MembershipConfig
	clock     clock.Clock
	logger    *slog.Logger
	ids       ChannelSet
	loadedAt  time.Time
	loaded    bool
	refreshes uint64
	failures  uint64
}

// NewMembershipCache creates a cache backed by lister.
func NewMembershipCache(lister ChannelLister, cfg MembershipConfig) *MembershipCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Normalize == nil {
		cfg.Normalize = func(s string) string { return s }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MembershipCache{
		lister: lister,
		cfg:    cfg,
		clock:  clock.OrReal(cfg.Clock),
		logger: logger,
		ids:    ChannelSet{},
	}
}

// VisibleChannelIDs returns the cached set while it is younger than the TTL,
// otherwise refreshes synchronously. An error is returned only when no
// snapshot has ever loaded.
func (m *MembershipCache) VisibleChannelIDs(ctx context.Context) (ChannelSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded && m.clock.Now().Sub(m.loadedAt) < m.cfg.TTL {
		return m.ids, nil
	}
	return m.refreshLocked(ctx)
}

// ForceRefresh invalidates the snapshot and reloads it.
func (m *MembershipCache) ForceRefresh(ctx context.Context) (ChannelSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedAt = time.Time{}
	return m.refreshLocked(ctx)
}

// Invalidate marks the snapshot stale without reloading; the next read
// refreshes it.
func (m *MembershipCache) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadedAt = time.Time{}
}

// Age returns how old the snapshot is, or -1 if nothing loaded yet.
func (m *MembershipCache) Age() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return -1
	}
	return m.clock.Now().Sub(m.loadedAt)
}

// Size returns the number of channels in the snapshot.
func (m *MembershipCache) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ids)
}

func (m *MembershipCache) refreshLocked(ctx context.Context) (ChannelSet, error) {
	raw, err := m.lister.VisibleChannelIDs(ctx, m.cfg.Limit)
	if err != nil {
		m.failures++
		if m.loaded {
			m.logger.Warn("Membership refresh failed, serving stale snapshot",
				"error", err, "channels", len(m.ids), "age", m.clock.Now().Sub(m.loadedAt))
			return m.ids, nil
		}
		m.logger.Error("Membership refresh failed with no snapshot", "error", err)
		return ChannelSet{}, err
	}

	ids := make(ChannelSet, len(raw))
	for _, id := range raw {
		if id = m.cfg.Normalize(id); id != "" {
			ids[id] = struct{}{}
		}
	}
	m.ids = ids
	m.loadedAt = m.clock.Now()
	m.loaded = true
	m.refreshes++
	m.logger.Info("Membership snapshot refreshed", "channels", len(ids))
	return m.ids, nil
}

// Package detector matches forwarded channel posts against active placements,
// records PLACEMENT and REMOVE detections and announces them.
package detector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/pushwatch/internal/bus"
	"github.com/KafClaw/pushwatch/internal/cache"
	"github.com/KafClaw/pushwatch/internal/clock"
	"github.com/KafClaw/pushwatch/internal/platform"
	"github.com/KafClaw/pushwatch/internal/storage"
)

// Store is the slice of storage.Repository the engine uses.
type Store interface {
	ActivePlacementsForChannel(ctx context.Context, channelID string) ([]storage.Candidate, error)
	RecordPlacementDetection(ctx context.Context, d storage.Detection) (int64, error)
	PlacementDetectionsForPosts(ctx context.Context, channelID string, postIDs []string) ([]storage.DetectedPost, error)
	InsertDetection(ctx context.Context, d storage.Detection) (int64, error)
}

// ChannelDirectory resolves channel metadata for notifications.
type ChannelDirectory interface {
	ChannelMetadata(ctx context.Context, channelID string) (platform.ChannelMetadata, error)
}

// Publisher receives outbound notifications. *bus.MessageBus implements it.
type Publisher interface {
	PublishOutbound(n *bus.Notification)
}

// Config tunes the engine.
type Config struct {
	Identity           string        `json:"identity" envconfig:"IDENTITY"`
	DedupCapacity      int           `json:"dedupCapacity" envconfig:"DEDUP_CAPACITY"`
	MatchTTL           time.Duration `json:"matchTtl" envconfig:"MATCH_TTL"`
	MatchCacheSize     int           `json:"matchCacheSize" envconfig:"MATCH_CACHE_SIZE"`
	MatchSweepInterval time.Duration `json:"matchSweepInterval" envconfig:"MATCH_SWEEP_INTERVAL"`
	MetadataTimeout    time.Duration `json:"metadataTimeout" envconfig:"METADATA_TIMEOUT"`
	Workers            int           `json:"workers" envconfig:"WORKERS"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		DedupCapacity:      10000,
		MatchTTL:           5 * time.Minute,
		MatchCacheSize:     5000,
		MatchSweepInterval: time.Minute,
		MetadataTimeout:    10 * time.Second,
		Workers:            4,
	}
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Identity     string           `json:"identity"`
	Posts        int64            `json:"posts"`
	Deletions    int64            `json:"deletions"`
	Ignored      int64            `json:"ignored"`
	Duplicates   int64            `json:"duplicates"`
	Processed    int64            `json:"processed"`
	NotForwarded int64            `json:"not_forwarded"`
	Lookups      int64            `json:"lookups"`
	Matches      int64            `json:"matches"`
	Misses       int64            `json:"misses"`
	Detections   int64            `json:"detections"`
	Removals     int64            `json:"removals"`
	Errors       int64            `json:"errors"`
	Resets       int64            `json:"resets"`
	DedupSize    int              `json:"dedup_size"`
	MatchCache   cache.CacheStats `json:"match_cache"`
}

// Engine is the detection pipeline. Events for the same (channel, message)
// pass the dedup set once; everything else runs concurrently.
type Engine struct {
	cfg       Config
	store     Store
	directory ChannelDirectory
	notifier  Publisher
	clock     clock.Clock
	logger    *slog.Logger
	identity  string

	dedup   *cache.DedupSet
	matches *cache.TTLCache[matchKey, MatchResult]

	posts        atomic.Int64
	deletions    atomic.Int64
	ignored      atomic.Int64
	duplicates   atomic.Int64
	processed    atomic.Int64
	notForwarded atomic.Int64
	lookups      atomic.Int64
	matched      atomic.Int64
	misses       atomic.Int64
	detections   atomic.Int64
	removals     atomic.Int64
	errs         atomic.Int64
	resets       atomic.Int64
}

// Option customises an Engine.
type Option func(*Engine)

// WithClock sets the engine clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = clock.OrReal(c) }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New builds an engine. directory may be nil, in which case notifications
// carry an unknown channel descriptor.
func New(cfg Config, store Store, directory ChannelDirectory, notifier Publisher, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("detector: nil store")
	}
	if notifier == nil {
		return nil, errors.New("detector: nil notifier")
	}
	d := DefaultConfig()
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = d.DedupCapacity
	}
	if cfg.MatchTTL <= 0 {
		cfg.MatchTTL = d.MatchTTL
	}
	if cfg.MatchCacheSize <= 0 {
		cfg.MatchCacheSize = d.MatchCacheSize
	}
	if cfg.MatchSweepInterval <= 0 {
		cfg.MatchSweepInterval = d.MatchSweepInterval
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = d.MetadataTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = d.Workers
	}

	e := &Engine{
		cfg:       cfg,
		store:     store,
		directory: directory,
		notifier:  notifier,
		clock:     clock.New(),
		logger:    slog.Default(),
		dedup:     cache.NewDedupSet(cfg.DedupCapacity),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.matches = cache.NewTTLCache[matchKey, MatchResult](cfg.MatchTTL, cfg.MatchCacheSize, e.clock)
	e.identity = cfg.Identity
	if e.identity == "" {
		e.identity = defaultIdentity()
	}
	return e, nil
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "pushwatch"
	}
	return host + "/" + uuid.NewString()
}

// Identity names this process in detection rows.
func (e *Engine) Identity() string {
	return e.identity
}

// Run consumes inbound events with cfg.Workers goroutines and sweeps the
// match cache until ctx is done.
func (e *Engine) Run(ctx context.Context, b *bus.MessageBus) error {
	e.logger.Info("Detection engine started", "identity", e.identity, "workers", e.cfg.Workers)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		e.matches.RunSweeper(gctx, e.cfg.MatchSweepInterval)
		return nil
	})
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				ev, err := b.ConsumeInbound(gctx)
				if err != nil {
					return nil
				}
				e.HandleEvent(gctx, ev)
			}
		})
	}
	err := g.Wait()
	e.logger.Info("Detection engine stopped", "identity", e.identity)
	return err
}

// HandleEvent dispatches one event. Failures, including panics, are logged
// and counted; they never reach the caller.
func (e *Engine) HandleEvent(ctx context.Context, ev bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.errs.Add(1)
			e.logger.Error("Detection engine: event handler panicked",
				"kind", ev.Kind, "trace_id", ev.TraceID, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	switch ev.Kind {
	case bus.EventNewPost:
		if ev.Post != nil {
			e.OnPost(ctx, *ev.Post)
		}
	case bus.EventDeletion:
		if ev.Deletion != nil {
			e.OnDeletion(ctx, *ev.Deletion)
		}
	default:
		e.ignored.Add(1)
	}
}

// OnPost runs the detection pipeline for one channel post.
func (e *Engine) OnPost(ctx context.Context, p bus.NewPost) {
	e.posts.Add(1)
	if p.Outgoing || !p.ChannelPost {
		e.ignored.Add(1)
		return
	}
	channel := platform.NormalizeChannelID(p.ChannelID)
	message := platform.NormalizeMessageID(p.MessageID)
	if channel == "" || message == "" {
		e.ignored.Add(1)
		return
	}
	if !e.dedup.Add(channel + ":" + message) {
		e.duplicates.Add(1)
		return
	}
	e.processed.Add(1)

	if p.FwdFrom == nil {
		e.notForwarded.Add(1)
		return
	}
	originChannel := platform.NormalizeChannelID(p.FwdFrom.ChannelID)
	originMessage := platform.NormalizeMessageID(p.FwdFrom.MessageID)
	if originChannel == "" || originMessage == "" {
		e.notForwarded.Add(1)
		return
	}

	res := e.MatchForward(ctx, originChannel, originMessage, channel)
	if !res.Detected {
		e.misses.Add(1)
		return
	}
	e.matched.Add(1)
	e.onMatch(ctx, p, message, res)
}

// MatchForward reports whether a post on the observed channel forwarded from
// (originChannelID, originMessageID) is an active placement. Results, hits
// and misses alike, are cached for the match TTL. A failed lookup counts as
// no match and is not cached.
func (e *Engine) MatchForward(ctx context.Context, originChannelID, originMessageID, observedChannelID string) MatchResult {
	key := matchKey{originChannel: originChannelID, originMessage: originMessageID, observed: observedChannelID}
	if res, ok := e.matches.Get(key); ok {
		return res
	}

	e.lookups.Add(1)
	res := MatchResult{OriginChannelID: originChannelID, OriginMessageID: originMessageID, ChannelID: observedChannelID}
	candidates, err := e.store.ActivePlacementsForChannel(ctx, observedChannelID)
	if err != nil {
		e.errs.Add(1)
		e.logger.Warn("Detection engine: placement lookup failed", "channel", observedChannelID, "error", err)
		return res
	}
	for _, c := range candidates {
		ok, err := candidateMatches(c, originChannelID, originMessageID)
		if err != nil {
			e.logger.Warn("Detection engine: skipping placement with malformed edit record",
				"placement_id", c.PlacementID, "error", err)
			continue
		}
		if ok {
			res.Detected = true
			res.PlacementID = c.PlacementID
			res.CampaignName = c.CampaignName
			break
		}
	}
	e.matches.Put(key, res)
	return res
}

func (e *Engine) onMatch(ctx context.Context, p bus.NewPost, postID string, res MatchResult) {
	info := e.channelInfo(ctx, res.ChannelID)
	at := p.Date
	if at.IsZero() {
		at = e.clock.Now()
	}

	id, err := e.store.RecordPlacementDetection(ctx, storage.Detection{
		PlacementID: res.PlacementID,
		PostID:      postID,
		ActionAt:    at,
		DetectedBy:  e.identity,
	})
	if err != nil {
		e.errs.Add(1)
		e.logger.Error("Detection engine: failed to record detection",
			"placement_id", res.PlacementID, "channel", res.ChannelID, "post_id", postID, "error", err)
		return
	}
	e.detections.Add(1)
	e.logger.Info("Placement detected",
		"placement_id", res.PlacementID, "campaign", res.CampaignName, "channel", res.ChannelID, "post_id", postID)

	e.notifier.PublishOutbound(&bus.Notification{
		Kind: bus.NotifyDetection,
		Detection: &bus.DetectionNotice{
			DetectionID:     id,
			PlacementID:     res.PlacementID,
			CampaignName:    res.CampaignName,
			Channel:         info,
			PostID:          postID,
			OriginChannelID: res.OriginChannelID,
			OriginMessageID: res.OriginMessageID,
			Views:           p.Views,
			Forwards:        p.Forwards,
			At:              at,
		},
		Timestamp: e.clock.Now(),
	})
}

// channelInfo fetches metadata best-effort. Any failure yields an unknown
// descriptor carrying only the id.
func (e *Engine) channelInfo(ctx context.Context, channelID string) bus.ChannelInfo {
	info := bus.ChannelInfo{ID: channelID}
	if e.directory == nil {
		return info
	}
	mctx, cancel := context.WithTimeout(ctx, e.cfg.MetadataTimeout)
	defer cancel()
	meta, err := e.directory.ChannelMetadata(mctx, channelID)
	if err != nil {
		e.logger.Warn("Detection engine: channel metadata unavailable", "channel", channelID, "error", err)
		return info
	}
	info.Handle = meta.Handle
	info.Title = meta.Title
	info.Visibility = string(meta.Visibility)
	info.MemberCount = meta.MemberCount
	info.Known = true
	return info
}

// OnDeletion records a REMOVE detection for every tracked post among the
// deleted messages and emits one consolidated removal notification.
func (e *Engine) OnDeletion(ctx context.Context, d bus.Deletion) {
	e.deletions.Add(1)
	channel := platform.NormalizeChannelID(d.ChannelID)
	var ids []string
	for _, id := range d.MessageIDs {
		if id = platform.NormalizeMessageID(id); id != "" {
			ids = append(ids, id)
		}
	}
	if channel == "" || len(ids) == 0 {
		e.ignored.Add(1)
		return
	}

	found, err := e.store.PlacementDetectionsForPosts(ctx, channel, ids)
	if err != nil {
		e.errs.Add(1)
		e.logger.Warn("Detection engine: removal lookup failed", "channel", channel, "error", err)
		return
	}
	if len(found) == 0 {
		return
	}

	at := d.Date
	if at.IsZero() {
		at = e.clock.Now()
	}
	items := make([]bus.RemovedPlacement, 0, len(found))
	for _, f := range found {
		_, err := e.store.InsertDetection(ctx, storage.Detection{
			Type:        storage.DetectionRemove,
			PlacementID: f.PlacementID,
			PostID:      f.PostID,
			ActionAt:    at,
			DetectedBy:  e.identity,
		})
		if err != nil {
			e.errs.Add(1)
			e.logger.Error("Detection engine: failed to record removal",
				"placement_id", f.PlacementID, "post_id", f.PostID, "error", err)
			continue
		}
		e.removals.Add(1)
		items = append(items, bus.RemovedPlacement{PlacementID: f.PlacementID, CampaignName: f.CampaignName, PostID: f.PostID})
	}
	if len(items) == 0 {
		return
	}
	e.logger.Info("Placements removed", "channel", channel, "count", len(items))
	e.notifier.PublishOutbound(&bus.Notification{
		Kind:      bus.NotifyRemoval,
		Removal:   &bus.RemovalNotice{ChannelID: channel, Items: items, At: at},
		Timestamp: e.clock.Now(),
	})
}

// InvalidatePlacements drops every cached match result. Call it after
// placements are created or change status outside this process.
func (e *Engine) InvalidatePlacements() {
	e.matches.Purge()
}

// Reset clears the dedup set and the match cache.
func (e *Engine) Reset() {
	e.dedup.Reset()
	e.matches.Purge()
	e.resets.Add(1)
	e.logger.Info("Detection engine state reset")
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Identity:     e.identity,
		Posts:        e.posts.Load(),
		Deletions:    e.deletions.Load(),
		Ignored:      e.ignored.Load(),
		Duplicates:   e.duplicates.Load(),
		Processed:    e.processed.Load(),
		NotForwarded: e.notForwarded.Load(),
		Lookups:      e.lookups.Load(),
		Matches:      e.matched.Load(),
		Misses:       e.misses.Load(),
		Detections:   e.detections.Load(),
		Removals:     e.removals.Load(),
		Errors:       e.errs.Load(),
		Resets:       e.resets.Load(),
		DedupSize:    e.dedup.Len(),
		MatchCache:   e.matches.Stats(),
	}
}

// String is used in logs.
func (s Stats) String() string {
	return fmt.Sprintf("posts=%d processed=%d duplicates=%d matches=%d detections=%d removals=%d errors=%d",
		s.Posts, s.Processed, s.Duplicates, s.Matches, s.Detections, s.Removals, s.Errors)
}

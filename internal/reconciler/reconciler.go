// Package reconciler periodically refreshes engagement metrics for detected
// placements and reports on channels the tracking identity cannot read.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
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

// ErrAlreadyRunning is returned by Run while another run is in flight.
var ErrAlreadyRunning = errors.New("reconciler: run already in progress")

// Store is the slice of storage.Repository the reconciler uses.
type Store interface {
	DetectedPlacements(ctx context.Context, campaignStatuses []string, limit int) ([]storage.TrackedPlacement, error)
	LatestPlacementDetection(ctx context.Context, placementID int64) (string, bool, error)
	AppendInsight(ctx context.Context, in storage.Insight) (int64, error)
}

// Membership supplies the set of channels the tracking identity can read.
// *cache.MembershipCache implements it.
type Membership interface {
	VisibleChannelIDs(ctx context.Context) (cache.ChannelSet, error)
}

// Snapshotter fetches live message statistics.
type Snapshotter interface {
	MessageSnapshot(ctx context.Context, channelID, messageID string) (platform.MessageSnapshot, error)
}

// Publisher receives the run report.
type Publisher interface {
	PublishOutbound(n *bus.Notification)
}

// Config tunes a reconciler.
type Config struct {
	CampaignStatuses []string      `json:"campaignStatuses" envconfig:"CAMPAIGN_STATUSES"`
	RowLimit         int           `json:"rowLimit" envconfig:"ROW_LIMIT"`
	BatchSize        int           `json:"batchSize" envconfig:"BATCH_SIZE"`
	BatchDelay       time.Duration `json:"batchDelay" envconfig:"BATCH_DELAY"`
	ReportChannelCap int           `json:"reportChannelCap" envconfig:"REPORT_CHANNEL_CAP"`
}

// DefaultConfig returns the reconciler defaults.
func DefaultConfig() Config {
	return Config{
		CampaignStatuses: []string{storage.CampaignOnGoing, storage.CampaignShot},
		RowLimit:         100,
		BatchSize:        10,
		BatchDelay:       2 * time.Second,
		ReportChannelCap: 10,
	}
}

// Stats is a snapshot of cumulative reconciler counters.
type Stats struct {
	Runs          int64             `json:"runs"`
	SkippedRuns   int64             `json:"skipped_runs"`
	FailedRuns    int64             `json:"failed_runs"`
	TotalUpdates  int64             `json:"total_updates"`
	TotalFailures int64             `json:"total_failures"`
	TotalDeferred int64             `json:"total_deferred"`
	NotMember     int64             `json:"not_member"`
	Running       bool              `json:"running"`
	LastReport    *bus.ReportNotice `json:"last_report,omitempty"`
}

// Reconciler is the reconciliation engine.
type Reconciler struct {
	cfg        Config
	store      Store
	membership Membership
	client     Snapshotter
	notifier   Publisher
	clock      clock.Clock
	logger     *slog.Logger

	running atomic.Bool

	mu            sync.Mutex
	runs          int64
	skippedRuns   int64
	failedRuns    int64
	totalUpdates  int64
	totalFailures int64
	totalDeferred int64
	notMember     int64
	lastReport    *bus.ReportNotice
}

// Option customises a Reconciler.
type Option func(*Reconciler)

// WithClock sets the clock used for delays and timestamps.
func WithClock(c clock.Clock) Option {
	return func(r *Reconciler) { r.clock = clock.OrReal(c) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// New builds a reconciler. notifier may be nil when the caller consumes the
// returned reports directly.
func New(cfg Config, store Store, membership Membership, client Snapshotter, notifier Publisher, opts ...Option) (*Reconciler, error) {
	if store == nil || membership == nil || client == nil {
		return nil, errors.New("reconciler: store, membership and client are required")
	}
	d := DefaultConfig()
	if len(cfg.CampaignStatuses) == 0 {
		cfg.CampaignStatuses = d.CampaignStatuses
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = d.RowLimit
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.ReportChannelCap <= 0 {
		cfg.ReportChannelCap = d.ReportChannelCap
	}
	r := &Reconciler{
		cfg:        cfg,
		store:      store,
		membership: membership,
		client:     client,
		notifier:   notifier,
		clock:      clock.New(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// outcome is the per-item result of a run.
type outcome int

const (
	outcomeUpdated outcome = iota
	outcomeSkipped
	outcomeNotMember
	outcomeDeferred
	outcomeError
)

// runState accumulates item outcomes from concurrent workers.
type runState struct {
	mu        sync.Mutex
	updated   int
	skipped   int
	deferred  int
	errors    int
	notMember map[string]*bus.NotMemberChannel
	order     []string
}

func (s *runState) record(p storage.TrackedPlacement, o outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch o {
	case outcomeUpdated:
		s.updated++
	case outcomeSkipped:
		s.skipped++
	case outcomeDeferred:
		s.deferred++
	case outcomeError:
		s.errors++
	case outcomeNotMember:
		ch, ok := s.notMember[p.ChannelID]
		if !ok {
			ch = &bus.NotMemberChannel{ChannelID: p.ChannelID, Handle: p.Handle}
			s.notMember[p.ChannelID] = ch
			s.order = append(s.order, p.ChannelID)
		}
		ch.Placements = append(ch.Placements, bus.PlacementRef{ID: p.PlacementID, CampaignName: p.CampaignName})
	}
}

// Run performs one reconciliation pass and publishes its report. A call made
// while another run is in flight returns ErrAlreadyRunning immediately.
func (r *Reconciler) Run(ctx context.Context) (*bus.ReportNotice, error) {
	if !r.running.CompareAndSwap(false, true) {
		r.mu.Lock()
		r.skippedRuns++
		r.mu.Unlock()
		r.logger.Info("Reconciliation already running, skipping")
		return nil, ErrAlreadyRunning
	}
	defer r.running.Store(false)

	started := r.clock.Now()
	report := &bus.ReportNotice{RunID: uuid.NewString(), StartedAt: started}
	log := r.logger.With("run_id", report.RunID)

	placements, err := r.store.DetectedPlacements(ctx, r.cfg.CampaignStatuses, r.cfg.RowLimit)
	if err != nil {
		r.failRun()
		return nil, fmt.Errorf("load detected placements: %w", err)
	}
	if len(placements) == 0 {
		report.NoRows = true
		log.Info("Reconciliation found no detected placements")
		r.finish(report, &runState{})
		return report, nil
	}

	visible, err := r.membership.VisibleChannelIDs(ctx)
	if err != nil {
		r.failRun()
		return nil, fmt.Errorf("load visible channels: %w", err)
	}

	log.Info("Reconciliation started", "placements", len(placements), "visible_channels", len(visible))
	state := &runState{notMember: map[string]*bus.NotMemberChannel{}}
	for start := 0; start < len(placements); start += r.cfg.BatchSize {
		end := min(start+r.cfg.BatchSize, len(placements))
		var g errgroup.Group
		for _, p := range placements[start:end] {
			g.Go(func() error {
				state.record(p, r.reconcile(ctx, log, visible, p))
				return nil
			})
		}
		_ = g.Wait()

		if end < len(placements) && r.cfg.BatchDelay > 0 {
			if err := r.clock.Sleep(ctx, r.cfg.BatchDelay); err != nil {
				log.Warn("Reconciliation interrupted between batches", "processed", end, "error", err)
				break
			}
		}
	}

	report.Total = len(placements)
	r.finish(report, state)
	return report, nil
}

// reconcile handles one placement.
func (r *Reconciler) reconcile(ctx context.Context, log *slog.Logger, visible cache.ChannelSet, p storage.TrackedPlacement) outcome {
	channel := platform.NormalizeChannelID(p.ChannelID)
	if !visible.Has(channel) {
		return outcomeNotMember
	}

	postID, ok, err := r.store.LatestPlacementDetection(ctx, p.PlacementID)
	if err != nil {
		log.Warn("Reconciliation: detection lookup failed", "placement_id", p.PlacementID, "error", err)
		return outcomeError
	}
	if !ok {
		return outcomeSkipped
	}

	snap, err := r.client.MessageSnapshot(ctx, channel, postID)
	if err != nil {
		if wait, ok := platform.AsFloodWait(err); ok {
			log.Warn("Reconciliation: flood wait, deferring placement to next run",
				"placement_id", p.PlacementID, "wait", wait)
			_ = r.clock.Sleep(ctx, wait)
			return outcomeDeferred
		}
		switch {
		case errors.Is(err, platform.ErrChannelPrivate):
			return outcomeNotMember
		case errors.Is(err, platform.ErrMessageNotFound):
			log.Info("Reconciliation: tracked post no longer exists", "placement_id", p.PlacementID, "post_id", postID)
			return outcomeSkipped
		}
		log.Warn("Reconciliation: snapshot failed", "placement_id", p.PlacementID, "channel", channel, "error", err)
		return outcomeError
	}

	if _, err := r.store.AppendInsight(ctx, storage.Insight{
		PlacementID: p.PlacementID,
		Views:       snap.Views,
		Shares:      snap.Forwards,
		RecordedAt:  r.clock.Now(),
	}); err != nil {
		log.Warn("Reconciliation: insight append failed", "placement_id", p.PlacementID, "error", err)
		return outcomeError
	}
	return outcomeUpdated
}

func (r *Reconciler) failRun() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs++
	r.failedRuns++
}

func (r *Reconciler) finish(report *bus.ReportNotice, state *runState) {
	state.mu.Lock()
	report.Updated = state.updated
	report.Skipped = state.skipped
	report.Deferred = state.deferred
	report.Errors = state.errors
	notMember := len(state.order)
	for i, id := range state.order {
		if i >= r.cfg.ReportChannelCap {
			report.NotMemberOmitted = notMember - r.cfg.ReportChannelCap
			break
		}
		report.NotMember = append(report.NotMember, *state.notMember[id])
	}
	state.mu.Unlock()
	report.Duration = r.clock.Now().Sub(report.StartedAt)

	r.mu.Lock()
	r.runs++
	r.totalUpdates += int64(report.Updated)
	r.totalFailures += int64(report.Errors + report.Deferred)
	r.totalDeferred += int64(report.Deferred)
	r.notMember += int64(notMember)
	report.TotalUpdates = r.totalUpdates
	report.TotalFailures = r.totalFailures
	r.lastReport = report
	r.mu.Unlock()

	r.logger.Info("Reconciliation finished",
		"run_id", report.RunID, "total", report.Total, "updated", report.Updated,
		"errors", report.Errors, "deferred", report.Deferred, "skipped", report.Skipped,
		"not_member_channels", notMember, "duration", report.Duration)

	if r.notifier != nil {
		r.notifier.PublishOutbound(&bus.Notification{
			Kind:      bus.NotifyReport,
			Report:    report,
			Timestamp: r.clock.Now(),
		})
	}
}

// Running reports whether a run is in flight.
func (r *Reconciler) Running() bool {
	return r.running.Load()
}

// Stats returns cumulative counters and the last report.
func (r *Reconciler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		Runs:          r.runs,
		SkippedRuns:   r.skippedRuns,
		FailedRuns:    r.failedRuns,
		TotalUpdates:  r.totalUpdates,
		TotalFailures: r.totalFailures,
		TotalDeferred: r.totalDeferred,
		NotMember:     r.notMember,
		Running:       r.running.Load(),
		LastReport:    r.lastReport,
	}
}

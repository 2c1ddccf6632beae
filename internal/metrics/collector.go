package metrics

import (
	"context"
	"time"

	"github.com/KafClaw/pushwatch/internal/detector"
	"github.com/KafClaw/pushwatch/internal/reconciler"
	"github.com/KafClaw/pushwatch/internal/scheduler"
	"github.com/KafClaw/pushwatch/internal/storage"
)

// Sources are the components the collector polls. Nil entries are skipped.
type Sources struct {
	Gateway    interface{ Stats() storage.PoolStats }
	Detector   interface{ Stats() detector.Stats }
	Reconciler interface{ Stats() reconciler.Stats }
	Membership interface {
		Size() int
		Age() time.Duration
	}
	Bus interface {
		InboundSize() int
		OutboundSize() int
	}
	Notifier interface {
		Sent() int64
		Failed() int64
	}
	Scheduler interface{ Stats() []scheduler.JobStats }
}

// Collector copies component statistics into the prometheus collectors.
type Collector struct {
	src      Sources
	interval time.Duration
	lastRun  string
}

// NewCollector returns a collector polling src every interval (15s when
// interval is not positive).
func NewCollector(src Sources, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{src: src, interval: interval}
}

// Run collects immediately and then on every interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect performs one poll. It is not safe for concurrent use.
func (c *Collector) Collect() {
	c.collectGateway()
	c.collectDetector()
	c.collectMembership()
	c.collectReconciler()
	c.collectBus()
	c.collectScheduler()
}

func (c *Collector) collectGateway() {
	if c.src.Gateway == nil {
		return
	}
	s := c.src.Gateway.Stats()
	DBConnections.WithLabelValues("open").Set(float64(s.OpenConnections))
	DBConnections.WithLabelValues("in_use").Set(float64(s.InUse))
	DBConnections.WithLabelValues("idle").Set(float64(s.Idle))
	DBConnections.WithLabelValues("max").Set(float64(s.MaxOpenConnections))
	DBConnected.Set(boolGauge(s.Connected))
	DBQueueDepth.Set(float64(s.QueueDepth))
	DBRequests.WithLabelValues("executed").Set(float64(s.Executed))
	DBRequests.WithLabelValues("failed").Set(float64(s.Failed))
	DBRequests.WithLabelValues("retried").Set(float64(s.Retries))
	DBRequests.WithLabelValues("dropped").Set(float64(s.Dropped))
	DBRequests.WithLabelValues("stale").Set(float64(s.Stale))
}

func (c *Collector) collectDetector() {
	if c.src.Detector == nil {
		return
	}
	s := c.src.Detector.Stats()
	for outcome, v := range map[string]int64{
		"processed":     s.Processed,
		"duplicate":     s.Duplicates,
		"ignored":       s.Ignored,
		"not_forwarded": s.NotForwarded,
		"matched":       s.Matches,
		"missed":        s.Misses,
		"detection":     s.Detections,
		"removal":       s.Removals,
		"error":         s.Errors,
	} {
		DetectorEvents.WithLabelValues(outcome).Set(float64(v))
	}
	DetectorDedupSize.Set(float64(s.DedupSize))
	MatchCacheEntries.Set(float64(s.MatchCache.Entries))
	MatchCacheLookups.WithLabelValues("hit").Set(float64(s.MatchCache.Hits))
	MatchCacheLookups.WithLabelValues("miss").Set(float64(s.MatchCache.Misses))
}

func (c *Collector) collectMembership() {
	if c.src.Membership == nil {
		return
	}
	MembershipChannels.Set(float64(c.src.Membership.Size()))
	age := c.src.Membership.Age()
	if age < 0 {
		MembershipAge.Set(-1)
		return
	}
	MembershipAge.Set(age.Seconds())
}

func (c *Collector) collectReconciler() {
	if c.src.Reconciler == nil {
		return
	}
	s := c.src.Reconciler.Stats()
	ReconcileRuns.WithLabelValues("completed").Set(float64(s.Runs - s.FailedRuns))
	ReconcileRuns.WithLabelValues("failed").Set(float64(s.FailedRuns))
	ReconcileRuns.WithLabelValues("skipped").Set(float64(s.SkippedRuns))
	ReconcileItems.WithLabelValues("updated").Set(float64(s.TotalUpdates))
	ReconcileItems.WithLabelValues("failed").Set(float64(s.TotalFailures))
	ReconcileItems.WithLabelValues("deferred").Set(float64(s.TotalDeferred))
	ReconcileItems.WithLabelValues("not_member").Set(float64(s.NotMember))
	if r := s.LastReport; r != nil && r.RunID != c.lastRun {
		c.lastRun = r.RunID
		ReconcileDuration.Observe(r.Duration.Seconds())
	}
}

func (c *Collector) collectBus() {
	if c.src.Bus != nil {
		BusQueue.WithLabelValues("inbound").Set(float64(c.src.Bus.InboundSize()))
		BusQueue.WithLabelValues("outbound").Set(float64(c.src.Bus.OutboundSize()))
	}
	if c.src.Notifier != nil {
		Notifications.WithLabelValues("sent").Set(float64(c.src.Notifier.Sent()))
		Notifications.WithLabelValues("failed").Set(float64(c.src.Notifier.Failed()))
	}
}

func (c *Collector) collectScheduler() {
	if c.src.Scheduler == nil {
		return
	}
	for _, js := range c.src.Scheduler.Stats() {
		SchedulerJobRuns.WithLabelValues(js.Name, "ok").Set(float64(js.Runs - js.Failures))
		SchedulerJobRuns.WithLabelValues(js.Name, "failed").Set(float64(js.Failures))
		SchedulerJobRuns.WithLabelValues(js.Name, "skipped").Set(float64(js.Skipped))
		SchedulerJobRunning.WithLabelValues(js.Name).Set(boolGauge(js.Running))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

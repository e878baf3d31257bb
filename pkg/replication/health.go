package replication

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
	"github.com/supporttools/GoDRGuard/pkg/storage"
)

const maxConcurrentProbes = 4

func (s *Service) healthLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTimer(s.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(s.ctx, s.cfg.HealthCheckInterval)
			s.CheckHealth(ctx)
			cancel()
			ticker.Reset(s.cfg.HealthCheckInterval)
		}
	}
}

// Health returns the last health report
func (s *Service) Health() HealthReport {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	out := s.health
	out.Sites = append([]SiteHealth(nil), s.health.Sites...)
	return out
}

// CheckHealth probes every live storage target and derives the tier from the
// share of reachable targets. A worse tier than the previous report raises an
// alert, a better one an info notice.
func (s *Service) CheckHealth(ctx context.Context) HealthReport {
	targets := s.registry.Targets()
	sites := make([]SiteHealth, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentProbes)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			sites[i] = s.probe(gctx, t)
			return nil
		})
	}
	_ = g.Wait()

	s.annotate(sites)

	available := 0
	for _, site := range sites {
		if site.Available {
			available++
		}
	}
	ratio := 1.0
	if len(sites) > 0 {
		ratio = float64(available) / float64(len(sites))
	}
	report := HealthReport{
		Tier:         TierFor(ratio),
		HealthyRatio: ratio,
		Sites:        sites,
		CheckedAt:    s.clock.Now(),
	}

	s.healthMu.Lock()
	prev := s.health.Tier
	s.health = report
	s.healthMu.Unlock()

	s.events.Publish(events.Event{
		OperationID: "replication",
		Operation:   events.OpSiteHealth,
		Stage:       string(report.Tier),
		Message:     fmt.Sprintf("%d of %d storage sites available", available, len(sites)),
		Progress:    ratio * 100,
		Time:        report.CheckedAt,
	})

	switch {
	case report.Tier.rank() > prev.rank():
		sev := alerting.SeverityWarning
		if report.Tier == TierCritical {
			sev = alerting.SeverityCritical
		}
		s.logger.Warnf("Warning: replication health degraded from %s to %s (%d of %d sites available)", prev, report.Tier, available, len(sites))
		s.alertHealth(sev, "Replication health degraded",
			fmt.Sprintf("Replication health changed from %s to %s: %d of %d storage sites available", prev, report.Tier, available, len(sites)))
	case report.Tier.rank() < prev.rank():
		s.logger.Infof("Replication health recovered from %s to %s", prev, report.Tier)
		s.alertHealth(alerting.SeverityInfo, "Replication health recovered",
			fmt.Sprintf("Replication health changed from %s to %s", prev, report.Tier))
	}
	return report
}

func (s *Service) probe(ctx context.Context, t storage.Target) SiteHealth {
	site := SiteHealth{Backend: t.Name, Region: t.Region, Available: true}
	store, err := s.registry.Resolve(storage.Location{Backend: t.Name, Region: t.Region})
	if err != nil {
		site.Available = false
		site.Error = err.Error()
		site.LastChecked = s.clock.Now()
		return site
	}

	start := s.clock.Now()
	if p, ok := store.(storage.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			site.Available = false
			site.Error = err.Error()
		}
	}
	site.Latency = s.clock.Now().Sub(start)

	if l, ok := store.(storage.Lister); ok && site.Available {
		objects, err := l.List(ctx, t.Bucket, t.Prefix)
		if err != nil {
			s.logger.Debugf("Failed to list %s for storage usage: %v", t.Name, err)
		}
		for _, o := range objects {
			site.StorageUsed += o.Size
		}
		site.ObjectCount = len(objects)
	}
	site.LastChecked = s.clock.Now()
	return site
}

// annotate adds per-region throughput, lag and queue figures
func (s *Service) annotate(sites []SiteHealth) {
	lag := make(map[string]time.Duration)
	lastSync := make(map[string]time.Time)
	for _, st := range s.statuses.List() {
		if st.Status != SyncSynced {
			continue
		}
		if st.Lag > lag[st.Region] {
			lag[st.Region] = st.Lag
		}
		if st.LastSync.After(lastSync[st.Region]) {
			lastSync[st.Region] = st.LastSync
		}
	}
	pending := make(map[string]int)
	for _, j := range s.jobs.List() {
		if j.State == StateQueued || j.State == StateRunning {
			pending[j.TargetRegion]++
		}
	}

	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	for i := range sites {
		r := sites[i].Region
		sites[i].Throughput = s.throughput[r]
		sites[i].Lag = lag[r]
		sites[i].LastSyncedAt = lastSync[r]
		sites[i].PendingJobs = pending[r]
		if r != s.cfg.SourceRegion {
			metrics.ReplicationLag.WithLabelValues(r).Set(lag[r].Seconds())
		}
	}
}

func (s *Service) alertHealth(sev alerting.Severity, title, msg string) {
	s.alerts.Notify(context.Background(), alerting.Alert{
		ID:       fmt.Sprintf("replication-health-%d", s.clock.Now().UnixNano()),
		Severity: sev,
		Source:   "replication",
		Title:    title,
		Message:  msg,
		Time:     s.clock.Now(),
	})
}

// RegionLag returns the lag of the copy most recently synced to region
func (s *Service) RegionLag(region string) (time.Duration, bool) {
	var (
		last  Status
		found bool
	)
	for _, st := range s.statuses.List() {
		if st.Region != region || st.Status != SyncSynced {
			continue
		}
		if !found || st.LastSync.After(last.LastSync) {
			last, found = st, true
		}
	}
	return last.Lag, found
}

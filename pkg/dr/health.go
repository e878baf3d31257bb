package dr

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/metrics"
)

// failuresBeforeFailed is how many consecutive failed probes mark a site
// failed rather than degraded
const failuresBeforeFailed = 3

// Prober measures the response time of a site
type Prober interface {
	Probe(ctx context.Context, site Site) (time.Duration, error)
}

// LagSource reports how far a region trails the primary
type LagSource interface {
	RegionLag(region string) (time.Duration, bool)
}

// HTTPProber issues a GET against the site's health URL. Sites without a
// URL are reported healthy with zero latency.
type HTTPProber struct {
	Client *http.Client
}

// Probe implements Prober
func (p HTTPProber) Probe(ctx context.Context, site Site) (time.Duration, error) {
	if site.HealthURL == "" {
		return 0, nil
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, site.HealthURL, nil)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return elapsed, fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return elapsed, nil
}

func (o *Orchestrator) healthLoop() {
	defer o.wg.Done()
	timer := o.clock.NewTimer(o.cfg.HealthCheckInterval)
	defer timer.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-timer.Chan():
			o.CheckHealth(o.ctx)
			timer.Reset(o.cfg.HealthCheckInterval)
		}
	}
}

// CheckHealth probes every site, updates their status and starts an
// automatic failover when the primary meets enough failure criteria
func (o *Orchestrator) CheckHealth(ctx context.Context) []Site {
	sites := o.sites.List()
	probed := make([]Site, len(sites))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, s := range sites {
		i, s := i, s
		g.Go(func() error {
			probed[i] = o.probe(gctx, s)
			return nil
		})
	}
	_ = g.Wait()

	for i, s := range probed {
		prev := sites[i]
		// role may have changed while probing
		err := o.sites.Update(s.ID, func(cur *Site) error {
			role := cur.Role
			*cur = s
			cur.Role = role
			return nil
		})
		if err != nil {
			o.logger.Warnf("Warning: failed to store health of site %s: %v", s.ID, err)
			continue
		}
		if prev.Status != s.Status {
			o.siteTransition(prev, s)
		}
	}

	o.evaluatePrimary(ctx)
	return o.sites.List()
}

func (o *Orchestrator) probe(ctx context.Context, s Site) Site {
	if s.Status == SiteMaintenance {
		return s
	}
	pctx, cancel := context.WithTimeout(ctx, o.cfg.HealthCheckTimeout)
	rt, err := o.prober.Probe(pctx, s)
	cancel()

	s.LastHealthCheck = o.clock.Now()
	s.ResponseTime = rt
	s.Recent = append(s.Recent, err == nil)
	if len(s.Recent) > uptimeWindow {
		s.Recent = s.Recent[len(s.Recent)-uptimeWindow:]
	}
	ok := 0
	for _, r := range s.Recent {
		if r {
			ok++
		}
	}
	s.Uptime = float64(ok) / float64(len(s.Recent))

	switch {
	case err != nil:
		s.ConsecutiveFailures++
		s.LastError = err.Error()
		if s.ConsecutiveFailures >= failuresBeforeFailed {
			s.Status = SiteFailed
		} else {
			s.Status = SiteDegraded
		}
	case o.cfg.ResponseTimeCeiling > 0 && rt > o.cfg.ResponseTimeCeiling:
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.Status = SiteDegraded
	default:
		s.ConsecutiveFailures = 0
		s.LastError = ""
		s.Status = SiteHealthy
	}

	if o.lag != nil && s.Role == RoleSecondary {
		if lag, ok := o.lag.RegionLag(s.Region); ok {
			s.ReplicationLag, s.LagKnown = lag, true
		}
	}

	metrics.SetSiteStatus(s.ID, string(s.Status))
	metrics.SiteResponseTime.WithLabelValues(s.ID).Set(rt.Seconds())
	return s
}

func (o *Orchestrator) siteTransition(prev, cur Site) {
	sev := alerting.SeverityWarning
	switch cur.Status {
	case SiteFailed:
		sev = alerting.SeverityCritical
	case SiteHealthy:
		sev = alerting.SeverityInfo
	}
	o.logger.Infof("Site %s: %s -> %s", cur.ID, prev.Status, cur.Status)
	o.alert(sev, fmt.Sprintf("Site %s is %s", cur.ID, cur.Status),
		fmt.Sprintf("Site %s (%s, %s) changed from %s to %s. %s", cur.ID, cur.Region, cur.Role, prev.Status, cur.Status, cur.LastError), "")
	o.events.Publish(events.Event{
		OperationID: cur.ID,
		Operation:   events.OpSiteHealth,
		Stage:       string(cur.Status),
		Message:     cur.LastError,
		Time:        o.clock.Now(),
	})
}

// FailureCriteria lists which automatic-failover criteria a site meets
func FailureCriteria(s Site, uptimeThreshold float64, ceiling time.Duration) []string {
	var out []string
	if s.Status == SiteFailed {
		out = append(out, "status failed")
	}
	if uptimeThreshold > 0 && len(s.Recent) > 0 && s.Uptime < uptimeThreshold {
		out = append(out, fmt.Sprintf("uptime %.0f%% below %.0f%%", s.Uptime*100, uptimeThreshold*100))
	}
	if ceiling > 0 && s.ResponseTime > ceiling {
		out = append(out, fmt.Sprintf("response time %s above %s", s.ResponseTime.Round(time.Millisecond), ceiling))
	}
	return out
}

func (o *Orchestrator) evaluatePrimary(ctx context.Context) {
	primary, ok := o.Primary()
	if !ok || primary.Status == SiteMaintenance {
		return
	}
	criteria := FailureCriteria(primary, o.cfg.UptimeFailureThreshold, o.cfg.ResponseTimeCeiling)
	if len(criteria) < o.cfg.FailureCriteriaMin {
		return
	}
	if _, active := o.Active(); active {
		return
	}
	o.logger.Warnf("Warning: primary site %s meets %d failure criteria: %v", primary.ID, len(criteria), criteria)
	_, err := o.start(ctx, Request{
		Trigger: TriggerAutomatic,
		Reason:  fmt.Sprintf("primary %s unhealthy", primary.ID),
		Actor:   "system:health",
	}, criteria)
	if err != nil {
		o.logger.Errorf("Automatic failover not started: %v", err)
	}
}

// SelectTarget picks the failover target: healthy secondaries with automatic
// failover enabled and a known lag below rpo, by priority then lag
func SelectTarget(sites []Site, rpo time.Duration) (Site, bool) {
	var candidates []Site
	for _, s := range sites {
		if s.Role != RoleSecondary || s.Status != SiteHealthy || !s.AutoFailover {
			continue
		}
		if !s.LagKnown || (rpo > 0 && s.ReplicationLag >= rpo) {
			continue
		}
		candidates = append(candidates, s)
	}
	if len(candidates) == 0 {
		return Site{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].ReplicationLag < candidates[j].ReplicationLag
	})
	return candidates[0], true
}

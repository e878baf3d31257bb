package dr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/replication"
)

// ErrSkipped is returned by an executor for a step that does not apply, such
// as a DNS change during a drill
var ErrSkipped = errors.New("step skipped")

// StepContext is what a step knows about the failover it belongs to
type StepContext struct {
	EventID string
	Source  Site
	Target  Site
	Drill   bool
	// BackupID is set by the first step that picks a backup and reused by
	// later steps
	BackupID string
}

// Executor runs one step attempt
type Executor interface {
	Execute(ctx context.Context, sc *StepContext, step RecoveryStep) (string, error)
	Rollback(ctx context.Context, sc *StepContext, step RecoveryStep) error
}

// BackupSource finds and restores backups
type BackupSource interface {
	LatestVerified(region string) (catalog.BackupRecord, error)
	RestoreBackup(ctx context.Context, backupID string, target common.Target, opts backup.RestoreOptions) (*backup.RestoreResult, error)
}

// Syncer replicates a backup on demand
type Syncer interface {
	ReplicateNow(ctx context.Context, backupID, region string, priority int) (replication.Job, error)
	Wait(ctx context.Context, id string) (replication.Job, error)
}

// CommandRunner runs shell commands for service, custom and rollback steps
type CommandRunner interface {
	Run(ctx context.Context, command string, env []string) error
}

// ShellRunner runs commands with sh -c
type ShellRunner struct {
	Logger *logrus.Entry
}

// Run implements CommandRunner
func (r ShellRunner) Run(ctx context.Context, command string, env []string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if r.Logger != nil {
		r.Logger.Debugf("Running %q", command)
	}
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("command %q failed: %w: %s", command, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Runner is the default Executor
type Runner struct {
	Backups      BackupSource
	Sync         Syncer
	Commands     CommandRunner
	HTTP         *http.Client
	SourceRegion string
}

// Execute implements Executor
func (r *Runner) Execute(ctx context.Context, sc *StepContext, step RecoveryStep) (string, error) {
	switch step.Type {
	case StepBackupRestore:
		return r.restore(ctx, sc, *step.BackupRestore)
	case StepDataSync:
		p := DataSyncParams{Wait: true}
		if step.DataSync != nil {
			p = *step.DataSync
		}
		return r.sync(ctx, sc, p)
	case StepValidation:
		p := ValidationParams{}
		if step.Validation != nil {
			p = *step.Validation
		}
		return r.validate(ctx, sc, p)
	case StepDNSUpdate:
		if sc.Drill {
			return "", ErrSkipped
		}
		return r.dns(ctx, sc, *step.DNSUpdate)
	case StepServiceStart:
		if sc.Drill {
			return "", ErrSkipped
		}
		if err := r.run(ctx, sc, step.ServiceStart.Command); err != nil {
			return "", err
		}
		return fmt.Sprintf("started %s", step.ServiceStart.Service), nil
	case StepCustom:
		if sc.Drill {
			return "", ErrSkipped
		}
		if err := r.run(ctx, sc, step.Custom.Command); err != nil {
			return "", err
		}
		return "command succeeded", nil
	}
	return "", fmt.Errorf("unknown step type %q", step.Type)
}

// Rollback implements Executor
func (r *Runner) Rollback(ctx context.Context, sc *StepContext, step RecoveryStep) error {
	return r.run(ctx, sc, step.Rollback)
}

func (r *Runner) run(ctx context.Context, sc *StepContext, command string) error {
	if r.Commands == nil {
		return fmt.Errorf("no command runner configured")
	}
	env := []string{
		"DR_EVENT_ID=" + sc.EventID,
		"DR_SOURCE_SITE=" + sc.Source.ID,
		"DR_TARGET_SITE=" + sc.Target.ID,
		"DR_TARGET_REGION=" + sc.Target.Region,
		"DR_BACKUP_ID=" + sc.BackupID,
		fmt.Sprintf("DR_DRILL=%t", sc.Drill),
	}
	return r.Commands.Run(ctx, command, env)
}

func (r *Runner) latest(region string) (catalog.BackupRecord, error) {
	if r.Backups == nil {
		return catalog.BackupRecord{}, fmt.Errorf("no backup source configured")
	}
	return r.Backups.LatestVerified(region)
}

func (r *Runner) restore(ctx context.Context, sc *StepContext, p BackupRestoreParams) (string, error) {
	if r.Backups == nil {
		return "", fmt.Errorf("no backup source configured")
	}
	id := sc.BackupID
	if id == "" {
		rec, err := r.latest(sc.Target.Region)
		if err != nil {
			return "", err
		}
		id = rec.ID
		sc.BackupID = id
	}
	target := common.Target{Host: p.Host, Port: p.Port, Username: p.Username, Database: p.Database}
	if p.PasswordEnv != "" {
		target.Password = os.Getenv(p.PasswordEnv)
	}
	res, err := r.Backups.RestoreBackup(ctx, id, target, backup.RestoreOptions{
		ValidateOnly:   sc.Drill,
		VerifyChecksum: p.VerifyChecksum,
	})
	if err != nil {
		return "", err
	}
	if sc.Drill {
		return fmt.Sprintf("validated backup %s for %s", id, target), nil
	}
	return fmt.Sprintf("restored backup %s into %s", res.BackupID, res.Target), nil
}

func (r *Runner) sync(ctx context.Context, sc *StepContext, p DataSyncParams) (string, error) {
	if r.Sync == nil {
		return "", fmt.Errorf("no replication service configured")
	}
	rec, err := r.latest(r.SourceRegion)
	if err != nil {
		return "", err
	}
	sc.BackupID = rec.ID
	if _, ok := rec.LocationIn(sc.Target.Region); ok {
		return fmt.Sprintf("backup %s already present in %s", rec.ID, sc.Target.Region), nil
	}
	job, err := r.Sync.ReplicateNow(ctx, rec.ID, sc.Target.Region, p.Priority)
	if err != nil {
		return "", err
	}
	if !p.Wait {
		return fmt.Sprintf("queued replication job %s", job.ID), nil
	}
	job, err = r.Sync.Wait(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if job.State != replication.StateCompleted {
		return "", fmt.Errorf("replication job %s %s: %s", job.ID, job.State, job.Error)
	}
	return fmt.Sprintf("replicated backup %s to %s", rec.ID, sc.Target.Region), nil
}

func (r *Runner) validate(ctx context.Context, sc *StepContext, p ValidationParams) (string, error) {
	if p.MaxLag > 0 && sc.Target.LagKnown && sc.Target.ReplicationLag > p.MaxLag {
		return "", fmt.Errorf("target lag %s exceeds %s", sc.Target.ReplicationLag, p.MaxLag)
	}
	url := p.URL
	if url == "" {
		url = sc.Target.HealthURL
	}
	if url == "" {
		if sc.Target.Status == SiteFailed {
			return "", fmt.Errorf("target site %s is failed", sc.Target.ID)
		}
		return "target site status " + string(sc.Target.Status), nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if p.ExpectStatus != 0 {
		if resp.StatusCode != p.ExpectStatus {
			return "", fmt.Errorf("%s returned %d, want %d", url, resp.StatusCode, p.ExpectStatus)
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return fmt.Sprintf("%s returned %d", url, resp.StatusCode), nil
}

type dnsChange struct {
	Record string `json:"record"`
	Type   string `json:"type"`
	Value  string `json:"value"`
	TTL    int    `json:"ttl"`
	Event  string `json:"event"`
}

func (r *Runner) dns(ctx context.Context, sc *StepContext, p DNSUpdateParams) (string, error) {
	change := dnsChange{Record: p.Record, Type: p.Type, Value: p.Value, TTL: p.TTL, Event: sc.EventID}
	if change.Type == "" {
		change.Type = "CNAME"
	}
	if change.Value == "" {
		change.Value = sc.Target.ID + "." + sc.Target.Region
	}
	if change.TTL == 0 {
		change.TTL = 60
	}
	body, err := json.Marshal(change)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client().Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("DNS API %s returned %d", p.Endpoint, resp.StatusCode)
	}
	return fmt.Sprintf("%s %s -> %s", change.Type, change.Record, change.Value), nil
}

func (r *Runner) client() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

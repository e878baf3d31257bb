// Package controlplane assembles the backup, verification, replication,
// retention, restore-testing and DR services into one running process.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/juju/clock"
	"github.com/sirupsen/logrus"

	"github.com/supporttools/GoDRGuard/pkg/adminserver"
	"github.com/supporttools/GoDRGuard/pkg/alerting"
	"github.com/supporttools/GoDRGuard/pkg/backup"
	"github.com/supporttools/GoDRGuard/pkg/catalog"
	"github.com/supporttools/GoDRGuard/pkg/config"
	"github.com/supporttools/GoDRGuard/pkg/database"
	"github.com/supporttools/GoDRGuard/pkg/database/common"
	"github.com/supporttools/GoDRGuard/pkg/dr"
	"github.com/supporttools/GoDRGuard/pkg/drerrors"
	"github.com/supporttools/GoDRGuard/pkg/encryption"
	"github.com/supporttools/GoDRGuard/pkg/events"
	"github.com/supporttools/GoDRGuard/pkg/replication"
	"github.com/supporttools/GoDRGuard/pkg/restoretest"
	"github.com/supporttools/GoDRGuard/pkg/retention"
	"github.com/supporttools/GoDRGuard/pkg/scheduler"
	"github.com/supporttools/GoDRGuard/pkg/state"
	"github.com/supporttools/GoDRGuard/pkg/storage"
	"github.com/supporttools/GoDRGuard/pkg/storage/local"
	"github.com/supporttools/GoDRGuard/pkg/storage/s3"
	"github.com/supporttools/GoDRGuard/pkg/verification"
)

// Infra holds the process-wide collaborators shared by every service
type Infra struct {
	Catalog      catalog.Store
	Registry     *storage.Registry
	Provider     common.Provider
	SourceTarget common.Target
	KeyRing      *encryption.KeyRing
	Bus          *events.Bus
	Alerts       alerting.Notifier
	Logger       *logrus.Logger
	Clock        clock.Clock
}

// Build creates the storage backends, catalog, key ring and database
// provider described by cfg
func Build(ctx context.Context, cfg *config.AppConfig, logger *logrus.Logger) (Infra, error) {
	in := Infra{
		Registry:     storage.NewRegistry(),
		SourceTarget: common.TargetFromConfig(cfg.Database),
		Bus:          events.NewBus(),
		Alerts:       alerting.NewDispatcher(cfg.Alerting, logger),
		Logger:       logger,
		Clock:        clock.WallClock,
	}

	archive := cfg.Storage.Archive.Backend
	if cfg.Storage.Local.Enabled {
		client, err := local.NewClient(cfg.Storage.Local.Directory)
		if err != nil {
			return in, err
		}
		in.Registry.Register(storage.Target{
			Name:    "local",
			Kind:    "local",
			Region:  cfg.Storage.Local.Region,
			Archive: archive == "local",
		}, client)
		logger.Infof("Registered local storage at %s (%s)", cfg.Storage.Local.Directory, cfg.Storage.Local.Region)
	}
	for _, sc := range cfg.Storage.S3 {
		client, err := s3.NewClient(ctx, sc, logger)
		if err != nil {
			return in, err
		}
		in.Registry.Register(storage.Target{
			Name:    sc.Name,
			Kind:    "s3",
			Region:  sc.Region,
			Bucket:  sc.Bucket,
			Prefix:  sc.Prefix,
			Archive: archive == sc.Name,
		}, client)
		logger.Infof("Registered S3 storage %s (bucket %s, %s)", sc.Name, sc.Bucket, sc.Region)
	}
	if len(in.Registry.Targets()) == 0 {
		return in, drerrors.Configuration("startup", fmt.Errorf("no storage backend is configured: %w", drerrors.ErrNoBackends))
	}

	var err error
	if cfg.CatalogDB.Enabled {
		in.Catalog, err = catalog.OpenDBStore(cfg.CatalogDB, cfg.Debug)
	} else {
		in.Catalog, err = catalog.NewFileStore(cfg.State.Directory)
	}
	if err != nil {
		return in, fmt.Errorf("failed to open backup catalog: %w", err)
	}

	if enc := cfg.Backup.Encryption; enc.Enabled {
		dir, name := cfg.State.Directory, "keyring"
		if enc.KeyringFile != "" {
			dir = filepath.Dir(enc.KeyringFile)
			name = strings.TrimSuffix(filepath.Base(enc.KeyringFile), filepath.Ext(enc.KeyringFile))
		}
		keys, err := state.Open[encryption.KeyInfo](dir, name)
		if err != nil {
			return in, fmt.Errorf("failed to open key ring: %w", err)
		}
		in.KeyRing, err = encryption.NewKeyRing(enc.MasterKeyHex, enc.KeyHistory, keys)
		if err != nil {
			return in, err
		}
	}

	in.Provider, err = database.New(cfg.Database)
	if err != nil {
		return in, drerrors.Configuration("startup", err)
	}
	return in, nil
}

// ControlPlane owns every service of a running process
type ControlPlane struct {
	cfg    *config.AppConfig
	infra  Infra
	logger *logrus.Entry

	Engine       *backup.Engine
	Verifier     *verification.Service
	Replication  *replication.Service
	Retention    *retention.Manager
	RestoreTests *restoretest.Service
	DR           *dr.Orchestrator
	Scheduler    *scheduler.Scheduler
	Server       *adminserver.Server

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	httpSrv  *http.Server
	stopOnce sync.Once
}

// Assemble wires the services over in. Disabled services stay nil.
func Assemble(cfg *config.AppConfig, in Infra) (*ControlPlane, error) {
	if in.Logger == nil {
		in.Logger = logrus.StandardLogger()
	}
	if in.Clock == nil {
		in.Clock = clock.WallClock
	}
	if in.Alerts == nil {
		in.Alerts = alerting.Nop{}
	}
	if in.Bus == nil {
		in.Bus = events.NewBus()
	}
	dir := cfg.State.Directory
	ctx, cancel := context.WithCancel(context.Background())
	c := &ControlPlane{
		cfg:    cfg,
		infra:  in,
		logger: in.Logger.WithField("component", "controlplane"),
		ctx:    ctx,
		cancel: cancel,
	}

	if n, err := catalog.FailPending(in.Catalog, in.Clock.Now()); err != nil {
		return nil, fmt.Errorf("failed to recover interrupted backups: %w", err)
	} else if n > 0 {
		c.logger.Warnf("Marked %d interrupted backup(s) as failed", n)
	}

	var err error
	c.Engine, err = backup.NewEngine(backup.Deps{
		Config:   cfg.Backup,
		Database: cfg.Database,
		Provider: in.Provider,
		Catalog:  in.Catalog,
		Registry: in.Registry,
		KeyRing:  in.KeyRing,
		Events:   in.Bus,
		Alerts:   in.Alerts,
		Logger:   in.Logger,
		Clock:    in.Clock,
	})
	if err != nil {
		return nil, err
	}

	c.Verifier, err = verification.New(verification.Deps{
		Config:       cfg.Verification,
		Engine:       c.Engine,
		Catalog:      in.Catalog,
		Source:       in.Provider,
		SourceTarget: in.SourceTarget,
		Results:      state.OpenOrMemory[verification.Result](dir, "verifications"),
		Events:       in.Bus,
		Alerts:       in.Alerts,
		Logger:       in.Logger,
		Clock:        in.Clock,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Replication.Enabled {
		c.Replication, err = replication.New(replication.Deps{
			Config:   cfg.Replication,
			Catalog:  in.Catalog,
			Registry: in.Registry,
			Rules:    state.OpenOrMemory[replication.Rule](dir, "replication_rules"),
			Jobs:     state.OpenOrMemory[replication.Job](dir, "replication_jobs"),
			Statuses: state.OpenOrMemory[replication.Status](dir, "replication_status"),
			Events:   in.Bus,
			Alerts:   in.Alerts,
			Logger:   in.Logger,
			Clock:    in.Clock,
		})
		if err != nil {
			return nil, err
		}
		if f := cfg.Replication.RulesFile; f != "" {
			n, err := c.Replication.LoadRules(f)
			if err != nil {
				return nil, err
			}
			c.logger.Infof("Loaded %d replication rule(s) from %s", n, f)
		}
	}

	if cfg.Retention.Enabled {
		c.Retention, err = retention.New(retention.Deps{
			Config:     cfg.Retention,
			Archive:    cfg.Storage.Archive,
			Catalog:    in.Catalog,
			Registry:   in.Registry,
			Policies:   state.OpenOrMemory[retention.Policy](dir, "retention_policies"),
			Executions: state.OpenOrMemory[retention.Execution](dir, "retention_executions"),
			Approvals:  state.OpenOrMemory[retention.Approval](dir, "retention_approvals"),
			Holds:      state.OpenOrMemory[retention.Hold](dir, "legal_holds"),
			Audit:      state.OpenOrMemory[retention.AuditEntry](dir, "retention_audit"),
			Events:     in.Bus,
			Alerts:     in.Alerts,
			Logger:     in.Logger,
			Clock:      in.Clock,
		})
		if err != nil {
			return nil, err
		}
		if f := cfg.Retention.PoliciesFile; f != "" {
			n, err := c.Retention.LoadPolicies(f)
			if err != nil {
				return nil, err
			}
			c.logger.Infof("Loaded %d retention policies from %s", n, f)
		}
	}

	if cfg.RestoreTesting.Enabled {
		c.RestoreTests, err = restoretest.New(restoretest.Deps{
			Config:       cfg.RestoreTesting,
			Engine:       c.Engine,
			Catalog:      in.Catalog,
			SourceConfig: cfg.Database,
			Source:       in.Provider,
			SourceTarget: in.SourceTarget,
			Runs:         state.OpenOrMemory[restoretest.Run](dir, "restore_tests"),
			Events:       in.Bus,
			Alerts:       in.Alerts,
			Logger:       in.Logger,
			Clock:        in.Clock,
		})
		if err != nil {
			return nil, err
		}
		if cfg.Verification.Restoration {
			c.Verifier.SetRestorer(c.RestoreTests)
		}
	}

	if cfg.DR.Enabled {
		runner := &dr.Runner{
			Backups:      c.Engine,
			Commands:     dr.ShellRunner{Logger: in.Logger.WithField("component", "dr")},
			SourceRegion: cfg.Replication.SourceRegion,
		}
		deps := dr.Deps{
			Config:   cfg.DR,
			Sites:    state.OpenOrMemory[dr.Site](dir, "dr_sites"),
			Plans:    state.OpenOrMemory[dr.RecoveryPlan](dir, "dr_plans"),
			History:  state.OpenOrMemory[dr.FailoverEvent](dir, "dr_failovers"),
			Executor: runner,
			Events:   in.Bus,
			Alerts:   in.Alerts,
			Logger:   in.Logger,
			Clock:    in.Clock,
		}
		if c.Replication != nil {
			runner.Sync = c.Replication
			deps.Lag = c.Replication
		}
		c.DR, err = dr.New(deps)
		if err != nil {
			return nil, err
		}
		if f := cfg.DR.PlansFile; f != "" {
			n, err := c.DR.LoadPlans(f)
			if err != nil {
				return nil, err
			}
			c.logger.Infof("Loaded %d recovery plan(s) from %s", n, f)
		}
	}

	c.Scheduler = scheduler.New(c.schedulerDeps())
	c.Server = adminserver.NewServer(cfg, adminserver.Services{
		Catalog:      in.Catalog,
		Backups:      c.Engine,
		Verifier:     c.Verifier,
		Replication:  c.Replication,
		Retention:    c.Retention,
		RestoreTests: c.RestoreTests,
		DR:           c.DR,
		Scheduler:    c.Scheduler,
	}, in.Logger)
	return c, nil
}

// schedulerDeps leaves the interface fields of disabled services nil so the
// scheduler registers no jobs for them
func (c *ControlPlane) schedulerDeps() scheduler.Deps {
	d := scheduler.Deps{
		Config:   c.cfg,
		Backups:  c.Engine,
		Verifier: c.Verifier,
		Logger:   c.infra.Logger,
	}
	if c.Retention != nil {
		d.Retention = c.Retention
	}
	if c.Replication != nil {
		d.Replication = c.Replication
	}
	if c.RestoreTests != nil {
		d.RestoreTests = c.RestoreTests
	}
	if c.DR != nil {
		d.Drills = c.DR
	}
	return d
}

// StartPipeline subscribes to backup completions and verifies then
// replicates each successful backup
func (c *ControlPlane) StartPipeline() {
	ch, unsubscribe := c.infra.Bus.SubscribeAll()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-c.ctx.Done():
				return
			case ev := <-ch:
				if ev.Operation != events.OpBackup || ev.Stage != backup.StageCompleted || ev.Error != "" {
					continue
				}
				c.wg.Add(1)
				go func(id string) {
					defer c.wg.Done()
					c.onBackupCompleted(c.ctx, id)
				}(ev.OperationID)
			}
		}
	}()
}

// onBackupCompleted verifies a fresh backup and hands it to replication.
// A backup that fails verification is never copied to other regions.
func (c *ControlPlane) onBackupCompleted(ctx context.Context, backupID string) {
	log := c.logger.WithField("backup", backupID)
	res, err := c.Verifier.Verify(ctx, backupID)
	switch {
	case err != nil && drerrors.ClassOf(err) == drerrors.ClassIntegrity:
		log.WithError(err).Error("Backup failed verification; skipping replication")
		return
	case err != nil:
		log.WithError(err).Warn("Verification could not run")
	case res.Status == verification.StatusFailed:
		log.WithField("verification", res.ID).Error("Backup failed verification; skipping replication")
		return
	}

	if c.Replication == nil {
		return
	}
	jobs, err := c.Replication.OnBackupCompleted(ctx, backupID)
	if err != nil {
		log.WithError(err).Error("Failed to schedule replication")
		return
	}
	if len(jobs) > 0 {
		log.Infof("Queued %d replication job(s)", len(jobs))
	}
}

// Start runs the workers, schedules and the admin server
func (c *ControlPlane) Start() error {
	if err := c.Scheduler.SetupJobs(); err != nil {
		return err
	}
	if c.Replication != nil {
		c.Replication.Start()
	}
	if c.DR != nil {
		c.DR.Start()
	}
	c.StartPipeline()
	c.Scheduler.Start()
	c.httpSrv = c.Server.Start()
	c.logger.Info("Control plane started")
	return nil
}

// Stop shuts everything down in reverse order of Start
func (c *ControlPlane) Stop(ctx context.Context) error {
	var errs []error
	c.stopOnce.Do(func() {
		if c.httpSrv != nil {
			if err := c.Server.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs = append(errs, err)
			}
		}
		c.Scheduler.Stop()
		c.cancel()
		c.wg.Wait()
		if c.DR != nil {
			c.DR.Stop()
		}
		if c.RestoreTests != nil {
			c.RestoreTests.Stop()
		}
		if c.Replication != nil {
			c.Replication.Stop()
		}
		c.logger.Info("Control plane stopped")
	})
	return errors.Join(errs...)
}

package dr

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/supporttools/GoDRGuard/pkg/drerrors"
)

var validate = validator.New()

// StepType selects the parameter block of a recovery step
type StepType string

const (
	StepBackupRestore StepType = "backup_restore"
	StepDNSUpdate     StepType = "dns_update"
	StepServiceStart  StepType = "service_start"
	StepDataSync      StepType = "data_sync"
	StepValidation    StepType = "validation"
	StepCustom        StepType = "custom"
)

const (
	defaultStepTimeout = 10 * time.Minute
	defaultRetryDelay  = 5 * time.Second
)

// BackupRestoreParams restore the newest verified backup held in the target
// region into a database server at the target site
type BackupRestoreParams struct {
	Host     string `json:"host" yaml:"host" validate:"required"`
	Port     int    `json:"port" yaml:"port" validate:"required,gt=0"`
	Username string `json:"username" yaml:"username" validate:"required"`
	// PasswordEnv names the environment variable holding the password
	PasswordEnv    string `json:"passwordEnv,omitempty" yaml:"passwordEnv"`
	Database       string `json:"database" yaml:"database" validate:"required"`
	VerifyChecksum bool   `json:"verifyChecksum" yaml:"verifyChecksum"`
}

// DNSUpdateParams repoint a record at the target site through a DNS API
type DNSUpdateParams struct {
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required,url"`
	Record   string `json:"record" yaml:"record" validate:"required"`
	Type     string `json:"type,omitempty" yaml:"type" validate:"omitempty,oneof=A AAAA CNAME"`
	// Value defaults to the target site's region-qualified name
	Value string `json:"value,omitempty" yaml:"value"`
	TTL   int    `json:"ttl,omitempty" yaml:"ttl" validate:"gte=0"`
}

// ServiceStartParams start a service at the target site
type ServiceStartParams struct {
	Service string `json:"service" yaml:"service" validate:"required"`
	Command string `json:"command" yaml:"command" validate:"required"`
}

// DataSyncParams replicate the newest verified backup to the target region
// before promotion
type DataSyncParams struct {
	Priority int  `json:"priority,omitempty" yaml:"priority"`
	Wait     bool `json:"wait" yaml:"wait"`
}

// ValidationParams check that the target site is ready to serve
type ValidationParams struct {
	// URL defaults to the target site's health URL
	URL          string        `json:"url,omitempty" yaml:"url" validate:"omitempty,url"`
	ExpectStatus int           `json:"expectStatus,omitempty" yaml:"expectStatus" validate:"omitempty,gte=100,lt=600"`
	MaxLag       time.Duration `json:"maxLag,omitempty" yaml:"maxLag" validate:"gte=0"`
}

// CustomParams run an arbitrary command
type CustomParams struct {
	Command string `json:"command" yaml:"command" validate:"required"`
}

// RecoveryStep is one typed step of a plan. Exactly the parameter block
// matching Type must be set.
type RecoveryStep struct {
	ID         string        `json:"id" yaml:"id" validate:"required"`
	Name       string        `json:"name" yaml:"name"`
	Type       StepType      `json:"type" yaml:"type" validate:"required,oneof=backup_restore dns_update service_start data_sync validation custom"`
	Timeout    time.Duration `json:"timeout,omitempty" yaml:"timeout" validate:"gte=0"`
	Retries    int           `json:"retries,omitempty" yaml:"retries" validate:"gte=0,lte=10"`
	RetryDelay time.Duration `json:"retryDelay,omitempty" yaml:"retryDelay" validate:"gte=0"`
	// Rollback is a command run when the step fails
	Rollback  string   `json:"rollback,omitempty" yaml:"rollback"`
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn"`

	BackupRestore *BackupRestoreParams `json:"backupRestore,omitempty" yaml:"backupRestore"`
	DNSUpdate     *DNSUpdateParams     `json:"dnsUpdate,omitempty" yaml:"dnsUpdate"`
	ServiceStart  *ServiceStartParams  `json:"serviceStart,omitempty" yaml:"serviceStart"`
	DataSync      *DataSyncParams      `json:"dataSync,omitempty" yaml:"dataSync"`
	Validation    *ValidationParams    `json:"validation,omitempty" yaml:"validation"`
	Custom        *CustomParams        `json:"custom,omitempty" yaml:"custom"`
}

func (s RecoveryStep) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return defaultStepTimeout
}

func (s RecoveryStep) retryDelay() time.Duration {
	if s.RetryDelay > 0 {
		return s.RetryDelay
	}
	return defaultRetryDelay
}

func (s RecoveryStep) clone() RecoveryStep {
	out := s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	if s.BackupRestore != nil {
		v := *s.BackupRestore
		out.BackupRestore = &v
	}
	if s.DNSUpdate != nil {
		v := *s.DNSUpdate
		out.DNSUpdate = &v
	}
	if s.ServiceStart != nil {
		v := *s.ServiceStart
		out.ServiceStart = &v
	}
	if s.DataSync != nil {
		v := *s.DataSync
		out.DataSync = &v
	}
	if s.Validation != nil {
		v := *s.Validation
		out.Validation = &v
	}
	if s.Custom != nil {
		v := *s.Custom
		out.Custom = &v
	}
	return out
}

// RecoveryPlan is an ordered template of steps that promotes a secondary.
// Steps run in declared order; DependsOn only documents intent.
type RecoveryPlan struct {
	ID          string         `json:"id" yaml:"id" validate:"required"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Steps       []RecoveryStep `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
}

// Clone implements state.Cloner
func (p RecoveryPlan) Clone() RecoveryPlan {
	out := p
	out.Steps = make([]RecoveryStep, len(p.Steps))
	for i, s := range p.Steps {
		out.Steps[i] = s.clone()
	}
	return out
}

// ValidatePlan checks tags, parameter blocks and step references
func ValidatePlan(p RecoveryPlan) error {
	if err := validate.Struct(p); err != nil {
		return drerrors.Configuration("plan", fmt.Errorf("invalid recovery plan %q: %w", p.ID, err))
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if seen[s.ID] {
			return drerrors.Configuration("plan", fmt.Errorf("recovery plan %s: duplicate step id %q", p.ID, s.ID))
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				return drerrors.Configuration("plan", fmt.Errorf("recovery plan %s: step %s depends on %q which is not an earlier step", p.ID, s.ID, dep))
			}
		}
		if err := validateStepParams(s); err != nil {
			return drerrors.Configuration("plan", fmt.Errorf("recovery plan %s: step %s: %w", p.ID, s.ID, err))
		}
		seen[s.ID] = true
	}
	return nil
}

func validateStepParams(s RecoveryStep) error {
	blocks := map[StepType]bool{
		StepBackupRestore: s.BackupRestore != nil,
		StepDNSUpdate:     s.DNSUpdate != nil,
		StepServiceStart:  s.ServiceStart != nil,
		StepDataSync:      s.DataSync != nil,
		StepValidation:    s.Validation != nil,
		StepCustom:        s.Custom != nil,
	}
	for t, set := range blocks {
		if set && t != s.Type {
			return fmt.Errorf("parameters for %s are not allowed on a %s step", t, s.Type)
		}
	}
	switch s.Type {
	case StepBackupRestore, StepDNSUpdate, StepServiceStart, StepCustom:
		if !blocks[s.Type] {
			return fmt.Errorf("%s step requires its parameters", s.Type)
		}
	}
	return nil
}

type plansFile struct {
	Plans []RecoveryPlan `yaml:"plans"`
}

// ReadPlans decodes a YAML plans file. Unknown fields and step types are
// rejected.
func ReadPlans(path string) ([]RecoveryPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, drerrors.Configuration("plan", fmt.Errorf("failed to read recovery plans file: %w", err))
	}
	return decodePlans(data)
}

func decodePlans(data []byte) ([]RecoveryPlan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f plansFile
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, drerrors.Configuration("plan", fmt.Errorf("failed to parse recovery plans: %w", err))
	}
	ids := make(map[string]bool)
	for _, p := range f.Plans {
		if ids[p.ID] {
			return nil, drerrors.Configuration("plan", fmt.Errorf("duplicate recovery plan id %q", p.ID))
		}
		ids[p.ID] = true
		if err := ValidatePlan(p); err != nil {
			return nil, err
		}
	}
	return f.Plans, nil
}

// DefaultPlan is used when no plan with the configured default id is stored:
// sync the newest verified backup to the target, then check the target's
// health endpoint
func DefaultPlan(id string) RecoveryPlan {
	return RecoveryPlan{
		ID:          id,
		Name:        "Default failover",
		Description: "Replicate the newest verified backup to the target region and validate the target site",
		Steps: []RecoveryStep{
			{ID: "sync", Name: "Sync newest backup", Type: StepDataSync, Retries: 2, DataSync: &DataSyncParams{Priority: 10, Wait: true}},
			{ID: "validate", Name: "Validate target", Type: StepValidation, Retries: 2, DependsOn: []string{"sync"}},
		},
	}
}

// Package drerrors defines the error taxonomy shared by the control-plane services.
package drerrors

import (
	"errors"
	"fmt"
)

// Class categorizes an error by how callers are expected to react to it.
type Class string

const (
	// ClassTransient covers network and storage timeouts; retried with bounded attempts.
	ClassTransient Class = "transient"
	// ClassIntegrity covers checksum and format failures; never retried automatically.
	ClassIntegrity Class = "integrity"
	// ClassPolicy covers approval timeouts and rejections; aborts only the affected action.
	ClassPolicy Class = "policy"
	// ClassConfiguration covers unknown ids and malformed definitions; fails fast.
	ClassConfiguration Class = "configuration"
	// ClassEnvironment covers missing database connections or storage backends.
	ClassEnvironment Class = "environment"
)

// Common sentinel errors
var (
	ErrNotFound         = errors.New("not found")
	ErrLegalHold        = errors.New("backup is under legal hold")
	ErrFailoverActive   = errors.New("a failover is already active")
	ErrNoFailoverTarget = errors.New("no eligible failover target")
	ErrApprovalTimeout  = errors.New("approval timed out")
	ErrApprovalDenied   = errors.New("approval rejected")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrKeyUnavailable   = errors.New("no retained key can decrypt artifact")
	ErrCancelled        = errors.New("operation cancelled")
	ErrNoBackends       = errors.New("no storage backends configured")
)

// Error carries a class, the stage at which an operation failed and the underlying cause.
type Error struct {
	Class Class
	Stage string
	Err   error
}

func (e *Error) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("%s failure at stage %s: %v", e.Class, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a class and stage.
func New(class Class, stage string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Stage: stage, Err: err}
}

// Transient wraps err as a transient infrastructure error.
func Transient(stage string, err error) error { return New(ClassTransient, stage, err) }

// Integrity wraps err as a data integrity error.
func Integrity(stage string, err error) error { return New(ClassIntegrity, stage, err) }

// Policy wraps err as a policy or approval error.
func Policy(stage string, err error) error { return New(ClassPolicy, stage, err) }

// Configuration wraps err as a configuration error.
func Configuration(stage string, err error) error { return New(ClassConfiguration, stage, err) }

// Environment wraps err as a fatal environment error.
func Environment(stage string, err error) error { return New(ClassEnvironment, stage, err) }

// ClassOf returns the class of err, or "" when err carries none.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// StageOf returns the failing stage recorded on err, or "".
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}

// IsRetryable reports whether err should be retried by a bounded retry policy.
// Unclassified errors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch ClassOf(err) {
	case ClassTransient, "":
		return !errors.Is(err, ErrCancelled) && !errors.Is(err, ErrChecksumMismatch)
	default:
		return false
	}
}

package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrImageRefInvalid      = errors.New("image_ref_invalid")
	ErrImageDigestMismatch  = errors.New("image_digest_mismatch")
	ErrUnsupportedAlgorithm = errors.New("unsupported_hash_algorithm")
	ErrScriptConsumed       = errors.New("script_already_consumed")
)

// ConfigurationError reports a workload description that cannot be built or
// resolved. It is fatal and raised before any marketplace activity.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "invalid workload configuration"
	}
	if e.Err == nil {
		return "configuration: " + reason
	}
	return fmt.Sprintf("configuration: %s: %v", reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// PaymentAccountError reports that no funded account exists for the
// requested payment driver and network.
type PaymentAccountError struct {
	Driver  string
	Network string
}

func (e *PaymentAccountError) Error() string {
	return fmt.Sprintf("no payment account initialized for driver %q and network %q", e.Driver, e.Network)
}

// DeploymentStepError reports a failed deploy or start step on one instance.
// It only terminates that instance.
type DeploymentStepError struct {
	Instance string
	Step     string
	Err      error
}

func (e *DeploymentStepError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("instance %s: step %s failed", e.Instance, e.Step)
	}
	return fmt.Sprintf("instance %s: step %s failed: %v", e.Instance, e.Step, e.Err)
}

func (e *DeploymentStepError) Unwrap() error {
	return e.Err
}

// IsPaymentAccountError unwraps err into a PaymentAccountError if it holds one.
func IsPaymentAccountError(err error) (*PaymentAccountError, bool) {
	var target *PaymentAccountError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

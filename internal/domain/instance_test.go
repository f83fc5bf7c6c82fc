package domain

import (
	"errors"
	"testing"
)

func TestCanTransitionInstanceState(t *testing.T) {
	cases := []struct {
		from InstanceState
		to   InstanceState
		want bool
	}{
		{InstanceStatePending, InstanceStateNegotiating, true},
		{InstanceStateNegotiating, InstanceStateRunning, true},
		{InstanceStatePending, InstanceStateTerminated, true},
		{InstanceStateRunning, InstanceStateRunning, true},
		{InstanceStateRunning, InstanceStatePending, false},
		{InstanceStateTerminated, InstanceStateRunning, false},
		{"", InstanceStateRunning, false},
	}
	for _, tc := range cases {
		if got := CanTransitionInstanceState(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransitionInstanceState(%q,%q)=%v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestNormalizeInstanceState(t *testing.T) {
	if got := NormalizeInstanceState(" Running "); got != InstanceStateRunning {
		t.Fatalf("NormalizeInstanceState()=%q", got)
	}
	if got := NormalizeInstanceState("deploying"); got != InstanceStateNegotiating {
		t.Fatalf("NormalizeInstanceState(deploying)=%q", got)
	}
	if got := NormalizeInstanceState("bogus"); got != "" {
		t.Fatalf("expected empty state for unknown value, got %q", got)
	}
}

func TestWithContext(t *testing.T) {
	instances := []Instance{
		{Name: "a", State: InstanceStatePending},
		{Name: "b", State: InstanceStateRunning, Context: &ExecutionContext{ActivityID: "act-1"}},
		{Name: "c", State: InstanceStateTerminated},
	}
	got := WithContext(instances)
	if len(got) != 1 || got[0].Name != "b" {
		t.Fatalf("unexpected filtered instances: %+v", got)
	}
}

func TestPaymentAccountErrorUnwrap(t *testing.T) {
	err := errors.Join(errors.New("other"), &PaymentAccountError{Driver: "erc20", Network: "goerli"})
	pae, ok := IsPaymentAccountError(err)
	if !ok {
		t.Fatalf("expected payment account error")
	}
	if pae.Driver != "erc20" || pae.Network != "goerli" {
		t.Fatalf("unexpected error fields: %+v", pae)
	}
}

func TestDeploymentStepErrorUnwrap(t *testing.T) {
	cause := errors.New("exec failed")
	err := &DeploymentStepError{Instance: "provider-1", Step: "deploy", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find cause")
	}
	if err.Error() != "instance provider-1: step deploy failed: exec failed" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestScoreAcceptable(t *testing.T) {
	if !ScoreTrusted.Acceptable() || !ScoreNeutral.Acceptable() {
		t.Fatalf("trusted and neutral must be acceptable")
	}
	if ScoreRejected.Acceptable() {
		t.Fatalf("rejected must not be acceptable")
	}
	if ScoreTrusted.Rank() <= ScoreNeutral.Rank() {
		t.Fatalf("trusted must outrank neutral")
	}
}

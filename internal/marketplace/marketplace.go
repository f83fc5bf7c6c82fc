// Package marketplace defines the contract between the requestor core and a
// marketplace client. The client owns offer negotiation, payment and remote
// execution; the core only supplies a workload, a selection strategy and a
// handler that is called once an offer has been accepted.
package marketplace

import (
	"context"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/hiring"
	"github.com/animus-labs/requestor-go/internal/workload"
)

// Handler is called by the client when an offer has been accepted. The
// returned script is walked exactly once by the client; a failing step
// terminates the instance.
type Handler interface {
	Start(ctx context.Context, exec domain.ExecutionContext) (*workload.Script, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, exec domain.ExecutionContext) (*workload.Script, error)

func (f HandlerFunc) Start(ctx context.Context, exec domain.ExecutionContext) (*workload.Script, error) {
	return f(ctx, exec)
}

type ClusterRequest struct {
	RunID          string
	Workload       workload.Spec
	Strategy       hiring.Strategy
	Handler        Handler
	TargetCount    int
	// Budget caps the summed price of accepted offers; 0 means no limit.
	Budget         float64
	SubnetTag      string
	PaymentDriver  string
	PaymentNetwork string
}

// Cluster is the handle for the instances requested in one run.
type Cluster struct {
	ID          string
	TargetCount int
}

// Provisioner requests, observes and tears down instances.
type Provisioner interface {
	// RequestInstances fails with *domain.PaymentAccountError, before any
	// state is created, when no funded account exists for the driver/network.
	RequestInstances(ctx context.Context, req ClusterRequest) (Cluster, error)
	// ListInstances returns a snapshot and never blocks on the network.
	ListInstances(cluster Cluster) []domain.Instance
	Cancel(ctx context.Context, cluster Cluster) error
}

// Connector resolves how to reach a running instance.
type Connector interface {
	SessionToken(ctx context.Context) (string, error)
	ProxyURL(ctx context.Context, exec domain.ExecutionContext, path string) (string, error)
}

type Client interface {
	Provisioner
	Connector
}

// AccountChecker verifies that a funded payment account exists.
type AccountChecker interface {
	EnsurePaymentAccount(ctx context.Context, driver, network string) error
}

// ProxyPath is the activity proxy route appended to a daemon API base URL.
func ProxyPath(activityID, path string) string {
	return "/activity-api/v1/activity/" + activityID + "/proxy_http_request" + path
}

package simulated

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/hiring"
	"github.com/animus-labs/requestor-go/internal/marketplace"
	"github.com/animus-labs/requestor-go/internal/workload"
)

func testCatalog(providers ...Provider) Catalog {
	return Catalog{
		APIURL:        "http://127.0.0.1:7465",
		AppKey:        "app-key",
		RoundInterval: 5 * time.Millisecond,
		Accounts:      []Account{{Driver: "erc20", Network: "holesky"}},
		Providers:     providers,
	}
}

func dummyProvider(id string) Provider {
	return Provider{ID: id, Name: "name-" + id, Runtime: "dummy", Capabilities: []string{"dummy"}}
}

func testSpec(t *testing.T) workload.Spec {
	t.Helper()
	spec, err := workload.Build(context.Background(), workload.Options{})
	if err != nil {
		t.Fatalf("workload.Build() err=%v", err)
	}
	return spec
}

func rememberingHandler(strategy hiring.Strategy, spec workload.Spec) marketplace.Handler {
	return marketplace.HandlerFunc(func(_ context.Context, exec domain.ExecutionContext) (*workload.Script, error) {
		strategy.Remember(exec.ProviderID)
		return spec.NewScript(), nil
	})
}

func request(t *testing.T, m *Market, target int) (marketplace.Cluster, *hiring.ProviderOnce) {
	t.Helper()
	spec := testSpec(t)
	strategy := hiring.NewProviderOnce(nil)
	cl, err := m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		Workload:       spec,
		Strategy:       strategy,
		Handler:        rememberingHandler(strategy, spec),
		TargetCount:    target,
		PaymentDriver:  "erc20",
		PaymentNetwork: "holesky",
	})
	if err != nil {
		t.Fatalf("RequestInstances() err=%v", err)
	}
	t.Cleanup(func() { _ = m.Cancel(context.Background(), cl) })
	return cl, strategy
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countState(instances []domain.Instance, state domain.InstanceState) int {
	n := 0
	for _, inst := range instances {
		if inst.State == state {
			n++
		}
	}
	return n
}

func TestRequestInstances_NoPaymentAccount(t *testing.T) {
	m, err := New(testCatalog(dummyProvider("p1")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	spec := testSpec(t)
	strategy := hiring.NewProviderOnce(nil)
	_, err = m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		RunID:          "run-1",
		Workload:       spec,
		Strategy:       strategy,
		Handler:        rememberingHandler(strategy, spec),
		TargetCount:    1,
		PaymentDriver:  "erc20",
		PaymentNetwork: "goerli",
	})
	pae, ok := domain.IsPaymentAccountError(err)
	if !ok {
		t.Fatalf("expected PaymentAccountError, got %v", err)
	}
	if pae.Driver != "erc20" || pae.Network != "goerli" {
		t.Fatalf("unexpected error fields: %+v", pae)
	}
	if got := m.ListInstances(marketplace.Cluster{ID: "run-1"}); got != nil {
		t.Fatalf("no cluster state may exist after payment failure, got %+v", got)
	}
}

type fixedChecker struct{ err error }

func (c fixedChecker) EnsurePaymentAccount(context.Context, string, string) error { return c.err }

func TestRequestInstances_ExternalAccountChecker(t *testing.T) {
	want := &domain.PaymentAccountError{Driver: "erc20", Network: "holesky"}
	m, err := New(testCatalog(dummyProvider("p1")), WithAccountChecker(fixedChecker{err: want}))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	spec := testSpec(t)
	strategy := hiring.NewProviderOnce(nil)
	_, err = m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		Workload:       spec,
		Strategy:       strategy,
		Handler:        rememberingHandler(strategy, spec),
		TargetCount:    1,
		PaymentDriver:  "erc20",
		PaymentNetwork: "holesky",
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected checker error, got %v", err)
	}
}

func TestRequestInstances_DistinctProvidersAllRun(t *testing.T) {
	m, err := New(testCatalog(dummyProvider("p1"), dummyProvider("p2"), dummyProvider("p3")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, strategy := request(t, m, 3)

	waitFor(t, "all instances running", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateRunning) == 3
	})
	instances := m.ListInstances(cl)
	if len(instances) != 3 {
		t.Fatalf("len(instances)=%d, want 3", len(instances))
	}
	seen := map[domain.ProviderID]bool{}
	for _, inst := range instances {
		if inst.Context == nil {
			t.Fatalf("running instance %s has no context", inst.Name)
		}
		if seen[inst.Context.ProviderID] {
			t.Fatalf("provider %s hired twice", inst.Context.ProviderID)
		}
		seen[inst.Context.ProviderID] = true
	}
	if strategy.Ledger().Len() != 3 {
		t.Fatalf("ledger size=%d, want 3", strategy.Ledger().Len())
	}
}

func TestRequestInstances_ProviderHiredOnlyOnce(t *testing.T) {
	m, err := New(testCatalog(dummyProvider("p1")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, _ := request(t, m, 2)

	waitFor(t, "first instance running", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateRunning) == 1
	})
	time.Sleep(30 * time.Millisecond)
	instances := m.ListInstances(cl)
	if countState(instances, domain.InstanceStatePending) != 1 {
		t.Fatalf("second instance must stay pending with a single provider: %+v", instances)
	}
}

func TestRequestInstances_SkipsNonMatchingProviders(t *testing.T) {
	vm := Provider{ID: "vm", Runtime: "vm", Capabilities: []string{"dummy"}, Price: 0.001}
	m, err := New(testCatalog(vm, dummyProvider("p1")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, _ := request(t, m, 1)
	waitFor(t, "instance running", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateRunning) == 1
	})
	if got := m.ListInstances(cl)[0].Context.ProviderID; got != "p1" {
		t.Fatalf("provider=%s, want p1", got)
	}
}

func TestRequestInstances_PrefersCheaperOffer(t *testing.T) {
	expensive := dummyProvider("a-expensive")
	expensive.Price = 0.5
	cheap := dummyProvider("b-cheap")
	cheap.Price = 0.1
	m, err := New(testCatalog(expensive, cheap))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, _ := request(t, m, 1)
	waitFor(t, "instance running", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateRunning) == 1
	})
	if got := m.ListInstances(cl)[0].Context.ProviderID; got != "b-cheap" {
		t.Fatalf("provider=%s, want b-cheap", got)
	}
}

func TestRequestInstances_DeployStepFailure(t *testing.T) {
	broken := dummyProvider("broken")
	broken.FailStep = "deploy"
	m, err := New(testCatalog(broken))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, _ := request(t, m, 1)

	waitFor(t, "instance terminated", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateTerminated) == 1
	})
	inst := m.ListInstances(cl)[0]
	var stepErr *domain.DeploymentStepError
	if !errors.As(inst.Err, &stepErr) {
		t.Fatalf("expected DeploymentStepError, got %v", inst.Err)
	}
	if stepErr.Step != "deploy" {
		t.Fatalf("step=%q, want deploy", stepErr.Step)
	}
	if inst.Context != nil {
		t.Fatalf("terminated instance must not carry a context")
	}
}

func TestRequestInstances_HandlerErrorTerminates(t *testing.T) {
	m, err := New(testCatalog(dummyProvider("p1")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	spec := testSpec(t)
	cl, err := m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		Workload: spec,
		Strategy: hiring.NewProviderOnce(nil),
		Handler: marketplace.HandlerFunc(func(context.Context, domain.ExecutionContext) (*workload.Script, error) {
			return nil, errors.New("boom")
		}),
		TargetCount:    1,
		PaymentDriver:  "erc20",
		PaymentNetwork: "holesky",
	})
	if err != nil {
		t.Fatalf("RequestInstances() err=%v", err)
	}
	defer func() { _ = m.Cancel(context.Background(), cl) }()
	waitFor(t, "instance terminated", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStateTerminated) == 1
	})
}

func TestRequestInstances_BudgetExhausted(t *testing.T) {
	p := dummyProvider("p1")
	p.Price = 2
	m, err := New(testCatalog(p))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	spec := testSpec(t)
	strategy := hiring.NewProviderOnce(nil)
	cl, err := m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		Workload:       spec,
		Strategy:       strategy,
		Handler:        rememberingHandler(strategy, spec),
		TargetCount:    1,
		Budget:         1,
		PaymentDriver:  "erc20",
		PaymentNetwork: "holesky",
	})
	if err != nil {
		t.Fatalf("RequestInstances() err=%v", err)
	}
	defer func() { _ = m.Cancel(context.Background(), cl) }()
	time.Sleep(30 * time.Millisecond)
	if got := countState(m.ListInstances(cl), domain.InstanceStatePending); got != 1 {
		t.Fatalf("offer above budget must not be accepted")
	}
}

func TestRequestInstances_ZeroBudgetIsUnlimited(t *testing.T) {
	p := dummyProvider("p1")
	p.Price = 50
	m, err := New(testCatalog(p))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	spec := testSpec(t)
	strategy := hiring.NewProviderOnce(nil)
	cl, err := m.RequestInstances(context.Background(), marketplace.ClusterRequest{
		Workload:       spec,
		Strategy:       strategy,
		Handler:        rememberingHandler(strategy, spec),
		TargetCount:    1,
		PaymentDriver:  "erc20",
		PaymentNetwork: "holesky",
	})
	if err != nil {
		t.Fatalf("RequestInstances() err=%v", err)
	}
	defer func() { _ = m.Cancel(context.Background(), cl) }()
	waitFor(t, "offer accepted without a budget", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStatePending) == 0
	})
}

func TestCancelTerminatesInstances(t *testing.T) {
	slow := dummyProvider("slow")
	slow.StepDelay = time.Hour
	m, err := New(testCatalog(slow, dummyProvider("p2")))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	cl, _ := request(t, m, 2)
	waitFor(t, "instances negotiating or running", func() bool {
		return countState(m.ListInstances(cl), domain.InstanceStatePending) == 0
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := m.Cancel(ctx, cl); err != nil {
		t.Fatalf("Cancel() err=%v", err)
	}
	for _, inst := range m.ListInstances(cl) {
		if inst.State != domain.InstanceStateTerminated || inst.Context != nil {
			t.Fatalf("instance not torn down: %+v", inst)
		}
	}
	if err := m.Cancel(ctx, marketplace.Cluster{ID: "missing"}); !errors.Is(err, ErrUnknownCluster) {
		t.Fatalf("expected ErrUnknownCluster, got %v", err)
	}
}

func TestConnector(t *testing.T) {
	var n atomic.Int64
	m, err := New(testCatalog(), WithIDs(func() string { return fmt.Sprintf("id-%d", n.Add(1)) }))
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	token, err := m.SessionToken(context.Background())
	if err != nil || token != "app-key" {
		t.Fatalf("SessionToken()=%q err=%v", token, err)
	}
	url, err := m.ProxyURL(context.Background(), domain.ExecutionContext{ActivityID: "act-1"}, "/sdapi/v1/txt2img")
	if err != nil {
		t.Fatalf("ProxyURL() err=%v", err)
	}
	want := "http://127.0.0.1:7465/activity-api/v1/activity/act-1/proxy_http_request/sdapi/v1/txt2img"
	if url != want {
		t.Fatalf("ProxyURL()=%q, want %q", url, want)
	}
	if _, err := m.ProxyURL(context.Background(), domain.ExecutionContext{}, "/x"); err == nil {
		t.Fatalf("expected error without activity id")
	}
}

func TestLoadCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.yaml")
	body := `round_interval: 250ms
accounts:
  - driver: erc20
    network: goerli
providers:
  - id: p1
    name: alpha
    runtime: dummy
    capabilities: [dummy]
    step_delay: 1s
    fail_step: start
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cat, err := LoadCatalog(path)
	if err != nil {
		t.Fatalf("LoadCatalog() err=%v", err)
	}
	if cat.RoundInterval != 250*time.Millisecond {
		t.Fatalf("RoundInterval=%v", cat.RoundInterval)
	}
	if cat.APIURL == "" {
		t.Fatalf("api_url must keep its default")
	}
	if len(cat.Providers) != 1 || cat.Providers[0].StepDelay != time.Second || cat.Providers[0].FailStep != "start" {
		t.Fatalf("unexpected providers: %+v", cat.Providers)
	}
	if !cat.funded("ERC20", "goerli") || cat.funded("erc20", "holesky") {
		t.Fatalf("unexpected accounts: %+v", cat.Accounts)
	}
}

func TestCatalogValidate(t *testing.T) {
	dup := testCatalog(dummyProvider("p1"), dummyProvider("p1"))
	if err := dup.Validate(); err == nil {
		t.Fatalf("expected duplicate id error")
	}
	noInterval := testCatalog()
	noInterval.RoundInterval = 0
	if err := noInterval.Validate(); err == nil {
		t.Fatalf("expected round interval error")
	}
}

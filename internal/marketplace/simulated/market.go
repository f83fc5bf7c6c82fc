// Package simulated is an in-process marketplace. Providers come from a
// catalog, offers are produced in rounds and scored with the caller's
// strategy, and accepted instances walk their deployment script locally.
// It is used for demos and for exercising the supervisor end to end.
package simulated

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/marketplace"
	"github.com/animus-labs/requestor-go/internal/workload"
)

var ErrUnknownCluster = errors.New("unknown_cluster")

type Option func(*Market)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Market) { m.logger = logger }
}

// WithAccountChecker replaces the catalog's account list with an external check.
func WithAccountChecker(checker marketplace.AccountChecker) Option {
	return func(m *Market) { m.accounts = checker }
}

// WithIDs overrides activity/agreement id generation.
func WithIDs(newID func() string) Option {
	return func(m *Market) { m.newID = newID }
}

type Market struct {
	catalog  Catalog
	accounts marketplace.AccountChecker
	logger   *slog.Logger
	newID    func() string

	mu       sync.Mutex
	clusters map[string]*cluster
}

type cluster struct {
	id        string
	instances []*instance
	budget    float64
	spent     float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

type instance struct {
	name  string
	state domain.InstanceState
	exec  *domain.ExecutionContext
	err   error
}

func New(catalog Catalog, opts ...Option) (*Market, error) {
	if err := catalog.Validate(); err != nil {
		return nil, err
	}
	m := &Market{
		catalog:  catalog,
		newID:    uuid.NewString,
		clusters: make(map[string]*cluster),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func (m *Market) RequestInstances(ctx context.Context, req marketplace.ClusterRequest) (marketplace.Cluster, error) {
	if req.TargetCount < 1 {
		return marketplace.Cluster{}, fmt.Errorf("target count must be >= 1, got %d", req.TargetCount)
	}
	if req.Strategy == nil {
		return marketplace.Cluster{}, errors.New("selection strategy is required")
	}
	if req.Handler == nil {
		return marketplace.Cluster{}, errors.New("instance handler is required")
	}
	if err := m.ensurePaymentAccount(ctx, req.PaymentDriver, req.PaymentNetwork); err != nil {
		return marketplace.Cluster{}, err
	}

	id := strings.TrimSpace(req.RunID)
	if id == "" {
		id = m.newID()
	}
	c := &cluster{id: id, budget: req.Budget}
	for i := 0; i < req.TargetCount; i++ {
		c.instances = append(c.instances, &instance{
			name:  fmt.Sprintf("instance-%d", i+1),
			state: domain.InstanceStatePending,
		})
	}

	// Negotiation outlives the request call; Cancel ends it.
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	m.mu.Lock()
	if _, exists := m.clusters[id]; exists {
		m.mu.Unlock()
		cancel()
		return marketplace.Cluster{}, fmt.Errorf("cluster %q already requested", id)
	}
	m.clusters[id] = c
	m.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m.negotiate(runCtx, c, req)
	}()

	m.log("cluster requested", "cluster_id", id, "target_count", req.TargetCount, "subnet", req.SubnetTag)
	return marketplace.Cluster{ID: id, TargetCount: req.TargetCount}, nil
}

func (m *Market) ensurePaymentAccount(ctx context.Context, driver, network string) error {
	if m.accounts != nil {
		return m.accounts.EnsurePaymentAccount(ctx, driver, network)
	}
	if !m.catalog.funded(driver, network) {
		return &domain.PaymentAccountError{Driver: driver, Network: network}
	}
	return nil
}

// negotiate fills instances one at a time so that a provider remembered at
// acceptance is already in the ledger when the next round is scored.
func (m *Market) negotiate(ctx context.Context, c *cluster, req marketplace.ClusterRequest) {
	demand := req.Workload.Demand()
	for idx := range c.instances {
		round := 0
		for {
			if ctx.Err() != nil {
				return
			}
			offer, provider, ok := m.pickOffer(ctx, c, req, demand, round)
			if ok {
				m.accept(ctx, c, idx, offer, provider, req)
				break
			}
			round++
			select {
			case <-ctx.Done():
				return
			case <-time.After(m.catalog.RoundInterval):
			}
		}
	}
}

type scoredOffer struct {
	offer    domain.Offer
	provider Provider
	score    domain.Score
}

func (m *Market) pickOffer(ctx context.Context, c *cluster, req marketplace.ClusterRequest, demand workload.Demand, round int) (domain.Offer, Provider, bool) {
	m.mu.Lock()
	remaining := c.budget - c.spent
	m.mu.Unlock()

	candidates := make([]scoredOffer, 0, len(m.catalog.Providers))
	for _, p := range m.catalog.Providers {
		offer := domain.Offer{
			ProviderID:   domain.ProviderID(p.ID),
			ProviderName: p.Name,
			Price:        m.price(p, round),
			Runtime:      p.Runtime,
			Capabilities: p.Capabilities,
			Properties: map[string]string{
				workload.PropRuntimeName:  p.Runtime,
				"golem.node.debug.subnet": req.SubnetTag,
			},
		}
		if !demand.Matches(offer) {
			continue
		}
		if c.budget > 0 && offer.Price > remaining {
			continue
		}
		score := req.Strategy.ScoreOffer(ctx, offer)
		if !score.Acceptable() {
			continue
		}
		candidates = append(candidates, scoredOffer{offer: offer, provider: p, score: score})
	}
	if len(candidates) == 0 {
		return domain.Offer{}, Provider{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score.Rank() != b.score.Rank() {
			return a.score.Rank() > b.score.Rank()
		}
		if a.offer.Price != b.offer.Price {
			return a.offer.Price < b.offer.Price
		}
		return a.offer.ProviderID < b.offer.ProviderID
	})
	best := candidates[0]
	return best.offer, best.provider, true
}

func (m *Market) accept(ctx context.Context, c *cluster, idx int, offer domain.Offer, provider Provider, req marketplace.ClusterRequest) {
	name := strings.TrimSpace(offer.ProviderName)
	if name == "" {
		name = string(offer.ProviderID)
	}
	exec := domain.ExecutionContext{
		ActivityID:   m.newID(),
		AgreementID:  m.newID(),
		ProviderID:   offer.ProviderID,
		ProviderName: name,
	}

	m.mu.Lock()
	inst := c.instances[idx]
	inst.name = name
	inst.state = domain.InstanceStateNegotiating
	inst.exec = &exec
	c.spent += offer.Price
	m.mu.Unlock()
	m.log("offer accepted", "cluster_id", c.id, "provider_id", string(offer.ProviderID), "price", offer.Price)

	script, err := req.Handler.Start(ctx, exec)
	if err != nil {
		m.terminate(c, inst, err)
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		m.deploy(ctx, c, inst, provider, script)
	}()
}

func (m *Market) deploy(ctx context.Context, c *cluster, inst *instance, provider Provider, script *workload.Script) {
	if script == nil || script.Consumed() {
		m.terminate(c, inst, domain.ErrScriptConsumed)
		return
	}
	for step := range script.Steps() {
		if provider.StepDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(provider.StepDelay):
			}
		}
		if strings.EqualFold(strings.TrimSpace(provider.FailStep), string(step.Kind)) {
			m.terminate(c, inst, &domain.DeploymentStepError{
				Instance: inst.name,
				Step:     string(step.Kind),
				Err:      errors.New("provider exec failed"),
			})
			return
		}
	}
	m.mu.Lock()
	if inst.state == domain.InstanceStateNegotiating {
		inst.state = domain.InstanceStateRunning
	}
	m.mu.Unlock()
	m.log("instance running", "cluster_id", c.id, "instance", inst.name)
}

func (m *Market) terminate(c *cluster, inst *instance, err error) {
	m.mu.Lock()
	inst.state = domain.InstanceStateTerminated
	inst.exec = nil
	inst.err = err
	m.mu.Unlock()
	if err != nil {
		m.log("instance terminated", "cluster_id", c.id, "instance", inst.name, "error", err)
	}
}

func (m *Market) ListInstances(cl marketplace.Cluster) []domain.Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clusters[cl.ID]
	if !ok {
		return nil
	}
	out := make([]domain.Instance, 0, len(c.instances))
	for _, inst := range c.instances {
		snap := domain.Instance{Name: inst.name, State: inst.state, Err: inst.err}
		if inst.exec != nil {
			exec := *inst.exec
			snap.Context = &exec
		}
		out = append(out, snap)
	}
	return out
}

// Cancel stops negotiation, waits for running scripts to unwind and
// terminates every instance of the cluster.
func (m *Market) Cancel(ctx context.Context, cl marketplace.Cluster) error {
	m.mu.Lock()
	c, ok := m.clusters[cl.ID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCluster, cl.ID)
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	for _, inst := range c.instances {
		inst.state = domain.InstanceStateTerminated
		inst.exec = nil
	}
	m.mu.Unlock()
	m.log("cluster cancelled", "cluster_id", c.id)
	return nil
}

func (m *Market) SessionToken(_ context.Context) (string, error) {
	token := strings.TrimSpace(m.catalog.AppKey)
	if token == "" {
		return "", errors.New("simulated market has no app key")
	}
	return token, nil
}

func (m *Market) ProxyURL(_ context.Context, exec domain.ExecutionContext, path string) (string, error) {
	if strings.TrimSpace(exec.ActivityID) == "" {
		return "", errors.New("activity id is required")
	}
	return strings.TrimRight(m.catalog.APIURL, "/") + marketplace.ProxyPath(exec.ActivityID, path), nil
}

func (m *Market) price(p Provider, round int) float64 {
	if p.Price > 0 {
		return p.Price
	}
	score := deterministicScore(p.ID, round)
	return math.Round((0.01+score*0.09)*1e4) / 1e4
}

func deterministicScore(providerID string, round int) float64 {
	seed := fmt.Sprintf("%s:%d", providerID, round)
	sum := sha256.Sum256([]byte(seed))
	value := binary.BigEndian.Uint64(sum[:8])
	return float64(value) / float64(math.MaxUint64)
}

func (m *Market) log(msg string, attrs ...any) {
	if m.logger == nil {
		return
	}
	fields := []any{"component", "simulated_market"}
	fields = append(fields, attrs...)
	m.logger.Info(msg, fields...)
}

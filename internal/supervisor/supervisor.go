// Package supervisor requests a cluster from the marketplace and watches it
// until the run is cancelled. It is also the marketplace's instance handler:
// every accepted offer passes through Start, which is the only place the
// hiring strategy learns about a provider.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/animus-labs/requestor-go/internal/domain"
	"github.com/animus-labs/requestor-go/internal/hiring"
	"github.com/animus-labs/requestor-go/internal/journal"
	"github.com/animus-labs/requestor-go/internal/marketplace"
	"github.com/animus-labs/requestor-go/internal/platform/requestid"
	"github.com/animus-labs/requestor-go/internal/workload"
)

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
)

type Config struct {
	SubnetTag       string
	PaymentDriver   string
	PaymentNetwork  string
	Budget          float64
	TargetCount     int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.TargetCount == 0 {
		c.TargetCount = 1
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return c
}

func (c Config) Validate() error {
	if c.TargetCount < 1 {
		return errors.New("target count must be >= 1")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Budget < 0 {
		return errors.New("budget must be >= 0")
	}
	return nil
}

// Announcer prints how to use the deployed instances.
type Announcer interface {
	Announce(ctx context.Context, instances []domain.Instance) int
}

// Reporter receives every snapshot taken by the run loop.
type Reporter interface {
	Report(instances []domain.Instance)
}

type ReporterFunc func(instances []domain.Instance)

func (f ReporterFunc) Report(instances []domain.Instance) { f(instances) }

type Option func(*Supervisor)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

func WithJournal(j journal.Journal) Option {
	return func(s *Supervisor) { s.journal = j }
}

func WithAnnouncer(a Announcer) Option {
	return func(s *Supervisor) { s.announcer = a }
}

func WithReporter(r Reporter) Option {
	return func(s *Supervisor) { s.reporter = r }
}

func WithRunID(id string) Option {
	return func(s *Supervisor) { s.runID = id }
}

type Supervisor struct {
	client    marketplace.Client
	strategy  hiring.Strategy
	spec      workload.Spec
	logger    *slog.Logger
	journal   journal.Journal
	announcer Announcer
	reporter  Reporter
	runID     string

	announced atomic.Bool
	last      []domain.InstanceState
}

func New(client marketplace.Client, strategy hiring.Strategy, spec workload.Spec, opts ...Option) (*Supervisor, error) {
	if client == nil {
		return nil, errors.New("marketplace client is required")
	}
	if strategy == nil {
		return nil, errors.New("selection strategy is required")
	}
	s := &Supervisor{
		client:   client,
		strategy: strategy,
		spec:     spec,
		journal:  journal.Discard{},
		runID:    uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.journal == nil {
		s.journal = journal.Discard{}
	}
	return s, nil
}

func (s *Supervisor) RunID() string {
	return s.runID
}

// Start is called by the marketplace once an offer has been accepted.
func (s *Supervisor) Start(ctx context.Context, exec domain.ExecutionContext) (*workload.Script, error) {
	if strings.TrimSpace(string(exec.ProviderID)) == "" {
		return nil, errors.New("execution context has no provider id")
	}
	s.strategy.Remember(exec.ProviderID)
	s.record(ctx, journal.Event{
		Action:   journal.ActionOfferAccepted,
		Instance: exec.ProviderName,
		Payload: map[string]any{
			"provider_id":  string(exec.ProviderID),
			"activity_id":  exec.ActivityID,
			"agreement_id": exec.AgreementID,
		},
	})
	return s.spec.NewScript(), nil
}

// Run requests the cluster and supervises it until ctx is cancelled. A
// cancelled run is not an error; a missing payment account is returned
// as *domain.PaymentAccountError before anything has been requested.
func (s *Supervisor) Run(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return &domain.ConfigurationError{Reason: "invalid supervisor config", Err: err}
	}
	ctx = requestid.WithContext(ctx, s.runID)

	cluster, err := s.client.RequestInstances(ctx, marketplace.ClusterRequest{
		RunID:          s.runID,
		Workload:       s.spec,
		Strategy:       s.strategy,
		Handler:        s,
		TargetCount:    cfg.TargetCount,
		Budget:         cfg.Budget,
		SubnetTag:      cfg.SubnetTag,
		PaymentDriver:  cfg.PaymentDriver,
		PaymentNetwork: cfg.PaymentNetwork,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("request instances: %w", err)
	}
	s.record(ctx, journal.Event{
		Action: journal.ActionRunStarted,
		Payload: map[string]any{
			"cluster_id":   cluster.ID,
			"target_count": cluster.TargetCount,
			"subnet":       cfg.SubnetTag,
			"image_cid":    s.imageCID(),
		},
	})
	s.info("cluster requested", "cluster_id", cluster.ID, "target_count", cluster.TargetCount)

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(cluster, cfg.ShutdownTimeout)
		case <-ticker.C:
			s.tick(ctx, cluster)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context, cluster marketplace.Cluster) {
	snapshot := s.client.ListInstances(cluster)

	usable := domain.WithContext(snapshot)
	// The announcement is attempted once per run, even when nothing could be printed.
	if len(usable) > 0 && s.announcer != nil && s.announced.CompareAndSwap(false, true) {
		printed := s.announcer.Announce(ctx, usable)
		if printed == 0 {
			s.warn("usage example skipped; it will not be retried", "instances", len(usable))
		}
		s.record(ctx, journal.Event{
			Action:  journal.ActionUsageAnnounced,
			Payload: map[string]any{"instances": printed},
		})
	}

	if s.reporter != nil {
		s.reporter.Report(snapshot)
	}
	s.recordTransitions(ctx, snapshot)
}

func (s *Supervisor) recordTransitions(ctx context.Context, snapshot []domain.Instance) {
	for i, inst := range snapshot {
		var prev domain.InstanceState
		if i < len(s.last) {
			prev = s.last[i]
		}
		if prev == inst.State {
			continue
		}
		payload := map[string]any{"to": string(inst.State)}
		if prev != "" {
			payload["from"] = string(prev)
		}
		if inst.Err != nil {
			payload["error"] = inst.Err.Error()
			s.warn("instance failed", "instance", inst.Name, "state", string(inst.State), "error", inst.Err)
		}
		s.record(ctx, journal.Event{
			Action:   journal.ActionInstanceTransition,
			Instance: inst.Name,
			Payload:  payload,
		})
	}
	last := make([]domain.InstanceState, len(snapshot))
	for i, inst := range snapshot {
		last[i] = inst.State
	}
	s.last = last
}

func (s *Supervisor) shutdown(cluster marketplace.Cluster, timeout time.Duration) error {
	s.info("shutting down", "cluster_id", cluster.ID)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.client.Cancel(ctx, cluster)
	s.record(ctx, journal.Event{
		Action:  journal.ActionRunStopped,
		Payload: map[string]any{"cluster_id": cluster.ID},
	})
	if err != nil {
		return fmt.Errorf("cancel cluster: %w", err)
	}
	return nil
}

func (s *Supervisor) imageCID() string {
	if len(s.spec.Image.Digest) == 0 {
		return ""
	}
	id, err := s.spec.Image.CID()
	if err != nil {
		return ""
	}
	return id.String()
}

func (s *Supervisor) record(ctx context.Context, event journal.Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.RunID = s.runID
	if err := s.journal.Record(ctx, event); err != nil {
		s.warn("journal record failed", "action", event.Action, "error", err)
	}
}

func (s *Supervisor) info(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	fields := []any{"component", "supervisor", "run_id", s.runID}
	s.logger.Info(msg, append(fields, attrs...)...)
}

func (s *Supervisor) warn(msg string, attrs ...any) {
	if s.logger == nil {
		return
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		if key, ok := attrs[i].(string); ok && key == "error" {
			if err, ok := attrs[i+1].(error); ok && errors.Is(err, context.Canceled) {
				return
			}
		}
	}
	fields := []any{"component", "supervisor", "run_id", s.runID}
	s.logger.Warn(msg, append(fields, attrs...)...)
}

// StatusEntries renders a snapshot as `name: state` entries.
func StatusEntries(instances []domain.Instance) []string {
	out := make([]string, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Name+": "+string(inst.State))
	}
	return out
}

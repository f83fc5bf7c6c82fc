// Package journal records supervision events: run start and stop, instance
// state transitions and the usage announcement. Journals are observers; a
// failing journal never stops supervision.
package journal

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

const (
	ActionRunStarted         = "run.started"
	ActionRunStopped         = "run.stopped"
	ActionOfferAccepted      = "offer.accepted"
	ActionInstanceTransition = "instance.transition"
	ActionUsageAnnounced     = "usage.announced"
)

type Event struct {
	OccurredAt time.Time
	RunID      string
	Action     string
	Instance   string
	Payload    map[string]any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	return nil
}

type Journal interface {
	Record(ctx context.Context, event Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(context.Context, Event) error { return nil }

// Log writes events as structured log records.
type Log struct {
	Logger *slog.Logger
}

func (j Log) Record(ctx context.Context, event Event) error {
	if j.Logger == nil {
		return nil
	}
	if err := event.Validate(); err != nil {
		return err
	}
	attrs := []any{
		"component", "journal",
		"run_id", event.RunID,
		"action", event.Action,
	}
	if event.Instance != "" {
		attrs = append(attrs, "instance", event.Instance)
	}
	for _, k := range sortedKeys(event.Payload) {
		attrs = append(attrs, k, event.Payload[k])
	}
	j.Logger.InfoContext(ctx, "supervision event", attrs...)
	return nil
}

// Multi fans an event out to several journals and joins their errors.
type Multi []Journal

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, j := range m {
		if j == nil {
			continue
		}
		if err := j.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package journal

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

const Schema = `CREATE TABLE IF NOT EXISTS supervision_events (
	event_id BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	run_id TEXT NOT NULL,
	action TEXT NOT NULL,
	instance TEXT,
	payload JSONB NOT NULL,
	integrity_sha256 TEXT NOT NULL
)`

type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQL appends events to the supervision_events table.
type SQL struct {
	db Execer
}

func NewSQL(db Execer) (*SQL, error) {
	if db == nil {
		return nil, errors.New("execer is required")
	}
	return &SQL{db: db}, nil
}

func (j *SQL) EnsureSchema(ctx context.Context) error {
	if _, err := j.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("create supervision_events: %w", err)
	}
	return nil
}

func (j *SQL) Record(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	integrity, err := ComputeIntegritySHA256(event, payloadJSON)
	if err != nil {
		return err
	}

	var instance sql.NullString
	if strings.TrimSpace(event.Instance) != "" {
		instance = sql.NullString{String: strings.TrimSpace(event.Instance), Valid: true}
	}

	_, err = j.db.ExecContext(
		ctx,
		`INSERT INTO supervision_events (
			occurred_at,
			run_id,
			action,
			instance,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.RunID),
		strings.TrimSpace(event.Action),
		instance,
		payloadJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert supervision event: %w", err)
	}
	return nil
}

func ComputeIntegritySHA256(event Event, payloadJSON []byte) (string, error) {
	type integrityInput struct {
		OccurredAt time.Time       `json:"occurred_at"`
		RunID      string          `json:"run_id"`
		Action     string          `json:"action"`
		Instance   string          `json:"instance,omitempty"`
		Payload    json.RawMessage `json:"payload"`
	}

	in := integrityInput{
		OccurredAt: event.OccurredAt.UTC(),
		RunID:      strings.TrimSpace(event.RunID),
		Action:     strings.TrimSpace(event.Action),
		Instance:   strings.TrimSpace(event.Instance),
		Payload:    payloadJSON,
	}

	blob, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("marshal integrity: %w", err)
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

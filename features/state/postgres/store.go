// Package postgres implements the plan state store on PostgreSQL. Step and
// plan snapshots are stored as JSONB columns; approval grants merge
// atomically via jsonb_set so concurrent writers never clobber each other.
// The schema ships as embedded goose migrations applied by Migrate.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type (
	// Options configures the store.
	Options struct {
		// DB is the database handle. Required.
		DB *sqlx.DB
		// Clock overrides the time source (tests).
		Clock func() time.Time
	}

	// Store implements state.Store on PostgreSQL.
	Store struct {
		db    *sqlx.DB
		clock func() time.Time
	}

	stepRow struct {
		PlanID    string         `db:"plan_id"`
		StepID    string         `db:"step_id"`
		Step      []byte         `db:"step"`
		TraceID   string         `db:"trace_id"`
		State     string         `db:"state"`
		Attempt   int            `db:"attempt"`
		CreatedAt time.Time      `db:"created_at"`
		UpdatedAt time.Time      `db:"updated_at"`
		Summary   sql.NullString `db:"summary"`
		Output    []byte         `db:"output"`
		Approvals []byte         `db:"approvals"`
		Subject   []byte         `db:"subject"`
	}

	planRow struct {
		PlanID             string    `db:"plan_id"`
		TraceID            string    `db:"trace_id"`
		Steps              []byte    `db:"steps"`
		NextStepIndex      int       `db:"next_step_index"`
		LastCompletedIndex int       `db:"last_completed_index"`
		UpdatedAt          time.Time `db:"updated_at"`
	}
)

// Open connects to PostgreSQL through the pgx database/sql driver.
func Open(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// New constructs a Store.
func New(opts Options) (*Store, error) {
	if opts.DB == nil {
		return nil, errors.New("database handle is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Store{db: opts.DB, clock: clock}, nil
}

// RememberStep implements state.Store: an idempotent insert that leaves an
// existing entry untouched.
func (s *Store) RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	stepDoc, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	approvalsDoc, err := marshalOrNil(opts.Approvals, len(opts.Approvals) > 0)
	if err != nil {
		return err
	}
	subjectDoc, err := marshalOrNil(opts.Subject, opts.Subject != nil)
	if err != nil {
		return err
	}
	now := s.clock().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_step_entries
			(plan_id, step_id, step, trace_id, state, attempt, created_at, updated_at, approvals, subject)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9)
		ON CONFLICT (plan_id, step_id) DO NOTHING`,
		planID, step.ID, stepDoc, traceID, string(opts.State), opts.Attempt, now, approvalsDoc, subjectDoc)
	if err != nil {
		return fmt.Errorf("remember step: %w", err)
	}
	return nil
}

// LoadStep implements state.Store.
func (s *Store) LoadStep(ctx context.Context, planID, stepID string) (*state.StepEntry, error) {
	var row stepRow
	err := s.db.GetContext(ctx, &row, `
		SELECT plan_id, step_id, step, trace_id, state, attempt, created_at, updated_at, summary, output, approvals, subject
		FROM plan_step_entries
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step: %w", err)
	}
	return row.toEntry()
}

// SetStepState implements state.Store. NULL parameters leave the persisted
// value untouched; updates on absent entries affect zero rows silently.
func (s *Store) SetStepState(ctx context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error {
	outputDoc, err := marshalOrNil(opts.Output, opts.Output != nil)
	if err != nil {
		return err
	}
	var summary any
	if opts.Summary != nil {
		summary = *opts.Summary
	}
	var attempt any
	if opts.Attempt != nil {
		attempt = *opts.Attempt
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE plan_step_entries
		SET state = $3,
		    updated_at = $4,
		    summary = COALESCE($5, summary),
		    output = COALESCE($6, output),
		    attempt = COALESCE($7, attempt)
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, string(st), s.clock().UTC(), summary, outputDoc, attempt)
	if err != nil {
		return fmt.Errorf("set step state: %w", err)
	}
	return nil
}

// RecordApproval implements state.Store: the grant merges into the approvals
// document inside the database, keeping read-modify-write atomic per row.
func (s *Store) RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE plan_step_entries
		SET approvals = jsonb_set(COALESCE(approvals, '{}'::jsonb), ARRAY[$3], to_jsonb($4::boolean), true),
		    updated_at = $5
		WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID, capability, granted, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

// ForgetStep implements state.Store.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM plan_step_entries WHERE plan_id = $1 AND step_id = $2`,
		planID, stepID)
	if err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	return nil
}

// ListActiveSteps implements state.Store.
func (s *Store) ListActiveSteps(ctx context.Context) ([]*state.StepEntry, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT plan_id, step_id, step, trace_id, state, attempt, created_at, updated_at, summary, output, approvals, subject
		FROM plan_step_entries
		ORDER BY created_at, plan_id, step_id`)
	if err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	out := make([]*state.StepEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

// RememberPlan implements state.Store.
func (s *Store) RememberPlan(ctx context.Context, planID string, md *state.PlanMetadata) error {
	stepsDoc, err := json.Marshal(md.Steps)
	if err != nil {
		return fmt.Errorf("marshal plan steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO plan_metadata (plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (plan_id) DO UPDATE SET
			trace_id = EXCLUDED.trace_id,
			steps = EXCLUDED.steps,
			next_step_index = EXCLUDED.next_step_index,
			last_completed_index = EXCLUDED.last_completed_index,
			updated_at = EXCLUDED.updated_at`,
		planID, md.TraceID, stepsDoc, md.NextStepIndex, md.LastCompletedIndex, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("remember plan: %w", err)
	}
	return nil
}

// LoadPlan implements state.Store.
func (s *Store) LoadPlan(ctx context.Context, planID string) (*state.PlanMetadata, error) {
	var row planRow
	err := s.db.GetContext(ctx, &row, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at
		FROM plan_metadata
		WHERE plan_id = $1`,
		planID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	return row.toMetadata()
}

// ForgetPlan implements state.Store.
func (s *Store) ForgetPlan(ctx context.Context, planID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM plan_metadata WHERE plan_id = $1`, planID)
	if err != nil {
		return fmt.Errorf("forget plan: %w", err)
	}
	return nil
}

// ListPlans implements state.Store.
func (s *Store) ListPlans(ctx context.Context) ([]*state.PlanMetadata, error) {
	var rows []planRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT plan_id, trace_id, steps, next_step_index, last_completed_index, updated_at
		FROM plan_metadata
		ORDER BY updated_at, plan_id`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	out := make([]*state.PlanMetadata, 0, len(rows))
	for _, row := range rows {
		md, err := row.toMetadata()
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	return out, nil
}

// Sweep implements state.Store: rows stale past the cutoff are deleted off
// the hot path.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for _, stmt := range []string{
		`DELETE FROM plan_step_entries WHERE updated_at < $1`,
		`DELETE FROM plan_metadata WHERE updated_at < $1`,
	} {
		res, err := s.db.ExecContext(ctx, stmt, cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("sweep: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("sweep rows affected: %w", err)
		}
		total += int(n)
	}
	return total, nil
}

func (r stepRow) toEntry() (*state.StepEntry, error) {
	entry := &state.StepEntry{
		PlanID:    r.PlanID,
		StepID:    r.StepID,
		TraceID:   r.TraceID,
		State:     plan.StepState(r.State),
		Attempt:   r.Attempt,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
		Summary:   r.Summary.String,
	}
	if err := json.Unmarshal(r.Step, &entry.Step); err != nil {
		return nil, fmt.Errorf("decode step %s:%s: %w", r.PlanID, r.StepID, err)
	}
	if err := unmarshalIfSet(r.Output, &entry.Output); err != nil {
		return nil, fmt.Errorf("decode output %s:%s: %w", r.PlanID, r.StepID, err)
	}
	if err := unmarshalIfSet(r.Approvals, &entry.Approvals); err != nil {
		return nil, fmt.Errorf("decode approvals %s:%s: %w", r.PlanID, r.StepID, err)
	}
	if err := unmarshalIfSet(r.Subject, &entry.Subject); err != nil {
		return nil, fmt.Errorf("decode subject %s:%s: %w", r.PlanID, r.StepID, err)
	}
	return entry, nil
}

func (r planRow) toMetadata() (*state.PlanMetadata, error) {
	md := &state.PlanMetadata{
		PlanID:             r.PlanID,
		TraceID:            r.TraceID,
		NextStepIndex:      r.NextStepIndex,
		LastCompletedIndex: r.LastCompletedIndex,
	}
	if err := json.Unmarshal(r.Steps, &md.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps %s: %w", r.PlanID, err)
	}
	return md, nil
}

func marshalOrNil(v any, set bool) (any, error) {
	if !set {
		return nil, nil
	}
	doc, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return doc, nil
}

func unmarshalIfSet(doc []byte, dst any) error {
	if len(doc) == 0 {
		return nil
	}
	return json.Unmarshal(doc, dst)
}

// Package file provides a JSON-file implementation of state.Store for single
// node deployments.
//
// Layout mirrors the abstract key families:
//
//	<root>/step/<planID>/<stepID>.json
//	<root>/plan/<planID>.json
//
// Identifiers are percent-encoded before use as path segments so opaque IDs
// cannot escape the root. Writes go through a temp file followed by a rename
// for per-key atomicity; a store-wide mutex serializes read-modify-write
// cycles.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

const (
	stepDir = "step"
	planDir = "plan"
)

// Store is a file-backed implementation of state.Store.
type Store struct {
	root  string
	mu    sync.Mutex
	clock func() time.Time
}

// New creates the root directory structure and returns the store.
func New(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("root directory is required")
	}
	for _, dir := range []string{stepDir, planDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}
	return &Store{root: root, clock: time.Now}, nil
}

// RememberStep implements state.Store.
func (s *Store) RememberStep(_ context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	if planID == "" || step.ID == "" {
		return errors.New("plan id and step id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.stepPath(planID, step.ID)
	if _, err := os.Stat(path); err == nil {
		return nil // idempotent insert
	}
	now := s.clock().UTC()
	approvals := opts.Approvals
	if approvals == nil {
		approvals = make(map[string]bool)
	}
	entry := &state.StepEntry{
		PlanID:    planID,
		StepID:    step.ID,
		Step:      step,
		TraceID:   traceID,
		State:     opts.State,
		Attempt:   opts.Attempt,
		CreatedAt: now,
		UpdatedAt: now,
		Approvals: approvals,
		Subject:   opts.Subject,
	}
	return writeJSON(path, entry)
}

// LoadStep implements state.Store.
func (s *Store) LoadStep(_ context.Context, planID, stepID string) (*state.StepEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readEntry(s.stepPath(planID, stepID))
}

// SetStepState implements state.Store.
func (s *Store) SetStepState(_ context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.stepPath(planID, stepID)
	entry, err := readEntry(path)
	if err != nil || entry == nil {
		return err
	}
	entry.State = st
	entry.UpdatedAt = s.clock().UTC()
	if opts.Summary != nil {
		entry.Summary = *opts.Summary
	}
	if opts.Output != nil {
		entry.Output = opts.Output
	}
	if opts.Attempt != nil {
		entry.Attempt = *opts.Attempt
	}
	return writeJSON(path, entry)
}

// RecordApproval implements state.Store.
func (s *Store) RecordApproval(_ context.Context, planID, stepID, capability string, granted bool) error {
	if capability == "" {
		return errors.New("capability is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.stepPath(planID, stepID)
	entry, err := readEntry(path)
	if err != nil || entry == nil {
		return err
	}
	if entry.Approvals == nil {
		entry.Approvals = make(map[string]bool)
	}
	entry.Approvals[capability] = granted
	entry.UpdatedAt = s.clock().UTC()
	return writeJSON(path, entry)
}

// ForgetStep implements state.Store.
func (s *Store) ForgetStep(_ context.Context, planID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.stepPath(planID, stepID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("forget step: %w", err)
	}
	// Drop the per-plan directory once empty so the tree does not accrete.
	_ = os.Remove(filepath.Join(s.root, stepDir, encode(planID)))
	return nil
}

// ListActiveSteps implements state.Store.
func (s *Store) ListActiveSteps(context.Context) ([]*state.StepEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*state.StepEntry
	planDirs, err := os.ReadDir(filepath.Join(s.root, stepDir))
	if err != nil {
		return nil, fmt.Errorf("list step directories: %w", err)
	}
	for _, pd := range planDirs {
		if !pd.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.root, stepDir, pd.Name()))
		if err != nil {
			return nil, fmt.Errorf("list step entries: %w", err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
				continue
			}
			entry, err := readEntry(filepath.Join(s.root, stepDir, pd.Name(), f.Name()))
			if err != nil {
				return nil, err
			}
			if entry != nil {
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

// RememberPlan implements state.Store.
func (s *Store) RememberPlan(_ context.Context, planID string, md *state.PlanMetadata) error {
	if planID == "" || md == nil {
		return errors.New("plan id and metadata are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(s.planPath(planID), md)
}

// LoadPlan implements state.Store.
func (s *Store) LoadPlan(_ context.Context, planID string) (*state.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readMetadata(s.planPath(planID))
}

// ForgetPlan implements state.Store.
func (s *Store) ForgetPlan(_ context.Context, planID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.planPath(planID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("forget plan: %w", err)
	}
	return nil
}

// ListPlans implements state.Store.
func (s *Store) ListPlans(context.Context) ([]*state.PlanMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, err := os.ReadDir(filepath.Join(s.root, planDir))
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	var out []*state.PlanMetadata
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		md, err := readMetadata(filepath.Join(s.root, planDir, f.Name()))
		if err != nil {
			return nil, err
		}
		if md != nil {
			out = append(out, md)
		}
	}
	return out, nil
}

// Sweep implements state.Store. Files whose entries were last updated before
// the cutoff are removed.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	entries, err := s.ListActiveSteps(ctx)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, entry := range entries {
		if entry.UpdatedAt.Before(cutoff) {
			if err := os.Remove(s.stepPath(entry.PlanID, entry.StepID)); err == nil {
				removed++
			}
		}
	}
	files, err := os.ReadDir(filepath.Join(s.root, planDir))
	if err != nil {
		return removed, fmt.Errorf("sweep plans: %w", err)
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(s.root, planDir, f.Name())); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (s *Store) stepPath(planID, stepID string) string {
	return filepath.Join(s.root, stepDir, encode(planID), encode(stepID)+".json")
}

func (s *Store) planPath(planID string) string {
	return filepath.Join(s.root, planDir, encode(planID)+".json")
}

func encode(id string) string {
	return url.PathEscape(id)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename record: %w", err)
	}
	return nil
}

func readEntry(path string) (*state.StepEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read step entry: %w", err)
	}
	var entry state.StepEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("decode step entry: %w", err)
	}
	return &entry, nil
}

func readMetadata(path string) (*state.PlanMetadata, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plan metadata: %w", err)
	}
	var md state.PlanMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("decode plan metadata: %w", err)
	}
	return &md, nil
}

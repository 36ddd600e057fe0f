// Package mongo hosts the MongoDB client used by the plan state store. Step
// and plan snapshots are serialized to JSON strings inside the documents:
// they are free-form mappings whose keys may contain characters MongoDB
// reserves in field paths. Approvals stay a subdocument (with escaped keys)
// so grants merge atomically with a single $set.
package mongo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/state"
)

const (
	defaultStepsCollection = "plan_step_entries"
	defaultPlansCollection = "plan_metadata"
	defaultOpTimeout       = 5 * time.Second
)

type (
	// Client exposes Mongo-backed operations for plan state. It mirrors the
	// state.Store contract so the store can delegate one to one.
	Client interface {
		Ping(ctx context.Context) error

		RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error
		LoadStep(ctx context.Context, planID, stepID string) (*state.StepEntry, error)
		SetStepState(ctx context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error
		RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error
		ForgetStep(ctx context.Context, planID, stepID string) error
		ListActiveSteps(ctx context.Context) ([]*state.StepEntry, error)

		RememberPlan(ctx context.Context, planID string, md *state.PlanMetadata) error
		LoadPlan(ctx context.Context, planID string) (*state.PlanMetadata, error)
		ForgetPlan(ctx context.Context, planID string) error
		ListPlans(ctx context.Context) ([]*state.PlanMetadata, error)

		Sweep(ctx context.Context, cutoff time.Time) (int, error)
	}

	// Options configures the Mongo plan state client.
	Options struct {
		// Client is the Mongo connection. Required.
		Client *mongodriver.Client
		// Database names the target database. Required.
		Database string
		// StepsCollection and PlansCollection override the collection names.
		StepsCollection string
		PlansCollection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// Clock overrides the time source (tests).
		Clock func() time.Time
	}

	client struct {
		mongo   *mongodriver.Client
		steps   *mongodriver.Collection
		plans   *mongodriver.Collection
		timeout time.Duration
		clock   func() time.Time
	}

	stepDocument struct {
		PlanID    string          `bson:"plan_id"`
		StepID    string          `bson:"step_id"`
		StepJSON  string          `bson:"step_json"`
		TraceID   string          `bson:"trace_id"`
		State     string          `bson:"state"`
		Attempt   int             `bson:"attempt"`
		CreatedAt time.Time       `bson:"created_at"`
		UpdatedAt time.Time       `bson:"updated_at"`
		Summary   string          `bson:"summary,omitempty"`
		Output    string          `bson:"output_json,omitempty"`
		Approvals map[string]bool `bson:"approvals,omitempty"`
		Subject   string          `bson:"subject_json,omitempty"`
	}

	planDocument struct {
		PlanID             string    `bson:"plan_id"`
		TraceID            string    `bson:"trace_id"`
		StepsJSON          string    `bson:"steps_json"`
		NextStepIndex      int       `bson:"next_step_index"`
		LastCompletedIndex int       `bson:"last_completed_index"`
		UpdatedAt          time.Time `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB and ensures the indexes exist.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	stepsName := opts.StepsCollection
	if stepsName == "" {
		stepsName = defaultStepsCollection
	}
	plansName := opts.PlansCollection
	if plansName == "" {
		plansName = defaultPlansCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	db := opts.Client.Database(opts.Database)
	c := &client{
		mongo:   opts.Client,
		steps:   db.Collection(stepsName),
		plans:   db.Collection(plansName),
		timeout: timeout,
		clock:   clock,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *client) Ping(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	doc, err := newStepDocument(planID, step, traceID, opts, c.clock().UTC())
	if err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"plan_id": planID, "step_id": step.ID}
	// Pure $setOnInsert keeps RememberStep idempotent: an existing entry is
	// never modified, even under retries and races.
	update := bson.M{"$setOnInsert": doc}
	_, err = c.steps.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("remember step: %w", err)
	}
	return nil
}

func (c *client) LoadStep(ctx context.Context, planID, stepID string) (*state.StepEntry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc stepDocument
	err := c.steps.FindOne(ctx, bson.M{"plan_id": planID, "step_id": stepID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load step: %w", err)
	}
	return doc.toEntry()
}

func (c *client) SetStepState(ctx context.Context, planID, stepID string, st plan.StepState, opts state.SetStateOptions) error {
	set := bson.M{
		"state":      string(st),
		"updated_at": c.clock().UTC(),
	}
	if opts.Summary != nil {
		set["summary"] = *opts.Summary
	}
	if opts.Output != nil {
		doc, err := json.Marshal(opts.Output)
		if err != nil {
			return fmt.Errorf("marshal output: %w", err)
		}
		set["output_json"] = string(doc)
	}
	if opts.Attempt != nil {
		set["attempt"] = *opts.Attempt
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.UpdateOne(ctx,
		bson.M{"plan_id": planID, "step_id": stepID},
		bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("set step state: %w", err)
	}
	return nil
}

func (c *client) RecordApproval(ctx context.Context, planID, stepID, capability string, granted bool) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.UpdateOne(ctx,
		bson.M{"plan_id": planID, "step_id": stepID},
		bson.M{"$set": bson.M{
			"approvals." + escapeKey(capability): granted,
			"updated_at":                        c.clock().UTC(),
		}})
	if err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	return nil
}

func (c *client) ForgetStep(ctx context.Context, planID, stepID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.steps.DeleteOne(ctx, bson.M{"plan_id": planID, "step_id": stepID})
	if err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	return nil
}

func (c *client) ListActiveSteps(ctx context.Context) ([]*state.StepEntry, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.steps.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*state.StepEntry
	for cur.Next(ctx) {
		var doc stepDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode step document: %w", err)
		}
		entry, err := doc.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list active steps: %w", err)
	}
	return out, nil
}

func (c *client) RememberPlan(ctx context.Context, planID string, md *state.PlanMetadata) error {
	stepsDoc, err := json.Marshal(md.Steps)
	if err != nil {
		return fmt.Errorf("marshal plan steps: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$set": bson.M{
		"plan_id":              planID,
		"trace_id":             md.TraceID,
		"steps_json":           string(stepsDoc),
		"next_step_index":      md.NextStepIndex,
		"last_completed_index": md.LastCompletedIndex,
		"updated_at":           c.clock().UTC(),
	}}
	_, err = c.plans.UpdateOne(ctx, bson.M{"plan_id": planID}, update,
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("remember plan: %w", err)
	}
	return nil
}

func (c *client) LoadPlan(ctx context.Context, planID string) (*state.PlanMetadata, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc planDocument
	err := c.plans.FindOne(ctx, bson.M{"plan_id": planID}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load plan: %w", err)
	}
	return doc.toMetadata()
}

func (c *client) ForgetPlan(ctx context.Context, planID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.plans.DeleteOne(ctx, bson.M{"plan_id": planID})
	if err != nil {
		return fmt.Errorf("forget plan: %w", err)
	}
	return nil
}

func (c *client) ListPlans(ctx context.Context) ([]*state.PlanMetadata, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	cur, err := c.plans.Find(ctx, bson.M{},
		options.Find().SetSort(bson.D{{Key: "updated_at", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer func() { _ = cur.Close(ctx) }()
	var out []*state.PlanMetadata
	for cur.Next(ctx) {
		var doc planDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode plan document: %w", err)
		}
		md, err := doc.toMetadata()
		if err != nil {
			return nil, err
		}
		out = append(out, md)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	return out, nil
}

func (c *client) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"updated_at": bson.M{"$lt": cutoff.UTC()}}
	total := 0
	res, err := c.steps.DeleteMany(ctx, filter)
	if err != nil {
		return total, fmt.Errorf("sweep steps: %w", err)
	}
	total += int(res.DeletedCount)
	res, err = c.plans.DeleteMany(ctx, filter)
	if err != nil {
		return total, fmt.Errorf("sweep plans: %w", err)
	}
	total += int(res.DeletedCount)
	return total, nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *client) ensureIndexes(ctx context.Context) error {
	stepIndexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "plan_id", Value: 1},
				{Key: "step_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}
	if _, err := c.steps.Indexes().CreateMany(ctx, stepIndexes); err != nil {
		return fmt.Errorf("create step indexes: %w", err)
	}
	planIndexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "plan_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "updated_at", Value: 1}}},
	}
	if _, err := c.plans.Indexes().CreateMany(ctx, planIndexes); err != nil {
		return fmt.Errorf("create plan indexes: %w", err)
	}
	return nil
}

func newStepDocument(planID string, step plan.Step, traceID string, opts state.RememberOptions, now time.Time) (stepDocument, error) {
	stepDoc, err := json.Marshal(step)
	if err != nil {
		return stepDocument{}, fmt.Errorf("marshal step: %w", err)
	}
	doc := stepDocument{
		PlanID:    planID,
		StepID:    step.ID,
		StepJSON:  string(stepDoc),
		TraceID:   traceID,
		State:     string(opts.State),
		Attempt:   opts.Attempt,
		CreatedAt: now,
		UpdatedAt: now,
		Approvals: escapeApprovals(opts.Approvals),
	}
	if opts.Subject != nil {
		subjectDoc, err := json.Marshal(opts.Subject)
		if err != nil {
			return stepDocument{}, fmt.Errorf("marshal subject: %w", err)
		}
		doc.Subject = string(subjectDoc)
	}
	return doc, nil
}

func (doc stepDocument) toEntry() (*state.StepEntry, error) {
	entry := &state.StepEntry{
		PlanID:    doc.PlanID,
		StepID:    doc.StepID,
		TraceID:   doc.TraceID,
		State:     plan.StepState(doc.State),
		Attempt:   doc.Attempt,
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
		Summary:   doc.Summary,
		Approvals: unescapeApprovals(doc.Approvals),
	}
	if err := json.Unmarshal([]byte(doc.StepJSON), &entry.Step); err != nil {
		return nil, fmt.Errorf("decode step %s:%s: %w", doc.PlanID, doc.StepID, err)
	}
	if doc.Output != "" {
		if err := json.Unmarshal([]byte(doc.Output), &entry.Output); err != nil {
			return nil, fmt.Errorf("decode output %s:%s: %w", doc.PlanID, doc.StepID, err)
		}
	}
	if doc.Subject != "" {
		if err := json.Unmarshal([]byte(doc.Subject), &entry.Subject); err != nil {
			return nil, fmt.Errorf("decode subject %s:%s: %w", doc.PlanID, doc.StepID, err)
		}
	}
	return entry, nil
}

func (doc planDocument) toMetadata() (*state.PlanMetadata, error) {
	md := &state.PlanMetadata{
		PlanID:             doc.PlanID,
		TraceID:            doc.TraceID,
		NextStepIndex:      doc.NextStepIndex,
		LastCompletedIndex: doc.LastCompletedIndex,
	}
	if err := json.Unmarshal([]byte(doc.StepsJSON), &md.Steps); err != nil {
		return nil, fmt.Errorf("decode plan steps %s: %w", doc.PlanID, err)
	}
	return md, nil
}

// Capability tokens may contain characters MongoDB reserves in field paths;
// they are escaped on write and unescaped on read.
const (
	escapedDot    = "．"
	escapedDollar = "＄"
)

func escapeKey(key string) string {
	key = strings.ReplaceAll(key, ".", escapedDot)
	return strings.ReplaceAll(key, "$", escapedDollar)
}

func unescapeKey(key string) string {
	key = strings.ReplaceAll(key, escapedDot, ".")
	return strings.ReplaceAll(key, escapedDollar, "$")
}

func escapeApprovals(approvals map[string]bool) map[string]bool {
	if len(approvals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(approvals))
	for k, v := range approvals {
		out[escapeKey(k)] = v
	}
	return out
}

func unescapeApprovals(approvals map[string]bool) map[string]bool {
	if len(approvals) == 0 {
		return nil
	}
	out := make(map[string]bool, len(approvals))
	for k, v := range approvals {
		out[unescapeKey(k)] = v
	}
	return out
}

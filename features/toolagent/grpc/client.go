// Package grpc implements the tool agent client over gRPC. Requests and
// responses travel as structpb.Struct envelopes so the runtime stays
// decoupled from the agents' generated types; gRPC status codes classify
// failures as retryable or terminal for the runtime's retry loop.
package grpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/toolagent"
)

// ExecuteToolMethod is the full gRPC method invoked on the tool agent.
const ExecuteToolMethod = "/planq.v1.ToolAgent/ExecuteTool"

// DefaultTimeout bounds invocations whose step declares no timeout.
const DefaultTimeout = 30 * time.Second

type (
	// Options configures the client.
	Options struct {
		// Conn is the gRPC connection to the tool agent. Required.
		Conn *grpc.ClientConn
		// DefaultTimeout applies when neither the call options nor the step
		// declare a timeout. Defaults to DefaultTimeout.
		DefaultTimeout time.Duration
	}

	// Client implements toolagent.Client over gRPC.
	Client struct {
		conn           *grpc.ClientConn
		defaultTimeout time.Duration
	}

	// response mirrors the agent's reply envelope.
	response struct {
		Events []struct {
			State   string         `json:"state"`
			Summary string         `json:"summary"`
			Output  map[string]any `json:"output"`
		} `json:"events"`
		Error *struct {
			Message   string `json:"message"`
			Retryable bool   `json:"retryable"`
		} `json:"error"`
	}
)

// New constructs a Client.
func New(opts Options) (*Client, error) {
	if opts.Conn == nil {
		return nil, errors.New("grpc connection is required")
	}
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: opts.Conn, defaultTimeout: timeout}, nil
}

// ExecuteTool implements toolagent.Client: the invocation is sent as a
// structpb envelope with the trace header in the outgoing metadata, bounded
// by the call timeout.
func (c *Client) ExecuteTool(ctx context.Context, inv toolagent.Invocation, opts toolagent.CallOptions) ([]toolagent.Event, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if len(opts.Headers) > 0 {
		ctx = metadata.NewOutgoingContext(ctx, metadata.New(opts.Headers))
	}

	req, err := invocationStruct(inv)
	if err != nil {
		return nil, &toolagent.TerminalError{Err: fmt.Errorf("encode invocation: %w", err)}
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, ExecuteToolMethod, req, resp); err != nil {
		return nil, classify(err)
	}
	return decodeResponse(resp)
}

// invocationStruct converts the invocation into a structpb envelope via its
// JSON form.
func invocationStruct(inv toolagent.Invocation) (*structpb.Struct, error) {
	doc, err := json.Marshal(inv)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(doc, out); err != nil {
		return nil, err
	}
	return out, nil
}

// decodeResponse converts the agent's reply envelope into tool events plus
// the classified error it reported, if any.
func decodeResponse(resp *structpb.Struct) ([]toolagent.Event, error) {
	doc, err := protojson.Marshal(resp)
	if err != nil {
		return nil, &toolagent.TerminalError{Err: fmt.Errorf("decode response: %w", err)}
	}
	var parsed response
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, &toolagent.TerminalError{Err: fmt.Errorf("decode response: %w", err)}
	}
	events := make([]toolagent.Event, 0, len(parsed.Events))
	for _, ev := range parsed.Events {
		events = append(events, toolagent.Event{
			State:   plan.StepState(ev.State),
			Summary: ev.Summary,
			Output:  ev.Output,
		})
	}
	if parsed.Error != nil {
		err := errors.New(parsed.Error.Message)
		if parsed.Error.Retryable {
			return events, &toolagent.RetryableError{Err: err}
		}
		return events, &toolagent.TerminalError{Err: err}
	}
	return events, nil
}

// classify maps transport failures onto the runtime's retryable/terminal
// taxonomy. Transient transport conditions retry; everything else is
// terminal.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &toolagent.RetryableError{Err: err}
	}
	st, ok := status.FromError(err)
	if !ok {
		return &toolagent.TerminalError{Err: err}
	}
	switch st.Code() {
	case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.DeadlineExceeded:
		return &toolagent.RetryableError{Err: err}
	default:
		return &toolagent.TerminalError{Err: err}
	}
}

// Package basic provides a simple policy.Enforcer implementation that
// enforces capability allow/block lists and subject scope matching. It covers
// the common case where teams want lightweight filtering without deploying a
// dedicated policy service.
package basic

import (
	"context"
	"strings"

	"github.com/oss-agent-tool/planq/runtime/plan"
	"github.com/oss-agent-tool/planq/runtime/plan/policy"
)

// Options configures the basic policy engine.
type Options struct {
	// AllowCapabilities restricts execution to the listed capability tokens.
	// Empty means no capability filter.
	AllowCapabilities []string
	// BlockCapabilities denies the listed capability tokens outright.
	BlockCapabilities []string
	// RequireScope denies steps whose capability is absent from the
	// subject's scopes. Steps without a subject are denied when set.
	RequireScope bool
}

// Engine implements policy.Enforcer with capability filtering and optional
// subject scope checks.
type Engine struct {
	allow        map[string]struct{}
	block        map[string]struct{}
	requireScope bool
}

// New builds an Engine using the supplied options.
func New(opts Options) *Engine {
	return &Engine{
		allow:        toSet(opts.AllowCapabilities),
		block:        toSet(opts.BlockCapabilities),
		requireScope: opts.RequireScope,
	}
}

// EnforcePlanStep implements policy.Enforcer.
func (e *Engine) EnforcePlanStep(_ context.Context, step plan.Step, input policy.Input) (policy.Decision, error) {
	var denies []policy.Deny
	if _, blocked := e.block[step.Capability]; blocked {
		denies = append(denies, policy.Deny{
			Reason:     "capability_blocked",
			Capability: step.Capability,
		})
	}
	if len(e.allow) > 0 {
		if _, ok := e.allow[step.Capability]; !ok {
			denies = append(denies, policy.Deny{
				Reason:     "capability_not_allowed",
				Capability: step.Capability,
			})
		}
	}
	if e.requireScope && !subjectHasScope(input.Subject, step.Capability) {
		denies = append(denies, policy.Deny{
			Reason:     "scope_missing",
			Capability: step.Capability,
			Message:    "subject lacks the required scope",
		})
	}
	if step.ApprovalRequired && !input.Approvals[step.Capability] {
		denies = append(denies, policy.Deny{
			Reason:     policy.ReasonApprovalRequired,
			Capability: step.Capability,
		})
	}
	return policy.Decision{Allow: len(denies) == 0, Denies: denies}, nil
}

func subjectHasScope(subject *plan.Subject, capability string) bool {
	if subject == nil {
		return false
	}
	for _, scope := range subject.Scopes {
		if scope == capability || scope == "*" {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	return set
}

// Package permission decides how the bridge answers an agent's request to
// perform a sensitive action. The Negotiator is a policy seam: the default
// auto-allows the least destructive offered option, but interactive or
// audit-logged policies can be swapped in. Whatever the policy, a decision
// always terminates and a request is never answered twice.
package permission

import (
	"context"
	"strings"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
)

// Option is one choice offered by the agent in a permission request.
type Option struct {
	ID   string `json:"optionId"`
	Name string `json:"name,omitempty"`
	Kind string `json:"kind"`
}

// Request is an agent-issued "may I do X" with its offered option set.
type Request struct {
	SessionID string
	ToolName  string
	Options   []Option
}

// Decision is the single outcome produced for a request: either a selected
// option id or a cancellation.
type Decision struct {
	SelectedID string
	Cancelled  bool
}

// Negotiator produces exactly one Decision per Request. Implementations may
// block on I/O but must honor ctx so a hung policy cannot wedge a session.
type Negotiator interface {
	Decide(ctx context.Context, req Request) Decision
}

// AutoPolicy is the default negotiator: it selects the first option whose
// kind marks a non-destructive allow class, falls back to the first offered
// option, and cancels when nothing is offered.
type AutoPolicy struct{}

// Decide implements Negotiator.
func (AutoPolicy) Decide(_ context.Context, req Request) Decision {
	if len(req.Options) == 0 {
		return Decision{Cancelled: true}
	}
	for _, opt := range req.Options {
		if strings.HasPrefix(opt.Kind, "allow") {
			logger.Info("auto-approving %s for session %s (option %s)", req.ToolName, req.SessionID, opt.ID)
			return Decision{SelectedID: opt.ID}
		}
	}
	return Decision{SelectedID: req.Options[0].ID}
}

// Bounded wraps a negotiator with a decision deadline. A policy that fails
// to decide in time yields a cancellation, which the protocol layer reports
// to the agent as a cancelled outcome.
type Bounded struct {
	Inner   Negotiator
	Timeout time.Duration
}

// Decide implements Negotiator.
func (b Bounded) Decide(ctx context.Context, req Request) Decision {
	ctx, cancel := context.WithTimeout(ctx, b.Timeout)
	defer cancel()

	ch := make(chan Decision, 1)
	go func() {
		ch <- safeDecide(ctx, b.Inner, req)
	}()

	select {
	case d := <-ch:
		return d
	case <-ctx.Done():
		logger.Error("permission decision timed out for session %s tool %s", req.SessionID, req.ToolName)
		return Decision{Cancelled: true}
	}
}

// safeDecide shields the protocol layer from a panicking policy.
func safeDecide(ctx context.Context, n Negotiator, req Request) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("permission policy panic: %v", r)
			d = Decision{Cancelled: true}
		}
	}()
	return n.Decide(ctx, req)
}

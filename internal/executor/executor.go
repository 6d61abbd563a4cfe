// Package executor performs resolved interactions in the page context:
// clicks, waits and dialog verification.
package executor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/resolve"
)

// dialogCatalogue holds the generic "is this a dialog" predicates: ARIA
// roles, modal attributes and common popup class markers.
var dialogCatalogue = []string{
	`[role="dialog"]`,
	`[role="alertdialog"]`,
	`[aria-modal="true"]`,
	`dialog[open]`,
	`.modal`,
	`.popup`,
	`.dialog-container`,
	`[data-automation-id*="popup"]`,
}

// defaultWaitDuration applies to wait steps that carry no timeout.
const defaultWaitDuration = time.Second

// Executor carries out one step at a time against the page. Outcomes are
// always returned as structured results; nothing is left unreported.
type Executor struct {
	page     schemas.Page
	events   schemas.PageEvents
	resolver *resolve.Resolver
	logger   *zap.Logger
	now      func() time.Time

	// onLink receives the target of an intercepted navigational link so the
	// orchestrator decides whether to navigate, instead of the page
	// navigating uncontrolled.
	onLink func(href string)
}

var _ schemas.StepExecutor = (*Executor)(nil)

// New creates an executor bound to one page.
func New(page schemas.Page, events schemas.PageEvents, resolver *resolve.Resolver, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		page:     page,
		events:   events,
		resolver: resolver,
		logger:   logger.Named("executor"),
		now:      time.Now,
	}
}

// OnLink installs the side channel for intercepted link targets.
func (e *Executor) OnLink(fn func(href string)) { e.onLink = fn }

// Execute runs one click or wait step and reports the structured result.
func (e *Executor) Execute(ctx context.Context, step schemas.Step) schemas.StepResult {
	switch step.Action {
	case schemas.StepWait:
		return e.executeWait(ctx, step)
	case schemas.StepVerifyDialog:
		return e.VerifyDialog(ctx, step)
	default:
		return e.executeClick(ctx, step)
	}
}

// executeWait suspends for the step's duration without touching the DOM.
func (e *Executor) executeWait(ctx context.Context, step schemas.Step) schemas.StepResult {
	duration := defaultWaitDuration
	if step.TimeoutMs > 0 {
		duration = time.Duration(step.TimeoutMs) * time.Millisecond
	}
	e.logger.Debug("Waiting.", zap.Duration("duration", duration))
	select {
	case <-time.After(duration):
		return e.success(step, schemas.Resolution{Descriptor: "wait"})
	case <-ctx.Done():
		return e.failure(step, fmt.Errorf("wait interrupted: %w", ctx.Err()))
	}
}

func (e *Executor) executeClick(ctx context.Context, step schemas.Step) schemas.StepResult {
	res, err := e.resolver.Await(ctx, step, e.page.Snapshot, e.events.Mutations())
	if err != nil {
		return e.failure(step, err)
	}

	log := e.logger.With(zap.String("locator", res.Locator), zap.String("strategy", res.Strategy))

	// Best effort; an element that cannot scroll can often still be clicked.
	if err := e.page.ScrollIntoView(ctx, res.Locator); err != nil {
		log.Debug("Scroll into view failed.", zap.Error(err))
	}

	if wait := step.WaitBeforeClick(); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return e.failure(step, fmt.Errorf("pre-click wait interrupted: %w", ctx.Err()))
		}
	}

	// An element that is, or sits inside, a navigational link must not
	// navigate the page on its own. Report the target instead and let the
	// orchestrator decide.
	if res.Href != "" {
		log.Info("Intercepted navigational link.", zap.String("href", res.Href))
		if e.onLink != nil {
			e.onLink(res.Href)
		}
		result := e.success(step, res)
		result.Href = res.Href
		return result
	}

	if err := e.page.Click(ctx, res.Locator); err != nil {
		log.Debug("Native activation raised, dispatching pointer events.", zap.Error(err))
		if fallbackErr := e.page.DispatchPointer(ctx, res.Locator); fallbackErr != nil {
			return e.failure(step, fmt.Errorf("%w: native: %v; pointer: %v", schemas.ErrAction, err, fallbackErr))
		}
	}

	log.Info("Step executed.", zap.String("descriptor", res.Descriptor))
	return e.success(step, res)
}

// VerifyDialog checks that a dialog container is present. The generic
// predicates run first; the step's own selectors are the fallback. Success
// means a matching container was found, not that its contents were
// validated.
func (e *Executor) VerifyDialog(ctx context.Context, step schemas.Step) schemas.StepResult {
	// Both passes share the step's overall deadline: half for the generic
	// predicates, the remainder for the selector fallback.
	half := int(step.Timeout().Milliseconds() / 2)
	probe := schemas.Step{
		Description: step.Description,
		Selector:    joinSelectors(dialogCatalogue),
		TextContent: step.TextContent,
		TimeoutMs:   half,
	}
	if res, err := e.resolver.Await(ctx, probe, e.page.Snapshot, e.events.Mutations()); err == nil {
		e.logger.Info("Dialog verified via generic predicates.", zap.String("descriptor", res.Descriptor))
		return e.success(step, res)
	}

	fallback := step
	fallback.TimeoutMs = half
	res, err := e.resolver.Await(ctx, fallback, e.page.Snapshot, e.events.Mutations())
	if err != nil {
		return e.failure(step, err)
	}
	e.logger.Info("Dialog verified via step selectors.", zap.String("descriptor", res.Descriptor))
	return e.success(step, res)
}

func (e *Executor) success(step schemas.Step, res schemas.Resolution) schemas.StepResult {
	return schemas.StepResult{
		Success:           true,
		Timestamp:         e.now(),
		ElementDescriptor: res.Descriptor,
		Strategy:          res.Strategy,
	}
}

func (e *Executor) failure(step schemas.Step, err error) schemas.StepResult {
	e.logger.Warn("Step failed.",
		zap.String("description", step.Description),
		zap.Bool("critical", step.Critical),
		zap.Error(err))
	return schemas.StepResult{
		Success:   false,
		Timestamp: e.now(),
		Error:     err.Error(),
	}
}

func joinSelectors(selectors []string) string {
	out := ""
	for i, s := range selectors {
		if i > 0 {
			out += ", "
		}
		out += s
	}
	return out
}

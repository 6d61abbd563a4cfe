// Package orchestrator sequences automation runs: fetch an instruction,
// persist a durable checkpoint, navigate, and drive the page-context
// executor one step at a time until the run completes or aborts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/autopilot-sh/autopilot/api/schemas"
	"github.com/autopilot-sh/autopilot/internal/bus"
	"github.com/autopilot-sh/autopilot/internal/config"
)

// Trigger identifies what woke the engine up.
type Trigger string

const (
	// TriggerPoll is the periodic polling timer.
	TriggerPoll Trigger = "poll"
	// TriggerManual is an explicit TRIGGER_AUTOMATION request.
	TriggerManual Trigger = "manual"
)

// Engine manages the high-level lifecycle of automation runs. It is
// injected with fully configured components via interfaces, making it
// decoupled and testable.
type Engine struct {
	cfg    config.AutomationConfig
	logger *zap.Logger
	repo   schemas.Repository
	source schemas.InstructionSource
	page   schemas.Page
	bus    *bus.Bus
	now    func() time.Time

	// dedup remembers recently completed session IDs so a re-served
	// instruction is never run twice.
	dedup *expirable.LRU[string, time.Time]
	// group collapses duplicate triggers of the same kind into one pass;
	// proc serializes the passes themselves so a page-ready notice is never
	// swallowed by an in-flight tick.
	group singleflight.Group
	proc  sync.Mutex

	mu             sync.Mutex
	pollingEnabled bool
	running        bool
	navigating     bool
	lastPoll       time.Time
	lastTrigger    time.Time
}

// New creates an Engine and warm-starts the dedup set from the store's
// completed-session history.
func New(
	cfg config.AutomationConfig,
	logger *zap.Logger,
	repo schemas.Repository,
	source schemas.InstructionSource,
	page schemas.Page,
	b *bus.Bus,
) (*Engine, error) {
	if logger == nil || repo == nil || source == nil || page == nil || b == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	capacity := cfg.DedupCapacity
	if capacity <= 0 {
		capacity = 20
	}

	e := &Engine{
		cfg:            cfg,
		logger:         logger.Named("orchestrator"),
		repo:           repo,
		source:         source,
		page:           page,
		bus:            b,
		now:            time.Now,
		dedup:          expirable.NewLRU[string, time.Time](capacity, nil, 0),
		pollingEnabled: true,
	}

	sessions, err := repo.RecentCompletedSessions(context.Background(), capacity)
	if err != nil {
		e.logger.Warn("Could not warm dedup set from completed sessions.", zap.Error(err))
	}
	// Oldest first, so the most recent sessions survive the LRU cap.
	for i := len(sessions) - 1; i >= 0; i-- {
		e.dedup.Add(sessions[i], e.now())
	}
	return e, nil
}

// WithClock overrides the engine's time source for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// TogglePolling enables or disables the periodic polling trigger.
func (e *Engine) TogglePolling(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pollingEnabled = enabled
	e.logger.Info("Polling toggled", zap.Bool("enabled", enabled))
}

// PollingEnabled reports the current polling switch.
func (e *Engine) PollingEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pollingEnabled
}

// Tick is the polling and manual-trigger entry point. It honors the
// per-trigger cooldown, skips while a run or navigation is in flight, and
// otherwise resumes the pending run or fetches a fresh instruction.
func (e *Engine) Tick(ctx context.Context, trigger Trigger) error {
	if !e.admit(trigger) {
		return nil
	}
	_, err, _ := e.group.Do("tick", func() (any, error) {
		return nil, e.process(ctx)
	})
	return err
}

// admit applies the polling switch, cooldowns and run/navigation locks.
func (e *Engine) admit(trigger Trigger) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	switch trigger {
	case TriggerPoll:
		if !e.pollingEnabled {
			return false
		}
		if !e.lastPoll.IsZero() && now.Sub(e.lastPoll) < e.cfg.PollCooldown {
			return false
		}
	case TriggerManual:
		if !e.lastTrigger.IsZero() && now.Sub(e.lastTrigger) < e.cfg.TriggerCooldown {
			e.logger.Debug("Manual trigger inside cooldown, skipping.")
			return false
		}
	}
	if e.running || e.navigating {
		e.logger.Debug("Run already in flight, skipping trigger.",
			zap.String("trigger", string(trigger)))
		return false
	}
	switch trigger {
	case TriggerPoll:
		e.lastPoll = now
	case TriggerManual:
		e.lastTrigger = now
	}
	return true
}

// process resumes the pending run if one exists, otherwise starts a fresh
// one from the instruction source.
func (e *Engine) process(ctx context.Context) error {
	e.proc.Lock()
	defer e.proc.Unlock()

	pending, err := e.repo.GetPending(ctx)
	switch {
	case err == nil:
		return e.resume(ctx, pending)
	case errors.Is(err, schemas.ErrStaleState):
		e.logger.Info("Discarded stale pending automation.")
		return e.startFresh(ctx)
	case errors.Is(err, schemas.ErrNotFound):
		return e.startFresh(ctx)
	default:
		return fmt.Errorf("could not load pending automation: %w", err)
	}
}

// startFresh asks the source for the next instruction and begins its run.
// When the page is already on a satisfied URL there is nothing to automate
// and no instruction is fetched.
func (e *Engine) startFresh(ctx context.Context) error {
	if current, err := e.page.CurrentURL(ctx); err == nil && e.urlSatisfies(current) {
		e.logger.Debug("Current URL already satisfied, skipping fetch.",
			zap.String("url", current))
		return nil
	}

	in, err := e.source.Next(ctx)
	if err != nil {
		e.logger.Warn("Instruction fetch failed.", zap.Error(err))
		return err
	}
	if in == nil {
		e.logger.Debug("No instruction available.")
		return nil
	}
	if err := in.Validate(); err != nil {
		e.logger.Warn("Rejecting invalid instruction.", zap.Error(err))
		return nil
	}
	if _, seen := e.dedup.Get(in.SessionID); seen {
		e.logger.Info("Session already completed recently, skipping.",
			zap.String("session_id", in.SessionID))
		return nil
	}

	e.logger.Info("Starting automation run",
		zap.String("session_id", in.SessionID),
		zap.String("target_url", in.TargetURL),
		zap.Int("steps", len(in.Steps)))

	pending := schemas.NewPendingAutomation(*in, e.now())
	if err := e.repo.PutPending(ctx, pending); err != nil {
		return fmt.Errorf("could not persist pending automation: %w", err)
	}
	return e.resume(ctx, pending)
}

// resume continues a checkpointed run: if the page is already on the target
// (or on a URL that satisfies the run) it executes the remaining steps,
// otherwise it navigates and lets the page-ready notice pick the run up.
func (e *Engine) resume(ctx context.Context, pending *schemas.PendingAutomation) error {
	current, err := e.page.CurrentURL(ctx)
	if err != nil {
		e.logger.Warn("Could not read current URL.", zap.Error(err))
	}

	if e.urlSatisfies(current) {
		e.logger.Info("Current URL already satisfies the run, completing without steps.",
			zap.String("url", current),
			zap.String("session_id", pending.Instruction.SessionID))
		return e.complete(ctx, pending)
	}
	if sameLocation(current, pending.Instruction.TargetURL) {
		return e.runSteps(ctx, pending)
	}
	return e.navigate(ctx, pending, pending.Instruction.TargetURL)
}

// navigate drives the page to a URL under the navigation deadline. The
// page-ready notice continues the run.
func (e *Engine) navigate(ctx context.Context, pending *schemas.PendingAutomation, url string) error {
	e.mu.Lock()
	e.navigating = true
	e.mu.Unlock()

	navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	defer cancel()

	if err := e.page.Navigate(navCtx, url); err != nil {
		e.mu.Lock()
		e.navigating = false
		e.mu.Unlock()
		if errors.Is(err, schemas.ErrNavigationTimeout) || errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return e.abort(ctx, pending, fmt.Errorf("%w: %s", schemas.ErrNavigationTimeout, url))
		}
		return e.abort(ctx, pending, err)
	}
	return nil
}

// HandlePageReady is the resumption entry point for page-ready notices.
// It is safe to call repeatedly for a single navigation; already executed
// steps are never re-dispatched.
func (e *Engine) HandlePageReady(ctx context.Context, notice schemas.LoadedNotice) error {
	if !notice.ReadyForAutomation {
		return nil
	}
	e.mu.Lock()
	e.navigating = false
	running := e.running
	e.mu.Unlock()
	if running {
		return nil
	}

	_, err, _ := e.group.Do("page-ready", func() (any, error) {
		e.proc.Lock()
		defer e.proc.Unlock()

		pending, err := e.repo.GetPending(ctx)
		switch {
		case errors.Is(err, schemas.ErrNotFound):
			return nil, nil
		case errors.Is(err, schemas.ErrStaleState):
			e.logger.Info("Discarded stale pending automation on page ready.")
			return nil, nil
		case err != nil:
			return nil, fmt.Errorf("could not load pending automation: %w", err)
		}
		if e.urlSatisfies(notice.URL) {
			return nil, e.complete(ctx, pending)
		}
		if err := e.settle(ctx); err != nil {
			return nil, err
		}
		return nil, e.runSteps(ctx, pending)
	})
	return err
}

// settle gives the freshly loaded page a moment before the first step.
func (e *Engine) settle(ctx context.Context) error {
	if e.cfg.SettleDelay <= 0 {
		return nil
	}
	t := time.NewTimer(e.cfg.SettleDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// runSteps executes the run's remaining steps in order, checkpointing after
// each one. A step runs at most once; a critical failure aborts the run, a
// non-critical one is recorded and skipped.
func (e *Engine) runSteps(ctx context.Context, pending *schemas.PendingAutomation) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	steps := pending.Instruction.Steps
	for i := pending.CurrentStepIndex; i < len(steps); i++ {
		if pending.Executed(i) {
			continue
		}
		step := steps[i]
		e.logger.Info("Dispatching step",
			zap.Int("index", i),
			zap.String("description", step.Description),
			zap.String("action", string(step.Action)))

		result, err := e.dispatch(ctx, step)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return e.abort(ctx, pending, fmt.Errorf("step %d dispatch failed: %w", i, err))
			}
			// The request's own deadline elapsed while the engine is still
			// healthy. Treat it like a failed step so the critical flag
			// decides whether the run continues.
			result = schemas.StepResult{Timestamp: e.now(), Error: err.Error()}
		}

		if !result.Success {
			if step.Critical {
				return e.abort(ctx, pending, fmt.Errorf("critical step %d failed: %s", i, result.Error))
			}
			e.logger.Warn("Non-critical step failed, continuing.",
				zap.Int("index", i), zap.String("error", result.Error))
			pending.MarkExecuted(i, e.now())
			if err := e.repo.PutPending(ctx, pending); err != nil {
				return fmt.Errorf("could not checkpoint run: %w", err)
			}
			continue
		}

		pending.MarkExecuted(i, e.now())
		if err := e.repo.PutPending(ctx, pending); err != nil {
			return fmt.Errorf("could not checkpoint run: %w", err)
		}

		if result.Href != "" {
			// The clicked element was a link; the orchestrator performs the
			// navigation itself and the run continues on the next page ready.
			e.logger.Info("Step resolved to a link, navigating.",
				zap.Int("index", i), zap.String("href", result.Href))
			if pending.Done() {
				if err := e.complete(ctx, pending); err != nil {
					return err
				}
			}
			return e.navigateHref(ctx, pending, result.Href)
		}
	}

	if pending.Done() {
		return e.complete(ctx, pending)
	}
	return nil
}

// navigateHref follows an intercepted link target mid-run.
func (e *Engine) navigateHref(ctx context.Context, pending *schemas.PendingAutomation, href string) error {
	e.mu.Lock()
	e.navigating = true
	e.mu.Unlock()

	navCtx, cancel := context.WithTimeout(ctx, e.cfg.NavigationTimeout)
	defer cancel()
	if err := e.page.Navigate(navCtx, href); err != nil {
		e.mu.Lock()
		e.navigating = false
		e.mu.Unlock()
		if pending.Done() {
			// The run already completed; a failing follow-up navigation is
			// not a run failure.
			e.logger.Warn("Post-completion navigation failed.", zap.Error(err))
			return nil
		}
		if errors.Is(err, schemas.ErrNavigationTimeout) || errors.Is(navCtx.Err(), context.DeadlineExceeded) {
			return e.abort(ctx, pending, fmt.Errorf("%w: %s", schemas.ErrNavigationTimeout, href))
		}
		return e.abort(ctx, pending, err)
	}
	return nil
}

// dispatch sends one step to the page-context executor and decodes the
// single result. The request deadline covers the step's own budget plus a
// dispatch margin.
func (e *Engine) dispatch(ctx context.Context, step schemas.Step) (schemas.StepResult, error) {
	budget := step.Timeout() + step.WaitBeforeClick() + 5*time.Second
	reqCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if step.Action == schemas.StepVerifyDialog {
		env, err := e.bus.Request(reqCtx, schemas.MsgVerifyDialog, schemas.DialogRequest{DialogInfo: step})
		if err != nil {
			return schemas.StepResult{}, err
		}
		var resp schemas.DialogResponse
		if err := env.Decode(&resp); err != nil {
			return schemas.StepResult{}, err
		}
		return resp.Result, nil
	}

	env, err := e.bus.Request(reqCtx, schemas.MsgAutomationClick, schemas.ClickRequest{ElementsToClick: []schemas.Step{step}})
	if err != nil {
		return schemas.StepResult{}, err
	}
	var resp schemas.ClickResponse
	if err := env.Decode(&resp); err != nil {
		return schemas.StepResult{}, err
	}
	if len(resp.Results) == 0 {
		return schemas.StepResult{}, fmt.Errorf("executor returned no result")
	}
	return resp.Results[0], nil
}

// complete finalizes a successful run: the checkpoint is removed, the
// session joins the dedup set, and a completion notice goes out.
func (e *Engine) complete(ctx context.Context, pending *schemas.PendingAutomation) error {
	sessionID := pending.Instruction.SessionID
	if err := e.repo.DeletePending(ctx); err != nil && !errors.Is(err, schemas.ErrNotFound) {
		return fmt.Errorf("could not remove completed run: %w", err)
	}
	now := e.now()
	if err := e.repo.RecordCompletedSession(ctx, sessionID, now); err != nil {
		e.logger.Warn("Could not record completed session.", zap.Error(err))
	}
	e.dedup.Add(sessionID, now)
	e.bus.Notify(schemas.MsgAutomationCompleted, schemas.CompletedNotice{
		SessionID: sessionID,
		Result:    "completed",
	})
	e.logger.Info("Automation run completed", zap.String("session_id", sessionID))
	return nil
}

// abort finalizes a failed run: the checkpoint is removed so the engine
// returns to idle, and a failure notice goes out. The session does not
// join the dedup set, so the source may re-serve it.
func (e *Engine) abort(ctx context.Context, pending *schemas.PendingAutomation, cause error) error {
	sessionID := pending.Instruction.SessionID
	if err := e.repo.DeletePending(ctx); err != nil && !errors.Is(err, schemas.ErrNotFound) {
		e.logger.Error("Could not remove failed run.", zap.Error(err))
	}
	e.bus.Notify(schemas.MsgAutomationFailed, schemas.FailedNotice{
		SessionID: sessionID,
		Error:     cause.Error(),
	})
	e.logger.Error("Automation run failed",
		zap.String("session_id", sessionID), zap.Error(cause))
	return cause
}

// urlSatisfies reports whether the URL matches one of the configured
// satisfied patterns, meaning the run's goal is already reached.
func (e *Engine) urlSatisfies(url string) bool {
	if url == "" {
		return false
	}
	for _, pattern := range e.cfg.SatisfiedURLs {
		if pattern != "" && strings.Contains(url, pattern) {
			return true
		}
	}
	return false
}

// sameLocation compares two URLs ignoring a trailing slash.
func sameLocation(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.TrimSuffix(a, "/") == strings.TrimSuffix(b, "/")
}

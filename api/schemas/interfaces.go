package schemas

import (
	"context"
	"time"

	"golang.org/x/net/html"
)

// InstructionSource hands out the next automation run, typically over HTTP.
// A nil instruction with a nil error means "nothing to do".
type InstructionSource interface {
	Next(ctx context.Context) (*Instruction, error)
}

// Repository is the durable state store. It holds at most one pending
// automation record; Get must treat a record older than the staleness
// window as absent.
type Repository interface {
	GetPending(ctx context.Context) (*PendingAutomation, error)
	PutPending(ctx context.Context, p *PendingAutomation) error
	DeletePending(ctx context.Context) error

	// Completed-session bookkeeping lets the dedup set survive restarts.
	RecordCompletedSession(ctx context.Context, sessionID string, at time.Time) error
	RecentCompletedSessions(ctx context.Context, limit int) ([]string, error)

	Close() error
}

// Page is the host runtime surface the orchestrator and executor act
// through: one active tab of a real browser, or a fake in tests.
type Page interface {
	// CurrentURL returns the page's current location.
	CurrentURL(ctx context.Context) (string, error)

	// Navigate updates the page URL and returns once the host reports the
	// navigation complete, or errors on the caller's deadline.
	Navigate(ctx context.Context, url string) error

	// Snapshot captures the live document for read-only resolution.
	Snapshot(ctx context.Context) (*html.Node, error)

	// ScrollIntoView brings the element behind the locator into the viewport.
	ScrollIntoView(ctx context.Context, locator string) error

	// Click performs a native activation on the element behind the locator.
	Click(ctx context.Context, locator string) error

	// DispatchPointer synthesizes a pointer-event activation, used as the
	// fallback when the native call raises.
	DispatchPointer(ctx context.Context, locator string) error
}

// PageEvents exposes the host runtime's page lifecycle feed.
type PageEvents interface {
	// Ready delivers page-ready notices (navigation complete, scripts
	// loaded). Multiple deliveries for one navigation are possible.
	Ready() <-chan LoadedNotice

	// Mutations delivers coarse DOM-change notifications for the bounded
	// resolution wait.
	Mutations() <-chan struct{}
}

// StepExecutor performs one resolved interaction in the page context.
type StepExecutor interface {
	Execute(ctx context.Context, step Step) StepResult
	VerifyDialog(ctx context.Context, step Step) StepResult
}

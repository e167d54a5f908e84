// internal/browser/controller.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/internal/config"
)

// OutcomeKind tags the result of a controller operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailure
	OutcomeEscalate
)

// Outcome is the tri-state result of a controller operation. No other shapes
// are produced.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Success builds a success outcome.
func Success() Outcome { return Outcome{Kind: OutcomeSuccess} }

// Fail builds a recoverable failure outcome with a user-facing message.
func Fail(message string) Outcome { return Outcome{Kind: OutcomeFailure, Message: message} }

// Escalate builds an outcome flagging that an additional factor is required.
func Escalate() Outcome { return Outcome{Kind: OutcomeEscalate} }

type controllerState int

const (
	ctrlUninitialized controllerState = iota
	ctrlReady
	ctrlBusy
	ctrlFailed
)

const (
	codeOutcomeWait     = 10 * time.Second
	passwordOutcomeWait = 30 * time.Second
	cleanupTimeout      = 10 * time.Second
)

// codeOutcomeJS evaluates the three post-code page-state predicates in one
// round trip. The selectors mirror the locator sets in locators.go.
const codeOutcomeJS = `(() => {
	const q = (sel) => { try { return document.querySelector(sel); } catch (e) { return null; } };
	const password = !!(q("#sign-in-password") || q("input[type='password']"));
	const success = !!(q("#main-columns") || q(".chat-list"));
	const code = q("#sign-in-code") || q("input[autocomplete='one-time-code']") || q("input[name='phone_code']");
	let codeError = false;
	if (code) {
		const wrap = code.closest(".input-field");
		codeError = code.classList.contains("error") ||
			(wrap && wrap.classList.contains("error")) ||
			(code.getAttribute("data-error") || "") !== "";
	}
	return { password: password, success: success, codeError: codeError };
})()`

// codeOutcome is the result shape of codeOutcomeJS.
type codeOutcome struct {
	Password  bool `json:"password"`
	Success   bool `json:"success"`
	CodeError bool `json:"codeError"`
}

// Controller owns one page for its session's lifetime and exposes the
// coarse-grained login-step operations. It is driven by a single session
// goroutine; at most one operation is ever in flight.
type Controller struct {
	cfg    config.BrowserConfig
	logger *zap.Logger
	opener PageOpener

	state  controllerState
	page   Page
	search *Engine
	nav    *Navigation
	input  *Input
}

// NewController creates a controller. The page is acquired lazily by
// Initialize so a failed session can recover with a fresh page later.
func NewController(opener PageOpener, cfg config.BrowserConfig, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		logger: logger.Named("controller"),
		opener: opener,
	}
}

// Initialize acquires the page, loads the login page, and pre-warms the flow
// by clicking through to the phone form and waiting for the phone field. This
// removes most per-submission navigation latency. Resource-acquisition
// failures propagate; they are fatal for this attempt.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.state == ctrlFailed && c.page != nil {
		c.releasePage()
	}

	if c.page == nil {
		page, err := c.opener(ctx)
		if err != nil {
			c.state = ctrlFailed
			return fmt.Errorf("failed to acquire page: %w", err)
		}
		c.page = page
		c.search = NewEngine(page, c.cfg.PollInterval, c.logger)
		c.nav = NewNavigation(page, c.cfg, c.logger)
		c.input = NewInput(page, c.search, c.cfg, c.logger)
	}

	if err := c.nav.OpenLoginPage(ctx); err != nil {
		c.state = ctrlFailed
		return err
	}

	// Some deployments land directly on the phone form; a missing entry point
	// is not an error.
	if err := c.search.SafeClick(ctx, phoneLoginEntry, LocateOptions{Timeout: controlLocateTimeout}); err != nil {
		if errors.Is(err, ErrCritical) {
			c.state = ctrlFailed
			return err
		}
		c.logger.Debug("Phone login entry point not found, assuming phone form is already shown.")
	}

	if _, err := c.search.Locate(ctx, phoneField, LocateOptions{Visible: true}); err != nil {
		c.state = ctrlFailed
		return fmt.Errorf("phone field never appeared: %w", err)
	}

	c.state = ctrlReady
	c.logger.Info("Controller ready.")
	return nil
}

// SubmitPhone enters the phone number, submits it, and races the code field
// against the error indicators to resolve the outcome.
func (c *Controller) SubmitPhone(ctx context.Context, phone string) Outcome {
	return c.guard(ctx, "submit_phone", func() Outcome {
		if err := c.input.EnterPhone(ctx, phone); err != nil {
			return c.failureFrom(err, "Failed to enter phone number")
		}
		if err := c.input.ClickSubmit(ctx); err != nil {
			return c.failureFrom(err, "Failed to submit phone number")
		}

		race, err := c.search.LocateEither(ctx, codeField, errorIndicators, LocateOptions{})
		if err != nil {
			return c.failureFrom(err, "Phone submission produced no visible outcome")
		}
		if race.Which == RaceB {
			return Fail(c.errorMessage(ctx, race.Element, "Phone number was rejected"))
		}
		return Success()
	})
}

// SubmitCode enters the code and resolves the outcome: a fast synchronous
// check for an already-present password field, then a bounded in-page wait on
// the three page-state predicates.
func (c *Controller) SubmitCode(ctx context.Context, code string) Outcome {
	return c.guard(ctx, "submit_code", func() Outcome {
		if err := c.input.EnterCode(ctx, code); err != nil {
			return c.failureFrom(err, "Failed to enter code")
		}

		// Fast 2FA short-circuit.
		if c.passwordFieldPresent(ctx) {
			return Escalate()
		}

		outcome, err := c.waitCodeOutcome(ctx)
		if err != nil {
			if errors.Is(err, ErrCritical) {
				return c.failureFrom(err, "")
			}
			// Polling failed; re-check the password case directly before
			// giving up.
			c.logger.Debug("Code outcome poll failed, re-checking password field.", zap.Error(err))
			if c.passwordFieldPresent(ctx) {
				return Escalate()
			}
			return Fail("Could not verify code, please try again")
		}
		return outcome
	})
}

// waitCodeOutcome polls the in-page predicates for up to codeOutcomeWait.
func (c *Controller) waitCodeOutcome(ctx context.Context) (Outcome, error) {
	waitCtx, cancel := context.WithTimeout(ctx, codeOutcomeWait)
	defer cancel()

	for {
		var result codeOutcome
		if err := c.page.Evaluate(waitCtx, codeOutcomeJS, &result); err != nil {
			return Outcome{}, classifyPageError(err)
		}
		switch {
		case result.Password:
			return Escalate(), nil
		case result.CodeError:
			return Fail(c.codeErrorMessage(ctx)), nil
		case result.Success:
			return Success(), nil
		}

		if err := sleep(waitCtx, c.search.interval); err != nil {
			if waitCtx.Err() != nil && ctx.Err() == nil {
				// The bounded wait elapsed without any predicate firing.
				return Fail("Could not verify code, please try again"), nil
			}
			return Outcome{}, err
		}
	}
}

// codeErrorMessage extracts the user-facing message for a code error.
func (c *Controller) codeErrorMessage(ctx context.Context) string {
	el, found, err := c.search.scan(ctx, codeField, LocateOptions{})
	if err != nil || !found {
		return "Invalid code"
	}
	return c.errorMessage(ctx, el, "Invalid code")
}

// SubmitPassword clears and types the password, submits, and waits bounded for
// success markers or a password error condition.
func (c *Controller) SubmitPassword(ctx context.Context, password string) Outcome {
	return c.guard(ctx, "submit_password", func() Outcome {
		if err := c.input.EnterPassword(ctx, password); err != nil {
			return c.failureFrom(err, "Failed to enter password")
		}
		if err := c.input.ClickSubmit(ctx); err != nil {
			return c.failureFrom(err, "Failed to submit password")
		}

		race, err := c.search.LocateEither(ctx, successIndicators, passwordErrorIndicators,
			LocateOptions{Timeout: passwordOutcomeWait})
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				c.clearPasswordForRetry(ctx)
				return Fail("Password verification timed out")
			}
			return c.failureFrom(err, "Password submission produced no visible outcome")
		}
		if race.Which == RaceB {
			msg := c.errorMessage(ctx, race.Element, "Invalid password")
			c.clearPasswordForRetry(ctx)
			return Fail(msg)
		}
		return Success()
	})
}

// clearPasswordForRetry best-effort empties the password field so the client
// can resubmit.
func (c *Controller) clearPasswordForRetry(ctx context.Context) {
	if err := c.input.ClearPassword(ctx); err != nil {
		c.logger.Debug("Failed to clear password field for retry.", zap.Error(err))
	}
}

// Cleanup releases the page. Each release step is attempted independently;
// partial failure is logged, not propagated.
func (c *Controller) Cleanup(ctx context.Context) error {
	c.releasePage()
	c.state = ctrlUninitialized
	return nil
}

func (c *Controller) releasePage() {
	if c.page == nil {
		return
	}
	closeCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.page.Close(closeCtx); err != nil {
		c.logger.Warn("Failed to close page during cleanup.", zap.Error(err))
	}
	c.page = nil
	c.search = nil
	c.nav = nil
	c.input = nil
}

// guard is the operation boundary: it re-initializes a non-ready controller,
// tracks the busy state, and converts any stray error or panic into a failure
// outcome so the session layer only ever interprets outcome tags.
func (c *Controller) guard(ctx context.Context, op string, fn func() Outcome) (out Outcome) {
	if c.state != ctrlReady {
		c.logger.Info("Controller not ready, re-initializing.", zap.String("op", op))
		if err := c.Initialize(ctx); err != nil {
			return Fail("Browser is not available, please try again")
		}
	}

	c.state = ctrlBusy
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Panic inside controller operation.",
				zap.String("op", op), zap.Any("panic", r))
			c.state = ctrlFailed
			out = Fail("Internal automation error")
		} else if c.state == ctrlBusy {
			c.state = ctrlReady
		}
	}()

	return fn()
}

// failureFrom converts an operation error into a failure outcome. Classified
// UI errors carry their own message; critical failures poison the controller
// so the next submission acquires a fresh page.
func (c *Controller) failureFrom(err error, fallback string) Outcome {
	var uiErr *UIError
	if errors.As(err, &uiErr) {
		return Fail(uiErr.Message)
	}
	if errors.Is(err, ErrCritical) {
		c.logger.Warn("Critical browser failure, marking controller unusable.", zap.Error(err))
		c.state = ctrlFailed
		return Fail("Browser session was lost, please try again")
	}
	c.logger.Warn("Controller operation failed.", zap.Error(err))
	if fallback == "" {
		fallback = "Operation failed, please try again"
	}
	return Fail(fallback)
}

// passwordFieldPresent synchronously checks for a visible password field.
func (c *Controller) passwordFieldPresent(ctx context.Context) bool {
	_, found, err := c.search.scan(ctx, passwordField, LocateOptions{Visible: true})
	return err == nil && found
}

// errorMessage extracts a human-readable message for an error element,
// preferring an associated label or error attribute over the raw element text.
func (c *Controller) errorMessage(ctx context.Context, el Element, fallback string) string {
	if label, err := c.page.Label(ctx, el.Locator); err == nil {
		if trimmed := strings.TrimSpace(label); trimmed != "" {
			return trimmed
		}
	}
	if v, ok, err := c.page.Attribute(ctx, el.Locator, "data-error"); err == nil && ok && v != "" {
		return v
	}
	if text, err := c.page.Text(ctx, el.Locator); err == nil {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

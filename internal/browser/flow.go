// internal/browser/flow.go
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

// controlLocateTimeout bounds the search for controls that should already be
// on screen. A var so tests can shrink the wait.
var controlLocateTimeout = 5 * time.Second

// Navigation loads the login page and waits for it to settle.
type Navigation struct {
	page   Page
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewNavigation creates the navigation strategy.
func NewNavigation(page Page, cfg config.BrowserConfig, logger *zap.Logger) *Navigation {
	return &Navigation{page: page, cfg: cfg, logger: logger.Named("navigation")}
}

// OpenLoginPage navigates to the configured login URL. Failure after the
// bounded timeout is fatal for the current initialization attempt.
func (n *Navigation) OpenLoginPage(ctx context.Context) error {
	navCtx, cancel := context.WithTimeout(ctx, n.cfg.NavigationTimeout)
	defer cancel()

	n.logger.Info("Opening login page.", zap.String("url", n.cfg.LoginURL))
	if err := n.page.Navigate(navCtx, n.cfg.LoginURL); err != nil {
		return fmt.Errorf("failed to open login page: %w", classifyPageError(err))
	}
	return nil
}

// Input drives credential entry on the login page.
type Input struct {
	page   Page
	search *Engine
	cfg    config.BrowserConfig
	logger *zap.Logger
}

// NewInput creates the input strategy.
func NewInput(page Page, search *Engine, cfg config.BrowserConfig, logger *zap.Logger) *Input {
	return &Input{page: page, search: search, cfg: cfg, logger: logger.Named("input")}
}

// EnterPhone types the phone number into the phone field. When the field
// already carries an exact leading prefix of the target number (the page
// pre-fills a country code), only the remaining suffix is typed.
func (i *Input) EnterPhone(ctx context.Context, phone string) error {
	el, err := i.search.Locate(ctx, phoneField, LocateOptions{Visible: true, Timeout: controlLocateTimeout})
	if err != nil {
		return err
	}

	current, err := i.page.Value(ctx, el.Locator)
	if err != nil {
		return classifyPageError(err)
	}

	if current != "" && strings.HasPrefix(phone, current) {
		suffix := phone[len(current):]
		i.logger.Debug("Field holds a prefix of the target number, typing suffix only.",
			zap.Int("prefix_len", len(current)))
		if err := classifyPageError(i.page.MoveCursorToEnd(ctx, el.Locator)); err != nil {
			return err
		}
		if suffix != "" {
			if err := classifyPageError(i.page.Type(ctx, el.Locator, suffix, i.cfg.TypeDelay)); err != nil {
				return err
			}
		}
	} else {
		if err := i.search.SafeType(ctx, phoneField, phone, TypeOptions{
			Delay: i.cfg.TypeDelay,
			Clear: true,
		}); err != nil {
			return err
		}
	}

	// Verify the final field value. A mismatch is logged, not fatal: the page
	// may reformat the number for display.
	final, err := i.page.Value(ctx, el.Locator)
	if err != nil {
		return classifyPageError(err)
	}
	if normalizeDigits(final) != normalizeDigits(phone) {
		i.logger.Warn("Phone field value does not match intended number after typing.",
			zap.String("field_value", final))
	}
	return nil
}

// ClickSubmit locates the submit control and clicks it. Known terminal phrases
// in the control's visible text raise a typed error before any click; a
// missing control falls back to sending an activation key.
func (i *Input) ClickSubmit(ctx context.Context) error {
	el, err := i.search.Locate(ctx, submitButton, LocateOptions{
		Visible:   true,
		Clickable: true,
		Timeout:   controlLocateTimeout,
	})
	if err != nil {
		if errors.Is(err, ErrCritical) {
			return err
		}
		i.logger.Debug("Submit control not found, sending activation key instead.")
		return classifyPageError(i.page.SendEnter(ctx))
	}

	text, err := i.page.Text(ctx, el.Locator)
	if err != nil {
		return classifyPageError(err)
	}
	if msg, terminal := ClassifyControlText(text); terminal {
		return &UIError{Message: msg}
	}

	return i.search.SafeClick(ctx, submitButton, LocateOptions{Timeout: controlLocateTimeout})
}

// EnterCode clears the code field, types the code, and sends the activation key.
func (i *Input) EnterCode(ctx context.Context, code string) error {
	if err := i.search.SafeType(ctx, codeField, code, TypeOptions{
		LocateOptions: LocateOptions{Timeout: controlLocateTimeout},
		Delay:         i.cfg.TypeDelay,
		Clear:         true,
	}); err != nil {
		return err
	}
	return classifyPageError(i.page.SendEnter(ctx))
}

// EnterPassword clears the password field via key selection and types the
// password.
func (i *Input) EnterPassword(ctx context.Context, password string) error {
	el, err := i.search.Locate(ctx, passwordField, LocateOptions{Visible: true, Timeout: controlLocateTimeout})
	if err != nil {
		return err
	}
	if err := classifyPageError(i.page.SelectAllAndDelete(ctx, el.Locator)); err != nil {
		return err
	}
	return classifyPageError(i.page.Type(ctx, el.Locator, password, i.cfg.TypeDelay))
}

// ClearPassword empties the password field so the client may retry.
func (i *Input) ClearPassword(ctx context.Context) error {
	el, err := i.search.Locate(ctx, passwordField, LocateOptions{Visible: true, Timeout: controlLocateTimeout})
	if err != nil {
		return err
	}
	return classifyPageError(i.page.SelectAllAndDelete(ctx, el.Locator))
}

// normalizeDigits strips everything but digits and a leading plus, so display
// formatting (spaces, dashes) does not count as a mismatch.
func normalizeDigits(s string) string {
	var b strings.Builder
	for idx, r := range s {
		if r >= '0' && r <= '9' || (r == '+' && idx == 0) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

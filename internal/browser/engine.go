// internal/browser/engine.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	interactRetries     = 3
	interactBackoff     = 250 * time.Millisecond
)

// LocateOptions control a single element search.
type LocateOptions struct {
	Visible   bool
	Clickable bool
	// Timeout bounds the whole search; 0 means bounded only by ctx.
	Timeout time.Duration
	// Interval overrides the engine's polling interval when > 0.
	Interval time.Duration
}

// RaceSide identifies which locator set won a LocateEither race.
type RaceSide int

const (
	RaceA RaceSide = iota
	RaceB
)

// RaceResult reports the winner of a dual-condition search.
type RaceResult struct {
	Which   RaceSide
	Element Element
}

// Engine is the polling-based element search engine. It is safe for use by a
// single in-flight operation at a time, which the session layer guarantees.
type Engine struct {
	page     Page
	logger   *zap.Logger
	interval time.Duration
}

// NewEngine creates a search engine over the given page.
func NewEngine(page Page, interval time.Duration, logger *zap.Logger) *Engine {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Engine{
		page:     page,
		logger:   logger.Named("search"),
		interval: interval,
	}
}

// Locate polls for the first element in the set satisfying the requested
// predicates. Per-locator query failures are logged and skipped; critical
// failures abort the search immediately.
func (e *Engine) Locate(ctx context.Context, set LocatorSet, opts LocateOptions) (Element, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = e.interval
	}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Element{}, fmt.Errorf("%w: search canceled: %v", ErrCritical, err)
		}

		el, found, err := e.scan(ctx, set, opts)
		if err != nil {
			return Element{}, err
		}
		if found {
			return el, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return Element{}, fmt.Errorf("%w: no match for %s within %s", ErrNotFound, set.Name, opts.Timeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return Element{}, err
		}
	}
}

// LocateEither polls both locator sets and returns on the first visible match
// from either. Page liveness is confirmed before every pass so a dead page
// fails Critical instead of looping forever.
func (e *Engine) LocateEither(ctx context.Context, a, b LocatorSet, opts LocateOptions) (RaceResult, error) {
	interval := opts.Interval
	if interval <= 0 {
		interval = e.interval
	}
	scanOpts := LocateOptions{Visible: true, Clickable: opts.Clickable}

	var deadline time.Time
	if opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	for {
		if err := ctx.Err(); err != nil {
			return RaceResult{}, fmt.Errorf("%w: search canceled: %v", ErrCritical, err)
		}
		if err := e.page.Alive(ctx); err != nil {
			return RaceResult{}, classifyPageError(err)
		}

		if el, found, err := e.scan(ctx, a, scanOpts); err != nil {
			return RaceResult{}, err
		} else if found {
			return RaceResult{Which: RaceA, Element: el}, nil
		}
		if el, found, err := e.scan(ctx, b, scanOpts); err != nil {
			return RaceResult{}, err
		} else if found {
			return RaceResult{Which: RaceB, Element: el}, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return RaceResult{}, fmt.Errorf("%w: neither %s nor %s within %s",
				ErrNotFound, a.Name, b.Name, opts.Timeout)
		}
		if err := sleep(ctx, interval); err != nil {
			return RaceResult{}, err
		}
	}
}

// scan runs one pass over a locator set in preference order.
func (e *Engine) scan(ctx context.Context, set LocatorSet, opts LocateOptions) (Element, bool, error) {
	for _, loc := range set.Locators {
		n, err := e.page.Count(ctx, loc)
		if err != nil {
			if critical := classifyPageError(err); errors.Is(critical, ErrCritical) {
				return Element{}, false, critical
			}
			e.logger.Debug("Locator query failed, skipping.",
				zap.String("target", set.Name), zap.String("query", loc.Query), zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		if opts.Visible {
			visible, err := e.page.IsVisible(ctx, loc)
			if err != nil {
				if critical := classifyPageError(err); errors.Is(critical, ErrCritical) {
					return Element{}, false, critical
				}
				e.logger.Debug("Visibility check failed, skipping.",
					zap.String("target", set.Name), zap.String("query", loc.Query), zap.Error(err))
				continue
			}
			if !visible {
				continue
			}
		}
		if opts.Clickable {
			clickable, err := e.page.IsClickable(ctx, loc)
			if err != nil {
				if critical := classifyPageError(err); errors.Is(critical, ErrCritical) {
					return Element{}, false, critical
				}
				e.logger.Debug("Clickability check failed, skipping.",
					zap.String("target", set.Name), zap.String("query", loc.Query), zap.Error(err))
				continue
			}
			if !clickable {
				continue
			}
		}

		return Element{Locator: loc}, true, nil
	}
	return Element{}, false, nil
}

// SafeClick locates the target and clicks it, retrying transient failures a
// fixed number of times with a fixed backoff.
func (e *Engine) SafeClick(ctx context.Context, set LocatorSet, opts LocateOptions) error {
	opts.Visible = true
	opts.Clickable = true

	var lastErr error
	for attempt := 1; attempt <= interactRetries; attempt++ {
		el, err := e.Locate(ctx, set, opts)
		if err != nil {
			if errors.Is(err, ErrCritical) {
				return err
			}
			lastErr = err
		} else if err := classifyPageError(e.page.Click(ctx, el.Locator)); err != nil {
			if errors.Is(err, ErrCritical) {
				return err
			}
			lastErr = err
			e.logger.Debug("Click failed, retrying.",
				zap.String("target", set.Name), zap.Int("attempt", attempt), zap.Error(err))
		} else {
			return nil
		}

		if attempt < interactRetries {
			if err := sleep(ctx, interactBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("click on %s failed after %d attempts: %w", set.Name, interactRetries, lastErr)
}

// TypeOptions control a SafeType call.
type TypeOptions struct {
	LocateOptions
	// Delay paces individual characters.
	Delay time.Duration
	// Clear forces the field empty before typing: first by direct value
	// mutation, then by select-all+delete if the mutation did not take effect.
	Clear bool
}

// SafeType locates the target and types into it, with the same bounded retry
// discipline as SafeClick.
func (e *Engine) SafeType(ctx context.Context, set LocatorSet, text string, opts TypeOptions) error {
	opts.Visible = true

	var lastErr error
	for attempt := 1; attempt <= interactRetries; attempt++ {
		err := e.typeOnce(ctx, set, text, opts)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrCritical) {
			return err
		}
		lastErr = err
		e.logger.Debug("Type failed, retrying.",
			zap.String("target", set.Name), zap.Int("attempt", attempt), zap.Error(err))

		if attempt < interactRetries {
			if err := sleep(ctx, interactBackoff); err != nil {
				return err
			}
		}
	}
	return fmt.Errorf("type into %s failed after %d attempts: %w", set.Name, interactRetries, lastErr)
}

func (e *Engine) typeOnce(ctx context.Context, set LocatorSet, text string, opts TypeOptions) error {
	el, err := e.Locate(ctx, set, opts.LocateOptions)
	if err != nil {
		return err
	}

	if opts.Clear {
		if err := e.clear(ctx, el.Locator); err != nil {
			return err
		}
	}
	return classifyPageError(e.page.Type(ctx, el.Locator, text, opts.Delay))
}

// clear empties a field and verifies the result by re-reading its value,
// falling back to select-all+delete when direct mutation did not take effect.
func (e *Engine) clear(ctx context.Context, loc Locator) error {
	if err := classifyPageError(e.page.SetValue(ctx, loc, "")); err != nil {
		return err
	}
	value, err := e.page.Value(ctx, loc)
	if err != nil {
		return classifyPageError(err)
	}
	if value == "" {
		return nil
	}

	e.logger.Debug("Direct clear did not take effect, falling back to key input.",
		zap.String("query", loc.Query))
	if err := classifyPageError(e.page.SelectAllAndDelete(ctx, loc)); err != nil {
		return err
	}
	value, err = e.page.Value(ctx, loc)
	if err != nil {
		return classifyPageError(err)
	}
	if value != "" {
		return fmt.Errorf("field %s not cleared, residual value of %d chars", loc.Query, len(value))
	}
	return nil
}

// sleep is a cooperative wait between polling passes.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: wait canceled: %v", ErrCritical, ctx.Err())
	}
}

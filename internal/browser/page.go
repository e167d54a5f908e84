// internal/browser/page.go
package browser

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/internal/config"
)

const aliveProbeTimeout = 5 * time.Second

// cdpPage implements Page on a single Chrome tab driven over CDP.
type cdpPage struct {
	tab     context.Context
	cancel  context.CancelFunc
	cfg     config.BrowserConfig
	logger  *zap.Logger
	onClose func()
	crashed atomic.Bool
}

var _ Page = (*cdpPage)(nil)

// run executes actions against the tab, honoring both the tab lifecycle and
// the caller's deadline, and classifies failures.
func (p *cdpPage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := combineContext(p.tab, ctx)
	defer cancel()
	return classifyPageError(chromedp.Run(runCtx, actions...))
}

func byOpt(loc Locator) chromedp.QueryOption {
	if loc.Kind == ByXPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// resolveJS builds a JS expression resolving the first match of a locator.
func resolveJS(loc Locator) string {
	q := strconv.Quote(loc.Query)
	if loc.Kind == ByXPath {
		return fmt.Sprintf(
			"document.evaluate(%s, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue", q)
	}
	return fmt.Sprintf("document.querySelector(%s)", q)
}

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		// Let async boot requests settle before declaring the page loaded.
		chromedp.Sleep(p.cfg.PostLoadWait),
	)
}

func (p *cdpPage) Count(ctx context.Context, loc Locator) (int, error) {
	q := strconv.Quote(loc.Query)
	var expr string
	if loc.Kind == ByXPath {
		expr = fmt.Sprintf(
			"document.evaluate(%s, document, null, XPathResult.ORDERED_NODE_SNAPSHOT_TYPE, null).snapshotLength", q)
	} else {
		expr = fmt.Sprintf("document.querySelectorAll(%s).length", q)
	}
	var n int
	if err := p.run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, err
	}
	return n, nil
}

// elementProbe is the result of the combined visibility/clickability check.
type elementProbe struct {
	Found     bool `json:"found"`
	Visible   bool `json:"visible"`
	Clickable bool `json:"clickable"`
}

func (p *cdpPage) probe(ctx context.Context, loc Locator) (elementProbe, error) {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return { found: false, visible: false, clickable: false };
		const style = window.getComputedStyle(el);
		const rect = el.getBoundingClientRect();
		const visible = rect.width > 0 && rect.height > 0 &&
			style.display !== "none" && style.visibility !== "hidden" &&
			rect.bottom > 0 && rect.right > 0 &&
			rect.top < (window.innerHeight || document.documentElement.clientHeight) &&
			rect.left < (window.innerWidth || document.documentElement.clientWidth);
		const clickable = !el.disabled && !el.readOnly && style.pointerEvents !== "none";
		return { found: true, visible: visible, clickable: clickable };
	})()`, resolveJS(loc))

	var result elementProbe
	if err := p.run(ctx, chromedp.Evaluate(expr, &result)); err != nil {
		return elementProbe{}, err
	}
	return result, nil
}

func (p *cdpPage) IsVisible(ctx context.Context, loc Locator) (bool, error) {
	probe, err := p.probe(ctx, loc)
	if err != nil {
		return false, err
	}
	return probe.Found && probe.Visible, nil
}

func (p *cdpPage) IsClickable(ctx context.Context, loc Locator) (bool, error) {
	probe, err := p.probe(ctx, loc)
	if err != nil {
		return false, err
	}
	return probe.Found && probe.Visible && probe.Clickable, nil
}

func (p *cdpPage) Click(ctx context.Context, loc Locator) error {
	return p.run(ctx, chromedp.Click(loc.Query, byOpt(loc)))
}

func (p *cdpPage) Type(ctx context.Context, loc Locator, text string, delay time.Duration) error {
	if delay <= 0 {
		return p.run(ctx, chromedp.SendKeys(loc.Query, text, byOpt(loc)))
	}

	// Paced typing: focus once, then dispatch to the active element one
	// character at a time.
	if err := p.run(ctx, chromedp.Focus(loc.Query, byOpt(loc))); err != nil {
		return err
	}
	for _, r := range text {
		if err := p.run(ctx,
			chromedp.SendKeys("document.activeElement", string(r), chromedp.ByJSPath),
			chromedp.Sleep(delay),
		); err != nil {
			return err
		}
	}
	return nil
}

func (p *cdpPage) Value(ctx context.Context, loc Locator) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return "";
		return el.value !== undefined ? String(el.value) : (el.textContent || "");
	})()`, resolveJS(loc))

	var value string
	if err := p.run(ctx, chromedp.Evaluate(expr, &value)); err != nil {
		return "", err
	}
	return value, nil
}

func (p *cdpPage) SetValue(ctx context.Context, loc Locator, value string) error {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return false;
		el.value = %s;
		el.dispatchEvent(new Event("input", { bubbles: true }));
		el.dispatchEvent(new Event("change", { bubbles: true }));
		return true;
	})()`, resolveJS(loc), strconv.Quote(value))

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s vanished before value mutation", ErrNotFound, loc.Query)
	}
	return nil
}

func (p *cdpPage) Text(ctx context.Context, loc Locator) (string, error) {
	var text string
	if err := p.run(ctx, chromedp.Text(loc.Query, &text, byOpt(loc))); err != nil {
		return "", err
	}
	return text, nil
}

func (p *cdpPage) Attribute(ctx context.Context, loc Locator, name string) (string, bool, error) {
	var value string
	var ok bool
	if err := p.run(ctx, chromedp.AttributeValue(loc.Query, name, &value, &ok, byOpt(loc))); err != nil {
		return "", false, err
	}
	return value, ok, nil
}

func (p *cdpPage) Label(ctx context.Context, loc Locator) (string, error) {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return "";
		if (el.id) {
			const forLabel = document.querySelector("label[for='" + el.id + "']");
			if (forLabel && forLabel.textContent) return forLabel.textContent;
		}
		const wrapping = el.closest("label");
		if (wrapping && wrapping.textContent) return wrapping.textContent;
		const aria = el.getAttribute("aria-label");
		if (aria) return aria;
		const field = el.closest(".input-field");
		if (field) {
			const fieldLabel = field.querySelector("label");
			if (fieldLabel && fieldLabel.textContent) return fieldLabel.textContent;
		}
		return "";
	})()`, resolveJS(loc))

	var label string
	if err := p.run(ctx, chromedp.Evaluate(expr, &label)); err != nil {
		return "", err
	}
	return label, nil
}

func (p *cdpPage) Focus(ctx context.Context, loc Locator) error {
	return p.run(ctx, chromedp.Focus(loc.Query, byOpt(loc)))
}

func (p *cdpPage) MoveCursorToEnd(ctx context.Context, loc Locator) error {
	expr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return false;
		el.focus();
		if (el.setSelectionRange && el.value !== undefined) {
			el.setSelectionRange(el.value.length, el.value.length);
		}
		return true;
	})()`, resolveJS(loc))

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(expr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s vanished before cursor move", ErrNotFound, loc.Query)
	}
	return nil
}

func (p *cdpPage) SelectAllAndDelete(ctx context.Context, loc Locator) error {
	selectExpr := fmt.Sprintf(`(() => {
		const el = %s;
		if (!el) return false;
		el.focus();
		if (el.select) el.select();
		return true;
	})()`, resolveJS(loc))

	var ok bool
	if err := p.run(ctx, chromedp.Evaluate(selectExpr, &ok)); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s vanished before clear", ErrNotFound, loc.Query)
	}
	return p.run(ctx, chromedp.KeyEvent(kb.Backspace))
}

func (p *cdpPage) SendEnter(ctx context.Context) error {
	return p.run(ctx, chromedp.KeyEvent(kb.Enter))
}

func (p *cdpPage) Evaluate(ctx context.Context, expr string, out any) error {
	return p.run(ctx, chromedp.Evaluate(expr, out))
}

func (p *cdpPage) Alive(ctx context.Context) error {
	if p.crashed.Load() {
		return fmt.Errorf("%w: page target crashed", ErrCritical)
	}
	probeCtx, cancel := context.WithTimeout(ctx, aliveProbeTimeout)
	defer cancel()

	var ok bool
	if err := p.run(probeCtx, chromedp.Evaluate("true", &ok)); err != nil {
		return fmt.Errorf("%w: liveness probe failed: %v", ErrCritical, err)
	}
	return nil
}

func (p *cdpPage) Close(ctx context.Context) error {
	p.cancel()

	waitCtx, cancel := context.WithTimeout(ctx, cleanupTimeout)
	defer cancel()
	select {
	case <-p.tab.Done():
		p.logger.Debug("Page closed.")
	case <-waitCtx.Done():
		p.logger.Warn("Deadline exceeded waiting for page to close.", zap.Error(waitCtx.Err()))
	}

	if p.onClose != nil {
		p.onClose()
		p.onClose = nil
	}
	return nil
}

// combineContext derives a context from primary (keeping its values, which
// carry the CDP target) that is also canceled when secondary is done.
func combineContext(primary, secondary context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(primary)
	go func() {
		select {
		case <-secondary.Done():
			cancel()
		case <-combined.Done():
		}
	}()
	return combined, cancel
}

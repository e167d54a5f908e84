// internal/browser/flow_test.go
package browser

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/authbridge/internal/config"
)

func newTestInput(page *fakePage) *Input {
	cfg := config.BrowserConfig{PollInterval: 5 * time.Millisecond}
	engine := NewEngine(page, cfg.PollInterval, zap.NewNop())
	return NewInput(page, engine, cfg, zap.NewNop())
}

// -- EnterPhone Tests --

func TestEnterPhoneTypesFullNumberIntoEmptyField(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-phone-number")

	err := newTestInput(page).EnterPhone(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", page.values["#sign-in-phone-number"])
}

func TestEnterPhoneAppendsSuffixToPrefilledPrefix(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-phone-number")
	page.values["#sign-in-phone-number"] = "+1"

	err := newTestInput(page).EnterPhone(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", page.values["#sign-in-phone-number"])
	// The pre-filled prefix must not be retyped.
	assert.Equal(t, []string{"5551234567"}, page.typed)
}

func TestEnterPhoneReplacesUnrelatedValue(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-phone-number")
	page.values["#sign-in-phone-number"] = "+44"

	err := newTestInput(page).EnterPhone(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", page.values["#sign-in-phone-number"])
}

func TestEnterPhoneToleratesDisplayFormatting(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-phone-number")

	// The page reformats the typed number; normalization must treat the values
	// as equal and no error may surface.
	err := newTestInput(page).EnterPhone(context.Background(), "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "+15551234567", normalizeDigits("+1 555 123-4567"))
}

// -- ClickSubmit Tests --

func TestClickSubmitClicksVisibleControl(t *testing.T) {
	page := newFakePage()
	page.show("button[type='submit']")
	page.texts["button[type='submit']"] = "Next"

	err := newTestInput(page).ClickSubmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, page.clickCount())
	assert.Zero(t, page.enterCount())
}

func TestClickSubmitFallsBackToEnterKey(t *testing.T) {
	shrinkControlTimeout(t)
	page := newFakePage()

	err := newTestInput(page).ClickSubmit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, page.enterCount())
	assert.Zero(t, page.clickCount())
}

func TestClickSubmitSurfacesTerminalControlText(t *testing.T) {
	page := newFakePage()
	page.show("button[type='submit']")
	page.texts["button[type='submit']"] = "PHONE_NUMBER_BANNED"

	err := newTestInput(page).ClickSubmit(context.Background())
	require.Error(t, err)

	var uiErr *UIError
	require.ErrorAs(t, err, &uiErr)
	assert.Equal(t, "This phone number is banned", uiErr.Message)
	assert.Zero(t, page.clickCount())
}

// -- Code and Password Entry Tests --

func TestEnterCodeTypesAndActivates(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-code")
	page.values["#sign-in-code"] = "000"

	err := newTestInput(page).EnterCode(context.Background(), "12345")
	require.NoError(t, err)
	assert.Equal(t, "12345", page.values["#sign-in-code"])
	assert.Equal(t, 1, page.enterCount())
}

func TestEnterPasswordClearsByKeySelection(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-password")
	page.values["#sign-in-password"] = "old-attempt"

	err := newTestInput(page).EnterPassword(context.Background(), "hunter2")
	require.NoError(t, err)
	assert.Equal(t, []string{"#sign-in-password"}, page.cleared)
	assert.Equal(t, "hunter2", page.values["#sign-in-password"])
}

func TestClearPasswordEmptiesField(t *testing.T) {
	page := newFakePage()
	page.show("#sign-in-password")
	page.values["#sign-in-password"] = "rejected"

	err := newTestInput(page).ClearPassword(context.Background())
	require.NoError(t, err)
	assert.Empty(t, page.values["#sign-in-password"])
}

func TestNormalizeDigits(t *testing.T) {
	assert.Equal(t, "+15551234567", normalizeDigits("+1 (555) 123-45-67"))
	assert.Equal(t, "15551234567", normalizeDigits("1 555 123 45 67"))
	assert.Equal(t, "", normalizeDigits("no digits here"))
}

// shrinkControlTimeout shortens the control-locate budget for tests exercising
// not-found paths.
func shrinkControlTimeout(t *testing.T) {
	t.Helper()
	prev := controlLocateTimeout
	controlLocateTimeout = 20 * time.Millisecond
	t.Cleanup(func() { controlLocateTimeout = prev })
}

// internal/browser/locators.go
package browser

// Locator sets for the login flow targets. Each set lists equivalent
// expressions in preference order so the flow survives markup drift between
// deployments of the remote application.

var phoneLoginEntry = LocatorSet{
	Name: "phone_login_entry",
	Locators: []Locator{
		CSS("button.btn-primary.btn-secondary-transparent"),
		XPath(`//button[contains(., 'LOG IN BY PHONE NUMBER')]`),
		XPath(`//button[contains(translate(., 'abcdefghijklmnopqrstuvwxyz', 'ABCDEFGHIJKLMNOPQRSTUVWXYZ'), 'PHONE NUMBER')]`),
	},
}

var phoneField = LocatorSet{
	Name: "phone_field",
	Locators: []Locator{
		CSS("#sign-in-phone-number"),
		CSS("input[type='tel']"),
		CSS("div.input-field-input[inputmode='decimal']"),
		CSS("input[name='phone_number']"),
	},
}

var submitButton = LocatorSet{
	Name: "submit_button",
	Locators: []Locator{
		CSS("button[type='submit']"),
		CSS("button.btn-primary.rp"),
		XPath(`//button[contains(., 'NEXT')]`),
	},
}

var codeField = LocatorSet{
	Name: "code_field",
	Locators: []Locator{
		CSS("#sign-in-code"),
		CSS("input[autocomplete='one-time-code']"),
		CSS("input[name='phone_code']"),
		CSS("input[inputmode='numeric']"),
	},
}

var passwordField = LocatorSet{
	Name: "password_field",
	Locators: []Locator{
		CSS("#sign-in-password"),
		CSS("input[type='password']"),
		CSS("input[name='password']"),
	},
}

var errorIndicators = LocatorSet{
	Name: "error_indicators",
	Locators: []Locator{
		CSS(".input-field.error input"),
		CSS("input.error"),
		CSS(".error-message"),
		CSS("[data-error]:not([data-error=''])"),
	},
}

var passwordErrorIndicators = LocatorSet{
	Name: "password_error_indicators",
	Locators: []Locator{
		CSS(".input-field.error input[type='password']"),
		CSS("input[type='password'].error"),
		CSS(".password-error"),
	},
}

var successIndicators = LocatorSet{
	Name: "success_indicators",
	Locators: []Locator{
		CSS("#main-columns"),
		CSS(".chat-list"),
		CSS("#column-left .chatlist-container"),
	},
}

package book

import (
	"regexp"
	"strings"
)

// Standard currency codes are three characters from the rippled set; long
// form is a 160-bit hex code.
var (
	isoCurrencyRE = regexp.MustCompile(`^[A-Za-z0-9?!@#$%^&*<>(){}\[\]|]{3}$`)
	hexCurrencyRE = regexp.MustCompile(`^[0-9A-Fa-f]{40}$`)
)

func normalizeCurrency(currency string) string {
	return strings.ToUpper(currency)
}

func isValidCurrency(currency string) bool {
	return isoCurrencyRE.MatchString(currency) || hexCurrencyRE.MatchString(currency)
}

// prepareTrade renders one side of a book key; the native side carries no
// issuer suffix.
func prepareTrade(currency, issuer string) string {
	if normalizeCurrency(currency) == nativeCurrency {
		return currency
	}
	return currency + "/" + issuer
}

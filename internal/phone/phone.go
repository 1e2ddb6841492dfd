// Package phone canonicalises customer MSISDNs into the international
// digits-only form the payment provider requires (e.g. 254712345678).
package phone

import (
	"errors"
	"strings"
)

// CountryCode is the prefix applied to national numbers.
const CountryCode = "254"

// trunkPrefix is the national dialling digit replaced by the country code.
const trunkPrefix = "0"

// minSubscriberDigits is the shortest acceptable subscriber part after stripping.
const minSubscriberDigits = 9

// ErrInvalidFormat indicates the input could not be normalised into a valid number.
var ErrInvalidFormat = errors.New("phone: invalid format")

// Normalize converts a free-form phone string into canonical international
// form. It strips whitespace, hyphens and plus signs, replaces a leading
// trunk digit with the country code and prepends the country code when
// absent. Normalising an already-canonical number returns it unchanged.
func Normalize(raw string) (string, error) {
	stripped := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-', '+', '(', ')':
			return -1
		}
		return r
	}, raw)

	if stripped == "" {
		return "", ErrInvalidFormat
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return "", ErrInvalidFormat
		}
	}

	if strings.HasPrefix(stripped, trunkPrefix) {
		stripped = CountryCode + stripped[len(trunkPrefix):]
	} else if !strings.HasPrefix(stripped, CountryCode) {
		stripped = CountryCode + stripped
	}

	if len(stripped) < len(CountryCode)+minSubscriberDigits {
		return "", ErrInvalidFormat
	}
	return stripped, nil
}

// IsCanonical reports whether the input is already in canonical form.
func IsCanonical(value string) bool {
	normalized, err := Normalize(value)
	return err == nil && normalized == value
}

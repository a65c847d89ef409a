package phone

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Normalizer formats phone numbers to E.164 using a default region for national numbers.
type Normalizer struct {
	region string
}

// NewNormalizer returns a Normalizer. An empty region defaults to NL.
func NewNormalizer(region string) Normalizer {
	region = strings.ToUpper(strings.TrimSpace(region))
	if region == "" {
		region = "NL"
	}
	return Normalizer{region: region}
}

// E164 formats input to E.164. If parsing fails, it returns the trimmed input.
func (n Normalizer) E164(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return trimmed
	}

	number, err := phonenumbers.Parse(trimmed, n.region)
	if err != nil {
		return trimmed
	}
	if !phonenumbers.IsValidNumber(number) {
		return trimmed
	}
	return phonenumbers.Format(number, phonenumbers.E164)
}

// Digits returns the E.164 number without the leading plus, the form WhatsApp uses for user ids.
func (n Normalizer) Digits(input string) string {
	return strings.TrimPrefix(n.E164(input), "+")
}

// FromDigits turns a bare international number (as found in chat ids) into E.164.
func (n Normalizer) FromDigits(digits string) string {
	digits = strings.TrimSpace(digits)
	if digits == "" {
		return ""
	}
	if !strings.HasPrefix(digits, "+") {
		digits = "+" + digits
	}
	return n.E164(digits)
}

package notify

import (
	"errors"
	"strings"
)

// ErrInvalidPhone is returned for numbers that cannot be normalized.
var ErrInvalidPhone = errors.New("notify: invalid phone number")

// NormalizePhone converts a user-entered phone number into the +<digits>
// form the WhatsApp gateway expects. Formatting characters are stripped;
// numbers without a country code get defaultPrefix (e.g. "+55").
func NormalizePhone(raw, defaultPrefix string) (string, error) {
	raw = strings.TrimSpace(raw)
	hasPlus := strings.HasPrefix(raw, "+")

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	n := digits.String()
	if n == "" {
		return "", ErrInvalidPhone
	}

	if hasPlus {
		if len(n) < 8 || len(n) > 15 {
			return "", ErrInvalidPhone
		}
		return "+" + n, nil
	}

	prefix := strings.TrimPrefix(defaultPrefix, "+")
	if prefix == "" {
		prefix = "55"
	}
	// Already carries the country code without the plus sign.
	if strings.HasPrefix(n, prefix) && len(n) >= len(prefix)+10 {
		return "+" + n, nil
	}
	// Brazilian local numbers are 10 or 11 digits (DDD + number).
	if len(n) < 10 || len(n) > 11 {
		return "", ErrInvalidPhone
	}
	return "+" + prefix + n, nil
}

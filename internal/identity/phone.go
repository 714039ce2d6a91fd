package identity

import (
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// defaultRegion applies to numbers written without a country code.
const defaultRegion = "US"

// NormalizePhone converts a raw phone number to E.164. The number must be a
// valid, dialable number for its region.
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty phone number", ErrInvalidAddress)
	}
	num, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", fmt.Errorf("%w: not a valid phone number", ErrInvalidAddress)
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}

// MaskPhone keeps only the last four digits for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

package entitlement

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseAmountCents parses a decimal currency amount such as "49", "49.00",
// "$49.00" or "1,299.5" into cents.
func ParseAmountCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return 0, nil
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if hasFrac && (len(frac) == 0 || len(frac) > 2) {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidEvent, s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseUint(whole, 10, 63)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidEvent, s)
	}
	cents, err := strconv.ParseUint(frac, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrInvalidEvent, s)
	}
	return int64(units)*100 + int64(cents), nil
}

package gateway

import (
	"fmt"
	"strings"
)

// NormalizePhone converts a Kenyan mobile number into the 2547XXXXXXXX or
// 2541XXXXXXXX form expected by the provider. Accepted inputs are 07/01
// local numbers, 7/1 without the trunk prefix, and 254 or +254 international.
func NormalizePhone(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "254"):
		s = s[3:]
	case strings.HasPrefix(s, "0"):
		s = s[1:]
	}
	if len(s) != 9 || (s[0] != '7' && s[0] != '1') {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
		}
	}
	return "254" + s, nil
}

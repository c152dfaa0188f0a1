package payment

import (
	"fmt"
	"regexp"
	"strings"
)

const DefaultContactPattern = `^256[0-9]{9}$`

// ContactRule checks MSISDN-style payer numbers.
type ContactRule struct{ re *regexp.Regexp }

func NewContactRule(pattern string) (ContactRule, error) {
	if pattern == "" {
		pattern = DefaultContactPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ContactRule{}, fmt.Errorf("contact pattern: %w", err)
	}
	return ContactRule{re: re}, nil
}

// Normalize strips spaces and a leading "+" and checks the result.
func (r ContactRule) Normalize(contact string) (string, error) {
	c := strings.Join(strings.Fields(contact), "")
	c = strings.TrimPrefix(c, "+")
	if c == "" || !r.re.MatchString(c) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPayerContact, contact)
	}
	return c, nil
}

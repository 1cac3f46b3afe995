package helpers

import (
	"fmt"
	"net/mail"
	"strings"
)

// ExtractEmailAddress parses a header value such as
// "John Doe <john@example.org>" and returns the bare address. The value is
// returned unchanged when it cannot be parsed as an RFC 5322 address.
func ExtractEmailAddress(value string) string {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return strings.TrimSpace(value)
	}
	return addr.Address
}

// ValidateEmailAddress checks that the value parses as a single RFC 5322
// address with a domain part.
func ValidateEmailAddress(value string) error {
	addr, err := mail.ParseAddress(value)
	if err != nil {
		return fmt.Errorf("invalid email address %q: %w", value, err)
	}
	if !strings.Contains(addr.Address, "@") {
		return fmt.Errorf("invalid email address %q: missing domain", value)
	}
	return nil
}

// ObfuscateEmailAddress hides the domain of an address for public display.
// Every domain label keeps its first character and the rest is replaced
// with dots, so "user@example.org" becomes "user@e.......o..". The length
// of each label stays recognizable without exposing the domain.
func ObfuscateEmailAddress(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	local, domain := email[:at], email[at+1:]
	labels := strings.Split(domain, ".")
	for i, label := range labels {
		if label != "" {
			labels[i] = label[:1] + strings.Repeat(".", len(label)-1)
		}
	}
	return local + "@" + strings.Join(labels, ".")
}

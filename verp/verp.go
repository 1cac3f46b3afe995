// Package verp encodes and decodes Variable Envelope Return Path addresses.
//
// It follows the recommendations laid out in http://cr.yp.to/proto/verp.txt
// and http://www.courier-mta.org/draft-varshavchik-verp-smtpext.txt:
//
//	Encode("itny-out@domain.com", "node42!ann@old.example.com")
//	  == "itny-out-node42+21ann=old.example.com@domain.com"
//
// The recipient address is embedded into the sender's local part with the
// characters that are special in that position replaced by "+HH" hex escapes
// and the recipient's "@" replaced by "=". Decode is the exact inverse for
// any address Encode can produce.
package verp

import (
	"fmt"
	"strings"
)

const separator = "-"

// specialChars are replaced by "+HH" escapes in the order given. Decoding
// walks the same order, so the two stay symmetric.
var specialChars = []byte{'@', ':', '%', '!', '-', '[', ']', '+'}

var encodeMappings = func() map[byte]string {
	m := make(map[byte]string, len(specialChars))
	for _, c := range specialChars {
		m[c] = fmt.Sprintf("+%X", c)
	}
	return m
}()

// Encode builds the VERP envelope-from address for a message sent from
// senderAddress to recipientAddress.
func Encode(senderAddress, recipientAddress string) (string, error) {
	slocal, sdomain, err := splitAddress(senderAddress)
	if err != nil {
		return "", fmt.Errorf("verp: invalid sender address: %w", err)
	}
	rlocal, rdomain, err := splitAddress(recipientAddress)
	if err != nil {
		return "", fmt.Errorf("verp: invalid recipient address: %w", err)
	}

	return slocal + separator + encodeChars(rlocal) + "=" + encodeChars(rdomain) + "@" + sdomain, nil
}

// Decode recovers the sender and recipient addresses from a VERP encoded
// address. It fails on input that Encode could not have produced.
func Decode(verpAddress string) (sender, recipient string, err error) {
	leftPart, sdomain, err := splitAddress(verpAddress)
	if err != nil {
		return "", "", fmt.Errorf("verp: %w", err)
	}

	eq := strings.LastIndexByte(leftPart, '=')
	if eq < 0 {
		return "", "", fmt.Errorf("verp: no recipient domain marker in %q", verpAddress)
	}
	encodedRDomain := leftPart[eq+1:]
	leftPart = leftPart[:eq]

	sep := strings.LastIndex(leftPart, separator)
	if sep < 0 {
		return "", "", fmt.Errorf("verp: no separator in %q", verpAddress)
	}
	slocal := leftPart[:sep]
	encodedRLocal := leftPart[sep+len(separator):]

	return slocal + "@" + sdomain, decodeChars(encodedRLocal) + "@" + decodeChars(encodedRDomain), nil
}

func splitAddress(address string) (local, domain string, err error) {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return "", "", fmt.Errorf("no domain in address %q", address)
	}
	return address[:at], address[at+1:], nil
}

func encodeChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if mapping, ok := encodeMappings[s[i]]; ok {
			b.WriteString(mapping)
		} else {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func decodeChars(s string) string {
	for _, c := range specialChars {
		mapping := encodeMappings[c]
		s = strings.ReplaceAll(s, mapping, string(c))
		s = strings.ReplaceAll(s, strings.ToLower(mapping), string(c))
	}
	return s
}

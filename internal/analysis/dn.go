package analysis

import (
	"regexp"
	"strings"
)

// Distinguished-name helpers. Two wire formats show up in the PKD: OpenSSL
// slash form ("/C=KR/O=Gov/CN=CSCA") and RFC 2253 comma form
// ("CN=CSCA, O=Gov, C=KR"). Everything here is format-agnostic.

var (
	dnCountrySlash = regexp.MustCompile(`(?i)/C=([A-Z]{2})`)
	dnCountryComma = regexp.MustCompile(`(?i)(?:^|,)\s*C=([A-Z]{2})`)
)

// DN format tags emitted as a feature value.
const (
	DNFormatComma = 0 // RFC 2253
	DNFormatSlash = 1
	DNFormatOther = 2
)

// ExtractCountryFromDN returns the upper-case two-letter country attribute
// of a DN in either format, or "" when none is present.
func ExtractCountryFromDN(dn string) string {
	if dn == "" {
		return ""
	}
	if m := dnCountrySlash.FindStringSubmatch(dn); m != nil {
		return strings.ToUpper(m[1])
	}
	if m := dnCountryComma.FindStringSubmatch(dn); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// CountDNFields counts the K=V segments of a DN string.
func CountDNFields(dn string) int {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return 0
	}
	sep := ","
	if strings.HasPrefix(dn, "/") {
		sep = "/"
	}
	count := 0
	for _, part := range strings.Split(dn, sep) {
		if strings.Contains(part, "=") {
			count++
		}
	}
	return count
}

// DetectDNFormat classifies the DN string shape.
func DetectDNFormat(dn string) int {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return DNFormatOther
	}
	if strings.HasPrefix(dn, "/") {
		return DNFormatSlash
	}
	if strings.Contains(dn, ",") && strings.Contains(dn, "=") {
		return DNFormatComma
	}
	return DNFormatOther
}

// HasEmailInDN reports whether the DN carries an email attribute under any
// of its common spellings.
func HasEmailInDN(dn string) bool {
	if dn == "" {
		return false
	}
	lower := strings.ToLower(dn)
	return strings.Contains(lower, "emailaddress=") ||
		strings.Contains(lower, "email=") ||
		strings.Contains(lower, "e=")
}

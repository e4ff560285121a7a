package analysis

import "testing"

func TestExtractCountryFromDN(t *testing.T) {
	tests := []struct {
		name     string
		dn       string
		expected string
	}{
		{"Slash Format", "/C=KR/O=Government/CN=CSCA Korea", "KR"},
		{"Comma Format", "CN=CSCA Germany, O=Bundesdruckerei, C=DE", "DE"},
		{"Comma Format Leading", "C=FR, O=ANTS, CN=CSCA France", "FR"},
		{"Lowercase Attribute", "/c=jp/O=MOFA", "JP"},
		{"No Country", "CN=Unknown, O=Nowhere", ""},
		{"Empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractCountryFromDN(tt.dn); got != tt.expected {
				t.Errorf("ExtractCountryFromDN(%q) = %q, want %q", tt.dn, got, tt.expected)
			}
		})
	}
}

func TestCountDNFields(t *testing.T) {
	tests := []struct {
		name     string
		dn       string
		expected int
	}{
		{"Slash Format", "/C=KR/O=Gov/CN=Name", 3},
		{"Comma Format", "CN=Name, O=Gov, C=KR", 3},
		{"Single Field", "CN=OnlyName", 1},
		{"Empty", "", 0},
		{"Segments Without Equals", "/C=KR//junk/CN=X", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CountDNFields(tt.dn); got != tt.expected {
				t.Errorf("CountDNFields(%q) = %d, want %d", tt.dn, got, tt.expected)
			}
		})
	}
}

func TestDetectDNFormat(t *testing.T) {
	tests := []struct {
		name     string
		dn       string
		expected int
	}{
		{"Slash", "/C=KR/CN=X", DNFormatSlash},
		{"Comma", "CN=X, C=KR", DNFormatComma},
		{"Bare CN", "CN=X", DNFormatOther},
		{"Empty", "", DNFormatOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectDNFormat(tt.dn); got != tt.expected {
				t.Errorf("DetectDNFormat(%q) = %d, want %d", tt.dn, got, tt.expected)
			}
		})
	}
}

func TestHasEmailInDN(t *testing.T) {
	if !HasEmailInDN("CN=X, emailAddress=ops@example.org") {
		t.Error("Expected emailAddress= to be detected")
	}
	if !HasEmailInDN("/C=KR/E=ops@example.org") {
		t.Error("Expected E= to be detected")
	}
	if HasEmailInDN("CN=X, O=Gov, C=KR") {
		t.Error("Expected no email in plain DN")
	}
}

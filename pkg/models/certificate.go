package models

import "time"

// CertificateType is the ICAO Doc 9303 role of a certificate. Stored as a
// string discriminator but treated as a four-variant enum everywhere.
type CertificateType string

const (
	TypeCSCA  CertificateType = "CSCA"
	TypeDSC   CertificateType = "DSC"
	TypeDSCNC CertificateType = "DSC_NC"
	TypeMLSC  CertificateType = "MLSC"
)

// SupportedTypes lists the certificate types the engine analyses.
var SupportedTypes = []CertificateType{TypeCSCA, TypeDSC, TypeDSCNC, TypeMLSC}

// IsSupported reports whether t is one of the four PKD certificate roles.
func (t CertificateType) IsSupported() bool {
	switch t {
	case TypeCSCA, TypeDSC, TypeDSCNC, TypeMLSC:
		return true
	}
	return false
}

// CertificateRecord is one row of the joined certificate + validation_result
// population. Validation facts come from a LEFT JOIN and may be absent, hence
// the pointer booleans. Text columns are materialised as plain strings so the
// analysis stages never see driver lob proxies.
type CertificateRecord struct {
	Fingerprint     string          `json:"fingerprint"`
	CertificateType CertificateType `json:"certificateType"`
	CountryCode     string          `json:"countryCode"`
	Version         int             `json:"version"`
	SerialNumber    string          `json:"serialNumber"`
	SubjectDN       string          `json:"subjectDn"`
	IssuerDN        string          `json:"issuerDn"`

	SignatureAlgorithm string `json:"signatureAlgorithm"`
	PublicKeyAlgorithm string `json:"publicKeyAlgorithm"`
	PublicKeySize      int    `json:"publicKeySize"`
	PublicKeyCurve     string `json:"publicKeyCurve"`

	KeyUsage               string `json:"keyUsage"`
	ExtendedKeyUsage       string `json:"extendedKeyUsage"`
	SubjectKeyIdentifier   string `json:"subjectKeyIdentifier"`
	AuthorityKeyIdentifier string `json:"authorityKeyIdentifier"`
	CRLDistributionPoints  string `json:"crlDistributionPoints"`
	OCSPResponderURL       string `json:"ocspResponderUrl"`
	IsCA                   bool   `json:"isCa"`
	PathLenConstraint      *int   `json:"pathLenConstraint"`
	IsSelfSigned           bool   `json:"isSelfSigned"`

	NotBefore        *time.Time `json:"notBefore"`
	NotAfter         *time.Time `json:"notAfter"`
	ValidationStatus string     `json:"validationStatus"`

	// Left-joined validation facts (nil = no validation row yet).
	TrustChainValid         *bool  `json:"trustChainValid"`
	ICAOCompliant           *bool  `json:"icaoCompliant"`
	ICAOViolations          string `json:"icaoViolations"` // pipe-separated
	ICAOKeyUsageCompliant   *bool  `json:"icaoKeyUsageCompliant"`
	ICAOAlgorithmCompliant  *bool  `json:"icaoAlgorithmCompliant"`
	ICAOKeySizeCompliant    *bool  `json:"icaoKeySizeCompliant"`
	ICAOExtensionsCompliant *bool  `json:"icaoExtensionsCompliant"`
	SignatureValid          *bool  `json:"signatureValid"`
}

// ValidityDays returns the certificate lifetime in days, or 0 when either
// bound is missing.
func (c *CertificateRecord) ValidityDays() float64 {
	if c.NotBefore == nil || c.NotAfter == nil {
		return 0
	}
	return c.NotAfter.Sub(*c.NotBefore).Seconds() / 86400.0
}

// DaysUntilExpiry returns days remaining until not_after relative to now
// (negative when expired). ok is false when not_after is missing.
func (c *CertificateRecord) DaysUntilExpiry(now time.Time) (days float64, ok bool) {
	if c.NotAfter == nil {
		return 0, false
	}
	return c.NotAfter.Sub(now).Seconds() / 86400.0, true
}

// IsExpiredStatus reports whether the validation status marks the
// certificate as expired.
func (c *CertificateRecord) IsExpiredStatus() bool {
	switch c.ValidationStatus {
	case "EXPIRED", "EXPIRED_VALID":
		return true
	}
	return false
}

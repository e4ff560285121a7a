package analysis

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// ICAO Doc 9303 extension profile rules engine.
//
// Every certificate is checked against its type's expected-extension
// profile. Violations are weighted into a structural anomaly score:
//
//   score = 0.25·missing_required + 0.30·forbidden + 0.15·key_usage_bits
//         + 0.05·missing_recommended, clamped to 1.0

// extensionProfile describes the expected shape of one certificate type.
type extensionProfile struct {
	Required    []string
	Recommended []string
	// ForbiddenFlags maps a boolean field to the value that constitutes a
	// violation (CSCA with is_ca=false, DSC with is_ca=true).
	ForbiddenFlags   map[string]bool
	RequiredKeyUsage []string
}

var expectedExtensions = map[models.CertificateType]extensionProfile{
	models.TypeCSCA: {
		Required:        []string{"key_usage", "subject_key_identifier", "is_ca"},
		Recommended:     []string{"authority_key_identifier", "crl_distribution_points"},
		ForbiddenFlags:  map[string]bool{"is_ca": false},
		RequiredKeyUsage: []string{"keyCertSign", "cRLSign"},
	},
	models.TypeDSC: {
		Required:        []string{"key_usage", "authority_key_identifier"},
		Recommended:     []string{"crl_distribution_points", "ocsp_responder_url"},
		ForbiddenFlags:  map[string]bool{"is_ca": true},
		RequiredKeyUsage: []string{"digitalSignature"},
	},
	models.TypeMLSC: {
		Required:    []string{"extended_key_usage"},
		Recommended: []string{"authority_key_identifier", "subject_key_identifier"},
	},
	models.TypeDSCNC: {
		Recommended: []string{"authority_key_identifier", "key_usage"},
	},
}

// ViolationDetail is one rule breach with its severity tag.
type ViolationDetail struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
}

// ExtensionCompliance is the outcome of checking one certificate.
type ExtensionCompliance struct {
	MissingRequired     []string          `json:"missingRequired"`
	MissingRecommended  []string          `json:"missingRecommended"`
	ForbiddenViolations []string          `json:"forbiddenViolations"`
	KeyUsageViolations  []string          `json:"keyUsageViolations"`
	StructuralScore     float64           `json:"structuralScore"`
	ViolationsDetail    []ViolationDetail `json:"violationsDetail"`
}

func profileFor(t models.CertificateType) extensionProfile {
	if p, ok := expectedExtensions[t]; ok {
		return p
	}
	// Unknown types get the most permissive profile.
	return expectedExtensions[models.TypeDSCNC]
}

// CheckExtensionCompliance evaluates one certificate against its type's
// expected extension profile.
func CheckExtensionCompliance(c *models.CertificateRecord) ExtensionCompliance {
	profile := profileFor(c.CertificateType)
	var out ExtensionCompliance

	for _, field := range profile.Required {
		if field == "is_ca" {
			if !c.IsCA {
				out.MissingRequired = append(out.MissingRequired, field)
				out.ViolationsDetail = append(out.ViolationsDetail, ViolationDetail{
					Rule:     fmt.Sprintf("Required: %s", field),
					Severity: models.SeverityCritical,
				})
			}
			continue
		}
		if !extensionPresent(c, field) {
			out.MissingRequired = append(out.MissingRequired, field)
			out.ViolationsDetail = append(out.ViolationsDetail, ViolationDetail{
				Rule:     fmt.Sprintf("Required extension missing: %s", field),
				Severity: models.SeverityHigh,
			})
		}
	}

	for _, field := range profile.Recommended {
		if !extensionPresent(c, field) {
			out.MissingRecommended = append(out.MissingRecommended, field)
			out.ViolationsDetail = append(out.ViolationsDetail, ViolationDetail{
				Rule:     fmt.Sprintf("Recommended extension missing: %s", field),
				Severity: models.SeverityMedium,
			})
		}
	}

	for flag, forbiddenValue := range profile.ForbiddenFlags {
		// Only is_ca is flag-checked today.
		if flag == "is_ca" && c.IsCA == forbiddenValue {
			out.ForbiddenViolations = append(out.ForbiddenViolations, flag)
			out.ViolationsDetail = append(out.ViolationsDetail, ViolationDetail{
				Rule:     fmt.Sprintf("Forbidden: %s=%t", flag, forbiddenValue),
				Severity: models.SeverityCritical,
			})
		}
	}

	keyUsage := strings.ToLower(c.KeyUsage)
	for _, bit := range profile.RequiredKeyUsage {
		if !strings.Contains(keyUsage, strings.ToLower(bit)) {
			out.KeyUsageViolations = append(out.KeyUsageViolations, bit)
			out.ViolationsDetail = append(out.ViolationsDetail, ViolationDetail{
				Rule:     fmt.Sprintf("Missing key usage bit: %s", bit),
				Severity: models.SeverityHigh,
			})
		}
	}

	score := 0.25*float64(len(out.MissingRequired)) +
		0.30*float64(len(out.ForbiddenViolations)) +
		0.15*float64(len(out.KeyUsageViolations)) +
		0.05*float64(len(out.MissingRecommended))
	out.StructuralScore = math.Round(math.Min(score, 1.0)*1e4) / 1e4

	return out
}

// CountUnexpectedExtensions counts present extensions that are neither
// required nor recommended for the certificate's type.
func CountUnexpectedExtensions(c *models.CertificateRecord) int {
	profile := profileFor(c.CertificateType)
	expected := make(map[string]struct{}, len(profile.Required)+len(profile.Recommended))
	for _, f := range profile.Required {
		expected[f] = struct{}{}
	}
	for _, f := range profile.Recommended {
		expected[f] = struct{}{}
	}

	unexpected := 0
	for _, field := range extensionFields {
		if _, ok := expected[field]; ok {
			continue
		}
		if extensionPresent(c, field) {
			unexpected++
		}
	}
	return unexpected
}

// CountMissingRequired counts required extensions absent for the type.
func CountMissingRequired(c *models.CertificateRecord) int {
	profile := profileFor(c.CertificateType)
	missing := 0
	for _, field := range profile.Required {
		if field == "is_ca" {
			if !c.IsCA {
				missing++
			}
			continue
		}
		if !extensionPresent(c, field) {
			missing++
		}
	}
	return missing
}

// ExtensionAnomaly is one report row for a certificate carrying extension
// violations.
type ExtensionAnomaly struct {
	Fingerprint     string                 `json:"fingerprint"`
	CertificateType models.CertificateType `json:"certificateType"`
	CountryCode     string                 `json:"countryCode"`
	ExtensionCompliance
}

// ComputeExtensionAnomalies checks the whole frame and returns only rows
// with a non-zero structural score, worst first.
func ComputeExtensionAnomalies(rows []models.CertificateRecord) []ExtensionAnomaly {
	var results []ExtensionAnomaly
	for i := range rows {
		compliance := CheckExtensionCompliance(&rows[i])
		if compliance.StructuralScore <= 0 {
			continue
		}
		results = append(results, ExtensionAnomaly{
			Fingerprint:         rows[i].Fingerprint,
			CertificateType:     rows[i].CertificateType,
			CountryCode:         rows[i].CountryCode,
			ExtensionCompliance: compliance,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].StructuralScore > results[j].StructuralScore
	})
	return results
}

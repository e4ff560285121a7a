package analysis

import (
	"math"
	"testing"

	"github.com/localpkd/forensics-engine/pkg/models"
)

func compliantCSCA() models.CertificateRecord {
	return models.CertificateRecord{
		Fingerprint:            "aa11",
		CertificateType:        models.TypeCSCA,
		CountryCode:            "KR",
		KeyUsage:               "keyCertSign,cRLSign",
		ExtendedKeyUsage:       "",
		SubjectKeyIdentifier:   "ski",
		AuthorityKeyIdentifier: "aki",
		CRLDistributionPoints:  "http://crl.example.org",
		OCSPResponderURL:       "http://ocsp.example.org",
		IsCA:                   true,
	}
}

func TestCheckExtensionCompliance_CompliantCSCA(t *testing.T) {
	cert := compliantCSCA()
	result := CheckExtensionCompliance(&cert)

	if result.StructuralScore != 0 {
		t.Errorf("Expected structural score 0.0 for compliant CSCA, got %v", result.StructuralScore)
	}
	if len(result.ViolationsDetail) != 0 {
		t.Errorf("Expected no violations, got %v", result.ViolationsDetail)
	}
}

func TestCheckExtensionCompliance_CSCAForbiddenNotCA(t *testing.T) {
	cert := compliantCSCA()
	cert.IsCA = false
	result := CheckExtensionCompliance(&cert)

	// Forbidden is_ca=false (0.30) plus missing required is_ca (0.25).
	if math.Abs(result.StructuralScore-0.55) > 1e-9 {
		t.Errorf("Expected structural score 0.55, got %v", result.StructuralScore)
	}
	if len(result.ForbiddenViolations) != 1 || result.ForbiddenViolations[0] != "is_ca" {
		t.Errorf("Expected is_ca forbidden violation, got %v", result.ForbiddenViolations)
	}

	critical := 0
	for _, v := range result.ViolationsDetail {
		if v.Severity == models.SeverityCritical {
			critical++
		}
	}
	if critical < 2 {
		t.Errorf("Expected CRITICAL details for required + forbidden is_ca, got %v", result.ViolationsDetail)
	}
}

func TestCheckExtensionCompliance_DSCMissingRecommended(t *testing.T) {
	cert := models.CertificateRecord{
		CertificateType:        models.TypeDSC,
		KeyUsage:               "digitalSignature",
		AuthorityKeyIdentifier: "aki",
		IsCA:                   false,
	}
	result := CheckExtensionCompliance(&cert)

	// No CRL DP and no OCSP responder: two recommended misses at 0.05 each.
	if math.Abs(result.StructuralScore-0.10) > 1e-9 {
		t.Errorf("Expected structural score 0.10, got %v", result.StructuralScore)
	}
	if len(result.MissingRequired) != 0 {
		t.Errorf("Expected no missing required, got %v", result.MissingRequired)
	}
	if len(result.MissingRecommended) != 2 {
		t.Errorf("Expected 2 missing recommended, got %v", result.MissingRecommended)
	}
}

func TestCheckExtensionCompliance_DSCIsCAForbidden(t *testing.T) {
	cert := models.CertificateRecord{
		CertificateType:        models.TypeDSC,
		KeyUsage:               "digitalSignature",
		AuthorityKeyIdentifier: "aki",
		CRLDistributionPoints:  "crl",
		OCSPResponderURL:       "ocsp",
		IsCA:                   true,
	}
	result := CheckExtensionCompliance(&cert)

	if len(result.ForbiddenViolations) != 1 {
		t.Fatalf("Expected DSC with is_ca=true to trip the forbidden check, got %v", result.ForbiddenViolations)
	}
	if math.Abs(result.StructuralScore-0.30) > 1e-9 {
		t.Errorf("Expected structural score 0.30, got %v", result.StructuralScore)
	}
}

func TestCheckExtensionCompliance_KeyUsageBits(t *testing.T) {
	cert := compliantCSCA()
	cert.KeyUsage = "digitalSignature" // present but missing both CA bits
	result := CheckExtensionCompliance(&cert)

	if len(result.KeyUsageViolations) != 2 {
		t.Errorf("Expected keyCertSign and cRLSign violations, got %v", result.KeyUsageViolations)
	}
	// 2 × 0.15 for the bits.
	if math.Abs(result.StructuralScore-0.30) > 1e-9 {
		t.Errorf("Expected structural score 0.30, got %v", result.StructuralScore)
	}
}

func TestCheckExtensionCompliance_KeyUsageCaseInsensitive(t *testing.T) {
	cert := compliantCSCA()
	cert.KeyUsage = "KEYCERTSIGN, CRLSIGN"
	result := CheckExtensionCompliance(&cert)
	if len(result.KeyUsageViolations) != 0 {
		t.Errorf("Expected case-insensitive bit match, got %v", result.KeyUsageViolations)
	}
}

func TestCheckExtensionCompliance_ScoreClamped(t *testing.T) {
	// CSCA with everything wrong: 3 required misses + forbidden + 2 bits
	// would exceed 1.0 without the clamp.
	cert := models.CertificateRecord{CertificateType: models.TypeCSCA}
	result := CheckExtensionCompliance(&cert)
	if result.StructuralScore != 1.0 {
		t.Errorf("Expected clamped structural score 1.0, got %v", result.StructuralScore)
	}
}

func TestCountMissingRequired(t *testing.T) {
	cert := models.CertificateRecord{CertificateType: models.TypeCSCA}
	if got := CountMissingRequired(&cert); got != 3 {
		t.Errorf("Expected 3 missing required for bare CSCA, got %d", got)
	}

	dscNC := models.CertificateRecord{CertificateType: models.TypeDSCNC}
	if got := CountMissingRequired(&dscNC); got != 0 {
		t.Errorf("DSC_NC has no required extensions, got %d", got)
	}
}

func TestCountUnexpectedExtensions(t *testing.T) {
	// MLSC expects EKU/AKI/SKI; key_usage, CRL DP and OCSP are unexpected.
	cert := models.CertificateRecord{
		CertificateType:       models.TypeMLSC,
		KeyUsage:              "digitalSignature",
		CRLDistributionPoints: "crl",
		OCSPResponderURL:      "ocsp",
	}
	if got := CountUnexpectedExtensions(&cert); got != 3 {
		t.Errorf("Expected 3 unexpected extensions, got %d", got)
	}
}

func TestComputeExtensionAnomalies_SortedWorstFirst(t *testing.T) {
	rows := []models.CertificateRecord{
		compliantCSCA(), // no violations, excluded
		{Fingerprint: "bb22", CertificateType: models.TypeDSC, KeyUsage: "digitalSignature",
			AuthorityKeyIdentifier: "aki", IsCA: false}, // 0.10
		{Fingerprint: "cc33", CertificateType: models.TypeCSCA}, // 1.0
	}

	results := ComputeExtensionAnomalies(rows)
	if len(results) != 2 {
		t.Fatalf("Expected 2 anomalous rows, got %d", len(results))
	}
	if results[0].Fingerprint != "cc33" {
		t.Errorf("Expected worst row first, got %s", results[0].Fingerprint)
	}
}

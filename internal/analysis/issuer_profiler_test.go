package analysis

import (
	"math"
	"testing"

	"github.com/localpkd/forensics-engine/pkg/models"
)

const sharedIssuer = "CN=DSC Issuer, O=Gov, C=KR"

func issuedDSC(fingerprint string, keySize int) models.CertificateRecord {
	return models.CertificateRecord{
		Fingerprint:        fingerprint,
		CertificateType:    models.TypeDSC,
		CountryCode:        "KR",
		IssuerDN:           sharedIssuer,
		SignatureAlgorithm: "sha256WithRSAEncryption",
		PublicKeyAlgorithm: "RSA",
		PublicKeySize:      keySize,
		ICAOCompliant:      boolPtr(true),
	}
}

func TestBuildIssuerProfiles(t *testing.T) {
	rows := []models.CertificateRecord{
		issuedDSC("a1", 2048),
		issuedDSC("a2", 4096),
		{Fingerprint: "a3", CertificateType: models.TypeCSCA, IssuerDN: ""}, // skipped
	}

	profiles := BuildIssuerProfiles(rows)
	if len(profiles) != 1 {
		t.Fatalf("Expected 1 issuer profile, got %d", len(profiles))
	}

	p := profiles[sharedIssuer]
	if p.CertCount != 2 {
		t.Errorf("Expected cert count 2, got %d", p.CertCount)
	}
	if p.AvgKeySize != 3072 {
		t.Errorf("Expected mean key size 3072, got %v", p.AvgKeySize)
	}
	// Sample std of {2048, 4096} = 2048/√2 ≈ 1448.
	if math.Abs(p.StdKeySize-1448.15) > 1.0 {
		t.Errorf("Expected std key size ≈1448, got %v", p.StdKeySize)
	}
	if p.DominantAlgorithm != "sha256WithRSAEncryption" {
		t.Errorf("Unexpected dominant algorithm %q", p.DominantAlgorithm)
	}
	if p.AnomalyProxy != 0 {
		t.Errorf("Fully compliant issuer should have zero proxy, got %v", p.AnomalyProxy)
	}
}

func TestScoreIssuerAnomalies_SmallIssuerDrift(t *testing.T) {
	// Two DSCs sharing one issuer, keys 2048 and 4096. The z-scores
	// (≈0.71σ) stay under every deviation band, so only the small-issuer
	// bump applies.
	rows := []models.CertificateRecord{
		issuedDSC("a1", 2048),
		issuedDSC("a2", 4096),
	}

	profiles := BuildIssuerProfiles(rows)
	scores := ScoreIssuerAnomalies(rows, profiles)

	for i, score := range scores {
		if math.Abs(score-0.15) > 1e-9 {
			t.Errorf("Row %d: expected issuer score 0.15, got %v", i, score)
		}
	}
}

func TestScoreIssuerAnomalies_MissingIssuer(t *testing.T) {
	rows := []models.CertificateRecord{
		{Fingerprint: "b1", CertificateType: models.TypeDSC, IssuerDN: ""},
		{Fingerprint: "b2", CertificateType: models.TypeDSC, IssuerDN: "   "},
	}
	scores := ScoreIssuerAnomalies(rows, BuildIssuerProfiles(rows))
	for i, score := range scores {
		if score != unknownIssuerScore {
			t.Errorf("Row %d: expected fixed %v for missing issuer, got %v", i, unknownIssuerScore, score)
		}
	}
}

func TestScoreIssuerAnomalies_AlgorithmMismatch(t *testing.T) {
	rows := make([]models.CertificateRecord, 0, 12)
	for i := 0; i < 11; i++ {
		rows = append(rows, issuedDSC(string(rune('a'+i))+"x", 2048))
	}
	odd := issuedDSC("zz", 2048)
	odd.SignatureAlgorithm = "sha1WithRSAEncryption"
	rows = append(rows, odd)

	profiles := BuildIssuerProfiles(rows)
	scores := ScoreIssuerAnomalies(rows, profiles)

	// Issuer has 12 certs (no small-issuer bump), algorithm diversity 2:
	// the odd row gets +0.15 for deviating from the modal algorithm.
	last := scores[len(scores)-1]
	if math.Abs(last-0.15) > 1e-9 {
		t.Errorf("Expected 0.15 for algorithm mismatch, got %v", last)
	}
	if scores[0] != 0 {
		t.Errorf("Expected 0 for modal rows, got %v", scores[0])
	}
}

func TestScoreIssuerAnomalies_KeySizeOutlier(t *testing.T) {
	rows := make([]models.CertificateRecord, 0, 13)
	for i := 0; i < 12; i++ {
		ks := 2048
		if i%2 == 0 {
			ks = 2080 // small spread so the outlier clears 3σ
		}
		rows = append(rows, issuedDSC(string(rune('a'+i))+"k", ks))
	}
	outlier := issuedDSC("outlier", 8192)
	rows = append(rows, outlier)

	profiles := BuildIssuerProfiles(rows)
	scores := ScoreIssuerAnomalies(rows, profiles)

	last := scores[len(scores)-1]
	if math.Abs(last-0.20) > 1e-9 {
		t.Errorf("Expected +0.20 for >3σ key size outlier, got %v", last)
	}
}

func TestScoreIssuerAnomalies_ClampedToOne(t *testing.T) {
	// A tiny, non-compliant, expired issuer with an off-profile row stacks
	// every increment; the score must still cap at 1.0.
	bad := models.CertificateRecord{
		Fingerprint:        "c1",
		CertificateType:    models.TypeDSC,
		CountryCode:        "DE",
		IssuerDN:           "CN=Shady, C=KR",
		SignatureAlgorithm: "sha1WithRSAEncryption",
		PublicKeyAlgorithm: "RSA",
		PublicKeySize:      1024,
		ValidationStatus:   "EXPIRED",
	}
	peer := bad
	peer.Fingerprint = "c2"
	peer.CountryCode = "KR"

	rows := []models.CertificateRecord{bad, peer}
	scores := ScoreIssuerAnomalies(rows, BuildIssuerProfiles(rows))
	for i, score := range scores {
		if score < 0 || score > 1 {
			t.Errorf("Row %d: score %v out of [0,1]", i, score)
		}
	}
}

func TestIssuerProfileReport_RiskIndicator(t *testing.T) {
	profiles := map[string]*IssuerProfile{
		"CN=Good":   {CertCount: 5, AnomalyProxy: 0.1, ComplianceRate: 0.9},
		"CN=Medium": {CertCount: 5, AnomalyProxy: 0.5, ComplianceRate: 0.5},
		"CN=Bad":    {CertCount: 5, AnomalyProxy: 0.9, ComplianceRate: 0.1},
	}

	report := IssuerProfileReport(profiles)
	if len(report) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(report))
	}
	// Least compliant first.
	if report[0].IssuerDN != "CN=Bad" || report[0].RiskIndicator != models.RiskHigh {
		t.Errorf("Expected CN=Bad HIGH first, got %+v", report[0])
	}
	if report[1].RiskIndicator != models.RiskMedium {
		t.Errorf("Expected MEDIUM, got %s", report[1].RiskIndicator)
	}
	if report[2].RiskIndicator != models.RiskLow {
		t.Errorf("Expected LOW, got %s", report[2].RiskIndicator)
	}
}

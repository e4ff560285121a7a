package analysis

import (
	"math"
	"testing"
	"time"

	"github.com/localpkd/forensics-engine/pkg/models"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func timePtr(t time.Time) *time.Time { return &t }
func boolPtr(b bool) *bool           { return &b }

// weakDSC is a certificate that trips nearly every legacy category.
func weakDSC() models.CertificateRecord {
	return models.CertificateRecord{
		Fingerprint:        "dd44",
		CertificateType:    models.TypeDSC,
		CountryCode:        "XX",
		SubjectDN:          "CN=Weak Signer, O=Test, C=XX",
		SignatureAlgorithm: "sha1WithRSAEncryption",
		PublicKeyAlgorithm: "RSA",
		PublicKeySize:      1024,
		KeyUsage:           "digitalSignature",
		IsCA:               false,
		ICAOCompliant:      boolPtr(false),
		NotBefore:          timePtr(testNow.AddDate(-3, 0, 0)),
		NotAfter:           timePtr(testNow.Add(10 * 24 * time.Hour)),
	}
}

// strongCSCA trips nothing.
func strongCSCA() models.CertificateRecord {
	return models.CertificateRecord{
		Fingerprint:            "ee55",
		CertificateType:        models.TypeCSCA,
		CountryCode:            "KR",
		SubjectDN:              "CN=CSCA Korea, O=Gov, C=KR",
		SignatureAlgorithm:     "ecdsa-with-SHA384",
		PublicKeyAlgorithm:     "ECDSA",
		PublicKeySize:          384,
		KeyUsage:               "keyCertSign,cRLSign",
		SubjectKeyIdentifier:   "ski",
		AuthorityKeyIdentifier: "aki",
		CRLDistributionPoints:  "http://crl.example.org",
		OCSPResponderURL:       "http://ocsp.example.org",
		IsCA:                   true,
		ICAOCompliant:          boolPtr(true),
		TrustChainValid:        boolPtr(true),
		NotBefore:              timePtr(testNow.AddDate(-1, 0, 0)),
		NotAfter:               timePtr(testNow.AddDate(5, 0, 0)),
	}
}

func zeros(n int) []float64 { return make([]float64, n) }

func TestScoreRisks_WeakDSC(t *testing.T) {
	rows := []models.CertificateRecord{weakDSC()}
	res := ScoreRisks(rows, zeros(1), zeros(1), zeros(1), testNow)

	// 40 algorithm + 40 key size + 20 compliance + 10 validity + 15
	// extensions = 125, clamped to 100 even with zero anomaly.
	if res.RiskScores[0] != 100 {
		t.Errorf("Expected risk score 100, got %v", res.RiskScores[0])
	}
	if ClassifyRisk(res.RiskScores[0]) != models.RiskCritical {
		t.Errorf("Expected CRITICAL, got %s", ClassifyRisk(res.RiskScores[0]))
	}

	expectedFactors := map[string]float64{
		"algorithm":  40,
		"key_size":   40,
		"compliance": 20,
		"validity":   10,
		"extensions": 15,
	}
	for cat, want := range expectedFactors {
		if got := res.RiskFactors[0][cat]; got != want {
			t.Errorf("Factor %s = %v, want %v", cat, got, want)
		}
	}

	found := map[string]bool{}
	for _, f := range res.ForensicReports[0].Findings {
		found[f.Category] = true
	}
	for _, cat := range []string{"algorithm", "key_size", "compliance", "validity"} {
		if !found[cat] {
			t.Errorf("Expected a finding for category %s, got %v", cat, res.ForensicReports[0].Findings)
		}
	}
}

func TestScoreRisks_CompliantCSCA(t *testing.T) {
	rows := []models.CertificateRecord{strongCSCA()}
	res := ScoreRisks(rows, zeros(1), zeros(1), zeros(1), testNow)

	if res.RiskScores[0] != 0 {
		t.Errorf("Expected risk score 0, got %v", res.RiskScores[0])
	}
	if ClassifyRisk(res.RiskScores[0]) != models.RiskLow {
		t.Errorf("Expected LOW, got %s", ClassifyRisk(res.RiskScores[0]))
	}
	if res.ForensicScores[0] != 0 {
		t.Errorf("Expected forensic score 0, got %v", res.ForensicScores[0])
	}
	if len(res.ForensicReports[0].Categories) != 0 {
		t.Errorf("Expected no contributing categories, got %v", res.ForensicReports[0].Categories)
	}
	if len(res.ForensicReports[0].Findings) != 0 {
		t.Errorf("Expected no findings, got %v", res.ForensicReports[0].Findings)
	}
}

func TestScoreRisks_ForensicComposite(t *testing.T) {
	rows := []models.CertificateRecord{weakDSC()}
	// Max out the upstream signals.
	res := ScoreRisks(rows, []float64{1.0}, []float64{1.0}, []float64{1.0}, testNow)

	// 40+40+20+10+15 + 15 anomaly + 15 issuer + 20 structural; temporal is
	// 0 (≈3y DSC) and dn is 0 (subject country matches, 3 fields).
	wantTotal := 40.0 + 40 + 20 + 10 + 15 + 15 + 15 + 20
	wantForensic := math.Min(wantTotal/200*100, 100)
	if math.Abs(res.ForensicScores[0]-wantForensic) > 1e-9 {
		t.Errorf("Expected forensic score %v, got %v", wantForensic, res.ForensicScores[0])
	}
	if ClassifyForensicRisk(res.ForensicScores[0]) != models.RiskCritical {
		t.Errorf("Expected forensic CRITICAL at %v", res.ForensicScores[0])
	}

	// Legacy composite ignores categories 7-10.
	if res.RiskScores[0] != 100 {
		t.Errorf("Expected legacy 100, got %v", res.RiskScores[0])
	}
}

func TestClassifyRisk_Thresholds(t *testing.T) {
	tests := []struct {
		score    float64
		expected string
	}{
		{100, models.RiskCritical},
		{76, models.RiskCritical},
		{75.9, models.RiskHigh},
		{51, models.RiskHigh},
		{50.9, models.RiskMedium},
		{26, models.RiskMedium},
		{25.9, models.RiskLow},
		{0, models.RiskLow},
	}
	for _, tt := range tests {
		if got := ClassifyRisk(tt.score); got != tt.expected {
			t.Errorf("ClassifyRisk(%v) = %s, want %s", tt.score, got, tt.expected)
		}
	}
}

func TestClassifyForensicRisk_Thresholds(t *testing.T) {
	tests := []struct {
		score    float64
		expected string
	}{
		{60, models.RiskCritical},
		{59.9, models.RiskHigh},
		{40, models.RiskHigh},
		{39.9, models.RiskMedium},
		{20, models.RiskMedium},
		{19.9, models.RiskLow},
	}
	for _, tt := range tests {
		if got := ClassifyForensicRisk(tt.score); got != tt.expected {
			t.Errorf("ClassifyForensicRisk(%v) = %s, want %s", tt.score, got, tt.expected)
		}
	}
}

func TestTemporalPatternRisk(t *testing.T) {
	mk := func(certType models.CertificateType, validityDays int) models.CertificateRecord {
		nb := testNow
		na := testNow.Add(time.Duration(validityDays) * 24 * time.Hour)
		return models.CertificateRecord{
			CertificateType: certType,
			NotBefore:       &nb,
			NotAfter:        &na,
		}
	}

	tests := []struct {
		name     string
		cert     models.CertificateRecord
		expected float64
	}{
		{"Long-lived DSC", mk(models.TypeDSC, 16*365), 8},
		{"Throwaway CSCA", mk(models.TypeCSCA, 200), 6},
		{"Very Short Any Type", mk(models.TypeMLSC, 10), 5},
		{"Extreme Lifetime", mk(models.TypeCSCA, 31*365), 7},
		{"Normal DSC", mk(models.TypeDSC, 3*365), 0},
		{"Missing Bounds", models.CertificateRecord{CertificateType: models.TypeDSC}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := temporalPatternRisk(&tt.cert); got != tt.expected {
				t.Errorf("temporalPatternRisk = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestDNConsistencyRisk(t *testing.T) {
	mismatch := models.CertificateRecord{
		CountryCode: "KR",
		SubjectDN:   "CN=Signer, O=Gov, C=DE",
	}
	risk, isMismatch := dnConsistencyRisk(&mismatch)
	if risk != 5 || !isMismatch {
		t.Errorf("Expected +5 country mismatch, got risk=%v mismatch=%v", risk, isMismatch)
	}

	sparse := models.CertificateRecord{
		CountryCode: "KR",
		SubjectDN:   "CN=OnlyName",
	}
	risk, _ = dnConsistencyRisk(&sparse)
	if risk != 3 {
		t.Errorf("Expected +3 for sparse DN, got %v", risk)
	}
}

func TestScoreRisks_TemporalScoreDerivation(t *testing.T) {
	// A 16-year DSC scores 8 in the temporal_pattern category, the value the
	// pipeline divides by 10 for the persisted temporal score.
	nb := testNow
	na := testNow.Add(16 * 365 * 24 * time.Hour)
	rows := []models.CertificateRecord{{
		CertificateType:    models.TypeDSC,
		SignatureAlgorithm: "sha256WithRSAEncryption",
		PublicKeyAlgorithm: "RSA",
		PublicKeySize:      3072,
		NotBefore:          &nb,
		NotAfter:           &na,
	}}
	res := ScoreRisks(rows, zeros(1), zeros(1), zeros(1), testNow)
	if res.ForensicReports[0].Categories["temporal_pattern"] != 8 {
		t.Errorf("Expected temporal category 8, got %v", res.ForensicReports[0].Categories["temporal_pattern"])
	}
}

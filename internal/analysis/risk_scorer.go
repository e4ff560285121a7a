package analysis

import (
	"math"
	"strings"
	"time"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Composite risk scoring.
//
// Ten weighted categories feed two composites:
//
//   legacy   = Σ(categories 1-6), clamped to 100
//   forensic = Σ(all ten) / 200 · 100, clamped to 100
//
// Categories crossing their severity bar additionally emit a tagged finding
// for the analyst queue.

// Algorithm risk points per signature algorithm; unknown OIDs score 15.
var algorithmRisk = map[string]float64{
	"sha1WithRSAEncryption":   40,
	"ecdsa-with-SHA1":         40,
	"sha256WithRSAEncryption": 5,
	"ecdsa-with-SHA256":       5,
	"sha384WithRSAEncryption": 0,
	"ecdsa-with-SHA384":       0,
	"sha512WithRSAEncryption": 0,
	"ecdsa-with-SHA512":       0,
	"id-RSASSA-PSS":           2,
}

// RiskResult is the row-aligned output of the scorer.
type RiskResult struct {
	RiskScores      []float64
	RiskFactors     []map[string]float64
	ForensicScores  []float64
	ForensicReports []models.ForensicReport
}

// ClassifyRisk maps a legacy risk score to its level (76/51/26).
func ClassifyRisk(score float64) string {
	switch {
	case score >= 76:
		return models.RiskCritical
	case score >= 51:
		return models.RiskHigh
	case score >= 26:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

// ClassifyForensicRisk maps a forensic risk score to its level (60/40/20).
func ClassifyForensicRisk(score float64) string {
	switch {
	case score >= 60:
		return models.RiskCritical
	case score >= 40:
		return models.RiskHigh
	case score >= 20:
		return models.RiskMedium
	default:
		return models.RiskLow
	}
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

// ScoreRisks combines row facts with the three upstream signals into the
// legacy and forensic composites. All three score slices must be row-aligned
// with rows.
func ScoreRisks(rows []models.CertificateRecord, anomaly, structural, issuer []float64, now time.Time) *RiskResult {
	n := len(rows)
	res := &RiskResult{
		RiskScores:      make([]float64, n),
		RiskFactors:     make([]map[string]float64, n),
		ForensicScores:  make([]float64, n),
		ForensicReports: make([]models.ForensicReport, n),
	}

	for i := range rows {
		c := &rows[i]
		categories := make(map[string]float64, 10)
		var findings []models.Finding

		// 1. Algorithm (cap 40)
		algRisk := 15.0
		if r, ok := algorithmRisk[c.SignatureAlgorithm]; ok {
			algRisk = r
		}
		categories["algorithm"] = algRisk
		if algRisk >= 30 {
			findings = append(findings, finding("algorithm", models.SeverityCritical))
		}

		// 2. Key size (cap 40)
		ksRisk := keySizeRisk(c)
		categories["key_size"] = ksRisk
		if ksRisk >= 30 {
			findings = append(findings, finding("key_size", models.SeverityCritical))
		}

		// 3. ICAO compliance (cap 20)
		complianceRisk := 0.0
		switch {
		case c.ICAOCompliant == nil:
			complianceRisk = 5
		case !*c.ICAOCompliant:
			complianceRisk = 20
		}
		categories["compliance"] = complianceRisk
		if complianceRisk >= 15 {
			findings = append(findings, finding("compliance", models.SeverityCritical))
		}

		// 4. Validity (cap 15)
		validityRisk := 5.0
		if daysLeft, ok := c.DaysUntilExpiry(now); ok {
			switch {
			case daysLeft < 0:
				validityRisk = 15
			case daysLeft < 30:
				validityRisk = 10
			case daysLeft < 90:
				validityRisk = 5
			default:
				validityRisk = 0
			}
		}
		categories["validity"] = validityRisk
		if validityRisk >= 15 {
			findings = append(findings, finding("validity", models.SeverityCritical))
		} else if validityRisk >= 10 {
			// Expiring inside a month is worth surfacing even before the
			// certificate is dead.
			findings = append(findings, finding("validity", models.SeverityMedium))
		}

		// 5. Extensions (cap 15)
		extRisk := 0.0
		if !extensionPresent(c, "crl_distribution_points") {
			extRisk += 5
		}
		if !extensionPresent(c, "authority_key_identifier") {
			extRisk += 5
		}
		if !extensionPresent(c, "subject_key_identifier") {
			extRisk += 3
		}
		if !extensionPresent(c, "ocsp_responder_url") {
			extRisk += 2
		}
		extRisk = math.Min(extRisk, 15)
		categories["extensions"] = extRisk

		// 6. Anomaly (cap 15)
		anomalyRisk := round1(anomaly[i] * 15)
		categories["anomaly"] = anomalyRisk
		if anomalyRisk >= 10 {
			findings = append(findings, finding("anomaly", models.SeverityHigh))
		}

		// 7. Issuer reputation (cap 15)
		issuerRisk := round1(issuer[i] * 15)
		categories["issuer_reputation"] = issuerRisk
		if issuerRisk >= 10 {
			findings = append(findings, finding("issuer_reputation", models.SeverityMedium))
		}

		// 8. Structural consistency (cap 20)
		structuralRisk := round1(structural[i] * 20)
		categories["structural_consistency"] = structuralRisk
		if structuralRisk >= 15 {
			findings = append(findings, finding("structural_consistency", models.SeverityHigh))
		}

		// 9. Temporal pattern (cap 10)
		temporalRisk := temporalPatternRisk(c)
		categories["temporal_pattern"] = temporalRisk
		if temporalRisk >= 6 {
			findings = append(findings, finding("temporal_pattern", models.SeverityMedium))
		}

		// 10. DN consistency (cap 10)
		dnRisk, countryMismatch := dnConsistencyRisk(c)
		categories["dn_consistency"] = dnRisk
		if countryMismatch {
			findings = append(findings, finding("dn_consistency", models.SeverityMedium))
		}

		legacy := algRisk + ksRisk + complianceRisk + validityRisk + extRisk + anomalyRisk
		legacy = math.Min(legacy, 100)

		forensicTotal := 0.0
		for _, v := range categories {
			forensicTotal += v
		}
		forensic := math.Min(forensicTotal/200.0*100.0, 100)

		// Persisted factors / categories only carry contributing entries.
		factors := make(map[string]float64)
		for _, cat := range [...]string{"algorithm", "key_size", "compliance", "validity", "extensions"} {
			if categories[cat] > 0 {
				factors[cat] = categories[cat]
			}
		}
		if anomalyRisk > 1 {
			factors["anomaly"] = anomalyRisk
		}

		nonZero := make(map[string]float64, len(categories))
		for cat, v := range categories {
			if v > 0 {
				nonZero[cat] = v
			}
		}

		if findings == nil {
			findings = []models.Finding{}
		}

		res.RiskScores[i] = legacy
		res.RiskFactors[i] = factors
		res.ForensicScores[i] = forensic
		res.ForensicReports[i] = models.ForensicReport{
			Score:      math.Round(forensic*100) / 100,
			Level:      ClassifyForensicRisk(forensic),
			Findings:   findings,
			Categories: nonZero,
		}
	}

	return res
}

func finding(category, severity string) models.Finding {
	return models.Finding{
		Category: category,
		Severity: severity,
		Message:  FindingMessage(category),
	}
}

func keySizeRisk(c *models.CertificateRecord) float64 {
	keySize := c.PublicKeySize
	pubAlg := strings.ToLower(c.PublicKeyAlgorithm)
	switch {
	case strings.Contains(pubAlg, "rsa"):
		switch {
		case keySize < 2048:
			return 40
		case keySize < 3072:
			return 10
		case keySize < 4096:
			return 3
		default:
			return 0
		}
	case strings.Contains(pubAlg, "ec"):
		switch {
		case keySize < 256:
			return 35
		case keySize < 384:
			return 5
		default:
			return 0
		}
	default:
		return 15
	}
}

// temporalPatternRisk flags lifetimes that are implausible for the role:
// long-lived DSCs, throwaway CSCAs, and extreme lifetimes in general.
func temporalPatternRisk(c *models.CertificateRecord) float64 {
	validityDays := c.ValidityDays()
	if validityDays <= 0 {
		return 0
	}
	switch {
	case c.CertificateType == models.TypeDSC && validityDays > 15*365:
		return 8
	case c.CertificateType == models.TypeCSCA && validityDays < 365:
		return 6
	case validityDays < 30:
		return 5
	case validityDays > 30*365:
		return 7
	default:
		return 0
	}
}

func dnConsistencyRisk(c *models.CertificateRecord) (risk float64, countryMismatch bool) {
	subjectCountry := ExtractCountryFromDN(c.SubjectDN)
	if subjectCountry != "" && c.CountryCode != "" && subjectCountry != c.CountryCode {
		risk += 5
		countryMismatch = true
	}
	fieldCount := CountDNFields(c.SubjectDN)
	if fieldCount < 2 {
		risk += 3
	} else if fieldCount > 10 {
		risk += 2
	}
	return risk, countryMismatch
}

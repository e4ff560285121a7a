package analysis

import (
	"math"
	"sort"
	"strings"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Issuer behavioural profiling.
//
// Certificates are grouped by issuer DN and each issuer gets a statistical
// profile. A per-certificate deviation score then measures how far the row
// falls from its issuer's typical pattern:
//
//   +0.15 issuer has <3 certs   (+0.05 if <10)
//   +0.20 key size > 3σ from issuer mean (+0.10 if > 2σ)
//   +0.15 algorithm differs from issuer modal AND issuer diversity ≤ 2
//   +0.20 × issuer proxy anomaly rate
//   +0.15 country differs from issuer modal AND issuer has one country
//
// clamped to 1.0; a missing issuer DN scores a fixed 0.30.

// unknownIssuerScore is the moderate suspicion assigned to rows without a
// resolvable issuer profile.
const unknownIssuerScore = 0.30

// IssuerProfile is the behavioural profile of one issuer DN.
type IssuerProfile struct {
	CertCount          int                            `json:"certCount"`
	TypeDiversity      int                            `json:"typeDiversity"`
	Types              map[models.CertificateType]int `json:"types"`
	DominantAlgorithm  string                         `json:"dominantAlgorithm"`
	AlgorithmDiversity int                            `json:"algorithmDiversity"`
	AvgKeySize         float64                        `json:"avgKeySize"`
	StdKeySize         float64                        `json:"stdKeySize"`
	CountryCount       int                            `json:"countryCount"`
	DominantCountry    string                         `json:"dominantCountry"`
	ComplianceRate     float64                        `json:"complianceRate"`
	ExpiredRate        float64                        `json:"expiredRate"`
	AnomalyProxy       float64                        `json:"anomalyProxy"`
}

// BuildIssuerProfiles groups the frame by issuer DN and derives one profile
// per issuer. Rows with an empty issuer DN are skipped.
func BuildIssuerProfiles(rows []models.CertificateRecord) map[string]*IssuerProfile {
	groups := make(map[string][]*models.CertificateRecord)
	for i := range rows {
		issuer := strings.TrimSpace(rows[i].IssuerDN)
		if issuer == "" {
			continue
		}
		groups[issuer] = append(groups[issuer], &rows[i])
	}

	profiles := make(map[string]*IssuerProfile, len(groups))
	for issuer, group := range groups {
		types := make(map[models.CertificateType]int)
		algs := make(map[string]int)
		countries := make(map[string]int)
		var keySizes []float64
		icaoOKCount, expiredCount := 0, 0

		for _, c := range group {
			types[c.CertificateType]++
			if c.SignatureAlgorithm != "" {
				algs[c.SignatureAlgorithm]++
			}
			if c.CountryCode != "" {
				countries[c.CountryCode]++
			}
			if c.PublicKeySize > 0 {
				keySizes = append(keySizes, float64(c.PublicKeySize))
			}
			if icaoOK(c) {
				icaoOKCount++
			}
			if c.IsExpiredStatus() {
				expiredCount++
			}
		}

		n := float64(len(group))
		okRate := float64(icaoOKCount) / n
		expiredRate := float64(expiredCount) / n

		profiles[issuer] = &IssuerProfile{
			CertCount:          len(group),
			TypeDiversity:      len(types),
			Types:              types,
			DominantAlgorithm:  modalKey(algs),
			AlgorithmDiversity: len(algs),
			AvgKeySize:         mean(keySizes),
			StdKeySize:         stddev(keySizes),
			CountryCount:       len(countries),
			DominantCountry:    modalKey(countries),
			ComplianceRate:     round4(okRate),
			ExpiredRate:        round4(expiredRate),
			AnomalyProxy:       round4(1.0 - okRate + expiredRate*0.5),
		}
	}

	return profiles
}

// modalKey returns the most frequent key, ties broken lexicographically so
// profiles are stable across runs.
func modalKey[K ~string](counts map[K]int) string {
	best := ""
	bestN := 0
	for k, n := range counts {
		s := string(k)
		if n > bestN || (n == bestN && (best == "" || s < best)) {
			best = s
			bestN = n
		}
	}
	return best
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}

// ScoreIssuerAnomalies computes the row-aligned issuer deviation score.
func ScoreIssuerAnomalies(rows []models.CertificateRecord, profiles map[string]*IssuerProfile) []float64 {
	scores := make([]float64, len(rows))
	for i := range rows {
		c := &rows[i]
		issuer := strings.TrimSpace(c.IssuerDN)
		if issuer == "" {
			scores[i] = unknownIssuerScore
			continue
		}
		profile := profiles[issuer]
		if profile == nil {
			scores[i] = unknownIssuerScore
			continue
		}

		score := 0.0

		if profile.CertCount < 3 {
			score += 0.15
		} else if profile.CertCount < 10 {
			score += 0.05
		}

		if keySize := float64(c.PublicKeySize); keySize > 0 && profile.AvgKeySize > 0 && profile.StdKeySize > 0 {
			z := math.Abs(keySize-profile.AvgKeySize) / profile.StdKeySize
			if z > 3 {
				score += 0.20
			} else if z > 2 {
				score += 0.10
			}
		}

		if c.SignatureAlgorithm != "" && c.SignatureAlgorithm != profile.DominantAlgorithm &&
			profile.AlgorithmDiversity <= 2 {
			score += 0.15
		}

		score += profile.AnomalyProxy * 0.20

		if c.CountryCode != "" && c.CountryCode != profile.DominantCountry &&
			profile.CountryCount == 1 {
			score += 0.15
		}

		scores[i] = math.Min(score, 1.0)
	}
	return scores
}

// IssuerProfileEntry is one row of the issuer profile report.
type IssuerProfileEntry struct {
	IssuerDN          string                         `json:"issuerDn"`
	CertCount         int                            `json:"certCount"`
	TypeDiversity     int                            `json:"typeDiversity"`
	Types             map[models.CertificateType]int `json:"types"`
	DominantAlgorithm string                         `json:"dominantAlgorithm"`
	AvgKeySize        int                            `json:"avgKeySize"`
	ComplianceRate    float64                        `json:"complianceRate"`
	ExpiredRate       float64                        `json:"expiredRate"`
	RiskIndicator     string                         `json:"riskIndicator"`
	Country           string                         `json:"country"`
}

// IssuerProfileReport renders profiles for the API, least compliant first.
// The risk indicator comes straight from the proxy anomaly rate.
func IssuerProfileReport(profiles map[string]*IssuerProfile) []IssuerProfileEntry {
	report := make([]IssuerProfileEntry, 0, len(profiles))
	for issuerDN, p := range profiles {
		indicator := models.RiskLow
		if p.AnomalyProxy > 0.7 {
			indicator = models.RiskHigh
		} else if p.AnomalyProxy > 0.3 {
			indicator = models.RiskMedium
		}

		dn := issuerDN
		if len(dn) > 200 {
			dn = dn[:200]
		}

		report = append(report, IssuerProfileEntry{
			IssuerDN:          dn,
			CertCount:         p.CertCount,
			TypeDiversity:     p.TypeDiversity,
			Types:             p.Types,
			DominantAlgorithm: p.DominantAlgorithm,
			AvgKeySize:        int(p.AvgKeySize),
			ComplianceRate:    p.ComplianceRate,
			ExpiredRate:       p.ExpiredRate,
			RiskIndicator:     indicator,
			Country:           p.DominantCountry,
		})
	}

	sort.SliceStable(report, func(i, j int) bool {
		if report[i].ComplianceRate != report[j].ComplianceRate {
			return report[i].ComplianceRate < report[j].ComplianceRate
		}
		return report[i].IssuerDN < report[j].IssuerDN
	})
	return report
}

package analysis

import (
	"math"
	"sort"
	"strings"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Population-level report computers. All pure functions over the loaded
// frame (or over stored forensic reports); the HTTP layer glues them to
// store queries.

// CountryMaturity is one row of the PKI maturity ranking.
type CountryMaturity struct {
	CountryCode      string  `json:"countryCode"`
	MaturityScore    float64 `json:"maturityScore"`
	AlgorithmScore   float64 `json:"algorithmScore"`
	KeySizeScore     float64 `json:"keySizeScore"`
	ComplianceScore  float64 `json:"complianceScore"`
	ExtensionScore   float64 `json:"extensionScore"`
	FreshnessScore   float64 `json:"freshnessScore"`
	CertificateCount int     `json:"certificateCount"`
}

func isModernAlgorithm(sigAlg string) bool {
	lower := strings.ToLower(sigAlg)
	return strings.Contains(lower, "sha256") ||
		strings.Contains(lower, "sha384") ||
		strings.Contains(lower, "sha512") ||
		strings.Contains(lower, "pss")
}

// keySizeQuality grades a key against current recommendations for its
// algorithm family.
func keySizeQuality(c *models.CertificateRecord) float64 {
	ks := c.PublicKeySize
	alg := strings.ToLower(c.PublicKeyAlgorithm)
	switch {
	case strings.Contains(alg, "rsa"):
		switch {
		case ks >= 4096:
			return 1.0
		case ks >= 3072:
			return 0.8
		case ks >= 2048:
			return 0.6
		default:
			return 0.1
		}
	case strings.Contains(alg, "ec"):
		switch {
		case ks >= 384:
			return 1.0
		case ks >= 256:
			return 0.7
		default:
			return 0.2
		}
	default:
		return 0.3
	}
}

// ComputeCountryMaturity scores every country with at least three
// certificates across five weighted dimensions, best first.
func ComputeCountryMaturity(rows []models.CertificateRecord) []CountryMaturity {
	groups := make(map[string][]*models.CertificateRecord)
	for i := range rows {
		groups[rows[i].CountryCode] = append(groups[rows[i].CountryCode], &rows[i])
	}

	var results []CountryMaturity
	for country, group := range groups {
		n := len(group)
		if n < 3 {
			continue
		}

		modern, ecdsa := 0, 0
		ksQualitySum := 0.0
		icaoOKCount, trustOKCount := 0, 0
		hasCDP, hasAKI, hasSKI := 0, 0, 0
		expired := 0

		for _, c := range group {
			if isModernAlgorithm(c.SignatureAlgorithm) {
				modern++
			}
			if strings.Contains(strings.ToLower(c.PublicKeyAlgorithm), "ec") {
				ecdsa++
			}
			ksQualitySum += keySizeQuality(c)
			if icaoOK(c) {
				icaoOKCount++
			}
			if c.TrustChainValid != nil && *c.TrustChainValid {
				trustOKCount++
			}
			if extensionPresent(c, "crl_distribution_points") {
				hasCDP++
			}
			if extensionPresent(c, "authority_key_identifier") {
				hasAKI++
			}
			if extensionPresent(c, "subject_key_identifier") {
				hasSKI++
			}
			if c.IsExpiredStatus() {
				expired++
			}
		}

		fn := float64(n)
		algScore := math.Min(float64(modern)/fn*100+float64(ecdsa)/fn*20, 100)
		ksScore := ksQualitySum / fn * 100
		complianceScore := (float64(icaoOKCount)/fn + float64(trustOKCount)/fn) / 2 * 100
		extScore := (float64(hasCDP)/fn + float64(hasAKI)/fn + float64(hasSKI)/fn) / 3 * 100
		freshnessScore := (1 - float64(expired)/fn) * 100

		maturity := 0.25*algScore + 0.20*ksScore + 0.25*complianceScore +
			0.15*extScore + 0.15*freshnessScore

		results = append(results, CountryMaturity{
			CountryCode:      country,
			MaturityScore:    round1(maturity),
			AlgorithmScore:   round1(algScore),
			KeySizeScore:     round1(ksScore),
			ComplianceScore:  round1(complianceScore),
			ExtensionScore:   round1(extScore),
			FreshnessScore:   round1(freshnessScore),
			CertificateCount: n,
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].MaturityScore != results[j].MaturityScore {
			return results[i].MaturityScore > results[j].MaturityScore
		}
		return results[i].CountryCode < results[j].CountryCode
	})
	return results
}

// AlgorithmTrend is the signature-algorithm mix of one issuance year.
type AlgorithmTrend struct {
	Year       int            `json:"year"`
	Algorithms map[string]int `json:"algorithms"`
	Total      int            `json:"total"`
}

// ComputeAlgorithmTrends buckets the population by issuance year, bounded
// to the plausible 2000–2030 window.
func ComputeAlgorithmTrends(rows []models.CertificateRecord) []AlgorithmTrend {
	byYear := make(map[int]map[string]int)
	for i := range rows {
		c := &rows[i]
		if c.NotBefore == nil {
			continue
		}
		year := c.NotBefore.Year()
		if year < 2000 || year > 2030 {
			continue
		}
		if byYear[year] == nil {
			byYear[year] = make(map[string]int)
		}
		byYear[year][c.SignatureAlgorithm]++
	}

	results := make([]AlgorithmTrend, 0, len(byYear))
	for year, algs := range byYear {
		total := 0
		for _, n := range algs {
			total += n
		}
		results = append(results, AlgorithmTrend{Year: year, Algorithms: algs, Total: total})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Year < results[j].Year })
	return results
}

// KeySizeDistribution is one (algorithm, key size) bucket.
type KeySizeDistribution struct {
	Algorithm  string  `json:"algorithm"`
	KeySize    int     `json:"keySize"`
	Count      int     `json:"count"`
	Percentage float64 `json:"percentage"`
}

// ComputeKeySizeDistribution buckets the population per (public key
// algorithm, key size) pair, most common first.
func ComputeKeySizeDistribution(rows []models.CertificateRecord) []KeySizeDistribution {
	type bucket struct {
		alg string
		ks  int
	}
	counts := make(map[bucket]int)
	for i := range rows {
		c := &rows[i]
		if c.PublicKeyAlgorithm == "" || c.PublicKeySize <= 0 {
			continue
		}
		counts[bucket{c.PublicKeyAlgorithm, c.PublicKeySize}]++
	}

	total := len(rows)
	results := make([]KeySizeDistribution, 0, len(counts))
	for b, count := range counts {
		pct := 0.0
		if total > 0 {
			pct = math.Round(100.0*float64(count)/float64(total)*100) / 100
		}
		results = append(results, KeySizeDistribution{
			Algorithm:  b.alg,
			KeySize:    b.ks,
			Count:      count,
			Percentage: pct,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Count != results[j].Count {
			return results[i].Count > results[j].Count
		}
		if results[i].Algorithm != results[j].Algorithm {
			return results[i].Algorithm < results[j].Algorithm
		}
		return results[i].KeySize < results[j].KeySize
	})
	return results
}

// CountryDetail is the drill-down report for one country.
type CountryDetail struct {
	CountryCode           string                         `json:"countryCode"`
	TotalCertificates     int                            `json:"totalCertificates"`
	TypeDistribution      map[models.CertificateType]int `json:"typeDistribution"`
	AlgorithmDistribution map[string]int                 `json:"algorithmDistribution"`
	KeySizeDistribution   map[int]int                    `json:"keySizeDistribution"`
}

// ComputeCountryDetail returns nil when the country has no certificates.
func ComputeCountryDetail(rows []models.CertificateRecord, countryCode string) *CountryDetail {
	detail := &CountryDetail{
		CountryCode:           countryCode,
		TypeDistribution:      make(map[models.CertificateType]int),
		AlgorithmDistribution: make(map[string]int),
		KeySizeDistribution:   make(map[int]int),
	}
	for i := range rows {
		c := &rows[i]
		if c.CountryCode != countryCode {
			continue
		}
		detail.TotalCertificates++
		detail.TypeDistribution[c.CertificateType]++
		if c.SignatureAlgorithm != "" {
			detail.AlgorithmDistribution[c.SignatureAlgorithm]++
		}
		if c.PublicKeySize > 0 {
			detail.KeySizeDistribution[c.PublicKeySize]++
		}
	}
	if detail.TotalCertificates == 0 {
		return nil
	}
	return detail
}

// ForensicSummary aggregates stored forensic reports for the dashboard.
type ForensicSummary struct {
	TotalAnalyzed             int                `json:"totalAnalyzed"`
	ForensicLevelDistribution map[string]int     `json:"forensicLevelDistribution"`
	CategoryAvgScores         map[string]float64 `json:"categoryAvgScores"`
	SeverityDistribution      map[string]int     `json:"severityDistribution,omitempty"`
	TopFindings               []FindingCount     `json:"topFindings,omitempty"`
}

// FindingCount is one aggregated finding message with its frequency.
type FindingCount struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

// SummarizeForensics folds every stored forensic report into per-category
// averages, severity counts and the ten most frequent findings.
func SummarizeForensics(reports []models.ForensicReport) ForensicSummary {
	summary := ForensicSummary{
		TotalAnalyzed:             len(reports),
		ForensicLevelDistribution: make(map[string]int),
		CategoryAvgScores:         make(map[string]float64),
	}
	if len(reports) == 0 {
		return summary
	}

	catTotals := make(map[string]float64)
	catCounts := make(map[string]int)
	sevCounts := make(map[string]int)
	findingFreq := make(map[string]int)

	for _, r := range reports {
		if r.Level != "" {
			summary.ForensicLevelDistribution[r.Level]++
		}
		for cat, score := range r.Categories {
			catTotals[cat] += score
			catCounts[cat]++
		}
		for _, f := range r.Findings {
			sev := f.Severity
			if sev == "" {
				sev = models.SeverityLow
			}
			sevCounts[sev]++
			findingFreq[f.Message]++
		}
	}

	for cat, total := range catTotals {
		summary.CategoryAvgScores[cat] = math.Round(total/float64(catCounts[cat])*100) / 100
	}
	if len(sevCounts) > 0 {
		summary.SeverityDistribution = sevCounts
	}

	if len(findingFreq) > 0 {
		top := make([]FindingCount, 0, len(findingFreq))
		for msg, count := range findingFreq {
			top = append(top, FindingCount{Message: msg, Count: count})
		}
		sort.SliceStable(top, func(i, j int) bool {
			if top[i].Count != top[j].Count {
				return top[i].Count > top[j].Count
			}
			return top[i].Message < top[j].Message
		})
		if len(top) > 10 {
			top = top[:10]
		}
		summary.TopFindings = top
	}

	return summary
}

// ExtensionAnomalySummary groups violation stats per type and severity.
type ExtensionAnomalySummary struct {
	ByType       map[models.CertificateType]ExtensionTypeStats `json:"byType"`
	BySeverity   map[string]int                                `json:"bySeverity"`
	TotalChecked int                                           `json:"totalChecked"`
}

// ExtensionTypeStats is the violation tally for one certificate type.
type ExtensionTypeStats struct {
	Total          int `json:"total"`
	WithViolations int `json:"withViolations"`
}

// SummarizeExtensionAnomalies tallies compliance over the whole frame.
func SummarizeExtensionAnomalies(rows []models.CertificateRecord) ExtensionAnomalySummary {
	summary := ExtensionAnomalySummary{
		ByType:       make(map[models.CertificateType]ExtensionTypeStats),
		BySeverity:   make(map[string]int),
		TotalChecked: len(rows),
	}
	for i := range rows {
		c := &rows[i]
		stats := summary.ByType[c.CertificateType]
		stats.Total++
		compliance := CheckExtensionCompliance(c)
		if compliance.StructuralScore > 0 {
			stats.WithViolations++
			for _, v := range compliance.ViolationsDetail {
				summary.BySeverity[v.Severity]++
			}
		}
		summary.ByType[c.CertificateType] = stats
	}
	return summary
}

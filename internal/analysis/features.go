package analysis

import (
	"hash/fnv"
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Algorithm quality scores (higher = better/newer). Unknown OIDs score 0.5.
var algorithmScores = map[string]float64{
	"sha512WithRSAEncryption": 1.0,
	"ecdsa-with-SHA512":       1.0,
	"sha384WithRSAEncryption": 0.9,
	"ecdsa-with-SHA384":       0.9,
	"sha256WithRSAEncryption": 0.8,
	"ecdsa-with-SHA256":       0.8,
	"id-RSASSA-PSS":           0.85,
	"sha1WithRSAEncryption":   0.2,
	"ecdsa-with-SHA1":         0.2,
}

// Certificate type encoding for the feature matrix.
var certTypeCodes = map[models.CertificateType]float64{
	models.TypeCSCA:  0,
	models.TypeDSC:   1,
	models.TypeDSCNC: 2,
	models.TypeMLSC:  3,
}

// extensionFields is the fixed order of the six extension columns used for
// presence masks and type-level presence rates.
var extensionFields = [6]string{
	"key_usage",
	"extended_key_usage",
	"subject_key_identifier",
	"authority_key_identifier",
	"crl_distribution_points",
	"ocsp_responder_url",
}

// FeatureMeta is the row-aligned identity companion of the feature matrix.
type FeatureMeta struct {
	Fingerprint     string
	CertificateType models.CertificateType
	CountryCode     string
}

// issuerAggregate holds the per-issuer statistics the feature engineer
// derives in its pre-aggregation pass.
type issuerAggregate struct {
	Count         int
	TypeDiversity int
	MeanKeySize   float64
	StdKeySize    float64
	ModalAlg      string
	AnomalyRate   float64 // clamp(1 − icao_ok_rate + 0.5·expired_rate, 0, 1)
}

// populationStats carries every population-relative statistic computed in
// one pass before the per-row loop.
type populationStats struct {
	countryAvgKeySize  map[string]float64
	countryAvgValidity map[string]float64
	countryCount       map[string]int

	typeAvgValidity map[models.CertificateType]float64
	typeStdValidity map[models.CertificateType]float64

	issuers map[string]*issuerAggregate

	countryYearCount map[string]map[int]int
	countryMeanRate  map[string]float64

	typeExtPresence map[models.CertificateType][6]float64

	countryComplianceProxy map[string]float64

	maxKeySize float64
}

func extensionPresent(c *models.CertificateRecord, field string) bool {
	switch field {
	case "key_usage":
		return strings.TrimSpace(c.KeyUsage) != ""
	case "extended_key_usage":
		return strings.TrimSpace(c.ExtendedKeyUsage) != ""
	case "subject_key_identifier":
		return strings.TrimSpace(c.SubjectKeyIdentifier) != ""
	case "authority_key_identifier":
		return strings.TrimSpace(c.AuthorityKeyIdentifier) != ""
	case "crl_distribution_points":
		return strings.TrimSpace(c.CRLDistributionPoints) != ""
	case "ocsp_responder_url":
		return strings.TrimSpace(c.OCSPResponderURL) != ""
	}
	return false
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func optBoolToFloat(b *bool) float64 {
	if b != nil && *b {
		return 1
	}
	return 0
}

func countViolations(violations string) int {
	if strings.TrimSpace(violations) == "" {
		return 0
	}
	return len(strings.Split(violations, "|"))
}

func countExtensions(c *models.CertificateRecord) int {
	count := 0
	for _, f := range extensionFields {
		if extensionPresent(c, f) {
			count++
		}
	}
	return count
}

// extensionMask builds the six-bit presence mask in extensionFields order
// (bit 0 = key_usage).
func extensionMask(c *models.CertificateRecord) uint8 {
	var mask uint8
	for i, f := range extensionFields {
		if extensionPresent(c, f) {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// extensionPatternHash maps the presence mask into [0, 1) via FNV-1a so that
// rare patterns land away from common ones without any ordering assumption.
func extensionPatternHash(mask uint8) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte{mask})
	return float64(h.Sum32()%1000) / 1000.0
}

// criticalMarkerCount counts textual "critical" markers in the key usage
// fields. Heuristic until the input schema carries real criticality flags.
func criticalMarkerCount(c *models.CertificateRecord) int {
	count := 0
	count += strings.Count(strings.ToLower(c.KeyUsage), "critical")
	count += strings.Count(strings.ToLower(c.ExtendedKeyUsage), "critical")
	return count
}

func icaoOK(c *models.CertificateRecord) bool {
	return c.ICAOCompliant != nil && *c.ICAOCompliant
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	return stat.StdDev(xs, nil)
}

// aggregatePopulation runs the single pre-aggregation pass over the frame.
func aggregatePopulation(rows []models.CertificateRecord) *populationStats {
	ps := &populationStats{
		countryAvgKeySize:      make(map[string]float64),
		countryAvgValidity:     make(map[string]float64),
		countryCount:           make(map[string]int),
		typeAvgValidity:        make(map[models.CertificateType]float64),
		typeStdValidity:        make(map[models.CertificateType]float64),
		issuers:                make(map[string]*issuerAggregate),
		countryYearCount:       make(map[string]map[int]int),
		countryMeanRate:        make(map[string]float64),
		typeExtPresence:        make(map[models.CertificateType][6]float64),
		countryComplianceProxy: make(map[string]float64),
	}

	countryKeySizes := make(map[string][]float64)
	countryValidities := make(map[string][]float64)
	typeValidities := make(map[models.CertificateType][]float64)
	countryICAOOK := make(map[string][]float64)
	countryExpired := make(map[string][]float64)
	typeExtTotals := make(map[models.CertificateType]*[6]float64)
	typeCounts := make(map[models.CertificateType]int)

	type issuerAcc struct {
		keySizes []float64
		types    map[models.CertificateType]struct{}
		algs     map[string]int
		icaoOK   int
		expired  int
		count    int
	}
	issuerAccs := make(map[string]*issuerAcc)

	for i := range rows {
		c := &rows[i]
		country := c.CountryCode
		ps.countryCount[country]++

		if c.PublicKeySize > 0 {
			countryKeySizes[country] = append(countryKeySizes[country], float64(c.PublicKeySize))
			if float64(c.PublicKeySize) > ps.maxKeySize {
				ps.maxKeySize = float64(c.PublicKeySize)
			}
		}
		if v := c.ValidityDays(); v > 0 {
			countryValidities[country] = append(countryValidities[country], v)
			typeValidities[c.CertificateType] = append(typeValidities[c.CertificateType], v)
		}

		ok := icaoOK(c)
		countryICAOOK[country] = append(countryICAOOK[country], boolToFloat(ok))
		countryExpired[country] = append(countryExpired[country], boolToFloat(c.IsExpiredStatus()))

		if c.NotBefore != nil {
			year := c.NotBefore.Year()
			if ps.countryYearCount[country] == nil {
				ps.countryYearCount[country] = make(map[int]int)
			}
			ps.countryYearCount[country][year]++
		}

		typeCounts[c.CertificateType]++
		if typeExtTotals[c.CertificateType] == nil {
			typeExtTotals[c.CertificateType] = &[6]float64{}
		}
		for j, f := range extensionFields {
			if extensionPresent(c, f) {
				typeExtTotals[c.CertificateType][j]++
			}
		}

		issuer := strings.TrimSpace(c.IssuerDN)
		if issuer != "" {
			acc := issuerAccs[issuer]
			if acc == nil {
				acc = &issuerAcc{
					types: make(map[models.CertificateType]struct{}),
					algs:  make(map[string]int),
				}
				issuerAccs[issuer] = acc
			}
			acc.count++
			acc.types[c.CertificateType] = struct{}{}
			if c.SignatureAlgorithm != "" {
				acc.algs[c.SignatureAlgorithm]++
			}
			if c.PublicKeySize > 0 {
				acc.keySizes = append(acc.keySizes, float64(c.PublicKeySize))
			}
			if ok {
				acc.icaoOK++
			}
			if c.IsExpiredStatus() {
				acc.expired++
			}
		}
	}

	if ps.maxKeySize <= 0 {
		ps.maxKeySize = 4096
	}

	for country, xs := range countryKeySizes {
		ps.countryAvgKeySize[country] = mean(xs)
	}
	for country, xs := range countryValidities {
		ps.countryAvgValidity[country] = mean(xs)
	}
	for t, xs := range typeValidities {
		ps.typeAvgValidity[t] = mean(xs)
		ps.typeStdValidity[t] = stddev(xs)
	}

	for issuer, acc := range issuerAccs {
		okRate := float64(acc.icaoOK) / float64(acc.count)
		expiredRate := float64(acc.expired) / float64(acc.count)
		modal := ""
		best := 0
		for alg, n := range acc.algs {
			if n > best || (n == best && alg < modal) {
				modal = alg
				best = n
			}
		}
		ps.issuers[issuer] = &issuerAggregate{
			Count:         acc.count,
			TypeDiversity: len(acc.types),
			MeanKeySize:   mean(acc.keySizes),
			StdKeySize:    stddev(acc.keySizes),
			ModalAlg:      modal,
			AnomalyRate:   clamp01(1.0 - okRate + 0.5*expiredRate),
		}
	}

	for country, years := range ps.countryYearCount {
		total := 0
		for _, n := range years {
			total += n
		}
		if len(years) > 0 {
			ps.countryMeanRate[country] = float64(total) / float64(len(years))
		}
	}

	for t, totals := range typeExtTotals {
		n := float64(typeCounts[t])
		var rates [6]float64
		for j := range totals {
			rates[j] = totals[j] / n
		}
		ps.typeExtPresence[t] = rates
	}

	for country := range ps.countryCount {
		okRate := mean(countryICAOOK[country])
		expiredRate := mean(countryExpired[country])
		ps.countryComplianceProxy[country] = 0.6*(1.0-okRate) + 0.4*expiredRate
	}

	return ps
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// EngineerFeatures transforms the certificate frame into the 45-column
// feature matrix plus row-aligned metadata. sanitized counts the NaN/±Inf
// cells that were zero-filled (malformed inputs never abort a run). now is
// injected so repeated runs over a frozen population stay bit-identical.
func EngineerFeatures(rows []models.CertificateRecord, now time.Time) (meta []FeatureMeta, features [][]float64, sanitized int) {
	ps := aggregatePopulation(rows)

	meta = make([]FeatureMeta, len(rows))
	features = make([][]float64, len(rows))

	for i := range rows {
		c := &rows[i]
		meta[i] = FeatureMeta{
			Fingerprint:     c.Fingerprint,
			CertificateType: c.CertificateType,
			CountryCode:     c.CountryCode,
		}

		f := make([]float64, NumFeatures)
		keySize := float64(c.PublicKeySize)
		validityDays := c.ValidityDays()
		daysUntil, hasExpiry := c.DaysUntilExpiry(now)
		isExpired := 0.0
		if hasExpiry && daysUntil < 0 {
			isExpired = 1.0
		}

		// ── Base block (0-24) ─────────────────────────────────────
		f[0] = keySize / ps.maxKeySize
		if s, ok := algorithmScores[c.SignatureAlgorithm]; ok {
			f[1] = s
		} else {
			f[1] = 0.5
		}
		pubAlg := strings.ToLower(c.PublicKeyAlgorithm)
		if strings.Contains(pubAlg, "ecdsa") || pubAlg == "ec" {
			f[2] = 1
		}
		if strings.Contains(strings.ToLower(c.SignatureAlgorithm), "pss") {
			f[3] = 1
		}
		f[4] = validityDays / 365.25
		if validityDays > 0 {
			typeAvg := ps.typeAvgValidity[c.CertificateType]
			if typeAvg <= 0 {
				typeAvg = validityDays
			}
			f[5] = validityDays / typeAvg
		}
		f[6] = math.Max(daysUntil/365.25, -5.0)
		f[7] = isExpired
		f[8] = optBoolToFloat(c.ICAOCompliant)
		f[9] = optBoolToFloat(c.TrustChainValid)
		f[10] = float64(countViolations(c.ICAOViolations))
		f[11] = optBoolToFloat(c.ICAOKeyUsageCompliant)
		f[12] = optBoolToFloat(c.ICAOAlgorithmCompliant)
		f[13] = float64(countExtensions(c))
		f[14] = boolToFloat(extensionPresent(c, "crl_distribution_points"))
		f[15] = boolToFloat(extensionPresent(c, "ocsp_responder_url"))
		f[16] = boolToFloat(extensionPresent(c, "authority_key_identifier"))
		f[17] = boolToFloat(c.IsCA)
		f[18] = boolToFloat(c.IsSelfSigned)
		f[19] = float64(c.Version)
		if c.PathLenConstraint != nil {
			f[20] = float64(*c.PathLenConstraint)
		} else {
			f[20] = -1
		}
		countryAvgKS := ps.countryAvgKeySize[c.CountryCode]
		if countryAvgKS <= 0 {
			countryAvgKS = math.Max(keySize, 1)
		}
		f[21] = (keySize - countryAvgKS) / countryAvgKS
		countryAvgV := ps.countryAvgValidity[c.CountryCode]
		if countryAvgV <= 0 {
			countryAvgV = math.Max(validityDays, 1)
		}
		f[22] = (validityDays - countryAvgV) / countryAvgV
		f[23] = float64(ps.countryCount[c.CountryCode])
		if code, ok := certTypeCodes[c.CertificateType]; ok {
			f[24] = code
		} else {
			f[24] = -1
		}

		// ── Issuer profile (25-28) ────────────────────────────────
		issuer := ps.issuers[strings.TrimSpace(c.IssuerDN)]
		if issuer != nil {
			f[25] = float64(issuer.Count)
			f[26] = issuer.AnomalyRate
			f[27] = float64(issuer.TypeDiversity)
		}
		issuerCountry := ExtractCountryFromDN(c.IssuerDN)
		subjectCountry := ExtractCountryFromDN(c.SubjectDN)
		if issuerCountry != "" && issuerCountry == subjectCountry {
			f[28] = 1
		}

		// ── Temporal (29-32) ──────────────────────────────────────
		if c.NotBefore != nil {
			f[29] = float64(c.NotBefore.Month()) / 12.0
			if std := ps.typeStdValidity[c.CertificateType]; std > 1e-10 {
				f[30] = (validityDays - ps.typeAvgValidity[c.CertificateType]) / std
			}
			if meanRate := ps.countryMeanRate[c.CountryCode]; meanRate > 0 {
				yearCount := float64(ps.countryYearCount[c.CountryCode][c.NotBefore.Year()])
				f[31] = (yearCount - meanRate) / meanRate
			}
			if validityDays > 0 {
				elapsed := now.Sub(*c.NotBefore).Seconds() / 86400.0
				f[32] = math.Min(elapsed/validityDays, 2.0)
			}
		}

		// ── DN structure (33-36) ──────────────────────────────────
		f[33] = float64(CountDNFields(c.SubjectDN))
		f[34] = float64(CountDNFields(c.IssuerDN))
		f[35] = float64(DetectDNFormat(c.SubjectDN))
		f[36] = boolToFloat(HasEmailInDN(c.SubjectDN))

		// ── Extension profile (37-40) ─────────────────────────────
		f[37] = extensionPatternHash(extensionMask(c))
		f[38] = float64(CountUnexpectedExtensions(c))
		f[39] = float64(CountMissingRequired(c))
		f[40] = float64(criticalMarkerCount(c))

		// ── Cross-certificate (41-44) ─────────────────────────────
		if issuer != nil && issuer.MeanKeySize > 0 {
			f[41] = (keySize - issuer.MeanKeySize) / issuer.MeanKeySize
			if c.SignatureAlgorithm != "" && c.SignatureAlgorithm == issuer.ModalAlg {
				f[42] = 1
			}
		}
		f[43] = ps.countryComplianceProxy[c.CountryCode]
		f[44] = extensionPatternAgreement(c, ps.typeExtPresence[c.CertificateType])

		sanitized += sanitizeVector(f)
		features[i] = f
	}

	return meta, features, sanitized
}

// extensionPatternAgreement measures how well a row's extension presence
// matches the modal presence pattern of its type (rate ≥ 0.5 → expected
// present).
func extensionPatternAgreement(c *models.CertificateRecord, rates [6]float64) float64 {
	matches := 0
	for j, f := range extensionFields {
		expected := rates[j] >= 0.5
		if extensionPresent(c, f) == expected {
			matches++
		}
	}
	return float64(matches) / float64(len(extensionFields))
}

// sanitizeVector zero-fills NaN and ±Inf so one malformed input row cannot
// poison a model fit. Returns the number of cells touched.
func sanitizeVector(f []float64) int {
	touched := 0
	for j, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			f[j] = 0
			touched++
		}
	}
	return touched
}

// FeatureVectorMap renders one matrix row as a name→rounded-value map for
// persistence.
func FeatureVectorMap(row []float64) map[string]float64 {
	m := make(map[string]float64, len(row))
	for j, name := range FeatureNames {
		if j < len(row) {
			m[name] = math.Round(row[j]*1e6) / 1e6
		}
	}
	return m
}

package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore wraps the connection pool for the certificate population
// and the analysis result table.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect initialises the connection pool and verifies it with a ping.
func Connect(ctx context.Context, connStr string, log zerolog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping failed: %w", err)
	}
	log.Info().Msg("connected to PostgreSQL")
	return &PostgresStore{pool: pool, log: log.With().Str("component", "store").Logger()}, nil
}

// Close gracefully closes the connection pool.
func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// InitSchema creates the analysis result table and indexes if absent.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema migrations: %w", err)
	}
	s.log.Info().Msg("analysis result schema initialised")
	return nil
}

// loadQuery joins the certificate population with its validation facts,
// restricted to the four supported types.
const loadQuery = `
	SELECT c.fingerprint_sha256, c.certificate_type, c.country_code,
	       c.version, c.signature_algorithm, c.public_key_algorithm,
	       c.public_key_size, c.public_key_curve,
	       c.key_usage, c.extended_key_usage,
	       c.is_ca, c.path_len_constraint, c.is_self_signed,
	       c.subject_key_identifier, c.authority_key_identifier,
	       c.crl_distribution_points, c.ocsp_responder_url,
	       c.not_before, c.not_after, c.validation_status,
	       c.subject_dn, c.issuer_dn, c.serial_number,
	       v.trust_chain_valid, v.icao_compliant, v.icao_violations,
	       v.icao_key_usage_compliant, v.icao_algorithm_compliant,
	       v.icao_key_size_compliant, v.icao_extensions_compliant,
	       v.signature_valid
	FROM certificate c
	LEFT JOIN validation_result v ON c.fingerprint_sha256 = v.certificate_id
	WHERE c.certificate_type IN ('CSCA', 'DSC', 'DSC_NC', 'MLSC')
`

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func derefBool(v *bool) bool {
	return v != nil && *v
}

// LoadCertificates reads the joined population into memory, deduplicated by
// fingerprint (first row wins; multiple validation rows per certificate
// are possible).
func (s *PostgresStore) LoadCertificates(ctx context.Context) ([]models.CertificateRecord, error) {
	rows, err := s.pool.Query(ctx, loadQuery)
	if err != nil {
		return nil, fmt.Errorf("certificate load query failed: %w", err)
	}
	defer rows.Close()

	var out []models.CertificateRecord
	seen := make(map[string]struct{})

	for rows.Next() {
		var (
			fingerprint                                string
			certType, country                          *string
			version, keySize, pathLen                  *int
			sigAlg, pubAlg, curve                      *string
			keyUsage, extKeyUsage                      *string
			isCA, isSelfSigned                         *bool
			ski, aki, crlDP, ocspURL                   *string
			notBefore, notAfter                        *time.Time
			validationStatus, subjectDN, issuerDN      *string
			serialNumber                               *string
			trustChain, icaoCompliant                  *bool
			icaoViolations                             *string
			icaoKU, icaoAlg, icaoKS, icaoExt, sigValid *bool
		)

		if err := rows.Scan(
			&fingerprint, &certType, &country,
			&version, &sigAlg, &pubAlg,
			&keySize, &curve,
			&keyUsage, &extKeyUsage,
			&isCA, &pathLen, &isSelfSigned,
			&ski, &aki,
			&crlDP, &ocspURL,
			&notBefore, &notAfter, &validationStatus,
			&subjectDN, &issuerDN, &serialNumber,
			&trustChain, &icaoCompliant, &icaoViolations,
			&icaoKU, &icaoAlg,
			&icaoKS, &icaoExt,
			&sigValid,
		); err != nil {
			return nil, fmt.Errorf("certificate row scan failed: %w", err)
		}

		if _, dup := seen[fingerprint]; dup {
			continue
		}
		seen[fingerprint] = struct{}{}

		out = append(out, models.CertificateRecord{
			Fingerprint:     fingerprint,
			CertificateType: models.CertificateType(deref(certType)),
			CountryCode:     deref(country),
			Version:         derefInt(version),
			SerialNumber:    deref(serialNumber),
			SubjectDN:       deref(subjectDN),
			IssuerDN:        deref(issuerDN),

			SignatureAlgorithm: deref(sigAlg),
			PublicKeyAlgorithm: deref(pubAlg),
			PublicKeySize:      derefInt(keySize),
			PublicKeyCurve:     deref(curve),

			KeyUsage:               deref(keyUsage),
			ExtendedKeyUsage:       deref(extKeyUsage),
			SubjectKeyIdentifier:   deref(ski),
			AuthorityKeyIdentifier: deref(aki),
			CRLDistributionPoints:  deref(crlDP),
			OCSPResponderURL:       deref(ocspURL),
			IsCA:                   derefBool(isCA),
			PathLenConstraint:      pathLen,
			IsSelfSigned:           derefBool(isSelfSigned),

			NotBefore:        notBefore,
			NotAfter:         notAfter,
			ValidationStatus: deref(validationStatus),

			TrustChainValid:         trustChain,
			ICAOCompliant:           icaoCompliant,
			ICAOViolations:          deref(icaoViolations),
			ICAOKeyUsageCompliant:   icaoKU,
			ICAOAlgorithmCompliant:  icaoAlg,
			ICAOKeySizeCompliant:    icaoKS,
			ICAOExtensionsCompliant: icaoExt,
			SignatureValid:          sigValid,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("certificate load failed: %w", err)
	}

	s.log.Info().Int("certificates", len(out)).Msg("population loaded")
	return out, nil
}

const upsertSQL = `
	INSERT INTO ai_analysis_result (
		id, fingerprint, certificate_type, country_code,
		anomaly_score, anomaly_label, isolation_forest_score, lof_score,
		structural_anomaly_score, issuer_anomaly_score, temporal_anomaly_score,
		risk_score, risk_level, risk_factors,
		forensic_risk_score, forensic_risk_level, forensic_findings,
		feature_vector, anomaly_explanations, analysis_version, analyzed_at
	) VALUES (
		$1, $2, $3, $4,
		$5, $6, $7, $8,
		$9, $10, $11,
		$12, $13, $14,
		$15, $16, $17,
		$18, $19, $20, NOW()
	)
	ON CONFLICT (fingerprint) DO UPDATE SET
		anomaly_score = EXCLUDED.anomaly_score,
		anomaly_label = EXCLUDED.anomaly_label,
		isolation_forest_score = EXCLUDED.isolation_forest_score,
		lof_score = EXCLUDED.lof_score,
		structural_anomaly_score = EXCLUDED.structural_anomaly_score,
		issuer_anomaly_score = EXCLUDED.issuer_anomaly_score,
		temporal_anomaly_score = EXCLUDED.temporal_anomaly_score,
		risk_score = EXCLUDED.risk_score,
		risk_level = EXCLUDED.risk_level,
		risk_factors = EXCLUDED.risk_factors,
		forensic_risk_score = EXCLUDED.forensic_risk_score,
		forensic_risk_level = EXCLUDED.forensic_risk_level,
		forensic_findings = EXCLUDED.forensic_findings,
		feature_vector = EXCLUDED.feature_vector,
		anomaly_explanations = EXCLUDED.anomaly_explanations,
		analysis_version = EXCLUDED.analysis_version,
		analyzed_at = NOW()
`

// UpsertAnalysisResults writes one batch in a single transaction. The
// structured columns are serialised as textual JSON so reads work the same
// against TEXT and JSONB backends.
func (s *PostgresStore) UpsertAnalysisResults(ctx context.Context, results []models.AnalysisResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for i := range results {
		r := &results[i]
		riskFactors, err := json.Marshal(r.RiskFactors)
		if err != nil {
			return fmt.Errorf("failed to serialise risk factors for %s: %w", r.Fingerprint, err)
		}
		forensicFindings, err := json.Marshal(r.ForensicFindings)
		if err != nil {
			return fmt.Errorf("failed to serialise forensic findings for %s: %w", r.Fingerprint, err)
		}
		featureVector, err := json.Marshal(r.FeatureVector)
		if err != nil {
			return fmt.Errorf("failed to serialise feature vector for %s: %w", r.Fingerprint, err)
		}
		explanations, err := json.Marshal(r.AnomalyExplanations)
		if err != nil {
			return fmt.Errorf("failed to serialise explanations for %s: %w", r.Fingerprint, err)
		}

		if _, err := tx.Exec(ctx, upsertSQL,
			uuid.NewString(), r.Fingerprint, string(r.CertificateType), r.CountryCode,
			r.AnomalyScore, r.AnomalyLabel, r.IsolationForestScore, r.LOFScore,
			r.StructuralAnomalyScore, r.IssuerAnomalyScore, r.TemporalAnomalyScore,
			r.RiskScore, r.RiskLevel, string(riskFactors),
			r.ForensicRiskScore, r.ForensicRiskLevel, string(forensicFindings),
			string(featureVector), string(explanations), r.AnalysisVersion,
		); err != nil {
			return fmt.Errorf("failed to upsert analysis result for %s: %w", r.Fingerprint, err)
		}
	}

	return tx.Commit(ctx)
}

const resultColumns = `
	fingerprint, certificate_type, country_code,
	anomaly_score, anomaly_label, isolation_forest_score, lof_score,
	structural_anomaly_score, issuer_anomaly_score, temporal_anomaly_score,
	risk_score, risk_level, risk_factors,
	forensic_risk_score, forensic_risk_level, forensic_findings,
	feature_vector, anomaly_explanations, analysis_version, analyzed_at
`

func scanResult(row pgx.Row) (*models.AnalysisResult, error) {
	var (
		r                                 models.AnalysisResult
		certType, country, label          *string
		riskLevel, forensicLevel, version *string
		riskFactors, forensicFindings     []byte
		featureVector, explanations       []byte
		analyzedAt                        *time.Time
	)

	if err := row.Scan(
		&r.Fingerprint, &certType, &country,
		&r.AnomalyScore, &label, &r.IsolationForestScore, &r.LOFScore,
		&r.StructuralAnomalyScore, &r.IssuerAnomalyScore, &r.TemporalAnomalyScore,
		&r.RiskScore, &riskLevel, &riskFactors,
		&r.ForensicRiskScore, &forensicLevel, &forensicFindings,
		&featureVector, &explanations, &version, &analyzedAt,
	); err != nil {
		return nil, err
	}

	r.CertificateType = models.CertificateType(deref(certType))
	r.CountryCode = deref(country)
	r.AnomalyLabel = deref(label)
	r.RiskLevel = deref(riskLevel)
	r.ForensicRiskLevel = deref(forensicLevel)
	r.AnalysisVersion = deref(version)
	if analyzedAt != nil {
		r.AnalyzedAt = *analyzedAt
	}

	// JSON columns arrive as text or jsonb depending on the backend; both
	// scan to []byte.
	if len(riskFactors) > 0 {
		_ = json.Unmarshal(riskFactors, &r.RiskFactors)
	}
	if r.RiskFactors == nil {
		r.RiskFactors = map[string]float64{}
	}
	if len(forensicFindings) > 0 {
		_ = json.Unmarshal(forensicFindings, &r.ForensicFindings)
	}
	if len(featureVector) > 0 {
		_ = json.Unmarshal(featureVector, &r.FeatureVector)
	}
	if len(explanations) > 0 {
		_ = json.Unmarshal(explanations, &r.AnomalyExplanations)
	}
	if r.AnomalyExplanations == nil {
		r.AnomalyExplanations = []string{}
	}
	return &r, nil
}

// GetAnalysisResult fetches one stored row by fingerprint; pgx.ErrNoRows
// when absent.
func (s *PostgresStore) GetAnalysisResult(ctx context.Context, fingerprint string) (*models.AnalysisResult, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT "+resultColumns+" FROM ai_analysis_result WHERE fingerprint = $1", fingerprint)
	return scanResult(row)
}

// AnomalyFilter narrows ListAnomalies.
type AnomalyFilter struct {
	Country   string
	CertType  string
	Label     string
	RiskLevel string
	Page      int
	Size      int
}

// ListAnomalies returns stored analysis rows ordered by anomaly score,
// filtered and paginated, plus the total match count.
func (s *PostgresStore) ListAnomalies(ctx context.Context, filter AnomalyFilter) ([]models.AnalysisResult, int, error) {
	where := "1=1"
	args := []any{}
	add := func(column, val string) {
		args = append(args, val)
		where += fmt.Sprintf(" AND %s = $%d", column, len(args))
	}
	if filter.Country != "" {
		add("country_code", filter.Country)
	}
	if filter.CertType != "" {
		add("certificate_type", filter.CertType)
	}
	if filter.Label != "" {
		add("anomaly_label", filter.Label)
	}
	if filter.RiskLevel != "" {
		add("risk_level", filter.RiskLevel)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		"SELECT COUNT(*) FROM ai_analysis_result WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	size := filter.Size
	if size <= 0 || size > 100 {
		size = 20
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, size, (page-1)*size)

	query := fmt.Sprintf(
		"SELECT %s FROM ai_analysis_result WHERE %s ORDER BY anomaly_score DESC LIMIT $%d OFFSET $%d",
		resultColumns, where, len(args)-1, len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	results := []models.AnalysisResult{}
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, 0, err
		}
		results = append(results, *r)
	}
	return results, total, rows.Err()
}

// LevelCount is one (level, count, avg anomaly) aggregation row.
type LevelCount struct {
	Level           string  `json:"level"`
	Count           int     `json:"count"`
	AvgAnomalyScore float64 `json:"avgAnomalyScore"`
}

// RiskDistribution aggregates stored rows by the given level column
// ("risk_level" or "forensic_risk_level"), ordered CRITICAL→LOW.
func (s *PostgresStore) RiskDistribution(ctx context.Context, column string) ([]LevelCount, int, error) {
	switch column {
	case "risk_level", "forensic_risk_level":
	default:
		return nil, 0, fmt.Errorf("invalid level column: %s", column)
	}

	var total int
	if err := s.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM ai_analysis_result WHERE %s IS NOT NULL", column)).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT %s, COUNT(*) AS cnt, COALESCE(AVG(anomaly_score), 0) AS avg_anomaly
		FROM ai_analysis_result
		WHERE %s IS NOT NULL
		GROUP BY %s
		ORDER BY CASE %s
			WHEN 'CRITICAL' THEN 1
			WHEN 'HIGH' THEN 2
			WHEN 'MEDIUM' THEN 3
			WHEN 'LOW' THEN 4
			ELSE 5
		END`, column, column, column, column)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []LevelCount
	for rows.Next() {
		var lc LevelCount
		if err := rows.Scan(&lc.Level, &lc.Count, &lc.AvgAnomalyScore); err != nil {
			return nil, 0, err
		}
		out = append(out, lc)
	}
	return out, total, rows.Err()
}

// CountryAnomalyCount is one country's anomaly tally for the statistics
// endpoint.
type CountryAnomalyCount struct {
	Country     string  `json:"country"`
	Total       int     `json:"total"`
	Anomalous   int     `json:"anomalous"`
	AnomalyRate float64 `json:"anomalyRate"`
}

// Statistics is the aggregate view over all stored analysis rows.
type Statistics struct {
	TotalAnalyzed         int                   `json:"totalAnalyzed"`
	NormalCount           int                   `json:"normalCount"`
	SuspiciousCount       int                   `json:"suspiciousCount"`
	AnomalousCount        int                   `json:"anomalousCount"`
	RiskDistribution      map[string]int        `json:"riskDistribution"`
	AvgRiskScore          float64               `json:"avgRiskScore"`
	TopAnomalousCountries []CountryAnomalyCount `json:"topAnomalousCountries"`
	LastAnalysisAt        *time.Time            `json:"lastAnalysisAt"`
}

// GetStatistics computes the dashboard aggregates.
func (s *PostgresStore) GetStatistics(ctx context.Context) (*Statistics, error) {
	stats := &Statistics{RiskDistribution: map[string]int{}}

	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE anomaly_label = 'NORMAL'),
		       COUNT(*) FILTER (WHERE anomaly_label = 'SUSPICIOUS'),
		       COUNT(*) FILTER (WHERE anomaly_label = 'ANOMALOUS'),
		       COALESCE(AVG(risk_score), 0),
		       MAX(analyzed_at)
		FROM ai_analysis_result`).Scan(
		&stats.TotalAnalyzed, &stats.NormalCount, &stats.SuspiciousCount,
		&stats.AnomalousCount, &stats.AvgRiskScore, &stats.LastAnalysisAt)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx,
		"SELECT risk_level, COUNT(*) FROM ai_analysis_result WHERE risk_level IS NOT NULL GROUP BY risk_level")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		stats.RiskDistribution[level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	countryRows, err := s.pool.Query(ctx, `
		SELECT country_code,
		       COUNT(*) AS total,
		       COUNT(*) FILTER (WHERE anomaly_label = 'ANOMALOUS') AS anomalous
		FROM ai_analysis_result
		GROUP BY country_code
		HAVING COUNT(*) FILTER (WHERE anomaly_label = 'ANOMALOUS') > 0
		ORDER BY anomalous DESC
		LIMIT 10`)
	if err != nil {
		return nil, err
	}
	defer countryRows.Close()
	for countryRows.Next() {
		var c CountryAnomalyCount
		if err := countryRows.Scan(&c.Country, &c.Total, &c.Anomalous); err != nil {
			return nil, err
		}
		if c.Total > 0 {
			c.AnomalyRate = float64(c.Anomalous) / float64(c.Total)
		}
		stats.TopAnomalousCountries = append(stats.TopAnomalousCountries, c)
	}
	return stats, countryRows.Err()
}

// LoadForensicReports reads every stored forensic_findings payload for the
// summary report.
func (s *PostgresStore) LoadForensicReports(ctx context.Context) ([]models.ForensicReport, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT forensic_findings FROM ai_analysis_result WHERE forensic_findings IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reports []models.ForensicReport
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var report models.ForensicReport
		if err := json.Unmarshal(raw, &report); err != nil {
			// One corrupt payload should not sink the whole summary.
			s.log.Warn().Err(err).Msg("skipping unparseable forensic_findings payload")
			continue
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// CountryDistributions returns the stored risk-level and anomaly-label
// counts for one country plus its five highest-scoring rows.
func (s *PostgresStore) CountryDistributions(ctx context.Context, country string) (riskDist, anomalyDist map[string]int, top []models.AnalysisResult, err error) {
	riskDist = map[string]int{}
	anomalyDist = map[string]int{}

	rows, err := s.pool.Query(ctx,
		"SELECT risk_level, COUNT(*) FROM ai_analysis_result WHERE country_code = $1 AND risk_level IS NOT NULL GROUP BY risk_level", country)
	if err != nil {
		return nil, nil, nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, nil, nil, err
		}
		riskDist[level] = count
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, err
	}

	labelRows, err := s.pool.Query(ctx,
		"SELECT anomaly_label, COUNT(*) FROM ai_analysis_result WHERE country_code = $1 AND anomaly_label IS NOT NULL GROUP BY anomaly_label", country)
	if err != nil {
		return nil, nil, nil, err
	}
	defer labelRows.Close()
	for labelRows.Next() {
		var label string
		var count int
		if err := labelRows.Scan(&label, &count); err != nil {
			return nil, nil, nil, err
		}
		anomalyDist[label] = count
	}
	if err := labelRows.Err(); err != nil {
		return nil, nil, nil, err
	}

	topRows, err := s.pool.Query(ctx,
		"SELECT "+resultColumns+" FROM ai_analysis_result WHERE country_code = $1 ORDER BY anomaly_score DESC LIMIT 5", country)
	if err != nil {
		return nil, nil, nil, err
	}
	defer topRows.Close()
	for topRows.Next() {
		r, err := scanResult(topRows)
		if err != nil {
			return nil, nil, nil, err
		}
		top = append(top, *r)
	}
	return riskDist, anomalyDist, top, topRows.Err()
}

package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/internal/analysis"
	"github.com/localpkd/forensics-engine/internal/db"
	"github.com/localpkd/forensics-engine/pkg/models"
)

var (
	fingerprintPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	countryPattern     = regexp.MustCompile(`^[A-Z]{2,3}$`)
)

// Options carries the API-facing configuration.
type Options struct {
	AllowedOrigins  string
	AuthToken       string
	ModelVersion    string
	AnalysisEnabled bool
}

type APIHandler struct {
	store    *db.PostgresStore
	pipeline *analysis.Pipeline
	wsHub    *Hub
	opts     Options
	log      zerolog.Logger
}

// SetupRouter builds the full gin engine: health, analysis control, result
// queries, reports, the websocket stream and Prometheus metrics.
func SetupRouter(store *db.PostgresStore, pipeline *analysis.Pipeline, wsHub *Hub, opts Options, registry *prometheus.Registry, log zerolog.Logger) *gin.Engine {
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())

	// CORS: allow-list via ALLOWED_ORIGINS (comma-separated), * by default.
	allowedOrigins := opts.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	handler := &APIHandler{
		store:    store,
		pipeline: pipeline,
		wsHub:    wsHub,
		opts:     opts,
		log:      log.With().Str("component", "api").Logger(),
	}

	if registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	// ── Public endpoints (no auth) ─────────────────────────────
	pub := r.Group("/api/ai")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", wsHub.Subscribe)
		pub.GET("/analyze/status", handler.handleAnalysisStatus)
	}

	// ── Protected endpoints (require bearer token if configured) ──
	auth := r.Group("/api/ai")
	auth.Use(AuthMiddleware(opts.AuthToken, handler.log))
	{
		auth.POST("/analyze", handler.handleStartAnalysis)
		auth.GET("/certificate/:fingerprint", handler.handleCertificateAnalysis)
		auth.GET("/anomalies", handler.handleListAnomalies)
		auth.GET("/statistics", handler.handleStatistics)

		// Report endpoints reload the population; keep them behind a limiter.
		reports := auth.Group("/reports")
		reports.Use(NewRateLimiter(30, 5).Middleware())
		{
			reports.GET("/country-maturity", handler.handleCountryMaturity)
			reports.GET("/algorithm-trends", handler.handleAlgorithmTrends)
			reports.GET("/key-size-distribution", handler.handleKeySizeDistribution)
			reports.GET("/risk-distribution", handler.handleRiskDistribution)
			reports.GET("/forensic-summary", handler.handleForensicSummary)
			reports.GET("/issuer-profiles", handler.handleIssuerProfiles)
			reports.GET("/extension-anomalies", handler.handleExtensionAnomalies)
			reports.GET("/country/:code", handler.handleCountryReport)
		}
	}

	return r
}

// handleHealth reports engine status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"service":         "pkd-forensics-engine",
		"version":         h.opts.ModelVersion,
		"analysisEnabled": h.opts.AnalysisEnabled,
		"dbConnected":     h.store != nil,
	})
}

// handleStartAnalysis launches the pipeline in the background.
// POST /api/ai/analyze → 202, or 409 while a run is in flight.
func (h *APIHandler) handleStartAnalysis(c *gin.Context) {
	if err := h.pipeline.Start(context.WithoutCancel(c.Request.Context())); err != nil {
		if errors.Is(err, analysis.ErrStateConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "Analysis already running"})
			return
		}
		h.log.Error().Err(err).Msg("failed to start analysis")
		c.JSON(http.StatusInternalServerError, gin.H{"error": analysis.GenericFailureMessage})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"success": true, "message": "Analysis started"})
}

// handleAnalysisStatus returns the job-state record verbatim.
func (h *APIHandler) handleAnalysisStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.pipeline.Status())
}

// handleCertificateAnalysis returns the stored analysis row for one
// certificate.
func (h *APIHandler) handleCertificateAnalysis(c *gin.Context) {
	fingerprint := strings.ToLower(c.Param("fingerprint"))
	if !fingerprintPattern.MatchString(fingerprint) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid fingerprint format", "hint": "64 hex characters expected"})
		return
	}

	result, err := h.store.GetAnalysisResult(c.Request.Context(), fingerprint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Analysis not found for this certificate"})
			return
		}
		h.serverError(c, err, "failed to fetch analysis result")
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleListAnomalies lists stored results with filters and pagination.
func (h *APIHandler) handleListAnomalies(c *gin.Context) {
	filter := db.AnomalyFilter{
		Label:     c.Query("label"),
		RiskLevel: c.Query("risk_level"),
	}
	if country := strings.ToUpper(c.Query("country")); country != "" {
		if !countryPattern.MatchString(country) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid country code"})
			return
		}
		filter.Country = country
	}
	if certType := c.Query("type"); certType != "" {
		if !models.CertificateType(certType).IsSupported() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid certificate type"})
			return
		}
		filter.CertType = certType
	}
	filter.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	filter.Size, _ = strconv.Atoi(c.DefaultQuery("size", "20"))

	items, total, err := h.store.ListAnomalies(c.Request.Context(), filter)
	if err != nil {
		h.serverError(c, err, "failed to list anomalies")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"items":   items,
		"total":   total,
		"page":    filter.Page,
		"size":    filter.Size,
	})
}

// handleStatistics returns the aggregate analysis dashboard numbers.
func (h *APIHandler) handleStatistics(c *gin.Context) {
	stats, err := h.store.GetStatistics(c.Request.Context())
	if err != nil {
		h.serverError(c, err, "failed to compute statistics")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"statistics":   stats,
		"modelVersion": h.opts.ModelVersion,
	})
}

// loadFrame pulls the population for the report computers; every report
// handler funnels load failures through the same generic message.
func (h *APIHandler) loadFrame(c *gin.Context) ([]models.CertificateRecord, bool) {
	rows, err := h.store.LoadCertificates(c.Request.Context())
	if err != nil {
		h.serverError(c, err, "failed to load certificate population")
		return nil, false
	}
	return rows, true
}

func (h *APIHandler) handleCountryMaturity(c *gin.Context) {
	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, analysis.ComputeCountryMaturity(rows))
}

func (h *APIHandler) handleAlgorithmTrends(c *gin.Context) {
	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, analysis.ComputeAlgorithmTrends(rows))
}

func (h *APIHandler) handleKeySizeDistribution(c *gin.Context) {
	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, analysis.ComputeKeySizeDistribution(rows))
}

// handleRiskDistribution serves both composites: ?kind=forensic switches to
// the forensic levels.
func (h *APIHandler) handleRiskDistribution(c *gin.Context) {
	column := "risk_level"
	if c.Query("kind") == "forensic" {
		column = "forensic_risk_level"
	}
	dist, total, err := h.store.RiskDistribution(c.Request.Context(), column)
	if err != nil {
		h.serverError(c, err, "failed to compute risk distribution")
		return
	}
	type entry struct {
		RiskLevel       string  `json:"riskLevel"`
		Count           int     `json:"count"`
		Percentage      float64 `json:"percentage"`
		AvgAnomalyScore float64 `json:"avgAnomalyScore"`
	}
	out := make([]entry, 0, len(dist))
	for _, lc := range dist {
		pct := 0.0
		if total > 0 {
			pct = float64(lc.Count) / float64(total) * 100
		}
		out = append(out, entry{
			RiskLevel:       lc.Level,
			Count:           lc.Count,
			Percentage:      pct,
			AvgAnomalyScore: lc.AvgAnomalyScore,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (h *APIHandler) handleForensicSummary(c *gin.Context) {
	reports, err := h.store.LoadForensicReports(c.Request.Context())
	if err != nil {
		h.serverError(c, err, "failed to load forensic reports")
		return
	}
	c.JSON(http.StatusOK, analysis.SummarizeForensics(reports))
}

func (h *APIHandler) handleIssuerProfiles(c *gin.Context) {
	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}
	profiles := analysis.BuildIssuerProfiles(rows)
	c.JSON(http.StatusOK, analysis.IssuerProfileReport(profiles))
}

func (h *APIHandler) handleExtensionAnomalies(c *gin.Context) {
	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}

	if certType := c.Query("type"); certType != "" {
		rows = filterRows(rows, func(r *models.CertificateRecord) bool {
			return string(r.CertificateType) == certType
		})
	}
	if country := strings.ToUpper(c.Query("country")); country != "" {
		rows = filterRows(rows, func(r *models.CertificateRecord) bool {
			return r.CountryCode == country
		})
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if limit < 1 || limit > 200 {
		limit = 50
	}

	results := analysis.ComputeExtensionAnomalies(rows)
	if len(results) > limit {
		results = results[:limit]
	}
	c.JSON(http.StatusOK, gin.H{
		"items":   results,
		"summary": analysis.SummarizeExtensionAnomalies(rows),
	})
}

// handleCountryReport is the drill-down for one country: frame
// distributions merged with stored analysis aggregates.
func (h *APIHandler) handleCountryReport(c *gin.Context) {
	code := strings.ToUpper(c.Param("code"))
	if !countryPattern.MatchString(code) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid country code"})
		return
	}

	rows, ok := h.loadFrame(c)
	if !ok {
		return
	}
	detail := analysis.ComputeCountryDetail(rows, code)
	if detail == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "No data for country " + code})
		return
	}

	riskDist, anomalyDist, topAnomalies, err := h.store.CountryDistributions(c.Request.Context(), code)
	if err != nil {
		h.serverError(c, err, "failed to load country distributions")
		return
	}

	var maturity *analysis.CountryMaturity
	for _, m := range analysis.ComputeCountryMaturity(rows) {
		if m.CountryCode == code {
			entry := m
			maturity = &entry
			break
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"success":             true,
		"detail":              detail,
		"riskDistribution":    riskDist,
		"anomalyDistribution": anomalyDist,
		"maturity":            maturity,
		"topAnomalies":        topAnomalies,
	})
}

// serverError logs the cause and returns the generic message only.
func (h *APIHandler) serverError(c *gin.Context, err error, msg string) {
	h.log.Error().Err(err).Msg(msg)
	c.JSON(http.StatusInternalServerError, gin.H{"error": analysis.GenericFailureMessage})
}

func filterRows(rows []models.CertificateRecord, keep func(*models.CertificateRecord) bool) []models.CertificateRecord {
	out := rows[:0:0]
	for i := range rows {
		if keep(&rows[i]) {
			out = append(out, rows[i])
		}
	}
	return out
}

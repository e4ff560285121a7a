package analysis

import (
	"fmt"
	"math"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/localpkd/forensics-engine/pkg/models"
)

func testDetector() *Detector {
	return &Detector{
		LegacyContamination: 0.05,
		LegacyLOFNeighbors:  20,
		Log:                 zerolog.Nop(),
	}
}

// syntheticPopulation builds count DSC rows with mild variation plus one
// glaring outlier at the end.
func syntheticPopulation(count int) ([]models.CertificateRecord, []models.CertificateType) {
	rows := make([]models.CertificateRecord, 0, count+1)
	for i := 0; i < count; i++ {
		cert := issuedDSC(fmt.Sprintf("fp%04d", i), 2048+(i%4)*256)
		nb := testNow.AddDate(-1, -(i % 12), 0)
		na := nb.AddDate(3, 0, 0)
		cert.NotBefore = &nb
		cert.NotAfter = &na
		cert.SubjectDN = fmt.Sprintf("CN=Signer %d, O=Gov, C=KR", i)
		cert.AuthorityKeyIdentifier = "aki"
		cert.SubjectKeyIdentifier = "ski"
		cert.CRLDistributionPoints = "crl"
		rows = append(rows, cert)
	}

	outlier := issuedDSC("fpoutlier", 512)
	outlier.SignatureAlgorithm = "sha1WithRSAEncryption"
	outlier.ICAOCompliant = boolPtr(false)
	nb := testNow.AddDate(-20, 0, 0)
	na := nb.AddDate(40, 0, 0)
	outlier.NotBefore = &nb
	outlier.NotAfter = &na
	outlier.SubjectDN = "CN=Odd"
	rows = append(rows, outlier)

	types := make([]models.CertificateType, len(rows))
	for i := range rows {
		types[i] = rows[i].CertificateType
	}
	return rows, types
}

func TestFitPredict_ScoresInRange(t *testing.T) {
	rows, types := syntheticPopulation(40)
	_, features, _ := EngineerFeatures(rows, testNow)

	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}

	for i := range rows {
		for _, score := range []float64{res.Combined[i], res.IFScores[i], res.LOFScores[i]} {
			if score < 0 || score > 1 || math.IsNaN(score) {
				t.Errorf("Row %d: score %v out of [0,1]", i, score)
			}
		}
		want := 0.6*res.IFScores[i] + 0.4*res.LOFScores[i]
		if math.Abs(res.Combined[i]-want) > 1e-12 {
			t.Errorf("Row %d: combined %v != 0.6·if + 0.4·lof (%v)", i, res.Combined[i], want)
		}
	}
}

func TestFitPredict_NormalizationHitsEndpoints(t *testing.T) {
	rows, types := syntheticPopulation(40)
	_, features, _ := EngineerFeatures(rows, testNow)

	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}

	minIF, maxIF := 1.0, 0.0
	for i := range rows {
		minIF = math.Min(minIF, res.IFScores[i])
		maxIF = math.Max(maxIF, res.IFScores[i])
	}
	if minIF != 0 || maxIF != 1 {
		t.Errorf("Min-max normalised IF scores should span [0,1], got [%v, %v]", minIF, maxIF)
	}
}

func TestFitPredict_OutlierScoresHighest(t *testing.T) {
	rows, types := syntheticPopulation(40)
	_, features, _ := EngineerFeatures(rows, testNow)

	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}

	outlierIdx := len(rows) - 1
	best := 0
	for i := range rows {
		if res.Combined[i] > res.Combined[best] {
			best = i
		}
	}
	if best != outlierIdx {
		t.Errorf("Expected the planted outlier (row %d) to score highest, got row %d (%v vs %v)",
			outlierIdx, best, res.Combined[outlierIdx], res.Combined[best])
	}
}

func TestFitPredict_Deterministic(t *testing.T) {
	rows, types := syntheticPopulation(35)
	_, features, _ := EngineerFeatures(rows, testNow)

	d := testDetector()
	first, err := d.FitPredict(features, types)
	if err != nil {
		t.Fatal(err)
	}
	second, err := d.FitPredict(features, types)
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first.IFScores, second.IFScores) {
		t.Error("Isolation forest scores differ across runs with the fixed seed")
	}
	if !reflect.DeepEqual(first.Combined, second.Combined) {
		t.Error("Combined scores differ across runs")
	}
}

func TestFitPredict_SmallSubsetFallback(t *testing.T) {
	// Five MLSC rows are below the type's min sample count (10): the MAD
	// fallback fills all three scores identically.
	var rows []models.CertificateRecord
	for i := 0; i < 5; i++ {
		cert := models.CertificateRecord{
			Fingerprint:        fmt.Sprintf("ml%02d", i),
			CertificateType:    models.TypeMLSC,
			CountryCode:        "KR",
			SignatureAlgorithm: "sha256WithRSAEncryption",
			PublicKeyAlgorithm: "RSA",
			PublicKeySize:      2048 + i*512,
			ExtendedKeyUsage:   "mlSigning",
		}
		nb := testNow.AddDate(-i, 0, 0)
		na := nb.AddDate(2+i, 0, 0)
		cert.NotBefore = &nb
		cert.NotAfter = &na
		rows = append(rows, cert)
	}
	types := make([]models.CertificateType, len(rows))
	for i := range rows {
		types[i] = models.TypeMLSC
	}

	_, features, _ := EngineerFeatures(rows, testNow)
	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}

	for i := range rows {
		if res.IFScores[i] != res.Combined[i] || res.LOFScores[i] != res.Combined[i] {
			t.Errorf("Row %d: fallback should fill if=lof=combined, got if=%v lof=%v combined=%v",
				i, res.IFScores[i], res.LOFScores[i], res.Combined[i])
		}
		if res.Combined[i] < 0 || res.Combined[i] > 1 {
			t.Errorf("Row %d: fallback score %v out of [0,1]", i, res.Combined[i])
		}
	}
}

func TestFitPredict_MixedTypesPartitioned(t *testing.T) {
	// 35 DSCs (modelled) plus 5 MLSCs (fallback) in one call.
	rows, types := syntheticPopulation(34)
	for i := 0; i < 5; i++ {
		cert := models.CertificateRecord{
			Fingerprint:      fmt.Sprintf("mx%02d", i),
			CertificateType:  models.TypeMLSC,
			CountryCode:      "DE",
			ExtendedKeyUsage: "mlSigning",
			PublicKeySize:    2048,
		}
		rows = append(rows, cert)
		types = append(types, models.TypeMLSC)
	}

	_, features, _ := EngineerFeatures(rows, testNow)
	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}
	for i := range rows {
		if math.IsNaN(res.Combined[i]) {
			t.Errorf("Row %d (%s): NaN combined score", i, types[i])
		}
	}
}

func TestFitPredict_LegacySingleModel(t *testing.T) {
	rows, _ := syntheticPopulation(40)
	_, features, _ := EngineerFeatures(rows, testNow)

	res, err := testDetector().FitPredict(features, nil)
	if err != nil {
		t.Fatalf("Legacy FitPredict failed: %v", err)
	}
	if len(res.Combined) != len(rows) {
		t.Fatalf("Expected %d scores, got %d", len(rows), len(res.Combined))
	}
	for i, score := range res.Combined {
		if score < 0 || score > 1 {
			t.Errorf("Row %d: legacy score %v out of [0,1]", i, score)
		}
	}
}

func TestFitPredict_Explanations(t *testing.T) {
	rows, types := syntheticPopulation(40)
	_, features, _ := EngineerFeatures(rows, testNow)

	res, err := testDetector().FitPredict(features, types)
	if err != nil {
		t.Fatalf("FitPredict failed: %v", err)
	}

	for i := range rows {
		explanations := res.Explanations[i]
		if len(explanations) > 5 {
			t.Errorf("Row %d: %d explanations, max is 5", i, len(explanations))
		}
		if res.Combined[i] < 0.3 && len(explanations) != 0 {
			t.Errorf("Row %d: below-threshold rows must have no explanations", i)
		}
	}

	// The planted outlier is far above the suspicious bar and must come
	// with localised σ-deviation strings.
	outlier := len(rows) - 1
	if res.Combined[outlier] >= 0.3 && len(res.Explanations[outlier]) == 0 {
		t.Error("Expected explanations for the planted outlier")
	}
}

func TestClassifyAnomaly(t *testing.T) {
	tests := []struct {
		score    float64
		expected string
	}{
		{0.9, models.LabelAnomalous},
		{0.7, models.LabelAnomalous},
		{0.69, models.LabelSuspicious},
		{0.3, models.LabelSuspicious},
		{0.29, models.LabelNormal},
		{0.0, models.LabelNormal},
	}
	for _, tt := range tests {
		if got := ClassifyAnomaly(tt.score); got != tt.expected {
			t.Errorf("ClassifyAnomaly(%v) = %s, want %s", tt.score, got, tt.expected)
		}
	}
}

func TestFitPredict_EmptyMatrix(t *testing.T) {
	res, err := testDetector().FitPredict(nil, nil)
	if err != nil {
		t.Fatalf("Empty fit should not error: %v", err)
	}
	if len(res.Combined) != 0 {
		t.Errorf("Expected empty result, got %d scores", len(res.Combined))
	}
}

func TestParamsFor(t *testing.T) {
	if p := ParamsFor(models.TypeMLSC); p.MinSamples != 10 || p.LOFNeighbors != 5 {
		t.Errorf("Unexpected MLSC params: %+v", p)
	}
	if p := ParamsFor(models.CertificateType("UNKNOWN")); p != ParamsFor(models.TypeDSC) {
		t.Errorf("Unknown type should fall back to DSC params, got %+v", p)
	}
}

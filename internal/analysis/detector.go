package analysis

import (
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// Dual-model anomaly detection: Isolation Forest (global structure) + LOF
// (local density), combined 60/40. Models are fit independently per
// certificate type, each on its own standardised subset, so a CSCA is only
// ever compared against the CSCA population. Subsets too small to support a
// model fall back to a robust MAD distance score.

// DetectorParams are the per-type model parameters. Contamination is the
// expected anomaly share the parameters were tuned against; neither the
// continuous scores nor the labels threshold on it (labels come from the
// fixed thresholds in ClassifyAnomaly).
type DetectorParams struct {
	Contamination float64
	LOFNeighbors  int
	MinSamples    int
}

var typeParams = map[models.CertificateType]DetectorParams{
	models.TypeCSCA:  {Contamination: 0.05, LOFNeighbors: 15, MinSamples: 30},
	models.TypeDSC:   {Contamination: 0.05, LOFNeighbors: 20, MinSamples: 30},
	models.TypeDSCNC: {Contamination: 0.10, LOFNeighbors: 15, MinSamples: 30},
	models.TypeMLSC:  {Contamination: 0.05, LOFNeighbors: 5, MinSamples: 10},
}

// ParamsFor returns a type's detector parameters; unknown types get the DSC
// defaults.
func ParamsFor(t models.CertificateType) DetectorParams {
	if p, ok := typeParams[t]; ok {
		return p
	}
	return typeParams[models.TypeDSC]
}

// Anomaly label thresholds over the combined score.
const (
	thresholdAnomalous  = 0.7
	thresholdSuspicious = 0.3
)

// ClassifyAnomaly maps a combined score to its label.
func ClassifyAnomaly(score float64) string {
	switch {
	case score >= thresholdAnomalous:
		return models.LabelAnomalous
	case score >= thresholdSuspicious:
		return models.LabelSuspicious
	default:
		return models.LabelNormal
	}
}

// Detector runs the dual-model fit. The legacy fields configure the
// single-model path used when no type vector is supplied.
type Detector struct {
	LegacyContamination float64
	LegacyLOFNeighbors  int
	Log                 zerolog.Logger
}

// DetectionResult is the row-aligned detector output.
type DetectionResult struct {
	Combined     []float64
	IFScores     []float64
	LOFScores    []float64
	Explanations [][]string
}

// FitPredict fits the models and scores every row. When certTypes is
// non-nil it must be row-aligned with features and models are fit
// independently per type; otherwise a single model covers the whole matrix.
func (d *Detector) FitPredict(features [][]float64, certTypes []models.CertificateType) (*DetectionResult, error) {
	n := len(features)
	res := &DetectionResult{
		Combined:     make([]float64, n),
		IFScores:     make([]float64, n),
		LOFScores:    make([]float64, n),
		Explanations: make([][]string, n),
	}
	if n == 0 {
		return res, nil
	}

	if certTypes == nil {
		k := d.LegacyLOFNeighbors
		if k <= 0 {
			k = 20
		}
		indices := make([]int, n)
		for i := range indices {
			indices[i] = i
		}
		d.fitSubset(features, indices, DetectorParams{
			Contamination: d.LegacyContamination,
			LOFNeighbors:  k,
			MinSamples:    2,
		}, res, "ALL")
		return res, nil
	}

	if len(certTypes) != n {
		return nil, fmt.Errorf("type vector length %d does not match %d feature rows", len(certTypes), n)
	}

	subsets := make(map[models.CertificateType][]int)
	for i, t := range certTypes {
		subsets[t] = append(subsets[t], i)
	}

	// Deterministic fit order.
	types := make([]models.CertificateType, 0, len(subsets))
	for t := range subsets {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		d.fitSubset(features, subsets[t], ParamsFor(t), res, string(t))
	}
	return res, nil
}

// fitSubset standardises one subset, fits both models (or the MAD fallback
// for small subsets) and writes scores and explanations back into the
// row-aligned result.
func (d *Detector) fitSubset(features [][]float64, indices []int, params DetectorParams, res *DetectionResult, certType string) {
	scaled := standardize(features, indices)

	if len(indices) < params.MinSamples {
		combined := madFallbackScores(scaled)
		for si, ri := range indices {
			res.Combined[ri] = combined[si]
			res.IFScores[ri] = combined[si]
			res.LOFScores[ri] = combined[si]
		}
		d.explain(scaled, indices, combined, res)
		return
	}

	ifScores, err := d.fitModels(scaled, params)
	if err != nil {
		// Model blow-up on one subset downgrades it to the fallback; the
		// rest of the run continues.
		d.Log.Error().Err(&ModelError{CertType: certType, Err: err}).
			Int("subsetSize", len(indices)).
			Msg("model fit failed, using rule-based fallback")
		combined := madFallbackScores(scaled)
		for si, ri := range indices {
			res.Combined[ri] = combined[si]
			res.IFScores[ri] = combined[si]
			res.LOFScores[ri] = combined[si]
		}
		d.explain(scaled, indices, combined, res)
		return
	}

	lofRaw := fitLOF(scaled, params.LOFNeighbors)
	lofScores := minMaxNormalize(lofRaw)

	combined := make([]float64, len(indices))
	for si := range indices {
		combined[si] = 0.6*ifScores[si] + 0.4*lofScores[si]
	}

	for si, ri := range indices {
		res.Combined[ri] = combined[si]
		res.IFScores[ri] = ifScores[si]
		res.LOFScores[ri] = lofScores[si]
	}
	d.explain(scaled, indices, combined, res)
}

// fitModels runs the Isolation Forest on an already standardised subset and
// returns its normalised scores. Panics inside the fit are converted to an
// error so a single degenerate subset cannot kill the run.
func (d *Detector) fitModels(scaled [][]float64, params DetectorParams) (ifScores []float64, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("isolation forest panic: %v", r)
		}
	}()
	forest := fitIsolationForest(scaled)
	return minMaxNormalize(forest.scores(scaled)), nil
}

// standardize extracts the subset rows and scales each column to zero mean,
// unit variance (constant columns are left at zero).
func standardize(features [][]float64, indices []int) [][]float64 {
	nCols := 0
	if len(indices) > 0 {
		nCols = len(features[indices[0]])
	}
	means := make([]float64, nCols)
	stds := make([]float64, nCols)

	col := make([]float64, len(indices))
	for j := 0; j < nCols; j++ {
		for si, ri := range indices {
			col[si] = features[ri][j]
		}
		means[j] = stat.Mean(col, nil)
		stds[j] = stat.PopStdDev(col, nil)
	}

	scaled := make([][]float64, len(indices))
	for si, ri := range indices {
		row := make([]float64, nCols)
		for j := 0; j < nCols; j++ {
			if stds[j] > 1e-10 {
				row[j] = (features[ri][j] - means[j]) / stds[j]
			}
		}
		scaled[si] = row
	}
	return scaled
}

// minMaxNormalize rescales to [0, 1]; a constant vector collapses to zeros.
func minMaxNormalize(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo := floats.Min(scores)
	hi := floats.Max(scores)
	if hi-lo < 1e-10 {
		return out
	}
	for i, s := range scores {
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

// madFallbackScores scores a standardised subset without any model: the mean
// of each row's ten largest |x − median|/MAD deviations, divided by 5 and
// capped at 1. MAD values below 1e-10 are treated as 1.
func madFallbackScores(scaled [][]float64) []float64 {
	n := len(scaled)
	out := make([]float64, n)
	if n == 0 {
		return out
	}
	nCols := len(scaled[0])

	medians := make([]float64, nCols)
	mads := make([]float64, nCols)
	col := make([]float64, n)
	dev := make([]float64, n)
	for j := 0; j < nCols; j++ {
		for i := 0; i < n; i++ {
			col[i] = scaled[i][j]
		}
		medians[j] = median(col)
		for i := 0; i < n; i++ {
			dev[i] = math.Abs(col[i] - medians[j])
		}
		mads[j] = median(dev)
		if mads[j] < 1e-10 {
			mads[j] = 1
		}
	}

	row := make([]float64, nCols)
	for i := 0; i < n; i++ {
		for j := 0; j < nCols; j++ {
			row[j] = math.Abs(scaled[i][j]-medians[j]) / mads[j]
		}
		sort.Sort(sort.Reverse(sort.Float64Slice(row)))
		top := row
		if len(top) > 10 {
			top = top[:10]
		}
		out[i] = math.Min(stat.Mean(top, nil)/5.0, 1.0)
	}
	return out
}

func median(xs []float64) float64 {
	tmp := make([]float64, len(xs))
	copy(tmp, xs)
	sort.Float64s(tmp)
	n := len(tmp)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return tmp[n/2]
	}
	return (tmp[n/2-1] + tmp[n/2]) / 2
}

// explain emits the top-5 σ-deviation explanations for every subset row
// whose combined score reaches the suspicious threshold.
func (d *Detector) explain(scaled [][]float64, indices []int, combined []float64, res *DetectionResult) {
	n := len(scaled)
	if n == 0 {
		return
	}
	nCols := len(scaled[0])

	means := make([]float64, nCols)
	stds := make([]float64, nCols)
	col := make([]float64, n)
	for j := 0; j < nCols; j++ {
		for i := 0; i < n; i++ {
			col[i] = scaled[i][j]
		}
		means[j] = stat.Mean(col, nil)
		stds[j] = stat.PopStdDev(col, nil)
		if stds[j] < 1e-10 {
			stds[j] = 1
		}
	}

	for si, ri := range indices {
		if combined[si] < thresholdSuspicious {
			res.Explanations[ri] = []string{}
			continue
		}

		type deviation struct {
			idx   int
			value float64
		}
		devs := make([]deviation, nCols)
		for j := 0; j < nCols; j++ {
			devs[j] = deviation{idx: j, value: math.Abs(scaled[si][j]-means[j]) / stds[j]}
		}
		sort.SliceStable(devs, func(a, b int) bool { return devs[a].value > devs[b].value })

		explanations := []string{}
		for _, dv := range devs[:minInt(5, nCols)] {
			if dv.value <= 1.0 {
				continue
			}
			direction := "높음"
			if scaled[si][dv.idx] <= means[dv.idx] {
				direction = "낮음"
			}
			name := ""
			if dv.idx < len(FeatureNames) {
				name = FeatureNames[dv.idx]
			}
			explanations = append(explanations,
				fmt.Sprintf("%s: 평균 대비 %.1fσ %s", FeatureLabel(name), dv.value, direction))
		}
		res.Explanations[ri] = explanations
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

package analysis

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Only the generic message ever leaves the
// process; the wrapped cause goes to the log sink.

// ErrStateConflict is returned when a run is requested while another run is
// in RUNNING. It is surfaced to the caller and is not a run failure.
var ErrStateConflict = errors.New("analysis already running")

// DataSourceError wraps a failed load from the certificate store. A run that
// hits one ends FAILED.
type DataSourceError struct {
	Err error
}

func (e *DataSourceError) Error() string {
	return fmt.Sprintf("certificate store unavailable: %v", e.Err)
}

func (e *DataSourceError) Unwrap() error { return e.Err }

// FeatureError reports structurally malformed input values that were
// zero-filled during feature engineering. The run continues; the error only
// goes to the log sink.
type FeatureError struct {
	Cells int
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("%d malformed feature cells zero-filled", e.Cells)
}

// WriteError wraps a failed result batch commit. The run ends FAILED;
// previously committed batches are left in place for the next run to
// overwrite.
type WriteError struct {
	Batch int
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("result batch %d commit failed: %v", e.Batch, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// ModelError wraps a detector fit failure on one type subset. The subset is
// downgraded to the rule-based fallback and the run continues.
type ModelError struct {
	CertType string
	Err      error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model fit failed for type %s: %v", e.CertType, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// GenericFailureMessage is the only failure text exposed outside the
// process. Diagnostics stay in the logs.
const GenericFailureMessage = "Analysis failed. Check server logs for details."

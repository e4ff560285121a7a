package analysis

import (
	"sync"
	"time"

	"github.com/localpkd/forensics-engine/pkg/models"
)

// jobController is the single-flight state machine around the pipeline.
// Every read and write of the job record goes through its mutex; the lock
// is only ever held across these small mutations, never across I/O or
// compute.
type jobController struct {
	mu  sync.Mutex
	job models.JobStatus
}

func (c *jobController) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job = models.JobStatus{Status: models.JobIdle}
}

// begin moves IDLE/COMPLETED/FAILED to RUNNING. A second start while
// RUNNING returns ErrStateConflict.
func (c *jobController) begin(startedAt time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.job.Status == models.JobRunning {
		return ErrStateConflict
	}
	c.job = models.JobStatus{
		Status:    models.JobRunning,
		StartedAt: &startedAt,
	}
	return nil
}

// setProgress advances progress monotonically within the run.
func (c *jobController) setProgress(progress float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if progress > c.job.Progress {
		c.job.Progress = progress
	}
}

func (c *jobController) setTotal(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.TotalCertificates = total
}

func (c *jobController) setProcessed(processed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.ProcessedCertificates = processed
}

func (c *jobController) complete(completedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.Status = models.JobCompleted
	c.job.Progress = 1.0
	c.job.CompletedAt = &completedAt
}

// fail records the failure with the generic outward message only; the
// cause stays in the logs.
func (c *jobController) fail(failedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.job.Status = models.JobFailed
	c.job.CompletedAt = &failedAt
	c.job.ErrorMessage = GenericFailureMessage
}

func (c *jobController) snapshot() models.JobStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job
}

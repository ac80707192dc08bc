package provision

import (
	"errors"
	"log/slog"
)

type cleanupJob struct {
	name string
	fn   func() error
}

// CleanupStack runs release functions in reverse registration order.
type CleanupStack struct {
	logger *slog.Logger
	jobs   []cleanupJob
}

// NewCleanupStack returns an empty stack. A nil logger disables logging.
func NewCleanupStack(logger *slog.Logger) *CleanupStack {
	return &CleanupStack{logger: logger}
}

// Push registers fn to run on Cleanup.
func (c *CleanupStack) Push(name string, fn func() error) {
	c.jobs = append(c.jobs, cleanupJob{name: name, fn: fn})
}

// Len returns the number of pending jobs.
func (c *CleanupStack) Len() int {
	return len(c.jobs)
}

// Cleanup pops and runs every job, joining their failures onto err.
// Every job runs even if an earlier one fails.
func (c *CleanupStack) Cleanup(err error) error {
	var errs []error
	for len(c.jobs) > 0 {
		job := c.jobs[len(c.jobs)-1]
		c.jobs = c.jobs[:len(c.jobs)-1]

		if jobErr := job.fn(); jobErr != nil {
			if c.logger != nil {
				c.logger.Error("release failed", "resource", job.name, "error", jobErr)
			}
			errs = append(errs, jobErr)
			continue
		}
		if c.logger != nil {
			c.logger.Debug("released", "resource", job.name)
		}
	}
	if len(errs) == 0 {
		return err
	}
	return errors.Join(append([]error{err}, errs...)...)
}

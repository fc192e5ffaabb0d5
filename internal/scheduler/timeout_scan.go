package scheduler

// TimeoutScanner is satisfied by the aggregation coordinator.
type TimeoutScanner interface {
	ScanForTimeouts() error
}

// TimeoutScanJob fails aggregation sessions whose deadline has passed.
type TimeoutScanJob struct {
	scanner TimeoutScanner
}

// NewTimeoutScanJob creates the session timeout scan job.
func NewTimeoutScanJob(scanner TimeoutScanner) *TimeoutScanJob {
	return &TimeoutScanJob{scanner: scanner}
}

// Name returns the job name.
func (j *TimeoutScanJob) Name() string {
	return "session_timeout_scan"
}

// Run scans for and fails timed-out sessions.
func (j *TimeoutScanJob) Run() error {
	return j.scanner.ScanForTimeouts()
}

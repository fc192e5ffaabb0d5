package scheduler

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingJob struct {
	runs atomic.Int64
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestAddJobRejectsBadSchedule(t *testing.T) {
	s := New(zerolog.Nop())
	err := s.AddJob("not a schedule", &countingJob{})
	assert.Error(t, err)
}

func TestAddJobAcceptsCronExpressions(t *testing.T) {
	s := New(zerolog.Nop())
	job := &countingJob{}

	require.NoError(t, s.AddJob("@every 1h", job))
	require.NoError(t, s.AddJob("0 */5 * * * *", job))
	assert.Equal(t, int64(0), job.runs.Load())
}

func TestRunNow(t *testing.T) {
	s := New(zerolog.Nop())

	job := &countingJob{}
	require.NoError(t, s.RunNow(job))
	assert.Equal(t, int64(1), job.runs.Load())

	failing := &countingJob{err: errors.New("boom")}
	assert.Error(t, s.RunNow(failing))
	assert.Equal(t, int64(1), failing.runs.Load())
}

type fakeScanner struct {
	calls int
	err   error
}

func (f *fakeScanner) ScanForTimeouts() error {
	f.calls++
	return f.err
}

func TestTimeoutScanJob(t *testing.T) {
	scanner := &fakeScanner{}
	job := NewTimeoutScanJob(scanner)

	assert.Equal(t, "session_timeout_scan", job.Name())
	require.NoError(t, job.Run())
	assert.Equal(t, 1, scanner.calls)

	scanner.err = errors.New("store unavailable")
	assert.Error(t, job.Run())
}

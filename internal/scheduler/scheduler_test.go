package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javajoker/accredit-backend/internal/config"
	"github.com/javajoker/accredit-backend/internal/services"
)

type fakeRetrier struct {
	mu     sync.Mutex
	limits []int
	err    error
}

func (f *fakeRetrier) RetryFailedTransfers(ctx context.Context, limit int) (*services.RetrySummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return nil, f.err
	}
	return &services.RetrySummary{Attempted: 2, Completed: 1, Failed: 1}, nil
}

func (f *fakeRetrier) calls() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.limits...)
}

func TestTransferRetryJobRunsWithBatchSize(t *testing.T) {
	logger, hook := test.NewNullLogger()
	retrier := &fakeRetrier{}

	s, err := New(retrier, config.SettlementConfig{RetryInterval: 3600, RetryBatchSize: 7}, logger)
	require.NoError(t, err)
	s.Start()
	defer s.Shutdown()

	require.NoError(t, s.RunNow(TransferRetryJob))
	assert.Eventually(t, func() bool { return len(retrier.calls()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []int{7}, retrier.calls())

	assert.Eventually(t, func() bool {
		entry := hook.LastEntry()
		return entry != nil && entry.Message == "Scheduled job finished"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRetryFailureIsLogged(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &Scheduler{retrier: &fakeRetrier{err: errors.New("db down")}, batchSize: 5, logger: logger}

	s.retryTransfers(context.Background())

	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, TransferRetryJob, hook.LastEntry().Data["job"])
}

func TestRunNowUnknownJob(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := New(&fakeRetrier{}, config.SettlementConfig{}, logger)
	require.NoError(t, err)

	assert.Error(t, s.RunNow("nightly-report"))
	assert.Equal(t, 50, s.batchSize)
}

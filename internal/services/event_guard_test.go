package services

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisEventGuard(t *testing.T) {
	db, mock := redismock.NewClientMock()
	guard := NewRedisEventGuard(db, 30*time.Second)

	mock.ExpectSetNX("webhook:event:evt_9", "1", 30*time.Second).SetVal(true)
	mock.ExpectSetNX("webhook:event:evt_9", "1", 30*time.Second).SetVal(false)
	mock.ExpectDel("webhook:event:evt_9").SetVal(1)

	acquired, err := guard.Acquire(testCtx, "evt_9")
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = guard.Acquire(testCtx, "evt_9")
	require.NoError(t, err)
	assert.False(t, acquired)

	require.NoError(t, guard.Release(testCtx, "evt_9"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisEventGuardDefaultsTTL(t *testing.T) {
	db, _ := redismock.NewClientMock()
	assert.Equal(t, time.Minute, NewRedisEventGuard(db, 0).ttl)
}

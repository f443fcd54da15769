package shared

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsSQLiteConflictError(t *testing.T) {
	assert.False(t, IsSQLiteConflictError(nil))
	assert.True(t, IsSQLiteConflictError(errors.New("SQLITE_BUSY: try again")))
	assert.True(t, IsSQLiteConflictError(errors.New("database is locked (5)")))
	assert.False(t, IsSQLiteConflictError(errors.New("no such table")))
}

func TestRetryOnBusy(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := RetryOnBusy(context.Background(), policy, "test", func() error {
			calls++
			if calls < 3 {
				return errors.New("database is locked")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("does not retry other errors", func(t *testing.T) {
		calls := 0
		boom := errors.New("constraint failed")
		err := RetryOnBusy(context.Background(), policy, "test", func() error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after attempts", func(t *testing.T) {
		calls := 0
		err := RetryOnBusy(context.Background(), policy, "test", func() error {
			calls++
			return errors.New("SQLITE_BUSY")
		})
		assert.Error(t, err)
		assert.Equal(t, 3, calls)
	})
}

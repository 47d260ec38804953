package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptarena/promptarena/errors"
)

func TestIsDatabaseClosed(t *testing.T) {
	conn, err := Open(":memory:", nil)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The driver's own error cannot be wrapped at the source; the check must
	// catch it by message.
	_, err = conn.Exec(`SELECT 1`)
	require.Error(t, err)
	assert.True(t, IsDatabaseClosed(err))

	assert.True(t, IsDatabaseClosed(errors.Wrap(ErrDatabaseClosed, "claim next job")))
	assert.False(t, IsDatabaseClosed(nil))
	assert.False(t, IsDatabaseClosed(errors.New("disk I/O error")))
}

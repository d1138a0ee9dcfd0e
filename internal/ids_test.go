package internal_test

import (
	"regexp"
	"testing"

	"github.com/google/uuid"
	"github.com/koopa0/quiz-room/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[A-Z0-9]{6}$`)
	seen := make(map[string]bool)

	for range 100 {
		code, err := internal.NewRoomCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
		seen[code] = true
	}
	assert.Greater(t, len(seen), 90)
}

func TestNewPlayerID(t *testing.T) {
	a := internal.NewPlayerID()
	b := internal.NewPlayerID()

	_, err := uuid.Parse(a)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, internal.NewConnectionID(), internal.NewConnectionID())
}

package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/quiz-room/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join room: %w", apperrors.ErrRoomNotFound)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrRoomNotFound))
	// 同錯誤碼視為相同
	assert.True(t, stderrors.Is(wrapped, apperrors.ErrSessionNotFound))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrNotAuthorized))
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"not found", apperrors.ErrPlayerNotFound, apperrors.IsNotFound},
		{"unauthorized", apperrors.ErrNotAuthorized, apperrors.IsUnauthorized},
		{"conflict", apperrors.Wrap(stderrors.New("23505"), apperrors.ErrCodeConflict, "dup"), apperrors.IsConflict},
		{"upstream", fmt.Errorf("x: %w", apperrors.ErrStoreUnavailable), apperrors.IsUpstream},
		{"invalid input", apperrors.ErrInvalidPayload, apperrors.IsInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, tt.check(tt.err))
		})
	}

	assert.False(t, apperrors.IsNotFound(stderrors.New("plain")))
}

func TestReason(t *testing.T) {
	assert.Equal(t, "room not found", apperrors.Reason(fmt.Errorf("ctx: %w", apperrors.ErrRoomNotFound)))
	assert.Equal(t, "boom", apperrors.Reason(stderrors.New("boom")))
}

func TestWithDetails_DoesNotMutateSentinel(t *testing.T) {
	detailed := apperrors.ErrRoomNotFound.WithDetails("ABC123")

	assert.Equal(t, "ABC123", detailed.Details)
	assert.Empty(t, apperrors.ErrRoomNotFound.Details)
}

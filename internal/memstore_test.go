package internal_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/quiz-room/internal"
	apperrors "github.com/koopa0/quiz-room/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_PlayerLifecycle(t *testing.T) {
	ctx := context.Background()
	store := internal.NewMemoryStore()

	alice := &internal.Player{ID: "p1", RoomCode: "ROOM01", Name: "Alice"}
	require.NoError(t, store.CreatePlayer(ctx, alice))

	t.Run("duplicate name in same room conflicts", func(t *testing.T) {
		err := store.CreatePlayer(ctx, &internal.Player{ID: "p2", RoomCode: "ROOM01", Name: "Alice"})
		assert.True(t, apperrors.IsConflict(err))
	})

	t.Run("same name in other room allowed", func(t *testing.T) {
		err := store.CreatePlayer(ctx, &internal.Player{ID: "p3", RoomCode: "ROOM02", Name: "Alice"})
		assert.NoError(t, err)
	})

	t.Run("mark online and offline", func(t *testing.T) {
		require.NoError(t, store.MarkOnline(ctx, "p1", "conn-1", false))

		p, err := store.FindPlayerByName(ctx, "ROOM01", "Alice")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusOnline, p.Status)
		assert.Equal(t, "conn-1", p.ConnectionID)

		// 舊連線不能把玩家標記離線
		updated, err := store.MarkOffline(ctx, "p1", "conn-old")
		require.NoError(t, err)
		assert.False(t, updated)

		updated, err = store.MarkOffline(ctx, "p1", "conn-1")
		require.NoError(t, err)
		assert.True(t, updated)

		p, err = store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusOffline, p.Status)
		assert.Empty(t, p.ConnectionID)
	})

	t.Run("set score", func(t *testing.T) {
		require.NoError(t, store.SetScore(ctx, "ROOM01", "Alice", 7))
		p, err := store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 7, p.Score)

		err = store.SetScore(ctx, "ROOM01", "Ghost", 1)
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("returned players are copies", func(t *testing.T) {
		p, err := store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		p.Score = 999

		again, err := store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 7, again.Score)
	})

	t.Run("delete players of room", func(t *testing.T) {
		n, err := store.DeletePlayers(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		players, err := store.ListPlayers(ctx, "ROOM01", false)
		require.NoError(t, err)
		assert.Empty(t, players)

		players, err = store.ListPlayers(ctx, "ROOM02", false)
		require.NoError(t, err)
		assert.Len(t, players, 1)
	})
}

func TestMemoryStore_ListPlayersOnlineOnly(t *testing.T) {
	ctx := context.Background()
	store := internal.NewMemoryStore()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "a", RoomCode: "R", Name: "A", CreatedAt: base}))
	require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "b", RoomCode: "R", Name: "B", CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.MarkOnline(ctx, "b", "c-b", false))

	all, err := store.ListPlayers(ctx, "R", false)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "A", all[0].Name)

	online, err := store.ListPlayers(ctx, "R", true)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, "B", online[0].Name)
}

func TestMemoryStore_QuizRooms(t *testing.T) {
	ctx := context.Background()
	store := internal.NewMemoryStore()

	room := &internal.QuizRoom{
		RoomCode: "ABC123",
		Topic:    "go",
		HostName: "Host",
		Questions: []internal.Question{
			{ID: "q1", Question: "1+1", Options: []string{"1", "2"}, CorrectOption: "2"},
		},
	}
	require.NoError(t, store.CreateQuizRoom(ctx, room))
	assert.True(t, apperrors.IsConflict(store.CreateQuizRoom(ctx, room)))

	got, err := store.FindQuizRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.False(t, got.QuizStarted)
	assert.Equal(t, "2", got.Questions[0].CorrectOption)

	require.NoError(t, store.SetQuizStarted(ctx, "ABC123"))
	got, err = store.FindQuizRoom(ctx, "ABC123")
	require.NoError(t, err)
	assert.True(t, got.QuizStarted)

	require.NoError(t, store.DeleteQuizRoom(ctx, "ABC123"))
	_, err = store.FindQuizRoom(ctx, "ABC123")
	assert.True(t, apperrors.IsNotFound(err))
	assert.True(t, apperrors.IsNotFound(store.DeleteQuizRoom(ctx, "ABC123")))
}

func TestMemoryStore_PurgeExpired(t *testing.T) {
	ctx := context.Background()
	store := internal.NewMemoryStore()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.CreateQuizRoom(ctx, &internal.QuizRoom{RoomCode: "OLD", CreatedAt: old}))
	require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "o", RoomCode: "OLD", Name: "O", CreatedAt: old}))
	require.NoError(t, store.CreateQuizRoom(ctx, &internal.QuizRoom{RoomCode: "NEW"}))
	require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "n", RoomCode: "NEW", Name: "N"}))

	n, err := store.PurgeExpired(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, err = store.FindQuizRoom(ctx, "OLD")
	assert.True(t, apperrors.IsNotFound(err))
	_, err = store.FindPlayerByID(ctx, "n")
	assert.NoError(t, err)
}

func TestQuizRoom_PublicQuestions(t *testing.T) {
	room := &internal.QuizRoom{Questions: []internal.Question{
		{ID: "q1", Options: []string{"a", "b"}, CorrectOption: "a"},
	}}

	public := room.PublicQuestions()
	require.Len(t, public, 1)
	assert.Empty(t, public[0].CorrectOption)
	assert.Equal(t, "a", room.Questions[0].CorrectOption)

	q, ok := room.Question("q1")
	assert.True(t, ok)
	assert.Equal(t, "a", q.CorrectOption)

	_, ok = room.Question("missing")
	assert.False(t, ok)
}

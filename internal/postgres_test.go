package internal_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/koopa0/quiz-room/internal"
	"github.com/koopa0/quiz-room/internal/migrations"
	"github.com/koopa0/quiz-room/internal/testutils"
	apperrors "github.com/koopa0/quiz-room/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore(t *testing.T) {
	env := testutils.SetupPostgres(t)
	ctx := context.Background()
	store := internal.NewPostgresStore(env.PostgresPool, testutils.TestLogger())

	t.Run("player lifecycle", func(t *testing.T) {
		env.TruncateTables(t)

		alice := &internal.Player{ID: "p1", RoomCode: "ROOM01", Name: "Alice"}
		require.NoError(t, store.CreatePlayer(ctx, alice))
		assert.False(t, alice.CreatedAt.IsZero())
		assert.Equal(t, internal.StatusOffline, alice.Status)

		err := store.CreatePlayer(ctx, &internal.Player{ID: "p2", RoomCode: "ROOM01", Name: "Alice"})
		assert.True(t, apperrors.IsConflict(err))

		require.NoError(t, store.MarkOnline(ctx, "p1", "c1", false))
		got, err := store.FindPlayerByName(ctx, "ROOM01", "Alice")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusOnline, got.Status)
		assert.Equal(t, "c1", got.ConnectionID)

		// 只有當前連線能標記離線
		updated, err := store.MarkOffline(ctx, "p1", "stale")
		require.NoError(t, err)
		assert.False(t, updated)

		updated, err = store.MarkOffline(ctx, "p1", "c1")
		require.NoError(t, err)
		assert.True(t, updated)

		got, err = store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, internal.StatusOffline, got.Status)
		assert.Empty(t, got.ConnectionID)

		require.NoError(t, store.SetScore(ctx, "ROOM01", "Alice", 7))
		got, err = store.FindPlayerByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 7, got.Score)

		assert.True(t, apperrors.IsNotFound(store.SetScore(ctx, "ROOM01", "Ghost", 1)))
		assert.True(t, apperrors.IsNotFound(store.MarkOnline(ctx, "ghost", "c9", false)))

		_, err = store.FindPlayerByID(ctx, "ghost")
		assert.True(t, apperrors.IsNotFound(err))
	})

	t.Run("host flag is sticky", func(t *testing.T) {
		env.TruncateTables(t)

		require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "h1", RoomCode: "ROOM01", Name: "Host"}))
		require.NoError(t, store.MarkOnline(ctx, "h1", "c1", true))
		require.NoError(t, store.MarkOnline(ctx, "h1", "c2", false))

		got, err := store.FindPlayerByID(ctx, "h1")
		require.NoError(t, err)
		assert.True(t, got.IsHost)
	})

	t.Run("list players", func(t *testing.T) {
		env.TruncateTables(t)

		for i, name := range []string{"A", "B", "C"} {
			require.NoError(t, store.CreatePlayer(ctx, &internal.Player{
				ID: "p" + name, RoomCode: "ROOM01", Name: name, Score: i,
			}))
		}
		require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "other", RoomCode: "ROOM02", Name: "A"}))
		require.NoError(t, store.MarkOnline(ctx, "pB", "c1", false))

		all, err := store.ListPlayers(ctx, "ROOM01", false)
		require.NoError(t, err)
		assert.Len(t, all, 3)

		online, err := store.ListPlayers(ctx, "ROOM01", true)
		require.NoError(t, err)
		require.Len(t, online, 1)
		assert.Equal(t, "B", online[0].Name)

		n, err := store.DeletePlayers(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		rest, err := store.ListPlayers(ctx, "ROOM02", false)
		require.NoError(t, err)
		assert.Len(t, rest, 1)
	})

	t.Run("quiz rooms", func(t *testing.T) {
		env.TruncateTables(t)

		room := &internal.QuizRoom{
			RoomCode: "ROOM01",
			Topic:    "go",
			HostName: "Host",
			Questions: []internal.Question{
				{ID: "q1", Question: "?", Options: []string{"a", "b"}, CorrectOption: "a"},
			},
			NoQuestions: 1,
		}
		require.NoError(t, store.CreateQuizRoom(ctx, room))
		assert.True(t, apperrors.IsConflict(store.CreateQuizRoom(ctx, room)))

		got, err := store.FindQuizRoom(ctx, "ROOM01")
		require.NoError(t, err)
		assert.Equal(t, room.Questions, got.Questions)
		assert.False(t, got.QuizStarted)

		require.NoError(t, store.SetQuizStarted(ctx, "ROOM01"))
		got, err = store.FindQuizRoom(ctx, "ROOM01")
		require.NoError(t, err)
		assert.True(t, got.QuizStarted)

		require.NoError(t, store.DeleteQuizRoom(ctx, "ROOM01"))
		assert.True(t, apperrors.IsNotFound(store.DeleteQuizRoom(ctx, "ROOM01")))
		assert.True(t, apperrors.IsNotFound(store.SetQuizStarted(ctx, "ROOM01")))
	})

	t.Run("purge expired", func(t *testing.T) {
		env.TruncateTables(t)

		require.NoError(t, store.CreatePlayer(ctx, &internal.Player{ID: "p1", RoomCode: "ROOM01", Name: "A"}))
		require.NoError(t, store.CreateQuizRoom(ctx, &internal.QuizRoom{RoomCode: "ROOM01"}))

		n, err := store.PurgeExpired(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = store.PurgeExpired(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("session flow", func(t *testing.T) {
		env.TruncateTables(t)

		f := newSessionFixture(t, store)
		first := f.conn("c1")

		joined, err := f.sessions.JoinRoom(ctx, first, testRoom, "Alice", "")
		require.NoError(t, err)
		require.NoError(t, f.sessions.SubmitScore(ctx, testRoom, "Alice", 5))
		f.sessions.Disconnect(ctx, first)

		second := f.conn("c2")
		_, err = f.sessions.RejoinRoom(ctx, second, joined.PlayerID)
		require.NoError(t, err)
		assert.Equal(t, []internal.LeaderboardEntry{{Name: "Alice", Score: 5}}, lastLeaderboard(t, second))

		players, err := store.ListPlayers(ctx, testRoom, false)
		require.NoError(t, err)
		assert.Len(t, players, 1)
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("score column bounds", func(t *testing.T) {
		env.TruncateTables(t)

		f := newSessionFixture(t, store)
		_, err := f.sessions.JoinRoom(ctx, f.conn("c1"), testRoom, "Alice", "")
		require.NoError(t, err)

		require.NoError(t, f.sessions.SubmitScore(ctx, testRoom, "Alice", math.MaxInt32))
		got, err := store.FindPlayerByName(ctx, testRoom, "Alice")
		require.NoError(t, err)
		assert.Equal(t, math.MaxInt32, got.Score)

		err = f.sessions.SubmitScore(ctx, testRoom, "Alice", math.MaxInt32+1)
		assert.True(t, apperrors.IsInvalidInput(err))
	})

	// 會刪除並重建資料表，放在最後
	t.Run("migrations", func(t *testing.T) {
		migrator, err := migrations.New(env.PostgresURL, testutils.TestLogger())
		require.NoError(t, err)
		defer func() { assert.NoError(t, migrator.Close()) }()

		status, err := migrator.Run(migrations.CommandVersion)
		require.NoError(t, err)
		assert.True(t, status.Current())

		status, err = migrator.Run(migrations.CommandDown)
		require.NoError(t, err)
		assert.Equal(t, migrations.Status{}, status)

		_, err = env.PostgresPool.Exec(ctx, "SELECT 1 FROM players")
		assert.Error(t, err, "players table dropped")

		status, err = migrator.Run(migrations.CommandUp)
		require.NoError(t, err)
		assert.Equal(t, migrations.Status{Version: migrations.SchemaVersion}, status)

		_, err = migrator.Run("sideways")
		assert.Error(t, err)
	})
}

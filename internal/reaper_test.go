package internal_test

import (
	"testing"
	"time"

	"github.com/koopa0/quiz-room/internal"
	"github.com/koopa0/quiz-room/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_Sweep(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := internal.NewRegistry()
	reg.SetClock(func() time.Time { return now })

	idle := reg.GetOrCreate("IDLE01")
	idle.Attach("Alice", internal.Member{ConnectionID: "c1", PlayerID: "p1"}, 0)
	require.True(t, idle.Detach("Alice", "c1"))

	busy := reg.GetOrCreate("BUSY01")
	busy.Attach("Bob", internal.Member{ConnectionID: "c2", PlayerID: "p2"}, 0)

	// 從未有人加入的房間也會被回收
	reg.GetOrCreate("EMPTY1")

	reaper := internal.NewReaper(reg, time.Minute, 5*time.Minute, testutils.TestLogger())

	assert.Empty(t, reaper.Sweep(now.Add(4*time.Minute)))
	assert.Equal(t, 3, reg.Len())

	evicted := reaper.Sweep(now.Add(5 * time.Minute))
	assert.ElementsMatch(t, []string{"IDLE01", "EMPTY1"}, evicted)

	_, ok := reg.Get("BUSY01")
	assert.True(t, ok, "rooms with a connected member are kept")
	assert.Equal(t, 1, reg.Len())
}

func TestReaper_SkipsLockedRoom(t *testing.T) {
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	reg := internal.NewRegistry()
	reg.SetClock(func() time.Time { return now })
	reg.GetOrCreate("ROOM01")

	reaper := internal.NewReaper(reg, time.Minute, time.Minute, testutils.TestLogger())

	unlock := reg.Lock("ROOM01")
	assert.Empty(t, reaper.Sweep(now.Add(time.Hour)), "room in use is left for the next sweep")
	unlock()

	assert.Equal(t, []string{"ROOM01"}, reaper.Sweep(now.Add(time.Hour)))
}

func TestReaper_StartStop(t *testing.T) {
	reg := internal.NewRegistry()
	reg.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })
	reg.GetOrCreate("ROOM01")

	reaper := internal.NewReaper(reg, 10*time.Millisecond, time.Minute, testutils.TestLogger())
	reaper.Start()

	testutils.WaitForCondition(t, func() bool { return reg.Len() == 0 }, 2*time.Second, "room reaped")

	reaper.Stop()
	reaper.Stop()
}

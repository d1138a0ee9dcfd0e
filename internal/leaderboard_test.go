package internal_test

import (
	"testing"

	"github.com/koopa0/quiz-room/internal"
	"github.com/stretchr/testify/assert"
)

func TestRank(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]int
		want   []internal.LeaderboardEntry
	}{
		{
			name:   "empty",
			scores: map[string]int{},
			want:   []internal.LeaderboardEntry{},
		},
		{
			name:   "ties ordered before lower score",
			scores: map[string]int{"A": 10, "B": 30, "C": 30},
			want: []internal.LeaderboardEntry{
				{Name: "B", Score: 30},
				{Name: "C", Score: 30},
				{Name: "A", Score: 10},
			},
		},
		{
			name:   "zero and negative",
			scores: map[string]int{"x": 0, "y": 5},
			want: []internal.LeaderboardEntry{
				{Name: "y", Score: 5},
				{Name: "x", Score: 0},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, internal.Rank(tt.scores))
		})
	}
}

func TestRank_Deterministic(t *testing.T) {
	scores := map[string]int{"A": 10, "B": 30, "C": 30, "D": 30}
	first := internal.Rank(scores)

	// map 迭代順序隨機，多跑幾次確認結果不變
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, internal.Rank(scores))
	}
}

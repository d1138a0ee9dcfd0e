package internal

import (
	"sort"
)

// LeaderboardEntry 排行榜項目
type LeaderboardEntry struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

// Rank 依分數由高到低排序，同分時依名稱排序
//
// 相同輸入永遠得到相同順序。
func Rank(scores map[string]int) []LeaderboardEntry {
	entries := make([]LeaderboardEntry, 0, len(scores))
	for name, score := range scores {
		entries = append(entries, LeaderboardEntry{Name: name, Score: score})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Name < entries[j].Name
	})
	return entries
}

// rankPlayers 以持久化紀錄計算排行榜
//
// overlay 只覆寫 players 中存在的名稱，不會新增項目。
func rankPlayers(players []*Player, overlay map[string]int) []LeaderboardEntry {
	scores := make(map[string]int, len(players))
	for _, p := range players {
		scores[p.Name] = p.Score
	}
	for name, score := range overlay {
		if _, ok := scores[name]; ok {
			scores[name] = score
		}
	}
	return Rank(scores)
}

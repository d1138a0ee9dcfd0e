package internal

import (
	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	roomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength   = 6
)

// NewPlayerID 生成全域唯一的玩家 ID
func NewPlayerID() string {
	return uuid.NewString()
}

// NewConnectionID 生成連線 ID
func NewConnectionID() string {
	return uuid.NewString()
}

// NewRoomCode 生成 6 碼房間代碼（大寫英數）
func NewRoomCode() (string, error) {
	return gonanoid.Generate(roomCodeAlphabet, roomCodeLength)
}

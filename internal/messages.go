package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MessageType WebSocket 訊息類型（JSON 的 type 欄位）
type MessageType string

// 客戶端 → 服務器
const (
	MsgJoinRoom    MessageType = "join-room"
	MsgStartGame   MessageType = "start-game"
	MsgPlayerMove  MessageType = "player-move"
	MsgCollectItem MessageType = "collect-item"
	MsgGetResults  MessageType = "get-results"
)

// 服務器 → 客戶端
const (
	MsgRoomState     MessageType = "room-state"
	MsgPlayerJoined  MessageType = "player-joined"
	MsgPlayerLeft    MessageType = "player-left"
	MsgPlayerMoved   MessageType = "player-moved"
	MsgGameStarted   MessageType = "game-started"
	MsgItemCollected MessageType = "item-collected"
	MsgItemRespawned MessageType = "item-respawned"
	MsgTimerUpdate   MessageType = "timer-update"
	MsgGameEnded     MessageType = "game-ended"
	MsgError         MessageType = "error"
)

// InboundMessage 客戶端訊息（所有類型共用一個扁平結構）
type InboundMessage struct {
	Type     MessageType `json:"type"`
	RoomCode string      `json:"roomCode"`
	PlayerID string      `json:"playerId,omitempty"`
	Position *Position   `json:"position,omitempty"`
	ItemID   string      `json:"itemId,omitempty"`
	Correct  *bool       `json:"correct,omitempty"`
}

// DecodeInbound 解析並檢查必要欄位
func DecodeInbound(data []byte) (InboundMessage, error) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode message: %w", err)
	}
	return msg, msg.validate()
}

func (m InboundMessage) validate() error {
	if m.Type == "" {
		return &ValidationError{Field: "type", Reason: "required"}
	}
	if m.RoomCode == "" {
		return &ValidationError{Field: "roomCode", Reason: "required"}
	}

	switch m.Type {
	case MsgJoinRoom, MsgStartGame, MsgGetResults:
		return nil
	case MsgPlayerMove:
		if m.PlayerID == "" {
			return &ValidationError{Field: "playerId", Reason: "required"}
		}
		if m.Position == nil {
			return &ValidationError{Field: "position", Reason: "required"}
		}
	case MsgCollectItem:
		if m.PlayerID == "" {
			return &ValidationError{Field: "playerId", Reason: "required"}
		}
		if m.ItemID == "" {
			return &ValidationError{Field: "itemId", Reason: "required"}
		}
		if m.Correct == nil {
			return &ValidationError{Field: "correct", Reason: "required"}
		}
	default:
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown message type %q", m.Type)}
	}
	return nil
}

// RoomStateMessage 完整房間快照
type RoomStateMessage struct {
	Type MessageType `json:"type"`
	Room *Room       `json:"room"`
}

// PlayerJoinedMessage 玩家加入
type PlayerJoinedMessage struct {
	Type   MessageType `json:"type"`
	Player *Player     `json:"player"`
}

// PlayerLeftMessage 玩家永久離開
type PlayerLeftMessage struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
}

// PlayerMovedMessage 游標移動
type PlayerMovedMessage struct {
	Type     MessageType `json:"type"`
	PlayerID string      `json:"playerId"`
	Position Position    `json:"position"`
}

// GameStartedMessage 遊戲開始
type GameStartedMessage struct {
	Type      MessageType       `json:"type"`
	Items     []CollectibleItem `json:"items"`
	StartedAt int64             `json:"startedAt"`
}

// ItemCollectedMessage 收集結果
type ItemCollectedMessage struct {
	Type     MessageType `json:"type"`
	ItemID   string      `json:"itemId"`
	PlayerID string      `json:"playerId"`
	Correct  bool        `json:"correct"`
	NewScore int         `json:"newScore"`
}

// ItemRespawnedMessage 補充物品
type ItemRespawnedMessage struct {
	Type MessageType     `json:"type"`
	Item CollectibleItem `json:"item"`
}

// TimerUpdateMessage 倒數更新
type TimerUpdateMessage struct {
	Type          MessageType `json:"type"`
	TimeRemaining int         `json:"timeRemaining"`
}

// GameEndedMessage 結算
type GameEndedMessage struct {
	Type  MessageType   `json:"type"`
	Stats []PlayerStats `json:"stats"`
}

// ErrorMessage 只回給發送者的錯誤提示（不含內部細節）
type ErrorMessage struct {
	Type    MessageType `json:"type"`
	Message string      `json:"message"`
}

// PlayerStats 單一玩家的結算
type PlayerStats struct {
	Position    int     `json:"position"`
	Player      *Player `json:"player"`
	Accuracy    float64 `json:"accuracy"`
	TimeElapsed int     `json:"timeElapsed"`
}

// ComputeStats 依分數由高到低排名
//
// 同分時保持加入順序；名次嚴格遞增（1, 2, 3, ...）。
func ComputeStats(room *Room, now time.Time) []PlayerStats {
	players := make([]*Player, len(room.Players))
	copy(players, room.Players)
	sort.SliceStable(players, func(i, j int) bool {
		return players[i].Score > players[j].Score
	})

	elapsed := 0
	if room.StartedAt != nil {
		elapsed = int(now.Sub(time.UnixMilli(*room.StartedAt)) / time.Second)
		if elapsed < 0 {
			elapsed = 0
		}
	}

	stats := make([]PlayerStats, len(players))
	for i, p := range players {
		accuracy := 0.0
		if p.TotalAttempts > 0 {
			accuracy = float64(p.CorrectAttempts) / float64(p.TotalAttempts) * 100
		}
		stats[i] = PlayerStats{
			Position:    i + 1,
			Player:      p,
			Accuracy:    accuracy,
			TimeElapsed: elapsed,
		}
	}
	return stats
}

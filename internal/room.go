package internal

import (
	"sync"
	"time"
)

// 系統設計問題：
//   多個連線同時操作同一房間（移動、收集、開始），如何維持房間狀態一致？
//
// 核心挑戰：
//   1. 狀態管理：waiting → playing → finished，只能前進不能倒退
//   2. 並發控制：高頻移動訊息與收集訊息同時修改同一房間
//   3. 快照輸出：廣播時序列化的資料不能與寫入競爭
//
// 設計方案：
//   - 每個房間一把 Mutex，Store 的房間表一把 RWMutex
//   - 對外只回傳深拷貝（Clone），活的 *Room 永遠不離開 Store

// GameState 房間狀態
//
// 有限狀態機：
//
//	waiting → playing → finished
//
// 房間被清空時直接刪除，不做狀態轉換。
type GameState string

const (
	StateWaiting  GameState = "waiting"  // 大廳，等待玩家加入
	StatePlaying  GameState = "playing"  // 遊戲進行中
	StateFinished GameState = "finished" // 遊戲結束
)

// PlayerColors 玩家顏色（依加入順序循環分配）
var PlayerColors = [...]string{
	"#EF4444", // red
	"#3B82F6", // blue
	"#10B981", // green
	"#F59E0B", // yellow
	"#A855F7", // purple
	"#F97316", // orange
	"#EC4899", // pink
	"#14B8A6", // teal
}

// Position 競技場座標
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Player 玩家資訊
type Player struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Color           string   `json:"color"`
	Score           int      `json:"score"`
	Position        Position `json:"position"`
	ItemsCollected  int      `json:"itemsCollected"`
	CorrectAttempts int      `json:"correctAttempts"`
	TotalAttempts   int      `json:"totalAttempts"`
}

// Room 遊戲房間
//
// 不變量：
//   - Players 中恰有一位 ID == HostID，且為創建者；房主不會轉移
//   - Players 依加入順序排列（決定顏色與顯示順序）
//   - TimeRemaining 為 nil 代表不計時
type Room struct {
	Code          string            `json:"code"`
	HostID        string            `json:"hostId"`
	Players       []*Player         `json:"players"`
	Items         []CollectibleItem `json:"items"`
	GameState     GameState         `json:"gameState"`
	TimerDuration *int              `json:"timerDuration"`
	TimeRemaining *int              `json:"timeRemaining"`
	StartedAt     *int64            `json:"startedAt"`
	Difficulty    Difficulty        `json:"difficulty"`
	CreatedAt     int64             `json:"createdAt"`

	mu      sync.Mutex
	created time.Time
	deleted bool
}

// newRoom 創建新房間（房主為第一位玩家）
func newRoom(code string, host *Player, timerDuration *int, difficulty Difficulty, now time.Time) *Room {
	return &Room{
		Code:          code,
		HostID:        host.ID,
		Players:       []*Player{host},
		Items:         []CollectibleItem{},
		GameState:     StateWaiting,
		TimerDuration: cloneInt(timerDuration),
		TimeRemaining: cloneInt(timerDuration),
		Difficulty:    difficulty,
		CreatedAt:     now.UnixMilli(),
		created:       now,
	}
}

// findPlayer 找到玩家（需要持有鎖）
func (r *Room) findPlayer(playerID string) *Player {
	for _, p := range r.Players {
		if p.ID == playerID {
			return p
		}
	}
	return nil
}

// itemIndex 找到物品位置（需要持有鎖）
func (r *Room) itemIndex(itemID string) int {
	for i := range r.Items {
		if r.Items[i].ID == itemID {
			return i
		}
	}
	return -1
}

// itemPositions 目前所有物品座標（需要持有鎖）
func (r *Room) itemPositions() []Position {
	positions := make([]Position, len(r.Items))
	for i := range r.Items {
		positions[i] = r.Items[i].Position
	}
	return positions
}

// clone 深拷貝房間（需要持有鎖）
func (r *Room) clone() *Room {
	c := &Room{
		Code:          r.Code,
		HostID:        r.HostID,
		Players:       make([]*Player, len(r.Players)),
		Items:         make([]CollectibleItem, len(r.Items)),
		GameState:     r.GameState,
		TimerDuration: cloneInt(r.TimerDuration),
		TimeRemaining: cloneInt(r.TimeRemaining),
		Difficulty:    r.Difficulty,
		CreatedAt:     r.CreatedAt,
		created:       r.created,
	}
	for i, p := range r.Players {
		cp := *p
		c.Players[i] = &cp
	}
	copy(c.Items, r.Items)
	if r.StartedAt != nil {
		started := *r.StartedAt
		c.StartedAt = &started
	}
	return c
}

// Player 依 ID 取得玩家（快照用）
func (r *Room) Player(playerID string) (*Player, bool) {
	p := r.findPlayer(playerID)
	return p, p != nil
}

// IsHost 檢查是否為房主
func (r *Room) IsHost(playerID string) bool {
	return playerID != "" && r.HostID == playerID
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

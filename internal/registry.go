package internal

import (
	"sync"
)

// Conn 可接收廣播的連線
//
// Send 為非阻塞：連線已關閉或緩衝區已滿時回傳 false。
type Conn interface {
	Send(message []byte) bool
}

// Registry 房間 → 訂閱連線集合
//
// 與 Store 互相獨立；只記錄每個連線代表的 player id（旁觀者為空字串），
// 不讀寫任何遊戲資料。
type Registry struct {
	rooms map[string]map[Conn]string // roomCode -> conn -> playerID
	mu    sync.RWMutex
}

// NewRegistry 創建連線註冊表
func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[Conn]string),
	}
}

// Subscribe 訂閱房間；同一連線重複訂閱會覆蓋綁定的玩家
func (r *Registry) Subscribe(roomCode string, conn Conn, playerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, exists := r.rooms[roomCode]
	if !exists {
		conns = make(map[Conn]string)
		r.rooms[roomCode] = conns
	}
	conns[conn] = playerID
}

// Unsubscribe 取消訂閱，回傳房間剩餘連線數
func (r *Registry) Unsubscribe(roomCode string, conn Conn) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns, exists := r.rooms[roomCode]
	if !exists {
		return 0
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(r.rooms, roomCode)
		return 0
	}
	return len(conns)
}

// Broadcast 發送到房間所有連線（exclude 可為 nil），回傳成功送出的數量
//
// 未開啟或緩衝區滿的連線直接略過。
func (r *Registry) Broadcast(roomCode string, message []byte, exclude Conn) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sent := 0
	for conn := range r.rooms[roomCode] {
		if exclude != nil && conn == exclude {
			continue
		}
		if conn.Send(message) {
			sent++
		}
	}
	return sent
}

// Count 房間目前的連線數
func (r *Registry) Count(roomCode string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomCode])
}

// HasPlayer 檢查玩家是否仍有連線在房間中
func (r *Registry) HasPlayer(roomCode, playerID string) bool {
	if playerID == "" {
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.rooms[roomCode] {
		if id == playerID {
			return true
		}
	}
	return false
}

// Counts 每個房間的連線數
func (r *Registry) Counts() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]int, len(r.rooms))
	for roomCode, conns := range r.rooms {
		result[roomCode] = len(conns)
	}
	return result
}

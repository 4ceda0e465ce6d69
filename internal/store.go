package internal

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	roomCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	roomCodeLength = 6
)

// Store 房間狀態的唯一擁有者
//
// 所有房間、玩家、物品資料只能透過 Store 的操作修改；
// 連線層與生命週期管理只以 room code / player id 引用。
//
// 鎖順序：Store.mu → Room.mu → Store.rngMu
type Store struct {
	rooms  map[string]*Room
	mu     sync.RWMutex
	logger *slog.Logger

	rng        *rand.Rand
	rngMu      sync.Mutex
	spawnCount int
	now        func() time.Time
}

// StoreOption Store 設定選項
type StoreOption func(*Store)

// WithSpawnCount 開始遊戲時生成的物品數量
func WithSpawnCount(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.spawnCount = n
		}
	}
}

// WithRand 指定亂數來源（測試用）
func WithRand(rng *rand.Rand) StoreOption {
	return func(s *Store) {
		s.rng = rng
	}
}

// WithClock 指定時間來源（測試用）
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore 創建房間儲存
func NewStore(logger *slog.Logger, opts ...StoreOption) *Store {
	s := &Store{
		rooms:      make(map[string]*Room),
		logger:     logger,
		rng:        rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		spawnCount: DefaultSpawnCount,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRoom 創建房間，創建者成為房主並取得第一個顏色
func (s *Store) CreateRoom(hostName string, timerDuration *int, difficulty Difficulty) (*Room, string, error) {
	if !difficulty.Valid() {
		return nil, "", &ValidationError{Field: "difficulty", Reason: "must be between 1 and 4"}
	}

	host := &Player{
		ID:       uuid.NewString(),
		Name:     hostName,
		Color:    PlayerColors[0],
		Position: Position{X: 100, Y: 100},
	}

	s.mu.Lock()
	code := s.generateCode()
	room := newRoom(code, host, timerDuration, difficulty, s.now())
	s.rooms[code] = room
	s.mu.Unlock()

	s.logger.Info("房間已創建",
		"room_code", code,
		"host_id", host.ID,
		"difficulty", difficulty,
		"timer_duration", timerDuration)

	return s.snapshot(room), host.ID, nil
}

// JoinRoom 加入房間（只允許在 waiting 狀態）
func (s *Store) JoinRoom(code, playerName string) (*Room, string, error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return nil, "", err
	}
	defer room.mu.Unlock()

	if room.GameState != StateWaiting {
		return nil, "", fmt.Errorf("join room %s: %w", code, ErrGameAlreadyStarted)
	}

	n := len(room.Players)
	player := &Player{
		ID:       uuid.NewString(),
		Name:     playerName,
		Color:    PlayerColors[n%len(PlayerColors)],
		Position: Position{X: 100 + float64(n)*50, Y: 100},
	}
	room.Players = append(room.Players, player)

	s.logger.Info("玩家加入房間",
		"room_code", code,
		"player_id", player.ID,
		"player_name", playerName)

	return room.clone(), player.ID, nil
}

// GetRoom 取得房間快照
func (s *Store) GetRoom(code string) (*Room, error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()
	return room.clone(), nil
}

// StartGame 生成整批物品並進入 playing
//
// 不保證冪等：重複呼叫會重新生成物品，由 Dispatcher 保證只呼叫一次。
func (s *Store) StartGame(code string) ([]CollectibleItem, error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return nil, err
	}
	defer room.mu.Unlock()

	s.rngMu.Lock()
	items := SpawnItems(s.rng, room.Difficulty, s.spawnCount, nil)
	s.rngMu.Unlock()

	started := s.now().UnixMilli()
	room.Items = items
	room.GameState = StatePlaying
	room.StartedAt = &started

	s.logger.Info("遊戲開始",
		"room_code", code,
		"items", len(items),
		"players", len(room.Players))

	out := make([]CollectibleItem, len(items))
	copy(out, items)
	return out, nil
}

// UpdatePlayerPosition 更新游標位置，回傳是否找到玩家
//
// 房間或玩家不存在時直接忽略，不視為錯誤：移動訊息高頻且允許短暫過時。
func (s *Store) UpdatePlayerPosition(code, playerID string, pos Position) bool {
	room, err := s.lockRoom(code)
	if err != nil {
		return false
	}
	defer room.mu.Unlock()

	p := room.findPlayer(playerID)
	if p == nil {
		return false
	}
	p.Position = pos
	return true
}

// CollectItem 記錄一次收集嘗試，回傳更新後的分數
//
// 不論對錯 TotalAttempts 都會增加；正確時加分並移除物品。
func (s *Store) CollectItem(code, playerID, itemID string, correct bool) (int, error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return 0, err
	}
	defer room.mu.Unlock()

	player := room.findPlayer(playerID)
	idx := room.itemIndex(itemID)
	if player == nil || idx < 0 {
		return 0, fmt.Errorf("collect item %s in room %s: %w", itemID, code, ErrPlayerOrItemNotFound)
	}

	player.TotalAttempts++
	if correct {
		player.Score += room.Items[idx].Points
		player.ItemsCollected++
		player.CorrectAttempts++
		room.Items = append(room.Items[:idx], room.Items[idx+1:]...)
	}

	return player.Score, nil
}

// EndGame 進入 finished，回傳這次呼叫是否實際完成了轉換
func (s *Store) EndGame(code string) (bool, error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return false, err
	}
	defer room.mu.Unlock()

	if room.GameState == StateFinished {
		return false, nil
	}
	room.GameState = StateFinished

	s.logger.Info("遊戲結束", "room_code", code)
	return true, nil
}

// UpdateTimer 設定剩餘秒數（呼叫端為 GameTimer，不做驗證）
func (s *Store) UpdateTimer(code string, remaining int) {
	room, err := s.lockRoom(code)
	if err != nil {
		return
	}
	defer room.mu.Unlock()
	room.TimeRemaining = &remaining
}

// RemovePlayer 永久移除玩家；房間因此清空時連同房間一起刪除
func (s *Store) RemovePlayer(code, playerID string) (roomDeleted bool, err error) {
	room, err := s.lockRoom(code)
	if err != nil {
		return false, err
	}

	players := room.Players[:0]
	for _, p := range room.Players {
		if p.ID != playerID {
			players = append(players, p)
		}
	}
	room.Players = players
	empty := len(room.Players) == 0
	if empty {
		room.deleted = true
	}
	room.mu.Unlock()

	s.logger.Info("玩家離開房間",
		"room_code", code,
		"player_id", playerID,
		"remaining", len(players))

	if empty {
		s.mu.Lock()
		if s.rooms[code] == room {
			delete(s.rooms, code)
		}
		s.mu.Unlock()
		s.logger.Info("房間已移除", "room_code", code)
		return true, nil
	}
	return false, nil
}

// DeleteRoom 直接刪除房間
func (s *Store) DeleteRoom(code string) bool {
	s.mu.RLock()
	room, exists := s.rooms[code]
	s.mu.RUnlock()
	if !exists {
		return false
	}
	return s.removeRoom(code, room)
}

// RespawnItem 補充一個物品
//
// 房間不存在或不在 playing 時回傳 false。新物品與場上「目前」
// 的物品保持距離，而不是與最初那一批。
func (s *Store) RespawnItem(code string) (CollectibleItem, bool) {
	room, err := s.lockRoom(code)
	if err != nil {
		return CollectibleItem{}, false
	}
	defer room.mu.Unlock()

	if room.GameState != StatePlaying {
		return CollectibleItem{}, false
	}

	s.rngMu.Lock()
	item, ok := SpawnItem(s.rng, room.Difficulty, room.itemPositions())
	s.rngMu.Unlock()
	if !ok {
		return CollectibleItem{}, false
	}

	room.Items = append(room.Items, item)
	return item, true
}

// Expired 列出 expired 判定為過期的房間（不刪除）
//
// 刪除由呼叫端在房間鎖內重新確認後執行（見 Lifecycle.sweep）。
func (s *Store) Expired(expired func(room *Room, age time.Duration) bool) []string {
	now := s.now()

	s.mu.RLock()
	candidates := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		candidates = append(candidates, room)
	}
	s.mu.RUnlock()

	var codes []string
	for _, room := range candidates {
		room.mu.Lock()
		snap := room.clone()
		room.mu.Unlock()

		if expired(snap, now.Sub(snap.created)) {
			codes = append(codes, snap.Code)
		}
	}
	return codes
}

// Stats 獲取統計資訊
func (s *Store) Stats() map[string]any {
	s.mu.RLock()
	rooms := make([]*Room, 0, len(s.rooms))
	for _, room := range s.rooms {
		rooms = append(rooms, room)
	}
	s.mu.RUnlock()

	stateCount := make(map[GameState]int)
	totalPlayers := 0
	for _, room := range rooms {
		room.mu.Lock()
		stateCount[room.GameState]++
		totalPlayers += len(room.Players)
		room.mu.Unlock()
	}

	return map[string]any{
		"total_rooms":   len(rooms),
		"total_players": totalPlayers,
		"by_state":      stateCount,
	}
}

// lockRoom 取得並鎖住房間，呼叫端負責 Unlock
func (s *Store) lockRoom(code string) (*Room, error) {
	s.mu.RLock()
	room, exists := s.rooms[code]
	s.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("room %s: %w", code, ErrRoomNotFound)
	}

	room.mu.Lock()
	if room.deleted {
		room.mu.Unlock()
		return nil, fmt.Errorf("room %s: %w", code, ErrRoomNotFound)
	}
	return room, nil
}

// removeRoom 從房間表移除（內部使用）
func (s *Store) removeRoom(code string, room *Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, exists := s.rooms[code]; !exists || current != room {
		return false
	}
	delete(s.rooms, code)

	room.mu.Lock()
	room.deleted = true
	room.mu.Unlock()

	s.logger.Info("房間已移除", "room_code", code)
	return true
}

// age 房間存活時間（以 Store 的時鐘計算）
func (s *Store) age(room *Room) time.Duration {
	return s.now().Sub(room.created)
}

func (s *Store) snapshot(room *Room) *Room {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.clone()
}

// generateCode 生成不重複的 6 碼房間代碼（需要持有 s.mu 寫鎖）
func (s *Store) generateCode() string {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	b := make([]byte, roomCodeLength)
	for {
		for i := range b {
			b[i] = roomCodeChars[s.rng.IntN(len(roomCodeChars))]
		}
		if _, exists := s.rooms[string(b)]; !exists {
			return string(b)
		}
	}
}

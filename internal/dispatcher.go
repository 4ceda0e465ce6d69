package internal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// Session 一條客戶端連線與它目前綁定的房間/玩家
type Session interface {
	Conn
	Session() (roomCode, playerID string)
	SetSession(roomCode, playerID string)
}

// Dispatcher 協議分派器
//
// 解析入站訊息 → 呼叫 Store → 廣播結果。同一房間的處理
// （包含倒數、補充、寬限回呼）都在 roomLocks 內序列化，
// 「移除物品 → 檢查是否清空 → 結束遊戲」這類檢查後動作是原子的，
// 而且一則訊息觸發的廣播會在下一則訊息處理前全部送入各連線的佇列。
type Dispatcher struct {
	store     *Store
	registry  *Registry
	scheduler *Scheduler
	timer     *GameTimer
	lifecycle *Lifecycle
	locks     *roomLocks
	config    GameConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher 創建分派器以及它擁有的倒數器與生命週期管理
func NewDispatcher(store *Store, registry *Registry, config Config, logger *slog.Logger) *Dispatcher {
	scheduler := NewScheduler(logger)
	d := &Dispatcher{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		timer:     NewGameTimer(scheduler, config.Game.TickInterval),
		locks:     newRoomLocks(),
		config:    config.Game,
		logger:    logger,
		now:       time.Now,
	}
	d.lifecycle = newLifecycle(store, registry, scheduler, d.locks, d, config.Session, logger)
	d.lifecycle.Start()
	return d
}

// Lifecycle 生命週期管理
func (d *Dispatcher) Lifecycle() *Lifecycle {
	return d.lifecycle
}

// Scheduler 排程器
func (d *Dispatcher) Scheduler() *Scheduler {
	return d.scheduler
}

// Registry 連線訂閱表
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Stop 停止掃描並取消所有排程
func (d *Dispatcher) Stop() {
	d.lifecycle.Stop()
	d.scheduler.Stop()
	d.logger.Info("分派器已停止")
}

// Handle 處理一則入站訊息
//
// 格式錯誤、未知類型、缺欄位只記錄日誌，不影響連線與其他房間。
func (d *Dispatcher) Handle(s Session, data []byte) {
	msg, err := DecodeInbound(data)
	if err != nil {
		d.logger.Warn("無效的客戶端訊息", "error", err)
		return
	}
	d.Dispatch(s, msg)
}

// Dispatch 處理一則已解析的入站訊息
func (d *Dispatcher) Dispatch(s Session, msg InboundMessage) {
	// 連線改綁其他房間或其他玩家時，先讓原本的綁定走斷線流程
	// （兩個房間的鎖不同時持有）
	if msg.Type == MsgJoinRoom {
		current, playerID := s.Session()
		if current != "" && (current != msg.RoomCode || playerID != msg.PlayerID) {
			d.Disconnect(s)
		}
	}

	unlock := d.locks.lock(msg.RoomCode)
	defer unlock()

	switch msg.Type {
	case MsgJoinRoom:
		d.handleJoinRoom(s, msg)
	case MsgStartGame:
		d.handleStartGame(s, msg)
	case MsgPlayerMove:
		d.handlePlayerMove(s, msg)
	case MsgCollectItem:
		d.handleCollectItem(s, msg)
	case MsgGetResults:
		d.handleGetResults(s, msg)
	}
}

// Disconnect 連線關閉或離開房間
func (d *Dispatcher) Disconnect(s Session) {
	roomCode, playerID := s.Session()
	if roomCode == "" {
		return
	}

	unlock := d.locks.lock(roomCode)
	defer unlock()

	remaining := d.registry.Unsubscribe(roomCode, s)
	s.SetSession("", "")
	d.lifecycle.Disconnected(roomCode, playerID, remaining)
}

func (d *Dispatcher) handleJoinRoom(s Session, msg InboundMessage) {
	room, err := d.store.GetRoom(msg.RoomCode)
	if err != nil {
		d.logger.Warn("加入不存在的房間",
			"room_code", msg.RoomCode,
			"player_id", msg.PlayerID)
		d.reply(s, ErrorMessage{Type: MsgError, Message: "Room not found"})
		return
	}

	var player *Player
	if msg.PlayerID != "" {
		p, ok := room.Player(msg.PlayerID)
		if ok {
			player = p
		} else {
			d.logger.Warn("未知的玩家 ID，以旁觀者身份加入",
				"room_code", msg.RoomCode,
				"player_id", msg.PlayerID)
		}
	}

	playerID := ""
	if player != nil {
		playerID = player.ID
	}

	d.registry.Subscribe(msg.RoomCode, s, playerID)
	s.SetSession(msg.RoomCode, playerID)
	d.lifecycle.Reconnected(msg.RoomCode, playerID)

	d.logger.Info("連線加入房間",
		"room_code", msg.RoomCode,
		"player_id", playerID,
		"connections", d.registry.Count(msg.RoomCode))

	d.Broadcast(msg.RoomCode, RoomStateMessage{Type: MsgRoomState, Room: room}, nil)
	if player != nil {
		d.Broadcast(msg.RoomCode, PlayerJoinedMessage{Type: MsgPlayerJoined, Player: player}, s)
	}
}

func (d *Dispatcher) handleStartGame(s Session, msg InboundMessage) {
	room, err := d.store.GetRoom(msg.RoomCode)
	if err != nil {
		d.logger.Warn("開始不存在的房間", "room_code", msg.RoomCode)
		return
	}

	if room.GameState != StateWaiting {
		d.logger.Warn("遊戲已開始或已結束",
			"room_code", msg.RoomCode,
			"state", room.GameState)
		return
	}

	sessionRoom, playerID := s.Session()
	if sessionRoom != msg.RoomCode || !room.IsHost(playerID) {
		d.logger.Warn("只有房主可以開始遊戲",
			"room_code", msg.RoomCode,
			"player_id", playerID)
		return
	}

	items, err := d.store.StartGame(msg.RoomCode)
	if err != nil {
		d.logger.Error("開始遊戲失敗", "room_code", msg.RoomCode, "error", err)
		return
	}

	room, err = d.store.GetRoom(msg.RoomCode)
	if err != nil {
		return
	}

	d.Broadcast(msg.RoomCode, GameStartedMessage{
		Type:      MsgGameStarted,
		Items:     items,
		StartedAt: *room.StartedAt,
	}, nil)
	d.Broadcast(msg.RoomCode, RoomStateMessage{Type: MsgRoomState, Room: room}, nil)

	if room.TimerDuration != nil && *room.TimerDuration > 0 {
		roomCode := msg.RoomCode
		d.timer.Start(roomCode, time.Duration(*room.TimerDuration)*time.Second, func(remaining int) bool {
			return d.tick(roomCode, remaining)
		})
	}
}

func (d *Dispatcher) handlePlayerMove(s Session, msg InboundMessage) {
	if !d.store.UpdatePlayerPosition(msg.RoomCode, msg.PlayerID, *msg.Position) {
		return
	}
	d.Broadcast(msg.RoomCode, PlayerMovedMessage{
		Type:     MsgPlayerMoved,
		PlayerID: msg.PlayerID,
		Position: *msg.Position,
	}, s)
}

func (d *Dispatcher) handleCollectItem(s Session, msg InboundMessage) {
	room, err := d.store.GetRoom(msg.RoomCode)
	if err != nil {
		d.logger.Warn("收集時房間不存在", "room_code", msg.RoomCode)
		return
	}
	if room.GameState != StatePlaying {
		d.logger.Debug("遊戲未進行，忽略收集",
			"room_code", msg.RoomCode,
			"state", room.GameState)
		return
	}

	correct := *msg.Correct
	newScore, err := d.store.CollectItem(msg.RoomCode, msg.PlayerID, msg.ItemID, correct)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, ErrPlayerOrItemNotFound) {
			level = slog.LevelWarn
		}
		d.logger.Log(context.Background(), level, "收集物品失敗",
			"room_code", msg.RoomCode,
			"player_id", msg.PlayerID,
			"item_id", msg.ItemID,
			"error", err)
		return
	}

	d.Broadcast(msg.RoomCode, ItemCollectedMessage{
		Type:     MsgItemCollected,
		ItemID:   msg.ItemID,
		PlayerID: msg.PlayerID,
		Correct:  correct,
		NewScore: newScore,
	}, nil)

	if !correct {
		return
	}

	after, err := d.store.GetRoom(msg.RoomCode)
	if err != nil {
		return
	}
	if len(after.Items) == 0 && after.GameState == StatePlaying {
		d.finishGameLocked(msg.RoomCode, "items_depleted")
		return
	}

	roomCode := msg.RoomCode
	d.scheduler.Schedule(respawnKey(roomCode, msg.ItemID), d.config.RespawnDelay, func() {
		d.respawn(roomCode)
	})
}

func (d *Dispatcher) handleGetResults(s Session, msg InboundMessage) {
	room, err := d.store.GetRoom(msg.RoomCode)
	if err != nil {
		d.logger.Warn("查詢不存在房間的結果", "room_code", msg.RoomCode)
		return
	}
	d.reply(s, GameEndedMessage{Type: MsgGameEnded, Stats: ComputeStats(room, d.now())})
}

// tick 倒數回呼
func (d *Dispatcher) tick(roomCode string, remaining int) bool {
	unlock := d.locks.lock(roomCode)
	defer unlock()

	room, err := d.store.GetRoom(roomCode)
	if err != nil || room.GameState != StatePlaying {
		return false
	}

	d.store.UpdateTimer(roomCode, remaining)
	d.Broadcast(roomCode, TimerUpdateMessage{Type: MsgTimerUpdate, TimeRemaining: remaining}, nil)

	if remaining == 0 {
		d.finishGameLocked(roomCode, "timer_expired")
		return false
	}
	return true
}

// respawn 補充回呼
func (d *Dispatcher) respawn(roomCode string) {
	unlock := d.locks.lock(roomCode)
	defer unlock()

	item, ok := d.store.RespawnItem(roomCode)
	if !ok {
		return
	}
	d.Broadcast(roomCode, ItemRespawnedMessage{Type: MsgItemRespawned, Item: item}, nil)
}

// finishGameLocked 結束遊戲（需要持有房間鎖）
//
// 倒數歸零與物品清空兩條路徑先到先贏；EndGame 只有一次會回傳 true，
// 結算廣播與計時取消因此只發生一次。
func (d *Dispatcher) finishGameLocked(roomCode, reason string) {
	ended, err := d.store.EndGame(roomCode)
	if err != nil || !ended {
		return
	}

	d.timer.Stop(roomCode)
	d.scheduler.CancelRoom(roomCode, TaskRespawn)

	room, err := d.store.GetRoom(roomCode)
	if err != nil {
		return
	}

	d.logger.Info("遊戲結算",
		"room_code", roomCode,
		"reason", reason,
		"players", len(room.Players))

	d.Broadcast(roomCode, GameEndedMessage{Type: MsgGameEnded, Stats: ComputeStats(room, d.now())}, nil)
	d.Broadcast(roomCode, RoomStateMessage{Type: MsgRoomState, Room: room}, nil)
}

// Broadcast 序列化一次後發送給房間所有連線
func (d *Dispatcher) Broadcast(roomCode string, message any, exclude Conn) {
	data, err := json.Marshal(message)
	if err != nil {
		d.logger.Error("序列化訊息失敗", "room_code", roomCode, "error", err)
		return
	}
	d.registry.Broadcast(roomCode, data, exclude)
}

// reply 只回給發送者
func (d *Dispatcher) reply(s Session, message any) {
	data, err := json.Marshal(message)
	if err != nil {
		d.logger.Error("序列化訊息失敗", "error", err)
		return
	}
	s.Send(data)
}

func respawnKey(roomCode, itemID string) TaskKey {
	return TaskKey{Kind: TaskRespawn, RoomCode: roomCode, Subject: itemID}
}

package internal

import (
	"log/slog"
	"sync"
	"time"
)

// Notifier 房間廣播
type Notifier interface {
	Broadcast(roomCode string, message any, exclude Conn)
}

// Lifecycle 斷線與空房的寬限管理
//
// 狀態機（每個 room/player）：
//
//	connected --斷線--> grace(30s) --逾時且未重連--> removed（廣播 player-left）
//	                      └--同一 player id 重新 join-room--> connected
//
// 狀態機（每個 room 的連線集合）：
//
//	non-empty --最後一個連線離開--> grace(5s) --逾時且仍為空--> deleted
//	                                  └--任何連線重新訂閱--> non-empty
//
// 所有回呼在房間鎖內重新驗證狀態；排程後狀態可能已改變。
type Lifecycle struct {
	store     *Store
	registry  *Registry
	scheduler *Scheduler
	locks     *roomLocks
	notifier  Notifier
	config    SessionConfig
	logger    *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newLifecycle(store *Store, registry *Registry, scheduler *Scheduler, locks *roomLocks, notifier Notifier, config SessionConfig, logger *slog.Logger) *Lifecycle {
	return &Lifecycle{
		store:     store,
		registry:  registry,
		scheduler: scheduler,
		locks:     locks,
		notifier:  notifier,
		config:    config,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Reconnected 連線訂閱房間時呼叫（需要持有房間鎖）
//
// 取消空房回收，以及同一玩家的斷線寬限。
func (l *Lifecycle) Reconnected(roomCode, playerID string) {
	if l.scheduler.Cancel(cleanupKey(roomCode)) {
		l.logger.Debug("取消空房回收", "room_code", roomCode)
	}
	if playerID == "" {
		return
	}
	if l.scheduler.Cancel(disconnectKey(roomCode, playerID)) {
		l.logger.Info("玩家在寬限期內重連",
			"room_code", roomCode,
			"player_id", playerID)
	}
}

// Disconnected 連線離開房間時呼叫（需要持有房間鎖）
//
// remaining 為離開後房間剩餘的連線數。
func (l *Lifecycle) Disconnected(roomCode, playerID string, remaining int) {
	if playerID != "" {
		l.scheduler.Schedule(disconnectKey(roomCode, playerID), l.config.DisconnectGrace, func() {
			l.expirePlayer(roomCode, playerID)
		})
		l.logger.Info("玩家斷線，進入寬限期",
			"room_code", roomCode,
			"player_id", playerID,
			"grace", l.config.DisconnectGrace)
	}

	if remaining == 0 {
		l.scheduler.Schedule(cleanupKey(roomCode), l.config.CleanupGrace, func() {
			l.abandonRoom(roomCode)
		})
		l.logger.Info("房間已無連線，進入回收寬限期",
			"room_code", roomCode,
			"grace", l.config.CleanupGrace)
	}
}

// expirePlayer 斷線寬限到期
func (l *Lifecycle) expirePlayer(roomCode, playerID string) {
	unlock := l.locks.lock(roomCode)
	defer unlock()

	if l.registry.HasPlayer(roomCode, playerID) {
		return
	}

	room, err := l.store.GetRoom(roomCode)
	if err != nil {
		return
	}
	if _, ok := room.Player(playerID); !ok {
		return
	}

	deleted, err := l.store.RemovePlayer(roomCode, playerID)
	if err != nil {
		return
	}

	l.logger.Info("斷線寬限到期，移除玩家",
		"room_code", roomCode,
		"player_id", playerID,
		"room_deleted", deleted)

	l.notifier.Broadcast(roomCode, PlayerLeftMessage{Type: MsgPlayerLeft, PlayerID: playerID}, nil)

	if deleted {
		l.scheduler.CancelRoom(roomCode)
	}
}

// abandonRoom 空房寬限到期
func (l *Lifecycle) abandonRoom(roomCode string) {
	unlock := l.locks.lock(roomCode)
	defer unlock()

	if l.registry.Count(roomCode) > 0 {
		return
	}
	l.deleteRoomLocked(roomCode, "abandoned")
}

// deleteRoomLocked 刪除房間並取消它的倒數、補充與寬限任務（需要持有房間鎖）
func (l *Lifecycle) deleteRoomLocked(roomCode, reason string) {
	if !l.store.DeleteRoom(roomCode) {
		return
	}
	cancelled := l.scheduler.CancelRoom(roomCode)

	l.logger.Info("房間已回收",
		"room_code", roomCode,
		"reason", reason,
		"cancelled_tasks", cancelled)
}

// Start 啟動過期房間掃描
//
// 透過 HTTP 建立但從未有人連線的房間不會觸發空房寬限，
// 由這裡依 RoomIdleTTL 回收；RoomMaxAge 是所有房間的存活上限。
func (l *Lifecycle) Start() {
	if l.config.SweepInterval <= 0 {
		return
	}
	l.wg.Add(1)
	go l.cleanupLoop()
}

// Stop 停止掃描
func (l *Lifecycle) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}

func (l *Lifecycle) cleanupLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-l.stopCh:
			return
		}
	}
}

// Sweep 執行一次過期房間掃描，回傳被回收的數量
func (l *Lifecycle) Sweep() int {
	codes := l.store.Expired(l.expired)

	removed := 0
	for _, code := range codes {
		if l.sweepRoom(code) {
			removed++
		}
	}
	return removed
}

func (l *Lifecycle) sweepRoom(roomCode string) bool {
	unlock := l.locks.lock(roomCode)
	defer unlock()

	room, err := l.store.GetRoom(roomCode)
	if err != nil {
		return false
	}
	if !l.expired(room, l.store.age(room)) {
		return false
	}
	l.deleteRoomLocked(roomCode, "expired")
	return true
}

func (l *Lifecycle) expired(room *Room, age time.Duration) bool {
	if l.config.RoomMaxAge > 0 && age > l.config.RoomMaxAge {
		return true
	}
	return l.config.RoomIdleTTL > 0 &&
		age > l.config.RoomIdleTTL &&
		l.registry.Count(room.Code) == 0
}

func disconnectKey(roomCode, playerID string) TaskKey {
	return TaskKey{Kind: TaskDisconnect, RoomCode: roomCode, Subject: playerID}
}

func cleanupKey(roomCode string) TaskKey {
	return TaskKey{Kind: TaskCleanup, RoomCode: roomCode}
}

package internal

import (
	"log/slog"
	"sync"
	"time"
)

// TaskKind 排程任務種類
type TaskKind string

const (
	TaskCountdown  TaskKind = "countdown"  // 遊戲倒數的下一個 tick
	TaskRespawn    TaskKind = "respawn"    // 物品補充（Subject = 被收集的 item id）
	TaskDisconnect TaskKind = "disconnect" // 斷線寬限（Subject = player id）
	TaskCleanup    TaskKind = "cleanup"    // 空房寬限
)

// TaskKey 排程任務的唯一鍵
type TaskKey struct {
	Kind     TaskKind
	RoomCode string
	Subject  string
}

// Scheduler 可取消的延遲任務表
//
// 每個 TaskKey 最多一個待執行任務；同鍵重新排程會取代舊任務。
// 取消是「查表 + Stop」，不需要持有 timer 參考。
//
// 任務觸發時先確認自己仍是表中的那一筆再執行，因此
// Cancel 之後才觸發的 timer 不會執行回呼。已經開始執行的回呼
// 無法被取消，回呼本身必須重新驗證房間狀態。
type Scheduler struct {
	tasks  map[TaskKey]*task
	mu     sync.Mutex
	logger *slog.Logger
	wg     sync.WaitGroup
	closed bool
}

type task struct {
	timer *time.Timer
}

// NewScheduler 創建排程器
func NewScheduler(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		tasks:  make(map[TaskKey]*task),
		logger: logger,
	}
}

// Schedule 在 delay 之後執行 fn；同鍵既有任務會被取消
func (s *Scheduler) Schedule(key TaskKey, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	if old, exists := s.tasks[key]; exists {
		old.timer.Stop()
	}

	t := &task{}
	t.timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.tasks[key] != t {
			s.mu.Unlock()
			return
		}
		delete(s.tasks, key)
		s.wg.Add(1)
		s.mu.Unlock()

		defer s.wg.Done()
		fn()
	})
	s.tasks[key] = t
}

// Cancel 取消任務，回傳是否真的有待執行任務被取消
func (s *Scheduler) Cancel(key TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[key]
	if !exists {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// CancelRoom 取消房間的指定種類任務（未指定種類則全部取消）
func (s *Scheduler) CancelRoom(roomCode string, kinds ...TaskKind) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for key, t := range s.tasks {
		if key.RoomCode != roomCode || !matchKind(key.Kind, kinds) {
			continue
		}
		t.timer.Stop()
		delete(s.tasks, key)
		cancelled++
	}

	if cancelled > 0 {
		s.logger.Debug("取消房間排程",
			"room_code", roomCode,
			"kinds", kinds,
			"cancelled", cancelled)
	}
	return cancelled
}

// Pending 檢查任務是否仍在等待
func (s *Scheduler) Pending(key TaskKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.tasks[key]
	return exists
}

// Len 待執行任務數
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Stop 取消所有任務並等待執行中的回呼結束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

func matchKind(kind TaskKind, kinds []TaskKind) bool {
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

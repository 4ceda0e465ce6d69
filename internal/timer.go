package internal

import (
	"time"
)

// TickFunc 倒數回呼，回傳 false 代表停止倒數
type TickFunc func(remaining int) bool

// GameTimer 每個房間一個倒數
//
// 剩餘秒數每次都由固定的結束時間（start + duration）重新計算，
// tick 的排程誤差不會累積。剩餘為 0 時自行停止。
type GameTimer struct {
	scheduler *Scheduler
	interval  time.Duration
	now       func() time.Time
}

// NewGameTimer 創建倒數器
func NewGameTimer(scheduler *Scheduler, interval time.Duration) *GameTimer {
	return &GameTimer{
		scheduler: scheduler,
		interval:  interval,
		now:       time.Now,
	}
}

// Start 開始倒數，既有的倒數會被取代
func (t *GameTimer) Start(roomCode string, duration time.Duration, onTick TickFunc) {
	end := t.now().Add(duration)
	t.schedule(roomCode, end, onTick)
}

// Stop 取消倒數，回傳是否有倒數被取消
func (t *GameTimer) Stop(roomCode string) bool {
	return t.scheduler.Cancel(countdownKey(roomCode))
}

// Running 檢查房間是否正在倒數
func (t *GameTimer) Running(roomCode string) bool {
	return t.scheduler.Pending(countdownKey(roomCode))
}

func (t *GameTimer) schedule(roomCode string, end time.Time, onTick TickFunc) {
	t.scheduler.Schedule(countdownKey(roomCode), t.interval, func() {
		remaining := Remaining(end, t.now())
		if !onTick(remaining) || remaining == 0 {
			return
		}
		t.schedule(roomCode, end, onTick)
	})
}

// Remaining 距離 end 的剩餘秒數（無條件進位，最小 0）
func Remaining(end, now time.Time) int {
	left := end.Sub(now)
	if left <= 0 {
		return 0
	}
	return int((left + time.Second - 1) / time.Second)
}

func countdownKey(roomCode string) TaskKey {
	return TaskKey{Kind: TaskCountdown, RoomCode: roomCode}
}

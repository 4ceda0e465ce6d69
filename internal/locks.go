package internal

import "sync"

// roomLocks 以 room code 為鍵的互斥鎖
//
// 同一房間的所有處理（入站訊息、倒數、補充、斷線寬限、空房回收）
// 都在該房間的鎖內執行，房間之間互不阻塞。
// 沒有人持有或等待時，鎖會從表中移除。
type roomLocks struct {
	locks map[string]*roomLock
	mu    sync.Mutex
}

type roomLock struct {
	sync.Mutex
	refs int
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[string]*roomLock)}
}

// lock 鎖住房間，回傳解鎖函數
func (l *roomLocks) lock(roomCode string) func() {
	l.mu.Lock()
	rl, exists := l.locks[roomCode]
	if !exists {
		rl = &roomLock{}
		l.locks[roomCode] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.Lock()
	return func() {
		rl.Unlock()

		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, roomCode)
		}
		l.mu.Unlock()
	}
}

package internal_test

import (
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-letter-arena/internal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession 模擬一條客戶端連線
type fakeSession struct {
	mu       sync.Mutex
	roomCode string
	playerID string
	messages []map[string]any
}

func (s *fakeSession) Send(message []byte) bool {
	var m map[string]any
	if err := json.Unmarshal(message, &m); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return true
}

func (s *fakeSession) Session() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode, s.playerID
}

func (s *fakeSession) SetSession(roomCode, playerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roomCode = roomCode
	s.playerID = playerID
}

func (s *fakeSession) ofType(typ string) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []map[string]any
	for _, m := range s.messages {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *fakeSession) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messages))
	for i, m := range s.messages {
		out[i], _ = m["type"].(string)
	}
	return out
}

func (s *fakeSession) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeSession) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

func testConfig() internal.Config {
	config := internal.DefaultConfig()
	config.Game.SpawnCount = 5
	config.Game.RespawnDelay = 30 * time.Millisecond
	config.Game.TickInterval = 50 * time.Millisecond
	config.Session.DisconnectGrace = 80 * time.Millisecond
	config.Session.CleanupGrace = 80 * time.Millisecond
	config.Session.SweepInterval = 0
	return config
}

func newTestDispatcher(t *testing.T, config internal.Config, opts ...internal.StoreOption) (*internal.Store, *internal.Dispatcher) {
	t.Helper()
	opts = append([]internal.StoreOption{
		internal.WithRand(rand.New(rand.NewPCG(7, 11))),
		internal.WithSpawnCount(config.Game.SpawnCount),
	}, opts...)
	store := internal.NewStore(testLogger(), opts...)
	dispatcher := internal.NewDispatcher(store, internal.NewRegistry(), config, testLogger())
	t.Cleanup(dispatcher.Stop)
	return store, dispatcher
}

func send(t *testing.T, d *internal.Dispatcher, s internal.Session, msg map[string]any) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	d.Handle(s, data)
}

func join(t *testing.T, d *internal.Dispatcher, s internal.Session, roomCode, playerID string) {
	t.Helper()
	send(t, d, s, map[string]any{"type": "join-room", "roomCode": roomCode, "playerId": playerID})
}

// twoPlayerRoom 建立房主與一位玩家都已連線的房間
func twoPlayerRoom(t *testing.T, store *internal.Store, d *internal.Dispatcher, timer *int) (code, hostID, guestID string, host, guest *fakeSession) {
	t.Helper()
	room, hostID, err := store.CreateRoom("host", timer, internal.DifficultyVowels)
	require.NoError(t, err)
	_, guestID, err = store.JoinRoom(room.Code, "guest")
	require.NoError(t, err)

	host, guest = &fakeSession{}, &fakeSession{}
	join(t, d, host, room.Code, hostID)
	join(t, d, guest, room.Code, guestID)
	host.reset()
	guest.reset()
	return room.Code, hostID, guestID, host, guest
}

func itemIDs(t *testing.T, store *internal.Store, code string) []string {
	t.Helper()
	room, err := store.GetRoom(code)
	require.NoError(t, err)
	ids := make([]string, len(room.Items))
	for i, item := range room.Items {
		ids[i] = item.ID
	}
	return ids
}

// TestDispatcher_JoinRoom 測試加入房間的廣播
func TestDispatcher_JoinRoom(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	room, hostID, err := store.CreateRoom("host", nil, internal.DifficultyVowels)
	require.NoError(t, err)
	_, guestID, err := store.JoinRoom(room.Code, "guest")
	require.NoError(t, err)

	host := &fakeSession{}
	join(t, d, host, room.Code, hostID)
	assert.Equal(t, []string{"room-state"}, host.types())

	code, id := host.Session()
	assert.Equal(t, room.Code, code)
	assert.Equal(t, hostID, id)

	guest := &fakeSession{}
	join(t, d, guest, room.Code, guestID)

	assert.Equal(t, []string{"room-state", "room-state", "player-joined"}, host.types())
	assert.Equal(t, []string{"room-state"}, guest.types(), "加入者不會收到自己的 player-joined")

	joined := host.ofType("player-joined")[0]
	player, ok := joined["player"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, guestID, player["id"])
	assert.Equal(t, internal.PlayerColors[1], player["color"])

	state := guest.ofType("room-state")[0]["room"].(map[string]any)
	assert.Equal(t, room.Code, state["code"])
	assert.Equal(t, "waiting", state["gameState"])
	assert.Len(t, state["players"], 2)
}

// TestDispatcher_JoinUnknownRoom 加入不存在的房間只回覆發送者
func TestDispatcher_JoinUnknownRoom(t *testing.T) {
	_, d := newTestDispatcher(t, testConfig())

	s := &fakeSession{}
	join(t, d, s, "NOROOM", "p1")

	errs := s.ofType("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "Room not found", errs[0]["message"])

	code, _ := s.Session()
	assert.Empty(t, code)
}

// TestDispatcher_JoinAsSpectator 未知的玩家 ID 以旁觀者身份加入
func TestDispatcher_JoinAsSpectator(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, _, _, host, _ := twoPlayerRoom(t, store, d, nil)

	spectator := &fakeSession{}
	join(t, d, spectator, code, "who-knows")

	assert.Equal(t, []string{"room-state"}, spectator.types())
	assert.Empty(t, host.ofType("player-joined"))

	roomCode, playerID := spectator.Session()
	assert.Equal(t, code, roomCode)
	assert.Empty(t, playerID)

	// 旁觀者也收得到遊戲廣播
	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	assert.Len(t, spectator.ofType("game-started"), 1)
}

// TestDispatcher_StartGame 只有房主能開始遊戲
func TestDispatcher_StartGame(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, _, _, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, guest, map[string]any{"type": "start-game", "roomCode": code})
	assert.Zero(t, host.count())
	room, err := store.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, internal.StateWaiting, room.GameState)

	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	for _, s := range []*fakeSession{host, guest} {
		assert.Equal(t, []string{"game-started", "room-state"}, s.types())
		started := s.ofType("game-started")[0]
		items, ok := started["items"].([]any)
		require.True(t, ok)
		assert.Len(t, items, 5)
		for _, raw := range items {
			item := raw.(map[string]any)
			assert.Contains(t, []string{"a", "e", "i", "o", "u"}, item["letter"])
			assert.Equal(t, float64(1), item["points"])
		}
		assert.NotZero(t, started["startedAt"])
	}

	// 重複開始被忽略
	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	assert.Len(t, host.ofType("game-started"), 1)
}

// TestDispatcher_PlayerMove 移動廣播給其他人
func TestDispatcher_PlayerMove(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, hostID, _, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, host, map[string]any{
		"type": "player-move", "roomCode": code, "playerId": hostID,
		"position": map[string]any{"x": 300, "y": 400},
	})

	assert.Zero(t, host.count())
	moved := guest.ofType("player-moved")
	require.Len(t, moved, 1)
	assert.Equal(t, hostID, moved[0]["playerId"])
	assert.Equal(t, map[string]any{"x": float64(300), "y": float64(400)}, moved[0]["position"])

	room, err := store.GetRoom(code)
	require.NoError(t, err)
	player, _ := room.Player(hostID)
	assert.Equal(t, internal.Position{X: 300, Y: 400}, player.Position)

	// 未知玩家不廣播
	send(t, d, host, map[string]any{
		"type": "player-move", "roomCode": code, "playerId": "ghost",
		"position": map[string]any{"x": 1, "y": 1},
	})
	assert.Len(t, guest.ofType("player-moved"), 1)
}

// TestDispatcher_CollectItem 測試收集與補充
func TestDispatcher_CollectItem(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, hostID, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	ids := itemIDs(t, store, code)
	require.Len(t, ids, 5)
	host.reset()
	guest.reset()

	t.Run("wrong attempt", func(t *testing.T) {
		send(t, d, guest, map[string]any{
			"type": "collect-item", "roomCode": code, "playerId": guestID,
			"itemId": ids[0], "correct": false,
		})

		collected := host.ofType("item-collected")
		require.Len(t, collected, 1)
		assert.Equal(t, false, collected[0]["correct"])
		assert.Equal(t, float64(0), collected[0]["newScore"])
		assert.Len(t, itemIDs(t, store, code), 5)
	})

	t.Run("correct collection respawns", func(t *testing.T) {
		send(t, d, host, map[string]any{
			"type": "collect-item", "roomCode": code, "playerId": hostID,
			"itemId": ids[1], "correct": true,
		})

		for _, s := range []*fakeSession{host, guest} {
			collected := s.ofType("item-collected")
			require.Len(t, collected, 2)
			assert.Equal(t, ids[1], collected[1]["itemId"])
			assert.Equal(t, hostID, collected[1]["playerId"])
			assert.Equal(t, float64(1), collected[1]["newScore"])
		}
		assert.Len(t, itemIDs(t, store, code), 4)

		assert.Eventually(t, func() bool {
			return len(guest.ofType("item-respawned")) == 1
		}, time.Second, 10*time.Millisecond)
		assert.Len(t, itemIDs(t, store, code), 5)
	})

	t.Run("forged item id", func(t *testing.T) {
		before := guest.count()
		send(t, d, host, map[string]any{
			"type": "collect-item", "roomCode": code, "playerId": hostID,
			"itemId": "forged", "correct": true,
		})
		assert.Equal(t, before, guest.count(), "沒有任何廣播")

		room, err := store.GetRoom(code)
		require.NoError(t, err)
		player, _ := room.Player(hostID)
		assert.Equal(t, 1, player.Score)
	})
}

// TestDispatcher_CollectBeforeStart waiting 狀態的收集被忽略
func TestDispatcher_CollectBeforeStart(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, hostID, _, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, host, map[string]any{
		"type": "collect-item", "roomCode": code, "playerId": hostID,
		"itemId": "anything", "correct": true,
	})
	assert.Zero(t, guest.count())
}

// TestDispatcher_ItemsDepleted 物品收完結束遊戲，只結束一次
func TestDispatcher_ItemsDepleted(t *testing.T) {
	config := testConfig()
	config.Game.SpawnCount = 3
	config.Game.RespawnDelay = 200 * time.Millisecond
	store, d := newTestDispatcher(t, config)
	code, hostID, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	ids := itemIDs(t, store, code)
	require.Len(t, ids, 3)

	send(t, d, host, map[string]any{
		"type": "collect-item", "roomCode": code, "playerId": hostID,
		"itemId": ids[0], "correct": true,
	})

	// 最後兩個物品的收集同時到達
	var wg sync.WaitGroup
	for i, s := range []*fakeSession{host, guest} {
		wg.Add(1)
		go func(s *fakeSession, playerID, itemID string) {
			defer wg.Done()
			data, _ := json.Marshal(map[string]any{
				"type": "collect-item", "roomCode": code, "playerId": playerID,
				"itemId": itemID, "correct": true,
			})
			d.Handle(s, data)
		}(s, []string{hostID, guestID}[i], ids[i+1])
	}
	wg.Wait()

	for _, s := range []*fakeSession{host, guest} {
		ended := s.ofType("game-ended")
		require.Len(t, ended, 1)
		stats := ended[0]["stats"].([]any)
		assert.Len(t, stats, 2)

		types := s.types()
		assert.Equal(t, "room-state", types[len(types)-1], "結算之後送出最新房間狀態")
		last := s.ofType("room-state")
		assert.Equal(t, "finished", last[len(last)-1]["room"].(map[string]any)["gameState"])
	}

	room, err := store.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, internal.StateFinished, room.GameState)

	// 結束後補充任務全部取消
	time.Sleep(3 * config.Game.RespawnDelay)
	assert.Empty(t, guest.ofType("item-respawned"))
	assert.Equal(t, 0, d.Scheduler().Len())
}

// TestDispatcher_TimerExpires 倒數歸零結束遊戲
func TestDispatcher_TimerExpires(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, _, _, host, guest := twoPlayerRoom(t, store, d, intPtr(1))

	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})

	for _, s := range []*fakeSession{host, guest} {
		assert.Eventually(t, func() bool {
			return len(s.ofType("game-ended")) == 1
		}, 3*time.Second, 20*time.Millisecond)
	}

	updates := guest.ofType("timer-update")
	require.NotEmpty(t, updates)
	assert.Equal(t, float64(0), updates[len(updates)-1]["timeRemaining"])

	room, err := store.GetRoom(code)
	require.NoError(t, err)
	assert.Equal(t, internal.StateFinished, room.GameState)
	require.NotNil(t, room.TimeRemaining)
	assert.Equal(t, 0, *room.TimeRemaining)

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, host.ofType("game-ended"), 1)
	assert.Equal(t, 0, d.Scheduler().Len())
}

// TestDispatcher_GetResults 結果只回給發送者
func TestDispatcher_GetResults(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, _, _, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, guest, map[string]any{"type": "get-results", "roomCode": code})

	ended := guest.ofType("game-ended")
	require.Len(t, ended, 1)
	assert.Len(t, ended[0]["stats"], 2)
	assert.Zero(t, host.count())
}

// TestDispatcher_MalformedMessages 格式錯誤的訊息不影響連線
func TestDispatcher_MalformedMessages(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	code, _, _, host, guest := twoPlayerRoom(t, store, d, nil)

	for _, raw := range []string{
		`not json`,
		`{"type":"dance","roomCode":"` + code + `"}`,
		`{"type":"player-move","roomCode":"` + code + `"}`,
		`{}`,
	} {
		d.Handle(host, []byte(raw))
	}
	assert.Zero(t, guest.count())

	// 連線仍可正常使用
	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	assert.Len(t, guest.ofType("game-started"), 1)
}

// TestDispatcher_ReconnectWithinGrace 寬限期內重連保留分數、位置與成員身份
func TestDispatcher_ReconnectWithinGrace(t *testing.T) {
	config := testConfig()
	store, d := newTestDispatcher(t, config)
	code, _, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

	send(t, d, host, map[string]any{"type": "start-game", "roomCode": code})
	send(t, d, guest, map[string]any{
		"type": "player-move", "roomCode": code, "playerId": guestID,
		"position": map[string]any{"x": 321, "y": 123},
	})
	send(t, d, guest, map[string]any{
		"type": "collect-item", "roomCode": code, "playerId": guestID,
		"itemId": itemIDs(t, store, code)[0], "correct": true,
	})

	before, err := store.GetRoom(code)
	require.NoError(t, err)
	p, ok := before.Player(guestID)
	require.True(t, ok)
	require.Equal(t, 1, p.Score)
	require.Equal(t, internal.Position{X: 321, Y: 123}, p.Position)

	d.Disconnect(guest)
	roomCode, _ := guest.Session()
	assert.Empty(t, roomCode)

	reconnected := &fakeSession{}
	join(t, d, reconnected, code, guestID)

	time.Sleep(2 * config.Session.DisconnectGrace)
	assert.Empty(t, host.ofType("player-left"))

	after, err := store.GetRoom(code)
	require.NoError(t, err)
	p, ok = after.Player(guestID)
	require.True(t, ok)
	assert.Equal(t, 1, p.Score)
	assert.Equal(t, 1, p.ItemsCollected)
	assert.Equal(t, internal.Position{X: 321, Y: 123}, p.Position)
}

// TestDispatcher_RejoinSameRoomAsOtherIdentity 同一連線在同房間改綁身份，原玩家走斷線流程
func TestDispatcher_RejoinSameRoomAsOtherIdentity(t *testing.T) {
	tests := []struct {
		name     string
		playerID string
	}{
		{"as spectator", ""},
		{"with unknown id", "not-a-player"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := testConfig()
			store, d := newTestDispatcher(t, config)
			code, _, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

			join(t, d, guest, code, tt.playerID)
			roomCode, playerID := guest.Session()
			assert.Equal(t, code, roomCode)
			assert.Empty(t, playerID)

			d.Disconnect(guest)

			assert.Eventually(t, func() bool {
				return len(host.ofType("player-left")) == 1
			}, time.Second, 10*time.Millisecond)
			assert.Equal(t, guestID, host.ofType("player-left")[0]["playerId"])

			room, err := store.GetRoom(code)
			require.NoError(t, err)
			_, ok := room.Player(guestID)
			assert.False(t, ok, "原玩家在寬限到期後被移除")
		})
	}
}

// TestDispatcher_RejoinSameIdentity 同一身份重複 join-room 不觸發寬限
func TestDispatcher_RejoinSameIdentity(t *testing.T) {
	config := testConfig()
	store, d := newTestDispatcher(t, config)
	code, _, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

	join(t, d, guest, code, guestID)
	assert.Equal(t, 0, d.Scheduler().Len())

	time.Sleep(2 * config.Session.DisconnectGrace)
	assert.Empty(t, host.ofType("player-left"))

	room, err := store.GetRoom(code)
	require.NoError(t, err)
	_, ok := room.Player(guestID)
	assert.True(t, ok)
}

// TestDispatcher_DisconnectGraceExpires 寬限到期移除玩家，只廣播一次
func TestDispatcher_DisconnectGraceExpires(t *testing.T) {
	config := testConfig()
	store, d := newTestDispatcher(t, config)
	code, _, guestID, host, guest := twoPlayerRoom(t, store, d, nil)

	d.Disconnect(guest)

	assert.Eventually(t, func() bool {
		return len(host.ofType("player-left")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, guestID, host.ofType("player-left")[0]["playerId"])

	time.Sleep(2 * config.Session.DisconnectGrace)
	assert.Len(t, host.ofType("player-left"), 1)

	room, err := store.GetRoom(code)
	require.NoError(t, err)
	assert.Len(t, room.Players, 1)
}

// TestDispatcher_EmptyRoomCleanup 沒有連線的房間被回收
func TestDispatcher_EmptyRoomCleanup(t *testing.T) {
	config := testConfig()

	t.Run("deleted after grace", func(t *testing.T) {
		store, d := newTestDispatcher(t, config)
		code, _, _, host, guest := twoPlayerRoom(t, store, d, nil)

		d.Disconnect(host)
		d.Disconnect(guest)

		assert.Eventually(t, func() bool {
			_, err := store.GetRoom(code)
			return err != nil
		}, time.Second, 10*time.Millisecond)
		assert.Eventually(t, func() bool { return d.Scheduler().Len() == 0 }, time.Second, 10*time.Millisecond)
	})

	t.Run("rejoin cancels cleanup", func(t *testing.T) {
		store, d := newTestDispatcher(t, config)
		room, hostID, err := store.CreateRoom("host", nil, internal.DifficultyVowels)
		require.NoError(t, err)

		host := &fakeSession{}
		join(t, d, host, room.Code, hostID)
		d.Disconnect(host)
		join(t, d, host, room.Code, hostID)

		time.Sleep(2 * config.Session.CleanupGrace)
		_, err = store.GetRoom(room.Code)
		assert.NoError(t, err)
		assert.Equal(t, 0, d.Scheduler().Len())
	})
}

// TestDispatcher_SwitchRoom 換房間時離開舊房間
func TestDispatcher_SwitchRoom(t *testing.T) {
	store, d := newTestDispatcher(t, testConfig())
	codeA, _, _, hostA, guestA := twoPlayerRoom(t, store, d, nil)
	roomB, hostB, err := store.CreateRoom("other", nil, internal.DifficultyVowels)
	require.NoError(t, err)

	join(t, d, guestA, roomB.Code, hostB)
	roomCode, _ := guestA.Session()
	assert.Equal(t, roomB.Code, roomCode)

	guestA.reset()
	send(t, d, hostA, map[string]any{"type": "start-game", "roomCode": codeA})
	assert.Len(t, hostA.ofType("game-started"), 1)
	assert.Empty(t, guestA.ofType("game-started"), "離開的房間不再收到廣播")
}

// TestLifecycle_Sweep 測試過期房間掃描
func TestLifecycle_Sweep(t *testing.T) {
	config := testConfig()
	config.Session.RoomIdleTTL = 10 * time.Minute
	config.Session.RoomMaxAge = 2 * time.Hour

	clock := newFakeClock()
	store, d := newTestDispatcher(t, config, internal.WithClock(clock.Now))

	idle, _, err := store.CreateRoom("idle", nil, internal.DifficultyVowels)
	require.NoError(t, err)
	active, activeHost, err := store.CreateRoom("active", nil, internal.DifficultyVowels)
	require.NoError(t, err)
	join(t, d, &fakeSession{}, active.Code, activeHost)

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 0, d.Lifecycle().Sweep())

	clock.Advance(6 * time.Minute)
	assert.Equal(t, 1, d.Lifecycle().Sweep())
	_, err = store.GetRoom(idle.Code)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
	_, err = store.GetRoom(active.Code)
	assert.NoError(t, err, "有連線的房間不受閒置回收影響")

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 1, d.Lifecycle().Sweep())
	_, err = store.GetRoom(active.Code)
	assert.ErrorIs(t, err, internal.ErrRoomNotFound)
}

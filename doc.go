// Package main 提供一個即時多人字母收集遊戲的房間服務器。
//
// 玩家透過 HTTP 建立或加入房間，取得 6 碼房間代碼與玩家 ID 之後，
// 以 WebSocket 連線到 /ws 並送出 join-room。房主開始遊戲後，
// 競技場上會出現帶有字母的物品，玩家打出正確字母即可收集得分。
//
// 房間管理
//
// 房間生命週期：
//   - waiting：大廳，可透過 HTTP 加入
//   - playing：生成物品、開始倒數（可選）
//   - finished：物品收完或倒數歸零，廣播結算
//
// 清空的房間直接刪除；建立後從未有人連線的房間由定期掃描回收。
//
// # WebSocket 通訊
//
// 每則訊息是一個帶有 type 欄位的 JSON 物件：
//   - 客戶端：join-room、start-game、player-move、collect-item、get-results
//   - 服務器：room-state、player-joined、player-left、player-moved、
//     game-started、item-collected、item-respawned、timer-update、game-ended、error
//
// 斷線不會立即移除玩家：30 秒內以同一個 playerId 重新 join-room 即可恢復。
// 房間沒有任何連線 5 秒後會被刪除。
//
// 併發安全設計
//
// 同一房間的所有處理（入站訊息、倒數 tick、物品補充、寬限到期）
// 在該房間的鎖內序列化，房間之間互不阻塞。
// 遊戲結束只會發生一次：倒數歸零與物品收完先到先贏。
//
// 使用範例
//
// 啟動服務器：
//
//	store := internal.NewStore(logger)
//	dispatcher := internal.NewDispatcher(store, internal.NewRegistry(), config, logger)
//	hub := internal.NewWebSocketHub(dispatcher, config.WebSocket, logger)
//	handler := internal.NewHandler(store, hub, config.Game, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
//
// 客戶端：
//
//	curl -X POST localhost:8080/api/rooms/create \
//	    -d '{"playerName":"alice","timerDuration":60,"difficulty":1}'
//	# {"code":"K3ZQ7P","playerId":"..."}
//
//	ws://localhost:8080/ws
//	{"type":"join-room","roomCode":"K3ZQ7P","playerId":"..."}
//
// 配置選項
//
//   - -config：YAML 配置檔（未指定則使用預設值）
//   - -port：服務監聽端口（預設 8080）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package main

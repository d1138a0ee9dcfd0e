// Package internal 實作多人即時測驗的房間會話服務。
//
// 玩家透過 WebSocket 建立、加入、重新連回測驗房間，提交分數並接收即時排行榜。
//
// # 房間註冊表
//
// 行程內的房間狀態（分數與成員）：
//   - Registry：roomCode -> RoomState，並提供以房間代碼為鍵的操作鎖
//   - RoomState：成員的連線狀態與分數，斷線不移除分數
//
// # 會話管理
//
// SessionManager 負責連線與玩家身分的綁定：
//   - 建立 / 加入 / 重新連回 / 刪除房間
//   - 斷線時只有當前連線能把玩家標記為離線
//   - 記憶體沒有房間時以持久層重建
//
// # 持久層
//
//   - PostgresStore：players 與 quiz_rooms 兩張表（pgx + golang-migrate）
//   - MemoryStore：開發模式與測試
//   - RedisScoreCache：可選的分數鏡像
//
// # 背景工作
//
//   - Reaper：回收無人連線的房間（只處理記憶體狀態）
//   - Janitor：刪除超過保存期限的持久化紀錄
//
// # 傳輸層
//
// WebSocketHub 管理連線與房間廣播，訊息格式為 {"event": ..., "data": ...}。
// 設定 NATSPublisher 後，房間廣播會同時發布到 {prefix}.{roomCode}.{event}。
//
// 使用範例：
//
//	store := internal.NewMemoryStore()
//	registry := internal.NewRegistry()
//	hub := internal.NewWebSocketHub(logger, nil)
//	sessions := internal.NewSessionManager(store, registry, hub, logger)
//	hub.SetHandler(internal.NewDispatcher(sessions, logger))
//
//	handler := internal.NewHandler(sessions, store, registry, hub, logger)
//	log.Fatal(http.ListenAndServe(":8080", handler.Routes()))
package internal

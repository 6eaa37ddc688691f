// Package internal 實現多人遊戲的房間協調服務。
//
// 多位玩家以房間代碼加入同一個房間，協商準備狀態後由房主開始遊戲；
// 聊天訊息與每位玩家的少量遊戲狀態（生命值、背包）即時同步給房間內所有連線。
//
// # 元件
//
//   - store：以鍵定址的 JSON 文件儲存（檔案、Badger、Redis），交易涵蓋「讀取 → 修改 → 寫回」
//   - Registry：房間 → 活躍連線，廣播時移除失敗的連線
//   - Manager / Room：房間生命週期（創建、加入、準備、離開、開始）
//   - Gateway / Connection：WebSocket 入口，事件分派與快照廣播
//   - Handler：HTTP API（房間、戰役、健康檢查、統計）
//
// # 即時協定
//
// 客戶端連到 /ws/rooms/{room_code}/{user_code}：
//
//	→ {"type":"chat","text":"hi"}
//	→ {"type":"player_ready"}
//	→ {"type":"start_game"}
//	← {"type":"room_state", ...}
//	← {"type":"new_message","id":"...","timestamp":"...","sender":"...","text":"hi"}
//	← {"type":"game_starting"}
//
// 失敗的事件（非房主開始、尚未全員準備、房間不存在）不回應也不廣播。
//
// # 併發模型
//
// 每條連線一個讀取 goroutine、一個寫入 goroutine，沒有全域事件迴圈。
// 同房間不同連線的事件只透過儲存層的鍵鎖序列化；
// 取鎖逾時以 ErrBusy 回報，呼叫者退避重試。
package internal

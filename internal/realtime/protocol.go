package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// クライアントから送られるイベント名
const (
	EventJoin        = "join"
	EventLeave       = "leave"
	EventSubscribe   = "posts:subscribe"
	EventUnsubscribe = "posts:unsubscribe"
)

// サーバーから送る制御イベント名
const (
	EventConnected = "connected"
	EventJoined    = "joined"
	EventLeft      = "left"
	EventError     = "error"
)

// Message はWebSocket上でやり取りする1件のメッセージ。
// 配信イベントと同じ {"event": ..., "data": ...} 形式。
type Message struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RoomPayload はjoin/leaveと、その応答のペイロード。
type RoomPayload struct {
	Room string `json:"room"`
}

// ConnectedPayload は接続直後に送るペイロード。
type ConnectedPayload struct {
	ID string `json:"id"`
}

// ErrorPayload はエラー応答のペイロード。
type ErrorPayload struct {
	Message string `json:"message"`
}

// outbound はクライアントへ送るメッセージ。
type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// parseRoom はjoin/leaveのデータからルーム名を取り出す。
// "posts" のような文字列と {"room": "posts"} の両方を受け付ける。
func parseRoom(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("room is required")
	}

	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		return strings.TrimSpace(name), nil
	}

	var p RoomPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return "", fmt.Errorf("invalid room payload: %w", err)
	}
	if strings.TrimSpace(p.Room) == "" {
		return "", fmt.Errorf("room is required")
	}
	return strings.TrimSpace(p.Room), nil
}

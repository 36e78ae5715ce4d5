// Package realtime は投稿イベントをWebSocketで配信するサーバーを提供する。
//
// 接続ごとに、読み取り（ハンドラーのゴルーチン）、書き込み（1本）、
// 参加中のルームごとの転送ゴルーチンを持つ。書き込みは1本のゴルーチンに集約し、
// 同一ルームのイベントは発行順に届く。
package realtime

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/hitoshi/postwatch/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	outboundBuffer = 16
)

// Subscriber は購読を発行するインターフェース。broadcast.Hubが実装する。
type Subscriber interface {
	Subscribe(topic string) *broadcast.Subscription
}

// Server はWebSocket接続を受け付けるHTTPハンドラー。
type Server struct {
	hub      Subscriber
	rooms    map[string]bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewServer はServerを生成する。
// allowedOriginが空でない場合、ブラウザからの接続はそのOriginか同一ホストに限る。
func NewServer(hub Subscriber, allowedOrigin string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:   hub,
		rooms: map[string]bool{broadcast.TopicPosts: true},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin(allowedOrigin),
		},
		logger: logger,
	}
}

// checkOrigin はOriginヘッダーを検証する関数を返す。
// Originを送らないクライアント（CLIなど）は許可する。
func checkOrigin(allowedOrigin string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if allowedOrigin != "" && strings.EqualFold(origin, allowedOrigin) {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

// ServeHTTP は接続をWebSocketにアップグレードし、切断まで処理する。
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeが応答を書き込み済み
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		id:     uuid.New().String(),
		ws:     ws,
		server: s,
		out:    make(chan outbound, outboundBuffer),
		done:   make(chan struct{}),
		subs:   make(map[string]*broadcast.Subscription),
	}
	s.logger.Info("websocket connected", slog.String("conn_id", c.id), slog.String("remote_addr", r.RemoteAddr))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	c.send(outbound{Event: EventConnected, Data: ConnectedPayload{ID: c.id}})
	c.readLoop()

	// 切断時は全購読を失効させる
	c.shutdown(nil)
	c.cancelAll()
	c.forwarders.Wait()
	<-writerDone
	ws.Close()

	s.logger.Info("websocket disconnected", slog.String("conn_id", c.id))
}

// client は1本のWebSocket接続。
type client struct {
	id     string
	ws     *websocket.Conn
	server *Server

	out  chan outbound
	done chan struct{}
	once sync.Once

	closeMu     sync.Mutex
	closeReason error

	// subsは読み取りゴルーチンだけが触る
	subs       map[string]*broadcast.Subscription
	forwarders sync.WaitGroup
}

// shutdown は接続の終了を通知する。複数回呼んでも安全。
func (c *client) shutdown(reason error) {
	c.once.Do(func() {
		c.closeMu.Lock()
		c.closeReason = reason
		c.closeMu.Unlock()
		close(c.done)
	})
}

// send は書き込みゴルーチンへメッセージを渡す。終了済みの場合は捨てる。
func (c *client) send(msg outbound) bool {
	select {
	case c.out <- msg:
		return true
	case <-c.done:
		return false
	}
}

func (c *client) readLoop() {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("websocket read error", slog.String("conn_id", c.id), slog.String("error", err.Error()))
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid message: " + err.Error())
			continue
		}
		c.handle(msg)
	}
}

// handle はクライアントからのイベントを処理する。join/leaveは冪等。
func (c *client) handle(msg Message) {
	switch msg.Event {
	case EventJoin, EventLeave:
		room, err := parseRoom(msg.Data)
		if err != nil {
			c.sendError(err.Error())
			return
		}
		if msg.Event == EventJoin {
			c.join(room)
		} else {
			c.leave(room)
		}
	case EventSubscribe:
		c.join(broadcast.TopicPosts)
	case EventUnsubscribe:
		c.leave(broadcast.TopicPosts)
	default:
		c.sendError("unknown event: " + msg.Event)
	}
}

func (c *client) join(room string) {
	if !c.server.rooms[room] {
		c.sendError("unknown room: " + room)
		return
	}
	if _, ok := c.subs[room]; !ok {
		sub := c.server.hub.Subscribe(room)
		c.subs[room] = sub
		c.forwarders.Add(1)
		go c.forward(sub)
	}
	c.send(outbound{Event: EventJoined, Data: RoomPayload{Room: room}})
}

func (c *client) leave(room string) {
	if sub, ok := c.subs[room]; ok {
		sub.Cancel()
		delete(c.subs, room)
	}
	c.send(outbound{Event: EventLeft, Data: RoomPayload{Room: room}})
}

func (c *client) cancelAll() {
	for room, sub := range c.subs {
		sub.Cancel()
		delete(c.subs, room)
	}
}

func (c *client) sendError(message string) {
	c.send(outbound{Event: EventError, Data: ErrorPayload{Message: message}})
}

// forward は購読のイベントを書き込みゴルーチンへ順に渡す。
// Hub側で購読が切られた場合は接続ごと閉じ、クライアントに再接続と再取得を促す。
func (c *client) forward(sub *broadcast.Subscription) {
	defer c.forwarders.Done()

	for ev := range sub.Events() {
		if !c.send(outbound{Event: ev.Name, Data: ev.Data}) {
			sub.Cancel()
			return
		}
	}
	// Cancel以外（バッファ溢れやHubの停止）で閉じられた場合
	if err := sub.Err(); err != nil {
		c.server.logger.Warn("closing websocket client",
			slog.String("conn_id", c.id),
			slog.String("room", sub.Topic()),
			slog.String("reason", err.Error()),
		)
		c.shutdown(err)
	}
}

// writeLoop は接続への唯一の書き込み手。
func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.shutdown(err)
				c.ws.Close()
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown(err)
				c.ws.Close()
				return
			}
		case <-c.done:
			c.writeClose()
			return
		}
	}
}

// writeClose はクローズフレームを送り、読み取り側を終了させる。
func (c *client) writeClose() {
	c.closeMu.Lock()
	reason := c.closeReason
	c.closeMu.Unlock()

	code, text := websocket.CloseNormalClosure, ""
	switch {
	case errors.Is(reason, broadcast.ErrEvicted):
		code, text = websocket.CloseTryAgainLater, "event buffer overflow, reconnect and refetch"
	case errors.Is(reason, broadcast.ErrClosed):
		code, text = websocket.CloseGoingAway, "server shutting down"
	}
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.ws.Close()
}

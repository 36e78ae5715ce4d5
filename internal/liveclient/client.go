// Package liveclient はサーバーの投稿一覧をローカルに追従させるクライアントを提供する。
//
// 接続のたびに WebSocket で posts ルームに参加してから一覧を取得し直し、
// 以後のイベントをReconcilerを通してビューに反映する。
// 切断されたら待機して再接続し、取りこぼしは一覧の再取得で埋める。
package liveclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hitoshi/postwatch/internal/broadcast"
	"github.com/hitoshi/postwatch/internal/model"
	"github.com/hitoshi/postwatch/internal/realtime"
	"github.com/hitoshi/postwatch/internal/reconcile"
)

const (
	defaultPageSize          = 200
	defaultReconnectDelay    = time.Second
	defaultMaxReconnectDelay = 30 * time.Second
)

// Config はClientの設定。
type Config struct {
	BaseURL string // 例: http://localhost:8080
	Token   string // 空でなければAuthorizationヘッダーに付与する

	PageSize          int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// OnChange はイベントでビューが変わったときに呼ばれる。
	OnChange func(event string, view *reconcile.View)
}

// Client はサーバーの投稿一覧を追従する。
type Client struct {
	cfg        Config
	view       *reconcile.View
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// New はClientを生成する。
func New(cfg Config, view *reconcile.View, logger *slog.Logger) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = max(defaultMaxReconnectDelay, cfg.ReconnectDelay)
	}
	if view == nil {
		view = reconcile.NewView()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		view:       view,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		dialer:     websocket.DefaultDialer,
		logger:     logger,
	}
}

// View は追従中のビューを返す。
func (c *Client) View() *reconcile.View {
	return c.view
}

// Run はコンテキストがキャンセルされるまで追従を続ける。
// 接続エラーでは待機時間を倍にしながら再接続する。
func (c *Client) Run(ctx context.Context) error {
	delay := c.cfg.ReconnectDelay
	for {
		connected, err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = c.cfg.ReconnectDelay
		}
		c.logger.Error("live connection lost, reconnecting",
			slog.String("error", errString(err)),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, c.cfg.MaxReconnectDelay)
	}
}

// session は1回分の接続を処理する。参加まで完了したかどうかを返す。
func (c *Client) session(ctx context.Context) (bool, error) {
	wsURL, err := c.websocketURL()
	if err != nil {
		return false, err
	}

	conn, _, err := c.dialer.DialContext(ctx, wsURL, c.header())
	if err != nil {
		return false, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	// 一覧取得より先に参加し、取得中のイベントを取りこぼさない
	join := map[string]any{"event": realtime.EventJoin, "data": realtime.RoomPayload{Room: broadcast.TopicPosts}}
	if err := conn.WriteJSON(join); err != nil {
		return false, fmt.Errorf("join posts: %w", err)
	}

	posts, err := c.FetchPosts(ctx)
	if err != nil {
		return false, err
	}
	c.view.Reset(posts)
	c.logger.Info("live view synced", slog.Int("posts", len(posts)))
	c.notify("sync")

	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, fmt.Errorf("read message: %w", err)
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg realtime.Message) {
	switch msg.Event {
	case realtime.EventConnected, realtime.EventJoined, realtime.EventLeft:
		c.logger.Debug("live control event", slog.String("event", msg.Event))
	case realtime.EventError:
		var payload realtime.ErrorPayload
		_ = json.Unmarshal(msg.Data, &payload)
		c.logger.Warn("server reported error", slog.String("message", payload.Message))
	default:
		changed, err := c.view.Apply(msg.Event, msg.Data)
		if err != nil {
			c.logger.Error("failed to apply event", slog.String("event", msg.Event), slog.String("error", err.Error()))
			return
		}
		if changed {
			c.notify(msg.Event)
		}
	}
}

// ImportItems はSCRAPER_DATAやハンドオフで届いたitemをビューに取り込む。
// ソケット経由のイベントと同じ重複判定を通る。
func (c *Client) ImportItems(items []model.RawItem, source string) []model.Post {
	added := c.view.MergeItems(items)
	c.logger.Info("imported items",
		slog.String("source", source),
		slog.Int("received", len(items)),
		slog.Int("added", len(added)),
	)
	if len(added) > 0 {
		c.notify(source)
	}
	return added
}

func (c *Client) notify(event string) {
	if c.cfg.OnChange != nil {
		c.cfg.OnChange(event, c.view)
	}
}

// listResponse は GET /api/posts のレスポンス。
type listResponse struct {
	Posts []model.Post `json:"posts"`
	Total int          `json:"total"`
}

// FetchPosts は最新の投稿を1ページ分取得する。
func (c *Client) FetchPosts(ctx context.Context) ([]model.Post, error) {
	endpoint := c.cfg.BaseURL + "/api/posts?limit=" + strconv.Itoa(c.cfg.PageSize)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range c.header() {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch posts: unexpected status %d", resp.StatusCode)
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	return body.Posts, nil
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return h
}

// websocketURL はBaseURLから /ws のURLを組み立てる。
func (c *Client) websocketURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported base url scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String(), nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return err.Error()
}

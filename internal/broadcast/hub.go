// Package broadcast はプロセス内の購読者へイベントを配信するpub/subを提供する。
//
// 購読はSubscribeが返すSubscriptionそのものが権限となり、Cancelで失効する。
// 配信は非ブロッキングで、バッファが溢れた購読は切断される。
// 切断された購読者は再接続して一覧を取り直す前提で、再送は行わない。
package broadcast

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/hitoshi/postwatch/internal/metrics"
)

// DefaultBuffer は購読ごとのイベントバッファの既定サイズ。
const DefaultBuffer = 64

// ErrEvicted はバッファ溢れにより購読が切断されたことを表す。
var ErrEvicted = errors.New("subscription evicted: event buffer full")

// ErrClosed はHubのCloseにより購読が解除されたことを表す。
var ErrClosed = errors.New("hub closed")

// Publisher はイベントの配信先インターフェース。
type Publisher interface {
	// Publish はトピックの全購読者にイベントを配信し、配信できた購読数を返す。
	// 購読者がいない場合や一部の購読者が遅い場合でもエラーにはしない。
	Publish(topic string, ev Event) int
}

// Hub はトピックごとの購読を管理する。
type Hub struct {
	mu      sync.Mutex
	topics  map[string]map[string]*Subscription
	count   int
	buffer  int
	logger  *slog.Logger
	metrics metrics.MetricsCollector
}

// NewHub はHubを生成する。bufferが0以下の場合はDefaultBufferを使う。
func NewHub(buffer int, logger *slog.Logger, m metrics.MetricsCollector) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Hub{
		topics:  make(map[string]map[string]*Subscription),
		buffer:  buffer,
		logger:  logger,
		metrics: m,
	}
}

// Subscription は1つのトピックへの購読。
type Subscription struct {
	id    string
	topic string
	ch    chan Event
	hub   *Hub
	err   error // 切断理由。hub.muで保護する
}

// ID は購読IDを返す。
func (s *Subscription) ID() string { return s.id }

// Topic は購読中のトピック名を返す。
func (s *Subscription) Topic() string { return s.topic }

// Events はイベントを受信するチャネルを返す。
// Cancelまたは切断でクローズされる。
func (s *Subscription) Events() <-chan Event { return s.ch }

// Err はチャネルがクローズされた理由を返す。Cancelによる場合はnil。
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

// Cancel は購読を解除する。複数回呼んでも安全。
func (s *Subscription) Cancel() {
	s.hub.remove(s, nil)
}

// Subscribe はトピックを購読する。
func (h *Hub) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		id:    uuid.New().String(),
		topic: topic,
		ch:    make(chan Event, h.buffer),
		hub:   h,
	}

	h.mu.Lock()
	subs, ok := h.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		h.topics[topic] = subs
	}
	subs[sub.id] = sub
	h.count++
	count := h.count
	h.mu.Unlock()

	h.metrics.SetSubscriptions(count)
	return sub
}

// remove は購読をHubから外してチャネルを閉じる。
// 既に外れている場合は何もしない。
func (h *Hub) remove(sub *Subscription, reason error) {
	h.mu.Lock()
	removed := h.removeLocked(sub, reason)
	count := h.count
	h.mu.Unlock()

	if removed {
		h.metrics.SetSubscriptions(count)
	}
}

func (h *Hub) removeLocked(sub *Subscription, reason error) bool {
	subs, ok := h.topics[sub.topic]
	if !ok {
		return false
	}
	if _, ok := subs[sub.id]; !ok {
		return false
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	h.count--
	sub.err = reason
	close(sub.ch)
	return true
}

// Publish はトピックの全購読者にイベントを配信する。
// 送信はロック内で非ブロッキングに行うため、同一購読者には発行順に届く。
func (h *Hub) Publish(topic string, ev Event) int {
	h.mu.Lock()
	delivered := 0
	var evicted []string
	for _, sub := range h.topics[topic] {
		select {
		case sub.ch <- ev:
			delivered++
		default:
			evicted = append(evicted, sub.id)
			h.removeLocked(sub, ErrEvicted)
		}
	}
	count := h.count
	h.mu.Unlock()

	h.metrics.RecordEventPublished(ev.Name)
	for _, id := range evicted {
		h.metrics.RecordSubscriberEvicted()
		h.logger.Warn("slow subscriber evicted",
			slog.String("topic", topic),
			slog.String("subscription_id", id),
			slog.String("event", ev.Name),
		)
	}
	if len(evicted) > 0 {
		h.metrics.SetSubscriptions(count)
	}
	return delivered
}

// Count はトピックの購読数を返す。
func (h *Hub) Count(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Close は全購読をErrClosedで解除する。シャットダウン時に使う。
// Close後もSubscribeは可能。
func (h *Hub) Close() {
	h.mu.Lock()
	for _, subs := range h.topics {
		for _, sub := range subs {
			h.removeLocked(sub, ErrClosed)
		}
	}
	h.mu.Unlock()

	h.metrics.SetSubscriptions(0)
}

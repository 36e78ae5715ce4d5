package broadcast

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/postwatch/internal/metrics"
	"github.com/hitoshi/postwatch/internal/model"
)

// mockMetrics はテスト用のメトリクス記録モック。
type mockMetrics struct {
	metrics.Nop
	mu        sync.Mutex
	published []string
	evicted   int
	subs      int
}

func (m *mockMetrics) RecordEventPublished(event string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, event)
}

func (m *mockMetrics) RecordSubscriberEvicted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evicted++
}

func (m *mockMetrics) SetSubscriptions(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = count
}

func newTestHub(buffer int) (*Hub, *mockMetrics) {
	m := &mockMetrics{}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return NewHub(buffer, logger, m), m
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestHub_PublishDeliversToAllSubscribers(t *testing.T) {
	hub, m := newTestHub(4)
	a := hub.Subscribe(TopicPosts)
	b := hub.Subscribe(TopicPosts)
	other := hub.Subscribe("other")

	posts := []*model.Post{{ID: "1"}, {ID: "2"}}
	if n := hub.Publish(TopicPosts, NewPostsEvent(posts)); n != 2 {
		t.Errorf("delivered = %d, want 2", n)
	}

	for _, sub := range []*Subscription{a, b} {
		ev := receive(t, sub)
		if ev.Name != EventPostsNew {
			t.Errorf("event = %s, want %s", ev.Name, EventPostsNew)
		}
		payload, ok := ev.Data.(NewPostsPayload)
		if !ok {
			t.Fatalf("payload type = %T", ev.Data)
		}
		if payload.Count != len(posts) {
			t.Errorf("count = %d, want %d", payload.Count, len(posts))
		}
	}

	select {
	case ev := <-other.Events():
		t.Errorf("other topic received %v", ev)
	default:
	}

	if len(m.published) != 1 || m.published[0] != EventPostsNew {
		t.Errorf("published metrics = %v", m.published)
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub, _ := newTestHub(4)
	if n := hub.Publish(TopicPosts, ClearedEvent()); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
}

// TestHub_PerSubscriberOrder は同一購読者に発行順で届くことを検証する。
func TestHub_PerSubscriberOrder(t *testing.T) {
	hub, _ := newTestHub(16)
	sub := hub.Subscribe(TopicPosts)

	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		hub.Publish(TopicPosts, DeletedEvent(id))
	}
	for _, want := range ids {
		ev := receive(t, sub)
		if got := ev.Data.(DeletedPayload).ID; got != want {
			t.Errorf("got %s, want %s", got, want)
		}
	}
}

// TestHub_CancelIsIdempotent は購読解除を複数回呼んでも安全であることを検証する。
func TestHub_CancelIsIdempotent(t *testing.T) {
	hub, m := newTestHub(4)
	sub := hub.Subscribe(TopicPosts)
	if hub.Count(TopicPosts) != 1 || m.subs != 1 {
		t.Fatalf("count = %d, gauge = %d", hub.Count(TopicPosts), m.subs)
	}

	sub.Cancel()
	sub.Cancel()

	if hub.Count(TopicPosts) != 0 {
		t.Errorf("count after cancel = %d, want 0", hub.Count(TopicPosts))
	}
	if _, ok := <-sub.Events(); ok {
		t.Error("channel should be closed after Cancel")
	}
	if sub.Err() != nil {
		t.Errorf("Err = %v, want nil", sub.Err())
	}
	if m.subs != 0 {
		t.Errorf("gauge = %d, want 0", m.subs)
	}

	// 解除後の配信はパニックしない
	hub.Publish(TopicPosts, ClearedEvent())
}

// TestHub_SlowSubscriberEvicted はバッファが溢れた購読だけが切断され、
// 他の購読者への配信は継続することを検証する。
func TestHub_SlowSubscriberEvicted(t *testing.T) {
	hub, m := newTestHub(2)
	slow := hub.Subscribe(TopicPosts)
	fast := hub.Subscribe(TopicPosts)

	for i := 0; i < 3; i++ {
		hub.Publish(TopicPosts, ClearedEvent())
		receive(t, fast)
	}

	// バッファ分の2件は受信でき、その後クローズされる
	received := 0
	for range slow.Events() {
		received++
	}
	if received != 2 {
		t.Errorf("slow received = %d, want 2", received)
	}
	if !errors.Is(slow.Err(), ErrEvicted) {
		t.Errorf("Err = %v, want ErrEvicted", slow.Err())
	}
	if hub.Count(TopicPosts) != 1 {
		t.Errorf("count = %d, want 1", hub.Count(TopicPosts))
	}
	if m.evicted != 1 {
		t.Errorf("evicted metric = %d, want 1", m.evicted)
	}

	// 切断済みの購読に対するCancelは何もしない
	slow.Cancel()
	if hub.Count(TopicPosts) != 1 {
		t.Errorf("count after cancel of evicted = %d, want 1", hub.Count(TopicPosts))
	}
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	hub, _ := newTestHub(1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		sub := hub.Subscribe(TopicPosts)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				hub.Publish(TopicPosts, ClearedEvent())
			}
		}()
		go func() {
			defer wg.Done()
			sub.Cancel()
		}()
	}
	wg.Wait()

	hub.Close()
	if hub.Count(TopicPosts) != 0 {
		t.Errorf("count after Close = %d, want 0", hub.Count(TopicPosts))
	}
}

// TestEvent_JSONShape はイベントのJSON形式を検証する。
func TestEvent_JSONShape(t *testing.T) {
	tests := []struct {
		name string
		ev   Event
		want string
	}{
		{"deleted", DeletedEvent("abc"), `{"event":"posts:deleted","data":{"id":"abc"}}`},
		{"cleared", ClearedEvent(), `{"event":"posts:cleared"}`},
		{"new empty", NewPostsEvent([]*model.Post{}), `{"event":"posts:new","data":{"count":0,"posts":[]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := json.Marshal(tt.ev)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			if string(b) != tt.want {
				t.Errorf("json = %s, want %s", b, tt.want)
			}
		})
	}
}

func TestHub_CloseSetsErrClosed(t *testing.T) {
	hub, m := newTestHub(4)
	sub := hub.Subscribe(TopicPosts)

	hub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel should be closed")
	}
	if !errors.Is(sub.Err(), ErrClosed) {
		t.Errorf("Err = %v, want ErrClosed", sub.Err())
	}
	if m.subs != 0 {
		t.Errorf("subscriptions gauge = %d, want 0", m.subs)
	}

	// Close後も購読できる
	again := hub.Subscribe(TopicPosts)
	defer again.Cancel()
	if hub.Count(TopicPosts) != 1 {
		t.Errorf("count = %d, want 1", hub.Count(TopicPosts))
	}
}

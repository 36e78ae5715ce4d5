// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込みサービス、ブロードキャスター、ソースワーカーから利用する。
type MetricsCollector interface {
	RecordItemsReceived(count int)
	RecordItemsInserted(count int)
	RecordItemsInvalid(count int)
	RecordDuplicate(reason, tier string)
	RecordConflict()
	RecordIngestLatency(duration time.Duration)

	RecordEventPublished(event string)
	RecordSubscriberEvicted()
	SetSubscriptions(count int)

	RecordFetchSuccess(source string)
	RecordFetchFailure(source string, reason string)
	RecordParseFailure(source string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	itemsReceived prometheus.Counter
	itemsInserted prometheus.Counter
	itemsInvalid  prometheus.Counter
	duplicates    *prometheus.CounterVec
	conflicts     prometheus.Counter
	ingestLatency prometheus.Histogram

	eventsPublished *prometheus.CounterVec
	evictions       prometheus.Counter
	subscriptions   prometheus.Gauge

	fetchSuccess *prometheus.CounterVec
	fetchFail    *prometheus.CounterVec
	parseFail    *prometheus.CounterVec
	httpStatus   *prometheus.CounterVec
	fetchLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		itemsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postwatch_ingest_items_received_total",
			Help: "取り込みリクエストで受信したitemの合計数",
		}),
		itemsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postwatch_ingest_items_inserted_total",
			Help: "永続化された投稿の合計数",
		}),
		itemsInvalid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postwatch_ingest_items_invalid_total",
			Help: "検証エラーで拒否されたitemの合計数",
		}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_dedup_suppressed_total",
			Help: "重複として除外されたitem数（理由・層別）",
		}, []string{"reason", "tier"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postwatch_store_conflicts_total",
			Help: "ストレージ層のURL一意制約で拒否された投稿数",
		}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postwatch_ingest_latency_seconds",
			Help:    "取り込み呼び出し1回あたりの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_events_published_total",
			Help: "配信したイベント数（イベント名別）",
		}, []string{"event"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "postwatch_subscriber_evictions_total",
			Help: "バッファ溢れで切断した購読の合計数",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "postwatch_subscriptions",
			Help: "現在の購読数",
		}),
		fetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_source_fetch_success_total",
			Help: "ソースフェッチ成功の合計数",
		}, []string{"source"}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_source_fetch_fail_total",
			Help: "ソースフェッチ失敗の合計数",
		}, []string{"source", "reason"}),
		parseFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_source_parse_fail_total",
			Help: "ソースのパース失敗の合計数",
		}, []string{"source"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "postwatch_source_http_status_total",
			Help: "ソースフェッチのHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "postwatch_source_fetch_latency_seconds",
			Help:    "ソースフェッチのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.itemsReceived,
		c.itemsInserted,
		c.itemsInvalid,
		c.duplicates,
		c.conflicts,
		c.ingestLatency,
		c.eventsPublished,
		c.evictions,
		c.subscriptions,
		c.fetchSuccess,
		c.fetchFail,
		c.parseFail,
		c.httpStatus,
		c.fetchLatency,
	)

	return c
}

// RecordItemsReceived は受信したitem数を記録する。
func (c *Collector) RecordItemsReceived(count int) {
	c.itemsReceived.Add(float64(count))
}

// RecordItemsInserted は永続化された投稿数を記録する。
func (c *Collector) RecordItemsInserted(count int) {
	c.itemsInserted.Add(float64(count))
}

// RecordItemsInvalid は検証エラーのitem数を記録する。
func (c *Collector) RecordItemsInvalid(count int) {
	c.itemsInvalid.Add(float64(count))
}

// RecordDuplicate は重複除外を理由・層別に記録する。
func (c *Collector) RecordDuplicate(reason, tier string) {
	c.duplicates.WithLabelValues(reason, tier).Inc()
}

// RecordConflict はストレージ層での一意制約違反を記録する。
func (c *Collector) RecordConflict() {
	c.conflicts.Inc()
}

// RecordIngestLatency は取り込み処理時間を記録する。
func (c *Collector) RecordIngestLatency(duration time.Duration) {
	c.ingestLatency.Observe(duration.Seconds())
}

// RecordEventPublished はイベント配信を記録する。
func (c *Collector) RecordEventPublished(event string) {
	c.eventsPublished.WithLabelValues(event).Inc()
}

// RecordSubscriberEvicted は購読の強制切断を記録する。
func (c *Collector) RecordSubscriberEvicted() {
	c.evictions.Inc()
}

// SetSubscriptions は現在の購読数を設定する。
func (c *Collector) SetSubscriptions(count int) {
	c.subscriptions.Set(float64(count))
}

// RecordFetchSuccess はフェッチ成功を記録する。
func (c *Collector) RecordFetchSuccess(source string) {
	c.fetchSuccess.WithLabelValues(source).Inc()
}

// RecordFetchFailure はフェッチ失敗を記録する。
func (c *Collector) RecordFetchFailure(source string, reason string) {
	c.fetchFail.WithLabelValues(source, reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(source string) {
	c.parseFail.WithLabelValues(source).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフェッチのレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordItemsReceived(int) {}
func (Nop) RecordItemsInserted(int) {}
func (Nop) RecordItemsInvalid(int) {}
func (Nop) RecordDuplicate(string, string) {}
func (Nop) RecordConflict() {}
func (Nop) RecordIngestLatency(time.Duration) {}
func (Nop) RecordEventPublished(string) {}
func (Nop) RecordSubscriberEvicted() {}
func (Nop) SetSubscriptions(int) {}
func (Nop) RecordFetchSuccess(string) {}
func (Nop) RecordFetchFailure(string, string) {}
func (Nop) RecordParseFailure(string) {}
func (Nop) RecordHTTPStatus(int) {}
func (Nop) RecordFetchLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

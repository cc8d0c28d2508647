// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込みパイプライン、通知プランナー、ワーカーから利用する。
type MetricsCollector interface {
	RecordReading(outcome string)
	RecordClassification(classification string)
	RecordPipelineLatency(duration time.Duration)
	RecordIntentPlanned(reasons []string)
	RecordSuppressed()
	RecordPlanningInconsistent()
	RecordDelivery(success bool)
	RecordScrapeRequests(count int)
	RecordOutboxCleaned(count int64)
	RecordOutboxAbandoned()
}

// 観測値の処理結果ラベル
const (
	OutcomeDispatched = "dispatched"
	OutcomeRejected   = "rejected"
	OutcomeRetryable  = "retryable"
	OutcomeIncomplete = "incomplete"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	readings        *prometheus.CounterVec
	classifications *prometheus.CounterVec
	pipelineLatency prometheus.Histogram
	intents         *prometheus.CounterVec
	suppressed      prometheus.Counter
	inconsistent    prometheus.Counter
	deliveries      *prometheus.CounterVec
	scrapeRequests  prometheus.Counter
	outboxCleaned   prometheus.Counter
	outboxAbandoned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		readings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetrak_readings_total",
			Help: "処理結果別の観測値の合計数",
		}, []string{"outcome"}),
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetrak_reading_classification_total",
			Help: "変化判定の分類別の観測値数",
		}, []string{"classification"}),
		pipelineLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricetrak_pipeline_latency_seconds",
			Help:    "観測値1件の取り込み処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		intents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetrak_notification_intents_total",
			Help: "通知理由別の通知指示の合計数",
		}, []string{"reason"}),
		suppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetrak_notifications_suppressed_total",
			Help: "通知済み価格以上のため抑制された値下がり通知の数",
		}),
		inconsistent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetrak_planning_inconsistent_total",
			Help: "再試行後も通知判定が確定できなかった件数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricetrak_notification_deliveries_total",
			Help: "結果別の通知配信の試行数",
		}, []string{"result"}),
		scrapeRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetrak_scrape_requests_total",
			Help: "発行した再取得リクエストの合計数",
		}),
		outboxCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetrak_outbox_cleaned_total",
			Help: "削除した配信済み通知指示の合計数",
		}),
		outboxAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricetrak_outbox_abandoned_total",
			Help: "試行回数の上限に達して再配信を打ち切った通知指示の数",
		}),
	}

	reg.MustRegister(
		c.readings,
		c.classifications,
		c.pipelineLatency,
		c.intents,
		c.suppressed,
		c.inconsistent,
		c.deliveries,
		c.scrapeRequests,
		c.outboxCleaned,
		c.outboxAbandoned,
	)

	return c
}

// RecordReading は観測値の処理結果を記録する。
func (c *Collector) RecordReading(outcome string) {
	c.readings.WithLabelValues(outcome).Inc()
}

// RecordClassification は変化判定の分類を記録する。
func (c *Collector) RecordClassification(classification string) {
	c.classifications.WithLabelValues(classification).Inc()
}

// RecordPipelineLatency は取り込み処理のレイテンシを記録する。
func (c *Collector) RecordPipelineLatency(duration time.Duration) {
	c.pipelineLatency.Observe(duration.Seconds())
}

// RecordIntentPlanned は通知指示を理由ごとに記録する。
func (c *Collector) RecordIntentPlanned(reasons []string) {
	for _, r := range reasons {
		c.intents.WithLabelValues(r).Inc()
	}
}

// RecordSuppressed は抑制された値下がり通知を記録する。
func (c *Collector) RecordSuppressed() {
	c.suppressed.Inc()
}

// RecordPlanningInconsistent は通知判定の不整合警告を記録する。
func (c *Collector) RecordPlanningInconsistent() {
	c.inconsistent.Inc()
}

// RecordDelivery は通知配信の結果を記録する。
func (c *Collector) RecordDelivery(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordScrapeRequests は発行した再取得リクエスト数を記録する。
func (c *Collector) RecordScrapeRequests(count int) {
	c.scrapeRequests.Add(float64(count))
}

// RecordOutboxCleaned は削除した通知指示の件数を記録する。
func (c *Collector) RecordOutboxCleaned(count int64) {
	c.outboxCleaned.Add(float64(count))
}

// RecordOutboxAbandoned は再配信を打ち切った通知指示を記録する。
func (c *Collector) RecordOutboxAbandoned() {
	c.outboxAbandoned.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordReading(string) {}
func (Nop) RecordClassification(string) {}
func (Nop) RecordPipelineLatency(time.Duration) {}
func (Nop) RecordIntentPlanned([]string) {}
func (Nop) RecordSuppressed() {}
func (Nop) RecordPlanningInconsistent() {}
func (Nop) RecordDelivery(bool) {}
func (Nop) RecordScrapeRequests(int) {}
func (Nop) RecordOutboxCleaned(int64) {}
func (Nop) RecordOutboxAbandoned() {}

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
// オーケストレーター、レジストリ、抽出器から利用する。
type MetricsCollector interface {
	RecordJob(jobType, status string)
	RecordExtraction(outcome string)
	RecordExtractionLatency(duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordPricesAppended(count int)
	RecordRediscoveryFlagged()
	RecordSourceDeactivated()
	RecordSourceBusy()
}

// OutcomeSuccess は抽出成功時のoutcomeラベル値。
const OutcomeSuccess = "success"

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	jobs               *prometheus.CounterVec
	extractions        *prometheus.CounterVec
	extractionLatency  prometheus.Histogram
	httpStatus         *prometheus.CounterVec
	pricesAppended     prometheus.Counter
	rediscoveryFlagged prometheus.Counter
	sourcesDeactivated prometheus.Counter
	sourceBusy         prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_jobs_total",
			Help: "終了したジョブの種別・状態別の合計数",
		}, []string{"job_type", "status"}),
		extractions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_extractions_total",
			Help: "抽出結果（success または失敗種別）別の合計数",
		}, []string{"outcome"}),
		extractionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pricewatch_extraction_latency_seconds",
			Help:    "1ソースあたりの抽出レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pricewatch_fetch_http_status_total",
			Help: "取得先サイトのHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		pricesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_prices_appended_total",
			Help: "追記された価格レコードの合計数",
		}),
		rediscoveryFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_sources_flagged_rediscovery_total",
			Help: "再探索が必要になったソースの合計数",
		}),
		sourcesDeactivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_sources_deactivated_total",
			Help: "無効化されたソースの合計数",
		}),
		sourceBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pricewatch_source_busy_total",
			Help: "他ジョブが処理中のためスキップされたソースの合計数",
		}),
	}

	reg.MustRegister(
		c.jobs,
		c.extractions,
		c.extractionLatency,
		c.httpStatus,
		c.pricesAppended,
		c.rediscoveryFlagged,
		c.sourcesDeactivated,
		c.sourceBusy,
	)

	return c
}

// RecordJob は終了したジョブを記録する。
func (c *Collector) RecordJob(jobType, status string) {
	c.jobs.WithLabelValues(jobType, status).Inc()
}

// RecordExtraction は抽出結果を記録する。
func (c *Collector) RecordExtraction(outcome string) {
	c.extractions.WithLabelValues(outcome).Inc()
}

// RecordExtractionLatency は抽出のレイテンシを記録する。
func (c *Collector) RecordExtractionLatency(duration time.Duration) {
	c.extractionLatency.Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordPricesAppended は追記された価格数を記録する。
func (c *Collector) RecordPricesAppended(count int) {
	c.pricesAppended.Add(float64(count))
}

func (c *Collector) RecordRediscoveryFlagged() { c.rediscoveryFlagged.Inc() }

func (c *Collector) RecordSourceDeactivated() { c.sourcesDeactivated.Inc() }

func (c *Collector) RecordSourceBusy() { c.sourceBusy.Inc() }

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordJob(string, string)              {}
func (Nop) RecordExtraction(string)               {}
func (Nop) RecordExtractionLatency(time.Duration) {}
func (Nop) RecordHTTPStatus(int)                  {}
func (Nop) RecordPricesAppended(int)              {}
func (Nop) RecordRediscoveryFlagged()             {}
func (Nop) RecordSourceDeactivated()              {}
func (Nop) RecordSourceBusy()                     {}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

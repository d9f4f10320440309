// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ジョブコントローラーや分類器から利用する。
type MetricsCollector interface {
	RecordClassification(itemType string)
	RecordJobOutcome(status string)
	RecordResolverFailure(platform string)
	RecordDownloadBytes(bytes int64)
	RecordJobDuration(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	classifications *prometheus.CounterVec
	jobOutcomes     *prometheus.CounterVec
	resolverFails   *prometheus.CounterVec
	downloadBytes   prometheus.Histogram
	jobDuration     prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabox_classifications_total",
			Help: "ソース種別ごとの分類回数",
		}, []string{"type"}),
		jobOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabox_job_outcomes_total",
			Help: "終端状態ごとのダウンロードジョブ数",
		}, []string{"status"}),
		resolverFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediabox_resolver_failures_total",
			Help: "プラットフォームごとのリゾルバ失敗数",
		}, []string{"platform"}),
		downloadBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediabox_download_bytes",
			Help:    "完了したジョブのダウンロードバイト数",
			Buckets: prometheus.ExponentialBuckets(1024*1024, 4, 10),
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "mediabox_job_duration_seconds",
			Help:    "ダウンロードジョブの所要時間（秒）",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}),
	}

	reg.MustRegister(
		c.classifications,
		c.jobOutcomes,
		c.resolverFails,
		c.downloadBytes,
		c.jobDuration,
	)

	return c
}

// RecordClassification は分類結果を記録する。
func (c *Collector) RecordClassification(itemType string) {
	c.classifications.WithLabelValues(itemType).Inc()
}

// RecordJobOutcome はジョブの終端状態を記録する。
func (c *Collector) RecordJobOutcome(status string) {
	c.jobOutcomes.WithLabelValues(status).Inc()
}

// RecordResolverFailure はリゾルバ失敗を記録する。
func (c *Collector) RecordResolverFailure(platform string) {
	c.resolverFails.WithLabelValues(platform).Inc()
}

// RecordDownloadBytes は完了したジョブのダウンロードバイト数を記録する。
func (c *Collector) RecordDownloadBytes(bytes int64) {
	c.downloadBytes.Observe(float64(bytes))
}

// RecordJobDuration はジョブの所要時間を記録する。
func (c *Collector) RecordJobDuration(duration time.Duration) {
	c.jobDuration.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

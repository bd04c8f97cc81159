// ============================================================================
// cube-tasks Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集任務生命週期與輪詢指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - cube_tasks_started_total{kind}: 已開始（取得 ID）的任務總數
//      - cube_tasks_completed_total: 成功完成的任務總數
//      - cube_tasks_failed_total{stage}: 失敗任務總數（submit / poll）
//      - cube_tasks_polls_total: 輪詢請求總數
//      - cube_tasks_progress_updates_total: 已發送的進度更新總數
//      - cube_tasks_discarded_total: START 後被取消、沒有終止事件的任務總數
//
//   2. 性能指標 (Histogram)：
//      - cube_tasks_duration_seconds: 從 START 到終止事件的時間
//
//   3. 狀態指標 (Gauge)：
//      - cube_tasks_in_flight: 目前輪詢中的任務數
//
// 事件來源:
//   Collector 實作 messaging.EventSink，直接串接在 worker 的事件輸出上，
//   不需要 worker 額外呼叫。輪詢次數由 worker 透過 RecordPoll() 回報，
//   被取消的任務由 RecordDiscard() 回報。
//
//   同一個 ID 可能同時由多個 worker 執行（例如兩個 history 命令），
//   因此每個 ID 保存一個 START 時間佇列，終止事件依序取出。
//
// HTTP 端點:
//   StartServer() 通過 /metrics 暴露，默認端口 9090
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	tasksStarted    *prometheus.CounterVec
	tasksCompleted  prometheus.Counter
	tasksFailed     *prometheus.CounterVec
	polls           prometheus.Counter
	progressUpdates prometheus.Counter
	tasksDiscarded  prometheus.Counter

	// 效能指標
	taskDuration prometheus.Histogram

	// 狀態指標
	tasksInFlight prometheus.Gauge

	mu      sync.Mutex
	started map[types.TaskID][]time.Time // 每個 ID 的 START 時間，先進先出
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時使用預設 registry）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		tasksStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_tasks_started_total",
			Help: "Total number of tasks that received an id and started polling",
		}, []string{"kind"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cube_tasks_failed_total",
			Help: "Total number of tasks failed, by stage",
		}, []string{"stage"}),
		polls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_tasks_polls_total",
			Help: "Total number of status polls sent",
		}),
		progressUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_tasks_progress_updates_total",
			Help: "Total number of progress updates emitted",
		}),
		tasksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cube_tasks_discarded_total",
			Help: "Total number of started tasks discarded by cancellation",
		}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cube_tasks_duration_seconds",
			Help:    "Time from task start to its terminal event in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cube_tasks_in_flight",
			Help: "Current number of tasks being polled",
		}),
		started: make(map[types.TaskID][]time.Time),
	}

	// 註冊所有指標
	reg.MustRegister(c.tasksStarted)
	reg.MustRegister(c.tasksCompleted)
	reg.MustRegister(c.tasksFailed)
	reg.MustRegister(c.polls)
	reg.MustRegister(c.progressUpdates)
	reg.MustRegister(c.tasksDiscarded)
	reg.MustRegister(c.taskDuration)
	reg.MustRegister(c.tasksInFlight)

	return c
}

// Send 實作 messaging.EventSink
func (c *Collector) Send(ev types.Event) {
	switch ev.Event {
	case types.EventStart:
		kind := "unknown"
		if ev.Task != nil && ev.Task.Kind != "" {
			kind = string(ev.Task.Kind)
		}
		c.tasksStarted.WithLabelValues(kind).Inc()
		c.tasksInFlight.Inc()

		c.mu.Lock()
		c.started[ev.TaskID] = append(c.started[ev.TaskID], time.Now())
		c.mu.Unlock()

	case types.EventUpdate:
		c.progressUpdates.Inc()

	case types.EventResult:
		c.tasksCompleted.Inc()
		c.finish(ev.TaskID)

	case types.EventError:
		// 沒有 START 的錯誤代表提交階段失敗
		if c.finish(ev.TaskID) {
			c.tasksFailed.WithLabelValues("poll").Inc()
		} else {
			c.tasksFailed.WithLabelValues("submit").Inc()
		}
	}
}

// finish 結束一個已開始的任務，返回該 ID 是否還有未結束的 START
func (c *Collector) finish(id types.TaskID) bool {
	c.mu.Lock()
	pending := c.started[id]
	if len(pending) == 0 {
		c.mu.Unlock()
		return false
	}
	start := pending[0]
	if len(pending) == 1 {
		delete(c.started, id)
	} else {
		c.started[id] = pending[1:]
	}
	c.mu.Unlock()

	c.tasksInFlight.Dec()
	c.taskDuration.Observe(time.Since(start).Seconds())
	return true
}

// RecordPoll 記錄一次輪詢請求
func (c *Collector) RecordPoll() {
	if c == nil {
		return
	}
	c.polls.Inc()
}

// RecordDiscard 結束一個被取消的任務，它不會再有終止事件
func (c *Collector) RecordDiscard(id types.TaskID) {
	if c == nil {
		return
	}
	if c.finish(id) {
		c.tasksDiscarded.Inc()
	}
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器
//
// 參數：
//   - port: HTTP 伺服器端口
//   - gatherer: 指標來源（nil 時使用預設 registry）
//
// 返回值：
//   - error: 啟動失敗的錯誤
func StartServer(port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}

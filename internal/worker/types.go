package worker

import (
	"log/slog"
	"time"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// Config 控制單一任務的輪詢行為
type Config struct {
	PollInterval time.Duration // 兩次輪詢之間的固定間隔，預設 3 秒
	MaxPolls     int           // 最大輪詢次數，0 表示不限制
	Deadline     time.Duration // 從開始輪詢起算的總時限，0 表示不限制
	Observer     PollObserver  // 可選，每次輪詢前呼叫
	Logger       *slog.Logger  // 可選，nil 時於建立 Worker 時取 slog.Default()
}

// PollObserver 接收輪詢與丟棄通知（*metrics.Collector 實作此介面）
type PollObserver interface {
	RecordPoll()
	// RecordDiscard 在已發出 START 的任務被取消時呼叫，此時不會有終止事件
	RecordDiscard(id types.TaskID)
}

// DefaultPollInterval 兩次輪詢之間的預設間隔
const DefaultPollInterval = 3 * time.Second

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Result 代表一個任務的最終結果
type Result struct {
	WorkerID string          // 執行此任務的 worker 實例
	TaskID   types.TaskID    // 任務 ID（提交失敗時為 types.NoTaskID）
	State    types.TaskState // 終止狀態
	Err      error           // 失敗原因（成功時為 nil）
	Duration time.Duration   // 實際執行時間
}

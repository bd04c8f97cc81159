// Package types 定義了 cube-tasks 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"net/url"
	"strconv"
)

// TaskID 任務唯一識別碼（由遠端服務指派）
type TaskID int64

// NoTaskID 表示尚未取得任務 ID
const NoTaskID TaskID = -1

// Valid 回報 ID 是否已由服務指派（非負值）
func (id TaskID) Valid() bool { return id >= 0 }

func (id TaskID) String() string { return strconv.FormatInt(int64(id), 10) }

// TaskKind 決定任務的提交路徑
type TaskKind string

const (
	KindNew     TaskKind = "new"     // 新查詢：提交表單資料
	KindHistory TaskKind = "history" // 歷史任務：直接沿用既有 ID，不提交
	KindSingle  TaskKind = "single"  // 單一場景：以既有 ID 加日期提交
)

// TaskState 任務狀態
type TaskState string

const (
	StateIdle       TaskState = "idle"       // 初始狀態：尚未收到命令
	StateSubmitting TaskState = "submitting" // 提交中：等待服務回傳任務 ID
	StatePolling    TaskState = "polling"    // 輪詢中：定期查詢任務進度
	StateDone       TaskState = "done"       // 完成狀態：已取得結果
	StateFailed     TaskState = "failed"     // 失敗狀態：提交或輪詢失敗
)

// Terminal 回報狀態是否為終止狀態
func (s TaskState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// TaskResult 任務成功完成後的結果
type TaskResult struct {
	ImageURL       string     `json:"result"`        // 結果影像位置
	FilledImageURL string     `json:"result_filled"` // 填補後的結果影像位置
	DataURL        string     `json:"data"`          // 原始資料位置
	LatBounds      [2]float64 `json:"lat_bounds"`    // 緯度範圍 [min, max]
	LonBounds      [2]float64 `json:"lon_bounds"`    // 經度範圍 [min, max]
}

// Task 任務描述子，由單一 worker 實例獨佔
type Task struct {
	// 識別與授權
	ID         TaskID   `json:"id"`
	Kind       TaskKind `json:"kind"`
	Credential string   `json:"-"` // 不輸出到事件快照

	// 提交資料
	ResultType string     `json:"result_type,omitempty"`
	Form       url.Values `json:"form,omitempty"`     // KindNew 的表單資料
	QueryID    TaskID     `json:"query_id,omitempty"` // KindSingle 的來源任務
	Date       string     `json:"date,omitempty"`     // KindSingle 的場景日期

	// 狀態追蹤
	State  TaskState   `json:"state"`
	Polls  int         `json:"polls"`
	Result *TaskResult `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`

	// 時間管理（Unix 毫秒）
	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// Clone 深拷貝任務描述子，用於事件快照
func (t Task) Clone() Task {
	c := t
	if t.Form != nil {
		c.Form = make(url.Values, len(t.Form))
		for k, v := range t.Form {
			c.Form[k] = append([]string(nil), v...)
		}
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return c
}

// CommandName 入站命令類型
type CommandName string

const (
	CommandNew     CommandName = "new"
	CommandHistory CommandName = "history"
	CommandSingle  CommandName = "single"
)

// Command 呼叫端送入的命令，每個 worker 實例只接受一個
type Command struct {
	Command    CommandName `json:"command"`
	Credential string      `json:"credential"`
	ResultType string      `json:"result_type"`
	Form       url.Values  `json:"form,omitempty"`     // new
	QueryID    TaskID      `json:"query_id,omitempty"` // history, single
	Date       string      `json:"date,omitempty"`     // single
}

// EventName 出站事件類型
type EventName string

const (
	EventStart  EventName = "START"
	EventUpdate EventName = "UPDATE"
	EventResult EventName = "RESULT"
	EventError  EventName = "ERROR"
)

// Terminal 回報事件是否為最後一個事件
func (e EventName) Terminal() bool {
	return e == EventResult || e == EventError
}

// Event 送回呼叫端的事件
type Event struct {
	Event           EventName `json:"event"`
	Task            *Task     `json:"task,omitempty"`             // START, RESULT
	TaskID          TaskID    `json:"task_id"`                    // 所有事件
	ProgressPercent float64   `json:"progress_percent,omitempty"` // UPDATE
	Message         string    `json:"message,omitempty"`          // ERROR
}

// MarshalJSON 只在 UPDATE 寫出 progress_percent，0% 也保留
func (e Event) MarshalJSON() ([]byte, error) {
	type plain Event
	out := struct {
		plain
		ProgressPercent *float64 `json:"progress_percent,omitempty"`
	}{plain: plain(e)}
	if e.Event == EventUpdate {
		pct := e.ProgressPercent
		out.ProgressPercent = &pct
	}
	return json.Marshal(out)
}

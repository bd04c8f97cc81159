// ============================================================================
// cube-tasks 任務狀態機 - 單一任務描述子的狀態轉換
// ============================================================================
//
// Package: internal/taskmachine
// 文件: machine.go
// 功能: 擁有唯一的任務描述子，並保證每次狀態轉換都合法
//
// 任務狀態轉換 (State Machine):
//   Idle (初始)
//      ↓ Accept()
//   Submitting (提交中)            ← new / single
//      ↓ Adopt()
//   Polling (輪詢中)               ← history 由 Accept() 直接進入
//      ↓ RecordPoll() 可重複
//   Done (完成) / Failed (失敗)
//
// 狀態轉換規則:
//   - Idle → Submitting: Accept() 收到 new / single 命令
//   - Idle → Polling: Accept() 收到 history 命令（直接採用既有 ID）
//   - Submitting → Polling: Adopt() 採用服務回傳的 ID
//   - Polling → Done: Complete() 寫入結果
//   - Idle/Submitting/Polling → Failed: Fail()
//
// 不變量:
//   - ID 最多設定一次，設定為非負值後不再改變
//   - Result 最多設定一次，且只能在 Polling 狀態寫入
//   - 進入終止狀態後不再接受任何轉換
//
// 並發安全:
//   - 使用 sync.RWMutex 保護描述子
//   - worker goroutine 寫入，Snapshot() 可由任意 goroutine 讀取
//
// ============================================================================

package taskmachine

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 狀態轉換不合法
	ErrInvalidTransition = errors.New("taskmachine: invalid transition")
	// 任務 ID 已設定
	ErrIDAlreadySet = errors.New("taskmachine: task id already set")
	// 任務結果已設定
	ErrResultAlreadySet = errors.New("taskmachine: task result already set")
	// 命令內容不合法
	ErrInvalidCommand = errors.New("taskmachine: invalid command")
)

// Machine 擁有一個任務描述子
type Machine struct {
	mu   sync.RWMutex
	task types.Task
	now  func() time.Time
}

// New 建立處於 Idle 狀態的狀態機
func New() *Machine {
	ts := time.Now().UnixMilli()
	return &Machine{
		task: types.Task{
			ID:        types.NoTaskID,
			QueryID:   types.NoTaskID,
			State:     types.StateIdle,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		now: time.Now,
	}
}

// Accept 依命令建立描述子
//
// 返回值：
//   - types.TaskState: 轉換後的狀態（Submitting 或 Polling）
//   - error: 命令不合法或狀態機已非 Idle
func (m *Machine) Accept(cmd types.Command) (types.TaskState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task.State != types.StateIdle {
		return m.task.State, fmt.Errorf("%w: accept in state %s", ErrInvalidTransition, m.task.State)
	}

	t := &m.task
	t.Credential = cmd.Credential
	t.ResultType = cmd.ResultType

	switch cmd.Command {
	case types.CommandNew:
		t.Kind = types.KindNew
		t.Form = buildPayload(cmd.Form, cmd.ResultType)
		t.State = types.StateSubmitting

	case types.CommandSingle:
		if !cmd.QueryID.Valid() {
			return t.State, fmt.Errorf("%w: single requires a query id", ErrInvalidCommand)
		}
		t.Kind = types.KindSingle
		t.QueryID = cmd.QueryID
		t.Date = cmd.Date
		t.State = types.StateSubmitting

	case types.CommandHistory:
		if !cmd.QueryID.Valid() {
			return t.State, fmt.Errorf("%w: history requires a query id", ErrInvalidCommand)
		}
		// 歷史任務已存在於服務端，直接採用 ID
		t.Kind = types.KindHistory
		t.ID = cmd.QueryID
		t.State = types.StatePolling

	default:
		return t.State, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, cmd.Command)
	}

	m.touch()
	return t.State, nil
}

// buildPayload 複製表單資料並附加 query_type
func buildPayload(form url.Values, resultType string) url.Values {
	payload := make(url.Values, len(form)+1)
	for k, v := range form {
		payload[k] = append([]string(nil), v...)
	}
	if resultType != "" {
		payload.Set("query_type", resultType)
	}
	return payload
}

// Adopt 採用服務回傳的任務 ID，Submitting → Polling
func (m *Machine) Adopt(id types.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task.ID.Valid() {
		return ErrIDAlreadySet
	}
	if m.task.State != types.StateSubmitting {
		return fmt.Errorf("%w: adopt in state %s", ErrInvalidTransition, m.task.State)
	}
	if !id.Valid() {
		return fmt.Errorf("%w: negative task id %d", ErrInvalidTransition, id)
	}

	m.task.ID = id
	m.task.State = types.StatePolling
	m.touch()
	return nil
}

// RecordPoll 記錄一次輪詢，返回累計次數
func (m *Machine) RecordPoll() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task.State != types.StatePolling {
		return m.task.Polls, fmt.Errorf("%w: poll in state %s", ErrInvalidTransition, m.task.State)
	}
	m.task.Polls++
	m.touch()
	return m.task.Polls, nil
}

// Complete 寫入結果，Polling → Done
func (m *Machine) Complete(result types.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.task.Result != nil {
		return ErrResultAlreadySet
	}
	if m.task.State != types.StatePolling {
		return fmt.Errorf("%w: complete in state %s", ErrInvalidTransition, m.task.State)
	}

	m.task.Result = &result
	m.task.State = types.StateDone
	m.touch()
	return nil
}

// Fail 標記任務失敗，Idle/Submitting/Polling → Failed
// Idle → Failed 僅發生在命令本身被拒絕時
func (m *Machine) Fail(message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.task.State {
	case types.StateIdle, types.StateSubmitting, types.StatePolling:
	default:
		return fmt.Errorf("%w: fail in state %s", ErrInvalidTransition, m.task.State)
	}

	m.task.State = types.StateFailed
	m.task.Error = message
	m.touch()
	return nil
}

// ============================================================================
// 查詢方法
// ============================================================================

// State 返回當前狀態
func (m *Machine) State() types.TaskState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.task.State
}

// ID 返回任務 ID（未知時為 types.NoTaskID）
func (m *Machine) ID() types.TaskID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.task.ID
}

// Terminal 回報是否已進入終止狀態
func (m *Machine) Terminal() bool {
	return m.State().Terminal()
}

// Snapshot 返回描述子的深拷貝
func (m *Machine) Snapshot() types.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.task.Clone()
}

func (m *Machine) touch() {
	m.task.UpdatedAt = m.now().UnixMilli()
}

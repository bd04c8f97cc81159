// ============================================================================
// cube-tasks Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 批次模式下同時執行多個獨立任務
//
// 設計模式:
//   採用 Worker Pool 模式：
//   1. 固定數量的 goroutine 從共享的命令 channel 取命令
//   2. 每個命令建立一個全新的 Worker（一個實例只擁有一個任務描述子）
//   3. 任務結束後把 Result 送到結果 channel
//
// 架構組件:
//   ┌─────────────┐
//   │    CLI      │ --Submit()--> cmdCh
//   └─────────────┘
//         ↑
//    Results()
//         ↑
//   ┌──────────────────────┐
//   │   Pool (errgroup)    │
//   │  ┌────────────────┐  │
//   │  │ runner 1 → New()│←── cmdCh
//   │  │ runner 2 → New()│←── cmdCh   ──→ resultCh
//   │  └────────────────┘  │
//   └──────────────────────┘
//
// 生命週期:
//   1. NewPool() - 建立 Pool，初始化 channels
//   2. Start(ctx, n) - 啟動 n 個 runner goroutine
//   3. Submit(ctx, cmd) - 提交命令到 cmdCh
//   4. Results() - 讀取每個任務的 Result
//   5. Stop() - 關閉 cmdCh，等待所有任務完成，關閉 resultCh
//
// 並發控制:
//   - Submit 持有讀鎖直到送出完成，Stop 取得寫鎖後才關閉 cmdCh，
//     所以不會向已關閉的 channel 發送
//   - 取消 Start 的 ctx 會丟棄所有執行中的任務
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/cube-tasks/internal/messaging"
	"github.com/ChuLiYu/cube-tasks/pkg/types"
	"golang.org/x/sync/errgroup"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新命令
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交命令
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolAlreadyStarted 表示 Pool 已啟動
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Pool 代表任務執行池
type Pool struct {
	transport Transport
	sink      messaging.EventSink
	config    Config

	cmdCh    chan types.Command // 命令通道
	resultCh chan Result        // 結果通道
	group    *errgroup.Group    // 追蹤所有 runner goroutine
	runners  int                // runner 數量
	started  bool
	stopped  bool
	mu       sync.RWMutex // 保護 started / stopped 與 cmdCh 的關閉
}

// NewPool 建立新的 Pool
// 參數：
//   - bufferSize: 命令和結果通道的緩衝大小
//   - tr: 所有任務共用的 Transport
//   - sink: 所有任務共用的事件輸出（必須可並發使用）
//   - config: 每個任務的輪詢設定
func NewPool(bufferSize int, tr Transport, sink messaging.EventSink, config Config) *Pool {
	return &Pool{
		transport: tr,
		sink:      sink,
		config:    config,
		cmdCh:     make(chan types.Command, bufferSize),
		resultCh:  make(chan Result, bufferSize),
	}
}

// Start 啟動指定數量的 runner
func (p *Pool) Start(ctx context.Context, runnerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}
	if runnerCount <= 0 {
		runnerCount = 1
	}

	p.group = &errgroup.Group{}
	for i := 0; i < runnerCount; i++ {
		p.group.Go(func() error {
			p.runLoop(ctx)
			return nil
		})
	}

	p.runners = runnerCount
	p.started = true
	return nil
}

// runLoop 為每個命令建立新的 Worker 並等待其結束
func (p *Pool) runLoop(ctx context.Context) {
	for cmd := range p.cmdCh {
		start := time.Now()
		w := New(p.transport, p.sink, p.config)
		err := w.Run(ctx, cmd)

		task := w.Snapshot()
		p.resultCh <- Result{
			WorkerID: w.ID(),
			TaskID:   task.ID,
			State:    task.State,
			Err:      err,
			Duration: time.Since(start),
		}
	}
}

// Submit 提交命令到 Pool
func (p *Pool) Submit(ctx context.Context, cmd types.Command) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	select {
	case p.cmdCh <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results 返回結果通道，Stop() 完成後關閉
func (p *Pool) Results() <-chan Result {
	return p.resultCh
}

// Stop 停止接收命令並等待所有任務結束
// 關閉流程：
//  1. 設定 stopped 標誌並關閉 cmdCh
//  2. 等待所有 runner 完成手上的任務
//  3. 關閉 resultCh
//
// 呼叫端必須持續讀取 Results()，否則 runner 可能阻塞在結果通道上
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.cmdCh)
	p.mu.Unlock()

	_ = p.group.Wait()
	close(p.resultCh)
}

// GetRunnerCount 返回 runner 數量
func (p *Pool) GetRunnerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runners
}

// IsStarted 檢查 Pool 是否已啟動
func (p *Pool) IsStarted() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.started
}

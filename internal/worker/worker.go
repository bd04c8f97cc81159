// ============================================================================
// cube-tasks Worker - Single Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Drives exactly one task through submit -> poll -> terminal and
//           reports every step as an event.
//
// How it works:
//   A Worker accepts one command for its whole lifetime, then runs in its own
//   goroutine:
//   1. Build the descriptor from the command (taskmachine.Accept)
//   2. Submit (new / single) or adopt the given id (history)
//   3. Emit START
//   4. Poll until the service answers DONE or ERROR, emitting UPDATE for
//      every WAIT that carries usable progress
//   5. Emit RESULT or ERROR, close Done()
//
// Execution Model:
//   ┌──────────────────────────────────────────┐
//   │  Worker Goroutine                        │
//   │  ┌────────────────────────────────────┐  │
//   │  │ submit / adopt  -> START           │  │
//   │  │ for {                              │  │
//   │  │   PollStatus()   (one in flight)   │  │
//   │  │   WAIT  -> UPDATE?                 │  │
//   │  │   timer(PollInterval) | ctx.Done() │  │
//   │  │ }                                  │  │
//   │  │ DONE -> RESULT  /  fail -> ERROR   │  │
//   │  └────────────────────────────────────┘  │
//   └──────────────────────────────────────────┘
//
// Poll cadence:
//   Fixed PollInterval between the end of one poll and the start of the next.
//   No backoff, no jitter. MaxPolls and Deadline are off by default.
//
// Cancellation:
//   Cancelling the context discards the worker: the in-flight request is
//   aborted, no further event is emitted, Err() reports the context error.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/cube-tasks/internal/messaging"
	"github.com/ChuLiYu/cube-tasks/internal/taskmachine"
	"github.com/ChuLiYu/cube-tasks/internal/transport"
	"github.com/ChuLiYu/cube-tasks/pkg/types"
	"github.com/google/uuid"
)

var (
	// ErrCommandAlreadyAccepted is returned for any command after the first
	ErrCommandAlreadyAccepted = errors.New("worker: command already accepted")
	// ErrPollLimitExceeded ends a task that hit MaxPolls or Deadline
	ErrPollLimitExceeded = errors.New("worker: task polling limit exceeded")
)

// errDoneWithoutResult is a DONE answer with nothing to report. It counts as
// an unreadable response.
var errDoneWithoutResult = &transport.Error{
	Kind:       transport.TransportFailure,
	Endpoint:   transport.EndpointResult,
	StatusCode: http.StatusOK,
	Message:    transport.ConnectivityMessage,
	Cause:      errors.New("done without result"),
}

// PollLimitMessage is the ERROR event message for ErrPollLimitExceeded.
const PollLimitMessage = "Task polling limit exceeded."

// Worker owns one task descriptor for its whole lifetime.
type Worker struct {
	id        string
	transport Transport
	sink      messaging.EventSink
	config    Config
	machine   *taskmachine.Machine
	log       *slog.Logger

	accepted atomic.Bool
	done     chan struct{}
	errMu    sync.Mutex
	err      error
}

// New creates an idle Worker. sink may be nil.
func New(tr Transport, sink messaging.EventSink, config Config) *Worker {
	if sink == nil {
		sink = messaging.NoopSink{}
	}
	config = config.withDefaults()
	return &Worker{
		id:        uuid.NewString(),
		transport: tr,
		sink:      sink,
		config:    config,
		machine:   taskmachine.New(),
		log:       config.Logger,
		done:      make(chan struct{}),
	}
}

// ID returns the worker instance id used in logs.
func (w *Worker) ID() string { return w.id }

// Start accepts the command and runs the task in a new goroutine.
// It returns immediately; watch Done() for completion.
func (w *Worker) Start(ctx context.Context, cmd types.Command) error {
	if !w.accepted.CompareAndSwap(false, true) {
		return ErrCommandAlreadyAccepted
	}
	go w.execute(ctx, cmd)
	return nil
}

// Run accepts the command and runs the task on the calling goroutine.
// It returns nil when the task reached DONE.
func (w *Worker) Run(ctx context.Context, cmd types.Command) error {
	if !w.accepted.CompareAndSwap(false, true) {
		return ErrCommandAlreadyAccepted
	}
	return w.execute(ctx, cmd)
}

// Done is closed once the worker reached a terminal state or was discarded.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err returns the terminal error, nil on success or while still running.
func (w *Worker) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Terminal reports whether the task reached DONE or FAILED.
func (w *Worker) Terminal() bool { return w.machine.Terminal() }

// Snapshot returns a copy of the task descriptor.
func (w *Worker) Snapshot() types.Task { return w.machine.Snapshot() }

func (w *Worker) execute(ctx context.Context, cmd types.Command) error {
	err := w.run(ctx, cmd)

	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
	close(w.done)
	return err
}

func (w *Worker) run(ctx context.Context, cmd types.Command) error {
	state, err := w.machine.Accept(cmd)
	if err != nil {
		return w.fail(types.NoTaskID, err.Error(), err)
	}

	if state == types.StateSubmitting {
		id, err := w.submit(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return w.discard(ctx.Err())
			}
			return w.fail(types.NoTaskID, transport.Message(err), err)
		}
		if err := w.machine.Adopt(id); err != nil {
			return w.fail(types.NoTaskID, transport.GenericMessage, err)
		}
	}

	task := w.machine.Snapshot()
	w.log.Info("Task started", "worker", w.id, "taskID", task.ID, "kind", task.Kind)
	w.sink.Send(messaging.Start(task))

	return w.poll(ctx, task.ID, task.Credential)
}

func (w *Worker) submit(ctx context.Context, cmd types.Command) (types.TaskID, error) {
	task := w.machine.Snapshot()
	switch task.Kind {
	case types.KindNew:
		return w.transport.SubmitNew(ctx, task.Form, task.Credential)
	case types.KindSingle:
		return w.transport.SubmitSingle(ctx, task.QueryID, task.Date, task.Credential)
	default:
		return types.NoTaskID, fmt.Errorf("%w: %s has no submission step", taskmachine.ErrInvalidCommand, cmd.Command)
	}
}

// poll runs the POLLING state until a terminal answer arrives.
func (w *Worker) poll(ctx context.Context, id types.TaskID, credential string) error {
	pollCtx := ctx
	if w.config.Deadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, w.config.Deadline)
		defer cancel()
	}

	// interrupted resolves why pollCtx ended: caller discard or deadline.
	interrupted := func() error {
		if ctx.Err() != nil {
			return w.discard(ctx.Err())
		}
		return w.fail(id, PollLimitMessage, ErrPollLimitExceeded)
	}

	for attempt := 1; ; attempt++ {
		if _, err := w.machine.RecordPoll(); err != nil {
			return w.fail(id, transport.GenericMessage, err)
		}
		if w.config.Observer != nil {
			w.config.Observer.RecordPoll()
		}

		res, err := w.transport.PollStatus(pollCtx, id, credential)
		if err != nil {
			if pollCtx.Err() != nil {
				return interrupted()
			}
			return w.fail(id, transport.Message(err), err)
		}

		switch res.Status {
		case transport.StatusDone:
			if res.Result == nil {
				return w.fail(id, transport.ConnectivityMessage, errDoneWithoutResult)
			}
			if err := w.machine.Complete(*res.Result); err != nil {
				return w.fail(id, transport.GenericMessage, err)
			}
			w.log.Info("Task completed", "worker", w.id, "taskID", id, "polls", attempt)
			w.sink.Send(messaging.Result(w.machine.Snapshot()))
			return nil

		case transport.StatusError:
			msg := res.Message
			if msg == "" {
				msg = transport.GenericMessage
			}
			return w.fail(id, msg, transport.ErrServiceFailure)

		default:
			if res.Progress != nil {
				pct := res.Progress.Percent()
				if !math.IsNaN(pct) && !math.IsInf(pct, 0) {
					w.sink.Send(messaging.Update(id, pct))
				}
			}
		}

		if w.config.MaxPolls > 0 && attempt >= w.config.MaxPolls {
			return w.fail(id, PollLimitMessage, ErrPollLimitExceeded)
		}

		timer := time.NewTimer(w.config.PollInterval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return interrupted()
		case <-timer.C:
		}
	}
}

// fail moves the task to FAILED and emits the single ERROR event.
func (w *Worker) fail(id types.TaskID, message string, cause error) error {
	if err := w.machine.Fail(message); err != nil {
		w.log.Error("Failed to mark task failed", "worker", w.id, "taskID", id, "error", err)
	}
	w.log.Warn("Task failed", "worker", w.id, "taskID", id, "error", cause)
	w.sink.Send(messaging.Error(id, message))
	return cause
}

// discard ends the task silently after the caller cancelled it.
// Only the observer hears about it, and only once START went out.
func (w *Worker) discard(cause error) error {
	id := w.machine.ID()
	if err := w.machine.Fail(cause.Error()); err != nil {
		w.log.Error("Failed to mark task discarded", "worker", w.id, "error", err)
	}
	if w.config.Observer != nil && id.Valid() {
		w.config.Observer.RecordDiscard(id)
	}
	w.log.Info("Task discarded", "worker", w.id, "taskID", id, "error", cause)
	return cause
}

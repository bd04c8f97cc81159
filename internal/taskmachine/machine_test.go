package taskmachine

import (
	"errors"
	"net/url"
	"sync"
	"testing"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func newCommand() types.Command {
	return types.Command{
		Command:    types.CommandNew,
		Credential: "token",
		ResultType: "true_color",
		Form:       url.Values{"latitude_min": {"0.5"}},
		QueryID:    types.NoTaskID,
	}
}

// assertNoError asserts no error occurred
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// assertError asserts a specific error occurred
func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

// assertState asserts the machine state
func assertState(t *testing.T, m *Machine, want types.TaskState) {
	t.Helper()
	if got := m.State(); got != want {
		t.Errorf("state = %s, want %s", got, want)
	}
}

// ============================================================================
// Accept
// ============================================================================

func TestNew_IdleWithoutID(t *testing.T) {
	m := New()
	assertState(t, m, types.StateIdle)
	if m.ID() != types.NoTaskID {
		t.Errorf("id = %d, want %d", m.ID(), types.NoTaskID)
	}
	if m.Terminal() {
		t.Error("new machine must not be terminal")
	}
}

func TestAccept_New(t *testing.T) {
	m := New()
	state, err := m.Accept(newCommand())
	assertNoError(t, err)

	if state != types.StateSubmitting {
		t.Errorf("state = %s, want submitting", state)
	}

	task := m.Snapshot()
	if task.Kind != types.KindNew {
		t.Errorf("kind = %s, want new", task.Kind)
	}
	if task.Credential != "token" {
		t.Errorf("credential = %q", task.Credential)
	}
	if got := task.Form.Get("query_type"); got != "true_color" {
		t.Errorf("query_type = %q, want true_color", got)
	}
	if got := task.Form.Get("latitude_min"); got != "0.5" {
		t.Errorf("latitude_min = %q", got)
	}
}

func TestAccept_NewDoesNotAliasCallerForm(t *testing.T) {
	cmd := newCommand()
	m := New()
	_, err := m.Accept(cmd)
	assertNoError(t, err)

	cmd.Form.Set("latitude_min", "9")
	if got := m.Snapshot().Form.Get("latitude_min"); got != "0.5" {
		t.Errorf("descriptor form changed with caller form: %q", got)
	}
	if cmd.Form.Get("query_type") != "" {
		t.Error("caller form must not receive query_type")
	}
}

func TestAccept_Single(t *testing.T) {
	m := New()
	state, err := m.Accept(types.Command{Command: types.CommandSingle, QueryID: 7, Date: "2010-03-14"})
	assertNoError(t, err)

	if state != types.StateSubmitting {
		t.Errorf("state = %s, want submitting", state)
	}
	task := m.Snapshot()
	if task.QueryID != 7 || task.Date != "2010-03-14" {
		t.Errorf("unexpected single payload: %+v", task)
	}
	if task.ID.Valid() {
		t.Error("single task id must stay unset until submission returns")
	}
}

func TestAccept_HistoryAdoptsIDDirectly(t *testing.T) {
	m := New()
	state, err := m.Accept(types.Command{Command: types.CommandHistory, QueryID: 7})
	assertNoError(t, err)

	if state != types.StatePolling {
		t.Errorf("state = %s, want polling", state)
	}
	if m.ID() != 7 {
		t.Errorf("id = %d, want 7", m.ID())
	}
}

func TestAccept_InvalidCommands(t *testing.T) {
	testCases := []struct {
		name string
		cmd  types.Command
	}{
		{"unknown", types.Command{Command: "cancel"}},
		{"history without id", types.Command{Command: types.CommandHistory, QueryID: types.NoTaskID}},
		{"single without id", types.Command{Command: types.CommandSingle, QueryID: -5}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := New()
			_, err := m.Accept(tc.cmd)
			assertError(t, err, ErrInvalidCommand)
			assertState(t, m, types.StateIdle)
		})
	}
}

func TestAccept_Twice(t *testing.T) {
	m := New()
	_, err := m.Accept(newCommand())
	assertNoError(t, err)

	_, err = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 3})
	assertError(t, err, ErrInvalidTransition)
	if m.Snapshot().Kind != types.KindNew {
		t.Error("second accept must not overwrite the descriptor")
	}
}

// ============================================================================
// Adopt
// ============================================================================

func TestAdopt(t *testing.T) {
	m := New()
	_, _ = m.Accept(newCommand())

	assertNoError(t, m.Adopt(42))
	assertState(t, m, types.StatePolling)
	if m.ID() != 42 {
		t.Errorf("id = %d, want 42", m.ID())
	}
}

func TestAdopt_IDSetAtMostOnce(t *testing.T) {
	m := New()
	_, _ = m.Accept(newCommand())
	assertNoError(t, m.Adopt(42))

	assertError(t, m.Adopt(43), ErrIDAlreadySet)
	if m.ID() != 42 {
		t.Errorf("id changed to %d", m.ID())
	}
}

func TestAdopt_HistoryAlreadyHasID(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 7})
	assertError(t, m.Adopt(8), ErrIDAlreadySet)
}

func TestAdopt_RejectsNegativeID(t *testing.T) {
	m := New()
	_, _ = m.Accept(newCommand())
	assertError(t, m.Adopt(types.NoTaskID), ErrInvalidTransition)
	assertState(t, m, types.StateSubmitting)
}

func TestAdopt_FromIdle(t *testing.T) {
	assertError(t, New().Adopt(1), ErrInvalidTransition)
}

// ============================================================================
// Polling and terminal transitions
// ============================================================================

func TestRecordPoll(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 7})

	for i := 1; i <= 3; i++ {
		n, err := m.RecordPoll()
		assertNoError(t, err)
		if n != i {
			t.Errorf("poll count = %d, want %d", n, i)
		}
	}

	_, err := New().RecordPoll()
	assertError(t, err, ErrInvalidTransition)
}

func TestComplete(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 7})

	result := types.TaskResult{ImageURL: "/r.png", LatBounds: [2]float64{0, 1}}
	assertNoError(t, m.Complete(result))
	assertState(t, m, types.StateDone)

	task := m.Snapshot()
	if task.Result == nil || task.Result.ImageURL != "/r.png" {
		t.Errorf("result not stored: %+v", task.Result)
	}
	if !m.Terminal() {
		t.Error("done must be terminal")
	}
}

func TestComplete_ResultSetAtMostOnce(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 7})
	assertNoError(t, m.Complete(types.TaskResult{ImageURL: "/a.png"}))

	assertError(t, m.Complete(types.TaskResult{ImageURL: "/b.png"}), ErrResultAlreadySet)
	if m.Snapshot().Result.ImageURL != "/a.png" {
		t.Error("result changed after being set")
	}
}

func TestComplete_OnlyWhilePolling(t *testing.T) {
	m := New()
	_, _ = m.Accept(newCommand())
	assertError(t, m.Complete(types.TaskResult{}), ErrInvalidTransition)
	if m.Snapshot().Result != nil {
		t.Error("result must not be set outside polling")
	}
}

func TestFail(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(m *Machine)
	}{
		{"from idle", func(m *Machine) {}},
		{"from submitting", func(m *Machine) { _, _ = m.Accept(newCommand()) }},
		{"from polling", func(m *Machine) {
			_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 1})
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := New()
			tc.setup(m)
			assertNoError(t, m.Fail("boom"))
			assertState(t, m, types.StateFailed)
			if m.Snapshot().Error != "boom" {
				t.Errorf("error = %q", m.Snapshot().Error)
			}
		})
	}
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 1})
	assertNoError(t, m.Complete(types.TaskResult{}))

	assertError(t, m.Fail("late"), ErrInvalidTransition)
	_, err := m.RecordPoll()
	assertError(t, err, ErrInvalidTransition)
	_, err = m.Accept(newCommand())
	assertError(t, err, ErrInvalidTransition)
	assertState(t, m, types.StateDone)
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 1})
	_ = m.Complete(types.TaskResult{ImageURL: "/a.png"})

	snap := m.Snapshot()
	snap.Result.ImageURL = "/changed.png"

	if m.Snapshot().Result.ImageURL != "/a.png" {
		t.Error("snapshot shares result with the descriptor")
	}
}

func TestConcurrentSnapshots(t *testing.T) {
	m := New()
	_, _ = m.Accept(types.Command{Command: types.CommandHistory, QueryID: 1})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.RecordPoll()
		}()
		go func() {
			defer wg.Done()
			_ = m.Snapshot()
		}()
	}
	wg.Wait()

	if got := m.Snapshot().Polls; got != 50 {
		t.Errorf("polls = %d, want 50", got)
	}
}

// ============================================================================
// cube-tasks Messaging Boundary
// ============================================================================
//
// Package: internal/messaging
// File: messaging.go
// Purpose: The only way a task worker talks to its caller.
//
//   inbound   Command  {command: new|history|single, credential, result_type, ...}
//   outbound  Event    START  {task}              once, as soon as the id is known
//                      UPDATE {task_id, progress}  zero or more times
//                      RESULT {task}              once on success, last event
//                      ERROR  {task_id, message}  once on failure, last event
//
// Commands arrive as JSON (CLI batch files) or as Go values (in-process).
// Events leave through an EventSink; sinks can be chained with MultiSink.
//
// ============================================================================

package messaging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/ChuLiYu/cube-tasks/pkg/types"
)

var (
	// ErrMalformedCommand indicates a command that cannot be decoded
	ErrMalformedCommand = errors.New("messaging: malformed command")
)

// EventSink receives every event a worker emits, in order.
type EventSink interface {
	Send(types.Event)
}

// SinkFunc adapts a plain function to EventSink.
type SinkFunc func(types.Event)

func (f SinkFunc) Send(ev types.Event) { f(ev) }

// ============================================================================
// Event constructors
// ============================================================================

// Start builds the START event from a descriptor snapshot.
func Start(task types.Task) types.Event {
	return types.Event{Event: types.EventStart, Task: &task, TaskID: task.ID}
}

// Update builds an UPDATE event.
func Update(id types.TaskID, percent float64) types.Event {
	return types.Event{Event: types.EventUpdate, TaskID: id, ProgressPercent: percent}
}

// Result builds the RESULT event from a descriptor with its result set.
func Result(task types.Task) types.Event {
	return types.Event{Event: types.EventResult, Task: &task, TaskID: task.ID}
}

// Error builds the ERROR event.
func Error(id types.TaskID, message string) types.Event {
	return types.Event{Event: types.EventError, TaskID: id, Message: message}
}

// ============================================================================
// Command decoding
// ============================================================================

// wireCommand is the JSON shape of a command. Form values may be strings,
// numbers or lists of either; query_id may be a number or numeric string.
type wireCommand struct {
	Command    types.CommandName          `json:"command"`
	Credential string                     `json:"credential"`
	ResultType string                     `json:"result_type"`
	Form       map[string]json.RawMessage `json:"form"`
	QueryID    json.RawMessage            `json:"query_id"`
	Date       string                     `json:"date"`
}

// DecodeCommand parses one JSON command.
func DecodeCommand(data []byte) (types.Command, error) {
	var w wireCommand
	if err := json.Unmarshal(data, &w); err != nil {
		return types.Command{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}
	return w.command()
}

// DecodeCommands parses a JSON array of commands.
func DecodeCommands(r io.Reader) ([]types.Command, error) {
	var raw []json.RawMessage
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	cmds := make([]types.Command, 0, len(raw))
	for i, item := range raw {
		cmd, err := DecodeCommand(item)
		if err != nil {
			return nil, fmt.Errorf("command %d: %w", i, err)
		}
		cmds = append(cmds, cmd)
	}
	return cmds, nil
}

func (w wireCommand) command() (types.Command, error) {
	cmd := types.Command{
		Command:    w.Command,
		Credential: w.Credential,
		ResultType: w.ResultType,
		QueryID:    types.NoTaskID,
		Date:       w.Date,
	}

	switch w.Command {
	case types.CommandNew, types.CommandHistory, types.CommandSingle:
	default:
		return cmd, fmt.Errorf("%w: unknown command %q", ErrMalformedCommand, w.Command)
	}

	if len(w.QueryID) > 0 && !bytes.Equal(w.QueryID, []byte("null")) {
		id, err := parseTaskID(w.QueryID)
		if err != nil {
			return cmd, fmt.Errorf("%w: query_id: %v", ErrMalformedCommand, err)
		}
		cmd.QueryID = id
	}

	if len(w.Form) > 0 {
		cmd.Form = make(url.Values, len(w.Form))
		for key, raw := range w.Form {
			values, err := formValues(raw)
			if err != nil {
				return cmd, fmt.Errorf("%w: form field %q: %v", ErrMalformedCommand, key, err)
			}
			cmd.Form[key] = values
		}
	}

	return cmd, nil
}

func parseTaskID(raw json.RawMessage) (types.TaskID, error) {
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return types.NoTaskID, err
		}
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return types.NoTaskID, err
	}
	return types.TaskID(id), nil
}

// formValues flattens a JSON scalar or array into form values.
func formValues(raw json.RawMessage) ([]string, error) {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		out := make([]string, 0, len(list))
		for _, item := range list {
			v, err := scalar(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}

	v, err := scalar(raw)
	if err != nil {
		return nil, err
	}
	return []string{v}, nil
}

func scalar(raw json.RawMessage) (string, error) {
	var v interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", err
	}
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unsupported value %s", string(raw))
	}
}

package transport

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// submitBody is the answer of submit and submit_single.
type submitBody struct {
	RequestID number `json:"request_id"`
	Msg       string `json:"msg"`
	ErrorMsg  string `json:"error_msg"`
}

// resultBody is the answer of the result endpoint. The payload is kept raw
// because its shape depends on msg.
type resultBody struct {
	Msg      string          `json:"msg"`
	ErrorMsg string          `json:"error_msg"`
	Result   json.RawMessage `json:"result"`
}

// progressPayload is the WAIT payload. It is decoded leniently.
type progressPayload struct {
	ScenesProcessed number `json:"scenes_processed"`
	TotalScenes     number `json:"total_scenes"`
}

// donePayload is the DONE payload. It is decoded strictly.
type donePayload struct {
	Result       string `json:"result"`
	ResultFilled string `json:"result_filled"`
	Data         string `json:"data"`
	MinLat       number `json:"min_lat"`
	MaxLat       number `json:"max_lat"`
	MinLon       number `json:"min_lon"`
	MaxLon       number `json:"max_lon"`
}

// hasPayload reports whether raw holds anything other than null.
func hasPayload(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// progress returns the WAIT counters, nil when they are missing or unusable.
func (b resultBody) progress() *Progress {
	if !hasPayload(b.Result) {
		return nil
	}
	var p progressPayload
	if err := json.Unmarshal(b.Result, &p); err != nil {
		return nil
	}
	if !p.ScenesProcessed.ok || !p.TotalScenes.ok {
		return nil
	}
	return &Progress{Processed: p.ScenesProcessed.v, Total: p.TotalScenes.v}
}

// taskID converts a decoded request_id, rejecting fractions and values
// outside the TaskID range.
func (n number) taskID() (int64, bool) {
	if !n.ok || n.v < 0 || n.v >= math.MaxInt64 || n.v != math.Trunc(n.v) {
		return 0, false
	}
	return int64(n.v), true
}

// number accepts a JSON number or a numeric string. Anything else decodes
// without error and leaves ok false.
type number struct {
	v  float64
	ok bool
}

func (n *number) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
	} else {
		raw = string(data)
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || math.IsNaN(v) {
		return nil
	}
	n.v, n.ok = v, true
	return nil
}

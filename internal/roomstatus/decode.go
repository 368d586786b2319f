// Package roomstatus polls the live room occupancy feed.
package roomstatus

import (
	"errors"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	appLog "confsync/internal/log"
	"confsync/internal/model"
)

// ErrNotArray is returned by Decode when the payload is not a JSON array.
var ErrNotArray = errors.New("roomstatus: payload is not a JSON array")

// Decode parses the room status feed:
//
//	[{"roomname":"Janson","state":"0"},{"roomname":"K.1.105","state":"1"}]
//
// Objects without a room name or with an unknown state are skipped. A later
// entry for the same room wins.
func Decode(data []byte) (model.RoomStatuses, error) {
	if !gjson.ValidBytes(data) {
		return nil, errors.New("roomstatus: invalid JSON")
	}
	root := gjson.ParseBytes(data)
	if !root.IsArray() {
		return nil, ErrNotArray
	}

	out := make(model.RoomStatuses)
	root.ForEach(func(_, item gjson.Result) bool {
		name, state, ok := decodeEntry(item)
		if !ok {
			appLog.Debug("roomstatus skipping malformed entry", "raw", item.Raw)
			return true
		}
		out[name] = state
		return true
	})
	return out, nil
}

func decodeEntry(item gjson.Result) (string, model.RoomState, bool) {
	if !item.IsObject() {
		return "", 0, false
	}

	name := item.Get("roomname")
	if name.Type != gjson.String || strings.TrimSpace(name.Str) == "" {
		return "", 0, false
	}

	// The feed sends the state index as a string; accept a bare number too.
	var idx int
	switch state := item.Get("state"); state.Type {
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(state.Str))
		if err != nil {
			return "", 0, false
		}
		idx = n
	case gjson.Number:
		if state.Num != float64(int(state.Num)) {
			return "", 0, false
		}
		idx = int(state.Num)
	default:
		return "", 0, false
	}

	rs, ok := model.RoomStateFromIndex(idx)
	if !ok {
		return "", 0, false
	}
	return name.Str, rs, true
}

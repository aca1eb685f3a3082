// ABOUTME: Encodes typed session events back into wire units
// ABOUTME: Used by the stub server and WebSocket transport to emit streams

package codec

import (
	"encoding/json"
	"fmt"
)

// MarshalUnit renders an event as one wire JSON unit (without framing).
func MarshalUnit(ev Event) ([]byte, error) {
	w := wireEvent{Type: ev.Kind.String()}

	switch ev.Kind {
	case KindContentDelta:
		w.Delta = ev.Delta
	case KindSources:
		w.Sources = ev.Sources
	case KindToolCallStart:
		if ev.ToolCall == nil {
			return nil, fmt.Errorf("tool_call_start event missing payload")
		}
		w.ID = ev.ToolCall.ID
		w.Name = ev.ToolCall.Name
		w.Label = ev.ToolCall.Label
	case KindToolCallResult:
		if ev.ToolResult == nil {
			return nil, fmt.Errorf("tool_call_result event missing payload")
		}
		w.ID = ev.ToolResult.ID
		w.Success = &ev.ToolResult.Success
	case KindMessageEnd:
		if ev.End == nil {
			return nil, fmt.Errorf("message_end event missing payload")
		}
		w.MessageID = ev.End.MessageID
		w.TokenCount = ev.End.TokenCount
		w.Model = ev.End.Model
		w.Content = ev.End.Content
	case KindError:
		w.Message = ev.Message
	case KindTimeout:
		// type field only
	default:
		return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
	}

	return json.Marshal(w)
}

// MarshalSSE renders an event as a complete SSE frame ("data: <json>\n\n").
func MarshalSSE(ev Event) ([]byte, error) {
	unit, err := MarshalUnit(ev)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(unit)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, unit...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Stream event types with control meaning
const (
	EventTypeComplete          = "complete"
	EventTypeStreamComplete    = "stream_complete"
	EventTypeError             = "error"
	EventTypeHeartbeat         = "heartbeat"
	EventTypeHeartbeatResponse = "heartbeat_response"
	EventTypeNoSuggestions     = "no_suggestions"
	EventTypeSuggestionsPush   = "suggestions_push"
)

// EventClass is how the stream consumer treats an event.
type EventClass int

const (
	ClassIgnored EventClass = iota
	ClassComplete
	ClassError
	ClassKeepAlive
	ClassBatch
	ClassSuggestion
)

func (c EventClass) String() string {
	switch c {
	case ClassComplete:
		return "complete"
	case ClassError:
		return "error"
	case ClassKeepAlive:
		return "keep_alive"
	case ClassBatch:
		return "batch"
	case ClassSuggestion:
		return "suggestion"
	default:
		return "ignored"
	}
}

// StreamEvent is one decoded SSE frame.
type StreamEvent struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`

	raw []byte
}

// DecodeStreamEvent parses the JSON body of a frame.
func DecodeStreamEvent(frame []byte) (*StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(frame, &ev); err != nil {
		return nil, fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Type == "" {
		return nil, errors.New("stream event without type")
	}
	ev.raw = append([]byte(nil), frame...)
	return &ev, nil
}

// Class classifies the event by its type tag.
func (e *StreamEvent) Class() EventClass {
	switch e.Type {
	case EventTypeComplete, EventTypeStreamComplete:
		return ClassComplete
	case EventTypeError:
		return ClassError
	case EventTypeHeartbeat, EventTypeHeartbeatResponse, EventTypeNoSuggestions:
		return ClassKeepAlive
	case EventTypeSuggestionsPush:
		return ClassBatch
	}
	if _, ok := LookupKind(e.Type); ok {
		return ClassSuggestion
	}
	return ClassIgnored
}

// Batch decodes the suggestions of a suggestions_push event. The data field
// may be the list itself or an object with a "suggestions" list.
func (e *StreamEvent) Batch() ([]SuggestionPayload, error) {
	if len(e.Data) == 0 {
		return nil, nil
	}
	var list []SuggestionPayload
	if err := json.Unmarshal(e.Data, &list); err == nil {
		return list, nil
	}
	var wrapped struct {
		Suggestions []SuggestionPayload `json:"suggestions"`
	}
	if err := json.Unmarshal(e.Data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode suggestions_push data: %w", err)
	}
	return wrapped.Suggestions, nil
}

// Suggestion decodes a single-suggestion event. The event object itself is
// the suggestion.
func (e *StreamEvent) Suggestion() (*SuggestionPayload, error) {
	var p SuggestionPayload
	if err := json.Unmarshal(e.raw, &p); err != nil {
		return nil, fmt.Errorf("decode suggestion event: %w", err)
	}
	return &p, nil
}

// ErrorMessage returns the server-provided reason of an error event.
func (e *StreamEvent) ErrorMessage() string {
	if e.Message != "" {
		return e.Message
	}
	if len(e.Data) > 0 {
		return string(e.Data)
	}
	return "server reported stream error"
}

// maxFrameSize bounds a single SSE line.
const maxFrameSize = 1 << 20

// FrameReader splits a text/event-stream body into frame payloads.
type FrameReader struct {
	scanner *bufio.Scanner
}

// NewFrameReader wraps an event-stream body.
func NewFrameReader(r io.Reader) *FrameReader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	return &FrameReader{scanner: s}
}

// Next returns the data of the next frame. Multiple data lines in one frame
// are joined with a newline. Comment, id, event and retry lines are
// skipped. Returns io.EOF at a clean end of stream.
func (r *FrameReader) Next() ([]byte, error) {
	var buf bytes.Buffer
	hasData := false
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		if len(line) == 0 {
			if hasData {
				return buf.Bytes(), nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}
		field, value, found := bytes.Cut(line, []byte(":"))
		if !found {
			continue
		}
		if string(field) != "data" {
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if hasData {
			buf.WriteByte('\n')
		}
		buf.Write(value)
		hasData = true
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	if hasData {
		return buf.Bytes(), nil
	}
	return nil, io.EOF
}

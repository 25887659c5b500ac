package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// HookType represents a host lifecycle event.
type HookType string

const (
	// HookStop is called when the worker finishes a turn.
	HookStop HookType = "Stop"

	// HookSessionEnd is called when the host session ends.
	HookSessionEnd HookType = "SessionEnd"
)

// ParseHookType accepts the host event name or its kebab-case CLI form.
func ParseHookType(s string) (HookType, error) {
	switch s {
	case "Stop", "stop":
		return HookStop, nil
	case "SessionEnd", "session-end", "session_end":
		return HookSessionEnd, nil
	}
	return "", fmt.Errorf("unknown hook event %q", s)
}

// Input is the payload the host writes to stdin.
type Input struct {
	SessionID      string   `json:"session_id"`
	TranscriptPath string   `json:"transcript_path,omitempty"`
	Cwd            string   `json:"cwd,omitempty"`
	Event          HookType `json:"hook_event_name"`
	StopHookActive bool     `json:"stop_hook_active,omitempty"`
	Reason         string   `json:"reason,omitempty"`

	// LastMessage is the worker's final message when the host provides it
	// inline. Otherwise it is read from the transcript.
	LastMessage string `json:"last_assistant_message,omitempty"`
}

// ReadInput decodes a hook payload.
func ReadInput(r io.Reader) (Input, error) {
	var in Input
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		if err == io.EOF {
			return in, fmt.Errorf("empty hook payload")
		}
		return in, fmt.Errorf("decoding hook payload: %w", err)
	}
	return in, nil
}

// Response is a handler's reply to the host.
type Response struct {
	Block         bool
	Reason        string
	SystemMessage string
}

type wireResponse struct {
	Decision      string `json:"decision,omitempty"`
	Reason        string `json:"reason,omitempty"`
	SystemMessage string `json:"systemMessage,omitempty"`
}

// Write encodes r for the host. A response with nothing to say writes
// nothing.
func (r Response) Write(w io.Writer) error {
	out := wireResponse{SystemMessage: r.SystemMessage}
	if r.Block {
		out.Decision = "block"
		out.Reason = r.Reason
	}
	if out == (wireResponse{}) {
		return nil
	}
	return json.NewEncoder(w).Encode(out)
}

// HookHandler handles a hook event.
type HookHandler func(ctx context.Context, in Input) (Response, error)

// HookManager manages lifecycle hooks
type HookManager struct {
	handlers map[HookType][]HookHandler
}

// NewHookManager creates a new hook manager
func NewHookManager() *HookManager {
	return &HookManager{
		handlers: make(map[HookType][]HookHandler),
	}
}

// RegisterHandler registers a handler for a hook type
func (h *HookManager) RegisterHandler(hookType HookType, handler HookHandler) {
	h.handlers[hookType] = append(h.handlers[hookType], handler)
}

// Execute runs the handlers for in.Event in registration order. The first
// blocking response wins; system messages from all handlers are joined.
func (h *HookManager) Execute(ctx context.Context, in Input) (Response, error) {
	handlers, ok := h.handlers[in.Event]
	if !ok {
		// No handlers registered - not an error
		return Response{}, nil
	}

	var out Response
	for _, handler := range handlers {
		resp, err := handler(ctx, in)
		if err != nil {
			return out, fmt.Errorf("hook %s failed: %w", in.Event, err)
		}
		if resp.Block && !out.Block {
			out.Block = true
			out.Reason = resp.Reason
		}
		if resp.SystemMessage != "" {
			if out.SystemMessage != "" {
				out.SystemMessage += "\n"
			}
			out.SystemMessage += resp.SystemMessage
		}
	}
	return out, nil
}

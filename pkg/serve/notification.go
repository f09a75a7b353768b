package serve

import (
	"encoding/json"
	"fmt"

	"github.com/holon-run/shellpilot/pkg/runtime"
)

// EventMethodPrefix prefixes the method of every event notification:
// "event/task.started".
const EventMethodPrefix = "event/"

// Notification is a server-to-client JSON-RPC message without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// EventNotification wraps a runtime event; the event itself is the params.
func EventNotification(ev runtime.Event) (Notification, error) {
	params, err := json.Marshal(ev)
	if err != nil {
		return Notification{}, fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	return Notification{
		JSONRPC: "2.0",
		Method:  EventMethodPrefix + string(ev.Type),
		Params:  params,
	}, nil
}

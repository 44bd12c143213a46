package relay

import (
	"encoding/json"
	"time"
)

// Administrative verbs.
const (
	VerbAdd    = "add"
	VerbDelete = "delete"
	VerbList   = "list"
	VerbStatus = "status"
	VerbError  = "error"
)

// Administrative event types sent by the worker.
const (
	TypeClientReady    = "client_ready"
	TypeClientShutdown = "client_shutdown"
)

// Upstream disconnect reasons carried in status notifications.
const (
	ReasonShutdown       = "shutdown"        // graceful close (normal close code)
	ReasonError          = "error"           // abnormal termination
	ReasonClientShutdown = "client_shutdown" // worker announced shutdown itself
)

// AdminMessage is the schema of relay control traffic. A message is
// administrative when it carries a verb or a type; protocol traffic
// never has either at the top level.
type AdminMessage struct {
	Verb      string          `json:"verb,omitempty"`
	Type      string          `json:"type,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Message   string          `json:"message,omitempty"`
	Count     *int            `json:"count,omitempty"`
	Timestamp string          `json:"timestamp"`
}

// ServerEntry is the payload of add/delete administrative messages.
type ServerEntry struct {
	Name    string            `json:"name"`
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// Encode serializes an admin message, stamping the timestamp if unset.
func (m AdminMessage) Encode() []byte {
	if m.Timestamp == "" {
		m.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, _ := json.Marshal(m)
	return data
}

// Kind is the routing class of an inbound message.
type Kind int

const (
	// KindProtocol is JSON-RPC traffic destined for the RPC layer.
	KindProtocol Kind = iota

	// KindAdmin is relay control traffic.
	KindAdmin
)

// String returns the kind name.
func (k Kind) String() string {
	if k == KindAdmin {
		return "admin"
	}
	return "protocol"
}

// Classify decides whether raw bytes are administrative or protocol
// traffic. The discriminator is the presence of a top-level verb or
// type field; anything else, including payloads that fail to parse as
// JSON at all, is treated as protocol so that unrecognized but
// legitimate RPC variants are forwarded rather than dropped. A
// protocol message that happens to carry a top-level "type" field will
// be misread as administrative; the discriminator is by-field-presence
// only.
func Classify(data []byte) (Kind, *AdminMessage) {
	var probe struct {
		Verb string `json:"verb"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return KindProtocol, nil
	}
	if probe.Verb == "" && probe.Type == "" {
		return KindProtocol, nil
	}

	var admin AdminMessage
	if err := json.Unmarshal(data, &admin); err != nil {
		// Discriminator matched but the envelope doesn't: keep the
		// fields we probed so routing can still switch on them.
		admin = AdminMessage{Verb: probe.Verb, Type: probe.Type}
	}
	return KindAdmin, &admin
}

// statusData is the payload of relay status notifications.
type statusData struct {
	Connected bool   `json:"connected"`
	Restored  bool   `json:"restored,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// NewStatus builds a status notification about the upstream connection.
func NewStatus(connected bool, reason string) AdminMessage {
	return newStatus(statusData{Connected: connected, Reason: reason})
}

// NewRestoredStatus builds the status notification broadcast after a
// successful recovery scan.
func NewRestoredStatus() AdminMessage {
	return newStatus(statusData{Connected: true, Restored: true})
}

func newStatus(d statusData) AdminMessage {
	data, _ := json.Marshal(d)
	ok := true
	return AdminMessage{
		Verb:    VerbStatus,
		Data:    data,
		Success: &ok,
	}
}

// NewEmptyList builds the inventory response served when no upstream
// is connected.
func NewEmptyList() AdminMessage {
	ok := true
	zero := 0
	return AdminMessage{
		Verb:    VerbList,
		Data:    json.RawMessage(`[]`),
		Success: &ok,
		Count:   &zero,
	}
}

// NewListRequest builds the inventory request forwarded to the
// upstream on behalf of a newly attached client.
func NewListRequest() AdminMessage {
	return AdminMessage{Verb: VerbList}
}

// NewAdminError builds the structured failure returned to a client
// when its request cannot be served.
func NewAdminError(message string) AdminMessage {
	failed := false
	return AdminMessage{
		Verb:    VerbError,
		Success: &failed,
		Message: message,
	}
}

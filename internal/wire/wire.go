// Package wire defines the frame envelope exchanged between terminals and
// the hub, plus the names of the services and channels exposed by the
// per-tenant host terminal.
//
// The hub itself only ever reads TargetTerminalID; everything else in a
// frame belongs to the terminal-level protocol and passes through the
// router untouched.
package wire

import "encoding/json"

// HostTerminalID is the reserved terminal identifier under which every
// tenant's host terminal is registered. Clients cannot claim it.
const HostTerminalID = "host"

const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypePublish  = "publish"
)

// Services exposed by the host terminal.
const (
	ServiceListTerminals      = "ListTerminals"
	ServiceUpdateTerminalInfo = "UpdateTerminalInfo"
	ServicePing               = "Ping"
	ServiceTerminate          = "Terminate"
	ServiceListHost           = "ListHost"
)

// ChannelTerminalInfo carries registry snapshots published on every
// terminal-info change of a tenant.
const ChannelTerminalInfo = "terminal-info"

type Frame struct {
	TargetTerminalID string          `json:"target_terminal_id"`
	SourceTerminalID string          `json:"source_terminal_id,omitempty"`
	Type             string          `json:"type,omitempty"`
	ID               string          `json:"id,omitempty"`
	Method           string          `json:"method,omitempty"`
	Channel          string          `json:"channel,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// TerminalInfo is the metadata a terminal self-reports via
// UpdateTerminalInfo.
type TerminalInfo struct {
	TerminalID string            `json:"terminal_id"`
	Name       string            `json:"name,omitempty"`
	Extra      map[string]string `json:"extra,omitempty"`
}

type ListTerminalsResponse struct {
	Terminals []TerminalInfo `json:"terminals"`
}

type UpdateTerminalInfoResponse struct {
	OK bool `json:"ok"`
}

// HostEntry describes one tenant known to the process: its public key and
// the signature presented by the first authenticated connection under it.
type HostEntry struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type ListHostResponse struct {
	Hosts []HostEntry `json:"hosts"`
}

// Target extracts the routing envelope from a raw frame without touching
// the rest of the payload.
func Target(raw []byte) (string, error) {
	var envelope struct {
		TargetTerminalID string `json:"target_terminal_id"`
	}

	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", err
	}

	return envelope.TargetTerminalID, nil
}

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	CmdPing              = "ping"
	CmdPong              = "pong"
	CmdReload            = "reload"
	CmdNTPRequest        = "NTPRequest"
	CmdNTPResponse       = "NTPResponse"
	CmdRemoteShell       = "rsMSG"
	CmdRemoteShellResult = "rsRES"
	CmdDiagnostics       = "bdMSG"
	CmdDiagnosticsResult = "bdRES"
)

var ErrMissingCmd = errors.New("envelope without cmd")

// Envelope is the common socket message format. Command specific fields stay in Raw
// and are read with Decode.
type Envelope struct {
	Cmd         string `json:"cmd"`
	ID          *int64 `json:"id,omitempty"`
	Payload     string `json:"payload,omitempty"`
	DisplaySlug string `json:"displaySlug,omitempty"`
	Delayed     bool   `json:"delayed,omitempty"`

	Raw json.RawMessage `json:"-"`

	receiveTimestamp float64
}

// Parse decodes one inbound text frame and stamps it with the monotonic reading taken
// when the transport delivered it.
func Parse(frame []byte, receivedAt float64) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Cmd == "" {
		return nil, ErrMissingCmd
	}
	env.Raw = append(json.RawMessage(nil), frame...)
	env.receiveTimestamp = receivedAt
	return &env, nil
}

// ReceiveTimestamp returns the monotonic time in milliseconds at which the frame arrived.
func (e *Envelope) ReceiveTimestamp() float64 {
	return e.receiveTimestamp
}

// Decode unmarshals the full frame into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Raw) == 0 {
		return errors.New("envelope has no raw frame")
	}
	return json.Unmarshal(e.Raw, v)
}

// HasID reports whether the envelope carries a usable correlation id.
func (e *Envelope) HasID() bool {
	return e.ID != nil && *e.ID != 0
}

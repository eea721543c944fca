// Package protocol defines the JSON messages exchanged over gateway connections.
//
// Every frame is an Envelope. Requests sent by the client carry an ID, and the
// server answers with the same ID so the client can correlate the reply.
// Unsolicited messages (exec results, expiry notices) carry no ID.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dontdude/execd/internal/domain"
)

// Type names a message kind.
type Type string

const (
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeExec       Type = "exec"
	TypeExecAck    Type = "exec_ack"
	TypeRenewToken Type = "renew_token"
	TypeRenewAck   Type = "renew_ack"
	TypeExecResult Type = "exec_result"
	TypeError      Type = "error"
)

// Envelope is a single WebSocket text frame.
type Envelope struct {
	Type Type            `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ExecAck answers an exec request with the admission outcome.
type ExecAck struct {
	Result string `json:"result"`
}

// RenewToken carries a fresh credential.
type RenewToken struct {
	Token string `json:"token"`
}

// RenewAck confirms a renewal.
type RenewAck struct {
	Success bool `json:"success"`
}

// ExecResult is pushed unsolicited once the connection's job finishes.
type ExecResult struct {
	JobID string `json:"jobId"`
	domain.ExecResult
}

// Error reports a failure. When it answers a request its envelope ID matches.
type Error struct {
	Message string `json:"message"`
}

// New builds an envelope with data marshalled to JSON. A nil data leaves the payload empty.
func New(t Type, id string, data any) (Envelope, error) {
	env := Envelope{Type: t, ID: id}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Data = raw
	return env, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Copyright 2022 The wsrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Per-session outbound addresses
const (
	// MessagesAddress is the session scoped queue receiving processed responses
	MessagesAddress = "/queue/messages"
	// ErrorsAddress is the session scoped queue receiving payload processing errors
	ErrorsAddress = "/queue/errors"
)

// Outbound payload keys
const (
	ResponseKey = "response"
	ErrorKey    = "error"
)

// OutboundPayload an outbound payload. It holds a single key, `response` or `error`.
type OutboundPayload map[string]string

// ResponsePayload define a response payload
func ResponsePayload(response string) OutboundPayload {
	return OutboundPayload{ResponseKey: response}
}

// ErrorPayload define an error payload
func ErrorPayload(errorMessage string) OutboundPayload {
	return OutboundPayload{ErrorKey: errorMessage}
}

// SessionMessage one outbound message addressed to a session
type SessionMessage struct {
	// SessionID is the session the message is delivered to
	SessionID string `json:"session" validate:"required"`
	// Address is the logical per-session queue or the subscribed destination
	Address string `json:"destination" validate:"required"`
	// Payload is the message content
	Payload OutboundPayload `json:"payload" validate:"required"`
	// SentAt is when the relay generated the message
	SentAt time.Time `json:"sent_at"`
}

// String toString function
func (m SessionMessage) String() string {
	return fmt.Sprintf("MSG[%s@%s]", m.SessionID, m.Address)
}

// Serialize encode the message as JSON
func (m SessionMessage) Serialize() ([]byte, error) {
	return json.Marshal(&m)
}

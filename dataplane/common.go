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

package dataplane

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/alwitt/wsrelay/common"
	"github.com/go-playground/validator/v10"
)

// Client frame types
const (
	FrameSubscribe   = "SUBSCRIBE"
	FrameUnsubscribe = "UNSUBSCRIBE"
	FrameSend        = "SEND"
	FrameDisconnect  = "DISCONNECT"
)

// Server frame types
const (
	FrameConnected = "CONNECTED"
	FrameMessage   = "MESSAGE"
)

// ClientFrame a frame sent by the client
type ClientFrame struct {
	// Type is the frame type
	Type string `json:"type" validate:"required,oneof=SUBSCRIBE UNSUBSCRIBE SEND DISCONNECT"`
	// Destination is the destination to subscribe to. Only for SUBSCRIBE.
	Destination string `json:"destination,omitempty" validate:"required_if=Type SUBSCRIBE"`
	// Payload is the message payload. Only for SEND.
	Payload map[string]interface{} `json:"payload,omitempty" validate:"required_if=Type SEND"`
}

// DecodeClientFrame parse and validate a raw client frame
func DecodeClientFrame(raw []byte, validate *validator.Validate) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return ClientFrame{}, fmt.Errorf("unable to parse frame: %w", err)
	}
	frame.Type = strings.ToUpper(strings.TrimSpace(frame.Type))
	if err := validate.Struct(&frame); err != nil {
		return ClientFrame{}, fmt.Errorf("invalid %s frame: %w", frame.Type, err)
	}
	return frame, nil
}

// ServerFrame a frame sent to the client
type ServerFrame struct {
	// Type is the frame type
	Type string `json:"type"`
	// Session is the session ID assigned by the relay
	Session string `json:"session"`
	// Destination is the per-session address or subscribed destination of a MESSAGE
	Destination string `json:"destination,omitempty"`
	// Payload is the content of a MESSAGE
	Payload common.OutboundPayload `json:"payload,omitempty"`
}

// messageFrame convert an outbound session message to its wire frame
func messageFrame(msg common.SessionMessage) ServerFrame {
	return ServerFrame{
		Type:        FrameMessage,
		Session:     msg.SessionID,
		Destination: msg.Address,
		Payload:     msg.Payload,
	}
}

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

package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
)

// MessageSender delivers outbound messages to a session
type MessageSender interface {
	// SendToSession send a payload to a session's logical address
	SendToSession(
		ctxt context.Context, sessionID string, address string, payload common.OutboundPayload,
	) error
}

// PayloadProcessor converts an inbound payload into the response text
type PayloadProcessor func(payload map[string]interface{}) (string, error)

// messageField is the inbound payload field the response is built from
const messageField = "message"

// EchoPayloadProcessor builds "Processed: <message>" from the payload's message field.
// A missing field renders the same as an explicit null.
func EchoPayloadProcessor(payload map[string]interface{}) (string, error) {
	switch v := payload[messageField].(type) {
	case string:
		return "Processed: " + v, nil
	case nil:
		return "Processed: null", nil
	default:
		t, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("unable to render '%s' field: %w", messageField, err)
		}
		return "Processed: " + string(t), nil
	}
}

// Dispatcher converts inbound payloads and error conditions into outbound sends
type Dispatcher interface {
	// HandleInbound process an inbound payload, and send either the response to the
	// session's messages address, or the failure to its errors address. Exactly one
	// send is attempted per call, and processing failures never reach the caller.
	HandleInbound(ctxt context.Context, sessionID string, payload map[string]interface{})
	// SendSubscriptionError deliver an error to the session's subscribed destination.
	// The error is dropped when the session has no subscription.
	SendSubscriptionError(ctxt context.Context, sessionID string, errorMessage string)
}

// dispatcherImpl implements Dispatcher
type dispatcherImpl struct {
	common.Component
	registry  registry.SubscriptionRegistry
	sender    MessageSender
	processor PayloadProcessor
}

// GetDispatcher define a new Dispatcher. A nil processor defaults to EchoPayloadProcessor.
func GetDispatcher(
	subscriptions registry.SubscriptionRegistry,
	sender MessageSender,
	processor PayloadProcessor,
	instance string,
) (Dispatcher, error) {
	logTags := log.Fields{
		"module": "relay", "component": "dispatcher", "instance": instance,
	}
	if subscriptions == nil || sender == nil {
		err := fmt.Errorf("dispatcher requires both a registry and a message sender")
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return nil, err
	}
	if processor == nil {
		processor = EchoPayloadProcessor
	}
	return &dispatcherImpl{
		Component: common.Component{LogTags: logTags},
		registry:  subscriptions,
		sender:    sender,
		processor: processor,
	}, nil
}

// process run the payload processor, converting a panic into an error
func (d *dispatcherImpl) process(payload map[string]interface{}) (response string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("payload processor panic: %v", r)
		}
	}()
	return d.processor(payload)
}

// HandleInbound process an inbound payload
func (d *dispatcherImpl) HandleInbound(
	ctxt context.Context, sessionID string, payload map[string]interface{},
) {
	log.WithFields(d.LogTags).Debugf("Received message from session %s: %v", sessionID, payload)

	address := common.MessagesAddress
	var outbound common.OutboundPayload
	if response, err := d.process(payload); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Error processing message from session %s", sessionID,
		)
		address = common.ErrorsAddress
		outbound = common.ErrorPayload(fmt.Sprintf("Failed to process message: %s", err.Error()))
	} else {
		outbound = common.ResponsePayload(response)
	}

	if err := d.sender.SendToSession(ctxt, sessionID, address, outbound); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to deliver to session %s at %s", sessionID, address,
		)
	}
}

// SendSubscriptionError deliver an error to the session's subscribed destination
func (d *dispatcherImpl) SendSubscriptionError(
	ctxt context.Context, sessionID string, errorMessage string,
) {
	destination, ok := d.registry.Lookup(sessionID)
	if !ok {
		log.WithFields(d.LogTags).Debugf(
			"Dropping error for session %s with no subscription: %s", sessionID, errorMessage,
		)
		return
	}
	if err := d.sender.SendToSession(
		ctxt, sessionID, destination, common.ErrorPayload(errorMessage),
	); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to deliver error to session %s at %s", sessionID, destination,
		)
	}
}

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

// Package relay routes session traffic: the dispatcher turns inbound payloads and
// error conditions into outbound sends, and the lifecycle coordinator applies
// session events to the subscription registry.
package relay

import (
	"context"
	"fmt"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/registry"
	"github.com/apex/log"
)

// SessionCoordinator reacts to session lifecycle signals from the transport layer
type SessionCoordinator interface {
	// Connect a new session is connected
	Connect(ctxt context.Context, sessionID string)
	// Subscribe the session subscribed to a destination
	Subscribe(ctxt context.Context, sessionID string, destination string)
	// Unsubscribe the session dropped its subscription
	Unsubscribe(ctxt context.Context, sessionID string)
	// Disconnect the session's connection closed
	Disconnect(ctxt context.Context, sessionID string)
	// ConnectionError the transport hit an error on the session's connection
	ConnectionError(ctxt context.Context, sessionID string, err error)
	// Inbound the session sent a payload
	Inbound(ctxt context.Context, sessionID string, payload map[string]interface{})
}

// sessionCoordinatorImpl implements SessionCoordinator
type sessionCoordinatorImpl struct {
	common.Component
	registry   registry.SubscriptionRegistry
	dispatcher Dispatcher
}

// GetSessionCoordinator define a new SessionCoordinator
func GetSessionCoordinator(
	subscriptions registry.SubscriptionRegistry, dispatcher Dispatcher, instance string,
) (SessionCoordinator, error) {
	logTags := log.Fields{
		"module": "relay", "component": "session-coordinator", "instance": instance,
	}
	if subscriptions == nil || dispatcher == nil {
		err := fmt.Errorf("coordinator requires both a registry and a dispatcher")
		log.WithError(err).WithFields(logTags).Error("Unable to define session coordinator")
		return nil, err
	}
	return &sessionCoordinatorImpl{
		Component:  common.Component{LogTags: logTags},
		registry:   subscriptions,
		dispatcher: dispatcher,
	}, nil
}

// Connect a new session is connected
func (c *sessionCoordinatorImpl) Connect(_ context.Context, sessionID string) {
	log.WithFields(c.LogTags).Infof("New connection established: sessionId=%s", sessionID)
}

// Subscribe the session subscribed to a destination
func (c *sessionCoordinatorImpl) Subscribe(
	_ context.Context, sessionID string, destination string,
) {
	log.WithFields(c.LogTags).Infof(
		"New subscription: sessionId=%s, destination=%s", sessionID, destination,
	)
	c.registry.Subscribe(sessionID, destination)
}

// Unsubscribe the session dropped its subscription
func (c *sessionCoordinatorImpl) Unsubscribe(_ context.Context, sessionID string) {
	log.WithFields(c.LogTags).Infof("Unsubscribe: sessionId=%s", sessionID)
	c.registry.Unsubscribe(sessionID)
}

// Disconnect the session's connection closed. The subscription does not outlive it.
func (c *sessionCoordinatorImpl) Disconnect(_ context.Context, sessionID string) {
	log.WithFields(c.LogTags).Infof("Connection closed: sessionId=%s", sessionID)
	c.registry.Unsubscribe(sessionID)
}

// ConnectionError report the error to the session's subscribed destination
func (c *sessionCoordinatorImpl) ConnectionError(
	ctxt context.Context, sessionID string, err error,
) {
	errorMessage := "unknown connection error"
	if err != nil {
		errorMessage = err.Error()
	}
	log.WithFields(c.LogTags).Errorf(
		"Connection error: sessionId=%s, error=%s", sessionID, errorMessage,
	)
	c.dispatcher.SendSubscriptionError(ctxt, sessionID, errorMessage)
}

// Inbound the session sent a payload
func (c *sessionCoordinatorImpl) Inbound(
	ctxt context.Context, sessionID string, payload map[string]interface{},
) {
	c.dispatcher.HandleInbound(ctxt, sessionID, payload)
}

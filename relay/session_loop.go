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
	"fmt"
	"reflect"
	"sync"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
)

// SessionState lifecycle state of one session
type SessionState int

// Session lifecycle states
const (
	SessionConnected SessionState = iota
	SessionSubscribed
	SessionUnsubscribed
	SessionDisconnected
	// SessionErrorReported is held while a connection error is being delivered. The
	// session then returns to its prior state; the subscription is untouched.
	SessionErrorReported
)

// String toString function
func (s SessionState) String() string {
	switch s {
	case SessionConnected:
		return "CONNECTED"
	case SessionSubscribed:
		return "SUBSCRIBED"
	case SessionUnsubscribed:
		return "UNSUBSCRIBED"
	case SessionDisconnected:
		return "DISCONNECTED"
	case SessionErrorReported:
		return "ERROR_REPORTED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// ConnectEvent the session connected
type ConnectEvent struct{}

// SubscribeEvent the session subscribed to a destination
type SubscribeEvent struct {
	Destination string
}

// UnsubscribeEvent the session dropped its subscription
type UnsubscribeEvent struct{}

// DisconnectEvent the session's connection closed
type DisconnectEvent struct{}

// ConnectionErrorEvent the transport hit an error on the session's connection
type ConnectionErrorEvent struct {
	Err error
}

// InboundMessageEvent the session sent a payload
type InboundMessageEvent struct {
	Payload map[string]interface{}
}

// SessionEventLoop dedicated handling loop for one session's events
//
// Events are processed one at a time in submission order, which is what gives a
// session its delivery ordering. Once a DisconnectEvent is processed, later
// subscribe and inbound events are rejected.
type SessionEventLoop interface {
	// SessionID the session this loop serves
	SessionID() string
	// State the session's current lifecycle state
	State() SessionState
	// Submit queue an event for processing
	Submit(ctxt context.Context, event interface{}) error
	// Start start processing events
	Start(wg *sync.WaitGroup) error
	// Stop stop processing events. Events already queued are still processed.
	Stop() error
}

// sessionEventLoopImpl implements SessionEventLoop
type sessionEventLoopImpl struct {
	common.Component
	sessionID   string
	coordinator SessionCoordinator
	tp          common.TaskProcessor
	optCtxt     context.Context
	lock        sync.RWMutex
	state       SessionState
}

// GetSessionEventLoop define a new SessionEventLoop for a session
func GetSessionEventLoop(
	ctxt context.Context,
	coordinator SessionCoordinator,
	sessionID string,
	eventBufferLen int,
) (SessionEventLoop, error) {
	logTags := log.Fields{
		"module": "relay", "component": "session-event-loop", "session": sessionID,
	}
	tp, err := common.GetNewTaskProcessorInstance(
		ctxt, fmt.Sprintf("session.%s", sessionID), eventBufferLen,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &sessionEventLoopImpl{
		Component:   common.Component{LogTags: logTags},
		sessionID:   sessionID,
		coordinator: coordinator,
		tp:          tp,
		optCtxt:     ctxt,
		state:       SessionConnected,
	}
	if err := tp.SetTaskExecutionMap(map[reflect.Type]common.TaskHandler{
		reflect.TypeOf(ConnectEvent{}):         instance.processConnect,
		reflect.TypeOf(SubscribeEvent{}):       instance.processSubscribe,
		reflect.TypeOf(UnsubscribeEvent{}):     instance.processUnsubscribe,
		reflect.TypeOf(DisconnectEvent{}):      instance.processDisconnect,
		reflect.TypeOf(ConnectionErrorEvent{}): instance.processConnectionError,
		reflect.TypeOf(InboundMessageEvent{}):  instance.processInbound,
	}); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install event handlers")
		return nil, err
	}
	return instance, nil
}

// SessionID the session this loop serves
func (l *sessionEventLoopImpl) SessionID() string {
	return l.sessionID
}

// State the session's current lifecycle state
func (l *sessionEventLoopImpl) State() SessionState {
	l.lock.RLock()
	defer l.lock.RUnlock()
	return l.state
}

func (l *sessionEventLoopImpl) setState(newState SessionState) {
	l.lock.Lock()
	defer l.lock.Unlock()
	if l.state != newState {
		log.WithFields(l.LogTags).Debugf("State %s -> %s", l.state, newState)
	}
	l.state = newState
}

// Submit queue an event for processing
func (l *sessionEventLoopImpl) Submit(ctxt context.Context, event interface{}) error {
	return l.tp.Submit(ctxt, event)
}

// Start start processing events
func (l *sessionEventLoopImpl) Start(wg *sync.WaitGroup) error {
	return l.tp.StartEventLoop(wg)
}

// Stop stop processing events
func (l *sessionEventLoopImpl) Stop() error {
	return l.tp.StopEventLoop()
}

// ----------------------------------------------------------------------------------------

func (l *sessionEventLoopImpl) processConnect(param interface{}) error {
	if _, ok := param.(ConnectEvent); !ok {
		return fmt.Errorf("can not process unknown type %s for connect", reflect.TypeOf(param))
	}
	l.coordinator.Connect(l.optCtxt, l.sessionID)
	return nil
}

func (l *sessionEventLoopImpl) processSubscribe(param interface{}) error {
	event, ok := param.(SubscribeEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for subscribe", reflect.TypeOf(param))
	}
	if l.State() == SessionDisconnected {
		return fmt.Errorf("session %s already disconnected, not subscribing", l.sessionID)
	}
	l.coordinator.Subscribe(l.optCtxt, l.sessionID, event.Destination)
	l.setState(SessionSubscribed)
	return nil
}

func (l *sessionEventLoopImpl) processUnsubscribe(param interface{}) error {
	if _, ok := param.(UnsubscribeEvent); !ok {
		return fmt.Errorf("can not process unknown type %s for unsubscribe", reflect.TypeOf(param))
	}
	l.coordinator.Unsubscribe(l.optCtxt, l.sessionID)
	if l.State() != SessionDisconnected {
		l.setState(SessionUnsubscribed)
	}
	return nil
}

func (l *sessionEventLoopImpl) processDisconnect(param interface{}) error {
	if _, ok := param.(DisconnectEvent); !ok {
		return fmt.Errorf("can not process unknown type %s for disconnect", reflect.TypeOf(param))
	}
	l.coordinator.Disconnect(l.optCtxt, l.sessionID)
	l.setState(SessionDisconnected)
	return nil
}

func (l *sessionEventLoopImpl) processConnectionError(param interface{}) error {
	event, ok := param.(ConnectionErrorEvent)
	if !ok {
		return fmt.Errorf(
			"can not process unknown type %s for connection error", reflect.TypeOf(param),
		)
	}
	previous := l.State()
	if previous == SessionDisconnected {
		l.coordinator.ConnectionError(l.optCtxt, l.sessionID, event.Err)
		return nil
	}
	l.setState(SessionErrorReported)
	l.coordinator.ConnectionError(l.optCtxt, l.sessionID, event.Err)
	l.setState(previous)
	return nil
}

func (l *sessionEventLoopImpl) processInbound(param interface{}) error {
	event, ok := param.(InboundMessageEvent)
	if !ok {
		return fmt.Errorf("can not process unknown type %s for inbound", reflect.TypeOf(param))
	}
	if l.State() == SessionDisconnected {
		return fmt.Errorf("session %s already disconnected, dropping inbound", l.sessionID)
	}
	l.coordinator.Inbound(l.optCtxt, l.sessionID, event.Payload)
	return nil
}

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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
)

// SessionTable tracks the outbound queue of every connected session
type SessionTable interface {
	relay.MessageSender
	// Register define the outbound queue for a new session
	Register(sessionID string, queueLen int) (<-chan common.SessionMessage, error)
	// Deregister remove the session, closing its outbound queue
	Deregister(sessionID string)
	// Count number of connected sessions
	Count() int
}

// sessionTableImpl implements SessionTable
type sessionTableImpl struct {
	common.Component
	lock   sync.RWMutex
	queues map[string]chan common.SessionMessage
}

// GetSessionTable define a new SessionTable
func GetSessionTable(instance string) SessionTable {
	logTags := log.Fields{
		"module": "dataplane", "component": "session-table", "instance": instance,
	}
	return &sessionTableImpl{
		Component: common.Component{LogTags: logTags},
		queues:    make(map[string]chan common.SessionMessage),
	}
}

// Register define the outbound queue for a new session
func (t *sessionTableImpl) Register(
	sessionID string, queueLen int,
) (<-chan common.SessionMessage, error) {
	if queueLen < 1 {
		return nil, fmt.Errorf("session %s queue length must be at least 1", sessionID)
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	if _, ok := t.queues[sessionID]; ok {
		return nil, fmt.Errorf("session %s already registered", sessionID)
	}
	queue := make(chan common.SessionMessage, queueLen)
	t.queues[sessionID] = queue
	log.WithFields(t.LogTags).Debugf("Registered session %s", sessionID)
	return queue, nil
}

// Deregister remove the session, closing its outbound queue
func (t *sessionTableImpl) Deregister(sessionID string) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if queue, ok := t.queues[sessionID]; ok {
		close(queue)
		delete(t.queues, sessionID)
		log.WithFields(t.LogTags).Debugf("Deregistered session %s", sessionID)
	}
}

// Count number of connected sessions
func (t *sessionTableImpl) Count() int {
	t.lock.RLock()
	defer t.lock.RUnlock()
	return len(t.queues)
}

// SendToSession queue a payload for delivery to a session. This never waits on a
// full queue; the message is rejected instead.
func (t *sessionTableImpl) SendToSession(
	ctxt context.Context, sessionID string, address string, payload common.OutboundPayload,
) error {
	msg := common.SessionMessage{
		SessionID: sessionID, Address: address, Payload: payload, SentAt: time.Now().UTC(),
	}
	// Hold the read lock while sending so the queue can't be closed underneath
	t.lock.RLock()
	defer t.lock.RUnlock()
	queue, ok := t.queues[sessionID]
	if !ok {
		return fmt.Errorf("session %s is not connected", sessionID)
	}
	select {
	case queue <- msg:
		return nil
	case <-ctxt.Done():
		return ctxt.Err()
	default:
		return fmt.Errorf("session %s outbound queue is full, dropping %s", sessionID, msg)
	}
}

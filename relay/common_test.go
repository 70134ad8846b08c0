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
	"sync"

	"github.com/alwitt/wsrelay/common"
)

// sentMessage one recorded outbound send
type sentMessage struct {
	sessionID string
	address   string
	payload   common.OutboundPayload
}

// recordingSender test MessageSender which records every send
type recordingSender struct {
	lock    sync.Mutex
	sent    []sentMessage
	failing bool
	notify  chan sentMessage
}

func newRecordingSender() *recordingSender {
	return &recordingSender{notify: make(chan sentMessage, 64)}
}

func (s *recordingSender) SendToSession(
	_ context.Context, sessionID string, address string, payload common.OutboundPayload,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg := sentMessage{sessionID: sessionID, address: address, payload: payload}
	s.sent = append(s.sent, msg)
	select {
	case s.notify <- msg:
	default:
	}
	if s.failing {
		return fmt.Errorf("dummy delivery failure")
	}
	return nil
}

func (s *recordingSender) messages() []sentMessage {
	s.lock.Lock()
	defer s.lock.Unlock()
	result := make([]sentMessage, len(s.sent))
	copy(result, s.sent)
	return result
}

func (s *recordingSender) sentTo(address string) []sentMessage {
	result := []sentMessage{}
	for _, msg := range s.messages() {
		if msg.address == address {
			result = append(result, msg)
		}
	}
	return result
}

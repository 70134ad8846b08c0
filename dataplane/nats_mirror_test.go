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
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
)

type failingSender struct{}

func (failingSender) SendToSession(
	_ context.Context, _ string, _ string, _ common.OutboundPayload,
) error {
	return fmt.Errorf("dummy failure")
}

func TestNATSMirrorSender(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	client, err := core.GetNatsClient(core.NATSConnectParams{
		ServerURI:           server.ClientURL(),
		ConnectTimeout:      time.Second,
		MaxReconnectAttempt: 0,
		ReconnectWait:       time.Second,
	})
	assert.Nil(err)
	defer client.Close(utCtxt)

	// Case 0: bad construction
	{
		_, err := GetNATSMirrorSender(nil, "wsrelay", "testing")
		assert.NotNil(err)
		_, err = GetNATSMirrorSender(client, " . ", "testing")
		assert.NotNil(err)
	}

	uut, err := GetNATSMirrorSender(client, "wsrelay.sessions.", "testing")
	assert.Nil(err)

	received := make(chan *nats.Msg, 4)
	sub, err := client.NATs().ChanSubscribe("wsrelay.sessions.*", received)
	assert.Nil(err)
	defer func() {
		_ = sub.Unsubscribe()
	}()
	assert.Nil(client.NATs().Flush())

	// Case 1: mirror a message
	sessionID := uuid.New().String()
	assert.Nil(uut.SendToSession(
		utCtxt, sessionID, common.MessagesAddress, common.ResponsePayload("Processed: hi"),
	))
	select {
	case msg := <-received:
		assert.Equal(fmt.Sprintf("wsrelay.sessions.%s", sessionID), msg.Subject)
		var parsed common.SessionMessage
		assert.Nil(json.Unmarshal(msg.Data, &parsed))
		assert.Equal(sessionID, parsed.SessionID)
		assert.Equal(common.MessagesAddress, parsed.Address)
		assert.Equal("Processed: hi", parsed.Payload[common.ResponseKey])
	case <-time.After(time.Second * 2):
		assert.Fail("mirrored message not received")
	}

	// Case 2: session ID unusable as a subject token
	assert.NotNil(uut.SendToSession(
		utCtxt, "a.b", common.MessagesAddress, common.ResponsePayload("x"),
	))
	assert.NotNil(uut.SendToSession(
		utCtxt, "", common.MessagesAddress, common.ResponsePayload("x"),
	))

	// Case 3: fan out reports only the primary's result
	{
		table := GetSessionTable("testing")
		queue, err := table.Register(sessionID, 4)
		assert.Nil(err)

		_, err = GetFanOutSender(nil)
		assert.NotNil(err)

		fanOut, err := GetFanOutSender(table, failingSender{}, uut)
		assert.Nil(err)
		assert.Nil(fanOut.SendToSession(
			utCtxt, sessionID, common.ErrorsAddress, common.ErrorPayload("oops"),
		))
		select {
		case msg := <-queue:
			assert.Equal(common.ErrorsAddress, msg.Address)
			assert.Equal("oops", msg.Payload[common.ErrorKey])
		case <-time.After(time.Second):
			assert.Fail("primary did not receive message")
		}
		select {
		case msg := <-received:
			var parsed common.SessionMessage
			assert.Nil(json.Unmarshal(msg.Data, &parsed))
			assert.Equal(common.ErrorsAddress, parsed.Address)
		case <-time.After(time.Second * 2):
			assert.Fail("mirrored message not received")
		}

		// Primary failure is reported
		table.Deregister(sessionID)
		assert.NotNil(fanOut.SendToSession(
			utCtxt, sessionID, common.ErrorsAddress, common.ErrorPayload("oops"),
		))
	}
}

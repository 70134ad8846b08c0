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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/registry"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
)

// relayHarness a relay stack served by a test HTTP server
type relayHarness struct {
	registry registry.SubscriptionRegistry
	table    SessionTable
	server   *httptest.Server
	wg       sync.WaitGroup
}

func defineRelayHarness(t *testing.T, ctxt context.Context) *relayHarness {
	assert := assert.New(t)
	harness := &relayHarness{
		registry: registry.GetSubscriptionRegistry("testing"),
		table:    GetSessionTable("testing"),
	}
	dispatcher, err := relay.GetDispatcher(harness.registry, harness.table, nil, "testing")
	assert.Nil(err)
	coordinator, err := relay.GetSessionCoordinator(harness.registry, dispatcher, "testing")
	assert.Nil(err)

	wsConfig := common.WebSocketConfig{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		MaxMessageSize:   4096,
		PingInterval:     1,
		PongTimeout:      3,
		WriteTimeout:     2,
		OutboundQueueLen: 16,
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize: wsConfig.ReadBufferSize, WriteBufferSize: wsConfig.WriteBufferSize,
	}
	harness.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		session, err := GetWebSocketSession(
			conn, uuid.New().String(), harness.table, coordinator, wsConfig,
			common.SessionConfig{EventBufferLen: 8},
		)
		if err != nil {
			_ = conn.Close()
			return
		}
		harness.wg.Add(1)
		defer harness.wg.Done()
		_ = session.Run(ctxt)
	}))
	return harness
}

func (h *relayHarness) dial(t *testing.T) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Nil(t, err)
	return conn
}

func readServerFrame(t *testing.T, conn *websocket.Conn) ServerFrame {
	var frame ServerFrame
	assert.Nil(t, conn.SetReadDeadline(time.Now().Add(time.Second*2)))
	assert.Nil(t, conn.ReadJSON(&frame))
	return frame
}

func TestWebSocketSessionEndToEnd(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	harness := defineRelayHarness(t, utCtxt)
	defer harness.server.Close()

	conn := harness.dial(t)
	defer func() {
		_ = conn.Close()
	}()

	// Case 0: session ID announced
	connected := readServerFrame(t, conn)
	assert.Equal(FrameConnected, connected.Type)
	sessionID := connected.Session
	assert.NotEmpty(sessionID)

	// Case 1: message processed
	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "SEND", "payload": map[string]interface{}{"message": "hello"},
	}))
	frame := readServerFrame(t, conn)
	assert.Equal(FrameMessage, frame.Type)
	assert.Equal(sessionID, frame.Session)
	assert.Equal(common.MessagesAddress, frame.Destination)
	assert.Equal("Processed: hello", frame.Payload[common.ResponseKey])

	// Case 2: payload without a message field renders as null
	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "send", "payload": map[string]interface{}{"other": "hello"},
	}))
	frame = readServerFrame(t, conn)
	assert.Equal(common.MessagesAddress, frame.Destination)
	assert.Equal("Processed: null", frame.Payload[common.ResponseKey])

	// Case 3: connection error goes to the subscribed destination
	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "SUBSCRIBE", "destination": "/topic/updates",
	}))
	assert.Eventually(func() bool {
		destination, ok := harness.registry.Lookup(sessionID)
		return ok && destination == "/topic/updates"
	}, time.Second*2, time.Millisecond*10)
	assert.Nil(conn.WriteMessage(websocket.TextMessage, []byte("not a frame")))
	frame = readServerFrame(t, conn)
	assert.Equal("/topic/updates", frame.Destination)
	assert.NotEmpty(frame.Payload[common.ErrorKey])

	// Case 4: unsubscribe then connection error is dropped, the next send still works
	assert.Nil(conn.WriteJSON(map[string]interface{}{"type": "UNSUBSCRIBE"}))
	assert.Nil(conn.WriteJSON(map[string]interface{}{"type": "BOGUS"}))
	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "SEND", "payload": map[string]interface{}{"message": "again"},
	}))
	frame = readServerFrame(t, conn)
	assert.Equal(common.MessagesAddress, frame.Destination)
	assert.Equal("Processed: again", frame.Payload[common.ResponseKey])
	_, ok := harness.registry.Lookup(sessionID)
	assert.False(ok)

	// Case 5: disconnect clears the session
	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "SUBSCRIBE", "destination": "/topic/other",
	}))
	assert.Eventually(func() bool {
		_, ok := harness.registry.Lookup(sessionID)
		return ok
	}, time.Second*2, time.Millisecond*10)
	assert.Nil(conn.WriteJSON(map[string]interface{}{"type": "DISCONNECT"}))
	assert.Eventually(func() bool {
		_, ok := harness.registry.Lookup(sessionID)
		return !ok && harness.table.Count() == 0
	}, time.Second*2, time.Millisecond*10)

	harness.wg.Wait()
}

func TestWebSocketSessionAbruptClose(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	utCtxt, utCancel := context.WithCancel(context.Background())
	defer utCancel()

	harness := defineRelayHarness(t, utCtxt)
	defer harness.server.Close()

	sessions := []string{}
	conns := []*websocket.Conn{}
	for itr := 0; itr < 4; itr++ {
		conn := harness.dial(t)
		connected := readServerFrame(t, conn)
		assert.Equal(FrameConnected, connected.Type)
		assert.Nil(conn.WriteJSON(map[string]interface{}{
			"type": "SUBSCRIBE", "destination": "/topic/shared",
		}))
		sessions = append(sessions, connected.Session)
		conns = append(conns, conn)
	}
	assert.Eventually(func() bool {
		return harness.registry.Count() == 4 && harness.table.Count() == 4
	}, time.Second*2, time.Millisecond*10)

	// Drop the TCP connection without a close handshake
	assert.Nil(conns[0].UnderlyingConn().Close())
	assert.Eventually(func() bool {
		_, ok := harness.registry.Lookup(sessions[0])
		return !ok && harness.registry.Count() == 3
	}, time.Second*3, time.Millisecond*10)

	// Normal close handshake
	assert.Nil(conns[1].WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	))
	assert.Eventually(func() bool {
		_, ok := harness.registry.Lookup(sessions[1])
		return !ok && harness.registry.Count() == 2
	}, time.Second*3, time.Millisecond*10)

	// Relay shutdown ends the remaining sessions
	utCancel()
	harness.wg.Wait()
	assert.Equal(0, harness.registry.Count())
	assert.Equal(0, harness.table.Count())
	for _, conn := range conns {
		_ = conn.Close()
	}
}

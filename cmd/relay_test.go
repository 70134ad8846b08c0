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

package cmd

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/wsrelay/apis"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/alwitt/wsrelay/dataplane"
	"github.com/apex/log"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestRelayWiringWithNATSMirror(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	utCtxt, utCtxtCancel := context.WithCancel(context.Background())
	defer utCtxtCancel()

	server := natsserver.RunRandClientPortServer()
	defer server.Shutdown()

	common.InstallDefaultConfigValues()
	var config common.SystemConfig
	assert.Nil(viper.Unmarshal(&config))
	config.NATS = &common.NATSMirrorConfig{
		ServerURI:      server.ClientURL(),
		ConnectTimeout: 1,
		Reconnect:      common.NATSReconnectConfig{MaxAttempts: 0, WaitInterval: 1},
		SubjectPrefix:  "ut.relay",
	}

	natsClient, err := core.GetNatsClient(core.ConnectParamsFromConfig(*config.NATS))
	assert.Nil(err)
	defer natsClient.Close(utCtxt)

	mirrored := make(chan *nats.Msg, 4)
	sub, err := natsClient.NATs().ChanSubscribe("ut.relay.*", mirrored)
	assert.Nil(err)
	defer func() {
		_ = sub.Unsubscribe()
	}()
	assert.Nil(natsClient.NATs().Flush())

	components, err := DefineRelayComponents("testing", natsClient, config.NATS)
	assert.Nil(err)

	httpHandler, err := apis.GetAPIRestRelayHandler(
		components.Subscriptions,
		components.Sessions,
		components.Coordinator,
		&config.Relay,
		map[string]apis.DependencyStatus{"nats": natsClient},
		utCtxt,
		&wg,
	)
	assert.Nil(err)
	testServer := httptest.NewServer(DefineRelayRouter("/relay", httpHandler))
	defer testServer.Close()

	// Case 0: ready with NATS connected
	{
		resp, err := http.Get(testServer.URL + "/relay/v1/ready")
		assert.Nil(err)
		assert.Equal(http.StatusOK, resp.StatusCode)
		_ = resp.Body.Close()
	}

	// Case 1: message reaches both the client and NATS
	url := "ws" + strings.TrimPrefix(testServer.URL, "http") + "/relay/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Nil(err)
	defer func() {
		_ = conn.Close()
	}()

	readFrame := func() dataplane.ServerFrame {
		var frame dataplane.ServerFrame
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		assert.Nil(conn.ReadJSON(&frame))
		return frame
	}

	connected := readFrame()
	assert.Equal(dataplane.FrameConnected, connected.Type)

	assert.Nil(conn.WriteJSON(map[string]interface{}{
		"type": "SEND", "payload": map[string]interface{}{"message": "mirror me"},
	}))
	frame := readFrame()
	assert.Equal(common.MessagesAddress, frame.Destination)
	assert.Equal("Processed: mirror me", frame.Payload[common.ResponseKey])

	select {
	case msg := <-mirrored:
		assert.Equal("ut.relay."+connected.Session, msg.Subject)
		var parsed common.SessionMessage
		assert.Nil(json.Unmarshal(msg.Data, &parsed))
		assert.Equal("Processed: mirror me", parsed.Payload[common.ResponseKey])
	case <-time.After(time.Second * 2):
		assert.Fail("mirrored message not received")
	}

	// Case 2: disconnect
	assert.Nil(conn.WriteJSON(map[string]interface{}{"type": "DISCONNECT"}))
	assert.Eventually(func() bool {
		return components.Sessions.Count() == 0
	}, time.Second*2, time.Millisecond*10)
}

func TestRelayWiringWithoutNATS(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	components, err := DefineRelayComponents("testing", nil, nil)
	assert.Nil(err)
	assert.NotNil(components.Subscriptions)
	assert.NotNil(components.Sessions)
	assert.NotNil(components.Dispatcher)
	assert.NotNil(components.Coordinator)

	// Responses land in the session table
	queue, err := components.Sessions.Register("session-a", 4)
	assert.Nil(err)
	components.Dispatcher.HandleInbound(
		context.Background(), "session-a", map[string]interface{}{"message": "hi"},
	)
	msg := <-queue
	assert.Equal(common.MessagesAddress, msg.Address)
	assert.Equal("Processed: hi", msg.Payload[common.ResponseKey])
	components.Sessions.Deregister("session-a")
}

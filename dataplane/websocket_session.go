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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
)

// WebSocketSession runs one client connection: it feeds the client's frames into the
// session's event loop, and writes the session's outbound messages back to the client.
type WebSocketSession interface {
	// SessionID the session this connection serves
	SessionID() string
	// Run operate the session until the connection closes or the context is cancelled
	Run(ctxt context.Context) error
}

// webSocketSessionImpl implements WebSocketSession
type webSocketSessionImpl struct {
	common.Component
	sessionID   string
	conn        *websocket.Conn
	table       SessionTable
	coordinator relay.SessionCoordinator
	wsConfig    common.WebSocketConfig
	sessConfig  common.SessionConfig
	validate    *validator.Validate
	lock        sync.Mutex
	running     bool
}

// GetWebSocketSession define a new WebSocketSession over an upgraded connection
func GetWebSocketSession(
	conn *websocket.Conn,
	sessionID string,
	table SessionTable,
	coordinator relay.SessionCoordinator,
	wsConfig common.WebSocketConfig,
	sessConfig common.SessionConfig,
) (WebSocketSession, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "websocket-session", "session": sessionID,
	}
	if conn == nil || table == nil || coordinator == nil {
		err := fmt.Errorf("session requires connection, session table, and coordinator")
		log.WithError(err).WithFields(logTags).Error("Unable to define websocket session")
		return nil, err
	}
	logTags["remote"] = conn.RemoteAddr().String()
	return &webSocketSessionImpl{
		Component:   common.Component{LogTags: logTags},
		sessionID:   sessionID,
		conn:        conn,
		table:       table,
		coordinator: coordinator,
		wsConfig:    wsConfig,
		sessConfig:  sessConfig,
		validate:    validator.New(),
	}, nil
}

// SessionID the session this connection serves
func (s *webSocketSessionImpl) SessionID() string {
	return s.sessionID
}

// Run operate the session until the connection closes or the context is cancelled
func (s *webSocketSessionImpl) Run(ctxt context.Context) error {
	s.lock.Lock()
	if s.running {
		s.lock.Unlock()
		return fmt.Errorf("session %s already running", s.sessionID)
	}
	s.running = true
	s.lock.Unlock()

	defer func() {
		if err := s.conn.Close(); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.WithError(err).WithFields(s.LogTags).Debug("Connection close")
		}
	}()

	runCtxt, cancel := context.WithCancel(ctxt)
	defer cancel()

	outbound, err := s.table.Register(s.sessionID, s.wsConfig.OutboundQueueLen)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to register session")
		return err
	}

	// The event loop outlives runCtxt so the final disconnect is always processed
	loopCtxt, loopCancel := context.WithCancel(context.Background())
	defer loopCancel()
	loopWG := sync.WaitGroup{}
	eventLoop, err := relay.GetSessionEventLoop(
		loopCtxt, s.coordinator, s.sessionID, s.sessConfig.EventBufferLen,
	)
	if err != nil {
		s.table.Deregister(s.sessionID)
		return err
	}
	if err := eventLoop.Start(&loopWG); err != nil {
		s.table.Deregister(s.sessionID)
		return err
	}

	// Tell the client its session ID before anything else is written
	writeTimeout := time.Second * time.Duration(s.wsConfig.WriteTimeout)
	if err := s.writeFrame(
		ServerFrame{Type: FrameConnected, Session: s.sessionID}, writeTimeout,
	); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to send CONNECTED frame")
		_ = eventLoop.Stop()
		loopWG.Wait()
		s.table.Deregister(s.sessionID)
		return err
	}
	if err := eventLoop.Submit(loopCtxt, relay.ConnectEvent{}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to submit connect event")
	}

	ioWG := sync.WaitGroup{}

	// Keepalive pings. WriteControl is safe to call alongside the write pump.
	keepalive, err := common.GetIntervalTimerInstance(
		runCtxt, &ioWG, fmt.Sprintf("keepalive.%s", s.sessionID),
	)
	if err == nil {
		err = keepalive.Start(
			time.Second*time.Duration(s.wsConfig.PingInterval),
			func() error {
				return s.conn.WriteControl(
					websocket.PingMessage, nil, time.Now().Add(writeTimeout),
				)
			},
			false,
		)
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start keepalive")
	}

	// Write pump
	ioWG.Add(1)
	go func() {
		defer ioWG.Done()
		s.writePump(outbound, writeTimeout)
	}()

	// Close the connection on shutdown to unblock the read pump
	ioWG.Add(1)
	go func() {
		defer ioWG.Done()
		<-runCtxt.Done()
		_ = s.conn.Close()
	}()

	readErr := s.readPump(runCtxt, loopCtxt, eventLoop)

	// Tear down
	if readErr != nil {
		if err := eventLoop.Submit(
			loopCtxt, relay.ConnectionErrorEvent{Err: readErr},
		); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to submit connection error")
		}
	}
	disconnectQueued := true
	if err := eventLoop.Submit(loopCtxt, relay.DisconnectEvent{}); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to submit disconnect event")
		disconnectQueued = false
	}
	_ = eventLoop.Stop()
	loopWG.Wait()
	if !disconnectQueued {
		s.coordinator.Disconnect(loopCtxt, s.sessionID)
	}

	s.table.Deregister(s.sessionID)
	cancel()
	ioWG.Wait()
	log.WithFields(s.LogTags).Info("Session ended")
	return nil
}

// writeFrame helper function to write one frame with a deadline
func (s *webSocketSessionImpl) writeFrame(frame ServerFrame, writeTimeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteJSON(&frame)
}

// writePump write the outbound queue to the client until the queue closes
func (s *webSocketSessionImpl) writePump(
	outbound <-chan common.SessionMessage, writeTimeout time.Duration,
) {
	healthy := true
	for msg := range outbound {
		if !healthy {
			// Keep draining so the queue empties; the read pump is already failing
			continue
		}
		if err := s.writeFrame(messageFrame(msg), writeTimeout); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf("Unable to write %s", msg)
			healthy = false
			_ = s.conn.Close()
			continue
		}
		log.WithFields(s.LogTags).Debugf("Wrote %s", msg)
	}
	if healthy {
		if err := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout),
		); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			log.WithError(err).WithFields(s.LogTags).Debug("Unable to write close message")
		}
	}
}

// readPump read client frames until the connection closes. It returns nil when the
// connection ended normally, or the error which ended it.
func (s *webSocketSessionImpl) readPump(
	ctxt context.Context, loopCtxt context.Context, eventLoop relay.SessionEventLoop,
) error {
	pongTimeout := time.Second * time.Duration(s.wsConfig.PongTimeout)
	s.conn.SetReadLimit(s.wsConfig.MaxMessageSize)
	extendDeadline := func() {
		if err := s.conn.SetReadDeadline(time.Now().Add(pongTimeout)); err != nil {
			log.WithError(err).WithFields(s.LogTags).Debug("Unable to set read deadline")
		}
	}
	extendDeadline()
	s.conn.SetPongHandler(func(string) error {
		extendDeadline()
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return s.classifyReadError(ctxt, err)
		}
		extendDeadline()

		frame, err := DecodeClientFrame(raw, s.validate)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Bad client frame")
			if err := eventLoop.Submit(loopCtxt, relay.ConnectionErrorEvent{Err: err}); err != nil {
				return err
			}
			continue
		}

		var event interface{}
		switch frame.Type {
		case FrameSubscribe:
			event = relay.SubscribeEvent{Destination: frame.Destination}
		case FrameUnsubscribe:
			event = relay.UnsubscribeEvent{}
		case FrameSend:
			event = relay.InboundMessageEvent{Payload: frame.Payload}
		case FrameDisconnect:
			log.WithFields(s.LogTags).Debug("Client requested disconnect")
			return nil
		}
		if err := eventLoop.Submit(loopCtxt, event); err != nil {
			log.WithError(err).
				WithFields(s.CopyLogTags(log.Fields{"frame": frame.Type})).
				Error("Unable to submit client frame")
			return err
		}
	}
}

// classifyReadError decide whether a read failure is a normal end of the connection
func (s *webSocketSessionImpl) classifyReadError(ctxt context.Context, err error) error {
	if ctxt.Err() != nil {
		log.WithFields(s.LogTags).Debug("Session stopping")
		return nil
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.WithFields(s.LogTags).Debugf("Client closed connection: %s", err)
		return nil
	}
	if errors.Is(err, websocket.ErrReadLimit) {
		log.WithFields(s.LogTags).Errorf(
			"Frame exceeded maximum size of %d bytes", s.wsConfig.MaxMessageSize,
		)
	} else {
		log.WithError(err).WithFields(s.LogTags).Error("Connection read failure")
	}
	return err
}

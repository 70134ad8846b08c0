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
	"strings"
	"time"

	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
)

// Publisher publishes raw messages on a subject
type Publisher interface {
	Publish(subject string, msg []byte) error
}

// natsMirrorSender implements relay.MessageSender by publishing onto NATS
type natsMirrorSender struct {
	common.Component
	client        Publisher
	subjectPrefix string
}

// GetNATSMirrorSender define a MessageSender which publishes every session message
// to the subject "<subjectPrefix>.<session ID>"
func GetNATSMirrorSender(
	client Publisher, subjectPrefix string, instance string,
) (relay.MessageSender, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "nats-mirror", "instance": instance,
	}
	if client == nil {
		return nil, fmt.Errorf("nats mirror requires a publisher")
	}
	subjectPrefix = strings.TrimSuffix(strings.TrimSpace(subjectPrefix), ".")
	if subjectPrefix == "" {
		return nil, fmt.Errorf("nats mirror requires a subject prefix")
	}
	return &natsMirrorSender{
		Component:     common.Component{LogTags: logTags},
		client:        client,
		subjectPrefix: subjectPrefix,
	}, nil
}

// SendToSession publish the session message on the session's subject
func (s *natsMirrorSender) SendToSession(
	_ context.Context, sessionID string, address string, payload common.OutboundPayload,
) error {
	if sessionID == "" || strings.ContainsAny(sessionID, ".*> \t\r\n") {
		return fmt.Errorf("session ID '%s' is not a valid subject token", sessionID)
	}
	msg := common.SessionMessage{
		SessionID: sessionID, Address: address, Payload: payload, SentAt: time.Now().UTC(),
	}
	serialized, err := msg.Serialize()
	if err != nil {
		return err
	}
	subject := fmt.Sprintf("%s.%s", s.subjectPrefix, sessionID)
	if err := s.client.Publish(subject, serialized); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Failed to mirror %s", msg)
		return err
	}
	return nil
}

// fanOutSender implements relay.MessageSender over a primary and mirror senders
type fanOutSender struct {
	common.Component
	primary relay.MessageSender
	mirrors []relay.MessageSender
}

// GetFanOutSender define a MessageSender which delivers to the primary and copies to
// every mirror. Only the primary's result is reported; mirror failures are logged.
func GetFanOutSender(
	primary relay.MessageSender, mirrors ...relay.MessageSender,
) (relay.MessageSender, error) {
	if primary == nil {
		return nil, fmt.Errorf("fan out requires a primary sender")
	}
	return &fanOutSender{
		Component: common.Component{
			LogTags: log.Fields{"module": "dataplane", "component": "fan-out-sender"},
		},
		primary: primary,
		mirrors: mirrors,
	}, nil
}

// SendToSession deliver to the primary then the mirrors
func (s *fanOutSender) SendToSession(
	ctxt context.Context, sessionID string, address string, payload common.OutboundPayload,
) error {
	err := s.primary.SendToSession(ctxt, sessionID, address, payload)
	for _, mirror := range s.mirrors {
		if mErr := mirror.SendToSession(ctxt, sessionID, address, payload); mErr != nil {
			log.WithError(mErr).WithFields(s.LogTags).Warnf(
				"Mirror delivery to session %s failed", sessionID,
			)
		}
	}
	return err
}

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

package apis

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/alwitt/goutils"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/dataplane"
	"github.com/alwitt/wsrelay/registry"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// DependencyStatus reports the state of an external dependency
type DependencyStatus interface {
	// Connected whether the dependency is usable
	Connected() bool
	// Status human readable state
	Status() string
}

// APIRestRelayHandler REST handler for the relay
type APIRestRelayHandler struct {
	goutils.RestAPIHandler
	upgrader      websocket.Upgrader
	subscriptions registry.SubscriptionRegistry
	sessions      dataplane.SessionTable
	coordinator   relay.SessionCoordinator
	wsConfig      common.WebSocketConfig
	sessionConfig common.SessionConfig
	dependencies  map[string]DependencyStatus
	baseContext   context.Context
	wg            *sync.WaitGroup
}

// GetAPIRestRelayHandler define APIRestRelayHandler
func GetAPIRestRelayHandler(
	subscriptions registry.SubscriptionRegistry,
	sessions dataplane.SessionTable,
	coordinator relay.SessionCoordinator,
	config *common.RelayServerConfig,
	dependencies map[string]DependencyStatus,
	runTimeContext context.Context,
	wg *sync.WaitGroup,
) (APIRestRelayHandler, error) {
	logTags := log.Fields{
		"module":    "rest",
		"component": "relay",
	}
	if subscriptions == nil || sessions == nil || coordinator == nil || config == nil {
		err := fmt.Errorf("relay handler requires registry, session table, coordinator, and config")
		log.WithError(err).WithFields(logTags).Error("Unable to define relay handler")
		return APIRestRelayHandler{}, err
	}
	if dependencies == nil {
		dependencies = map[string]DependencyStatus{}
	}
	httpConfig := config.HTTPSetting
	return APIRestRelayHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.WebSocket.ReadBufferSize,
			WriteBufferSize: config.WebSocket.WriteBufferSize,
		},
		subscriptions: subscriptions,
		sessions:      sessions,
		coordinator:   coordinator,
		wsConfig:      config.WebSocket,
		sessionConfig: config.Session,
		dependencies:  dependencies,
		baseContext:   runTimeContext,
		wg:            wg,
	}, nil
}

// =======================================================================
// Sessions

// -----------------------------------------------------------------------

// Connect godoc
// @Summary Open a relay session
// @Description Upgrade to a WebSocket connection. The relay assigns the session ID,
// and sends it in the first CONNECTED frame.
// @tags Relay
// @Success 101 {string} string "switching protocols"
// @Failure 400 {string} string "error"
// @Router /v1/ws [get]
func (h APIRestRelayHandler) Connect(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	// The upgrader replies to the client on failure
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("WebSocket upgrade failed")
		return
	}

	sessionID := uuid.New().String()
	session, err := dataplane.GetWebSocketSession(
		conn, sessionID, h.sessions, h.coordinator, h.wsConfig, h.sessionConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Unable to define session")
		_ = conn.Close()
		return
	}

	if h.wg != nil {
		h.wg.Add(1)
		defer h.wg.Done()
	}
	log.WithFields(localLogTags).Debugf("Starting session %s", sessionID)
	if err := session.Run(h.baseContext); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf("Session %s failed", sessionID)
	}
}

// ConnectHandler Wrapper around Connect
func (h APIRestRelayHandler) ConnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Connect(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespSessionSubscription response for a session's subscription
type APIRestRespSessionSubscription struct {
	goutils.RestAPIBaseResponse
	// Session the session ID
	Session string `json:"session"`
	// Destination the destination the session is subscribed to
	Destination string `json:"destination"`
}

// GetSessionSubscription godoc
// @Summary Query a session's subscription
// @Description Return the destination the session is currently subscribed to
// @tags Relay
// @Produce json
// @Param Wsrelay-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionID path string true "Session ID"
// @Success 200 {object} APIRestRespSessionSubscription "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 404 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/session/{sessionID}/subscription [get]
func (h APIRestRelayHandler) GetSessionSubscription(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	vars := mux.Vars(r)
	sessionID, ok := vars["sessionID"]
	if !ok || sessionID == "" {
		msg := "Session ID missing from request path"
		log.WithFields(localLogTags).Error(msg)
		respCode = http.StatusBadRequest
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusBadRequest, msg, "")
		return
	}

	destination, ok := h.subscriptions.Lookup(sessionID)
	if !ok {
		msg := fmt.Sprintf("Session %s has no subscription", sessionID)
		respCode = http.StatusNotFound
		respBody = h.GetStdRESTErrorMsg(r.Context(), http.StatusNotFound, msg, "")
		return
	}

	respCode = http.StatusOK
	respBody = APIRestRespSessionSubscription{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Session:     sessionID,
		Destination: destination,
	}
}

// GetSessionSubscriptionHandler Wrapper around GetSessionSubscription
func (h APIRestRelayHandler) GetSessionSubscriptionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.GetSessionSubscription(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For relay REST API liveness check
// @Description Will return success to indicate relay REST API module is live
// @tags Relay
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/alive [get]
func (h APIRestRelayHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestRelayHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// APIRestRespReady response for the readiness check
type APIRestRespReady struct {
	goutils.RestAPIBaseResponse
	// Sessions number of connected sessions
	Sessions int `json:"sessions"`
	// Subscriptions number of sessions with an active subscription
	Subscriptions int `json:"subscriptions"`
}

// Ready godoc
// @Summary For relay REST API readiness check
// @Description Will return success if the relay and its dependencies are ready for use
// @tags Relay
// @Produce json
// @Success 200 {object} APIRestRespReady "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/ready [get]
func (h APIRestRelayHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	if err := h.baseContext.Err(); err != nil {
		respCode = http.StatusInternalServerError
		respBody = h.GetStdRESTErrorMsg(
			r.Context(), http.StatusInternalServerError, "not ready", "relay is stopping",
		)
		return
	}
	for name, dependency := range h.dependencies {
		if !dependency.Connected() {
			detail := fmt.Sprintf("%s is %s", name, dependency.Status())
			log.WithFields(localLogTags).Warnf("Not ready: %s", detail)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, "not ready", detail,
			)
			return
		}
	}
	respCode = http.StatusOK
	respBody = APIRestRespReady{
		RestAPIBaseResponse: goutils.RestAPIBaseResponse{
			Success: true, RequestID: h.ReadRequestIDFromContext(r.Context()),
		},
		Sessions:      h.sessions.Count(),
		Subscriptions: h.subscriptions.Count(),
	}
}

// ReadyHandler Wrapper around Ready
func (h APIRestRelayHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

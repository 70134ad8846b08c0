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
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/wsrelay/apis"
	"github.com/alwitt/wsrelay/common"
	"github.com/alwitt/wsrelay/core"
	"github.com/alwitt/wsrelay/dataplane"
	"github.com/alwitt/wsrelay/registry"
	"github.com/alwitt/wsrelay/relay"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RelayComponents the wired core of the relay
type RelayComponents struct {
	Subscriptions registry.SubscriptionRegistry
	Sessions      dataplane.SessionTable
	Dispatcher    relay.Dispatcher
	Coordinator   relay.SessionCoordinator
}

// DefineRelayComponents build the relay core. When a NATS client is given, every
// outbound message is also mirrored onto NATS.
func DefineRelayComponents(
	instance string, natsClient *core.NatsClient, natsConfig *common.NATSMirrorConfig,
) (RelayComponents, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	subscriptions := registry.GetSubscriptionRegistry(instance)
	sessions := dataplane.GetSessionTable(instance)

	var sender relay.MessageSender = sessions
	if natsClient != nil && natsConfig != nil {
		mirror, err := dataplane.GetNATSMirrorSender(natsClient, natsConfig.SubjectPrefix, instance)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define NATS mirror")
			return RelayComponents{}, err
		}
		sender, err = dataplane.GetFanOutSender(sessions, mirror)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define fan out sender")
			return RelayComponents{}, err
		}
		log.WithFields(logTags).Infof(
			"Mirroring outbound messages to NATS subjects %s.<session>", natsConfig.SubjectPrefix,
		)
	}

	dispatcher, err := relay.GetDispatcher(subscriptions, sender, nil, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatcher")
		return RelayComponents{}, err
	}
	coordinator, err := relay.GetSessionCoordinator(subscriptions, dispatcher, instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session coordinator")
		return RelayComponents{}, err
	}
	return RelayComponents{
		Subscriptions: subscriptions,
		Sessions:      sessions,
		Dispatcher:    dispatcher,
		Coordinator:   coordinator,
	}, nil
}

// DefineRelayRouter define the relay API routes
func DefineRelayRouter(
	pathPrefix string, httpHandler apis.APIRestRelayHandler,
) *mux.Router {
	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, pathPrefix, nil)

	// Session connect
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ws", apis.MethodHandlers{
		"get": httpHandler.ConnectHandler(),
	})

	// Session query
	_ = apis.RegisterPathPrefix(
		mainRouter, "/v1/session/{sessionID}/subscription", apis.MethodHandlers{
			"get": httpHandler.GetSessionSubscriptionHandler(),
		},
	)

	// Health check
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/alive", apis.MethodHandlers{
		"get": httpHandler.AliveHandler(),
	})
	_ = apis.RegisterPathPrefix(mainRouter, "/v1/ready", apis.MethodHandlers{
		"get": httpHandler.ReadyHandler(),
	})

	return router
}

// RunRelayServer run the relay server
func RunRelayServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "relay",
		"instance":  instance,
	}

	validate := validator.New()
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid relay config")
		return err
	}

	components, err := DefineRelayComponents(instance, natsClient, config.NATS)
	if err != nil {
		return err
	}

	dependencies := map[string]apis.DependencyStatus{}
	if natsClient != nil {
		dependencies["nats"] = natsClient
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()
	httpHandler, err := apis.GetAPIRestRelayHandler(
		components.Subscriptions,
		components.Sessions,
		components.Coordinator,
		&config.Relay,
		dependencies,
		localCtxt,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := DefineRelayRouter(config.Relay.Endpoints.PathPrefix, httpHandler)

	serverConfig := config.Relay.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverConfig.ListenOn, serverConfig.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(serverConfig.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(serverConfig.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(serverConfig.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown, this ends every open session
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	log.WithFields(logTags).Info("Relay HTTP server stopped")
	return nil
}

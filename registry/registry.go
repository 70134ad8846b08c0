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

// Package registry tracks which destination each connected session is subscribed to.
package registry

import (
	"sync"

	"github.com/alwitt/wsrelay/common"
	"github.com/apex/log"
)

// SubscriptionRegistry in-memory mapping of session ID to its one subscribed destination
//
// A session holds at most one subscription; subscribing again replaces the previous
// destination. A missing entry is a normal "not subscribed" state, never an error.
type SubscriptionRegistry interface {
	// Subscribe record the destination for a session, replacing any prior one
	Subscribe(sessionID string, destination string)
	// Unsubscribe remove the session's subscription. No-op if none exists.
	Unsubscribe(sessionID string)
	// Lookup fetch the session's current destination, and whether one exists
	Lookup(sessionID string) (string, bool)
	// Count number of sessions with an active subscription
	Count() int
}

// subscriptionRegistryImpl implements SubscriptionRegistry
type subscriptionRegistryImpl struct {
	common.Component
	lock          sync.RWMutex
	subscriptions map[string]string
}

// GetSubscriptionRegistry define a new SubscriptionRegistry
func GetSubscriptionRegistry(instance string) SubscriptionRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "subscription-registry", "instance": instance,
	}
	return &subscriptionRegistryImpl{
		Component:     common.Component{LogTags: logTags},
		subscriptions: make(map[string]string),
	}
}

// Subscribe record the destination for a session, replacing any prior one
func (r *subscriptionRegistryImpl) Subscribe(sessionID string, destination string) {
	r.lock.Lock()
	previous, replaced := r.subscriptions[sessionID]
	r.subscriptions[sessionID] = destination
	r.lock.Unlock()
	if replaced {
		log.WithFields(r.LogTags).Debugf(
			"Session %s subscription %s replaced by %s", sessionID, previous, destination,
		)
	}
}

// Unsubscribe remove the session's subscription
func (r *subscriptionRegistryImpl) Unsubscribe(sessionID string) {
	r.lock.Lock()
	defer r.lock.Unlock()
	delete(r.subscriptions, sessionID)
}

// Lookup fetch the session's current destination
func (r *subscriptionRegistryImpl) Lookup(sessionID string) (string, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	destination, ok := r.subscriptions[sessionID]
	return destination, ok
}

// Count number of sessions with an active subscription
func (r *subscriptionRegistryImpl) Count() int {
	r.lock.RLock()
	defer r.lock.RUnlock()
	return len(r.subscriptions)
}

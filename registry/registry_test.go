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

package registry

import (
	"fmt"
	"sync"
	"testing"

	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistryBasicOperations(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	uut := GetSubscriptionRegistry("ut-registry-basic")

	session1 := uuid.NewString()
	session2 := uuid.NewString()

	// Case 0: never subscribed
	{
		_, found := uut.Lookup(session1)
		assert.False(found)
		assert.Equal(0, uut.Count())
	}

	// Case 1: subscribe
	{
		uut.Subscribe(session1, "/topic/a")
		dest, found := uut.Lookup(session1)
		assert.True(found)
		assert.Equal("/topic/a", dest)
		_, found = uut.Lookup(session2)
		assert.False(found)
		assert.Equal(1, uut.Count())
	}

	// Case 2: resubscribe replaces the destination
	{
		uut.Subscribe(session1, "/topic/b")
		dest, found := uut.Lookup(session1)
		assert.True(found)
		assert.Equal("/topic/b", dest)
		assert.Equal(1, uut.Count())
	}

	// Case 3: no destination validation
	{
		uut.Subscribe(session2, "")
		dest, found := uut.Lookup(session2)
		assert.True(found)
		assert.Equal("", dest)
		assert.Equal(2, uut.Count())
	}

	// Case 4: unsubscribe is idempotent
	{
		uut.Unsubscribe(session1)
		_, found := uut.Lookup(session1)
		assert.False(found)
		uut.Unsubscribe(session1)
		_, found = uut.Lookup(session1)
		assert.False(found)
		assert.Equal(1, uut.Count())
	}

	// Case 5: unsubscribe a session which never subscribed
	{
		session := uuid.NewString()
		uut.Unsubscribe(session)
		_, found := uut.Lookup(session)
		assert.False(found)
		assert.Equal(1, uut.Count())
	}
}

func TestRegistryConcurrentWriters(t *testing.T) {
	assert := assert.New(t)

	uut := GetSubscriptionRegistry("ut-registry-concurrent")

	writers := 64
	sessions := make([]string, writers)
	for itr := 0; itr < writers; itr++ {
		sessions[itr] = uuid.NewString()
	}
	// Sessions which subscribe then leave
	transient := make([]string, writers)
	for itr := 0; itr < writers; itr++ {
		transient[itr] = uuid.NewString()
	}

	wg := sync.WaitGroup{}
	for itr := 0; itr < writers; itr++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				uut.Subscribe(sessions[idx], fmt.Sprintf("/topic/%d/%d", idx, round))
				_, _ = uut.Lookup(sessions[(idx+1)%writers])
			}
			uut.Subscribe(sessions[idx], fmt.Sprintf("/topic/%d", idx))
		}(itr)
		go func(idx int) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				uut.Subscribe(transient[idx], "/topic/transient")
				uut.Unsubscribe(transient[idx])
			}
		}(itr)
	}
	wg.Wait()

	assert.Equal(writers, uut.Count())
	for itr, session := range sessions {
		dest, found := uut.Lookup(session)
		assert.True(found)
		assert.Equal(fmt.Sprintf("/topic/%d", itr), dest)
	}
	for _, session := range transient {
		_, found := uut.Lookup(session)
		assert.False(found)
	}
}

func TestRegistrySameKeyWriters(t *testing.T) {
	assert := assert.New(t)

	uut := GetSubscriptionRegistry("ut-registry-same-key")
	session := uuid.NewString()

	candidates := map[string]bool{}
	wg := sync.WaitGroup{}
	for itr := 0; itr < 16; itr++ {
		dest := fmt.Sprintf("/topic/%d", itr)
		candidates[dest] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			uut.Subscribe(session, dest)
		}()
	}
	wg.Wait()

	// One of the writers wins
	dest, found := uut.Lookup(session)
	assert.True(found)
	assert.True(candidates[dest])
	assert.Equal(1, uut.Count())
}

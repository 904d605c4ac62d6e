// Copyright 2022 The cruisecast Authors
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

	"github.com/alwitt/cruisecast/common"
	"github.com/apex/log"
)

// ConnectionRegistry maps subscriber keys to their one active connection handle
type ConnectionRegistry interface {
	// Register store the handle for a key. A handle already registered for the key is
	// closed before the new one is stored, and returned.
	Register(key string, handle *Handle) (*Handle, error)
	// Unregister close and remove the handle registered for a key, if any. Returns the
	// handle closed by this call.
	Unregister(key string) (*Handle, bool)
	// Release remove the entry of a key only if it still points to this handle
	Release(key string, handle *Handle) bool
	// Lookup fetch the handle registered for a key
	Lookup(key string) (*Handle, bool)
	// Snapshot list the handles currently registered for a mode
	Snapshot(mode Mode) []*Handle
	// Count number of registered handles
	Count() int
	// CloseAll close and remove every handle
	CloseAll()
}

// slot holds the entry of one key. All mutations of an entry happen under the slot
// lock; the registry lock only guards the key to slot mapping.
type slot struct {
	lock   sync.Mutex
	handle *Handle
	// dead is set once the slot is dropped from the map; holders must look it up again
	dead bool
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock    sync.RWMutex
	slots   map[string]*slot
	metrics *common.Metrics
}

// GetConnectionRegistry define a new ConnectionRegistry
func GetConnectionRegistry(instance string, metrics *common.Metrics) ConnectionRegistry {
	logTags := log.Fields{
		"module": "registry", "component": "connection-registry", "instance": instance,
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		slots:     make(map[string]*slot),
		metrics:   metrics,
	}
}

// acquire return the locked slot of a key. With create, a missing slot is defined;
// otherwise nil is returned for unknown keys.
func (r *connectionRegistryImpl) acquire(key string, create bool) *slot {
	for {
		r.lock.RLock()
		s, ok := r.slots[key]
		r.lock.RUnlock()
		if !ok {
			if !create {
				return nil
			}
			r.lock.Lock()
			s, ok = r.slots[key]
			if !ok {
				s = &slot{}
				r.slots[key] = s
			}
			r.lock.Unlock()
		}
		s.lock.Lock()
		if s.dead {
			s.lock.Unlock()
			continue
		}
		return s
	}
}

// retire drop an empty slot from the map. Caller must hold the slot lock.
func (r *connectionRegistryImpl) retire(key string, s *slot) {
	s.dead = true
	r.lock.Lock()
	if current, ok := r.slots[key]; ok && current == s {
		delete(r.slots, key)
	}
	r.lock.Unlock()
}

// Register store the handle for a key, closing any previous handle first
func (r *connectionRegistryImpl) Register(key string, handle *Handle) (*Handle, error) {
	if err := common.ValidateSubscriberKey(key); err != nil {
		return nil, err
	}
	if handle == nil {
		return nil, fmt.Errorf("%w: no handle given for %s", common.ErrInvalidKey, key)
	}
	s := r.acquire(key, true)
	defer s.lock.Unlock()
	evicted := s.handle
	if evicted == handle {
		return nil, nil
	}
	if evicted != nil {
		evicted.Close("superseded by a new connection")
		r.metrics.Evicted("superseded")
		log.WithFields(r.LogTags).Infof("Evicted %s in favor of %s", evicted, handle)
	}
	s.handle = handle
	log.WithFields(r.LogTags).Debugf("Registered %s", handle)
	return evicted, nil
}

// Unregister close and remove the handle of a key
func (r *connectionRegistryImpl) Unregister(key string) (*Handle, bool) {
	s := r.acquire(key, false)
	if s == nil {
		return nil, false
	}
	defer s.lock.Unlock()
	closed := s.handle
	if closed != nil {
		closed.Close("unregistered")
		r.metrics.Evicted("unregistered")
		log.WithFields(r.LogTags).Debugf("Unregistered %s", closed)
		s.handle = nil
	}
	r.retire(key, s)
	return closed, closed != nil
}

// Release remove the entry of a key if it still points to the handle
func (r *connectionRegistryImpl) Release(key string, handle *Handle) bool {
	s := r.acquire(key, false)
	if s == nil {
		return false
	}
	defer s.lock.Unlock()
	if s.handle == nil || s.handle != handle {
		return false
	}
	s.handle = nil
	r.retire(key, s)
	log.WithFields(r.LogTags).Debugf("Released %s", handle)
	return true
}

// Lookup fetch the handle registered for a key
func (r *connectionRegistryImpl) Lookup(key string) (*Handle, bool) {
	s := r.acquire(key, false)
	if s == nil {
		return nil, false
	}
	defer s.lock.Unlock()
	return s.handle, s.handle != nil
}

// listSlots copy the current slots
func (r *connectionRegistryImpl) listSlots() []*slot {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		result = append(result, s)
	}
	return result
}

// Snapshot list the handles currently registered for a mode
func (r *connectionRegistryImpl) Snapshot(mode Mode) []*Handle {
	result := []*Handle{}
	for _, s := range r.listSlots() {
		s.lock.Lock()
		if s.handle != nil && s.handle.Mode == mode {
			result = append(result, s.handle)
		}
		s.lock.Unlock()
	}
	return result
}

// Count number of registered handles
func (r *connectionRegistryImpl) Count() int {
	count := 0
	for _, s := range r.listSlots() {
		s.lock.Lock()
		if s.handle != nil {
			count++
		}
		s.lock.Unlock()
	}
	return count
}

// CloseAll close and remove every handle
func (r *connectionRegistryImpl) CloseAll() {
	r.lock.RLock()
	keys := make([]string, 0, len(r.slots))
	for key := range r.slots {
		keys = append(keys, key)
	}
	r.lock.RUnlock()
	for _, key := range keys {
		r.Unregister(key)
	}
	log.WithFields(r.LogTags).Infof("Closed %d connections", len(keys))
}

////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package stoppable

import (
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Multi holds a list of Stoppables that are closed as a unit. A Multi may
// contain other Multis.
type Multi struct {
	name       string
	stoppables []Stoppable
	mux        sync.RWMutex
	once       sync.Once
}

// NewMulti returns a new multi Stoppable.
func NewMulti(name string) *Multi {
	return &Multi{name: name}
}

// Add adds the given Stoppable to the list of stoppables.
func (m *Multi) Add(stoppable Stoppable) {
	m.mux.Lock()
	m.stoppables = append(m.stoppables, stoppable)
	m.mux.Unlock()
}

// Name returns the name of the Multi and the names of all the Stoppables it
// contains.
func (m *Multi) Name() string {
	m.mux.RLock()
	names := make([]string, len(m.stoppables))
	for i, s := range m.stoppables {
		names[i] = s.Name()
	}
	m.mux.RUnlock()

	return m.name + "{" + strings.Join(names, ", ") + "}"
}

// GetStatus returns the lowest status of all the contained Stoppables. An
// empty Multi is considered stopped.
func (m *Multi) GetStatus() Status {
	lowest := Stopped
	m.mux.RLock()
	for _, s := range m.stoppables {
		if status := s.GetStatus(); status < lowest {
			lowest = status
		}
	}
	m.mux.RUnlock()

	return lowest
}

// IsRunning returns true if any of the contained Stoppables is running.
func (m *Multi) IsRunning() bool {
	return m.GetStatus() == Running
}

// Close closes all the contained Stoppables concurrently and waits for them
// all to return. Returns an error listing the Stoppables that failed to
// close.
func (m *Multi) Close() error {
	var err error

	m.once.Do(func() {
		var numErrors uint32
		var wg sync.WaitGroup
		var mux sync.Mutex
		var failed []string

		m.mux.RLock()
		for _, stoppable := range m.stoppables {
			wg.Add(1)
			go func(s Stoppable) {
				defer wg.Done()
				if closeErr := s.Close(); closeErr != nil {
					mux.Lock()
					numErrors++
					failed = append(failed, s.Name())
					mux.Unlock()
				}
			}(stoppable)
		}
		m.mux.RUnlock()

		wg.Wait()

		if numErrors > 0 {
			err = errors.Errorf("%d stoppables failed to close in multi "+
				"stoppable %q: %s",
				numErrors, m.name, strings.Join(failed, ", "))
		}
	})

	return err
}

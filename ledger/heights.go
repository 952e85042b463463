////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package ledger

import (
	"strconv"
	"sync"
	"sync/atomic"

	jww "github.com/spf13/jwalterweatherman"
)

// HeightFeed fans a single block-height subscription out to any number of
// read-only listeners. The chain adapter pushes new heights in; verification
// and display code listen or poll Current.
type HeightFeed struct {
	height    uint64
	listeners map[string]func(uint64)
	lastID    int
	mux       sync.RWMutex
}

// NewHeightFeed creates an empty feed at height zero.
func NewHeightFeed() *HeightFeed {
	return &HeightFeed{listeners: make(map[string]func(uint64))}
}

// Current returns the latest pushed height.
func (f *HeightFeed) Current() uint64 {
	return atomic.LoadUint64(&f.height)
}

// Update pushes a new height and notifies all listeners. Heights below the
// current one are ignored; the chain never rewinds within one connection.
func (f *HeightFeed) Update(height uint64) {
	for {
		current := atomic.LoadUint64(&f.height)
		if height <= current {
			jww.TRACE.Printf(
				"Ignoring stale height %d at height %d.", height, current)
			return
		}
		if atomic.CompareAndSwapUint64(&f.height, current, height) {
			break
		}
	}

	f.mux.RLock()
	defer f.mux.RUnlock()
	for _, cb := range f.listeners {
		cb(height)
	}
}

// Listen registers a callback for height updates and returns a token for
// StopListening.
func (f *HeightFeed) Listen(cb func(height uint64)) string {
	f.mux.Lock()
	defer f.mux.Unlock()

	f.lastID++
	token := strconv.Itoa(f.lastID)
	f.listeners[token] = cb
	return token
}

// StopListening removes the listener with the given token.
func (f *HeightFeed) StopListening(token string) {
	f.mux.Lock()
	delete(f.listeners, token)
	f.mux.Unlock()
}

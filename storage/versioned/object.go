////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package versioned

import (
	"encoding/json"
	"fmt"
	"time"
)

// Object is the unit stored in the key-value store. The Version field allows
// the layout of Data to evolve without losing old sessions.
type Object struct {
	// Used to determine if an Upgrade is needed on load
	Version uint64

	// Set when this object is written
	Timestamp time.Time

	// Serialized form of the original object
	Data []byte
}

// Unmarshal deserializes an Object from a byte slice so it is loadable from a
// KeyValue. All fields are exported with simple types, so json works fine.
func (v *Object) Unmarshal(data []byte) error {
	return json.Unmarshal(data, v)
}

// Marshal serializes an Object into a byte slice so it is storable in a
// KeyValue.
func (v *Object) Marshal() []byte {
	d, err := json.Marshal(v)
	// Failure to marshal this simple object means something is really wrong
	if err != nil {
		panic(fmt.Sprintf("Could not marshal: %+v", v))
	}
	return d
}

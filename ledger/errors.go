////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package ledger

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrNotConnected is returned for any query or submission attempted while
// the chain connection is down. Recoverable; callers may retry.
var ErrNotConnected = errors.New("ledger connection is not established")

// ErrNotFound is returned when a queried record, profile, or search match
// does not exist. For a recently sent message this can mean
// not-yet-finalized rather than truly unknown.
var ErrNotFound = errors.New("no such record on the ledger")

// SubmissionError reports a rejected extrinsic with the chain's reason.
type SubmissionError struct {
	Reason string
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("ledger rejected submission: %s", e.Reason)
}

// IsNotFound reports whether the error chain contains ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

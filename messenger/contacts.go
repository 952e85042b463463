////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package messenger

import (
	"context"

	"github.com/pkg/errors"
)

// Contact describes the approval relationship between the active identity
// and another address, as read from the chain's bidirectional approval
// mapping.
type Contact struct {
	Address        string `json:"address"`
	ApprovedByMe   bool   `json:"approvedByMe"`
	ApprovedByThem bool   `json:"approvedByThem"`

	// Status is "active" once both directions approve, otherwise "pending".
	Status string `json:"status"`
}

const (
	contactPending = "pending"
	contactActive  = "active"
)

// Approve records the active identity's approval of the contact on the
// ledger and returns the resulting relationship state.
func (m *Messenger) Approve(ctx context.Context, contact string) (
	Contact, error) {
	identity, _ := m.session()
	if identity == "" {
		return Contact{}, errors.New("no identity is logged in")
	}
	if contact == identity {
		return Contact{}, errors.New("cannot approve yourself as a contact")
	}

	if err := m.gateway.ApproveContact(ctx, identity, contact); err != nil {
		return Contact{}, errors.WithMessagef(err,
			"failed to approve contact %s", contact)
	}

	return m.Contact(ctx, contact)
}

// Contact reads both directions of the approval mapping for the given
// address.
func (m *Messenger) Contact(ctx context.Context, contact string) (
	Contact, error) {
	identity, _ := m.session()
	if identity == "" {
		return Contact{}, errors.New("no identity is logged in")
	}

	byMe, err := m.gateway.IsApproved(ctx, identity, contact)
	if err != nil {
		return Contact{}, errors.WithMessagef(err,
			"failed to read approval of %s", contact)
	}
	byThem, err := m.gateway.IsApproved(ctx, contact, identity)
	if err != nil {
		return Contact{}, errors.WithMessagef(err,
			"failed to read approval by %s", contact)
	}

	c := Contact{
		Address:        contact,
		ApprovedByMe:   byMe,
		ApprovedByThem: byThem,
		Status:         contactPending,
	}
	if byMe && byThem {
		c.Status = contactActive
	}
	return c, nil
}

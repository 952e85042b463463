////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package relay

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/anchorchat/client/transport"
)

// Tests that subscribed traffic routes to the right handler by channel.
func TestRelay_Route(t *testing.T) {
	r := New("127.0.0.1:6379", "", 0)

	var payloads []*transport.Payload
	var confirmations []*transport.Confirmation
	r.SetInboundHandler(func(p *transport.Payload) {
		payloads = append(payloads, p)
	})
	r.SetConfirmHandler(func(c *transport.Confirmation) {
		confirmations = append(confirmations, c)
	})

	inbox := transport.InboxChannel("5GrAlice")

	p := &transport.Payload{MessageID: "m1", Sender: "5GrBob",
		Recipient: "5GrAlice", Timestamp: netTime.Now()}
	data, err := json.Marshal(p)
	require.NoError(t, err)
	r.route(&redis.Message{Channel: inbox, Payload: string(data)},
		inbox, transport.ConfirmationChannel("5GrAlice"))

	c := &transport.Confirmation{MessageID: "m1", Recipient: "5GrAlice",
		Timestamp: netTime.Now()}
	data, err = json.Marshal(c)
	require.NoError(t, err)
	r.route(&redis.Message{
		Channel: transport.ConfirmationChannel("5GrAlice"),
		Payload: string(data),
	}, inbox, transport.ConfirmationChannel("5GrAlice"))

	require.Len(t, payloads, 1)
	require.Equal(t, "m1", payloads[0].MessageID)
	require.Len(t, confirmations, 1)
}

// Tests that malformed relay traffic is dropped without panicking.
func TestRelay_Route_Malformed(t *testing.T) {
	r := New("127.0.0.1:6379", "", 0)
	r.SetInboundHandler(func(*transport.Payload) {
		t.Error("Malformed payload was delivered.")
	})

	inbox := transport.InboxChannel("5GrAlice")
	r.route(&redis.Message{Channel: inbox, Payload: "not json"},
		inbox, transport.ConfirmationChannel("5GrAlice"))
}

// Tests that Deliver and History require a connection.
func TestRelay_Disconnected(t *testing.T) {
	r := New("127.0.0.1:6379", "", 0)

	err := r.Deliver(context.Background(), "5GrBob",
		&transport.Payload{MessageID: "m1"})
	require.Error(t, err)

	_, err = r.History(context.Background(), "5GrAlice", 10)
	require.Error(t, err)
}

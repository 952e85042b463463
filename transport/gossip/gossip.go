////////////////////////////////////////////////////////////////////////////////
// Copyright © 2022 xx foundation                                             //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package gossip implements the gossip-overlay transport over QUIC. Each
// node listens for overlay streams and pushes frames to a static peer set,
// one stream per message. Frames carry a topic header; nodes deliver only
// frames whose topic matches the bound identity's inbox topic and drop the
// rest. Message payloads are end-to-end encrypted before they reach the
// overlay, so overlay TLS is framing, not confidentiality.
package gossip

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"math/big"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/anchorchat/client/stoppable"
	"gitlab.com/anchorchat/client/transport"
)

const (
	alpnProtocol = "anchorchat-gossip"

	frameKindMessage      = "message"
	frameKindConfirmation = "confirmation"

	dialTimeout = 5 * time.Second

	// maxFrameSize bounds a single overlay frame read.
	maxFrameSize = 1 << 20
)

// frame is the overlay wire format: a topic header plus a JSON payload of
// the given kind.
type frame struct {
	Topic   string          `json:"topic"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Overlay is a transport.Transport over a QUIC gossip overlay.
type Overlay struct {
	listenAddr string
	peers      []string
	namespace  string

	listener *quic.Listener
	stop     *stoppable.Single
	identity string

	inbound transport.InboundFunc
	confirm transport.ConfirmFunc
	status  transport.StatusFunc

	mux sync.Mutex
}

// New creates an Overlay that listens on listenAddr and pushes frames to the
// given peers, scoped to the overlay namespace.
func New(listenAddr, namespace string, peers []string) *Overlay {
	return &Overlay{
		listenAddr: listenAddr,
		peers:      peers,
		namespace:  namespace,
	}
}

// Name implements transport.Transport.
func (o *Overlay) Name() string { return "gossip" }

// SetInboundHandler implements transport.Transport.
func (o *Overlay) SetInboundHandler(f transport.InboundFunc) {
	o.mux.Lock()
	o.inbound = f
	o.mux.Unlock()
}

// SetConfirmHandler implements transport.Transport.
func (o *Overlay) SetConfirmHandler(f transport.ConfirmFunc) {
	o.mux.Lock()
	o.confirm = f
	o.mux.Unlock()
}

// SetStatusCallback implements transport.Transport.
func (o *Overlay) SetStatusCallback(f transport.StatusFunc) {
	o.mux.Lock()
	o.status = f
	o.mux.Unlock()
}

// Connect starts the overlay listener bound to the identity's inbox topic.
func (o *Overlay) Connect(identity string) error {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.listener != nil {
		return errors.Errorf(
			"gossip overlay already connected for identity %s", o.identity)
	}

	tlsConf, err := serverTLSConfig()
	if err != nil {
		return errors.WithMessage(err, "failed to build overlay TLS config")
	}

	listener, err := quic.ListenAddr(o.listenAddr, tlsConf, nil)
	if err != nil {
		return errors.WithMessagef(err,
			"failed to listen on overlay address %s", o.listenAddr)
	}

	o.listener = listener
	o.identity = identity
	o.stop = stoppable.NewSingle("gossipListener-" + identity)

	go o.acceptLoop(o.stop, listener, transport.GossipTopic(
		o.namespace, identity))

	o.notifyStatus(true)
	jww.INFO.Printf("Gossip overlay listening on %s for %s (%d peers).",
		o.listenAddr, identity, len(o.peers))
	return nil
}

// Disconnect implements transport.Transport.
func (o *Overlay) Disconnect() error {
	o.mux.Lock()
	defer o.mux.Unlock()

	if o.listener == nil {
		return nil
	}

	if err := o.stop.Close(); err != nil {
		jww.WARN.Printf("Failed to stop gossip accept loop: %+v", err)
	}
	if err := o.listener.Close(); err != nil {
		jww.WARN.Printf("Failed to close gossip listener: %+v", err)
	}

	o.listener, o.identity = nil, ""
	o.notifyStatus(false)
	return nil
}

func (o *Overlay) acceptLoop(stop *stoppable.Single,
	listener *quic.Listener, topic string) {
	go func() {
		<-stop.Quit()
		// Closing the listener unblocks Accept below
		stop.ToStopped()
	}()

	for {
		conn, err := listener.Accept(context.Background())
		if err != nil {
			if stop.IsRunning() {
				jww.WARN.Printf("Gossip accept failed: %+v", err)
			}
			return
		}

		go o.handleConn(conn, topic)
	}
}

func (o *Overlay) handleConn(conn *quic.Conn, topic string) {
	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			return
		}

		go func(s *quic.Stream) {
			defer s.Close()

			data, err := io.ReadAll(io.LimitReader(s, maxFrameSize))
			if err != nil {
				jww.WARN.Printf("Gossip stream read failed: %+v", err)
				return
			}
			o.handleFrame(data, topic)
		}(stream)
	}
}

// handleFrame decodes a raw overlay frame and dispatches it if its topic
// matches the bound identity's topic.
func (o *Overlay) handleFrame(data []byte, topic string) {
	f := &frame{}
	if err := json.Unmarshal(data, f); err != nil {
		jww.WARN.Printf("Dropping malformed gossip frame: %+v", err)
		return
	}

	if f.Topic != topic {
		// Overlay chatter for other identities passes through here; only
		// our own topic is delivered
		jww.TRACE.Printf("Ignoring gossip frame for topic %s.", f.Topic)
		return
	}

	o.mux.Lock()
	inbound, confirm := o.inbound, o.confirm
	o.mux.Unlock()

	switch f.Kind {
	case frameKindMessage:
		p := &transport.Payload{}
		if err := json.Unmarshal(f.Payload, p); err != nil {
			jww.WARN.Printf("Dropping malformed gossip payload: %+v", err)
			return
		}
		if inbound != nil {
			inbound(p)
		}
	case frameKindConfirmation:
		c := &transport.Confirmation{}
		if err := json.Unmarshal(f.Payload, c); err != nil {
			jww.WARN.Printf("Dropping malformed gossip confirmation: %+v", err)
			return
		}
		if confirm != nil {
			confirm(c)
		}
	default:
		jww.TRACE.Printf("Ignoring gossip frame kind %q.", f.Kind)
	}
}

// Deliver pushes the payload to every overlay peer on the recipient's topic.
// Delivery succeeds if any peer accepted the frame.
func (o *Overlay) Deliver(ctx context.Context, recipient string,
	p *transport.Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal payload")
	}
	return o.push(ctx, transport.GossipTopic(o.namespace, recipient),
		frameKindMessage, raw)
}

// Confirm pushes a delivery confirmation to every overlay peer on the
// sender's topic.
func (o *Overlay) Confirm(ctx context.Context, sender string,
	c *transport.Confirmation) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal confirmation")
	}
	return o.push(ctx, transport.GossipTopic(o.namespace, sender),
		frameKindConfirmation, raw)
}

// History implements transport.Transport. The overlay keeps no history; the
// relay covers backfill.
func (o *Overlay) History(context.Context, string, int) (
	[]*transport.Payload, error) {
	return nil, nil
}

func (o *Overlay) push(ctx context.Context, topic, kind string,
	payload json.RawMessage) error {
	if len(o.peers) == 0 {
		return errors.New("gossip overlay has no peers configured")
	}

	data, err := json.Marshal(&frame{Topic: topic, Kind: kind,
		Payload: payload})
	if err != nil {
		return errors.WithMessage(err, "failed to marshal gossip frame")
	}

	delivered := 0
	for _, peer := range o.peers {
		if err = o.pushToPeer(ctx, peer, data); err != nil {
			jww.DEBUG.Printf("Gossip push to %s failed: %+v", peer, err)
			continue
		}
		delivered++
	}

	if delivered == 0 {
		return errors.Errorf(
			"gossip frame reached none of %d peers", len(o.peers))
	}
	return nil
}

func (o *Overlay) pushToPeer(ctx context.Context, peer string,
	data []byte) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := quic.DialAddr(dialCtx, peer, clientTLSConfig(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.CloseWithError(0, "") }()

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return err
	}

	if _, err = stream.Write(data); err != nil {
		return err
	}
	return stream.Close()
}

func (o *Overlay) notifyStatus(connected bool) {
	if o.status != nil {
		go o.status(connected)
	}
}

// serverTLSConfig builds a self-signed certificate for the overlay
// listener. Peers do not authenticate each other at the overlay layer.
func serverTLSConfig() (*tls.Config, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage: x509.KeyUsageKeyEncipherment |
			x509.KeyUsageDigitalSignature,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template,
		pub, priv)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		}},
		NextProtos: []string{alpnProtocol},
	}, nil
}

func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{alpnProtocol},
	}
}

package bus

import (
	"crypto/tls"
	"encoding/gob"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	commonutils "github.com/slogdb/slog/internal/common_utils"
	"github.com/slogdb/slog/core/model"
)

// handshake is the one-time frame a connecting peer sends identifying
// itself, grounded on the original SLOG broker's connection bootstrap
// (_examples/original_source/connection/broker.h): a peer is known by
// (replica, partition), not by socket address.
type handshake struct {
	From model.MachineID
}

// peerConn is the single long-lived, handshaked connection the Broker
// maintains to one remote peer: spec.md section 9 requires at-most-one
// connection per peer and no reordering within it, which rules out a
// generic multi-connection pool for this role.
type peerConn struct {
	mu  sync.Mutex
	enc *gob.Encoder
	nc  net.Conn
}

// Broker owns the at-most-one-per-peer outbound connections and the single
// inbound listener for this machine, and demultiplexes inbound envelopes to
// the local Router.
type Broker struct {
	self   model.MachineID
	peers  map[model.MachineID]string // address book
	dialTO time.Duration
	logger *zap.Logger
	router *Router

	serverTLS *tls.Config // non-nil: Listen wraps the socket in TLS
	clientTLS *tls.Config // non-nil: connFor dials through TLS

	mu        sync.Mutex
	listener  net.Listener
	outbound  map[model.MachineID]*peerConn
}

// NewBroker creates a Broker. peers maps every other machine in the
// deployment to its broker listen address.
func NewBroker(self model.MachineID, peers map[model.MachineID]string, logger *zap.Logger) *Broker {
	return &Broker{
		self:     self,
		peers:    peers,
		dialTO:   5 * time.Second,
		logger:   logger,
		outbound: make(map[model.MachineID]*peerConn),
	}
}

// AttachRouter binds the Broker to the Router it delivers inbound envelopes
// into. Done as a separate step because Router and Broker are constructed
// together and reference each other.
func (b *Broker) AttachRouter(r *Router) {
	b.router = r
}

// SetTLS arms mutual TLS on every future Listen and outbound dial. Pass the
// pair produced by config/certs.LoadCerts; nil configs (the default) leave
// the broker on plain TCP.
func (b *Broker) SetTLS(server, client *tls.Config) {
	b.serverTLS = server
	b.clientTLS = client
}

// Listen starts accepting inbound connections on addr. Each connection
// begins with a handshake frame, after which every subsequent frame is a
// gob-encoded Envelope delivered to the local Router in arrival order.
func (b *Broker) Listen(addr string) error {
	var ln net.Listener
	var err error
	if b.serverTLS != nil {
		ln, err = tls.Listen("tcp", addr, b.serverTLS)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("bus: listen on %s: %w", addr, err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go b.serve(conn)
		}
	}()
	return nil
}

// Close stops accepting new connections and tears down outbound peer
// connections.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener != nil {
		b.listener.Close()
	}
	for _, pc := range b.outbound {
		pc.nc.Close()
	}
	return nil
}

func (b *Broker) serve(conn net.Conn) {
	defer conn.Close()
	dec := gob.NewDecoder(conn)

	var hs handshake
	if err := dec.Decode(&hs); err != nil {
		b.logger.Warn("broker: handshake failed", zap.Error(err))
		return
	}
	b.logger.Debug("broker: peer connected", zap.Any("peer", hs.From), zap.Int64("goroutine", commonutils.GoID()))

	for {
		var env Envelope
		if err := dec.Decode(&env); err != nil {
			if err != io.EOF {
				b.logger.Debug("broker: connection closed", zap.Error(err))
			}
			return
		}
		if err := b.router.deliverLocal(env); err != nil {
			b.logger.Warn("broker: failed to deliver inbound envelope", zap.Error(err))
		}
	}
}

// connFor returns the (lazily dialed, handshaked) connection for a peer,
// reusing it across sends so that exactly one TCP connection backs the
// channel to that peer at any time.
func (b *Broker) connFor(to model.MachineID) (*peerConn, error) {
	b.mu.Lock()
	pc, ok := b.outbound[to]
	b.mu.Unlock()
	if ok {
		return pc, nil
	}

	addr, ok := b.peers[to]
	if !ok {
		return nil, fmt.Errorf("bus: no known address for machine %+v", to)
	}

	var nc net.Conn
	var err error
	if b.clientTLS != nil {
		dialer := &net.Dialer{Timeout: b.dialTO}
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, b.clientTLS)
	} else {
		nc, err = net.DialTimeout("tcp", addr, b.dialTO)
	}
	if err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", addr, err)
	}
	enc := gob.NewEncoder(nc)
	if err := enc.Encode(handshake{From: b.self}); err != nil {
		nc.Close()
		return nil, fmt.Errorf("bus: handshake to %s: %w", addr, err)
	}

	pc = &peerConn{enc: enc, nc: nc}
	b.mu.Lock()
	b.outbound[to] = pc
	b.mu.Unlock()
	return pc, nil
}

// Send encodes and forwards an envelope to its destination machine. Per
// spec.md section 4.2 the bus never retries a lost send; on error the
// broken connection is dropped so the next Send redials.
func (b *Broker) Send(env Envelope) error {
	pc, err := b.connFor(env.To)
	if err != nil {
		return err
	}

	pc.mu.Lock()
	defer pc.mu.Unlock()
	if err := pc.enc.Encode(env); err != nil {
		b.mu.Lock()
		delete(b.outbound, env.To)
		b.mu.Unlock()
		pc.nc.Close()
		return fmt.Errorf("bus: send envelope to %+v: %w", env.To, err)
	}
	return nil
}

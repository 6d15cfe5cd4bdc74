package client

import "github.com/bromq-dev/mqttc/pkg/packet"

// session is the protocol state of one connection: unacknowledged outbound
// exchanges and inbound QoS 2 messages awaiting PUBREL, keyed by packet
// identifier. It is guarded by Client.mu and discarded with its connection.
type session struct {
	nextID   uint16
	outbound map[uint16]*exchange
	inbound  map[uint16]*packet.Publish
}

func newSession() *session {
	return &session{
		nextID:   1,
		outbound: make(map[uint16]*exchange),
		inbound:  make(map[uint16]*packet.Publish),
	}
}

// allocateID returns the next packet identifier not held by an outbound
// exchange. Identifiers cycle through 1..65535; 0 is never used.
func (s *session) allocateID() (uint16, error) {
	for range 65535 {
		id := s.nextID
		s.nextID++
		if s.nextID == 0 {
			s.nextID = 1 // Skip 0
		}
		if _, used := s.outbound[id]; !used {
			return id, nil
		}
	}
	return 0, ErrPacketIDsExhausted
}

// track registers ex under its packet identifier.
func (s *session) track(ex *exchange) {
	s.outbound[ex.id] = ex
}

// complete removes and returns the exchange for id if it is in one of the
// given states.
func (s *session) complete(id uint16, kind exchangeKind, states ...exchangeState) *exchange {
	ex, ok := s.outbound[id]
	if !ok || ex.kind != kind {
		return nil
	}
	for _, st := range states {
		if ex.state == st {
			delete(s.outbound, id)
			return ex
		}
	}
	return nil
}

// drain empties the session and returns the exchanges it held.
func (s *session) drain() []*exchange {
	out := make([]*exchange, 0, len(s.outbound))
	for id, ex := range s.outbound {
		out = append(out, ex)
		delete(s.outbound, id)
	}
	clear(s.inbound)
	return out
}

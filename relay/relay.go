// Package relay implements the matchmaking and fan-out half of partyrelay:
// an in-memory table of rooms, each owned by the connection that created it,
// plus a websocket endpoint that multiplexes create/join/send traffic onto
// that table.
package relay

import (
	"slices"
	"sync"
	"time"

	"partyrelay/wire"
)

// member is one attached connection, as the room table sees it. Implemented
// by *conn; tests substitute in-memory fakes.
type member interface {
	ID() string
	deliver(f wire.Frame) bool
}

type room struct {
	code      string
	host      member
	clients   []member
	createdAt time.Time
}

func (rm *room) members() []member {
	out := make([]member, 0, len(rm.clients)+1)
	out = append(out, rm.host)
	out = append(out, rm.clients...)
	return out
}

// Options configures a Relay. The zero value is usable: no logging, no
// room eviction.
type Options struct {
	// RoomTimeout evicts rooms this much older than their creation time.
	// Zero disables the sweeper.
	RoomTimeout time.Duration

	// SweepInterval overrides the eviction cadence (default RoomTimeout/6).
	SweepInterval time.Duration

	// Logf receives verbose relay activity. Nil discards.
	Logf func(format string, args ...any)
}

// Relay is the room table plus everything needed to serve it. Construct
// with New and release with Shutdown; instances are independent, so tests
// can run one per case.
type Relay struct {
	logf        func(format string, args ...any)
	roomTimeout time.Duration

	mu       sync.Mutex
	rooms    map[string]*room
	byMember map[string]string // member id -> room code
	conns    map[*conn]struct{}

	done     chan struct{}
	shutdown sync.Once
}

func New(opts Options) *Relay {
	r := &Relay{
		logf:        opts.Logf,
		roomTimeout: opts.RoomTimeout,
		rooms:       make(map[string]*room),
		byMember:    make(map[string]string),
		conns:       make(map[*conn]struct{}),
		done:        make(chan struct{}),
	}

	if r.logf == nil {
		r.logf = func(string, ...any) {}
	}

	if opts.RoomTimeout > 0 {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = opts.RoomTimeout / 6
		}
		go r.sweeper(interval)
	}

	return r
}

// Shutdown closes every live connection and stops the sweeper. Idempotent.
func (r *Relay) Shutdown() {
	r.shutdown.Do(func() {
		close(r.done)

		r.mu.Lock()
		conns := make([]*conn, 0, len(r.conns))
		for c := range r.conns {
			conns = append(conns, c)
		}
		r.mu.Unlock()

		// Closing the sockets unwinds each read pump, which detaches the
		// connection from whatever room it was in.
		for _, c := range conns {
			_ = c.ws.Close()
		}
	})
}

// RoomCount reports the number of live rooms.
func (r *Relay) RoomCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// createRoom registers m as host of a fresh room and returns its code.
// A member already in a room may not create another; one membership per
// connection.
func (r *Relay) createRoom(m member) (string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byMember[m.ID()]; taken {
		return "", wire.AlreadyInRoomMessage
	}

	code := wire.NewCode()
	for {
		if _, exists := r.rooms[code]; !exists {
			break
		}
		code = wire.NewCode()
	}

	r.rooms[code] = &room{
		code:      code,
		host:      m,
		createdAt: time.Now(),
	}
	r.byMember[m.ID()] = code

	return code, ""
}

// joinRoom adds m to the room matching code (case-insensitively) and
// notifies the host. Returns the host id, or a non-empty error message for
// the joiner.
func (r *Relay) joinRoom(m member, code string) (string, string) {
	code = wire.NormalizeCode(code)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.byMember[m.ID()]; taken {
		return "", wire.AlreadyInRoomMessage
	}

	rm, exists := r.rooms[code]
	if !exists {
		return "", wire.RoomNotFoundMessage
	}

	rm.clients = append(rm.clients, m)
	r.byMember[m.ID()] = code

	rm.host.deliver(wire.MustFrame(wire.EventClientJoined, wire.ClientJoined{
		ClientID: m.ID(),
	}))

	return rm.host.ID(), ""
}

// relayData forwards an opaque application envelope to every other member
// of the sender's room. A sender outside any room is a silent no-op; a
// racing disconnect must never become an error.
func (r *Relay) relayData(senderID string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.byMember[senderID]
	if !ok {
		return
	}

	rm, exists := r.rooms[code]
	if !exists {
		return
	}

	f := wire.MustFrame(wire.EventReceiveData, wire.ReceiveData{
		SenderID: senderID,
		Data:     data,
	})

	for _, m := range rm.members() {
		if m.ID() == senderID {
			continue
		}
		m.deliver(f)
	}
}

// drop applies the disconnect transition for m: a departing host tears the
// room down and notifies every client, a departing client is removed from
// membership and reported to the host.
func (r *Relay) drop(m member) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, ok := r.byMember[m.ID()]
	delete(r.byMember, m.ID())
	if !ok {
		return
	}

	rm, exists := r.rooms[code]
	if !exists {
		return
	}

	if rm.host.ID() == m.ID() {
		delete(r.rooms, code)
		f := wire.MustFrame(wire.EventHostLeft, nil)
		for _, c := range rm.clients {
			c.deliver(f)
			delete(r.byMember, c.ID())
		}
		r.logf("ROOMS: Host %s left, room %s destroyed", m.ID(), code)
		return
	}

	rm.clients = slices.DeleteFunc(rm.clients, func(c member) bool {
		return c.ID() == m.ID()
	})

	rm.host.deliver(wire.MustFrame(wire.EventClientLeft, wire.ClientLeft{
		ClientID: m.ID(),
	}))
	r.logf("ROOMS: Client %s left room %s", m.ID(), code)
}

// sweeper periodically evicts rooms past the age limit. Members are
// detached so later sends from them become silent drops; no notification
// is emitted.
func (r *Relay) sweeper(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.roomTimeout)

			r.mu.Lock()
			for code, rm := range r.rooms {
				if rm.createdAt.Before(cutoff) {
					delete(r.rooms, code)
					for _, m := range rm.members() {
						delete(r.byMember, m.ID())
					}
					r.logf("ROOMS: Evicted stale room %s", code)
				}
			}
			r.mu.Unlock()
		}
	}
}

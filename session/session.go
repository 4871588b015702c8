// Package session is the client side of partyrelay: one websocket, one room
// membership, request/response semantics for setup and fire-and-forget
// semantics for gameplay messages. Game code consumes it purely through
// CreateRoom/JoinRoom, Send, and the two handler hooks.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"partyrelay/wire"
)

const (
	defaultDialTimeout   = 10 * time.Second
	defaultCreateTimeout = 10 * time.Second
	defaultJoinTimeout   = 15 * time.Second
)

// LifecycleKind classifies the room membership notifications the relay
// pushes outside of any request.
type LifecycleKind int

const (
	PeerJoined LifecycleKind = iota
	PeerLeft
	HostLeft
)

// LifecycleEvent is a membership change in the session's room. PeerID is
// empty for HostLeft; the host leaving means the room itself is gone.
type LifecycleEvent struct {
	Kind   LifecycleKind
	PeerID string
}

// Config holds session settings. Only ServerURL is required; it accepts
// http(s) or ws(s) URLs pointing at the relay's websocket endpoint.
type Config struct {
	ServerURL     string
	DialTimeout   time.Duration
	CreateTimeout time.Duration
	JoinTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = defaultCreateTimeout
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = defaultJoinTimeout
	}
	return c
}

type createResult struct {
	code string
	err  error
}

type joinResult struct {
	err error
}

// Session is a per-tab channel to exactly one room. Methods are safe for
// concurrent use; handlers run on the session's read goroutine, so they
// must not block for long.
type Session struct {
	cfg Config

	wmu sync.Mutex // serializes websocket writes

	mu         sync.Mutex
	ws         *websocket.Conn
	roomCode   string
	closed     bool
	createWait chan createResult
	joinWait   chan joinResult

	onMessage   func(msgType string, payload json.RawMessage)
	onLifecycle func(ev LifecycleEvent)
}

func New(cfg Config) *Session {
	return &Session{cfg: cfg.withDefaults()}
}

// OnMessage registers the handler for relayed application messages. Exactly
// one handler is held; a later registration replaces the earlier one.
func (s *Session) OnMessage(h func(msgType string, payload json.RawMessage)) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

// OnLifecycle registers the handler for membership notifications, with the
// same replace-on-reregister semantics as OnMessage.
func (s *Session) OnLifecycle(h func(ev LifecycleEvent)) {
	s.mu.Lock()
	s.onLifecycle = h
	s.mu.Unlock()
}

// RoomCode returns the code of the room this session currently belongs to,
// or "".
func (s *Session) RoomCode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomCode
}

// Connected reports whether the transport link is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ws != nil
}

// CreateRoom connects if needed, asks the relay for a fresh room, and
// returns its code once the server confirms.
func (s *Session) CreateRoom(ctx context.Context) (string, error) {
	if err := s.connect(ctx); err != nil {
		return "", err
	}

	wait := make(chan createResult, 1)

	s.mu.Lock()
	if s.createWait != nil {
		s.mu.Unlock()
		return "", ErrBusy
	}
	s.createWait = wait
	s.mu.Unlock()

	if err := s.writeFrame(wire.MustFrame(wire.EventCreateRoom, nil)); err != nil {
		s.clearCreateWait(wait)
		return "", err
	}

	timer := time.NewTimer(s.cfg.CreateTimeout)
	defer timer.Stop()

	select {
	case res := <-wait:
		return res.code, res.err
	case <-timer.C:
		s.clearCreateWait(wait)
		return "", ErrCreateTimeout
	case <-ctx.Done():
		s.clearCreateWait(wait)
		return "", ctx.Err()
	}
}

// JoinRoom connects if needed and joins an existing room. Codes are matched
// case-insensitively; obviously malformed input fails fast with ErrBadCode
// before anything is sent.
func (s *Session) JoinRoom(ctx context.Context, code string) error {
	code = wire.NormalizeCode(code)
	if !wire.ValidCode(code) {
		return ErrBadCode
	}

	if err := s.connect(ctx); err != nil {
		return err
	}

	wait := make(chan joinResult, 1)

	s.mu.Lock()
	if s.joinWait != nil {
		s.mu.Unlock()
		return ErrBusy
	}
	s.joinWait = wait
	s.mu.Unlock()

	if err := s.writeFrame(wire.MustFrame(wire.EventJoinRoom, wire.JoinRoomRequest{
		RoomCode: code,
	})); err != nil {
		s.clearJoinWait(wait)
		return err
	}

	timer := time.NewTimer(s.cfg.JoinTimeout)
	defer timer.Stop()

	select {
	case res := <-wait:
		return res.err
	case <-timer.C:
		s.clearJoinWait(wait)
		return ErrJoinTimeout
	case <-ctx.Done():
		s.clearJoinWait(wait)
		return ctx.Err()
	}
}

// Send relays an application message to the other member(s) of the room.
// Best-effort: with no live connection or no room it is a silent no-op,
// matching the at-most-once delivery model. It never returns an error.
func (s *Session) Send(msgType string, payload any) {
	s.mu.Lock()
	ws := s.ws
	code := s.roomCode
	s.mu.Unlock()

	if ws == nil || code == "" {
		return
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return
	}

	env, err := json.Marshal(wire.Envelope{
		Type:    msgType,
		Payload: body,
		T:       time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}

	_ = s.writeFrame(wire.MustFrame(wire.EventSendData, wire.SendDataRequest{
		RoomCode: code,
		Data:     env,
	}))
}

// Close releases the transport and forgets room membership. Idempotent;
// always returns nil.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ws := s.ws
	s.ws = nil
	s.roomCode = ""
	cw, jw := s.createWait, s.joinWait
	s.createWait, s.joinWait = nil, nil
	s.mu.Unlock()

	if cw != nil {
		cw <- createResult{err: ErrClosed}
	}
	if jw != nil {
		jw <- joinResult{err: ErrClosed}
	}

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}

	return nil
}

func (s *Session) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.ws != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.DialTimeout}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()

	ws, _, err := dialer.DialContext(dctx, wsURL(s.cfg.ServerURL), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()
		return ErrClosed
	}
	if s.ws != nil {
		// lost the race to a concurrent connect
		s.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	s.ws = ws
	s.mu.Unlock()

	go s.readLoop(ws)

	return nil
}

func (s *Session) writeFrame(f wire.Frame) error {
	s.mu.Lock()
	ws := s.ws
	s.mu.Unlock()

	if ws == nil {
		return ErrClosed
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	if err := ws.WriteJSON(f); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return nil
}

func (s *Session) readLoop(ws *websocket.Conn) {
	for {
		var f wire.Frame
		if err := ws.ReadJSON(&f); err != nil {
			break
		}
		s.handle(f)
	}

	s.mu.Lock()
	if s.ws == ws {
		s.ws = nil
		s.roomCode = ""
	}
	s.mu.Unlock()
}

func (s *Session) handle(f wire.Frame) {
	switch f.Event {
	case wire.EventRoomCreated:
		var msg wire.RoomCreated
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}

		s.mu.Lock()
		wait := s.createWait
		s.createWait = nil
		if wait != nil {
			s.roomCode = msg.RoomCode
		}
		s.mu.Unlock()

		// No waiter means the client already timed out; drop the response.
		if wait != nil {
			wait <- createResult{code: msg.RoomCode}
		}

	case wire.EventJoinedRoom:
		var msg wire.JoinedRoom
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}

		s.mu.Lock()
		wait := s.joinWait
		s.joinWait = nil
		if wait != nil {
			s.roomCode = msg.RoomCode
		}
		s.mu.Unlock()

		if wait != nil {
			wait <- joinResult{}
		}

	case wire.EventError:
		var msg wire.ErrorMessage
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}

		err := error(fmt.Errorf("server error: %s", msg.Message))
		if msg.Message == wire.RoomNotFoundMessage {
			err = ErrRoomNotFound
		}

		s.mu.Lock()
		jw := s.joinWait
		cw := s.createWait
		s.joinWait, s.createWait = nil, nil
		s.mu.Unlock()

		if jw != nil {
			jw <- joinResult{err: err}
		} else if cw != nil {
			cw <- createResult{err: err}
		}

	case wire.EventReceiveData:
		var msg wire.ReceiveData
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			return
		}

		s.mu.Lock()
		h := s.onMessage
		s.mu.Unlock()

		if h != nil {
			h(env.Type, env.Payload)
		}

	case wire.EventClientJoined:
		var msg wire.ClientJoined
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}
		s.fireLifecycle(LifecycleEvent{Kind: PeerJoined, PeerID: msg.ClientID})

	case wire.EventClientLeft:
		var msg wire.ClientLeft
		if err := json.Unmarshal(f.Data, &msg); err != nil {
			return
		}
		s.fireLifecycle(LifecycleEvent{Kind: PeerLeft, PeerID: msg.ClientID})

	case wire.EventHostLeft:
		s.mu.Lock()
		s.roomCode = ""
		s.mu.Unlock()
		s.fireLifecycle(LifecycleEvent{Kind: HostLeft})

	default:
		// ignore unknown events
	}
}

func (s *Session) fireLifecycle(ev LifecycleEvent) {
	s.mu.Lock()
	h := s.onLifecycle
	s.mu.Unlock()

	if h != nil {
		h(ev)
	}
}

func (s *Session) clearCreateWait(wait chan createResult) {
	s.mu.Lock()
	if s.createWait == wait {
		s.createWait = nil
	}
	s.mu.Unlock()
}

func (s *Session) clearJoinWait(wait chan joinResult) {
	s.mu.Lock()
	if s.joinWait == wait {
		s.joinWait = nil
	}
	s.mu.Unlock()
}

// wsURL maps http(s) server URLs onto their websocket equivalents.
func wsURL(serverURL string) string {
	switch {
	case strings.HasPrefix(serverURL, "https://"):
		return "wss://" + strings.TrimPrefix(serverURL, "https://")
	case strings.HasPrefix(serverURL, "http://"):
		return "ws://" + strings.TrimPrefix(serverURL, "http://")
	}
	return serverURL
}

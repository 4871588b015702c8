package relay

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"partyrelay/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// The reference deployment serves browsers from arbitrary origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// conn is one websocket attached to the relay. Outbound frames go through
// a buffered send channel drained by writePump, so fan-out never blocks on
// a slow socket.
type conn struct {
	id   string
	ws   *websocket.Conn
	send chan wire.Frame
}

func (c *conn) ID() string {
	return c.id
}

func (c *conn) deliver(f wire.Frame) bool {
	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// Handle upgrades the request and runs the connection until the socket
// closes. Mount it wherever the router puts the relay endpoint.
func (r *Relay) Handle() httprouter.Handle {
	return func(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
		ws, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		c := &conn{
			id:   uuid.NewString(),
			ws:   ws,
			send: make(chan wire.Frame, 256),
		}

		r.mu.Lock()
		r.conns[c] = struct{}{}
		r.mu.Unlock()

		r.logf("RELAY: Connection %s opened from %s", c.id, req.RemoteAddr)

		go c.writePump()
		c.readPump(r)
	}
}

func (c *conn) readPump(r *Relay) {
	defer func() {
		r.drop(c)

		r.mu.Lock()
		delete(r.conns, c)
		r.mu.Unlock()

		close(c.send)
		_ = c.ws.Close()

		r.logf("RELAY: Connection %s closed", c.id)
	}()

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f wire.Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			return
		}

		r.dispatch(c, f)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(f); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch routes one inbound frame. Malformed payloads and unknown events
// are ignored rather than fatal to the connection.
func (r *Relay) dispatch(c *conn, f wire.Frame) {
	switch f.Event {
	case wire.EventCreateRoom:
		code, errMsg := r.createRoom(c)
		if errMsg != "" {
			c.deliver(wire.MustFrame(wire.EventError, wire.ErrorMessage{
				Message: errMsg,
			}))
			return
		}

		r.logf("ROOMS: %s created by %s", code, c.id)
		c.deliver(wire.MustFrame(wire.EventRoomCreated, wire.RoomCreated{
			RoomCode: code,
		}))

	case wire.EventJoinRoom:
		var req wire.JoinRoomRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return
		}

		hostID, errMsg := r.joinRoom(c, req.RoomCode)
		if errMsg != "" {
			c.deliver(wire.MustFrame(wire.EventError, wire.ErrorMessage{
				Message: errMsg,
			}))
			return
		}

		r.logf("ROOMS: %s joined %s", c.id, wire.NormalizeCode(req.RoomCode))
		c.deliver(wire.MustFrame(wire.EventJoinedRoom, wire.JoinedRoom{
			RoomCode: wire.NormalizeCode(req.RoomCode),
			HostID:   hostID,
		}))

	case wire.EventSendData:
		var req wire.SendDataRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			return
		}

		// Routing ignores the claimed room code; the sender's registered
		// membership decides where the envelope goes.
		r.relayData(c.id, req.Data)

	default:
		// ignore unknown events
	}
}

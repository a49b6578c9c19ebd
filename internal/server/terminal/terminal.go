package terminal

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Link is the transport a terminal's frames are sent over. The host
// terminal supplies an in-process implementation; everything else is a
// WebSocket.
type Link interface {
	Send(frame []byte) error
	Close() error
}

// Terminal is one registered connection: an identifier bound to a link.
// Close is idempotent so that the read loop, a superseding registration
// and the liveness monitor may all race to tear it down.
type Terminal struct {
	id   string
	link Link

	closeOnce sync.Once
	closeErr  error
}

func New(id string, link Link) *Terminal {
	return &Terminal{
		id:   id,
		link: link,
	}
}

func (terminal *Terminal) ID() string {
	return terminal.id
}

func (terminal *Terminal) Send(frame []byte) error {
	return terminal.link.Send(frame)
}

func (terminal *Terminal) Close() error {
	terminal.closeOnce.Do(func() {
		terminal.closeErr = terminal.link.Close()
	})

	return terminal.closeErr
}

// WebsocketLink adapts a gorilla WebSocket connection to a Link. Writes
// are serialized per connection, so a slow terminal only ever delays
// frames addressed to itself.
type WebsocketLink struct {
	mtx  sync.Mutex
	conn *websocket.Conn
}

func NewWebsocketLink(conn *websocket.Conn) *WebsocketLink {
	return &WebsocketLink{
		conn: conn,
	}
}

func (link *WebsocketLink) Send(frame []byte) error {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	if err := link.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return link.conn.WriteMessage(websocket.TextMessage, frame)
}

func (link *WebsocketLink) Close() error {
	link.mtx.Lock()
	defer link.mtx.Unlock()

	// Best effort: let the peer observe a proper close event so that its
	// reconnect logic can kick in.
	_ = link.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = link.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

	return link.conn.Close()
}

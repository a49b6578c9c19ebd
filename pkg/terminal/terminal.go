// Package terminal is the client side of the hub: it authenticates a
// WebSocket connection with a signed challenge, serves named services to
// peers, issues requests and observes publish streams.
package terminal

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/termhub/termhub/internal/signature"
	"github.com/termhub/termhub/internal/wire"
	"go.uber.org/zap"
)

const writeTimeout = 10 * time.Second

var (
	ErrProtocol = errors.New("protocol error")
	ErrSecurity = errors.New("security violation")

	// ErrService wraps error responses returned by a peer's service handler.
	ErrService = errors.New("service error")
)

// Handler serves one named service: it receives the request payload and
// returns the response payload (or an error that travels back to the
// requester).
type Handler func(payload json.RawMessage) (interface{}, error)

// PublishCallback observes values published to this terminal on a named
// channel.
type PublishCallback func(channel string, payload json.RawMessage)

// ConnectCallback fires once the connection is authenticated and accepted
// by the hub.
type ConnectCallback func() error

type Terminal struct {
	logger *zap.Logger

	serverAddress string
	terminalID    string

	publicKey  string
	privateKey ed25519.PrivateKey

	connectCallback ConnectCallback
	publishCallback PublishCallback

	handlersLock sync.RWMutex
	handlers     map[string]Handler

	pendingLock sync.Mutex
	pending     map[string]chan wire.Frame

	writeLock sync.Mutex
	conn      *websocket.Conn
}

func New(opts ...Option) (*Terminal, error) {
	term := &Terminal{
		handlers: make(map[string]Handler),
		pending:  make(map[string]chan wire.Frame),
	}

	// Apply options
	for _, opt := range opts {
		opt(term)
	}

	// Apply defaults
	if term.logger == nil {
		term.logger = zap.NewNop()
	}

	// Sanity check
	if term.serverAddress == "" {
		return nil, fmt.Errorf("%w: no server address supplied", ErrProtocol)
	}
	if term.terminalID == "" {
		return nil, fmt.Errorf("%w: no terminal id supplied", ErrProtocol)
	}
	if term.privateKey == nil {
		return nil, fmt.Errorf("%w: no key pair supplied", ErrSecurity)
	}

	// Terminals answer liveness probes out of the box; an explicitly
	// registered Ping handler takes precedence.
	if _, ok := term.handlers[wire.ServicePing]; !ok {
		term.handlers[wire.ServicePing] = func(json.RawMessage) (interface{}, error) {
			return struct{}{}, nil
		}
	}

	return term, nil
}

// RegisterService installs a handler for a named service. Registering
// before Run avoids missing requests that arrive right after connecting.
func (term *Terminal) RegisterService(method string, handler Handler) {
	term.handlersLock.Lock()
	defer term.handlersLock.Unlock()

	term.handlers[method] = handler
}

// Run connects to the hub and processes frames until ctx is cancelled or
// the connection is closed (by the hub or by a superseding connection).
func (term *Terminal) Run(ctx context.Context) error {
	query := url.Values{}
	query.Set("public_key", term.publicKey)
	query.Set("terminal_id", term.terminalID)
	query.Set("signature", signature.Sign(term.privateKey))

	connectURL := fmt.Sprintf("%s/terminal?%s", term.serverAddress, query.Encode())

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, connectURL, nil)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("%w: hub rejected the connection", ErrSecurity)
		}

		return err
	}

	term.writeLock.Lock()
	term.conn = conn
	term.writeLock.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// ReadMessage doesn't observe ctx, closing the connection unblocks it.
	go func() {
		<-subCtx.Done()
		_ = conn.Close()
	}()

	if term.connectCallback != nil {
		if err := term.connectCallback(); err != nil {
			return err
		}
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
				return err
			}
		}

		term.handleFrame(raw)
	}
}

func (term *Terminal) handleFrame(raw []byte) {
	var frame wire.Frame

	if err := json.Unmarshal(raw, &frame); err != nil {
		term.logger.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	switch frame.Type {
	case wire.FrameTypeRequest:
		go term.handleRequest(frame)
	case wire.FrameTypeResponse:
		term.pendingLock.Lock()
		pendingChan, ok := term.pending[frame.ID]
		if ok {
			delete(term.pending, frame.ID)
		}
		term.pendingLock.Unlock()

		if !ok {
			term.logger.Debug("dropping response with no pending request",
				zap.String("request-id", frame.ID))
			return
		}

		pendingChan <- frame
	case wire.FrameTypePublish:
		if term.publishCallback != nil {
			term.publishCallback(frame.Channel, frame.Payload)
		}
	default:
		term.logger.Debug("dropping frame of unknown type", zap.String("type", frame.Type))
	}
}

func (term *Terminal) handleRequest(request wire.Frame) {
	term.handlersLock.RLock()
	handler, ok := term.handlers[request.Method]
	term.handlersLock.RUnlock()

	response := wire.Frame{
		TargetTerminalID: request.SourceTerminalID,
		SourceTerminalID: term.terminalID,
		Type:             wire.FrameTypeResponse,
		ID:               request.ID,
	}

	if !ok {
		response.Error = fmt.Sprintf("unknown method %q", request.Method)
	} else if payload, err := handler(request.Payload); err != nil {
		response.Error = err.Error()
	} else if payload != nil {
		marshalled, err := json.Marshal(payload)
		if err != nil {
			term.logger.Warn("failed to marshal response payload",
				zap.String("method", request.Method), zap.Error(err))
			return
		}

		response.Payload = marshalled
	}

	if err := term.sendFrame(response); err != nil {
		term.logger.Warn("failed to send response", zap.Error(err))
	}
}

// Request issues a request to a peer terminal (or the host terminal) and
// waits for its response. A missing peer surfaces as a ctx timeout: the
// hub drops frames for unknown targets without telling the sender.
func (term *Terminal) Request(
	ctx context.Context,
	targetID string,
	method string,
	payload interface{},
) (json.RawMessage, error) {
	frame := wire.Frame{
		TargetTerminalID: targetID,
		SourceTerminalID: term.terminalID,
		Type:             wire.FrameTypeRequest,
		ID:               uuid.New().String(),
		Method:           method,
	}

	if payload != nil {
		marshalled, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}

		frame.Payload = marshalled
	}

	pendingChan := make(chan wire.Frame, 1)

	term.pendingLock.Lock()
	term.pending[frame.ID] = pendingChan
	term.pendingLock.Unlock()

	defer func() {
		term.pendingLock.Lock()
		delete(term.pending, frame.ID)
		term.pendingLock.Unlock()
	}()

	if err := term.sendFrame(frame); err != nil {
		return nil, err
	}

	select {
	case response := <-pendingChan:
		if response.Error != "" {
			return nil, fmt.Errorf("%w: %s", ErrService, response.Error)
		}

		return response.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Publish sends a value to a peer terminal on a named channel. Delivery is
// best-effort, like everything else the hub forwards.
func (term *Terminal) Publish(targetID string, channel string, payload interface{}) error {
	frame := wire.Frame{
		TargetTerminalID: targetID,
		SourceTerminalID: term.terminalID,
		Type:             wire.FrameTypePublish,
		Channel:          channel,
	}

	if payload != nil {
		marshalled, err := json.Marshal(payload)
		if err != nil {
			return err
		}

		frame.Payload = marshalled
	}

	return term.sendFrame(frame)
}

// UpdateInfo self-reports this terminal's metadata to the host terminal.
func (term *Terminal) UpdateInfo(ctx context.Context, info wire.TerminalInfo) error {
	if info.TerminalID == "" {
		info.TerminalID = term.terminalID
	}

	_, err := term.Request(ctx, wire.HostTerminalID, wire.ServiceUpdateTerminalInfo, info)

	return err
}

// ListTerminals queries the host terminal for the tenant's registry
// snapshot.
func (term *Terminal) ListTerminals(ctx context.Context) ([]wire.TerminalInfo, error) {
	payload, err := term.Request(ctx, wire.HostTerminalID, wire.ServiceListTerminals, nil)
	if err != nil {
		return nil, err
	}

	var response wire.ListTerminalsResponse

	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return response.Terminals, nil
}

// ListHosts queries the host terminal for every tenant known to the hub.
// Only answered when this terminal's tenant is the hub's admin key.
func (term *Terminal) ListHosts(ctx context.Context) ([]wire.HostEntry, error) {
	payload, err := term.Request(ctx, wire.HostTerminalID, wire.ServiceListHost, nil)
	if err != nil {
		return nil, err
	}

	var response wire.ListHostResponse

	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	return response.Hosts, nil
}

func (term *Terminal) sendFrame(frame wire.Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	term.writeLock.Lock()
	defer term.writeLock.Unlock()

	if term.conn == nil {
		return fmt.Errorf("%w: not connected", ErrProtocol)
	}

	if err := term.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return term.conn.WriteMessage(websocket.TextMessage, raw)
}

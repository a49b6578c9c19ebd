// Package host implements the per-tenant host terminal: a logical terminal
// under a reserved id that answers the discovery and administration
// services and runs the tenant's liveness monitor.
//
// The host participates in the router like any other terminal. Its probes
// are ordinary request frames travelling the same path as user traffic, so
// a terminal that can't answer a probe couldn't have answered anything
// else either.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/termhub/termhub/internal/metrics"
	"github.com/termhub/termhub/internal/server/tenant"
	"github.com/termhub/termhub/internal/server/terminal"
	"github.com/termhub/termhub/internal/wire"
	"go.uber.org/zap"
)

const (
	defaultSweepInterval = 10 * time.Second
	defaultProbeTimeout  = 5 * time.Second
	defaultProbeBackoff  = 1 * time.Second
	defaultProbeAttempts = 3
)

// ListHostsFunc supplies the process-wide tenant listing for the ListHost
// administrative service.
type ListHostsFunc func() []wire.HostEntry

type Host struct {
	tenant *tenant.Tenant

	logger *zap.Logger

	adminPublicKey string
	listHosts      ListHostsFunc

	sweepInterval time.Duration
	probeTimeout  time.Duration
	probeBackoff  time.Duration
	probeAttempts uint64

	pendingMtx sync.Mutex
	pending    map[string]chan wire.Frame
}

func New(tenant *tenant.Tenant, opts ...Option) *Host {
	host := &Host{
		tenant:  tenant,
		pending: make(map[string]chan wire.Frame),
	}

	// Apply options
	for _, opt := range opts {
		opt(host)
	}

	// Apply defaults
	if host.logger == nil {
		host.logger = zap.NewNop()
	}
	if host.listHosts == nil {
		host.listHosts = func() []wire.HostEntry { return nil }
	}
	if host.sweepInterval == 0 {
		host.sweepInterval = defaultSweepInterval
	}
	if host.probeTimeout == 0 {
		host.probeTimeout = defaultProbeTimeout
	}
	if host.probeBackoff == 0 {
		host.probeBackoff = defaultProbeBackoff
	}
	if host.probeAttempts == 0 {
		host.probeAttempts = defaultProbeAttempts
	}

	return host
}

// Link returns the in-process transport under which the host terminal is
// registered in the tenant's connection map.
func (host *Host) Link() terminal.Link {
	return &localLink{host: host}
}

type localLink struct {
	host *Host
}

func (link *localLink) Send(frame []byte) error {
	// Frames addressed to the host are handled off the router's goroutine
	// so that a busy host never blocks delivery to other terminals.
	go link.host.handleFrame(frame)

	return nil
}

func (link *localLink) Close() error {
	return nil
}

func (host *Host) handleFrame(raw []byte) {
	var frame wire.Frame

	if err := json.Unmarshal(raw, &frame); err != nil {
		host.logger.Debug("dropping malformed frame addressed to the host terminal",
			zap.Error(err))
		return
	}

	switch frame.Type {
	case wire.FrameTypeRequest:
		host.handleRequest(frame)
	case wire.FrameTypeResponse:
		host.handleResponse(frame)
	default:
		// The host publishes, it doesn't subscribe.
	}
}

func (host *Host) handleRequest(frame wire.Frame) {
	switch frame.Method {
	case wire.ServiceListTerminals:
		host.respond(frame, wire.ListTerminalsResponse{Terminals: host.tenant.Snapshot()}, nil)
	case wire.ServiceUpdateTerminalInfo:
		payload, err := host.updateTerminalInfo(frame)
		host.respond(frame, payload, err)
	case wire.ServicePing:
		host.respond(frame, struct{}{}, nil)
	case wire.ServiceTerminate:
		// Reserved for future privileged use.
		host.respond(frame, nil, fmt.Errorf("terminate is not permitted"))
	case wire.ServiceListHost:
		payload, err := host.listHost()
		host.respond(frame, payload, err)
	default:
		host.respond(frame, nil, fmt.Errorf("unknown method %q", frame.Method))
	}
}

func (host *Host) updateTerminalInfo(frame wire.Frame) (interface{}, error) {
	var info wire.TerminalInfo

	if err := json.Unmarshal(frame.Payload, &info); err != nil {
		return nil, fmt.Errorf("malformed terminal info: %v", err)
	}

	// Metadata is keyed by the sender, never by a client-chosen id: a
	// terminal can only describe itself.
	info.TerminalID = frame.SourceTerminalID
	if info.TerminalID == "" || info.TerminalID == wire.HostTerminalID {
		return nil, fmt.Errorf("terminal info with an invalid terminal id")
	}

	host.tenant.UpdateInfo(info)

	return wire.UpdateTerminalInfoResponse{OK: true}, nil
}

func (host *Host) listHost() (interface{}, error) {
	if host.adminPublicKey == "" || host.tenant.PublicKey() != host.adminPublicKey {
		return nil, fmt.Errorf("not permitted")
	}

	return wire.ListHostResponse{Hosts: host.listHosts()}, nil
}

func (host *Host) respond(request wire.Frame, payload interface{}, serviceErr error) {
	if request.SourceTerminalID == "" {
		host.logger.Debug("request without a source, nowhere to send the response",
			zap.String("method", request.Method))
		return
	}

	response := wire.Frame{
		TargetTerminalID: request.SourceTerminalID,
		SourceTerminalID: wire.HostTerminalID,
		Type:             wire.FrameTypeResponse,
		ID:               request.ID,
	}

	if serviceErr != nil {
		response.Error = serviceErr.Error()
	} else if payload != nil {
		marshalled, err := json.Marshal(payload)
		if err != nil {
			host.logger.Warn("failed to marshal response payload",
				zap.String("method", request.Method), zap.Error(err))
			return
		}

		response.Payload = marshalled
	}

	raw, err := json.Marshal(response)
	if err != nil {
		host.logger.Warn("failed to marshal response frame", zap.Error(err))
		return
	}

	host.tenant.Route(raw)
}

func (host *Host) handleResponse(frame wire.Frame) {
	host.pendingMtx.Lock()
	pendingChan, ok := host.pending[frame.ID]
	if ok {
		delete(host.pending, frame.ID)
	}
	host.pendingMtx.Unlock()

	if !ok {
		// A reply that arrived after its request timed out.
		host.logger.Debug("dropping response with no pending request",
			zap.String("request-id", frame.ID))
		return
	}

	pendingChan <- frame
}

// Request issues a request frame to a terminal of this tenant through the
// regular routing path and waits for the first response.
func (host *Host) Request(
	ctx context.Context,
	targetID string,
	method string,
	payload interface{},
) (wire.Frame, error) {
	frame := wire.Frame{
		TargetTerminalID: targetID,
		SourceTerminalID: wire.HostTerminalID,
		Type:             wire.FrameTypeRequest,
		ID:               uuid.New().String(),
		Method:           method,
	}

	if payload != nil {
		marshalled, err := json.Marshal(payload)
		if err != nil {
			return wire.Frame{}, err
		}

		frame.Payload = marshalled
	}

	raw, err := json.Marshal(frame)
	if err != nil {
		return wire.Frame{}, err
	}

	pendingChan := make(chan wire.Frame, 1)

	host.pendingMtx.Lock()
	host.pending[frame.ID] = pendingChan
	host.pendingMtx.Unlock()

	defer func() {
		host.pendingMtx.Lock()
		delete(host.pending, frame.ID)
		host.pendingMtx.Unlock()
	}()

	if !host.tenant.Route(raw) {
		return wire.Frame{}, fmt.Errorf("terminal %q is not reachable", targetID)
	}

	select {
	case response := <-pendingChan:
		return response, nil
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// RunMonitor runs the liveness loop until ctx is cancelled: sweep, wait
// out the interval, sweep again. A failed sweep is rescheduled like any
// other; only process shutdown stops the monitor.
func (host *Host) RunMonitor(ctx context.Context) {
	for {
		host.sweep(ctx)

		select {
		case <-time.After(host.sweepInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (host *Host) sweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			host.logger.Error("liveness sweep failed", zap.Any("panic", r))
		}
	}()

	var wg sync.WaitGroup

	// Probes run independently: one stuck terminal only spends its own
	// timeout budget, the sweep settles when all of them have.
	for _, terminalID := range host.tenant.InfoIDs() {
		if terminalID == wire.HostTerminalID {
			continue
		}

		wg.Add(1)

		go func(terminalID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					host.logger.Error("liveness probe failed",
						zap.String("terminal-id", terminalID), zap.Any("panic", r))
				}
			}()

			host.probe(ctx, terminalID)
		}(terminalID)
	}

	wg.Wait()
}

func (host *Host) probe(ctx context.Context, terminalID string) {
	operation := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, host.probeTimeout)
		defer cancel()

		_, err := host.Request(probeCtx, terminalID, wire.ServicePing, nil)

		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(host.probeBackoff), host.probeAttempts-1),
		ctx,
	)

	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			// Shutting down, not evidence of terminal death.
			return
		}

		host.logger.Info("evicting phantom terminal",
			zap.String("terminal-id", terminalID), zap.Error(err))

		host.tenant.Evict(terminalID)
		metrics.Evictions.Inc()
	}
}

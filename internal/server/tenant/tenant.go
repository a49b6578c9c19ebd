// Package tenant implements the per-public-key registry and router.
// Registries of different tenants share nothing, which is what makes the
// hub's routing tenant-isolated by construction.
package tenant

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/termhub/termhub/internal/metrics"
	"github.com/termhub/termhub/internal/server/terminal"
	"github.com/termhub/termhub/internal/wire"
	"go.uber.org/zap"
)

type Tenant struct {
	publicKey string

	logger *zap.Logger

	mtx sync.Mutex

	// conns and infos may transiently disagree: a socket can be registered
	// before its terminal reports metadata, and metadata can outlive a
	// dropped socket until the liveness monitor evicts it.
	conns map[string]*terminal.Terminal
	infos map[string]wire.TerminalInfo

	// Signature presented by the first authenticated connection under this
	// tenant's public key, refreshed on each successful authentication.
	signature string
}

func New(publicKey string, opts ...Option) *Tenant {
	tenant := &Tenant{
		publicKey: publicKey,
		conns:     make(map[string]*terminal.Terminal),
		infos:     make(map[string]wire.TerminalInfo),
	}

	// Apply options
	for _, opt := range opts {
		opt(tenant)
	}

	// Apply defaults
	if tenant.logger == nil {
		tenant.logger = zap.NewNop()
	}

	return tenant
}

func (tenant *Tenant) PublicKey() string {
	return tenant.publicKey
}

func (tenant *Tenant) RecordSignature(signature string) {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	tenant.signature = signature
}

func (tenant *Tenant) Signature() string {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	return tenant.signature
}

// Register stores a terminal's connection. A connection already registered
// under the same identifier is superseded: last writer wins, and the map
// swap is atomic, so there is no window in which two sockets both own the
// id. The superseded socket is closed outside the lock — its close frame
// is blocking I/O and must not stall the rest of the tenant.
func (tenant *Tenant) Register(term *terminal.Terminal) {
	tenant.mtx.Lock()
	old := tenant.conns[term.ID()]
	tenant.conns[term.ID()] = term
	tenant.mtx.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			tenant.logger.Warn("failed to close superseded connection",
				zap.String("terminal-id", term.ID()), zap.Error(err))
		}
	}
}

// Release unregisters a terminal, but only if it is still the current
// registration for its id. A read loop whose connection was superseded
// must not tear down its successor.
func (tenant *Tenant) Release(term *terminal.Terminal) {
	tenant.mtx.Lock()

	current, ok := tenant.conns[term.ID()]
	if !ok || current != term {
		tenant.mtx.Unlock()
		return
	}

	delete(tenant.conns, term.ID())
	_, hadInfo := tenant.infos[term.ID()]
	delete(tenant.infos, term.ID())

	tenant.mtx.Unlock()

	if hadInfo {
		tenant.publishSnapshot()
	}
}

// Unregister removes both the connection and the metadata entry for a
// terminal id. Idempotent: unknown ids are a no-op.
func (tenant *Tenant) Unregister(terminalID string) {
	tenant.mtx.Lock()

	_, hadConn := tenant.conns[terminalID]
	_, hadInfo := tenant.infos[terminalID]
	delete(tenant.conns, terminalID)
	delete(tenant.infos, terminalID)

	tenant.mtx.Unlock()

	if !hadConn && !hadInfo {
		return
	}

	if hadInfo {
		tenant.publishSnapshot()
	}
}

// Evict is the liveness monitor's removal path: forcibly close the socket
// if one is still present, then remove the registration. The removal only
// applies to the connection observed at entry — a terminal that reconnects
// while the close frame is in flight keeps its fresh registration.
func (tenant *Tenant) Evict(terminalID string) {
	tenant.mtx.Lock()
	term := tenant.conns[terminalID]
	if term == nil {
		_, hadInfo := tenant.infos[terminalID]
		delete(tenant.infos, terminalID)
		tenant.mtx.Unlock()

		if hadInfo {
			tenant.publishSnapshot()
		}

		return
	}
	tenant.mtx.Unlock()

	if err := term.Close(); err != nil {
		tenant.logger.Warn("failed to close evicted connection",
			zap.String("terminal-id", terminalID), zap.Error(err))
	}

	tenant.Release(term)
}

func (tenant *Tenant) Lookup(terminalID string) *terminal.Terminal {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	return tenant.conns[terminalID]
}

// UpdateInfo upserts a terminal's self-reported metadata and publishes the
// resulting snapshot on the tenant's terminal-info stream.
func (tenant *Tenant) UpdateInfo(info wire.TerminalInfo) {
	tenant.mtx.Lock()
	tenant.infos[info.TerminalID] = info
	tenant.mtx.Unlock()

	tenant.publishSnapshot()
}

// Snapshot returns the current metadata of all terminals known to this
// tenant, ordered by terminal id.
func (tenant *Tenant) Snapshot() []wire.TerminalInfo {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	return tenant.snapshotLocked()
}

func (tenant *Tenant) snapshotLocked() []wire.TerminalInfo {
	result := make([]wire.TerminalInfo, 0, len(tenant.infos))

	for _, info := range tenant.infos {
		result = append(result, info)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].TerminalID < result[j].TerminalID
	})

	return result
}

// InfoIDs returns the terminal ids currently present in the metadata map.
// This is the set the liveness monitor probes.
func (tenant *Tenant) InfoIDs() []string {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	result := make([]string, 0, len(tenant.infos))

	for terminalID := range tenant.infos {
		result = append(result, terminalID)
	}

	sort.Strings(result)

	return result
}

// Terminals returns all registered connections, host terminal included.
func (tenant *Tenant) Terminals() []*terminal.Terminal {
	tenant.mtx.Lock()
	defer tenant.mtx.Unlock()

	result := make([]*terminal.Terminal, 0, len(tenant.conns))

	for _, term := range tenant.conns {
		result = append(result, term)
	}

	return result
}

// Route forwards a raw frame to the terminal named by its routing
// envelope. The frame bytes pass through unmodified; an unknown target
// means the frame is silently dropped, per the hub's best-effort contract.
// Reports whether the frame was delivered.
func (tenant *Tenant) Route(raw []byte) bool {
	targetID, err := wire.Target(raw)
	if err != nil || targetID == "" {
		metrics.RoutingMisses.Inc()
		tenant.logger.Debug("dropping frame without a routable envelope", zap.Error(err))
		return false
	}

	tenant.mtx.Lock()
	target := tenant.conns[targetID]
	tenant.mtx.Unlock()

	if target == nil {
		metrics.RoutingMisses.Inc()
		tenant.logger.Debug("dropping frame for unregistered terminal",
			zap.String("terminal-id", targetID))
		return false
	}

	// The send happens outside the registry lock: a terminal blocked on
	// backpressure only serializes its own deliveries.
	if err := target.Send(raw); err != nil {
		metrics.RoutingMisses.Inc()
		tenant.logger.Debug("failed to forward frame",
			zap.String("terminal-id", targetID), zap.Error(err))
		return false
	}

	metrics.FramesRouted.Inc()

	return true
}

// CloseAll closes every registered connection. Used by the process-level
// graceful shutdown so that clients observe a close event before the
// listener goes away.
func (tenant *Tenant) CloseAll() {
	for _, term := range tenant.Terminals() {
		if err := term.Close(); err != nil {
			tenant.logger.Warn("failed to close connection during shutdown",
				zap.String("terminal-id", term.ID()), zap.Error(err))
		}
	}
}

func (tenant *Tenant) publishSnapshot() {
	tenant.mtx.Lock()
	snapshot := tenant.snapshotLocked()
	subscribers := make([]*terminal.Terminal, 0, len(tenant.conns))

	for terminalID, term := range tenant.conns {
		if terminalID == wire.HostTerminalID {
			continue
		}

		subscribers = append(subscribers, term)
	}
	tenant.mtx.Unlock()

	payload, err := json.Marshal(wire.ListTerminalsResponse{Terminals: snapshot})
	if err != nil {
		tenant.logger.Warn("failed to marshal terminal-info snapshot", zap.Error(err))
		return
	}

	for _, subscriber := range subscribers {
		frame, err := json.Marshal(wire.Frame{
			TargetTerminalID: subscriber.ID(),
			SourceTerminalID: wire.HostTerminalID,
			Type:             wire.FrameTypePublish,
			Channel:          wire.ChannelTerminalInfo,
			Payload:          payload,
		})
		if err != nil {
			tenant.logger.Warn("failed to marshal terminal-info publish frame", zap.Error(err))
			return
		}

		if err := subscriber.Send(frame); err != nil {
			tenant.logger.Debug("failed to publish terminal-info snapshot",
				zap.String("terminal-id", subscriber.ID()), zap.Error(err))
		}
	}
}

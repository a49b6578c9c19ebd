package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/termhub/termhub/internal/metrics"
	"github.com/termhub/termhub/internal/server/host"
	"github.com/termhub/termhub/internal/server/tenant"
	"github.com/termhub/termhub/internal/server/terminal"
	"github.com/termhub/termhub/internal/signature"
	"github.com/termhub/termhub/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type HubServer struct {
	logger *zap.Logger

	tenantsLock sync.Mutex
	tenants     map[string]*tenant.Tenant

	addresses []string
	listeners []net.Listener
	tlsConfig *tls.Config

	originFunc WebsocketOriginFunc

	adminPublicKey string

	sweepInterval time.Duration
	probeTimeout  time.Duration
	probeBackoff  time.Duration
	probeAttempts uint64

	// Cancelled when Run winds down; per-tenant liveness monitors hang off
	// of it rather than off any single connection's lifetime.
	runCtx context.Context

	gcpProjectID string
}

func New(opts ...Option) (*HubServer, error) {
	hs := &HubServer{
		tenants: make(map[string]*tenant.Tenant),
		runCtx:  context.Background(),
	}

	// Apply options
	for _, opt := range opts {
		opt(hs)
	}

	// Apply defaults
	if hs.logger == nil {
		hs.logger = zap.NewNop()
	}
	if hs.originFunc == nil {
		hs.originFunc = func(request *http.Request) bool {
			return true
		}
	}
	if len(hs.addresses) == 0 {
		hs.addresses = []string{"0.0.0.0:0"}
	}

	// Listen
	for _, address := range hs.addresses {
		listener, err := net.Listen("tcp", address)
		if err != nil {
			return nil, err
		}

		hs.listeners = append(hs.listeners, listener)
	}

	return hs, nil
}

func (hs *HubServer) Run(ctx context.Context) error {
	// Create a sub-context to let the first failing Goroutine to start the
	// cancellation process
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	hs.runCtx = subCtx

	mux := http.NewServeMux()
	mux.HandleFunc("/terminal", hs.handleTerminal)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		TLSConfig:         hs.tlsConfig,
	}

	go func() {
		<-subCtx.Done()
		hs.drain(httpServer)
	}()

	g := new(errgroup.Group)

	for _, listener := range hs.listeners {
		listener := listener
		g.Go(func() error {
			hs.logger.Sugar().Infof("starting hub on %s...", listener.Addr().String())

			var serveErr error
			if httpServer.TLSConfig != nil {
				serveErr = httpServer.ServeTLS(listener, "", "")
			} else {
				serveErr = httpServer.Serve(listener)
			}

			if errors.Is(serveErr, http.ErrServerClosed) {
				return nil
			}

			cancel()

			return serveErr
		})
	}

	return g.Wait()
}

func (hs *HubServer) Addresses() []string {
	var result []string

	for _, listener := range hs.listeners {
		result = append(result, listener.Addr().String())
	}

	return result
}

// drain implements the graceful-shutdown ordering: close every terminal
// connection of every tenant first, so that clients observe a close event
// and can start reconnecting, then take the listeners down.
func (hs *HubServer) drain(httpServer *http.Server) {
	hs.logger.Info("shutting down, closing terminal connections")

	for _, tn := range hs.tenantList() {
		tn.CloseAll()
	}

	if err := httpServer.Close(); err != nil {
		hs.logger.Warn("failed to close HTTP server", zap.Error(err))
	}
}

// handleTerminal is the single upgrade endpoint: auth gate, then tenant
// bootstrap, then registration, then the connection's read loop feeding
// the router.
func (hs *HubServer) handleTerminal(w http.ResponseWriter, r *http.Request) {
	logger := hs.logger.With(hs.TraceContext(r)...)

	query := r.URL.Query()
	publicKey := query.Get("public_key")
	terminalID := query.Get("terminal_id")
	connSignature := query.Get("signature")

	reject := func(reason string) {
		metrics.AuthFailures.Inc()
		logger.Warn("rejecting connection",
			zap.String("url", r.URL.String()), zap.String("reason", reason))
		w.WriteHeader(http.StatusUnauthorized)
	}

	// No state is touched before authentication succeeds.
	switch {
	case publicKey == "" || terminalID == "" || connSignature == "":
		reject("missing public_key, terminal_id or signature")
		return
	case terminalID == wire.HostTerminalID:
		reject("terminal id is reserved")
		return
	case !signature.Verify(publicKey, connSignature):
		reject("invalid signature")
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     hs.originFunc,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	tn := hs.getOrCreateTenant(publicKey)
	tn.RecordSignature(connSignature)

	term := terminal.New(terminalID, terminal.NewWebsocketLink(conn))
	tn.Register(term)
	metrics.ActiveConnections.Inc()

	logger = logger.With(PublicKeyField(publicKey), TerminalIDField(terminalID))
	logger.Info("registered terminal")

	for {
		_, raw, readErr := conn.ReadMessage()
		if readErr != nil {
			// Abrupt disconnects and protocol violations all land here and
			// share the cleanup path with a graceful close.
			logger.Info("terminal disconnected", zap.Error(readErr))
			break
		}

		tn.Route(raw)
	}

	tn.Release(term)

	if err := term.Close(); err != nil {
		logger.Warn("failed to close terminal connection", zap.Error(err))
	}

	metrics.ActiveConnections.Dec()
}

// getOrCreateTenant lazily bootstraps a tenant on its first authenticated
// connection: registry, host terminal and liveness monitor come up
// together under the tenants lock, so concurrent first connections for the
// same key observe one fully-initialized tenant.
func (hs *HubServer) getOrCreateTenant(publicKey string) *tenant.Tenant {
	hs.tenantsLock.Lock()
	defer hs.tenantsLock.Unlock()

	if tn, ok := hs.tenants[publicKey]; ok {
		return tn
	}

	tn := tenant.New(publicKey, tenant.WithLogger(hs.logger))

	hostTerminal := host.New(tn,
		host.WithLogger(hs.logger),
		host.WithAdminPublicKey(hs.adminPublicKey),
		host.WithListHostsFunc(hs.listHostEntries),
		host.WithSweepInterval(hs.sweepInterval),
		host.WithProbeTimeout(hs.probeTimeout),
		host.WithProbeBackoff(hs.probeBackoff),
		host.WithProbeAttempts(hs.probeAttempts),
	)

	tn.Register(terminal.New(wire.HostTerminalID, hostTerminal.Link()))

	hs.tenants[publicKey] = tn

	hs.logger.Info("bootstrapped tenant", PublicKeyField(publicKey))

	go hostTerminal.RunMonitor(hs.runCtx)

	return tn
}

func (hs *HubServer) tenantList() []*tenant.Tenant {
	hs.tenantsLock.Lock()
	defer hs.tenantsLock.Unlock()

	result := make([]*tenant.Tenant, 0, len(hs.tenants))

	for _, tn := range hs.tenants {
		result = append(result, tn)
	}

	return result
}

// listHostEntries backs the admin-only ListHost service.
func (hs *HubServer) listHostEntries() []wire.HostEntry {
	var result []wire.HostEntry

	for _, tn := range hs.tenantList() {
		result = append(result, wire.HostEntry{
			PublicKey: tn.PublicKey(),
			Signature: tn.Signature(),
		})
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].PublicKey < result[j].PublicKey
	})

	return result
}

package command

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"cloud.google.com/go/compute/metadata"
	"github.com/blendle/zapdriver"
	"github.com/spf13/cobra"
	"github.com/termhub/termhub/internal/server"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var configPath string
var logLevel string
var listenAddresses []string
var allowedOrigins []string
var adminPublicKey string
var sweepInterval time.Duration
var probeTimeout time.Duration
var probeBackoff time.Duration
var probeAttempts uint64

func serve(cmd *cobra.Command, args []string) error {
	// A config file supplies defaults, explicitly set flags win
	if configPath != "" {
		config, err := LoadConfig(configPath)
		if err != nil {
			return err
		}

		if !cmd.Flags().Changed("listen") && len(config.Listen) != 0 {
			listenAddresses = config.Listen
		}
		if !cmd.Flags().Changed("log-level") && config.LogLevel != "" {
			logLevel = config.LogLevel
		}
		if !cmd.Flags().Changed("allowed-origins") && len(config.AllowedOrigins) != 0 {
			allowedOrigins = config.AllowedOrigins
		}
		if !cmd.Flags().Changed("admin-public-key") && config.AdminPublicKey != "" {
			adminPublicKey = config.AdminPublicKey
		}
		if !cmd.Flags().Changed("sweep-interval") && config.SweepInterval != 0 {
			sweepInterval = config.SweepInterval
		}
		if !cmd.Flags().Changed("probe-timeout") && config.ProbeTimeout != 0 {
			probeTimeout = config.ProbeTimeout
		}
		if !cmd.Flags().Changed("probe-backoff") && config.ProbeBackoff != 0 {
			probeBackoff = config.ProbeBackoff
		}
		if !cmd.Flags().Changed("probe-attempts") && config.ProbeAttempts != 0 {
			probeAttempts = config.ProbeAttempts
		}
	}

	level, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return err
	}

	onGCE := metadata.OnGCE()

	var zapConfig zap.Config
	if onGCE {
		zapConfig = zapdriver.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	websocketOriginFunc := func(request *http.Request) bool {
		origin := request.Header.Get("Origin")

		// Non-browser clients carry no Origin header
		if origin == "" {
			return true
		}

		for _, allowedOrigin := range allowedOrigins {
			if origin == allowedOrigin {
				return true
			}
		}

		return false
	}

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithServerAddresses(listenAddresses...),
		server.WithWebsocketOriginFunc(websocketOriginFunc),
		server.WithAdminPublicKey(adminPublicKey),
		server.WithSweepInterval(sweepInterval),
		server.WithProbeTimeout(probeTimeout),
		server.WithProbeBackoff(probeBackoff),
		server.WithProbeAttempts(probeAttempts),
	}

	if onGCE {
		gcpProjectID, err := metadata.ProjectIDWithContext(cmd.Context())
		if err != nil {
			logger.Warn("failed to retrieve GCP project ID", zap.Error(err))
		} else {
			serverOpts = append(serverOpts, server.WithGCPProjectID(gcpProjectID))
		}
	}

	hubServer, err := server.New(serverOpts...)
	if err != nil {
		return err
	}

	return hubServer.Run(cmd.Context())
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags]",
		Short: "Run the routing hub",
		RunE:  serve,
	}

	cmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML configuration file (explicitly set flags take precedence)")

	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info",
		"logging level (possible levels: debug, info, warn, error)")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	cmd.PersistentFlags().StringSliceVarP(&listenAddresses, "listen", "l",
		[]string{fmt.Sprintf(":%s", port)}, "addresses to listen on")

	cmd.PersistentFlags().StringSliceVar(&allowedOrigins, "allowed-origins", []string{},
		"a comma-separated list of origins that browser-based terminals may connect from")

	cmd.PersistentFlags().StringVar(&adminPublicKey, "admin-public-key", "",
		"public key whose host terminal answers the cross-tenant ListHost service")

	cmd.PersistentFlags().DurationVar(&sweepInterval, "sweep-interval", 10*time.Second,
		"interval between liveness sweeps of each tenant's registry")

	cmd.PersistentFlags().DurationVar(&probeTimeout, "probe-timeout", 5*time.Second,
		"timeout of a single liveness probe")

	cmd.PersistentFlags().DurationVar(&probeBackoff, "probe-backoff", time.Second,
		"pause between liveness probe attempts to the same terminal")

	cmd.PersistentFlags().Uint64Var(&probeAttempts, "probe-attempts", 3,
		"probe attempts before a terminal is declared dead and evicted")

	return cmd
}

package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/clawgate/clawgate/internal/config"
	"github.com/clawgate/clawgate/internal/gateway"
	"github.com/clawgate/clawgate/internal/infra"
	syslogger "github.com/clawgate/clawgate/internal/system/logger"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the clawgate gateway server",
	Long: `Start the WebSocket control-plane server.

The gateway is the hub every client connects through: operator UIs,
CLI sessions, and paired device nodes.

Default: ws://127.0.0.1:18789`,
	RunE: runGateway,
}

var (
	gatewayPort    int
	gatewayBind    string
	gatewayVerbose bool
)

func init() {
	gatewayCmd.Flags().IntVarP(&gatewayPort, "port", "p", 18789, "Gateway listen port")
	gatewayCmd.Flags().StringVar(&gatewayBind, "bind", "loopback", "Bind mode: loopback or all")
	gatewayCmd.Flags().BoolVarP(&gatewayVerbose, "verbose", "v", false, "Enable verbose logging")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("config load warning, using defaults", "error", err)
		cfg = config.Default()
	}

	if cmd.Flags().Changed("port") {
		cfg.Gateway.Port = gatewayPort
	}
	if cmd.Flags().Changed("bind") {
		cfg.Gateway.Bind = gatewayBind
	}

	level := parseLogLevel(cfg.Log.Level)
	if gatewayVerbose {
		level = slog.LevelDebug
	}
	logMgr, err := syslogger.New(syslogger.Config{
		Dir:           cfg.Log.Dir,
		Level:         level,
		MaxAgeDays:    cfg.Log.MaxAgeDays,
		MaxSizeMB:     cfg.Log.MaxSizeMB,
		StderrEnabled: cfg.Log.StderrEnabled,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logMgr.Close()
	logger := logMgr.NewLogger()
	slog.SetDefault(logger)

	infra.PrintBanner(version)

	slog.Info("starting clawgate gateway",
		"version", version,
		"port", cfg.Gateway.Port,
		"bind", cfg.Gateway.Bind,
		"auth", cfg.Gateway.Auth.Mode,
	)

	server, err := gateway.NewServer(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	if err := server.Start(); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	slog.Info("🦀 clawgate gateway ready", "addr", server.Address())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig.String())
	return server.Shutdown()
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

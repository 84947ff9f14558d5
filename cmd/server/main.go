package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"devtunnel/internal/config"
	"devtunnel/internal/constants"
	"devtunnel/internal/logger"
	"devtunnel/internal/security"
	"devtunnel/internal/server"
)

var (
	envFile   string
	addr      string
	bindHost  string
	ports     string
	logLevel  string
	logFormat string
	logFile   string
	auditLog  string
)

func main() {
	command := &cobra.Command{
		Use:          "devtunnel-server",
		Short:        "Reverse HTTP long-poll tunnel server",
		Version:      constants.Version,
		SilenceUsage: true,
		RunE:         run,
	}
	flags := command.Flags()
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.StringVarP(&addr, "addr", "a", "", "HTTP listen address (TUNNEL_ADDR)")
	flags.StringVar(&bindHost, "bind-host", "", "host for tunnel port listeners (TUNNEL_BIND_HOST)")
	flags.StringVarP(&ports, "ports", "p", "", "tunnel port range, e.g. 9000-9099")
	flags.StringVar(&logLevel, "log-level", "", "log level (LOG_LEVEL)")
	flags.StringVar(&logFormat, "log-format", "", "console or json (LOG_FORMAT)")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file (LOG_FILE)")
	flags.StringVar(&auditLog, "audit-log", "", "audit log file (AUDIT_LOG)")

	if err := command.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if err := godotenv.Load(envFile); err != nil && cmd.Flags().Changed("env-file") {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := config.Load()
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.Addr = addr
	}
	if flags.Changed("bind-host") {
		cfg.BindHost = bindHost
	}
	if flags.Changed("ports") {
		pr, err := config.ParsePortRange(ports)
		if err != nil {
			return nil, err
		}
		cfg.Ports = pr
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if flags.Changed("log-file") {
		cfg.LogFile = logFile
	}
	if flags.Changed("audit-log") {
		cfg.AuditLog = auditLog
	}
	return cfg, cfg.Validate()
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stderr
	if cfg.LogFile != "" {
		f, err := logger.OpenFile(cfg.LogFile)
		if err != nil {
			return err
		}
		defer f.Close()
		out = io.MultiWriter(os.Stderr, f)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, out)
	if err != nil {
		return err
	}

	audit, err := security.OpenAuditLog(cfg.AuditLog)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize audit logger")
	}

	s, err := server.NewServer(cfg, log, audit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize server")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"fhir-mcp-server/internal/application"
	"fhir-mcp-server/internal/domain"
	"fhir-mcp-server/internal/infrastructure"
	"fhir-mcp-server/internal/logger"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

const serviceName = "fhir-mcp-server"

// options are the command-line overrides.
type options struct {
	configPath  string
	logLevel    string
	transport   string
	showVersion bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.SetOutput(stderr)

	opts := &options{}
	fs.StringVarP(&opts.configPath, "config", "c", "", "Path to YAML configuration file (optional)")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.StringVar(&opts.transport, "transport", "", "Inbound transport: http or stdio")
	fs.BoolVar(&opts.showVersion, "version", false, "Print version and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig reads configuration and applies flag overrides on top.
func loadConfig(opts *options) (*domain.Config, error) {
	cfg, err := domain.LoadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.transport != "" {
		cfg.Server.Transport = opts.transport
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("configuration validation failed: %w", err)
		}
	}
	return cfg, nil
}

// newTokenSource builds the upstream credential source for the configured
// auth type. The returned closer releases file watchers and may be nil.
func newTokenSource(cfg *domain.Config) (domain.TokenSource, io.Closer, error) {
	authType, ok := domain.ParseAuthType(cfg.FHIR.Auth.Type)
	if !ok {
		return nil, nil, fmt.Errorf("unsupported auth type %q", cfg.FHIR.Auth.Type)
	}

	switch authType {
	case domain.TokenAuth:
		if err := domain.ValidateToken(cfg.FHIR.Auth.Token); err != nil {
			return nil, nil, err
		}
		return domain.StaticTokenSource(cfg.FHIR.Auth.Token), nil, nil
	case domain.TokenFileAuth:
		src, err := infrastructure.NewFileTokenSource(cfg.FHIR.Auth.TokenFile, logger.ForComponent("token"))
		if err != nil {
			return nil, nil, err
		}
		return src, src, nil
	case domain.ClientCredentialsAuth:
		return infrastructure.NewClientCredentialsTokenSource(infrastructure.ClientCredentialsOptions{
			BaseURL:      cfg.FHIR.BaseURL,
			TokenURL:     cfg.FHIR.Auth.TokenURL,
			ClientID:     cfg.FHIR.Auth.ClientID,
			ClientSecret: cfg.FHIR.Auth.ClientSecret,
			Scope:        cfg.FHIR.Auth.Scope,
			Skew:         cfg.FHIR.Auth.ExpirySkew.Std(),
			Logger:       logger.ForComponent("token"),
		}), nil, nil
	default:
		return nil, nil, nil
	}
}

// app holds the assembled process and everything that must be released on exit.
type app struct {
	cfg       *domain.Config
	server    *application.Server
	transport domain.Transport
	closers   []io.Closer
}

// newApp assembles the upstream client, capability cache, audit store,
// service and transport from configuration.
func newApp(cfg *domain.Config) (*app, error) {
	a := &app{cfg: cfg}

	tokens, closer, err := newTokenSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up upstream credentials: %w", err)
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	client, err := infrastructure.NewFHIRClient(infrastructure.FHIRClientOptions{
		BaseURL:    cfg.FHIR.BaseURL,
		HTTPClient: domain.NewAuthenticatedClient(nil, tokens, cfg.FHIR.Timeout.Std()),
		Retry: infrastructure.RetryPolicy{
			MaxAttempts: cfg.FHIR.Retry.MaxAttempts,
			Initial:     cfg.FHIR.Retry.Initial.Std(),
			Max:         cfg.FHIR.Retry.Max.Std(),
		},
		MaxPages:  cfg.FHIR.MaxPages,
		UserAgent: serviceName + "/" + version,
		Logger:    logger.ForComponent("fhir_client"),
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	capabilities := infrastructure.NewCapabilityCache(client, infrastructure.CapabilityCacheOptions{
		TTL:          cfg.Server.CapabilityTTL.Std(),
		FetchTimeout: cfg.FHIR.Timeout.Std(),
		Logger:       logger.ForComponent("capabilities"),
	})

	deps := application.Dependencies{
		Client:       client,
		Capabilities: capabilities,
		Info:         application.ServerInfo{Name: serviceName, Version: version},
	}
	if cfg.Audit.DBPath != "" {
		store, err := infrastructure.NewAuditStore(cfg.Audit.DBPath)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open audit store: %w", err)
		}
		a.closers = append(a.closers, store)
		deps.Audit = store
	}

	a.server, err = application.NewService(cfg, deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	switch cfg.Server.Transport {
	case "stdio":
		a.transport = domain.NewStdioTransport(a.server, logger.ForComponent("transport"))
	default:
		a.transport = domain.NewHTTPTransport(domain.HTTPTransportOptions{
			Host:        cfg.Server.Host,
			Port:        cfg.Server.Port,
			CORSOrigins: cfg.Server.CORSOrigins,
			Handler:     a.server,
			Routes:      a.server.Routes(),
			Logger:      logger.ForComponent("transport"),
		})
	}
	return a, nil
}

// Close releases the transport and every held resource.
func (a *app) Close() error {
	var errs []error
	if a.transport != nil {
		errs = append(errs, a.transport.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// run is main without the process exit, so it can be driven from tests.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Fprintf(stdout, "%s %s\n", serviceName, version)
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger.Init(logger.Config{Level: level, Format: cfg.Logging.Format, Output: stderr})
	log := logger.ForComponent("main")

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("starting MCP server",
		"transport", cfg.Server.Transport,
		"fhir_base_url", cfg.FHIR.BaseURL,
		"auth", cfg.FHIR.Auth.Type,
		"audit", cfg.Audit.DBPath != "")

	if err := a.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown requested")
		return nil
	case err := <-a.transport.Done():
		if err != nil {
			return fmt.Errorf("transport stopped: %w", err)
		}
		log.Info("transport finished")
		return nil
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		slog.Error("fatal", "error", err)
		stop()
		os.Exit(1)
	}
}

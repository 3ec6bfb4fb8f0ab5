package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/ferry/config"
	"github.com/migadu/ferry/logger"
	"github.com/migadu/ferry/pkg/errors"
	"github.com/migadu/ferry/server/httpapi"
	"github.com/migadu/ferry/server/proxy"
	"github.com/migadu/ferry/server/tcpproxy"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	errorHandler := errors.NewErrorHandler()
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ferry version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := config.LoadConfigFromFile(*configPath, &cfg); err != nil {
		errorHandler.ConfigError(*configPath, err)
		os.Exit(errorHandler.WaitForExit())
	}
	if err := cfg.Validate(); err != nil {
		errorHandler.ValidationError("config", err)
		os.Exit(errorHandler.WaitForExit())
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FERRY: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	logger.Infof("FERRY starting (version %s, commit: %s, built: %s)", version, commit, date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	registry, err := proxy.NewRegistry(cfg.Proxy.BackendAddrs())
	if err != nil {
		errorHandler.FatalError("create backend registry", err)
		os.Exit(errorHandler.WaitForExit())
	}
	balancer := proxy.NewBalancer(registry, cfg.Proxy.LoadBalancingEnabled())

	connectTimeout, err := cfg.Proxy.GetConnectTimeout()
	if err != nil {
		errorHandler.ValidationError("connect_timeout", err)
		os.Exit(errorHandler.WaitForExit())
	}
	probeTimeout, err := cfg.Proxy.GetProbeTimeout()
	if err != nil {
		errorHandler.ValidationError("probe_timeout", err)
		os.Exit(errorHandler.WaitForExit())
	}

	checker := proxy.NewHealthChecker(registry, cfg.Proxy.GetCheckAliveInterval(), probeTimeout)
	go checker.Run(ctx)

	errChan := make(chan error, 1)

	if cfg.API.Enabled {
		go httpapi.Start(ctx, registry, httpapi.ServerOptions{
			Addr:         cfg.API.Addr,
			APIKey:       cfg.API.APIKey,
			AllowedHosts: cfg.API.AllowedHosts,
		}, errChan)
	}

	srv := tcpproxy.New(ctx, registry, balancer, tcpproxy.ServerOptions{
		ListenAddr:          cfg.Proxy.ListenAddr(),
		ConnectTimeout:      connectTimeout,
		LoadBalancing:       cfg.Proxy.LoadBalancingEnabled(),
		MaxConnections:      cfg.Proxy.MaxConnections,
		MaxConnectionsPerIP: cfg.Proxy.MaxConnectionsPerIP,
		TrustedNetworks:     cfg.Proxy.TrustedNetworks,
	})

	go func() {
		if err := srv.Start(); err != nil {
			errChan <- err
		}
		cancel()
	}()

	select {
	case <-ctx.Done():
		errorHandler.Shutdown(ctx)
		logger.Info("FERRY stopped")
	case err := <-errChan:
		errorHandler.FatalError("server", err)
		cancel()
		os.Exit(errorHandler.WaitForExit())
	}
}

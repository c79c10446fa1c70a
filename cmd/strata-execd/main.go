package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/stratahq/strata/pkg/exec"
	"github.com/stratahq/strata/pkg/exec/server"
	"github.com/stratahq/strata/pkg/logger"
)

const (
	defaultListenAddr     = "0.0.0.0:7432"
	defaultHTTPListenAddr = "0.0.0.0:3021"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "query protocol listen address")
	httpListenAddrFlag := flag.String("http-listen-addr", defaultHTTPListenAddr, "HTTP listen address for health and metrics (set to empty string to disable)")
	dsnFlag := flag.String("dsn", "", "warehouse connection string (or set STRATA_WAREHOUSE_DSN env var)")
	maxRowsFlag := flag.Int("max-rows", server.DefaultMaxRows, "row cap ceiling per query")
	timeoutFlag := flag.Duration("timeout", server.DefaultTimeout, "time ceiling per query")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", server.DefaultShutdownTimeout, "server shutdown timeout")
	flag.Parse()

	if envDSN := os.Getenv("STRATA_WAREHOUSE_DSN"); envDSN != "" {
		*dsnFlag = envDSN
	}
	if *dsnFlag == "" {
		return fmt.Errorf("warehouse DSN is required (use --dsn or STRATA_WAREHOUSE_DSN)")
	}

	log := logger.New(*verboseFlag)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := <-sigCh
		log.Info("execd: received signal", "signal", sig.String())
		cancel()
	}()

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()
	backend, err := exec.NewDirect(dialCtx, exec.DirectConfig{
		Logger: log,
		DSN:    *dsnFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to warehouse: %w", err)
	}
	defer backend.Close()

	listener, err := net.Listen("tcp", *listenAddrFlag)
	if err != nil {
		return fmt.Errorf("failed to create query listener: %w", err)
	}
	defer listener.Close()

	var httpListener net.Listener
	if *httpListenAddrFlag != "" {
		httpListener, err = net.Listen("tcp", *httpListenAddrFlag)
		if err != nil {
			return fmt.Errorf("failed to create HTTP listener: %w", err)
		}
		defer httpListener.Close()
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		Listener:        listener,
		HTTPListener:    httpListener,
		Backend:         backend,
		MaxRows:         *maxRowsFlag,
		Timeout:         *timeoutFlag,
		ShutdownTimeout: *shutdownTimeoutFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create execution server: %w", err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("execd: shutting down", "reason", ctx.Err())
		return <-serverErrCh
	case err := <-serverErrCh:
		if err != nil {
			log.Error("execd: server error causing shutdown", "error", err)
		}
		return err
	}
}

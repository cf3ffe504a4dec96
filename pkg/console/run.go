package console

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/NicolasHaas/nexusconsole/pkg/version"
)

// Run starts the console and blocks until a shutdown signal, or until the
// terminal is closed when it is enabled.
func (c *Console) Run() error {
	defer c.Shutdown()

	if err := c.Start(c.ctx); err != nil {
		return err
	}

	if err := c.StartHTTP(); err != nil {
		return err
	}

	c.logger.Info("Nexus console running",
		"version", version.String(),
		"http", c.cfg.HTTPAddr,
		"remote", c.remote != nil,
	)

	ctx, stop := signal.NotifyContext(c.ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if c.cfg.Terminal {
		term := NewTerminal(c, os.Stdin, os.Stdout)
		if err := term.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("console: terminal: %w", err)
		}
	} else {
		<-ctx.Done()
	}

	c.logger.Info("shutting down...")
	return nil
}

// StartHTTP starts the admin API in the background. An empty HTTPAddr
// disables it.
func (c *Console) StartHTTP() error {
	addr := c.cfg.HTTPAddr
	if addr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("console: listen %s: %w", addr, err)
	}
	c.httpSrv = &http.Server{
		Handler:           c.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		c.logger.Info("admin HTTP listening", "addr", ln.Addr().String())
		if err := c.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("admin HTTP error", "err", err)
		}
	}()
	return nil
}

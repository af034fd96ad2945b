package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"kernel-rpc/comm"
	"kernel-rpc/config"
	"kernel-rpc/eventloop"
	"kernel-rpc/middleware"
	"kernel-rpc/registry"
	"kernel-rpc/server"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newServeCmd(configPath *string) *cobra.Command {
	var (
		listen    string
		websocket string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host a kernel comm",
		Long: `Host a kernel comm and accept one frontend at a time.

The kernel exposes the Namespace service (Namespace.Get, Namespace.Set,
Namespace.Delete, Namespace.Names) and an echo call. When a registry is
configured the kernel is published under its comm target until shutdown.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(*configPath, "kernel")
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Kernel.Listen = listen
			}
			if cmd.Flags().Changed("websocket") {
				cfg.Kernel.Websocket = websocket
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			reg, closeReg, err := newRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer closeReg()

			k, err := newKernel(cfg, reg, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 2)
			if cfg.Kernel.Listen != "" {
				ln, err := net.Listen("tcp", cfg.Kernel.Listen)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", cfg.Kernel.Listen, err)
				}
				go func() { errCh <- k.ServeListener(ln) }()
			}
			if cfg.Kernel.Websocket != "" {
				ln, err := net.Listen("tcp", cfg.Kernel.Websocket)
				if err != nil {
					return fmt.Errorf("failed to listen on %s: %w", cfg.Kernel.Websocket, err)
				}
				go func() { errCh <- k.ServeWebsocket(ln) }()
			}

			var serveErr error
			select {
			case <-ctx.Done():
			case serveErr = <-errCh:
			}

			logger.Info().Msg("shutting down kernel")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return errors.Join(serveErr, k.Shutdown(shutdownCtx))
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "TCP address for frontends (overrides kernel.listen)")
	cmd.Flags().StringVar(&websocket, "websocket", "", "Websocket address for frontends (overrides kernel.websocket)")
	return cmd
}

// newKernel builds the kernel comm and its host from cfg.
func newKernel(cfg *config.Config, reg registry.Registry, logger zerolog.Logger) (*server.Server, error) {
	opts, err := commOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	strategy := comm.WaitPump
	if cfg.Comm.WaitStrategy == "poll" {
		strategy = comm.WaitPoll
	}

	mws := []middleware.Middleware{middleware.Logging(logger)}
	if cfg.Kernel.SlowCallThreshold > 0 {
		mws = append(mws, middleware.SlowCall(logger, cfg.Kernel.SlowCallThreshold))
	}
	if cfg.Kernel.RateLimit > 0 {
		mws = append(mws, middleware.RateLimit(cfg.Kernel.RateLimit, cfg.Kernel.RateBurst))
	}
	opts = append(opts,
		comm.WithLoop(eventloop.New(logger)),
		comm.WithWaitStrategy(strategy),
		comm.WithMiddleware(mws...),
	)

	c := comm.New(opts...)
	if err := c.RegisterService(server.NewNamespace()); err != nil {
		return nil, err
	}
	if err := c.RegisterFunc("echo", func(args ...any) []any { return args }); err != nil {
		return nil, err
	}

	chanOpts, err := channelOptions(cfg)
	if err != nil {
		return nil, err
	}
	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithChannelOptions(chanOpts...),
	}
	if reg != nil {
		serverOpts = append(serverOpts, server.WithRegistry(reg, registry.KernelInstance{
			Addr:    cfg.Kernel.Advertise,
			Weight:  cfg.Kernel.Weight,
			Version: cfg.Kernel.Version,
		}, cfg.Registry.TTL))
	}
	return server.NewServer(c, serverOpts...), nil
}

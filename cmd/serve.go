// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/agentxen/internal/browser"
	"github.com/xkilldash9x/agentxen/internal/bus"
	"github.com/xkilldash9x/agentxen/internal/channel"
	"github.com/xkilldash9x/agentxen/internal/config"
	"github.com/xkilldash9x/agentxen/internal/observability"
	"github.com/xkilldash9x/agentxen/internal/router"
	"github.com/xkilldash9x/agentxen/internal/surface"
	"github.com/xkilldash9x/agentxen/internal/transport"
)

// newServeCmd creates the `serve` command.
func newServeCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the relay: agent channel, browser and chat surface hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := configFrom(ctx)
			if err != nil {
				return err
			}

			r, err := newRelay(logger, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize relay: %w", err)
			}
			ln, err := net.Listen("tcp", cfg.Surface.ListenAddr)
			if err != nil {
				r.shutdown()
				return fmt.Errorf("failed to listen on %s: %w", cfg.Surface.ListenAddr, err)
			}
			return r.run(ctx, ln)
		},
	}

	flags := serveCmd.Flags()
	flags.String("listen", "", "Address the chat surface hub listens on. (Overrides config/env)")
	flags.String("transport", "", "Agent transport: native or websocket. (Overrides config/env)")
	flags.String("agent-url", "", "Agent websocket URL for the websocket transport. (Overrides config/env)")
	flags.String("host", "", "Agent host command for the native transport. (Overrides config/env)")
	flags.Bool("browser", true, "Launch and drive a browser. (Overrides config/env)")
	flags.Bool("headless", false, "Run the browser headless. (Overrides config/env)")
	flags.String("remote-browser", "", "DevTools websocket URL of an already running browser. (Overrides config/env)")

	bindFlag(flags, "listen", "surface.listen_addr")
	bindFlag(flags, "transport", "channel.transport")
	bindFlag(flags, "agent-url", "channel.websocket.url")
	bindFlag(flags, "host", "channel.native.command")
	bindFlag(flags, "browser", "browser.enabled")
	bindFlag(flags, "headless", "browser.headless")
	bindFlag(flags, "remote-browser", "browser.remote_url")

	return serveCmd
}

// relay holds the services that make up a running relay.
type relay struct {
	logger  *zap.Logger
	bus     *bus.Bus
	channel *channel.AgentChannel
	router  *router.Router
	hub     *surface.Hub
	browser *browser.Manager
}

// newRelay handles dependency injection. Nothing is started yet.
func newRelay(logger *zap.Logger, cfg *config.Config) (*relay, error) {
	r := &relay{logger: logger, bus: bus.New(logger, 0)}

	dialer, err := transport.NewDialer(logger, cfg.Channel)
	if err != nil {
		return nil, err
	}
	r.channel = channel.New(logger, dialer, channel.Options{
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		DialTimeout:    cfg.Channel.DialTimeout,
	})

	var tabs router.TabService = router.NoTabs{}
	if cfg.Browser.Enabled {
		r.browser = browser.NewManager(logger, cfg.Browser)
		tabs = r.browser
	} else {
		logger.Warn("Browser disabled; commands will be rejected until a tab is available.")
	}

	r.router = router.New(logger, r.channel, tabs, r.bus, cfg.Router.ActionTimeout)
	r.hub = surface.NewHub(logger, r.router, r.bus, cfg.Surface)
	return r, nil
}

// run serves until ctx is cancelled or a service fails, then shuts
// everything down.
func (r *relay) run(ctx context.Context, ln net.Listener) error {
	defer r.shutdown()

	if r.browser != nil {
		if err := r.browser.Start(ctx); err != nil {
			ln.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return r.hub.ServeListener(gctx, ln)
	})
	g.Go(func() error {
		r.channel.Start(gctx)
		<-gctx.Done()
		if err := r.channel.Close(); err != nil {
			r.logger.Debug("Agent channel close reported an error.", zap.Error(err))
		}
		return nil
	})

	r.logger.Info("Relay running.", zap.String("listen_addr", ln.Addr().String()))
	err := g.Wait()
	r.logger.Info("Relay stopped.")
	return err
}

// shutdown releases every service. It is safe to call after a partial start.
func (r *relay) shutdown() {
	_ = r.channel.Close()
	if r.browser != nil {
		if err := r.browser.Close(); err != nil {
			r.logger.Warn("Error during browser shutdown", zap.Error(err))
		}
	}
	r.bus.Shutdown()
}

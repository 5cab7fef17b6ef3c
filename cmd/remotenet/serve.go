package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zboralski/remotenet/internal/agent"
	"github.com/zboralski/remotenet/internal/agent/sandbox"
	"github.com/zboralski/remotenet/internal/app"
	"github.com/zboralski/remotenet/internal/gateway"
	"github.com/zboralski/remotenet/internal/hooking"
	glog "github.com/zboralski/remotenet/internal/log"
	"github.com/zboralski/remotenet/internal/protocol/rnet"
	"github.com/zboralski/remotenet/internal/protocol/simplehttp"
)

func newAgentCmd() *cobra.Command {
	var (
		listen     string
		maxConns   int
		gcInterval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve the in-memory sandbox target",
		Long: `Serve the diver endpoints over an in-memory sandbox holding a few demo
objects (an Int32 boxed at 12345, two Sandbox.Person instances). With
--gc-interval the sandbox compacts its heap periodically, moving every
object that is not pinned.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if listen == "" {
				listen = conf.DiverAddr()
			}
			log := glog.Get()
			center := hooking.NewCenter(log)
			sb := sandbox.New(center, log)
			if err := sb.Populate(); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", listen)
			if err != nil {
				return err
			}
			printHeading(cmd.OutOrStdout(), "agent", ln.Addr().String(), fmt.Sprintf("%d objects", sb.Objects().Len()))

			ctx := cmd.Context()
			if gcInterval > 0 {
				go compactLoop(ctx, sb, gcInterval, log)
			}
			return agent.New(sb, center, log).Serve(ctx, ln, maxConns)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "listen address (default diver host:port)")
	cmd.Flags().IntVar(&maxConns, "max-conns", 0, "maximum concurrent connections (0 = unlimited)")
	cmd.Flags().DurationVar(&gcInterval, "gc-interval", 0, "compact the sandbox heap this often")
	return cmd
}

func compactLoop(ctx context.Context, sb *sandbox.Sandbox, every time.Duration, log *glog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if moved := sb.Objects().Compact(); moved > 0 {
				log.Debug("heap compacted", zap.Int("moved", moved))
			}
		}
	}
}

func newRelayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward rNET tunnels to the diver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := glog.Get()
			upstream, err := simplehttp.Dial(ctx, conf.DiverAddr(), simplehttp.ClientConfig{Logger: log})
			if err != nil {
				return fmt.Errorf("dial diver: %w", err)
			}
			defer upstream.Close()

			ln, err := net.Listen("tcp", conf.Relay.Listen)
			if err != nil {
				return err
			}
			printHeading(cmd.OutOrStdout(), "relay", ln.Addr().String(), "diver "+conf.DiverAddr())
			r := &rnet.Relay{Diver: upstream, MaxConns: conf.Relay.MaxConns, Logger: log}
			return r.Serve(ctx, ln)
		},
	}
	cmd.Flags().String("listen", "", "relay listen address")
	cmd.Flags().Int("max-conns", 0, "maximum concurrent tunnels (0 = unlimited)")
	bindFlag(cmd, "relay.listen", "listen")
	bindFlag(cmd, "relay.max-conns", "max-conns")
	return cmd
}

func newGatewayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gateway",
		Short: "Serve a JSON REST API over a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, func(ctx context.Context, s *app.Session) error {
				srv := gateway.NewServer(s, &gateway.Config{
					Debug:   conf.Debug,
					Workers: conf.Scan.Workers,
					Logger:  glog.Get(),
				})
				printHeading(cmd.OutOrStdout(), "gateway", conf.Gateway.Listen, "diver "+conf.DiverAddr())
				return srv.Start(ctx, conf.Gateway.Listen)
			})
		},
	}
	cmd.Flags().String("listen", "", "gateway listen address")
	bindFlag(cmd, "gateway.listen", "listen")
	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/hostnet/internal/config"
	"firestige.xyz/hostnet/internal/core"
	"firestige.xyz/hostnet/internal/link"
	"firestige.xyz/hostnet/internal/log"
	"firestige.xyz/hostnet/internal/metrics"
	"firestige.xyz/hostnet/internal/socket"
	"firestige.xyz/hostnet/internal/stack"
	"firestige.xyz/hostnet/internal/tcp"
)

// runCmd boots two stacks over an in-memory link and drives a TCP echo
// exchange between them. It doubles as a soak loop for the whole stack:
// ARP resolution, handshake, data transfer and orderly close all run on
// every iteration.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the two-stack demo loop in foreground",
	Long: `Run two stacks connected by an in-memory Ethernet pipe and drive a
TCP echo workload between them until interrupted.

The configured interface address is used for the client stack; the server
stack takes the next host address on the same subnet.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDemo(); err != nil {
			slog.Error("run failed", "error", err)
			os.Exit(1)
		}
	},
}

var demoPort uint16

func init() {
	runCmd.Flags().Uint16VarP(&demoPort, "port", "p", 7777, "echo server port")
}

func runDemo() error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if err := log.Init(cfg.Log); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		if err := srv.Start(ctx); err != nil {
			return err
		}
		defer srv.Stop(context.Background())
	}

	tickDur, err := cfg.TickDuration()
	if err != nil {
		return err
	}

	devA, devB := link.NewPipe(cfg.Interface.MTU)

	client, err := stack.Build(cfg, devA)
	if err != nil {
		return err
	}
	peerCfg := *cfg
	peerCfg.Interface.Name = cfg.Interface.Name + "-peer"
	peerCfg.Interface.MAC = "02:00:00:00:00:02"
	peerAddr, err := nextHostAddr(cfg.Interface.Address)
	if err != nil {
		return err
	}
	peerCfg.Interface.Address = peerAddr
	server, err := stack.Build(&peerCfg, devB)
	if err != nil {
		return err
	}

	serverAddr := netip.MustParsePrefix(peerAddr).Addr()
	lh, err := server.Sockets().Listen(demoPort, 8)
	if err != nil {
		return err
	}
	ch, err := client.Sockets().Open(serverAddr, demoPort, tcp.OpenOptions{})
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("demo loop started",
		"client", cfg.Interface.Address, "server", peerAddr,
		"port", demoPort, "tick", tickDur.String())

	var (
		now     core.Ticks
		echoed  int
		sent    int
		accepts []socket.Handle
		buf     = make([]byte, 4096)
	)
	ticker := time.NewTicker(tickDur)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			slog.Info("shutting down", "sent", sent, "echoed", echoed)
			client.Sockets().Close(ch)
			for i := 0; i < 64; i++ {
				now++
				client.Tick(now)
				server.Tick(now)
			}
			return nil
		case <-ticker.C:
			now++
			client.Tick(now)
			server.Tick(now)

			// Server side: accept and echo everything back.
			if h, _ := server.Sockets().Accept(lh); h != socket.InvalidHandle {
				accepts = append(accepts, h)
			}
			for _, h := range accepts {
				if n, _ := server.Sockets().Recv(h, buf); n > 0 {
					server.Sockets().Send(h, buf[:n])
				}
			}

			// Client side: push a payload every 100 ticks, drain echoes.
			if st, _ := client.Sockets().State(ch); st == tcp.StateEstablished {
				if now%100 == 0 {
					msg := fmt.Appendf(nil, "tick %d", now)
					if _, err := client.Sockets().Send(ch, msg); err == nil {
						sent++
					}
				}
				if n, _ := client.Sockets().Recv(ch, buf); n > 0 {
					echoed++
				}
			}
			if err := client.Sockets().Err(ch); err != nil {
				return fmt.Errorf("client connection failed: %w", err)
			}
			if now%1000 == 0 {
				slog.Info("soak progress", "tick", now, "sent", sent, "echoed", echoed)
			}
		}
	}
}

// nextHostAddr returns the next host address in the same prefix, for the
// demo's server stack.
func nextHostAddr(cidr string) (string, error) {
	p, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", err
	}
	next := p.Addr().Next()
	if !p.Contains(next) {
		return "", fmt.Errorf("no room for a peer address in %s", cidr)
	}
	return netip.PrefixFrom(next, p.Bits()).String(), nil
}

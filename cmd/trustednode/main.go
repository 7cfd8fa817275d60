// Command trustednode is the process entrypoint for the secret-contract
// compute node: it wires internal/config, internal/trustedregion, and
// internal/ipc together behind a cobra root command with a long-running
// serve subcommand, signal.Notify-driven graceful shutdown, and a
// goroutine-per-connection accept loop.
package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"trustednode/internal/config"
	"trustednode/internal/ipc"
	"trustednode/internal/trustedregion"
)

var (
	envFlag string
	logger  = logrus.New()
)

func main() {
	root := &cobra.Command{Use: "trustednode"}
	root.PersistentFlags().StringVar(&envFlag, "env", "", "environment overlay name (e.g. production)")
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the trusted compute node's request/reply dispatcher",
		RunE:  runServe,
	}
	cmd.Flags().String("socket", "", "override the configured transport socket path")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(envFlag)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if level, lerr := logrus.ParseLevel(cfg.Logging.Level); lerr == nil {
		logger.SetLevel(level)
	}
	if cfg.Logging.File != "" {
		f, ferr := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if ferr != nil {
			return fmt.Errorf("open log file: %w", ferr)
		}
		logger.SetOutput(f)
	}
	ipc.SetLogger(logger)

	socketPath := cfg.Transport.SocketPath
	if override, _ := cmd.Flags().GetString("socket"); override != "" {
		socketPath = override
	}

	region, err := trustedregion.Open(cfg.Sealing.StoreDir)
	if err != nil {
		// Past configuration and log-file setup, exit non-zero only here and
		// on a dead transport socket; every later failure is answered over
		// the wire instead.
		logger.WithError(err).Error("failed to initialize trusted region")
		os.Exit(1)
	}

	_ = os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		logger.WithError(err).Error("failed to open transport socket")
		os.Exit(1)
	}
	logger.WithField("socket", socketPath).Info("trusted compute node listening")

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logger.Info("shutting down")
		_ = listener.Close()
	}()

	return serveLoop(listener, region)
}

// serveLoop accepts connections and drives one request/reply cycle at a
// time per peer: the transport is strictly turn-based, with a single
// in-flight request per connection. Each connection gets its own goroutine
// so a slow or hung peer never blocks a different peer's turn, but within
// one connection requests are processed strictly in order.
func serveLoop(listener net.Listener, region *trustedregion.Region) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.WithError(err).Warn("accept failed")
			continue
		}
		go serveConn(conn, region)
	}
}

func serveConn(conn net.Conn, region *trustedregion.Region) {
	defer conn.Close()
	for {
		frame, err := ipc.ReadFrame(conn)
		if err != nil {
			return
		}
		reply := ipc.Dispatch(region, frame)
		if err := ipc.WriteFrame(conn, rawFrame(reply)); err != nil {
			return
		}
	}
}

// rawFrame lets serveConn hand Dispatch's already-serialized JSON straight
// to WriteFrame without re-marshaling it as a Go value.
type rawFrame []byte

func (r rawFrame) MarshalJSON() ([]byte, error) { return r, nil }

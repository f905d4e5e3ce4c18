// Command bcp-server runs a BCP echo server: every message it receives
// on a session is sent back on the same session.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"bcp/bcpserver"
	"bcp/internal/config"
	"bcp/session"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "bcp-server",
		Short:         "Run a BCP echo server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./bcp.yaml)")

	if err := root.Execute(); err != nil {
		hclog.L().Error("bcp-server exited with error", "error", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "bcp-server",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	raw, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info("listening", "addr", cfg.ListenAddr)

	opts := bcpserver.DefaultOptions()
	opts.Session = cfg.Session.ToSession()
	opts.Stream.ReadingTimeout = cfg.Session.ReadingTimeout
	opts.Stream.WritingTimeout = cfg.Session.WritingTimeout
	opts.Stream.HeartBeatDelay = cfg.Session.HeartBeatDelay
	listener := bcpserver.New(raw, opts, echoHandler(log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info("shutdown signal received")
		cancel()
	}()

	return listener.Serve(ctx)
}

// echoHandler returns an AcceptFunc that echoes every received message
// straight back on the same session.
func echoHandler(log hclog.Logger) bcpserver.AcceptFunc {
	return func(sess *bcpserver.Session) session.Callbacks {
		slog := log.With("session_id", sess.ID())
		return &echoCallbacks{sess: sess, log: slog}
	}
}

type echoCallbacks struct {
	sess *bcpserver.Session
	log  hclog.Logger
}

func (c *echoCallbacks) Received(buffers [][]byte) {
	total := 0
	for _, b := range buffers {
		total += len(b)
	}
	c.log.Debug("received message", "bytes", total)
	if err := c.sess.Send(buffers...); err != nil {
		c.log.Warn("echo failed", "error", err)
	}
}

func (c *echoCallbacks) Available()   { c.log.Debug("session available") }
func (c *echoCallbacks) Unavailable() { c.log.Debug("session unavailable") }
func (c *echoCallbacks) ShutedDown()  { c.log.Info("session shut down") }
func (c *echoCallbacks) Interrupted() { c.log.Warn("session interrupted") }

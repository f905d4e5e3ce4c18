// Command bcp-client connects to a bcp-server and echoes stdin lines
// over a BCP session, printing whatever comes back.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"bcp/bcpclient"
	"bcp/internal/config"
	"bcp/session"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "bcp-client",
		Short:         "Connect to a BCP server and exchange messages over stdin",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runClient,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ./bcp.yaml)")

	if err := root.Execute(); err != nil {
		hclog.L().Error("bcp-client exited with error", "error", err)
		os.Exit(1)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := hclog.New(&hclog.LoggerOptions{
		Name:  "bcp-client",
		Level: hclog.LevelFromString(cfg.LogLevel),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	dial := func(dctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(dctx, "tcp", cfg.ServerAddr)
	}

	opts := bcpclient.DefaultOptions()
	opts.Session = cfg.Session.ToSession()
	opts.Stream.ReadingTimeout = cfg.Session.ReadingTimeout
	opts.Stream.WritingTimeout = cfg.Session.WritingTimeout
	opts.Stream.HeartBeatDelay = cfg.Session.HeartBeatDelay
	opts.InitialConnections = cfg.InitialConnections

	callbacks := &printCallbacks{log: log}
	client, err := bcpclient.New(ctx, dial, opts, callbacks, log)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Info("connected", "session_id", client.ID())

	scanner := bufio.NewScanner(os.Stdin)
	go func() {
		for scanner.Scan() {
			line := scanner.Text()
			if line == "" {
				continue
			}
			if err := client.Send([]byte(line)); err != nil {
				log.Warn("send failed", "error", err)
			}
		}
		cancel()
	}()

	<-ctx.Done()
	return client.ShutDown()
}

type printCallbacks struct {
	log hclog.Logger
}

func (c *printCallbacks) Received(buffers [][]byte) {
	for _, b := range buffers {
		fmt.Printf("< %s\n", string(b))
	}
}

func (c *printCallbacks) Available()   { c.log.Debug("session available") }
func (c *printCallbacks) Unavailable() { c.log.Debug("session unavailable") }
func (c *printCallbacks) ShutedDown()  { c.log.Info("session shut down") }
func (c *printCallbacks) Interrupted() { c.log.Warn("session interrupted") }

var _ session.Callbacks = (*printCallbacks)(nil)

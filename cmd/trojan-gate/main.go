// Command trojan-gate runs one Trojan proxy node under xflash panel
// control: it boots from a local JSON config, fetches its inbound
// configuration from the panel, then serves connections until terminated.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gencl6ud/gencloud/internal/config"
	"github.com/gencl6ud/gencloud/internal/directory"
	"github.com/gencl6ud/gencloud/internal/logging"
	"github.com/gencl6ud/gencloud/internal/panel"
	"github.com/gencl6ud/gencloud/internal/relay"
	"github.com/gencl6ud/gencloud/internal/supervisor"
	"github.com/gencl6ud/gencloud/internal/traffic"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "trojan-gate",
		Short: "Trojan proxy node controlled by an xflash management panel",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config/config.json", "path to the node's JSON config file")
	return cmd
}

func run(configPath string) error {
	logger, err := logging.New()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		return err
	}

	client := panel.NewClient(cfg.WebAPIURL, cfg.WebAPIKey, cfg.NodeID)

	ctx := context.Background()
	inbound, err := client.FetchConfig(ctx)
	if err != nil {
		logger.Error("failed to fetch inbound config from panel", zap.Error(err))
		return err
	}

	tlsConfig, err := loadTLSConfig(cfg.TLS)
	if err != nil {
		logger.Error("failed to load tls materials", zap.Error(err))
		return err
	}

	dir := directory.New(logger)
	agg := traffic.New(logger)
	engine := relay.NewEngine(logger, dir, agg, tlsConfig)

	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(int(inbound.ServerPort))))
	if err != nil {
		logger.Error("failed to bind listener", zap.Error(err))
		return err
	}

	logger.Info("trojan-gate starting",
		zap.Int("node_id", int(cfg.NodeID)),
		zap.Uint16("server_port", inbound.ServerPort),
		zap.Bool("tls", tlsConfig != nil))

	err = supervisor.Run(ctx, supervisor.Tasks{
		Logger:     logger,
		Config:     cfg,
		Client:     client,
		Directory:  dir,
		Aggregator: agg,
		Engine:     engine,
		Listener:   ln,
	})
	if err != nil {
		logger.Error("supervisor exited with error", zap.Error(err))
		return err
	}
	logger.Info("trojan-gate shut down cleanly")
	return nil
}

func loadTLSConfig(t *config.TLS) (*tls.Config, error) {
	if t == nil {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(t.CertPath, t.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

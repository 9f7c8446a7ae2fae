// Package supervisor wires the long-lived background tasks together under
// one cancellable context and brings the process down cleanly on SIGINT or
// SIGTERM, or the moment any task returns an error.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gencl6ud/gencloud/internal/config"
	"github.com/gencl6ud/gencloud/internal/directory"
	"github.com/gencl6ud/gencloud/internal/panel"
	"github.com/gencl6ud/gencloud/internal/relay"
	"github.com/gencl6ud/gencloud/internal/traffic"
)

// Tasks is everything the Connection Supervisor and the background
// refresh/submit loops need to run.
type Tasks struct {
	Logger     *zap.Logger
	Config     config.Config
	Client     *panel.Client
	Directory  *directory.Directory
	Aggregator *traffic.Aggregator
	Engine     *relay.Engine
	Listener   net.Listener
}

// Run starts every background task under one errgroup and blocks until
// either one of them fails or the process receives SIGINT/SIGTERM, in
// which case it cancels the shared context and waits for a clean exit.
func Run(ctx context.Context, t Tasks) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		t.Directory.StartRefresh(gctx, t.Client, t.Config.CheckIntervalDuration())
		return nil
	})

	g.Go(func() error {
		t.Aggregator.Receive(gctx)
		return nil
	})

	g.Go(func() error {
		t.Aggregator.RunSubmitter(gctx, t.Client, t.Config.SubmitIntervalDuration())
		return nil
	})

	g.Go(func() error {
		return t.Engine.Serve(gctx, t.Listener)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	return nil
}

package relay

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
)

// DefaultConnectionTimeout bounds the wall-clock lifetime of a single
// accepted connection, regardless of how much traffic is still flowing.
// It exists to reclaim connections an upstream or client is holding open
// forever. NewEngine uses this unless overridden.
const DefaultConnectionTimeout = 600 * time.Second

// Serve is the Connection Supervisor's accept loop. It closes ln when ctx
// is cancelled, and otherwise never terminates the listener: every
// Accept() error, transient or not, is logged and the loop continues. It
// spawns one goroutine per accepted connection. It only returns once ctx
// is done.
func (e *Engine) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			e.logger.Warn("accept error, continuing", zap.Error(err))
			continue
		}
		go e.superviseConnection(ctx, conn)
	}
}

// superviseConnection enforces the engine's connection timeout on top of
// the supervisor's own lifetime context: whichever expires first closes
// the connection, which in turn unblocks the copy loop inside
// HandleConnection.
func (e *Engine) superviseConnection(ctx context.Context, conn net.Conn) {
	connCtx, cancel := context.WithTimeout(ctx, e.connectionTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.HandleConnection(connCtx, conn)
	}()

	select {
	case <-done:
	case <-connCtx.Done():
		_ = conn.Close()
		<-done
	}
}

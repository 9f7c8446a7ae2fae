// Package relay implements the Relay Engine and the Connection Supervisor
// that drives it: TLS termination, Trojan authentication, outbound dial,
// full-duplex copy with byte accounting, and reporting the result to the
// Traffic Aggregator.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/imgk/memory-go"
	"go.uber.org/zap"

	"github.com/gencl6ud/gencloud/internal/directory"
	"github.com/gencl6ud/gencloud/internal/traffic"
	"github.com/gencl6ud/gencloud/internal/trojan"
)

// copyBufferSize is the fixed chunk size the full-duplex copy streams
// with; the relay never buffers an entire payload in memory.
const copyBufferSize = 16 * 1024

// Engine ties the User Directory and Traffic Aggregator to a live
// connection. One Engine is shared by every connection the Connection
// Supervisor accepts.
type Engine struct {
	logger            *zap.Logger
	directory         *directory.Directory
	aggregator        *traffic.Aggregator
	tlsConfig         *tls.Config
	dialer            net.Dialer
	connectionTimeout time.Duration
}

// NewEngine returns an Engine. tlsConfig may be nil, in which case
// connections are handled over the plain socket. The Trojan protocol's
// security model assumes TLS; plain mode exists for testing. Per-connection
// lifetime is bounded by DefaultConnectionTimeout; use
// SetConnectionTimeout to override it (tests use a short override).
func NewEngine(logger *zap.Logger, dir *directory.Directory, agg *traffic.Aggregator, tlsConfig *tls.Config) *Engine {
	return &Engine{
		logger:            logger,
		directory:         dir,
		aggregator:        agg,
		tlsConfig:         tlsConfig,
		connectionTimeout: DefaultConnectionTimeout,
	}
}

// SetConnectionTimeout overrides the per-connection wall-clock bound. Tests
// use this to exercise the timeout without waiting out the real default.
func (e *Engine) SetConnectionTimeout(d time.Duration) {
	e.connectionTimeout = d
}

// HandleConnection runs the full per-connection pipeline: TLS termination,
// header parsing, authorization, outbound dial, relay, and traffic
// reporting. It always closes conn before returning.
func (e *Engine) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	if err := e.pipeline(ctx, conn); err != nil {
		switch {
		case errors.Is(err, ErrUnauthorized):
			e.logger.Warn("unauthorized trojan connection", zap.Stringer("remote_addr", conn.RemoteAddr()))
		case errors.Is(err, ErrUnsupportedCommand), errors.Is(err, trojan.ErrMalformed):
			e.logger.Debug("dropping connection", zap.Stringer("remote_addr", conn.RemoteAddr()), zap.Error(err))
		default:
			e.logger.Debug("dropping connection", zap.Stringer("remote_addr", conn.RemoteAddr()), zap.Error(err))
		}
	}
}

func (e *Engine) pipeline(ctx context.Context, conn net.Conn) error {
	stream, err := e.terminate(ctx, conn)
	if err != nil {
		return err
	}

	reader := trojan.NewReader(stream)
	header, err := trojan.ReadHeader(reader)
	if err != nil {
		return err
	}

	ok, userID := e.directory.Validate(header.Credential)
	if !ok {
		return ErrUnauthorized
	}

	if header.Command != trojan.CommandConnect {
		return fmt.Errorf("%w: %s", ErrUnsupportedCommand, header.Command)
	}

	outbound, err := e.dial(ctx, header.Address)
	if err != nil {
		return err
	}
	defer outbound.Close()

	// ctx expiring (connection timeout or supervisor shutdown) must unblock
	// both copy directions, not just the inbound side: a destination that
	// never writes and never closes would otherwise leave the downstream
	// copy goroutine blocked on outbound.Read forever.
	go func() {
		<-ctx.Done()
		_ = outbound.Close()
	}()

	upBytes, downBytes := relayDuplex(reader, stream, outbound)

	e.aggregator.Submit(ctx, traffic.Delta{
		UserID:   userID,
		UpBits:   upBytes * 8,
		DownBits: downBytes * 8,
	})
	return nil
}

// stream is what the Trojan Codec and the copy loop read/write: either the
// raw accepted socket or a terminated TLS connection over it.
type stream interface {
	io.Reader
	io.Writer
}

func (e *Engine) terminate(ctx context.Context, conn net.Conn) (stream, error) {
	if e.tlsConfig == nil {
		return conn, nil
	}
	tlsConn := tls.Server(conn, e.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTLSHandshake, err)
	}
	return tlsConn, nil
}

func (e *Engine) dial(ctx context.Context, addr trojan.Address) (net.Conn, error) {
	conn, err := e.dialer.DialContext(ctx, "tcp", addr.DialTarget())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return conn, nil
}

// relayDuplex copies inbound->outbound and outbound->inbound concurrently
// until both directions reach EOF or error. The two directions are
// independent: a read error on one must not abort the other, and a
// half-close on one side must not immediately kill the other.
func relayDuplex(inboundReader io.Reader, inboundWriter io.Writer, outbound net.Conn) (upBytes, downBytes uint64) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		buf := memory.Get(copyBufferSize)
		defer memory.Put(buf)
		n, _ := io.CopyBuffer(outbound, inboundReader, buf)
		upBytes = uint64(n)
		if half, ok := outbound.(interface{ CloseWrite() error }); ok {
			_ = half.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		buf := memory.Get(copyBufferSize)
		defer memory.Put(buf)
		n, _ := io.CopyBuffer(inboundWriter, outbound, buf)
		downBytes = uint64(n)
	}()

	wg.Wait()
	return upBytes, downBytes
}

package relay

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gencl6ud/gencloud/internal/directory"
	"github.com/gencl6ud/gencloud/internal/panel"
	"github.com/gencl6ud/gencloud/internal/traffic"
	"github.com/gencl6ud/gencloud/internal/trojan"
)

// newDirectory builds a Directory preloaded with a single known user. A
// fake panel serves the user list; StartRefresh is run with a near-zero
// interval and cancelled as soon as the first refresh lands.
func newDirectory(t *testing.T, userID int32, uuidStr string) *directory.Directory {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"data":[{"id":%d,"uuid":%q}]}`, userID, uuidStr)
	}))
	t.Cleanup(srv.Close)
	client := panel.NewClient(srv.URL, "tok", 1)

	d := directory.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.StartRefresh(ctx, client, time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
	require.Equal(t, 1, d.Len(), "fake panel refresh never populated the directory")
	return d
}

func encodeRequest(cred trojan.Credential, cmd trojan.Command, addr trojan.Address, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Write(cred[:])
	buf.Write([]byte{0x0D, 0x0A})
	buf.WriteByte(byte(cmd))
	buf.WriteByte(byte(addr.Type))
	switch addr.Type {
	case trojan.AddressIPv4:
		buf.Write(addr.IP.To4())
	case trojan.AddressDomain:
		buf.WriteByte(byte(len(addr.Domain)))
		buf.WriteString(addr.Domain)
	}
	var portBytes [2]byte
	binary.BigEndian.PutUint16(portBytes[:], addr.Port)
	buf.Write(portBytes[:])
	buf.Write([]byte{0x0D, 0x0A})
	buf.Write(payload)
	return buf.Bytes()
}

// TestHandleConnectionRelaysAndReportsTraffic is the happy-path scenario:
// a well-formed request from a known user reaches an upstream echo server
// and the resulting byte counts are reported to the aggregator in bits.
func TestHandleConnectionRelaysAndReportsTraffic(t *testing.T) {
	upstream, upstreamAddr := echoServer(t)
	defer upstream.Close()

	uid := uuid.New().String()
	cred := trojan.DeriveCredential(uid)
	dir := newDirectory(t, 42, uid)
	agg := traffic.New(zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go agg.Receive(ctx)

	engine := NewEngine(zap.NewNop(), dir, agg, nil)

	client, server := net.Pipe()
	addr := trojan.Address{Type: trojan.AddressDomain, Domain: upstreamAddr.IP.String(), Port: uint16(upstreamAddr.Port)}
	wire := encodeRequest(cred, trojan.CommandConnect, addr, []byte("hello"))

	go func() {
		_, _ = client.Write(wire)
		buf := make([]byte, len("hello"))
		_, _ = client.Read(buf)
		assert.Equal(t, "hello", string(buf))
		_ = client.Close()
	}()

	engine.HandleConnection(context.Background(), server)

	require.Eventually(t, func() bool {
		snap := agg.Snapshot()
		return snap[42][0] == uint64(len("hello"))*8 && snap[42][1] == uint64(len("hello"))*8
	}, time.Second, 10*time.Millisecond)
}

// TestHandleConnectionUnknownCredentialIsDropped verifies a credential
// absent from the directory never reaches the dialer.
func TestHandleConnectionUnknownCredentialIsDropped(t *testing.T) {
	dir := directory.New(zap.NewNop())
	agg := traffic.New(zap.NewNop())

	engine := NewEngine(zap.NewNop(), dir, agg, nil)

	client, server := net.Pipe()
	unknown := trojan.DeriveCredential("nobody-registered")
	wire := encodeRequest(unknown, trojan.CommandConnect, trojan.Address{Type: trojan.AddressIPv4, IP: net.ParseIP("1.2.3.4").To4(), Port: 80}, nil)

	go func() {
		_, _ = client.Write(wire)
		_ = client.Close()
	}()

	engine.HandleConnection(context.Background(), server)
}

// TestHandleConnectionMalformedHeaderIsDropped verifies a truncated header
// never reaches directory validation.
func TestHandleConnectionMalformedHeaderIsDropped(t *testing.T) {
	dir := directory.New(zap.NewNop())
	agg := traffic.New(zap.NewNop())
	engine := NewEngine(zap.NewNop(), dir, agg, nil)

	client, server := net.Pipe()
	go func() {
		_, _ = client.Write([]byte("too short"))
		_ = client.Close()
	}()

	engine.HandleConnection(context.Background(), server)
}

// TestHandleConnectionUDPCommandIsRejected verifies a recognized but
// unsupported command never reaches the dialer.
func TestHandleConnectionUDPCommandIsRejected(t *testing.T) {
	uid := uuid.New().String()
	cred := trojan.DeriveCredential(uid)
	dir := newDirectory(t, 7, uid)
	agg := traffic.New(zap.NewNop())
	engine := NewEngine(zap.NewNop(), dir, agg, nil)

	client, server := net.Pipe()
	addr := trojan.Address{Type: trojan.AddressIPv4, IP: net.ParseIP("8.8.8.8").To4(), Port: 53}
	wire := encodeRequest(cred, trojan.CommandUDPAssociate, addr, nil)

	go func() {
		_, _ = client.Write(wire)
		_ = client.Close()
	}()

	engine.HandleConnection(context.Background(), server)

	assert.Empty(t, agg.Snapshot())
}

// TestHandleConnectionEnforcesConnectionTimeout verifies the per-connection
// wall-clock bound: a destination that accepts the dial but never writes or
// closes would otherwise hold the relay open forever. With a short
// SetConnectionTimeout override, superviseConnection must return shortly
// after that bound (within 5 seconds) instead of the real 600-second default.
func TestHandleConnectionEnforcesConnectionTimeout(t *testing.T) {
	upstream, upstreamAddr := blockingServer(t)
	defer upstream.Close()

	uid := uuid.New().String()
	cred := trojan.DeriveCredential(uid)
	dir := newDirectory(t, 9, uid)
	agg := traffic.New(zap.NewNop())

	engine := NewEngine(zap.NewNop(), dir, agg, nil)
	const shortTimeout = 50 * time.Millisecond
	engine.SetConnectionTimeout(shortTimeout)

	client, server := net.Pipe()
	addr := trojan.Address{Type: trojan.AddressDomain, Domain: upstreamAddr.IP.String(), Port: uint16(upstreamAddr.Port)}
	wire := encodeRequest(cred, trojan.CommandConnect, addr, []byte("hello"))

	go func() {
		_, _ = client.Write(wire)
	}()

	start := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		engine.superviseConnection(context.Background(), server)
	}()

	select {
	case <-done:
		assert.Less(t, time.Since(start), 5*time.Second, "connection should be torn down near the short timeout, not the 600s default")
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed by the timeout override")
	}
}

// blockingServer accepts a single connection and then holds it open
// without ever reading, writing, or closing it.
func blockingServer(t *testing.T) (net.Listener, *net.TCPAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		if _, err := ln.Accept(); err != nil {
			return
		}
		select {}
	}()
	return ln, ln.Addr().(*net.TCPAddr)
}

func echoServer(t *testing.T) (net.Listener, *net.TCPAddr) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, werr := c.Write(buf[:n]); werr != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln, ln.Addr().(*net.TCPAddr)
}

package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "fxify-trader/internal/errors"
)

// fakeBridge accepts connections on loopback and records the lines it receives.
type fakeBridge struct {
	ln    net.Listener
	conns chan net.Conn
	lines chan string
}

func newFakeBridge(t *testing.T) *fakeBridge {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBridge{
		ln:    ln,
		conns: make(chan net.Conn, 8),
		lines: make(chan string, 64),
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.conns <- conn
			go func() {
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					b.lines <- scanner.Text()
				}
			}()
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return b
}

func (b *fakeBridge) addr() string {
	return b.ln.Addr().String()
}

func (b *fakeBridge) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-b.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for bridge accept")
		return nil
	}
}

func testConfig(addr string) Config {
	cfg := DefaultConfig(addr)
	cfg.ConnectTimeout = time.Second
	cfg.ReconnectBaseDelay = 20 * time.Millisecond
	cfg.WriteInterval = 0
	cfg.DisconnectTimeout = 500 * time.Millisecond
	return cfg
}

func TestConnectAndSendFrame(t *testing.T) {
	bridge := newFakeBridge(t)
	conn := NewConn(testConfig(bridge.addr()))

	require.NoError(t, conn.Connect(context.Background(), nil))
	assert.Equal(t, StateConnected, conn.State())
	bridge.accept(t)

	require.NoError(t, conn.Send(context.Background(), []byte(`{"command":"PING"}`)))

	select {
	case line := <-bridge.lines:
		assert.Equal(t, `{"command":"PING"}`, line)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not receive frame")
	}

	// Connect is idempotent once connected.
	require.NoError(t, conn.Connect(context.Background(), nil))
	require.NoError(t, conn.Disconnect(context.Background(), nil))
	assert.Equal(t, StateClosed, conn.State())
}

func TestInboundFramesAreReassembled(t *testing.T) {
	bridge := newFakeBridge(t)
	conn := NewConn(testConfig(bridge.addr()))

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	conn.OnFrame(func(frame []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(frame))
		if len(got) == 2 {
			close(done)
		}
	})

	require.NoError(t, conn.Connect(context.Background(), nil))
	server := bridge.accept(t)

	_, err := server.Write([]byte(`{"a":`))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = server.Write([]byte("1}\r\n\n{\"b\":2}\n{\"partial\""))
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("frames not delivered")
	}

	mu.Lock()
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, got)
	mu.Unlock()
	conn.Disconnect(context.Background(), nil)
}

func TestSendWhileIdleFailsNotConnected(t *testing.T) {
	conn := NewConn(testConfig("127.0.0.1:1"))
	err := conn.Send(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	conn := NewConn(testConfig(addr))
	err = conn.Connect(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrConnectionRefused)
	assert.Equal(t, StateDisconnected, conn.State())
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectTimeout(t *testing.T) {
	cfg := testConfig("10.255.255.1:9")
	cfg.ConnectTimeout = 50 * time.Millisecond
	cfg.Dialer = blockingDialer{}
	conn := NewConn(cfg)

	err := conn.Connect(context.Background(), nil)
	assert.ErrorIs(t, err, apperrors.ErrConnectionTimeout)
}

func TestHandshakeFailureDoesNotReconnect(t *testing.T) {
	bridge := newFakeBridge(t)
	conn := NewConn(testConfig(bridge.addr()))

	var states []State
	var mu sync.Mutex
	conn.OnStateChange(func(from, to State) {
		mu.Lock()
		states = append(states, to)
		mu.Unlock()
	})

	err := conn.Connect(context.Background(), func(ctx context.Context) error {
		return errors.New("bad password")
	})
	assert.ErrorIs(t, err, apperrors.ErrAuthenticationFailed)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StateDisconnected, conn.State())
	assert.Equal(t, 0, conn.ReconnectAttempts())

	mu.Lock()
	assert.Contains(t, states, StateAuthenticating)
	mu.Unlock()
}

func TestUnexpectedCloseReconnects(t *testing.T) {
	bridge := newFakeBridge(t)
	conn := NewConn(testConfig(bridge.addr()))

	closed := make(chan error, 4)
	conn.OnClose(func(err error) { closed <- err })

	require.NoError(t, conn.Connect(context.Background(), nil))
	server := bridge.accept(t)
	server.Close()

	select {
	case err := <-closed:
		assert.ErrorIs(t, err, apperrors.ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("close not reported")
	}

	// The reconnect lands on a fresh accept.
	bridge.accept(t)
	require.Eventually(t, func() bool {
		return conn.State() == StateConnected
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, conn.ReconnectAttempts())

	require.NoError(t, conn.Disconnect(context.Background(), nil))
	assert.Equal(t, StateClosed, conn.State())
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	bridge := newFakeBridge(t)
	cfg := testConfig(bridge.addr())
	cfg.MaxReconnectAttempts = 2
	conn := NewConn(cfg)

	require.NoError(t, conn.Connect(context.Background(), nil))
	server := bridge.accept(t)

	// Take the bridge away so every reconnect is refused.
	bridge.ln.Close()
	server.Close()

	require.Eventually(t, func() bool {
		return conn.State() == StateClosed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, conn.ReconnectAttempts())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	bridge := newFakeBridge(t)
	cfg := testConfig(bridge.addr())
	cfg.ReconnectBaseDelay = 200 * time.Millisecond
	conn := NewConn(cfg)

	require.NoError(t, conn.Connect(context.Background(), nil))
	server := bridge.accept(t)
	server.Close()

	require.Eventually(t, func() bool {
		return conn.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Disconnect(context.Background(), nil))
	assert.Equal(t, StateClosed, conn.State())

	select {
	case <-bridge.conns:
		t.Fatal("reconnect fired after explicit disconnect")
	case <-time.After(400 * time.Millisecond):
	}
	assert.Equal(t, StateClosed, conn.State())
}

// gatedDialer lets the first dial through and holds every later one until
// release is closed, ignoring cancellation like a slow kernel connect.
type gatedDialer struct {
	mu      sync.Mutex
	dials   int
	held    chan struct{}
	release chan struct{}
}

func (d *gatedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	d.mu.Lock()
	d.dials++
	first := d.dials == 1
	d.mu.Unlock()
	if !first {
		close(d.held)
		<-d.release
	}
	var nd net.Dialer
	return nd.DialContext(context.Background(), network, address)
}

func TestDisconnectDuringReconnectDialStaysClosed(t *testing.T) {
	bridge := newFakeBridge(t)
	dialer := &gatedDialer{held: make(chan struct{}), release: make(chan struct{})}
	cfg := testConfig(bridge.addr())
	cfg.Dialer = dialer
	conn := NewConn(cfg)

	require.NoError(t, conn.Connect(context.Background(), nil))
	bridge.accept(t).Close()

	select {
	case <-dialer.held:
	case <-time.After(2 * time.Second):
		t.Fatal("reconnect dial never started")
	}

	require.NoError(t, conn.Disconnect(context.Background(), nil))
	assert.Equal(t, StateClosed, conn.State())

	close(dialer.release)
	late := bridge.accept(t)
	defer late.Close()

	// The socket opened after Disconnect is discarded.
	late.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := late.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, StateClosed, conn.State())
	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), apperrors.ErrNotConnected)
}

func TestDisconnectSendsFarewell(t *testing.T) {
	bridge := newFakeBridge(t)
	conn := NewConn(testConfig(bridge.addr()))

	require.NoError(t, conn.Connect(context.Background(), nil))
	bridge.accept(t)

	require.NoError(t, conn.Disconnect(context.Background(), []byte(`{"command":"DISCONNECT"}`)))

	select {
	case line := <-bridge.lines:
		assert.Equal(t, `{"command":"DISCONNECT"}`, line)
	case <-time.After(2 * time.Second):
		t.Fatal("farewell not received")
	}
}

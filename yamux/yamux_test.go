package yamux

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) { return net.Pipe() }

func quietConfig() *Config {
	c := NewConfig()
	c.EnableKeepAlive = false
	return c
}

func TestOpenAcceptRoundTrip(t *testing.T) {
	clientConn, serverConn := pipe()
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, quietConfig(), false, nil)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)

	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestCloseWriteSignalsEOF(t *testing.T) {
	clientConn, serverConn := pipe()
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, quietConfig(), false, nil)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, stream.CloseWrite())

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	buf := make([]byte, 1)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)

	// the stream is now half-closed remote; next Read should observe
	// ErrStreamClosed rather than blocking forever.
	n, err := accepted.Read(make([]byte, 16))
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func TestResetPropagates(t *testing.T) {
	clientConn, serverConn := pipe()
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, quietConfig(), false, nil)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)

	ystream := stream.(*Stream)
	require.NoError(t, ystream.Reset())

	// give the reset frame time to cross the pipe and be processed
	require.Eventually(t, func() bool {
		_, err := accepted.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestFlowControlBlocksWriteUntilWindowUpdate(t *testing.T) {
	clientConn, serverConn := pipe()
	cfg := quietConfig()
	cfg.InitialWindowSize = 1024
	cfg.MaxReceiveWindow = 1024
	cfg.WriteTimeout = 2 * time.Second
	client := NewSession(clientConn, cfg, true, nil)
	server := NewSession(serverConn, cfg, false, nil)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	stream, err := client.OpenStream(ctx)
	require.NoError(t, err)

	accepted, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	big := make([]byte, 2048)
	writeDone := make(chan error, 1)
	go func() {
		_, err := stream.Write(big)
		writeDone <- err
	}()

	// drain slowly so the sender must wait for at least one WindowUpdate
	readBuf := make([]byte, len(big))
	_, err = io.ReadFull(accepted, readBuf)
	require.NoError(t, err)
	require.NoError(t, <-writeDone)
	require.Equal(t, big, readBuf)
}

func TestMaxConcurrentStreamsRejectsExcessSYN(t *testing.T) {
	clientConn, serverConn := pipe()
	cfg := quietConfig()
	cfg.MaxConcurrentStreams = 1
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, cfg, false, nil)
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	s1, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s1.Write([]byte("a"))
	require.NoError(t, err)
	_, err = server.AcceptStream(ctx)
	require.NoError(t, err)

	s2, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s2.Write([]byte("b"))
	require.NoError(t, err)

	// the second stream should be reset by the server rather than accepted
	require.Eventually(t, func() bool {
		_, err := s2.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestPingMeasuresRTT(t *testing.T) {
	clientConn, serverConn := pipe()
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, quietConfig(), false, nil)
	defer client.Close()
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rtt, err := client.Ping(ctx)
	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestCloseNotifiesPendingAccept(t *testing.T) {
	clientConn, serverConn := pipe()
	client := NewSession(clientConn, quietConfig(), true, nil)
	server := NewSession(serverConn, quietConfig(), false, nil)
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		_, err := server.AcceptStream(context.Background())
		done <- err
	}()

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("AcceptStream did not observe connection close")
	}
}

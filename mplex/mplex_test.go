package mplex

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipe() (net.Conn, net.Conn) { return net.Pipe() }

func TestOpenAcceptRoundTrip(t *testing.T) {
	c1, c2 := pipe()
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, NewConfig(), false, nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	stream, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("hello"))
	require.NoError(t, err)

	accepted, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf))
}

func TestCloseWriteThenRead(t *testing.T) {
	c1, c2 := pipe()
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, NewConfig(), false, nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	stream, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, stream.CloseWrite())

	accepted, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)

	n, err := accepted.Read(make([]byte, 16))
	require.Equal(t, 0, n)
	require.Error(t, err)
}

func TestResetPropagates(t *testing.T) {
	c1, c2 := pipe()
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, NewConfig(), false, nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	stream, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = stream.Write([]byte("x"))
	require.NoError(t, err)

	accepted, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	buf := make([]byte, 1)
	_, err = io.ReadFull(accepted, buf)
	require.NoError(t, err)

	ms := stream.(*Stream)
	require.NoError(t, ms.Reset())

	require.Eventually(t, func() bool {
		_, err := accepted.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestReadBufferOverflowResetsStream(t *testing.T) {
	c1, c2 := pipe()
	cfg := NewConfig()
	cfg.MaxStreamReadBuffer = 8
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, cfg, false, nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	stream, err := a.OpenStream(ctx)
	require.NoError(t, err)

	accepted, err := b.AcceptStream(ctx)
	require.NoError(t, err)

	_, err = stream.Write(make([]byte, 1024))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := accepted.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestMaxConcurrentStreamsRejectsExcessNewStream(t *testing.T) {
	c1, c2 := pipe()
	cfg := NewConfig()
	cfg.MaxConcurrentStreams = 1
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, cfg, false, nil)
	defer a.Close()
	defer b.Close()

	ctx := context.Background()
	s1, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = b.AcceptStream(ctx)
	require.NoError(t, err)
	_ = s1

	s2, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = s2.Write([]byte("x"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, err := s2.Read(make([]byte, 1))
		return err != nil
	}, time.Second, 10*time.Millisecond)
}

func TestCloseNotifiesPendingAccept(t *testing.T) {
	c1, c2 := pipe()
	a := NewSession(c1, NewConfig(), true, nil)
	b := NewSession(c2, NewConfig(), false, nil)
	defer a.Close()

	done := make(chan error, 1)
	go func() {
		_, err := b.AcceptStream(context.Background())
		done <- err
	}()

	require.NoError(t, a.Close())
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("AcceptStream did not observe connection close")
	}
}

package udpserver

import (
	"bytes"
	"math/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *UDPServer {
	t.Helper()

	srv := NewUDPServer("udp-test", "127.0.0.1:0", nil)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	return srv
}

func exchange(t *testing.T, addr string, payload []byte) []byte {
	t.Helper()

	conn, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, MaxDatagramSize+1)
	n, err := conn.Read(buf)
	require.NoError(t, err)

	return buf[:n]
}

func TestUDPServer_Echo(t *testing.T) {
	srv := startServer(t)
	addr := srv.ListenAddr().String()

	rng := rand.New(rand.NewSource(1))
	binary := make([]byte, 2048)
	rng.Read(binary)

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "text", payload: []byte("hello")},
		{name: "empty", payload: []byte{}},
		{name: "newlines are not special", payload: []byte("a\nb\r\n\n")},
		{name: "binary", payload: binary},
		{name: "maximum size", payload: bytes.Repeat([]byte{0xab}, MaxDatagramSize)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := exchange(t, addr, tt.payload)
			assert.True(t, bytes.Equal(tt.payload, got), "reply differs: got %d bytes want %d", len(got), len(tt.payload))
		})
	}

	assert.Eventually(t, func() bool {
		return srv.Received() == uint64(len(tests)) && srv.Echoed() == uint64(len(tests))
	}, time.Second, 5*time.Millisecond)
}

func TestUDPServer_RepliesToEachSender(t *testing.T) {
	srv := startServer(t)
	addr := srv.ListenAddr().String()

	a, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer a.Close()

	b, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Write([]byte("from a"))
	require.NoError(t, err)
	_, err = b.Write([]byte("from b"))
	require.NoError(t, err)

	for conn, want := range map[net.Conn]string{a: "from a", b: "from b"} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		buf := make([]byte, 64)
		n, err := conn.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf[:n]))
	}
}

func TestUDPServer_StartStop(t *testing.T) {
	t.Run("double start fails", func(t *testing.T) {
		srv := startServer(t)
		assert.ErrorIs(t, srv.Start(), ErrAlreadyRunning)
	})

	t.Run("bind failure is returned", func(t *testing.T) {
		pc, err := net.ListenPacket("udp", "127.0.0.1:0")
		require.NoError(t, err)
		defer pc.Close()

		srv := NewUDPServer("busy", pc.LocalAddr().String(), nil)
		assert.Error(t, srv.Start())
		assert.Nil(t, srv.ListenAddr())
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		srv := NewUDPServer("idle", "127.0.0.1:0", nil)
		assert.NotPanics(t, srv.Stop)

		require.NoError(t, srv.Start())
		srv.Stop()
		srv.Stop()
		assert.Nil(t, srv.ListenAddr())
	})

	t.Run("restart after stop", func(t *testing.T) {
		srv := NewUDPServer("restart", "127.0.0.1:0", nil)
		require.NoError(t, srv.Start())
		srv.Stop()

		require.NoError(t, srv.Start())
		defer srv.Stop()

		got := exchange(t, srv.ListenAddr().String(), []byte("again"))
		assert.Equal(t, "again", string(got))
	})
}

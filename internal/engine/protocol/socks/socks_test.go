package socks

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocks4Server accepts one connection, reads the CONNECT request,
// and replies with the given grant byte.
func fakeSocks4Server(t *testing.T, grant byte) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 256)
		n, _ := conn.Read(buf)
		_ = n

		conn.Write([]byte{0x00, grant, 0, 0, 0, 0, 0, 0})
	}()

	return ln.Addr().String()
}

func TestDialV4a_GrantedConnection(t *testing.T) {
	addr := fakeSocks4Server(t, socks4Granted)
	d := &Dialer{ProxyAddr: addr, Version: V4a}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	conn, err := d.DialContext(ctx, "tcp", "example.com:80")
	assert.NoError(t, err)
	if conn != nil {
		conn.Close()
	}
}

func TestDialV4a_Rejected(t *testing.T) {
	addr := fakeSocks4Server(t, 0x5B) // request rejected
	d := &Dialer{ProxyAddr: addr, Version: V4a}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := d.DialContext(ctx, "tcp", "example.com:80")
	assert.Error(t, err)
}

func TestDialV4_RequiresIPv4Address(t *testing.T) {
	d := &Dialer{ProxyAddr: fakeSocks4Server(t, socks4Granted), Version: V4}
	_, err := d.DialContext(context.Background(), "tcp", "example.com:80")
	assert.Error(t, err)
}

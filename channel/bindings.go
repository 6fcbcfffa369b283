package channel

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// Environment variables consumed when constructing a connection. The
// shared-memory reference and socket path are injected by the
// controller when it provisions the streaming devices; host/port/TLS
// are the fallback for guests without a socket-backed channel device.
const (
	EnvSharedMemoryPath = "SEAMLESS_SHM_PATH"
	EnvControlSocket    = "SEAMLESS_CONTROL_SOCKET"
	EnvControlHost      = "SEAMLESS_CONTROL_HOST"
	EnvControlPort      = "SEAMLESS_CONTROL_PORT"
	EnvControlTLS       = "SEAMLESS_CONTROL_TLS"
)

// Bindings describe how to reach the control channel and where the
// shared region lives.
type Bindings struct {
	SharedMemoryPath string
	SocketPath       string
	Host             string
	Port             int
	UseTLS           bool
	ServerName       string
}

// BindingsFromEnvironment reads the connection bindings from the
// process environment. Missing values stay zero; Dial decides which
// transport the populated fields support.
func BindingsFromEnvironment() (Bindings, error) {
	b := Bindings{
		SharedMemoryPath: os.Getenv(EnvSharedMemoryPath),
		SocketPath:       os.Getenv(EnvControlSocket),
		Host:             os.Getenv(EnvControlHost),
		ServerName:       os.Getenv(EnvControlHost),
	}
	if port := os.Getenv(EnvControlPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return Bindings{}, fmt.Errorf("parse %s=%q: %w", EnvControlPort, port, err)
		}
		b.Port = p
	}
	if v := os.Getenv(EnvControlTLS); v != "" {
		useTLS, err := strconv.ParseBool(v)
		if err != nil {
			return Bindings{}, fmt.Errorf("parse %s=%q: %w", EnvControlTLS, v, err)
		}
		b.UseTLS = useTLS
	}
	return b, nil
}

// Dial opens the control channel connection: the unix socket when one
// is bound, otherwise TCP (with TLS when requested) to host:port.
func (b Bindings) Dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	if b.SocketPath != "" {
		conn, err := d.DialContext(ctx, "unix", b.SocketPath)
		if err != nil {
			return nil, fmt.Errorf("dial control socket %s: %w", b.SocketPath, err)
		}
		return conn, nil
	}
	if b.Host == "" || b.Port == 0 {
		return nil, AsPermanent(fmt.Errorf("no control channel binding: need %s or %s/%s",
			EnvControlSocket, EnvControlHost, EnvControlPort))
	}

	addr := net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial control channel %s: %w", addr, err)
	}
	if !b.UseTLS {
		return conn, nil
	}

	tlsConn := tls.Client(conn, &tls.Config{ServerName: b.ServerName, MinVersion: tls.VersionTLS12})
	handshakeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("TLS handshake with %s: %w", addr, err)
	}
	return tlsConn, nil
}

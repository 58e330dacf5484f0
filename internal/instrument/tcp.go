package instrument

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/errors"
)

// SocketConfig holds TCP instrument settings.
type SocketConfig struct {
	Host string
	Port int

	// Timeout bounds dialing and reading.
	Timeout time.Duration

	// Sleep is the pause between sending a command and reading. Zero reads
	// immediately.
	Sleep time.Duration
}

// TCPClient exchanges commands over a fresh TCP connection per command.
// Responses end with a carriage return.
type TCPClient struct {
	cfg  SocketConfig
	id   int
	addr string
}

// NewTCPClient validates cfg and creates a TCPClient.
func NewTCPClient(cfg SocketConfig, id int) (*TCPClient, error) {
	if cfg.Host == "" {
		return nil, errors.NewMissingField("socket.host")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, errors.NewInvalidValue("socket.port", cfg.Port, "must be 1 to 65535")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultSocketTimeout
	}
	if cfg.Sleep < 0 {
		cfg.Sleep = 0
	}
	return &TCPClient{
		cfg:  cfg,
		id:   id,
		addr: net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
	}, nil
}

// Exchange dials, sends the framed command, waits Sleep and reads up to
// and including the first '\r'.
func (c *TCPClient) Exchange(ctx context.Context, cmd string) (string, error) {
	d := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return "", ioError(c.addr, "dial", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", ioError(c.addr, "deadline", err)
	}

	if _, err := conn.Write(Frame(c.id, cmd)); err != nil {
		return "", ioError(c.addr, "write", err)
	}

	if c.cfg.Sleep > 0 {
		select {
		case <-ctx.Done():
			return "", ioError(c.addr, "wait", ctx.Err())
		case <-time.After(c.cfg.Sleep):
		}
	}

	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	for !bytes.ContainsRune(buf.Bytes(), '\r') {
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil {
			if buf.Len() > 0 {
				break
			}
			return "", ioError(c.addr, "read", fmt.Errorf("%q: %w", cmd, err))
		}
	}
	return buf.String(), nil
}

// Close is a no-op; connections live for one exchange.
func (c *TCPClient) Close() error { return nil }

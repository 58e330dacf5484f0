package instrument

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/errors"
)

// SerialConfig holds serial port settings.
type SerialConfig struct {
	Port     string
	BaudRate int
	DataBits int
	Parity   string // N, E, O, M, S
	StopBits float64

	// Timeout bounds the whole response read.
	Timeout time.Duration

	// Settle is the pause between writing a command and reading.
	Settle time.Duration
}

// serialQuiet is the inter-read gap that ends a response.
const serialQuiet = 100 * time.Millisecond

type portOpener func(name string, mode *serial.Mode) (serial.Port, error)

// SerialClient exchanges commands over a serial line. The port is opened
// lazily and reopened after a failure.
type SerialClient struct {
	cfg  SerialConfig
	id   int
	mode *serial.Mode
	open portOpener

	mu   sync.Mutex
	port serial.Port
}

// NewSerialClient validates cfg and creates a SerialClient.
func NewSerialClient(cfg SerialConfig, id int) (*SerialClient, error) {
	if cfg.Port == "" {
		return nil, errors.NewMissingField("serial.port")
	}
	mode, err := serialMode(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultSerialTimeout
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 500 * time.Millisecond
	}
	return &SerialClient{cfg: cfg, id: id, mode: mode, open: serial.Open}, nil
}

func serialMode(cfg SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{BaudRate: cfg.BaudRate, DataBits: cfg.DataBits}
	if mode.BaudRate == 0 {
		mode.BaudRate = config.DefaultSerialBaudRate
	}
	if mode.DataBits == 0 {
		mode.DataBits = 8
	}
	if mode.DataBits < 5 || mode.DataBits > 8 {
		return nil, errors.NewInvalidValue("serial.databits", cfg.DataBits, "must be 5 to 8")
	}

	switch cfg.Parity {
	case "", "N":
		mode.Parity = serial.NoParity
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	case "M":
		mode.Parity = serial.MarkParity
	case "S":
		mode.Parity = serial.SpaceParity
	default:
		return nil, errors.NewInvalidValue("serial.parity", cfg.Parity, "must be one of N|E|O|M|S")
	}

	switch cfg.StopBits {
	case 0, 1:
		mode.StopBits = serial.OneStopBit
	case 1.5:
		mode.StopBits = serial.OnePointFiveStopBits
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, errors.NewInvalidValue("serial.stopbits", cfg.StopBits, "must be 1, 1.5 or 2")
	}
	return mode, nil
}

// Exchange writes the framed command, waits Settle, then reads until the
// line goes quiet or Timeout elapses.
func (c *SerialClient) Exchange(ctx context.Context, cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.port == nil {
		p, err := c.open(c.cfg.Port, c.mode)
		if err != nil {
			return "", ioError(c.cfg.Port, "open", err)
		}
		if err := p.SetReadTimeout(serialQuiet); err != nil {
			p.Close()
			return "", ioError(c.cfg.Port, "set timeout", err)
		}
		c.port = p
	}

	resp, err := c.exchange(ctx, cmd)
	if err != nil {
		c.port.Close()
		c.port = nil
		return "", err
	}
	return resp, nil
}

func (c *SerialClient) exchange(ctx context.Context, cmd string) (string, error) {
	if err := c.port.ResetInputBuffer(); err != nil {
		return "", ioError(c.cfg.Port, "reset", err)
	}
	if _, err := c.port.Write(Frame(c.id, cmd)); err != nil {
		return "", ioError(c.cfg.Port, "write", err)
	}

	select {
	case <-ctx.Done():
		return "", ioError(c.cfg.Port, "wait", ctx.Err())
	case <-time.After(c.cfg.Settle):
	}

	deadline := time.Now().Add(c.cfg.Timeout)
	var buf bytes.Buffer
	chunk := make([]byte, 1024)
	for {
		if err := ctx.Err(); err != nil {
			return "", ioError(c.cfg.Port, "read", err)
		}
		n, err := c.port.Read(chunk)
		if err != nil {
			return "", ioError(c.cfg.Port, "read", err)
		}
		buf.Write(chunk[:n])
		if n == 0 && buf.Len() > 0 {
			break
		}
		if time.Now().After(deadline) {
			if buf.Len() == 0 {
				return "", ioError(c.cfg.Port, "read", fmt.Errorf("no response to %q within %s", cmd, c.cfg.Timeout))
			}
			break
		}
	}
	return buf.String(), nil
}

// Close closes the port if open.
func (c *SerialClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

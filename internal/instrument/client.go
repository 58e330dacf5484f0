// Package instrument talks to measurement instruments.
//
// Every transport implements Client: send one command, return the raw
// response. Instrument layers the command set of one device on top of a
// Client, so the polling core only ever sees a record string.
package instrument

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/xtxerr/daqd/internal/constants"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
)

var log = logging.Component("instrument")

// Client exchanges one command with an instrument.
type Client interface {
	// Exchange sends cmd and returns the undecoded response text.
	Exchange(ctx context.Context, cmd string) (string, error)

	// Close releases the underlying connection.
	Close() error
}

// Config selects and configures the transport of one instrument.
type Config struct {
	Name      string
	Transport string

	// ID is the device address. Negative means commands are not prefixed.
	ID int

	Serial SerialConfig
	Socket SocketConfig
	SNMP   SNMPConfig
}

// NewClient creates the Client for cfg.Transport.
func NewClient(cfg Config) (Client, error) {
	switch cfg.Transport {
	case constants.TransportSerial:
		return NewSerialClient(cfg.Serial, cfg.ID)
	case constants.TransportTCP:
		return NewTCPClient(cfg.Socket, cfg.ID)
	case constants.TransportSNMP:
		return NewSNMPClient(cfg.SNMP)
	case constants.TransportSimulate:
		return NewSimulator(time.Now), nil
	default:
		return nil, errors.NewInvalidValue("transport", cfg.Transport, "must be one of serial|tcp|snmp|simulate")
	}
}

// Frame encodes a command for the wire: an optional address byte (id+128),
// the command text and a carriage return.
func Frame(id int, cmd string) []byte {
	var b []byte
	if id >= 0 {
		b = append(b, byte(id+128))
	}
	b = append(b, cmd...)
	return append(b, '\r')
}

// Tidy cleans a raw response: everything from the first '*' (checksum) is
// cut, the echoed command line is removed, and whitespace and NULs trimmed.
// A command name repeated inside the payload on the same line is kept.
func Tidy(resp, cmd string) string {
	if i := strings.IndexByte(resp, '*'); i >= 0 {
		resp = resp[:i]
	}
	if cmd != "" {
		for _, echo := range []string{cmd + "\r\n", cmd + "\n", cmd + "\r"} {
			if strings.Contains(resp, echo) {
				resp = strings.Replace(resp, echo, "", 1)
				break
			}
		}
	}
	return strings.Trim(resp, " \t\r\n\x00")
}

// ioError wraps a transport failure as an instrument I/O error.
func ioError(name, op string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", name, op, errors.ErrInstrumentIO, err)
}

package instrument

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/errors"
)

// =============================================================================
// SNMP Configuration
// =============================================================================

// SNMPConfig holds settings of an SNMP-attached data logger (v2c).
type SNMPConfig struct {
	Host      string
	Port      uint16
	Community string

	// OIDs fetched when the command is empty or "get". Any other command is
	// read as a whitespace-separated OID list.
	OIDs []string

	Timeout time.Duration
	Retries int
}

// =============================================================================
// SNMP Client
// =============================================================================

// SNMPClient turns one GET into a record line: the values of the requested
// OIDs joined by single spaces, in request order.
type SNMPClient struct {
	cfg SNMPConfig

	// connect is replaced in tests.
	connect func(*gosnmp.GoSNMP) error
	get     func(*gosnmp.GoSNMP, []string) (*gosnmp.SnmpPacket, error)
}

// NewSNMPClient validates cfg and creates an SNMPClient.
func NewSNMPClient(cfg SNMPConfig) (*SNMPClient, error) {
	if cfg.Host == "" {
		return nil, errors.NewMissingField("snmp.host")
	}
	if cfg.Community == "" {
		return nil, errors.NewConfiguration("snmp.community", "SNMP v2c requires community string (refusing to use insecure default)")
	}
	if cfg.Port == 0 {
		cfg.Port = config.DefaultSNMPPort
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultSNMPTimeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = config.DefaultSNMPRetries
	}
	return &SNMPClient{
		cfg:     cfg,
		connect: func(s *gosnmp.GoSNMP) error { return s.Connect() },
		get:     func(s *gosnmp.GoSNMP, oids []string) (*gosnmp.SnmpPacket, error) { return s.Get(oids) },
	}, nil
}

func (c *SNMPClient) oids(cmd string) ([]string, error) {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" || cmd == "get" {
		if len(c.cfg.OIDs) == 0 {
			return nil, errors.NewMissingField("snmp.oids")
		}
		return c.cfg.OIDs, nil
	}
	return strings.Fields(cmd), nil
}

// Exchange performs one SNMP GET.
func (c *SNMPClient) Exchange(ctx context.Context, cmd string) (string, error) {
	oids, err := c.oids(cmd)
	if err != nil {
		return "", err
	}

	snmp := &gosnmp.GoSNMP{
		Target:    c.cfg.Host,
		Port:      c.cfg.Port,
		Timeout:   c.cfg.Timeout,
		Retries:   c.cfg.Retries,
		Version:   gosnmp.Version2c,
		Community: c.cfg.Community,
		Context:   ctx,
	}

	if err := c.connect(snmp); err != nil {
		return "", ioError(c.cfg.Host, "connect", err)
	}
	defer func() {
		if snmp.Conn != nil {
			snmp.Conn.Close()
		}
	}()

	// Check context before GET
	if err := ctx.Err(); err != nil {
		return "", ioError(c.cfg.Host, "get", err)
	}

	pdu, err := c.get(snmp, oids)
	if err != nil {
		return "", ioError(c.cfg.Host, "get", err)
	}
	if len(pdu.Variables) == 0 {
		return "", ioError(c.cfg.Host, "get", fmt.Errorf("no variables returned"))
	}

	values := make([]string, 0, len(pdu.Variables))
	for _, v := range pdu.Variables {
		s, err := formatVariable(v)
		if err != nil {
			return "", ioError(c.cfg.Host, v.Name, err)
		}
		values = append(values, s)
	}
	return strings.Join(values, " "), nil
}

// Close is a no-op; a connection lives for one exchange.
func (c *SNMPClient) Close() error { return nil }

// formatVariable renders one PDU value as record text.
func formatVariable(v gosnmp.SnmpPDU) (string, error) {
	switch v.Type {
	case gosnmp.Counter32, gosnmp.Counter64, gosnmp.Uinteger32, gosnmp.Gauge32:
		return gosnmp.ToBigInt(v.Value).String(), nil

	case gosnmp.Integer:
		return strconv.Itoa(v.Value.(int)), nil

	case gosnmp.OctetString:
		return strings.TrimSpace(string(v.Value.([]byte))), nil

	case gosnmp.TimeTicks:
		return strconv.FormatUint(uint64(v.Value.(uint32)), 10), nil

	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance:
		return "", fmt.Errorf("OID not found")

	default:
		return "", fmt.Errorf("unsupported type: %v", v.Type)
	}
}

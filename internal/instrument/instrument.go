package instrument

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/daqd/config"
	"github.com/xtxerr/daqd/internal/errors"
	"github.com/xtxerr/daqd/internal/logging"
)

// Commands holds the command set of one instrument.
type Commands struct {
	GetData   string
	GetConfig []string
	SetConfig []string
}

// Instrument sends the configured commands through a Client and tidies the
// responses.
type Instrument struct {
	name   string
	client Client
	cmds   Commands
}

// New creates an Instrument.
func New(name string, client Client, cmds Commands) (*Instrument, error) {
	if client == nil {
		return nil, errors.NewMissingField("client")
	}
	if strings.TrimSpace(cmds.GetData) == "" {
		return nil, errors.NewMissingField("get_data")
	}
	return &Instrument{name: name, client: client, cmds: cmds}, nil
}

// Name returns the instrument name.
func (in *Instrument) Name() string { return in.name }

// Send exchanges one command and returns the tidied response.
func (in *Instrument) Send(ctx context.Context, cmd string) (string, error) {
	raw, err := in.client.Exchange(ctx, cmd)
	if err != nil {
		return "", err
	}
	return Tidy(raw, cmd), nil
}

// GetData returns one record.
func (in *Instrument) GetData(ctx context.Context) (string, error) {
	rec, err := in.Send(ctx, in.cmds.GetData)
	if err != nil {
		return "", err
	}
	if rec == "" {
		return "", fmt.Errorf("%s: %w: empty response to %q", in.name, errors.ErrInstrumentIO, in.cmds.GetData)
	}
	return rec, nil
}

// Startup sends every get_config then every set_config command once. Each
// failure is logged and returned joined; later commands are still sent.
func (in *Instrument) Startup(ctx context.Context) error {
	ctx = logging.ContextWithInstrument(ctx, in.name)
	l := log.Ctx(ctx)

	var errs []error
	run := func(kind string, cmds []string) {
		if len(cmds) == 0 {
			return
		}
		responses := make([]string, 0, len(cmds))
		for _, cmd := range cmds {
			resp, err := in.Send(ctx, cmd)
			if err != nil {
				l.Warn(kind+" command failed", "command", cmd, "error", err)
				errs = append(errs, err)
				continue
			}
			responses = append(responses, resp)
		}
		l.Info(kind, "responses", responses)
	}

	run("get_config", in.cmds.GetConfig)
	run("set_config", in.cmds.SetConfig)
	return errors.Join(errs...)
}

// SyncClock sets the instrument's date and time to now.
func (in *Instrument) SyncClock(ctx context.Context, now time.Time) error {
	for _, cmd := range []string{
		"set date " + now.Format("01-02-06"),
		"set time " + now.Format("15:04:05"),
	} {
		resp, err := in.Send(ctx, cmd)
		if err != nil {
			return err
		}
		log.Debug("clock", "instrument", in.name, "command", cmd, "response", resp)
	}
	return nil
}

// Close closes the client.
func (in *Instrument) Close() error {
	return in.client.Close()
}

// =============================================================================
// Buffer Dump
// =============================================================================

// dumpLabels are stripped from dumped records, in this order.
var dumpLabels = []string{
	"flags ", "hio3 ", "cellai ", "cellbi ", "bncht ", "lmpt ",
	"o3lt ", "flowa ", "flowb ", "pres ", "o3 ",
}

var countPattern = regexp.MustCompile(`\d+`)

// StripLabels removes the field labels of a long record line.
func StripLabels(line string) string {
	for _, label := range dumpLabels {
		line = strings.ReplaceAll(line, label, "")
	}
	return line
}

// RecordCount asks for the number of stored long records.
func (in *Instrument) RecordCount(ctx context.Context) (int, error) {
	const cmd = "no of lrec"
	resp, err := in.Send(ctx, cmd)
	if err != nil {
		return 0, err
	}
	m := countPattern.FindString(resp)
	if m == "" {
		return 0, fmt.Errorf("%s: %w: no record count in %q", in.name, errors.ErrInstrumentIO, resp)
	}
	return strconv.Atoi(m)
}

// Dump pages through the instrument's record buffer, newest page first as
// the instrument numbers them, and writes label-stripped lines to w. It
// returns the number of pages written. Pages read before a failure are
// still written.
func (in *Instrument) Dump(ctx context.Context, w io.Writer) (int, error) {
	n, err := in.RecordCount(ctx)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	pages := 0
	for index := n; index > 0; index -= config.DefaultDumpPageSize {
		count := min(config.DefaultDumpPageSize, index)
		cmd := fmt.Sprintf("lrec %d %d", index, count)
		resp, err := in.Send(ctx, cmd)
		if err != nil {
			return pages, errors.Join(err, bw.Flush())
		}
		if _, err := fmt.Fprintln(bw, StripLabels(resp)); err != nil {
			return pages, err
		}
		pages++
	}

	log.Info("buffer dumped", "instrument", in.name, "records", n, "pages", pages)
	return pages, bw.Flush()
}

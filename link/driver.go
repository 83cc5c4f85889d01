package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/classify"
	"moria.us/reloctest/objyaml"
)

// DefaultTimeout bounds each linker invocation.
const DefaultTimeout = 5 * time.Second

// DefaultLink is the linker used when none is configured, and the reference
// linker used to build the shared library. It must be in $PATH.
var DefaultLink = []string{"ld.lld"}

// A Status is the outcome of one link.
type Status string

const (
	StatusOK      Status = "OK"
	StatusFail    Status = "FAIL"
	StatusTimeout Status = "TIMEOUT"
)

// A Result is the outcome of one link and its classified diagnostics.
type Result struct {
	Status    Status
	Substatus classify.Substatus
	Messages  []string // stderr, one entry per line
}

// Report writes the result in the harness report format: a blank line, the
// RUN and STATUS lines, then either the classified error or the visible
// diagnostics.
func (r *Result) Report(w io.Writer, name string) error {
	if _, err := fmt.Fprintf(w, "\nRUN %s\nSTATUS %s\n", name, r.Status); err != nil {
		return err
	}
	if r.Substatus != classify.None {
		_, err := fmt.Fprintf(w, "ERROR %s\n", r.Substatus)
		return err
	}
	for _, m := range classify.Visible(r.Messages) {
		if _, err := fmt.Fprintln(w, m); err != nil {
			return err
		}
	}
	return nil
}

// splitLines splits text into lines, dropping the line terminators.
func splitLines(text string) []string {
	text = strings.TrimSuffix(text, "\n")
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSuffix(l, "\r")
	}
	return lines
}

// A Driver runs the linker under test inside an output directory.
type Driver struct {
	Runner  Runner
	LinkCmd []string      // linker under test
	RefLink []string      // reference linker for the shared library
	Script  string        // linker script path
	Dir     string        // output directory, also the working directory
	Timeout time.Duration // per link
	Log     *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

func (d *Driver) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Link links one case. The command line is saved to <base>.cmd and stderr to
// <base>.err. Link failures and timeouts are reported in the Result; the
// returned error is only for failures to write those files.
func (d *Driver) Link(ctx context.Context, c *Case) (*Result, error) {
	linkCmd := d.LinkCmd
	if len(linkCmd) == 0 {
		linkCmd = DefaultLink
	}
	cmd := c.Command(linkCmd, d.Script)
	base := filepath.Join(d.Dir, c.Base())
	if err := os.WriteFile(base+".cmd", []byte(strings.Join(cmd, " ")+"\n"), 0o666); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()
	stderr, code, err := d.Runner.Run(ctx, Cmd{Args: cmd, Dir: d.Dir})

	var r Result
	switch {
	case errors.Is(err, ErrTimeout):
		r.Status = StatusTimeout
	case err != nil:
		d.logger().Debug("linker did not run", "case", c.Name(), "err", err)
		r.Status = StatusFail
		stderr = append(stderr, err.Error()+"\n"...)
	case code != 0:
		r.Status = StatusFail
	default:
		r.Status = StatusOK
	}
	r.Messages = splitLines(string(stderr))
	r.Substatus = classify.Match(r.Messages)

	if err := os.WriteFile(base+".err", stderr, 0o666); err != nil {
		return &r, err
	}
	return &r, nil
}

// A Creator turns an object description into <base>.o in the output
// directory. *objyaml.Converter is a Creator.
type Creator interface {
	Create(ctx context.Context, obj *objyaml.Object, base string) error
}

// BuildSharedLib creates lib.<arch>.so with the reference linker. Dynamic
// cases link against it.
func (d *Driver) BuildSharedLib(ctx context.Context, conv Creator, a *arch.Arch) error {
	base := LibBase(a)
	if err := conv.Create(ctx, SharedLibObject(a), base); err != nil {
		return err
	}
	ref := d.RefLink
	if len(ref) == 0 {
		ref = DefaultLink
	}
	cmd := append(append([]string{}, ref...), base+".o", "-shared", "-o", base+".so")
	stderr, code, err := d.Runner.Run(ctx, Cmd{Args: cmd, Dir: d.Dir})
	if err != nil {
		return fmt.Errorf("%s: %v", base+".so", err)
	}
	if code != 0 {
		return fmt.Errorf("%s: %s exited with status %d\n%s", base+".so", ref[0], code, strings.TrimSpace(string(stderr)))
	}
	return nil
}

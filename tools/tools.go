// Package tools runs the secondary binary utilities over a linked output and
// keeps their listings next to it.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"moria.us/reloctest/link"
)

// DefaultPrefix is prepended to each tool name.
const DefaultPrefix = "llvm-"

// A Tool is one utility run over every output. Its stdout is kept in the
// file named by the output name plus Suffix.
type Tool struct {
	Name   string
	Args   []string
	Suffix string
}

// Tools are run in order.
var Tools = []Tool{
	{Name: "objdump", Args: []string{"-dsx"}, Suffix: ".objdump"},
	{Name: "readelf", Args: []string{"-a"}, Suffix: ".readelf"},
}

// A Dumper runs Tools over outputs in Dir.
type Dumper struct {
	Runner link.Runner
	Prefix string
	Dir    string
	Log    *slog.Logger
}

func (d *Dumper) logger() *slog.Logger {
	if d.Log != nil {
		return d.Log
	}
	return slog.Default()
}

// Command returns the command line of a tool for an output.
func (d *Dumper) Command(t Tool, out string) []string {
	args := make([]string, 0, len(t.Args)+2)
	args = append(args, d.Prefix+t.Name)
	args = append(args, t.Args...)
	return append(args, out)
}

// Dump runs every tool over out, a file name relative to Dir. Failures are
// logged and do not stop the remaining tools.
func (d *Dumper) Dump(ctx context.Context, out string) {
	for _, t := range Tools {
		if err := d.run(ctx, t, out); err != nil {
			d.logger().Warn(out+": "+t.Name+" failed", "err", err)
		}
	}
}

func (d *Dumper) run(ctx context.Context, t Tool, out string) error {
	f, err := os.Create(filepath.Join(d.Dir, out+t.Suffix))
	if err != nil {
		return err
	}
	defer f.Close()
	cmd := d.Command(t, out)
	stderr, code, err := d.Runner.Run(ctx, link.Cmd{Args: cmd, Dir: d.Dir, Stdout: f})
	if err != nil {
		return err
	}
	if code != 0 {
		if msg := strings.TrimSpace(string(stderr)); msg != "" {
			return fmt.Errorf("%s exited with status %d: %s", cmd[0], code, msg)
		}
		return fmt.Errorf("%s exited with status %d", cmd[0], code)
	}
	return f.Close()
}

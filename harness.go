package main

import (
	"bufio"
	"context"
	_ "embed"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/inspect"
	"moria.us/reloctest/link"
	"moria.us/reloctest/objyaml"
	"moria.us/reloctest/tools"
)

// defaultScript is the linker script used when none is given.
//
//go:embed script.t
var defaultScript []byte

// A Harness links every case of the matrix for one architecture and writes
// the report.
type Harness struct {
	Arch   *arch.Arch
	Conv   link.Creator
	Driver *link.Driver
	Dumper *tools.Dumper
	Out    *bufio.Writer
	Log    *slog.Logger
}

// newHarness prepares the output directory and the linker script, and
// returns a harness that runs real subprocesses.
func newHarness(cfg *Config, a *arch.Arch, out io.Writer, log *slog.Logger) (*Harness, error) {
	dir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, err
	}
	script, err := installScript(cfg.Script, dir)
	if err != nil {
		return nil, err
	}
	runner := &link.ExecRunner{}
	return &Harness{
		Arch: a,
		Conv: &objyaml.Converter{Cmd: strings.Fields(cfg.YAML2Obj), Dir: dir},
		Driver: &link.Driver{
			Runner:  runner,
			LinkCmd: strings.Fields(cfg.LD),
			RefLink: strings.Fields(cfg.RefLD),
			Script:  script,
			Dir:     dir,
			Timeout: cfg.Timeout,
			Log:     log,
		},
		Dumper: &tools.Dumper{Runner: runner, Prefix: cfg.ToolsPrefix, Dir: dir, Log: log},
		Out:    bufio.NewWriter(out),
		Log:    log,
	}, nil
}

// installScript returns the absolute path of the linker script. With no
// script given, the built-in one is written to dir.
func installScript(script, dir string) (string, error) {
	if script != "" {
		return filepath.Abs(script)
	}
	script = filepath.Join(dir, "script.t")
	if err := os.WriteFile(script, defaultScript, 0o666); err != nil {
		return "", err
	}
	return script, nil
}

// Run builds the shared library, then links and reports every case in
// order. Link failures are part of the report; converter failures and a
// failure to build the shared library stop the run.
func (h *Harness) Run(ctx context.Context) error {
	if err := h.Driver.BuildSharedLib(ctx, h.Conv, h.Arch); err != nil {
		return wrapError(err, "shared library")
	}
	for _, c := range link.Matrix(h.Arch) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := h.runCase(ctx, c); err != nil {
			return wrapError(err, c.Name())
		}
		if err := h.Out.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (h *Harness) runCase(ctx context.Context, c *link.Case) error {
	obj, rel, err := c.Object()
	if err != nil {
		return err
	}
	if err := h.Conv.Create(ctx, obj, c.Base()); err != nil {
		return err
	}
	r, err := h.Driver.Link(ctx, c)
	if err != nil {
		return err
	}
	if err := r.Report(h.Out, c.Name()); err != nil {
		return err
	}
	h.Log.Debug("linked", "case", c.Name(), "status", r.Status, "substatus", r.Substatus)
	if r.Status != link.StatusOK {
		return nil
	}
	opts := inspect.Options{
		Arch:    h.Arch,
		Case:    c.Name(),
		Section: rel.Info,
		Relocs:  rel.Relocations,
		Log:     h.Log,
	}
	if err := inspect.Inspect(filepath.Join(h.Driver.Dir, c.Output()), opts, h.Out); err != nil {
		h.Log.Warn("cannot inspect output", "case", c.Name(), "err", err)
	}
	h.Dumper.Dump(ctx, c.Output())
	return nil
}

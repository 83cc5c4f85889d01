package main

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/xyproto/env/v2"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/link"
	"moria.us/reloctest/objyaml"
	"moria.us/reloctest/tools"
)

// A Config holds the harness settings. Defaults come from RELOCTEST_*
// environment variables; flags override them.
type Config struct {
	Arch        string
	LD          string // linker under test, split on spaces
	RefLD       string // reference linker for the shared library
	YAML2Obj    string
	OutputDir   string
	ToolsPrefix string
	Script      string // linker script; empty for the built-in one
	Timeout     time.Duration
	Verbose     bool
}

// defaultConfig returns the configuration from the environment.
func defaultConfig() Config {
	env.Load()
	return Config{
		Arch:        env.Str("RELOCTEST_ARCH", "aarch64"),
		LD:          env.Str("RELOCTEST_LD", strings.Join(link.DefaultLink, " ")),
		RefLD:       env.Str("RELOCTEST_REF_LD", strings.Join(link.DefaultLink, " ")),
		YAML2Obj:    env.Str("RELOCTEST_YAML2OBJ", strings.Join(objyaml.DefaultYAML2Obj, " ")),
		OutputDir:   env.Str("RELOCTEST_OUTPUT_DIR", "."),
		ToolsPrefix: env.Str("RELOCTEST_TOOLS_PREFIX", tools.DefaultPrefix),
		Timeout:     env.DurationSeconds("RELOCTEST_TIMEOUT", int64(link.DefaultTimeout/time.Second)),
		Verbose:     env.Bool("RELOCTEST_VERBOSE"),
	}
}

// registerFlags binds the configuration to command-line flags, keeping the
// current values as defaults.
func (c *Config) registerFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.Arch, "arch", c.Arch, "Target architecture ("+strings.Join(arch.Names(), ", ")+")")
	fs.StringVar(&c.LD, "ld", c.LD, "Linker under test")
	fs.StringVar(&c.RefLD, "ref-ld", c.RefLD, "Reference linker for the shared library")
	fs.StringVar(&c.YAML2Obj, "yaml2obj", c.YAML2Obj, "YAML to object converter")
	fs.StringVar(&c.OutputDir, "output-dir", c.OutputDir, "Directory for generated files")
	fs.StringVar(&c.ToolsPrefix, "tools-prefix", c.ToolsPrefix, "Prefix for objdump and readelf")
	fs.StringVar(&c.Script, "script", c.Script, "Linker script (default: built-in)")
	fs.DurationVar(&c.Timeout, "timeout", c.Timeout, "Time limit for each link")
	fs.BoolVar(&c.Verbose, "v", c.Verbose, "Verbose logging")
}

// validate checks the configuration and returns the selected architecture.
func (c *Config) validate() (*arch.Arch, error) {
	a, err := arch.Lookup(c.Arch)
	if err != nil {
		return nil, err
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	switch {
	case c.Timeout <= 0:
		return nil, fmt.Errorf("timeout %v is not positive", c.Timeout)
	case len(strings.Fields(c.LD)) == 0:
		return nil, errors.New("no linker")
	case len(strings.Fields(c.RefLD)) == 0:
		return nil, errors.New("no reference linker")
	case len(strings.Fields(c.YAML2Obj)) == 0:
		return nil, errors.New("no yaml2obj")
	case c.OutputDir == "":
		return nil, errors.New("no output directory")
	}
	return a, nil
}

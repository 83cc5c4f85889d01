package objyaml

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// DefaultYAML2Obj is the converter command used when none is configured. It
// must be in $PATH.
var DefaultYAML2Obj = []string{"yaml2obj"}

// A Converter writes object descriptions to a directory and turns them into
// object files with yaml2obj.
type Converter struct {
	Cmd []string // converter command line; the output flag is appended
	Dir string   // directory for <base>.yaml and <base>.o
}

// Create writes <base>.yaml and converts it to <base>.o. The YAML file is
// passed to the converter on stdin. Any converter failure is returned with its
// diagnostics.
func (c *Converter) Create(ctx context.Context, obj *Object, base string) error {
	data, err := obj.Marshal()
	if err != nil {
		return fmt.Errorf("%s: %w", base, err)
	}
	yamlPath := filepath.Join(c.Dir, base+".yaml")
	if err := os.WriteFile(yamlPath, data, 0o666); err != nil {
		return err
	}
	cmd := c.Cmd
	if len(cmd) == 0 {
		cmd = DefaultYAML2Obj
	}
	args := append(append([]string{}, cmd[1:]...), "-o", filepath.Join(c.Dir, base+".o"))
	x := exec.CommandContext(ctx, cmd[0], args...)
	x.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	x.Stderr = &stderr
	if err := x.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("%s: %s: %v\n%s", yamlPath, cmd[0], err, msg)
		}
		return fmt.Errorf("%s: %s: %v", yamlPath, cmd[0], err)
	}
	return nil
}

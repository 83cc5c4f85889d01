// Command optdocgen writes reStructuredText documentation for linker options
// from a JSON dump of their TableGen description.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"moria.us/reloctest/optdoc"
)

func readDoc(name string) (*optdoc.Doc, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, err
	}
	doc, err := optdoc.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return doc, nil
}

func run(input, skip string, w io.Writer) error {
	doc, err := readDoc(input)
	if err != nil {
		return err
	}
	if skip != "" {
		other, err := readDoc(skip)
		if err != nil {
			return err
		}
		doc.Skip(other)
	}
	return doc.Write(w)
}

func mainE() error {
	var output, skip string
	flag.StringVar(&output, "o", "", "Output file (default: standard output)")
	flag.StringVar(&skip, "skip", "", "Skip option groups present in this JSON dump")
	flag.StringVar(&skip, "s", "", "Shorthand for -skip")
	flag.Parse()
	args := flag.Args()
	if len(args) != 1 {
		return fmt.Errorf("got %d arguments, expected 1", len(args))
	}
	if output == "" {
		return run(args[0], skip, os.Stdout)
	}
	fp, err := os.Create(output)
	if err != nil {
		return err
	}
	defer fp.Close()
	if err := run(args[0], skip, fp); err != nil {
		return err
	}
	return fp.Close()
}

func main() {
	if err := mainE(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// Package optdoc generates reStructuredText documentation for linker
// command-line options from the JSON dump of their TableGen description
// (llvm-tblgen --dump-json).
package optdoc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
)

// DefaultMetaVar names the value of an option that does not name its own.
const DefaultMetaVar = "<value>"

// An Option is one command-line option record.
type Option struct {
	Key      string // record name in the dump
	Name     string
	Prefixes []string // e.g. "-", "--"
	Group    string   // key of the option group, or empty
	HelpText string   // already formatted, see fixHelpText
	MetaVar  string
	Separate bool // takes a separate argument: -Map <file>
	Joined   bool // takes a joined argument: -Map=<file>
	Alias    string

	// Aliases are the options that resolve to this one. Only canonical
	// options have aliases.
	Aliases []*Option
}

// Canonical returns true if the option is not an alias of another option.
func (o *Option) Canonical() bool {
	return o.Alias == ""
}

// Forms returns every spelling of the option, followed by the spellings of
// its aliases.
func (o *Option) Forms() []string {
	var forms []string
	for _, p := range o.Prefixes {
		form := p + o.Name
		switch {
		case o.Separate:
			form += " " + o.MetaVar
		case o.Joined:
			form += o.MetaVar
		}
		forms = append(forms, form)
	}
	for _, a := range o.Aliases {
		forms = append(forms, a.Forms()...)
	}
	return forms
}

// A Group is an option group and its canonical options.
type Group struct {
	Key      string
	Name     string
	HelpText string
	Options  []*Option
}

// A Doc is the set of documented option groups.
type Doc struct {
	Groups map[string]*Group
}

// record holds the fields of a dump record that are used here.
type record struct {
	Superclasses []string `json:"!superclasses"`
	Name         string
	Prefixes     []string
	Group        *defRef
	HelpText     *string
	MetaVarName  *string
	Alias        *defRef
}

type defRef struct {
	Def string `json:"def"`
}

func (r *record) is(class string) bool {
	for _, c := range r.Superclasses {
		if c == class {
			return true
		}
	}
	return false
}

// classes decodes only the superclass list of a dump entry. Entries that are
// not records have none.
func classes(data json.RawMessage) []string {
	var r struct {
		Superclasses []string `json:"!superclasses"`
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return nil
	}
	return r.Superclasses
}

// Parse reads a JSON dump. Records are visited in key order, so options of a
// group keep the order of their record names.
func Parse(data []byte) (*Doc, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	doc := &Doc{Groups: make(map[string]*Group)}
	options := make(map[string]*Option)
	var order []*Option
	for _, k := range keys {
		r := record{Superclasses: classes(raw[k])}
		isOption, isGroup := r.is("Option"), r.is("OptionGroup")
		if !isOption && !isGroup {
			continue
		}
		if err := json.Unmarshal(raw[k], &r); err != nil {
			return nil, fmt.Errorf("record %s: %v", k, err)
		}
		if isGroup {
			doc.Groups[k] = &Group{Key: k, Name: r.Name, HelpText: deref(r.HelpText)}
			continue
		}
		o := &Option{
			Key:      k,
			Name:     r.Name,
			Prefixes: r.Prefixes,
			MetaVar:  deref(r.MetaVarName),
			Separate: r.is("Separate"),
			Joined:   r.is("Joined"),
		}
		if o.MetaVar == "" {
			o.MetaVar = DefaultMetaVar
		}
		if r.HelpText != nil && *r.HelpText != "" {
			o.HelpText = fixHelpText(*r.HelpText)
		}
		if r.Group != nil {
			o.Group = r.Group.Def
		}
		if r.Alias != nil {
			o.Alias = r.Alias.Def
		}
		options[k] = o
		order = append(order, o)
	}

	for _, o := range order {
		if o.Canonical() {
			continue
		}
		c, err := canonical(options, o)
		if err != nil {
			return nil, err
		}
		c.Aliases = append(c.Aliases, o)
	}
	for _, o := range order {
		if !o.Canonical() || o.Group == "" {
			continue
		}
		g, ok := doc.Groups[o.Group]
		if !ok {
			return nil, fmt.Errorf("option %s: unknown group %s", o.Key, o.Group)
		}
		g.Options = append(g.Options, o)
	}
	return doc, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// canonical follows the alias chain of o to the option it finally names.
func canonical(options map[string]*Option, o *Option) (*Option, error) {
	seen := map[string]bool{o.Key: true}
	for !o.Canonical() {
		next, ok := options[o.Alias]
		if !ok {
			return nil, fmt.Errorf("option %s: unknown alias %s", o.Key, o.Alias)
		}
		if seen[next.Key] {
			return nil, fmt.Errorf("option %s: alias cycle", o.Key)
		}
		seen[next.Key] = true
		o = next
	}
	return o, nil
}

// Skip removes the groups that are also present in other.
func (d *Doc) Skip(other *Doc) {
	for k := range other.Groups {
		delete(d.Groups, k)
	}
}

var listItem = regexp.MustCompile(`(?m)^[ \t]+-`)

// fixHelpText turns indented "-flag" lines into a bullet list separated from
// the first line, drops tabs and indents every line by three spaces.
func fixHelpText(text string) string {
	if listItem.MatchString(text) {
		text = strings.Replace(text, "\n", "\n\n", 1)
	}
	text = listItem.ReplaceAllString(text, "* $0")
	text = strings.ReplaceAll(text, "\t", "")
	return "   " + strings.ReplaceAll(text, "\n", "\n   ")
}

// Write writes the documentation of every group that has options, in group
// key order.
func (d *Doc) Write(w io.Writer) error {
	keys := make([]string, 0, len(d.Groups))
	for k, g := range d.Groups {
		if len(g.Options) != 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	bw := bufio.NewWriter(w)
	for _, k := range keys {
		g := d.Groups[k]
		heading := g.HelpText + "\n"
		bw.WriteString(heading)
		bw.WriteString(strings.Repeat("^", len(heading)))
		bw.WriteByte('\n')
		for _, o := range g.Options {
			writeOption(bw, o)
			bw.WriteByte('\n')
		}
		bw.WriteString("\n\n")
	}
	return bw.Flush()
}

func writeOption(w *bufio.Writer, o *Option) {
	forms := o.Forms()
	if len(forms) == 0 {
		return
	}
	w.WriteString(".. option:: ")
	w.WriteString(strings.Join(forms, ", "))
	w.WriteByte('\n')
	if o.HelpText != "" {
		w.WriteByte('\n')
		w.WriteString(o.HelpText)
		w.WriteByte('\n')
	}
}

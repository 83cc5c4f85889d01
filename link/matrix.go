package link

import (
	"debug/elf"
	"strings"

	"moria.us/reloctest/arch"
	"moria.us/reloctest/objyaml"
)

// An ExecType is a kind of linker output and the flags that request it.
type ExecType struct {
	Name  string
	Flags []string
}

// ExecTypes are linked in this order.
var ExecTypes = []ExecType{
	{"static", []string{"-static"}},
	{"dynamic", []string{"-Bdynamic"}},
	{"shared", []string{"-shared"}},
	{"pie", []string{"-pie"}},
}

// A SymType describes the symbol a test object refers to: which section holds
// the relocation, which symbol is referenced, and whether the shared library
// must be linked in.
type SymType struct {
	Name    string
	Text    bool // relocation applies to .text rather than .data
	Symbol  string
	Bind    elf.SymBind
	LinkLib bool
}

// SymTypes are linked in this order.
var SymTypes = []SymType{
	{Name: "undef", Symbol: "foo", Bind: elf.STB_WEAK},
	{Name: "dyndat", Symbol: "object", Bind: elf.STB_GLOBAL, LinkLib: true},
	{Name: "dynfun", Text: true, Symbol: "func", Bind: elf.STB_GLOBAL, LinkLib: true},
}

// LibBase returns the base file name of the shared library for an
// architecture.
func LibBase(a *arch.Arch) string {
	return "lib." + a.Name
}

// A Case is one link: an output kind, a symbol kind and a relocation.
type Case struct {
	Arch  *arch.Arch
	Exec  ExecType
	Sym   SymType
	Reloc string // relocation suffix, e.g. "ABS64"
}

// Name returns the case name, <exec>.<sym>.<reloc>.
func (c *Case) Name() string {
	return c.Exec.Name + "." + c.Sym.Name + "." + strings.ToLower(c.Reloc)
}

// Base returns the file name prefix of every file belonging to the case.
func (c *Case) Base() string {
	return "a." + c.Name()
}

// Output returns the file name of the linked output.
func (c *Case) Output() string {
	return c.Base() + ".out"
}

// Object builds the object description for the case. It returns the object
// and the relocation section holding the single relocation under test.
func (c *Case) Object() (*objyaml.Object, *objyaml.Section, error) {
	obj := objyaml.NewObject(c.Arch)
	sec := objyaml.DataSection(c.Arch)
	if c.Sym.Text {
		sec = objyaml.TextSection(c.Arch)
	}
	rel := objyaml.RelSection(c.Arch, sec)
	obj.AddSections(sec, rel)
	if err := obj.AddUndefSymbol(c.Arch, rel, c.Sym.Symbol, c.Reloc, c.Sym.Bind); err != nil {
		return nil, nil, err
	}
	return obj, rel, nil
}

// Command returns the linker command line for the case.
func (c *Case) Command(linkCmd []string, script string) []string {
	base := c.Base()
	cmd := append([]string{}, linkCmd...)
	cmd = append(cmd, c.Exec.Flags...)
	cmd = append(cmd,
		"-o", c.Output(),
		"-T", script,
		"-e", "0",
		"-Map="+base+".map",
		base+".o",
	)
	if c.Sym.LinkLib {
		cmd = append(cmd, LibBase(c.Arch)+".so")
	}
	return cmd
}

// Matrix returns every case for an architecture: output kinds outermost, then
// symbol kinds, then relocations.
func Matrix(a *arch.Arch) []*Case {
	cases := make([]*Case, 0, len(ExecTypes)*len(SymTypes)*len(a.Relocs))
	for _, e := range ExecTypes {
		for _, s := range SymTypes {
			for _, r := range a.Relocs {
				cases = append(cases, &Case{Arch: a, Exec: e, Sym: s, Reloc: r})
			}
		}
	}
	return cases
}

// SharedLibObject builds the object for the shared library that dynamic cases
// link against. It defines "object" in .data and "func" in .text.
func SharedLibObject(a *arch.Arch) *objyaml.Object {
	obj := objyaml.NewObject(a)
	for _, def := range []struct {
		name string
		typ  elf.SymType
		sec  *objyaml.Section
	}{
		{"object", elf.STT_OBJECT, objyaml.DataSection(a)},
		{"func", elf.STT_FUNC, objyaml.TextSection(a)},
	} {
		obj.AddSections(def.sec, objyaml.RelSection(a, def.sec))
		obj.AddSymbol(def.sec.Name, def.name, def.typ, elf.STB_GLOBAL)
	}
	return obj
}

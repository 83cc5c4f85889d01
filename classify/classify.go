// Package classify assigns coarse error categories to linker diagnostics.
package classify

import "regexp"

// A Substatus is a coarse classification of a failed link.
type Substatus string

const (
	None          Substatus = ""
	UnknownReloc  Substatus = "UNKNOWN_RELOC"
	StaticDynamic Substatus = "STATIC_DYNAMIC"
	NonPIC        Substatus = "NON_PIC"
	NonTLS        Substatus = "NON_TLS"
)

// A Rule maps diagnostics matching Pattern to Label.
type Rule struct {
	Label   Substatus
	Pattern *regexp.Regexp
}

// StatusRules is in priority order: the first rule that matches any message
// wins. The comment on each rule names the linkers that emit it.
var StatusRules = []Rule{
	{UnknownReloc, regexp.MustCompile(`Invalid (.+) reloc number`)},           // ld
	{UnknownReloc, regexp.MustCompile(`unrecognized relocation`)},             // ld
	{UnknownReloc, regexp.MustCompile(`unsupported relocation`)},              // ld
	{UnknownReloc, regexp.MustCompile(`unknown relocation`)},                  // lld
	{UnknownReloc, regexp.MustCompile(`Unsupported relocation`)},              // eld
	{UnknownReloc, regexp.MustCompile(`Unknown relocation`)},                  // eld
	{StaticDynamic, regexp.MustCompile(`static link of dynamic object`)},      // ld, lld
	{StaticDynamic, regexp.MustCompile(`shared objects with -static option`)}, // eld
	{NonPIC, regexp.MustCompile(`not be used when making a shared object`)},   // ld, lld
	{NonPIC, regexp.MustCompile(`recompile with -fPIC`)},                      // lld
	{NonTLS, regexp.MustCompile(`used with non-TLS symbol`)},                  // ld, lld
}

// HideRules match diagnostics that are noise when printed verbatim.
var HideRules = []*regexp.Regexp{
	regexp.MustCompile(`Warning: `), // eld warning
	regexp.MustCompile(`^ *[0-9]+`), // lld backtrace
}

// MatchRules evaluates rules top to bottom and returns the label of the first
// rule matching any of the messages.
func MatchRules(rules []Rule, messages []string) Substatus {
	for _, r := range rules {
		for _, m := range messages {
			if r.Pattern.MatchString(m) {
				return r.Label
			}
		}
	}
	return None
}

// Match classifies messages with StatusRules.
func Match(messages []string) Substatus {
	return MatchRules(StatusRules, messages)
}

// Hidden returns true if the line matches any of HideRules.
func Hidden(line string) bool {
	for _, p := range HideRules {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// Visible returns the messages that are not hidden, in order.
func Visible(messages []string) []string {
	var out []string
	for _, m := range messages {
		if !Hidden(m) {
			out = append(out, m)
		}
	}
	return out
}

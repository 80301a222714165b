// Package fingerprint derives a build fingerprint from the chunk filenames a
// page references. A fingerprint is the concatenation, in sorted chunk-name
// order, of the content-hash fragment found for each name ("main.abc123.js"
// contributes "abc123"). Missing chunks contribute an empty fragment, so an
// empty fingerprint is valid and means "nothing matched".
//
// Two extraction rules exist, one for the loaded page's script sources and
// one for the raw markup of a freshly fetched entry document. They differ on
// purpose (the page rule accepts dots and an ".async" marker inside the hash
// segment) and are configured independently.
package fingerprint

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Default extraction rules. %s is replaced by the regexp-quoted chunk name;
// the first capture group is the hash fragment.
const (
	DefaultLocalRule  = `\/%s\.([0-9a-f.]*)(\.async)?\.js`
	DefaultMarkupRule = `\/%s\.([0-9a-f]*)\.js"><\/script>`
)

// Rules holds the two extraction patterns. Empty fields fall back to the
// defaults.
type Rules struct {
	Local  string `yaml:"local"`
	Markup string `yaml:"markup"`
}

// DOM is a rendered document that can list its script sources in document
// order.
type DOM interface {
	ScriptSources(ctx context.Context) ([]string, error)
}

type chunk struct {
	name   string
	needle string
	local  *regexp.Regexp
	markup *regexp.Regexp
}

// Extractor computes fingerprints for a fixed set of chunk names.
type Extractor struct {
	names  []string
	chunks []chunk
}

// SortedNames returns a sorted copy of names.
func SortedNames(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// New compiles the rules for each chunk name. Names are sorted so the
// fingerprint does not depend on the caller's ordering.
func New(names []string, rules Rules) (*Extractor, error) {
	if rules.Local == "" {
		rules.Local = DefaultLocalRule
	}
	if rules.Markup == "" {
		rules.Markup = DefaultMarkupRule
	}

	sorted := SortedNames(names)
	e := &Extractor{names: sorted, chunks: make([]chunk, 0, len(sorted))}
	for _, name := range sorted {
		local, err := compileRule(rules.Local, name)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: local rule for %q: %w", name, err)
		}
		markup, err := compileRule(rules.Markup, name)
		if err != nil {
			return nil, fmt.Errorf("fingerprint: markup rule for %q: %w", name, err)
		}
		e.chunks = append(e.chunks, chunk{
			name:   name,
			needle: "/" + name + ".",
			local:  local,
			markup: markup,
		})
	}
	return e, nil
}

func compileRule(rule, name string) (*regexp.Regexp, error) {
	if strings.Count(rule, "%s") != 1 {
		return nil, fmt.Errorf("rule %q must contain exactly one %%s", rule)
	}
	re, err := regexp.Compile(fmt.Sprintf(rule, regexp.QuoteMeta(name)))
	if err != nil {
		return nil, err
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("rule %q has no capture group", rule)
	}
	return re, nil
}

// Names returns the sorted chunk names.
func (e *Extractor) Names() []string {
	return append([]string(nil), e.names...)
}

// FromScripts applies the local rule to script sources. For each name only
// the first source containing "/{name}." is considered.
func (e *Extractor) FromScripts(srcs []string) string {
	var b strings.Builder
	for _, c := range e.chunks {
		for _, src := range srcs {
			if !strings.Contains(src, c.needle) {
				continue
			}
			if m := c.local.FindStringSubmatch(src); m != nil {
				b.WriteString(m[1])
			}
			break
		}
	}
	return b.String()
}

// FromDOM lists the document's script sources and applies FromScripts.
func (e *Extractor) FromDOM(ctx context.Context, dom DOM) (string, error) {
	srcs, err := dom.ScriptSources(ctx)
	if err != nil {
		return "", fmt.Errorf("fingerprint: script sources: %w", err)
	}
	return e.FromScripts(srcs), nil
}

// FromMarkup applies the markup rule to raw entry-document text.
func (e *Extractor) FromMarkup(markup []byte) string {
	var b strings.Builder
	for _, c := range e.chunks {
		if m := c.markup.FindSubmatch(markup); m != nil {
			b.Write(m[1])
		}
	}
	return b.String()
}

// HasSkipMarker reports whether markup carries <meta name="{name}">, which
// marks the deployed build as not ready to be detected. An empty name never
// matches.
func HasSkipMarker(markup []byte, name string) bool {
	if name == "" {
		return false
	}
	re := regexp.MustCompile(`<meta[ ]+name=['"]` + regexp.QuoteMeta(name) + `["']`)
	return re.Match(markup)
}

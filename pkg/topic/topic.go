package topic

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Wildcard tokens. "*" matches exactly one segment, "#" matches zero or
// more whole segments and is only valid as the trailing token or as the
// entire pattern.
const (
	SingleWildcard = "*"
	MultiWildcard  = "#"
)

// Separator between topic segments
const Separator = "."

// Pattern is a compiled subscription pattern. Construct with Parse;
// a Pattern is immutable and safe for concurrent use.
type Pattern struct {
	raw      string
	segments []string
	exact    bool // no wildcards, match by string equality

	compileOnce sync.Once
	re          *regexp.Regexp
}

// Parse validates and compiles a subscription pattern.
//
// The regex is built segment by segment from the already-split pattern
// rather than by substituting wildcards into an escaped copy of the
// whole string: escaping first turns "*" into "\*" and the substitution
// pass then misses it, yielding a matcher that never matches. Splitting
// first sidesteps the ordering problem entirely.
func Parse(raw string) (*Pattern, error) {
	p := &Pattern{raw: raw}

	if !strings.Contains(raw, SingleWildcard) && !strings.Contains(raw, MultiWildcard) {
		p.exact = true
		return p, nil
	}

	segments := strings.Split(raw, Separator)
	for i, seg := range segments {
		switch {
		case seg == SingleWildcard:
			// ok anywhere
		case seg == MultiWildcard:
			if i != len(segments)-1 {
				return nil, fmt.Errorf("pattern %q: %q is only valid as the final segment", raw, MultiWildcard)
			}
		case strings.Contains(seg, SingleWildcard) || strings.Contains(seg, MultiWildcard):
			return nil, fmt.Errorf("pattern %q: wildcard must be a whole segment, got %q", raw, seg)
		}
	}
	p.segments = segments
	return p, nil
}

// MustParse is Parse that panics on invalid input, for constant patterns
func MustParse(raw string) *Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the raw pattern
func (p *Pattern) String() string {
	return p.raw
}

// Exact reports whether the pattern contains no wildcards
func (p *Pattern) Exact() bool {
	return p.exact
}

// Matches reports whether the pattern matches the concrete topic.
// Wildcard-free patterns match only the identical topic string and
// never touch the regex engine.
func (p *Pattern) Matches(topic string) bool {
	if p.exact {
		return p.raw == topic
	}
	p.compileOnce.Do(func() {
		p.re = p.compile()
	})
	return p.re.MatchString(topic)
}

func (p *Pattern) compile() *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	for i, seg := range p.segments {
		switch seg {
		case SingleWildcard:
			if i > 0 {
				b.WriteString(`\.`)
			}
			b.WriteString(`[^.]+`)
		case MultiWildcard:
			// Zero or more whole segments: "devices.#" must match the
			// bare prefix "devices", so the separator is folded into
			// the optional group.
			if i > 0 {
				b.WriteString(`(\.[^.]+)*`)
			} else {
				b.WriteString(`.*`)
			}
		default:
			if i > 0 {
				b.WriteString(`\.`)
			}
			b.WriteString(regexp.QuoteMeta(seg))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

// cache holds compiled patterns for the lifetime of the process,
// keyed by raw pattern string.
var cache sync.Map // string -> *Pattern

// Match evaluates pattern against topic using the process-wide pattern
// cache. Invalid patterns match nothing.
func Match(pattern, topic string) bool {
	if v, ok := cache.Load(pattern); ok {
		return v.(*Pattern).Matches(topic)
	}
	p, err := Parse(pattern)
	if err != nil {
		return false
	}
	v, _ := cache.LoadOrStore(pattern, p)
	return v.(*Pattern).Matches(topic)
}

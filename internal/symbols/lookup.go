package symbols

import (
	"strings"

	"github.com/strobe-dev/strobe/internal/pattern"
	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// FindByPattern resolves a pattern against the qualified-name table.
// "@file:<substr>" and "@usercode" are handled here since they need the
// function table itself rather than pure string matching; everything else
// goes through the pattern package's glob matcher using sep as the
// segment separator.
func (p *Parser) FindByPattern(pat, sep, projectRoot string) ([]FunctionInfo, error) {
	switch {
	case pat == "@usercode":
		return p.UserCodeFunctions(projectRoot), nil
	case strings.HasPrefix(pat, "@file:"):
		substr := strings.TrimPrefix(pat, "@file:")
		if substr == "" {
			return nil, strobeerr.InvalidPattern(pat, "@file: requires a non-empty substring")
		}
		return p.FindBySourceFile(substr), nil
	case pat == "":
		return nil, strobeerr.InvalidPattern(pat, "pattern is empty")
	}

	m := pattern.New(sep)
	var out []FunctionInfo
	for _, f := range p.Functions {
		if m.Match(pat, f.Name) {
			out = append(out, f)
		}
	}
	return out, nil
}

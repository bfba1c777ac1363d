package symbols

import "strings"

// FunctionInfo describes one DWARF subprogram.
type FunctionInfo struct {
	Name       string // demangled, qualified
	NameRaw    string // original mangled form, set only when demangling changed it
	LowPC      uint64
	HighPC     uint64
	SourceFile string
	Line       int
}

// ContainsAddress reports whether addr (already rebased by the image base)
// falls within this function's [LowPC, HighPC) range.
func (f FunctionInfo) ContainsAddress(addr uint64) bool {
	return addr >= f.LowPC && addr < f.HighPC
}

// IsUserCode reports whether the function's declaring file is under
// projectRoot.
func (f FunctionInfo) IsUserCode(projectRoot string) bool {
	if f.SourceFile == "" || projectRoot == "" {
		return false
	}
	return strings.HasPrefix(f.SourceFile, projectRoot)
}

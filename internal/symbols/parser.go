package symbols

import (
	"debug/dwarf"
	"debug/elf"
	"debug/macho"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// LineRow is one row of a compilation unit's line-number program: the
// lowest address known to execute the given (file, line).
type LineRow struct {
	Address uint64
	File    string
	Line    int
}

// Parser holds the three products of a single DWARF parse: the flat
// function table, a name index over it, and the line table used for
// breakpoint and variable address resolution.
type Parser struct {
	Functions       []FunctionInfo
	functionsByName map[string][]int
	lines           []LineRow // sorted by Address
	data            *dwarf.Data
}

// Parse opens binaryPath and extracts its DWARF debug information. If the
// binary itself carries no debug sections, Parse falls back to a sibling
// ".dSYM" bundle (the macOS convention for separated debug info) before
// giving up with strobeerr.CodeNoDebugSymbols.
func Parse(binaryPath string) (*Parser, error) {
	data, err := loadDWARF(binaryPath)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, strobeerr.New(strobeerr.CodeNoDebugSymbols, "no debug sections in %s or its dSYM bundle", binaryPath)
	}

	p := &Parser{functionsByName: make(map[string][]int), data: data}
	if err := p.loadFunctions(data); err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	if err := p.loadLines(data); err != nil {
		return nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
	}
	return p, nil
}

func loadDWARF(binaryPath string) (*dwarf.Data, error) {
	if d, err := dwarfFromFile(binaryPath); err == nil && d != nil {
		return d, nil
	}

	// macOS: debug info is commonly stripped into a .dSYM bundle next to
	// the binary rather than kept in-place.
	dsym := binaryPath + ".dSYM"
	name := filepath.Base(binaryPath)
	candidate := filepath.Join(dsym, "Contents", "Resources", "DWARF", name)
	if _, err := os.Stat(candidate); err == nil {
		return dwarfFromFile(candidate)
	}
	return nil, nil
}

func dwarfFromFile(path string) (*dwarf.Data, error) {
	if f, err := elf.Open(path); err == nil {
		defer f.Close()
		return f.DWARF()
	}
	if f, err := macho.Open(path); err == nil {
		defer f.Close()
		return f.DWARF()
	}
	return nil, fmt.Errorf("unsupported binary format: %s", path)
}

// ExtractImageBase reads only the text-segment load address — the cheap
// operation spawn-time needs to rebase DWARF addresses under ASLR without
// paying for a full DWARF parse.
func ExtractImageBase(binaryPath string) (uint64, error) {
	if f, err := elf.Open(binaryPath); err == nil {
		defer f.Close()
		for _, prog := range f.Progs {
			if prog.Type == elf.PT_LOAD && prog.Flags&elf.PF_X != 0 {
				return prog.Vaddr, nil
			}
		}
		return 0, nil
	}
	if f, err := macho.Open(binaryPath); err == nil {
		defer f.Close()
		if seg := f.Segment("__TEXT"); seg != nil {
			return seg.Addr, nil
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unsupported binary format: %s", binaryPath)
}

func (p *Parser) loadFunctions(data *dwarf.Data) error {
	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		rawName, _ := entry.Val(dwarf.AttrName).(string)
		if rawName == "" {
			continue
		}
		lowPC, lowOK := addrAttr(entry, dwarf.AttrLowpc)
		if !lowOK {
			continue
		}
		highPC, highOK := highPCAttr(entry, lowPC)
		if !highOK {
			continue
		}

		sourceFile, _ := entry.Val(dwarf.AttrDeclFile).(int64)
		line, _ := entry.Val(dwarf.AttrDeclLine).(int64)

		name := Demangle(rawName)
		var raw string
		if name != rawName {
			raw = rawName
		}

		p.Functions = append(p.Functions, FunctionInfo{
			Name:       name,
			NameRaw:    raw,
			LowPC:      lowPC,
			HighPC:     highPC,
			SourceFile: fileNameForIndex(data, entry, sourceFile),
			Line:       int(line),
		})
	}

	for i, f := range p.Functions {
		p.functionsByName[f.Name] = append(p.functionsByName[f.Name], i)
	}
	return nil
}

func addrAttr(entry *dwarf.Entry, attr dwarf.Attr) (uint64, bool) {
	v := entry.Val(attr)
	if v == nil {
		return 0, false
	}
	addr, ok := v.(uint64)
	return addr, ok
}

// highPCAttr resolves DW_AT_high_pc, which DWARF4+ may encode either as an
// absolute address or as an offset from low_pc.
func highPCAttr(entry *dwarf.Entry, lowPC uint64) (uint64, bool) {
	field := entry.AttrField(dwarf.AttrHighpc)
	if field == nil {
		return 0, false
	}
	switch v := field.Val.(type) {
	case uint64:
		if field.Class == dwarf.ClassAddress {
			return v, true
		}
		return lowPC + v, true
	case int64:
		return lowPC + uint64(v), true
	}
	return 0, false
}

func fileNameForIndex(data *dwarf.Data, entry *dwarf.Entry, idx int64) string {
	if idx == 0 {
		return ""
	}
	lr, err := data.LineReader(entry)
	if err != nil || lr == nil {
		return ""
	}
	files := lr.Files()
	if int(idx) < 0 || int(idx) >= len(files) || files[idx] == nil {
		return ""
	}
	return files[idx].Name
}

func (p *Parser) loadLines(data *dwarf.Data) error {
	reader := data.Reader()
	seen := make(map[*dwarf.Entry]bool)
	for {
		entry, err := reader.Next()
		if err != nil {
			return err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit || seen[entry] {
			continue
		}
		seen[entry] = true

		lr, err := data.LineReader(entry)
		if err != nil || lr == nil {
			continue
		}
		var row dwarf.LineEntry
		for {
			if err := lr.Next(&row); err != nil {
				break
			}
			if row.IsStmt && !row.EndSequence {
				p.lines = append(p.lines, LineRow{
					Address: row.Address,
					File:    row.File.Name,
					Line:    row.Line,
				})
			}
		}
	}
	sort.Slice(p.lines, func(i, j int) bool { return p.lines[i].Address < p.lines[j].Address })
	return nil
}

// FindByName returns every function whose qualified name equals name;
// overloads share one bucket.
func (p *Parser) FindByName(name string) []FunctionInfo {
	idxs := p.functionsByName[name]
	out := make([]FunctionInfo, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, p.Functions[i])
	}
	return out
}

// FindBySourceFile returns functions whose declaring file contains substr.
func (p *Parser) FindBySourceFile(substr string) []FunctionInfo {
	var out []FunctionInfo
	for _, f := range p.Functions {
		if strings.Contains(f.SourceFile, substr) {
			out = append(out, f)
		}
	}
	return out
}

// UserCodeFunctions returns functions whose source file is under
// projectRoot.
func (p *Parser) UserCodeFunctions(projectRoot string) []FunctionInfo {
	var out []FunctionInfo
	for _, f := range p.Functions {
		if f.IsUserCode(projectRoot) {
			out = append(out, f)
		}
	}
	return out
}

// FunctionAtAddress returns the function whose [LowPC, HighPC) range
// contains addr, the zero value otherwise.
func (p *Parser) FunctionAtAddress(addr uint64) (FunctionInfo, bool) {
	for _, f := range p.Functions {
		if f.ContainsAddress(addr) {
			return f, true
		}
	}
	return FunctionInfo{}, false
}

// NextLineAddress returns the address of the next line-table row strictly
// after pc that still falls inside fn's range, for step-over: "the next
// source line in the same function". Returns ok=false when pc is on the
// function's last line, so the caller should fall back to step-out.
func (p *Parser) NextLineAddress(fn FunctionInfo, pc uint64) (address uint64, ok bool) {
	for _, row := range p.lines {
		if row.Address > pc && fn.ContainsAddress(row.Address) {
			return row.Address, true
		}
	}
	return 0, false
}

// ResolveLine finds the nearest covering row in the line table for
// (file, line): the first executable line at or after the requested one,
// in the same file. If no such row exists, nearby candidate lines are
// returned so the caller can suggest a retry.
func (p *Parser) ResolveLine(file string, line int) (address uint64, actualLine int, nearest []int, ok bool) {
	best := -1
	var nearbyLines []int
	for _, row := range p.lines {
		if !strings.HasSuffix(row.File, file) && !strings.HasSuffix(file, row.File) {
			continue
		}
		nearbyLines = append(nearbyLines, row.Line)
		if row.Line >= line && (best == -1 || row.Line < p.lines[best].Line) {
			best = indexOfRow(p.lines, row)
		}
	}
	if best == -1 {
		sort.Ints(nearbyLines)
		return 0, 0, uniqueNearest(nearbyLines, line, 5), false
	}
	row := p.lines[best]
	return row.Address, row.Line, nil, true
}

func indexOfRow(rows []LineRow, target LineRow) int {
	for i, r := range rows {
		if r == target {
			return i
		}
	}
	return -1
}

func uniqueNearest(sorted []int, around, limit int) []int {
	seen := make(map[int]bool)
	var out []int
	for _, l := range sorted {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	dist := func(l int) int {
		if l < around {
			return around - l
		}
		return l - around
	}
	sort.SliceStable(out, func(i, j int) bool { return dist(out[i]) < dist(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	sort.Ints(out)
	return out
}

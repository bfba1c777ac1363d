package symbols

import (
	"debug/dwarf"
	"strings"

	"github.com/strobe-dev/strobe/internal/strobeerr"
)

// TypeKind classifies a resolved variable's primitive representation for
// the purposes of formatting a read and validating a write.
type TypeKind string

const (
	TypeSignedInt   TypeKind = "signed-int"
	TypeUnsignedInt TypeKind = "unsigned-int"
	TypeFloat       TypeKind = "float"
	TypePointer     TypeKind = "pointer"
	TypeUnknown     TypeKind = "unknown"
)

// WatchRecipe is a precomputed read/write plan: a base address plus a
// chain of byte offsets to apply as successive pointer dereferences,
// avoiding a DWARF re-walk on every access.
type WatchRecipe struct {
	BaseAddress uint64
	DerefChain  []int64
	FinalSize   int
	TypeKind    TypeKind
	TypeName    string
}

// ResolveWatchExpression parses the limited grammar
// "ident(->ident|.ident)*" against the DWARF info for the function
// enclosing pc, producing a WatchRecipe. "->" and "." are both field
// selectors here (the distinction matters to a human reading C, not to
// the byte-offset chain this recipe records); the pointer star implied by
// "->" is inferred from the preceding identifier's declared type kind.
func (p *Parser) ResolveWatchExpression(fn FunctionInfo, pc uint64, expr string) (*WatchRecipe, error) {
	if p.data == nil {
		return nil, strobeerr.New(strobeerr.CodeInternal, "DWARF data not retained for variable resolution")
	}
	idents, ok := splitIdentChain(expr)
	if !ok || len(idents) == 0 {
		return nil, strobeerr.Validation("malformed watch expression %q", expr)
	}

	entry, cu, err := p.findSubprogramEntry(fn)
	if err != nil {
		return nil, err
	}

	base, baseType, err := p.findLocalOrGlobal(entry, cu, idents[0], pc)
	if err != nil {
		return nil, err
	}

	recipe := &WatchRecipe{BaseAddress: base}
	typ := baseType
	for _, field := range idents[1:] {
		typ = derefPointer(typ)
		structType, ok := typ.(*dwarf.StructType)
		if !ok {
			return nil, strobeerr.New(strobeerr.CodeOptimizedOut, "%s is not a struct/union at %q", field, expr)
		}
		member := findMember(structType, field)
		if member == nil {
			return nil, strobeerr.OptimizedOut(expr)
		}
		recipe.DerefChain = append(recipe.DerefChain, member.ByteOffset)
		typ = member.Type
	}

	recipe.FinalSize = int(typeSize(typ))
	recipe.TypeKind = classifyType(typ)
	recipe.TypeName = typeName(typ)
	return recipe, nil
}

func splitIdentChain(expr string) ([]string, bool) {
	normalized := strings.ReplaceAll(expr, "->", ".")
	parts := strings.Split(normalized, ".")
	for _, p := range parts {
		if p == "" || !isIdent(p) {
			return nil, false
		}
	}
	return parts, true
}

func isIdent(s string) bool {
	for i, r := range s {
		isLetter := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		isDigit := r >= '0' && r <= '9'
		if i == 0 && !isLetter {
			return false
		}
		if !isLetter && !isDigit {
			return false
		}
	}
	return len(s) > 0
}

func (p *Parser) findSubprogramEntry(fn FunctionInfo) (*dwarf.Entry, *dwarf.Entry, error) {
	reader := p.data.Reader()
	var cu *dwarf.Entry
	for {
		entry, err := reader.Next()
		if err != nil {
			return nil, nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagCompileUnit {
			cu = entry
		}
		if entry.Tag == dwarf.TagSubprogram {
			name, _ := entry.Val(dwarf.AttrName).(string)
			if Demangle(name) == fn.Name {
				return entry, cu, nil
			}
		}
	}
	return nil, nil, strobeerr.New(strobeerr.CodeInternal, "enclosing subprogram for %s not found on second pass", fn.Name)
}

// findLocalOrGlobal looks for a formal parameter or local variable named
// ident within the subprogram's children. File-scope variables of the
// compile unit are not searched; cu is unused.
func (p *Parser) findLocalOrGlobal(fnEntry, cu *dwarf.Entry, ident string, pc uint64) (uint64, dwarf.Type, error) {
	reader := p.data.Reader()
	reader.Seek(fnEntry.Offset)
	reader.Next() // consume the subprogram entry itself, descend into children

	depth := 1
	for depth > 0 {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}
		if entry.Tag == 0 {
			depth--
			continue
		}
		if entry.Children {
			depth++
		}
		if entry.Tag != dwarf.TagVariable && entry.Tag != dwarf.TagFormalParameter {
			continue
		}
		name, _ := entry.Val(dwarf.AttrName).(string)
		if name != ident {
			continue
		}
		addr, ok := p.locationAddress(entry)
		if !ok {
			return 0, nil, strobeerr.OptimizedOut(ident)
		}
		typ, err := p.data.Type(entry.Val(dwarf.AttrType).(dwarf.Offset))
		if err != nil {
			return 0, nil, strobeerr.Wrap(strobeerr.CodeInternal, err)
		}
		return addr, typ, nil
	}

	return 0, nil, strobeerr.OptimizedOut(ident)
}

// locationAddress extracts a static address from DW_AT_location when it is
// the simple single-opcode DW_OP_addr form. Frame-relative (DW_OP_fbreg)
// locations require a live frame base this offline resolver does not have
// and are reported as optimized-out-here rather than guessed at.
func (p *Parser) locationAddress(entry *dwarf.Entry) (uint64, bool) {
	loc, ok := entry.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) == 0 {
		return 0, false
	}
	const opAddr = 0x03
	if loc[0] != opAddr || len(loc) < 9 {
		return 0, false
	}
	var addr uint64
	for i := 0; i < 8; i++ {
		addr |= uint64(loc[1+i]) << (8 * i)
	}
	return addr, true
}

func derefPointer(t dwarf.Type) dwarf.Type {
	if ptr, ok := t.(*dwarf.PtrType); ok {
		return ptr.Type
	}
	return t
}

func findMember(s *dwarf.StructType, name string) *dwarf.StructField {
	for _, f := range s.Field {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func typeSize(t dwarf.Type) int64 {
	if t == nil {
		return 0
	}
	return t.Size()
}

func typeName(t dwarf.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

func classifyType(t dwarf.Type) TypeKind {
	switch v := t.(type) {
	case *dwarf.PtrType:
		return TypePointer
	case *dwarf.IntType:
		if v.Common().Name != "" && strings.Contains(strings.ToLower(v.Common().Name), "unsigned") {
			return TypeUnsignedInt
		}
		return TypeSignedInt
	case *dwarf.UintType:
		return TypeUnsignedInt
	case *dwarf.FloatType:
		return TypeFloat
	default:
		return TypeUnknown
	}
}

package symbols

import "testing"

func testParser() *Parser {
	p := &Parser{functionsByName: make(map[string][]int)}
	p.Functions = []FunctionInfo{
		{Name: "audio::process_buffer", SourceFile: "/repo/src/audio.cpp", Line: 10, LowPC: 0x100, HighPC: 0x140},
		{Name: "audio::dsp::filter", SourceFile: "/repo/src/dsp.cpp", Line: 20, LowPC: 0x140, HighPC: 0x180},
		{Name: "net::send", SourceFile: "/vendor/net.cpp", Line: 5, LowPC: 0x180, HighPC: 0x1c0},
	}
	for i, f := range p.Functions {
		p.functionsByName[f.Name] = append(p.functionsByName[f.Name], i)
	}
	return p
}

func TestFindByPatternUserCode(t *testing.T) {
	p := testParser()
	got, err := p.FindByPattern("@usercode", "::", "/repo")
	if err != nil {
		t.Fatalf("FindByPattern error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 user-code functions, got %d", len(got))
	}
}

func TestFindByPatternFile(t *testing.T) {
	p := testParser()
	got, err := p.FindByPattern("@file:dsp.cpp", "::", "/repo")
	if err != nil {
		t.Fatalf("FindByPattern error = %v", err)
	}
	if len(got) != 1 || got[0].Name != "audio::dsp::filter" {
		t.Fatalf("unexpected result: %+v", got)
	}
}

func TestFindByPatternGlob(t *testing.T) {
	p := testParser()
	got, err := p.FindByPattern("audio::**", "::", "/repo")
	if err != nil {
		t.Fatalf("FindByPattern error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 matches under audio::**, got %d", len(got))
	}
}

func TestFindByPatternRejectsEmpty(t *testing.T) {
	p := testParser()
	if _, err := p.FindByPattern("", "::", "/repo"); err == nil {
		t.Fatalf("expected error for empty pattern")
	}
}

func TestFindByNameBucketsOverloads(t *testing.T) {
	p := testParser()
	p.Functions = append(p.Functions, FunctionInfo{Name: "audio::process_buffer", LowPC: 0x200, HighPC: 0x210})
	p.functionsByName["audio::process_buffer"] = append(p.functionsByName["audio::process_buffer"], len(p.Functions)-1)

	got := p.FindByName("audio::process_buffer")
	if len(got) != 2 {
		t.Fatalf("expected 2 overloads, got %d", len(got))
	}
}

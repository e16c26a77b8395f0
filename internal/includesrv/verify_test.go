package includesrv

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
)

func TestParseMakeDeps(t *testing.T) {
	dotd := "main.o: main.c b.h \\\n  c.h\n"
	got := parseMakeDeps(dotd)
	want := []string{"main.c", "b.h", "c.h"}
	if len(got) != len(want) {
		t.Fatalf("parseMakeDeps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("parseMakeDeps = %v, want %v", got, want)
		}
	}
}

func TestStripOutputOption(t *testing.T) {
	cases := [][2][]string{
		{{"-c", "-o", "main.o", "main.c"}, {"-c", "main.c"}},
		{{"-c", "-omain.o", "main.c"}, {"-c", "main.c"}},
		{{"-c", "main.c"}, {"-c", "main.c"}},
	}
	for _, c := range cases {
		got := stripOutputOption(c[0])
		if len(got) != len(c[1]) {
			t.Fatalf("stripOutputOption(%v) = %v, want %v", c[0], got, c[1])
		}
		for i := range c[1] {
			if got[i] != c[1][i] {
				t.Fatalf("stripOutputOption(%v) = %v, want %v", c[0], got, c[1])
			}
		}
	}
}

func TestVerifyExactDependenciesReportsOnlyMissing(t *testing.T) {
	closure := []string{"/a/main.c", "/a/b.h"}
	exact := map[string]bool{"/a/main.c": true, "/a/b.h": true, "/a/c.h": true}

	warnings := verifyExactDependencies(closure, exact)
	if len(warnings) != 1 {
		t.Fatalf("expected exactly one warning for the missing dependency, got %v", warnings)
	}

	exact2 := map[string]bool{"/a/main.c": true, "/a/b.h": true}
	if w := verifyExactDependencies(closure, exact2); len(w) != 0 {
		t.Fatalf("expected no warnings when the exact set is a subset of the closure, got %v", w)
	}
}

func TestWriteClosureFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.d_approx")
	realpaths := []string{"/a/main.c", "/a/b.h"}

	if err := writeClosureFile(path, realpaths); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(raw)
	want := "/a/main.c\n/a/b.h\n"
	if got != want {
		t.Fatalf("writeClosureFile content = %q, want %q", got, want)
	}
}

func TestAnalyzerWritesIncludeClosureFile(t *testing.T) {
	project := t.TempDir()
	mainC := filepath.Join(project, "main.c")
	bH := filepath.Join(project, "b.h")
	if err := os.WriteFile(mainC, []byte(`#include "b.h"
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bH, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	closureDir := t.TempDir()
	a := newTestAnalyzer(t)
	a.cfg.WriteIncludeClosure = closureDir

	if _, err := a.ProcessCompilationCommand(project, []string{"gcc", "-nostdinc", "-c", "main.c"}); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(filepath.Join(closureDir, "main.c.d_approx"))
	if err != nil {
		t.Fatalf("expected a .d_approx closure file to be written: %v", err)
	}
	lines := string(raw)
	wantMain, _ := filepath.EvalSymlinks(mainC)
	wantB, _ := filepath.EvalSymlinks(bH)
	if !containsLine(lines, wantMain) || !containsLine(lines, wantB) {
		t.Fatalf("expected the written closure to list both main.c and b.h, got %q", lines)
	}
}

func containsLine(text, line string) bool {
	lines := make([]string, 0)
	start := 0
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			lines = append(lines, text[start:i])
			start = i + 1
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if l == line {
			return true
		}
	}
	return false
}

package includesrv

import (
	"sort"
	"testing"
	"time"
)

func TestEvalExpressionAlwaysIncludesTheLiteral(t *testing.T) {
	symtab := NewSymbolTable()
	got := EvalExpression(`"foo.h"`, symtab)
	if !contains(got, `"foo.h"`) {
		t.Fatalf("EvalExpression must over-approximate by keeping the unexpanded literal, got %v", got)
	}
}

func TestEvalExpressionObjectLikeMacro(t *testing.T) {
	symtab := NewSymbolTable()
	symtab.Define("HDR", MacroDef{Body: `"expanded.h"`})

	got := EvalExpression("HDR", symtab)
	sort.Strings(got)

	want := []string{`"expanded.h"`, "HDR"}
	sort.Strings(want)
	if !equalStringSlices(got, want) {
		t.Fatalf("EvalExpression(HDR) = %v, want %v", got, want)
	}
}

func TestEvalExpressionFunctionLikeMacro(t *testing.T) {
	symtab := NewSymbolTable()
	symtab.Define("JOIN", MacroDef{FunctionLike: true, Params: []string{"a"}, Body: `"a" a`})

	got := EvalExpression(`JOIN(foo)`, symtab)
	if !contains(got, `"a" foo`) {
		t.Fatalf("expected the substituted body among expansions, got %v", got)
	}
}

func TestEvalExpressionSelfReferenceDoesNotRecurseForever(t *testing.T) {
	symtab := NewSymbolTable()
	symtab.Define("A", MacroDef{Body: "A"})

	done := make(chan []string, 1)
	go func() { done <- EvalExpression("A", symtab) }()

	select {
	case got := <-done:
		if !contains(got, "A") {
			t.Fatalf("expected the unexpanded identifier to survive, got %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("EvalExpression did not terminate on a self-referential macro")
	}
}

func TestResolveExprSplitsCandidatesAndSymbols(t *testing.T) {
	symtab := NewSymbolTable()
	symtab.Define("HDR", MacroDef{Body: `<stdio.h>`})

	candidates, symbols := ResolveExpr("HDR", symtab)

	foundAngle := false
	for _, c := range candidates {
		if !c.IsQuote && c.Path == "stdio.h" {
			foundAngle = true
		}
	}
	if !foundAngle {
		t.Fatalf("expected an angle candidate stdio.h among %v", candidates)
	}
	if !symbols["HDR"] {
		t.Fatalf("expected HDR to be recorded as a referenced symbol, got %v", symbols)
	}
}

func TestSymbolTableDefineFiresCallback(t *testing.T) {
	symtab := NewSymbolTable()
	var fired []string
	symtab.OnDefine(func(name string) { fired = append(fired, name) })

	symtab.Define("FOO", MacroDef{Body: "1"})
	symtab.Define("BAR", MacroDef{Body: "2"})

	want := []string{"FOO", "BAR"}
	if !equalStringSlices(fired, want) {
		t.Fatalf("callback fired with %v, want %v", fired, want)
	}
}

func contains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func equalStringSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package includesrv

import (
	"os"
	"path/filepath"
	"testing"
)

type testGraph struct {
	dirs       *DirectoryMap
	incs       *IncludePathMap
	reals      *RealpathMap
	can        *Canonicalizer
	statCache  *BuildStatCache
	systemdirs *SystemdirPrefixCache
	graph      *Graph
}

func newTestGraph() *testGraph {
	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(false)
	can := NewCanonicalizer()
	reals := NewRealpathMap(can)
	statCache := NewBuildStatCache(dirs, incs, reals)
	dirnameCache := NewDirnameCache(dirs, incs, can)
	systemdirs := NewSystemdirPrefixCache(reals, nil)
	symtab := NewSymbolTable()
	unionCache := NewUnionCache()
	support := NewSupportMaster(unionCache)
	symtab.OnDefine(support.InvalidateSymbol)
	graph := NewGraph(dirs, incs, reals, can, statCache, dirnameCache, systemdirs, symtab, unionCache, support, nil, nil)
	return &testGraph{dirs: dirs, incs: incs, reals: reals, can: can, statCache: statCache, systemdirs: systemdirs, graph: graph}
}

// resolveRoot mimics analyzer.process's handling of the translation unit:
// interned via InternArgvPath and resolved against an empty search list.
func (tg *testGraph) resolveRoot(t *testing.T, cfg *graphConfig, currdir PathID, path string) NodeId {
	t.Helper()
	tuID := tg.incs.InternArgvPath(path)
	pair, realID, ok := tg.statCache.Resolve(tuID, currdir, tg.dirs.Intern(""), nil)
	if !ok {
		t.Fatalf("could not resolve root file %s", path)
	}
	nid, err := tg.graph.findResolvedNode(cfg, nodeKey{mode: modeResolved, resolvedPair: pair}, realID)
	if err != nil {
		t.Fatalf("findResolvedNode(%s): %v", path, err)
	}
	return nid
}

func TestGraphClosureIncludesQuoteAndAngleChildren(t *testing.T) {
	base := t.TempDir()
	project := filepath.Join(base, "project")
	sysdir := filepath.Join(base, "sys")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sysdir, 0o755); err != nil {
		t.Fatal(err)
	}

	mainC := filepath.Join(project, "main.c")
	bH := filepath.Join(project, "b.h")
	cH := filepath.Join(sysdir, "c.h")

	if err := os.WriteFile(mainC, []byte(`#include "b.h"
#include <c.h>
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(bH, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cH, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tg := newTestGraph()
	currdir := tg.dirs.Intern(project)
	angleID := tg.dirs.Intern(sysdir)
	cfg := tg.graph.ConfigFor(currdir, nil, []PathID{angleID})

	root := tg.resolveRoot(t, cfg, currdir, mainC)
	closure := tg.graph.Traverse([]NodeId{root}, tg.dirs, tg.reals)

	wantB, _ := filepath.EvalSymlinks(bH)
	wantC, _ := filepath.EvalSymlinks(cH)
	wantMain, _ := filepath.EvalSymlinks(mainC)

	if !contains(closure.Realpaths, wantMain) {
		t.Fatalf("expected the translation unit itself in the closure, got %v", closure.Realpaths)
	}
	if !contains(closure.Realpaths, wantB) {
		t.Fatalf("expected the quote-included header in the closure, got %v", closure.Realpaths)
	}
	if !contains(closure.Realpaths, wantC) {
		t.Fatalf("expected the angle-included header in the closure, got %v", closure.Realpaths)
	}
}

func TestGraphClosureExcludesSystemDirs(t *testing.T) {
	base := t.TempDir()
	project := filepath.Join(base, "project")
	sysdir := filepath.Join(base, "sys")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(sysdir, 0o755); err != nil {
		t.Fatal(err)
	}

	mainC := filepath.Join(project, "main.c")
	cH := filepath.Join(sysdir, "c.h")
	if err := os.WriteFile(mainC, []byte("#include <c.h>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cH, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tg := newTestGraph()
	tg.systemdirs.Reset([]string{sysdir})

	currdir := tg.dirs.Intern(project)
	angleID := tg.dirs.Intern(sysdir)
	cfg := tg.graph.ConfigFor(currdir, nil, []PathID{angleID})

	root := tg.resolveRoot(t, cfg, currdir, mainC)
	closure := tg.graph.Traverse([]NodeId{root}, tg.dirs, tg.reals)

	wantC, _ := filepath.EvalSymlinks(cH)
	if contains(closure.Realpaths, wantC) {
		t.Fatalf("expected a header under a default system dir to be excluded from the closure, got %v", closure.Realpaths)
	}
}

func TestGraphFindNodeMemoizesIdenticalConfig(t *testing.T) {
	base := t.TempDir()
	project := filepath.Join(base, "project")
	if err := os.MkdirAll(project, 0o755); err != nil {
		t.Fatal(err)
	}
	bH := filepath.Join(project, "b.h")
	if err := os.WriteFile(bH, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	tg := newTestGraph()
	currdir := tg.dirs.Intern(project)
	cfg := tg.graph.ConfigFor(currdir, nil, nil)

	ipID, ok := tg.incs.Intern("b.h")
	if !ok {
		t.Fatal("expected b.h to be a valid relative include")
	}
	key := nodeKey{mode: modeQuote, includePathID: ipID, includingDirID: currdir}

	n1, err := tg.graph.FindNode(cfg, key)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := tg.graph.FindNode(cfg, key)
	if err != nil {
		t.Fatal(err)
	}
	if n1 != n2 {
		t.Fatalf("expected FindNode to return the memoized node id, got %v and %v", n1, n2)
	}
}

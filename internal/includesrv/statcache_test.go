package includesrv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildStatCacheResolveFirstMatchWins(t *testing.T) {
	dir := t.TempDir()
	searchA := filepath.Join(dir, "a")
	searchB := filepath.Join(dir, "b")
	if err := os.MkdirAll(searchA, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(searchB, 0o755); err != nil {
		t.Fatal(err)
	}
	// foo.h only exists under searchB.
	if err := os.WriteFile(filepath.Join(searchB, "foo.h"), nil, 0o644); err != nil {
		t.Fatal(err)
	}

	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(false)
	reals := NewRealpathMap(NewCanonicalizer())
	cache := NewBuildStatCache(dirs, incs, reals)

	incID, _ := incs.Intern("foo.h")
	currdir := dirs.Intern(dir)
	aID := dirs.Intern(searchA)
	bID := dirs.Intern(searchB)

	pair, realID, ok := cache.Resolve(incID, currdir, NullID, []PathID{aID, bID})
	if !ok {
		t.Fatal("expected foo.h to resolve under searchB")
	}
	if pair.SearchDir != bID {
		t.Fatalf("resolved SearchDir = %v, want searchB's id", pair.SearchDir)
	}
	if reals.String(realID) == "" {
		t.Fatal("expected a non-empty realpath")
	}
}

func TestBuildStatCacheResolveNotFound(t *testing.T) {
	dir := t.TempDir()
	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(false)
	reals := NewRealpathMap(NewCanonicalizer())
	cache := NewBuildStatCache(dirs, incs, reals)

	incID, _ := incs.Intern("missing.h")
	currdir := dirs.Intern(dir)
	searchID := dirs.Intern(dir)

	if _, _, ok := cache.Resolve(incID, currdir, NullID, []PathID{searchID}); ok {
		t.Fatal("expected resolution to fail for a file that doesn't exist")
	}
}

func TestBuildStatCacheResolveCachesAbsentAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(false)
	reals := NewRealpathMap(NewCanonicalizer())
	cache := NewBuildStatCache(dirs, incs, reals)

	incID, _ := incs.Intern("late.h")
	currdir := dirs.Intern(dir)
	searchID := dirs.Intern(dir)

	if _, _, ok := cache.Resolve(incID, currdir, NullID, []PathID{searchID}); ok {
		t.Fatal("expected absent before the file is created")
	}

	// Create the file after the cache already memoized "absent" — per
	// spec.md §4.8 the cache is only invalidated wholesale on a
	// generation reset, not incrementally.
	if err := os.WriteFile(filepath.Join(dir, "late.h"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := cache.Resolve(incID, currdir, NullID, []PathID{searchID}); ok {
		t.Fatal("expected the cached absent answer to stick until Reset")
	}

	cache.Reset()
	if _, _, ok := cache.Resolve(incID, currdir, NullID, []PathID{searchID}); !ok {
		t.Fatal("expected Reset to allow the now-present file to be found")
	}
}

func TestBuildStatCacheResolveRejectsAbsoluteIncludeEvenWhenUnsafe(t *testing.T) {
	// A real file that would resolve if Join's string concatenation were
	// trusted: searchdir "" (interned from "." or "", as -I. produces)
	// joined with an absolute includepath reproduces that includepath
	// verbatim.
	victim, err := os.CreateTemp("", "includesrv-absolute-*.h")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(victim.Name())
	victim.Close()

	dirs := NewDirectoryMap()
	incs := NewIncludePathMap(true) // unsafeAbsoluteIncludes
	reals := NewRealpathMap(NewCanonicalizer())
	cache := NewBuildStatCache(dirs, incs, reals)

	incID, ok := incs.Intern(victim.Name())
	if !ok {
		t.Fatal("expected an absolute includepath to be accepted into the id space when unsafe")
	}
	currdir := dirs.Intern(t.TempDir())
	dotSearchDir := dirs.Intern(".") // interns to "", same as -I.

	if _, _, ok := cache.Resolve(incID, currdir, NullID, []PathID{dotSearchDir}); ok {
		t.Fatal("absolute #include operand must never resolve, even with an empty searchdir and unsafeAbsoluteIncludes set")
	}
}

func TestSystemdirPrefixCache(t *testing.T) {
	dir := t.TempDir()
	sysDir := filepath.Join(dir, "sys", "include")
	otherDir := filepath.Join(dir, "project")
	if err := os.MkdirAll(sysDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(otherDir, 0o755); err != nil {
		t.Fatal(err)
	}
	sysFile := filepath.Join(sysDir, "stdio.h")
	otherFile := filepath.Join(otherDir, "local.h")
	if err := os.WriteFile(sysFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(otherFile, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	can := NewCanonicalizer()
	reals := NewRealpathMap(can)

	sysID, err := reals.Intern(sysFile)
	if err != nil {
		t.Fatal(err)
	}
	otherID, err := reals.Intern(otherFile)
	if err != nil {
		t.Fatal(err)
	}

	s := NewSystemdirPrefixCache(reals, []string{sysDir})
	if !s.StartsWithSystemdir(sysID) {
		t.Fatalf("expected %s to match system dir %s", sysFile, sysDir)
	}
	if s.StartsWithSystemdir(otherID) {
		t.Fatalf("expected %s not to match system dir %s", otherFile, sysDir)
	}

	s.Reset(nil)
	if s.StartsWithSystemdir(sysID) {
		t.Fatal("expected Reset(nil) to clear the system dir set")
	}
}

func TestStatStamp(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, ok := StatStamp(path); !ok {
		t.Fatal("expected StatStamp to succeed on an existing file")
	}
	if _, ok := StatStamp(filepath.Join(dir, "nope")); ok {
		t.Fatal("expected StatStamp to report ok=false for a missing file")
	}
}

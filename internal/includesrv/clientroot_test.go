package includesrv

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestClientRootKeeperMakeRootPadsDepth(t *testing.T) {
	base := t.TempDir()
	k, err := NewClientRootKeeper(base)
	if err != nil {
		t.Fatal(err)
	}

	root, err := k.MakeRoot(1)
	if err != nil {
		t.Fatal(err)
	}

	clean := strings.Trim(root, "/")
	parts := strings.Split(clean, "/")
	if len(parts) < minStagingDepth {
		t.Fatalf("MakeRoot path %q has %d components, want >= %d", root, len(parts), minStagingDepth)
	}
	if _, err := os.Stat(filepath.Join(root, ".keep")); err != nil {
		t.Fatalf("expected MakeRoot to have created the root directory: %v", err)
	}
}

func TestClientRootKeeperMakeRootIsUniquePerGeneration(t *testing.T) {
	base := t.TempDir()
	k, err := NewClientRootKeeper(base)
	if err != nil {
		t.Fatal(err)
	}

	r1, err := k.MakeRoot(1)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := k.MakeRoot(2)
	if err != nil {
		t.Fatal(err)
	}
	if r1 == r2 {
		t.Fatalf("expected distinct roots per generation, got %q twice", r1)
	}
}

func TestPidFromRootName(t *testing.T) {
	cases := []struct {
		name    string
		wantPid int
		wantOk  bool
	}{
		{"includesrv-1234-gen5", 1234, true},
		{"includesrv-1234-gen5padding", 1234, true},
		{"not-a-root-dir", 0, false},
		{"includesrv-notanumber-gen1", 0, false},
	}
	for _, c := range cases {
		pid, ok := pidFromRootName(c.name)
		if ok != c.wantOk || (ok && pid != c.wantPid) {
			t.Errorf("pidFromRootName(%q) = (%d, %v), want (%d, %v)", c.name, pid, ok, c.wantPid, c.wantOk)
		}
	}
}

func TestClientRootKeeperCleanOutStaleRemovesDeadPidRoots(t *testing.T) {
	base := t.TempDir()
	k, err := NewClientRootKeeper(base)
	if err != nil {
		t.Fatal(err)
	}

	deadRoot := filepath.Join(base, "includesrv-999999-gen1", "a", "b")
	if err := os.MkdirAll(deadRoot, 0o755); err != nil {
		t.Fatal(err)
	}

	liveRoot, err := k.MakeRoot(1)
	if err != nil {
		t.Fatal(err)
	}

	if err := k.CleanOutStale(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(base, "includesrv-999999-gen1")); !os.IsNotExist(err) {
		t.Fatal("expected the dead-pid root to be removed")
	}
	if _, err := os.Stat(liveRoot); err != nil {
		t.Fatalf("expected the current process's own root to survive: %v", err)
	}
}

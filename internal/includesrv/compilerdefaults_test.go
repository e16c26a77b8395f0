package includesrv

import "testing"

const fakeGccBanner = `Using built-in specs.
COLLECT_GCC=gcc
#include "..." search starts here:
#include <...> search starts here:
 /usr/lib/gcc/x86_64-linux-gnu/11/include
 /usr/local/include
 /usr/lib/gcc/x86_64-linux-gnu/11/include-fixed
 /usr/include/x86_64-linux-gnu
 /usr/include
 /opt/frameworks (framework directory)
End of search list.
COMPILER_PATH=/usr/lib/gcc/x86_64-linux-gnu/11/
`

func TestParseSearchDirsExtractsBannerList(t *testing.T) {
	dirs := parseSearchDirs(fakeGccBanner)
	want := []string{
		"/usr/lib/gcc/x86_64-linux-gnu/11/include",
		"/usr/local/include",
		"/usr/lib/gcc/x86_64-linux-gnu/11/include-fixed",
		"/usr/include/x86_64-linux-gnu",
		"/usr/include",
	}
	if !equalStringSlices(dirs, want) {
		t.Fatalf("parseSearchDirs = %v, want %v", dirs, want)
	}
}

func TestParseSearchDirsNoMarkers(t *testing.T) {
	if dirs := parseSearchDirs("no banner here at all"); len(dirs) != 0 {
		t.Fatalf("expected no dirs without markers, got %v", dirs)
	}
}

func TestIsSubPath(t *testing.T) {
	cases := []struct {
		parent, child string
		want          bool
	}{
		{"/usr/include", "/usr/include", true},
		{"/usr/include", "/usr/include/linux", true},
		{"/usr/include", "/usr/includeextra", false},
		{"/usr/include/linux", "/usr/include", false},
	}
	for _, c := range cases {
		if got := isSubPath(c.parent, c.child); got != c.want {
			t.Errorf("isSubPath(%q, %q) = %v, want %v", c.parent, c.child, got, c.want)
		}
	}
}

func TestPlanSymlinkFarmCollapsesRedundantEntries(t *testing.T) {
	entries := PlanSymlinkFarm([]string{"/usr/include", "/usr/include/linux", "/opt/local/include"}, 3)

	if len(entries) != 2 {
		t.Fatalf("expected /usr/include/linux to be collapsed into /usr/include, got %d entries: %+v", len(entries), entries)
	}
	var sawUsrInclude, sawOptLocal bool
	for _, e := range entries {
		switch e.LinkPath {
		case "usr/include":
			sawUsrInclude = true
			if e.Target != "../../../usr/include" {
				t.Errorf("usr/include target = %q", e.Target)
			}
		case "opt/local/include":
			sawOptLocal = true
		}
	}
	if !sawUsrInclude || !sawOptLocal {
		t.Fatalf("entries missing expected paths: %+v", entries)
	}
}

func TestPlanSymlinkFarmParentReplacesChild(t *testing.T) {
	entries := PlanSymlinkFarm([]string{"/usr/include/linux", "/usr/include"}, 2)
	if len(entries) != 1 {
		t.Fatalf("expected a single collapsed entry, got %+v", entries)
	}
	if entries[0].LinkPath != "usr/include" {
		t.Fatalf("expected the parent dir to win, got %q", entries[0].LinkPath)
	}
}

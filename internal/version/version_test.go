package version

import "testing"

func TestGet_LinkerValuesWin(t *testing.T) {
	oldV, oldC, oldB := Version, Commit, BuildDate
	t.Cleanup(func() { Version, Commit, BuildDate = oldV, oldC, oldB })

	Version, Commit, BuildDate = "v0.4.0", "abc123", "2026-01-02T03:04:05Z"
	got := Get()
	if got.Version != "v0.4.0" {
		t.Fatalf("Version = %q, want v0.4.0", got.Version)
	}
	if got.Commit != "abc123" {
		t.Fatalf("Commit = %q, want abc123", got.Commit)
	}
	if got.BuildDate != "2026-01-02T03:04:05Z" {
		t.Fatalf("BuildDate = %q", got.BuildDate)
	}
}

func TestGet_GoVersionFromBuildInfo(t *testing.T) {
	if got := Get(); got.GoVersion == "" {
		t.Fatal("GoVersion should be populated from build info in tests")
	}
}

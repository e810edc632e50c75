package version

import (
	"runtime"
	"testing"
)

func TestGet(t *testing.T) {
	info := Get()

	if info.Version == "" || info.Commit == "" || info.BuildTime == "" {
		t.Errorf("build fields should not be empty: %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q, want %q", info.GoVersion, runtime.Version())
	}
}

func TestInfo_String(t *testing.T) {
	info := Info{Version: "v1.2.0", Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z", GoVersion: "go1.24.0"}

	want := "v1.2.0 (commit abc123, built 2026-01-01T00:00:00Z, go1.24.0)"
	if got := info.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

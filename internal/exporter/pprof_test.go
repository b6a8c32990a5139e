package exporter

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"

	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
	"github.com/VladMinzatu/minidump-stackwalker/internal/stackwalker"
)

func TestBuildPprofProfile_Empty(t *testing.T) {
	p, err := BuildPprofProfile(nil, All)
	if err != nil {
		t.Fatalf("BuildPprofProfile returned error for empty slice: %v", err)
	}
	if p == nil {
		t.Fatalf("expected non-nil profile")
	}
	if len(p.Sample) != 0 {
		t.Fatalf("expected 0 samples, got %d", len(p.Sample))
	}
}

func TestBuildPprofProfile_Threads(t *testing.T) {
	p, err := BuildPprofProfile([]*processor.ProcessState{testState()}, All)
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}

	// The dump writer thread has no frames and is left out.
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 pprof samples, got %d", len(p.Sample))
	}
	crashed := p.Sample[0]
	if got := crashed.Value[0]; got != 1 {
		t.Fatalf("unexpected sample value: got %d want 1", got)
	}
	if name := crashed.Label["thread_name"]; len(name) != 1 || name[0] != "main" {
		t.Fatalf("expected thread_name=main label, got %v", crashed.Label)
	}
	if reason := crashed.Label["crash_reason"]; len(reason) != 1 || reason[0] != "SIGSEGV / SEGV_MAPERR" {
		t.Fatalf("expected crash_reason label, got %v", crashed.Label)
	}
	if id := crashed.NumLabel["thread_id"]; len(id) != 1 || id[0] != 7 {
		t.Fatalf("expected thread_id=7, got %v", crashed.NumLabel)
	}
	if trust := crashed.NumLabel["min_trust"]; len(trust) != 1 || trust[0] != int64(stackwalker.TrustScan) {
		t.Fatalf("expected min_trust=scan, got %v", crashed.NumLabel)
	}
	if len(crashed.Location) != 3 {
		t.Fatalf("expected 3 locations, got %d", len(crashed.Location))
	}

	if len(p.Mapping) != 1 || p.Mapping[0].File != "/usr/bin/app" || !p.Mapping[0].HasFunctions {
		t.Fatalf("unexpected mappings: %+v", p.Mapping)
	}
	leaf := crashed.Location[0]
	if leaf.Mapping != p.Mapping[0] || leaf.Address != 0x401010 {
		t.Fatalf("unexpected leaf location: %+v", leaf)
	}
	if len(leaf.Line) != 1 || leaf.Line[0].Function.Name != "crash_here" {
		t.Fatalf("unexpected leaf lines: %+v", leaf.Line)
	}
	caller := crashed.Location[1]
	if caller.Line[0].Line != 12 || caller.Line[0].Function.Filename != "main.c" {
		t.Fatalf("expected main.c:12, got %+v", caller.Line[0])
	}
	if outer := crashed.Location[2]; outer.Mapping != nil || outer.Line[0].Function.Name != "(unloaded old.so+0xf)" {
		t.Fatalf("unexpected unloaded location: %+v", outer)
	}

	if fn := findFuncByName(p, "app+0x3000"); fn == nil {
		t.Fatalf("function for the unsymbolized frame not found")
	}
	if p.TimeNanos != testState().Time.UnixNano() {
		t.Fatalf("unexpected TimeNanos %d", p.TimeNanos)
	}
}

func TestBuildPprofProfile_SharesLocations(t *testing.T) {
	p, err := BuildPprofProfile([]*processor.ProcessState{testState(), testState()}, Requesting)
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}
	if len(p.Sample) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(p.Sample))
	}
	if len(p.Location) != 3 {
		t.Fatalf("expected identical frames to share 3 locations, got %d", len(p.Location))
	}
	if len(p.Function) != 3 {
		t.Fatalf("expected 3 functions, got %d", len(p.Function))
	}
}

func TestWriteProfile(t *testing.T) {
	p, err := BuildPprofProfile([]*processor.ProcessState{testState()}, All)
	if err != nil {
		t.Fatalf("BuildPprofProfile error: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteProfileGzip(p, &buf); err != nil {
		t.Fatalf("WriteProfileGzip: %v", err)
	}
	parsed, err := profile.Parse(&buf)
	if err != nil {
		t.Fatalf("profile.Parse: %v", err)
	}
	if len(parsed.Sample) != 2 {
		t.Fatalf("expected 2 samples after parsing, got %d", len(parsed.Sample))
	}

	path := filepath.Join(t.TempDir(), "threads.pb.gz")
	if err := WriteProfile(p, path); err != nil {
		t.Fatalf("WriteProfile: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	if _, err := profile.Parse(f); err != nil {
		t.Fatalf("profile.Parse of written file: %v", err)
	}
}

func findFuncByName(p *profile.Profile, name string) *profile.Function {
	for _, f := range p.Function {
		if f.Name == name {
			return f
		}
	}
	return nil
}

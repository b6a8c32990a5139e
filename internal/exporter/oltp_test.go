package exporter

import (
	"bytes"
	"testing"

	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	"google.golang.org/protobuf/proto"

	"github.com/VladMinzatu/minidump-stackwalker/internal/processor"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func TestBuildOltpProfile_Basic(t *testing.T) {
	nowValue := uint64(9999999999)
	state := testState()

	got := BuildOltpProfile(state, All, func() uint64 { return nowValue })

	dict := got.Dictionary
	if len(dict.MappingTable) != 2 {
		t.Fatalf("expected the empty mapping plus app, got %d", len(dict.MappingTable))
	}
	app := dict.MappingTable[1]
	if app.MemoryStart != 0x400000 || app.MemoryLimit != 0x410000 || dict.StringTable[app.FilenameStrindex] != "/usr/bin/app" {
		t.Fatalf("unexpected app mapping: %v", app)
	}

	profile := got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0]
	if profile.TimeUnixNano != nowValue {
		t.Fatalf("unexpected TimeUnixNano %d", profile.TimeUnixNano)
	}
	if dict.StringTable[profile.SampleType.TypeStrindex] != "threads" {
		t.Fatalf("unexpected sample type %q", dict.StringTable[profile.SampleType.TypeStrindex])
	}
	if len(profile.Samples) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(profile.Samples))
	}
	crashed := profile.Samples[0]
	if crashed.TimestampsUnixNano[0] != uint64(state.Time.UnixNano()) {
		t.Fatalf("unexpected sample timestamp %d", crashed.TimestampsUnixNano[0])
	}

	stack := dict.StackTable[crashed.StackIndex]
	var names []string
	for _, li := range stack.LocationIndices {
		loc := dict.LocationTable[li]
		fn := dict.FunctionTable[loc.Lines[0].FunctionIndex]
		names = append(names, dict.StringTable[fn.NameStrindex])
	}
	want := []string{"crash_here", "main", "(unloaded old.so+0xf)"}
	if len(names) != len(want) {
		t.Fatalf("got frames %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("frame %d: got %q want %q", i, names[i], want[i])
		}
	}
	leaf := dict.LocationTable[stack.LocationIndices[0]]
	if leaf.MappingIndex != 1 || leaf.Address != 0x401010 {
		t.Fatalf("unexpected leaf location %v", leaf)
	}
	if outer := dict.LocationTable[stack.LocationIndices[2]]; outer.MappingIndex != 0 {
		t.Fatalf("unloaded frame should have no mapping, got %d", outer.MappingIndex)
	}
}

func TestBuildOltpProfile_ResourceAttributes(t *testing.T) {
	got := BuildOltpProfile(testState(), Requesting, func() uint64 { return 1 })

	attrs := map[string]string{}
	var pid int64
	for _, kv := range got.ResourceProfiles[0].Resource.Attributes {
		if kv.Key == "process.pid" {
			pid = kv.Value.GetIntValue()
			continue
		}
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if pid != 42 {
		t.Fatalf("unexpected process.pid %d", pid)
	}
	if attrs["crash.reason"] != "SIGSEGV / SEGV_MAPERR" || attrs["crash.address"] != "0xdead" || attrs["os.type"] != "Linux" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if n := len(got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0].Samples); n != 1 {
		t.Fatalf("expected only the requesting thread, got %d samples", n)
	}
}

func TestWriteOltp(t *testing.T) {
	data := BuildOltpProfile(testState(), All, func() uint64 { return 1 })

	var buf bytes.Buffer
	if err := WriteOltp(data, &buf); err != nil {
		t.Fatalf("WriteOltp: %v", err)
	}
	var decoded profilespb.ProfilesData
	if err := proto.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !proto.Equal(data, &decoded) {
		t.Fatalf("ProfilesData proto mismatch\nGOT: %x\nWANT: %x", mustMarshal(t, &decoded), mustMarshal(t, data))
	}
}

func TestBuildOltpProfile_NoCrash(t *testing.T) {
	state := &processor.ProcessState{RequestingThread: -1}
	got := BuildOltpProfile(state, Requesting, func() uint64 { return 1 })
	if n := len(got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0].Samples); n != 0 {
		t.Fatalf("expected no samples, got %d", n)
	}
	for _, kv := range got.ResourceProfiles[0].Resource.Attributes {
		if kv.Key == "crash.reason" {
			t.Fatalf("unexpected crash.reason attribute")
		}
	}
}

package minidump

import (
	"testing"
)

func TestParseMapEntry(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MapRegion
		wantErr bool
	}{
		{
			name: "valid entry with path",
			line: "55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			want: MapRegion{
				Start:  0x55d4b2000000,
				End:    0x55d4b2021000,
				Offset: 0x00000000,
				Perms:  "r--p",
				Path:   "/usr/bin/myprog",
			},
		},
		{
			name: "valid entry without path",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074",
			want: MapRegion{
				Start:  0x7f8a9b000000,
				End:    0x7f8a9b002000,
				Offset: 0x00001000,
				Perms:  "r-xp",
			},
		},
		{
			name: "valid entry with path containing spaces",
			line: "7f8a9b000000-7f8a9b002000 r-xp 00001000 08:01 131074 /usr/lib/libc.so.6 (deleted)",
			want: MapRegion{
				Start:  0x7f8a9b000000,
				End:    0x7f8a9b002000,
				Offset: 0x00001000,
				Perms:  "r-xp",
				Path:   "/usr/lib/libc.so.6 (deleted)",
			},
		},
		{
			name:    "insufficient fields",
			line:    "55d4b2000000-55d4b2021000 r--p",
			wantErr: true,
		},
		{
			name:    "invalid address range format",
			line:    "55d4b2000000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			wantErr: true,
		},
		{
			name:    "invalid hex address",
			line:    "invalid-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			wantErr: true,
		},
		{
			name:    "end before start",
			line:    "55d4b2021000-55d4b2000000 r--p 00000000 08:01 131073 /usr/bin/myprog",
			wantErr: true,
		},
		{
			name:    "empty line",
			line:    "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMapEntry(tt.line)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseMapEntry() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("parseMapEntry() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRegionFromMemoryInfo(t *testing.T) {
	tests := []struct {
		name    string
		info    MemoryInfo
		exec    bool
		write   bool
		free    bool
		readble bool
	}{
		{"execute read", MemoryInfo{State: memCommit, Protect: pageExecuteRead}, true, false, false, true},
		{"read write", MemoryInfo{State: memCommit, Protect: pageReadWrite}, false, true, false, true},
		{"guarded execute", MemoryInfo{State: memCommit, Protect: pageExecuteReadWrite | pageGuard}, true, true, false, true},
		{"no access", MemoryInfo{State: memCommit, Protect: pageNoAccess}, false, false, false, false},
		{"freed", MemoryInfo{State: memFree, Protect: pageExecuteRead}, false, false, true, false},
		{"reserved", MemoryInfo{State: memReserve, Protect: pageExecute}, false, false, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := regionFromMemoryInfo(tt.info)
			if r.Executable != tt.exec || r.Writable != tt.write || r.Free != tt.free || r.Readable != tt.readble {
				t.Errorf("regionFromMemoryInfo() = %+v", r)
			}
		})
	}
}

func TestParseMapsSkipsBadLines(t *testing.T) {
	raw := []byte("00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon\n" +
		"garbage\n" +
		"\n" +
		"00651000-00652000 rw-p 00051000 08:02 173521 /usr/bin/dbus-daemon\n")
	regions := ParseMaps(raw)
	if len(regions) != 2 {
		t.Fatalf("ParseMaps() returned %d regions, want 2", len(regions))
	}
	u := NewUnifiedMemoryInfo(LinuxMapsStream, []Region{regionFromMap(regions[1]), regionFromMap(regions[0])})
	if !u.IsExecutable(0x400100) {
		t.Errorf("0x400100 should be executable")
	}
	if u.IsExecutable(0x651000) {
		t.Errorf("0x651000 should not be executable")
	}
	if u.InfoAtAddress(0x500000) != nil {
		t.Errorf("0x500000 is not mapped")
	}
}

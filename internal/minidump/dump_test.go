package minidump_test

import (
	"encoding/binary"
	"errors"
	"maps"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump"
	"github.com/VladMinzatu/minidump-stackwalker/internal/minidump/minidumptest"
)

func TestReadRejectsGarbage(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, minidump.ErrNotMinidump},
		{"short", []byte("MDMP"), minidump.ErrNotMinidump},
		{"bad signature", make([]byte, 64), minidump.ErrNotMinidump},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := minidump.Read(tt.data)
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestReadDirectoryOutOfBounds(t *testing.T) {
	data := minidumptest.New().SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).Bytes()
	// Claim far more streams than the file holds.
	binary.LittleEndian.PutUint32(data[8:], 1000)
	_, err := minidump.Read(data)
	require.ErrorIs(t, err, minidump.ErrCorruptDirectory)
}

func TestStreamAbsentAndCorrupt(t *testing.T) {
	data := minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		AddBrokenStream(minidump.ModuleListStream, 0xfffff000, 0x100).
		AddStream(0x1234abcd, []byte{1, 2, 3, 4}).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)

	_, err = d.ThreadList()
	assert.ErrorIs(t, err, minidump.ErrStreamNotPresent)

	_, err = d.ModuleList()
	var corrupt *minidump.CorruptStreamError
	require.True(t, errors.As(err, &corrupt))
	assert.Equal(t, minidump.ModuleListStream, corrupt.Type)

	// The other streams stay usable.
	sys, err := d.SystemInfo()
	require.NoError(t, err)
	assert.Equal(t, minidump.ArchAMD64, sys.Arch)
	assert.Equal(t, "Linux", sys.OS())
	assert.Equal(t, "GenuineIntel", sys.VendorID)

	unknown := d.UnknownStreams()
	require.Len(t, unknown, 1)
	assert.Equal(t, minidump.StreamType(0x1234abcd), unknown[0].Type)
}

func TestThreadNamesCountExceedsStream(t *testing.T) {
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, 0xffffffff)
	d, err := minidump.Read(minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		AddStream(minidump.ThreadNamesStream, count).
		Bytes())
	require.NoError(t, err)

	_, err = d.ThreadNames()
	var corrupt *minidump.CorruptStreamError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, minidump.ThreadNamesStream, corrupt.Type)
}

func TestStreamReadsStopAtDeclaredSize(t *testing.T) {
	// The breakpad info stream is one field short; the misc info stream
	// right behind it must not fill the gap.
	short := make([]byte, 8)
	binary.LittleEndian.PutUint32(short, 0x3)
	d, err := minidump.Read(minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		AddStream(minidump.BreakpadInfoStream, short).
		MiscInfo(4242, 1699999000).
		Bytes())
	require.NoError(t, err)

	_, err = d.BreakpadInfo()
	var corrupt *minidump.CorruptStreamError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, minidump.BreakpadInfoStream, corrupt.Type)

	misc, err := d.MiscInfo()
	require.NoError(t, err)
	pid, ok := misc.PID()
	assert.True(t, ok)
	assert.Equal(t, uint32(4242), pid)
}

func TestReadBigEndian(t *testing.T) {
	data := minidumptest.NewBigEndian().
		SystemInfo(minidump.ArchARM, minidump.PlatformLinux).
		Modules(minidumptest.Module{Base: 0x10000, Size: 0x1000, Name: "/lib/libbe.so", DebugFile: "libbe.so"}).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)
	assert.Equal(t, binary.BigEndian, d.ByteOrder())

	mods, err := d.ModuleList()
	require.NoError(t, err)
	require.Len(t, mods.Modules, 1)
	assert.Equal(t, "/lib/libbe.so", mods.Modules[0].Name)
	assert.Equal(t, uint64(0x10000), mods.Modules[0].Base)
}

func TestModuleIdentity(t *testing.T) {
	guid := [16]byte{0x78, 0x56, 0x34, 0x12, 0xbc, 0x9a, 0xf0, 0xde, 1, 2, 3, 4, 5, 6, 7, 8}
	data := minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformWin32NT).
		Modules(
			minidumptest.Module{Base: 0x400000, Size: 0x2000, Name: `C:\app\app.exe`, DebugFile: `C:\build\app.pdb`, GUID: guid, Age: 0xa, Timestamp: 0x5f000000},
			minidumptest.Module{Base: 0x7f0000000000, Size: 0x1000, Name: "/usr/lib/libc.so.6", BuildID: []byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff, 0x00, 0x01, 0x02, 0x03, 0x04}},
		).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)
	mods, err := d.ModuleList()
	require.NoError(t, err)
	require.Len(t, mods.Modules, 2)

	exe := &mods.Modules[0]
	assert.Equal(t, "123456789ABCDEF00102030405060708A", exe.DebugID())
	assert.Equal(t, "app.pdb", exe.DebugFile())
	assert.Equal(t, "5F0000002000", exe.CodeID())

	libc := &mods.Modules[1]
	assert.Equal(t, "443322116655887799AABBCCDDEEFF000", libc.DebugID())
	assert.Equal(t, "libc.so.6", libc.DebugFile())
	assert.Equal(t, "112233445566778899aabbccddeeff0001020304", libc.CodeID())
}

func TestModuleAtAddressTightest(t *testing.T) {
	l := minidump.NewModuleList([]minidump.Module{
		{Base: 0x1000, ImageSize: 0x10000, Name: "outer"},
		{Base: 0x2000, ImageSize: 0x1000, Name: "inner"},
		{Base: 0x2000, ImageSize: 0x1000, Name: "inner-dup"},
		{Base: 0x20000, ImageSize: 0x1000, Name: "far"},
	})
	tests := []struct {
		addr uint64
		want string
	}{
		{0x1000, "outer"},
		{0x1fff, "outer"},
		{0x2000, "inner"},
		{0x2fff, "inner"},
		{0x3000, "outer"},
		{0x10fff, "outer"},
		{0x11000, ""},
		{0x20800, "far"},
		{0x0, ""},
		{0xffffffffffffffff, ""},
	}
	for _, tt := range tests {
		m := l.ModuleAtAddress(tt.addr)
		if tt.want == "" {
			assert.Nil(t, m, "addr %#x", tt.addr)
			continue
		}
		require.NotNil(t, m, "addr %#x", tt.addr)
		assert.Equal(t, tt.want, m.Name, "addr %#x", tt.addr)
	}
	assert.Equal(t, uint64(0x21000), l.HighestAddress())
}

func TestThreadsAndMemory(t *testing.T) {
	ctx, err := minidump.NewContext(minidump.ArchAMD64)
	require.NoError(t, err)
	ctx.Set("rip", 0x401000)
	ctx.Set("rsp", 0x7ff000)
	ctx.Set("rbp", 0x7ff010)

	stack := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(stack[0x10:], 0xdeadbeef)
	data := minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		Threads(
			minidumptest.Thread{ID: 7, Context: ctx, StackBase: 0x7ff000, Stack: stack},
			minidumptest.Thread{ID: 8},
		).
		Memory(minidumptest.Region{Base: 0x900000, Data: []byte{1, 0, 0, 0, 2, 0, 0, 0}}).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)

	threads, err := d.ThreadList()
	require.NoError(t, err)
	require.Len(t, threads.Threads, 2)

	th := threads.ByID(7)
	require.NotNil(t, th)
	got, err := d.ThreadContext(th)
	require.NoError(t, err)
	assert.Equal(t, minidump.ArchAMD64, got.Arch)
	assert.Equal(t, uint64(0x401000), got.IP())
	assert.Equal(t, uint64(0x7ff000), got.SP())
	rbp, ok := got.Get("rbp")
	require.True(t, ok)
	assert.Equal(t, uint64(0x7ff010), rbp)

	mem, err := d.MemoryList()
	require.NoError(t, err)
	s := d.ThreadStack(th, got.SP(), mem)
	require.NotNil(t, s)
	v, ok := s.ReadPointer(0x7ff010, 8)
	require.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), v)
	_, ok = s.ReadU64(0x7ff03c)
	assert.False(t, ok, "read straddling the end of the region")

	_, err = d.ThreadContext(threads.ByID(8))
	assert.Error(t, err)

	r := mem.MemoryAtAddress(0x900004)
	require.NotNil(t, r)
	w, ok := r.ReadU32(0x900004)
	require.True(t, ok)
	assert.Equal(t, uint32(2), w)
	assert.Nil(t, mem.MemoryAtAddress(0x900008))
}

func TestContextRoundTrip(t *testing.T) {
	for _, arch := range []minidump.CPUArch{minidump.ArchX86, minidump.ArchAMD64, minidump.ArchARM, minidump.ArchARM64} {
		t.Run(arch.String(), func(t *testing.T) {
			ctx, err := minidump.NewContext(arch)
			require.NoError(t, err)
			set := ctx.RegisterSet()
			for i := 0; i < set.Len(); i++ {
				ctx.SetIndex(i, uint64(0x1000+i*8))
			}
			raw := ctx.Encode(binary.LittleEndian)
			// Unknown architecture: inferred from the record size.
			got, err := minidump.ParseContext(raw, binary.LittleEndian, minidump.ArchUnknown)
			require.NoError(t, err)
			assert.Equal(t, arch, got.Arch)
			assert.Equal(t, maps.Collect(ctx.Registers()), maps.Collect(got.Registers()))
		})
	}
}

func TestContextAliases(t *testing.T) {
	ctx, err := minidump.NewContext(minidump.ArchARM64)
	require.NoError(t, err)
	ctx.Set("x29", 0x10)
	ctx.Set("x30", 0x20)
	fp, ok := ctx.Get("fp")
	require.True(t, ok)
	assert.Equal(t, uint64(0x10), fp)
	lr, ok := ctx.Get("lr")
	require.True(t, ok)
	assert.Equal(t, uint64(0x20), lr)
	_, ok = ctx.Get("x3")
	assert.False(t, ok, "unset registers are invalid")

	x86, err := minidump.NewContext(minidump.ArchX86)
	require.NoError(t, err)
	x86.Set("eip", 0x1_0000_1234)
	assert.Equal(t, uint64(0x1234), x86.IP(), "32 bit registers truncate")
}

func TestExceptionAndInfoStreams(t *testing.T) {
	ctx, err := minidump.NewContext(minidump.ArchAMD64)
	require.NoError(t, err)
	ctx.SetIP(0xabc)
	data := minidumptest.New().
		Timestamp(1700000000).
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		Exception(42, 0xb, 0x10, ctx).
		BreakpadInfo(1, 42).
		MiscInfo(1234, 1699999000).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), d.Header.Time().Unix())

	e, err := d.Exception()
	require.NoError(t, err)
	assert.Equal(t, uint32(42), e.ThreadID)
	assert.Equal(t, uint32(0xb), e.Code)
	assert.Equal(t, uint64(0x10), e.Address)
	ectx, err := d.ExceptionContext(e)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xabc), ectx.IP())

	bp, err := d.BreakpadInfo()
	require.NoError(t, err)
	tid, ok := bp.DumpThread()
	assert.True(t, ok)
	assert.Equal(t, uint32(1), tid)
	tid, ok = bp.RequestingThread()
	assert.True(t, ok)
	assert.Equal(t, uint32(42), tid)

	misc, err := d.MiscInfo()
	require.NoError(t, err)
	pid, ok := misc.PID()
	assert.True(t, ok)
	assert.Equal(t, uint32(1234), pid)
	ct, ok := misc.CreateTime()
	assert.True(t, ok)
	assert.Equal(t, int64(1699999000), ct.Unix())
}

func TestUnifiedMemoryInfoSources(t *testing.T) {
	t.Run("memory info list", func(t *testing.T) {
		data := minidumptest.New().
			SystemInfo(minidump.ArchAMD64, minidump.PlatformWin32NT).
			MemoryInfo(
				minidump.MemoryInfo{Base: 0x10000, RegionSize: 0x1000, State: 0x1000, Protect: 0x20},
				minidump.MemoryInfo{Base: 0x20000, RegionSize: 0x1000, State: 0x1000, Protect: 0x04},
			).
			Bytes()
		d, err := minidump.Read(data)
		require.NoError(t, err)
		u, err := d.UnifiedMemoryInfo()
		require.NoError(t, err)
		assert.Equal(t, minidump.MemoryInfoListStream, u.Source)
		assert.True(t, u.IsExecutable(0x10800))
		assert.False(t, u.IsExecutable(0x20800))
		assert.False(t, u.IsExecutable(0x30000))
	})
	t.Run("linux maps", func(t *testing.T) {
		data := minidumptest.New().
			SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
			LinuxMaps("00400000-00401000 r-xp 00000000 08:02 1 /bin/app\n00600000-00601000 rw-p 00000000 00:00 0\n").
			Bytes()
		d, err := minidump.Read(data)
		require.NoError(t, err)
		u, err := d.UnifiedMemoryInfo()
		require.NoError(t, err)
		assert.Equal(t, minidump.LinuxMapsStream, u.Source)
		assert.True(t, u.IsExecutable(0x400010))
		assert.Equal(t, "/bin/app", u.InfoAtAddress(0x400010).Path)
		assert.False(t, u.IsExecutable(0x600010))
	})
	t.Run("neither", func(t *testing.T) {
		data := minidumptest.New().SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).Bytes()
		d, err := minidump.Read(data)
		require.NoError(t, err)
		_, err = d.UnifiedMemoryInfo()
		assert.ErrorIs(t, err, minidump.ErrStreamNotPresent)
	})
}

func TestLinuxKeyValueStreams(t *testing.T) {
	data := minidumptest.New().
		SystemInfo(minidump.ArchAMD64, minidump.PlatformLinux).
		AddStream(minidump.LinuxCPUInfoStream, []byte("processor\t: 0\nmicrocode\t: 0xde\n\nprocessor\t: 1\n")).
		AddStream(minidump.LinuxLSBReleaseStream, []byte("DISTRIB_ID=Ubuntu\nDISTRIB_DESCRIPTION=\"Ubuntu 22.04\"\n")).
		AddStream(minidump.LinuxEnvironStream, []byte("HOME=/root\x00PATH=/bin:/usr/bin\x00")).
		AddStream(minidump.LinuxCmdLineStream, []byte("/bin/app\x00--flag\x00")).
		Bytes()
	d, err := minidump.Read(data)
	require.NoError(t, err)

	cpu, err := d.CPUInfo()
	require.NoError(t, err)
	var keys []string
	for k, v := range cpu {
		keys = append(keys, k)
		if k == "microcode" {
			assert.Equal(t, "0xde", v)
		}
	}
	assert.Equal(t, []string{"processor", "microcode", "processor"}, keys)

	lsb, err := d.LSBRelease()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DISTRIB_ID": "Ubuntu", "DISTRIB_DESCRIPTION": "Ubuntu 22.04"}, maps.Collect(lsb))

	env, err := d.Environ()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"HOME": "/root", "PATH": "/bin:/usr/bin"}, maps.Collect(env))

	args, err := d.CommandLine()
	require.NoError(t, err)
	assert.Equal(t, []string{"/bin/app", "--flag"}, args)

	_, err = d.ProcStatus()
	assert.ErrorIs(t, err, minidump.ErrStreamNotPresent)
}

func TestOpen(t *testing.T) {
	data := minidumptest.New().SystemInfo(minidump.ArchARM64, minidump.PlatformMacOS).Bytes()
	path := filepath.Join(t.TempDir(), "crash.dmp")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	d, err := minidump.Open(path)
	require.NoError(t, err)
	sys, err := d.SystemInfo()
	require.NoError(t, err)
	assert.Equal(t, "arm64", sys.CPU())
	assert.Equal(t, "Mac OS X", sys.OS())
	require.NoError(t, d.Close())

	_, err = minidump.Open(filepath.Join(t.TempDir(), "missing.dmp"))
	assert.Error(t, err)
}

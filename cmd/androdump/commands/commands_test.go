package commands

import (
	"bytes"
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"androdump/dumper"
	"androdump/elffix/elftest"
	"androdump/process"
	"androdump/process/memory_map"
	"androdump/process_blob"
	"androdump/process_linux"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPID  = 321
	libBase  = 0x7000_0000
	libPath  = "/data/app/com.example.app/lib/arm64/libgame.so"
	fontPath = "/system/fonts/Roboto-Regular.ttf"
)

func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	SetDefaults()
	t.Cleanup(viper.Reset)
}

func newSnapshot() *process_blob.ProcessDump {
	img := elftest.Build(elftest.Spec{Class: elf.ELFCLASS64, RelocBy: libBase})
	lib := make([]byte, 0x3000)
	copy(lib, img)

	dex := make([]byte, 0x200)
	copy(dex, "dex\n035\x00")
	binary.LittleEndian.PutUint32(dex[0x20:], 0x200)
	heap := make([]byte, 0x1000)
	copy(heap[0x40:], dex)

	d := process_blob.NewProcessDump(testPID, "com.example.game")
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x1000_0000, Size: 0x1000, Perms: "rw-p", Path: "[anon:dalvik-main space]"}, heap)
	d.AddRegion(memory_map.MemoryMapItem{Address: libBase, Size: 0x3000, Perms: "r-xp", Path: libPath}, lib)
	d.AddRegion(memory_map.MemoryMapItem{Address: 0x7100_0000, Size: 0x1000, Perms: "r--p", Path: fontPath}, nil)
	return d
}

func testDumper(t *testing.T) *dumper.Dumper {
	t.Helper()
	cfg, err := DumperConfig()
	require.NoError(t, err)
	cfg.UseSoinfo = false
	return dumper.New(cfg, dumper.FromSnapshot(newSnapshot()))
}

func TestDumperConfig(t *testing.T) {
	resetConfig(t)

	cfg, err := DumperConfig()
	require.NoError(t, err)
	assert.Equal(t, process_linux.FreezePtrace, cfg.Freeze)
	assert.Equal(t, process_linux.ReadVM, cfg.Read)
	assert.True(t, cfg.AutoFix)
	assert.True(t, cfg.Dex.RepairHeaders)
	assert.Equal(t, uint64(0x60), cfg.Dex.MinRegionSize)
	assert.Equal(t, []string{"/data/dalvik-cache/", "/system/"}, cfg.Dex.SkipPrefixes)

	viper.Set("freeze", "signal")
	viper.Set("read_method", "procmem")
	viper.Set("so.auto_fix", false)
	viper.Set("dex.anonymous_only", true)
	viper.Set("workers", 2)
	cfg, err = DumperConfig()
	require.NoError(t, err)
	assert.Equal(t, process_linux.FreezeSignal, cfg.Freeze)
	assert.Equal(t, process_linux.ReadProcMem, cfg.Read)
	assert.False(t, cfg.AutoFix)
	assert.True(t, cfg.Dex.AnonymousOnly)
	assert.Equal(t, 2, cfg.Dex.Workers)

	viper.Set("freeze", "hope")
	_, err = DumperConfig()
	assert.Error(t, err)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	resetConfig(t)
	t.Setenv("ANDRODUMP_SO_USE_SOINFO", "false")
	t.Setenv("ANDRODUMP_LOG_LEVEL", "debug")

	require.NoError(t, LoadConfig())
	require.NoError(t, SetupLogging())
	assert.False(t, viper.GetBool("so.use_soinfo"))
	assert.Equal(t, "debug", viper.GetString("log_level"))

	viper.Set("log_level", "loud")
	assert.Error(t, SetupLogging())
}

func TestLoadConfigFile(t *testing.T) {
	resetConfig(t)
	path := filepath.Join(t.TempDir(), "androdump.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: 8\nso:\n  linker_path: /apex/com.android.runtime/bin/linker64\n"), 0644))
	viper.Set("config", path)

	require.NoError(t, LoadConfig())
	cfg, err := DumperConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "/apex/com.android.runtime/bin/linker64", cfg.LinkerPath)
}

func TestRunList(t *testing.T) {
	resetConfig(t)

	var out bytes.Buffer
	require.NoError(t, RunList(context.Background(), testDumper(t), testPID, &out))
	assert.Contains(t, out.String(), "0x70000000")
	assert.Contains(t, out.String(), libPath)
	assert.NotContains(t, out.String(), fontPath)

	viper.Set("so.only_shared_objects", false)
	out.Reset()
	require.NoError(t, RunList(context.Background(), testDumper(t), testPID, &out))
	assert.Contains(t, out.String(), fontPath)
}

func TestRunDumpSo(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	require.NoError(t, RunDumpSo(context.Background(), testDumper(t), testPID, []string{"libgame.so", "libnone.so"}, dir))

	raw, err := os.ReadFile(filepath.Join(dir, "libgame_0x70000000_12288_dump.so"))
	require.NoError(t, err)
	assert.Len(t, raw, 0x3000)

	fixed, err := elf.Open(filepath.Join(dir, "libgame_0x70000000_12288_dump.so.fix.so"))
	require.NoError(t, err)
	defer fixed.Close()
	assert.NotNil(t, fixed.Section(".dynsym"))

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "dump-so", m.Mode)
	assert.Equal(t, process.ProcessID(testPID), m.PID)
	assert.NotEmpty(t, m.SessionID)
	require.Len(t, m.Artifacts, 3)
	assert.Equal(t, "so-raw", m.Artifacts[0].Kind)
	assert.Equal(t, "so", m.Artifacts[1].Kind)
	assert.False(t, m.Artifacts[1].Partial)
	assert.Equal(t, "libnone.so", m.Artifacts[2].Name)
	assert.NotEmpty(t, m.Artifacts[2].Error)
}

func TestRunDumpDex(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	require.NoError(t, RunDumpDex(context.Background(), testDumper(t), testPID, dir))

	data, err := os.ReadFile(filepath.Join(dir, "dex_0x10000040.dex"))
	require.NoError(t, err)
	assert.Len(t, data, 0x200)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	require.Len(t, m.Artifacts, 1)
	assert.Equal(t, uint64(0x1000_0040), m.Artifacts[0].Address)
	assert.Equal(t, "[anon:dalvik-main space]", m.Artifacts[0].Name)
}

func TestRunFix(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "libgame_dump.so")
	require.NoError(t, os.WriteFile(input, elftest.Build(elftest.Spec{Class: elf.ELFCLASS64, RelocBy: libBase}), 0644))

	res, err := RunFix(input, input+".fix.so", libBase)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Rebased)

	f, err := elf.Open(input + ".fix.so")
	require.NoError(t, err)
	defer f.Close()
	syms, err := f.DynamicSymbols()
	require.NoError(t, err)
	assert.Len(t, syms, len(elftest.Symbols))

	_, err = RunFix(filepath.Join(dir, "missing.so"), filepath.Join(dir, "out.so"), 0)
	assert.Error(t, err)
}

func TestSnapshotAndTarget(t *testing.T) {
	resetConfig(t)
	dir := t.TempDir()

	require.NoError(t, RunSnapshot(context.Background(), testDumper(t), testPID, dir, SnapshotFilter(false, 0)))

	viper.Set("snapshot", dir)
	d, pid, err := Target()
	require.NoError(t, err)
	assert.Equal(t, process.ProcessID(testPID), pid)

	mods, err := d.ListModules(context.Background(), pid)
	require.NoError(t, err)
	require.Len(t, mods, 1)
	assert.Equal(t, "libgame.so", mods[0].Name)
}

func TestTargetNeedsPid(t *testing.T) {
	resetConfig(t)
	_, _, err := Target()
	assert.Error(t, err)
}

func TestSnapshotFilter(t *testing.T) {
	filter := SnapshotFilter(false, 0x10000)
	assert.True(t, filter(memory_map.MemoryMapItem{Size: 0x1000, Perms: "rw-p"}))
	assert.True(t, filter(memory_map.MemoryMapItem{Size: 0x1000, Perms: "r-xp", Path: libPath}))
	assert.False(t, filter(memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/system/framework/framework.jar"}))
	assert.False(t, filter(memory_map.MemoryMapItem{Size: 0x20000, Perms: "rw-p"}))
	assert.False(t, filter(memory_map.MemoryMapItem{Size: 0x1000, Perms: "---p"}))

	assert.True(t, SnapshotFilter(true, 0)(memory_map.MemoryMapItem{Size: 0x1000, Perms: "r--p", Path: "/system/framework/framework.jar"}))
}

func TestRunPeek(t *testing.T) {
	resetConfig(t)

	var out bytes.Buffer
	require.NoError(t, RunPeek(context.Background(), testDumper(t), testPID, 0x1000_0040, 16, []byte("dex"), false, &out))
	assert.Contains(t, out.String(), "0000000010000040  64 65 78 0a 30 33 35 00")

	out.Reset()
	require.NoError(t, RunPeek(context.Background(), testDumper(t), testPID, 0x0fff_fff8, 16, nil, false, &out))
	assert.Contains(t, out.String(), "?? ?? ?? ?? ?? ?? ?? ?? 00")

	_, err := parseHighlight("zz")
	assert.Error(t, err)
	b, err := parseHighlight("64 65 78")
	require.NoError(t, err)
	assert.Equal(t, []byte("dex"), b)
}

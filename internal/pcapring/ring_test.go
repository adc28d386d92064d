package pcapring

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func packet(i int) []byte {
	return bytes.Repeat([]byte{byte(i)}, 60)
}

func writePcapNG(t *testing.T, path string, packets int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i := 0; i < packets; i++ {
		data := packet(i)
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1_700_000_000+int64(i), 0),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
}

func writePcap(t *testing.T, path string, packets int) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i := 0; i < packets; i++ {
		data := packet(i)
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1_700_000_000+int64(i), 0),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
}

func quietRing(dir string) *Ring {
	return &Ring{Dir: dir, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func TestList_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"cap_00003.pcapng", "cap_00001.pcapng", "notes.txt", "cap_00002.pcap"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "old.pcapng"), 0755))

	names, err := quietRing(dir).List()
	require.NoError(t, err)
	assert.Equal(t, []string{"cap_00001.pcapng", "cap_00002.pcap", "cap_00003.pcapng"}, names)
}

func TestList_MissingDir(t *testing.T) {
	names, err := quietRing(filepath.Join(t.TempDir(), "absent")).List()
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestLatest(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"a.pcapng", "b.pcapng", "c.pcapng"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0644))
	}

	latest, err := quietRing(dir).Latest(2)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.pcapng"), filepath.Join(dir, "c.pcapng")}, latest)

	all, err := quietRing(dir).Latest(10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMerge_ConcatenatesOldestFirst(t *testing.T) {
	dir := t.TempDir()
	ring := filepath.Join(dir, "ring")
	require.NoError(t, os.Mkdir(ring, 0755))

	names := []string{"cap_1.pcapng", "cap_2.pcapng", "cap_3.pcapng"}
	var want []byte
	for i, name := range names {
		p := filepath.Join(ring, name)
		writePcapNG(t, p, i+1)
		if i > 0 {
			b, err := os.ReadFile(p)
			require.NoError(t, err)
			want = append(want, b...)
		}
	}

	out := filepath.Join(dir, "pcap", "pcap_past10_1700000000.pcapng")
	res, err := quietRing(ring).Merge(out, 2)
	require.NoError(t, err)
	assert.Equal(t, out, res.Path)
	assert.Equal(t, []string{filepath.Join(ring, "cap_2.pcapng"), filepath.Join(ring, "cap_3.pcapng")}, res.Files)
	assert.Equal(t, int64(len(want)), res.Bytes)
	assert.Equal(t, 5, res.Packets)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestMerge_EmptyRingWritesNothing(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged.pcapng")

	res, err := quietRing(filepath.Join(dir, "ring")).Merge(out, 10)
	require.NoError(t, err)
	assert.Empty(t, res.Path)
	assert.NoFileExists(t, out)
}

func TestMerge_CountsUnparseableAsZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cap_1.pcapng"), []byte("garbage"), 0644))

	out := filepath.Join(dir, "out", "merged.pcapng")
	res, err := quietRing(dir).Merge(out, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Bytes)
	assert.Equal(t, 0, res.Packets)
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()

	ng := filepath.Join(dir, "a.pcapng")
	writePcapNG(t, ng, 3)
	info, err := Inspect(ng)
	require.NoError(t, err)
	assert.Equal(t, FileInfo{Format: FormatPcapNG, LinkType: layers.LinkTypeEthernet, Packets: 3, Bytes: 180}, info)

	classic := filepath.Join(dir, "b.pcap")
	writePcap(t, classic, 2)
	info, err = Inspect(classic)
	require.NoError(t, err)
	assert.Equal(t, FileInfo{Format: FormatPcap, LinkType: layers.LinkTypeEthernet, Packets: 2, Bytes: 120}, info)
}

func TestInspect_TruncatedTail(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "live.pcap")
	writePcap(t, p, 3)

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, b[:len(b)-10], 0644))

	info, err := Inspect(p)
	require.NoError(t, err)
	assert.Equal(t, 2, info.Packets)
}

func TestInspect_UnknownFormat(t *testing.T) {
	p := filepath.Join(t.TempDir(), "x.pcap")
	require.NoError(t, os.WriteFile(p, []byte("hello world"), 0644))

	_, err := Inspect(p)
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

package pcapring

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Format is the container format of a capture file.
type Format string

const (
	FormatPcap   Format = "pcap"
	FormatPcapNG Format = "pcapng"
)

// ErrUnknownFormat reports a file that is neither pcap nor pcapng.
var ErrUnknownFormat = errors.New("unknown capture file format")

// FileInfo summarizes one capture file.
type FileInfo struct {
	Format   Format          `json:"format"`
	LinkType layers.LinkType `json:"link_type"`
	Packets  int             `json:"packets"`
	Bytes    int             `json:"bytes"` // Captured packet bytes
}

const pcapngMagic = 0x0a0d0d0a

// Inspect counts the packets of a pcap or pcapng file. A truncated final
// packet, as left by a capture still being written, ends the count without
// an error.
func Inspect(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	magic, err := br.Peek(4)
	if err != nil {
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}

	var (
		src  gopacket.PacketDataSource
		info FileInfo
	)
	switch {
	case binary.BigEndian.Uint32(magic) == pcapngMagic:
		r, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return FileInfo{}, fmt.Errorf("read pcapng header: %w", err)
		}
		info.Format, info.LinkType, src = FormatPcapNG, r.LinkType(), r
	case isPcapMagic(magic):
		r, err := pcapgo.NewReader(br)
		if err != nil {
			return FileInfo{}, fmt.Errorf("read pcap header: %w", err)
		}
		info.Format, info.LinkType, src = FormatPcap, r.LinkType(), r
	default:
		return FileInfo{}, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}

	for {
		data, _, err := src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return info, nil
			}
			return info, fmt.Errorf("read packet %d: %w", info.Packets+1, err)
		}
		info.Packets++
		info.Bytes += len(data)
	}
}

func isPcapMagic(b []byte) bool {
	switch binary.LittleEndian.Uint32(b) {
	case 0xa1b2c3d4, 0xd4c3b2a1, 0xa1b23c4d, 0x4d3cb2a1:
		return true
	}
	return false
}

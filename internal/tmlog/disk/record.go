package disk

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"pkt.systems/xatm/internal/tmlog"
)

const (
	recordMagic   = uint32(0x58544d4c) // "XTML"
	recordVersion = uint8(1)
	headerSize    = 24
	maxBodySize   = 16 << 20
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

var errTornRecord = errors.New("disk: torn record")

type recordHeader struct {
	kind      tmlog.Kind
	length    uint32
	crc       uint32
	timestamp int64
}

func encodeHeader(buf []byte, hdr recordHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], recordMagic)
	buf[4] = recordVersion
	buf[5] = byte(hdr.kind)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], hdr.length)
	binary.LittleEndian.PutUint32(buf[12:16], hdr.crc)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(hdr.timestamp))
}

func decodeHeader(buf []byte) (recordHeader, error) {
	if len(buf) < headerSize {
		return recordHeader{}, fmt.Errorf("disk: record header short read")
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != recordMagic {
		return recordHeader{}, fmt.Errorf("disk: record header magic mismatch")
	}
	if buf[4] != recordVersion {
		return recordHeader{}, fmt.Errorf("disk: record header version mismatch")
	}
	hdr := recordHeader{
		kind:      tmlog.Kind(buf[5]),
		length:    binary.LittleEndian.Uint32(buf[8:12]),
		crc:       binary.LittleEndian.Uint32(buf[12:16]),
		timestamp: int64(binary.LittleEndian.Uint64(buf[16:24])),
	}
	if hdr.length > maxBodySize {
		return recordHeader{}, fmt.Errorf("disk: record length %d exceeds limit", hdr.length)
	}
	return hdr, nil
}

// encodeRecord renders e as header followed by its JSON body.
func encodeRecord(e tmlog.Entry) ([]byte, error) {
	body, err := tmlog.Encode(e)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, headerSize+len(body))
	encodeHeader(buf, recordHeader{
		kind:      e.Kind,
		length:    uint32(len(body)),
		crc:       crc32.Checksum(body, castagnoli),
		timestamp: e.Timestamp.UnixNano(),
	})
	copy(buf[headerSize:], body)
	return buf, nil
}

// readRecord reads one record from r. io.EOF marks a clean end;
// errTornRecord marks a partial or corrupt tail.
func readRecord(r io.Reader) (tmlog.Entry, int64, error) {
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(r, head); err != nil {
		if errors.Is(err, io.EOF) {
			return tmlog.Entry{}, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return tmlog.Entry{}, 0, errTornRecord
		}
		return tmlog.Entry{}, 0, err
	}
	hdr, err := decodeHeader(head)
	if err != nil {
		return tmlog.Entry{}, 0, fmt.Errorf("%w: %v", errTornRecord, err)
	}
	body := make([]byte, hdr.length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return tmlog.Entry{}, 0, errTornRecord
		}
		return tmlog.Entry{}, 0, err
	}
	if crc32.Checksum(body, castagnoli) != hdr.crc {
		return tmlog.Entry{}, 0, fmt.Errorf("%w: checksum mismatch", errTornRecord)
	}
	e, err := tmlog.Decode(body)
	if err != nil {
		return tmlog.Entry{}, 0, fmt.Errorf("%w: %v", errTornRecord, err)
	}
	if e.Kind != hdr.kind {
		return tmlog.Entry{}, 0, fmt.Errorf("%w: kind mismatch", errTornRecord)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Unix(0, hdr.timestamp).UTC()
	}
	return e, int64(headerSize) + int64(hdr.length), nil
}

package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

// Frame layout, big endian:
// [LSN:8][OpType:1][DataLen:4][Data:N][Checksum:4][Timestamp:8]
// The checksum covers the stored (possibly compressed) bytes.
const frameOverhead = 8 + 1 + 4 + 4 + 8

func (f *frame) size() int64 {
	return int64(frameOverhead + len(f.stored))
}

// maxFrameData bounds a single payload so a corrupt length cannot
// trigger a huge allocation during replay.
const maxFrameData = 64 << 20

var errCorruptFrame = errors.New("corrupt WAL frame")

type frame struct {
	lsn       uint64
	op        OpType
	stored    []byte
	checksum  uint32
	timestamp int64
}

func writeFrame(w *bufio.Writer, f *frame) error {
	var hdr [13]byte
	binary.BigEndian.PutUint64(hdr[0:8], f.lsn)
	hdr[8] = byte(f.op)
	binary.BigEndian.PutUint32(hdr[9:13], uint32(len(f.stored)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(f.stored); err != nil {
		return err
	}
	var tail [12]byte
	binary.BigEndian.PutUint32(tail[0:4], f.checksum)
	binary.BigEndian.PutUint64(tail[4:12], uint64(f.timestamp))
	_, err := w.Write(tail[:])
	return err
}

// readFrame returns io.EOF at a clean end of log and errCorruptFrame for
// a torn or damaged frame.
func readFrame(r *bufio.Reader) (*frame, error) {
	var hdr [13]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %v", errCorruptFrame, err)
	}
	f := &frame{
		lsn: binary.BigEndian.Uint64(hdr[0:8]),
		op:  OpType(hdr[8]),
	}
	n := binary.BigEndian.Uint32(hdr[9:13])
	if n > maxFrameData {
		return nil, fmt.Errorf("%w: payload length %d at LSN %d", errCorruptFrame, n, f.lsn)
	}
	f.stored = make([]byte, n)
	if _, err := io.ReadFull(r, f.stored); err != nil {
		return nil, fmt.Errorf("%w: payload at LSN %d: %v", errCorruptFrame, f.lsn, err)
	}
	var tail [12]byte
	if _, err := io.ReadFull(r, tail[:]); err != nil {
		return nil, fmt.Errorf("%w: trailer at LSN %d: %v", errCorruptFrame, f.lsn, err)
	}
	f.checksum = binary.BigEndian.Uint32(tail[0:4])
	f.timestamp = int64(binary.BigEndian.Uint64(tail[4:12]))
	if crc32.ChecksumIEEE(f.stored) != f.checksum {
		return nil, fmt.Errorf("%w: checksum mismatch at LSN %d", errCorruptFrame, f.lsn)
	}
	return f, nil
}

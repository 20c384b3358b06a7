package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
)

// Frame layout (spec.md §4.8): u64 engine_seq, u32 kind, u32 payload_len,
// payload, u32 crc32c. The checksum covers the header fields and payload
// together so a torn write anywhere in the frame is caught, not just a
// corrupted payload.
const frameHeaderSize = 8 + 4 + 4 // engine_seq + kind + payload_len
const frameTrailerSize = 4        // crc32c

var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

func writeFrame(w io.Writer, engineSeq uint64, kind Kind, payload []byte) error {
	header := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(header[0:8], engineSeq)
	binary.LittleEndian.PutUint32(header[8:12], uint32(kind))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(payload)))

	sum := crc32.Checksum(header, castagnoliTable)
	sum = crc32.Update(sum, castagnoliTable, payload)

	if _, err := w.Write(header); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var trailer [frameTrailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], sum)
	_, err := w.Write(trailer[:])
	return err
}

// readFrame reads one frame from r. err is io.EOF only when r is
// positioned exactly at the end of a well-formed log; any other failure
// (including a truncated trailing frame, which readFrame reports as
// io.ErrUnexpectedEOF) means the caller should truncate the log at the
// end of the last good frame and stop reading (spec.md §4.8 recovery policy).
func readFrame(r io.Reader) (engineSeq uint64, kind Kind, payload []byte, err error) {
	header := make([]byte, frameHeaderSize)
	if _, err = io.ReadFull(r, header); err != nil {
		return 0, 0, nil, err
	}
	engineSeq = binary.LittleEndian.Uint64(header[0:8])
	kind = Kind(binary.LittleEndian.Uint32(header[8:12]))
	payloadLen := binary.LittleEndian.Uint32(header[12:16])

	payload = make([]byte, payloadLen)
	if _, err = io.ReadFull(r, payload); err != nil {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}

	var trailer [frameTrailerSize]byte
	if _, err = io.ReadFull(r, trailer[:]); err != nil {
		return 0, 0, nil, io.ErrUnexpectedEOF
	}
	wantSum := binary.LittleEndian.Uint32(trailer[:])

	gotSum := crc32.Checksum(header, castagnoliTable)
	gotSum = crc32.Update(gotSum, castagnoliTable, payload)
	if gotSum != wantSum {
		return 0, 0, nil, errCorruptFrame
	}
	return engineSeq, kind, payload, nil
}

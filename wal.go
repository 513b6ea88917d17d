package aeternus

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// RecordLog is an append-only, CRC-protected record journal. Each memtable
// owns one segment; the catalog event log reuses the same format. The file
// starts with a fixed header, followed by framed records:
//
//	magic[4] version:u32 max_record_size:u32 seq:u64 header_crc:u32
//	{ len:u32 payload crc:u32 } *
//
// Appends are serialized so frames never interleave, and each append is
// synced to disk before returning.
type RecordLog struct {
	mu            sync.Mutex
	file          *os.File
	path          string
	seq           uint64
	maxRecordSize uint32
	closed        bool
}

const (
	walMagic      = "AWAL"
	walVersion    = 1
	walHeaderSize = 4 + 4 + 4 + 8 + 4
)

// walSegmentName formats the on-disk name for a WAL sequence number.
func walSegmentName(seq uint64) string {
	return fmt.Sprintf("%06d.log", seq)
}

// parseWalSegmentName extracts the sequence number from a segment filename.
// Returns false for names that are not <seq>.log.
func parseWalSegmentName(name string) (uint64, bool) {
	base, ok := strings.CutSuffix(name, ".log")
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

func encodeWalHeader(maxRecordSize uint32, seq uint64) []byte {
	buf := make([]byte, 0, walHeaderSize)
	buf = append(buf, walMagic...)
	buf = binary.LittleEndian.AppendUint32(buf, walVersion)
	buf = binary.LittleEndian.AppendUint32(buf, maxRecordSize)
	buf = binary.LittleEndian.AppendUint64(buf, seq)
	buf = binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf))
	return buf
}

// OpenRecordLog opens or creates the segment at path. A new file is written
// with a fresh header; an existing file must carry a valid header whose
// sequence matches the one encoded in the filename (when the filename is a
// <seq>.log segment name — the catalog event log is exempt).
func OpenRecordLog(path string, maxRecordSize uint32) (*RecordLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	nameSeq, nameHasSeq := parseWalSegmentName(filepath.Base(path))

	l := &RecordLog{file: f, path: path, maxRecordSize: maxRecordSize}

	if stat.Size() == 0 {
		seq := uint64(0)
		if nameHasSeq {
			seq = nameSeq
		}
		hdr := encodeWalHeader(maxRecordSize, seq)
		if _, err := f.Write(hdr); err != nil {
			f.Close()
			return nil, err
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
		l.seq = seq
		return l, nil
	}

	hdr := make([]byte, walHeaderSize)
	if _, err := f.ReadAt(hdr, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("wal %s: short header: %w", path, ErrInvalidHeader)
	}
	if string(hdr[:4]) != walMagic {
		f.Close()
		return nil, fmt.Errorf("wal %s: bad magic: %w", path, ErrInvalidHeader)
	}
	if v := binary.LittleEndian.Uint32(hdr[4:8]); v != walVersion {
		f.Close()
		return nil, fmt.Errorf("wal %s: unsupported version %d: %w", path, v, ErrInvalidHeader)
	}
	if got, want := binary.LittleEndian.Uint32(hdr[20:24]), crc32.ChecksumIEEE(hdr[:20]); got != want {
		f.Close()
		return nil, fmt.Errorf("wal %s: header crc %08x != %08x: %w", path, got, want, ErrInvalidHeader)
	}
	l.maxRecordSize = binary.LittleEndian.Uint32(hdr[8:12])
	l.seq = binary.LittleEndian.Uint64(hdr[12:20])
	if nameHasSeq && l.seq != nameSeq {
		f.Close()
		return nil, fmt.Errorf("wal %s: header seq %d != filename seq %d: %w", path, l.seq, nameSeq, ErrInvalidHeader)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the segment file path.
func (l *RecordLog) Path() string { return l.path }

// Seq returns the segment sequence number.
func (l *RecordLog) Seq() uint64 { return l.seq }

// MaxRecordSize returns the per-record payload cap.
func (l *RecordLog) MaxRecordSize() uint32 { return l.maxRecordSize }

// Append frames payload, writes it, and syncs the file before returning.
func (l *RecordLog) Append(payload []byte) error {
	if uint32(len(payload)) > l.maxRecordSize {
		return fmt.Errorf("wal %s: payload %d bytes exceeds %d: %w", l.path, len(payload), l.maxRecordSize, ErrRecordTooLarge)
	}

	frame := make([]byte, 0, 8+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if _, err := l.file.Write(frame); err != nil {
		return err
	}
	return l.file.Sync()
}

// Truncate resets the segment to header-only, durably.
func (l *RecordLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if err := l.file.Truncate(walHeaderSize); err != nil {
		return err
	}
	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	return l.file.Sync()
}

// RotateNext creates the next segment (<seq+1>.log, same directory) with a
// matching header and returns a handle bound to it. The receiver stays open
// and untouched; its file is left for the caller to manage.
func (l *RecordLog) RotateNext() (*RecordLog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	next := l.seq + 1
	path := filepath.Join(filepath.Dir(l.path), walSegmentName(next))
	return OpenRecordLog(path, l.maxRecordSize)
}

// Close closes the underlying file. Idempotent.
func (l *RecordLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}

// Remove closes the segment and deletes its file.
func (l *RecordLog) Remove() error {
	if err := l.Close(); err != nil {
		return err
	}
	return os.Remove(l.path)
}

// Replay returns an iterator over the segment's payloads from the start.
// Iteration stops at the first structural error; the error is reported by
// Err so callers keep the valid prefix.
func (l *RecordLog) Replay() (*ReplayIterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	if err := l.file.Sync(); err != nil {
		return nil, err
	}
	f, err := os.Open(l.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(walHeaderSize, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &ReplayIterator{file: f, maxRecordSize: l.maxRecordSize, path: l.path}, nil
}

// ReplayIterator walks a segment's frames:
//
//	for it.Next() { use(it.Payload()) }
//	if err := it.Err(); err != nil { ... }
type ReplayIterator struct {
	file          *os.File
	path          string
	maxRecordSize uint32
	payload       []byte
	err           error
	done          bool
}

// Next advances to the next valid frame. It returns false at clean EOF or on
// the first corruption, which is then available via Err.
func (it *ReplayIterator) Next() bool {
	if it.done {
		return false
	}
	var lenBuf [4]byte
	n, err := io.ReadFull(it.file, lenBuf[:])
	if err == io.EOF && n == 0 {
		it.finish(nil)
		return false
	}
	if err != nil {
		it.finish(fmt.Errorf("wal %s: truncated length prefix: %w", it.path, ErrUnexpectedEOF))
		return false
	}
	length := binary.LittleEndian.Uint32(lenBuf[:])
	if length > it.maxRecordSize {
		it.finish(fmt.Errorf("wal %s: frame length %d exceeds %d: %w", it.path, length, it.maxRecordSize, ErrRecordTooLarge))
		return false
	}
	buf := make([]byte, int(length)+4)
	if _, err := io.ReadFull(it.file, buf); err != nil {
		it.finish(fmt.Errorf("wal %s: truncated frame: %w", it.path, ErrUnexpectedEOF))
		return false
	}
	payload := buf[:length]
	want := binary.LittleEndian.Uint32(buf[length:])
	if got := crc32.ChecksumIEEE(payload); got != want {
		it.finish(fmt.Errorf("wal %s: frame crc %08x != %08x: %w", it.path, got, want, ErrChecksumMismatch))
		return false
	}
	it.payload = payload
	return true
}

// Payload returns the current frame's payload bytes.
func (it *ReplayIterator) Payload() []byte { return it.payload }

// Err returns the corruption that terminated iteration, if any.
func (it *ReplayIterator) Err() error { return it.err }

// Close releases the iterator's read handle.
func (it *ReplayIterator) Close() error {
	if it.file == nil {
		return nil
	}
	f := it.file
	it.file = nil
	return f.Close()
}

func (it *ReplayIterator) finish(err error) {
	it.done = true
	it.err = err
	it.Close()
}

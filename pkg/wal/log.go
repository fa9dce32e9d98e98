package wal

import (
	"bufio"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dd0wney/cluso-repository/pkg/logging"
)

const (
	plainFileName      = "containment.wal"
	compressedFileName = "containment.snappy.wal"
)

var ErrClosed = errors.New("WAL is closed")

// Options configures a Log.
type Options struct {
	// Compressed stores payloads snappy-encoded in a separate file.
	Compressed bool
	// NoSync skips fsync after each append. Intended for tests.
	NoSync bool
	Logger logging.Logger
	Now    func() time.Time
}

// Log is a file-backed write-ahead log. Every Append is flushed (and by
// default fsynced) before it returns.
type Log struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	writer     *bufio.Writer
	codec      codec
	currentLSN uint64
	opts       Options
	logger     logging.Logger
	stats      Stats
	closed     bool
}

// Open opens or creates the log in dir. A torn or corrupt tail left by a
// crash is cut off so that later appends remain readable.
func Open(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	l := &Log{
		codec:  plainCodec{},
		opts:   opts,
		logger: opts.Logger.With(logging.Component("wal")),
		path:   filepath.Join(dir, plainFileName),
	}
	if opts.Compressed {
		l.codec = snappyCodec{}
		l.path = filepath.Join(dir, compressedFileName)
	}
	if l.opts.Now == nil {
		l.opts.Now = time.Now
	}

	file, err := os.OpenFile(l.path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}
	l.file = file

	if err := l.recover(); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to recover WAL: %w", err)
	}
	l.writer = bufio.NewWriter(file)
	return l, nil
}

// recover scans the file, sets the current LSN and truncates anything
// after the last intact frame.
func (l *Log) recover() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader := bufio.NewReader(l.file)
	var good int64
	for {
		f, err := readFrame(reader)
		if err == io.EOF {
			break
		}
		if err != nil {
			l.logger.Warn("WAL corruption detected, truncating tail",
				logging.Int64("valid_bytes", good),
				logging.Error(err))
			if err := l.file.Truncate(good); err != nil {
				return err
			}
			break
		}
		good += f.size()
		l.currentLSN = f.lsn
	}
	_, err := l.file.Seek(good, io.SeekStart)
	return err
}

// Append appends a new entry to the WAL
func (l *Log) Append(opType OpType, data []byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.currentLSN == ^uint64(0) {
		return 0, fmt.Errorf("WAL LSN space exhausted")
	}

	stored := l.codec.encode(data)
	f := &frame{
		lsn:       l.currentLSN + 1,
		op:        opType,
		stored:    stored,
		checksum:  crc32.ChecksumIEEE(stored),
		timestamp: l.opts.Now().UnixNano(),
	}
	if err := writeFrame(l.writer, f); err != nil {
		return 0, fmt.Errorf("failed to write WAL entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush WAL: %w", err)
	}
	if !l.opts.NoSync {
		if err := l.file.Sync(); err != nil {
			return 0, fmt.Errorf("failed to sync WAL: %w", err)
		}
	}

	l.currentLSN = f.lsn
	l.stats.TotalWrites++
	l.stats.BytesPayload += uint64(len(data))
	l.stats.BytesStored += uint64(len(stored))
	return f.lsn, nil
}

// Replay calls handler for every entry in order. Entries are read through
// a separate handle so appends may continue afterwards.
func (l *Log) Replay(handler func(*Entry) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	file, err := os.Open(l.path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		f, err := readFrame(reader)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			l.logger.Warn("WAL replay stopped at corrupt frame", logging.Error(err))
			return nil
		}
		data, err := l.codec.decode(f.stored)
		if err != nil {
			return fmt.Errorf("failed to replay entry LSN=%d: %w", f.lsn, err)
		}
		entry := &Entry{
			LSN:       f.lsn,
			OpType:    f.op,
			Data:      data,
			Checksum:  f.checksum,
			Timestamp: f.timestamp,
		}
		if err := handler(entry); err != nil {
			return fmt.Errorf("failed to replay entry LSN=%d: %w", f.lsn, err)
		}
	}
}

// ReadAll returns every intact entry.
func (l *Log) ReadAll() ([]*Entry, error) {
	var entries []*Entry
	err := l.Replay(func(e *Entry) error {
		entries = append(entries, e)
		return nil
	})
	return entries, err
}

// Truncate atomically replaces the log with an empty file.
func (l *Log) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL before truncate: %w", err)
	}
	file, err := rotate(l.path, l.file)
	if file != nil {
		l.file = file
		l.writer = bufio.NewWriter(file)
	}
	if err != nil {
		return err
	}
	l.currentLSN = 0
	return nil
}

func (l *Log) CurrentLSN() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentLSN
}

// Stats returns write statistics since the log was opened.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

// Path returns the file backing the log.
func (l *Log) Path() string {
	return l.path
}

// Close flushes and closes the WAL. Closing twice is a no-op.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.writer.Flush(); err != nil {
		l.file.Close()
		return err
	}
	if err := l.file.Sync(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

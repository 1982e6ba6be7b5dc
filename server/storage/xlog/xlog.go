package xlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/util"
)

const (
	DefaultSegmentSize   = 16 * 1024 * 1024
	DefaultBufferSize    = 1024 * 1024
	DefaultFlushInterval = 200 * time.Millisecond
)

// Options 日志管理器配置
type Options struct {
	SegmentSize   int64
	BufferSize    int
	FlushInterval time.Duration // 0 关闭后台刷新
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.SegmentSize <= 0 {
		out.SegmentSize = DefaultSegmentSize
	}
	if out.BufferSize <= 0 {
		out.BufferSize = DefaultBufferSize
	}
	return out
}

// Manager 预写日志管理器。Insert 只把记录放进内存缓冲区，
// Flush 之后记录才是持久的。
type Manager struct {
	mu   sync.Mutex
	dir  string
	opts Options

	segID   uint64
	segFile *os.File
	segSize int64

	nextLSN    LSN    // 下一个要分配的LSN
	flushedLSN LSN    // 已经fsync的最大LSN
	buffer     []byte // 未写入文件的记录
	bufferLSN  LSN    // 缓冲区中最大的LSN

	stop   chan struct{}
	done   chan struct{}
	closed bool
}

// Open 打开日志目录，扫描已有段文件并截断末尾残缺的记录
func Open(dir string, opts Options) (*Manager, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, errors.Wrapf(err, "create xlog directory %s", dir)
	}
	m := &Manager{
		dir:     dir,
		opts:    opts.withDefaults(),
		nextLSN: 1,
	}
	if err := m.recoverSegments(); err != nil {
		return nil, err
	}
	if m.segFile == nil {
		if err := m.openSegment(0); err != nil {
			return nil, err
		}
	}
	m.flushedLSN = m.nextLSN - 1

	if m.opts.FlushInterval > 0 {
		m.stop = make(chan struct{})
		m.done = make(chan struct{})
		go m.backgroundFlush()
	}
	return m, nil
}

func segmentName(id uint64) string {
	return fmt.Sprintf("xlog_%016X.log", id)
}

func (m *Manager) listSegments() ([]uint64, error) {
	files, err := filepath.Glob(filepath.Join(m.dir, "xlog_*.log"))
	if err != nil {
		return nil, err
	}
	var ids []uint64
	for _, f := range files {
		hex := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(f), "xlog_"), ".log")
		id, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// recoverSegments 找到最后一条完整记录；之后的字节和段文件都被丢弃
func (m *Manager) recoverSegments() error {
	ids, err := m.listSegments()
	if err != nil {
		return err
	}
	for i, id := range ids {
		path := filepath.Join(m.dir, segmentName(id))
		validEnd, lastLSN, torn, err := scanSegment(path, func(*Record) error { return nil })
		if err != nil {
			return err
		}
		if lastLSN > 0 {
			m.nextLSN = lastLSN + 1
		}
		if torn {
			logger.Warnf("xlog segment %s has a torn tail at offset %d, truncating", path, validEnd)
			if err := os.Truncate(path, validEnd); err != nil {
				return errors.Wrapf(err, "truncate %s", path)
			}
			for _, later := range ids[i+1:] {
				if err := os.Remove(filepath.Join(m.dir, segmentName(later))); err != nil {
					return err
				}
			}
			ids = ids[:i+1]
			break
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return m.openSegment(ids[len(ids)-1])
}

func (m *Manager) openSegment(id uint64) error {
	path := filepath.Join(m.dir, segmentName(id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return errors.Wrapf(err, "open xlog segment %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	m.segID = id
	m.segFile = f
	m.segSize = st.Size()
	return nil
}

// scanSegment 顺序读取段文件，返回最后一条有效记录的结束位置
func scanSegment(path string, fn func(*Record) error) (validEnd int64, lastLSN LSN, torn bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, false, errors.Wrapf(err, "open xlog segment %s", path)
	}
	defer f.Close()

	header := make([]byte, recordHeaderSize)
	for {
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				return validEnd, lastLSN, false, nil
			}
			if err == io.ErrUnexpectedEOF {
				return validEnd, lastLSN, true, nil
			}
			return validEnd, lastLSN, false, err
		}
		cursor, lsn := util.ReadUB8(header, 0)
		cursor, length := util.ReadUB4(header, cursor)
		_, crc := util.ReadUB4(header, cursor)

		body := make([]byte, length)
		if _, err := io.ReadFull(f, body); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return validEnd, lastLSN, true, nil
			}
			return validEnd, lastLSN, false, err
		}
		if recordCRC(LSN(lsn), body) != crc || (lastLSN != 0 && LSN(lsn) != lastLSN+1) {
			return validEnd, lastLSN, true, nil
		}
		rec, err := decodeBody(LSN(lsn), body)
		if err != nil {
			return validEnd, lastLSN, true, nil
		}
		if err := fn(rec); err != nil {
			return validEnd, lastLSN, false, err
		}
		validEnd += int64(recordHeaderSize) + int64(length)
		lastLSN = LSN(lsn)
	}
}

// Insert 追加一条日志到缓冲区并分配LSN；缓冲区满时写出但不fsync
func (m *Manager) Insert(rmgr RmgrID, info uint8, rec *Record) (LSN, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("xlog is closed")
	}
	rec.Rmgr = rmgr
	rec.Info = info
	rec.LSN = m.nextLSN
	m.nextLSN++

	m.buffer = append(m.buffer, rec.encode()...)
	m.bufferLSN = rec.LSN

	if len(m.buffer) >= m.opts.BufferSize {
		if err := m.writeBuffer(); err != nil {
			return 0, err
		}
	}
	return rec.LSN, nil
}

// InsertAndFlush 追加并持久化一条日志
func (m *Manager) InsertAndFlush(rmgr RmgrID, info uint8, rec *Record) (LSN, error) {
	lsn, err := m.Insert(rmgr, info, rec)
	if err != nil {
		return 0, err
	}
	return lsn, m.Flush(lsn)
}

// Flush 保证 upTo 及之前的日志已经落盘
func (m *Manager) Flush(upTo LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(upTo)
}

func (m *Manager) flushLocked(upTo LSN) error {
	if m.closed {
		return errors.New("xlog is closed")
	}
	if upTo <= m.flushedLSN && len(m.buffer) == 0 {
		return nil
	}
	if err := m.writeBuffer(); err != nil {
		return err
	}
	if err := m.segFile.Sync(); err != nil {
		return errors.Wrap(err, "fsync xlog segment")
	}
	m.flushedLSN = m.nextLSN - 1
	return nil
}

// writeBuffer 把缓冲区写到当前段文件，必要时切换新段
func (m *Manager) writeBuffer() error {
	if len(m.buffer) == 0 {
		return nil
	}
	if m.segSize > 0 && m.segSize+int64(len(m.buffer)) > m.opts.SegmentSize {
		if err := m.segFile.Sync(); err != nil {
			return err
		}
		if err := m.segFile.Close(); err != nil {
			return err
		}
		if err := m.openSegment(m.segID + 1); err != nil {
			return err
		}
		if err := util.FsyncDir(m.dir); err != nil {
			return err
		}
	}
	n, err := m.segFile.Write(m.buffer)
	m.segSize += int64(n)
	if err != nil {
		return errors.Wrap(err, "write xlog segment")
	}
	m.buffer = m.buffer[:0]
	return nil
}

func (m *Manager) backgroundFlush() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if !m.closed && len(m.buffer) > 0 {
				if err := m.flushLocked(m.bufferLSN); err != nil {
					logger.Errorf("background xlog flush failed: %v", err)
				}
			}
			m.mu.Unlock()
		}
	}
}

// FlushedLSN 已持久化的最大LSN
func (m *Manager) FlushedLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushedLSN
}

// NextLSN 下一条记录将分配到的LSN
func (m *Manager) NextLSN() LSN {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLSN
}

// ReadFrom 从 start 开始按顺序回放已写入文件的记录
func (m *Manager) ReadFrom(start LSN, fn func(*Record) error) error {
	m.mu.Lock()
	if err := m.writeBuffer(); err != nil {
		m.mu.Unlock()
		return err
	}
	ids, err := m.listSegments()
	m.mu.Unlock()
	if err != nil {
		return err
	}

	for _, id := range ids {
		path := filepath.Join(m.dir, segmentName(id))
		_, _, torn, err := scanSegment(path, func(rec *Record) error {
			if rec.LSN < start {
				return nil
			}
			return fn(rec)
		})
		if err != nil {
			return errors.Wrapf(err, "replay segment %s", path)
		}
		if torn {
			break
		}
	}
	return nil
}

// RemoveSegmentsBefore 删除只包含 lsn 之前记录的段文件（检查点之后调用）
func (m *Manager) RemoveSegmentsBefore(lsn LSN) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids, err := m.listSegments()
	if err != nil {
		return err
	}
	for i, id := range ids {
		if id == m.segID || i+1 >= len(ids) {
			break
		}
		// 下一个段的第一条记录仍在 lsn 之前时，本段可以删除
		first, err := firstLSN(filepath.Join(m.dir, segmentName(ids[i+1])))
		if err != nil {
			return err
		}
		if first == 0 || first > lsn {
			break
		}
		if err := os.Remove(filepath.Join(m.dir, segmentName(id))); err != nil {
			return err
		}
		logger.Debugf("removed xlog segment %s", segmentName(id))
	}
	return nil
}

func firstLSN(path string) (LSN, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	header := make([]byte, recordHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return 0, nil
		}
		return 0, err
	}
	_, lsn := util.ReadUB8(header, 0)
	return LSN(lsn), nil
}

// Close 刷新缓冲区并关闭
func (m *Manager) Close() error {
	m.stopBackground()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	err := m.flushLocked(m.bufferLSN)
	m.closed = true
	if cerr := m.segFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Crash 模拟进程崩溃：丢弃未写出的缓冲区并关闭文件
func (m *Manager) Crash() {
	m.stopBackground()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.buffer = nil
	m.closed = true
	m.segFile.Close()
}

func (m *Manager) stopBackground() {
	m.mu.Lock()
	stop := m.stop
	m.stop = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-m.done
	}
}

package persistent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/zhukovaskychina/xgp-server/logger"
	"github.com/zhukovaskychina/xgp-server/server/storage/basic"
	"github.com/zhukovaskychina/xgp-server/server/storage/xlog"
	"github.com/zhukovaskychina/xgp-server/util"
)

// RelationFileName is the file backing kind's persistent relation.
func RelationFileName(kind basic.ObjKind) string {
	return fmt.Sprintf("gp_persistent_%s_node", kind)
}

// WALFlusher is the part of the write-ahead log a checkpoint needs.
type WALFlusher interface {
	Flush(upTo xlog.LSN) error
}

type slot struct {
	lsn   xlog.LSN
	tuple *Tuple // nil for a slot that was never used
	dirty bool
}

func (s *slot) free() bool {
	return s.tuple == nil || s.tuple.State == basic.StateFree
}

// Store 持久化对象目录的存储：每种对象一个文件，定长槽位，
// 启动时整体读入内存，检查点时写回脏槽位。
type Store struct {
	mu       sync.Mutex
	kind     basic.ObjKind
	path     string
	slotSize int
	perBlock int

	slots     []*slot
	free      []int // 空闲槽位下标，升序
	maxSerial int64
}

// OpenStore loads kind's relation file from dir, creating it when missing.
func OpenStore(dir string, kind basic.ObjKind) (*Store, error) {
	s := &Store{
		kind:     kind,
		path:     filepath.Join(dir, RelationFileName(kind)),
		slotSize: SlotSize(kind),
		perBlock: SlotsPerBlock(kind),
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		if err := util.CreateFileExclusive(s.path); err != nil {
			return nil, errors.Wrapf(err, "create %s", s.path)
		}
		return s, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.path)
	}
	if len(data)%BlockSize != 0 {
		return nil, errors.Errorf("%s size %d is not a multiple of the block size", s.path, len(data))
	}

	blocks := len(data) / BlockSize
	for b := 0; b < blocks; b++ {
		for i := 0; i < s.perBlock; i++ {
			off := b*BlockSize + i*s.slotSize
			raw := data[off : off+s.slotSize]
			_, lsn := util.ReadUB8(raw, 0)
			sl := &slot{lsn: xlog.LSN(lsn)}
			if lsn != 0 {
				t, err := DecodeTuple(kind, raw[slotHeaderSize:])
				if err != nil {
					return nil, errors.Wrapf(err, "%s tid %s", s.path, s.tidOf(len(s.slots)))
				}
				sl.tuple = t
				if t.SerialNum > s.maxSerial {
					s.maxSerial = t.SerialNum
				}
			}
			s.slots = append(s.slots, sl)
		}
	}
	// 尾部从未使用过的槽位不计入，追加时再分配
	for len(s.slots) > 0 && s.slots[len(s.slots)-1].tuple == nil {
		s.slots = s.slots[:len(s.slots)-1]
	}
	for i, sl := range s.slots {
		if sl.free() {
			s.free = append(s.free, i)
		}
	}
	logger.Debugf("loaded %s: %d slots, %d free, max serial %d", s.path, len(s.slots), len(s.free), s.maxSerial)
	return s, nil
}

func (s *Store) Kind() basic.ObjKind {
	return s.kind
}

func (s *Store) tidOf(index int) basic.TID {
	return basic.TID{Block: uint32(index / s.perBlock), Offset: uint16(index%s.perBlock + 1)}
}

func (s *Store) indexOf(tid basic.TID) (int, bool) {
	if !tid.Valid() || int(tid.Offset) > s.perBlock {
		return 0, false
	}
	return int(tid.Block)*s.perBlock + int(tid.Offset) - 1, true
}

// Read returns a copy of the live tuple at tid and the LSN of the record that
// last wrote it. ok is false for free or unused slots.
func (s *Store) Read(tid basic.TID) (t *Tuple, lsn xlog.LSN, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, valid := s.indexOf(tid)
	if !valid || idx >= len(s.slots) || s.slots[idx].free() {
		return nil, 0, false
	}
	sl := s.slots[idx]
	return sl.tuple.Clone(), sl.lsn, true
}

// SlotLSN returns the LSN of the record that last wrote tid, free or not.
func (s *Store) SlotLSN(tid basic.TID) xlog.LSN {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, valid := s.indexOf(tid)
	if !valid || idx >= len(s.slots) {
		return 0
	}
	return s.slots[idx].lsn
}

// Scan calls fn for every live tuple in TID order.
func (s *Store) Scan(fn func(tid basic.TID, t *Tuple) error) error {
	s.mu.Lock()
	var live []basic.TID
	var tuples []*Tuple
	for i, sl := range s.slots {
		if !sl.free() {
			live = append(live, s.tidOf(i))
			tuples = append(tuples, sl.tuple.Clone())
		}
	}
	s.mu.Unlock()

	for i := range live {
		if err := fn(live[i], tuples[i]); err != nil {
			return err
		}
	}
	return nil
}

// NextSerialNum allocates the next persistent serial number of this kind.
func (s *Store) NextSerialNum() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxSerial++
	return s.maxSerial
}

// ObserveSerialNum keeps the serial counter ahead of replayed tuples.
func (s *Store) ObserveSerialNum(serial int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if serial > s.maxSerial {
		s.maxSerial = serial
	}
}

// Allocate picks the TID the next added tuple goes to: the lowest free slot,
// else a new slot at the end. The slot stays free until Put.
func (s *Store) Allocate() basic.TID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.free) > 0 {
		return s.tidOf(s.free[0])
	}
	return s.tidOf(len(s.slots))
}

// Put stores t at tid as written by the record at lsn. A tuple in state Free
// releases the slot and chains it into the free list.
func (s *Store) Put(tid basic.TID, t *Tuple, lsn xlog.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, valid := s.indexOf(tid)
	if !valid {
		return errors.Errorf("invalid %s tid %s", s.kind, tid)
	}
	for len(s.slots) <= idx {
		s.slots = append(s.slots, &slot{})
		s.addFree(len(s.slots) - 1)
	}
	t = t.Clone()
	if t.State == basic.StateFree {
		if len(s.free) > 0 {
			t.PreviousFreeTid = s.tidOf(s.free[0])
		} else {
			t.PreviousFreeTid = basic.TID{}
		}
		s.addFree(idx)
	} else {
		t.PreviousFreeTid = basic.TID{}
		s.removeFree(idx)
	}
	sl := s.slots[idx]
	sl.tuple = t
	sl.lsn = lsn
	sl.dirty = true
	if t.SerialNum > s.maxSerial {
		s.maxSerial = t.SerialNum
	}
	return nil
}

func (s *Store) addFree(idx int) {
	i := sort.SearchInts(s.free, idx)
	if i < len(s.free) && s.free[i] == idx {
		return
	}
	s.free = append(s.free, 0)
	copy(s.free[i+1:], s.free[i:])
	s.free[i] = idx
}

func (s *Store) removeFree(idx int) {
	i := sort.SearchInts(s.free, idx)
	if i < len(s.free) && s.free[i] == idx {
		s.free = append(s.free[:i], s.free[i+1:]...)
	}
}

// Checkpoint writes dirty slots back to the relation file. The XLOG is
// flushed up to the newest dirty slot first, so no slot reaches disk ahead of
// its log record.
func (s *Store) Checkpoint(wal WALFlusher) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var maxLSN xlog.LSN
	dirty := 0
	for _, sl := range s.slots {
		if sl.dirty {
			dirty++
			if sl.lsn > maxLSN {
				maxLSN = sl.lsn
			}
		}
	}
	if dirty == 0 {
		return nil
	}
	if err := wal.Flush(maxLSN); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_RDWR, 0600)
	if err != nil {
		return errors.Wrapf(err, "open %s", s.path)
	}
	defer f.Close()

	blocks := (len(s.slots) + s.perBlock - 1) / s.perBlock
	st, err := f.Stat()
	if err != nil {
		return err
	}
	if st.Size() < int64(blocks*BlockSize) {
		if err := f.Truncate(int64(blocks * BlockSize)); err != nil {
			return errors.Wrapf(err, "extend %s", s.path)
		}
	}

	raw := make([]byte, s.slotSize)
	for i, sl := range s.slots {
		if !sl.dirty {
			continue
		}
		for j := range raw {
			raw[j] = 0
		}
		util.PutUB8(raw, 0, uint64(sl.lsn))
		if sl.tuple != nil {
			copy(raw[slotHeaderSize:], sl.tuple.Encode())
		}
		off := int64(i/s.perBlock)*BlockSize + int64(i%s.perBlock)*int64(s.slotSize)
		if _, err := f.WriteAt(raw, off); err != nil {
			return errors.Wrapf(err, "write %s tid %s", s.path, s.tidOf(i))
		}
	}
	if err := f.Sync(); err != nil {
		return errors.Wrapf(err, "fsync %s", s.path)
	}
	for _, sl := range s.slots {
		sl.dirty = false
	}
	logger.Debugf("checkpoint wrote %d dirty slots of %s", dirty, s.path)
	return nil
}

// Stats reports the number of live and free slots.
func (s *Store) Stats() (live, free int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots) - len(s.free), len(s.free)
}

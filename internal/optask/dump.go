package optask

import (
	"fmt"
	"sync"
)

// DumpRecord is the launch-time snapshot of one task, kept so that an
// asynchronous kernel fault can be explained after the fact.
type DumpRecord struct {
	TaskID        uint64
	Op            string
	OpType        string
	Kind          string
	AddrTableSize int64
	SlotSizes     []int64
	TilingSize    int64
	// TilingTag packs the tiling size and the tiling key into one word:
	// key<<32 | size.
	TilingTag uint64
}

func (r DumpRecord) String() string {
	return fmt.Sprintf("task %d op %s (%s/%s) addr_table=%d slots=%v tiling=%d tag=%#x",
		r.TaskID, r.Op, r.OpType, r.Kind, r.AddrTableSize, r.SlotSizes, r.TilingSize, r.TilingTag)
}

// DumpRing keeps the most recent launch snapshots.
type DumpRing struct {
	mu      sync.Mutex
	records []DumpRecord
	next    int
	full    bool
}

// NewDumpRing creates a ring holding up to capacity records.
func NewDumpRing(capacity int) *DumpRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &DumpRing{records: make([]DumpRecord, capacity)}
}

// Save stores rec, overwriting the oldest record when the ring is full.
func (r *DumpRing) Save(rec DumpRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[r.next] = rec
	r.next = (r.next + 1) % len(r.records)
	if r.next == 0 {
		r.full = true
	}
}

// Lookup finds the snapshot of taskID if it has not been overwritten yet.
func (r *DumpRing) Lookup(taskID uint64) (DumpRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.lenLocked(); i++ {
		if r.records[i].TaskID == taskID {
			return r.records[i], true
		}
	}
	return DumpRecord{}, false
}

// Len reports how many records are held.
func (r *DumpRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lenLocked()
}

func (r *DumpRing) lenLocked() int {
	if r.full {
		return len(r.records)
	}
	return r.next
}

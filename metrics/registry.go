// Package metrics accumulates per service call key counters: succeeded and failed calls,
// request byte flow, and minimum, maximum and total processing time.
//
// Records are created on first use and never removed. Every field is updated with
// atomics; the running minimum and maximum use compare-and-swap loops so concurrent
// cycles on the same key cannot lose an extreme value.
package metrics

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Record holds the counters of one service call key.
type Record struct {
	succeeded   atomic.Int64
	failed      atomic.Int64
	requestFlow atomic.Int64
	minTime     atomic.Int64 // math.MaxInt64 until the first observation
	maxTime     atomic.Int64
	totalTime   atomic.Int64
}

func newRecord() *Record {
	r := &Record{}
	r.minTime.Store(math.MaxInt64)
	return r
}

func (r *Record) observe(bytes int, elapsed time.Duration) {
	d := int64(elapsed)
	r.requestFlow.Add(int64(bytes))
	r.totalTime.Add(d)
	for {
		cur := r.minTime.Load()
		if d >= cur || r.minTime.CompareAndSwap(cur, d) {
			break
		}
	}
	for {
		cur := r.maxTime.Load()
		if d <= cur || r.maxTime.CompareAndSwap(cur, d) {
			break
		}
	}
}

func (r *Record) Succeeded() int64 { return r.succeeded.Load() }

func (r *Record) Failed() int64 { return r.failed.Load() }

func (r *Record) RequestFlow() int64 { return r.requestFlow.Load() }

// MinTime returns zero until a request has been observed.
func (r *Record) MinTime() time.Duration {
	v := r.minTime.Load()
	if v == math.MaxInt64 {
		return 0
	}
	return time.Duration(v)
}

func (r *Record) MaxTime() time.Duration { return time.Duration(r.maxTime.Load()) }

func (r *Record) TotalTime() time.Duration { return time.Duration(r.totalTime.Load()) }

// Snapshot is a point-in-time copy of a Record. The fields are read one by one, so a
// snapshot taken under load is not a single atomic view across fields.
type Snapshot struct {
	Key         string        `json:"key"`
	Succeeded   int64         `json:"succeeded"`
	Failed      int64         `json:"failed"`
	RequestFlow int64         `json:"request_flow"`
	MinTime     time.Duration `json:"min_time_ns"`
	MaxTime     time.Duration `json:"max_time_ns"`
	TotalTime   time.Duration `json:"total_time_ns"`
}

func (r *Record) snapshot(key string) Snapshot {
	return Snapshot{
		Key:         key,
		Succeeded:   r.Succeeded(),
		Failed:      r.Failed(),
		RequestFlow: r.RequestFlow(),
		MinTime:     r.MinTime(),
		MaxTime:     r.MaxTime(),
		TotalTime:   r.TotalTime(),
	}
}

// Registry maps service call keys to records.
type Registry struct {
	records sync.Map // string -> *Record
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (reg *Registry) record(key string) *Record {
	if r, ok := reg.records.Load(key); ok {
		return r.(*Record)
	}
	r, _ := reg.records.LoadOrStore(key, newRecord())
	return r.(*Record)
}

// RecordRequest adds one finished cycle's byte length and processing time.
func (reg *Registry) RecordRequest(key string, bytes int, elapsed time.Duration) {
	reg.record(key).observe(bytes, elapsed)
}

func (reg *Registry) RecordSuccess(key string) {
	reg.record(key).succeeded.Add(1)
}

func (reg *Registry) RecordFailure(key string) {
	reg.record(key).failed.Add(1)
}

// Get returns the record for key without creating it.
func (reg *Registry) Get(key string) (*Record, bool) {
	r, ok := reg.records.Load(key)
	if !ok {
		return nil, false
	}
	return r.(*Record), true
}

// Snapshot copies every record, sorted by key.
func (reg *Registry) Snapshot() []Snapshot {
	var out []Snapshot
	reg.records.Range(func(k, v any) bool {
		out = append(out, v.(*Record).snapshot(k.(string)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// SnapshotOf copies the record for key, if any.
func (reg *Registry) SnapshotOf(key string) (Snapshot, bool) {
	r, ok := reg.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	return r.snapshot(key), true
}

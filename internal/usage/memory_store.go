package usage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const defaultShards = 16

// MemoryStore shards records by id. Every shard keeps a per-tenant index
// ordered by timestamp for range scans.
type MemoryStore struct {
	shards []*shard
}

type shard struct {
	mu       sync.RWMutex
	byID     map[string]*StoredRecord
	byTenant map[string][]*StoredRecord
}

func NewMemoryStore(shards int) *MemoryStore {
	if shards <= 0 {
		shards = defaultShards
	}
	s := &MemoryStore{shards: make([]*shard, shards)}
	for i := range s.shards {
		s.shards[i] = &shard{
			byID:     make(map[string]*StoredRecord),
			byTenant: make(map[string][]*StoredRecord),
		}
	}
	return s
}

func (s *MemoryStore) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, rec *StoredRecord) (*StoredRecord, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, &StorageError{Op: "insert", Err: err}
	}
	sh := s.shardFor(rec.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.byID[rec.ID]; ok {
		return existing, false, nil
	}
	cp := *rec
	sh.byID[cp.ID] = &cp
	sh.insertIndex(&cp)
	return nil, true, nil
}

func (sh *shard) insertIndex(rec *StoredRecord) {
	list := sh.byTenant[rec.OrganizationID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(rec.Timestamp) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = rec
	sh.byTenant[rec.OrganizationID] = list
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*StoredRecord, error) {
	sh := s.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	rec, ok := sh.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Scan(ctx context.Context, f Filter, fn func(*StoredRecord) error) error {
	var matched []*StoredRecord
	for _, sh := range s.shards {
		if err := ctx.Err(); err != nil {
			return &StorageError{Op: "scan", Err: err}
		}
		matched = append(matched, sh.collect(f)...)
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].OrganizationID != matched[j].OrganizationID {
			return matched[i].OrganizationID < matched[j].OrganizationID
		}
		return matched[i].Timestamp.Before(matched[j].Timestamp)
	})
	for _, rec := range matched {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func (sh *shard) collect(f Filter) []*StoredRecord {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	var out []*StoredRecord
	if f.OrganizationID == "" {
		for _, rec := range sh.byID {
			if f.Match(rec) {
				out = append(out, rec)
			}
		}
		return out
	}

	list := sh.byTenant[f.OrganizationID]
	i := 0
	if !f.Start.IsZero() {
		i = sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(f.Start) })
	}
	for ; i < len(list); i++ {
		rec := list[i]
		if !f.End.IsZero() && !rec.Timestamp.Before(f.End) {
			break
		}
		if f.Match(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// UpdatePricing swaps in a new record value so concurrent readers holding
// the previous pointer never see a half-updated record.
func (s *MemoryStore) UpdatePricing(ctx context.Context, id string, p Pricing) error {
	sh := s.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	old, ok := sh.byID[id]
	if !ok {
		return ErrNotFound
	}
	next := *old
	next.Pricing = p
	sh.byID[id] = &next

	list := sh.byTenant[old.OrganizationID]
	for i, rec := range list {
		if rec == old {
			list[i] = &next
			break
		}
	}
	return nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for _, sh := range s.shards {
		sh.mu.Lock()
		for tenant, list := range sh.byTenant {
			i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
			for _, rec := range list[:i] {
				delete(sh.byID, rec.ID)
			}
			n += int64(i)
			if i == len(list) {
				delete(sh.byTenant, tenant)
			} else {
				sh.byTenant[tenant] = append([]*StoredRecord(nil), list[i:]...)
			}
		}
		sh.mu.Unlock()
	}
	return n, nil
}

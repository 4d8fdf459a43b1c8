package pagefile

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/arbordb/arbor/pkg/arborerr"
	"github.com/arbordb/arbor/pkg/budget"
)

const (
	// MinPageSize is the smallest page size Open accepts.
	MinPageSize = 512
	// DefaultPageSize matches the teacher stack's database default.
	DefaultPageSize = 4096
	// DefaultCacheSize is the default number of pages kept resident.
	DefaultCacheSize = 1000

	// budgetComponent is the name this package registers with a shared
	// budget.Tracker, mirroring the teacher's "page_cache" component.
	budgetComponent = "page_cache"
)

// Options configures a PagedFile.
type Options struct {
	PageSize  int            // page size in bytes; 0 defaults to DefaultPageSize
	CacheSize int            // resident page count; 0 defaults to DefaultCacheSize
	ReadOnly  bool           // refuse Write pins
	Budget    *budget.Tracker // optional shared memory-budget tracker
}

type cacheEntry struct {
	pg   *page
	elem *list.Element
}

// PagedFile maps a Storage backend into fixed-size pages and hands out
// pin-scoped Cursors over them.
type PagedFile struct {
	mu        sync.Mutex
	storage   Storage
	pageSize  int
	pageCount uint64 // high-water mark; page IDs [0, pageCount) are valid
	readOnly  bool

	cache     map[PageID]*cacheEntry
	lru       *list.List
	cacheSize int

	budget *budget.Tracker
	tracer Tracer
}

// Open opens path as a paged file, creating it if absent. path ==
// ":memory:" selects a pure in-memory backend.
func Open(path string, opts Options) (*PagedFile, error) {
	pageSize := opts.PageSize
	if pageSize == 0 {
		pageSize = DefaultPageSize
	}
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("pagefile: page size %d below minimum %d: %w", pageSize, MinPageSize, arborerr.ErrUnableToOpen)
	}

	cacheSize := opts.CacheSize
	if cacheSize == 0 {
		cacheSize = DefaultCacheSize
	}

	var storage Storage
	var err error
	if path == ":memory:" {
		storage, err = NewMemoryStorage(int64(pageSize))
	} else {
		storage, err = OpenMappedStorage(path, int64(pageSize))
	}
	if err != nil {
		return nil, fmt.Errorf("pagefile: open %q: %w", path, arborerr.ErrUnableToOpen)
	}

	pf := &PagedFile{
		storage:   storage,
		pageSize:  pageSize,
		pageCount: uint64(storage.Size()) / uint64(pageSize),
		readOnly:  opts.ReadOnly,
		cache:     make(map[PageID]*cacheEntry),
		lru:       list.New(),
		cacheSize: cacheSize,
		budget:    opts.Budget,
	}
	if pf.pageCount == 0 {
		pf.pageCount = 1
	}
	if pf.budget != nil {
		pf.budget.RegisterComponent(budgetComponent)
	}

	return pf, nil
}

// PageSize returns the configured page size in bytes.
func (pf *PagedFile) PageSize() int { return pf.pageSize }

// PageCount returns the current high-water mark: the number of valid
// page IDs, [0, PageCount()).
func (pf *PagedFile) PageCount() uint64 {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.pageCount
}

// ReadOnly reports whether this paged file refuses Write pins.
func (pf *PagedFile) ReadOnly() bool { return pf.readOnly }

// Tracer returns the pin/unpin/hit tracer for this paged file.
func (pf *PagedFile) Tracer() *Tracer { return &pf.tracer }

// Extend grows the file by one page and returns its fresh PageID. The
// caller is responsible for pinning and zero-initializing it.
func (pf *PagedFile) Extend() (PageID, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	id := PageID(pf.pageCount)
	pf.pageCount++

	required := int64(pf.pageCount) * int64(pf.pageSize)
	if required > pf.storage.Size() {
		grow := pf.storage.Size() + pf.storage.Size()/10
		if grow < required {
			grow = required
		}
		if err := pf.storage.Grow(grow); err != nil {
			return 0, fmt.Errorf("pagefile: grow: %w", arborerr.ErrIO)
		}
		pf.invalidateCacheLocked()
	}

	return id, nil
}

// Pin acquires a Cursor over pageID in the given mode.
func (pf *PagedFile) Pin(id PageID, mode Mode) (*Cursor, error) {
	if mode == Write && pf.readOnly {
		return nil, arborerr.ErrReadOnly
	}

	pf.mu.Lock()
	if uint64(id) >= pf.pageCount {
		pf.mu.Unlock()
		return nil, fmt.Errorf("pagefile: page %d: %w", id, arborerr.ErrOutOfBounds)
	}

	entry, hit := pf.cache[id]
	if hit {
		pf.lru.MoveToFront(entry.elem)
		pf.tracer.recordHit()
	} else {
		offset := int(id) * pf.pageSize
		data := pf.storage.Slice(offset, pf.pageSize)
		if data == nil {
			pf.mu.Unlock()
			return nil, fmt.Errorf("pagefile: page %d: %w", id, arborerr.ErrIO)
		}
		pg := &page{id: id, data: data}
		elem := pf.lru.PushFront(id)
		entry = &cacheEntry{pg: pg, elem: elem}
		pf.cache[id] = entry
		if pf.budget != nil {
			pf.budget.TrackItem(budgetComponent, fmt.Sprint(id), int64(pf.pageSize), budget.PriorityWarm)
		}
		pf.evictIfNeededLocked()
	}
	pg := entry.pg
	pg.pin()
	pf.mu.Unlock()

	pf.tracer.recordPin()

	c := &Cursor{pf: pf, pg: pg, mode: mode}
	if mode == Read {
		c.Reread()
	}
	return c, nil
}

// evictIfNeededLocked drops clean, unpinned pages from the cache once it
// exceeds cacheSize. Dirty pages are never evicted silently — callers
// must Flush first.
func (pf *PagedFile) evictIfNeededLocked() {
	for pf.lru.Len() > pf.cacheSize {
		back := pf.lru.Back()
		if back == nil {
			return
		}
		id := back.Value.(PageID)
		entry := pf.cache[id]
		if entry.pg.pinCount() > 0 || entry.pg.isDirty() {
			// Can't evict a page in use or with unflushed writes;
			// move it to the front so we try someone else next time.
			pf.lru.MoveToFront(back)
			if pf.lru.Len() <= pf.cacheSize {
				return
			}
			continue
		}
		pf.lru.Remove(back)
		delete(pf.cache, id)
		if pf.budget != nil {
			pf.budget.ReleaseItem(budgetComponent, fmt.Sprint(id))
		}
	}
}

func (pf *PagedFile) invalidateCacheLocked() {
	for id, entry := range pf.cache {
		offset := int(id) * pf.pageSize
		entry.pg.data = pf.storage.Slice(offset, pf.pageSize)
	}
}

// Flush ensures all pages are marked clean; combined with Sync this
// makes prior writes durable.
func (pf *PagedFile) Flush() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	for _, entry := range pf.cache {
		entry.pg.setDirty(false)
	}
	return nil
}

// Sync flushes the backing storage to durable media.
func (pf *PagedFile) Sync() error {
	if err := pf.storage.Sync(); err != nil {
		return fmt.Errorf("pagefile: sync: %w", arborerr.ErrIO)
	}
	return nil
}

// Close releases the backing storage. It does not call Flush or Sync.
func (pf *PagedFile) Close() error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.storage.Close()
}

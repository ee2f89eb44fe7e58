package lens

import (
	"errors"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugContentStore = false

// ErrContentNotFound reports a CID with no stored content.
var ErrContentNotFound = errors.New("content not found")

// ContentStats describes store size and process-lifetime access counters.
type ContentStats struct {
	Items       int64 `json:"items"`
	StoredBytes int64 `json:"stored_bytes"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Puts        int64 `json:"puts"`
	DupPuts     int64 `json:"dup_puts"`
}

// ContentStore is the append-only, content-addressed payload store. Put
// verifies data against its CID, so a stored entry can never disagree with
// its key and re-putting existing content is always a no-op.
type ContentStore interface {
	// Put stores data under cid. Returns a CidMismatchError when the data
	// does not hash to cid. Idempotent for existing entries.
	Put(cid string, data []byte) error
	// Get returns the content behind cid, or ErrContentNotFound.
	Get(cid string) ([]byte, error)
	// Has reports whether cid is stored without fetching the value.
	Has(cid string) (bool, error)
	// Missing filters cids down to those not stored, preserving order.
	Missing(cids []string) ([]string, error)
	// Stats reports store size and access counters.
	Stats() (ContentStats, error)
	Close() error
}

type storeCounters struct {
	hits    atomic.Int64
	misses  atomic.Int64
	puts    atomic.Int64
	dupPuts atomic.Int64
}

type memContentStore struct {
	mu       sync.Mutex
	data     map[string][]byte
	bytes    int64
	counters storeCounters
}

// NewMemContentStore returns an in-memory ContentStore, used by tests and
// the ephemeral server mode.
func NewMemContentStore() ContentStore {
	return &memContentStore{data: make(map[string][]byte)}
}

func (m *memContentStore) Put(cid string, data []byte) error {
	if err := VerifyCID(cid, data); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.data[cid]; ok {
		m.counters.dupPuts.Add(1)
		return nil
	}
	m.data[cid] = append([]byte(nil), data...) // copy to avoid external mutation
	m.bytes += int64(len(data))
	m.counters.puts.Add(1)
	return nil
}

func (m *memContentStore) Get(cid string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, ok := m.data[cid]
	if !ok {
		m.counters.misses.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, cidFingerprint(cid))
	}
	m.counters.hits.Add(1)
	return append([]byte(nil), data...), nil
}

func (m *memContentStore) Has(cid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.data[cid]
	return ok, nil
}

func (m *memContentStore) Missing(cids []string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var missing []string
	for _, cid := range cids {
		if _, ok := m.data[cid]; !ok {
			missing = append(missing, cid)
		}
	}
	return missing, nil
}

func (m *memContentStore) Stats() (ContentStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return ContentStats{
		Items:       int64(len(m.data)),
		StoredBytes: m.bytes,
		Hits:        m.counters.hits.Load(),
		Misses:      m.counters.misses.Load(),
		Puts:        m.counters.puts.Load(),
		DupPuts:     m.counters.dupPuts.Load(),
	}, nil
}

func (m *memContentStore) Close() error {
	return nil // no resources to free
}

const contentSplitBuffer = 16         // small extra buffer to avoid ever hitting the max anywhere
const contentSplitLogFileBuffer = 240 // extra log file space compared to max value size
const splitPrefixString = "badger_split:"
const contentCompression = options.ZSTD // disabling db compression results in less splitting, but benchmarks are worse

// contentSplitLimit is max size before value split, updated by tests to reduce test overhead.
var contentSplitLimit = (1 << 30) - contentSplitBuffer - contentSplitLogFileBuffer

var splitRe = regexp.MustCompile(`^` + splitPrefixString + `(\d+):(\d+):(\d+)$`)

// Stored value framing. Content bytes are arbitrary client data, so a flag
// byte distinguishes real content from split markers; a payload that merely
// looks like a marker cannot be misread.
const (
	valueFlagInline byte = 0
	valueFlagSplit  byte = 1
)

type badgerContentStore struct {
	path     string
	db       *badger.DB
	locks    *stripedMutex
	items    atomic.Int64
	bytes    atomic.Int64
	counters storeCounters
}

// NewBadgerContentStore opens a durable Badger-backed ContentStore at path.
// maxMemMB bounds the combined memtable and cache budget.
func NewBadgerContentStore(path string, maxMemMB int) (ContentStore, error) {
	// ensure directory exists
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create content dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	var blockCacheSize int64 // blockCache should only be enabled if compression or encryption are enabled
	if contentCompression != options.None {
		blockCacheSize = clamp(int64(maxMemMB/8), 2, 128) << 20
	}

	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20
	// TotalRAM ≃ (NumMemtables × MemTableSize) + BlockCacheSize + IndexCacheSize
	opts := badger.DefaultOptions(path).
		WithInMemory(false).
		WithDetectConflicts(false). // puts are serialized per CID and content never changes
		WithChecksumVerificationMode(options.NoVerification).
		WithCompression(contentCompression).
		WithZSTDCompressionLevel(8).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize). // equal to mem table size gives one SST per flush, fewest compaction jobs
		WithBlockSize(1024 * 128).       // bigger blocks for better compression and fewer index entries
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(clamp(int64(maxMemMB/4), 16, 128) << 20).
		WithValueLogFileSize(max(1024*1024*128, int64(contentSplitLimit)+contentSplitLogFileBuffer))

	if !debugContentStore {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open content db failed: %w", err)
	}
	s := &badgerContentStore{path: path, db: db, locks: newDefaultStripedMutex()}
	if err := s.loadCounts(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if debugContentStore {
		go func() {
			for {
				time.Sleep(60 * time.Second)
				if db.IsClosed() {
					return
				}
				logMetrics := func(name string, metrics *ristretto.Metrics) {
					if metrics.Hits() != 0 || metrics.Misses() != 0 {
						log.Println(name + ": " + metrics.String())
					}
					metrics.Clear()
				}

				logMetrics("block", db.BlockCacheMetrics())
				logMetrics("index", db.IndexCacheMetrics())
			}
		}()
	}
	return s, nil
}

// loadCounts seeds the item and byte counters with a key-only scan. Values
// are not fetched, so reopening even a large store stays fast.
func (s *badgerContentStore) loadCounts() error {
	var items, bytes int64
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.PrefetchValues = false
		it := txn.NewIterator(iterOpts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			if len(item.Key()) > 0 && item.Key()[0] == '!' {
				continue // split part keys
			}
			items++
			bytes += item.ValueSize()
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.items.Store(items)
	s.bytes.Store(bytes)
	return nil
}

func partKey(cid string, i int) []byte {
	return []byte("!" + cid + "-" + strconv.Itoa(i))
}

func (s *badgerContentStore) Put(cid string, data []byte) error {
	if err := VerifyCID(cid, data); err != nil {
		return err
	}
	lock := s.locks.Lock(cid)
	defer lock.Unlock()

	if ok, err := s.containsKey(cid); err != nil {
		return err
	} else if ok {
		s.counters.dupPuts.Add(1)
		return nil // append-only: identical content is already here
	}

	storeBlob := data
	if contentCompression == options.None { // manual compression allows us to better avoid split logic
		storeBlob = ZstdCompress(nil, data)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		mainKey := []byte(cid)

		// if small enough, write in one piece
		if len(storeBlob) < contentSplitLimit {
			return txn.Set(mainKey, append([]byte{valueFlagInline}, storeBlob...))
		}

		// else, split into roughly equal parts
		parts := len(storeBlob) / contentSplitLimit
		if len(storeBlob)%contentSplitLimit != 0 {
			parts++
		}
		base := len(storeBlob) / parts
		rem := len(storeBlob) % parts
		var off int
		for i := 0; i < parts; i++ {
			sz := base
			if i < rem {
				sz++
			}
			if err := txn.Set(partKey(cid, i), storeBlob[off:off+sz]); err != nil {
				return err
			}
			off += sz
		}
		// store a marker of the form "badger_split:<parts>:<storedLen>:<origLen>"
		marker := fmt.Sprintf("%s%d:%d:%d", splitPrefixString, parts, len(storeBlob), len(data))
		return txn.Set(mainKey, append([]byte{valueFlagSplit}, marker...))
	})
	if err != nil {
		return err
	}
	s.items.Add(1)
	s.bytes.Add(int64(len(storeBlob)))
	s.counters.puts.Add(1)
	return nil
}

func (s *badgerContentStore) Get(cid string) ([]byte, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(cid))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			raw = append([]byte(nil), v...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	} else if raw == nil {
		s.counters.misses.Add(1)
		return nil, fmt.Errorf("%w: %s", ErrContentNotFound, cidFingerprint(cid))
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty framing for %s", cidFingerprint(cid))
	}

	flag, body := raw[0], raw[1:]
	var stored []byte
	var decompressedBuffer []byte
	switch flag {
	case valueFlagInline:
		stored = body
	case valueFlagSplit: // reassemble split value
		m := splitRe.FindSubmatch(body)
		if m == nil {
			return nil, fmt.Errorf("corrupt split marker for %s", cidFingerprint(cid))
		}
		count, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse part count: %w", err)
		}
		storedSize, err := strconv.Atoi(string(m[2]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored size: %w", err)
		}
		originalSize, err := strconv.Atoi(string(m[3]))
		if err != nil {
			return nil, fmt.Errorf("failed to parse original size: %w", err)
		}
		stored = make([]byte, storedSize)
		decompressedBuffer = make([]byte, 0, originalSize) // prepare buffer since we know the exact size
		var off int
		if err := s.db.View(func(txn *badger.Txn) error {
			for i := 0; i < count; i++ {
				item, err := txn.Get(partKey(cid, i))
				if err != nil {
					return fmt.Errorf("large value failure on part %d: %w", i, err)
				} else if err := item.Value(func(v []byte) error {
					copy(stored[off:], v)
					off += len(v)
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown framing flag %d for %s", flag, cidFingerprint(cid))
	}

	s.counters.hits.Add(1)
	if contentCompression == options.None { // manually decompress
		return ZstdDecompress(decompressedBuffer, stored)
	}
	return stored, nil
}

func (s *badgerContentStore) Has(cid string) (bool, error) {
	return s.containsKey(cid)
}

func (s *badgerContentStore) containsKey(cid string) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(cid))
		if err == nil {
			found = true
			return nil
		}
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return found, err
}

func (s *badgerContentStore) Missing(cids []string) ([]string, error) {
	var missing []string
	err := s.db.View(func(txn *badger.Txn) error {
		for _, cid := range cids {
			if _, err := txn.Get([]byte(cid)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					missing = append(missing, cid)
					continue
				}
				return err
			}
		}
		return nil
	})
	return missing, err
}

func (s *badgerContentStore) Stats() (ContentStats, error) {
	return ContentStats{
		Items:       s.items.Load(),
		StoredBytes: s.bytes.Load(),
		Hits:        s.counters.hits.Load(),
		Misses:      s.counters.misses.Load(),
		Puts:        s.counters.puts.Load(),
		DupPuts:     s.counters.dupPuts.Load(),
	}, nil
}

// Close flushes and closes the database. The store directory is kept:
// content must survive server restarts.
func (s *badgerContentStore) Close() error {
	return s.db.Close()
}

// cachedContentStore layers an in-memory ristretto cache over another store.
// Content is immutable once written, so cached entries can never go stale.
type cachedContentStore struct {
	inner ContentStore
	cache *ristretto.Cache[string, []byte]
}

// NewCachedContentStore wraps inner with a read-through cache bounded to
// maxMemMB of content bytes.
func NewCachedContentStore(inner ContentStore, maxMemMB int) (ContentStore, error) {
	maxCost := int64(max(maxMemMB, 8)) << 20
	cache, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: maxCost / 1024 * 10, // 10x the expected item count at ~1KB median
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("content cache init failed: %w", err)
	}
	return &cachedContentStore{inner: inner, cache: cache}, nil
}

func (c *cachedContentStore) Put(cid string, data []byte) error {
	if err := c.inner.Put(cid, data); err != nil {
		return err
	}
	c.cache.Set(cid, data, int64(len(data)))
	return nil
}

func (c *cachedContentStore) Get(cid string) ([]byte, error) {
	if data, ok := c.cache.Get(cid); ok {
		return data, nil
	}
	data, err := c.inner.Get(cid)
	if err != nil {
		return nil, err
	}
	c.cache.Set(cid, data, int64(len(data)))
	return data, nil
}

func (c *cachedContentStore) Has(cid string) (bool, error) {
	if _, ok := c.cache.Get(cid); ok {
		return true, nil
	}
	return c.inner.Has(cid)
}

func (c *cachedContentStore) Missing(cids []string) ([]string, error) {
	var unknown []string
	for _, cid := range cids {
		if _, ok := c.cache.Get(cid); !ok {
			unknown = append(unknown, cid)
		}
	}
	if len(unknown) == 0 {
		return nil, nil
	}
	return c.inner.Missing(unknown)
}

func (c *cachedContentStore) Stats() (ContentStats, error) {
	return c.inner.Stats()
}

func (c *cachedContentStore) Close() error {
	c.cache.Close()
	return c.inner.Close()
}

package fingerprint

import (
	"sync"
)

// Match is the nearest stored record within the duplicate threshold
type Match struct {
	RecordID     int64 `json:"record_id"`
	Distance     int   `json:"distance"`
	TileDistance int   `json:"tile_distance"`
}

// Entry is one stored fingerprint
type Entry struct {
	RecordID    int64
	Fingerprint Fingerprint
}

// Index holds the fingerprints of every stored scan. It is shared by all
// sessions; reads run concurrently and Add takes the write lock.
type Index struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewIndex builds an index from previously stored entries
func NewIndex(entries []Entry) *Index {
	ix := &Index{entries: make([]Entry, 0, len(entries))}
	ix.entries = append(ix.entries, entries...)
	return ix
}

// Add registers the fingerprint of a newly persisted record
func (ix *Index) Add(recordID int64, fp Fingerprint) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.entries = append(ix.entries, Entry{RecordID: recordID, Fingerprint: fp})
}

// Len returns the number of indexed fingerprints
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Nearest returns the stored entry with the smallest distance at or below
// threshold. Ties go to the oldest record. When tileThreshold is positive
// and both sides carry tile hashes, every tile must also be within it.
func (ix *Index) Nearest(fp Fingerprint, threshold, tileThreshold int) (Match, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	best := Match{Distance: Bits + 1}
	found := false
	for _, e := range ix.entries {
		d := Distance(fp, e.Fingerprint)
		if d > threshold {
			continue
		}
		td := TileDistance(fp, e.Fingerprint)
		if tileThreshold > 0 && td > tileThreshold {
			continue
		}
		if d < best.Distance || (d == best.Distance && e.RecordID < best.RecordID) {
			best = Match{RecordID: e.RecordID, Distance: d, TileDistance: td}
			found = true
		}
	}
	return best, found
}

// Result is the outcome of matching one committed image
type Result struct {
	Fingerprint Fingerprint
	Nearest     *Match
}

// Matcher fingerprints committed stills and looks them up in the index.
// Record serializes lookup and insertion so two concurrent commits of the
// same card cannot both be stored as new.
type Matcher struct {
	index         *Index
	threshold     int
	tileThreshold int

	recordMu sync.Mutex
}

// NewMatcher returns a matcher reporting duplicates at or below threshold
func NewMatcher(index *Index, threshold, tileThreshold int) *Matcher {
	return &Matcher{
		index:         index,
		threshold:     threshold,
		tileThreshold: tileThreshold,
	}
}

// Match fingerprints data and reports the nearest stored duplicate, if any.
// It does not change the index.
func (m *Matcher) Match(data []byte) (Result, error) {
	fp, err := Compute(data)
	if err != nil {
		return Result{}, err
	}
	return m.lookup(fp), nil
}

func (m *Matcher) lookup(fp Fingerprint) Result {
	res := Result{Fingerprint: fp}
	if match, ok := m.index.Nearest(fp, m.threshold, m.tileThreshold); ok {
		res.Nearest = &match
	}
	return res
}

// Record looks fp up, hands the result to persist and indexes the id it
// returns. Lookup and indexing happen under one lock, so a record persisted
// by a concurrent Record is always seen. Nothing is indexed when persist fails.
func (m *Matcher) Record(fp Fingerprint, persist func(Result) (int64, error)) (Result, error) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	res := m.lookup(fp)
	id, err := persist(res)
	if err != nil {
		return res, err
	}
	m.index.Add(id, fp)
	return res, nil
}

// Len returns the size of the underlying index
func (m *Matcher) Len() int {
	return m.index.Len()
}

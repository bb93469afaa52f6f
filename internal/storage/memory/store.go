package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

// Store is an in-memory crawler.Store for development and tests.
type Store struct {
	mu     sync.RWMutex
	now    func() time.Time
	nextID int64
	codes  map[int64]crawler.Code
	names  map[int64]crawler.Name
	raw    []crawler.RawContent
	files  []crawler.FileRecord
}

var _ crawler.Store = (*Store)(nil)

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		now:   func() time.Time { return time.Now().UTC() },
		codes: make(map[int64]crawler.Code),
		names: make(map[int64]crawler.Name),
	}
}

// SaveCode inserts a pending code unless the code already exists.
func (s *Store) SaveCode(_ context.Context, code, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.codes {
		if c.Code == code {
			return nil
		}
	}
	for _, c := range s.codes {
		if c.URL == url {
			return fmt.Errorf("insert code %s: url %q already used by code %s", code, url, c.Code)
		}
	}
	now := s.now()
	s.nextID++
	s.codes[s.nextID] = crawler.Code{
		ID: s.nextID, Code: code, URL: url, Status: crawler.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

// PendingCodes returns pending codes ordered by id.
func (s *Store) PendingCodes(_ context.Context) ([]crawler.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Code
	for _, c := range s.codes {
		if c.Status == crawler.StatusPending {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateCodeStatus moves a pending code to done or error.
func (s *Store) UpdateCodeStatus(_ context.Context, id int64, status crawler.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[id]
	if !ok {
		return fmt.Errorf("codes %d: %w", id, crawler.ErrNotFound)
	}
	if err := checkTransition(c.Status, status); err != nil {
		return fmt.Errorf("codes %d: %w", id, err)
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.codes[id] = c
	return nil
}

// SaveName inserts a pending name unless the name already exists.
func (s *Store) SaveName(_ context.Context, code, name, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// The natural key wins over a url clash, whatever the map order.
	for _, n := range s.names {
		if n.Name == name {
			return nil
		}
	}
	for _, n := range s.names {
		if n.URL == url {
			return fmt.Errorf("insert name %q: url %q already used by %q", name, url, n.Name)
		}
	}
	now := s.now()
	s.nextID++
	s.names[s.nextID] = crawler.Name{
		ID: s.nextID, ProductCode: code, Name: name, URL: url,
		Status: crawler.StatusPending, CreatedAt: now, UpdatedAt: now,
	}
	return nil
}

// PendingNames returns pending names ordered by id.
func (s *Store) PendingNames(_ context.Context) ([]crawler.Name, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []crawler.Name
	for _, n := range s.names {
		if n.Status == crawler.StatusPending {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateNameStatus moves a pending name to done or error.
func (s *Store) UpdateNameStatus(_ context.Context, id int64, status crawler.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.names[id]
	if !ok {
		return fmt.Errorf("names %d: %w", id, crawler.ErrNotFound)
	}
	if err := checkTransition(n.Status, status); err != nil {
		return fmt.Errorf("names %d: %w", id, err)
	}
	n.Status = status
	n.UpdatedAt = s.now()
	s.names[id] = n
	return nil
}

// SaveRawContent stores the body for a name once.
func (s *Store) SaveRawContent(_ context.Context, productName, bodyHTML string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.raw {
		if r.ProductName == productName {
			return nil
		}
	}
	s.nextID++
	s.raw = append(s.raw, crawler.RawContent{
		ID: s.nextID, ProductName: productName, BodyHTML: bodyHTML, CreatedAt: s.now(),
	})
	return nil
}

// SaveFileRecord appends a file row.
func (s *Store) SaveFileRecord(_ context.Context, productName, fileID, fileURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.files = append(s.files, crawler.FileRecord{
		ID: s.nextID, ProductName: productName, FileID: fileID, FileURL: fileURL, CreatedAt: s.now(),
	})
	return nil
}

// CountRawContent returns the number of archived bodies.
func (s *Store) CountRawContent(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.raw)), nil
}

// RequeueErrors resets error rows to pending.
func (s *Store) RequeueErrors(_ context.Context, target crawler.RequeueTarget) (crawler.RequeueResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var res crawler.RequeueResult
	now := s.now()
	if target.Codes {
		for id, c := range s.codes {
			if c.Status == crawler.StatusError {
				c.Status, c.UpdatedAt = crawler.StatusPending, now
				s.codes[id] = c
				res.Codes++
			}
		}
	}
	if target.Names {
		for id, n := range s.names {
			if n.Status == crawler.StatusError {
				n.Status, n.UpdatedAt = crawler.StatusPending, now
				s.names[id] = n
				res.Names++
			}
		}
	}
	return res, nil
}

// Stats summarizes stored rows.
func (s *Store) Stats(_ context.Context) (crawler.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st crawler.Stats
	for _, c := range s.codes {
		tally(&st.Codes, c.Status)
	}
	for _, n := range s.names {
		tally(&st.Names, n.Status)
	}
	st.RawContent = int64(len(s.raw))
	st.Files = int64(len(s.files))
	return st, nil
}

// Close is a no-op.
func (s *Store) Close() {}

// Codes returns every code row ordered by id.
func (s *Store) Codes() []crawler.Code {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Code, 0, len(s.codes))
	for _, c := range s.codes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Names returns every name row ordered by id.
func (s *Store) Names() []crawler.Name {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Name, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RawContents returns archived bodies in insertion order.
func (s *Store) RawContents() []crawler.RawContent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.RawContent(nil), s.raw...)
}

// FileRecords returns file rows in insertion order.
func (s *Store) FileRecords() []crawler.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.FileRecord(nil), s.files...)
}

func checkTransition(from, to crawler.Status) error {
	if from != crawler.StatusPending || !to.Terminal() {
		return fmt.Errorf("%s -> %s: %w", from, to, crawler.ErrInvalidTransition)
	}
	return nil
}

func tally(sc *crawler.StatusCount, status crawler.Status) {
	switch status {
	case crawler.StatusPending:
		sc.Pending++
	case crawler.StatusDone:
		sc.Done++
	case crawler.StatusError:
		sc.Error++
	}
}

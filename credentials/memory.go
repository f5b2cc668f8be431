package credentials

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryOrigin is process-local storage shared by any number of handles.
// Each handle behaves like a separate tab: writes through one handle are
// reported to the others as external events.
type MemoryOrigin struct {
	mu      sync.Mutex
	data    []byte
	handles map[*MemoryStore]struct{}
	opts    options
}

func NewMemoryOrigin(opts ...Option) *MemoryOrigin {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &MemoryOrigin{
		handles: make(map[*MemoryStore]struct{}),
		opts:    o,
	}
}

// MemoryStore is one handle onto a MemoryOrigin.
type MemoryStore struct {
	base
	origin *MemoryOrigin
}

var _ Store = (*MemoryStore)(nil)

// Open attaches a new handle seeded with the origin's current document.
func (o *MemoryOrigin) Open() *MemoryStore {
	s := &MemoryStore{origin: o}
	s.opts = o.opts
	s.persist = o.save
	s.durable = o.load
	s.afterSave = func() { o.broadcast(s) }

	doc, err := o.load()
	if err != nil {
		o.opts.logger.Warn().Err(err).Msg("credential store: memory origin unreadable, starting empty")
	}
	s.doc = doc

	o.mu.Lock()
	o.handles[s] = struct{}{}
	o.mu.Unlock()
	return s
}

// Close detaches the handle. It stops receiving external events.
func (s *MemoryStore) Close() error {
	s.origin.mu.Lock()
	delete(s.origin.handles, s)
	s.origin.mu.Unlock()
	return nil
}

func (o *MemoryOrigin) save(doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if o.opts.quota > 0 && len(data) > o.opts.quota {
		return fmt.Errorf("%w: %d bytes over limit of %d", ErrQuotaExceeded, len(data), o.opts.quota)
	}
	o.mu.Lock()
	o.data = data
	o.mu.Unlock()
	return nil
}

func (o *MemoryOrigin) load() (document, error) {
	o.mu.Lock()
	data := o.data
	o.mu.Unlock()
	var doc document
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return document{}, err
	}
	return doc, nil
}

func (o *MemoryOrigin) broadcast(from *MemoryStore) {
	o.mu.Lock()
	targets := make([]*MemoryStore, 0, len(o.handles))
	for h := range o.handles {
		if h != from {
			targets = append(targets, h)
		}
	}
	o.mu.Unlock()

	for _, h := range targets {
		h.reload(o.load)
	}
}

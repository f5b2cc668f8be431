// Package credentials holds the credential pair and the cached user profile
// in durable storage and tells subscribers when either changes, including
// changes made by other processes attached to the same storage.
package credentials

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jrsteele09/go-learn-session/users"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotPersisted wraps storage failures. The in-memory value was still
	// updated and subscribers notified; it just won't survive a restart.
	ErrNotPersisted = errors.New("credential store: value not persisted")

	// ErrQuotaExceeded is the storage-full cause behind ErrNotPersisted.
	ErrQuotaExceeded = errors.New("credential store: quota exceeded")

	// ErrSignedOut is returned by SetProfile when no credential is stored.
	ErrSignedOut = errors.New("credential store: no credential stored")

	// ErrCredentialChanged is returned by Replace when the stored pair is no
	// longer the one being replaced.
	ErrCredentialChanged = errors.New("credential store: credential changed")
)

// Store is the contract every backend satisfies.
type Store interface {
	Get() (Credential, bool)
	Set(Credential) error
	Replace(old, next Credential) error
	Clear() error
	Profile() (users.Profile, bool)
	SetProfile(users.Profile) error
	Subscribe(Listener) (unsubscribe func())
}

type EventKind int

const (
	EventSet EventKind = iota + 1
	EventCleared
	EventProfile
)

func (k EventKind) String() string {
	switch k {
	case EventSet:
		return "set"
	case EventCleared:
		return "cleared"
	case EventProfile:
		return "profile"
	default:
		return "unknown"
	}
}

// Event describes one change. External is true when the change was made
// through another handle on the same storage.
type Event struct {
	Kind       EventKind
	Credential Credential
	Profile    users.Profile
	External   bool
}

// Listener receives change events. It must not block and must tolerate
// seeing the same external change more than once.
type Listener func(Event)

type Option func(*options)

type options struct {
	logger       zerolog.Logger
	quota        int
	pollInterval time.Duration
	watch        bool
	now          func() time.Time
}

func defaultOptions() options {
	return options{
		logger:       log.Logger,
		pollInterval: 500 * time.Millisecond,
		watch:        true,
		now:          time.Now,
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithQuota caps the serialized document size (memory backend).
func WithQuota(bytes int) Option {
	return func(o *options) { o.quota = bytes }
}

// WithPollInterval sets how often the SQLite backend checks for changes.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) { o.pollInterval = d }
}

// WithoutWatch disables external change detection.
func WithoutWatch() Option {
	return func(o *options) { o.watch = false }
}

// document is the unit persisted by every backend.
type document struct {
	Credential *Credential    `json:"credential,omitempty"`
	Profile    *users.Profile `json:"profile,omitempty"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (d document) clone() document {
	out := document{UpdatedAt: d.UpdatedAt}
	if d.Credential != nil {
		c := *d.Credential
		out.Credential = &c
	}
	if d.Profile != nil {
		p := *d.Profile
		p.Roles = append([]string(nil), d.Profile.Roles...)
		out.Profile = &p
	}
	return out
}

// diff lists the events that turn d into next.
func (d document) diff(next document) []Event {
	var events []Event
	switch {
	case d.Credential != nil && next.Credential == nil:
		events = append(events, Event{Kind: EventCleared})
		return events
	case next.Credential != nil && (d.Credential == nil || !d.Credential.SamePair(*next.Credential)):
		events = append(events, Event{Kind: EventSet, Credential: *next.Credential})
	}
	if next.Profile != nil && (d.Profile == nil || !sameProfile(*d.Profile, *next.Profile)) {
		events = append(events, Event{Kind: EventProfile, Profile: *next.Profile})
	}
	return events
}

func sameProfile(a, b users.Profile) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Email == b.Email && a.Role == b.Role && slices.Equal(a.Roles, b.Roles)
}

// base keeps the handle's view of the document and fans out events.
// Backends supply persist and, for external changes, a load function.
type base struct {
	writeMu sync.Mutex // serializes write+persist and external reloads
	mu      sync.RWMutex
	doc     document
	subs    listeners
	opts    options

	persist   func(document) error
	afterSave func()
	durable   func() (document, error) // reads storage directly, nil when the handle is the only copy
	unsaved   bool                     // last local write failed to persist; storage is behind this handle
}

func (b *base) Get() (Credential, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.doc.Credential == nil {
		return Credential{}, false
	}
	return *b.doc.Credential, true
}

func (b *base) Profile() (users.Profile, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.doc.Profile == nil {
		return users.Profile{}, false
	}
	return *b.doc.clone().Profile, true
}

func (b *base) Set(c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	return b.write(func(d *document) error {
		d.Credential = &c
		return nil
	}, Event{Kind: EventSet, Credential: c})
}

// Replace stores next only while old is still the stored pair, both in this
// handle's view and in durable storage. A logout or another renewal in
// between makes it fail with ErrCredentialChanged and leaves the store as is.
func (b *base) Replace(old, next Credential) error {
	if err := next.Validate(); err != nil {
		return err
	}
	unchanged := func() error {
		if b.durable == nil || b.unsaved {
			return nil
		}
		doc, err := b.durable()
		if err != nil {
			// unreadable storage can't prove a change; the local view decides
			b.opts.logger.Warn().Err(err).Msg("credential store: durable read before replace failed")
			return nil
		}
		if doc.Credential == nil || !doc.Credential.SamePair(old) {
			return ErrCredentialChanged
		}
		return nil
	}
	return b.writeChecked(unchanged, func(d *document) error {
		if d.Credential == nil || !d.Credential.SamePair(old) {
			return ErrCredentialChanged
		}
		d.Credential = &next
		return nil
	}, Event{Kind: EventSet, Credential: next})
}

func (b *base) Clear() error {
	return b.write(func(d *document) error {
		d.Credential = nil
		d.Profile = nil
		return nil
	}, Event{Kind: EventCleared})
}

// SetProfile caches p alongside the stored credential. The profile belongs
// to the credential, so it is refused once the credential is gone.
func (b *base) SetProfile(p users.Profile) error {
	p.Roles = append([]string(nil), p.Roles...)
	return b.write(func(d *document) error {
		if d.Credential == nil {
			return ErrSignedOut
		}
		d.Profile = &p
		return nil
	}, Event{Kind: EventProfile, Profile: p})
}

func (b *base) Subscribe(l Listener) func() {
	return b.subs.add(l)
}

func (b *base) write(mutate func(*document) error, ev Event) error {
	return b.writeChecked(nil, mutate, ev)
}

// writeChecked runs check, then mutate, under the write lock. Either may
// abort the write with an error; nothing is persisted or emitted then.
func (b *base) writeChecked(check func() error, mutate func(*document) error, ev Event) error {
	b.writeMu.Lock()
	if check != nil {
		if err := check(); err != nil {
			b.writeMu.Unlock()
			return err
		}
	}
	b.mu.Lock()
	doc := b.doc.clone()
	if err := mutate(&doc); err != nil {
		b.mu.Unlock()
		b.writeMu.Unlock()
		return err
	}
	doc.UpdatedAt = b.opts.now().UTC()
	b.doc = doc
	b.mu.Unlock()

	var persistErr error
	if b.persist != nil {
		persistErr = b.persist(doc.clone())
	}
	b.unsaved = persistErr != nil
	b.writeMu.Unlock()

	b.subs.emit(ev)
	if persistErr == nil && b.afterSave != nil {
		b.afterSave()
	}

	if persistErr != nil {
		b.opts.logger.Warn().Err(persistErr).Str("event", ev.Kind.String()).Msg("credential store: write not persisted")
		return fmt.Errorf("%w: %w", ErrNotPersisted, persistErr)
	}
	return nil
}

// reload replaces the local view with the durable one and publishes what changed.
func (b *base) reload(load func() (document, error)) {
	b.writeMu.Lock()
	next, err := load()
	if err != nil {
		b.writeMu.Unlock()
		b.opts.logger.Warn().Err(err).Msg("credential store: reload failed")
		return
	}
	b.mu.Lock()
	events := b.doc.diff(next)
	b.doc = next
	b.mu.Unlock()
	b.unsaved = false
	b.writeMu.Unlock()

	for _, ev := range events {
		ev.External = true
		b.subs.emit(ev)
	}
}

type listeners struct {
	mu   sync.Mutex
	next int
	m    map[int]Listener
}

func (l *listeners) add(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.m == nil {
		l.m = make(map[int]Listener)
	}
	id := l.next
	l.next++
	l.m[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.m, id)
			l.mu.Unlock()
		})
	}
}

func (l *listeners) emit(ev Event) {
	l.mu.Lock()
	ids := make([]int, 0, len(l.m))
	for id := range l.m {
		ids = append(ids, id)
	}
	fns := make([]Listener, 0, len(ids))
	// deliver in subscription order
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, l.m[id])
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

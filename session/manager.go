package session

import (
	"container/list"
	"log/slog"
	"sync"

	"github.com/latticehttp/lattice/exchange"
)

// DefaultCacheCapacity bounds the in-memory session cache absent an explicit
// Manager option (spec §4.5: "a bounded cache ... write-through eviction").
const DefaultCacheCapacity = 10000

type cacheEntry struct {
	id   string
	sess *Session
}

// CacheObserver receives Session Manager cache hit/miss signals. It exists
// so lattice/metrics.Metrics can be wired into a Manager without session
// importing the metrics package: *metrics.Metrics already satisfies this
// interface structurally.
type CacheObserver interface {
	ObserveCacheHit()
	ObserveCacheMiss()
}

// Manager is the Session Manager (C5, spec §4.5): it owns the CNET_SID
// cookie contract, mints session ids, and keeps a bounded, write-through
// in-memory cache of persistent sessions so repeat requests for the same id
// don't pay a driver round trip on every access.
type Manager struct {
	mu       sync.Mutex
	cache    map[string]*list.Element
	order    *list.List // front = most recently used
	capacity int

	driver   Driver
	template CookieTemplate
	logger   *slog.Logger
	observer CacheObserver
}

// NewManager builds a Manager backed by driver, using template for every
// Set-Cookie it issues and capacity as the cache's eviction bound (0 means
// DefaultCacheCapacity).
func NewManager(driver Driver, template CookieTemplate, capacity int, logger *slog.Logger) *Manager {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:    make(map[string]*list.Element),
		order:    list.New(),
		capacity: capacity,
		driver:   driver,
		template: template,
		logger:   logger,
	}
}

// SetCacheObserver wires a CacheObserver (typically a *metrics.Metrics) to
// receive this Manager's hit/miss signals. Nil disables observation.
func (m *Manager) SetCacheObserver(o CacheObserver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observer = o
}

// lookup returns a cached session by id, promoting it to most-recently-used.
func (m *Manager) lookup(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.cache[id]
	if !ok {
		return nil, false
	}
	m.order.MoveToFront(el)
	return el.Value.(*cacheEntry).sess, true
}

// put inserts or refreshes a cache entry, evicting the least-recently-used
// entry if capacity is exceeded. Eviction only drops the in-memory object;
// the driver's persisted record is untouched (write-through semantics).
func (m *Manager) put(id string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.cache[id]; ok {
		el.Value.(*cacheEntry).sess = sess
		m.order.MoveToFront(el)
		return
	}
	el := m.order.PushFront(&cacheEntry{id: id, sess: sess})
	m.cache[id] = el
	if m.order.Len() > m.capacity {
		oldest := m.order.Back()
		if oldest != nil {
			m.order.Remove(oldest)
			delete(m.cache, oldest.Value.(*cacheEntry).id)
		}
	}
}

// observeCache reports a cache hit/miss to the wired observer, if any.
func (m *Manager) observeCache(hit bool) {
	m.mu.Lock()
	o := m.observer
	m.mu.Unlock()
	if o == nil {
		return
	}
	if hit {
		o.ObserveCacheHit()
	} else {
		o.ObserveCacheMiss()
	}
}

// remove drops a cache entry outright, used by destroy_persistent.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.cache[id]; ok {
		m.order.Remove(el)
		delete(m.cache, id)
	}
}

// rekey moves a cache entry from oldID to newID, used by Migrate.
func (m *Manager) rekey(oldID, newID string, sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if el, ok := m.cache[oldID]; ok {
		m.order.Remove(el)
		delete(m.cache, oldID)
	}
	el := m.order.PushFront(&cacheEntry{id: newID, sess: sess})
	m.cache[newID] = el
}

// newTransient builds a freshly-bound, not-yet-persistent session with its
// Storage wired but not started (spec §4.4: "if session not started ->
// perform is a no-op", which is exactly the transient contract: no driver
// traffic until make_persistent).
func (m *Manager) newTransient() *Session {
	sess := newSession()
	sess.bindTo("", false)
	NewStorage(sess, m.driver, m.logger)
	return sess
}

// Bind implements the Load algorithm of spec §4.5: extract the CNET_SID
// cookie, tentatively treat its value as a persistent id, confirm with
// driver.Exists, and either serve the session from cache, load it fresh, or
// fall back to a brand-new transient session.
func (m *Manager) Bind(ex *exchange.Exchange) *Session {
	id, ok := extractCookieValue(ex.Req.Cookies())
	if !ok || id == "" {
		sess := m.newTransient()
		bindToExchange(ex, sess)
		return sess
	}

	ctx := ex.Context()
	exists, err := m.driver.Exists(ctx, id)
	if err != nil {
		m.logger.Warn("session existence check failed, treating as transient",
			slog.String("session_id", id), slog.String("error", err.Error()))
		exists = false
	}
	if !exists {
		sess := m.newTransient()
		bindToExchange(ex, sess)
		return sess
	}

	if cached, ok := m.lookup(id); ok {
		m.observeCache(true)
		bindToExchange(ex, cached)
		return cached
	}
	m.observeCache(false)

	sess := newSession()
	sess.bindTo(id, true)
	storage := NewStorage(sess, m.driver, m.logger)
	storage.Start()
	<-storage.Perform(ctx, Load, id, nil)

	// A failed load already demoted sess to BOUND_TRANSIENT inside
	// Storage.execute; only cache it if it is still persistent.
	if sess.Persistent() {
		m.put(id, sess)
	}
	bindToExchange(ex, sess)
	return sess
}

// MakePersistent implements spec §4.5 make_persistent: mints a fresh id,
// promotes sess to BOUND_PERSISTENT, schedules the Set-Cookie, and issues
// the first SAVE. It is an error to call this once headers have already
// been sent, and a no-op if sess is already persistent.
func (m *Manager) MakePersistent(ex *exchange.Exchange, sess *Session) error {
	if ex.HeadersSent() {
		return &exchange.HeadersAlreadySentError{Op: "MakePersistent"}
	}
	if sess.Persistent() {
		return nil
	}

	id, err := GenerateID()
	if err != nil {
		return err
	}
	sess.promote(id)
	if sess.storage == nil {
		NewStorage(sess, m.driver, m.logger)
	}
	sess.storage.Start()
	m.put(id, sess)
	sess.schedule(m.template.issue(id))
	sess.storage.Perform(ex.Context(), Save, id, nil)
	return nil
}

// DestroyPersistent implements spec §4.5 destroy_persistent: evicts sess
// from the cache, issues a DESTROY, schedules the deletion cookie, and
// transitions sess to DESTROYED. A no-op on a session that isn't persistent.
func (m *Manager) DestroyPersistent(ex *exchange.Exchange, sess *Session) error {
	if ex.HeadersSent() {
		return &exchange.HeadersAlreadySentError{Op: "DestroyPersistent"}
	}
	if !sess.Persistent() {
		return nil
	}

	id := sess.ID()
	m.remove(id)
	err := <-sess.storage.Perform(ex.Context(), Destroy, id, nil)
	sess.markDestroyed()
	sess.schedule(m.template.deletion())
	return err
}

// Migrate moves a persistent session from its current driver to newDriver
// under a freshly-minted id (spec §4.3 Migrate), re-keying the cache and
// scheduling the updated cookie.
func (m *Manager) Migrate(ex *exchange.Exchange, sess *Session, newDriver Driver) error {
	if ex.HeadersSent() {
		return &exchange.HeadersAlreadySentError{Op: "Migrate"}
	}
	if !sess.Persistent() {
		return nil
	}

	oldID := sess.ID()
	newID, err := GenerateID()
	if err != nil {
		return err
	}
	oldDriver := sess.storage.driver
	sess.promote(newID)
	sess.storage.driver = newDriver

	if err := <-sess.storage.Perform(ex.Context(), Migrate, newID, oldDriver); err != nil {
		return err
	}
	m.rekey(oldID, newID, sess)
	sess.schedule(m.template.issue(newID))
	return nil
}

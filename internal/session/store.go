package session

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kworks-ai/docqa/internal/docs"
	"github.com/kworks-ai/docqa/internal/metrics"
	"github.com/kworks-ai/docqa/internal/qaerr"
)

// Store persists sessions as one JSON file each under a root directory.
// Mutations are applied in memory and flushed by a single writer
// goroutine; flushes write a temp file, fsync it, and rename over the
// old one so a crash leaves either version intact, never a torn file.
type Store struct {
	dir          string
	maxCached    int
	maxQueue     int
	recentDocCap int
	ttl          time.Duration
	log          *zap.Logger

	mu    sync.Mutex
	cache map[string]*list.Element // session_id → *cached
	order *list.List               // LRU, front = most recent
	gens  map[string]uint64        // session_id → mutation generation

	// wmu serialises disk writes; written refuses stale snapshots so a
	// slow flusher write never overtakes an eviction write.
	wmu     sync.Mutex
	written map[string]uint64

	locks sync.Map // session_id → *turnLock

	flushCh chan string
	done    chan struct{}
	wg      sync.WaitGroup
	closed  bool
}

type cached struct {
	id    string
	sess  *Session
	dirty bool
}

type turnLock struct {
	busy chan struct{}

	mu      sync.Mutex
	waiters int
}

// Options configure the store.
type Options struct {
	Dir          string
	MaxCached    int
	RecentDocCap int
	// MaxQueue callers may wait for a busy session's turn slot before
	// further callers are rejected outright. Zero disables queueing.
	MaxQueue int
	// Timeout expires idle sessions; zero keeps them forever.
	Timeout time.Duration
}

// NewStore opens (creating if needed) the session directory.
func NewStore(opts Options, logger *zap.Logger) (*Store, error) {
	if opts.MaxCached <= 0 {
		opts.MaxCached = 1024
	}
	if opts.RecentDocCap <= 0 {
		opts.RecentDocCap = 10
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}
	s := &Store{
		dir:          opts.Dir,
		maxCached:    opts.MaxCached,
		maxQueue:     opts.MaxQueue,
		recentDocCap: opts.RecentDocCap,
		ttl:          opts.Timeout,
		log:          logger,
		cache:        make(map[string]*list.Element),
		order:        list.New(),
		gens:         make(map[string]uint64),
		written:      make(map[string]uint64),
		flushCh:      make(chan string, 256),
		done:         make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flusher()
	if s.ttl > 0 {
		s.wg.Add(1)
		go s.sweeper()
	}
	return s, nil
}

// Close drains pending flushes and stops the writer.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	s.wg.Wait()
	return nil
}

// RecentDocCap exposes the configured recency cap for scope resolution.
func (s *Store) RecentDocCap() int { return s.recentDocCap }

// ---- turn serialisation ----

// AcquireTurn takes the session's turn slot. A session runs at most one
// turn; while it is busy up to maxQueue callers wait for the slot and
// everyone past the queue gets SessionBusy immediately.
func (s *Store) AcquireTurn(ctx context.Context, sessionID string) error {
	tl := s.turnLockFor(sessionID)
	select {
	case tl.busy <- struct{}{}:
		return nil
	default:
	}

	tl.mu.Lock()
	if tl.waiters >= s.maxQueue {
		tl.mu.Unlock()
		metrics.SessionBusyRejections.Inc()
		return qaerr.New(qaerr.KindSessionBusy, "session has a turn in flight")
	}
	tl.waiters++
	tl.mu.Unlock()
	defer func() {
		tl.mu.Lock()
		tl.waiters--
		tl.mu.Unlock()
	}()

	select {
	case tl.busy <- struct{}{}:
		return nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return qaerr.Wrap(qaerr.KindTimeout, ctx.Err(), "waiting for turn slot")
		}
		return qaerr.Wrap(qaerr.KindCancelled, ctx.Err(), "waiting for turn slot")
	}
}

func (s *Store) turnLockFor(sessionID string) *turnLock {
	v, _ := s.locks.LoadOrStore(sessionID, &turnLock{busy: make(chan struct{}, 1)})
	return v.(*turnLock)
}

// ReleaseTurn frees the slot. Safe to call once per successful acquire.
func (s *Store) ReleaseTurn(sessionID string) {
	if v, ok := s.locks.Load(sessionID); ok {
		select {
		case <-v.(*turnLock).busy:
		default:
		}
	}
}

// ---- CRUD ----

// Create makes a new session and schedules its first flush.
func (s *Store) Create(ctx context.Context, title string, documentIDs []string) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		SessionID:   uuid.NewString(),
		Title:       title,
		DocumentIDs: append([]string(nil), documentIDs...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.insertLocked(sess)
	s.markDirtyLocked(sess.SessionID)
	s.mu.Unlock()
	s.scheduleFlush(sess.SessionID)
	metrics.SessionsCreated.Inc()
	return sess.Clone(), nil
}

// Get returns a point-in-time snapshot.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, err := s.loadLocked(id)
	if err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// Mutate applies fn to the live session under the store lock and
// schedules a flush. fn must not retain the pointer.
func (s *Store) Mutate(ctx context.Context, id string, fn func(*Session) error) error {
	s.mu.Lock()
	sess, err := s.loadLocked(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := fn(sess); err != nil {
		s.mu.Unlock()
		return err
	}
	sess.UpdatedAt = time.Now().UTC()
	s.markDirtyLocked(id)
	s.mu.Unlock()
	s.scheduleFlush(id)
	return nil
}

// AppendTurn appends one turn; turn order is strictly append-only.
func (s *Store) AppendTurn(ctx context.Context, id string, t Turn) error {
	if t.TurnID == "" {
		t.TurnID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	return s.Mutate(ctx, id, func(sess *Session) error {
		sess.Turns = append(sess.Turns, t)
		if t.Role == RoleAssistant && len(t.Evidences) > 0 {
			s.noteRecentDocs(sess, t.Evidences)
		}
		return nil
	})
}

// noteRecentDocs pushes the turn's documents to the front of the
// recency list, deduplicated and capped.
func (s *Store) noteRecentDocs(sess *Session, evs []docs.Evidence) {
	var fresh []string
	seen := make(map[string]struct{})
	for _, e := range evs {
		if _, ok := seen[e.DocID]; !ok {
			seen[e.DocID] = struct{}{}
			fresh = append(fresh, e.DocID)
		}
	}
	for _, d := range sess.RecentSourceDocIDs {
		if _, ok := seen[d]; !ok {
			seen[d] = struct{}{}
			fresh = append(fresh, d)
		}
	}
	if len(fresh) > s.recentDocCap {
		fresh = fresh[:s.recentDocCap]
	}
	sess.RecentSourceDocIDs = fresh
}

// UpdateSummary replaces the conversation summary.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string, confidence float64) error {
	return s.Mutate(ctx, id, func(sess *Session) error {
		sess.Summary = summary
		sess.SummaryConfidence = confidence
		return nil
	})
}

// UpdateEntities replaces the salient entity list.
func (s *Store) UpdateEntities(ctx context.Context, id string, entities []string) error {
	return s.Mutate(ctx, id, func(sess *Session) error {
		sess.RecentEntities = append([]string(nil), entities...)
		return nil
	})
}

// FreezeCitationMap records the first successful answer's map and
// evidences. A second freeze is a no-op: the first one is permanent.
func (s *Store) FreezeCitationMap(ctx context.Context, id string, cmap docs.CitationMap, evs []docs.Evidence) error {
	return s.Mutate(ctx, id, func(sess *Session) error {
		if sess.FirstCitationMap != nil {
			return nil
		}
		sess.FirstCitationMap = cmap.Clone()
		sess.FirstEvidences = append([]docs.Evidence(nil), evs...)
		return nil
	})
}

// SetTitle sets the session title when still empty (auto-derive) or
// always when force is set.
func (s *Store) SetTitle(ctx context.Context, id, title string, force bool) error {
	return s.Mutate(ctx, id, func(sess *Session) error {
		if sess.Title == "" || force {
			sess.Title = title
		}
		return nil
	})
}

// ClearTurns removes all turns but keeps scope, summary and the frozen
// citation map; the session identity survives.
func (s *Store) ClearTurns(ctx context.Context, id string) error {
	return s.Mutate(ctx, id, func(sess *Session) error {
		sess.Turns = nil
		return nil
	})
}

// Delete removes the session from cache and disk.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	if el, ok := s.cache[id]; ok {
		s.order.Remove(el)
		delete(s.cache, id)
		metrics.SessionCacheSize.Set(float64(len(s.cache)))
	}
	delete(s.gens, id)
	s.mu.Unlock()
	s.wmu.Lock()
	delete(s.written, id)
	s.wmu.Unlock()
	s.locks.Delete(id)
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("session delete: %w", err)
	}
	return nil
}

// ListEntry is the summary row returned by List.
type ListEntry struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title,omitempty"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List pages over all sessions on disk, newest first.
func (s *Store) List(ctx context.Context, page, pageSize int) ([]ListEntry, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 200 {
		pageSize = 20
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("session list: %w", err)
	}
	var all []ListEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		// Listing must not churn the LRU: cached sessions are read in
		// place, the rest straight from disk without insertion.
		s.mu.Lock()
		var sess *Session
		if el, ok := s.cache[id]; ok {
			sess = el.Value.(*cached).sess
		}
		var entry ListEntry
		if sess != nil {
			entry = ListEntry{
				SessionID: sess.SessionID,
				Title:     sess.Title,
				TurnCount: len(sess.Turns),
				CreatedAt: sess.CreatedAt,
				UpdatedAt: sess.UpdatedAt,
			}
		}
		s.mu.Unlock()
		if sess == nil {
			disk, err := s.readDisk(id)
			if err != nil {
				s.log.Warn("unreadable session file skipped", zap.String("session_id", id), zap.Error(err))
				continue
			}
			entry = ListEntry{
				SessionID: disk.SessionID,
				Title:     disk.Title,
				TurnCount: len(disk.Turns),
				CreatedAt: disk.CreatedAt,
				UpdatedAt: disk.UpdatedAt,
			}
		}
		all = append(all, entry)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	total := len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []ListEntry{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

// ---- cache & disk ----

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// readDisk decodes a session file without touching the cache.
func (s *Store) readDisk(id string) (*Session, error) {
	b, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, qaerr.New(qaerr.KindSessionNotFound, "session %s not found", id)
		}
		return nil, fmt.Errorf("session read: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(b, &sess); err != nil {
		return nil, fmt.Errorf("session decode %s: %w", id, err)
	}
	return &sess, nil
}

// loadLocked returns the live session, reading from disk on a cache
// miss. Caller holds s.mu.
func (s *Store) loadLocked(id string) (*Session, error) {
	if el, ok := s.cache[id]; ok {
		s.order.MoveToFront(el)
		return el.Value.(*cached).sess, nil
	}
	sess, err := s.readDisk(id)
	if err != nil {
		return nil, err
	}
	s.insertLocked(sess)
	return sess, nil
}

// markDirtyLocked flags pending writes so eviction and the flusher stay
// coherent. Caller holds s.mu.
func (s *Store) markDirtyLocked(id string) {
	if el, ok := s.cache[id]; ok {
		el.Value.(*cached).dirty = true
		s.gens[id]++
	}
}

func (s *Store) insertLocked(sess *Session) {
	el := s.order.PushFront(&cached{id: sess.SessionID, sess: sess})
	s.cache[sess.SessionID] = el
	for s.order.Len() > s.maxCached {
		back := s.order.Back()
		evicted := back.Value.(*cached)
		// Once out of the cache the flusher cannot see the session, so a
		// dirty evictee must hit disk before it leaves.
		if evicted.dirty {
			if err := s.writeGen(evicted.sess.Clone(), s.gens[evicted.id]); err != nil {
				metrics.SessionFlushes.WithLabelValues("error").Inc()
				s.log.Error("session flush on eviction failed",
					zap.String("session_id", evicted.id), zap.Error(err))
				break // keep it cached rather than lose the write
			}
			metrics.SessionFlushes.WithLabelValues("ok").Inc()
			evicted.dirty = false
		}
		s.order.Remove(back)
		delete(s.cache, evicted.id)
	}
	metrics.SessionCacheSize.Set(float64(len(s.cache)))
}

// writeGen persists a snapshot unless a newer generation already reached
// disk. Safe under s.mu: flushers never hold wmu while waiting on s.mu.
func (s *Store) writeGen(snap *Session, gen uint64) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.written[snap.SessionID] >= gen {
		return nil
	}
	if err := s.writeAtomic(snap); err != nil {
		return err
	}
	s.written[snap.SessionID] = gen
	return nil
}

func (s *Store) scheduleFlush(id string) {
	select {
	case s.flushCh <- id:
	case <-s.done:
	default:
		// Queue full: flush synchronously rather than lose the write.
		s.flush(id)
	}
}

func (s *Store) flusher() {
	defer s.wg.Done()
	for {
		select {
		case id := <-s.flushCh:
			s.flush(id)
		case <-s.done:
			for {
				select {
				case id := <-s.flushCh:
					s.flush(id)
				default:
					return
				}
			}
		}
	}
}

// flush snapshots the session under the lock, then writes outside it.
// An entry evicted in the meantime was already written by insertLocked.
func (s *Store) flush(id string) {
	s.mu.Lock()
	el, ok := s.cache[id]
	var snap *Session
	var gen uint64
	if ok {
		snap = el.Value.(*cached).sess.Clone()
		gen = s.gens[id]
	}
	s.mu.Unlock()
	if snap == nil {
		return
	}
	if err := s.writeGen(snap, gen); err != nil {
		metrics.SessionFlushes.WithLabelValues("error").Inc()
		s.log.Error("session flush failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	s.clearDirty(id, gen)
	metrics.SessionFlushes.WithLabelValues("ok").Inc()
}

// clearDirty drops the dirty flag only when no mutation landed since the
// snapshot was taken.
func (s *Store) clearDirty(id string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.cache[id]; ok && s.gens[id] == gen {
		el.Value.(*cached).dirty = false
	}
}

// writeAtomic writes tmp, fsyncs, renames. Either the old or the new
// file survives a crash.
func (s *Store) writeAtomic(sess *Session) error {
	b, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+sess.SessionID+".tmp-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path(sess.SessionID))
}

// FlushNow forces a synchronous flush, used when turn persistence must
// be confirmed before responding.
func (s *Store) FlushNow(ctx context.Context, id string) error {
	s.mu.Lock()
	el, ok := s.cache[id]
	var snap *Session
	var gen uint64
	if ok {
		snap = el.Value.(*cached).sess.Clone()
		gen = s.gens[id]
	}
	s.mu.Unlock()
	if snap == nil {
		return qaerr.New(qaerr.KindSessionNotFound, "session %s not cached", id)
	}
	if err := s.writeGen(snap, gen); err != nil {
		metrics.SessionFlushes.WithLabelValues("error").Inc()
		return fmt.Errorf("session flush: %w", err)
	}
	s.clearDirty(id, gen)
	metrics.SessionFlushes.WithLabelValues("ok").Inc()
	return nil
}

// ---- expiry ----

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(time.Hour)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweepExpired(time.Now().UTC().Add(-s.ttl))
		case <-s.done:
			return
		}
	}
}

// sweepExpired deletes sessions last touched before cutoff. Sessions
// with a turn in flight are left for the next sweep.
func (s *Store) sweepExpired(cutoff time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.log.Warn("session sweep failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		updated := time.Time{}
		if sess, err := s.readDisk(id); err == nil {
			updated = sess.UpdatedAt
		}
		// A cached copy may be newer than its file.
		s.mu.Lock()
		if el, ok := s.cache[id]; ok {
			if u := el.Value.(*cached).sess.UpdatedAt; u.After(updated) {
				updated = u
			}
		}
		s.mu.Unlock()
		if updated.IsZero() || !updated.Before(cutoff) {
			continue
		}
		// Never waits: an in-flight turn defers expiry to the next sweep.
		tl := s.turnLockFor(id)
		select {
		case tl.busy <- struct{}{}:
		default:
			continue
		}
		if err := s.Delete(context.Background(), id); err != nil {
			s.log.Warn("expired session delete failed", zap.String("session_id", id), zap.Error(err))
		} else {
			s.log.Info("expired session removed", zap.String("session_id", id),
				zap.Time("updated_at", updated))
		}
		s.ReleaseTurn(id)
	}
}

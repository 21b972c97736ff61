package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/quill/internal/highlight"
	"github.com/quillsync/quill/internal/logging"
	"github.com/quillsync/quill/internal/merge"
	"github.com/quillsync/quill/internal/model"
)

// State is the per-book sync state machine position.
type State string

const (
	StateIdle    State = "idle"
	StatePulling State = "pulling"
	StateMerging State = "merging"
	StatePushing State = "pushing"
	StateError   State = "error"
)

// Status is the externally visible sync status of one book.
type Status struct {
	State    State
	Version  int64
	LastSync time.Time
	LastErr  string
	Pending  int
}

// Options tune the coordinator.
type Options struct {
	// MaxCycleAttempts bounds pull-merge-push restarts after version
	// conflicts before the cycle surfaces ErrSyncExhausted.
	MaxCycleAttempts int
	// ConflictBackoff is the base of the exponential backoff between
	// restarted cycles.
	ConflictBackoff time.Duration
	// BatchInterval is how long batch-priority operations coalesce
	// before Run triggers a cycle.
	BatchInterval time.Duration
	// MaxRetries stamps new operations' retry budget.
	MaxRetries int
}

func (o *Options) defaults() {
	if o.MaxCycleAttempts <= 0 {
		o.MaxCycleAttempts = 5
	}
	if o.ConflictBackoff <= 0 {
		o.ConflictBackoff = 200 * time.Millisecond
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
}

type bookSync struct {
	mu       gosync.Mutex // serializes cycles for one book
	statusMu gosync.Mutex // guards status; readable mid-cycle
	status   Status
}

// Coordinator drives the per-book sync protocol: pull the remote
// highlight file, replay the durable queue onto the last-synced
// baseline, merge, and push with version = remote.version + 1 under an
// optimistic conditional write. Different books sync fully in parallel;
// cycles for the same book serialize on a per-book lock.
//
// The coordinator is also the highlight.Listener: local mutations turn
// into queued operations (creates and updates batch, deletes are
// immediate so they propagate promptly).
type Coordinator struct {
	store     Store
	queue     *Queue
	states    *StateStore
	codec     *Codec
	resolver  *merge.Resolver
	manager   *highlight.Manager
	log       logging.Logger
	libraryID string
	platform  model.Platform
	opts      Options

	mu     gosync.Mutex
	books  map[string]*bookSync
	kick   chan string
	online atomic.Bool
	now    func() time.Time
}

// NewCoordinator wires the collaborators. manager may be nil when the
// caller reconciles local state itself.
func NewCoordinator(store Store, queue *Queue, states *StateStore, codec *Codec,
	resolver *merge.Resolver, manager *highlight.Manager,
	libraryID string, platform model.Platform, log logging.Logger, opts Options) *Coordinator {
	opts.defaults()
	if log == nil {
		log = logging.Nop{}
	}
	c := &Coordinator{
		store:     store,
		queue:     queue,
		states:    states,
		codec:     codec,
		resolver:  resolver,
		manager:   manager,
		log:       log,
		libraryID: libraryID,
		platform:  platform,
		opts:      opts,
		books:     make(map[string]*bookSync),
		kick:      make(chan string, 64),
		now:       time.Now,
	}
	c.online.Store(true)
	return c
}

func (c *Coordinator) book(bookID string) *bookSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.books[bookID]
	if !ok {
		b = &bookSync{status: Status{State: StateIdle}}
		c.books[bookID] = b
	}
	return b
}

// SetOnline flags connectivity. Coming back online kicks every book with
// pending operations so immediate-priority intents drain promptly.
func (c *Coordinator) SetOnline(online bool) {
	was := c.online.Swap(online)
	if online && !was {
		if books, err := c.queue.Books(); err == nil {
			for _, id := range books {
				c.requestSync(id)
			}
		}
	}
}

// Online reports last known connectivity.
func (c *Coordinator) Online() bool { return c.online.Load() }

func (c *Coordinator) requestSync(bookID string) {
	select {
	case c.kick <- bookID:
	default:
		// Channel full: the running loop will pick the book up on the
		// next batch tick anyway.
	}
}

// RemoteBooks lists the book ids with a highlight file in the library.
func (c *Coordinator) RemoteBooks(ctx context.Context) ([]string, error) {
	keys, err := c.store.List(ctx, BooksPrefix(c.libraryID))
	if err != nil {
		return nil, fmt.Errorf("list highlight files: %w", err)
	}
	var books []string
	for _, k := range keys {
		if path.Base(k) != HighlightFileName {
			continue
		}
		books = append(books, path.Base(path.Dir(k)))
	}
	sort.Strings(books)
	return books, nil
}

// Baseline returns the last-synced highlight file for a book, nil when
// the book has never completed a sync.
func (c *Coordinator) Baseline(bookID string) (*model.HighlightFile, error) {
	st, err := c.states.Load(bookID)
	if err != nil {
		return nil, err
	}
	return st.Baseline, nil
}

// GetStatus returns the current sync status of a book.
func (c *Coordinator) GetStatus(bookID string) Status {
	b := c.book(bookID)
	b.statusMu.Lock()
	st := b.status
	b.statusMu.Unlock()
	if n, err := c.queue.Len(bookID); err == nil {
		st.Pending = n
	}
	return st
}

// --- highlight.Listener ---

// HighlightCreated enqueues a batch-priority create operation.
func (c *Coordinator) HighlightCreated(h model.Highlight) {
	c.enqueueHighlight(model.OpCreate, model.PriorityBatch, h)
}

// HighlightUpdated enqueues a batch-priority update operation.
func (c *Coordinator) HighlightUpdated(h model.Highlight) {
	c.enqueueHighlight(model.OpUpdate, model.PriorityBatch, h)
}

// HighlightDeleted enqueues an immediate delete so the tombstone
// propagates before the other device resurrects the highlight.
func (c *Coordinator) HighlightDeleted(t model.Tombstone) {
	data, _ := json.Marshal(model.DeleteData{Tombstone: t})
	c.enqueue(model.SyncOperation{
		ID:         uuid.New().String(),
		BookID:     t.BookID,
		Type:       model.OpDelete,
		Data:       data,
		Priority:   model.PriorityImmediate,
		MaxRetries: c.opts.MaxRetries,
		Timestamp:  c.now().UTC(),
		Platform:   c.platform,
	})
}

// ReportProgress enqueues a background progress-update operation.
func (c *Coordinator) ReportProgress(bookID string, d model.ProgressData) {
	data, _ := json.Marshal(d)
	c.enqueue(model.SyncOperation{
		ID:         uuid.New().String(),
		BookID:     bookID,
		Type:       model.OpProgress,
		Data:       data,
		Priority:   model.PriorityBackground,
		MaxRetries: c.opts.MaxRetries,
		Timestamp:  c.now().UTC(),
		Platform:   c.platform,
	})
}

func (c *Coordinator) enqueueHighlight(t model.OpType, p model.Priority, h model.Highlight) {
	data, _ := json.Marshal(model.HighlightData{Highlight: h})
	c.enqueue(model.SyncOperation{
		ID:         uuid.New().String(),
		BookID:     h.BookID,
		Type:       t,
		Data:       data,
		Priority:   p,
		MaxRetries: c.opts.MaxRetries,
		Timestamp:  c.now().UTC(),
		Platform:   c.platform,
	})
}

func (c *Coordinator) enqueue(op model.SyncOperation) {
	if err := c.queue.Enqueue(op); err != nil {
		c.log.Error(context.Background(), "enqueue failed", "book", op.BookID, "op", op.Type, "err", err)
		return
	}
	if op.Priority == model.PriorityImmediate && c.Online() {
		c.requestSync(op.BookID)
	}
}

// Run drives background syncing until ctx is cancelled: immediate kicks
// arrive on the internal channel, batch operations coalesce until the
// batch interval tick, and background operations piggyback on whatever
// cycle runs next.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case bookID := <-c.kick:
			c.syncOne(ctx, bookID)
		case <-ticker.C:
			books, err := c.queue.Books()
			if err != nil {
				c.log.Error(ctx, "list pending books", "err", err)
				continue
			}
			for _, id := range books {
				c.syncOne(ctx, id)
			}
		}
	}
}

func (c *Coordinator) syncOne(ctx context.Context, bookID string) {
	if !c.Online() {
		return
	}
	if err := c.SyncBook(ctx, bookID); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Warn(ctx, "sync failed", "book", bookID, "err", err)
	}
}

// SyncBook runs one full cycle for a book:
// idle -> pulling -> merging -> pushing -> idle, restarting from pulling
// with backoff when the conditional write loses the race, bounded by
// MaxCycleAttempts. On any failure the queued operations stay queued and
// the local set is untouched; local state only advances to the merged
// result after the remote write succeeds.
func (c *Coordinator) SyncBook(ctx context.Context, bookID string) error {
	b := c.book(bookID)
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxCycleAttempts; attempt++ {
		if attempt > 0 {
			backoff := c.opts.ConflictBackoff << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				c.setStatus(b, StateIdle, nil)
				return ctx.Err()
			}
		}

		err := c.cycle(ctx, b, bookID)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Going offline mid-cycle aborts cleanly: nothing was
			// applied locally, the queue is intact.
			c.setStatus(b, StateIdle, nil)
			return err
		}
		lastErr = err
		if !errors.Is(err, ErrVersionConflict) {
			c.fail(b, bookID, err)
			return err
		}
		c.log.Debug(ctx, "version conflict, restarting cycle", "book", bookID, "attempt", attempt+1)
	}

	err := fmt.Errorf("%w: %v", ErrSyncExhausted, lastErr)
	c.fail(b, bookID, err)
	return err
}

// cycle is one pull-merge-push pass. Returns ErrVersionConflict when the
// write raced and the caller should restart from pulling.
func (c *Coordinator) cycle(ctx context.Context, b *bookSync, bookID string) error {
	c.setStatus(b, StatePulling, nil)

	key := HighlightFileKey(c.libraryID, bookID)
	remote, remoteETag, err := c.pull(ctx, key, bookID)
	if err != nil {
		return err
	}

	st, err := c.states.Load(bookID)
	if err != nil {
		return err
	}
	pending, err := c.queue.Pending(bookID)
	if err != nil {
		return err
	}

	// Unchanged remote and nothing queued: nothing to push, but a fresh
	// process still starts with an empty in-memory set, so reconcile the
	// manager to the durable baseline before going idle.
	if remote.Version == st.Version && len(pending) == 0 {
		if c.manager != nil && st.Baseline != nil {
			c.manager.ReplaceBook(bookID, st.Baseline.Highlights)
		}
		b.statusMu.Lock()
		b.status = Status{State: StateIdle, Version: st.Version, LastSync: st.LastSync}
		b.statusMu.Unlock()
		return nil
	}

	c.setStatus(b, StateMerging, nil)
	baseline := st.Baseline
	if baseline == nil {
		baseline = model.NewHighlightFile(bookID)
	}
	local, progress := applyOperations(baseline, pending)

	now := c.now().UTC()
	mergedHL, mergedTombs := c.resolver.ResolveSets(
		local.Highlights, remote.Highlights,
		local.Tombstones, remote.Tombstones, now)

	merged := &model.HighlightFile{
		BookID:     bookID,
		Version:    remote.Version + 1,
		Highlights: mergedHL,
		Tombstones: mergedTombs,
	}
	for _, p := range remote.Metadata.Platforms {
		merged.Metadata.Platforms = append(merged.Metadata.Platforms, p)
	}
	for p, d := range remote.Metadata.Progress {
		merged.RecordProgress(p, d)
	}
	// This device's own queued reports are newer than whatever the
	// remote file carries for the same platform.
	for p, d := range progress {
		merged.RecordProgress(p, d)
	}
	merged.Touch(c.platform, now)

	if err := ctx.Err(); err != nil {
		return err
	}

	c.setStatus(b, StatePushing, nil)
	encoded, err := c.codec.Encode(merged)
	if err != nil {
		return err
	}
	newETag, err := c.store.Put(ctx, key, encoded, remoteETag)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			return err
		}
		return fmt.Errorf("push highlight file: %w", err)
	}

	// Remote write succeeded: now, and only now, advance local state.
	if err := c.states.Save(bookID, BookState{
		Version:  merged.Version,
		ETag:     newETag,
		LastSync: now,
		Baseline: merged,
	}); err != nil {
		return err
	}
	applied := make([]string, len(pending))
	for i, op := range pending {
		applied[i] = op.ID
	}
	if err := c.queue.Remove(applied); err != nil {
		return err
	}
	if c.manager != nil {
		c.manager.ReplaceBook(bookID, merged.Highlights)
	}

	b.statusMu.Lock()
	b.status = Status{State: StateIdle, Version: merged.Version, LastSync: now}
	b.statusMu.Unlock()
	c.log.Info(ctx, "sync complete", "book", bookID,
		"version", merged.Version, "highlights", len(merged.Highlights), "ops", len(pending))
	return nil
}

func (c *Coordinator) pull(ctx context.Context, key, bookID string) (*model.HighlightFile, string, error) {
	data, etag, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return model.NewHighlightFile(bookID), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("pull highlight file: %w", err)
	}
	f, err := c.codec.Decode(data)
	if err != nil {
		return nil, "", fmt.Errorf("decode highlight file: %w", err)
	}
	if f.BookID != bookID {
		return nil, "", fmt.Errorf("highlight file book id %q does not match %q", f.BookID, bookID)
	}
	return f, etag, nil
}

// fail records the error state and charges every pending operation one
// retry, discarding and surfacing the ones that exhausted their budget.
func (c *Coordinator) fail(b *bookSync, bookID string, err error) {
	c.setStatus(b, StateError, err)
	exhausted, qerr := c.queue.BumpRetries(bookID)
	if qerr != nil {
		c.log.Error(context.Background(), "bump retries", "book", bookID, "err", qerr)
		return
	}
	for _, op := range exhausted {
		c.log.Error(context.Background(), "operation dropped after max retries",
			"book", bookID, "op", op.Type, "id", op.ID, "retries", op.RetryCount)
	}
}

func (c *Coordinator) setStatus(b *bookSync, s State, err error) {
	b.statusMu.Lock()
	defer b.statusMu.Unlock()
	b.status.State = s
	if err != nil {
		b.status.LastErr = err.Error()
	} else if s != StateError {
		b.status.LastErr = ""
	}
}

// applyOperations replays the queue onto the last-synced baseline,
// materializing the local highlight set the merge runs against.
func applyOperations(baseline *model.HighlightFile, ops []model.SyncOperation) (*model.HighlightFile, map[model.Platform]model.ProgressData) {
	highlights := make(map[string]model.Highlight, len(baseline.Highlights))
	order := make([]string, 0, len(baseline.Highlights))
	for _, h := range baseline.Highlights {
		highlights[h.ID] = h
		order = append(order, h.ID)
	}
	tombs := make(map[string]model.Tombstone, len(baseline.Tombstones))
	for _, t := range baseline.Tombstones {
		tombs[t.HighlightID] = t
	}
	progress := make(map[model.Platform]model.ProgressData)

	for _, op := range ops {
		switch op.Type {
		case model.OpCreate, model.OpUpdate:
			var d model.HighlightData
			if err := json.Unmarshal(op.Data, &d); err != nil {
				continue // malformed payloads cannot be applied
			}
			if _, ok := highlights[d.Highlight.ID]; !ok {
				order = append(order, d.Highlight.ID)
			}
			highlights[d.Highlight.ID] = d.Highlight
			delete(tombs, d.Highlight.ID)
		case model.OpDelete:
			var d model.DeleteData
			if err := json.Unmarshal(op.Data, &d); err != nil {
				continue
			}
			delete(highlights, d.Tombstone.HighlightID)
			tombs[d.Tombstone.HighlightID] = d.Tombstone
		case model.OpProgress:
			var d model.ProgressData
			if err := json.Unmarshal(op.Data, &d); err != nil {
				continue
			}
			progress[op.Platform] = d
		}
	}

	out := model.NewHighlightFile(baseline.BookID)
	out.Version = baseline.Version
	for _, id := range order {
		if h, ok := highlights[id]; ok {
			out.Highlights = append(out.Highlights, h)
		}
	}
	for _, t := range tombs {
		out.Tombstones = append(out.Tombstones, t)
	}
	return out, progress
}

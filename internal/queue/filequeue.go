package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/alirezakavianifar/message-broker-sub002/internal/envelope"
	"github.com/alirezakavianifar/message-broker-sub002/pkg/logging"
)

// spoolPattern names envelope files msg-<seq>-<message_id>.json. The sequence
// is zero-padded so lexical directory order matches enqueue order.
var spoolPattern = regexp.MustCompile(`^msg-(\d+)-([0-9a-f-]+)\.json$`)

// FileQueueOptions configures a FileQueue.
type FileQueueOptions struct {
	// Visibility is how long a lease stays exclusive before the envelope is
	// reclaimed into the ready set.
	Visibility time.Duration

	// Now is injectable for deterministic tests; defaults to time.Now.
	Now func() time.Time

	Logger *logging.Logger
}

// item is the in-memory index entry for one spooled envelope.
type item struct {
	seq         uint64
	env         *envelope.Envelope
	path        string
	nextVisible time.Time
	leased      bool
	token       LeaseToken
	deadline    time.Time
	heapIndex   int // -1 when not in the ready heap

	// holder is the copy handed to the current lease holder. The holder's
	// mutations reach env (and disk) only through Release; an expired lease
	// discards them, so a reclaimed envelope always leases out in the state
	// it was last persisted with.
	holder *envelope.Envelope
}

// FileQueue is the default DurableQueue: one JSON file per envelope in a
// spool directory. The file is the durable record; the ready/in-flight index
// is process-local and rebuilt from the directory on startup, which is exactly
// the crash-recovery path — anything on disk that was never acked comes back
// as ready.
//
// The spool supports the split deployment where the gateway process enqueues
// and the worker process consumes: a directory watcher folds externally
// created and removed spool files into the index. Lease exclusivity is
// enforced within the consuming process; run one consumer process per spool
// (shared-consumer deployments use the Redis backend instead).
type FileQueue struct {
	dir        string
	visibility time.Duration
	now        func() time.Time
	logger     *logging.Logger
	watcher    *fsnotify.Watcher

	mu       sync.Mutex
	items    map[uint64]*item
	inflight map[LeaseToken]uint64
	ready    readyHeap
	lastSeq  uint64
	closed   bool

	watchDone chan struct{}

	// wake is signalled whenever the ready set may have gained a leasable
	// entry, so blocked Lease calls re-check instead of polling.
	wake chan struct{}
}

// NewFileQueue opens (or creates) the spool directory and rebuilds the ready
// index from whatever envelopes a previous process left behind.
func NewFileQueue(dir string, opts FileQueueOptions) (*FileQueue, error) {
	if opts.Visibility <= 0 {
		opts.Visibility = 60 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewLogger(logging.Config{})
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory %s: %w", dir, err)
	}

	q := &FileQueue{
		dir:        dir,
		visibility: opts.Visibility,
		now:        opts.Now,
		logger:     opts.Logger.WithComponent("file_queue"),
		items:      make(map[uint64]*item),
		inflight:   make(map[LeaseToken]uint64),
		watchDone:  make(chan struct{}),
		wake:       make(chan struct{}, 1),
	}
	if err := q.recover(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create spool watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch spool directory %s: %w", dir, err)
	}
	q.watcher = watcher
	go q.watchLoop()

	return q, nil
}

// watchLoop folds spool files created or removed by other processes into the
// index. Events for this process's own writes and removes are deduplicated
// by sequence number.
func (q *FileQueue) watchLoop() {
	defer close(q.watchDone)
	for {
		select {
		case event, ok := <-q.watcher.Events:
			if !ok {
				return
			}
			m := spoolPattern.FindStringSubmatch(filepath.Base(event.Name))
			if m == nil {
				continue
			}
			seq, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Rename) != 0:
				q.adoptExternal(seq, event.Name)
			case event.Op&fsnotify.Remove != 0:
				q.dropExternal(seq)
			}
		case _, ok := <-q.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// adoptExternal indexes a spool file written by another process.
func (q *FileQueue) adoptExternal(seq uint64, path string) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	if _, known := q.items[seq]; known {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return // racing a remove, the Remove event cleans up
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		q.logger.Warn("ignoring unparsable spool file", "path", path, "error", err)
		return
	}

	q.mu.Lock()
	if _, known := q.items[seq]; known || q.closed {
		q.mu.Unlock()
		return
	}
	it := &item{
		seq:         seq,
		env:         &env,
		path:        path,
		nextVisible: q.now(),
		heapIndex:   -1,
	}
	q.items[seq] = it
	heap.Push(&q.ready, it)
	if seq > q.lastSeq {
		q.lastSeq = seq
	}
	q.mu.Unlock()
	q.signal()
}

// dropExternal forgets a spool file removed by another process (its ack).
func (q *FileQueue) dropExternal(seq uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, known := q.items[seq]
	if !known || it.leased {
		// A lease held here means the remove was our own Ack racing the
		// event, or an external actor deleting under us; either way Ack
		// bookkeeping owns the item.
		return
	}
	delete(q.items, seq)
}

// recover scans the spool directory and loads every envelope as ready.
func (q *FileQueue) recover() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("scan spool directory: %w", err)
	}

	type found struct {
		seq  uint64
		path string
	}
	var files []found
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := spoolPattern.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		seq, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			continue
		}
		files = append(files, found{seq: seq, path: filepath.Join(q.dir, entry.Name())})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })

	now := q.now()
	for _, f := range files {
		data, err := os.ReadFile(f.path)
		if err != nil {
			return fmt.Errorf("read spooled envelope %s: %w", f.path, err)
		}
		var env envelope.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			// A torn write from a crash mid-enqueue never got acknowledged
			// to the producer, so it is safe to quarantine rather than fail
			// the whole queue.
			q.logger.Warn("quarantining unparsable spool file", "path", f.path, "error", err)
			_ = os.Rename(f.path, f.path+".corrupt")
			continue
		}
		// A crash mid-delivery leaves status=processing on disk; it comes
		// back leasable.
		env.Status = envelope.StatusQueued
		it := &item{
			seq:         f.seq,
			env:         &env,
			path:        f.path,
			nextVisible: now,
			heapIndex:   -1,
		}
		q.items[f.seq] = it
		heap.Push(&q.ready, it)
		if f.seq > q.lastSeq {
			q.lastSeq = f.seq
		}
	}
	if len(q.items) > 0 {
		q.logger.Info("recovered spooled envelopes", "count", len(q.items))
	}
	return nil
}

// Enqueue durably appends the envelope: written to a temp file, fsynced, then
// renamed into place. It does not return success unless the envelope would
// survive a crash.
func (q *FileQueue) Enqueue(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Sequence numbers are wall-clock nanoseconds so concurrent producer
	// processes sharing one spool stay collision-free and roughly FIFO;
	// within this process monotonicity is enforced.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	seq := uint64(q.now().UnixNano())
	if seq <= q.lastSeq {
		seq = q.lastSeq + 1
	}
	q.lastSeq = seq
	q.mu.Unlock()

	path := filepath.Join(q.dir, fmt.Sprintf("msg-%019d-%s.json", seq, env.MessageID))
	if err := q.writeFile(path, env); err != nil {
		return fmt.Errorf("spool envelope %s: %w", env.MessageID, err)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		_ = os.Remove(path)
		return ErrClosed
	}
	if _, adopted := q.items[seq]; !adopted {
		it := &item{
			seq:         seq,
			env:         env,
			path:        path,
			nextVisible: q.now(),
			heapIndex:   -1,
		}
		q.items[seq] = it
		heap.Push(&q.ready, it)
	}
	q.mu.Unlock()

	q.signal()
	return nil
}

// writeFile persists the envelope with temp-write, fsync, rename.
func (q *FileQueue) writeFile(path string, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(q.dir, ".spool-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return syncDir(q.dir)
}

// syncDir flushes the directory entry so the rename itself is durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Lease returns one leasable envelope, blocking up to wait for one to become
// eligible. The returned token must be Acked or Released before the
// visibility deadline, or the envelope is reclaimed.
func (q *FileQueue) Lease(ctx context.Context, wait time.Duration) (*envelope.Envelope, LeaseToken, error) {
	deadline := q.now().Add(wait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, "", ErrClosed
		}

		now := q.now()
		q.reclaimExpiredLocked(now)

		if it := q.popReadyLocked(now); it != nil {
			token := LeaseToken(uuid.NewString())
			it.leased = true
			it.token = token
			it.deadline = now.Add(q.visibility)
			q.inflight[token] = it.seq
			// Hand out a copy so the holder's in-place mutations cannot
			// leak into the queue's state if the lease expires.
			leased := *it.env
			it.holder = &leased
			q.mu.Unlock()
			return &leased, token, nil
		}

		// Nothing leasable yet: sleep until the earliest next-visible time,
		// the earliest in-flight lease deadline (so expired leases get
		// reclaimed promptly), the caller's wait window, a wake signal, or
		// cancellation.
		sleep := deadline.Sub(now)
		if top := q.peekReadyLocked(); top != nil {
			if until := top.nextVisible.Sub(now); until < sleep {
				sleep = until
			}
		}
		for _, seq := range q.inflight {
			if it := q.items[seq]; it != nil {
				if until := it.deadline.Sub(now); until < sleep {
					sleep = until
				}
			}
		}
		q.mu.Unlock()

		if sleep <= 0 {
			return nil, "", ErrEmpty
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, "", ctx.Err()
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Ack permanently removes the leased envelope from the queue.
func (q *FileQueue) Ack(ctx context.Context, token LeaseToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	seq, ok := q.inflight[token]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownLease
	}
	it := q.items[seq]
	delete(q.inflight, token)
	delete(q.items, seq)
	q.mu.Unlock()

	if err := os.Remove(it.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove spooled envelope %s: %w", it.path, err)
	}
	return nil
}

// Release returns the leased envelope to the ready set, eligible again after
// delay. The envelope is rewritten to disk first so mutations made under the
// lease (attempt count, timestamps) survive a crash.
func (q *FileQueue) Release(ctx context.Context, token LeaseToken, delay time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	seq, ok := q.inflight[token]
	if !ok {
		q.mu.Unlock()
		return ErrUnknownLease
	}
	it := q.items[seq]
	holder := it.holder
	q.mu.Unlock()

	if err := q.writeFile(it.path, holder); err != nil {
		return fmt.Errorf("persist released envelope %s: %w", holder.MessageID, err)
	}

	q.mu.Lock()
	if _, still := q.inflight[token]; !still {
		// Reclaimed between unlock and here; the reclaim already re-readied
		// the item.
		q.mu.Unlock()
		return ErrUnknownLease
	}
	delete(q.inflight, token)
	it.env = holder
	it.holder = nil
	it.leased = false
	it.token = ""
	it.nextVisible = q.now().Add(delay)
	heap.Push(&q.ready, it)
	q.mu.Unlock()

	q.signal()
	return nil
}

// Depth reports the number of envelopes not yet acked, in-flight included.
func (q *FileQueue) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close shuts the queue down. Spooled envelopes stay on disk for the next
// process.
func (q *FileQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	var err error
	if q.watcher != nil {
		err = q.watcher.Close()
		<-q.watchDone
	}
	q.signal()
	return err
}

// reclaimExpiredLocked returns envelopes whose lease deadline passed to the
// ready set. Callers hold q.mu.
func (q *FileQueue) reclaimExpiredLocked(now time.Time) {
	for token, seq := range q.inflight {
		it := q.items[seq]
		if it == nil {
			delete(q.inflight, token)
			continue
		}
		if !now.Before(it.deadline) {
			q.logger.Warn("lease expired, reclaiming envelope",
				"message_id", it.env.MessageID, "attempts", it.env.AttemptCount)
			delete(q.inflight, token)
			it.holder = nil
			it.leased = false
			it.token = ""
			// The stored copy is what the next holder leases; it must come
			// back as queued, same as the startup recovery path.
			if it.env.Status == envelope.StatusProcessing {
				it.env.Status = envelope.StatusQueued
			}
			it.nextVisible = now
			heap.Push(&q.ready, it)
		}
	}
}

// popReadyLocked removes and returns the earliest eligible item, or nil.
func (q *FileQueue) popReadyLocked(now time.Time) *item {
	for q.ready.Len() > 0 {
		top := q.ready[0]
		if top.nextVisible.After(now) {
			return nil
		}
		heap.Pop(&q.ready)
		if _, exists := q.items[top.seq]; !exists || top.leased {
			continue // acked or leased while heaped
		}
		return top
	}
	return nil
}

func (q *FileQueue) peekReadyLocked() *item {
	if q.ready.Len() == 0 {
		return nil
	}
	return q.ready[0]
}

func (q *FileQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// readyHeap orders items by (nextVisible, seq): earliest eligible first, FIFO
// within the same instant.
type readyHeap []*item

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if h[i].nextVisible.Equal(h[j].nextVisible) {
		return h[i].seq < h[j].seq
	}
	return h[i].nextVisible.Before(h[j].nextVisible)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *readyHeap) Push(x any) {
	it := x.(*item)
	it.heapIndex = len(*h)
	*h = append(*h, it)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIndex = -1
	*h = old[:n-1]
	return it
}

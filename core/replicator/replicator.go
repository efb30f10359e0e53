package replicator

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/errors"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// ActivityLevel describes what a replicator is doing.
type ActivityLevel int

const (
	// ActivityStopped: not running; terminal until the next Start.
	ActivityStopped ActivityLevel = iota
	// ActivityOffline: the endpoint is unreachable; waiting to retry.
	ActivityOffline
	// ActivityConnecting: establishing a connection to the endpoint.
	ActivityConnecting
	// ActivityIdle: connected and caught up, waiting for changes.
	ActivityIdle
	// ActivityBusy: actively transferring documents.
	ActivityBusy
)

// String returns the level's wire name.
func (a ActivityLevel) String() string {
	switch a {
	case ActivityStopped:
		return "stopped"
	case ActivityOffline:
		return "offline"
	case ActivityConnecting:
		return "connecting"
	case ActivityIdle:
		return "idle"
	default:
		return "busy"
	}
}

// Progress counts replicated documents in the current run.
type Progress struct {
	// Completed is the number of documents transferred so far.
	Completed uint64

	// Total is the number of documents known to need transfer.
	Total uint64
}

// Status is a snapshot of the replicator's state.
type Status struct {
	Activity ActivityLevel
	Progress Progress
	Error    error
}

// ReplicatedDocument describes one document that finished replicating.
type ReplicatedDocument struct {
	ID             string
	ScopeName      string
	CollectionName string
	Deleted        bool
	Error          error
}

// DocumentReplication reports a batch of replicated documents.
type DocumentReplication struct {
	// IsPush is true for documents sent to the endpoint.
	IsPush    bool
	Documents []ReplicatedDocument
}

// ChangeListener receives replicator status transitions.
type ChangeListener func(Status)

// DocumentListener receives per-document replication events.
type DocumentListener func(DocumentReplication)

// ListenerToken identifies a registered replicator listener.
type ListenerToken struct {
	remove func()
}

// Remove unregisters the listener.
func (t *ListenerToken) Remove() {
	if t != nil && t.remove != nil {
		t.remove()
		t.remove = nil
	}
}

// initialBackoff is the first retry delay; it doubles per failed attempt up
// to Config.MaxAttemptWaitTime.
const initialBackoff = 2 * time.Second

// Replicator synchronizes documents between a local database and an
// endpoint.
type Replicator struct {
	config  Config
	localDB *db.Database

	mu            sync.Mutex
	status        Status
	running       bool
	suspended     bool
	hostReachable bool
	resetOnStart  bool

	nextListener int
	listeners    map[int]ChangeListener
	docListeners map[int]DocumentListener

	stopCh chan struct{}
	doneCh chan struct{}
	wake   chan struct{}
}

// NewReplicator builds a replicator from the config. The config is validated
// and zero values are filled from the defaults table.
func NewReplicator(config Config) (*Replicator, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &Replicator{
		config:        config.withDefaults(),
		localDB:       config.Collections[0].Collection.Database(),
		status:        Status{Activity: ActivityStopped},
		hostReachable: true,
		listeners:     map[int]ChangeListener{},
		docListeners:  map[int]DocumentListener{},
	}, nil
}

// Config returns the replicator's effective configuration, defaults applied.
func (r *Replicator) Config() Config {
	return r.config
}

// Status returns the current status snapshot.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// AddChangeListener registers a status listener.
func (r *Replicator) AddChangeListener(fn ChangeListener) *ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = fn
	return &ListenerToken{remove: func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}}
}

// AddDocumentListener registers a per-document replication listener.
func (r *Replicator) AddDocumentListener(fn DocumentListener) *ListenerToken {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextListener
	r.nextListener++
	r.docListeners[id] = fn
	return &ListenerToken{remove: func() {
		r.mu.Lock()
		delete(r.docListeners, id)
		r.mu.Unlock()
	}}
}

// Start launches the replicator. resetCheckpoint forgets saved progress so
// everything replicates from scratch. Starting a running replicator is a
// no-op.
func (r *Replicator) Start(resetCheckpoint bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	r.running = true
	r.resetOnStart = resetCheckpoint
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.wake = make(chan struct{}, 1)
	go r.run(r.stopCh, r.doneCh)
	return nil
}

// Stop asks the replicator to stop. It returns once the replicator has
// stopped.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop, done := r.stopCh, r.doneCh
	select {
	case <-stop:
	default:
		close(stop)
	}
	r.mu.Unlock()
	<-done
}

// SetHostReachable hints that the endpoint's host became reachable or
// unreachable, short-circuiting the retry backoff.
func (r *Replicator) SetHostReachable(reachable bool) {
	r.mu.Lock()
	r.hostReachable = reachable
	r.mu.Unlock()
	r.poke()
}

// SetSuspended pauses or resumes a running replicator, e.g. while the
// application is backgrounded.
func (r *Replicator) SetSuspended(suspended bool) {
	r.mu.Lock()
	r.suspended = suspended
	r.mu.Unlock()
	r.poke()
}

// poke wakes the run loop.
func (r *Replicator) poke() {
	r.mu.Lock()
	wake := r.wake
	r.mu.Unlock()
	if wake == nil {
		return
	}
	select {
	case wake <- struct{}{}:
	default:
	}
}

// setStatus updates the status and notifies listeners outside the lock.
func (r *Replicator) setStatus(activity ActivityLevel, progress Progress, err error) {
	r.mu.Lock()
	r.status = Status{Activity: activity, Progress: progress, Error: err}
	status := r.status
	fns := make([]ChangeListener, 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	logging.Verbose(logging.DomainReplicator, "replicator %s -> %s",
		r.config.Endpoint.Description(), activity)
	for _, fn := range fns {
		fn(status)
	}
}

// notifyDocuments reports a replicated batch to document listeners.
func (r *Replicator) notifyDocuments(rep DocumentReplication) {
	if len(rep.Documents) == 0 {
		return
	}
	r.mu.Lock()
	fns := make([]DocumentListener, 0, len(r.docListeners))
	for _, fn := range r.docListeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(rep)
	}
}

// run is the replicator's main loop: pass, then either stop (one-shot),
// wait for changes (continuous), or back off and retry (failure).
func (r *Replicator) run(stop chan struct{}, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	if r.resetOnStart {
		if err := r.resetCheckpoints(); err != nil {
			r.setStatus(ActivityStopped, Progress{}, err)
			return
		}
	}

	if r.config.Continuous {
		switch ep := r.config.Endpoint.(type) {
		case *LocalEndpoint:
			tokens := r.watchLocal(ep)
			defer func() {
				for _, t := range tokens {
					t.Remove()
				}
			}()
		case *URLEndpoint:
			// Local changes wake the push side; a poll ticker at the heartbeat
			// interval drives pulls.
			for _, cc := range r.config.Collections {
				token := cc.Collection.AddChangeListener(func(db.CollectionChange) { r.poke() })
				defer token.Remove()
			}
			if r.config.Type.pull() {
				ticker := time.NewTicker(r.config.Heartbeat)
				defer ticker.Stop()
				go func() {
					for {
						select {
						case <-stop:
							return
						case <-ticker.C:
							r.poke()
						}
					}
				}()
			}
		}
	}

	var attempts uint
	backoff := initialBackoff

	for {
		r.mu.Lock()
		blocked := r.suspended || !r.hostReachable
		r.mu.Unlock()
		if blocked {
			r.setStatus(ActivityOffline, Progress{}, nil)
			select {
			case <-stop:
				r.setStatus(ActivityStopped, Progress{}, nil)
				return
			case <-r.wake:
				continue
			}
		}

		r.setStatus(ActivityConnecting, Progress{}, nil)
		progress, err := r.runPass(stop)
		if err == nil {
			attempts = 0
			backoff = initialBackoff
			if !r.config.Continuous {
				r.setStatus(ActivityStopped, progress, nil)
				return
			}
			r.setStatus(ActivityIdle, progress, nil)
			select {
			case <-stop:
				r.setStatus(ActivityStopped, progress, nil)
				return
			case <-r.wake:
			}
			continue
		}

		attempts++
		if r.config.MaxAttempts != unlimitedAttempts && attempts >= r.config.MaxAttempts {
			logging.Error(logging.DomainReplicator, "replication to %s failed after %d attempts: %v",
				r.config.Endpoint.Description(), attempts, err)
			r.setStatus(ActivityStopped, Progress{}, err)
			return
		}

		logging.Warn(logging.DomainReplicator, "replication attempt %d to %s failed, retrying in %s: %v",
			attempts, r.config.Endpoint.Description(), backoff, err)
		r.setStatus(ActivityOffline, Progress{}, err)
		select {
		case <-stop:
			r.setStatus(ActivityStopped, Progress{}, err)
			return
		case <-r.wake:
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff, r.config.MaxAttemptWaitTime)
	}
}

// nextBackoff doubles the delay, capped at max.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// runPass performs one full replication cycle against the endpoint.
func (r *Replicator) runPass(stop chan struct{}) (Progress, error) {
	r.setStatus(ActivityBusy, Progress{}, nil)
	switch ep := r.config.Endpoint.(type) {
	case *LocalEndpoint:
		return r.localPass(ep)
	case *URLEndpoint:
		return r.remotePass(ep, stop)
	default:
		return Progress{}, fmt.Errorf("unsupported endpoint %T: %w", ep, errors.ErrUnsupported)
	}
}

// checkpointKey namespaces a direction's checkpoint per endpoint and
// collection.
func (r *Replicator) checkpointKey(direction string, col *db.Collection) string {
	return direction + ":" + r.config.Endpoint.Description() + ":" + col.FullName()
}

// resetCheckpoints forgets saved progress for every configured collection.
func (r *Replicator) resetCheckpoints() error {
	for _, cc := range r.config.Collections {
		for _, dir := range []string{"push", "pull"} {
			if err := r.localDB.SetCheckpoint(r.checkpointKey(dir, cc.Collection), "0"); err != nil {
				return err
			}
		}
	}
	return nil
}

// loadCheckpoint reads a direction's saved sequence.
func (r *Replicator) loadCheckpoint(direction string, col *db.Collection) (uint64, error) {
	raw, err := r.localDB.GetCheckpoint(r.checkpointKey(direction, col))
	if err != nil || raw == "" {
		return 0, err
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt checkpoint %q: %w", raw, err)
	}
	return seq, nil
}

// saveCheckpoint stores a direction's sequence.
func (r *Replicator) saveCheckpoint(direction string, col *db.Collection, seq uint64) error {
	return r.localDB.SetCheckpoint(r.checkpointKey(direction, col), strconv.FormatUint(seq, 10))
}

// PendingDocumentIDs returns the ids of documents in the collection that
// would be pushed on the next run.
func (r *Replicator) PendingDocumentIDs(col *db.Collection) (map[string]struct{}, error) {
	if !r.config.Type.push() {
		return nil, fmt.Errorf("pull-only replicators have no pending documents: %w",
			errors.ErrUnsupported)
	}
	cc, err := r.collectionConfig(col)
	if err != nil {
		return nil, err
	}

	since, err := r.loadCheckpoint("push", col)
	if err != nil {
		return nil, err
	}
	changes, err := col.ChangesSince(since, 0)
	if err != nil {
		return nil, err
	}

	pending := map[string]struct{}{}
	for _, e := range changes {
		if !allowsDocument(cc, e) {
			continue
		}
		pending[e.DocID] = struct{}{}
	}
	return pending, nil
}

// IsDocumentPending reports whether the document awaits pushing.
func (r *Replicator) IsDocumentPending(col *db.Collection, docID string) (bool, error) {
	pending, err := r.PendingDocumentIDs(col)
	if err != nil {
		return false, err
	}
	_, ok := pending[docID]
	return ok, nil
}

// collectionConfig finds the config entry for a collection.
func (r *Replicator) collectionConfig(col *db.Collection) (CollectionConfig, error) {
	for _, cc := range r.config.Collections {
		if cc.Collection == col ||
			(cc.Collection.Database() == col.Database() && cc.Collection.FullName() == col.FullName()) {
			return cc, nil
		}
	}
	return CollectionConfig{}, errors.NewNotFound("collection", col.FullName())
}

// allowsDocument applies the DocumentIDs restriction and push filter to an
// outgoing change.
func allowsDocument(cc CollectionConfig, e db.ChangeEntry) bool {
	if len(cc.DocumentIDs) > 0 {
		found := false
		for _, id := range cc.DocumentIDs {
			if id == e.DocID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cc.PushFilter != nil {
		doc := db.NewDocumentWithID(e.DocID)
		doc.SetProperties(e.Body)
		var flags DocumentFlags
		if e.Deleted {
			flags |= FlagDeleted
		}
		if !cc.PushFilter(doc, flags) {
			return false
		}
	}
	return true
}

package db

import "sync"

// CollectionChange reports documents that changed in a collection.
type CollectionChange struct {
	ScopeName      string
	CollectionName string
	DocumentIDs    []string
}

// DocumentChange reports a change to a single watched document.
type DocumentChange struct {
	ScopeName      string
	CollectionName string
	DocumentID     string
}

// CollectionChangeListener receives collection change notifications.
type CollectionChangeListener func(CollectionChange)

// DocumentChangeListener receives notifications for one watched document.
type DocumentChangeListener func(DocumentChange)

// ListenerToken identifies a registered listener.
type ListenerToken struct {
	remove func()
}

// Remove unregisters the listener. Safe to call more than once.
func (t *ListenerToken) Remove() {
	if t != nil && t.remove != nil {
		t.remove()
		t.remove = nil
	}
}

// change is one recorded document mutation awaiting delivery.
type change struct {
	collectionID int64
	scope        string
	collection   string
	docID        string
}

type docKey struct {
	collectionID int64
	docID        string
}

// notifier routes document mutations to registered listeners. Changes made
// inside a transaction are held back until the transaction commits; rolled
// back changes are dropped. When buffering is enabled, committed changes
// queue until SendNotifications and a ready callback fires on the first
// queued change.
type notifier struct {
	mu sync.Mutex

	nextID        int
	collListeners map[int64]map[int]CollectionChangeListener
	docListeners  map[docKey]map[int]DocumentChangeListener

	txPending []change
	immediate []change

	buffered bool
	ready    func()
	queue    []change
}

func newNotifier() *notifier {
	return &notifier{
		collListeners: map[int64]map[int]CollectionChangeListener{},
		docListeners:  map[docKey]map[int]DocumentChangeListener{},
	}
}

func (n *notifier) addCollectionListener(collectionID int64, fn CollectionChangeListener) *ListenerToken {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	if n.collListeners[collectionID] == nil {
		n.collListeners[collectionID] = map[int]CollectionChangeListener{}
	}
	n.collListeners[collectionID][id] = fn
	return &ListenerToken{remove: func() {
		n.mu.Lock()
		delete(n.collListeners[collectionID], id)
		n.mu.Unlock()
	}}
}

func (n *notifier) addDocumentListener(collectionID int64, docID string, fn DocumentChangeListener) *ListenerToken {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	key := docKey{collectionID, docID}
	if n.docListeners[key] == nil {
		n.docListeners[key] = map[int]DocumentChangeListener{}
	}
	n.docListeners[key][id] = fn
	return &ListenerToken{remove: func() {
		n.mu.Lock()
		delete(n.docListeners[key], id)
		n.mu.Unlock()
	}}
}

// post records a mutation. Changes inside a transaction wait for
// flushCommitted; others wait for flushImmediate, which callers invoke after
// releasing the database lock so listeners may use the database.
func (n *notifier) post(c change, inTx bool) {
	n.mu.Lock()
	if inTx {
		n.txPending = append(n.txPending, c)
	} else {
		n.immediate = append(n.immediate, c)
	}
	n.mu.Unlock()
}

// flushImmediate delivers changes recorded outside a transaction.
func (n *notifier) flushImmediate() {
	n.mu.Lock()
	pending := n.immediate
	n.immediate = nil
	n.deliverLocked(pending)
}

// flushCommitted releases changes recorded during a just-committed
// transaction.
func (n *notifier) flushCommitted() {
	n.mu.Lock()
	pending := n.txPending
	n.txPending = nil
	n.deliverLocked(pending)
}

// discardPending drops changes from a rolled-back transaction.
func (n *notifier) discardPending() {
	n.mu.Lock()
	n.txPending = nil
	n.mu.Unlock()
}

// mark returns the current pending-change high-water mark, used to unwind a
// rolled-back savepoint.
func (n *notifier) mark() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.txPending)
}

// truncate discards pending changes recorded after the given mark.
func (n *notifier) truncate(mark int) {
	n.mu.Lock()
	if mark <= len(n.txPending) {
		n.txPending = n.txPending[:mark]
	}
	n.mu.Unlock()
}

// deliverLocked dispatches or queues changes. It is called with n.mu held and
// releases it before invoking callbacks.
func (n *notifier) deliverLocked(changes []change) {
	if len(changes) == 0 {
		n.mu.Unlock()
		return
	}
	if n.buffered {
		wasEmpty := len(n.queue) == 0
		n.queue = append(n.queue, changes...)
		ready := n.ready
		n.mu.Unlock()
		if wasEmpty && ready != nil {
			ready()
		}
		return
	}
	n.dispatch(changes)
}

// dispatch invokes listeners for each change. Called with n.mu held; the lock
// is dropped around callbacks so listeners may touch the database.
func (n *notifier) dispatch(changes []change) {
	// Group by collection so a burst becomes one collection notification.
	type group struct {
		scope, collection string
		ids               []string
	}
	groups := map[int64]*group{}
	order := []int64{}
	for _, c := range changes {
		g := groups[c.collectionID]
		if g == nil {
			g = &group{scope: c.scope, collection: c.collection}
			groups[c.collectionID] = g
			order = append(order, c.collectionID)
		}
		g.ids = append(g.ids, c.docID)
	}

	type collCall struct {
		fn     CollectionChangeListener
		change CollectionChange
	}
	type docCall struct {
		fn     DocumentChangeListener
		change DocumentChange
	}
	var collCalls []collCall
	var docCalls []docCall
	for _, colID := range order {
		g := groups[colID]
		cc := CollectionChange{ScopeName: g.scope, CollectionName: g.collection, DocumentIDs: g.ids}
		for _, fn := range n.collListeners[colID] {
			collCalls = append(collCalls, collCall{fn, cc})
		}
		for _, id := range g.ids {
			dc := DocumentChange{ScopeName: g.scope, CollectionName: g.collection, DocumentID: id}
			for _, fn := range n.docListeners[docKey{colID, id}] {
				docCalls = append(docCalls, docCall{fn, dc})
			}
		}
	}
	n.mu.Unlock()

	for _, c := range collCalls {
		c.fn(c.change)
	}
	for _, c := range docCalls {
		c.fn(c.change)
	}
}

// AddChangeListener registers a listener notified when documents in the
// collection change. The returned token removes it.
func (c *Collection) AddChangeListener(fn CollectionChangeListener) *ListenerToken {
	return c.db.notify.addCollectionListener(c.id, fn)
}

// AddDocumentChangeListener registers a listener for changes to one document.
func (c *Collection) AddDocumentChangeListener(docID string, fn DocumentChangeListener) *ListenerToken {
	return c.db.notify.addDocumentListener(c.id, docID, fn)
}

// BufferNotifications switches the database to buffered notification
// delivery. Listener callbacks stop firing immediately; instead ready is
// called once when notifications become available, and SendNotifications
// delivers them. Passing nil restores immediate delivery.
func (d *Database) BufferNotifications(ready func()) {
	n := d.notify
	n.mu.Lock()
	n.buffered = ready != nil
	n.ready = ready
	pending := n.queue
	n.queue = nil
	if ready != nil || len(pending) == 0 {
		n.mu.Unlock()
		return
	}
	// Reverting to immediate mode flushes anything still queued.
	n.dispatch(pending)
}

// SendNotifications delivers all buffered notifications.
func (d *Database) SendNotifications() {
	n := d.notify
	n.mu.Lock()
	pending := n.queue
	n.queue = nil
	if len(pending) == 0 {
		n.mu.Unlock()
		return
	}
	n.dispatch(pending)
}

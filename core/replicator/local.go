package replicator

import (
	"github.com/FocuswithJustin/Bramble/core/db"
	"github.com/FocuswithJustin/Bramble/core/logging"
)

// localPass replicates directly between two in-process databases.
func (r *Replicator) localPass(ep *LocalEndpoint) (Progress, error) {
	var progress Progress

	for _, cc := range r.config.Collections {
		tcol, err := ep.db.CreateCollection(cc.Collection.Name(), cc.Collection.ScopeName())
		if err != nil {
			return progress, err
		}

		if r.config.Type.push() {
			if err := r.pushLocal(cc, tcol, &progress); err != nil {
				return progress, err
			}
		}
		if r.config.Type.pull() {
			if err := r.pullLocal(cc, tcol, &progress); err != nil {
				return progress, err
			}
		}
	}
	return progress, nil
}

// pushLocal sends changes from the local collection to the target.
func (r *Replicator) pushLocal(cc CollectionConfig, target *db.Collection, progress *Progress) error {
	col := cc.Collection
	since, err := r.loadCheckpoint("push", col)
	if err != nil {
		return err
	}
	changes, err := col.ChangesSince(since, 0)
	if err != nil {
		return err
	}
	progress.Total += uint64(len(changes))

	var batch []ReplicatedDocument
	last := since
	for _, e := range changes {
		last = e.Sequence
		if !allowsDocument(cc, e) {
			progress.Completed++
			continue
		}
		_, err := target.PutExisting(e.DocID, e.RevID, e.Body, e.Deleted)
		batch = append(batch, ReplicatedDocument{
			ID:             e.DocID,
			ScopeName:      col.ScopeName(),
			CollectionName: col.Name(),
			Deleted:        e.Deleted,
			Error:          err,
		})
		if err != nil {
			r.notifyDocuments(DocumentReplication{IsPush: true, Documents: batch})
			return err
		}
		progress.Completed++
	}

	if err := r.saveCheckpoint("push", col, last); err != nil {
		return err
	}
	r.notifyDocuments(DocumentReplication{IsPush: true, Documents: batch})
	logging.Verbose(logging.DomainReplicator, "pushed %d changes from %s to %s",
		len(changes), col.FullName(), r.config.Endpoint.Description())
	return nil
}

// pullLocal fetches changes from the target into the local collection.
func (r *Replicator) pullLocal(cc CollectionConfig, target *db.Collection, progress *Progress) error {
	col := cc.Collection
	since, err := r.loadCheckpoint("pull", col)
	if err != nil {
		return err
	}
	changes, err := target.ChangesSince(since, 0)
	if err != nil {
		return err
	}
	progress.Total += uint64(len(changes))

	var batch []ReplicatedDocument
	last := since
	for _, e := range changes {
		last = e.Sequence
		if !allowsIncoming(cc, e) {
			progress.Completed++
			continue
		}
		err := r.applyIncoming(cc, e)
		batch = append(batch, ReplicatedDocument{
			ID:             e.DocID,
			ScopeName:      col.ScopeName(),
			CollectionName: col.Name(),
			Deleted:        e.Deleted,
			Error:          err,
		})
		if err != nil {
			r.notifyDocuments(DocumentReplication{IsPush: false, Documents: batch})
			return err
		}
		progress.Completed++
	}

	if err := r.saveCheckpoint("pull", col, last); err != nil {
		return err
	}
	r.notifyDocuments(DocumentReplication{IsPush: false, Documents: batch})
	logging.Verbose(logging.DomainReplicator, "pulled %d changes into %s from %s",
		len(changes), col.FullName(), r.config.Endpoint.Description())
	return nil
}

// allowsIncoming applies the DocumentIDs restriction and pull filter to an
// incoming change.
func allowsIncoming(cc CollectionConfig, e db.ChangeEntry) bool {
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
	if cc.PullFilter != nil {
		doc := db.NewDocumentWithID(e.DocID)
		doc.SetProperties(e.Body)
		var flags DocumentFlags
		if e.Deleted {
			flags |= FlagDeleted
		}
		if !cc.PullFilter(doc, flags) {
			return false
		}
	}
	return true
}

// applyIncoming stores one incoming revision, invoking the conflict resolver
// when both sides changed the document.
func (r *Replicator) applyIncoming(cc CollectionConfig, e db.ChangeEntry) error {
	col := cc.Collection
	stored, err := col.PutExisting(e.DocID, e.RevID, e.Body, e.Deleted)
	if err != nil {
		return err
	}
	if stored || cc.ConflictResolver == nil {
		return nil
	}

	// The local revision won by the default rule. A custom resolver gets the
	// final say.
	local, err := col.GetDocument(e.DocID)
	if err != nil {
		return err
	}
	if local != nil && local.RevisionID() == e.RevID {
		return nil
	}
	var remote *db.Document
	if !e.Deleted {
		remote = db.NewDocumentWithID(e.DocID)
		remote.SetProperties(e.Body)
	}

	resolved := cc.ConflictResolver(e.DocID, local, remote)
	switch {
	case resolved == nil:
		if local != nil {
			return col.Delete(local)
		}
		return nil
	case local != nil:
		local.SetProperties(resolved.Properties())
		return col.Save(local)
	default:
		doc := db.NewDocumentWithID(e.DocID)
		doc.SetProperties(resolved.Properties())
		return col.Save(doc)
	}
}

// watchLocal registers change listeners on both sides of a continuous local
// replication so the run loop wakes on changes.
func (r *Replicator) watchLocal(ep *LocalEndpoint) []*db.ListenerToken {
	var tokens []*db.ListenerToken
	for _, cc := range r.config.Collections {
		if r.config.Type.push() {
			tokens = append(tokens, cc.Collection.AddChangeListener(func(db.CollectionChange) {
				r.poke()
			}))
		}
		if r.config.Type.pull() {
			tcol, err := ep.db.CreateCollection(cc.Collection.Name(), cc.Collection.ScopeName())
			if err != nil {
				continue
			}
			tokens = append(tokens, tcol.AddChangeListener(func(db.CollectionChange) {
				r.poke()
			}))
		}
	}
	return tokens
}

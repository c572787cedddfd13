// Package store is the transactional persistence layer: it holds
// Documents, DocumentContent, Signatures, DuplicateGroups and
// DuplicateMembers in a single bbolt database, an embedded, single-file,
// transactional key-value engine. The store is the system of record:
// every write that matters to a reader happens inside one bbolt
// transaction, so a reader only ever sees a pre-run or post-run group
// snapshot, never a partial one.
package store

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/rknightion/paperless-dedupe/internal/apperr"
	"github.com/rknightion/paperless-dedupe/internal/types"
)

var (
	bucketDocuments   = []byte("documents")         // DocumentID -> Document
	bucketByUpstream  = []byte("documents_by_upid") // upstream_id -> DocumentID, secondary index
	bucketContent     = []byte("content")           // DocumentID -> DocumentContent
	bucketSignatures  = []byte("signatures")        // DocumentID -> Signature
	bucketGroups      = []byte("groups")            // GroupID -> DuplicateGroup
	bucketMembers     = []byte("members")           // GroupID -> []DuplicateMember
	bucketMembersByID = []byte("members_by_doc")    // DocumentID -> []GroupID, secondary index
	bucketAiJobs      = []byte("ai_jobs")            // AiJob.ID -> AiJob
	bucketAiResults   = []byte("ai_results")         // AiJob.ID -> AiResult
)

var allBuckets = [][]byte{
	bucketDocuments, bucketByUpstream, bucketContent, bucketSignatures,
	bucketGroups, bucketMembers, bucketMembersByID, bucketAiJobs, bucketAiResults,
}

// Store wraps a bbolt database holding the transactional entity tables.
type Store struct {
	db  *bolt.DB
	log *logrus.Logger
}

// Open opens (creating if absent) a bbolt database at path and ensures all
// buckets exist. log may be nil, in which case logrus.StandardLogger() is
// used.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.WithError(err).WithField("path", path).Error("store: open failed")
		return nil, apperr.Wrap(apperr.Storage, "store.Open", err)
	}
	s := &Store{db: db, log: log}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		log.WithError(err).WithField("path", path).Error("store: bucket init failed")
		return nil, apperr.Wrap(apperr.Storage, "store.Open", err)
	}
	log.WithField("path", path).Info("store: opened")
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// update runs fn inside a write transaction, logging and classifying any
// error that isn't already an apperr.Error (i.e. a raw bbolt/encoding
// failure) as apperr.Storage. Errors the callback already classified, such
// as apperr.NotFound, pass through untouched and unlogged.
func (s *Store) update(op string, fn func(*bolt.Tx) error) error {
	return s.wrapTxErr(op, s.db.Update(fn))
}

// view is update's read-only counterpart.
func (s *Store) view(op string, fn func(*bolt.Tx) error) error {
	return s.wrapTxErr(op, s.db.View(fn))
}

func (s *Store) wrapTxErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var classified *apperr.Error
	if errors.As(err, &classified) {
		return err
	}
	s.log.WithError(err).WithField("op", op).Error("store: transaction failed")
	return apperr.Wrap(apperr.Storage, op, err)
}

func encode(v any) ([]byte, error) {
	return msgpackMarshal(v)
}

func decode(data []byte, v any) error {
	return msgpackUnmarshal(data, v)
}

// UpsertDocument inserts or replaces a Document, maintaining the
// upstream_id secondary index.
func (s *Store) UpsertDocument(doc types.Document) error {
	return s.update("store.UpsertDocument", func(tx *bolt.Tx) error {
		return upsertDocumentTx(tx, doc)
	})
}

func upsertDocumentTx(tx *bolt.Tx, doc types.Document) error {
	data, err := encode(doc)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data); err != nil {
		return err
	}
	return tx.Bucket(bucketByUpstream).Put(upstreamKey(doc.UpstreamID), []byte(doc.ID))
}

// DocumentByUpstreamID looks up a Document by its upstream_id via the
// secondary index, returning apperr.NotFound if absent.
func (s *Store) DocumentByUpstreamID(upstreamID int64) (types.Document, error) {
	var doc types.Document
	err := s.view("store.DocumentByUpstreamID", func(tx *bolt.Tx) error {
		idBytes := tx.Bucket(bucketByUpstream).Get(upstreamKey(upstreamID))
		if idBytes == nil {
			return apperr.New(apperr.NotFound, "store.DocumentByUpstreamID", "no document for upstream_id")
		}
		data := tx.Bucket(bucketDocuments).Get(idBytes)
		if data == nil {
			return apperr.New(apperr.NotFound, "store.DocumentByUpstreamID", "index points at missing document")
		}
		return decode(data, &doc)
	})
	return doc, err
}

// Document looks up a Document by its internal ID.
func (s *Store) Document(id types.DocumentID) (types.Document, error) {
	var doc types.Document
	err := s.view("store.Document", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.Document", "document not found")
		}
		return decode(data, &doc)
	})
	return doc, err
}

// AllDocuments returns every persisted Document, the input to the analysis
// coordinator's enumerate phase.
func (s *Store) AllDocuments() ([]types.Document, error) {
	var docs []types.Document
	err := s.view("store.AllDocuments", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).ForEach(func(_, data []byte) error {
			var d types.Document
			if err := decode(data, &d); err != nil {
				return err
			}
			docs = append(docs, d)
			return nil
		})
	})
	return docs, err
}

// MarkOrphaned flags a Document as no longer present upstream. The core
// never hard-deletes a Document; batch delete and resolve-duplicates
// outcomes land here instead.
func (s *Store) MarkOrphaned(id types.DocumentID) error {
	return s.update("store.MarkOrphaned", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.MarkOrphaned", "document not found")
		}
		var doc types.Document
		if err := decode(data, &doc); err != nil {
			return err
		}
		doc.Orphaned = true
		return upsertDocumentTx(tx, doc)
	})
}

// ReplaceContent overwrites a document's content record.
func (s *Store) ReplaceContent(content types.DocumentContent) error {
	data, err := encode(content)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "store.ReplaceContent", err)
	}
	return s.update("store.ReplaceContent", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContent).Put([]byte(content.DocumentID), data)
	})
}

// Content fetches a document's content record.
func (s *Store) Content(id types.DocumentID) (types.DocumentContent, error) {
	var c types.DocumentContent
	err := s.view("store.Content", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContent).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.Content", "content not found")
		}
		return decode(data, &c)
	})
	return c, err
}

// ReplaceSignature overwrites a document's signature.
func (s *Store) ReplaceSignature(sig types.Signature) error {
	data, err := encode(sig)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "store.ReplaceSignature", err)
	}
	return s.update("store.ReplaceSignature", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSignatures).Put([]byte(sig.DocumentID), data)
	})
}

// Signature fetches a document's signature, returning apperr.NotFound if
// none has been built yet.
func (s *Store) Signature(id types.DocumentID) (types.Signature, error) {
	var sig types.Signature
	err := s.view("store.Signature", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSignatures).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.Signature", "signature not found")
		}
		return decode(data, &sig)
	})
	return sig, err
}

// ReplaceGroupsForRun atomically replaces the entire group snapshot: groups
// whose id is new are inserted, groups whose id already existed keep their
// reviewed/resolved flags, and groups whose id no longer appears are
// deleted along with their members. The whole operation happens inside a
// single bbolt transaction, so a reader never observes a
// partially-replaced snapshot.
func (s *Store) ReplaceGroupsForRun(groups []types.DuplicateGroup) error {
	return s.update("store.ReplaceGroupsForRun", func(tx *bolt.Tx) error {
		existing := make(map[types.GroupID]types.DuplicateGroup)
		if err := tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g types.DuplicateGroup
			if err := decode(v, &g); err != nil {
				return err
			}
			existing[types.GroupID(k)] = g
			return nil
		}); err != nil {
			return err
		}

		incoming := make(map[types.GroupID]struct{}, len(groups))
		for _, g := range groups {
			incoming[g.ID] = struct{}{}
			if prev, ok := existing[g.ID]; ok {
				g.Reviewed = prev.Reviewed
				g.Resolved = prev.Resolved
				g.CreatedAt = prev.CreatedAt
			}
			g.UpdatedAt = timeNow()
			if err := putGroupTx(tx, g); err != nil {
				return err
			}
		}

		for id := range existing {
			if _, stillPresent := incoming[id]; !stillPresent {
				if err := deleteGroupTx(tx, id); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func putGroupTx(tx *bolt.Tx, g types.DuplicateGroup) error {
	data, err := encode(g)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketGroups).Put([]byte(g.ID), data); err != nil {
		return err
	}
	memberData, err := encode(g.Members)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketMembers).Put([]byte(g.ID), memberData); err != nil {
		return err
	}
	for _, m := range g.Members {
		if err := addMemberIndexTx(tx, m.DocumentID, g.ID); err != nil {
			return err
		}
	}
	return nil
}

func deleteGroupTx(tx *bolt.Tx, id types.GroupID) error {
	memberData := tx.Bucket(bucketMembers).Get([]byte(id))
	if memberData != nil {
		var members []types.DuplicateMember
		if err := decode(memberData, &members); err != nil {
			return err
		}
		for _, m := range members {
			if err := removeMemberIndexTx(tx, m.DocumentID, id); err != nil {
				return err
			}
		}
	}
	if err := tx.Bucket(bucketMembers).Delete([]byte(id)); err != nil {
		return err
	}
	return tx.Bucket(bucketGroups).Delete([]byte(id))
}

// DeleteGroup removes a single group and its members, used by the batch
// orchestrator's resolve-duplicates path.
func (s *Store) DeleteGroup(id types.GroupID) error {
	return s.update("store.DeleteGroup", func(tx *bolt.Tx) error {
		return deleteGroupTx(tx, id)
	})
}

// MarkReviewed flips a group's reviewed flag.
func (s *Store) MarkReviewed(id types.GroupID) error {
	return s.updateGroupFlag(id, func(g *types.DuplicateGroup) { g.Reviewed = true })
}

// MarkResolved flips a group's resolved flag.
func (s *Store) MarkResolved(id types.GroupID) error {
	return s.updateGroupFlag(id, func(g *types.DuplicateGroup) { g.Resolved = true })
}

func (s *Store) updateGroupFlag(id types.GroupID, mutate func(*types.DuplicateGroup)) error {
	return s.update("store.updateGroupFlag", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.updateGroupFlag", "group not found")
		}
		var g types.DuplicateGroup
		if err := decode(data, &g); err != nil {
			return err
		}
		mutate(&g)
		g.UpdatedAt = timeNow()
		newData, err := encode(g)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).Put([]byte(id), newData)
	})
}

// Group fetches a single group with its members populated.
func (s *Store) Group(id types.GroupID) (types.DuplicateGroup, error) {
	var g types.DuplicateGroup
	err := s.view("store.Group", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.Group", "group not found")
		}
		return decode(data, &g)
	})
	return g, err
}

// AllGroups returns every persisted group, sorted by id for deterministic
// listing order.
func (s *Store) AllGroups() ([]types.DuplicateGroup, error) {
	var groups []types.DuplicateGroup
	err := s.view("store.AllGroups", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, data []byte) error {
			var g types.DuplicateGroup
			if err := decode(data, &g); err != nil {
				return err
			}
			groups = append(groups, g)
			return nil
		})
	})
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups, err
}

// GroupsForDocument returns every group a document currently belongs to,
// via the DuplicateMember.document_id secondary index.
func (s *Store) GroupsForDocument(id types.DocumentID) ([]types.GroupID, error) {
	var ids []types.GroupID
	err := s.view("store.GroupsForDocument", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMembersByID).Get([]byte(id))
		if data == nil {
			return nil
		}
		return decode(data, &ids)
	})
	return ids, err
}

func addMemberIndexTx(tx *bolt.Tx, docID types.DocumentID, groupID types.GroupID) error {
	var ids []types.GroupID
	data := tx.Bucket(bucketMembersByID).Get([]byte(docID))
	if data != nil {
		if err := decode(data, &ids); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if id == groupID {
			return nil
		}
	}
	ids = append(ids, groupID)
	newData, err := encode(ids)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMembersByID).Put([]byte(docID), newData)
}

func removeMemberIndexTx(tx *bolt.Tx, docID types.DocumentID, groupID types.GroupID) error {
	data := tx.Bucket(bucketMembersByID).Get([]byte(docID))
	if data == nil {
		return nil
	}
	var ids []types.GroupID
	if err := decode(data, &ids); err != nil {
		return err
	}
	filtered := ids[:0]
	for _, id := range ids {
		if id != groupID {
			filtered = append(filtered, id)
		}
	}
	if len(filtered) == 0 {
		return tx.Bucket(bucketMembersByID).Delete([]byte(docID))
	}
	newData, err := encode(filtered)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketMembersByID).Put([]byte(docID), newData)
}

// SaveAiJob inserts or replaces an AiJob record.
func (s *Store) SaveAiJob(job types.AiJob) error {
	data, err := encode(job)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "store.SaveAiJob", err)
	}
	return s.update("store.SaveAiJob", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAiJobs).Put([]byte(job.ID), data)
	})
}

// AiJob fetches a job by id.
func (s *Store) AiJob(id string) (types.AiJob, error) {
	var job types.AiJob
	err := s.view("store.AiJob", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAiJobs).Get([]byte(id))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.AiJob", "ai job not found")
		}
		return decode(data, &job)
	})
	return job, err
}

// SaveAiResult inserts or replaces the suggestion record for a job.
func (s *Store) SaveAiResult(result types.AiResult) error {
	data, err := encode(result)
	if err != nil {
		return apperr.Wrap(apperr.Storage, "store.SaveAiResult", err)
	}
	return s.update("store.SaveAiResult", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAiResults).Put([]byte(result.JobID), data)
	})
}

// AiResult fetches a job's suggestion record.
func (s *Store) AiResult(jobID string) (types.AiResult, error) {
	var result types.AiResult
	err := s.view("store.AiResult", func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAiResults).Get([]byte(jobID))
		if data == nil {
			return apperr.New(apperr.NotFound, "store.AiResult", "ai result not found")
		}
		return decode(data, &result)
	})
	return result, err
}

func upstreamKey(upstreamID int64) []byte {
	return []byte(fmt.Sprintf("%020d", upstreamID))
}

var timeNow = time.Now

// Package store persists document snapshots at explicit save points.
package store

import (
	"context"
	"sync"
	"time"
)

type storedDocument struct {
	content   string
	version   int64
	updatedAt time.Time
}

// MemoryStore keeps snapshots in process. Mostly useful for tests and
// single node setups.
type MemoryStore struct {
	stateLock sync.Mutex
	// document id -> snapshot
	documents map[string]*storedDocument
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		documents: map[string]*storedDocument{},
	}
}

// Load returns the stored snapshot. A missing document loads as empty
// content at version 0.
func (self *MemoryStore) Load(ctx context.Context, documentId string) (string, int64, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	document, ok := self.documents[documentId]
	if !ok {
		return "", 0, nil
	}
	return document.content, document.version, nil
}

func (self *MemoryStore) Persist(ctx context.Context, documentId string, content string, version int64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.documents[documentId] = &storedDocument{
		content:   content,
		version:   version,
		updatedAt: time.Now(),
	}
	return nil
}

func (self *MemoryStore) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.documents)
}

// DocumentIds returns the ids of all stored documents.
func (self *MemoryStore) DocumentIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	documentIds := make([]string, 0, len(self.documents))
	for documentId := range self.documents {
		documentIds = append(documentIds, documentId)
	}
	return documentIds
}

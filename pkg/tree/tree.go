package tree

import (
	"sort"
	"sync"
)

// Tree holds the resolved collections and documents of one account. Only a
// Resolver writes to it; records are replaced, never modified in place, so
// pointers handed out by the accessors stay consistent.
type Tree struct {
	mutex       sync.RWMutex
	collections map[string]*Collection
	documents   map[string]*Document
}

func NewTree() *Tree {
	return &Tree{
		collections: make(map[string]*Collection),
		documents:   make(map[string]*Document),
	}
}

func (t *Tree) Collection(id string) (*Collection, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	c, ok := t.collections[id]
	return c, ok
}

func (t *Tree) Document(id string) (*Document, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	d, ok := t.documents[id]
	return d, ok
}

// Collections returns all collections ordered by uuid.
func (t *Tree) Collections() []*Collection {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result := make([]*Collection, 0, len(t.collections))
	for _, c := range t.collections {
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID < result[j].UUID
	})
	return result
}

// Documents returns all documents ordered by uuid.
func (t *Tree) Documents() []*Document {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result := make([]*Document, 0, len(t.documents))
	for _, d := range t.documents {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].UUID < result[j].UUID
	})
	return result
}

// Len returns the number of collections and documents.
func (t *Tree) Len() (collections int, documents int) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return len(t.collections), len(t.documents)
}

// Restore replaces the content of the tree, e.g. with a persisted snapshot.
func (t *Tree) Restore(collections []*Collection, documents []*Document) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.collections = make(map[string]*Collection, len(collections))
	for _, c := range collections {
		t.collections[c.UUID] = c
	}
	t.documents = make(map[string]*Document, len(documents))
	for _, d := range documents {
		t.documents[d.UUID] = d
	}
}

// Provision adds a locally created document that is protected from deletion
// until a sync sees it on the remote.
func (t *Tree) Provision(doc *Document) {
	d := doc.clone()
	d.Provision = true

	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.documents[d.UUID] = d
}

// SetDownloading flags a document as being downloaded by the editing side.
func (t *Tree) SetDownloading(id string, downloading bool) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	d, ok := t.documents[id]
	if !ok {
		return false
	}
	c := d.clone()
	c.Downloading = downloading
	t.documents[id] = c
	return true
}

func (t *Tree) keys() (collections map[string]struct{}, documents map[string]struct{}) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	collections = make(map[string]struct{}, len(t.collections))
	for id := range t.collections {
		collections[id] = struct{}{}
	}
	documents = make(map[string]struct{}, len(t.documents))
	for id := range t.documents {
		documents[id] = struct{}{}
	}
	return collections, documents
}

func (t *Tree) putCollection(c *Collection) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.collections[c.UUID] = c
}

func (t *Tree) putDocument(d *Document) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.documents[d.UUID] = d
}

func (t *Tree) deleteCollection(id string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.collections, id)
}

// deleteDocument removes a document unless it is provisioned and reports
// whether it was removed.
func (t *Tree) deleteDocument(id string) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	d, ok := t.documents[id]
	if !ok || d.Provision {
		return false
	}
	delete(t.documents, id)
	return true
}

// deriveHasItems marks every collection referenced as a parent.
func (t *Tree) deriveHasItems() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	parents := make(map[string]struct{})
	for _, c := range t.collections {
		parents[c.Parent] = struct{}{}
	}
	for _, d := range t.documents {
		parents[d.Parent] = struct{}{}
	}

	for id, c := range t.collections {
		_, hasItems := parents[id]
		if c.HasItems != hasItems {
			updated := *c
			updated.HasItems = hasItems
			t.collections[id] = &updated
		}
	}
}

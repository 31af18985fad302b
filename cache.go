package shareddoc

import (
	"sync"
	"weak"
)

// The engine returns a fresh branch handle on every traversal. Without a
// process-wide cache, two lookups of the same logical node would surface two
// distinct wrappers and break reference-equality bookkeeping on the caller
// side. Entries are weak: the cache never extends a wrapper's lifetime, and an
// entry whose wrapper was collected is treated as absent on the next lookup.
// `evict` drops a document's whole generation when the document closes.

type identityKey struct {
	docGuid  uint64
	branchId BranchId
}

type identityCache struct {
	mutex sync.Mutex
	// a nil return means the wrapper was collected
	entries map[identityKey]func() Node
}

var integratedCache = newIdentityCache()

func newIdentityCache() *identityCache {
	return &identityCache{
		entries: map[identityKey]func() Node{},
	}
}

// returns the live wrapper for (docGuid, branchId) if one exists, and
// otherwise stores and returns factory(). concurrent lookups of the same key
// resolve to whichever wrapper wins the insert race.
func lookupNode[T any, PT interface {
	*T
	Node
}](self *identityCache, docGuid uint64, branchId BranchId, factory func() PT) PT {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := identityKey{
		docGuid:  docGuid,
		branchId: branchId,
	}
	if entry, ok := self.entries[key]; ok {
		if node := entry(); node != nil {
			if typed, ok := node.(PT); ok {
				return typed
			}
		}
		delete(self.entries, key)
	}
	node := factory()
	self.entries[key] = weakEntry[T, PT](node)
	return node
}

// installs `node` as the wrapper for (docGuid, branchId), replacing any
// previous entry. used when integration creates the wrapper before the first
// lookup.
func storeNode[T any, PT interface {
	*T
	Node
}](self *identityCache, docGuid uint64, branchId BranchId, node PT) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	key := identityKey{
		docGuid:  docGuid,
		branchId: branchId,
	}
	self.entries[key] = weakEntry[T, PT](node)
}

func weakEntry[T any, PT interface {
	*T
	Node
}](node PT) func() Node {
	pointer := weak.Make((*T)(node))
	return func() Node {
		if value := pointer.Value(); value != nil {
			return PT(value)
		}
		return nil
	}
}

func (self *identityCache) evict(docGuid uint64) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for key := range self.entries {
		if key.docGuid == docGuid {
			delete(self.entries, key)
		}
	}
}

func (self *identityCache) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.entries)
}

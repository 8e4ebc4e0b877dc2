package session

import "sort"

// ElementLocks maps element ids to the id of the client holding them. It is
// not safe for concurrent use; the hub guards it with its own mutex.
type ElementLocks struct {
	owners map[string]string
}

func NewElementLocks() *ElementLocks {
	return &ElementLocks{owners: make(map[string]string)}
}

// Claim records owner for elementID if nobody holds it yet.
func (l *ElementLocks) Claim(elementID, owner string) bool {
	if _, held := l.owners[elementID]; held {
		return false
	}
	l.owners[elementID] = owner
	return true
}

// Release drops the entry for elementID. With checkOwner set, only requester
// may release it; otherwise any release of a held element succeeds.
func (l *ElementLocks) Release(elementID, requester string, checkOwner bool) bool {
	owner, held := l.owners[elementID]
	if !held {
		return false
	}
	if checkOwner && owner != requester {
		return false
	}
	delete(l.owners, elementID)
	return true
}

func (l *ElementLocks) Owner(elementID string) (string, bool) {
	owner, ok := l.owners[elementID]
	return owner, ok
}

// ReleaseOwnedBy removes every entry held by owner and returns the released
// element ids in sorted order.
func (l *ElementLocks) ReleaseOwnedBy(owner string) []string {
	var released []string
	for el, o := range l.owners {
		if o == owner {
			released = append(released, el)
		}
	}
	sort.Strings(released)
	for _, el := range released {
		delete(l.owners, el)
	}
	return released
}

func (l *ElementLocks) Len() int { return len(l.owners) }

func (l *ElementLocks) Snapshot() map[string]string {
	out := make(map[string]string, len(l.owners))
	for k, v := range l.owners {
		out[k] = v
	}
	return out
}

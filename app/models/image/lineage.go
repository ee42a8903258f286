package image

import (
	"sort"
	"sync"
)

// Lineage indexes parent edges between images, the reverse child edges, and
// how many containers reference each image.
type Lineage struct {
	mu       sync.RWMutex
	parent   map[string]string
	children map[string]map[string]struct{}
	refs     map[string]int
}

func NewLineage() *Lineage {
	return &Lineage{
		parent:   make(map[string]string),
		children: make(map[string]map[string]struct{}),
		refs:     make(map[string]int),
	}
}

func (l *Lineage) Add(id, parentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.parent[id] = parentID
	if parentID == "" {
		return
	}
	if l.children[parentID] == nil {
		l.children[parentID] = make(map[string]struct{})
	}
	l.children[parentID][id] = struct{}{}
}

// Remove drops id's parent edge. Its own child edges and reference count
// are left untouched.
func (l *Lineage) Remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	parentID, ok := l.parent[id]
	if !ok {
		return
	}
	delete(l.parent, id)
	if kids := l.children[parentID]; kids != nil {
		delete(kids, id)
		if len(kids) == 0 {
			delete(l.children, parentID)
		}
	}
}

func (l *Lineage) Children(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, 0, len(l.children[id]))
	for kid := range l.children[id] {
		out = append(out, kid)
	}
	sort.Strings(out)
	return out
}

// Ancestors returns the chain of parents from id's parent up to the root.
func (l *Lineage) Ancestors(id string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []string
	seen := map[string]bool{id: true}
	for cur := l.parent[id]; cur != "" && !seen[cur]; cur = l.parent[cur] {
		seen[cur] = true
		out = append(out, cur)
	}
	return out
}

func (l *Lineage) Ref(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs[id]++
	return l.refs[id]
}

// Unref decrements id's container reference count and returns what is left.
func (l *Lineage) Unref(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.refs[id] <= 1 {
		delete(l.refs, id)
		return 0
	}
	l.refs[id]--
	return l.refs[id]
}

func (l *Lineage) Refs(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.refs[id]
}

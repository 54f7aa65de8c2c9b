package extension

// ChangeKind classifies registry notifications.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeUpdated
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeUpdated:
		return "updated"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change describes one registry mutation. Index is the position of the
// extension in the registry before removal or after insertion.
type Change struct {
	Kind      ChangeKind
	Extension *Extension
	Index     int
}

// Observer receives registry changes. Calls arrive on the registry thread
// in mutation order and must not block.
type Observer interface {
	ExtensionChanged(Change)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Change)

// ExtensionChanged calls f.
func (f ObserverFunc) ExtensionChanged(c Change) { f(c) }

// registry is the ordered extension collection. It is only touched from the
// registry thread.
type registry struct {
	items  []*Extension
	notify func(Change)
}

func newRegistry(notify func(Change)) *registry {
	return &registry{notify: notify}
}

func (r *registry) find(id string) (*Extension, int) {
	for i, e := range r.items {
		if e.uniqueID == id {
			return e, i
		}
	}
	return nil, -1
}

func (r *registry) add(e *Extension) {
	r.items = append(r.items, e)
	r.notify(Change{Kind: ChangeAdded, Extension: e, Index: len(r.items) - 1})
}

func (r *registry) updated(e *Extension) {
	if _, i := r.find(e.uniqueID); i >= 0 {
		r.notify(Change{Kind: ChangeUpdated, Extension: e, Index: i})
	}
}

func (r *registry) remove(e *Extension) bool {
	_, i := r.find(e.uniqueID)
	if i < 0 {
		return false
	}
	r.items = append(r.items[:i], r.items[i+1:]...)
	r.notify(Change{Kind: ChangeRemoved, Extension: e, Index: i})
	return true
}

// byFamily returns the extensions backed by a package family, in registry order.
func (r *registry) byFamily(family string) []*Extension {
	var out []*Extension
	for _, e := range r.items {
		if e.Package().FamilyName() == family {
			out = append(out, e)
		}
	}
	return out
}

func (r *registry) snapshot() []*Extension {
	out := make([]*Extension, len(r.items))
	copy(out, r.items)
	return out
}

func (r *registry) len() int { return len(r.items) }

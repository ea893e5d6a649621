package pending

import (
	"sync"

	"mt5flow/models"
)

// Op is the order operation the pending entry was created for.
type Op string

const (
	OpCreate Op = "create"
	OpAmend  Op = "amend"
	OpCancel Op = "cancel"
)

// Origin carries the metadata needed to materialize a typed rejection if
// the venue refuses the request.
type Origin struct {
	Op            Op
	TraderID      string
	StrategyID    string
	Symbol        string
	ClientOrderID string
	VenueOrderID  string
}

// Rejection maps the pending op to its typed rejection kind.
func (o Origin) Rejection() models.RejectionKind {
	switch o.Op {
	case OpAmend:
		return models.RejectModify
	case OpCancel:
		return models.RejectCancel
	}
	return models.RejectSubmit
}

// Table correlates outbound order commands with inbound responses by the
// client-assigned request id. Entries are inserted before the wire send and
// removed on ack, rejection, or session shutdown.
type Table struct {
	mu      sync.Mutex
	entries map[string]Origin
}

func NewTable() *Table {
	return &Table{entries: make(map[string]Origin)}
}

// Insert registers an in-flight request under its client order id.
func (t *Table) Insert(id string, origin Origin) {
	t.mu.Lock()
	t.entries[id] = origin
	t.mu.Unlock()
}

// Remove takes an entry out of the table, reporting whether it existed.
func (t *Table) Remove(id string) (Origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	origin, ok := t.entries[id]
	if ok {
		delete(t.entries, id)
	}
	return origin, ok
}

// Get reads an entry without removing it.
func (t *Table) Get(id string) (Origin, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	origin, ok := t.entries[id]
	return origin, ok
}

// Drain empties the table and returns every outstanding entry. Called on
// session shutdown so each entry can materialize a synthetic rejection.
func (t *Table) Drain() []Origin {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Origin, 0, len(t.entries))
	for _, origin := range t.entries {
		out = append(out, origin)
	}
	t.entries = make(map[string]Origin)
	return out
}

// Len reports the number of outstanding requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

package pending

import (
	"testing"

	"mt5flow/models"
)

func TestInsertRemove(t *testing.T) {
	tab := NewTable()
	tab.Insert("ord-1", Origin{Op: OpCreate, Symbol: "EURUSD", ClientOrderID: "ord-1"})

	origin, ok := tab.Remove("ord-1")
	if !ok {
		t.Fatalf("expected entry for ord-1")
	}
	if origin.Symbol != "EURUSD" || origin.Op != OpCreate {
		t.Fatalf("unexpected origin: %+v", origin)
	}
	if _, ok := tab.Remove("ord-1"); ok {
		t.Fatalf("second remove should miss")
	}
}

func TestDrainEmptiesTable(t *testing.T) {
	tab := NewTable()
	tab.Insert("a", Origin{Op: OpCreate, ClientOrderID: "a"})
	tab.Insert("b", Origin{Op: OpCancel, ClientOrderID: "b"})

	drained := tab.Drain()
	if len(drained) != 2 {
		t.Fatalf("drain: got %d entries, want 2", len(drained))
	}
	if tab.Len() != 0 {
		t.Fatalf("table should be empty after drain, got %d", tab.Len())
	}
}

func TestRejectionKinds(t *testing.T) {
	cases := []struct {
		op   Op
		want models.RejectionKind
	}{
		{OpCreate, models.RejectSubmit},
		{OpAmend, models.RejectModify},
		{OpCancel, models.RejectCancel},
	}
	for _, tc := range cases {
		if got := (Origin{Op: tc.op}).Rejection(); got != tc.want {
			t.Errorf("op %s: got %v, want %v", tc.op, got, tc.want)
		}
	}
}

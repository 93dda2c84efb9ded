package domain

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLotAcceptsCalendarDate(t *testing.T) {
	var lot Lot
	if err := json.Unmarshal([]byte(`{"id":"lot-a","expiry_date":"2099-05-01","qty_available":5}`), &lot); err != nil {
		t.Fatalf("unmarshal date-only lot: %v", err)
	}
	want := time.Date(2099, time.May, 1, 0, 0, 0, 0, time.UTC)
	if !lot.ExpiryDate.Equal(want) || lot.QtyAvailable != 5 || lot.ID != "lot-a" {
		t.Fatalf("unexpected lot %+v", lot)
	}

	raw, err := json.Marshal(lot)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"expiry_date":"2099-05-01"`) {
		t.Fatalf("expected date-only expiry in %s", raw)
	}
}

func TestLotKeepsCalendarDayOfTimestamp(t *testing.T) {
	var lot Lot
	if err := json.Unmarshal([]byte(`{"id":"lot-a","expiry_date":"2099-05-01T23:30:00+07:00"}`), &lot); err != nil {
		t.Fatalf("unmarshal timestamp lot: %v", err)
	}
	if got := lot.ExpiryDate.Format(DateLayout); got != "2099-05-01" {
		t.Fatalf("expected the written calendar day, got %s", got)
	}
}

func TestLotRejectsMalformedDate(t *testing.T) {
	var lot Lot
	err := json.Unmarshal([]byte(`{"id":"lot-a","expiry_date":"05/01/2099"}`), &lot)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestAllocationDateRoundTrip(t *testing.T) {
	in := []Allocation{{LotID: "lot-a", ExpiryDate: time.Date(2099, time.March, 1, 0, 0, 0, 0, time.UTC), Qty: 2}}
	raw, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"expiry_date":"2099-03-01"`) {
		t.Fatalf("expected date-only expiry in %s", raw)
	}

	var out []Allocation
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 1 || out[0].Qty != 2 || !out[0].ExpiryDate.Equal(in[0].ExpiryDate) {
		t.Fatalf("unexpected allocations %+v", out)
	}
}

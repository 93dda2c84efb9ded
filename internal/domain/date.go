package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire form of lot expiry dates.
const DateLayout = "2006-01-02"

// ParseDate accepts a calendar date or an RFC 3339 timestamp and keeps
// only the calendar date as written, at midnight UTC.
func ParseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(DateLayout, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a YYYY-MM-DD date", ErrValidation, raw)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

func parseOptionalDate(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return ParseDate(raw)
}

func (l Lot) MarshalJSON() ([]byte, error) {
	type plain Lot
	return json.Marshal(struct {
		plain
		ExpiryDate string `json:"expiry_date"`
	}{plain(l), formatDate(l.ExpiryDate)})
}

func (l *Lot) UnmarshalJSON(data []byte) error {
	type plain Lot
	aux := struct {
		*plain
		ExpiryDate string `json:"expiry_date"`
	}{plain: (*plain)(l)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	expiry, err := parseOptionalDate(aux.ExpiryDate)
	if err != nil {
		return fmt.Errorf("lot %s expiry_date: %w", l.ID, err)
	}
	l.ExpiryDate = expiry
	return nil
}

func (a Allocation) MarshalJSON() ([]byte, error) {
	type plain Allocation
	return json.Marshal(struct {
		plain
		ExpiryDate string `json:"expiry_date"`
	}{plain(a), formatDate(a.ExpiryDate)})
}

func (a *Allocation) UnmarshalJSON(data []byte) error {
	type plain Allocation
	aux := struct {
		*plain
		ExpiryDate string `json:"expiry_date"`
	}{plain: (*plain)(a)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	expiry, err := parseOptionalDate(aux.ExpiryDate)
	if err != nil {
		return fmt.Errorf("allocation %s expiry_date: %w", a.LotID, err)
	}
	a.ExpiryDate = expiry
	return nil
}

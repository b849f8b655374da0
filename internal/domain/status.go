package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OrderStatus is a closed set; ParseOrderStatus rejects anything else so an
// unknown status can never be decoded or persisted.
type OrderStatus uint8

const (
	StatusDraft OrderStatus = iota + 1
	StatusConfirmed
	StatusCanceled
	StatusReturned
)

var statusNames = map[OrderStatus]string{
	StatusDraft:     "DRAFT",
	StatusConfirmed: "CONFIRMED",
	StatusCanceled:  "CANCELED",
	StatusReturned:  "RETURNED",
}

var transitions = map[OrderStatus][]OrderStatus{
	StatusDraft:     {StatusConfirmed, StatusCanceled},
	StatusConfirmed: {StatusCanceled, StatusReturned},
}

func (s OrderStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("OrderStatus(%d)", uint8(s))
}

func (s OrderStatus) Valid() bool {
	_, ok := statusNames[s]
	return ok
}

func (s OrderStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusReturned
}

// CanTransition reports whether to is listed as a successor of s.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

func ParseOrderStatus(raw string) (OrderStatus, error) {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for status, name := range statusNames {
		if name == upper {
			return status, nil
		}
	}
	return 0, fmt.Errorf("unknown order status %q", raw)
}

func (s OrderStatus) MarshalJSON() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid order status %d", uint8(s))
	}
	return json.Marshal(s.String())
}

func (s *OrderStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseOrderStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

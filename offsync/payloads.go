// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Payload is the typed shape of a pending action's data for one table
type Payload interface {
	// TableName returns the table this payload variant belongs to
	TableName() string
	// Validate checks the payload for the given operation. Creates must carry
	// all required fields; updates may be partial.
	Validate(op ActionType) error
}

// Route is a planned voyage leg
type Route struct {
	ID          string   `json:"id,omitempty"`
	Name        string   `json:"name,omitempty"`
	Origin      string   `json:"origin,omitempty"`
	Destination string   `json:"destination,omitempty"`
	VesselID    string   `json:"vessel_id,omitempty"`
	DistanceNM  *float64 `json:"distance_nm,omitempty"`
	Status      string   `json:"status,omitempty"`
}

func (Route) TableName() string { return TableRoutes }

func (r Route) Validate(op ActionType) error {
	if op == ActionCreate && r.Name == "" {
		return missingField(TableRoutes, "name")
	}
	if r.DistanceNM != nil && *r.DistanceNM < 0 {
		return fmt.Errorf("%w: %s.distance_nm must be >= 0", ErrBadPayload, TableRoutes)
	}
	return nil
}

// CrewMember is a person assigned to a vessel
type CrewMember struct {
	ID                string `json:"id,omitempty"`
	FullName          string `json:"full_name,omitempty"`
	Rank              string `json:"rank,omitempty"`
	VesselID          string `json:"vessel_id,omitempty"`
	CertificateExpiry string `json:"certificate_expiry,omitempty"` // ISO-8601 date
	Active            *bool  `json:"active,omitempty"`
}

func (CrewMember) TableName() string { return TableCrewMembers }

func (c CrewMember) Validate(op ActionType) error {
	if op == ActionCreate && c.FullName == "" {
		return missingField(TableCrewMembers, "full_name")
	}
	return nil
}

// Vessel is a ship in the tenant's fleet
type Vessel struct {
	ID        string `json:"id,omitempty"`
	Name      string `json:"name,omitempty"`
	IMONumber string `json:"imo_number,omitempty"`
	Flag      string `json:"flag,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (Vessel) TableName() string { return TableVessels }

func (v Vessel) Validate(op ActionType) error {
	if op == ActionCreate && v.Name == "" {
		return missingField(TableVessels, "name")
	}
	if v.IMONumber != "" && !isIMONumber(v.IMONumber) {
		return fmt.Errorf("%w: %s.imo_number %q is not a 7-digit IMO number", ErrBadPayload, TableVessels, v.IMONumber)
	}
	return nil
}

// Job is a maintenance or operational task
type Job struct {
	ID          string `json:"id,omitempty"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	VesselID    string `json:"vessel_id,omitempty"`
	Status      string `json:"status,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

func (Job) TableName() string { return TableJobs }

func (j Job) Validate(op ActionType) error {
	if op == ActionCreate && j.Title == "" {
		return missingField(TableJobs, "title")
	}
	switch j.Priority {
	case "", "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("%w: %s.priority %q", ErrBadPayload, TableJobs, j.Priority)
	}
	return nil
}

func missingField(table, field string) error {
	return fmt.Errorf("%w: %s.%s is required", ErrBadPayload, table, field)
}

func isIMONumber(s string) bool {
	s = strings.TrimPrefix(strings.ToUpper(s), "IMO")
	s = strings.TrimSpace(s)
	if len(s) != 7 {
		return false
	}
	sum := 0
	for i := 0; i < 7; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		if i < 6 {
			sum += int(s[i]-'0') * (7 - i)
		}
	}
	return sum%10 == int(s[6]-'0')
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Payload{
		TableRoutes:      func() Payload { return &Route{} },
		TableCrewMembers: func() Payload { return &CrewMember{} },
		TableVessels:     func() Payload { return &Vessel{} },
		TableJobs:        func() Payload { return &Job{} },
	}
)

// RegisterTable registers a payload factory for table, replacing any existing one
func RegisterTable(table string, factory func() Payload) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(table)] = factory
}

// RegisteredTables returns the sorted names of all registered tables
func RegisteredTables() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// IsTableRegistered reports whether table has a payload type
func IsTableRegistered(table string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(table)]
	return ok
}

// DecodePayload decodes data into the typed variant for table and validates it
// for op. Delete actions accept an empty payload.
func DecodePayload(table string, op ActionType, data json.RawMessage) (Payload, error) {
	if !op.Valid() {
		return nil, fmt.Errorf("%w: unsupported action type %q", ErrBadPayload, op)
	}
	registryMu.RLock()
	factory, ok := registry[strings.ToLower(table)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	p := factory()
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		if op == ActionDelete {
			return p, nil
		}
		return nil, fmt.Errorf("%w: %s payload is empty", ErrBadPayload, table)
	}
	if trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: %s payload must be a JSON object", ErrBadPayload, table)
	}
	if err := json.Unmarshal(trimmed, p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadPayload, table, err)
	}
	if err := p.Validate(op); err != nil {
		return nil, err
	}
	return p, nil
}

// ExtractID returns the "id" field of a JSON object as a string. Numeric ids are
// rendered in their JSON form.
func ExtractID(data json.RawMessage) (string, bool) {
	if len(data) == 0 {
		return "", false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[IDField]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), true
	}
	return "", false
}

// SetID returns a copy of data with "id" set to id. When onlyIfAbsent is true an
// existing id is kept.
func SetID(data json.RawMessage, id string, onlyIfAbsent bool) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}
	if _, exists := obj[IDField]; exists && onlyIfAbsent {
		return data, nil
	}
	encoded, err := json.Marshal(id)
	if err != nil {
		return nil, err
	}
	obj[IDField] = encoded
	return json.Marshal(obj)
}

// RewriteRefs replaces every string value equal to a key of ids with the mapped
// value. It is used to point queued payloads at server-issued ids after a
// create has been replayed.
func RewriteRefs(data json.RawMessage, ids map[string]string) (json.RawMessage, bool, error) {
	if len(ids) == 0 || len(bytes.TrimSpace(data)) == 0 {
		return data, false, nil
	}
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	changed := false
	for k, v := range obj {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if mapped, hit := ids[s]; hit && mapped != s {
			obj[k] = mapped
			changed = true
		}
	}
	if !changed {
		return data, false, nil
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

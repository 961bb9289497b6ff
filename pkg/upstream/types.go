package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// RemoteID is an upstream primary key. The platform sends ids as JSON
// numbers or numeric strings depending on the endpoint version.
type RemoteID string

// UnmarshalJSON accepts numbers, strings and null
func (id *RemoteID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = RemoteID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid remote id %s: %w", b, err)
	}
	*id = RemoteID(n.String())
	return nil
}

// IsZero reports whether the id is absent. The platform uses 0 for "no parent".
func (id RemoteID) IsZero() bool {
	return id == "" || id == "0"
}

func (id RemoteID) String() string {
	return string(id)
}

// Ordinal is an optional ordering index sent as a number or numeric string
type Ordinal struct {
	Value int
	Valid bool
}

// UnmarshalJSON accepts numbers, numeric strings and null
func (o *Ordinal) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*o = Ordinal{}
		return nil
	}
	raw := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*o = Ordinal{}
			return nil
		}
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid ordinal %s: %w", b, err)
	}
	*o = Ordinal{Value: v, Valid: true}
	return nil
}

// Ptr returns nil when unset
func (o Ordinal) Ptr() *int {
	if !o.Valid {
		return nil
	}
	v := o.Value
	return &v
}

// MarshalJSON writes null when unset
func (o Ordinal) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.Itoa(o.Value)), nil
}

// Snapshot is the body of the master-data endpoint
type Snapshot struct {
	Data *SnapshotData `json:"data"`
}

// UnmarshalJSON treats an empty JSON array as absent data; PHP backends
// serialize an empty associative array that way.
func (s *Snapshot) UnmarshalJSON(b []byte) error {
	var raw struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	s.Data = nil
	data := bytes.TrimSpace(raw.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		if len(items) > 0 {
			return fmt.Errorf("snapshot data is a non-empty array")
		}
		return nil
	}

	var d SnapshotData
	if err := json.Unmarshal(data, &d); err != nil {
		return err
	}
	s.Data = &d
	return nil
}

// SnapshotData holds the three master-data categories. A nil slice means
// the category was absent from the payload.
type SnapshotData struct {
	JobPositions []RemotePosition  `json:"job_position,omitempty"`
	JobLevels    []RemoteLevel     `json:"job_level,omitempty"`
	Education    []RemoteEducation `json:"education,omitempty"`
}

// RemotePosition is a node of the upstream org chart
type RemotePosition struct {
	ID       RemoteID `json:"id"`
	ParentID RemoteID `json:"id_parent"`
	Name     string   `json:"name"`
}

// RemoteLevel is an upstream job level
type RemoteLevel struct {
	ID       RemoteID `json:"id"`
	Name     string   `json:"name"`
	Position Ordinal  `json:"position"`
}

// RemoteEducation is an upstream education level
type RemoteEducation struct {
	ID    RemoteID `json:"id"`
	Value string   `json:"value"`
	Order Ordinal  `json:"order"`
}

// IsEmpty reports whether the snapshot carries nothing to reconcile
func (s *Snapshot) IsEmpty() bool {
	if s == nil || s.Data == nil {
		return true
	}
	return len(s.Data.JobPositions) == 0 &&
		len(s.Data.JobLevels) == 0 &&
		len(s.Data.Education) == 0
}

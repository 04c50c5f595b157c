package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is a free-form JSON object column.
type Metadata map[string]any

func (m Metadata) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *Metadata) Scan(src any) error {
	return scanJSON(src, m)
}

// Attachments is a JSON array column of attachment URLs.
type Attachments []string

func (a Attachments) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *Attachments) Scan(src any) error {
	return scanJSON(src, a)
}

func scanJSON(src, dest any) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dest)
	case string:
		return json.Unmarshal([]byte(v), dest)
	default:
		return fmt.Errorf("cannot scan %T into JSON column", src)
	}
}

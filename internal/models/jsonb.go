package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

//
// JSONB helpers
//

// marshalJSONB encodes v for a Postgres jsonb column.
func marshalJSONB(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// scanJSONB decodes a jsonb column value into dst. NULL and empty values
// leave dst untouched.
func scanJSONB(value any, dst any) error {
	if value == nil {
		return nil
	}

	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("JSONB: expected []byte, got %T", value)
	}

	if len(b) == 0 {
		return nil
	}

	return json.Unmarshal(b, dst)
}

// Value implements driver.Valuer.
func (m EntryMetadata) Value() (driver.Value, error) {
	return marshalJSONB(m)
}

// Scan implements sql.Scanner.
func (m *EntryMetadata) Scan(value any) error {
	*m = EntryMetadata{}
	return scanJSONB(value, m)
}

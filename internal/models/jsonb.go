package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// StringList is a []string stored as a JSONB column. gorm has no built-in
// JSON column type without pulling in gorm.io/datatypes, which this module
// doesn't otherwise need, so Scan/Value are implemented by hand for the
// two column types below.
type StringList []string

func (s StringList) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	return json.Marshal(s)
}

func (s *StringList) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	b, ok := asBytes(value)
	if !ok {
		return fmt.Errorf("models: cannot scan %T into StringList", value)
	}
	if len(b) == 0 {
		*s = nil
		return nil
	}
	return json.Unmarshal(b, s)
}

func (t ToolDefinitions) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	return json.Marshal(t)
}

func (t *ToolDefinitions) Scan(value interface{}) error {
	if value == nil {
		*t = nil
		return nil
	}
	b, ok := asBytes(value)
	if !ok {
		return fmt.Errorf("models: cannot scan %T into ToolDefinitions", value)
	}
	if len(b) == 0 {
		*t = nil
		return nil
	}
	return json.Unmarshal(b, t)
}

func asBytes(value interface{}) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}

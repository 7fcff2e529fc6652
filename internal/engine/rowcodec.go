package engine

import "encoding/json"

// RowCodec translates between the application's row representation and
// the bytes carried inside an oplog entry's payload. The engine never
// interprets the payload itself beyond what PrimaryKey extracts; it is
// opaque cargo as far as merge resolution is concerned.
type RowCodec interface {
	EncodeRow(row map[string]any) ([]byte, error)
	DecodeRow(payload []byte) (map[string]any, error)
	PrimaryKey(row map[string]any, column string) (string, error)
}

// JSONRowCodec is the default RowCodec: rows are full-row JSON
// snapshots rather than field-level diffs.
type JSONRowCodec struct{}

// EncodeRow marshals row to JSON.
func (JSONRowCodec) EncodeRow(row map[string]any) ([]byte, error) {
	return json.Marshal(row)
}

// DecodeRow unmarshals a JSON row payload.
func (JSONRowCodec) DecodeRow(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	row := make(map[string]any)
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, err
	}
	return row, nil
}

// PrimaryKey extracts the named column's value as a string.
func (JSONRowCodec) PrimaryKey(row map[string]any, column string) (string, error) {
	value, ok := row[column]
	if !ok {
		return "", ErrMissingPrimaryKeyColumn
	}
	switch typed := value.(type) {
	case string:
		return typed, nil
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

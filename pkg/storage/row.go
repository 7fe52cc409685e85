package storage

import (
	"fmt"
	"time"

	"github.com/nqdb/nqdb/pkg/catalog"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/types"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// Row is one record's column values, keyed by column name. Text/Binary
// values are plain Go strings/[]byte here rather than arena handles —
// the arena's shared-ownership story matters for values alive inside a
// query's working set, not for what's about to be compressed to disk.
type Row map[string]any

// encodeRow converts a Row into the BSON bytes the heap stores, so the
// on-disk format stays the same framing the teacher's document store
// already used (just the document's schema is now a known one).
func encodeRow(row Row) ([]byte, error) {
	doc := make(bson.D, 0, len(row))
	for k, v := range row {
		doc = append(doc, bson.E{Key: k, Value: v})
	}
	return MarshalBson(doc)
}

func decodeRow(data []byte) (Row, error) {
	doc, err := UnmarshalBson(data)
	if err != nil {
		return nil, &nerr.SerializationError{Op: "decode row", Err: err}
	}
	row := make(Row, len(doc))
	for _, e := range doc {
		row[e.Key] = e.Value
	}
	return row, nil
}

// columnKey extracts row's value for column and converts it to the
// Comparable key type col's declared ColumnType indexes on.
func columnKey(col *catalog.Column, row Row) (types.Comparable, error) {
	v, ok := row[col.Name]
	if !ok || v == nil {
		return nil, &nerr.SchemaViolation{Table: "", Column: col.Name, Reason: "value missing for indexed column"}
	}
	return toComparable(col, v)
}

func toComparable(col *catalog.Column, v any) (types.Comparable, error) {
	switch col.Type {
	case catalog.ColInt:
		switch n := v.(type) {
		case int64:
			return types.IntKey(n), nil
		case int32:
			return types.IntKey(n), nil
		case int:
			return types.IntKey(n), nil
		}
	case catalog.ColFloat:
		switch n := v.(type) {
		case float64:
			return types.FloatKey(n), nil
		case float32:
			return types.FloatKey(n), nil
		case int64:
			return types.FloatKey(n), nil
		}
	case catalog.ColText, catalog.ColBinary:
		if s, ok := v.(string); ok {
			return types.VarcharKey(s), nil
		}
	case catalog.ColBool:
		if b, ok := v.(bool); ok {
			return types.BoolKey(b), nil
		}
	case catalog.ColTimestamp:
		if t, ok := v.(time.Time); ok {
			return types.DateKey(t), nil
		}
	}
	return nil, &nerr.InvalidKeyType{Index: col.Name, TypeName: fmt.Sprintf("%T", v)}
}

// pkKeyString renders a primary-key Comparable into the string form
// WAL records and undo log entries address rows by.
func pkKeyString(k types.Comparable) string {
	if s, ok := k.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%v", k)
}

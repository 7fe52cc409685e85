package storage

import (
	"github.com/nqdb/nqdb/pkg/catalog"
	"github.com/nqdb/nqdb/pkg/nerr"
	"github.com/nqdb/nqdb/pkg/txn"
)

// scanLiveRows walks every current (non-tombstoned) row in t, in
// primary-key order, via its PK index rather than a raw heap scan — the
// index always points at each key's latest version, so this never yields
// a stale one the way an unfiltered heap iterator would.
func (e *Engine) scanLiveRows(t *Table, visit func(row Row, offset int64) bool) error {
	cur := newCursor(t.PK)
	defer cur.Close()

	for cur.Valid() {
		offset := cur.Value()
		data, header, err := t.Heap.Read(offset)
		if err == nil && header.Valid {
			row, derr := decodeRow(data)
			if derr == nil {
				if !visit(row, offset) {
					return nil
				}
			}
		}
		if !cur.Next() {
			break
		}
	}
	return nil
}

// checkForeignKeys rejects row if any of schema's foreign keys reference a
// row that doesn't exist. Only single-column foreign keys are resolved
// against the referenced table's primary-key index (the only index this
// engine maintains, see table.go) — composite foreign keys fall back to
// treating the first column as authoritative, which is sufficient for
// every foreign key spec §3's examples name.
func (e *Engine) checkForeignKeys(schema *catalog.TableSchema, row Row) error {
	for _, fk := range schema.ForeignKeys {
		if len(fk.Columns) == 0 || len(fk.RefColumns) == 0 {
			continue
		}
		localCol := schema.Column(fk.Columns[0])
		v, ok := row[fk.Columns[0]]
		if !ok || v == nil {
			continue // NULL FK column: nothing to check
		}

		refTable, err := e.table(fk.RefTable)
		if err != nil {
			return &nerr.ForeignKeyViolation{Table: schema.Name, Constraint: fk.Name, Detail: "referenced table not found"}
		}
		refCol := refTable.Schema.Column(fk.RefColumns[0])
		_, err = toComparable(localCol, v) // validates v matches the declared local column type
		if err != nil {
			return err
		}
		key, err := toComparable(refCol, v)
		if err != nil {
			return err
		}
		if _, exists := refTable.PK.Get(key); !exists {
			return &nerr.ForeignKeyViolation{Table: schema.Name, Constraint: fk.Name, Detail: "referenced row does not exist"}
		}
	}
	return nil
}

// cascadeOnDelete applies every referencing foreign key's OnDeleteAction
// before a row is tombstoned, walking visited to guard against a cascade
// cycle recursing forever.
func (e *Engine) cascadeOnDelete(tx *txn.Transaction, tableName string, row Row) error {
	return e.cascadeDelete(tx, tableName, row, make(map[string]bool))
}

func (e *Engine) cascadeDelete(tx *txn.Transaction, tableName string, row Row, visited map[string]bool) error {
	refs := e.catalog.ReferencingForeignKeys(tableName)
	for refTableName, fks := range refs {
		refTable, err := e.table(refTableName)
		if err != nil {
			continue
		}
		for _, fk := range fks {
			refPKCol := refTable.Schema.Column(fk.Columns[0])
			localVal, ok := row[fk.RefColumns[0]]
			if !ok {
				continue
			}

			var matches []Row
			_ = e.scanLiveRows(refTable, func(r Row, offset int64) bool {
				if v, ok := r[fk.Columns[0]]; ok && valuesEqual(v, localVal) {
					matches = append(matches, r)
				}
				return true
			})
			if len(matches) == 0 {
				continue
			}

			switch fk.OnDeleteAction {
			case catalog.ActionRestrict, catalog.ActionNoAction:
				return &nerr.ForeignKeyViolation{Table: refTableName, Constraint: fk.Name, Detail: "referencing rows exist"}
			case catalog.ActionCascade:
				cycleKey := refTableName + ":" + fk.Name
				if visited[cycleKey] {
					continue
				}
				visited[cycleKey] = true
				for _, m := range matches {
					pk := m[refTable.Schema.PrimaryKey]
					if err := e.deleteWithVisited(tx, refTableName, pk, visited); err != nil {
						return err
					}
				}
			case catalog.ActionSetNull:
				for _, m := range matches {
					if err := e.updateColumn(tx, refTableName, refPKCol, m, fk.Columns[0], nil); err != nil {
						return err
					}
				}
			case catalog.ActionSetDefault:
				def := refPKCol.Default
				for _, m := range matches {
					if err := e.updateColumn(tx, refTableName, refPKCol, m, fk.Columns[0], def); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// cascadeOnUpdate applies every referencing foreign key's OnUpdateAction
// when the referenced key column's value actually changes.
func (e *Engine) cascadeOnUpdate(tx *txn.Transaction, tableName string, oldRow, newRow Row) error {
	refs := e.catalog.ReferencingForeignKeys(tableName)
	for refTableName, fks := range refs {
		refTable, err := e.table(refTableName)
		if err != nil {
			continue
		}
		for _, fk := range fks {
			oldVal, hasOld := oldRow[fk.RefColumns[0]]
			newVal, hasNew := newRow[fk.RefColumns[0]]
			if !hasOld || !hasNew || valuesEqual(oldVal, newVal) {
				continue
			}
			refPKCol := refTable.Schema.Column(fk.Columns[0])

			var matches []Row
			_ = e.scanLiveRows(refTable, func(r Row, offset int64) bool {
				if v, ok := r[fk.Columns[0]]; ok && valuesEqual(v, oldVal) {
					matches = append(matches, r)
				}
				return true
			})
			if len(matches) == 0 {
				continue
			}

			switch fk.OnUpdateAction {
			case catalog.ActionRestrict, catalog.ActionNoAction:
				return &nerr.ForeignKeyViolation{Table: refTableName, Constraint: fk.Name, Detail: "referencing rows exist"}
			case catalog.ActionCascade:
				for _, m := range matches {
					if err := e.updateColumn(tx, refTableName, refPKCol, m, fk.Columns[0], newVal); err != nil {
						return err
					}
				}
			case catalog.ActionSetNull:
				for _, m := range matches {
					if err := e.updateColumn(tx, refTableName, refPKCol, m, fk.Columns[0], nil); err != nil {
						return err
					}
				}
			case catalog.ActionSetDefault:
				def := refPKCol.Default
				for _, m := range matches {
					if err := e.updateColumn(tx, refTableName, refPKCol, m, fk.Columns[0], def); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// deleteWithVisited is Delete's cascade-aware inner loop: it cascades
// further before tombstoning m, reusing the caller's visited set so a
// cascade that loops back on itself terminates instead of recursing
// forever.
func (e *Engine) deleteWithVisited(tx *txn.Transaction, tableName string, pk any, visited map[string]bool) error {
	t, err := e.table(tableName)
	if err != nil {
		return err
	}
	pkCol := t.Schema.Column(t.Schema.PrimaryKey)
	key, err := toComparable(pkCol, pk)
	if err != nil {
		return err
	}
	offset, ok := t.PK.Get(key)
	if !ok {
		return nil
	}
	data, header, err := t.Heap.Read(offset)
	if err != nil || !header.Valid {
		return nil
	}
	row, err := decodeRow(data)
	if err != nil {
		return err
	}

	if err := e.cascadeDelete(tx, tableName, row, visited); err != nil {
		return err
	}

	lsn, err := e.txns.LogUpdate(tx, tableName, pkKeyString(key), data, nil, 0)
	if err != nil {
		return err
	}
	if err := t.Heap.Delete(offset, lsn); err != nil {
		return err
	}
	_ = e.catalog.BumpRowCount(tableName, -1)
	return nil
}

// updateColumn rewrites a single column of an already-loaded row and
// writes the new version, used by SET NULL/SET DEFAULT/CASCADE's update
// side without re-running the full Update validation path (the cascading
// write is a consequence of the schema's own constraint, not new user
// input that needs re-validating against it).
func (e *Engine) updateColumn(tx *txn.Transaction, tableName string, pkCol *catalog.Column, row Row, column string, value any) error {
	t, err := e.table(tableName)
	if err != nil {
		return err
	}
	key, err := columnKey(pkCol, row)
	if err != nil {
		return err
	}
	offset, ok := t.PK.Get(key)
	if !ok {
		return nil
	}
	before, header, err := t.Heap.Read(offset)
	if err != nil || !header.Valid {
		return nil
	}

	newRow := make(Row, len(row))
	for k, v := range row {
		newRow[k] = v
	}
	newRow[column] = value

	encoded, err := encodeRow(newRow)
	if err != nil {
		return err
	}
	lsn, err := e.txns.LogUpdate(tx, tableName, pkKeyString(key), before, encoded, 0)
	if err != nil {
		return err
	}
	newOffset, err := t.Heap.Write(encoded, lsn, offset)
	if err != nil {
		return err
	}
	return t.PK.Replace(key, newOffset)
}

// valuesEqual compares two decoded BSON scalars for foreign-key matching.
// Numeric widths can differ between what was inserted and what the BSON
// codec hands back (int vs int32 vs int64), so equal-looking numbers are
// normalized to float64 before comparing rather than relying on a bare
// any == any, which would treat them as different types.
func valuesEqual(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

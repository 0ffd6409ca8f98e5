package backupmgr

import (
	"database/sql"
	"fmt"
)

// ensureSoftDeleteSchema adds the timestamp and soft-delete columns a
// table needs for merge conflict resolution, if they aren't already
// present. Mirrors durable_backup_system.py's ensure_soft_delete_schema:
// inspect via PRAGMA table_info, ALTER TABLE ADD COLUMN for whichever
// is missing.
func ensureSoftDeleteSchema(db *sql.DB, spec TableSpec) error {
	existing, err := tableColumns(db, spec.Name)
	if err != nil {
		return fmt.Errorf("backupmgr: table_info(%s): %w", spec.Name, err)
	}
	if len(existing) == 0 {
		// Table doesn't exist yet on this side (e.g. a fresh backup
		// file) — nothing to alter; mergeTableData creates it on first
		// copy.
		return nil
	}

	for _, col := range []string{spec.TimestampField, spec.SoftDeleteField} {
		if existing[col] {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s TEXT", spec.Name, col)
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("backupmgr: add column %s.%s: %w", spec.Name, col, err)
		}
	}
	return nil
}

func tableColumns(db *sql.DB, table string) (map[string]bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func orderedColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull int
		var dfltValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// mergeTableData copies rows from src into dst, row by row, keyed by
// spec.PrimaryKey. A row absent from dst is inserted; a row present in
// both is overwritten only when src's timestamp field is strictly
// greater than dst's (spec §4.2, property 7). Rows present only in dst
// are left untouched — deletion is never inferred from absence.
//
// Mirrors durable_backup_system.py's _merge_table_data: generic column
// introspection via PRAGMA table_info, SELECT * on the source, and a
// per-row compare-then-insert-or-update.
func mergeTableData(src, dst *sql.DB, spec TableSpec) error {
	cols, err := orderedColumns(src, spec.Name)
	if err != nil {
		return fmt.Errorf("source table_info: %w", err)
	}
	if len(cols) == 0 {
		// Nothing to merge — source side has no such table (yet).
		return nil
	}

	if err := ensureDestinationTable(dst, spec.Name, cols); err != nil {
		return fmt.Errorf("ensure destination table: %w", err)
	}

	rows, err := src.Query(fmt.Sprintf("SELECT * FROM %s", spec.Name))
	if err != nil {
		return fmt.Errorf("select source rows: %w", err)
	}
	defer func() { _ = rows.Close() }()

	pkIdx, tsIdx := -1, -1
	for i, c := range cols {
		if c == spec.PrimaryKey {
			pkIdx = i
		}
		if c == spec.TimestampField {
			tsIdx = i
		}
	}
	if pkIdx == -1 {
		return fmt.Errorf("mergeTableData: primary key column %q not found in %s", spec.PrimaryKey, spec.Name)
	}

	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("scan source row: %w", err)
		}

		pk := values[pkIdx]
		existingTS, found, err := destinationTimestamp(dst, spec, pk)
		if err != nil {
			return fmt.Errorf("check destination row: %w", err)
		}

		if !found {
			if err := insertRow(dst, spec.Name, cols, values); err != nil {
				return fmt.Errorf("insert row: %w", err)
			}
			continue
		}

		if tsIdx == -1 {
			// No timestamp column to compare by — leave existing row
			// alone rather than guess which side is newer.
			continue
		}
		newTS := fmt.Sprintf("%v", values[tsIdx])
		if newTS > existingTS {
			if err := updateRow(dst, spec, cols, values, pkIdx); err != nil {
				return fmt.Errorf("update row: %w", err)
			}
		}
	}
	return rows.Err()
}

func ensureDestinationTable(dst *sql.DB, table string, cols []string) error {
	existing, err := tableColumns(dst, table)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = c + " TEXT"
	}
	stmt := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, joinColumns(defs))
	_, err = dst.Exec(stmt)
	return err
}

func destinationTimestamp(dst *sql.DB, spec TableSpec, pk any) (string, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", spec.TimestampField, spec.Name, spec.PrimaryKey)
	var ts sql.NullString
	err := dst.QueryRow(query, pk).Scan(&ts)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ts.String, true, nil
}

func insertRow(dst *sql.DB, table string, cols []string, values []any) error {
	placeholders := make([]string, len(cols))
	for i := range cols {
		placeholders[i] = "?"
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, joinColumns(cols), joinColumns(placeholders))
	_, err := dst.Exec(stmt, values...)
	return err
}

func updateRow(dst *sql.DB, spec TableSpec, cols []string, values []any, pkIdx int) error {
	sets := make([]string, 0, len(cols)-1)
	args := make([]any, 0, len(cols))
	for i, c := range cols {
		if i == pkIdx {
			continue
		}
		sets = append(sets, c+" = ?")
		args = append(args, values[i])
	}
	args = append(args, values[pkIdx])
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = ?", spec.Name, joinColumns(sets), spec.PrimaryKey)
	_, err := dst.Exec(stmt, args...)
	return err
}

func joinColumns(cols []string) string {
	out := ""
	for i, c := range cols {
		if i > 0 {
			out += ", "
		}
		out += c
	}
	return out
}

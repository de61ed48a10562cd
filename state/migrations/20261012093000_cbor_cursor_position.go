package migrations

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upCborCursorPosition, downCborCursorPosition)
}

// Sessions written by the previous collaboration service stored the cursor as JSONB.
// We store CBOR, so convert any such table in place.
func upCborCursorPosition(ctx context.Context, tx *sql.Tx) error {
	// check if we even need to do anything
	var dataType string
	err := tx.QueryRowContext(ctx, "select data_type from information_schema.columns where table_name = 'collaboration_sessions' AND column_name = 'cursor_position'").Scan(&dataType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// The table doesn't exist yet and will be created with the correct schema
			return nil
		}
		return err
	}
	if strings.ToLower(dataType) == "bytea" {
		return nil
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions ADD COLUMN IF NOT EXISTS cursor_positionb BYTEA;")
	if err != nil {
		return err
	}

	cursors, err := selectCursors(ctx, tx)
	if err != nil {
		return err
	}
	for id, jsonBytes := range cursors {
		var cursor interface{}
		if err := json.Unmarshal(jsonBytes, &cursor); err != nil {
			return fmt.Errorf("failed to unmarshal JSON: %v -> %v", string(jsonBytes), err)
		}
		cborBytes, err := cbor.Marshal(cursor)
		if err != nil {
			return fmt.Errorf("failed to marshal as CBOR: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE collaboration_sessions SET cursor_positionb = $1 WHERE id = $2;", cborBytes, id)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions DROP COLUMN IF EXISTS cursor_position;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions RENAME COLUMN cursor_positionb TO cursor_position;")
	return err
}

func downCborCursorPosition(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions ADD COLUMN IF NOT EXISTS cursor_positionj JSONB;")
	if err != nil {
		return err
	}
	cursors, err := selectCursors(ctx, tx)
	if err != nil {
		return err
	}
	// decode maps with string keys, otherwise encoding/json refuses them
	decMode, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]interface{}(nil)),
	}.DecMode()
	if err != nil {
		return err
	}
	for id, cborBytes := range cursors {
		var cursor interface{}
		if err := decMode.Unmarshal(cborBytes, &cursor); err != nil {
			return fmt.Errorf("failed to unmarshal CBOR: %v", err)
		}
		jsonBytes, err := json.Marshal(cursor)
		if err != nil {
			return fmt.Errorf("failed to marshal as JSON: %v", err)
		}
		_, err = tx.ExecContext(ctx, "UPDATE collaboration_sessions SET cursor_positionj = $1 WHERE id = $2;", jsonBytes, id)
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions DROP COLUMN IF EXISTS cursor_position;")
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, "ALTER TABLE IF EXISTS collaboration_sessions RENAME COLUMN cursor_positionj TO cursor_position;")
	return err
}

// selectCursors returns session ID -> raw cursor bytes for every row with a cursor.
func selectCursors(ctx context.Context, tx *sql.Tx) (map[string][]byte, error) {
	rows, err := tx.QueryContext(ctx, "SELECT id, cursor_position FROM collaboration_sessions WHERE cursor_position IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cursors := make(map[string][]byte)
	for rows.Next() {
		var id string
		var data []byte
		if err = rows.Scan(&id, &data); err != nil {
			return nil, err
		}
		cursors[id] = data
	}
	return cursors, rows.Err()
}

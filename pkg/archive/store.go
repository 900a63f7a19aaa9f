// Package archive keeps a local sqlite mirror of every message the timeline
// has reconciled. The engine only ever writes it; reads serve offline
// history and export. Losing the file loses nothing the gateway still has.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/courtdesk/chatline/pkg/timeline"
)

// Store is safe for concurrent use; sqlite serializes writers underneath.
type Store struct {
	log zerolog.Logger
	db  *dbutil.Database
}

// NewStore opens (or creates) the archive at path and ensures the schema.
func NewStore(ctx context.Context, log zerolog.Logger, path string) (*Store, error) {
	uri := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := dbutil.NewWithDialect(uri, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	log = log.With().Str("component", "archive").Logger()
	db.Log = dbutil.ZeroLogger(log)
	s := &Store{log: log, db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS message (
			contact TEXT NOT NULL,
			identity TEXT NOT NULL,
			temp_id TEXT NOT NULL DEFAULT '',
			server_id TEXT NOT NULL DEFAULT '',
			wire_id TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			body TEXT,
			attachment_id TEXT,
			timestamp_ms BIGINT NOT NULL,
			status TEXT NOT NULL,
			send_error TEXT,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL,
			PRIMARY KEY (contact, identity)
		)`,
		`CREATE INDEX IF NOT EXISTS message_contact_ts_idx
			ON message (contact, timestamp_ms, identity)`,
		`CREATE INDEX IF NOT EXISTS message_alias_idx
			ON message (contact, temp_id, server_id, wire_id)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure archive schema: %w", err)
		}
	}
	return nil
}

// Record upserts one message under (contact, identity). A message first seen
// under its temporary id and later confirmed with a gateway id is re-keyed
// in place rather than duplicated: any previously stored alias resolves to
// the existing row, and the row's key follows the strongest identifier the
// archive has seen across both copies. Identifier columns never lose a
// value once set.
func (s *Store) Record(ctx context.Context, contact string, msg timeline.Message) error {
	if contact == "" || msg.Identity() == "" {
		return fmt.Errorf("message has no archivable identity")
	}

	ref := msg.Ref
	existing, storedRef, err := s.lookupRef(ctx, contact, msg.IDs())
	if err != nil {
		return err
	}
	if existing != "" {
		if ref.TempID == "" {
			ref.TempID = storedRef.TempID
		}
		if ref.ServerID == "" {
			ref.ServerID = storedRef.ServerID
		}
		if ref.WireID == "" {
			ref.WireID = storedRef.WireID
		}
	}
	canonical := ref.Identity()
	if existing != "" && existing != canonical {
		if _, err := s.db.Exec(ctx,
			`UPDATE message SET identity=$1 WHERE contact=$2 AND identity=$3`,
			canonical, contact, existing,
		); err != nil {
			return fmt.Errorf("failed to re-key archived message: %w", err)
		}
	}

	nowMS := time.Now().UnixMilli()
	_, err = s.db.Exec(ctx, `
		INSERT INTO message (
			contact, identity, temp_id, server_id, wire_id,
			direction, body, attachment_id, timestamp_ms, status, send_error,
			created_ts, updated_ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (contact, identity) DO UPDATE SET
			temp_id=CASE WHEN excluded.temp_id='' THEN message.temp_id ELSE excluded.temp_id END,
			server_id=CASE WHEN excluded.server_id='' THEN message.server_id ELSE excluded.server_id END,
			wire_id=CASE WHEN excluded.wire_id='' THEN message.wire_id ELSE excluded.wire_id END,
			direction=excluded.direction,
			body=excluded.body,
			attachment_id=excluded.attachment_id,
			timestamp_ms=excluded.timestamp_ms,
			status=excluded.status,
			send_error=excluded.send_error,
			updated_ts=excluded.updated_ts
	`, contact, canonical, ref.TempID, ref.ServerID, ref.WireID,
		string(msg.Direction), msg.Body, msg.Attachment, msg.Timestamp.UnixMilli(),
		string(msg.Status), msg.SendError, nowMS, nowMS)
	if err != nil {
		return fmt.Errorf("failed to archive message %s: %w", canonical, err)
	}
	return nil
}

// lookupRef finds the identity and stored identifiers of a row matching any
// of ids.
func (s *Store) lookupRef(ctx context.Context, contact string, ids []string) (string, timeline.Ref, error) {
	for _, id := range ids {
		var (
			identity string
			ref      timeline.Ref
		)
		err := s.db.QueryRow(ctx,
			`SELECT identity, temp_id, server_id, wire_id FROM message
				WHERE contact=$1 AND (identity=$2 OR temp_id=$2 OR server_id=$2 OR wire_id=$2)`,
			contact, id,
		).Scan(&identity, &ref.TempID, &ref.ServerID, &ref.WireID)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return "", ref, fmt.Errorf("failed to resolve archived alias: %w", err)
		}
		return identity, ref, nil
	}
	return "", timeline.Ref{}, nil
}

// ListRecent returns up to limit messages for contact, oldest first, ending
// at the newest known.
func (s *Store) ListRecent(ctx context.Context, contact string, limit int) ([]timeline.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT temp_id, server_id, wire_id, direction, body, attachment_id,
			timestamp_ms, status, send_error
		FROM message WHERE contact=$1
		ORDER BY timestamp_ms DESC, identity DESC LIMIT $2
	`, contact, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived messages: %w", err)
	}
	defer rows.Close()

	var msgs []timeline.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read archived messages: %w", err)
	}
	// Newest-first from the query, oldest-first out.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Contacts returns every conversation the archive has rows for.
func (s *Store) Contacts(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT contact FROM message ORDER BY contact`)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived contacts: %w", err)
	}
	defer rows.Close()
	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}
	return contacts, rows.Err()
}

type exportRow struct {
	Contact string `json:"contact"`
	timeline.Message
}

// ExportJSONL streams every message for contact to w, one JSON object per
// line, oldest first. An empty contact exports the whole archive grouped by
// contact.
func (s *Store) ExportJSONL(ctx context.Context, contact string, w io.Writer) (int, error) {
	query := `
		SELECT contact, temp_id, server_id, wire_id, direction, body,
			attachment_id, timestamp_ms, status, send_error
		FROM message`
	args := []any{}
	if contact != "" {
		query += ` WHERE contact=$1`
		args = append(args, contact)
	}
	query += ` ORDER BY contact, timestamp_ms, identity`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to export archive: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	count := 0
	for rows.Next() {
		var (
			row         exportRow
			body, attID sql.NullString
			sendErr     sql.NullString
			tsMS        int64
		)
		if err := rows.Scan(
			&row.Contact, &row.TempID, &row.ServerID, &row.WireID,
			(*string)(&row.Direction), &body, &attID, &tsMS,
			(*string)(&row.Status), &sendErr,
		); err != nil {
			return count, fmt.Errorf("failed to scan archived message: %w", err)
		}
		row.Body = body.String
		row.Attachment = attID.String
		row.SendError = sendErr.String
		row.Timestamp = time.UnixMilli(tsMS).UTC()
		if err := enc.Encode(row); err != nil {
			return count, fmt.Errorf("failed to write export line: %w", err)
		}
		count++
	}
	return count, rows.Err()
}

func scanMessage(rows dbutil.Scannable) (timeline.Message, error) {
	var (
		msg         timeline.Message
		body, attID sql.NullString
		sendErr     sql.NullString
		tsMS        int64
	)
	err := rows.Scan(
		&msg.TempID, &msg.ServerID, &msg.WireID,
		(*string)(&msg.Direction), &body, &attID, &tsMS,
		(*string)(&msg.Status), &sendErr,
	)
	if err != nil {
		return msg, fmt.Errorf("failed to scan archived message: %w", err)
	}
	msg.Body = body.String
	msg.Attachment = attID.String
	msg.SendError = sendErr.String
	msg.Timestamp = time.UnixMilli(tsMS).UTC()
	return msg, nil
}

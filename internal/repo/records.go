package repo

import (
	"context"
	"database/sql"
	"time"
)

// RecordSource reads live field values from the records mirror table that
// external record systems and import connectors keep in sync. It implements
// refs.Source for dynamic reference resolution.
type RecordSource struct {
	DB *sql.DB
}

func (s RecordSource) FieldValue(ctx context.Context, recordID, fieldKey string) (string, bool, error) {
	var v string
	err := s.DB.QueryRowContext(ctx, `SELECT value FROM records WHERE id=? AND field_key=?`, recordID, fieldKey).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// UpsertRecordField writes one mirrored record field. Only import bridges
// and tests call this; the core itself never mutates records.
func (r Repo) UpsertRecordField(ctx context.Context, recordID, fieldKey, value string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO records(id,field_key,value,updated_at) VALUES (?,?,?,?)
		ON CONFLICT(id,field_key) DO UPDATE SET value=excluded.value,updated_at=excluded.updated_at`,
		recordID, fieldKey, value, now)
	return err
}

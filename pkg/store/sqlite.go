package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/actionauth/core/pkg/canonicalize"
	"github.com/actionauth/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS grants (
	id TEXT PRIMARY KEY,
	handler_id TEXT NOT NULL,
	permission_name TEXT NOT NULL,
	scope_json TEXT NOT NULL,
	granted_at TEXT NOT NULL,
	expires_at TEXT,
	granted_by TEXT,
	revoked INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_grants_lookup ON grants (handler_id, permission_name, revoked);

CREATE TABLE IF NOT EXISTS actions (
	id TEXT PRIMARY KEY,
	handler_id TEXT NOT NULL,
	action_name TEXT NOT NULL,
	params_json TEXT NOT NULL,
	status TEXT NOT NULL,
	result_json TEXT,
	error TEXT,
	required_permission_name TEXT,
	required_scope_json TEXT,
	content_hash TEXT,
	created_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_actions_status ON actions (status);
`

// SQLiteStore implements Store over database/sql + modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and migrates) a SQLite-backed store at path. ":memory:" yields
// a non-durable store; a single open connection is forced for it so
// SQLite's per-connection in-memory semantics are preserved (a second
// connection would see an empty database).
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, contracts.NewStorageError("open", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open *sql.DB (e.g. for tests or shared pools).
func New(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.ExecContext(context.Background(), schema); err != nil {
		return contracts.NewStorageError("migrate", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Grants ---

func (s *SQLiteStore) SaveGrant(ctx context.Context, g *contracts.PermissionGrant) (string, error) {
	if g.ID == "" {
		g.ID = uuid.New().String()
	}
	scopeJSON, err := canonicalize.JCSString(g.Scope)
	if err != nil {
		return "", contracts.NewStorageError("save_grant: encode scope", err)
	}

	var expiresAt sql.NullString
	if !g.IsIndefinite() {
		expiresAt = sql.NullString{String: g.ExpiresAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", contracts.NewStorageError("save_grant: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO grants (id, handler_id, permission_name, scope_json, granted_at, expires_at, granted_by, revoked)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.HandlerID, g.PermissionName, scopeJSON,
		g.GrantedAt.UTC().Format(time.RFC3339Nano), expiresAt, g.GrantedBy, boolToInt(g.Revoked),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", contracts.NewStorageError("save_grant: duplicate id", err)
		}
		return "", contracts.NewStorageError("save_grant", err)
	}
	if err := tx.Commit(); err != nil {
		return "", contracts.NewStorageError("save_grant: commit", err)
	}
	return g.ID, nil
}

func (s *SQLiteStore) GetActiveGrants(ctx context.Context, handlerID, permissionName string, now time.Time) ([]*contracts.PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, handler_id, permission_name, scope_json, granted_at, expires_at, granted_by, revoked
		FROM grants
		WHERE handler_id = ? AND permission_name = ? AND revoked = 0`,
		handlerID, permissionName,
	)
	if err != nil {
		return nil, contracts.NewStorageError("get_active_grants", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, contracts.NewStorageError("get_active_grants: scan", err)
		}
		if g.IsIndefinite() || g.ExpiresAt.After(now) {
			out = append(out, g)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, contracts.NewStorageError("get_active_grants: rows", err)
	}
	return out, nil
}

func (s *SQLiteStore) RevokeGrant(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE grants SET revoked = 1 WHERE id = ? AND revoked = 0`, id)
	if err != nil {
		return false, contracts.NewStorageError("revoke_grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, contracts.NewStorageError("revoke_grant: rows affected", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListGrants(ctx context.Context, handlerID string) ([]*contracts.PermissionGrant, error) {
	query := `SELECT id, handler_id, permission_name, scope_json, granted_at, expires_at, granted_by, revoked FROM grants`
	args := []any{}
	if handlerID != "" {
		query += ` WHERE handler_id = ?`
		args = append(args, handlerID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contracts.NewStorageError("list_grants", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PermissionGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, contracts.NewStorageError("list_grants: scan", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGrant(rows rowScanner) (*contracts.PermissionGrant, error) {
	var (
		id, handlerID, permName, scopeJSON, grantedAt, grantedBy string
		expiresAt                                                sql.NullString
		revoked                                                  int
	)
	if err := rows.Scan(&id, &handlerID, &permName, &scopeJSON, &grantedAt, &expiresAt, &grantedBy, &revoked); err != nil {
		return nil, err
	}

	var scope map[string]string
	if scopeJSON != "" {
		if err := json.Unmarshal([]byte(scopeJSON), &scope); err != nil {
			return nil, err
		}
	}

	g := &contracts.PermissionGrant{
		ID:             id,
		HandlerID:      handlerID,
		PermissionName: permName,
		Scope:          scope,
		GrantedAt:      parseTime(grantedAt),
		GrantedBy:      grantedBy,
		Revoked:        revoked != 0,
		ExpiresAt:      contracts.NoExpiration,
	}
	if expiresAt.Valid && expiresAt.String != "" {
		g.ExpiresAt = parseTime(expiresAt.String)
	}
	return g, nil
}

// --- Actions ---

func (s *SQLiteStore) SaveAction(ctx context.Context, a *contracts.ActionRequest) (string, error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	paramsJSON, err := canonicalize.JCSString(a.Params)
	if err != nil {
		return "", contracts.NewStorageError("save_action: encode params", err)
	}
	var scopeJSON sql.NullString
	if a.RequiredScope != nil {
		encoded, err := canonicalize.JCSString(a.RequiredScope)
		if err != nil {
			return "", contracts.NewStorageError("save_action: encode required_scope", err)
		}
		scopeJSON = sql.NullString{String: encoded, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", contracts.NewStorageError("save_action: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO actions (id, handler_id, action_name, params_json, status, required_permission_name, required_scope_json, content_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.HandlerID, a.ActionName, paramsJSON, string(a.Status),
		a.RequiredPermissionName, scopeJSON, a.ContentHash, a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return "", contracts.NewStorageError("save_action: duplicate id", err)
		}
		return "", contracts.NewStorageError("save_action", err)
	}
	if err := tx.Commit(); err != nil {
		return "", contracts.NewStorageError("save_action: commit", err)
	}
	return a.ID, nil
}

// allowedStatusPlaceholders builds the "?, ?, ..." fragment for an IN clause.
func allowedStatusPlaceholders(n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return strings.Join(placeholders, ", ")
}

func (s *SQLiteStore) UpdateActionStatus(ctx context.Context, id string, from []contracts.ActionStatus, to contracts.ActionStatus, result any, errMsg string, completedAt *time.Time) error {
	if to.IsTerminal() != (completedAt != nil) {
		return contracts.NewStorageError("update_action_status", errors.New("completed_at must be set iff status is terminal"))
	}

	var resultJSON sql.NullString
	if result != nil {
		encoded, err := canonicalize.JCSString(result)
		if err != nil {
			return contracts.NewStorageError("update_action_status: encode result", err)
		}
		resultJSON = sql.NullString{String: encoded, Valid: true}
	}
	var errCol sql.NullString
	if errMsg != "" {
		errCol = sql.NullString{String: errMsg, Valid: true}
	}
	var completedCol sql.NullString
	if completedAt != nil {
		completedCol = sql.NullString{String: completedAt.UTC().Format(time.RFC3339Nano), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contracts.NewStorageError("update_action_status: begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	args := make([]any, 0, len(from)+5)
	args = append(args, string(to), resultJSON, errCol, completedCol, id)
	for _, st := range from {
		args = append(args, string(st))
	}

	query := fmt.Sprintf(`
		UPDATE actions SET status = ?, result_json = ?, error = ?, completed_at = ?
		WHERE id = ? AND status IN (%s)`, allowedStatusPlaceholders(len(from)))

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return contracts.NewStorageError("update_action_status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return contracts.NewStorageError("update_action_status: rows affected", err)
	}
	if n == 0 {
		// Distinguish "doesn't exist" from "wrong status" for a clearer error.
		if _, getErr := s.getActionTx(ctx, tx, id); getErr != nil {
			return contracts.ErrUnknownAction
		}
		return contracts.ErrInvalidTransition
	}
	if err := tx.Commit(); err != nil {
		return contracts.NewStorageError("update_action_status: commit", err)
	}
	return nil
}

const actionColumns = `id, handler_id, action_name, params_json, status, result_json, error, required_permission_name, required_scope_json, content_hash, created_at, completed_at`

func (s *SQLiteStore) GetAction(ctx context.Context, id string) (*contracts.ActionRequest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	a, err := scanAction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, contracts.ErrUnknownAction
		}
		return nil, contracts.NewStorageError("get_action", err)
	}
	return a, nil
}

func (s *SQLiteStore) getActionTx(ctx context.Context, tx *sql.Tx, id string) (*contracts.ActionRequest, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id)
	return scanAction(row)
}

func (s *SQLiteStore) ListPendingActions(ctx context.Context) ([]*contracts.ActionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE status = ? ORDER BY created_at ASC`, string(contracts.StatusPending))
	if err != nil {
		return nil, contracts.NewStorageError("list_pending_actions", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActions(rows)
}

func (s *SQLiteStore) ListActionsByHandler(ctx context.Context, handlerID string) ([]*contracts.ActionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE handler_id = ? ORDER BY created_at ASC`, handlerID)
	if err != nil {
		return nil, contracts.NewStorageError("list_actions_by_handler", err)
	}
	defer func() { _ = rows.Close() }()
	return scanActions(rows)
}

func scanActions(rows *sql.Rows) ([]*contracts.ActionRequest, error) {
	var out []*contracts.ActionRequest
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, contracts.NewStorageError("scan action", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAction(row rowScanner) (*contracts.ActionRequest, error) {
	var (
		id, handlerID, actionName, paramsJSON, status, createdAt string
		resultJSON, errMsg, reqPerm, reqScopeJSON, contentHash   sql.NullString
		completedAt                                              sql.NullString
	)
	if err := row.Scan(&id, &handlerID, &actionName, &paramsJSON, &status, &resultJSON, &errMsg, &reqPerm, &reqScopeJSON, &contentHash, &createdAt, &completedAt); err != nil {
		return nil, err
	}

	var params map[string]any
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return nil, err
		}
	}
	var result any
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, err
		}
	}
	var reqScope map[string]string
	if reqScopeJSON.Valid && reqScopeJSON.String != "" {
		if err := json.Unmarshal([]byte(reqScopeJSON.String), &reqScope); err != nil {
			return nil, err
		}
	}

	a := &contracts.ActionRequest{
		ID:                     id,
		HandlerID:              handlerID,
		ActionName:             actionName,
		Params:                 params,
		Status:                 contracts.ActionStatus(status),
		Result:                 result,
		Error:                  errMsg.String,
		RequiredPermissionName: reqPerm.String,
		RequiredScope:          reqScope,
		ContentHash:            contentHash.String,
		CreatedAt:              parseTime(createdAt),
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		a.CompletedAt = &t
	}
	return a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "unique")
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}

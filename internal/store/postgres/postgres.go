// Package postgres implements store.Store on PostgreSQL through sqlx.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/playmatatu/arena/internal/models"
	"github.com/playmatatu/arena/internal/store"
)

const uniqueViolation = "23505"

const (
	userColumns  = `id, display_name, phone, payout_destination, balance_cents, wins, losses, created_at, updated_at`
	queueColumns = `id, user_id, game_id, platform, stake_amount, skill_tier, skill_rating, win_rate, queued_at, expires_at, status, match_id`
	matchColumns = `id, kind, parent_id, round, slot, game_id, platform, stake_amount, total_pot, verification_mode,
		uses_lobby, lobby_id, status, created_at, updated_at, status_changed_at, start_time, registration_closes_at,
		winner_id, completion_reason, last_error, settle_attempt`
	participantColumns = `match_id, user_id, stake_paid, joined_at, created_at`
	submissionColumns  = `match_id, user_id, game_id, raw_stats, proof_ref, confidence, verified, verified_by, created_at`
	reportColumns      = `match_id, reported_by, claimed_winner_id, created_at`
	transactionColumns = `id, user_id, type, amount, status, related_match_id, reference_id, description, created_at`
)

type Store struct {
	db *sqlx.DB
}

var _ store.Store = (*Store)(nil)

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// WithTx runs fn in a database transaction and commits only if fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type tx struct {
	tx *sqlx.Tx
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", pqErr.Constraint, store.ErrDuplicate)
	}
	return err
}

// expectRow turns a zero-row update into ErrNotFound.
func expectRow(res sql.Result, err error) error {
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// jsonText sends JSON as text; lib/pq would encode a []byte as bytea.
func jsonText(raw []byte) string {
	if len(raw) == 0 {
		return "{}"
	}
	return string(raw)
}

func statusArray(statuses []models.MatchStatus) pq.StringArray {
	out := make(pq.StringArray, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// Users

func (t *tx) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := t.tx.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (t *tx) GetUserForUpdate(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := t.tx.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id=$1 FOR UPDATE`, id)
	if err != nil {
		return nil, mapErr(err)
	}
	return &u, nil
}

func (t *tx) UpsertUser(ctx context.Context, u *models.User) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO users (id, display_name, phone, payout_destination, balance_cents, wins, losses, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, 0, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			phone = EXCLUDED.phone,
			payout_destination = EXCLUDED.payout_destination,
			updated_at = EXCLUDED.updated_at
	`, u.ID, u.DisplayName, u.Phone, u.PayoutDestination, u.CreatedAt, u.UpdatedAt)
	return mapErr(err)
}

func (t *tx) SetUserBalance(ctx context.Context, id string, balance int64, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE users SET balance_cents=$1, updated_at=$2 WHERE id=$3`, balance, now, id))
}

func (t *tx) IncrementRecord(ctx context.Context, id string, wins, losses int, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE users SET wins=wins+$1, losses=losses+$2, updated_at=$3 WHERE id=$4`, wins, losses, now, id))
}

// Ledger

func (t *tx) InsertTransaction(ctx context.Context, tr *models.Transaction) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (:id, :user_id, :type, :amount, :status, :related_match_id, :reference_id, :description, :created_at)
	`, tr)
	return mapErr(err)
}

func (t *tx) ListTransactions(ctx context.Context, userID string) ([]models.Transaction, error) {
	var out []models.Transaction
	err := t.tx.SelectContext(ctx, &out, `SELECT `+transactionColumns+` FROM transactions WHERE user_id=$1 ORDER BY created_at, id`, userID)
	return out, mapErr(err)
}

func (t *tx) ListMatchTransactions(ctx context.Context, matchID string) ([]models.Transaction, error) {
	var out []models.Transaction
	err := t.tx.SelectContext(ctx, &out, `SELECT `+transactionColumns+` FROM transactions WHERE related_match_id=$1 ORDER BY created_at, id`, matchID)
	return out, mapErr(err)
}

// Queue

func (t *tx) InsertQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO queue_entries (`+queueColumns+`)
		VALUES (:id, :user_id, :game_id, :platform, :stake_amount, :skill_tier, :skill_rating, :win_rate,
		        :queued_at, :expires_at, :status, :match_id)
	`, e)
	return mapErr(err)
}

func (t *tx) ExpireQueueEntries(ctx context.Context, now time.Time) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := t.tx.SelectContext(ctx, &out, `
		UPDATE queue_entries SET status='expired'
		WHERE status='searching' AND expires_at <= $1
		RETURNING `+queueColumns, now)
	return out, mapErr(err)
}

func (t *tx) ListSearchingEntries(ctx context.Context) ([]models.QueueEntry, error) {
	var out []models.QueueEntry
	err := t.tx.SelectContext(ctx, &out, `SELECT `+queueColumns+` FROM queue_entries WHERE status='searching' ORDER BY queued_at, id`)
	return out, mapErr(err)
}

func (t *tx) ClaimQueueEntry(ctx context.Context, id, matchID string) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE queue_entries SET status='matched', match_id=$2 WHERE id=$1 AND status='searching'`, id, matchID)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrAlreadyClaimed
	}
	return nil
}

func (t *tx) HasSearchingEntry(ctx context.Context, userID, gameID string) (bool, error) {
	var exists bool
	err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM queue_entries WHERE user_id=$1 AND game_id=$2 AND status='searching')`, userID, gameID)
	return exists, mapErr(err)
}

// Matches

func (t *tx) InsertMatch(ctx context.Context, m *models.Match) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO matches (`+matchColumns+`)
		VALUES (:id, :kind, :parent_id, :round, :slot, :game_id, :platform, :stake_amount, :total_pot, :verification_mode,
		        :uses_lobby, :lobby_id, :status, :created_at, :updated_at, :status_changed_at, :start_time,
		        :registration_closes_at, :winner_id, :completion_reason, :last_error, :settle_attempt)
	`, m)
	return mapErr(err)
}

func (t *tx) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	if err := t.tx.GetContext(ctx, &m, `SELECT `+matchColumns+` FROM matches WHERE id=$1`, id); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (t *tx) GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	var m models.Match
	if err := t.tx.GetContext(ctx, &m, `SELECT `+matchColumns+` FROM matches WHERE id=$1 FOR UPDATE`, id); err != nil {
		return nil, mapErr(err)
	}
	return &m, nil
}

func (t *tx) UpdateMatchStatus(ctx context.Context, id string, from []models.MatchStatus, to models.MatchStatus, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE matches SET status=$1, status_changed_at=$2, updated_at=$2
		WHERE id=$3 AND status = ANY($4)
	`, string(to), now, id, statusArray(from))
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists bool
	if err := t.tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM matches WHERE id=$1)`, id); err != nil {
		return mapErr(err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrStatusConflict
}

func (t *tx) SetMatchOutcome(ctx context.Context, id string, winnerID *string, reason string, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE matches SET winner_id=$1, completion_reason=$2, updated_at=$3 WHERE id=$4`, winnerID, reason, now, id))
}

func (t *tx) TouchMatch(ctx context.Context, id string, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE matches SET updated_at=$1 WHERE id=$2`, now, id))
}

func (t *tx) SetMatchError(ctx context.Context, id string, msg *string) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE matches SET last_error=$1 WHERE id=$2`, msg, id))
}

func (t *tx) BumpSettleAttempt(ctx context.Context, id string, expected int, now time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE matches SET settle_attempt=settle_attempt+1, status_changed_at=$1, updated_at=$1
		WHERE id=$2 AND status=$3 AND settle_attempt=$4
	`, now, id, string(models.StatusSettling), expected)
	if err != nil {
		return mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrStatusConflict
	}
	return nil
}

func (t *tx) SetMatchLobby(ctx context.Context, id, lobbyID string, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE matches SET lobby_id=$1, updated_at=$2 WHERE id=$3`, lobbyID, now, id))
}

func (t *tx) AddToPot(ctx context.Context, id string, amount int64, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `UPDATE matches SET total_pot=total_pot+$1, updated_at=$2 WHERE id=$3`, amount, now, id))
}

func (t *tx) ListMatchesByStatus(ctx context.Context, statuses ...models.MatchStatus) ([]models.Match, error) {
	var out []models.Match
	err := t.tx.SelectContext(ctx, &out, `SELECT `+matchColumns+` FROM matches WHERE status = ANY($1) ORDER BY created_at, id`, statusArray(statuses))
	return out, mapErr(err)
}

func (t *tx) ListSubMatches(ctx context.Context, parentID string) ([]models.Match, error) {
	var out []models.Match
	err := t.tx.SelectContext(ctx, &out, `SELECT `+matchColumns+` FROM matches WHERE parent_id=$1 ORDER BY round, slot`, parentID)
	return out, mapErr(err)
}

func (t *tx) CancelSubMatches(ctx context.Context, parentID string, now time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE matches SET status='cancelled', status_changed_at=$1, updated_at=$1
		WHERE parent_id=$2 AND status <> ALL($3)
	`, now, parentID, pq.StringArray{
		string(models.StatusCompleted), string(models.StatusCancelled),
		string(models.StatusFailedToLaunch), string(models.StatusRefunded),
	})
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (t *tx) InsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO participants (`+participantColumns+`)
		VALUES (:match_id, :user_id, :stake_paid, :joined_at, :created_at)
	`, p)
	return mapErr(err)
}

func (t *tx) ListParticipants(ctx context.Context, matchID string) ([]models.Participant, error) {
	var out []models.Participant
	err := t.tx.SelectContext(ctx, &out, `SELECT `+participantColumns+` FROM participants WHERE match_id=$1 ORDER BY created_at, user_id`, matchID)
	return out, mapErr(err)
}

func (t *tx) MarkJoined(ctx context.Context, matchID, userID string, now time.Time) error {
	return expectRow(t.tx.ExecContext(ctx, `
		UPDATE participants SET joined_at=COALESCE(joined_at, $1)
		WHERE match_id=$2 AND user_id=$3
	`, now, matchID, userID))
}

func (t *tx) InsertLobby(ctx context.Context, l *models.Lobby) error {
	_, err := t.tx.NamedExecContext(ctx, `INSERT INTO lobbies (id, match_id, status, created_at) VALUES (:id, :match_id, :status, :created_at)`, l)
	return mapErr(err)
}

func (t *tx) GetLobbyByMatch(ctx context.Context, matchID string) (*models.Lobby, error) {
	var l models.Lobby
	if err := t.tx.GetContext(ctx, &l, `SELECT id, match_id, status, created_at FROM lobbies WHERE match_id=$1`, matchID); err != nil {
		return nil, mapErr(err)
	}
	return &l, nil
}

func (t *tx) CancelLobbies(ctx context.Context, matchID string) (int, error) {
	return t.setLobbyStatus(ctx, matchID, models.LobbyCancelled)
}

func (t *tx) CloseLobbies(ctx context.Context, matchID string) (int, error) {
	return t.setLobbyStatus(ctx, matchID, models.LobbyClosed)
}

func (t *tx) setLobbyStatus(ctx context.Context, matchID, to string) (int, error) {
	res, err := t.tx.ExecContext(ctx, `UPDATE lobbies SET status=$1 WHERE match_id=$2 AND status='open'`, to, matchID)
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Evidence

func (t *tx) InsertStatSubmission(ctx context.Context, s *models.StatSubmission) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stat_submissions (`+submissionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.MatchID, s.UserID, s.GameID, jsonText(s.RawStats), s.ProofRef, s.Confidence, s.Verified, s.VerifiedBy, s.CreatedAt)
	return mapErr(err)
}

func (t *tx) ListStatSubmissions(ctx context.Context, matchID string) ([]models.StatSubmission, error) {
	var out []models.StatSubmission
	err := t.tx.SelectContext(ctx, &out, `SELECT `+submissionColumns+` FROM stat_submissions WHERE match_id=$1 ORDER BY created_at, user_id`, matchID)
	return out, mapErr(err)
}

func (t *tx) MarkSubmissionVerified(ctx context.Context, matchID, userID, verifiedBy string, confidence int) error {
	return expectRow(t.tx.ExecContext(ctx, `
		UPDATE stat_submissions SET verified=TRUE, verified_by=$1, confidence=$2
		WHERE match_id=$3 AND user_id=$4
	`, verifiedBy, confidence, matchID, userID))
}

func (t *tx) InsertResultReport(ctx context.Context, r *models.ResultReport) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO result_reports (`+reportColumns+`)
		VALUES (:match_id, :reported_by, :claimed_winner_id, :created_at)
	`, r)
	return mapErr(err)
}

func (t *tx) ListResultReports(ctx context.Context, matchID string) ([]models.ResultReport, error) {
	var out []models.ResultReport
	err := t.tx.SelectContext(ctx, &out, `SELECT `+reportColumns+` FROM result_reports WHERE match_id=$1 ORDER BY created_at, reported_by`, matchID)
	return out, mapErr(err)
}

// Admin

func (t *tx) GetAdminAccount(ctx context.Context, username string) (*models.AdminAccount, error) {
	var a models.AdminAccount
	err := t.tx.GetContext(ctx, &a, `SELECT username, display_name, token_hash, roles, created_at, updated_at FROM admin_accounts WHERE username=$1`, username)
	if err != nil {
		return nil, mapErr(err)
	}
	return &a, nil
}

func (t *tx) UpsertAdminAccount(ctx context.Context, a *models.AdminAccount) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO admin_accounts (username, display_name, token_hash, roles, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (username) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			token_hash = EXCLUDED.token_hash,
			roles = EXCLUDED.roles,
			updated_at = EXCLUDED.updated_at
	`, a.Username, a.DisplayName, a.TokenHash, a.Roles, a.CreatedAt, a.UpdatedAt)
	return mapErr(err)
}

func (t *tx) InsertAuditEntry(ctx context.Context, e *models.AuditEntry) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO admin_audit (id, admin_username, action, match_id, details, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.ID, e.AdminUsername, e.Action, e.MatchID, jsonText(e.Details), e.Success, e.CreatedAt)
	return mapErr(err)
}

func (t *tx) ListAuditEntries(ctx context.Context, limit, offset int) ([]models.AuditEntry, error) {
	var out []models.AuditEntry
	err := t.tx.SelectContext(ctx, &out, `
		SELECT id, admin_username, action, match_id, details, success, created_at
		FROM admin_audit
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	return out, mapErr(err)
}

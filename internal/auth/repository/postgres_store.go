package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	pgx "github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/DKeken/axion-stack-sub001/internal/auth/domain"
	"github.com/DKeken/axion-stack-sub001/internal/common/db"
	"github.com/DKeken/axion-stack-sub001/internal/common/logger"
)

const (
	sessionColumns = `id, user_id, fingerprint_hash, device_info, user_agent, ip_address,
		is_active, current_refresh_token_id, invalidated_reason, created_at, updated_at`
	refreshTokenColumns = `id, jti, user_id, family_id, session_id, fingerprint_hash,
		expires_at, revoked_at, revoked_reason, used_at, created_at`
)

type PgTokenStore struct {
	pool  *pgxpool.Pool
	txMgr db.TxManager
	retry db.RetryConfig
	log   *logger.Logger
}

func NewPgTokenStore(pool *pgxpool.Pool, log *logger.Logger) *PgTokenStore {
	return &PgTokenStore{
		pool:  pool,
		txMgr: db.NewPgTxManager(pool),
		retry: db.DefaultRetryConfig,
		log:   log,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var s domain.Session
	err := row.Scan(
		&s.ID, &s.UserID, &s.FingerprintHash, &s.DeviceInfo, &s.UserAgent, &s.IPAddress,
		&s.IsActive, &s.CurrentRefreshTokenID, &s.InvalidatedReason, &s.CreatedAt, &s.UpdatedAt,
	)
	return s, err
}

func scanRefreshToken(row rowScanner) (domain.RefreshToken, error) {
	var t domain.RefreshToken
	err := row.Scan(
		&t.ID, &t.JTI, &t.UserID, &t.FamilyID, &t.SessionID, &t.FingerprintHash,
		&t.ExpiresAt, &t.RevokedAt, &t.RevokedReason, &t.UsedAt, &t.CreatedAt,
	)
	return t, err
}

func (s *PgTokenStore) CreateSession(ctx context.Context, session domain.Session) error {
	start := time.Now()
	_, err := s.pool.Exec(
		ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID, session.UserID, session.FingerprintHash, session.DeviceInfo, session.UserAgent,
		session.IPAddress, session.IsActive, session.CurrentRefreshTokenID, session.InvalidatedReason,
		session.CreatedAt, session.UpdatedAt,
	)
	if db.IsUniqueViolation(err) {
		db.MeasureQueryDuration("create session", start)
		return ErrDuplicateSession
	}
	return db.HandleExecError(err, "create session", start)
}

func (s *PgTokenStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	session, err := scanSession(row)
	if err := db.HandleQueryError(err, ErrSessionNotFound, "get session", start); err != nil {
		return domain.Session{}, err
	}
	return session, nil
}

// UpdateSession locks the row, applies the patch in Go and writes every mutable
// column back, so nil patch fields keep their stored values.
func (s *PgTokenStore) UpdateSession(ctx context.Context, id string, patch domain.SessionPatch, now time.Time) (domain.Session, error) {
	var updated domain.Session
	err := s.txMgr.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		start := time.Now()
		row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1 FOR UPDATE`, id)
		current, err := scanSession(row)
		if err := db.HandleQueryError(err, ErrSessionNotFound, "lock session", start); err != nil {
			return err
		}

		updated = patch.Apply(current, now)

		start = time.Now()
		_, err = tx.Exec(
			ctx,
			`UPDATE sessions
			 SET is_active = $2, current_refresh_token_id = $3, invalidated_reason = $4,
			     device_info = $5, user_agent = $6, ip_address = $7, updated_at = $8
			 WHERE id = $1`,
			id, updated.IsActive, updated.CurrentRefreshTokenID, updated.InvalidatedReason,
			updated.DeviceInfo, updated.UserAgent, updated.IPAddress, updated.UpdatedAt,
		)
		return db.HandleExecError(err, "update session", start)
	})
	if err != nil {
		return domain.Session{}, err
	}
	return updated, nil
}

func (s *PgTokenStore) ListSessionsByUser(ctx context.Context, userID string) ([]domain.Session, error) {
	start := time.Now()
	rows, err := s.pool.Query(
		ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, db.HandleExecError(err, "list sessions", start)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, db.HandleExecError(err, "list sessions", start)
	}
	db.MeasureQueryDuration("list sessions", start)
	return sessions, nil
}

// CreateRefreshToken registers the family on first use and inserts the record.
func (s *PgTokenStore) CreateRefreshToken(ctx context.Context, token domain.RefreshToken) error {
	return s.txMgr.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		start := time.Now()
		_, err := tx.Exec(
			ctx,
			`INSERT INTO refresh_token_families (id, user_id, created_at)
			 VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`,
			token.FamilyID, token.UserID, token.CreatedAt,
		)
		if err := db.HandleExecError(err, "create refresh token family", start); err != nil {
			return err
		}
		return insertRefreshToken(ctx, tx, token)
	})
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

func insertRefreshToken(ctx context.Context, q execer, token domain.RefreshToken) error {
	start := time.Now()
	_, err := q.Exec(
		ctx,
		`INSERT INTO refresh_tokens (`+refreshTokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		token.ID, token.JTI, token.UserID, token.FamilyID, token.SessionID, token.FingerprintHash,
		token.ExpiresAt, token.RevokedAt, token.RevokedReason, token.UsedAt, token.CreatedAt,
	)
	if db.IsUniqueViolation(err) {
		db.MeasureQueryDuration("create refresh token", start)
		return ErrDuplicateJTI
	}
	return db.HandleExecError(err, "create refresh token", start)
}

func (s *PgTokenStore) GetRefreshTokenByJTI(ctx context.Context, jti string) (domain.RefreshToken, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE jti = $1`, jti)
	token, err := scanRefreshToken(row)
	if err := db.HandleQueryError(err, ErrRefreshTokenNotFound, "get refresh token by jti", start); err != nil {
		return domain.RefreshToken{}, err
	}
	return token, nil
}

func (s *PgTokenStore) GetRefreshTokenByID(ctx context.Context, id string) (domain.RefreshToken, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE id = $1`, id)
	token, err := scanRefreshToken(row)
	if err := db.HandleQueryError(err, ErrRefreshTokenNotFound, "get refresh token by id", start); err != nil {
		return domain.RefreshToken{}, err
	}
	return token, nil
}

// RotateRefreshToken runs the compare-and-set, the successor insert and the
// session tip move in one transaction. It holds a share lock on the family row
// so that RevokeFamily, which seals that row first, waits for the rotation to
// commit and then sees the successor.
func (s *PgTokenStore) RotateRefreshToken(ctx context.Context, jti string, usedAt time.Time, successor domain.RefreshToken) error {
	return s.txMgr.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		start := time.Now()
		var familyRevoked bool
		err := tx.QueryRow(
			ctx,
			`SELECT f.revoked_at IS NOT NULL
			 FROM refresh_tokens t JOIN refresh_token_families f ON f.id = t.family_id
			 WHERE t.jti = $1
			 FOR SHARE OF f`,
			jti,
		).Scan(&familyRevoked)
		if err := db.HandleQueryError(err, ErrRefreshTokenNotFound, "lock refresh token family", start); err != nil {
			return err
		}

		start = time.Now()
		var sessionID string
		err = tx.QueryRow(
			ctx,
			`UPDATE refresh_tokens SET used_at = $2
			 WHERE jti = $1 AND used_at IS NULL AND revoked_at IS NULL AND NOT $3
			 RETURNING session_id`,
			jti, usedAt, familyRevoked,
		).Scan(&sessionID)
		if errors.Is(err, pgx.ErrNoRows) {
			db.MeasureQueryDuration("mark refresh token used", start)
			return s.lostSwap(ctx, tx, jti, familyRevoked)
		}
		if err := db.HandleExecError(err, "mark refresh token used", start); err != nil {
			return err
		}

		if err := insertRefreshToken(ctx, tx, successor); err != nil {
			return err
		}

		start = time.Now()
		_, err = tx.Exec(
			ctx,
			`UPDATE sessions SET current_refresh_token_id = $2, updated_at = $3 WHERE id = $1`,
			sessionID, successor.ID, usedAt,
		)
		return db.HandleExecError(err, "update session refresh token", start)
	})
}

func (s *PgTokenStore) lostSwap(ctx context.Context, tx pgx.Tx, jti string, familyRevoked bool) error {
	start := time.Now()
	row := tx.QueryRow(ctx, `SELECT `+refreshTokenColumns+` FROM refresh_tokens WHERE jti = $1`, jti)
	current, err := scanRefreshToken(row)
	if err := db.HandleQueryError(err, ErrRefreshTokenNotFound, "get refresh token by jti", start); err != nil {
		return err
	}
	if err := classifyLostSwap(current); err != nil {
		return err
	}
	if familyRevoked {
		return ErrTokenAlreadyRevoked
	}
	return fmt.Errorf("rotate refresh token %s: compare-and-set lost without terminal state", jti)
}

func (s *PgTokenStore) RevokeRefreshToken(ctx context.Context, jti string, at time.Time, reason string) (bool, error) {
	start := time.Now()
	tag, err := s.pool.Exec(
		ctx,
		`UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
		 WHERE jti = $1 AND revoked_at IS NULL AND used_at IS NULL`,
		jti, at, reason,
	)
	if err := db.HandleExecError(err, "revoke refresh token", start); err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetRefreshTokenByJTI(ctx, jti); err != nil {
		return false, err
	}
	return false, nil
}

// RevokeFamily seals the family row before touching members. Sealing waits for
// in-flight rotations holding the share lock, so the member update that follows
// sees every successor they inserted, and later rotations fail their check.
func (s *PgTokenStore) RevokeFamily(ctx context.Context, familyID string, at time.Time, reason string) (int, error) {
	var affected int64
	err := db.RetryWithBackoff(ctx, s.log, s.retry, func() error {
		start := time.Now()
		_, err := s.pool.Exec(
			ctx,
			`UPDATE refresh_token_families
			 SET revoked_at = COALESCE(revoked_at, $2),
			     revoked_reason = CASE WHEN revoked_at IS NULL THEN $3 ELSE revoked_reason END
			 WHERE id = $1`,
			familyID, at, reason,
		)
		if err := db.HandleExecError(err, "seal refresh token family", start); err != nil {
			return err
		}

		start = time.Now()
		tag, err := s.pool.Exec(
			ctx,
			`UPDATE refresh_tokens SET revoked_at = $2, revoked_reason = $3
			 WHERE family_id = $1 AND revoked_at IS NULL AND used_at IS NULL`,
			familyID, at, reason,
		)
		if err := db.HandleExecError(err, "revoke refresh token family", start); err != nil {
			return err
		}
		affected = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *PgTokenStore) DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.txMgr.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		start := time.Now()
		tag, err := tx.Exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < $1`, before)
		if err := db.HandleExecError(err, "delete expired refresh tokens", start); err != nil {
			return err
		}
		deleted = tag.RowsAffected()

		start = time.Now()
		_, err = tx.Exec(
			ctx,
			`DELETE FROM refresh_token_families f
			 WHERE NOT EXISTS (SELECT 1 FROM refresh_tokens t WHERE t.family_id = f.id)`,
		)
		return db.HandleExecError(err, "delete empty refresh token families", start)
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

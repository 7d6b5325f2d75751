package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"icfesprep/internal/models"
	"icfesprep/internal/observability"
	contextutils "icfesprep/internal/utils"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
)

const itemColumns = `id, subject_area, stem, options, correct_option, discrimination_a, difficulty_b,
	guessing_c, is_calibrated, exposure_count, created_at, updated_at`

const abilityColumns = `user_id, subject_area, theta, standard_error, response_count, created_at, updated_at`

const sessionColumns = `id, user_id, subject_area, status, administered_item_ids, pending_item_id,
	termination_reason, max_questions, created_at, updated_at, completed_at`

const eventColumns = `id, session_id, user_id, subject_area, item_id, selected_answer, is_correct,
	theta_before, theta_after, standard_error_after, created_at`

// queryer is satisfied by both *sql.DB and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresStore implements Store on PostgreSQL through database/sql and lib/pq
type PostgresStore struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewPostgresStore creates a PostgresStore
func NewPostgresStore(db *sql.DB, logger *observability.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

// GetDB returns the database connection
func (s *PostgresStore) GetDB() *sql.DB {
	return s.db
}

func scanItem(row rowScanner) (*models.Item, error) {
	var item models.Item
	err := row.Scan(
		&item.ID, &item.SubjectArea, &item.Stem, pq.Array(&item.Options), &item.CorrectOption,
		&item.DiscriminationA, &item.DifficultyB, &item.GuessingC, &item.IsCalibrated,
		&item.ExposureCount, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanItems(rows *sql.Rows) ([]*models.Item, error) {
	var items []*models.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, contextutils.WrapError(err, "failed to scan item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, contextutils.WrapError(err, "failed to iterate items")
	}
	return items, nil
}

func scanAbility(row rowScanner) (*models.AbilityEstimate, error) {
	var a models.AbilityEstimate
	if err := row.Scan(&a.UserID, &a.SubjectArea, &a.Theta, &a.StandardError, &a.ResponseCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func scanSession(row rowScanner) (*models.TestSession, error) {
	var (
		sess         models.TestSession
		administered pq.Int64Array
		pending      sql.NullInt64
		reason       sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.SubjectArea, &sess.Status, &administered, &pending,
		&reason, &sess.MaxQuestions, &sess.CreatedAt, &sess.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	sess.AdministeredItemIDs = toInts(administered)
	if pending.Valid {
		id := int(pending.Int64)
		sess.PendingItemID = &id
	}
	sess.TerminationReason = models.TerminationReason(reason.String)
	if completedAt.Valid {
		t := completedAt.Time
		sess.CompletedAt = &t
	}
	return &sess, nil
}

func scanEvent(row rowScanner) (*models.ResponseEvent, error) {
	var ev models.ResponseEvent
	err := row.Scan(
		&ev.ID, &ev.SessionID, &ev.UserID, &ev.SubjectArea, &ev.ItemID, &ev.SelectedAnswer,
		&ev.IsCorrect, &ev.ThetaBefore, &ev.ThetaAfter, &ev.StandardErrorAfter, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetItem returns one item or ErrItemNotFound
func (s *PostgresStore) GetItem(ctx context.Context, id int) (result *models.Item, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_item", observability.AttributeItemID(id))
	defer observability.FinishSpan(span, &err)

	result, err = scanItem(s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", id)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to get item %d", id)
	}
	return result, nil
}

// ListItems returns items matching filter ordered by id
func (s *PostgresStore) ListItems(ctx context.Context, filter models.ItemFilter) (result []*models.Item, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_items",
		observability.AttributeSubject(string(filter.SubjectArea)),
		observability.AttributeLimit(filter.Limit),
	)
	defer observability.FinishSpan(span, &err)

	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	var args []any

	if filter.SubjectArea != "" {
		args = append(args, filter.SubjectArea)
		query += fmt.Sprintf(" AND subject_area = $%d", len(args))
	}
	if filter.Calibrated != nil {
		args = append(args, *filter.Calibrated)
		query += fmt.Sprintf(" AND is_calibrated = $%d", len(args))
	}

	query += " ORDER BY id"

	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to list items")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	return scanItems(rows)
}

// ListSubjectItems returns the calibrated (or uncalibrated) items of a subject minus excludeIDs
func (s *PostgresStore) ListSubjectItems(ctx context.Context, subject models.SubjectArea, calibrated bool, excludeIDs []int) (result []*models.Item, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_subject_items",
		observability.AttributeSubject(string(subject)),
		attribute.Bool("item.calibrated", calibrated),
		attribute.Int("exclude.count", len(excludeIDs)),
	)
	defer observability.FinishSpan(span, &err)

	query := `SELECT ` + itemColumns + ` FROM items
		WHERE subject_area = $1 AND is_calibrated = $2 AND NOT (id = ANY($3))
		ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, subject, calibrated, pq.Array(toInt64s(excludeIDs)))
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to list items for %s", subject)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	return scanItems(rows)
}

// UpsertItem inserts a new item (zero id) or updates content and calibration of an existing one
func (s *PostgresStore) UpsertItem(ctx context.Context, item *models.Item) (result *models.Item, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "upsert_item", observability.AttributeItemID(item.ID))
	defer observability.FinishSpan(span, &err)

	if item.ID == 0 {
		query := `INSERT INTO items (subject_area, stem, options, correct_option, discrimination_a,
				difficulty_b, guessing_c, is_calibrated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING ` + itemColumns
		result, err = scanItem(s.db.QueryRowContext(ctx, query,
			item.SubjectArea, item.Stem, pq.Array(item.Options), item.CorrectOption,
			item.DiscriminationA, item.DifficultyB, item.GuessingC, item.IsCalibrated,
		))
		if err != nil {
			return nil, contextutils.WrapError(err, "failed to insert item")
		}
		return result, nil
	}

	query := `UPDATE items SET subject_area = $1, stem = $2, options = $3, correct_option = $4,
			discrimination_a = $5, difficulty_b = $6, guessing_c = $7, is_calibrated = $8, updated_at = NOW()
		WHERE id = $9
		RETURNING ` + itemColumns
	result, err = scanItem(s.db.QueryRowContext(ctx, query,
		item.SubjectArea, item.Stem, pq.Array(item.Options), item.CorrectOption,
		item.DiscriminationA, item.DifficultyB, item.GuessingC, item.IsCalibrated, item.ID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", item.ID)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to update item %d", item.ID)
	}
	return result, nil
}

// GetAbility returns the stored estimate or ErrRecordNotFound
func (s *PostgresStore) GetAbility(ctx context.Context, userID string, subject models.SubjectArea) (result *models.AbilityEstimate, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_ability",
		observability.AttributeUserID(userID),
		observability.AttributeSubject(string(subject)),
	)
	defer observability.FinishSpan(span, &err)

	result, err = scanAbility(s.db.QueryRowContext(ctx,
		`SELECT `+abilityColumns+` FROM ability_estimates WHERE user_id = $1 AND subject_area = $2`,
		userID, subject))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrRecordNotFound, "no ability estimate for %s/%s", userID, subject)
	}
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to get ability estimate")
	}
	return result, nil
}

// ListAbilities returns every stored estimate of a user
func (s *PostgresStore) ListAbilities(ctx context.Context, userID string) (result []*models.AbilityEstimate, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_abilities", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+abilityColumns+` FROM ability_estimates WHERE user_id = $1 ORDER BY subject_area`, userID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to list ability estimates")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	for rows.Next() {
		a, err := scanAbility(rows)
		if err != nil {
			return nil, contextutils.WrapError(err, "failed to scan ability estimate")
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// GetSession returns a session in any state or ErrSessionNotFound
func (s *PostgresStore) GetSession(ctx context.Context, id string) (result *models.TestSession, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "get_session", observability.AttributeSessionID(id))
	defer observability.FinishSpan(span, &err)

	return getSession(ctx, s.db, id, false)
}

func getSession(ctx context.Context, q queryer, id string, forUpdate bool) (*models.TestSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM test_sessions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sess, err := scanSession(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, contextutils.WrapErrorf(contextutils.ErrSessionNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, contextutils.WrapErrorf(err, "failed to load session %s", id)
	}
	return sess, nil
}

// ListStaleSessions returns active sessions untouched since updatedBefore, oldest first
func (s *PostgresStore) ListStaleSessions(ctx context.Context, updatedBefore time.Time, limit int) (result []*models.TestSession, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_stale_sessions", observability.AttributeLimit(limit))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM test_sessions
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at, id
		LIMIT $3`,
		models.SessionStatusActive, updatedBefore, limit)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to list stale sessions")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, contextutils.WrapError(err, "failed to scan session")
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

// ListResponseEvents returns the response log of a session in insertion order
func (s *PostgresStore) ListResponseEvents(ctx context.Context, sessionID string) (result []*models.ResponseEvent, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "list_response_events", observability.AttributeSessionID(sessionID))
	defer observability.FinishSpan(span, &err)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM response_events WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to list response events")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, contextutils.WrapError(err, "failed to scan response event")
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

// IncrementExposure bumps the served counter of an item
func (s *PostgresStore) IncrementExposure(ctx context.Context, itemID int) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "increment_exposure", observability.AttributeItemID(itemID))
	defer observability.FinishSpan(span, &err)

	res, err := s.db.ExecContext(ctx, `UPDATE items SET exposure_count = exposure_count + 1 WHERE id = $1`, itemID)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to increment exposure of item %d", itemID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return contextutils.WrapErrorf(contextutils.ErrItemNotFound, "item %d not found", itemID)
	}
	return nil
}

// ExposureCounts returns the served counters of the given items
func (s *PostgresStore) ExposureCounts(ctx context.Context, itemIDs []int) (result map[int]int, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "exposure_counts", attribute.Int("item.count", len(itemIDs)))
	defer observability.FinishSpan(span, &err)

	result = make(map[int]int, len(itemIDs))
	if len(itemIDs) == 0 {
		return result, nil
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, exposure_count FROM items WHERE id = ANY($1)`, pq.Array(toInt64s(itemIDs)))
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to read exposure counts")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()

	for rows.Next() {
		var id, count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan exposure count")
		}
		result[id] = count
	}
	return result, rows.Err()
}

// Stats counts rows per table
func (s *PostgresStore) Stats(ctx context.Context) (result *Stats, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "stats")
	defer observability.FinishSpan(span, &err)

	result = &Stats{SessionsByStatus: map[string]int{}}
	err = s.db.QueryRowContext(ctx, `SELECT
			(SELECT COUNT(*) FROM items),
			(SELECT COUNT(*) FROM items WHERE is_calibrated),
			(SELECT COUNT(*) FROM ability_estimates),
			(SELECT COUNT(*) FROM response_events)`).
		Scan(&result.Items, &result.CalibratedItems, &result.Abilities, &result.ResponseEvents)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to count rows")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM test_sessions GROUP BY status`)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to count sessions")
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			s.logger.Warn(ctx, "Failed to close rows", map[string]interface{}{"error": cerr.Error()})
		}
	}()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, contextutils.WrapError(err, "failed to scan session count")
		}
		result.SessionsByStatus[status] = n
	}
	return result, rows.Err()
}

// WithTx runs fn inside a database transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "with_tx")
	defer observability.FinishSpan(span, &err)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseTransaction, "failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				s.logger.Warn(ctx, "Failed to rollback transaction", map[string]interface{}{"error": rollbackErr.Error()})
			}
		}
	}()

	if err = fn(ctx, &postgresTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return contextutils.WrapErrorf(contextutils.ErrDatabaseTransaction, "failed to commit transaction: %v", err)
	}
	return nil
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) EnsureAbility(ctx context.Context, userID string, subject models.SubjectArea, theta, standardError float64) (*models.AbilityEstimate, error) {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO ability_estimates (user_id, subject_area, theta, standard_error, response_count)
		VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (user_id, subject_area) DO NOTHING`,
		userID, subject, theta, standardError)
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to create ability estimate")
	}

	a, err := scanAbility(t.tx.QueryRowContext(ctx,
		`SELECT `+abilityColumns+` FROM ability_estimates WHERE user_id = $1 AND subject_area = $2 FOR UPDATE`,
		userID, subject))
	if err != nil {
		return nil, contextutils.WrapError(err, "failed to lock ability estimate")
	}
	return a, nil
}

func (t *postgresTx) SaveAbility(ctx context.Context, a *models.AbilityEstimate) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE ability_estimates SET theta = $1, standard_error = $2, response_count = $3, updated_at = $4
		WHERE user_id = $5 AND subject_area = $6`,
		a.Theta, a.StandardError, a.ResponseCount, a.UpdatedAt, a.UserID, a.SubjectArea)
	if err != nil {
		return contextutils.WrapError(err, "failed to save ability estimate")
	}
	return nil
}

func (t *postgresTx) CreateSession(ctx context.Context, sess *models.TestSession) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO test_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.UserID, sess.SubjectArea, sess.Status, pq.Array(toInt64s(sess.AdministeredItemIDs)),
		nullableItemID(sess.PendingItemID), nullableReason(sess.TerminationReason), sess.MaxQuestions,
		sess.CreatedAt, sess.UpdatedAt, nullableTime(sess.CompletedAt))
	if err != nil {
		return contextutils.WrapError(err, "failed to create session")
	}
	return nil
}

func (t *postgresTx) LockSession(ctx context.Context, id string) (*models.TestSession, error) {
	return getSession(ctx, t.tx, id, true)
}

func (t *postgresTx) SaveSession(ctx context.Context, sess *models.TestSession) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE test_sessions SET status = $1, administered_item_ids = $2, pending_item_id = $3,
			termination_reason = $4, updated_at = $5, completed_at = $6
		WHERE id = $7`,
		sess.Status, pq.Array(toInt64s(sess.AdministeredItemIDs)), nullableItemID(sess.PendingItemID),
		nullableReason(sess.TerminationReason), sess.UpdatedAt, nullableTime(sess.CompletedAt), sess.ID)
	if err != nil {
		return contextutils.WrapErrorf(err, "failed to save session %s", sess.ID)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return contextutils.WrapErrorf(contextutils.ErrSessionNotFound, "session %s not found", sess.ID)
	}
	return nil
}

func (t *postgresTx) InsertResponseEvent(ctx context.Context, ev *models.ResponseEvent) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO response_events (session_id, user_id, subject_area, item_id, selected_answer,
			is_correct, theta_before, theta_after, standard_error_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`,
		ev.SessionID, ev.UserID, ev.SubjectArea, ev.ItemID, ev.SelectedAnswer, ev.IsCorrect,
		ev.ThetaBefore, ev.ThetaAfter, ev.StandardErrorAfter, ev.CreatedAt,
	).Scan(&ev.ID)
	if isDuplicateKeyError(err) {
		return contextutils.WrapErrorf(contextutils.ErrDuplicateSubmission, "item %d already answered in session %s", ev.ItemID, ev.SessionID)
	}
	if err != nil {
		return contextutils.WrapError(err, "failed to insert response event")
	}
	return nil
}

// isDuplicateKeyError checks for PostgreSQL unique constraint violation (23505)
func isDuplicateKeyError(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullableItemID(id *int) sql.NullInt64 {
	if id == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*id), Valid: true}
}

func nullableReason(r models.TerminationReason) sql.NullString {
	return sql.NullString{String: string(r), Valid: r != ""}
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite, for embedded and
// single-node deployments. Embeddings are stored as JSON arrays and cosine
// distance is computed in process.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given DSN and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sdb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := sdb.Exec(pragma); err != nil {
			sdb.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// Serialized access keeps the settlement transaction free of
	// SQLITE_BUSY surprises under concurrent workers.
	sdb.SetMaxOpenConns(1)
	return &SQLiteStore{db: sdb}, nil
}

const timeLayout = time.RFC3339Nano

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	tenant_id  TEXT,
	content    TEXT NOT NULL,
	embedding  TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS criteria (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	prompt     TEXT NOT NULL,
	embedding  TEXT NOT NULL,
	keywords   TEXT NOT NULL DEFAULT '[]',
	target     TEXT NOT NULL,
	recurring  INTEGER NOT NULL DEFAULT 0,
	expires_at TEXT NOT NULL,
	model      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS verifications (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	criterion_id  TEXT NOT NULL REFERENCES criteria(id),
	approved      INTEGER NOT NULL,
	chance_score  REAL NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	keywords      TEXT NOT NULL DEFAULT '[]',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS deliveries (
	id            TEXT PRIMARY KEY,
	criterion_id  TEXT NOT NULL REFERENCES criteria(id),
	document_id   TEXT NOT NULL REFERENCES documents(id),
	payload       TEXT,
	status_code   INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          REAL NOT NULL DEFAULT 0,
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL UNIQUE,
	balance    REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	key          TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id),
	document_id  TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	amount       REAL NOT NULL,
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	criterion_id   TEXT,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	last_failed_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_criteria_status ON criteria(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_criteria_tenant ON criteria(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verifications_pair ON verifications(document_id, criterion_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func marshalVector(v model.Vector) (*string, error) {
	if v == nil {
		return nil, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal embedding")
	}
	out := string(raw)
	return &out, nil
}

func unmarshalVector(s *string) (model.Vector, error) {
	if s == nil {
		return nil, nil
	}
	var v model.Vector
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
	}
	return v, nil
}

func (s *SQLiteStore) InsertDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	emb, err := marshalVector(doc.Embedding)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, source, tenant_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, string(doc.Source), doc.TenantID, doc.Content, emb, fmtTime(doc.CreatedAt))
	return eris.Wrap(err, "sqlite: insert document")
}

func (s *SQLiteStore) InsertDocuments(ctx context.Context, docs []model.Document) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin bulk insert")
	}
	defer func() { _ = tx.Rollback() }()

	var n int64
	now := time.Now().UTC()
	for i := range docs {
		d := &docs[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		emb, err := marshalVector(d.Embedding)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO documents (id, source, tenant_id, content, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
			d.ID, string(d.Source), d.TenantID, d.Content, emb, fmtTime(d.CreatedAt)); err != nil {
			return 0, eris.Wrap(err, "sqlite: bulk insert document")
		}
		n++
	}
	return n, eris.Wrap(tx.Commit(), "sqlite: commit bulk insert")
}

func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var (
		doc       model.Document
		source    string
		emb       *string
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, tenant_id, content, embedding, created_at FROM documents WHERE id = ?`, id).
		Scan(&doc.ID, &source, &doc.TenantID, &doc.Content, &emb, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get document")
	}
	doc.Source = model.DocumentSource(source)
	if doc.Embedding, err = unmarshalVector(emb); err != nil {
		return nil, err
	}
	if doc.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *SQLiteStore) SetDocumentEmbedding(ctx context.Context, id string, emb model.Vector) error {
	raw, err := marshalVector(emb)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET embedding = ? WHERE id = ? AND embedding IS NULL`, raw, id)
	if err != nil {
		return eris.Wrap(err, "sqlite: set document embedding")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: set embedding rows")
	}
	if n == 0 {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM documents WHERE id = ?)`, id).Scan(&exists); err != nil {
			return eris.Wrap(err, "sqlite: check document")
		}
		if exists {
			return ErrEmbeddingAlreadySet
		}
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertCriterion(ctx context.Context, c *model.Criterion) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = model.StatusActive
	}

	emb, err := marshalVector(c.Embedding)
	if err != nil {
		return err
	}
	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal keywords")
	}
	target, err := json.Marshal(c.Target)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal target")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO criteria (id, tenant_id, prompt, embedding, keywords, target, recurring, expires_at, model, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.TenantID, c.Prompt, emb, string(keywords), string(target),
		c.Recurring, fmtTime(c.ExpiresAt), c.Model, string(c.Status), fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt))
	return eris.Wrap(err, "sqlite: insert criterion")
}

type sqliteRowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanCriterion(sc sqliteRowScanner) (*model.Criterion, error) {
	var (
		c         model.Criterion
		emb       string
		keywords  string
		target    string
		status    string
		expiresAt string
		createdAt string
		updatedAt string
	)
	err := sc.Scan(&c.ID, &c.TenantID, &c.Prompt, &emb, &keywords, &target,
		&c.Recurring, &expiresAt, &c.Model, &status, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan criterion")
	}
	c.Status = model.CriterionStatus(status)
	if c.Embedding, err = unmarshalVector(&emb); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(keywords), &c.Keywords); err != nil {
		return nil, eris.Wrap(err, "sqlite: criterion keywords")
	}
	if err := json.Unmarshal([]byte(target), &c.Target); err != nil {
		return nil, eris.Wrap(err, "sqlite: criterion target")
	}
	if c.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

const sqliteCriterionColumns = `id, tenant_id, prompt, embedding, keywords, target, recurring, expires_at, model, status, created_at, updated_at`

func (s *SQLiteStore) GetCriterion(ctx context.Context, id string) (*model.Criterion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCriterionColumns+` FROM criteria WHERE id = ?`, id)
	return s.scanCriterion(row)
}

func (s *SQLiteStore) ListCriteria(ctx context.Context, f CriterionFilter) ([]model.Criterion, error) {
	b := sq.Select("id", "tenant_id", "prompt", "embedding", "keywords", "target",
		"recurring", "expires_at", "model", "status", "created_at", "updated_at").
		From("criteria").
		OrderBy("created_at DESC")
	if f.TenantID != "" {
		b = b.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.Status != "" {
		b = b.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list query")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list criteria")
	}
	defer rows.Close()

	var out []model.Criterion
	for rows.Next() {
		c, err := s.scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list criteria rows")
}

// FindCandidates loads matchable, unexpired criteria and filters by cosine
// distance in process. The result ordering matches the Postgres backend:
// ascending distance, then creation time.
func (s *SQLiteStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Candidate, error) {
	b := sq.Select(sqliteCriterionColumns).
		From("criteria").
		Where(sq.Eq{"status": []string{string(model.StatusActive), string(model.StatusWarned)}}).
		Where(sq.Gt{"expires_at": fmtTime(q.Now)})
	if q.TenantID != nil {
		b = b.Where(sq.Eq{"tenant_id": *q.TenantID})
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build candidate query")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		c, err := s.scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		dist, err := q.Embedding.CosineDistance(c.Embedding)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: distance for criterion %s", c.ID)
		}
		if dist <= q.MaxDistance {
			out = append(out, model.Candidate{Criterion: *c, Distance: dist})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: candidate rows")
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Distance != out[j].Distance {
			return out[i].Distance < out[j].Distance
		}
		return out[i].Criterion.CreatedAt.Before(out[j].Criterion.CreatedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *SQLiteStore) CancelCriterion(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE criteria SET status = ?, updated_at = ? WHERE id = ? AND status IN ('active', 'warned')`,
		string(model.StatusCancelled), fmtTime(time.Now()), id)
	if err != nil {
		return eris.Wrap(err, "sqlite: cancel criterion")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: cancel rows")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ExpireCriteria(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE criteria SET status = ?, updated_at = ? WHERE status IN ('active', 'warned') AND expires_at <= ?`,
		string(model.StatusExpired), fmtTime(now), fmtTime(now))
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: expire criteria")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "sqlite: expire rows")
}

func (s *SQLiteStore) InsertVerification(ctx context.Context, rec *model.VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	keywords, err := json.Marshal(rec.Keywords)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal verification keywords")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO verifications (id, document_id, criterion_id, approved, chance_score, reason, keywords, input_tokens, output_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DocumentID, rec.CriterionID, rec.Approved, rec.ChanceScore, rec.Reason,
		string(keywords), rec.InputTokens, rec.OutputTokens, rec.Cost, fmtTime(rec.CreatedAt))
	return eris.Wrap(err, "sqlite: insert verification")
}

func (s *SQLiteStore) InsertDelivery(ctx context.Context, ev *model.DeliveryEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var payload *string
	if len(ev.Payload) > 0 {
		p := string(ev.Payload)
		payload = &p
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (id, criterion_id, document_id, payload, status_code, attempts, input_tokens, output_tokens, cost, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.CriterionID, ev.DocumentID, payload, ev.StatusCode, ev.Attempts,
		ev.InputTokens, ev.OutputTokens, ev.Cost, fmtTime(ev.CreatedAt))
	return eris.Wrap(err, "sqlite: insert delivery")
}

func (s *SQLiteStore) scanAccount(sc sqliteRowScanner) (*model.Account, error) {
	var (
		a         model.Account
		updatedAt string
	)
	err := sc.Scan(&a.ID, &a.TenantID, &a.Balance, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan account")
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, balance, updated_at FROM accounts WHERE id = ?`, id)
	return s.scanAccount(row)
}

func (s *SQLiteStore) GetAccountByTenant(ctx context.Context, tenantID string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, balance, updated_at FROM accounts WHERE tenant_id = ?`, tenantID)
	return s.scanAccount(row)
}

func (s *SQLiteStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, tenant_id, balance, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET balance = excluded.balance, updated_at = excluded.updated_at`,
		a.ID, a.TenantID, a.Balance, fmtTime(a.UpdatedAt))
	return eris.Wrap(err, "sqlite: upsert account")
}

func (s *SQLiteStore) SettleMatch(ctx context.Context, st Settlement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin settlement")
	}
	defer func() { _ = tx.Rollback() }()

	now := fmtTime(time.Now())

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlements (key, account_id, document_id, criterion_id, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		st.Key, st.AccountID, st.DocumentID, st.CriterionID, st.Amount, now)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert settlement")
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: settlement rows")
	} else if n == 0 {
		return ErrAlreadySettled
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE criteria SET status = ?, updated_at = ? WHERE id = ? AND status IN ('active', 'warned')`,
		string(st.NextStatus), now, st.CriterionID)
	if err != nil {
		return eris.Wrap(err, "sqlite: settlement status update")
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: status rows")
	} else if n == 0 {
		return ErrStaleStatus
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE accounts SET balance = balance - ?, updated_at = ? WHERE id = ?`,
		st.Amount, now, st.AccountID)
	if err != nil {
		return eris.Wrap(err, "sqlite: settlement debit")
	}
	if n, err := res.RowsAffected(); err != nil {
		return eris.Wrap(err, "sqlite: debit rows")
	} else if n == 0 {
		return ErrNotFound
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit settlement")
}

func (s *SQLiteStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.LastFailed.IsZero() {
		e.LastFailed = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, document_id, criterion_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.DocumentID, nullIfEmpty(e.CriterionID), e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, fmtTime(e.NextRetryAt), fmtTime(e.CreatedAt), fmtTime(e.LastFailed))
	return eris.Wrap(err, "sqlite: enqueue dead letter")
}

func (s *SQLiteStore) DequeueDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	b := sq.Select("id", "document_id", "criterion_id", "error", "error_type",
		"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at").
		From("dead_letters").
		OrderBy("next_retry_at ASC")
	if f.ErrorType != "" {
		b = b.Where(sq.Eq{"error_type": f.ErrorType})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build dlq query")
	}
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: dequeue dead letters")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var (
			e          resilience.DLQEntry
			crit       *string
			nextRetry  string
			createdAt  string
			lastFailed string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &crit, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &nextRetry, &createdAt, &lastFailed); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan dead letter")
		}
		if crit != nil {
			e.CriterionID = *crit
		}
		if e.NextRetryAt, err = parseTime(nextRetry); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if e.LastFailed, err = parseTime(lastFailed); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: dead letter rows")
}

func (s *SQLiteStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	return eris.Wrap(err, "sqlite: remove dead letter")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dead letters")
}

func (s *SQLiteStore) Metrics(ctx context.Context, since time.Time) (*Metrics, error) {
	var m Metrics
	sinceStr := fmtTime(since)

	err := s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(approved), 0), COALESCE(sum(cost), 0) FROM verifications WHERE created_at >= ?`,
		sinceStr).Scan(&m.Verifications, &m.Approved, &m.SpendUSD)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: verification metrics")
	}

	var deliverySpend float64
	err = s.db.QueryRowContext(ctx,
		`SELECT count(*), COALESCE(sum(status_code >= 400), 0), COALESCE(sum(cost), 0) FROM deliveries WHERE created_at >= ?`,
		sinceStr).Scan(&m.Deliveries, &m.DeliveryFailures, &deliverySpend)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: delivery metrics")
	}
	m.SpendUSD += deliverySpend

	if m.DeadLetters, err = s.CountDLQ(ctx); err != nil {
		return nil, err
	}
	return &m, nil
}

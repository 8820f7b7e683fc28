package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/watchtower-hq/watchtower/internal/db"
	"github.com/watchtower-hq/watchtower/internal/model"
	"github.com/watchtower-hq/watchtower/internal/resilience"
)

// PostgresStore implements Store using pgxpool. Vector similarity runs in
// SQL via the pgvector cosine distance operator.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists the hottest queries, prepared on each new
// connection.
var preparedStatements = map[string]string{
	"insert_verification": `INSERT INTO verifications (id, document_id, criterion_id, approved, chance_score, reason, keywords, input_tokens, output_tokens, cost, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
	"insert_delivery":     `INSERT INTO deliveries (id, criterion_id, document_id, payload, status_code, attempts, input_tokens, output_tokens, cost, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
	"get_document":        `SELECT id, source, tenant_id, content, embedding::text, created_at FROM documents WHERE id = $1`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool. Used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS documents (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	tenant_id  TEXT,
	content    TEXT NOT NULL,
	embedding  VECTOR(1024),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS criteria (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	prompt     TEXT NOT NULL,
	embedding  VECTOR(1024) NOT NULL,
	keywords   JSONB NOT NULL DEFAULT '[]',
	target     JSONB NOT NULL,
	recurring  BOOLEAN NOT NULL DEFAULT FALSE,
	expires_at TIMESTAMPTZ NOT NULL,
	model      TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS verifications (
	id            TEXT PRIMARY KEY,
	document_id   TEXT NOT NULL REFERENCES documents(id),
	criterion_id  TEXT NOT NULL REFERENCES criteria(id),
	approved      BOOLEAN NOT NULL,
	chance_score  DOUBLE PRECISION NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	keywords      JSONB NOT NULL DEFAULT '[]',
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS deliveries (
	id            TEXT PRIMARY KEY,
	criterion_id  TEXT NOT NULL REFERENCES criteria(id),
	document_id   TEXT NOT NULL REFERENCES documents(id),
	payload       JSONB,
	status_code   INTEGER NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 1,
	input_tokens  INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost          DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS accounts (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL UNIQUE,
	balance    DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS settlements (
	key          TEXT PRIMARY KEY,
	account_id   TEXT NOT NULL REFERENCES accounts(id),
	document_id  TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	amount       DOUBLE PRECISION NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dead_letters (
	id             TEXT PRIMARY KEY,
	document_id    TEXT NOT NULL,
	criterion_id   TEXT,
	error          TEXT NOT NULL,
	error_type     TEXT NOT NULL,
	retry_count    INTEGER NOT NULL DEFAULT 0,
	max_retries    INTEGER NOT NULL DEFAULT 3,
	next_retry_at  TIMESTAMPTZ NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_failed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_criteria_status_expiry ON criteria(status, expires_at);
CREATE INDEX IF NOT EXISTS idx_criteria_tenant ON criteria(tenant_id);
CREATE INDEX IF NOT EXISTS idx_verifications_pair ON verifications(document_id, criterion_id);
CREATE INDEX IF NOT EXISTS idx_deliveries_criterion ON deliveries(criterion_id);
CREATE INDEX IF NOT EXISTS idx_dead_letters_next_retry ON dead_letters(next_retry_at);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// Pool exposes the underlying pool for subsystems needing direct access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

func (s *PostgresStore) InsertDocument(ctx context.Context, doc *model.Document) error {
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	var emb *string
	if doc.Embedding != nil {
		v := doc.Embedding.PgString()
		emb = &v
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO documents (id, source, tenant_id, content, embedding, created_at) VALUES ($1, $2, $3, $4, $5::vector, $6)`,
		doc.ID, string(doc.Source), doc.TenantID, doc.Content, emb, doc.CreatedAt)
	return eris.Wrap(err, "postgres: insert document")
}

func (s *PostgresStore) InsertDocuments(ctx context.Context, docs []model.Document) (int64, error) {
	rows := make([][]any, 0, len(docs))
	now := time.Now().UTC()
	for i := range docs {
		d := &docs[i]
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		var emb *string
		if d.Embedding != nil {
			v := d.Embedding.PgString()
			emb = &v
		}
		rows = append(rows, []any{d.ID, string(d.Source), d.TenantID, d.Content, emb, d.CreatedAt})
	}
	return db.CopyFrom(ctx, s.pool, "documents",
		[]string{"id", "source", "tenant_id", "content", "embedding", "created_at"}, rows)
}

func (s *PostgresStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	var (
		doc     model.Document
		source  string
		embText *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, tenant_id, content, embedding::text, created_at FROM documents WHERE id = $1`,
		id).Scan(&doc.ID, &source, &doc.TenantID, &doc.Content, &embText, &doc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get document")
	}
	doc.Source = model.DocumentSource(source)
	if embText != nil {
		emb, err := model.ParsePgVector(*embText)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: document embedding")
		}
		doc.Embedding = emb
	}
	return &doc, nil
}

func (s *PostgresStore) SetDocumentEmbedding(ctx context.Context, id string, emb model.Vector) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE documents SET embedding = $1::vector WHERE id = $2 AND embedding IS NULL`,
		emb.PgString(), id)
	if err != nil {
		return eris.Wrap(err, "postgres: set document embedding")
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a second write.
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`, id).Scan(&exists); err != nil {
			return eris.Wrap(err, "postgres: check document")
		}
		if exists {
			return ErrEmbeddingAlreadySet
		}
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertCriterion(ctx context.Context, c *model.Criterion) error {
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

	keywords, err := json.Marshal(c.Keywords)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal keywords")
	}
	target, err := json.Marshal(c.Target)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal target")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO criteria (id, tenant_id, prompt, embedding, keywords, target, recurring, expires_at, model, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::vector, $5, $6, $7, $8, $9, $10, $11, $12)`,
		c.ID, c.TenantID, c.Prompt, c.Embedding.PgString(), keywords, target,
		c.Recurring, c.ExpiresAt, c.Model, string(c.Status), c.CreatedAt, c.UpdatedAt)
	return eris.Wrap(err, "postgres: insert criterion")
}

const criterionColumns = `id, tenant_id, prompt, embedding::text, keywords, target, recurring, expires_at, model, status, created_at, updated_at`

func scanCriterion(row pgx.Row) (*model.Criterion, error) {
	var (
		c        model.Criterion
		embText  string
		keywords []byte
		target   []byte
		status   string
	)
	err := row.Scan(&c.ID, &c.TenantID, &c.Prompt, &embText, &keywords, &target,
		&c.Recurring, &c.ExpiresAt, &c.Model, &status, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan criterion")
	}
	c.Status = model.CriterionStatus(status)
	if c.Embedding, err = model.ParsePgVector(embText); err != nil {
		return nil, eris.Wrap(err, "postgres: criterion embedding")
	}
	if err := json.Unmarshal(keywords, &c.Keywords); err != nil {
		return nil, eris.Wrap(err, "postgres: criterion keywords")
	}
	if err := json.Unmarshal(target, &c.Target); err != nil {
		return nil, eris.Wrap(err, "postgres: criterion target")
	}
	return &c, nil
}

func (s *PostgresStore) GetCriterion(ctx context.Context, id string) (*model.Criterion, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+criterionColumns+` FROM criteria WHERE id = $1`, id)
	return scanCriterion(row)
}

func (s *PostgresStore) ListCriteria(ctx context.Context, f CriterionFilter) ([]model.Criterion, error) {
	q := sq.Select("id", "tenant_id", "prompt", "embedding::text", "keywords", "target",
		"recurring", "expires_at", "model", "status", "created_at", "updated_at").
		From("criteria").
		OrderBy("created_at DESC").
		PlaceholderFormat(sq.Dollar)
	if f.TenantID != "" {
		q = q.Where(sq.Eq{"tenant_id": f.TenantID})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list query")
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list criteria")
	}
	defer rows.Close()

	var out []model.Criterion
	for rows.Next() {
		c, err := scanCriterion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list criteria rows")
}

// FindCandidates runs the recall query: matchable status, unexpired,
// cosine distance within the threshold, optionally tenant-scoped. Ordering
// is deterministic: ascending distance, then creation time.
func (s *PostgresStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Candidate, error) {
	vec := q.Embedding.PgString()

	b := sq.Select("id", "tenant_id", "prompt", "keywords", "target",
		"recurring", "expires_at", "model", "status", "created_at", "updated_at").
		Column("embedding <=> ?::vector AS distance", vec).
		From("criteria").
		Where(sq.Eq{"status": []string{string(model.StatusActive), string(model.StatusWarned)}}).
		Where(sq.Gt{"expires_at": q.Now}).
		Where("embedding <=> ?::vector <= ?", vec, q.MaxDistance).
		OrderBy("distance ASC", "created_at ASC").
		PlaceholderFormat(sq.Dollar)
	if q.TenantID != nil {
		b = b.Where(sq.Eq{"tenant_id": *q.TenantID})
	}
	if q.Limit > 0 {
		b = b.Limit(uint64(q.Limit))
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build candidate query")
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	defer rows.Close()

	var out []model.Candidate
	for rows.Next() {
		var (
			c        model.Criterion
			keywords []byte
			target   []byte
			status   string
			dist     float64
		)
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Prompt, &keywords, &target,
			&c.Recurring, &c.ExpiresAt, &c.Model, &status, &c.CreatedAt, &c.UpdatedAt, &dist); err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		c.Status = model.CriterionStatus(status)
		if err := json.Unmarshal(keywords, &c.Keywords); err != nil {
			return nil, eris.Wrap(err, "postgres: candidate keywords")
		}
		if err := json.Unmarshal(target, &c.Target); err != nil {
			return nil, eris.Wrap(err, "postgres: candidate target")
		}
		out = append(out, model.Candidate{Criterion: c, Distance: dist})
	}
	return out, eris.Wrap(rows.Err(), "postgres: candidate rows")
}

func (s *PostgresStore) CancelCriterion(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE criteria SET status = $1, updated_at = now() WHERE id = $2 AND status IN ('active', 'warned')`,
		string(model.StatusCancelled), id)
	if err != nil {
		return eris.Wrap(err, "postgres: cancel criterion")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ExpireCriteria(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE criteria SET status = $1, updated_at = now() WHERE status IN ('active', 'warned') AND expires_at <= $2`,
		string(model.StatusExpired), now)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: expire criteria")
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertVerification(ctx context.Context, rec *model.VerificationRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	keywords, err := json.Marshal(rec.Keywords)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal verification keywords")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO verifications (id, document_id, criterion_id, approved, chance_score, reason, keywords, input_tokens, output_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.DocumentID, rec.CriterionID, rec.Approved, rec.ChanceScore, rec.Reason,
		keywords, rec.InputTokens, rec.OutputTokens, rec.Cost, rec.CreatedAt)
	return eris.Wrap(err, "postgres: insert verification")
}

func (s *PostgresStore) InsertDelivery(ctx context.Context, ev *model.DeliveryEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	var payload any
	if len(ev.Payload) > 0 {
		payload = []byte(ev.Payload)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deliveries (id, criterion_id, document_id, payload, status_code, attempts, input_tokens, output_tokens, cost, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		ev.ID, ev.CriterionID, ev.DocumentID, payload, ev.StatusCode, ev.Attempts,
		ev.InputTokens, ev.OutputTokens, ev.Cost, ev.CreatedAt)
	return eris.Wrap(err, "postgres: insert delivery")
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, balance, updated_at FROM accounts WHERE id = $1`, id).
		Scan(&a.ID, &a.TenantID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get account")
	}
	return &a, nil
}

func (s *PostgresStore) GetAccountByTenant(ctx context.Context, tenantID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, balance, updated_at FROM accounts WHERE tenant_id = $1`, tenantID).
		Scan(&a.ID, &a.TenantID, &a.Balance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get account by tenant")
	}
	return &a, nil
}

func (s *PostgresStore) UpsertAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, tenant_id, balance, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id) DO UPDATE SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`,
		a.ID, a.TenantID, a.Balance, a.UpdatedAt)
	return eris.Wrap(err, "postgres: upsert account")
}

// SettleMatch applies debit and status transition in one transaction.
// The settlement key insert serializes duplicates, the status update is a
// compare-and-set (cancellation wins over a late match), and the balance
// decrement runs as a single UPDATE so concurrent settlements against the
// same account cannot lose updates.
func (s *PostgresStore) SettleMatch(ctx context.Context, st Settlement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin settlement")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO settlements (key, account_id, document_id, criterion_id, amount, created_at)
		 VALUES ($1, $2, $3, $4, $5, now()) ON CONFLICT (key) DO NOTHING`,
		st.Key, st.AccountID, st.DocumentID, st.CriterionID, st.Amount)
	if err != nil {
		return eris.Wrap(err, "postgres: insert settlement")
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadySettled
	}

	tag, err = tx.Exec(ctx,
		`UPDATE criteria SET status = $1, updated_at = now() WHERE id = $2 AND status IN ('active', 'warned')`,
		string(st.NextStatus), st.CriterionID)
	if err != nil {
		return eris.Wrap(err, "postgres: settlement status update")
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleStatus
	}

	tag, err = tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = now() WHERE id = $2`,
		st.Amount, st.AccountID)
	if err != nil {
		return eris.Wrap(err, "postgres: settlement debit")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit settlement")
}

func (s *PostgresStore) EnqueueDLQ(ctx context.Context, e resilience.DLQEntry) error {
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (id, document_id, criterion_id, error, error_type, retry_count, max_retries, next_retry_at, created_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.DocumentID, nullIfEmpty(e.CriterionID), e.Error, e.ErrorType,
		e.RetryCount, e.MaxRetries, e.NextRetryAt, e.CreatedAt, e.LastFailed)
	return eris.Wrap(err, "postgres: enqueue dead letter")
}

func (s *PostgresStore) DequeueDLQ(ctx context.Context, f resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	b := sq.Select("id", "document_id", "criterion_id", "error", "error_type",
		"retry_count", "max_retries", "next_retry_at", "created_at", "last_failed_at").
		From("dead_letters").
		OrderBy("next_retry_at ASC").
		PlaceholderFormat(sq.Dollar)
	if f.ErrorType != "" {
		b = b.Where(sq.Eq{"error_type": f.ErrorType})
	}
	if f.Limit > 0 {
		b = b.Limit(uint64(f.Limit))
	}

	sqlStr, args, err := b.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build dlq query")
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: dequeue dead letters")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		var (
			e    resilience.DLQEntry
			crit *string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &crit, &e.Error, &e.ErrorType,
			&e.RetryCount, &e.MaxRetries, &e.NextRetryAt, &e.CreatedAt, &e.LastFailed); err != nil {
			return nil, eris.Wrap(err, "postgres: scan dead letter")
		}
		if crit != nil {
			e.CriterionID = *crit
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: dead letter rows")
}

func (s *PostgresStore) RemoveDLQ(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	return eris.Wrap(err, "postgres: remove dead letter")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dead letters")
}

func (s *PostgresStore) Metrics(ctx context.Context, since time.Time) (*Metrics, error) {
	var m Metrics
	err := s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE approved), COALESCE(sum(cost), 0) FROM verifications WHERE created_at >= $1`,
		since).Scan(&m.Verifications, &m.Approved, &m.SpendUSD)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: verification metrics")
	}

	var deliverySpend float64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*), count(*) FILTER (WHERE status_code >= 400), COALESCE(sum(cost), 0) FROM deliveries WHERE created_at >= $1`,
		since).Scan(&m.Deliveries, &m.DeliveryFailures, &deliverySpend)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: delivery metrics")
	}
	m.SpendUSD += deliverySpend

	if m.DeadLetters, err = s.CountDLQ(ctx); err != nil {
		return nil, err
	}
	return &m, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

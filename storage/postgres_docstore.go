package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"github.com/ruteri/secretvault/docquery"
	"github.com/ruteri/secretvault/interfaces"
	migrate "github.com/rubenv/sql-migrate"
)

const (
	documentsTable      = "documents"
	documentsCollection = "collection"
	documentsID         = "id"
	documentsDoc        = "doc"
	documentsSeq        = "seq"
	documentsUpdatedAt  = "updated_at"

	pqUniqueViolation = "23505"
)

//go:embed migrations/*.sql
var migrations embed.FS

var migrationSource = &migrate.EmbedFileSystemMigrationSource{
	FileSystem: migrations,
	Root:       "migrations",
}

// MigrateDocuments applies (or reverts) the document store schema and
// returns the number of migrations executed.
func MigrateDocuments(db *sql.DB, direction migrate.MigrationDirection) (int, error) {
	n, err := migrate.Exec(db, "postgres", migrationSource, direction)
	if err != nil {
		return 0, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return n, nil
}

// PostgresDocumentStore stores documents as JSONB rows. Filters on _id are
// evaluated by the database, everything else by docquery.
type PostgresDocumentStore struct {
	db *sql.DB
	sq squirrel.StatementBuilderType
}

// NewPostgresDocumentStore connects to dsn and migrates the schema up.
func NewPostgresDocumentStore(ctx context.Context, dsn string) (*PostgresDocumentStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if _, err := MigrateDocuments(db, migrate.Up); err != nil {
		db.Close()
		return nil, err
	}

	return &PostgresDocumentStore{
		db: db,
		sq: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

func (s *PostgresDocumentStore) Insert(ctx context.Context, collection string, docs []interfaces.Document) error {
	ids, err := checkBatch(docs)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	stmt := s.sq.Insert(documentsTable).Columns(documentsCollection, documentsID, documentsDoc)
	for i, d := range docs {
		raw, err := json.Marshal(d)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
		}
		stmt = stmt.Values(collection, ids[i], string(raw))
	}

	query, args, err := stmt.ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return fmt.Errorf("%w: %s", interfaces.ErrDuplicate, pqErr.Detail)
		}
		return fmt.Errorf("failed to insert documents: %w", err)
	}
	return nil
}

type row struct {
	id  string
	doc interfaces.Document
}

// selectMatching loads the matching rows of collection. q may be a
// transaction.
func (s *PostgresDocumentStore) selectMatching(ctx context.Context, q squirrel.QueryerContext, collection string, filter interfaces.Filter, forUpdate bool) ([]row, error) {
	where := squirrel.Eq{documentsCollection: collection}
	if id, ok := filter["_id"].(string); ok {
		where[documentsID] = id
	}

	stmt := s.sq.Select(documentsID, documentsDoc).
		From(documentsTable).
		Where(where).
		OrderBy(documentsSeq)
	if forUpdate {
		stmt = stmt.Suffix("FOR UPDATE")
	}

	query, args, err := stmt.ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build select: %w", err)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var (
			id  string
			raw []byte
		)
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		var doc interfaces.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("corrupt document %s: %w", id, err)
		}
		ok, err := matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row{id: id, doc: doc})
		}
	}
	return out, rows.Err()
}

func (s *PostgresDocumentStore) Find(ctx context.Context, collection string, filter interfaces.Filter) ([]interfaces.Document, error) {
	rows, err := s.selectMatching(ctx, s.db, collection, filter, false)
	if err != nil {
		return nil, err
	}
	out := make([]interfaces.Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

func (s *PostgresDocumentStore) Update(ctx context.Context, collection string, filter interfaces.Filter, set interfaces.Document) (interfaces.UpdateResult, error) {
	var res interfaces.UpdateResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := s.selectMatching(ctx, tx, collection, filter, true)
	if err != nil {
		return res, err
	}

	for _, r := range rows {
		res.Matched++
		changed, err := docquery.ApplySet(r.doc, set)
		if err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("%w: %v", interfaces.ErrInvalidDocument, err)
		}
		if !changed {
			continue
		}
		raw, err := json.Marshal(r.doc)
		if err != nil {
			return interfaces.UpdateResult{}, err
		}

		query, args, err := s.sq.Update(documentsTable).
			Set(documentsDoc, string(raw)).
			Set(documentsUpdatedAt, squirrel.Expr("now()")).
			Where(squirrel.Eq{documentsCollection: collection, documentsID: r.id}).
			ToSql()
		if err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("failed to build update: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return interfaces.UpdateResult{}, fmt.Errorf("failed to update document %s: %w", r.id, err)
		}
		res.Modified++
	}

	if err := tx.Commit(); err != nil {
		return interfaces.UpdateResult{}, fmt.Errorf("failed to commit update: %w", err)
	}
	return res, nil
}

func (s *PostgresDocumentStore) Delete(ctx context.Context, collection string, filter interfaces.Filter) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := s.selectMatching(ctx, tx, collection, filter, true)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}

	query, args, err := s.sq.Delete(documentsTable).
		Where(squirrel.Eq{documentsCollection: collection, documentsID: ids}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete documents: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete: %w", err)
	}
	return int(n), nil
}

func (s *PostgresDocumentStore) Drop(ctx context.Context, collection string) error {
	query, args, err := s.sq.Delete(documentsTable).
		Where(squirrel.Eq{documentsCollection: collection}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to drop collection: %w", err)
	}
	return nil
}

func (s *PostgresDocumentStore) Close() error {
	return s.db.Close()
}

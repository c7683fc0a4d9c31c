package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"

	"github.com/ruteri/certificate-ledger/interfaces"
)

type certificateRecord struct {
	bun.BaseModel `bun:"table:certificates,alias:c"`

	TokenID   uint64    `bun:"token_id,pk"`
	URI       string    `bun:"uri,notnull,unique"`
	Recipient string    `bun:"recipient,notnull"`
	Issuer    string    `bun:"issuer,notnull"`
	Subject   string    `bun:"subject,notnull"`
	IssuedAt  time.Time `bun:"issued_at,notnull"`
	Revoked   bool      `bun:"revoked,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type checkpointRecord struct {
	bun.BaseModel `bun:"table:index_checkpoint,alias:ic"`

	ID    int    `bun:"id,pk"`
	Block uint64 `bun:"block,notnull"`
}

func newCertificateRecord(rec *interfaces.IndexRecord) *certificateRecord {
	return &certificateRecord{
		TokenID:   uint64(rec.TokenID),
		URI:       rec.URI,
		Recipient: rec.Recipient.Hex(),
		Issuer:    rec.Issuer.Hex(),
		Subject:   rec.Subject,
		IssuedAt:  rec.IssuedAt.UTC(),
		Revoked:   rec.Revoked,
		UpdatedAt: time.Now().UTC(),
	}
}

func (r *certificateRecord) toDomain() *interfaces.IndexRecord {
	return &interfaces.IndexRecord{
		TokenID:   interfaces.TokenID(r.TokenID),
		URI:       r.URI,
		Recipient: common.HexToAddress(r.Recipient),
		Issuer:    common.HexToAddress(r.Issuer),
		Subject:   r.Subject,
		IssuedAt:  r.IssuedAt.UTC(),
		Revoked:   r.Revoked,
	}
}

// SQLIndex stores the index in a relational database through bun. SQLite and
// PostgreSQL are supported; see Open for the DSN formats.
type SQLIndex struct {
	db *bun.DB
}

var _ Store = (*SQLIndex)(nil)

// NewSQLIndex wraps db and creates the schema if it does not exist yet.
func NewSQLIndex(ctx context.Context, db *bun.DB) (*SQLIndex, error) {
	if db == nil {
		return nil, fmt.Errorf("index: bun db is required")
	}
	idx := &SQLIndex{db: db}
	if err := idx.migrate(ctx); err != nil {
		return nil, fmt.Errorf("index: migrate: %w", err)
	}
	return idx, nil
}

func (s *SQLIndex) migrate(ctx context.Context) error {
	for _, model := range []interface{}{(*certificateRecord)(nil), (*checkpointRecord)(nil)} {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return err
		}
	}
	for name, column := range map[string]string{
		"certificates_issuer_idx":    "issuer",
		"certificates_recipient_idx": "recipient",
	} {
		if _, err := s.db.NewCreateIndex().
			Model((*certificateRecord)(nil)).
			Index(name).
			Column(column).
			IfNotExists().
			Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// isUniqueViolation reports constraint violations from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func (s *SQLIndex) Put(ctx context.Context, rec *interfaces.IndexRecord) error {
	if rec.TokenID == 0 {
		return fmt.Errorf("index record without token id")
	}
	row := newCertificateRecord(rec)

	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var revoked bool
		err := tx.NewSelect().
			Model((*certificateRecord)(nil)).
			Column("revoked").
			Where("token_id = ?", row.TokenID).
			Scan(ctx, &revoked)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		row.Revoked = row.Revoked || revoked

		_, err = tx.NewInsert().
			Model(row).
			On("CONFLICT (token_id) DO UPDATE").
			Set("uri = EXCLUDED.uri").
			Set("recipient = EXCLUDED.recipient").
			Set("issuer = EXCLUDED.issuer").
			Set("subject = EXCLUDED.subject").
			Set("issued_at = EXCLUDED.issued_at").
			Set("revoked = EXCLUDED.revoked").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: uri already indexed for another token", interfaces.ErrDuplicateMetadata)
		}
		return fmt.Errorf("index: put token %d: %w", rec.TokenID, err)
	}
	return nil
}

func (s *SQLIndex) MarkRevoked(ctx context.Context, id interfaces.TokenID) error {
	_, err := s.db.NewUpdate().
		Model((*certificateRecord)(nil)).
		Set("revoked = ?", true).
		Set("updated_at = ?", time.Now().UTC()).
		Where("token_id = ?", uint64(id)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("index: revoke token %d: %w", id, err)
	}
	return nil
}

func (s *SQLIndex) selectOne(ctx context.Context, column string, value interface{}) (*interfaces.IndexRecord, error) {
	row := &certificateRecord{}
	err := s.db.NewSelect().
		Model(row).
		Where("?TableAlias.? = ?", bun.Ident(column), value).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s not indexed", interfaces.ErrNotFound, column)
	}
	if err != nil {
		return nil, fmt.Errorf("index: select by %s: %w", column, err)
	}
	return row.toDomain(), nil
}

func (s *SQLIndex) Get(ctx context.Context, id interfaces.TokenID) (*interfaces.IndexRecord, error) {
	return s.selectOne(ctx, "token_id", uint64(id))
}

func (s *SQLIndex) ByURI(ctx context.Context, uri string) (*interfaces.IndexRecord, error) {
	return s.selectOne(ctx, "uri", uri)
}

func (s *SQLIndex) selectMany(ctx context.Context, column string, addr common.Address) ([]*interfaces.IndexRecord, error) {
	var rows []certificateRecord
	err := s.db.NewSelect().
		Model(&rows).
		Where("?TableAlias.? = ?", bun.Ident(column), addr.Hex()).
		OrderExpr("?TableAlias.token_id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("index: select by %s: %w", column, err)
	}
	out := make([]*interfaces.IndexRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

func (s *SQLIndex) ByIssuer(ctx context.Context, issuer common.Address) ([]*interfaces.IndexRecord, error) {
	return s.selectMany(ctx, "issuer", issuer)
}

func (s *SQLIndex) ByRecipient(ctx context.Context, recipient common.Address) ([]*interfaces.IndexRecord, error) {
	return s.selectMany(ctx, "recipient", recipient)
}

func (s *SQLIndex) Checkpoint(ctx context.Context) (uint64, error) {
	row := &checkpointRecord{}
	err := s.db.NewSelect().Model(row).Where("?TableAlias.id = 1").Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("index: read checkpoint: %w", err)
	}
	return row.Block, nil
}

func (s *SQLIndex) SetCheckpoint(ctx context.Context, block uint64) error {
	_, err := s.db.NewInsert().
		Model(&checkpointRecord{ID: 1, Block: block}).
		On("CONFLICT (id) DO UPDATE").
		Set("block = EXCLUDED.block").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("index: write checkpoint: %w", err)
	}
	return nil
}

func (s *SQLIndex) Reset(ctx context.Context) error {
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().Model((*certificateRecord)(nil)).Where("1 = 1").Exec(ctx); err != nil {
			return err
		}
		_, err := tx.NewDelete().Model((*checkpointRecord)(nil)).Where("1 = 1").Exec(ctx)
		return err
	})
}

func (s *SQLIndex) Close() error {
	return s.db.Close()
}

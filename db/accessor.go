package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/kisielk/sqlstruct"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/rkcloudchain/simplepki/ca"
	"github.com/rkcloudchain/simplepki/domain"
)

func init() {
	sqlstruct.TagName = "db"
}

const (
	insertEndEntity = `
INSERT INTO end_entities (serial_number, version, subject, not_valid_before, not_valid_after, certificate, revocation_date, revocation_reason)
VALUES (:serial_number, :version, :subject, :not_valid_before, :not_valid_after, :certificate, :revocation_date, :revocation_reason);`

	updateEndEntity = `
UPDATE end_entities
SET version = :version, subject = :subject, not_valid_before = :not_valid_before, not_valid_after = :not_valid_after,
	certificate = :certificate, revocation_date = :revocation_date, revocation_reason = :revocation_reason
	WHERE (serial_number = :serial_number AND version = :expected_version);`

	selectEndEntity = `
SELECT %s FROM end_entities
	WHERE (serial_number = ?);`

	selectRevoked = `
SELECT %s FROM end_entities
	WHERE (revocation_date IS NOT NULL)
	ORDER BY revocation_date, serial_number;`
)

// EndEntityRecord is the row layout of the end_entities table
type EndEntityRecord struct {
	SerialNumber     int64        `db:"serial_number"`
	Version          int          `db:"version"`
	Subject          string       `db:"subject"`
	NotValidBefore   sql.NullTime `db:"not_valid_before"`
	NotValidAfter    sql.NullTime `db:"not_valid_after"`
	Certificate      string       `db:"certificate"`
	RevocationDate   sql.NullTime `db:"revocation_date"`
	RevocationReason int          `db:"revocation_reason"`
}

type updateArgs struct {
	EndEntityRecord
	ExpectedVersion int `db:"expected_version"`
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func newRecord(e *domain.EndEntity) EndEntityRecord {
	rec := EndEntityRecord{
		SerialNumber:     int64(e.SerialNumber),
		Version:          e.Version,
		Subject:          e.Subject,
		NotValidBefore:   nullTime(e.NotValidBefore),
		NotValidAfter:    nullTime(e.NotValidAfter),
		Certificate:      e.Certificate,
		RevocationReason: e.RevocationReason,
	}
	if e.RevocationDate != nil {
		rec.RevocationDate = nullTime(*e.RevocationDate)
	}
	return rec
}

// EndEntity converts the row to its domain form
func (r *EndEntityRecord) EndEntity() *domain.EndEntity {
	e := &domain.EndEntity{
		SerialNumber:     domain.SerialNumber(r.SerialNumber),
		Version:          r.Version,
		Subject:          r.Subject,
		Certificate:      r.Certificate,
		RevocationReason: r.RevocationReason,
	}
	if r.NotValidBefore.Valid {
		e.NotValidBefore = r.NotValidBefore.Time.UTC()
	}
	if r.NotValidAfter.Valid {
		e.NotValidAfter = r.NotValidAfter.Time.UTC()
	}
	if r.RevocationDate.Valid {
		d := r.RevocationDate.Time.UTC()
		e.RevocationDate = &d
	}
	return e
}

// Accessor implements ca.Store on a SQL database
type Accessor struct {
	db *DB
}

var _ ca.Store = (*Accessor)(nil)

// NewDBAccessor is a constructor for the database API
func NewDBAccessor(db *DB) *Accessor {
	return &Accessor{db}
}

func (d *Accessor) checkDB() error {
	if d.db == nil {
		return errors.New("Failed to correctly setup database connection")
	}
	return nil
}

// SetDB changes the underlying sql.DB object Accessor is manipulating.
func (d *Accessor) SetDB(db *DB) {
	d.db = db
}

// FindByID implements ca.Store
func (d *Accessor) FindByID(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	if err := d.checkDB(); err != nil {
		return nil, false, err
	}
	return findByID(ctx, d.db, serial)
}

// Save implements ca.Store
func (d *Accessor) Save(ctx context.Context, e *domain.EndEntity) error {
	if err := d.checkDB(); err != nil {
		return err
	}
	return save(ctx, d.db, e)
}

// AllRevocations implements ca.Store
func (d *Accessor) AllRevocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	if err := d.checkDB(); err != nil {
		return nil, err
	}
	return allRevocations(ctx, d.db)
}

// Begin implements ca.Store
func (d *Accessor) Begin(ctx context.Context) (ca.Tx, error) {
	if err := d.checkDB(); err != nil {
		return nil, err
	}
	tx, err := d.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to begin database transaction")
	}
	return &Tx{tx: tx}, nil
}

// Tx is a database transaction over the end_entities table
type Tx struct {
	tx *sqlx.Tx
}

// FindByID implements ca.Tx
func (t *Tx) FindByID(ctx context.Context, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	return findByID(ctx, t.tx, serial)
}

// Save implements ca.Tx
func (t *Tx) Save(ctx context.Context, e *domain.EndEntity) error {
	return save(ctx, t.tx, e)
}

// AllRevocations implements ca.Tx
func (t *Tx) AllRevocations(ctx context.Context) ([]domain.RevocationEntry, error) {
	return allRevocations(ctx, t.tx)
}

// Commit implements ca.Tx
func (t *Tx) Commit() error {
	err := t.tx.Commit()
	if err != nil {
		if isDuplicateKey(err) {
			return errors.Wrap(ca.ErrDuplicateSerial, err.Error())
		}
		return errors.Wrap(err, "Error encountered while committing transaction")
	}
	return nil
}

// Rollback implements ca.Tx
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Wrap(err, "Error encountered while rolling back transaction")
	}
	return nil
}

func findByID(ctx context.Context, q sqlx.ExtContext, serial domain.SerialNumber) (*domain.EndEntity, bool, error) {
	log.Debugf("DB: Getting certificate record %s", serial)

	var rec EndEntityRecord
	query := q.Rebind(fmtColumns(selectEndEntity))
	err := sqlx.GetContext(ctx, q, &rec, query, int64(serial))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "Failed to get certificate record %s", serial)
	}
	return rec.EndEntity(), true, nil
}

func save(ctx context.Context, q sqlx.ExtContext, e *domain.EndEntity) error {
	if e == nil {
		return errors.New("Certificate record is not defined")
	}

	if e.Version == 0 {
		log.Debugf("DB: Add certificate record %s", e.SerialNumber)
		rec := newRecord(e)
		rec.Version = 1
		res, err := sqlx.NamedExecContext(ctx, q, insertEndEntity, &rec)
		if err != nil {
			if isDuplicateKey(err) {
				return errors.Wrapf(ca.ErrDuplicateSerial, "serial %s", e.SerialNumber)
			}
			return errors.Wrapf(err, "Error adding certificate record %s to the database", e.SerialNumber)
		}
		if err = checkOneRow(res); err != nil {
			return err
		}
		e.Version = 1
		return nil
	}

	log.Debugf("DB: Update certificate record %s at version %d", e.SerialNumber, e.Version)
	args := updateArgs{EndEntityRecord: newRecord(e), ExpectedVersion: e.Version}
	args.Version = e.Version + 1
	res, err := sqlx.NamedExecContext(ctx, q, updateEndEntity, &args)
	if err != nil {
		return errors.Wrapf(err, "Failed to update certificate record %s", e.SerialNumber)
	}
	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected == 0 {
		return errors.Wrapf(ca.ErrConflict, "serial %s, version %d", e.SerialNumber, e.Version)
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected one certificate record to be updated, but %d records were updated", numRowsAffected)
	}
	e.Version++
	return nil
}

func allRevocations(ctx context.Context, q sqlx.ExtContext) ([]domain.RevocationEntry, error) {
	var recs []EndEntityRecord
	err := sqlx.SelectContext(ctx, q, &recs, q.Rebind(fmtColumns(selectRevoked)))
	if err != nil {
		return nil, errors.Wrap(err, "Failed to get revoked certificate records")
	}
	entries := make([]domain.RevocationEntry, 0, len(recs))
	for i := range recs {
		if entry, ok := recs[i].EndEntity().RevocationEntry(); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func checkOneRow(res sql.Result) error {
	numRowsAffected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if numRowsAffected == 0 {
		return errors.New("Failed to add certificate record to the database")
	}
	if numRowsAffected != 1 {
		return errors.Errorf("Expected to add one record to the database, but %d records were added", numRowsAffected)
	}
	return nil
}

func isDuplicateKey(err error) bool {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

func fmtColumns(query string) string {
	return fmt.Sprintf(query, sqlstruct.Columns(EndEntityRecord{}))
}

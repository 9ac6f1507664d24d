package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rkcloudchain/simplepki/db/dbtest"
	"github.com/rkcloudchain/simplepki/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMySQL(t *testing.T) {
	dsn := os.Getenv("SIMPLE_PKI_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("SIMPLE_PKI_TEST_MYSQL_DSN is not set")
	}
	db, err := NewMySQL(dsn)
	require.NoError(t, err)
	defer db.Close()
	assert.True(t, db.IsInitialized())

	dbtest.RunStoreTests(t, NewDBAccessor(db), freshBase())
}

func TestPostgres(t *testing.T) {
	dsn := os.Getenv("SIMPLE_PKI_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SIMPLE_PKI_TEST_POSTGRES_DSN is not set")
	}
	db, err := NewPostgres(dsn)
	require.NoError(t, err)
	defer db.Close()

	dbtest.RunStoreTests(t, NewDBAccessor(db), freshBase())
}

func freshBase() domain.SerialNumber {
	return domain.SerialNumber(time.Now().UnixNano() &^ 0xFF)
}

func TestAccessorWithoutDB(t *testing.T) {
	ctx := context.Background()
	accessor := NewDBAccessor(nil)
	_, _, err := accessor.FindByID(ctx, 1)
	assert.Error(t, err)
	assert.Error(t, accessor.Save(ctx, domain.NewReservation(1)))
	_, err = accessor.Begin(ctx)
	assert.Error(t, err)
}

func TestRecordConversion(t *testing.T) {
	at := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	e := &domain.EndEntity{
		SerialNumber:   0x1234,
		Version:        3,
		Subject:        "CN=a",
		NotValidBefore: at,
		NotValidAfter:  time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC),
		Certificate:    "pem",
	}
	e.Revoke(at, 9)

	rec := newRecord(e)
	assert.Equal(t, int64(0x1234), rec.SerialNumber)
	assert.True(t, rec.RevocationDate.Valid)
	assert.Equal(t, e, rec.EndEntity())

	reservation := newRecord(domain.NewReservation(5))
	assert.False(t, reservation.NotValidBefore.Valid)
	assert.False(t, reservation.RevocationDate.Valid)
	assert.False(t, reservation.EndEntity().IsRevoked())
}

func TestGetDBName(t *testing.T) {
	assert.Equal(t, "simple_pki", getDBName("root:secret@tcp(localhost:3306)/simple_pki?parseTime=true"))
	assert.Equal(t, "simple_pki", getDBName("host=localhost port=5432 user=admin password=x dbname=simple_pki sslmode=disable"))
	assert.Equal(t, "", getDBName("host=localhost"))
}

func TestGetConnStr(t *testing.T) {
	assert.Equal(t, "host=localhost dbname=postgres sslmode=disable",
		getConnStr("host=localhost dbname=simple_pki sslmode=disable", "postgres"))
}

func TestMakeDBCred(t *testing.T) {
	assert.Equal(t, "****:****@tcp(localhost:3306)/simple_pki", MakeDBCred("root:secret@tcp(localhost:3306)/simple_pki"))
	assert.Equal(t, "host=localhost user=**** password=**** dbname=pki",
		MakeDBCred("host=localhost user=admin password=secret dbname=pki"))
}

func TestNormalizeMySQLDSN(t *testing.T) {
	dsn, err := normalizeMySQLDSN("root:secret@tcp(localhost:3306)/simple_pki")
	require.NoError(t, err)
	assert.Contains(t, dsn, "parseTime=true")
	assert.Equal(t, "simple_pki", getDBName(dsn))

	_, err = normalizeMySQLDSN("not a dsn")
	assert.Error(t, err)
}

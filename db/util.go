package db

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/log"
	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"github.com/pkg/errors"
)

var (
	dbURLRegex = regexp.MustCompile("(Datasource:\\s*)?(\\S+):(\\S+)@|(Datasource:.*\\s)?(user=\\S+).*\\s(password=\\S+)|(Datasource:.*\\s)?(password=\\S+).*\\s(user=\\S+)")
)

const (
	mysqlCreateTable = `
CREATE TABLE IF NOT EXISTS end_entities (
	serial_number BIGINT NOT NULL,
	version INTEGER NOT NULL,
	subject VARCHAR(1024) NOT NULL DEFAULT '',
	not_valid_before DATETIME(3) NULL,
	not_valid_after DATETIME(3) NULL,
	certificate TEXT NOT NULL,
	revocation_date DATETIME(3) NULL,
	revocation_reason INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (serial_number)
) DEFAULT CHARSET=utf8mb4;`

	postgresCreateTable = `
CREATE TABLE IF NOT EXISTS end_entities (
	serial_number BIGINT NOT NULL PRIMARY KEY,
	version INTEGER NOT NULL,
	subject VARCHAR(1024) NOT NULL DEFAULT '',
	not_valid_before TIMESTAMP NULL,
	not_valid_after TIMESTAMP NULL,
	certificate TEXT NOT NULL DEFAULT '',
	revocation_date TIMESTAMP NULL,
	revocation_reason INTEGER NOT NULL DEFAULT 0
);`
)

// DB is an adapter for sqlx.DB
type DB struct {
	*sqlx.DB
	IsDBInitialized bool
}

// IsInitialized returns true if the tables have been created
func (db *DB) IsInitialized() bool {
	return db.IsDBInitialized
}

// NewMySQL opens a connection to a MySQL database, creating the database and
// its tables if needed
func NewMySQL(datasource string) (*DB, error) {
	log.Debugf("Using MySQL database, connecting to database...")

	datasource, err := normalizeMySQLDSN(datasource)
	if err != nil {
		return nil, err
	}

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	re := regexp.MustCompile(`\/([0-9,a-z,A-Z$_]+)`)
	connStr := re.ReplaceAllString(datasource, "/")

	log.Debugf("Connecting to MySQL server, using connection string: %s", MakeDBCred(connStr))
	db, err := sqlx.Open("mysql", connStr)
	if err != nil {
		return nil, errors.Wrap(err, "Failed to open MySQL database")
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to connect to MySQL database")
	}

	err = createMySQLDatabase(dbName, db)
	db.Close()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create MySQL database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, MakeDBCred(datasource))
	db, err = sqlx.Open("mysql", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database (%s) in MySQL server", dbName)
	}

	err = createTables(db, mysqlCreateTable)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create MySQL tables")
	}

	return &DB{db, true}, nil
}

// Timestamps are scanned into time.Time and kept in UTC
func normalizeMySQLDSN(datasource string) (string, error) {
	cfg, err := mysql.ParseDSN(datasource)
	if err != nil {
		return "", errors.Wrapf(err, "Invalid MySQL datasource '%s'", MakeDBCred(datasource))
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}

func createMySQLDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating MySQL Database (%s) if it does not exists...", dbName)

	_, err := db.Exec("CREATE DATABASE IF NOT EXISTS " + dbName)
	if err != nil {
		return errors.Wrap(err, "Failed to execute create database query")
	}

	return nil
}

// NewPostgres opens a connection to a postgres database, creating the
// database and its tables if needed
func NewPostgres(datasource string) (*DB, error) {
	log.Debugf("Using postgres database, connecting to database...")

	dbName := getDBName(datasource)
	log.Debugf("Database Name: %s", dbName)

	if strings.Contains(dbName, "-") || strings.HasSuffix(dbName, ".db") {
		return nil, errors.Errorf("Database name '%s' cannot contain any '-' or end with '.db'", dbName)
	}

	dbNames := []string{dbName, "postgres", "template1"}
	var db *sqlx.DB
	var pingErr, err error

	for _, name := range dbNames {
		connStr := getConnStr(datasource, name)
		log.Debugf("Connecting to PostgreSQL server, using connection string: %s", MakeDBCred(connStr))

		db, err = sqlx.Open("postgres", connStr)
		if err != nil {
			return nil, errors.Wrap(err, "Failed to open Postgres database")
		}

		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		db.Close()
		log.Warningf("Failed to connect to database '%s'", name)
	}

	if pingErr != nil {
		return nil, errors.Errorf("Failed to connect to Postgres database. Postgres requires connecting to a specific database, the following databases were tried: %s. Please create one of these database before continuing", dbNames)
	}

	err = createPostgresDatabase(dbName, db)
	db.Close()
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create Postgres database")
	}

	log.Debugf("Connecting to database '%s', using connection string: '%s'", dbName, MakeDBCred(datasource))
	db, err = sqlx.Open("postgres", datasource)
	if err != nil {
		return nil, errors.Wrapf(err, "Failed to open database '%s' in Postgres server", dbName)
	}

	err = createTables(db, postgresCreateTable)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "Failed to create Postgres tables")
	}

	return &DB{db, true}, nil
}

func createPostgresDatabase(dbName string, db *sqlx.DB) error {
	log.Debugf("Creating Postgres Database (%s) if it does not exists...", dbName)

	query := "CREATE DATABASE " + dbName
	_, err := db.Exec(query)
	if err != nil {
		if !strings.Contains(err.Error(), fmt.Sprintf("database \"%s\" already exists", dbName)) {
			return errors.Wrap(err, "Failed to execute create database query")
		}
	}

	return nil
}

func createTables(db *sqlx.DB, ddl string) error {
	log.Debug("Creating end_entities table if it does not exist")
	_, err := db.Exec(ddl)
	if err != nil {
		return errors.Wrap(err, "Error creating end_entities table")
	}
	return nil
}

// Gets connection string without database
func getConnStr(datasource string, dbname string) string {
	re := regexp.MustCompile(`(dbname=)([^\s]+)`)
	connStr := re.ReplaceAllString(datasource, fmt.Sprintf("dbname=%s", dbname))
	return connStr
}

// getDBName gets database name from connection string
func getDBName(datasource string) string {
	var dbName string
	datasource = strings.ToLower(datasource)

	re := regexp.MustCompile(`(?:\/([^\/?]+))|(?:dbname=([^\s]+))`)
	getName := re.FindStringSubmatch(datasource)
	if getName != nil {
		dbName = getName[1]
		if dbName == "" {
			dbName = getName[2]
		}
	}

	return dbName
}

// MakeDBCred hides DB credential in connection string
func MakeDBCred(str string) string {
	matches := dbURLRegex.FindStringSubmatch(str)

	if len(matches) == 10 {
		matchIdxs := dbURLRegex.FindStringSubmatchIndex(str)
		substr := str[matchIdxs[0]:matchIdxs[1]]
		for idx := 1; idx < len(matches); idx++ {
			if matches[idx] != "" {
				if strings.Index(matches[idx], "user=") == 0 {
					substr = strings.Replace(substr, matches[idx], "user=****", 1)
				} else if strings.Index(matches[idx], "password=") == 0 {
					substr = strings.Replace(substr, matches[idx], "password=****", 1)
				} else {
					substr = strings.Replace(substr, matches[idx], "****", 1)
				}
			}
		}
		str = str[:matchIdxs[0]] + substr + str[matchIdxs[1]:]
	}
	return str
}

// Package datarecording stores flat records in a SQLite database. Each table
// holds one struct type whose exported fields become the columns.
package datarecording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/fatih/structs"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	// Registers the sqlite3 driver.
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrInvalidEntry is returned for entries that cannot be stored as a row.
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrNoSuchTable is returned when inserting into an unknown table.
	ErrNoSuchTable = errors.New("no such table")

	// ErrFileExists is returned when the database file is already there.
	ErrFileExists = errors.New("database file exists")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("recorder closed")
)

// DefaultBatchSize is how many rows are buffered before an automatic flush.
const DefaultBatchSize = 100000

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DataRecorder is a backend that can record and store data
type DataRecorder interface {
	// CreateTable creates a table whose columns are the fields of
	// sampleEntry.
	CreateTable(tableName string, sampleEntry any) error

	// InsertData buffers one row. Entries must have the sample's type.
	InsertData(tableName string, entry any) error

	// ListTables returns the names of all tables, sorted.
	ListTables() []string

	// Flush writes all buffered rows in one transaction.
	Flush() error

	// Close flushes and releases the database.
	Close() error
}

type table struct {
	structType reflect.Type
	entries    []any
}

// SQLiteRecorder is a DataRecorder writing to a SQLite file.
type SQLiteRecorder struct {
	lock sync.Mutex

	db         *sql.DB
	path       string
	logger     *zap.Logger
	tables     map[string]*table
	batchSize  int
	entryCount int
	closed     bool
}

// New creates the database file name + ".sqlite3". An empty name picks a
// unique one. The recorder flushes when the process exits through atexit.
func New(name string, logger *zap.Logger) (*SQLiteRecorder, error) {
	if name == "" {
		name = "qserver_" + xid.New().String()
	}

	path := name + ".sqlite3"

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrFileExists, path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	r := NewWithDB(db, logger)
	r.path = path

	r.logger.Info("recording to database", zap.String("path", path))

	return r, nil
}

// NewWithDB creates a recorder on an open database.
func NewWithDB(db *sql.DB, logger *zap.Logger) *SQLiteRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &SQLiteRecorder{
		db:        db,
		logger:    logger,
		tables:    make(map[string]*table),
		batchSize: DefaultBatchSize,
	}

	atexit.Register(func() {
		if err := r.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Error("flush at exit failed", zap.Error(err))
		}
	})

	return r
}

// WithBatchSize changes how many rows trigger an automatic flush.
func (r *SQLiteRecorder) WithBatchSize(n int) *SQLiteRecorder {
	r.lock.Lock()
	defer r.lock.Unlock()

	if n < 1 {
		n = 1
	}

	r.batchSize = n

	return r
}

// Path returns the database file, or "" for a recorder built on a given
// database.
func (r *SQLiteRecorder) Path() string {
	return r.path
}

// DB returns the underlying database.
func (r *SQLiteRecorder) DB() *sql.DB {
	return r.db
}

func isAllowedKind(kind reflect.Kind) bool {
	switch kind {
	case
		reflect.Bool,
		reflect.Int,
		reflect.Int8,
		reflect.Int16,
		reflect.Int32,
		reflect.Int64,
		reflect.Uint,
		reflect.Uint8,
		reflect.Uint16,
		reflect.Uint32,
		reflect.Uint64,
		reflect.Float32,
		reflect.Float64,
		reflect.String:
		return true
	default:
		return false
	}
}

func checkStructFields(entry any) error {
	t := reflect.TypeOf(entry)
	if t == nil || t.Kind() != reflect.Struct {
		return fmt.Errorf("%w: %T is not a struct", ErrInvalidEntry, entry)
	}

	if t.NumField() == 0 {
		return fmt.Errorf("%w: %s has no fields", ErrInvalidEntry, t)
	}

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if !field.IsExported() {
			return fmt.Errorf("%w: field %s is not exported",
				ErrInvalidEntry, field.Name)
		}

		if !isAllowedKind(field.Type.Kind()) {
			return fmt.Errorf("%w: field %s has kind %s",
				ErrInvalidEntry, field.Name, field.Type.Kind())
		}
	}

	return nil
}

// CreateTable creates a table for entries shaped like sampleEntry.
func (r *SQLiteRecorder) CreateTable(tableName string, sampleEntry any) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}

	if !tableNamePattern.MatchString(tableName) {
		return fmt.Errorf("%w: bad table name %q", ErrInvalidEntry, tableName)
	}

	if err := checkStructFields(sampleEntry); err != nil {
		return err
	}

	fields := strings.Join(structs.Names(sampleEntry), ", \n\t")
	query := "CREATE TABLE " + tableName + " (\n\t" + fields + "\n);"

	if _, err := r.db.Exec(query); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}

	r.tables[tableName] = &table{structType: reflect.TypeOf(sampleEntry)}

	return nil
}

// InsertData buffers entry for tableName.
func (r *SQLiteRecorder) InsertData(tableName string, entry any) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}

	t, exists := r.tables[tableName]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchTable, tableName)
	}

	if reflect.TypeOf(entry) != t.structType {
		return fmt.Errorf("%w: table %s stores %s, got %T",
			ErrInvalidEntry, tableName, t.structType, entry)
	}

	t.entries = append(t.entries, entry)

	r.entryCount++
	if r.entryCount >= r.batchSize {
		return r.flush()
	}

	return nil
}

// ListTables returns the table names in order.
func (r *SQLiteRecorder) ListTables() []string {
	r.lock.Lock()
	defer r.lock.Unlock()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Flush writes the buffered rows.
func (r *SQLiteRecorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return ErrClosed
	}

	return r.flush()
}

func (r *SQLiteRecorder) flush() (err error) {
	if r.entryCount == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
			return
		}

		err = tx.Commit()
	}()

	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if err := r.flushTable(tx, name, r.tables[name]); err != nil {
			return err
		}
	}

	r.logger.Debug("flushed rows", zap.Int("rows", r.entryCount))
	r.entryCount = 0

	return nil
}

func (r *SQLiteRecorder) flushTable(tx *sql.Tx, name string, t *table) error {
	if len(t.entries) == 0 {
		return nil
	}

	placeholders := make([]string, t.structType.NumField())
	for i := range placeholders {
		placeholders[i] = "?"
	}

	stmt, err := tx.Prepare("INSERT INTO " + name +
		" VALUES (" + strings.Join(placeholders, ", ") + ")")
	if err != nil {
		return fmt.Errorf("prepare insert into %s: %w", name, err)
	}
	defer stmt.Close()

	for _, entry := range t.entries {
		if _, err := stmt.Exec(structs.Values(entry)...); err != nil {
			return fmt.Errorf("insert into %s: %w", name, err)
		}
	}

	t.entries = nil

	return nil
}

// Close flushes the buffered rows and closes the database.
func (r *SQLiteRecorder) Close() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	return multierr.Append(r.flush(), r.db.Close())
}

// Package recording stores the lifecycle of a run in an SQLite database.
package recording

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"

	// Need to use SQLite connections.
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/xid"
	"github.com/tebeka/atexit"

	"github.com/sarchlab/osssim/scheduler"
)

// Table names.
const (
	TableLaunch    = "launch"
	TableTerminate = "terminate"
	TableKill      = "kill"
	TableSnapshot  = "snapshot"
)

// LaunchRow is one admitted worker.
type LaunchRow struct {
	RunID     string
	Handle    int
	Slot      int
	StartSec  uint32
	StartNano uint32
	EndSec    uint32
	EndNano   uint32
}

// TerminateRow is one reaped worker.
type TerminateRow struct {
	RunID       string
	Handle      int
	Slot        int
	RuntimeNano uint64
	ClockSec    uint32
	ClockNano   uint32
}

// KillRow is one worker stopped by a forced shutdown.
type KillRow struct {
	RunID  string
	Handle int
	Slot   int
	Failed bool
}

// SnapshotRow is one periodic snapshot.
type SnapshotRow struct {
	RunID     string
	ClockSec  uint32
	ClockNano uint32
	Occupied  int
}

type table struct {
	structType reflect.Type
	entries    []any
}

// A Recorder is a scheduler hook that writes lifecycle rows into SQLite.
// Rows are buffered and written in batches inside a transaction.
type Recorder struct {
	*sql.DB

	lock       sync.Mutex
	runID      string
	path       string
	tables     map[string]*table
	tableOrder []string
	batchSize  int
	entryCount int
}

// New creates a database file for the run. An empty path picks a unique
// file name. The recorder is flushed at exit.
func New(path, runID string) (*Recorder, error) {
	if path == "" {
		path = "osssim_" + xid.New().String() + ".sqlite3"
	}

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("file %s already exists", path)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	r, err := NewWithDB(db, runID)
	if err != nil {
		db.Close()
		return nil, err
	}

	r.path = path

	return r, nil
}

// NewWithDB creates a recorder on an open database.
func NewWithDB(db *sql.DB, runID string) (*Recorder, error) {
	r := &Recorder{
		DB:        db,
		runID:     runID,
		tables:    make(map[string]*table),
		batchSize: 10000,
	}

	samples := []struct {
		name  string
		entry any
	}{
		{TableLaunch, LaunchRow{}},
		{TableTerminate, TerminateRow{}},
		{TableKill, KillRow{}},
		{TableSnapshot, SnapshotRow{}},
	}
	for _, s := range samples {
		if err := r.createTable(s.name, s.entry); err != nil {
			return nil, err
		}
	}

	atexit.Register(func() { _ = r.Flush() })

	return r, nil
}

// Path returns the database file name, or "" if the database was given.
func (r *Recorder) Path() string {
	return r.path
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

func fieldNames(t reflect.Type) ([]string, error) {
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !isAllowedKind(f.Type.Kind()) {
			return nil, fmt.Errorf("field %s of %s cannot be stored", f.Name, t)
		}

		names = append(names, f.Name)
	}

	return names, nil
}

func (r *Recorder) createTable(name string, sample any) error {
	t := reflect.TypeOf(sample)

	names, err := fieldNames(t)
	if err != nil {
		return err
	}

	stmt := `CREATE TABLE ` + name +
		` (` + "\n\t" + strings.Join(names, ", \n\t") + "\n" + `);`
	if _, err := r.Exec(stmt); err != nil {
		return fmt.Errorf("creating table %s: %w", name, err)
	}

	r.tables[name] = &table{structType: t}
	r.tableOrder = append(r.tableOrder, name)

	return nil
}

// Insert buffers a row. The row type must match the table.
func (r *Recorder) Insert(tableName string, entry any) {
	r.lock.Lock()

	t, ok := r.tables[tableName]
	if !ok {
		r.lock.Unlock()
		panic(fmt.Sprintf("table %s does not exist", tableName))
	}

	if reflect.TypeOf(entry) != t.structType {
		r.lock.Unlock()
		panic(fmt.Sprintf("table %s stores %s, not %T",
			tableName, t.structType, entry))
	}

	t.entries = append(t.entries, entry)
	r.entryCount++
	full := r.entryCount >= r.batchSize

	r.lock.Unlock()

	if full {
		if err := r.Flush(); err != nil {
			panic(err)
		}
	}
}

// ListTables returns the table names in creation order.
func (r *Recorder) ListTables() []string {
	out := make([]string, len(r.tableOrder))
	copy(out, r.tableOrder)

	return out
}

// Flush writes all buffered rows in one transaction.
func (r *Recorder) Flush() error {
	r.lock.Lock()
	defer r.lock.Unlock()

	if r.entryCount == 0 {
		return nil
	}

	tx, err := r.Begin()
	if err != nil {
		return err
	}

	for _, name := range r.tableOrder {
		t := r.tables[name]
		if len(t.entries) == 0 {
			continue
		}

		if err := insertAll(tx, name, t); err != nil {
			return errors.Join(err, tx.Rollback())
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	for _, t := range r.tables {
		t.entries = nil
	}
	r.entryCount = 0

	return nil
}

func insertAll(tx *sql.Tx, name string, t *table) error {
	placeholders := make([]string, t.structType.NumField())
	for i := range placeholders {
		placeholders[i] = "?"
	}

	stmt, err := tx.Prepare("INSERT INTO " + name +
		" VALUES (" + strings.Join(placeholders, ", ") + ")")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, entry := range t.entries {
		v := reflect.ValueOf(entry)
		args := make([]any, v.NumField())
		for i := range args {
			args[i] = v.Field(i).Interface()
		}

		if _, err := stmt.Exec(args...); err != nil {
			return err
		}
	}

	return nil
}

// Close flushes and closes the database.
func (r *Recorder) Close() error {
	return errors.Join(r.Flush(), r.DB.Close())
}

// Func records the scheduler events it cares about.
func (r *Recorder) Func(ctx scheduler.HookCtx) {
	switch ctx.Pos {
	case scheduler.HookPosLaunch:
		info := ctx.Item.(scheduler.LaunchInfo)
		r.Insert(TableLaunch, LaunchRow{
			RunID:     r.runID,
			Handle:    int(info.Entry.Handle),
			Slot:      info.Slot,
			StartSec:  info.Entry.StartTime.Seconds,
			StartNano: info.Entry.StartTime.Nanoseconds,
			EndSec:    info.Entry.EndTime.Seconds,
			EndNano:   info.Entry.EndTime.Nanoseconds,
		})
	case scheduler.HookPosReap:
		info := ctx.Item.(scheduler.ReapInfo)
		r.Insert(TableTerminate, TerminateRow{
			RunID:       r.runID,
			Handle:      int(info.Entry.Handle),
			Slot:        info.Slot,
			RuntimeNano: info.Runtime.Nanos(),
			ClockSec:    info.Now.Seconds,
			ClockNano:   info.Now.Nanoseconds,
		})
	case scheduler.HookPosKill:
		info := ctx.Item.(scheduler.KillInfo)
		r.Insert(TableKill, KillRow{
			RunID:  r.runID,
			Handle: int(info.Handle),
			Slot:   info.Slot,
			Failed: info.Err != nil,
		})
	case scheduler.HookPosSnapshot:
		snap := ctx.Item.(scheduler.Snapshot)
		r.Insert(TableSnapshot, SnapshotRow{
			RunID:     r.runID,
			ClockSec:  snap.Now.Seconds,
			ClockNano: snap.Now.Nanoseconds,
			Occupied:  len(snap.Entries),
		})
	case scheduler.HookPosComplete:
		if err := r.Flush(); err != nil {
			panic(err)
		}
	}
}

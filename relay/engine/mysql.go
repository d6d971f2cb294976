// Package engine provides the CDC engines that plug into the relay. The
// MySQL snapshot engine performs a Debezium-style initial load of the
// included tables; the mock engine replays a scripted sequence for tests
// and dry runs. Engines register themselves with the relay's factory
// registry and are constructed from the flat property set the relay
// derives from configuration.
package engine

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/go-sql-driver/mysql"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"

	"github.com/sluiceio/sluice/catalog"
	"github.com/sluiceio/sluice/relay"
	"github.com/sluiceio/sluice/state"
	"github.com/sluiceio/sluice/telemetry"
)

const (
	// DefaultSnapshotBatchSize bounds rows fetched per snapshot SELECT
	DefaultSnapshotBatchSize = 1000

	// Cache size for discovered table metadata
	metaCacheSize = 256
)

var mysqlDialect = goqu.Dialect("mysql")

// tableMeta is the discovered shape of one table
type tableMeta struct {
	columns    []column
	primaryKey []string
}

type column struct {
	Name string
	Type string
}

// metaCache caches table metadata keyed by server.database.table so
// repeated runs against the same source skip rediscovery
var metaCache *lru.Cache[string, *tableMeta]

func init() {
	var err error
	metaCache, err = lru.New[string, *tableMeta](metaCacheSize)
	if err != nil {
		panic("failed to create table metadata cache: " + err.Error())
	}

	relay.RegisterEngine("mysql-snapshot", func(props relay.Properties) (relay.Engine, error) {
		return NewMySQLSnapshot(props)
	})
}

// MySQLSnapshot is a CDC engine that emits a one-time initial load of
// the included tables: one read ("r") event per row, in primary-key
// order, batched so the handoff queue's backpressure reaches the
// source reads. Completion is recorded through the offset store, so a
// restarted engine with an intact offset file emits nothing.
//
// The engine owns the offset and history files for the duration of a
// run; the relay only hands it their locations through properties.
type MySQLSnapshot struct {
	name       string
	serverName string
	serverID   uint64
	database   string
	dsn        string

	included  *catalog.TableMatcher
	batchSize int
	mode      string

	offsetPath      string
	flushInterval   time.Duration
	historyPath     string
	compressHistory bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMySQLSnapshot builds the engine from its property set. The table
// include list, offset file and history file properties are required;
// connection settings fall back to local MySQL defaults.
func NewMySQLSnapshot(props relay.Properties) (*MySQLSnapshot, error) {
	database := props.Get(relay.PropDatabaseInclude, "")
	if database == "" {
		return nil, fmt.Errorf("%s is required", relay.PropDatabaseInclude)
	}

	offsetPath := props.Get(relay.PropOffsetFile, "")
	if offsetPath == "" {
		return nil, fmt.Errorf("%s is required", relay.PropOffsetFile)
	}
	historyPath := props.Get(relay.PropHistoryFile, "")
	if historyPath == "" {
		return nil, fmt.Errorf("%s is required", relay.PropHistoryFile)
	}

	included, err := catalog.NewTableMatcher(catalog.ParseIncludeList(props.Get(relay.PropTableInclude, "")))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", relay.PropTableInclude, err)
	}

	serverID, err := uintProp(props, relay.PropServerID, 0)
	if err != nil {
		return nil, err
	}
	batchSize, err := intProp(props, relay.PropSnapshotFetch, DefaultSnapshotBatchSize)
	if err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("%s must be >= 1", relay.PropSnapshotFetch)
	}
	flushMS, err := intProp(props, relay.PropOffsetFlushMS, 1000)
	if err != nil {
		return nil, err
	}
	if flushMS < 1 {
		return nil, fmt.Errorf("%s must be >= 1", relay.PropOffsetFlushMS)
	}

	e := &MySQLSnapshot{
		name:            props.Get(relay.PropName, "sluice"),
		serverName:      props.Get(relay.PropServerName, database),
		serverID:        serverID,
		database:        database,
		included:        included,
		batchSize:       batchSize,
		mode:            props.Get(relay.PropSnapshotMode, "initial"),
		offsetPath:      offsetPath,
		flushInterval:   time.Duration(flushMS) * time.Millisecond,
		historyPath:     historyPath,
		compressHistory: props.Get(relay.PropHistoryCompress, "false") == "true",
		stopCh:          make(chan struct{}),
	}
	e.dsn = buildDSN(props, database)

	return e, nil
}

// buildDSN renders the go-sql-driver DSN from connection properties.
// ParseTime is on so temporal columns scan as time.Time instead of raw
// bytes.
func buildDSN(props relay.Properties, database string) string {
	mc := mysql.NewConfig()
	mc.User = props.Get(relay.PropUser, "root")
	mc.Passwd = props[relay.PropPassword]
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(props.Get(relay.PropHostname, "127.0.0.1"), props.Get(relay.PropPort, "3306"))
	mc.DBName = database
	mc.ParseTime = true
	return mc.FormatDSN()
}

// RequestStop asks a running snapshot to wind down. The run abandons
// the snapshot at the next batch boundary and returns cleanly; the
// completion offset stays unset so the next run starts over.
func (e *MySQLSnapshot) RequestStop() error {
	e.stopOnce.Do(func() { close(e.stopCh) })
	return nil
}

func (e *MySQLSnapshot) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// Run drives the snapshot to completion, emitting every row of every
// included table. The offset store decides whether there is anything
// to do: a recorded completion offset means the initial load already
// happened and the run ends immediately.
func (e *MySQLSnapshot) Run(emit relay.EmitFunc) error {
	if e.mode == "never" {
		log.Info().Str("database", e.database).Msg("Snapshot mode is never, nothing to capture")
		return nil
	}

	offsets, err := state.OpenFileOffsetStore(e.offsetPath, e.flushInterval)
	if err != nil {
		return fmt.Errorf("failed to open offset store: %w", err)
	}
	offsets.Start()
	defer func() {
		if err := offsets.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop offset store")
		}
	}()

	if recorded, ok := offsets.Get(e.offsetKey()); ok {
		log.Info().
			Str("database", e.database).
			Str("offset", recorded).
			Msg("Snapshot already recorded, nothing to capture")
		return nil
	}

	history := state.NewSchemaHistory(e.historyPath, e.database, e.compressHistory)

	// Stop requests cancel in-flight queries through this context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-e.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	db, err := sql.Open("mysql", e.dsn)
	if err != nil {
		return fmt.Errorf("failed to open source connection: %w", err)
	}
	defer db.Close()

	// Snapshot reads are strictly sequential
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		if e.stopRequested() {
			return nil
		}
		return fmt.Errorf("failed to reach source database: %w", err)
	}

	tables, err := e.discoverTables(ctx, db)
	if err != nil {
		if e.stopRequested() {
			return nil
		}
		return err
	}
	if len(tables) == 0 {
		log.Warn().Str("database", e.database).Msg("No included tables found, snapshot is empty")
	} else {
		log.Info().
			Str("database", e.database).
			Int("tables", len(tables)).
			Msg("Starting initial snapshot")
	}

	var totalRows uint64
	for _, table := range tables {
		if e.stopRequested() {
			log.Info().Str("table", table).Msg("Stop requested, abandoning snapshot")
			return nil
		}

		rows, err := e.snapshotTable(ctx, db, history, table, emit)
		if err != nil {
			if e.stopRequested() {
				log.Info().Str("table", table).Msg("Stop requested, abandoning snapshot")
				return nil
			}
			return fmt.Errorf("failed to snapshot %s.%s: %w", e.database, table, err)
		}
		totalRows += rows
	}

	if err := e.recordCompletion(offsets, len(tables), totalRows); err != nil {
		return err
	}

	log.Info().
		Str("database", e.database).
		Int("tables", len(tables)).
		Uint64("rows", totalRows).
		Msg("Initial snapshot complete")
	return nil
}

// discoverTables lists the source's base tables and keeps those the
// include list selects.
func (e *MySQLSnapshot) discoverTables(ctx context.Context, db *sql.DB) ([]string, error) {
	query, args, err := mysqlDialect.
		From(goqu.S("information_schema").Table("tables")).
		Prepared(true).
		Select(goqu.C("table_name")).
		Where(
			goqu.C("table_schema").Eq(e.database),
			goqu.C("table_type").Eq("BASE TABLE"),
		).
		Order(goqu.C("table_name").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build table discovery query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to discover tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		if e.included.Matches(e.database + "." + name) {
			tables = append(tables, name)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to discover tables: %w", err)
	}

	return tables, nil
}

// tableMeta returns the table's column list and primary key, from the
// cache when a previous run already discovered it.
func (e *MySQLSnapshot) tableMeta(ctx context.Context, db *sql.DB, table string) (*tableMeta, error) {
	cacheKey := e.serverName + "." + e.database + "." + table
	if meta, ok := metaCache.Get(cacheKey); ok {
		return meta, nil
	}

	cols, err := e.tableColumns(ctx, db, table)
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s.%s has no columns", e.database, table)
	}
	pk, err := e.primaryKey(ctx, db, table)
	if err != nil {
		return nil, err
	}

	meta := &tableMeta{columns: cols, primaryKey: pk}
	metaCache.Add(cacheKey, meta)
	return meta, nil
}

func (e *MySQLSnapshot) tableColumns(ctx context.Context, db *sql.DB, table string) ([]column, error) {
	query, args, err := mysqlDialect.
		From(goqu.S("information_schema").Table("columns")).
		Prepared(true).
		Select(goqu.C("column_name"), goqu.C("data_type")).
		Where(
			goqu.C("table_schema").Eq(e.database),
			goqu.C("table_name").Eq(table),
		).
		Order(goqu.C("ordinal_position").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build column query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	defer rows.Close()

	var cols []column
	for rows.Next() {
		var c column
		if err := rows.Scan(&c.Name, &c.Type); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols = append(cols, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}
	return cols, nil
}

// primaryKey returns the primary key columns in key order. An empty
// result means the table has no primary key and is read in one pass.
func (e *MySQLSnapshot) primaryKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	query, args, err := mysqlDialect.
		From(goqu.S("information_schema").Table("key_column_usage")).
		Prepared(true).
		Select(goqu.C("column_name")).
		Where(
			goqu.C("table_schema").Eq(e.database),
			goqu.C("table_name").Eq(table),
			goqu.C("constraint_name").Eq("PRIMARY"),
		).
		Order(goqu.C("ordinal_position").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build primary key query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read primary key: %w", err)
	}
	defer rows.Close()

	var pk []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan primary key column: %w", err)
		}
		pk = append(pk, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read primary key: %w", err)
	}
	return pk, nil
}

// snapshotTable reads one table and emits every row. Tables with a
// primary key are paged with keyset batches so backpressure from a
// full handoff queue pauses the reads; tables without one are streamed
// in a single pass.
func (e *MySQLSnapshot) snapshotTable(ctx context.Context, db *sql.DB, history *state.SchemaHistory, table string, emit relay.EmitFunc) (uint64, error) {
	meta, err := e.tableMeta(ctx, db, table)
	if err != nil {
		return 0, err
	}

	if err := e.recordSchema(ctx, db, history, table); err != nil {
		return 0, err
	}

	if len(meta.primaryKey) == 0 {
		log.Warn().
			Str("table", table).
			Msg("Table has no primary key, snapshotting in a single unkeyed pass")
	}

	start := time.Now()
	var total uint64
	var lastKey []interface{}

	for {
		if e.stopRequested() {
			return total, fmt.Errorf("snapshot interrupted: %w", context.Canceled)
		}

		query, args, err := buildSnapshotQuery(e.database, table, meta, lastKey, uint(e.batchSize))
		if err != nil {
			return total, fmt.Errorf("failed to build snapshot query: %w", err)
		}

		read, last, err := e.emitBatch(ctx, db, table, meta, query, args, emit)
		total += read
		if err != nil {
			return total, err
		}
		telemetry.SnapshotRowsTotal.With(e.database + "." + table).Add(float64(read))

		// Unkeyed tables are exhausted in one pass; keyed tables are
		// done when a page comes back short
		if len(meta.primaryKey) == 0 || read < uint64(e.batchSize) {
			break
		}
		lastKey = last
	}

	telemetry.SnapshotTableSeconds.Observe(time.Since(start).Seconds())
	log.Debug().
		Str("table", table).
		Uint64("rows", total).
		Dur("took", time.Since(start)).
		Msg("Table snapshot finished")
	return total, nil
}

// emitBatch runs one snapshot query and emits its rows. It returns the
// row count and the primary key of the last row, which seeds the next
// keyset page.
func (e *MySQLSnapshot) emitBatch(ctx context.Context, db *sql.DB, table string, meta *tableMeta, query string, args []interface{}, emit relay.EmitFunc) (uint64, []interface{}, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read batch: %w", err)
	}
	defer rows.Close()

	destination := e.serverName + "." + e.database + "." + table
	scan := make([]interface{}, len(meta.columns))
	ptrs := make([]interface{}, len(meta.columns))
	for i := range scan {
		ptrs[i] = &scan[i]
	}

	var count uint64
	var lastKey []interface{}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, nil, fmt.Errorf("failed to scan row: %w", err)
		}

		rowDoc := make(map[string]interface{}, len(meta.columns))
		for i, col := range meta.columns {
			rowDoc[col.Name] = normalizeValue(scan[i])
		}

		// Raw driver values seed the next page so temporal and numeric
		// keys compare correctly on the server
		if len(meta.primaryKey) > 0 {
			lastKey = lastKey[:0]
			for _, col := range meta.primaryKey {
				lastKey = append(lastKey, scan[indexOf(meta.columns, col)])
			}
		}

		event, err := e.buildEvent(destination, table, meta.primaryKey, rowDoc)
		if err != nil {
			return count, nil, err
		}
		if err := emit(event); err != nil {
			return count, nil, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, nil, fmt.Errorf("failed to read batch: %w", err)
	}

	return count, lastKey, nil
}

// buildEvent renders one snapshot row as a change event: the value is
// a Debezium-shaped read envelope, the key is the row's primary key
// document. Tables without a primary key produce keyless events.
func (e *MySQLSnapshot) buildEvent(destination, table string, pk []string, row map[string]interface{}) (relay.ChangeEvent, error) {
	now := time.Now().UnixMilli()
	value, err := json.Marshal(snapshotEnvelope{
		Before: nil,
		After:  row,
		Source: sourceBlock{
			Connector: "mysql-snapshot",
			Name:      e.serverName,
			ServerID:  e.serverID,
			Snapshot:  "true",
			Db:        e.database,
			Table:     table,
		},
		Op:   "r",
		TsMS: now,
	})
	if err != nil {
		return relay.ChangeEvent{}, fmt.Errorf("failed to encode row for %s: %w", destination, err)
	}

	var key []byte
	if len(pk) > 0 {
		key, err = keyDocument(pk, row)
		if err != nil {
			return relay.ChangeEvent{}, fmt.Errorf("failed to encode key for %s: %w", destination, err)
		}
	}

	return relay.ChangeEvent{Destination: destination, Key: key, Value: value}, nil
}

// recordSchema appends the table's DDL to the schema history, the way
// a log-reading engine would replay it on restart.
func (e *MySQLSnapshot) recordSchema(ctx context.Context, db *sql.DB, history *state.SchemaHistory, table string) error {
	var name, ddl string
	query := fmt.Sprintf("SHOW CREATE TABLE `%s`.`%s`", e.database, table)
	if err := db.QueryRowContext(ctx, query).Scan(&name, &ddl); err != nil {
		return fmt.Errorf("failed to read DDL for %s: %w", table, err)
	}

	return history.Append(state.HistoryRecord{
		Source:      map[string]string{"server": e.serverName},
		Position:    map[string]interface{}{"snapshot": true},
		Database:    e.database,
		DDL:         ddl,
		TimestampMS: time.Now().UnixMilli(),
	})
}

// recordCompletion persists the snapshot-complete offset and waits for
// the flush ack, so a crash after this point cannot rerun the load.
func (e *MySQLSnapshot) recordCompletion(offsets *state.FileOffsetStore, tables int, rows uint64) error {
	value, err := json.Marshal(map[string]interface{}{
		"snapshot": "completed",
		"ts_ms":    time.Now().UnixMilli(),
		"tables":   tables,
		"rows":     rows,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot offset: %w", err)
	}

	offsets.Set(e.offsetKey(), string(value))
	if _, err := offsets.Commit().Get(); err != nil {
		return fmt.Errorf("failed to persist snapshot offset: %w", err)
	}
	return nil
}

// offsetKey is the engine's partition key in the offset store, shaped
// like the connector offset keys other CDC tooling writes.
func (e *MySQLSnapshot) offsetKey() string {
	return fmt.Sprintf(`["%s",{"server":"%s"}]`, e.name, e.serverName)
}

// buildSnapshotQuery renders one page of the table read. With a
// primary key the page is keyset-bounded and ordered; without one the
// whole table is selected in a single statement.
func buildSnapshotQuery(database, table string, meta *tableMeta, after []interface{}, batch uint) (string, []interface{}, error) {
	selectCols := make([]interface{}, len(meta.columns))
	for i, c := range meta.columns {
		selectCols[i] = goqu.C(c.Name)
	}

	ds := mysqlDialect.
		From(goqu.S(database).Table(table)).
		Prepared(true).
		Select(selectCols...)

	if len(meta.primaryKey) > 0 {
		order := make([]exp.OrderedExpression, len(meta.primaryKey))
		for i, col := range meta.primaryKey {
			order[i] = goqu.C(col).Asc()
		}
		ds = ds.Order(order...)

		if after != nil {
			ds = ds.Where(keysetAfter(meta.primaryKey, after))
		}
		ds = ds.Limit(batch)
	}

	return ds.ToSQL()
}

// keysetAfter builds the strictly-greater-than condition over a
// composite key: (a > ?) OR (a = ? AND b > ?) OR ...
func keysetAfter(pk []string, last []interface{}) exp.Expression {
	ors := make([]exp.Expression, 0, len(pk))
	for i := range pk {
		ands := make([]exp.Expression, 0, i+1)
		for j := 0; j < i; j++ {
			ands = append(ands, goqu.C(pk[j]).Eq(last[j]))
		}
		ands = append(ands, goqu.C(pk[i]).Gt(last[i]))
		ors = append(ors, goqu.And(ands...))
	}
	return goqu.Or(ors...)
}

// keyDocument renders the primary key as a JSON object with columns in
// key order, so the same row always produces identical key bytes for
// partitioning.
func keyDocument(pk []string, row map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, col := range pk {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(col)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		value, err := json.Marshal(row[col])
		if err != nil {
			return nil, err
		}
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalizeValue maps driver values onto JSON-encodable ones. Byte
// slices become strings, which also gives DECIMAL columns the string
// rendering the decimal handling property promises.
func normalizeValue(v interface{}) interface{} {
	switch tv := v.(type) {
	case nil:
		return nil
	case []byte:
		return string(tv)
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}

func indexOf(cols []column, name string) int {
	for i, c := range cols {
		if c.Name == name {
			return i
		}
	}
	return -1
}

type snapshotEnvelope struct {
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Source sourceBlock            `json:"source"`
	Op     string                 `json:"op"`
	TsMS   int64                  `json:"ts_ms"`
}

type sourceBlock struct {
	Connector string `json:"connector"`
	Name      string `json:"name"`
	ServerID  uint64 `json:"server_id"`
	Snapshot  string `json:"snapshot"`
	Db        string `json:"db"`
	Table     string `json:"table"`
}

func intProp(props relay.Properties, key string, def int) (int, error) {
	raw := props.Get(key, strconv.Itoa(def))
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

func uintProp(props relay.Properties, key string, def uint64) (uint64, error) {
	raw := props.Get(key, strconv.FormatUint(def, 10))
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, raw)
	}
	return v, nil
}

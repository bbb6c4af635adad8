package remote

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/kimhsiao/todosync/internal/errors"
	"github.com/kimhsiao/todosync/internal/logging"
	"github.com/kimhsiao/todosync/internal/models"
)

const (
	MaxConns        = 10
	MinConns        = 2
	MaxConnLifetime = 10 * time.Minute
	MaxConnIdleTime = 5 * time.Minute
)

// ChannelPrefix prefixes the LISTEN channel of each table.
const ChannelPrefix = "todosync_"

//go:embed schema.sql
var schemaSQL string

// NewPostgresPool parses databaseURL, configures the pool and pings it. An
// unreachable backend is not an error; the pool connects lazily once it
// answers.
func NewPostgresPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres config: %w", err)
	}

	config.MaxConns = MaxConns
	config.MinConns = MinConns
	config.MaxConnLifetime = MaxConnLifetime
	config.MaxConnIdleTime = MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("error creating postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		logging.Warn("Postgres unreachable, starting offline", map[string]interface{}{"error": err.Error()})
		return pool, nil
	}

	logging.Info("Postgres pool created", nil)
	return pool, nil
}

// Postgres is the Accessor backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the remote tables and change-notification triggers.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to apply remote schema", err)
	}
	return nil
}

// Ping checks that the backend answers.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func ident(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

// where renders filter starting at placeholder $start.
func where(table models.TableName, filter Filter, start int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	parts := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	for i, c := range filter {
		if err := checkColumn(table, c.Column); err != nil {
			return "", nil, err
		}
		parts = append(parts, fmt.Sprintf("%s = $%d", ident(c.Column), start+i))
		args = append(args, c.Value)
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// sortedColumns returns the row's columns in a stable order after checking
// them against the table.
func sortedColumns(table models.TableName, row Row) ([]string, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		if err := checkColumn(table, c); err != nil {
			return nil, err
		}
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, nil
}

func insertSQL(table models.TableName, row Row) (string, []string, []any, error) {
	cols, err := sortedColumns(table, row)
	if err != nil {
		return "", nil, nil, err
	}
	if len(cols) == 0 {
		return "", nil, nil, apperrors.New(apperrors.ErrInvalid, "empty row")
	}
	names := make([]string, len(cols))
	holders := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
		holders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = row[c]
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		ident(string(table)), strings.Join(names, ", "), strings.Join(holders, ", "))
	return query, cols, args, nil
}

// Select returns the rows of table matching filter.
func (p *Postgres) Select(ctx context.Context, table models.TableName, filter Filter, order ...Order) ([]Row, error) {
	cols, err := Columns(table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = ident(c)
	}

	cond, args, err := where(table, filter, 1)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(names, ", "), ident(string(table)), cond)

	if len(order) > 0 {
		terms := make([]string, 0, len(order))
		for _, o := range order {
			if err := checkColumn(table, o.Column); err != nil {
				return nil, err
			}
			dir := "ASC"
			if o.Desc {
				dir = "DESC"
			}
			terms = append(terms, ident(o.Column)+" "+dir)
		}
		query += " ORDER BY " + strings.Join(terms, ", ")
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("select from %s", table), err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("read %s rows", table), err)
	}

	out := make([]Row, len(maps))
	for i, m := range maps {
		out[i] = Row(m)
	}
	return out, nil
}

// Insert inserts rows in one batch.
func (p *Postgres) Insert(ctx context.Context, table models.TableName, rows ...Row) error {
	if len(rows) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, row := range rows {
		query, _, args, err := insertSQL(table, row)
		if err != nil {
			return err
		}
		batch.Queue(query, args...)
	}

	if err := p.pool.SendBatch(ctx, batch).Close(); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("insert into %s", table), err)
	}
	return nil
}

// Update applies patch to every row matching filter.
func (p *Postgres) Update(ctx context.Context, table models.TableName, patch Row, filter Filter) error {
	cols, err := sortedColumns(table, patch)
	if err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(filter))
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s = $%d", ident(c), i+1)
		args = append(args, patch[c])
	}

	cond, condArgs, err := where(table, filter, len(cols)+1)
	if err != nil {
		return err
	}
	args = append(args, condArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s%s", ident(string(table)), strings.Join(sets, ", "), cond)
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("update %s", table), err)
	}
	return nil
}

// Delete removes every row matching filter. An empty filter is rejected.
func (p *Postgres) Delete(ctx context.Context, table models.TableName, filter Filter) error {
	if len(filter) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "delete without filter")
	}
	cond, args, err := where(table, filter, 1)
	if err != nil {
		return err
	}
	query := fmt.Sprintf("DELETE FROM %s%s", ident(string(table)), cond)
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("delete from %s", table), err)
	}
	return nil
}

// Upsert inserts row or, when its id exists, overwrites the given columns.
func (p *Postgres) Upsert(ctx context.Context, table models.TableName, row Row) error {
	if _, ok := row["id"]; !ok {
		return apperrors.New(apperrors.ErrInvalid, "upsert without id")
	}
	query, cols, args, err := insertSQL(table, row)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if c == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", ident(c), ident(c)))
	}
	if len(sets) == 0 {
		query += " ON CONFLICT (id) DO NOTHING"
	} else {
		query += " ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
	}

	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("upsert into %s", table), err)
	}
	return nil
}

// pgSubscription holds a pooled connection in LISTEN mode.
type pgSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *pgSubscription) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
	})
	return nil
}

// Subscribe listens on the table's notification channel and calls fn for each
// change until ctx is done or the subscription is closed.
func (p *Postgres) Subscribe(ctx context.Context, table models.TableName, fn func(ChangeEvent)) (Subscription, error) {
	if _, err := Columns(table); err != nil {
		return nil, err
	}
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "acquire listen connection", err)
	}

	channel := ident(ChannelPrefix + string(table))
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, apperrors.Wrap(apperrors.ErrRemote, fmt.Sprintf("listen on %s", channel), err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pgSubscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer func() {
			unlistenCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
			defer stop()
			if _, err := conn.Exec(unlistenCtx, "UNLISTEN "+channel); err != nil {
				// a connection in an unknown LISTEN state must not go back to the pool
				conn.Hijack().Close(unlistenCtx)
				return
			}
			conn.Release()
		}()

		for {
			n, err := conn.Conn().WaitForNotification(subCtx)
			if err != nil {
				if subCtx.Err() == nil {
					logging.Error("Remote change feed stopped", err,
						map[string]interface{}{"table": string(table)})
				}
				return
			}

			event := ChangeEvent{Table: table}
			if err := json.Unmarshal([]byte(n.Payload), &event); err != nil {
				logging.Warn("Ignoring unparsable change notification",
					map[string]interface{}{"table": string(table), "payload": n.Payload})
				continue
			}
			event.Table = table
			fn(event)
		}
	}()

	return sub, nil
}

var _ Accessor = (*Postgres)(nil)

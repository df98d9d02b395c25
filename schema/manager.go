package schema

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Options configures a Manager.
type Options struct {
	// MaxQueryRows caps the rows returned by the query console. Defaults to 1000.
	MaxQueryRows int `yaml:"max_query_rows"`
	// QueryTimeout bounds a console query. Defaults to 10s.
	QueryTimeout time.Duration `yaml:"query_timeout"`
	// MaxPageSize caps Rows page sizes. Defaults to 500.
	MaxPageSize int `yaml:"max_page_size"`

	Logger *slog.Logger `yaml:"-"`
}

// Manager owns the managed tables of every namespace in one database.
type Manager struct {
	db      *sql.DB
	dialect Dialect
	opts    Options
	logger  *slog.Logger
}

// NewManager creates a Manager over db.
func NewManager(db *sql.DB, d Dialect, opts Options) *Manager {
	if opts.MaxQueryRows <= 0 {
		opts.MaxQueryRows = 1000
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 10 * time.Second
	}
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 500
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{db: db, dialect: d, opts: opts, logger: logger}
}

// Dialect returns the manager's dialect.
func (m *Manager) Dialect() Dialect { return m.dialect }

// Ping checks the database connection.
func (m *Manager) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

// EnsureNamespace creates ns if it does not exist.
func (m *Manager) EnsureNamespace(ctx context.Context, ns string) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	for _, stmt := range m.dialect.NamespaceDDL(ns) {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create namespace %s: %w", ns, err)
		}
	}
	return nil
}

// DropNamespace removes ns and all of its tables.
func (m *Manager) DropNamespace(ctx context.Context, ns string) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	return m.ddl(ctx, ns, "*", func(tx *sql.Tx) error {
		tables, err := m.dialect.ListTables(ctx, tx, ns)
		if err != nil {
			return err
		}
		for _, stmt := range m.dialect.DropNamespaceDDL(ns, tables) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("drop namespace %s: %w", ns, err)
			}
		}
		return nil
	})
}

// ListTables returns the table names in ns, sorted.
func (m *Manager) ListTables(ctx context.Context, ns string) ([]string, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	tables, err := m.dialect.ListTables(ctx, m.db, ns)
	if err != nil {
		return nil, err
	}
	if tables == nil {
		tables = []string{}
	}
	return tables, nil
}

// DescribeTable introspects a table.
func (m *Manager) DescribeTable(ctx context.Context, ns, table string) (*TableSpec, error) {
	if err := m.checkNames(ns, table); err != nil {
		return nil, err
	}
	return m.dialect.Describe(ctx, m.db, ns, table)
}

// CreateTable creates the table described by spec.
func (m *Manager) CreateTable(ctx context.Context, ns string, spec *TableSpec) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	stmt, err := BuildCreateTable(m.dialect, ns, spec)
	if err != nil {
		return err
	}
	return m.ddl(ctx, ns, spec.Name, func(tx *sql.Tx) error {
		if _, err := m.dialect.Describe(ctx, tx, ns, spec.Name); err == nil {
			return fmt.Errorf("%s: %w", spec.Name, ErrTableExists)
		} else if !errors.Is(err, ErrTableNotFound) {
			return err
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table %s: %w", spec.Name, err)
		}
		m.logger.Info("table created", "namespace", ns, "table", spec.Name, "columns", len(spec.Columns))
		return nil
	})
}

// PlanResult is the outcome of planning or applying a change.
type PlanResult struct {
	Table      string    `json:"table"`
	Create     bool      `json:"create"`
	Ops        []AlterOp `json:"ops"`
	Statements []string  `json:"statements"`
	Applied    bool      `json:"applied"`
}

// PlanSpec computes, without applying, the changes that ApplySpec would make.
func (m *Manager) PlanSpec(ctx context.Context, ns string, spec *TableSpec, allowDestructive bool) (*PlanResult, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	current, err := m.dialect.Describe(ctx, m.db, ns, spec.Name)
	if errors.Is(err, ErrTableNotFound) {
		stmt, err := BuildCreateTable(m.dialect, ns, spec)
		if err != nil {
			return nil, err
		}
		return &PlanResult{Table: spec.Name, Create: true, Ops: []AlterOp{}, Statements: []string{stmt}}, nil
	}
	if err != nil {
		return nil, err
	}
	return m.plan(ns, current, spec, allowDestructive)
}

func (m *Manager) plan(ns string, current, desired *TableSpec, allowDestructive bool) (*PlanResult, error) {
	ops, err := Plan(current, desired, allowDestructive)
	if err != nil {
		return nil, err
	}
	res := &PlanResult{Table: desired.Name, Ops: ops, Statements: []string{}}
	state := current.clone()
	for _, op := range ops {
		stmts, err := BuildAlter(m.dialect, ns, state, op)
		if err != nil {
			return nil, err
		}
		res.Statements = append(res.Statements, stmts...)
		state.apply(op)
	}
	if res.Ops == nil {
		res.Ops = []AlterOp{}
	}
	return res, nil
}

// ApplySpec creates the table if it does not exist, or migrates it to spec.
func (m *Manager) ApplySpec(ctx context.Context, ns string, spec *TableSpec, allowDestructive bool) (*PlanResult, error) {
	if err := validateNamespace(ns); err != nil {
		return nil, err
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var res *PlanResult
	err := m.ddl(ctx, ns, spec.Name, func(tx *sql.Tx) error {
		current, err := m.dialect.Describe(ctx, tx, ns, spec.Name)
		if errors.Is(err, ErrTableNotFound) {
			stmt, err := BuildCreateTable(m.dialect, ns, spec)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("create table %s: %w", spec.Name, err)
			}
			res = &PlanResult{Table: spec.Name, Create: true, Ops: []AlterOp{}, Statements: []string{stmt}, Applied: true}
			return nil
		}
		if err != nil {
			return err
		}
		if res, err = m.plan(ns, current, spec, allowDestructive); err != nil {
			return err
		}
		for _, stmt := range res.Statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("alter table %s: %w", spec.Name, err)
			}
		}
		res.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("table spec applied", "namespace", ns, "table", spec.Name, "created", res.Create, "ops", len(res.Ops))
	return res, nil
}

// AlterTable applies ops in order in one transaction and returns the new
// definition. Destructive ops need allowDestructive.
func (m *Manager) AlterTable(ctx context.Context, ns, table string, ops []AlterOp, allowDestructive bool) (*TableSpec, error) {
	if err := m.checkNames(ns, table); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("%w: no operations", ErrInvalid)
	}
	if !allowDestructive {
		for _, op := range ops {
			if op.Destructive() {
				return nil, fmt.Errorf("%w: %s", ErrDestructive, op.String())
			}
		}
	}
	name := table
	err := m.ddl(ctx, ns, table, func(tx *sql.Tx) error {
		state, err := m.dialect.Describe(ctx, tx, ns, table)
		if err != nil {
			return err
		}
		for _, op := range ops {
			if err := validateOp(state, &op); err != nil {
				return err
			}
			stmts, err := m.dialect.AlterSQL(ns, state.Name, state, op)
			if err != nil {
				return err
			}
			for _, stmt := range stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("alter table %s (%s): %w", table, op.Kind, err)
				}
			}
			state.apply(op)
		}
		name = state.Name
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("table altered", "namespace", ns, "table", table, "ops", len(ops))
	return m.dialect.Describe(ctx, m.db, ns, name)
}

// DropTable removes a table.
func (m *Manager) DropTable(ctx context.Context, ns, table string) error {
	if err := m.checkNames(ns, table); err != nil {
		return err
	}
	return m.ddl(ctx, ns, table, func(tx *sql.Tx) error {
		if _, err := m.dialect.Describe(ctx, tx, ns, table); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DROP TABLE "+m.dialect.Table(ns, table)); err != nil {
			return fmt.Errorf("drop table %s: %w", table, err)
		}
		m.logger.Info("table dropped", "namespace", ns, "table", table)
		return nil
	})
}

// ddl runs fn in a transaction holding the DDL lock for ns.table.
func (m *Manager) ddl(ctx context.Context, ns, table string, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin ddl tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the whole namespace so table renames cannot race other DDL.
	release, err := m.dialect.Lock(ctx, tx, "schema:"+ns)
	if err != nil {
		return err
	}
	defer release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ddl for %s.%s: %w", ns, table, err)
	}
	return nil
}

func (m *Manager) checkNames(ns, table string) error {
	if err := validateNamespace(ns); err != nil {
		return err
	}
	return ValidateIdentifier(table)
}

package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/reactbench/reactbench/internal/logging"
	"github.com/reactbench/reactbench/internal/store"
)

// seedBatchRows bounds the rows of one multi-row INSERT (4 parameters each).
const seedBatchRows = 200

// SchemaStatements drops and recreates the dataset tables.
func SchemaStatements() []string {
	return []string{
		"DROP TABLE IF EXISTS scores",
		"DROP TABLE IF EXISTS assignments",
		"DROP TABLE IF EXISTS students",
		"DROP TABLE IF EXISTS classes",
		"CREATE TABLE classes (id INTEGER PRIMARY KEY)",
		"CREATE TABLE assignments (id INTEGER PRIMARY KEY, class_id INTEGER NOT NULL)",
		"CREATE TABLE students (id INTEGER PRIMARY KEY)",
		"CREATE TABLE scores (id INTEGER PRIMARY KEY, assignment_id INTEGER NOT NULL, student_id INTEGER NOT NULL, score INTEGER NOT NULL)",
		"CREATE INDEX scores_assignment_idx ON scores (assignment_id)",
	}
}

// ExecSequence executes statements in order and stops at the first failure.
func ExecSequence(ctx context.Context, exec store.Executor, stmts []string) error {
	for i, stmt := range stmts {
		if _, err := exec.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("statement %d (%s): %w", i+1, firstWords(stmt), err)
		}
	}
	return nil
}

// StudentFor returns the student holding the n-th (0-based) seat of a class.
func (s Settings) StudentFor(classID int, seat int) int64 {
	group := (classID - 1) / s.ClassesPerStudent
	return int64(group*s.StudentsPerClass + seat%s.StudentsPerClass + 1)
}

// MaxScoreID returns the highest score id in the table, or 0 when it is empty.
func MaxScoreID(ctx context.Context, st store.Store) (int64, error) {
	rows, err := st.QueryInt64s(ctx, "SELECT COALESCE(MAX(id), 0) FROM scores")
	if err != nil {
		return 0, fmt.Errorf("dataset: max score id: %w", err)
	}
	if len(rows) != 1 || len(rows[0]) != 1 {
		return 0, fmt.Errorf("dataset: max score id: unexpected result shape")
	}
	return rows[0][0], nil
}

// Install drops, recreates and seeds the dataset. Seeding is deterministic for a seed.
func Install(ctx context.Context, st store.Store, s Settings, seed int64) error {
	start := time.Now()

	if err := ExecSequence(ctx, st, SchemaStatements()); err != nil {
		return fmt.Errorf("dataset: schema: %w", err)
	}

	rng := rand.New(rand.NewSource(seed))
	d := st.Dialect()

	err := st.InTx(ctx, func(tx store.Executor) error {
		w := newBatchWriter(ctx, tx, d, "classes", "id")
		for c := int64(1); c <= int64(s.ClassCount); c++ {
			if err := w.add(c); err != nil {
				return err
			}
		}
		if err := w.flush(); err != nil {
			return err
		}

		w = newBatchWriter(ctx, tx, d, "assignments", "id", "class_id")
		for a := int64(1); a <= s.AssignCount(); a++ {
			if err := w.add(a, int64(s.ClassOf(a))); err != nil {
				return err
			}
		}
		if err := w.flush(); err != nil {
			return err
		}

		w = newBatchWriter(ctx, tx, d, "students", "id")
		for id := int64(1); id <= s.StudentCount(); id++ {
			if err := w.add(id); err != nil {
				return err
			}
		}
		if err := w.flush(); err != nil {
			return err
		}

		w = newBatchWriter(ctx, tx, d, "scores", "id", "assignment_id", "student_id", "score")
		spc := int64(s.StudentsPerClass)
		for id := int64(1); id <= s.ScoresCount(); id++ {
			assignment := (id-1)/spc + 1
			student := s.StudentFor(s.ClassOf(assignment), int((id-1)%spc))
			if err := w.add(id, assignment, student, rng.Int63n(100)+1); err != nil {
				return err
			}
		}
		return w.flush()
	})
	if err != nil {
		return fmt.Errorf("dataset: seed: %w", err)
	}

	logging.WithFields(map[string]interface{}{
		"classes":     s.ClassCount,
		"assignments": s.AssignCount(),
		"students":    s.StudentCount(),
		"scores":      s.ScoresCount(),
		"duration":    time.Since(start).Round(time.Millisecond),
	}).Info("dataset installed")
	return nil
}

// batchWriter accumulates rows into multi-row INSERT statements.
type batchWriter struct {
	ctx     context.Context
	exec    store.Executor
	dialect store.Dialect
	table   string
	columns []string
	args    []any
	rows    int
}

func newBatchWriter(ctx context.Context, exec store.Executor, d store.Dialect, table string, columns ...string) *batchWriter {
	return &batchWriter{ctx: ctx, exec: exec, dialect: d, table: table, columns: columns}
}

func (w *batchWriter) add(values ...int64) error {
	for _, v := range values {
		w.args = append(w.args, v)
	}
	w.rows++
	if w.rows >= seedBatchRows {
		return w.flush()
	}
	return nil
}

func (w *batchWriter) flush() error {
	if w.rows == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", w.table, strings.Join(w.columns, ", "))
	n := 1
	for r := 0; r < w.rows; r++ {
		if r > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := range w.columns {
			if c > 0 {
				b.WriteString(", ")
			}
			b.WriteString(w.dialect.Placeholder(n))
			n++
		}
		b.WriteByte(')')
	}

	if _, err := w.exec.Exec(w.ctx, b.String(), w.args...); err != nil {
		return fmt.Errorf("insert into %s: %w", w.table, err)
	}
	w.args = w.args[:0]
	w.rows = 0
	return nil
}

func firstWords(stmt string) string {
	fields := strings.Fields(stmt)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}

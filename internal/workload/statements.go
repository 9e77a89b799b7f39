package workload

import (
	"fmt"

	"github.com/reactbench/reactbench/internal/dataset"
	"github.com/reactbench/reactbench/internal/store"
)

// Statements holds the mutation statements rendered for one SQL dialect.
type Statements struct {
	// Insert takes (id, assignment_id, student_id, score)
	Insert string

	// Update takes (id, score). The score guard makes a no-op update affect zero rows.
	Update string

	// Delete takes (id)
	Delete string
}

// NewStatements renders the mutation statements. Update and delete only touch
// rows of observed classes.
func NewStatements(d store.Dialect, s dataset.Settings) Statements {
	observed := fmt.Sprintf("%s BETWEEN 1 AND %d", s.ClassExpr("assignment_id"), s.ReactiveQueries)

	return Statements{
		Insert: fmt.Sprintf("INSERT INTO scores (id, assignment_id, student_id, score) VALUES (%s, %s, %s, %s)",
			d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4)),
		Update: fmt.Sprintf("UPDATE scores SET score = %s WHERE score != %s AND id = %s AND %s",
			d.Placeholder(2), d.Placeholder(2), d.Placeholder(1), observed),
		Delete: fmt.Sprintf("DELETE FROM scores WHERE id = %s AND %s",
			d.Placeholder(1), observed),
	}
}

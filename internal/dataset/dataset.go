// Package dataset defines the fixed sample data model (classes, assignments,
// students, scores) and the counts derived from its generation parameters.
package dataset

import (
	"fmt"

	"github.com/reactbench/reactbench/internal/config"
	"github.com/reactbench/reactbench/internal/store"
)

// Score is one row of the scores table, the only table the workload mutates.
type Score struct {
	ID           int64 `json:"score_id"`
	AssignmentID int64 `json:"assignment_id"`
	StudentID    int64 `json:"student_id"`
	Score        int64 `json:"score"`
}

// Settings holds the generation parameters of the dataset.
type Settings struct {
	// ReactiveQueries is the number of observed classes, 1..ReactiveQueries
	ReactiveQueries int

	ClassCount          int
	AssignmentsPerClass int
	StudentsPerClass    int
	ClassesPerStudent   int
}

// FromConfig builds Settings from the dataset configuration section.
func FromConfig(cfg config.DatasetConfig) Settings {
	s := Settings{
		ReactiveQueries:     cfg.ReactiveQueries,
		ClassCount:          cfg.ClassCount,
		AssignmentsPerClass: cfg.AssignmentsPerClass,
		StudentsPerClass:    cfg.StudentsPerClass,
		ClassesPerStudent:   cfg.ClassesPerStudent,
	}
	if s.ClassCount == 0 {
		s.ClassCount = s.ReactiveQueries * 4
	}
	return s
}

// AssignCount is the total number of assignments.
func (s Settings) AssignCount() int64 {
	return int64(s.ClassCount) * int64(s.AssignmentsPerClass)
}

// StudentCount is the total number of students. Every group of
// ClassesPerStudent classes shares one cohort of StudentsPerClass students.
func (s Settings) StudentCount() int64 {
	groups := (s.ClassCount + s.ClassesPerStudent - 1) / s.ClassesPerStudent
	return int64(groups) * int64(s.StudentsPerClass)
}

// ScoresCount is the number of seeded scores. IDs at or below it belong to
// the seeded dataset, IDs above it were created by the workload.
func (s Settings) ScoresCount() int64 {
	return s.AssignCount() * int64(s.StudentsPerClass)
}

// ClassOf returns the class an assignment belongs to.
func (s Settings) ClassOf(assignmentID int64) int {
	return int((assignmentID-1)%int64(s.ClassCount)) + 1
}

// IsObserved reports whether a class has a reactive query watching it.
func (s Settings) IsObserved(classID int) bool {
	return classID >= 1 && classID <= s.ReactiveQueries
}

// IsSeeded reports whether a score id belongs to the initial dataset.
func (s Settings) IsSeeded(scoreID int64) bool {
	return scoreID <= s.ScoresCount()
}

// Classes lists the observed class ids in subscription order.
func (s Settings) Classes() []int {
	classes := make([]int, s.ReactiveQueries)
	for i := range classes {
		classes[i] = i + 1
	}
	return classes
}

// ClassExpr renders the SQL expression mapping an assignment column to its class.
func (s Settings) ClassExpr(column string) string {
	return fmt.Sprintf("((%s - 1) %% %d) + 1", column, s.ClassCount)
}

// ReactiveQuery returns the query a subscription for one class runs. The class
// id is its single parameter.
func (s Settings) ReactiveQuery(d store.Dialect) string {
	return fmt.Sprintf(
		"SELECT id AS score_id, assignment_id, student_id, score FROM scores WHERE %s = %s ORDER BY id",
		s.ClassExpr("assignment_id"), d.Placeholder(1))
}

// ScoreFromRow converts a row of ReactiveQuery's result.
func ScoreFromRow(row []int64) (Score, error) {
	if len(row) != 4 {
		return Score{}, fmt.Errorf("dataset: expected 4 score columns, got %d", len(row))
	}
	return Score{ID: row[0], AssignmentID: row[1], StudentID: row[2], Score: row[3]}, nil
}

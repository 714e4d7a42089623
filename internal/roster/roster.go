// Package roster provides class-enrollment lookups. Student identity
// beyond the id (matric number, program) lives upstream and never
// enters the attendance core.
package roster

import (
	"context"
	"database/sql"
)

// Postgres reads enrollment from the enrollments table.
type Postgres struct {
	db *sql.DB
}

// NewPostgres creates a roster backed by Postgres.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// EnrolledStudents returns the student ids enrolled in a class.
func (p *Postgres) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT student_id FROM enrollments WHERE class_id = $1 ORDER BY student_id
	`, classID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Static is a fixed in-memory roster for dev and tests.
type Static map[string][]string

// EnrolledStudents returns the configured ids for the class.
func (s Static) EnrolledStudents(ctx context.Context, classID string) ([]string, error) {
	return s[classID], nil
}

package catalog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-eval/internal/evaluation"
)

// SavePostgres replaces the catalog tables with the content of c.
func SavePostgres(ctx context.Context, pool *pgxpool.Pool, c *Catalog) error {
	teachers, _ := c.ListTeachers()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin catalog save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `TRUNCATE catalog_questions, catalog_teacher_grades, catalog_teacher_subjects, catalog_teachers`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}

	batch := &pgx.Batch{}
	for _, tier := range []evaluation.Tier{evaluation.TierPrimary, evaluation.TierSecondary} {
		qs, err := c.Questions(tier)
		if err != nil {
			continue
		}
		for _, q := range qs {
			batch.Queue(`INSERT INTO catalog_questions (id, tier, text) VALUES ($1, $2, $3)`, q.ID, tier.String(), q.Text)
		}
	}
	for i, t := range teachers {
		batch.Queue(`INSERT INTO catalog_teachers (id, name, avatar, position) VALUES ($1, $2, $3, $4)`,
			t.ID, t.Name, t.Avatar, i)
		for j, s := range t.Subjects {
			batch.Queue(`INSERT INTO catalog_teacher_subjects (teacher_id, subject_id, name, position) VALUES ($1, $2, $3, $4)`,
				t.ID, s.ID, s.Name, j)
		}
		for _, g := range t.GradesTaught {
			batch.Queue(`INSERT INTO catalog_teacher_grades (teacher_id, grade) VALUES ($1, $2)`, t.ID, string(g))
		}
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert catalog: %w", err)
	}
	return tx.Commit(ctx)
}

// LoadPostgres reads the catalog tables written by SavePostgres.
func LoadPostgres(ctx context.Context, pool *pgxpool.Pool) (*Catalog, error) {
	questions := map[evaluation.Tier][]evaluation.Question{}
	rows, err := pool.Query(ctx, `SELECT id, tier, text FROM catalog_questions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	for rows.Next() {
		var q evaluation.Question
		var tierName string
		if err := rows.Scan(&q.ID, &tierName, &q.Text); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan question: %w", err)
		}
		tier, err := evaluation.ParseTier(tierName)
		if err != nil {
			rows.Close()
			return nil, err
		}
		questions[tier] = append(questions[tier], q)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT id, name, avatar FROM catalog_teachers ORDER BY position, id`)
	if err != nil {
		return nil, fmt.Errorf("query teachers: %w", err)
	}
	teachers, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (evaluation.Teacher, error) {
		var t evaluation.Teacher
		err := row.Scan(&t.ID, &t.Name, &t.Avatar)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("collect teachers: %w", err)
	}

	index := make(map[string]int, len(teachers))
	for i, t := range teachers {
		index[t.ID] = i
	}

	rows, err = pool.Query(ctx, `SELECT teacher_id, subject_id, name FROM catalog_teacher_subjects ORDER BY teacher_id, position`)
	if err != nil {
		return nil, fmt.Errorf("query subjects: %w", err)
	}
	for rows.Next() {
		var teacherID string
		var s evaluation.Subject
		if err := rows.Scan(&teacherID, &s.ID, &s.Name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		if i, ok := index[teacherID]; ok {
			teachers[i].Subjects = append(teachers[i].Subjects, s)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}

	rows, err = pool.Query(ctx, `SELECT teacher_id, grade FROM catalog_teacher_grades`)
	if err != nil {
		return nil, fmt.Errorf("query grades: %w", err)
	}
	grades := map[string]map[evaluation.Grade]bool{}
	for rows.Next() {
		var teacherID, grade string
		if err := rows.Scan(&teacherID, &grade); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan grade: %w", err)
		}
		if grades[teacherID] == nil {
			grades[teacherID] = map[evaluation.Grade]bool{}
		}
		grades[teacherID][evaluation.Grade(grade)] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate grades: %w", err)
	}
	for i := range teachers {
		for _, g := range evaluation.Grades() {
			if grades[teachers[i].ID][g] {
				teachers[i].GradesTaught = append(teachers[i].GradesTaught, g)
			}
		}
	}

	return New(questions, teachers)
}

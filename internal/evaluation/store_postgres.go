package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresStores returns PostgreSQL implementations of every port.
// The schema is created by database.Migrate.
func NewPostgresStores(pool *pgxpool.Pool) Stores {
	return Stores{
		Responses:  NewPostgresResponseStore(pool),
		Snapshots:  NewPostgresSnapshotStore(pool),
		Completion: NewPostgresCompletionStore(pool),
	}
}

// PostgresResponseStore keeps responses and their answers in two tables.
type PostgresResponseStore struct {
	pool *pgxpool.Pool
}

func NewPostgresResponseStore(pool *pgxpool.Pool) *PostgresResponseStore {
	return &PostgresResponseStore{pool: pool}
}

func (s *PostgresResponseStore) Append(resp Response) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	cmd, err := tx.Exec(ctx,
		`INSERT INTO evaluation_responses (response_id, teacher_id, subject_id, subject_name, grade, student_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (response_id) DO NOTHING`,
		resp.ResponseID,
		resp.TeacherID,
		resp.SubjectID,
		resp.SubjectName,
		string(resp.Grade),
		resp.StudentID,
		resp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range resp.Answers {
		batch.Queue(
			`INSERT INTO evaluation_answers (response_id, question_id, position, rating)
			 VALUES ($1, $2, $3, $4)`,
			resp.ResponseID, a.QuestionID, QuestionPosition(a.QuestionID), a.Rating,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert answers: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit response: %w", err)
	}
	return nil
}

func (s *PostgresResponseStore) List() ([]Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT r.response_id, r.teacher_id, r.subject_id, r.subject_name, r.grade, r.student_id, r.created_at,
		        a.question_id, a.rating
		 FROM evaluation_responses r
		 LEFT JOIN evaluation_answers a ON a.response_id = r.response_id
		 ORDER BY r.created_at ASC, r.response_id ASC, a.question_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var out []Response
	for rows.Next() {
		var r Response
		var grade string
		var questionID, rating *int
		if err := rows.Scan(
			&r.ResponseID, &r.TeacherID, &r.SubjectID, &r.SubjectName, &grade, &r.StudentID, &r.CreatedAt,
			&questionID, &rating,
		); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Grade = Grade(grade)

		if n := len(out); n == 0 || out[n-1].ResponseID != r.ResponseID {
			r.Answers = []Answer{}
			out = append(out, r)
		}
		if questionID != nil && rating != nil {
			last := &out[len(out)-1]
			last.Answers = append(last.Answers, Answer{QuestionID: *questionID, Rating: *rating})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responses: %w", err)
	}
	return out, nil
}

func (s *PostgresResponseStore) ClearAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `TRUNCATE evaluation_answers, evaluation_responses`); err != nil {
		return fmt.Errorf("clear responses: %w", err)
	}
	return nil
}

// PostgresSnapshotStore keeps one JSONB snapshot row per student key.
type PostgresSnapshotStore struct {
	pool *pgxpool.Pool
}

func NewPostgresSnapshotStore(pool *pgxpool.Pool) *PostgresSnapshotStore {
	return &PostgresSnapshotStore{pool: pool}
}

func (s *PostgresSnapshotStore) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evaluation_sessions (student_key, session_id, data, updated_at)
		 VALUES ($1, $2, $3::jsonb, $4)
		 ON CONFLICT (student_key) DO UPDATE
		 SET session_id = EXCLUDED.session_id, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		StudentKey(snap.StudentID),
		snap.SessionID,
		string(data),
		snap.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) Load(studentID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM evaluation_sessions WHERE student_key = $1`,
		StudentKey(studentID),
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s *PostgresSnapshotStore) Delete(studentID string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM evaluation_sessions WHERE student_key = $1`, StudentKey(studentID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func (s *PostgresSnapshotStore) ClearAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM evaluation_sessions`); err != nil {
		return fmt.Errorf("clear snapshots: %w", err)
	}
	return nil
}

// PostgresCompletionStore keeps one row per (student key, grade, completion key).
type PostgresCompletionStore struct {
	pool *pgxpool.Pool
}

func NewPostgresCompletionStore(pool *pgxpool.Pool) *PostgresCompletionStore {
	return &PostgresCompletionStore{pool: pool}
}

func (s *PostgresCompletionStore) Add(studentID string, grade Grade, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO evaluation_completion (student_key, grade, completion_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT DO NOTHING`,
		StudentKey(studentID), string(grade), key,
	)
	if err != nil {
		return fmt.Errorf("insert completion: %w", err)
	}
	return nil
}

func (s *PostgresCompletionStore) Keys(studentID string, grade Grade) (map[string]struct{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT completion_key FROM evaluation_completion WHERE student_key = $1 AND grade = $2`,
		StudentKey(studentID), string(grade),
	)
	if err != nil {
		return nil, fmt.Errorf("query completion: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect completion: %w", err)
	}

	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func (s *PostgresCompletionStore) ClearAll() error {
	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	if _, err := s.pool.Exec(ctx, `TRUNCATE evaluation_completion`); err != nil {
		return fmt.Errorf("clear completion: %w", err)
	}
	return nil
}

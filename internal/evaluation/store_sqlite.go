package evaluation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps every port in a single SQLite file, for single-device
// deployments.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
// Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping() error {
	return s.db.Ping()
}

// Stores returns the ports backed by this database.
func (s *SQLiteStore) Stores() Stores {
	return Stores{
		Responses:  sqliteResponses{db: s.db},
		Snapshots:  sqliteSnapshots{db: s.db},
		Completion: sqliteCompletion{db: s.db},
	}
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS responses (
		response_id TEXT PRIMARY KEY,
		teacher_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		subject_name TEXT NOT NULL DEFAULT '',
		grade TEXT NOT NULL,
		student_id TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS answers (
		response_id TEXT NOT NULL,
		question_id INTEGER NOT NULL,
		position INTEGER NOT NULL,
		rating INTEGER NOT NULL,
		PRIMARY KEY (response_id, question_id),
		FOREIGN KEY (response_id) REFERENCES responses(response_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS completion (
		student_key TEXT NOT NULL,
		grade TEXT NOT NULL,
		completion_key TEXT NOT NULL,
		PRIMARY KEY (student_key, grade, completion_key)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		student_key TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

type sqliteResponses struct {
	db *sql.DB
}

func (s sqliteResponses) Append(resp Response) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(
		`INSERT OR IGNORE INTO responses (response_id, teacher_id, subject_id, subject_name, grade, student_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		resp.ResponseID, resp.TeacherID, resp.SubjectID, resp.SubjectName, string(resp.Grade), resp.StudentID,
		resp.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}

	for _, a := range resp.Answers {
		if _, err := tx.Exec(
			`INSERT INTO answers (response_id, question_id, position, rating) VALUES (?, ?, ?, ?)`,
			resp.ResponseID, a.QuestionID, QuestionPosition(a.QuestionID), a.Rating,
		); err != nil {
			return fmt.Errorf("insert answer: %w", err)
		}
	}
	return tx.Commit()
}

func (s sqliteResponses) List() ([]Response, error) {
	rows, err := s.db.Query(
		`SELECT r.response_id, r.teacher_id, r.subject_id, r.subject_name, r.grade, r.student_id, r.created_at,
		        a.question_id, a.rating
		 FROM responses r
		 LEFT JOIN answers a ON a.response_id = r.response_id
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
		var createdAt int64
		var questionID, rating sql.NullInt64
		if err := rows.Scan(&r.ResponseID, &r.TeacherID, &r.SubjectID, &r.SubjectName, &grade, &r.StudentID,
			&createdAt, &questionID, &rating); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Grade = Grade(grade)
		r.CreatedAt = time.UnixMilli(createdAt).UTC()

		if n := len(out); n == 0 || out[n-1].ResponseID != r.ResponseID {
			r.Answers = []Answer{}
			out = append(out, r)
		}
		if questionID.Valid && rating.Valid {
			last := &out[len(out)-1]
			last.Answers = append(last.Answers, Answer{QuestionID: int(questionID.Int64), Rating: int(rating.Int64)})
		}
	}
	return out, rows.Err()
}

func (s sqliteResponses) ClearAll() error {
	_, err := s.db.Exec(`DELETE FROM answers; DELETE FROM responses;`)
	return err
}

type sqliteSnapshots struct {
	db *sql.DB
}

func (s sqliteSnapshots) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (student_key, session_id, data, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (student_key) DO UPDATE
		 SET session_id = excluded.session_id, data = excluded.data, updated_at = excluded.updated_at`,
		StudentKey(snap.StudentID), snap.SessionID, string(data), snap.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s sqliteSnapshots) Load(studentID string) (*Snapshot, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE student_key = ?`, StudentKey(studentID)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

func (s sqliteSnapshots) Delete(studentID string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE student_key = ?`, StudentKey(studentID))
	return err
}

func (s sqliteSnapshots) ClearAll() error {
	_, err := s.db.Exec(`DELETE FROM sessions`)
	return err
}

type sqliteCompletion struct {
	db *sql.DB
}

func (s sqliteCompletion) Add(studentID string, grade Grade, key string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO completion (student_key, grade, completion_key) VALUES (?, ?, ?)`,
		StudentKey(studentID), string(grade), key,
	)
	return err
}

func (s sqliteCompletion) Keys(studentID string, grade Grade) (map[string]struct{}, error) {
	rows, err := s.db.Query(
		`SELECT completion_key FROM completion WHERE student_key = ? AND grade = ?`,
		StudentKey(studentID), string(grade),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out[k] = struct{}{}
	}
	return out, rows.Err()
}

func (s sqliteCompletion) ClearAll() error {
	_, err := s.db.Exec(`DELETE FROM completion`)
	return err
}

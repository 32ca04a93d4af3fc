// Package queue implements the durable message/response store: atomic
// claim, retry with dead-lettering, stale-claim recovery and pruning. It is
// backed by SQLite via the pure-Go modernc.org/sqlite driver, following the
// embedded-schema + database/sql pattern used elsewhere in the ecosystem
// for small embedded stores.
package queue

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"
)

//go:embed schema.sql
var schema string

// MaxRetries bounds the number of failures (including stale-recovery
// increments) a message tolerates before it is dead-lettered.
const MaxRetries = 5

// Message statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDead       = "dead"
)

// Response statuses.
const (
	RespPending = "pending"
	RespAcked   = "acked"
)

// DefaultAgentID is substituted for a null agent column when claiming and
// when reporting pending agents.
const DefaultAgentID = "default"

// ErrNotFound is returned when an operation targets a message or response
// row that does not exist.
var ErrNotFound = errors.New("queue: not found")

// ErrAlreadyClaimed names a lost claim race. ClaimNextMessage does not
// return it: a claim that finds nothing or loses the race surfaces as
// (nil, nil). Nothing in this package currently returns it.
var ErrAlreadyClaimed = errors.New("queue: already claimed")

// Message mirrors one row of the messages table.
type Message struct {
	ID             int64
	ExternalID     string
	Channel        string
	Sender         string
	SenderAddress  string
	Body           string
	Files          []string
	Agent          string // empty string means "no explicit target"
	ConversationID string
	FromAgent      string
	Status         string
	RetryCount     int
	LastError      string
	ClaimedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// NewMessage is the input shape for EnqueueMessage.
type NewMessage struct {
	ExternalID     string
	Channel        string
	Sender         string
	SenderAddress  string
	Body           string
	Files          []string
	Agent          string
	ConversationID string
	FromAgent      string
}

// Response mirrors one row of the responses table.
type Response struct {
	ID              int64
	MessageID       string
	Channel         string
	Sender          string
	SenderAddress   string
	Body            string
	OriginalMessage string
	FromAgent       string
	Files           []string
	Status          string
	CreatedAt       time.Time
	AckedAt         *time.Time
}

// NewResponse is the input shape for EnqueueResponse.
type NewResponse struct {
	MessageID       string
	Channel         string
	Sender          string
	SenderAddress   string
	Body            string
	OriginalMessage string
	FromAgent       string
	Files           []string
}

// Store is a SQLite-backed durable queue. Safe for concurrent use; claim
// operations additionally serialize through claimMu so that two concurrent
// claimers for the same agent id can never observe the same row as pending
// (the single-claim invariant).
type Store struct {
	db      *sql.DB
	claimMu sync.Mutex
}

// New opens (creating if absent) a SQLite-backed Store at path.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("queue: db path required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue: create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	return open(db)
}

// NewInMemory opens an ephemeral in-memory Store, primarily for tests.
func NewInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("queue: open db: %w", err)
	}
	return open(db)
}

func open(db *sql.DB) (*Store, error) {
	// modernc.org/sqlite multiplexes all access through a single
	// connection-like lock at the file level; capping pool size to 1
	// avoids "database is locked" churn under concurrent dispatcher chains.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeFiles(files []string) (sql.NullString, error) {
	if len(files) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(files)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeFiles(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var files []string
	if err := json.Unmarshal([]byte(raw.String), &files); err != nil {
		return nil
	}
	return files
}

// EnqueueMessage inserts a new pending message row. ExternalID must be
// unique; inserting twice is rejected by the messages.external_id UNIQUE
// constraint.
func (s *Store) EnqueueMessage(m NewMessage) (string, error) {
	if m.ExternalID == "" {
		m.ExternalID = uuid.NewString()
	}
	files, err := encodeFiles(m.Files)
	if err != nil {
		return "", fmt.Errorf("queue: encode files: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = s.db.Exec(
		`INSERT INTO messages (external_id, channel, sender, sender_address, body, files, agent, conversation_id, from_agent, status, retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		m.ExternalID, m.Channel, m.Sender, nullable(m.SenderAddress), m.Body, files,
		nullable(m.Agent), nullable(m.ConversationID), nullable(m.FromAgent), StatusPending, now, now,
	)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue message: %w", err)
	}
	return m.ExternalID, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// ClaimNextMessage atomically claims the oldest pending message addressed to
// agentID (or, for DefaultAgentID, the oldest pending message with a null
// agent column). Returns (nil, nil) when nothing is claimable.
func (s *Store) ClaimNextMessage(agentID string) (*Message, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	var externalID string
	err := s.db.QueryRow(
		`SELECT external_id FROM messages
		 WHERE status = ? AND (agent = ? OR (agent IS NULL AND ? = ?))
		 ORDER BY created_at ASC, id ASC LIMIT 1`,
		StatusPending, agentID, agentID, DefaultAgentID,
	).Scan(&externalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: find claimable message: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, claimed_by = ?, updated_at = ? WHERE external_id = ? AND status = ?`,
		StatusProcessing, agentID, now, externalID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race to another claimer between the select and the update.
		return nil, nil
	}

	return s.getMessageByExternalID(externalID)
}

func (s *Store) getMessageByExternalID(externalID string) (*Message, error) {
	row := s.db.QueryRow(
		`SELECT id, external_id, channel, sender, sender_address, body, files, agent, conversation_id, from_agent, status, retry_count, last_error, claimed_by, created_at, updated_at
		 FROM messages WHERE external_id = ?`, externalID)
	return scanMessage(row)
}

func scanMessage(row *sql.Row) (*Message, error) {
	var (
		m                                                       Message
		senderAddress, filesRaw, agent, conversationID, fromAgent, lastError, claimedBy sql.NullString
		createdAt, updatedAt                                                            string
	)
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.Channel, &m.Sender, &senderAddress, &m.Body, &filesRaw,
		&agent, &conversationID, &fromAgent, &m.Status, &m.RetryCount, &lastError, &claimedBy,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: scan message: %w", err)
	}
	m.SenderAddress = senderAddress.String
	m.Files = decodeFiles(filesRaw)
	m.Agent = agent.String
	m.ConversationID = conversationID.String
	m.FromAgent = fromAgent.String
	m.LastError = lastError.String
	m.ClaimedBy = claimedBy.String
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &m, nil
}

// CompleteMessage transitions a message to completed.
func (s *Store) CompleteMessage(externalID string) error {
	return s.setStatus(externalID, StatusCompleted, "")
}

func (s *Store) setStatus(externalID, status, clearClaim string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(`UPDATE messages SET status = ?, updated_at = ? WHERE external_id = ?`, status, now, externalID)
	if err != nil {
		return fmt.Errorf("queue: set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailMessage increments retry_count; once it reaches MaxRetries the row is
// dead-lettered, otherwise it is returned to pending for another claimer.
func (s *Store) FailMessage(externalID string, cause error) error {
	msg, err := s.getMessageByExternalID(externalID)
	if err != nil {
		return err
	}

	retryCount := msg.RetryCount + 1
	now := time.Now().UTC().Format(time.RFC3339Nano)
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	if retryCount >= MaxRetries {
		_, err = s.db.Exec(
			`UPDATE messages SET status = ?, retry_count = ?, last_error = ?, updated_at = ? WHERE external_id = ?`,
			StatusDead, retryCount, lastErr, now, externalID,
		)
	} else {
		_, err = s.db.Exec(
			`UPDATE messages SET status = ?, retry_count = ?, last_error = ?, claimed_by = NULL, updated_at = ? WHERE external_id = ?`,
			StatusPending, retryCount, lastErr, now, externalID,
		)
	}
	if err != nil {
		return fmt.Errorf("queue: fail message: %w", err)
	}
	return nil
}

// EnqueueResponse inserts a pending response row answering messageID.
func (s *Store) EnqueueResponse(r NewResponse) (int64, error) {
	files, err := encodeFiles(r.Files)
	if err != nil {
		return 0, fmt.Errorf("queue: encode files: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`INSERT INTO responses (message_id, channel, sender, sender_address, body, original_message, from_agent, files, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.MessageID, r.Channel, r.Sender, nullable(r.SenderAddress), r.Body, nullable(r.OriginalMessage),
		nullable(r.FromAgent), files, RespPending, now,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: enqueue response: %w", err)
	}
	return res.LastInsertId()
}

// AckResponse marks a response delivered. Idempotent: acking an
// already-acked response succeeds without error.
func (s *Store) AckResponse(id int64) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`UPDATE responses SET status = ?, acked_at = ? WHERE id = ? AND status != ?`,
		RespAcked, now, id, RespAcked,
	)
	if err != nil {
		return fmt.Errorf("queue: ack response: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either already acked (idempotent no-op) or the id does not exist.
		var exists int
		if scanErr := s.db.QueryRow(`SELECT 1 FROM responses WHERE id = ?`, id).Scan(&exists); errors.Is(scanErr, sql.ErrNoRows) {
			return ErrNotFound
		}
	}
	return nil
}

// PendingResponses returns pending responses for a channel, oldest first.
func (s *Store) PendingResponses(channel string) ([]Response, error) {
	rows, err := s.db.Query(
		`SELECT id, message_id, channel, sender, sender_address, body, original_message, from_agent, files, status, created_at, acked_at
		 FROM responses WHERE channel = ? AND status = ? ORDER BY created_at ASC, id ASC`,
		channel, RespPending,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: query pending responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

// RecentResponses returns up to limit responses optionally filtered to the
// union of agentIDs, most recent first.
func (s *Store) RecentResponses(agentIDs []string, limit int) ([]Response, error) {
	query := `SELECT id, message_id, channel, sender, sender_address, body, original_message, from_agent, files, status, created_at, acked_at
	           FROM responses`
	var args []any
	if len(agentIDs) > 0 {
		placeholders := make([]string, len(agentIDs))
		for i, id := range agentIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " WHERE from_agent IN (" + joinPlaceholders(placeholders) + ")"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: query recent responses: %w", err)
	}
	defer rows.Close()
	return scanResponses(rows)
}

func joinPlaceholders(ps []string) string {
	out := ps[0]
	for _, p := range ps[1:] {
		out += "," + p
	}
	return out
}

func scanResponses(rows *sql.Rows) ([]Response, error) {
	var out []Response
	for rows.Next() {
		var (
			r                                                              Response
			senderAddress, originalMessage, fromAgent, filesRaw sql.NullString
			createdAt                                           string
			ackedAt                                             sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.MessageID, &r.Channel, &r.Sender, &senderAddress, &r.Body,
			&originalMessage, &fromAgent, &filesRaw, &r.Status, &createdAt, &ackedAt); err != nil {
			return nil, fmt.Errorf("queue: scan response: %w", err)
		}
		r.SenderAddress = senderAddress.String
		r.OriginalMessage = originalMessage.String
		r.FromAgent = fromAgent.String
		r.Files = decodeFiles(filesRaw)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if ackedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, ackedAt.String)
			r.AckedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SentMessages returns up to limit top-level (non-internal, i.e.
// conversation_id IS NULL) messages optionally filtered to the union of
// agentIDs, most recent first.
func (s *Store) SentMessages(agentIDs []string, limit int) ([]Message, error) {
	query := `SELECT id, external_id, channel, sender, sender_address, body, files, agent, conversation_id, from_agent, status, retry_count, last_error, claimed_by, created_at, updated_at
	          FROM messages WHERE conversation_id IS NULL`
	var args []any
	if len(agentIDs) > 0 {
		placeholders := make([]string, len(agentIDs))
		for i, id := range agentIDs {
			placeholders[i] = "?"
			args = append(args, id)
		}
		query += " AND agent IN (" + joinPlaceholders(placeholders) + ")"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: query sent messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                                                                                Message
			senderAddress, filesRaw, agent, conversationID, fromAgent, lastError, claimedBy sql.NullString
			createdAt, updatedAt                                                            string
		)
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Channel, &m.Sender, &senderAddress, &m.Body, &filesRaw,
			&agent, &conversationID, &fromAgent, &m.Status, &m.RetryCount, &lastError, &claimedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan sent message: %w", err)
		}
		m.SenderAddress = senderAddress.String
		m.Files = decodeFiles(filesRaw)
		m.Agent = agent.String
		m.ConversationID = conversationID.String
		m.FromAgent = fromAgent.String
		m.LastError = lastError.String
		m.ClaimedBy = claimedBy.String
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RecoverStaleMessages reclaims every processing row whose updated_at is
// older than thresholdMs. Each reclaimed row's retry_count is incremented as
// part of the recovery (recovery counts as a retry, per design); rows that
// reach MaxRetries are dead-lettered instead of returned to pending. A
// thresholdMs of 0 reclaims every in-flight row unconditionally, which is
// the boot-time recovery call.
func (s *Store) RecoverStaleMessages(thresholdMs int64) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(thresholdMs) * time.Millisecond).Format(time.RFC3339Nano)

	rows, err := s.db.Query(`SELECT external_id, retry_count FROM messages WHERE status = ? AND updated_at < ?`, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: query stale messages: %w", err)
	}
	type stale struct {
		externalID string
		retryCount int
	}
	var staleRows []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.externalID, &st.retryCount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: scan stale message: %w", err)
		}
		staleRows = append(staleRows, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	count := 0
	for _, st := range staleRows {
		retryCount := st.retryCount + 1
		if retryCount >= MaxRetries {
			_, err = s.db.Exec(`UPDATE messages SET status = ?, retry_count = ?, updated_at = ? WHERE external_id = ?`,
				StatusDead, retryCount, now, st.externalID)
		} else {
			_, err = s.db.Exec(`UPDATE messages SET status = ?, retry_count = ?, claimed_by = NULL, last_error = ?, updated_at = ? WHERE external_id = ?`,
				StatusPending, retryCount, "recovered from stale claim", now, st.externalID)
		}
		if err != nil {
			return count, fmt.Errorf("queue: recover stale message %s: %w", st.externalID, err)
		}
		count++
	}
	return count, nil
}

// PruneAckedResponses deletes acked responses older than olderThanMs.
func (s *Store) PruneAckedResponses(olderThanMs int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMs) * time.Millisecond).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM responses WHERE status = ? AND acked_at < ?`, RespAcked, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: prune acked responses: %w", err)
	}
	return res.RowsAffected()
}

// PruneCompletedMessages deletes completed messages older than olderThanMs.
func (s *Store) PruneCompletedMessages(olderThanMs int64) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(olderThanMs) * time.Millisecond).Format(time.RFC3339Nano)
	res, err := s.db.Exec(`DELETE FROM messages WHERE status = ? AND updated_at < ?`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("queue: prune completed messages: %w", err)
	}
	return res.RowsAffected()
}

// GetPendingAgents returns every distinct agent tag across pending rows,
// mapping a null agent column to DefaultAgentID.
func (s *Store) GetPendingAgents() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT agent FROM messages WHERE status = ?`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("queue: query pending agents: %w", err)
	}
	defer rows.Close()

	var agents []string
	for rows.Next() {
		var agent sql.NullString
		if err := rows.Scan(&agent); err != nil {
			return nil, fmt.Errorf("queue: scan pending agent: %w", err)
		}
		if agent.Valid && agent.String != "" {
			agents = append(agents, agent.String)
		} else {
			agents = append(agents, DefaultAgentID)
		}
	}
	return agents, rows.Err()
}

// Status reports aggregated queue counts for the Control API's status
// endpoint.
type Status struct {
	Pending           int
	Processing        int
	Completed         int
	Dead              int
	ResponsesPending  int
}

// QueueStatus returns aggregated counts across both tables.
func (s *Store) QueueStatus() (Status, error) {
	var st Status
	row := s.db.QueryRow(
		`SELECT
			SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'processing' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			SUM(CASE WHEN status = 'dead' THEN 1 ELSE 0 END)
		 FROM messages`)
	var pending, processing, completed, dead sql.NullInt64
	if err := row.Scan(&pending, &processing, &completed, &dead); err != nil {
		return st, fmt.Errorf("queue: status: %w", err)
	}
	st.Pending = int(pending.Int64)
	st.Processing = int(processing.Int64)
	st.Completed = int(completed.Int64)
	st.Dead = int(dead.Int64)

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM responses WHERE status = ?`, RespPending).Scan(&st.ResponsesPending); err != nil {
		return st, fmt.Errorf("queue: status responses: %w", err)
	}
	return st, nil
}

// DeadMessages returns every dead-lettered message, oldest first, for the
// Control API's dead-letter management surface.
func (s *Store) DeadMessages() ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, external_id, channel, sender, sender_address, body, files, agent, conversation_id, from_agent, status, retry_count, last_error, claimed_by, created_at, updated_at
		 FROM messages WHERE status = ? ORDER BY created_at ASC`, StatusDead)
	if err != nil {
		return nil, fmt.Errorf("queue: query dead messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                                                                                Message
			senderAddress, filesRaw, agent, conversationID, fromAgent, lastError, claimedBy sql.NullString
			createdAt, updatedAt                                                            string
		)
		if err := rows.Scan(&m.ID, &m.ExternalID, &m.Channel, &m.Sender, &senderAddress, &m.Body, &filesRaw,
			&agent, &conversationID, &fromAgent, &m.Status, &m.RetryCount, &lastError, &claimedBy,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("queue: scan dead message: %w", err)
		}
		m.SenderAddress = senderAddress.String
		m.Files = decodeFiles(filesRaw)
		m.Agent = agent.String
		m.ConversationID = conversationID.String
		m.FromAgent = fromAgent.String
		m.LastError = lastError.String
		m.ClaimedBy = claimedBy.String
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, m)
	}
	return out, rows.Err()
}

// RetryDeadMessage returns a dead-lettered message to pending with its
// retry counter reset, for manual operator retry.
func (s *Store) RetryDeadMessage(externalID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.Exec(
		`UPDATE messages SET status = ?, retry_count = 0, claimed_by = NULL, last_error = NULL, updated_at = ? WHERE external_id = ? AND status = ?`,
		StatusPending, now, externalID, StatusDead,
	)
	if err != nil {
		return fmt.Errorf("queue: retry dead message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDeadMessage permanently removes a dead-lettered message row.
func (s *Store) DeleteDeadMessage(externalID string) error {
	res, err := s.db.Exec(`DELETE FROM messages WHERE external_id = ? AND status = ?`, externalID, StatusDead)
	if err != nil {
		return fmt.Errorf("queue: delete dead message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

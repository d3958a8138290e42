package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SaveDebounce is how long repeated saves of one session coalesce
// before a write reaches the database.
const SaveDebounce = 2 * time.Second

const storeSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id           TEXT PRIMARY KEY,
	channel      TEXT NOT NULL,
	meta         TEXT NOT NULL DEFAULT '{}',
	history      TEXT NOT NULL DEFAULT '[]',
	opened_files TEXT NOT NULL DEFAULT '[]',
	updated_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS images (
	id         TEXT NOT NULL,
	session_id TEXT NOT NULL,
	media_type TEXT NOT NULL,
	PRIMARY KEY (id, session_id)
);
`

// Store persists one agent's sessions to its own SQLite database with
// WAL journaling, externalizing image bytes to content-addressed files.
type Store struct {
	db        *sql.DB
	imagesDir string
	logger    *slog.Logger
	debounce  time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string]*Session
}

// OpenStore opens (creating if needed) the agent database at dbPath
// and prepares the schema. Image files live under imagesDir.
func OpenStore(dbPath, imagesDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating database dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening session database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying session database: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing session schema: %w", err)
	}
	return &Store{
		db:        db,
		imagesDir: imagesDir,
		logger:    logger.With("component", "session-store"),
		debounce:  SaveDebounce,
		timers:    make(map[string]*time.Timer),
		pending:   make(map[string]*Session),
	}, nil
}

// Close flushes pending saves and closes the database.
func (st *Store) Close() error {
	st.FlushAll()
	return st.db.Close()
}

// ---------- save ----------

// SaveSession writes a session immediately. Internal sessions are
// never written.
func (st *Store) SaveSession(s *Session) error {
	if s.Channel == ChannelInternal {
		return nil
	}

	meta, err := json.Marshal(MetaOf(s))
	if err != nil {
		return fmt.Errorf("marshaling session meta: %w", err)
	}
	history, err := st.serializeHistory(s.ID, s.History)
	if err != nil {
		return fmt.Errorf("serializing history: %w", err)
	}
	opened, err := json.Marshal(pinnedOrEmpty(s.PinnedFiles))
	if err != nil {
		return fmt.Errorf("marshaling opened files: %w", err)
	}

	_, err = st.db.Exec(`
		INSERT INTO sessions (id, channel, meta, history, opened_files, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			channel = excluded.channel,
			meta = excluded.meta,
			history = excluded.history,
			opened_files = excluded.opened_files,
			updated_at = excluded.updated_at`,
		s.ID, string(s.Channel), string(meta), string(history), string(opened), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upserting session %s: %w", s.ID, err)
	}
	return nil
}

func pinnedOrEmpty(pinned []string) []string {
	if pinned == nil {
		return []string{}
	}
	return pinned
}

// serializeHistory renders history as JSON, replacing in-memory image
// bytes with content references. Bytes are flushed to the images dir
// only when the file is absent; every reference is recorded in the
// images table for garbage collection.
func (st *Store) serializeHistory(sessionID string, history []Message) ([]byte, error) {
	out := make([]Message, 0, len(history))
	for _, msg := range history {
		if msg.Persist != nil && !*msg.Persist {
			continue
		}
		if !hasImage(msg.Content) {
			out = append(out, msg)
			continue
		}
		contents := make([]Content, len(msg.Content))
		copy(contents, msg.Content)
		for i, c := range contents {
			if c.Type != ContentImage {
				continue
			}
			id := ImageID(c.Data)
			if err := WriteImageIfAbsent(st.imagesDir, id, c.MediaType, c.Data); err != nil {
				return nil, err
			}
			if _, err := st.db.Exec(
				`INSERT OR IGNORE INTO images (id, session_id, media_type) VALUES (?, ?, ?)`,
				id, sessionID, c.MediaType); err != nil {
				return nil, fmt.Errorf("recording image reference: %w", err)
			}
			contents[i] = Content{Type: ContentImageRef, ID: id, MediaType: c.MediaType}
		}
		msg.Content = contents
		out = append(out, msg)
	}
	return json.Marshal(out)
}

func hasImage(contents []Content) bool {
	for _, c := range contents {
		if c.Type == ContentImage {
			return true
		}
	}
	return false
}

// SaveSessionDebounced coalesces repeated saves of one session into a
// single write SaveDebounce after the last call.
func (st *Store) SaveSessionDebounced(s *Session) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if t, ok := st.timers[s.ID]; ok {
		t.Stop()
	}
	st.pending[s.ID] = s
	id := s.ID
	st.timers[id] = time.AfterFunc(st.debounce, func() {
		st.mu.Lock()
		sess, ok := st.pending[id]
		delete(st.timers, id)
		delete(st.pending, id)
		st.mu.Unlock()
		if !ok {
			return
		}
		if err := st.SaveSession(sess); err != nil {
			st.logger.Warn("debounced save failed", "session", id, "error", err)
		}
	})
}

// FlushAll cancels every debounce timer and writes the pending
// sessions synchronously. Called on shutdown.
func (st *Store) FlushAll() {
	st.mu.Lock()
	sessions := make([]*Session, 0, len(st.pending))
	for id, t := range st.timers {
		t.Stop()
		if sess, ok := st.pending[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	st.timers = make(map[string]*time.Timer)
	st.pending = make(map[string]*Session)
	st.mu.Unlock()

	for _, sess := range sessions {
		if err := st.SaveSession(sess); err != nil {
			st.logger.Warn("flush save failed", "session", sess.ID, "error", err)
		}
	}
}

// PendingSaves returns the count of armed debounce timers.
func (st *Store) PendingSaves() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.timers)
}

// ---------- load ----------

// LoadSessions reads every persisted session, rehydrating image
// references from the images dir. A reference whose file has gone
// missing stays a reference and is logged.
func (st *Store) LoadSessions() ([]*Session, error) {
	rows, err := st.db.Query(`SELECT id, channel, meta, history, opened_files, updated_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var id, channel, metaJSON, historyJSON, openedJSON string
		var updatedAt int64
		if err := rows.Scan(&id, &channel, &metaJSON, &historyJSON, &openedJSON, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		var meta Meta
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			st.logger.Warn("skipping session with bad meta", "session", id, "error", err)
			continue
		}
		sess, err := FromMeta(id, Channel(channel), meta)
		if err != nil {
			st.logger.Warn("skipping session with bad channel", "session", id, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(historyJSON), &sess.History); err != nil {
			st.logger.Warn("skipping session with bad history", "session", id, "error", err)
			continue
		}
		st.rehydrateImages(id, sess.History)
		if err := json.Unmarshal([]byte(openedJSON), &sess.PinnedFiles); err != nil {
			sess.PinnedFiles = nil
		}
		sess.SetLastActivity(updatedAt)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (st *Store) rehydrateImages(sessionID string, history []Message) {
	for mi := range history {
		for ci := range history[mi].Content {
			c := &history[mi].Content[ci]
			if c.Type != ContentImageRef {
				continue
			}
			data, err := ReadImage(st.imagesDir, c.ID, c.MediaType)
			if err != nil {
				st.logger.Warn("image file missing, keeping reference",
					"session", sessionID, "image", c.ID, "error", err)
				continue
			}
			c.Type = ContentImage
			c.Data = data
		}
	}
}

// ---------- delete ----------

// DeleteSession removes a session row and its image references,
// unlinking image files whose reference count drops to zero.
func (st *Store) DeleteSession(id string) error {
	rows, err := st.db.Query(`SELECT id, media_type FROM images WHERE session_id = ?`, id)
	if err != nil {
		return fmt.Errorf("querying session images: %w", err)
	}
	type ref struct{ id, mediaType string }
	var refs []ref
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.id, &r.mediaType); err != nil {
			rows.Close()
			return fmt.Errorf("scanning image row: %w", err)
		}
		refs = append(refs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	var orphaned []ref
	for _, r := range refs {
		var others int
		err := st.db.QueryRow(
			`SELECT COUNT(*) FROM images WHERE id = ? AND session_id != ?`,
			r.id, id).Scan(&others)
		if err != nil {
			return fmt.Errorf("counting image references: %w", err)
		}
		if others == 0 {
			orphaned = append(orphaned, r)
		}
	}

	tx, err := st.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM images WHERE session_id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting image references: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return fmt.Errorf("deleting session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing delete: %w", err)
	}

	for _, r := range orphaned {
		if err := os.Remove(ImagePath(st.imagesDir, r.id, r.mediaType)); err != nil && !os.IsNotExist(err) {
			st.logger.Warn("could not remove orphaned image", "image", r.id, "error", err)
		}
	}

	st.mu.Lock()
	if t, ok := st.timers[id]; ok {
		t.Stop()
		delete(st.timers, id)
		delete(st.pending, id)
	}
	st.mu.Unlock()
	return nil
}

// SessionIDs lists all persisted session ids.
func (st *Store) SessionIDs() ([]string, error) {
	rows, err := st.db.Query(`SELECT id FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("querying session ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Clear deletes every session, garbage-collecting images as it goes.
func (st *Store) Clear() error {
	ids, err := st.SessionIDs()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := st.DeleteSession(id); err != nil {
			return err
		}
	}
	return nil
}

// Package sqlsession provides a SQLite backed mqttclient.Session that keeps
// packets awaiting acknowledgment across process restarts.
package sqlsession

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vitalvas/mqttclient"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_items (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	type      INTEGER NOT NULL,
	packet_id INTEGER NOT NULL,
	args      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS session_items_lookup ON session_items (type, packet_id);
`

// record is the stored form of a tracked packet.
type record struct {
	ID          uint16 `json:"id"`
	Topic       string `json:"topic,omitempty"`
	TopicFilter string `json:"topic_filter,omitempty"`
	Payload     []byte `json:"payload,omitempty"`
	QoS         byte   `json:"qos,omitempty"`
	Retain      bool   `json:"retain,omitempty"`
	Dup         bool   `json:"dup,omitempty"`
}

// Store is a Session persisted in a SQLite database.
//
// Capacity is twice the queue size, counted in rows. A full store drops new
// packets silently and counts them in Dropped.
type Store struct {
	db       *sql.DB
	capacity int
	restored bool
	dropped  atomic.Uint64
}

var _ mqttclient.PersistentSession = (*Store)(nil)

// Open opens or creates the database at path. Tracked packets left by a
// previous process are kept until Init is called, and a Connection resends
// them after its first non-clean Connect.
func Open(path string, queueSize int) (*Store, error) {
	if queueSize < 1 {
		queueSize = mqttclient.DefaultQueueSize
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	s := &Store{
		db:       db,
		capacity: 2 * queueSize,
	}

	n, err := s.count()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.restored = n > 0

	return s, nil
}

// Factory returns a SessionFactory opening the database at path.
func Factory(path string) mqttclient.SessionFactory {
	return func(queueSize int) (mqttclient.Session, error) {
		return Open(path, queueSize)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init() error {
	if _, err := s.db.Exec(`DELETE FROM session_items`); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	s.restored = false
	return nil
}

// Restored reports whether the database held packets when it was opened
// and Init has not been called since.
func (s *Store) Restored() bool {
	return s.restored
}

func (s *Store) Add(args mqttclient.SessionArgs) error {
	n, err := s.count()
	if err != nil {
		return err
	}
	if n >= s.capacity {
		s.dropped.Add(1)
		return nil
	}

	rec, err := encode(args)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal session item: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT INTO session_items (type, packet_id, args) VALUES (?, ?, ?)`,
		int(args.PacketType()), int(args.PacketID()), string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session item: %w", err)
	}
	return nil
}

func (s *Store) Remove(packetType mqttclient.PacketType, packetID uint16) error {
	res, err := s.db.Exec(`
		DELETE FROM session_items WHERE seq = (
			SELECT seq FROM session_items
			WHERE type = ? AND packet_id = ?
			ORDER BY seq LIMIT 1
		)`, int(packetType), int(packetID))
	if err != nil {
		return fmt.Errorf("failed to delete session item: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session item: %w", err)
	}
	if n == 0 {
		return mqttclient.ErrSessionItemNotFound
	}
	return nil
}

func (s *Store) Exists(packetType mqttclient.PacketType, packetID uint16) bool {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM session_items WHERE type = ? AND packet_id = ? LIMIT 1`,
		int(packetType), int(packetID),
	).Scan(&one)
	return err == nil
}

// ForEach loads all items before calling fn, so fn may use the store.
func (s *Store) ForEach(fn func(item mqttclient.SessionItem) error) error {
	items, err := s.load()
	if err != nil {
		return err
	}

	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of stored items, or 0 when the database fails.
func (s *Store) Len() int {
	n, err := s.count()
	if err != nil {
		return 0
	}
	return n
}

func (s *Store) Cap() int {
	return s.capacity
}

func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Store) count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM session_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count session items: %w", err)
	}
	return n, nil
}

func (s *Store) load() ([]mqttclient.SessionItem, error) {
	rows, err := s.db.Query(`SELECT type, args FROM session_items ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("failed to query session items: %w", err)
	}
	defer rows.Close()

	var items []mqttclient.SessionItem
	for rows.Next() {
		var (
			packetType int
			data       string
		)
		if err := rows.Scan(&packetType, &data); err != nil {
			return nil, fmt.Errorf("failed to scan session item: %w", err)
		}

		var rec record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session item: %w", err)
		}

		args, err := decode(mqttclient.PacketType(packetType), rec)
		if err != nil {
			return nil, err
		}
		items = append(items, mqttclient.SessionItem{Type: args.PacketType(), Args: args})
	}

	return items, rows.Err()
}

func encode(args mqttclient.SessionArgs) (record, error) {
	switch a := args.(type) {
	case *mqttclient.PublishArgs:
		return record{
			ID:      a.ID,
			Topic:   a.Topic,
			Payload: a.Payload,
			QoS:     byte(a.QoS),
			Retain:  a.Retain,
			Dup:     a.Dup,
		}, nil
	case *mqttclient.SubscribeArgs:
		return record{ID: a.ID, TopicFilter: a.TopicFilter, QoS: byte(a.QoS)}, nil
	case *mqttclient.UnsubscribeArgs:
		return record{ID: a.ID, TopicFilter: a.TopicFilter}, nil
	case *mqttclient.PubrecArgs:
		return record{ID: a.ID}, nil
	case *mqttclient.PubrelArgs:
		return record{ID: a.ID}, nil
	default:
		return record{}, mqttclient.ErrInvalidSessionItem
	}
}

var errUnknownType = errors.New("unknown stored packet type")

func decode(packetType mqttclient.PacketType, rec record) (mqttclient.SessionArgs, error) {
	switch packetType {
	case mqttclient.PacketPUBLISH:
		return &mqttclient.PublishArgs{
			ID:      rec.ID,
			Topic:   rec.Topic,
			Payload: rec.Payload,
			QoS:     mqttclient.QoS(rec.QoS),
			Retain:  rec.Retain,
			Dup:     rec.Dup,
		}, nil
	case mqttclient.PacketSUBSCRIBE:
		return &mqttclient.SubscribeArgs{ID: rec.ID, TopicFilter: rec.TopicFilter, QoS: mqttclient.QoS(rec.QoS)}, nil
	case mqttclient.PacketUNSUBSCRIBE:
		return &mqttclient.UnsubscribeArgs{ID: rec.ID, TopicFilter: rec.TopicFilter}, nil
	case mqttclient.PacketPUBREC:
		return &mqttclient.PubrecArgs{ID: rec.ID}, nil
	case mqttclient.PacketPUBREL:
		return &mqttclient.PubrelArgs{ID: rec.ID}, nil
	default:
		return nil, fmt.Errorf("%w: %d", errUnknownType, packetType)
	}
}

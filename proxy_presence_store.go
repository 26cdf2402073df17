package main

import (
	"context"
	"database/sql"
	"encoding/xml"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/mattn/go-sqlite3"
)

// Verdicts of storing a presence document.
const (
	PidfOK = iota
	PidfUnsupportedContentType
	PidfUnknownContentType
	PidfBadXML
)

// SupportedPidfTypes lists the presence document types this server
// accepts, most preferred first.
var SupportedPidfTypes = []string{
	"application/pidf+xml",
	"application/cpim-pidf+xml",
}

// Publication is one stored presence document.
type Publication struct {
	ETag        string
	ExpiredAt   int64
	ContentType string
}

// PidfStore keeps published presence state per (user, etag).
// Implementations must serialize writes per user key; the event
// server additionally holds a per-user lock across read-modify-write
// sequences.
type PidfStore interface {
	Set(user, etag string, expiredAt int64, contentType string, body []byte) int
	Refresh(user, oldTag string, expiredAt int64, newTag string) bool
	Exists(user, etag string) bool
	Delete(user, etag string)
	GetXML(user string, accept []string) (contentType string, body []byte, ok bool)
	Supported() []string
	All() (map[string][]Publication, error)
}

// checkPidfDocument classifies a document before storing it.
func checkPidfDocument(contentType string, body []byte) int {
	ctype := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	supported := false
	for _, t := range SupportedPidfTypes {
		if t == ctype {
			supported = true
			break
		}
	}
	if !supported {
		if strings.HasSuffix(ctype, "+xml") || strings.HasPrefix(ctype, "application/") {
			return PidfUnsupportedContentType
		}
		return PidfUnknownContentType
	}
	var doc struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(body, &doc); err != nil || doc.XMLName.Local != "presence" {
		return PidfBadXML
	}
	return PidfOK
}

func acceptMatch(contentType string, accept []string) bool {
	if len(accept) == 0 {
		return true
	}
	for _, a := range accept {
		a = strings.ToLower(strings.TrimSpace(strings.SplitN(a, ";", 2)[0]))
		if a == contentType || a == "*/*" {
			return true
		}
	}
	return false
}

/********************************
* sqlite backend
********************************/

type SqlitePidfStore struct {
	mu sync.Mutex
	db *sql.DB
}

func NewSqlitePidfStore(sqlitePath string) *SqlitePidfStore {
	_, err := os.Stat(sqlitePath)
	if err == nil {
		err = os.Remove(sqlitePath)
		if err != nil {
			log.Printf("file remove error")
			return nil
		}
	}
	db, err := sql.Open("sqlite3", sqlitePath)
	if err != nil {
		log.Printf("SQL open error")
		return nil
	}

	store := &SqlitePidfStore{db: db}
	createTable := `
		CREATE TABLE presence (
			user VARCHAR(255),
			etag VARCHAR(255),
			expired_at INTEGER,
			ctype VARCHAR(255),
			body BLOB,
			PRIMARY KEY (user, etag));
		`
	_, err = db.Exec(createTable)
	if err != nil {
		log.Printf("db create error")
		return nil
	}
	return store
}

func (s *SqlitePidfStore) Set(user, etag string, expiredAt int64, contentType string, body []byte) int {
	if verdict := checkPidfDocument(contentType, body); verdict != PidfOK {
		return verdict
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// REPLACE dedupes a colliding etag within the user
	_, err := s.db.Exec("REPLACE INTO presence (user, etag, expired_at, ctype, body) "+
		"VALUES (?, ?, ?, ?, ?)",
		user, etag, expiredAt, contentType, body)
	if err != nil {
		log.Printf("presence insert error: %v", err)
		return PidfBadXML
	}
	return PidfOK
}

func (s *SqlitePidfStore) Refresh(user, oldTag string, expiredAt int64, newTag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("UPDATE presence SET etag = ?, expired_at = ? "+
		"WHERE user = ? AND etag = ? AND expired_at >= ?",
		newTag, expiredAt, user, oldTag, time.Now().Unix())
	if err != nil {
		return false
	}
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func (s *SqlitePidfStore) Exists(user, etag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRow("SELECT 1 FROM presence WHERE user = ? AND etag = ? AND expired_at >= ?",
		user, etag, time.Now().Unix())
	var one int
	return row.Scan(&one) == nil
}

func (s *SqlitePidfStore) Delete(user, etag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db.Exec("DELETE FROM presence WHERE user = ? AND etag = ?", user, etag)
}

func (s *SqlitePidfStore) GetXML(user string, accept []string) (string, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT ctype, body FROM presence "+
		"WHERE user = ? AND expired_at >= ? ORDER BY expired_at DESC",
		user, time.Now().Unix())
	if err != nil {
		return "", nil, false
	}
	defer rows.Close()
	for rows.Next() {
		var ctype string
		var body []byte
		if err := rows.Scan(&ctype, &body); err != nil {
			return "", nil, false
		}
		if acceptMatch(ctype, accept) {
			return ctype, body, true
		}
	}
	return "", nil, false
}

func (s *SqlitePidfStore) Supported() []string {
	return SupportedPidfTypes
}

func (s *SqlitePidfStore) All() (map[string][]Publication, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query("SELECT user, etag, expired_at, ctype FROM presence "+
		"WHERE expired_at >= ?", time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string][]Publication)
	for rows.Next() {
		var user string
		var p Publication
		if err := rows.Scan(&user, &p.ETag, &p.ExpiredAt, &p.ContentType); err != nil {
			return nil, err
		}
		out[user] = append(out[user], p)
	}
	return out, rows.Err()
}

/********************************
* redis backend
********************************/

// RedisPidfStore keeps publications as one key per (user, etag) with
// a TTL matching the publication expiry, so expiry needs no sweeper.
type RedisPidfStore struct {
	rdb *redis.Client
}

func NewRedisPidfStore(addr string) *RedisPidfStore {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisPidfStore{rdb: rdb}
}

func presenceKey(user, etag string) string {
	return fmt.Sprintf("presence:%s:%s", user, etag)
}

func (s *RedisPidfStore) Set(user, etag string, expiredAt int64, contentType string, body []byte) int {
	if verdict := checkPidfDocument(contentType, body); verdict != PidfOK {
		return verdict
	}
	ttl := time.Until(time.Unix(expiredAt, 0))
	if ttl <= 0 {
		return PidfOK
	}
	value := contentType + "\n" + string(body)
	if err := s.rdb.Set(context.Background(), presenceKey(user, etag), value, ttl).Err(); err != nil {
		log.Printf("redis set error: %v", err)
		return PidfBadXML
	}
	return PidfOK
}

func (s *RedisPidfStore) Refresh(user, oldTag string, expiredAt int64, newTag string) bool {
	ctx := context.Background()
	value, err := s.rdb.Get(ctx, presenceKey(user, oldTag)).Result()
	if err != nil {
		return false
	}
	ttl := time.Until(time.Unix(expiredAt, 0))
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, presenceKey(user, oldTag))
	pipe.Set(ctx, presenceKey(user, newTag), value, ttl)
	_, err = pipe.Exec(ctx)
	return err == nil
}

func (s *RedisPidfStore) Exists(user, etag string) bool {
	n, err := s.rdb.Exists(context.Background(), presenceKey(user, etag)).Result()
	return err == nil && n > 0
}

func (s *RedisPidfStore) Delete(user, etag string) {
	s.rdb.Del(context.Background(), presenceKey(user, etag))
}

func (s *RedisPidfStore) GetXML(user string, accept []string) (string, []byte, bool) {
	ctx := context.Background()
	keys, err := s.rdb.Keys(ctx, presenceKey(user, "*")).Result()
	if err != nil {
		return "", nil, false
	}
	for _, key := range keys {
		value, err := s.rdb.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		split := strings.SplitN(value, "\n", 2)
		if len(split) != 2 {
			continue
		}
		ctype := strings.ToLower(strings.TrimSpace(strings.SplitN(split[0], ";", 2)[0]))
		if acceptMatch(ctype, accept) {
			return split[0], []byte(split[1]), true
		}
	}
	return "", nil, false
}

func (s *RedisPidfStore) Supported() []string {
	return SupportedPidfTypes
}

func (s *RedisPidfStore) All() (map[string][]Publication, error) {
	ctx := context.Background()
	keys, err := s.rdb.Keys(ctx, "presence:*").Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Publication)
	for _, key := range keys {
		parts := strings.SplitN(key, ":", 3)
		if len(parts) != 3 {
			continue
		}
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		out[parts[1]] = append(out[parts[1]], Publication{
			ETag:      parts[2],
			ExpiredAt: time.Now().Add(ttl).Unix(),
		})
	}
	return out, nil
}

package main

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanrevans/yxa/sip"
)

// UserDB is the sqlite-backed user database: subscribers with
// credentials, the addresses they own, and the destination classes
// they may call. It implements UserDatabase.
type UserDB struct {
	mu        sync.Mutex
	db        *sql.DB
	cfg       *Config
	registrar *RegisterController
}

func NewUserDB(cfg *Config, registrar *RegisterController, sqlitePath string) *UserDB {
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

	u := &UserDB{
		db:        db,
		cfg:       cfg,
		registrar: registrar,
	}
	createTable := `
		CREATE TABLE subscriber (
			username VARCHAR(255) PRIMARY KEY,
			canon VARCHAR(255),
			realm VARCHAR(255),
			password VARCHAR(255));
		CREATE TABLE address (
			username VARCHAR(255),
			url VARCHAR(255));
		CREATE TABLE class (
			username VARCHAR(255),
			class VARCHAR(255));
		`
	_, err = db.Exec(createTable)
	if err != nil {
		log.Printf("db create error")
		return nil
	}

	return u
}

// canonicalAddress reduces a URI to the form addresses are stored in:
// scheme, user and host only.
func canonicalAddress(uri *sip.URI) string {
	if uri == nil {
		return ""
	}
	scheme := uri.Scheme
	if scheme == "" {
		scheme = "sip"
	}
	if uri.User == "" {
		return fmt.Sprintf("%s:%s", scheme, strings.ToLower(uri.Host))
	}
	return fmt.Sprintf("%s:%s@%s", scheme, uri.User, strings.ToLower(uri.Host))
}

// ImportSubscribers loads "username,password,realm[,canonical]" lines.
func (u *UserDB) ImportSubscribers(filepath string) bool {
	if filepath == "" {
		return false
	}
	fp, err := os.Open(filepath)
	if err != nil {
		log.Printf("cannot open subscriber file: %v", err)
		return false
	}
	defer fp.Close()

	reader := csv.NewReader(fp)
	reader.FieldsPerRecord = -1

	u.mu.Lock()
	defer u.mu.Unlock()

	dbTxn, err := u.db.Begin()
	if err != nil {
		return false
	}
	defer func() {
		if err := recover(); err != nil {
			dbTxn.Rollback()
		}
	}()

	for {
		line, err := reader.Read()
		if err != nil {
			break
		}
		if len(line) != 3 && len(line) != 4 {
			log.Printf("invalid file format\n")
			dbTxn.Rollback()
			return false
		}
		username := line[0]
		password := line[1]
		realm := line[2]
		if username == "" || password == "" || realm == "" {
			log.Printf("missing mandantory value")
			dbTxn.Rollback()
			return false
		}
		canon := username
		if len(line) == 4 && line[3] != "" {
			canon = line[3]
		}
		_, err = dbTxn.Exec("INSERT INTO subscriber "+
			"(username, canon, realm, password) VALUES (?, ?, ?, ?)",
			username, canon, realm, password)
		if err != nil {
			log.Printf("db insertion error: %v(%v)", username, err)
			dbTxn.Rollback()
			return false
		}
	}
	if err := dbTxn.Commit(); err != nil {
		log.Printf("err: %v", err)
		dbTxn.Rollback()
		return false
	}
	return true
}

// ImportAddresses loads "username,url" lines. The username is the
// canonical user id, the url an owned address of record.
func (u *UserDB) ImportAddresses(filepath string) bool {
	return u.importPairs(filepath, "INSERT INTO address (username, url) VALUES (?, ?)", true)
}

// ImportClasses loads "username,class" lines.
func (u *UserDB) ImportClasses(filepath string) bool {
	return u.importPairs(filepath, "INSERT INTO class (username, class) VALUES (?, ?)", false)
}

func (u *UserDB) importPairs(filepath, insert string, secondIsURL bool) bool {
	if filepath == "" {
		return false
	}
	fp, err := os.Open(filepath)
	if err != nil {
		log.Printf("cannot open %q: %v", filepath, err)
		return false
	}
	defer fp.Close()

	reader := csv.NewReader(fp)

	u.mu.Lock()
	defer u.mu.Unlock()

	dbTxn, err := u.db.Begin()
	if err != nil {
		return false
	}
	for {
		line, err := reader.Read()
		if err != nil {
			break
		}
		if len(line) != 2 || line[0] == "" || line[1] == "" {
			log.Printf("invalid file format\n")
			dbTxn.Rollback()
			return false
		}
		second := line[1]
		if secondIsURL {
			uri, err := sip.Parse(second)
			if err != nil {
				log.Printf("bad address %q: %v", second, err)
				dbTxn.Rollback()
				return false
			}
			second = canonicalAddress(uri)
		}
		if _, err := dbTxn.Exec(insert, line[0], second); err != nil {
			log.Printf("db insertion error: %v(%v)", line[0], err)
			dbTxn.Rollback()
			return false
		}
	}
	if err := dbTxn.Commit(); err != nil {
		dbTxn.Rollback()
		return false
	}
	return true
}

func (u *UserDB) Canonify(username string, msg *sip.Message) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	row := u.db.QueryRow("SELECT canon FROM subscriber WHERE username = ?", username)
	var canon string
	if err := row.Scan(&canon); err != nil {
		return "", false
	}
	return canon, true
}

func (u *UserDB) LookupPassword(userId string) (string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	row := u.db.QueryRow("SELECT password FROM subscriber WHERE canon = ?", userId)
	var password string
	if err := row.Scan(&password); err != nil {
		return "", false
	}
	return password, true
}

func (u *UserDB) UsersForURL(url *sip.URI) ([]string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rows, err := u.db.Query("SELECT username FROM address WHERE url = ?",
		canonicalAddress(url))
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var user string
		if err := rows.Scan(&user); err != nil {
			return nil, false
		}
		users = append(users, user)
	}
	if len(users) == 0 {
		return nil, false
	}
	return users, true
}

func (u *UserDB) GetUserWithAddress(url *sip.URI) (string, bool) {
	users, ok := u.UsersForURL(url)
	if !ok || len(users) == 0 {
		return "", false
	}
	return users[0], true
}

func (u *UserDB) GetUserWithContact(url *sip.URI) (string, bool) {
	if u.registrar == nil {
		return "", false
	}
	return u.registrar.UserAtContact(url)
}

func (u *UserDB) ClassesForUser(userId string) ([]string, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rows, err := u.db.Query("SELECT class FROM class WHERE username = ?", userId)
	if err != nil {
		return nil, false
	}
	defer rows.Close()

	var classes []string
	for rows.Next() {
		var class string
		if err := rows.Scan(&class); err != nil {
			return nil, false
		}
		classes = append(classes, class)
	}
	if len(classes) == 0 {
		return nil, false
	}
	return classes, true
}

// RewritePotnToE164 turns a dialled number into E.164: international
// prefix 00 becomes +, a single leading 0 becomes the configured
// country code, and already global numbers pass through.
func (u *UserDB) RewritePotnToE164(number string) (string, error) {
	if number == "" {
		return "", fmt.Errorf("empty number")
	}
	if strings.HasPrefix(number, "+") {
		if !isPotnNumber(number) {
			return "", fmt.Errorf("number %q is not numeric", number)
		}
		return number, nil
	}
	if !isPotnNumber(number) {
		return "", fmt.Errorf("number %q is not numeric", number)
	}
	if strings.HasPrefix(number, "00") {
		return "+" + number[2:], nil
	}
	if strings.HasPrefix(number, "0") {
		return u.cfg.CountryCode + number[1:], nil
	}
	return number, nil
}

package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/alanrevans/yxa/sip"
)

var MinimumRegisterExpiresValue = 900

const (
	REGISTRATION_QUERY = iota
	REGISTRATION_UPDATE
	REGISTRATION_DEL
	REGISTRATION_DELALL
)

type RegistrationResult struct {
	Status  int
	Contact *sip.ContactHeaders
}

func NewRegistrationResult(status int) *RegistrationResult {
	r := new(RegistrationResult)
	r.Status = status
	return r
}

type RegistrationOperation struct {
	Operation int
	BindAddr  *sip.URI
	Expires   int
	Q         float64
}

func NewRegistrationOperation() *RegistrationOperation {
	return new(RegistrationOperation)
}

// Binding is one current registration of a user.
type Binding struct {
	Bind      string
	Q         float64
	ExpiredAt int64
}

// RegisterController is the location store: contact bindings per
// canonical user, with q values and absolute expiry.
type RegisterController struct {
	mu sync.Mutex
	db *sql.DB
}

func NewRegisterController(sqlitePath string) *RegisterController {
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

	reg := &RegisterController{
		db: db,
	}
	createTable := `
		CREATE TABLE register_seq (
			aor VARCHAR(255) PRIMARY KEY,
			callId VARCHAR(255),
			seq INTEGER);
		CREATE TABLE register (
			aor VARCHAR(255),
			bind VARCHAR(255),
			q REAL,
			expired_at INTEGER);
		`
	_, err = db.Exec(createTable)
	if err != nil {
		log.Printf("db create error")
		return nil
	}

	return reg
}

func (r *RegisterController) begin() (*sql.Tx, error) {
	return r.db.Begin()
}

func (r *RegisterController) issueTransaction(user string, operations []*RegistrationOperation,
	callId string, cseqNum int64) (*RegistrationResult, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	dbTxn, err := r.begin()
	if err != nil {
		log.Printf("err: %v", err)
		return nil, err
	}
	defer func() {
		if err := recover(); err != nil {
			dbTxn.Rollback()
		}
	}()

	var dbAor, dbCallId string
	var dbSeq int64
	row := dbTxn.QueryRow("SELECT aor, callId, seq FROM register_seq WHERE aor = ?", user)
	row.Scan(&dbAor, &dbCallId, &dbSeq)
	if dbAor != "" && dbCallId == callId && dbSeq >= cseqNum {
		// out of order retransmission of an older REGISTER
		dbTxn.Rollback()
		log.Printf("CSeq and CallID check fail for %q", user)
		return NewRegistrationResult(sip.StatusBadRequest), nil
	}

	_, err = dbTxn.Exec("DELETE FROM register_seq WHERE aor = ?", user)
	if err == nil {
		_, err = dbTxn.Exec("INSERT INTO register_seq (aor, callId, seq) VALUES (?, ?, ?)",
			user, callId, cseqNum)
	}
	if err != nil {
		dbTxn.Rollback()
		return nil, err
	}

	var contacts *sip.ContactHeaders

	secs := time.Now().Unix()
	for _, op := range operations {
		switch op.Operation {
		case REGISTRATION_QUERY:
			contacts = sip.NewContactHeaders()
			err = func() error {
				rows, errIn := dbTxn.Query("SELECT bind, q, expired_at FROM register "+
					"WHERE aor = ? AND expired_at >= ?",
					user, secs)
				if errIn != nil {
					return errIn
				}
				defer rows.Close()

				for rows.Next() {
					var dbBind string
					var dbQ float64
					var dbExpiredAt int64
					if errIn = rows.Scan(&dbBind, &dbQ, &dbExpiredAt); errIn != nil {
						return errIn
					}
					rawParam := fmt.Sprintf("q=%.2f;expires=%d", dbQ, dbExpiredAt-secs)
					contacts.Add(sip.NewContactHeaderFromString("", dbBind, rawParam))
				}
				return rows.Err()
			}()
			if err != nil {
				dbTxn.Rollback()
				return nil, err
			}
		case REGISTRATION_UPDATE:
			_, err = dbTxn.Exec("DELETE FROM register WHERE aor = ? AND bind = ?",
				user, op.BindAddr.String())
			if err == nil {
				_, err = dbTxn.Exec("INSERT INTO register (aor, bind, q, expired_at)"+
					" VALUES (?, ?, ?, ?)",
					user, op.BindAddr.String(), op.Q, int64(op.Expires)+secs)
			}
			if err != nil {
				dbTxn.Rollback()
				return nil, err
			}

		case REGISTRATION_DEL:
			_, err = dbTxn.Exec("DELETE FROM register WHERE aor = ? AND bind = ?",
				user, op.BindAddr.String())
			if err != nil {
				dbTxn.Rollback()
				return nil, err
			}
		case REGISTRATION_DELALL:
			_, err = dbTxn.Exec("DELETE FROM register WHERE aor = ?", user)
			if err != nil {
				dbTxn.Rollback()
				return nil, err
			}
		}
	}
	err = dbTxn.Commit()
	if err != nil {
		log.Printf("err: %v", err)
		dbTxn.Rollback()
		return nil, err
	}
	result := NewRegistrationResult(sip.StatusOk)
	result.Contact = contacts
	return result, nil
}

// determOperation maps one Contact header to a registrar operation.
// The Expires header applies unless the contact carries its own
// expires parameter; zero means removal; a star contact removes all
// bindings and requires Expires: 0.
func determOperation(contact *sip.Contact, expires int, okE bool,
	bindAddr *sip.URI) (*RegistrationOperation, int) {

	if contact == nil {
		return nil, sip.StatusBadRequest
	}
	operation := NewRegistrationOperation()
	if contact.Star {
		if !okE || expires != 0 {
			return nil, sip.StatusBadRequest
		}
		operation.Operation = REGISTRATION_DELALL
		return operation, 0
	}
	if contact.Addr == nil || contact.Addr.Uri == nil || bindAddr == nil {
		return nil, sip.StatusBadRequest
	}
	operation.BindAddr = bindAddr

	var q float64
	qStr := contact.Parameter().Get("q")
	if qStr != "" {
		var err error
		q, err = strconv.ParseFloat(qStr, 64)
		if err != nil {
			return nil, sip.StatusBadRequest
		}
	}

	pExpiresStr := contact.Parameter().Get("expires")
	okPE := pExpiresStr != ""
	pExpires := 0
	if okPE {
		var err error
		pExpires, err = strconv.Atoi(pExpiresStr)
		if err != nil {
			return nil, sip.StatusBadRequest
		}
	}
	if (okPE && pExpires == 0) || (!okPE && okE && expires == 0) {
		operation.Operation = REGISTRATION_DEL
		return operation, 0
	}
	expectExpires := MinimumRegisterExpiresValue
	if okPE {
		expectExpires = pExpires
	} else if okE {
		expectExpires = expires
	}
	if expectExpires < MinimumRegisterExpiresValue {
		return nil, sip.StatusIntervalTooBrief
	}
	operation.Operation = REGISTRATION_UPDATE
	operation.Q = q
	operation.Expires = expectExpires
	return operation, 0
}

// Process applies a REGISTER from an admitted user and returns the
// response status plus the current bindings.
func (r *RegisterController) Process(msg *sip.Message, user string) (*RegistrationResult, error) {
	expiresStr := msg.Header.Get("expires")
	okE := expiresStr != ""
	expires := 0
	if okE {
		var err error
		expires, err = strconv.Atoi(expiresStr)
		if err != nil {
			return NewRegistrationResult(sip.StatusBadRequest), nil
		}
	}
	if msg.CallID == nil || msg.CSeq == nil {
		return NewRegistrationResult(sip.StatusBadRequest), nil
	}

	var contacts []*sip.Contact
	queryLength := 1
	if msg.Contact != nil {
		contacts = msg.Contact.Header
		queryLength += len(msg.Contact.Header)
	}

	operations := make([]*RegistrationOperation, queryLength)
	for idx, contact := range contacts {
		var status int
		var bindAddr *sip.URI
		if contact.Addr != nil {
			bindAddr = contact.Addr.Uri
		}
		operations[idx], status = determOperation(contact, expires, okE, bindAddr)
		if status != 0 {
			return NewRegistrationResult(status), nil
		}
	}
	q := NewRegistrationOperation()
	q.Operation = REGISTRATION_QUERY
	operations[len(operations)-1] = q

	return r.issueTransaction(user, operations, msg.CallID.String(), msg.CSeq.Sequence)
}

// LookupBindings returns the unexpired bindings for a user.
func (r *RegisterController) LookupBindings(user string) ([]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query("SELECT bind, q, expired_at FROM register "+
		"WHERE aor = ? AND expired_at >= ? ORDER BY q DESC",
		user, time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Binding
	for rows.Next() {
		var b Binding
		if err := rows.Scan(&b.Bind, &b.Q, &b.ExpiredAt); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// UserAtContact returns the user currently registered at the exact
// contact URI, if any.
func (r *RegisterController) UserAtContact(uri *sip.URI) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.db.QueryRow("SELECT aor FROM register WHERE bind = ? AND expired_at >= ?",
		uri.String(), time.Now().Unix())
	var user string
	if err := row.Scan(&user); err != nil {
		return "", false
	}
	return user, true
}

// AllBindings returns every current binding, for the monitor API.
func (r *RegisterController) AllBindings() (map[string][]Binding, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows, err := r.db.Query("SELECT aor, bind, q, expired_at FROM register "+
		"WHERE expired_at >= ?", time.Now().Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]Binding)
	for rows.Next() {
		var aor string
		var b Binding
		if err := rows.Scan(&aor, &b.Bind, &b.Q, &b.ExpiredAt); err != nil {
			return nil, err
		}
		out[aor] = append(out[aor], b)
	}
	return out, rows.Err()
}

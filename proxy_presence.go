package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanrevans/yxa/sip"
)

// Subscription admission outcomes.
const (
	SubscribeNeedAuth = iota
	SubscribeActive
	SubscribePending
	SubscribeNotAcceptable
)

// Presentity identifies whose state is being published or watched:
// either resolved user ids or, when the address maps to no user, the
// address itself.
type Presentity struct {
	Users   []string
	Address string
}

// EventServer handles the presence event package: PUBLISH, NOTIFY and
// SUBSCRIBE requests for homedomain presentities.
type EventServer struct {
	cfg   *Config
	auth  *Authenticator
	users UserDatabase
	store PidfStore

	hostname string

	lockMu    sync.Mutex
	userLocks map[string]*sync.Mutex

	now func() int64
}

func NewEventServer(cfg *Config, auth *Authenticator, users UserDatabase, store PidfStore) *EventServer {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "yxa"
	}
	return &EventServer{
		cfg:       cfg,
		auth:      auth,
		users:     users,
		store:     store,
		hostname:  hostname,
		userLocks: make(map[string]*sync.Mutex),
		now:       func() int64 { return time.Now().Unix() },
	}
}

// userLock returns the per-user mutex serializing PUBLISH
// read-modify-write sequences for one presentity.
func (e *EventServer) userLock(user string) *sync.Mutex {
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	mu, ok := e.userLocks[user]
	if !ok {
		mu = new(sync.Mutex)
		e.userLocks[user] = mu
	}
	return mu
}

// newETag mints a globally unique entity tag. The uuid term makes
// same-second collisions a non-issue.
func (e *EventServer) newETag() string {
	return fmt.Sprintf("%s-%d-%s", e.hostname, e.now(), uuid.NewString()[:8])
}

// publishExpires resolves the publication lifetime: the configured
// default when absent, clamped to the configured maximum, 423 when
// positive but below the minimum. Zero is kept as-is (removal).
func (e *EventServer) publishExpires(msg *sip.Message) (int, int) {
	expiresStr := msg.Header.Get("Expires")
	if expiresStr == "" {
		return e.cfg.DefaultPublishTime, 0
	}
	expires, err := strconv.Atoi(strings.TrimSpace(expiresStr))
	if err != nil || expires < 0 {
		return 0, sip.StatusBadRequest
	}
	if expires == 0 {
		return 0, 0
	}
	if expires < e.cfg.MinPublishTime {
		return 0, sip.StatusIntervalTooBrief
	}
	if expires > e.cfg.MaxPublishTime {
		expires = e.cfg.MaxPublishTime
	}
	return expires, 0
}

// presentity resolves the To address into users or a bare address.
func (e *EventServer) presentity(msg *sip.Message) Presentity {
	var toURL *sip.URI
	if msg.To != nil && msg.To.Addr != nil {
		toURL = msg.To.Addr.Uri
	}
	if toURL == nil {
		toURL = msg.RequestURI
	}
	if users, ok := e.users.UsersForURL(toURL); ok {
		return Presentity{Users: users}
	}
	return Presentity{Address: toURL.String()}
}

func (e *EventServer) writeResponse(txn *sip.ServerTransaction, msg *sip.Message,
	status int, set func(rep *sip.Message)) {

	rep := msg.GenerateResponseFromRequest()
	rep.StatusCode = status
	rep.AddToTag()
	if set != nil {
		set(rep)
	}
	txn.WriteMessage(rep)
}

// Handle is the event package entry point. Authentication is
// resolved here once; the per-method handlers receive the
// authenticated user.
func (e *EventServer) Handle(srv *sip.Server, msg *sip.Message, txn *sip.ServerTransaction) (error, int) {
	if event := msg.Header.Get("Event"); event != "" &&
		!strings.EqualFold(strings.SplitN(event, ";", 2)[0], "presence") {
		return sip.ErrStatusError, sip.StatusBadEvent
	}

	res, err := e.auth.VerifyAuthorization(msg)
	if err != nil {
		return sip.ErrStatusError, sip.StatusBadRequest
	}

	switch msg.Method {
	case sip.MethodSUBSCRIBE:
		return e.handleSubscribe(srv, msg, txn, res)
	case sip.MethodPUBLISH, sip.MethodNOTIFY:
		switch res.Verdict {
		case AuthAuthenticated:
		case AuthStale:
			sendChallenge(txn, msg, false, true)
			return nil, 0
		default:
			sendChallenge(txn, msg, false, false)
			return nil, 0
		}
		if msg.Method == sip.MethodPUBLISH {
			return e.handlePublish(srv, msg, txn, res.User)
		}
		return e.handleNotify(srv, msg, txn, res.User)
	}
	return sip.ErrStatusError, sip.StatusNotImplemented
}

// handlePublish implements the RFC 3903 state machine for one
// authenticated user.
func (e *EventServer) handlePublish(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, user string) (error, int) {

	etags := msg.Header.Values("SIP-If-Match")
	if len(etags) > 1 {
		return sip.ErrStatusError, sip.StatusBadRequest
	}

	expires, status := e.publishExpires(msg)
	if status == sip.StatusIntervalTooBrief {
		e.writeResponse(txn, msg, status, func(rep *sip.Message) {
			rep.Header.Set("Min-Expires", strconv.Itoa(e.cfg.MinPublishTime))
		})
		return nil, 0
	}
	if status != 0 {
		return sip.ErrStatusError, status
	}

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	if len(etags) == 1 {
		return e.publishRefresh(srv, msg, txn, user, strings.TrimSpace(etags[0]), expires)
	}
	return e.publishCreate(srv, msg, txn, user, expires)
}

// publishRefresh rotates the entity tag and extends the lifetime of
// an existing publication. The body must be empty on a refresh.
func (e *EventServer) publishRefresh(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, user, etag string, expires int) (error, int) {

	if len(msg.Body) != 0 {
		return sip.ErrStatusError, sip.StatusBadRequest
	}
	if !e.store.Exists(user, etag) {
		return sip.ErrStatusError, sip.StatusConditionalRequestFailed
	}
	if expires == 0 {
		e.store.Delete(user, etag)
		e.writeResponse(txn, msg, sip.StatusOk, func(rep *sip.Message) {
			rep.Header.Set("SIP-ETag", e.newETag())
			rep.Header.Set("Expires", "0")
		})
		return nil, 0
	}
	newTag := e.newETag()
	if !e.store.Refresh(user, etag, e.now()+int64(expires), newTag) {
		return sip.ErrStatusError, sip.StatusConditionalRequestFailed
	}
	srv.Debugf("presence refresh for %q, new etag %q", user, newTag)
	e.writeResponse(txn, msg, sip.StatusOk, func(rep *sip.Message) {
		rep.Header.Set("SIP-ETag", newTag)
		rep.Header.Set("Expires", strconv.Itoa(expires))
	})
	return nil, 0
}

// publishCreate stores an initial publication.
func (e *EventServer) publishCreate(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, user string, expires int) (error, int) {

	ctypes := msg.Header.Values("Content-Type")
	if len(ctypes) != 1 {
		return sip.ErrStatusError, sip.StatusBadRequest
	}

	etag := e.newETag()
	verdict := e.store.Set(user, etag, e.now()+int64(expires), ctypes[0], msg.Body)
	return e.storeVerdictResponse(srv, msg, txn, verdict, etag, expires)
}

func (e *EventServer) storeVerdictResponse(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, verdict int, etag string, expires int) (error, int) {

	switch verdict {
	case PidfOK:
		e.writeResponse(txn, msg, sip.StatusOk, func(rep *sip.Message) {
			rep.Header.Set("SIP-ETag", etag)
			rep.Header.Set("Expires", strconv.Itoa(expires))
		})
		return nil, 0
	case PidfUnsupportedContentType:
		e.writeResponse(txn, msg, sip.StatusNotAcceptable, func(rep *sip.Message) {
			rep.Header.Set("Accept", strings.Join(e.store.Supported(), ", "))
		})
		return nil, 0
	case PidfUnknownContentType:
		return sip.ErrStatusError, sip.StatusNotAcceptable
	case PidfBadXML:
		e.writeResponse(txn, msg, sip.StatusBadRequest, func(rep *sip.Message) {
			rep.Header.Set("Accept", strings.Join(e.store.Supported(), ", "))
		})
		return nil, 0
	}
	return sip.ErrStatusError, sip.StatusInternalServerError
}

// handleNotify stores an inbound NOTIFY body as a fresh publication
// for the presentity.
func (e *EventServer) handleNotify(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, user string) (error, int) {

	ctypes := msg.Header.Values("Content-Type")
	if len(ctypes) != 1 {
		return sip.ErrStatusError, sip.StatusBadRequest
	}
	expires, status := e.publishExpires(msg)
	if status == sip.StatusIntervalTooBrief {
		e.writeResponse(txn, msg, status, func(rep *sip.Message) {
			rep.Header.Set("Min-Expires", strconv.Itoa(e.cfg.MinPublishTime))
		})
		return nil, 0
	}
	if status != 0 {
		return sip.ErrStatusError, status
	}

	mu := e.userLock(user)
	mu.Lock()
	defer mu.Unlock()

	etag := e.newETag()
	verdict := e.store.Set(user, etag, e.now()+int64(expires), ctypes[0], msg.Body)
	return e.storeVerdictResponse(srv, msg, txn, verdict, etag, expires)
}

// subscribeAdmission decides how a SUBSCRIBE is admitted: watchers
// must authenticate, user-form presentities go active at once,
// address-form ones stay pending until promoted, and the Accept set
// must overlap what we can produce.
func subscribeAdmission(res AuthResult, presentity Presentity, accept, supported []string) int {
	if res.Verdict != AuthAuthenticated && res.Verdict != AuthPeerAuthenticated {
		return SubscribeNeedAuth
	}
	if len(accept) > 0 {
		compatible := false
		for _, t := range supported {
			if acceptMatch(t, accept) {
				compatible = true
				break
			}
		}
		if !compatible {
			return SubscribeNotAcceptable
		}
	}
	if len(presentity.Users) > 0 {
		return SubscribeActive
	}
	return SubscribePending
}

func (e *EventServer) handleSubscribe(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, res AuthResult) (error, int) {

	presentity := e.presentity(msg)
	accept := msg.Header.Values("Accept")

	switch subscribeAdmission(res, presentity, accept, e.store.Supported()) {
	case SubscribeNeedAuth:
		sendChallenge(txn, msg, false, res.Verdict == AuthStale)
		return nil, 0
	case SubscribeNotAcceptable:
		e.writeResponse(txn, msg, sip.StatusNotAcceptable, func(rep *sip.Message) {
			rep.Header.Set("Accept", strings.Join(e.store.Supported(), ", "))
		})
		return nil, 0
	case SubscribeActive:
		e.writeResponse(txn, msg, sip.StatusOk, func(rep *sip.Message) {
			rep.Header.Set("Expires", strconv.Itoa(e.cfg.DefaultPublishTime))
		})
		e.sendNotify(srv, msg, presentity, "active")
		return nil, 0
	case SubscribePending:
		e.writeResponse(txn, msg, sip.StatusAccepted, func(rep *sip.Message) {
			rep.Header.Set("Expires", strconv.Itoa(e.cfg.DefaultPublishTime))
		})
		e.sendNotify(srv, msg, presentity, "pending")
		return nil, 0
	}
	return sip.ErrStatusError, sip.StatusInternalServerError
}

// fakeOfflinePidf synthesizes a closed-state document for an entity
// with no published state.
func fakeOfflinePidf(entity string) []byte {
	return []byte(fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<presence xmlns="urn:ietf:params:xml:ns:pidf" entity="%s">
  <tuple id="offline">
    <status><basic>closed</basic></status>
  </tuple>
</presence>
`, entity))
}

// notifyBody synthesizes the document for a subscription refresh.
// Single user: the stored state, or fake offline when nothing is
// published. Address form: fake offline. Multiple users: no body.
func (e *EventServer) notifyBody(presentity Presentity, accept []string) (string, []byte) {
	if len(presentity.Users) > 1 {
		return "", nil
	}
	if len(presentity.Users) == 1 {
		user := presentity.Users[0]
		if ctype, body, ok := e.store.GetXML(user, accept); ok {
			return ctype, body
		}
		return SupportedPidfTypes[0], fakeOfflinePidf("sip:" + user)
	}
	return SupportedPidfTypes[0], fakeOfflinePidf(presentity.Address)
}

// sendNotify pushes the current state to a subscriber right after the
// SUBSCRIBE response.
func (e *EventServer) sendNotify(srv *sip.Server, subscribe *sip.Message,
	presentity Presentity, state string) {

	if subscribe.To == nil || subscribe.From == nil || subscribe.CallID == nil {
		return
	}
	ctype, body := e.notifyBody(presentity, subscribe.Header.Values("Accept"))

	notify := sip.CreateRequest(subscribe.RemoteAddr)
	notify.Method = sip.MethodNOTIFY
	var target *sip.URI
	if subscribe.Contact != nil && subscribe.Contact.Length() > 0 &&
		subscribe.Contact.Header[0].Addr != nil {
		target = subscribe.Contact.Header[0].Addr.Uri.Clone()
	} else {
		target = subscribe.RequestURI.Clone()
	}
	notify.RequestURI = target
	notify.From = subscribe.To.Clone()
	notify.From.RawParameter = "tag=" + sip.GenerateTag()
	notify.To = subscribe.From.Clone()
	notify.CallID = subscribe.CallID.Clone()
	notify.CSeq = &sip.CSeq{Sequence: 1, Method: sip.MethodNOTIFY}
	notify.Via = sip.NewViaHeaders()
	notify.Via.Insert(sip.NewViaHeader("SIP/2.0/UDP", srv.Address(),
		"branch="+sip.GenerateBranchParam()))
	notify.Header.Set("Event", "presence")
	notify.Header.Set("Subscription-State", state)
	if body != nil {
		notify.Header.Set("Content-Type", ctype)
		notify.Body = body
	}
	if err := srv.WriteMessage(notify); err != nil {
		srv.Warnf("could not send NOTIFY: %v", err)
	}
}

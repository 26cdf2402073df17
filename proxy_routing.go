package main

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alanrevans/yxa/sip"
)

// Routing outcomes form a closed set; every request resolves to
// exactly one of these.
const (
	OutcomeNone     = iota // nothing matched, 404
	OutcomeMe              // the request targets this proxy itself
	OutcomeProxy           // forward towards a known registration
	OutcomeRelay           // forward towards a third party (needs auth)
	OutcomeRedirect        // 302 with a Contact
	OutcomeForward         // force next hop host:port via a Route header
	OutcomeResponse        // answer with a fixed status and reason
	OutcomeError           // answer with an error status
)

type Outcome struct {
	Kind   int
	URI    *sip.URI
	Host   string
	Port   int
	Status int
	Reason string
}

// Results of a user location lookup.
const (
	LookupFound   = iota
	LookupNone    // user known, no current registration
	LookupNoMatch // not one of our SIP users
)

// RouteOracle resolves destinations. The production implementation is
// backed by the registrar and configuration (proxy_lookup.go); tests
// inject fakes.
type RouteOracle interface {
	LookupUser(uri *sip.URI) (*Outcome, int)
	LookupHomedomainURL(uri *sip.URI) *Outcome
	LookupPotn(number string) *Outcome
	LookupRemoteURL(uri *sip.URI) *Outcome
	LookupDefault(uri *sip.URI) *Outcome
}

var (
	cfg           *Config
	authenticater *Authenticator
	userdb        UserDatabase
	register      *RegisterController
	routes        RouteOracle
	eventServer   *EventServer
)

// ResponseCtxs maps forwarded client transactions back to the server
// transaction the answer belongs to.
type ResponseCtxs struct {
	mu     sync.Mutex
	ctToSt map[sip.ClientTransactionKey]sip.ServerTransactionKey
}

func NewResponseCtxs() *ResponseCtxs {
	return &ResponseCtxs{
		ctToSt: make(map[sip.ClientTransactionKey]sip.ServerTransactionKey),
	}
}

func (ctxs *ResponseCtxs) Add(st sip.ServerTransactionKey, ct sip.ClientTransactionKey) {
	ctxs.mu.Lock()
	defer ctxs.mu.Unlock()
	ctxs.ctToSt[ct] = st
}

func (ctxs *ResponseCtxs) GetStFromCt(ct sip.ClientTransactionKey) (sip.ServerTransactionKey, bool) {
	ctxs.mu.Lock()
	defer ctxs.mu.Unlock()
	st, ok := ctxs.ctToSt[ct]
	return st, ok
}

func (ctxs *ResponseCtxs) Remove(ct sip.ClientTransactionKey) {
	ctxs.mu.Lock()
	defer ctxs.mu.Unlock()
	delete(ctxs.ctToSt, ct)
}

var responseContexts *ResponseCtxs

// maxForwardsValue returns the effective Max-Forwards after the
// decrement this hop performs: default 70 when absent, capped at 255.
func maxForwardsValue(msg *sip.Message) int {
	value := sip.InitMaxForward
	if msg.MaxForwards != nil {
		value = msg.MaxForwards.Remains
	}
	if value > 255 {
		value = 255
	}
	return value - 1
}

// isRequestToMe reports whether the request addresses the proxy
// itself: a homedomain URI with no user part, or an OPTIONS whose
// Max-Forwards ran out at this hop.
func isRequestToMe(method string, uri *sip.URI, msg *sip.Message) bool {
	if uri.User == "" {
		return true
	}
	if method == sip.MethodOPTIONS && maxForwardsValue(msg) < 1 {
		return true
	}
	return false
}

// isPotnNumber reports whether user looks like a dialled telephone
// number amenable to E.164 rewriting.
func isPotnNumber(user string) bool {
	if user == "" {
		return false
	}
	for i, r := range user {
		if r == '+' && i == 0 {
			continue
		}
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// requestToHomedomain resolves a request whose URI names one of our
// domains. recursed bounds re-resolution through LookupHomedomainURL
// to a single level to break lookup loops. The pstn flag tells the
// caller the destination came out of the telephone-number path and
// needs PSTN admission.
func requestToHomedomain(msg *sip.Message, uri *sip.URI, recursed bool) (out *Outcome, pstn bool) {
	if isRequestToMe(msg.Method, uri, msg) {
		return &Outcome{Kind: OutcomeMe}, false
	}

	loc, status := routes.LookupUser(uri)
	switch status {
	case LookupFound:
		return loc, false
	case LookupNone:
		return &Outcome{Kind: OutcomeResponse, Status: sip.StatusTemporarilynotavailable,
			Reason: "Users location currently unknown"}, false
	}

	// not a SIP user of ours; try the homedomain URL table and, as a
	// last resort, a telephone-number interpretation of the user part
	if out := routes.LookupHomedomainURL(uri); out != nil {
		if out.Kind == OutcomeProxy && out.URI != nil && !recursed &&
			cfg.IsHomedomain(out.URI.Host) {
			return requestToHomedomain(msg, out.URI, true)
		}
		return out, false
	}

	if isPotnNumber(uri.User) {
		if out := routes.LookupPotn(uri.User); out != nil {
			return out, true
		}
	}

	return routes.LookupDefault(uri), false
}

// requestToRemote resolves a request whose URI names a foreign
// domain. A URI some user of ours is currently registered at is
// proxied directly; anything else is relayed.
func requestToRemote(uri *sip.URI) *Outcome {
	if out := routes.LookupRemoteURL(uri); out != nil {
		return out
	}
	if _, ok := userdb.GetUserWithContact(uri); ok {
		return &Outcome{Kind: OutcomeProxy, URI: uri}
	}
	return &Outcome{Kind: OutcomeRelay, URI: uri}
}

// sendChallenge answers 401 or 407 carrying a freshly minted
// challenge.
func sendChallenge(txn *sip.ServerTransaction, msg *sip.Message, proxyAuth, stale bool) {
	realm, nonce, opaque := newChallenge(cfg, time.Now().Unix())
	rep := msg.GenerateResponseFromRequest()
	rep.AddToTag()
	if proxyAuth {
		rep.StatusCode = sip.StatusProxyAuthenticationRequired
		rep.Header.Set("Proxy-Authenticate", formatChallengeHeader(realm, nonce, opaque, stale))
	} else {
		rep.StatusCode = sip.StatusUnauthorized
		rep.Header.Set("WWW-Authenticate", formatChallengeHeader(realm, nonce, opaque, stale))
	}
	txn.WriteMessage(rep)
}

func makeErrorResponse(srv *sip.Server, msg *sip.Message,
	txn *sip.ServerTransaction, status int) error {

	rep := msg.GenerateResponseFromRequest()
	rep.StatusCode = status
	rep.AddToTag()
	if txn != nil {
		txn.WriteMessage(rep)
	} else {
		srv.WriteMessage(rep)
	}
	return nil
}

// addrForNextHop returns the transport address for a URI or host.
func addrForNextHop(host string, port int) string {
	if port == 0 {
		port = 5060
	}
	return host + ":" + strconv.Itoa(port)
}

// generateForwardingRequest clones msg for the next hop: Max-Forwards
// decremented, received parameter patched onto the topmost Via, our
// own Via pushed on top.
func generateForwardingRequest(srv *sip.Server, msg *sip.Message) (*sip.Message, error, int) {
	fwdMsg := msg.Clone()
	if fwdMsg.MaxForwards == nil {
		fwdMsg.MaxForwards = sip.NewMaxForwardsHeader()
	}
	if !fwdMsg.MaxForwards.Decrement() {
		return nil, sip.ErrStatusError, sip.StatusTooManyHops
	}
	if fwdMsg.Via == nil {
		fwdMsg.Via = sip.NewViaHeaders()
	}
	topmost := fwdMsg.Via.TopMost()
	if topmost != nil && topmost.SentBy != msg.RemoteAddr {
		param := topmost.Parameter()
		param.Set("received", strings.SplitN(msg.RemoteAddr, ":", 2)[0])
		newParam := ""
		for key, values := range param {
			for _, value := range values {
				newParam += fmt.Sprintf(";%s=%s", key, value)
			}
		}
		topmost.RawParameter = newParam[1:]
	}
	fwdMsg.Via.Insert(sip.NewViaHeader("SIP/2.0/UDP", srv.Address(),
		"branch="+sip.GenerateBranchParam()))
	return fwdMsg, nil, 0
}

// nextHopFromRoute picks the transport address from the topmost Route
// header, honouring loose routing, and strips the route entry that
// names this hop.
func nextHopFromRoute(srv *sip.Server, fwdMsg *sip.Message) {
	routeValues := fwdMsg.Header.Values("Route")
	if len(routeValues) == 0 {
		fwdMsg.RemoteAddr = addrForNextHop(fwdMsg.RequestURI.Host, fwdMsg.RequestURI.Port)
		return
	}
	routeSet := sip.NewNameAddrFormatHeaders()
	for _, route := range routeValues {
		sip.ParseNameAddrFormats(route, routeSet)
	}
	if routeSet.Length() == 0 {
		fwdMsg.RemoteAddr = addrForNextHop(fwdMsg.RequestURI.Host, fwdMsg.RequestURI.Port)
		return
	}
	top := routeSet.Header[0]
	topURI := top.Addr.Uri
	offset := 0
	if topURI.Host == strings.SplitN(srv.Address(), ":", 2)[0] ||
		topURI.HostPort() == srv.Address() {
		// topmost route is this proxy, drop it
		offset = 1
	}
	fwdMsg.Header.Del("Route")
	for i := offset; i < routeSet.Length(); i++ {
		fwdMsg.Header.Add("Route", routeSet.Header[i].String())
	}
	if offset < routeSet.Length() {
		next := routeSet.Header[offset].Addr.Uri
		fwdMsg.RemoteAddr = addrForNextHop(next.Host, next.Port)
		return
	}
	fwdMsg.RemoteAddr = addrForNextHop(fwdMsg.RequestURI.Host, fwdMsg.RequestURI.Port)
}

// forwardRequest sends the request towards target (or the route set /
// request URI when target is nil) through a client transaction.
func forwardRequest(srv *sip.Server, msg *sip.Message, txn *sip.ServerTransaction,
	target *sip.URI) (error, int) {

	fwdMsg, err, status := generateForwardingRequest(srv, msg)
	if err != nil {
		return err, status
	}
	if target != nil {
		fwdMsg.RequestURI = target.Clone()
	}
	if cfg.RecordRoute {
		recordRoutes := fwdMsg.Header.Values("Record-Route")
		newRR := fmt.Sprintf("<sip:%s;lr>", srv.Address())
		fwdMsg.Header.Set("Record-Route", newRR)
		for _, rr := range recordRoutes {
			fwdMsg.Header.Add("Record-Route", rr)
		}
	}
	nextHopFromRoute(srv, fwdMsg)

	if msg.Method == sip.MethodACK {
		// ACK is forwarded statelessly, no transaction
		srv.WriteMessage(fwdMsg)
		return nil, 0
	}

	var clientTxn *sip.ClientTransaction
	if msg.Method == sip.MethodINVITE {
		clientTxn = sip.NewClientInviteTransaction(srv, fwdMsg, clientTransactionErrorHandler)
	} else {
		clientTxn = sip.NewClientNonInviteTransaction(srv, fwdMsg, clientTransactionErrorHandler)
	}
	if clientTxn == nil {
		return sip.ErrStatusError, sip.StatusInternalServerError
	}
	if txn != nil {
		responseContexts.Add(*(txn.Key), *(clientTxn.Key))
	}
	err = srv.AddClientTransaction(clientTxn)
	if err != nil {
		srv.Warnf("%v", err)
		clientTxn.Destroy()
		return sip.ErrStatusError, sip.StatusInternalServerError
	}
	clientTxn.WriteMessage(fwdMsg)
	return nil, 0
}

func clientTransactionErrorHandler(txn *sip.ClientTransaction) {
	stKey, exist := responseContexts.GetStFromCt(*(txn.Key))
	if !exist {
		// Nothing to do
		return
	}
	responseContexts.Remove(*txn.Key)
	srvTxn := txn.Server.LookupServerTransaction(&stKey)
	if srvTxn == nil {
		// Nothing to do
		return
	}
	switch txn.Err {
	case sip.ErrTransactionTimedOut:
		makeErrorResponse(txn.Server, srvTxn.Request, srvTxn, sip.StatusRequestTimeout)
	default:
		makeErrorResponse(txn.Server, srvTxn.Request, srvTxn, sip.StatusInternalServerError)
	}
}

// actOnRouting turns an outcome into wire activity. authRes is the
// Proxy-Authorization verdict collected earlier; Relay insists on it
// except for CANCEL and BYE, which target an existing dialog.
func actOnRouting(srv *sip.Server, msg *sip.Message, txn *sip.ServerTransaction,
	out *Outcome, authRes AuthResult) (error, int) {

	if out == nil {
		return sip.ErrStatusError, sip.StatusNotFound
	}
	switch out.Kind {
	case OutcomeNone:
		return sip.ErrStatusError, sip.StatusNotFound
	case OutcomeMe:
		if msg.Method == sip.MethodOPTIONS {
			return sip.ErrStatusError, sip.StatusOk
		}
		// this proxy holds no dialog state
		return sip.ErrStatusError, sip.StatusCallLegTransactionDoesNotExist
	case OutcomeProxy:
		return forwardRequest(srv, msg, txn, out.URI)
	case OutcomeRelay:
		if msg.Method != sip.MethodCANCEL && msg.Method != sip.MethodBYE {
			if authRes.Verdict != AuthAuthenticated && authRes.Verdict != AuthPeerAuthenticated {
				sendChallenge(txn, msg, true, authRes.Verdict == AuthStale)
				return nil, 0
			}
		}
		return forwardRequest(srv, msg, txn, out.URI)
	case OutcomeRedirect:
		rep := msg.GenerateResponseFromRequest()
		rep.StatusCode = sip.StatusMovedTemporarily
		rep.AddToTag()
		rep.Header.Set("Contact", fmt.Sprintf("<%s>", out.URI))
		txn.WriteMessage(rep)
		return nil, 0
	case OutcomeForward:
		fwd := msg.Clone()
		routeValues := fwd.Header.Values("Route")
		fwd.Header.Set("Route", fmt.Sprintf("<sip:%s;lr>", addrForNextHop(out.Host, out.Port)))
		for _, r := range routeValues {
			fwd.Header.Add("Route", r)
		}
		return forwardRequest(srv, fwd, txn, nil)
	case OutcomeResponse:
		rep := msg.GenerateResponseFromRequest()
		rep.StatusCode = out.Status
		rep.ReasonPhrase = out.Reason
		rep.AddToTag()
		txn.WriteMessage(rep)
		return nil, 0
	case OutcomeError:
		return sip.ErrStatusError, out.Status
	}
	return sip.ErrStatusError, sip.StatusInternalServerError
}

// registerHandler implements REGISTER admission and the registrar
// call. REGISTER for a foreign domain falls back to the generic path.
func registerHandler(srv *sip.Server, msg *sip.Message, txn *sip.ServerTransaction) (error, int) {
	if !cfg.IsHomedomain(msg.RequestURI.Host) {
		return genericHandler(srv, msg, txn)
	}
	msg.Header.Del("Record-Route")

	var toURL *sip.URI
	if msg.To != nil && msg.To.Addr != nil {
		toURL = msg.To.Addr.Uri
	}
	if toURL == nil {
		return sip.ErrStatusError, sip.StatusBadRequest
	}

	dec, err := canRegister(authenticater, userdb, msg, toURL)
	if err != nil {
		srv.Infof("REGISTER with bad credentials: %v", err)
		return sip.ErrStatusError, sip.StatusBadRequest
	}
	switch {
	case dec.Stale:
		sendChallenge(txn, msg, false, true)
		return nil, 0
	case dec.Allowed:
		result, err := register.Process(msg, dec.User)
		if err != nil {
			srv.Warnf("registrar failure: %v", err)
			return sip.ErrStatusError, sip.StatusInternalServerError
		}
		rep := msg.GenerateResponseFromRequest()
		rep.StatusCode = result.Status
		rep.AddToTag()
		if result.Contact != nil {
			for _, c := range result.Contact.Header {
				rep.Header.Add("Contact", c.String())
			}
		}
		txn.WriteMessage(rep)
		return nil, 0
	case dec.Reason == ReasonEperm:
		srv.Infof("user %q may not register address %q", dec.User, toURL)
		return sip.ErrStatusError, sip.StatusForbidden
	case dec.Reason == ReasonNomatch:
		srv.Infof("address %q not known here (user %q)", toURL, dec.User)
		return sip.ErrStatusError, sip.StatusNotFound
	}
	if msg.Header.Get(HeaderAuthorization) == "" {
		srv.Debugf("REGISTER without credentials, sending challenge")
	} else {
		srv.Infof("REGISTER authentication failed, sending challenge")
	}
	sendChallenge(txn, msg, false, false)
	return nil, 0
}

// genericHandler authenticates (when the From identity is ours) and
// routes everything that is not REGISTER or an event-package method.
func genericHandler(srv *sip.Server, msg *sip.Message, txn *sip.ServerTransaction) (error, int) {
	var fromURL *sip.URI
	if msg.From != nil && msg.From.Addr != nil {
		fromURL = msg.From.Addr.Uri
	}

	authRes := AuthResult{Verdict: AuthRejected}
	fromIsOurs := fromURL != nil && cfg.IsHomedomain(fromURL.Host)
	needAuth := fromIsOurs && msg.Method != sip.MethodACK && msg.Method != sip.MethodCANCEL

	if needAuth {
		var err error
		authRes, err = authenticater.VerifyProxyAuthorization(msg)
		if err != nil {
			return sip.ErrStatusError, sip.StatusBadRequest
		}
		switch authRes.Verdict {
		case AuthAuthenticated, AuthPeerAuthenticated:
			if cfg.AlwaysVerify && authRes.Verdict == AuthAuthenticated {
				if ok, _ := canUseAddress(userdb, authRes.User, fromURL); !ok {
					srv.Infof("user %q may not use address %q", authRes.User, fromURL)
					return sip.ErrStatusError, sip.StatusForbidden
				}
			}
		default:
			sendChallenge(txn, msg, true, authRes.Verdict == AuthStale)
			return nil, 0
		}
	}

	uri := msg.RequestURI
	var out *Outcome
	var pstn bool
	if cfg.IsHomedomain(uri.Host) {
		out, pstn = requestToHomedomain(msg, uri, false)
	} else {
		out = requestToRemote(uri)
	}

	if pstn {
		dec, err := pstnCallCheckAuth(authenticater, userdb, cfg, msg, fromURL, uri.User)
		if err != nil {
			srv.Warnf("pstn admission failure: %v", err)
			return sip.ErrStatusError, sip.StatusInternalServerError
		}
		switch {
		case dec.Stale:
			sendChallenge(txn, msg, true, true)
			return nil, 0
		case !dec.Allowed && dec.User == "":
			sendChallenge(txn, msg, true, false)
			return nil, 0
		case !dec.Allowed:
			srv.Infof("user %q denied pstn class %q", dec.User, dec.Class)
			return sip.ErrStatusError, sip.StatusForbidden
		}
		if cfg.PeerAuthSecret != "" && dec.User != UserUnknown {
			addPeerAuth(cfg, msg, dec.User, cfg.PeerAuthSecret, time.Now().Unix())
		}
	}

	return actOnRouting(srv, msg, txn, out, authRes)
}

func ackHandler(srv *sip.Server, msg *sip.Message) (error, int) {
	srv.Debugf("forwarding ACK statelessly\n")
	return forwardRequest(srv, msg, nil, nil)
}

func responseHandler(srv *sip.Server, msg *sip.Message) error {
	if msg.CSeq == nil || msg.Via == nil {
		return sip.ErrMalformedMessage
	}

	cltTxnKeyP, err := sip.GenerateClientTransactionKey(msg)
	if err != nil {
		srv.Warnf("cannot generate client transaction key")
		return nil
	}
	cltTxnKey := *cltTxnKeyP

	cpMsg := msg.Clone()
	if cpMsg == nil {
		srv.Warnf("Message could not copied")
		return nil
	}
	cpMsg.Via.Pop()
	topMostVia := cpMsg.Via.TopMost()
	if topMostVia == nil {
		// response addressed to us, nowhere to forward
		return nil
	}
	if received := topMostVia.Parameter().Get("received"); received != "" {
		port := "5060"
		if addrPort := strings.SplitN(topMostVia.SentBy, ":", 2); len(addrPort) == 2 {
			port = addrPort[1]
		}
		cpMsg.RemoteAddr = received + ":" + port
	} else {
		cpMsg.RemoteAddr = topMostVia.SentBy
	}

	if msg.StatusCode >= 200 {
		responseContexts.Remove(cltTxnKey)
	}
	srv.WriteMessage(cpMsg)
	return nil
}

func requestHandler(srv *sip.Server, msg *sip.Message) error {
	if msg.Method == sip.MethodACK {
		err, status := ackHandler(srv, msg)
		if err != nil {
			return makeErrorResponse(srv, msg, nil, status)
		}
		return nil
	}

	txnKey, err := sip.GenerateServerTransactionKey(msg)
	if err != nil {
		return err
	}

	var txn *sip.ServerTransaction
	if msg.Method == sip.MethodINVITE {
		txn = sip.NewServerInviteTransaction(srv, txnKey, msg)
	} else {
		txn = sip.NewServerNonInviteTransaction(srv, txnKey, msg)
	}
	err = srv.AddServerTransaction(txn)
	if err != nil {
		srv.Warnf("%v", err)
		txn.Destroy()
		return err
	}

	var status int
	switch msg.Method {
	case sip.MethodREGISTER:
		err, status = registerHandler(srv, msg, txn)
	case sip.MethodPUBLISH,
		sip.MethodNOTIFY,
		sip.MethodSUBSCRIBE:
		if cfg.IsHomedomain(msg.RequestURI.Host) {
			err, status = eventServer.Handle(srv, msg, txn)
		} else {
			err, status = genericHandler(srv, msg, txn)
		}
	default:
		err, status = genericHandler(srv, msg, txn)
	}

	switch err {
	case nil:
		return nil
	case sip.ErrStatusError:
		return makeErrorResponse(srv, msg, txn, status)
	default:
		return makeErrorResponse(srv, msg, txn, sip.StatusInternalServerError)
	}
}

func proxyCoreHandler(layer int, srv *sip.Server, msg *sip.Message) error {
	if layer != sip.LayerCore && layer != sip.LayerTransaction {
		return nil
	}
	if msg.Request {
		return requestHandler(srv, msg)
	} else if msg.Response {
		return responseHandler(srv, msg)
	}
	return nil
}

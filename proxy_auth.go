package main

import (
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/alanrevans/yxa/sip"
)

const (
	HeaderAuthorization      = "Authorization"
	HeaderProxyAuthorization = "Proxy-Authorization"
	HeaderPeerAuth           = "X-Yxa-Peer-Auth"
)

// NonceFreshnessWindow is how far in the past a nonce timestamp may
// lie before the credentials count as stale. Server wall clock
// relative; peer proxies sharing the secret need NTP-grade clocks.
const NonceFreshnessWindow = 30

const (
	AuthRejected = iota
	AuthStale
	AuthAuthenticated
	AuthPeerAuthenticated
)

// AuthResult is the outcome of verifying one credentials header.
// User is the canonical user id for AuthStale and better.
type AuthResult struct {
	Verdict int
	User    string
}

var (
	ErrMalformedAuthorization = &sip.ProtocolError{ErrorString: "Authorization should contain opaque"}
	ErrMultipleAuthorization  = &sip.ProtocolError{ErrorString: "more than one Authorization header"}
	ErrGSSAPINotSupported     = &sip.ProtocolError{ErrorString: "GSSAPI authentication not supported"}
)

// UserDatabase is the user oracle consumed by authentication and
// admission control. The sqlite implementation lives in
// proxy_userdb.go; tests inject fakes.
type UserDatabase interface {
	// Canonify maps a username as presented by a UA to the canonical
	// user id. ok is false when the username is unknown.
	Canonify(username string, msg *sip.Message) (userId string, ok bool)
	// LookupPassword returns the password for a canonical user.
	LookupPassword(userId string) (password string, ok bool)
	// UsersForURL returns every user owning the address.
	UsersForURL(url *sip.URI) (users []string, ok bool)
	// GetUserWithAddress returns the user owning the address, if any.
	GetUserWithAddress(url *sip.URI) (userId string, ok bool)
	// GetUserWithContact returns the user currently registered at the
	// given contact URI, if any.
	GetUserWithContact(url *sip.URI) (userId string, ok bool)
	// ClassesForUser returns the destination classes the user may call.
	ClassesForUser(userId string) (classes []string, ok bool)
	// RewritePotnToE164 normalizes a dialled number to E.164.
	RewritePotnToE164(number string) (string, error)
}

// Authenticator verifies digest credentials against the stateless
// challenge scheme.
type Authenticator struct {
	cfg   *Config
	users UserDatabase
	now   func() int64
}

func NewAuthenticator(cfg *Config, users UserDatabase) *Authenticator {
	return &Authenticator{
		cfg:   cfg,
		users: users,
		now:   func() int64 { return time.Now().Unix() },
	}
}

// parseDigestCredentials decodes one credentials header value into a
// lowercase-keyed map. Only the first occurrence of a field counts.
// A nil map with nil error means a scheme we do not speak.
func parseDigestCredentials(s string) (map[string]string, error) {
	const blk = ", \t\r\n"
	s = strings.Trim(s, blk)

	splitS := strings.SplitN(s, " ", 2)
	if len(splitS) != 2 {
		return nil, ErrMalformedAuthorization
	}
	scheme, rear := splitS[0], splitS[1]

	if strings.EqualFold(scheme, "gssapi") {
		// the GSSAPI placeholder is rejected at scheme detection,
		// before any field parsing is attempted
		return nil, ErrGSSAPINotSupported
	}
	if !strings.EqualFold(scheme, "digest") {
		return nil, nil
	}

	result := make(map[string]string)
	cut := 0
	quoted := false
	for i := 0; i <= len(rear); i++ {
		if i < len(rear) && rear[i] == '"' {
			quoted = !quoted
			continue
		}
		if i < len(rear) && (rear[i] != ',' || quoted) {
			continue
		}
		param := strings.Trim(rear[cut:i], blk)
		cut = i + 1
		if param == "" {
			continue
		}
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(kv[0])
		val := strings.Trim(kv[1], "\"")
		if _, ok := result[key]; !ok {
			result[key] = val
		}
	}
	return result, nil
}

// verifyCredentials is the common verification kernel. peer selects
// the X-Yxa-Peer-Auth rules: the peer secret as password, realm taken
// from the header itself, no canonicalization.
func (a *Authenticator) verifyCredentials(msg *sip.Message, creds map[string]string, peer bool) (AuthResult, error) {
	opaque, ok := creds["opaque"]
	if !ok {
		// the single fatal parse error: without opaque the nonce
		// cannot be reconstructed
		return AuthResult{Verdict: AuthRejected}, ErrMalformedAuthorization
	}

	username := creds["username"]
	userId := username
	var password, realm string
	var found bool
	if peer {
		if a.cfg.PeerAuthSecret == "" {
			if sip.LogLevel >= sip.LogDebug {
				log.Printf("peer auth header present but no peer secret configured")
			}
			return AuthResult{Verdict: AuthRejected}, nil
		}
		password = a.cfg.PeerAuthSecret
		found = true
		realm = creds["realm"]
	} else {
		if canon, ok := a.users.Canonify(username, msg); ok {
			userId = canon
		}
		password, found = a.users.LookupPassword(userId)
		realm = a.cfg.AuthRealm
	}

	nonceExpected := makeNonce(a.cfg, opaque)
	// the client hashed with the username exactly as it sent it, so
	// the expected response uses the received name, not the canonical
	responseExpected := computeResponse(nonceExpected, msg.Method, creds["uri"],
		username, password, realm)

	if !found {
		log.Printf("auth: no password for user %q", userId)
		return AuthResult{Verdict: AuthRejected}, nil
	}
	if creds["response"] != responseExpected {
		return AuthResult{Verdict: AuthRejected}, nil
	}
	if creds["nonce"] != nonceExpected {
		return AuthResult{Verdict: AuthRejected}, nil
	}

	timestamp, err := strconv.ParseInt(opaque, 16, 64)
	if err != nil {
		return AuthResult{Verdict: AuthRejected}, nil
	}
	now := a.now()
	if timestamp < now-NonceFreshnessWindow {
		return AuthResult{Verdict: AuthStale, User: userId}, nil
	}
	if timestamp > now {
		// clock skew or a forged future timestamp
		return AuthResult{Verdict: AuthRejected}, nil
	}

	verdict := AuthAuthenticated
	if peer {
		verdict = AuthPeerAuthenticated
	}
	return AuthResult{Verdict: verdict, User: userId}, nil
}

// verifyHeader runs the kernel for one header name. An absent header
// is AuthRejected without error; duplicated headers are fatal.
func (a *Authenticator) verifyHeader(header string, msg *sip.Message) (AuthResult, error) {
	values := msg.Header.Values(header)
	if len(values) == 0 {
		return AuthResult{Verdict: AuthRejected}, nil
	}
	if len(values) > 1 {
		return AuthResult{Verdict: AuthRejected}, ErrMultipleAuthorization
	}
	creds, err := parseDigestCredentials(values[0])
	if err != nil {
		return AuthResult{Verdict: AuthRejected}, err
	}
	if creds == nil {
		return AuthResult{Verdict: AuthRejected}, nil
	}
	return a.verifyCredentials(msg, creds, header == HeaderPeerAuth)
}

func (a *Authenticator) VerifyAuthorization(msg *sip.Message) (AuthResult, error) {
	return a.verifyHeader(HeaderAuthorization, msg)
}

func (a *Authenticator) VerifyProxyAuthorization(msg *sip.Message) (AuthResult, error) {
	return a.verifyHeader(HeaderProxyAuthorization, msg)
}

func (a *Authenticator) VerifyPeerAuth(msg *sip.Message) (AuthResult, error) {
	return a.verifyHeader(HeaderPeerAuth, msg)
}

// VerifyPstn is the composite used for PSTN destinations: peer auth
// first, falling through to Proxy-Authorization only when the peer
// header is absent. A present but invalid peer header stays Rejected;
// falling through there would let a broken peer silently downgrade to
// user credentials.
func (a *Authenticator) VerifyPstn(msg *sip.Message) (AuthResult, error) {
	if len(msg.Header.Values(HeaderPeerAuth)) == 0 {
		return a.VerifyProxyAuthorization(msg)
	}
	return a.VerifyPeerAuth(msg)
}

package main

import (
	"github.com/alanrevans/yxa/sip"
)

// UserUnknown marks a PSTN call from an address that does not belong
// to any of our users.
const UserUnknown = "unknown"

// RegisterDecision is the outcome of REGISTER admission. Reason is
// one of ok/eperm/nomatch for authenticated requests and "none" when
// no valid credentials were present.
type RegisterDecision struct {
	Allowed bool
	Stale   bool
	Reason  string
	User    string
}

// canRegister decides whether the request may bind contacts for the
// address of record in toURL. Ownership is checked against To, not
// From: third-party registration is allowed as long as the
// authenticated user owns the AOR being bound.
func canRegister(auth *Authenticator, users UserDatabase, msg *sip.Message, toURL *sip.URI) (RegisterDecision, error) {
	res, err := auth.VerifyAuthorization(msg)
	if err != nil {
		return RegisterDecision{}, err
	}
	switch res.Verdict {
	case AuthAuthenticated:
		allowed, reason := canUseAddress(users, res.User, toURL)
		return RegisterDecision{Allowed: allowed, Reason: reason, User: res.User}, nil
	case AuthStale:
		return RegisterDecision{Stale: true, User: res.User}, nil
	}
	return RegisterDecision{Reason: "none"}, nil
}

// PstnDecision is the outcome of admission for a call towards the
// telephone network.
type PstnDecision struct {
	Allowed bool
	Stale   bool
	User    string
	Class   string
}

// pstnCallCheckAuth decides whether a request towards a PSTN number
// is admitted. Destinations whose class is configured as
// unauthenticated skip the challenge; when cfg.AlwaysVerify is set, a
// From address belonging to one of our own users must still be owned
// by that user. Everything
// else authenticates via peer auth or Proxy-Authorization.
func pstnCallCheckAuth(auth *Authenticator, users UserDatabase, cfg *Config,
	msg *sip.Message, fromURL *sip.URI, toNumberIn string) (PstnDecision, error) {

	toNumber, err := users.RewritePotnToE164(toNumberIn)
	if err != nil {
		toNumber = toNumberIn
	}

	class, err := classifyNumber(toNumber, cfg.ClassDefs)
	if err != nil {
		return PstnDecision{}, err
	}

	if cfg.IsUnauthClass(class) {
		if !cfg.AlwaysVerify {
			return PstnDecision{Allowed: true, User: UserUnknown, Class: class}, nil
		}
		if u, ok := users.GetUserWithAddress(fromURL); ok {
			allowed, _ := canUseAddress(users, u, fromURL)
			return PstnDecision{Allowed: allowed, User: u, Class: class}, nil
		}
		return PstnDecision{Allowed: true, User: UserUnknown, Class: class}, nil
	}

	res, err := auth.VerifyPstn(msg)
	if err != nil {
		return PstnDecision{}, err
	}
	switch res.Verdict {
	case AuthStale:
		return PstnDecision{Stale: true, User: res.User, Class: class}, nil
	case AuthPeerAuthenticated:
		// address ownership was vouched for by the peer proxy,
		// only the destination class remains to check
		allowed := isAllowedPstnDst(users, res.User, toNumber, msg, class)
		return PstnDecision{Allowed: allowed, User: res.User, Class: class}, nil
	case AuthAuthenticated:
		okAddr, _ := canUseAddress(users, res.User, fromURL)
		okDst := isAllowedPstnDst(users, res.User, toNumber, msg, class)
		return PstnDecision{Allowed: okAddr && okDst, User: res.User, Class: class}, nil
	}
	return PstnDecision{Class: class}, nil
}

// addPeerAuth signs an outgoing request for a peer proxy running the
// same software. The challenge is minted locally; the peer trusts our
// clock as far as the freshness window allows.
func addPeerAuth(cfg *Config, msg *sip.Message, user, secret string, now int64) {
	realm, nonce, opaque := newChallenge(cfg, now)
	uri := msg.RequestURI.String()
	response := computeResponse(nonce, msg.Method, uri, user, secret, realm)
	msg.Header.Set(HeaderPeerAuth,
		formatAuthHeader("Digest", user, realm, uri, response, nonce, opaque, "md5"))
}

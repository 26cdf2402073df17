package main

import (
	"strconv"
	"strings"

	"github.com/alanrevans/yxa/sip"
)

// locationLookup is the production RouteOracle: user locations come
// from the registrar, telephone numbers go to the configured PSTN
// gateway, and the default route catches the rest.
type locationLookup struct {
	cfg       *Config
	users     UserDatabase
	registrar *RegisterController
}

func NewLocationLookup(cfg *Config, users UserDatabase, registrar *RegisterController) RouteOracle {
	return &locationLookup{cfg: cfg, users: users, registrar: registrar}
}

func (l *locationLookup) LookupUser(uri *sip.URI) (*Outcome, int) {
	user, ok := l.users.GetUserWithAddress(uri)
	if !ok {
		return nil, LookupNoMatch
	}
	bindings, err := l.registrar.LookupBindings(user)
	if err != nil || len(bindings) == 0 {
		return nil, LookupNone
	}
	// bindings are sorted by q, best first
	target, err := sip.Parse(bindings[0].Bind)
	if err != nil {
		return nil, LookupNone
	}
	return &Outcome{Kind: OutcomeProxy, URI: target}, LookupFound
}

func (l *locationLookup) LookupHomedomainURL(uri *sip.URI) *Outcome {
	return nil
}

func (l *locationLookup) LookupPotn(number string) *Outcome {
	if l.cfg.PstnGateway == "" {
		return nil
	}
	e164, err := l.users.RewritePotnToE164(number)
	if err != nil {
		e164 = number
	}
	host := l.cfg.PstnGateway
	port := 0
	if colon := strings.LastIndex(host, ":"); colon >= 0 {
		if p, err := strconv.Atoi(host[colon+1:]); err == nil {
			port = p
			host = host[:colon]
		}
	}
	uri := &sip.URI{Scheme: "sip", User: e164, Host: host, Port: port}
	return &Outcome{Kind: OutcomeRelay, URI: uri}
}

func (l *locationLookup) LookupRemoteURL(uri *sip.URI) *Outcome {
	return nil
}

func (l *locationLookup) LookupDefault(uri *sip.URI) *Outcome {
	if l.cfg.DefaultRoute == "" {
		return nil
	}
	host := l.cfg.DefaultRoute
	port := 0
	if colon := strings.LastIndex(host, ":"); colon >= 0 {
		if p, err := strconv.Atoi(host[colon+1:]); err == nil {
			port = p
			host = host[:colon]
		}
	}
	return &Outcome{Kind: OutcomeForward, Host: host, Port: port}
}

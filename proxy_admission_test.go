package main

import (
	"testing"

	"github.com/alanrevans/yxa/sip"
)

func TestCanRegisterUnauthenticated(t *testing.T) {
	a := testAuthenticator(testNow)
	msg := newTestRequest(sip.MethodREGISTER, "sip:example.org")

	dec, err := canRegister(a, testUserDB(), msg, mustParse(t, "sip:ft@example.org"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed || dec.Stale {
		t.Errorf("expect unauthenticated register denied: %+v", dec)
	}
	if actual, expect := dec.Reason, "none"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestCanRegisterAuthenticated(t *testing.T) {
	a := testAuthenticator(testNow)
	msg := newTestRequest(sip.MethodINVITE, "sip:example.org")
	// the response was computed over the INVITE method in the vector
	msg.Header.Set(HeaderAuthorization, testAuthHeaderValue())

	dec, err := canRegister(a, testUserDB(), msg, mustParse(t, "sip:ft@example.org"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("expect allowed: %+v", dec)
	}
	if actual, expect := dec.User, "canon-user"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestCanRegisterForeignAddress(t *testing.T) {
	a := testAuthenticator(testNow)
	db := testUserDB()
	db.addresses["sip:other@example.org"] = []string{"someone-else"}
	msg := newTestRequest(sip.MethodINVITE, "sip:example.org")
	msg.Header.Set(HeaderAuthorization, testAuthHeaderValue())

	dec, err := canRegister(a, db, msg, mustParse(t, "sip:other@example.org"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Errorf("expect denied: %+v", dec)
	}
	if actual, expect := dec.Reason, ReasonEperm; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestCanRegisterStale(t *testing.T) {
	a := testAuthenticator(testNow + 31)
	msg := newTestRequest(sip.MethodINVITE, "sip:example.org")
	msg.Header.Set(HeaderAuthorization, testAuthHeaderValue())

	dec, err := canRegister(a, testUserDB(), msg, mustParse(t, "sip:ft@example.org"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Stale {
		t.Errorf("expect stale: %+v", dec)
	}
	if actual, expect := dec.User, "canon-user"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthNoCredentials(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^123", Class: "testclass"}}
	a := NewAuthenticator(config, testUserDB())
	a.now = func() int64 { return testNow }
	msg := newTestRequest(sip.MethodINVITE, "sip:123456789@example.org")

	dec, err := pstnCallCheckAuth(a, testUserDB(), config, msg,
		mustParse(t, "sip:ft@example.org"), "123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed || dec.Stale {
		t.Errorf("expect denied: %+v", dec)
	}
	if actual, expect := dec.User, ""; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := dec.Class, "testclass"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthUnauthClassKnownUser(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^112", Class: "emergency"}}
	config.UnauthClasses = []string{"emergency"}
	db := testUserDB()
	a := NewAuthenticator(config, db)
	a.now = func() int64 { return testNow }
	msg := newTestRequest(sip.MethodINVITE, "sip:112@example.org")

	dec, err := pstnCallCheckAuth(a, db, config, msg,
		mustParse(t, "sip:ft@example.org"), "112")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("expect allowed: %+v", dec)
	}
	if actual, expect := dec.User, "canon-user"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthUnauthClassUnknownUser(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^112", Class: "emergency"}}
	config.UnauthClasses = []string{"emergency"}
	db := testUserDB()
	a := NewAuthenticator(config, db)
	msg := newTestRequest(sip.MethodINVITE, "sip:112@example.org")

	dec, err := pstnCallCheckAuth(a, db, config, msg,
		mustParse(t, "sip:visitor@elsewhere.example.com"), "112")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("expect allowed: %+v", dec)
	}
	if actual, expect := dec.User, UserUnknown; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthAuthenticated(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^123", Class: "national"}}
	db := testUserDB()
	db.classes["canon-user"] = []string{"national"}
	a := NewAuthenticator(config, db)
	a.now = func() int64 { return testNow }
	msg := newTestRequest(sip.MethodINVITE, "sip:ft@example.org")
	msg.Header.Set(HeaderProxyAuthorization, testAuthHeaderValue())

	dec, err := pstnCallCheckAuth(a, db, config, msg,
		mustParse(t, "sip:ft@example.org"), "123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Allowed {
		t.Errorf("expect allowed: %+v", dec)
	}
	if actual, expect := dec.Class, "national"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthDeniedClass(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^900", Class: "premium"}}
	db := testUserDB()
	db.classes["canon-user"] = []string{"national"}
	a := NewAuthenticator(config, db)
	a.now = func() int64 { return testNow }
	msg := newTestRequest(sip.MethodINVITE, "sip:ft@example.org")
	msg.Header.Set(HeaderProxyAuthorization, testAuthHeaderValue())

	dec, err := pstnCallCheckAuth(a, db, config, msg,
		mustParse(t, "sip:ft@example.org"), "900555")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dec.Allowed {
		t.Errorf("expect denied: %+v", dec)
	}
	if actual, expect := dec.User, "canon-user"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestPstnCallCheckAuthStale(t *testing.T) {
	config := testConfig()
	config.ClassDefs = []ClassDef{{Pattern: "^123", Class: "national"}}
	db := testUserDB()
	a := NewAuthenticator(config, db)
	a.now = func() int64 { return testNow + 31 }
	msg := newTestRequest(sip.MethodINVITE, "sip:ft@example.org")
	msg.Header.Set(HeaderProxyAuthorization, testAuthHeaderValue())

	dec, err := pstnCallCheckAuth(a, db, config, msg,
		mustParse(t, "sip:ft@example.org"), "123456789")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !dec.Stale {
		t.Errorf("expect stale: %+v", dec)
	}
}

func TestAddPeerAuthRoundTrip(t *testing.T) {
	config := testConfig()
	config.PeerAuthSecret = "peersecret"
	a := NewAuthenticator(config, testUserDB())
	a.now = func() int64 { return testNow }

	msg := newTestRequest(sip.MethodINVITE, "sip:+4612345@pstn.example.net")
	addPeerAuth(config, msg, "proxy-one", config.PeerAuthSecret, testNow)

	if msg.Header.Get(HeaderPeerAuth) == "" {
		t.Fatalf("expect peer auth header")
	}
	res, err := a.VerifyPeerAuth(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := res.Verdict, AuthPeerAuthenticated; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := res.User, "proxy-one"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

package main

import (
	"path/filepath"
	"testing"

	"github.com/alanrevans/yxa/sip"
)

func testRegisterController(t *testing.T) *RegisterController {
	t.Helper()
	r := NewRegisterController(filepath.Join(t.TempDir(), "reg.sqlite"))
	if r == nil {
		t.Fatalf("could not open location store")
	}
	return r
}

func contactFromString(t *testing.T, s string) *sip.Contact {
	t.Helper()
	contacts := sip.NewContactHeaders()
	if err := sip.ParseContacts(s, contacts); err != nil {
		t.Fatalf("parse contact %q: %v", s, err)
	}
	return contacts.Header[0]
}

func TestDetermOperation(t *testing.T) {
	star := contactFromString(t, "*")
	if op, status := determOperation(star, 0, true, nil); status != 0 ||
		op.Operation != REGISTRATION_DELALL {
		t.Errorf("expect delete-all: (%+v, %v)", op, status)
	}
	if _, status := determOperation(star, 3600, true, nil); status != sip.StatusBadRequest {
		t.Errorf("expect 400 for star with nonzero expires: %v", status)
	}

	contact := contactFromString(t, "<sip:ft@198.51.100.7:5062>")
	bind := contact.Addr.Uri
	if op, status := determOperation(contact, 0, true, bind); status != 0 ||
		op.Operation != REGISTRATION_DEL {
		t.Errorf("expect delete: (%+v, %v)", op, status)
	}
	if _, status := determOperation(contact, 5, true, bind); status != sip.StatusIntervalTooBrief {
		t.Errorf("expect 423: %v", status)
	}
	if op, status := determOperation(contact, 3600, true, bind); status != 0 ||
		op.Operation != REGISTRATION_UPDATE || op.Expires != 3600 {
		t.Errorf("expect update: (%+v, %v)", op, status)
	}

	// per-contact expires parameter wins over the Expires header
	withParam := contactFromString(t, "<sip:ft@198.51.100.7:5062>;expires=1800;q=0.5")
	op, status := determOperation(withParam, 3600, true, withParam.Addr.Uri)
	if status != 0 || op.Expires != 1800 {
		t.Errorf("expect contact parameter to win: (%+v, %v)", op, status)
	}
	if op.Q != 0.5 {
		t.Errorf("expect q=0.5: %v", op.Q)
	}
}

func newRegisterMessage(t *testing.T, contact string, cseq int64) *sip.Message {
	msg := newTestRequest(sip.MethodREGISTER, "sip:example.org")
	msg.To = sip.ParseTo("<sip:ft@example.org>")
	msg.From = sip.ParseFrom("<sip:ft@example.org>;tag=reg")
	msg.CallID = &sip.CallID{Identifier: "reg-call-1"}
	msg.CSeq = &sip.CSeq{Sequence: cseq, Method: sip.MethodREGISTER}
	if contact != "" {
		msg.Contact = sip.NewContactHeaders()
		if err := sip.ParseContacts(contact, msg.Contact); err != nil {
			t.Fatalf("parse contact: %v", err)
		}
		msg.Header.Set("Contact", contact)
	}
	return msg
}

func TestRegisterProcessAndLookup(t *testing.T) {
	r := testRegisterController(t)

	msg := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>", 1)
	msg.Header.Set("Expires", "3600")
	result, err := r.Process(msg, "canon-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := result.Status, sip.StatusOk; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if result.Contact == nil || result.Contact.Length() != 1 {
		t.Fatalf("expect one binding in response: %+v", result.Contact)
	}

	bindings, err := r.LookupBindings("canon-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 1 {
		t.Fatalf("expect one binding: %+v", bindings)
	}
	if actual, expect := bindings[0].Bind, "sip:ft@198.51.100.7:5062"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}

	user, ok := r.UserAtContact(mustParse(t, "sip:ft@198.51.100.7:5062"))
	if !ok || user != "canon-user" {
		t.Errorf("expect canon-user at contact: (%v, %v)", user, ok)
	}
}

func TestRegisterQValueOrdering(t *testing.T) {
	r := testRegisterController(t)

	msg := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>;q=0.3", 1)
	msg.Header.Set("Expires", "3600")
	if _, err := r.Process(msg, "canon-user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	msg2 := newRegisterMessage(t, "<sip:ft@203.0.113.9:5070>;q=0.9", 2)
	msg2.Header.Set("Expires", "3600")
	if _, err := r.Process(msg2, "canon-user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bindings, err := r.LookupBindings("canon-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("expect two bindings: %+v", bindings)
	}
	if actual, expect := bindings[0].Bind, "sip:ft@203.0.113.9:5070"; actual != expect {
		t.Errorf("expect highest q first: %v", actual)
	}
}

func TestRegisterReplayRejected(t *testing.T) {
	r := testRegisterController(t)

	msg := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>", 10)
	msg.Header.Set("Expires", "3600")
	if _, err := r.Process(msg, "canon-user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// same Call-ID, not newer CSeq
	replay := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>", 10)
	replay.Header.Set("Expires", "3600")
	result, err := r.Process(replay, "canon-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := result.Status, sip.StatusBadRequest; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestRegisterRemoveBinding(t *testing.T) {
	r := testRegisterController(t)

	msg := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>", 1)
	msg.Header.Set("Expires", "3600")
	if _, err := r.Process(msg, "canon-user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	del := newRegisterMessage(t, "<sip:ft@198.51.100.7:5062>;expires=0", 2)
	if _, err := r.Process(del, "canon-user"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	bindings, err := r.LookupBindings("canon-user")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bindings) != 0 {
		t.Errorf("expect binding removed: %+v", bindings)
	}
}

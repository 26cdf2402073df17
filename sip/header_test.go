package sip

import (
	"testing"
)

func TestParseTo(t *testing.T) {
	to := ParseTo("\"Mr. Watson\" <sip:watson@bell-telephone.com>;tag=abc")
	if to == nil {
		t.Fatalf("expect parsed To")
	}
	if actual, expect := to.Addr.DisplayName, "Mr. Watson"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := to.Addr.Uri.User, "watson"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := to.Parameter().Get("tag"), "abc"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseToAddrSpec(t *testing.T) {
	to := ParseTo("sip:ft@example.org;tag=xyz")
	if to == nil {
		t.Fatalf("expect parsed To")
	}
	if actual, expect := to.Addr.Uri.Host, "example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := to.Parameter().Get("tag"), "xyz"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseVias(t *testing.T) {
	vias := NewViaHeaders()
	err := ParseVias("SIP/2.0/UDP 198.51.100.7:5062;branch=z9hG4bKabc123", vias)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := vias.Length(), 1; actual != expect {
		t.Fatalf("expect %v: but '%v'", expect, actual)
	}
	top := vias.TopMost()
	if actual, expect := top.SentBy, "198.51.100.7:5062"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := top.Parameter().Get("branch"), "z9hG4bKabc123"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestViaHeadersStack(t *testing.T) {
	vias := NewViaHeaders()
	vias.Append(NewViaHeader("SIP/2.0/UDP", "a.example.org", ""))
	vias.Insert(NewViaHeader("SIP/2.0/UDP", "b.example.org", ""))
	if actual, expect := vias.TopMost().SentBy, "b.example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	popped := vias.Pop()
	if actual, expect := popped.SentBy, "b.example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := vias.TopMost().SentBy, "a.example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseCSeq(t *testing.T) {
	cseq := ParseCSeq("314159 INVITE")
	if cseq == nil {
		t.Fatalf("expect parsed CSeq")
	}
	if actual, expect := cseq.Sequence, int64(314159); actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := cseq.Method, "INVITE"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if ParseCSeq("garbage") != nil {
		t.Errorf("expect nil for malformed CSeq")
	}
}

func TestParseCallID(t *testing.T) {
	c := ParseCallID("abc123@host.example.org")
	if c == nil {
		t.Fatalf("expect parsed Call-ID")
	}
	if actual, expect := c.Identifier, "abc123"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := c.Host, "host.example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := c.String(), "abc123@host.example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestMaxForwardsDecrement(t *testing.T) {
	m := &MaxForwards{Remains: 2}
	if !m.Decrement() {
		t.Errorf("expect decrement to succeed")
	}
	if m.Decrement() {
		t.Errorf("expect decrement to fail at zero")
	}
	if actual, expect := m.Remains, 0; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseContacts(t *testing.T) {
	contacts := NewContactHeaders()
	err := ParseContacts("<sip:ft@198.51.100.7:5062>;q=0.7;expires=3600, <sip:ft@203.0.113.9>", contacts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := contacts.Length(), 2; actual != expect {
		t.Fatalf("expect %v: but '%v'", expect, actual)
	}
	first := contacts.Header[0]
	if actual, expect := first.Parameter().Get("q"), "0.7"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := first.Addr.Uri.Port, 5062; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseContactsStar(t *testing.T) {
	contacts := NewContactHeaders()
	if err := ParseContacts("*", contacts); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if contacts.Length() != 1 || !contacts.Header[0].Star {
		t.Errorf("expect star contact: %+v", contacts.Header)
	}
}

func TestParseNameAddrFormats(t *testing.T) {
	hs := NewNameAddrFormatHeaders()
	err := ParseNameAddrFormats("<sip:proxy-a.example.org;lr>, <sip:proxy-b.example.org;lr>", hs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := hs.Length(), 2; actual != expect {
		t.Fatalf("expect %v: but '%v'", expect, actual)
	}
	if _, ok := hs.Header[0].Addr.Uri.Parameter()["lr"]; !ok {
		t.Errorf("expect lr parameter on route URI")
	}
}

package sip

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

const rawInvite = "INVITE sip:bob@example.org SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 198.51.100.7:5062;branch=z9hG4bKabc123\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: <sip:bob@example.org>\r\n" +
	"From: Alice <sip:alice@example.org>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@pc33.example.org\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:alice@198.51.100.7:5062>\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func readTestMessage(t *testing.T, raw string) *Message {
	t.Helper()
	msg := CreateMessage("198.51.100.7:5062")
	if err := ReadMessage(msg, bufio.NewReader(strings.NewReader(raw))); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return msg
}

func TestReadMessageRequest(t *testing.T) {
	msg := readTestMessage(t, rawInvite)
	if !msg.Request || msg.Response {
		t.Fatalf("expect request")
	}
	if actual, expect := msg.Method, "INVITE"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := msg.RequestURI.Host, "example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if msg.To == nil || msg.From == nil || msg.CallID == nil || msg.CSeq == nil ||
		msg.Via == nil || msg.MaxForwards == nil || msg.Contact == nil {
		t.Fatalf("expect all typed headers parsed")
	}
	if actual, expect := msg.From.Addr.DisplayName, "Alice"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := msg.CSeq.Sequence, int64(314159); actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := msg.MaxForwards.Remains, 70; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestReadMessageResponse(t *testing.T) {
	raw := "SIP/2.0 200 OK\r\n" +
		"Via: SIP/2.0/UDP 198.51.100.7:5062;branch=z9hG4bKabc123\r\n" +
		"To: <sip:bob@example.org>;tag=8321234356\r\n" +
		"From: Alice <sip:alice@example.org>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@pc33.example.org\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"
	msg := readTestMessage(t, raw)
	if !msg.Response || msg.Request {
		t.Fatalf("expect response")
	}
	if actual, expect := msg.StatusCode, 200; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := msg.ReasonPhrase, "OK"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestReadMessageBody(t *testing.T) {
	raw := "PUBLISH sip:ft@example.org SIP/2.0\r\n" +
		"Via: SIP/2.0/UDP 198.51.100.7:5062;branch=z9hG4bKdef456\r\n" +
		"To: <sip:ft@example.org>\r\n" +
		"From: <sip:ft@example.org>;tag=pub1\r\n" +
		"Call-ID: pub-call@pc33.example.org\r\n" +
		"CSeq: 1 PUBLISH\r\n" +
		"Max-Forwards: 70\r\n" +
		"Content-Type: application/pidf+xml\r\n" +
		"Content-Length: 15\r\n" +
		"\r\n" +
		"hello presence\n"
	msg := readTestMessage(t, raw)
	if actual, expect := string(msg.Body), "hello presence\n"; actual != expect {
		t.Errorf("expect %q: but %q", expect, actual)
	}
}

func TestGenerateResponseFromRequest(t *testing.T) {
	msg := readTestMessage(t, rawInvite)
	rep := msg.GenerateResponseFromRequest()
	if rep == nil || !rep.Response {
		t.Fatalf("expect response")
	}
	rep.StatusCode = StatusOk
	if rep.To == nil || rep.From == nil || rep.CallID == nil || rep.CSeq == nil || rep.Via == nil {
		t.Fatalf("expect mandatory headers copied")
	}
	if actual, expect := rep.CallID.String(), msg.CallID.String(); actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestAddToTag(t *testing.T) {
	msg := readTestMessage(t, rawInvite)
	rep := msg.GenerateResponseFromRequest()
	if err := rep.AddToTag(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tag := rep.To.Parameter().Get("tag")
	if tag == "" {
		t.Fatalf("expect To tag")
	}
	// a second call must not replace the tag
	if err := rep.AddToTag(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual := rep.To.Parameter().Get("tag"); actual != tag {
		t.Errorf("expect %v: but '%v'", tag, actual)
	}
}

func TestWriteRequestRoundTrip(t *testing.T) {
	msg := readTestMessage(t, rawInvite)
	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "INVITE sip:bob@example.org SIP/2.0\r\n") {
		t.Errorf("bad request line: %q", out)
	}

	parsed := CreateMessage("")
	if err := ReadMessage(parsed, bufio.NewReader(strings.NewReader(out))); err != nil {
		t.Fatalf("reparse error: %v", err)
	}
	if actual, expect := parsed.CSeq.String(), msg.CSeq.String(); actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := parsed.Via.TopMost().SentBy, msg.Via.TopMost().SentBy; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseSIPVersion(t *testing.T) {
	major, minor, ok := ParseSIPVersion("SIP/2.0")
	if !ok || major != 2 || minor != 0 {
		t.Errorf("expect 2.0: (%v, %v, %v)", major, minor, ok)
	}
	if _, _, ok := ParseSIPVersion("HTTP/1.1"); ok {
		t.Errorf("expect failure for non-SIP proto")
	}
}

func TestGenerateServerTransactionKey(t *testing.T) {
	msg := readTestMessage(t, rawInvite)
	key, err := GenerateServerTransactionKey(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ack := readTestMessage(t, strings.Replace(rawInvite,
		"INVITE sip:bob@example.org SIP/2.0", "ACK sip:bob@example.org SIP/2.0", 1))
	ack.Header.Set("CSeq", "314159 ACK")
	ackKey, err := GenerateServerTransactionKey(ack)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// ACK matches the INVITE transaction
	if *key != *ackKey {
		t.Errorf("expect ACK to share the INVITE key: %+v vs %+v", key, ackKey)
	}
}

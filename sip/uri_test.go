package sip

import (
	"testing"
)

func TestParseBasic(t *testing.T) {
	uri, err := Parse("sip:ft@example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := uri.Scheme, "sip"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.User, "ft"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.Host, "example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if uri.Port != 0 {
		t.Errorf("expect no port: %v", uri.Port)
	}
}

func TestParsePortAndParams(t *testing.T) {
	uri, err := Parse("sips:alice:secret@atlanta.example.com:5061;transport=tls;lr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := uri.Scheme, "sips"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.User, "alice"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.Password, "secret"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.Port, 5061; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	params := uri.Parameter()
	if actual, expect := params.Get("transport"), "tls"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if _, ok := params["lr"]; !ok {
		t.Errorf("expect lr flag parameter")
	}
}

func TestParseTel(t *testing.T) {
	uri, err := Parse("tel:+4612345678;phone-context=example.org")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if actual, expect := uri.Scheme, "tel"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	if actual, expect := uri.Host, "+4612345678"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestParseErrors(t *testing.T) {
	for _, raw := range []string{"", "nocolon", ":nouser", "sip:", "sip:@example.org", "sip:ft@example.org:notaport"} {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expect parse error for %q", raw)
		}
	}
}

func TestURIStringRoundTrip(t *testing.T) {
	for _, raw := range []string{
		"sip:ft@example.org",
		"sip:ft@example.org:5062",
		"sip:ft@example.org;lr",
		"sip:example.org",
		"tel:+4612345678",
	} {
		uri, err := Parse(raw)
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", raw, err)
		}
		if actual := uri.String(); actual != raw {
			t.Errorf("expect %v: but '%v'", raw, actual)
		}
	}
}

func TestURIHostPort(t *testing.T) {
	uri, _ := Parse("sip:ft@example.org:5062")
	if actual, expect := uri.HostPort(), "example.org:5062"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
	uri, _ = Parse("sip:ft@example.org")
	if actual, expect := uri.HostPort(), "example.org"; actual != expect {
		t.Errorf("expect %v: but '%v'", expect, actual)
	}
}

func TestURIClone(t *testing.T) {
	uri, _ := Parse("sip:ft@example.org:5062;lr")
	cp := uri.Clone()
	cp.Host = "elsewhere.example.com"
	if uri.Host != "example.org" {
		t.Errorf("clone must not share storage")
	}
}

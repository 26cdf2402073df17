package main

import (
	"os"
	"path/filepath"
	"testing"
)

func testUserDatabase(t *testing.T) *UserDB {
	t.Helper()
	dir := t.TempDir()

	subs := filepath.Join(dir, "users.csv")
	os.WriteFile(subs, []byte("ft.test,foo,yxa-test,canon-user\nbob,bar,yxa-test\n"), 0644)
	addrs := filepath.Join(dir, "addresses.csv")
	os.WriteFile(addrs, []byte("canon-user,sip:ft@example.org\nbob,sip:bob@example.org\n"), 0644)
	classes := filepath.Join(dir, "classes.csv")
	os.WriteFile(classes, []byte("canon-user,internal\ncanon-user,national\n"), 0644)

	u := NewUserDB(testConfig(), nil, filepath.Join(dir, "users.sqlite"))
	if u == nil {
		t.Fatalf("could not open user database")
	}
	if !u.ImportSubscribers(subs) {
		t.Fatalf("could not import subscribers")
	}
	if !u.ImportAddresses(addrs) {
		t.Fatalf("could not import addresses")
	}
	if !u.ImportClasses(classes) {
		t.Fatalf("could not import classes")
	}
	return u
}

func TestUserDBCanonify(t *testing.T) {
	u := testUserDatabase(t)

	canon, ok := u.Canonify("ft.test", nil)
	if !ok || canon != "canon-user" {
		t.Errorf("expect canon-user: (%v, %v)", canon, ok)
	}
	// without an explicit canonical column the username is its own id
	canon, ok = u.Canonify("bob", nil)
	if !ok || canon != "bob" {
		t.Errorf("expect bob: (%v, %v)", canon, ok)
	}
	if _, ok := u.Canonify("nobody", nil); ok {
		t.Errorf("expect unknown user to miss")
	}
}

func TestUserDBLookupPassword(t *testing.T) {
	u := testUserDatabase(t)

	password, ok := u.LookupPassword("canon-user")
	if !ok || password != "foo" {
		t.Errorf("expect foo: (%v, %v)", password, ok)
	}
	if _, ok := u.LookupPassword("nobody"); ok {
		t.Errorf("expect miss for unknown user")
	}
}

func TestUserDBAddresses(t *testing.T) {
	u := testUserDatabase(t)

	users, ok := u.UsersForURL(mustParse(t, "sip:ft@example.org"))
	if !ok || len(users) != 1 || users[0] != "canon-user" {
		t.Errorf("expect canon-user: (%v, %v)", users, ok)
	}
	// comparison ignores port and parameters
	users, ok = u.UsersForURL(mustParse(t, "sip:ft@EXAMPLE.org:5060;transport=udp"))
	if !ok || len(users) != 1 {
		t.Errorf("expect normalized match: (%v, %v)", users, ok)
	}
	if _, ok := u.UsersForURL(mustParse(t, "sip:nobody@example.org")); ok {
		t.Errorf("expect miss")
	}

	user, ok := u.GetUserWithAddress(mustParse(t, "sip:bob@example.org"))
	if !ok || user != "bob" {
		t.Errorf("expect bob: (%v, %v)", user, ok)
	}
}

func TestUserDBClasses(t *testing.T) {
	u := testUserDatabase(t)

	classes, ok := u.ClassesForUser("canon-user")
	if !ok || len(classes) != 2 {
		t.Errorf("expect two classes: (%v, %v)", classes, ok)
	}
	if _, ok := u.ClassesForUser("bob"); ok {
		t.Errorf("expect miss for user without classes")
	}
}

func TestRewritePotnToE164(t *testing.T) {
	u := testUserDatabase(t)

	cases := []struct {
		in   string
		out  string
		fail bool
	}{
		{"+46701234567", "+46701234567", false},
		{"0046701234567", "+46701234567", false},
		{"0701234567", "+46701234567", false},
		{"112", "112", false},
		{"", "", true},
		{"not-a-number", "", true},
	}
	for _, c := range cases {
		out, err := u.RewritePotnToE164(c.in)
		if c.fail {
			if err == nil {
				t.Errorf("%q: expect error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", c.in, err)
			continue
		}
		if out != c.out {
			t.Errorf("%q: expect %v: but '%v'", c.in, c.out, out)
		}
	}
}

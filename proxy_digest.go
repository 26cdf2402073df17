package main

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// Stateless digest challenges: the nonce is derived from an opaque
// timestamp and the cluster-wide shared secret, so any proxy sharing
// the secret can validate a challenge minted by any other without a
// nonce store.

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// makeNonce returns the nonce belonging to an opaque value. Pure
// function of the argument and the configured shared secret.
func makeNonce(cfg *Config, opaque string) string {
	return md5Hex(opaque + ":" + cfg.AuthPassword)
}

// newChallenge mints a challenge for the current second. The opaque
// is the timestamp as eight lowercase hex digits; uint32 wraps in
// 2106 which is acceptable.
func newChallenge(cfg *Config, now int64) (realm, nonce, opaque string) {
	opaque = fmt.Sprintf("%08x", uint32(now))
	return cfg.AuthRealm, makeNonce(cfg, opaque), opaque
}

// computeResponse computes the RFC 2617 MD5 digest response (qop
// absent). All hex is lowercase.
func computeResponse(nonce, method, uri, user, password, realm string) string {
	a1 := md5Hex(user + ":" + realm + ":" + password)
	a2 := md5Hex(method + ":" + uri)
	return md5Hex(a1 + ":" + nonce + ":" + a2)
}

// formatAuthHeader renders a credentials header value. algorithm is
// deliberately unquoted; the other values were validated upstream and
// contain no quotes.
func formatAuthHeader(scheme, user, realm, uri, response, nonce, opaque, algorithm string) string {
	return fmt.Sprintf("%s username=%q, realm=%q, uri=%q, response=%q, "+
		"nonce=%q, opaque=%q, algorithm=%s",
		scheme, user, realm, uri, response, nonce, opaque, algorithm)
}

// formatChallengeHeader renders a WWW-Authenticate / Proxy-Authenticate
// value for a freshly minted challenge.
func formatChallengeHeader(realm, nonce, opaque string, stale bool) string {
	return fmt.Sprintf("Digest realm=%q, nonce=%q, opaque=%q, stale=%t, algorithm=md5",
		realm, nonce, opaque, stale)
}

package sip

import (
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/net/http/httpguts"
)

const (
	LogCritical = iota
	LogError
	LogWarn
	LogInfo
	LogDebug
)

var (
	T1 = 500 * time.Millisecond
	T2 = 4 * time.Second
	T4 = 5 * time.Second
)

var (
	InitMaxForward = 70
)

var LogLevel = LogWarn

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

// ProtocolError represents an SIP protocol error.
type ProtocolError struct {
	ErrorString string
}

func (pe *ProtocolError) Error() string { return pe.ErrorString }

var (
	ErrMalformedMessage       = &ProtocolError{"malformed SIP message"}
	ErrHeaderParseError       = &ProtocolError{"header parse error"}
	ErrMissingMandatoryHeader = &ProtocolError{"missing mandatory header"}
)

var NoBody = noBody{}

type noBody struct{}

func (noBody) Read([]byte) (int, error)         { return 0, io.EOF }
func (noBody) Close() error                     { return nil }
func (noBody) WriteTo(io.Writer) (int64, error) { return 0, nil }

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func isNotToken(r rune) bool {
	return !httpguts.IsTokenRune(r)
}

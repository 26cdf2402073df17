package sip

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Error reports an error and the operation and URI that caused it.
type Error struct {
	Op  string
	URI string
	Err error
}

func (e *Error) Unwrap() error { return e.Err }
func (e *Error) Error() string { return fmt.Sprintf("%s %q: %s", e.Op, e.URI, e.Err) }

// URI is a parsed SIP, SIPS or TEL URI. Only the parts a proxy acts
// on are modelled: scheme, userinfo, host, port, uri-parameters and
// headers. Anything after '?' is kept raw.
type URI struct {
	Scheme       string
	User         string
	Password     string
	Host         string // host only, no port
	Port         int    // 0 when absent
	RawParameter string // uri-parameters without leading ';'
	RawHeaders   string // headers without leading '?'
}

// Maybe rawuri is of the form scheme:opaque.
// (Scheme must be [a-zA-Z][a-zA-Z0-9+-.]*)
func getscheme(rawuri string) (scheme, rest string, err error) {
	for i := 0; i < len(rawuri); i++ {
		c := rawuri[i]
		switch {
		case 'a' <= c && c <= 'z' || 'A' <= c && c <= 'Z':
			// do nothing
		case '0' <= c && c <= '9' || c == '+' || c == '-' || c == '.':
			if i == 0 {
				return "", "", ErrMalformedMessage
			}
		case c == ':':
			if i == 0 {
				return "", "", ErrMalformedMessage
			}
			return strings.ToLower(rawuri[:i]), rawuri[i+1:], nil
		default:
			return "", "", ErrMalformedMessage
		}
	}
	return "", "", ErrMalformedMessage
}

// Parse parses a raw SIP URI into a URI structure. Surrounding angle
// brackets are not accepted here; name-addr handling lives in the
// header parsers.
func Parse(rawuri string) (*URI, error) {
	uri := new(URI)
	scheme, rest, err := getscheme(rawuri)
	if err != nil {
		return nil, &Error{"parse", rawuri, err}
	}
	uri.Scheme = scheme

	if cut := strings.Index(rest, "?"); cut >= 0 {
		uri.RawHeaders = rest[cut+1:]
		rest = rest[:cut]
	}

	hostpart := rest
	if cut := strings.Index(rest, ";"); cut >= 0 {
		uri.RawParameter = rest[cut+1:]
		hostpart = rest[:cut]
	}

	if scheme == "tel" {
		// tel URIs carry the number in the host position
		uri.Host = hostpart
		return uri, nil
	}

	if at := strings.LastIndex(hostpart, "@"); at >= 0 {
		userinfo := hostpart[:at]
		hostpart = hostpart[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			uri.User = userinfo[:colon]
			uri.Password = userinfo[colon+1:]
		} else {
			uri.User = userinfo
		}
		if uri.User == "" {
			return nil, &Error{"parse", rawuri, ErrMalformedMessage}
		}
	}

	host := hostpart
	if strings.HasPrefix(hostpart, "[") {
		// bracketed IPv6 literal, optionally with port
		end := strings.Index(hostpart, "]")
		if end < 0 {
			return nil, &Error{"parse", rawuri, ErrMalformedMessage}
		}
		host = hostpart[:end+1]
		if rest := hostpart[end+1:]; strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil {
				return nil, &Error{"parse", rawuri, ErrMalformedMessage}
			}
			uri.Port = port
		}
	} else if colon := strings.LastIndex(hostpart, ":"); colon >= 0 {
		port, err := strconv.Atoi(hostpart[colon+1:])
		if err != nil {
			return nil, &Error{"parse", rawuri, ErrMalformedMessage}
		}
		uri.Port = port
		host = hostpart[:colon]
	}
	if host == "" {
		return nil, &Error{"parse", rawuri, ErrMalformedMessage}
	}
	uri.Host = strings.ToLower(host)
	return uri, nil
}

func (u *URI) String() string {
	if u == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString(":")
	if u.User != "" {
		b.WriteString(u.User)
		if u.Password != "" {
			b.WriteString(":")
			b.WriteString(u.Password)
		}
		b.WriteString("@")
	}
	b.WriteString(u.Host)
	if u.Port != 0 {
		b.WriteString(":")
		b.WriteString(strconv.Itoa(u.Port))
	}
	if u.RawParameter != "" {
		b.WriteString(";")
		b.WriteString(u.RawParameter)
	}
	if u.RawHeaders != "" {
		b.WriteString("?")
		b.WriteString(u.RawHeaders)
	}
	return b.String()
}

func (u *URI) Clone() *URI {
	if u == nil {
		return nil
	}
	cp := *u
	return &cp
}

// HostPort returns "host" or "host:port" as present in the URI.
func (u *URI) HostPort() string {
	if u.Port == 0 {
		return u.Host
	}
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// Parameter returns the parsed uri-parameters. Flag parameters like
// `lr` appear with an empty value.
func (u *URI) Parameter() url.Values {
	return parseRawParameter(u.RawParameter)
}

// parseRawParameter splits ";"-separated key[=value] lists the way
// SIP uses them in URIs and headers. url.ParseQuery no longer accepts
// semicolons, hence the local loop.
func parseRawParameter(raw string) url.Values {
	v := make(url.Values)
	for _, param := range strings.Split(raw, ";") {
		if param == "" {
			continue
		}
		kv := strings.SplitN(param, "=", 2)
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		if key == "" {
			continue
		}
		value := ""
		if len(kv) == 2 {
			value = strings.Trim(strings.TrimSpace(kv[1]), "\"")
		}
		v.Add(key, value)
	}
	return v
}

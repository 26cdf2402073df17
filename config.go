package main

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"regexp"
	"strconv"
	"strings"

	"github.com/alanrevans/yxa/sip"
)

// Config holds every tunable the proxy reads. It is resolved once in
// main() and never mutated afterwards; request handling code receives
// it by pointer and treats it as immutable.
type Config struct {
	ListenAddr string
	LogLevel   int

	// authentication
	AuthRealm      string
	AuthPassword   string // shared secret for nonce minting, required
	PeerAuthSecret string // X-Yxa-Peer-Auth shared secret, optional
	UnauthClasses  []string
	AlwaysVerify   bool // verify homedomain From users even for unauth classes

	Homedomains []string
	RecordRoute bool

	CountryCode string // E.164 prefix for national numbers

	PstnGateway  string // host:port of the PSTN gateway, optional
	DefaultRoute string // host:port catching unresolvable requests, optional

	ClassDefs []ClassDef

	// presence
	MinPublishTime     int
	MaxPublishTime     int
	DefaultPublishTime int

	// data files
	SubscriberFile string
	AddressFile    string
	ClassFile      string

	MonitorAddr string
	RedisAddr   string
}

// ClassDef maps a destination number pattern to a class. The list is
// ordered; classification takes the first match.
type ClassDef struct {
	Pattern string
	Class   string
}

func envOr(key, def string) string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	return val
}

func envIntOr(key string, def int) int {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Printf("ignoring non-numeric %s=%q", key, val)
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	log.Printf("ignoring non-boolean %s=%q", key, val)
	return def
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// LoadConfig resolves the process configuration from the environment
// and the class definition file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN", ":5060"),
		AuthRealm:          envOr("SIPAUTH_REALM", ""),
		AuthPassword:       envOr("SIPAUTH_PASSWORD", ""),
		PeerAuthSecret:     envOr("X_YXA_PEER_AUTH_SECRET", ""),
		UnauthClasses:      splitList(envOr("SIPAUTH_UNAUTH_CLASSLIST", "")),
		AlwaysVerify:       envBoolOr("ALWAYS_VERIFY_HOMEDOMAIN_USER", true),
		Homedomains:        splitList(envOr("HOMEDOMAINS", "")),
		RecordRoute:        envBoolOr("RECORD_ROUTE", false),
		CountryCode:        envOr("E164_COUNTRY_CODE", "+46"),
		PstnGateway:        envOr("PSTN_GATEWAY", ""),
		DefaultRoute:       envOr("DEFAULT_ROUTE", ""),
		MinPublishTime:     envIntOr("PRESENCE_MIN_PUBLISH_TIME", 60),
		MaxPublishTime:     envIntOr("PRESENCE_MAX_PUBLISH_TIME", 3600),
		DefaultPublishTime: envIntOr("PRESENCE_DEFAULT_PUBLISH_TIME", 600),
		SubscriberFile:     envOr("SUBSFILE", "users.csv"),
		AddressFile:        envOr("ADDRFILE", "addresses.csv"),
		ClassFile:          envOr("CLASSFILE", "classes.csv"),
		MonitorAddr:        envOr("MONITOR", ""),
		RedisAddr:          envOr("PRESENCE_REDIS", ""),
	}

	switch envOr("LOGLEVEL", "INFO") {
	case "DEBUG":
		cfg.LogLevel = sip.LogDebug
	case "WARN":
		cfg.LogLevel = sip.LogWarn
	default:
		cfg.LogLevel = sip.LogInfo
	}

	if cfg.AuthPassword == "" {
		return nil, fmt.Errorf("SIPAUTH_PASSWORD must be set")
	}
	if len(cfg.Homedomains) == 0 {
		return nil, fmt.Errorf("HOMEDOMAINS must be set")
	}

	classDefFile := envOr("CLASSDEFFILE", "classdefs.csv")
	defs, err := loadClassDefs(classDefFile)
	if err != nil {
		return nil, err
	}
	cfg.ClassDefs = defs

	return cfg, nil
}

// loadClassDefs reads "regex,class" lines. Patterns are checked here
// so a bad file fails startup instead of every call; patterns that
// begin with an unescaped "^+" are a recurring user mistake (missing
// backslash) and are dropped with a warning.
func loadClassDefs(filepath string) ([]ClassDef, error) {
	fp, err := os.Open(filepath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("no class definition file %q, classification disabled", filepath)
			return nil, nil
		}
		return nil, err
	}
	defer fp.Close()

	reader := csv.NewReader(fp)
	var defs []ClassDef
	for {
		line, err := reader.Read()
		if err != nil {
			break
		}
		if len(line) != 2 {
			return nil, fmt.Errorf("%s: expected regex,class", filepath)
		}
		pattern, class := line[0], line[1]
		if strings.HasPrefix(pattern, "^+") {
			log.Printf("skipping class regex %q: '^+' is almost certainly "+
				"a missing backslash", pattern)
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("%s: bad regex %q: %v", filepath, pattern, err)
		}
		defs = append(defs, ClassDef{Pattern: pattern, Class: class})
	}
	return defs, nil
}

// IsHomedomain reports whether host is a domain this proxy is
// authoritative for. Ports are ignored, comparison is case-insensitive.
func (cfg *Config) IsHomedomain(host string) bool {
	host = strings.ToLower(host)
	for _, d := range cfg.Homedomains {
		if strings.ToLower(d) == host {
			return true
		}
	}
	return false
}

// IsUnauthClass reports whether destinations of the given class may be
// called without authentication.
func (cfg *Config) IsUnauthClass(class string) bool {
	for _, c := range cfg.UnauthClasses {
		if c == class {
			return true
		}
	}
	return false
}

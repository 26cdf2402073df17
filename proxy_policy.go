package main

import (
	"log"
	"regexp"
	"strings"

	"github.com/alanrevans/yxa/sip"
)

// Address ownership verdict reasons.
const (
	ReasonOk      = "ok"
	ReasonEperm   = "eperm"
	ReasonNomatch = "nomatch"
)

// ClassUnknown is returned when no class regex matches or the number
// is absent.
const ClassUnknown = "unknown"

// canUseAddress reports whether userId may assert url as its own
// address. The reason distinguishes "someone else owns it" (eperm)
// from "nobody owns it" (nomatch).
func canUseAddress(users UserDatabase, userId string, url *sip.URI) (bool, string) {
	owners, ok := users.UsersForURL(url)
	if !ok || len(owners) == 0 {
		return false, ReasonNomatch
	}
	for _, owner := range owners {
		if owner == userId {
			return true, ReasonOk
		}
	}
	return false, ReasonEperm
}

// classifyNumber assigns a class to a destination number using the
// first matching pattern, in list order. Patterns starting with an
// unescaped "^+" are skipped with a warning; a failure to compile is
// a configuration error and propagates (the caller answers 500).
func classifyNumber(number string, defs []ClassDef) (string, error) {
	if number == "" || len(defs) == 0 {
		return ClassUnknown, nil
	}
	for _, def := range defs {
		if strings.HasPrefix(def.Pattern, "^+") {
			log.Printf("skipping class regex %q: '^+' is almost certainly "+
				"a missing backslash", def.Pattern)
			continue
		}
		re, err := regexp.Compile(def.Pattern)
		if err != nil {
			return "", err
		}
		if re.MatchString(number) {
			return def.Class, nil
		}
	}
	return ClassUnknown, nil
}

// isAllowedPstnDst reports whether userId may call a destination of
// the given class. A request carrying a Route header follows an
// explicit forwarding path and is always allowed through.
func isAllowedPstnDst(users UserDatabase, userId, number string, msg *sip.Message, class string) bool {
	if len(msg.Header.Values("Route")) > 0 {
		return true
	}
	classes, ok := users.ClassesForUser(userId)
	if !ok {
		return false
	}
	for _, c := range classes {
		if c == class {
			return true
		}
	}
	return false
}

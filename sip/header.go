package sip

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// hasToken reports whether token appears with v, ASCII
// case-insensitive, with space or comma boundaries.
// token must be all lowercase.
// v may contain mixed cased.
func hasToken(v, token string) bool {
	if len(token) > len(v) || token == "" {
		return false
	}
	if v == token {
		return true
	}
	for sp := 0; sp <= len(v)-len(token); sp++ {
		if b := v[sp]; b != token[0] && b|0x20 != token[0] {
			continue
		}
		if sp > 0 && !isTokenBoundary(v[sp-1]) {
			continue
		}
		if endPos := sp + len(token); endPos != len(v) && !isTokenBoundary(v[endPos]) {
			continue
		}
		if strings.EqualFold(v[sp:sp+len(token)], token) {
			return true
		}
	}
	return false
}

func isTokenBoundary(b byte) bool {
	return b == ' ' || b == ',' || b == '\t'
}

func validToken(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, isNotToken) == -1
}

type NameAddr struct {
	DisplayName string
	Uri         *URI
}

func (addr *NameAddr) String() string {
	noDisplayName := addr.DisplayName == ""
	noUriParameters := addr.Uri == nil || addr.Uri.RawParameter == ""

	if noDisplayName && noUriParameters {
		return fmt.Sprintf("%s", addr.Uri)
	} else if noDisplayName {
		return fmt.Sprintf("<%s>", addr.Uri)
	}
	displayNameStr := addr.DisplayName
	if !validToken(addr.DisplayName) {
		displayNameStr = "\"" + displayNameStr + "\""
	}
	return fmt.Sprintf("%s <%s>", displayNameStr, addr.Uri)
}

func (addr *NameAddr) Clone() *NameAddr {
	if addr == nil {
		return nil
	}
	return &NameAddr{DisplayName: addr.DisplayName, Uri: addr.Uri.Clone()}
}

// parseNameAddr parses a single name-addr or addr-spec, returning the
// address and any header parameters that followed it.
func parseNameAddr(s string) (*NameAddr, string, error) {
	s = strings.TrimSpace(s)
	addr := new(NameAddr)
	if lt := strings.Index(s, "<"); lt >= 0 {
		gt := strings.Index(s[lt:], ">")
		if gt < 0 {
			return nil, "", ErrHeaderParseError
		}
		gt += lt
		display := strings.TrimSpace(s[:lt])
		addr.DisplayName = strings.Trim(display, "\"")
		uri, err := Parse(s[lt+1 : gt])
		if err != nil {
			return nil, "", err
		}
		addr.Uri = uri
		rawParam := strings.TrimPrefix(strings.TrimSpace(s[gt+1:]), ";")
		return addr, rawParam, nil
	}
	// addr-spec form: header parameters follow the first semicolon
	rawParam := ""
	if cut := strings.Index(s, ";"); cut >= 0 {
		rawParam = s[cut+1:]
		s = s[:cut]
	}
	uri, err := Parse(s)
	if err != nil {
		return nil, "", err
	}
	addr.Uri = uri
	return addr, rawParam, nil
}

// splitHeaderValues splits a comma separated header value, ignoring
// commas inside quoted strings and angle brackets.
func splitHeaderValues(s string) []string {
	var parts []string
	quoted := false
	bracket := 0
	cut := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				bracket++
			}
		case '>':
			if !quoted && bracket > 0 {
				bracket--
			}
		case ',':
			if !quoted && bracket == 0 {
				parts = append(parts, s[cut:i])
				cut = i + 1
			}
		}
	}
	parts = append(parts, s[cut:])
	return parts
}

/********************************
* To and From Header
********************************/
type To struct {
	Addr         *NameAddr
	RawParameter string
}
type From = To

func (t *To) String() string {
	if t.RawParameter == "" {
		return t.Addr.String()
	}
	return t.Addr.String() + ";" + t.RawParameter
}

func (t *To) Parameter() url.Values {
	return parseRawParameter(t.RawParameter)
}

func (t *To) Clone() *To {
	if t == nil {
		return nil
	}
	return &To{Addr: t.Addr.Clone(), RawParameter: t.RawParameter}
}

func ParseTo(s string) *To {
	addr, rawParam, err := parseNameAddr(s)
	if err != nil {
		return nil
	}
	return &To{Addr: addr, RawParameter: rawParam}
}

func ParseFrom(s string) *From {
	return ParseTo(s)
}

/********************************
* Via Header
********************************/
type Via struct {
	SentProtocol string
	SentBy       string
	RawParameter string
}

func (via *Via) Parameter() url.Values {
	return parseRawParameter(via.RawParameter)
}

func (via *Via) Protocol() (name string, verMajor, verMinor int, trans string, err error) {
	sepProto := strings.SplitN(via.SentProtocol, "/", 3)
	if len(sepProto) != 3 {
		return "", 0, 0, "", ErrHeaderParseError
	}
	name = strings.ToLower(sepProto[0])
	verMajor, verMinor, ok := ParseSIPVersion(sepProto[0] + "/" + sepProto[1])
	if !ok {
		return "", 0, 0, "", ErrHeaderParseError
	}
	trans = strings.ToLower(sepProto[2])
	return name, verMajor, verMinor, trans, nil
}

func (via *Via) SetProtocol(name string, verMajor, verMinor int, trans string) (string, bool) {
	name = strings.ToUpper(name)
	trans = strings.ToUpper(trans)
	result := fmt.Sprintf("%s/%1d.%1d/%s", name, verMajor, verMinor, trans)
	via.SentProtocol = result
	return result, true
}

func (v *Via) String() string {
	param := ""
	if v.RawParameter != "" {
		param = ";" + v.RawParameter
	}
	return v.SentProtocol + " " + v.SentBy + param
}

func (v *Via) Clone() *Via {
	if v == nil {
		return nil
	}
	cp := *v
	return &cp
}

func NewViaHeader(proto, sentBy, rawParam string) *Via {
	return &Via{SentProtocol: proto, SentBy: sentBy, RawParameter: rawParam}
}

// ViaHeaders holds the Via stack in wire order: Header[0] is topmost.
type ViaHeaders struct {
	Header []*Via
}

func NewViaHeaders() *ViaHeaders {
	return &ViaHeaders{Header: make([]*Via, 0, 4)}
}

func (vias *ViaHeaders) Length() int {
	return len(vias.Header)
}

func (vias *ViaHeaders) TopMost() *Via {
	if len(vias.Header) == 0 {
		return nil
	}
	return vias.Header[0]
}

// Append adds a Via at the bottom of the stack.
func (vias *ViaHeaders) Append(v *Via) {
	vias.Header = append(vias.Header, v)
}

// Insert pushes a Via on top of the stack.
func (vias *ViaHeaders) Insert(v *Via) {
	vias.Header = append([]*Via{v}, vias.Header...)
}

// Pop removes and returns the topmost Via.
func (vias *ViaHeaders) Pop() *Via {
	if len(vias.Header) == 0 {
		return nil
	}
	top := vias.Header[0]
	vias.Header = vias.Header[1:]
	return top
}

func (vias *ViaHeaders) Clone() *ViaHeaders {
	cp := NewViaHeaders()
	for _, v := range vias.Header {
		cp.Append(v.Clone())
	}
	return cp
}

func (vias *ViaHeaders) WriteHeader() string {
	var b strings.Builder
	for _, v := range vias.Header {
		fmt.Fprintf(&b, "Via: %s\r\n", v)
	}
	return b.String()
}

// ParseVias appends the Vias found in one header value to vias.
func ParseVias(s string, vias *ViaHeaders) error {
	for _, part := range splitHeaderValues(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rawParam := ""
		if cut := strings.Index(part, ";"); cut >= 0 {
			rawParam = part[cut+1:]
			part = part[:cut]
		}
		fields := strings.Fields(part)
		if len(fields) != 2 {
			return ErrHeaderParseError
		}
		vias.Append(NewViaHeader(fields[0], fields[1], rawParam))
	}
	return nil
}

/********************************
* CSeq Header
********************************/
type CSeq struct {
	Sequence int64
	Method   string
}

func (c *CSeq) Init() bool {
	var err error
	c.Sequence, err = GenerateInitCSeq()
	if err != nil {
		return false
	}
	return true
}

func (c *CSeq) Increment() int64 {
	c.Sequence += 1
	if c.Sequence >= 2<<31 {
		c.Sequence %= 2 << 31
	}
	return c.Sequence
}

func (c *CSeq) String() string {
	seq := c.Sequence
	if seq >= 2<<31 {
		seq %= 2 << 31
	}
	s := strconv.FormatInt(seq, 10)
	return s + " " + c.Method
}

func (c *CSeq) Clone() *CSeq {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func ParseCSeq(s string) *CSeq {
	fields := strings.Fields(strings.TrimSpace(s))
	if len(fields) != 2 {
		return nil
	}
	seq, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || seq < 0 {
		return nil
	}
	return &CSeq{Sequence: seq, Method: fields[1]}
}

/********************************
* CallID Header
********************************/
type CallID struct {
	Identifier string
	Host       string
}

func (c *CallID) Init() bool {
	return c.InitH("")
}

func (c *CallID) InitH(host string) bool {
	ret, err := GenerateRandomString(CallIdRandomLength)
	if err != nil {
		return false
	}
	c.Identifier = ret
	if host != "" {
		c.Host = host
	}
	return true
}

func (c *CallID) String() string {
	if c.Host != "" {
		return c.Identifier + "@" + c.Host
	}
	return c.Identifier
}

func (c *CallID) Clone() *CallID {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

func NewCallIDHeader() *CallID {
	c := new(CallID)
	if !c.Init() {
		return nil
	}
	return c
}

func ParseCallID(s string) *CallID {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		return &CallID{Identifier: s[:at], Host: s[at+1:]}
	}
	return &CallID{Identifier: s}
}

/********************************
* MaxForwards Header
********************************/
type MaxForwards struct {
	Remains int
}

func (m *MaxForwards) Decrement() bool {
	m.Remains -= 1
	if m.Remains <= 0 {
		m.Remains = 0
		return false
	}
	return true
}

func (m *MaxForwards) String() string {
	return strconv.Itoa(m.Remains)
}

func (m *MaxForwards) Clone() *MaxForwards {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

func NewMaxForwardsHeader() *MaxForwards {
	return &MaxForwards{Remains: InitMaxForward}
}

func ParseMaxForwards(s string) *MaxForwards {
	remains, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || remains < 0 {
		return nil
	}
	return &MaxForwards{Remains: remains}
}

/********************************
* Contact Header
********************************/
type Contact struct {
	Star         bool
	Addr         *NameAddr
	RawParameter string
}

func (c *Contact) String() string {
	if c.Star {
		return "*"
	}
	if c.RawParameter == "" {
		return c.Addr.String()
	}
	return c.Addr.String() + ";" + c.RawParameter
}

func (c *Contact) Parameter() url.Values {
	return parseRawParameter(c.RawParameter)
}

func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	return &Contact{Star: c.Star, Addr: c.Addr.Clone(), RawParameter: c.RawParameter}
}

func NewContactHeaderFromString(display, rawuri, rawParam string) *Contact {
	uri, err := Parse(rawuri)
	if err != nil {
		return nil
	}
	return &Contact{
		Addr:         &NameAddr{DisplayName: display, Uri: uri},
		RawParameter: rawParam,
	}
}

type ContactHeaders struct {
	Header []*Contact
}

func NewContactHeaders() *ContactHeaders {
	return &ContactHeaders{Header: make([]*Contact, 0, 2)}
}

func (contacts *ContactHeaders) Length() int {
	return len(contacts.Header)
}

func (contacts *ContactHeaders) Add(c *Contact) {
	if c == nil {
		return
	}
	contacts.Header = append(contacts.Header, c)
}

func (contacts *ContactHeaders) Clone() *ContactHeaders {
	cp := NewContactHeaders()
	for _, c := range contacts.Header {
		cp.Add(c.Clone())
	}
	return cp
}

func (contacts *ContactHeaders) WriteHeader() string {
	var b strings.Builder
	for _, c := range contacts.Header {
		fmt.Fprintf(&b, "Contact: %s\r\n", c)
	}
	return b.String()
}

// ParseContacts appends the contacts found in one header value.
func ParseContacts(s string, contacts *ContactHeaders) error {
	for _, part := range splitHeaderValues(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			contacts.Add(&Contact{Star: true})
			continue
		}
		addr, rawParam, err := parseNameAddr(part)
		if err != nil {
			return err
		}
		contacts.Add(&Contact{Addr: addr, RawParameter: rawParam})
	}
	return nil
}

/********************************
* Route / Record-Route (generic name-addr format headers)
********************************/
type NameAddrFormat struct {
	Addr         *NameAddr
	RawParameter string
}

func (n *NameAddrFormat) String() string {
	if n.RawParameter == "" {
		return n.Addr.String()
	}
	return n.Addr.String() + ";" + n.RawParameter
}

type NameAddrFormatHeaders struct {
	Header []*NameAddrFormat
}

func NewNameAddrFormatHeaders() *NameAddrFormatHeaders {
	return &NameAddrFormatHeaders{Header: make([]*NameAddrFormat, 0, 2)}
}

func (hs *NameAddrFormatHeaders) Length() int {
	return len(hs.Header)
}

func (hs *NameAddrFormatHeaders) Add(h *NameAddrFormat) {
	if h == nil {
		return
	}
	hs.Header = append(hs.Header, h)
}

// ParseNameAddrFormats appends the name-addrs found in one header value.
func ParseNameAddrFormats(s string, hs *NameAddrFormatHeaders) error {
	for _, part := range splitHeaderValues(s) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		addr, rawParam, err := parseNameAddr(part)
		if err != nil {
			return err
		}
		hs.Add(&NameAddrFormat{Addr: addr, RawParameter: rawParam})
	}
	return nil
}

// SIP message reading, writing and cloning. The shape follows
// net/http request handling, cut down to what a stateless proxy
// needs.

package sip

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
)

var (
	CallIdContextKey = &contextKey{"call-id"}
)

func badStringError(what, val string) error { return fmt.Errorf("%s %q", what, val) }

var mandatoryHeaders = []string{
	"From",
	"To",
	"Call-ID",
	"CSeq",
	"Via",
	"Max-Forwards",
}

// A Message represents a SIP request or response received by a server
// or to be sent by a client.
type Message struct {
	RemoteAddr string

	// Specified for SIP Request
	Request    bool
	Method     string
	RequestURI *URI

	// Specified for SIP Response
	Response     bool
	StatusCode   int // e.g. 200
	ReasonPhrase string

	Proto      string // "SIP/2.0"
	ProtoMajor int    // 2
	ProtoMinor int    // 0

	To          *To
	From        *From
	Via         *ViaHeaders
	MaxForwards *MaxForwards
	CSeq        *CSeq
	CallID      *CallID
	Contact     *ContactHeaders
	Header      http.Header

	Body          []byte
	ContentLength int64

	ctx context.Context
}

func (msg *Message) Clone() (cpMsg *Message) {
	cpMsg = CreateMessage(msg.RemoteAddr)
	if cpMsg == nil {
		return nil
	}
	cpMsg.Response = msg.Response
	cpMsg.StatusCode = msg.StatusCode
	cpMsg.ReasonPhrase = msg.ReasonPhrase

	cpMsg.Request = msg.Request
	cpMsg.Method = msg.Method
	cpMsg.RequestURI = msg.RequestURI.Clone()

	cpMsg.Proto = msg.Proto
	cpMsg.ProtoMajor = msg.ProtoMajor
	cpMsg.ProtoMinor = msg.ProtoMinor

	if msg.To != nil {
		cpMsg.To = msg.To.Clone()
	}
	if msg.From != nil {
		cpMsg.From = msg.From.Clone()
	}
	if msg.Via != nil {
		cpMsg.Via = msg.Via.Clone()
	}
	if msg.CallID != nil {
		cpMsg.CallID = msg.CallID.Clone()
	}
	if msg.CSeq != nil {
		cpMsg.CSeq = msg.CSeq.Clone()
	}
	if msg.MaxForwards != nil {
		cpMsg.MaxForwards = msg.MaxForwards.Clone()
	}
	if msg.Contact != nil {
		cpMsg.Contact = msg.Contact.Clone()
	}

	if msg.Header != nil {
		cpMsg.Header = msg.Header.Clone()
	}

	cpMsg.Body = make([]byte, len(msg.Body))
	copy(cpMsg.Body, msg.Body)

	cpMsg.ContentLength = msg.ContentLength
	cpMsg.ctx = msg.ctx

	return cpMsg
}

// Context returns the message's context. To change the context, use
// WithContext.
//
// The returned context is always non-nil; it defaults to the
// background context.
func (r *Message) Context() context.Context {
	if r.ctx != nil {
		return r.ctx
	}
	return context.Background()
}

// WithContext returns a shallow copy of r with its context changed
// to ctx. The provided ctx must be non-nil.
func (r *Message) WithContext(ctx context.Context) *Message {
	if ctx == nil {
		panic("nil context")
	}
	r2 := new(Message)
	*r2 = *r
	r2.ctx = ctx
	return r2
}

func (r *Message) Write(w io.Writer) error {
	return r.write(w)
}

func writeHeader(w io.Writer, r *Message) {
	ignores := make(map[string]bool)
	ignores["content-length"] = true
	if r.To != nil {
		ignores["to"] = true
		fmt.Fprintf(w, "To: %s\r\n", r.To)
	}
	if r.From != nil {
		ignores["from"] = true
		fmt.Fprintf(w, "From: %s\r\n", r.From)
	}
	if r.Via != nil {
		ignores["via"] = true
		fmt.Fprintf(w, "%s", r.Via.WriteHeader())
	}
	if r.MaxForwards != nil {
		ignores["max-forwards"] = true
		fmt.Fprintf(w, "Max-Forwards: %s\r\n", r.MaxForwards)
	}
	if r.CallID != nil {
		ignores["call-id"] = true
		fmt.Fprintf(w, "Call-ID: %s\r\n", r.CallID)
	}
	if r.CSeq != nil {
		ignores["cseq"] = true
		fmt.Fprintf(w, "CSeq: %s\r\n", r.CSeq)
	}
	if r.Contact != nil {
		ignores["contact"] = true
		fmt.Fprintf(w, "%s", r.Contact.WriteHeader())
	}

	keys := make([]string, len(r.Header))
	orig := make(map[string]string)
	idx := 0
	for key := range r.Header {
		keys[idx] = strings.ToLower(key)
		orig[strings.ToLower(key)] = key
		idx++
	}

	sort.Strings(keys)
	for _, key := range keys {
		if _, ok := ignores[key]; ok {
			continue
		}
		header := r.Header.Values(key)
		key = orig[key]
		switch key {
		case "Cseq":
			key = "CSeq"
		case "Call-Id":
			key = "Call-ID"
		}
		for _, value := range header {
			fmt.Fprintf(w, "%v: %v\r\n", key, value)
		}
	}

	fmt.Fprintf(w, "Content-Length: %d\r\n", len(r.Body))
}

func (r *Message) writeResponse(w io.Writer) (err error) {
	text := r.ReasonPhrase
	if text == "" {
		text = StatusText(r.StatusCode)
	}
	if _, err := fmt.Fprintf(w, "SIP/%d.%d %03d %s\r\n",
		r.ProtoMajor, r.ProtoMinor, r.StatusCode, text); err != nil {
		return err
	}

	writeHeader(w, r)

	fmt.Fprintf(w, "\r\n")
	if len(r.Body) > 0 {
		w.Write(r.Body)
	}
	return nil
}

func (r *Message) writeRequest(w io.Writer) (err error) {
	if _, err := fmt.Fprintf(w, "%s %s SIP/%d.%d\r\n",
		r.Method, r.RequestURI.String(), r.ProtoMajor, r.ProtoMinor); err != nil {
		return err
	}

	writeHeader(w, r)

	fmt.Fprintf(w, "\r\n")
	if len(r.Body) > 0 {
		w.Write(r.Body)
	}
	return nil
}

func (r *Message) write(w io.Writer) (err error) {
	bw := bufio.NewWriter(w)
	if r.Request {
		err = r.writeRequest(bw)
	} else if r.Response {
		err = r.writeResponse(bw)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func validMethod(method string) bool {
	return len(method) > 0 && strings.IndexFunc(method, isNotToken) == -1
}

// ParseSIPVersion parses "SIP/2.0" into (2, 0, true).
func ParseSIPVersion(proto string) (major, minor int, ok bool) {
	if !strings.HasPrefix(proto, "SIP/") {
		return 0, 0, false
	}
	dot := strings.Index(proto[4:], ".")
	if dot < 0 {
		return 0, 0, false
	}
	dot += 4
	major, err := strconv.Atoi(proto[4:dot])
	if err != nil {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(proto[dot+1:])
	if err != nil {
		return 0, 0, false
	}
	return major, minor, true
}

// parseRequestLine parses "INVITE sip:bob@example.org SIP/2.0" into
// its three parts.
func parseRequestLine(line string) (part1, part2, part3 string, ok bool) {
	s1 := strings.Index(line, " ")
	s2 := strings.Index(line[s1+1:], " ")
	if s1 < 0 || s2 < 0 {
		return
	}
	s2 += s1 + 1
	return line[:s1], line[s1+1 : s2], line[s2+1:], true
}

// ReadMessage reads and parses an incoming message from b.
func ReadMessage(msg *Message, b *bufio.Reader) error {
	return readMessage(msg, b)
}

func readMessage(msg *Message, b *bufio.Reader) (err error) {
	tp := textproto.NewReader(b)

	// First line: INVITE sip:alice@atlanta.example.com SIP/2.0
	var line string
	if line, err = tp.ReadLine(); err != nil {
		return err
	}
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()

	var ok bool
	firstLine1, firstLine2, firstLine3, ok := parseRequestLine(line)
	msg.Request = false
	msg.Response = false

	if !ok {
		return badStringError("malformed SIP message", line)
	}

	if msg.ProtoMajor, msg.ProtoMinor, ok = ParseSIPVersion(firstLine3); ok {
		// this message will be Request Message
		msg.Method = firstLine1
		uri, err := Parse(firstLine2)
		if err != nil {
			return ErrMalformedMessage
		}
		msg.RequestURI = uri
		msg.Proto = firstLine3
		if !validMethod(msg.Method) {
			return badStringError("invalid method", msg.Method)
		}
		msg.Request = true
	} else {
		// this message will be Response Message
		msg.Proto = firstLine1
		if msg.ProtoMajor, msg.ProtoMinor, ok = ParseSIPVersion(msg.Proto); !ok {
			return badStringError("malformed SIP version", msg.Proto)
		}
		msg.ReasonPhrase = firstLine3
		statusCode := firstLine2
		if len(statusCode) != 3 {
			return badStringError("malformed SIP status code", statusCode)
		}
		msg.StatusCode, err = strconv.Atoi(statusCode)
		if err != nil || msg.StatusCode < 0 {
			return badStringError("malformed SIP status code", statusCode)
		}
		msg.Response = true
	}

	// Subsequent lines: Key: value.
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return err
	}
	msg.Header = http.Header(mimeHeader)

	msg.parseHeader()

	body, err := io.ReadAll(b)
	if err != nil {
		return err
	}
	msg.Body = body
	msg.ContentLength = int64(len(body))

	return nil
}

func (msg *Message) parseHeader() {
	// To Header
	if to := msg.Header.Get("to"); to != "" {
		msg.To = ParseTo(to)
	}
	// From Header
	if from := msg.Header.Get("from"); from != "" {
		msg.From = ParseFrom(from)
	}
	// CallID Header
	if callid := msg.Header.Get("call-id"); callid != "" {
		msg.CallID = ParseCallID(callid)
	}
	// CSeq Header
	if cseq := msg.Header.Get("cseq"); cseq != "" {
		msg.CSeq = ParseCSeq(cseq)
	}
	// MaxForwards Header
	if maxforwards := msg.Header.Get("max-forwards"); maxforwards != "" {
		msg.MaxForwards = ParseMaxForwards(maxforwards)
	}
	// Via Header: It will have multiple contents
	if vias := msg.Header.Values("via"); len(vias) > 0 {
		msg.Via = NewViaHeaders()
		for _, v := range vias {
			err := ParseVias(v, msg.Via)
			if err != nil {
				continue
			}
		}
	}
	// Contact Header: It will have multiple contents
	if contacts := msg.Header.Values("Contact"); len(contacts) > 0 {
		msg.Contact = NewContactHeaders()
		for _, c := range contacts {
			err := ParseContacts(c, msg.Contact)
			if err != nil {
				continue
			}
		}
	}
}

func (msg *Message) GenerateResponseFromRequest() (resp *Message) {
	resp = CreateMessage(msg.RemoteAddr)
	if resp == nil {
		return nil
	}
	resp.Response = true
	resp.Request = false

	resp.StatusCode = StatusTrying

	resp.Proto = "SIP/2.0"
	resp.ProtoMajor = 2
	resp.ProtoMinor = 0

	resp.To = msg.To
	resp.From = msg.From
	resp.Via = msg.Via
	resp.CallID = msg.CallID
	resp.CSeq = msg.CSeq
	resp.MaxForwards = msg.MaxForwards
	for _, key := range mandatoryHeaders {
		for _, header := range msg.Header.Values(key) {
			resp.Header.Add(key, header)
		}
	}

	resp.ctx = context.WithValue(msg.Context(), CallIdContextKey, resp.Header.Get("Call-ID"))

	return resp
}

func (msg *Message) AddFromTag() (err error) {
	if msg.From == nil {
		return ErrMissingMandatoryHeader
	}
	if tag := msg.From.Parameter().Get("tag"); len(tag) != 0 {
		return nil
	}
	newParam := "tag=" + GenerateTag()
	if msg.From.RawParameter != "" {
		newParam += ";" + msg.From.RawParameter
	}
	msg.From.RawParameter = newParam
	return nil
}

func (msg *Message) AddToTag() (err error) {
	if msg.To == nil {
		return ErrMissingMandatoryHeader
	}
	if tag := msg.To.Parameter().Get("tag"); len(tag) != 0 {
		return nil
	}
	newParam := "tag=" + GenerateTag()
	if msg.To.RawParameter != "" {
		newParam += ";" + msg.To.RawParameter
	}
	msg.To.RawParameter = newParam
	return nil
}

func (msg *Message) GetTopMostVia() (proto, sentBy string, params map[string][]string, err error) {
	if msg.Via == nil || msg.Via.Length() == 0 {
		return "", "", nil, ErrMissingMandatoryHeader
	}
	v := msg.Via.TopMost()
	proto = v.SentProtocol
	sentBy = v.SentBy
	params = v.Parameter()
	return
}

func (msg *Message) GetCSeq() (cseqMethod string, cseqNum int64, err error) {
	if msg.CSeq == nil {
		return "", 0, ErrMissingMandatoryHeader
	}
	return msg.CSeq.Method, msg.CSeq.Sequence, nil
}

func CreateMessage(addr string) (msg *Message) {
	msg = new(Message)
	msg.RemoteAddr = addr
	msg.Proto = "SIP/2.0"
	msg.ProtoMajor = 2
	msg.ProtoMinor = 0

	msg.Header = make(http.Header)
	return msg
}

func CreateRequest(addr string) (msg *Message) {
	msg = CreateMessage(addr)
	msg.Request = true
	msg.MaxForwards = NewMaxForwardsHeader()
	msg.CallID = NewCallIDHeader()
	return msg
}

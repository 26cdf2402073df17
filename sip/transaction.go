package sip

import (
	"sync"
	"time"
)

var (
	TimerA      = T1
	TimerB      = 64 * T1
	TimerD      = 32 * time.Second
	TimerF      = 64 * T1
	TimerJ      = 64 * T1
	Timer100Try = 200 * time.Millisecond
)

const (
	TransactionStateInit = iota
	TransactionStateTrying
	TransactionStateProceeding
	TransactionStateCompleted
	TransactionStateTerminated
	TransactionStateClosed
)

var (
	ErrTransactionDuplicated        = &ProtocolError{"transaction duplicated"}
	ErrTransactionUnexpectedMessage = &ProtocolError{"transaction recieve unexpected message"}
	ErrTransactionTransportError    = &ProtocolError{"transport error"}
	ErrTransactionTimedOut          = &ProtocolError{"transaction timed out"}
	ErrTransactionClosed            = &ProtocolError{"transaction was closed"}
)

type transactionState int

type ServerTransactionKey struct {
	viaBranch string
	sentBy    string
	method    string
}

// UpdateMethod rewrites the method part of the key; used to find the
// INVITE transaction a CANCEL refers to.
func (k *ServerTransactionKey) UpdateMethod(method string) {
	k.method = method
}

// ServerTransaction absorbs request retransmissions and remembers the
// final response. The proxy core is otherwise stateless, so there are
// no INVITE state machine timers here beyond cleanup.
type ServerTransaction struct {
	mu             sync.Mutex
	Key            *ServerTransactionKey
	Server         *Server
	IsInvite       bool
	Request        *Message
	ProvisionalRes *Message
	FinalRes       *Message
	state          transactionState
	Err            error
}

// Handle processes a retransmitted request for this transaction.
func (t *ServerTransaction) Handle(req *Message) {
	t.mu.Lock()
	final := t.FinalRes
	provisional := t.ProvisionalRes
	t.mu.Unlock()
	if final != nil {
		t.Server.Debugf("[%v] retransmit final response", t.Key)
		t.Server.WriteMessage(final)
	} else if provisional != nil {
		t.Server.Debugf("[%v] retransmit provisional response", t.Key)
		t.Server.WriteMessage(provisional)
	}
}

// WriteMessage sends a response through the transaction. Responses
// after termination are dropped silently.
func (t *ServerTransaction) WriteMessage(msg *Message) {
	t.mu.Lock()
	if t.state >= TransactionStateTerminated {
		t.mu.Unlock()
		t.Server.Debugf("[%v] transaction closed, response dropped", t.Key)
		return
	}
	if msg.Response {
		if msg.StatusCode >= 200 {
			t.FinalRes = msg
		} else if msg.StatusCode > 100 {
			t.ProvisionalRes = msg
		}
	}
	final := t.FinalRes != nil
	t.mu.Unlock()

	t.Server.WriteMessage(msg)

	if final {
		// keep the transaction around for Timer J to absorb
		// retransmissions, then drop it
		go func() {
			time.Sleep(TimerJ)
			t.Destroy()
		}()
	}
}

func (t *ServerTransaction) Destroy() {
	t.mu.Lock()
	if t.state == TransactionStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransactionStateClosed
	t.mu.Unlock()
	t.Server.Debugf("[%v] Transaction was destroyed", t.Key)
	t.Server.DeleteServerTransaction(t)
}

func NewServerInviteTransaction(srv *Server, key *ServerTransactionKey, msg *Message) *ServerTransaction {
	return newServerTransaction(srv, true, key, msg)
}

func NewServerNonInviteTransaction(srv *Server, key *ServerTransactionKey, msg *Message) *ServerTransaction {
	return newServerTransaction(srv, false, key, msg)
}

func newServerTransaction(srv *Server, isInvite bool, key *ServerTransactionKey, msg *Message) *ServerTransaction {
	trans := new(ServerTransaction)
	trans.state = TransactionStateTrying
	trans.IsInvite = isInvite
	trans.Server = srv
	trans.Key = key
	trans.Request = msg
	return trans
}

func GenerateServerTransactionKey(msg *Message) (*ServerTransactionKey, error) {
	_, sentBy, params, err := msg.GetTopMostVia()
	if err != nil {
		// Malformed topmost via header
		return nil, err
	}
	viaBranch, ok := params["branch"]
	if !ok || len(viaBranch) == 0 {
		// Branch parameter not found
		return nil, ErrHeaderParseError
	}
	method := msg.Method
	if method == MethodACK {
		method = MethodINVITE
	}
	return &ServerTransactionKey{viaBranch: viaBranch[0], sentBy: sentBy, method: method}, nil
}

type ClientTransactionKey struct {
	viaBranch  string
	cseqMethod string
}

// ClientTransaction tracks a forwarded request so the matching
// response can be routed back. Timer F bounds the wait.
type ClientTransaction struct {
	mu       sync.Mutex
	Key      *ClientTransactionKey
	Server   *Server
	IsInvite bool
	Request  *Message
	Err      error

	errHandler func(*ClientTransaction)
	gotFinal   bool
	state      transactionState
}

func (t *ClientTransaction) Handle(res *Message) {
	t.mu.Lock()
	if res.StatusCode >= 200 {
		t.gotFinal = true
	}
	t.mu.Unlock()
}

// WriteMessage sends the request and arms the timeout.
func (t *ClientTransaction) WriteMessage(msg *Message) {
	t.mu.Lock()
	if t.state >= TransactionStateTerminated {
		t.mu.Unlock()
		return
	}
	t.state = TransactionStateTrying
	t.mu.Unlock()

	if err := t.Server.WriteMessage(msg); err != nil {
		t.mu.Lock()
		t.Err = ErrTransactionTransportError
		handler := t.errHandler
		t.mu.Unlock()
		if handler != nil {
			handler(t)
		}
		t.Destroy()
		return
	}

	go func() {
		time.Sleep(TimerF)
		t.mu.Lock()
		timedOut := !t.gotFinal && t.state < TransactionStateTerminated
		if timedOut {
			t.Err = ErrTransactionTimedOut
		}
		handler := t.errHandler
		t.mu.Unlock()
		if timedOut && handler != nil {
			handler(t)
		}
		t.Destroy()
	}()
}

func (t *ClientTransaction) Destroy() {
	t.mu.Lock()
	if t.state == TransactionStateClosed {
		t.mu.Unlock()
		return
	}
	t.state = TransactionStateClosed
	t.mu.Unlock()
	t.Server.DeleteClientTransaction(t)
}

func NewClientInviteTransaction(srv *Server, msg *Message, errHandler func(*ClientTransaction)) *ClientTransaction {
	return newClientTransaction(srv, true, msg, errHandler)
}

func NewClientNonInviteTransaction(srv *Server, msg *Message, errHandler func(*ClientTransaction)) *ClientTransaction {
	return newClientTransaction(srv, false, msg, errHandler)
}

func newClientTransaction(srv *Server, isInvite bool, msg *Message, errHandler func(*ClientTransaction)) *ClientTransaction {
	key, err := GenerateClientTransactionKey(msg)
	if err != nil {
		return nil
	}
	return &ClientTransaction{
		Key:        key,
		Server:     srv,
		IsInvite:   isInvite,
		Request:    msg,
		errHandler: errHandler,
	}
}

func GenerateClientTransactionKey(msg *Message) (*ClientTransactionKey, error) {
	_, _, params, err := msg.GetTopMostVia()
	if err != nil {
		return nil, err
	}
	viaBranch, ok := params["branch"]
	if !ok || len(viaBranch) == 0 {
		return nil, ErrHeaderParseError
	}
	cseqMethod, _, err := msg.GetCSeq()
	if err != nil {
		return nil, err
	}
	return &ClientTransactionKey{viaBranch: viaBranch[0], cseqMethod: cseqMethod}, nil
}

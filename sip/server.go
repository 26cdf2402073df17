package sip

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ServerContextKey = &contextKey{"sip-server"}
	RecieveBufSizeB  = 9000
)

// Processing layers a handler can attach to. Packets pass Socket and
// ParserIngress; requests then go to Core, responses to Transaction.
// ParserEgress runs on every outgoing message. Transaction level
// handlers see every response, after any matching client transaction
// has handled it.
const (
	LayerSocket = iota
	LayerParserIngress
	LayerParserEgress
	LayerCore
	LayerTransaction
)

type HandlerFunc func(layer int, srv *Server, msg *Message) error

type handlerEntry struct {
	layer int
	name  string
	fn    HandlerFunc
}

var (
	handlersMu sync.Mutex
	handlers   []handlerEntry
)

// HandleFunc registers fn to run at the given layer. The name is only
// used for logging.
func HandleFunc(layer int, name string, fn HandlerFunc) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers = append(handlers, handlerEntry{layer: layer, name: name, fn: fn})
}

type atomicBool int32

func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }
func (b *atomicBool) setTrue()    { atomic.StoreInt32((*int32)(b), 1) }

type Server struct {
	// Addr specifies the UDP address for the server to listen on,
	// in the form "host:port". If empty, ":5060" is used.
	Addr string

	// ErrorLog specifies an optional logger. If nil, logging is done
	// via the log package's standard logger.
	ErrorLog *log.Logger

	conn *net.UDPConn

	inShutdown atomicBool

	mu         sync.Mutex
	serverTxns map[ServerTransactionKey]*ServerTransaction
	clientTxns map[ClientTransactionKey]*ClientTransaction
	doneChan   chan struct{}
}

func (s *Server) logf(level int, format string, args ...interface{}) {
	if LogLevel < level {
		return
	}
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)
	} else {
		log.Printf(format, args...)
	}
}

func (s *Server) Debugf(format string, args ...interface{}) { s.logf(LogDebug, format, args...) }
func (s *Server) Infof(format string, args ...interface{})  { s.logf(LogInfo, format, args...) }
func (s *Server) Warnf(format string, args ...interface{})  { s.logf(LogWarn, format, args...) }
func (s *Server) Errorf(format string, args ...interface{}) { s.logf(LogError, format, args...) }

// Address returns the local address the server is bound to, suitable
// for Via and Record-Route values.
func (s *Server) Address() string {
	if s.conn != nil {
		return s.conn.LocalAddr().String()
	}
	return s.Addr
}

// WriteMessage serializes msg and sends it to msg.RemoteAddr. Egress
// layer handlers run first and may veto the send by returning an
// error.
func (s *Server) WriteMessage(msg *Message) error {
	if msg == nil {
		return ErrMalformedMessage
	}
	if s.conn == nil {
		return ErrTransactionTransportError
	}
	for _, h := range layerHandlers(LayerParserEgress) {
		if err := h.fn(LayerParserEgress, s, msg); err != nil {
			s.Debugf("egress handler %s dropped message: %v", h.name, err)
			return err
		}
	}
	raddr, err := net.ResolveUDPAddr("udp", msg.RemoteAddr)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(buf.Bytes(), raddr)
	return err
}

func layerHandlers(layer int) []handlerEntry {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	out := make([]handlerEntry, 0, len(handlers))
	for _, h := range handlers {
		if h.layer == layer {
			out = append(out, h)
		}
	}
	return out
}

func (s *Server) AddServerTransaction(txn *ServerTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.serverTxns[*txn.Key]; ok {
		return ErrTransactionDuplicated
	}
	s.serverTxns[*txn.Key] = txn
	return nil
}

func (s *Server) LookupServerTransaction(key *ServerTransactionKey) *ServerTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverTxns[*key]
}

func (s *Server) DeleteServerTransaction(txn *ServerTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.serverTxns, *txn.Key)
}

func (s *Server) AddClientTransaction(txn *ClientTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clientTxns[*txn.Key]; ok {
		return ErrTransactionDuplicated
	}
	s.clientTxns[*txn.Key] = txn
	return nil
}

func (s *Server) LookupClientTransaction(key *ClientTransactionKey) *ClientTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientTxns[*key]
}

func (s *Server) DeleteClientTransaction(txn *ClientTransaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clientTxns, *txn.Key)
}

func (srv *Server) packetProcessing(ctx context.Context, buf []byte, addr *net.UDPAddr) {
	for _, h := range layerHandlers(LayerSocket) {
		if err := h.fn(LayerSocket, srv, nil); err != nil {
			srv.Debugf("socket handler %s dropped packet: %v", h.name, err)
			return
		}
	}

	msg := CreateMessage(addr.String())
	bufr := bufio.NewReader(bytes.NewReader(buf))
	if err := ReadMessage(msg, bufr); err != nil {
		srv.Infof("discarding unparsable message from %v: %v", addr, err)
		return
	}
	msg.RemoteAddr = addr.String()
	msg.ctx = ctx

	for _, h := range layerHandlers(LayerParserIngress) {
		if err := h.fn(LayerParserIngress, srv, msg); err != nil {
			srv.Debugf("ingress handler %s dropped message: %v", h.name, err)
			return
		}
	}

	if msg.Request {
		// Retransmission of a request in progress is absorbed by
		// the matching server transaction.
		if key, err := GenerateServerTransactionKey(msg); err == nil {
			if txn := srv.LookupServerTransaction(key); txn != nil && msg.Method != MethodACK &&
				msg.Method != MethodCANCEL {
				txn.Handle(msg)
				return
			}
		}
	} else if msg.Response {
		if key, err := GenerateClientTransactionKey(msg); err == nil {
			if txn := srv.LookupClientTransaction(key); txn != nil {
				txn.Handle(msg)
			}
		}
		for _, h := range layerHandlers(LayerTransaction) {
			if err := h.fn(LayerTransaction, srv, msg); err != nil {
				srv.Debugf("transaction handler %s: %v", h.name, err)
				return
			}
		}
		return
	}

	for _, h := range layerHandlers(LayerCore) {
		if err := h.fn(LayerCore, srv, msg); err != nil {
			srv.Debugf("core handler %s: %v", h.name, err)
			return
		}
	}
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (srv *Server) Serve(udpLn *net.UDPConn) error {
	srv.conn = udpLn
	defer udpLn.Close()

	baseCtx := context.Background()
	ctx := context.WithValue(baseCtx, ServerContextKey, srv)

	var tempDelay time.Duration // how long to sleep on read failure

	for {
		buf := make([]byte, RecieveBufSizeB)
		n, addr, err := udpLn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-srv.getDoneChan():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				srv.logf(LogWarn, "sip: read error: %v; retrying in %v", err, tempDelay)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go srv.packetProcessing(ctx, buf[:n], addr)
	}
}

func (srv *Server) ListenAndServe() error {
	if srv.shuttingDown() {
		return ErrServerClosed
	}

	addr := srv.Addr
	if addr == "" {
		addr = ":5060"
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}

	ln, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	defer log.Println("UDP Server has been stoped")
	log.Println("Starting UDP Server...")
	return srv.Serve(ln)
}

func (s *Server) shuttingDown() bool {
	return s.inShutdown.isSet()
}

// ErrServerClosed is returned by the Server's Serve and ListenAndServe
// methods after a call to Shutdown or Close.
var ErrServerClosed = errors.New("sip: Server closed")

func NewServer(addr string) *Server {
	return &Server{
		Addr:       addr,
		serverTxns: make(map[ServerTransactionKey]*ServerTransaction),
		clientTxns: make(map[ClientTransactionKey]*ClientTransaction),
	}
}

func ListenAndServe(addr string, errorLog *log.Logger) error {
	server := NewServer(addr)
	server.ErrorLog = errorLog
	return server.ListenAndServe()
}

package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime"
	"sync"

	"github.com/gorilla/mux"

	"github.com/alanrevans/yxa/sip"
)

type proxyStat struct {
	mu        sync.Mutex
	requests  map[string]int
	responses map[int]int
}

func newProxyStat() *proxyStat {
	return &proxyStat{
		requests:  make(map[string]int),
		responses: make(map[int]int),
	}
}

func (s *proxyStat) CountRequest(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[method]++
}

func (s *proxyStat) CountResponse(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses[status]++
}

func (s *proxyStat) Snapshot() (map[string]int, map[int]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests := make(map[string]int, len(s.requests))
	for k, v := range s.requests {
		requests[k] = v
	}
	responses := make(map[int]int, len(s.responses))
	for k, v := range s.responses {
		responses[k] = v
	}
	return requests, responses
}

var stat = newProxyStat()

// messageStatHandler counts traffic at the parser layers for the
// monitor API.
func messageStatHandler(layer int, srv *sip.Server, msg *sip.Message) error {
	if msg == nil {
		return nil
	}
	if layer == sip.LayerParserIngress && msg.Request {
		stat.CountRequest(msg.Method)
	}
	if layer == sip.LayerParserEgress && msg.Response {
		stat.CountResponse(msg.StatusCode)
	}
	return nil
}

// MonitorServer is the read-only HTTP observability endpoint.
type MonitorServer struct {
	registrar *RegisterController
	store     PidfStore
}

func NewMonitorServer(registrar *RegisterController, store PidfStore) *MonitorServer {
	return &MonitorServer{registrar: registrar, store: store}
}

func (m *MonitorServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	requests, responses := stat.Snapshot()
	writeJSON(w, map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"requests":   requests,
		"responses":  responses,
	})
}

func (m *MonitorServer) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	bindings, err := m.registrar.AllBindings()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, bindings)
}

func (m *MonitorServer) handlePresence(w http.ResponseWriter, r *http.Request) {
	publications, err := m.store.All()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, publications)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("monitor encode error: %v", err)
	}
}

func (m *MonitorServer) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/registrations", m.handleRegistrations).Methods(http.MethodGet)
	r.HandleFunc("/presence", m.handlePresence).Methods(http.MethodGet)
	return r
}

// ListenAndServe blocks serving the monitor API.
func (m *MonitorServer) ListenAndServe(addr string) error {
	return http.ListenAndServe(addr, m.Router())
}

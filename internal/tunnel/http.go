package tunnel

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devcollab/devcollab/internal/crdt"
	"github.com/devcollab/devcollab/internal/logger"
)

const (
	// entryGrace keeps a request/response pair visible long enough for the
	// other side to observe it before cleanup.
	entryGrace = 2 * time.Second
)

// proxyTimeout bounds how long a guest request waits for the owner.
var proxyTimeout = 30 * time.Second

func serverRequestsMap(id string) string  { return "server:" + id + ":requests" }
func serverResponsesMap(id string) string { return "server:" + id + ":responses" }

// SharedRequest is one HTTP request serialized into the requests map.
type SharedRequest struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    string              `json:"body,omitempty"` // base64
}

// SharedResponse is the owner's answer, keyed by the same request id.
type SharedResponse struct {
	StatusCode    int                 `json:"statusCode"`
	StatusMessage string              `json:"statusMessage,omitempty"`
	Headers       map[string][]string `json:"headers,omitempty"`
	Body          string              `json:"body,omitempty"` // base64
}

// ServerShare is the owner side of a shared HTTP server: it answers
// replicated requests against a server on the owner's localhost.
type ServerShare struct {
	ID string

	reg       *Registry
	doc       *crdt.Doc
	port      int
	requests  *crdt.Map
	responses *crdt.Map
	client    *http.Client
	reqSub    *crdt.Subscription

	mu      sync.Mutex
	stopped bool
}

// ShareServer announces the local server listening on port.
func ShareServer(doc *crdt.Doc, reg *Registry, owner uint32, port int, label string) (*ServerShare, error) {
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}
	s := &ServerShare{
		ID:   uuid.NewString(),
		reg:  reg,
		doc:  doc,
		port: port,
		client: &http.Client{
			// Redirects are returned to the guest as-is; following them here
			// would resolve Location against the owner's localhost.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	s.requests = doc.Map(serverRequestsMap(s.ID))
	s.responses = doc.Map(serverResponsesMap(s.ID))

	reg.Put(s, Entry{ID: s.ID, Owner: owner, Label: label, Port: port, Active: true})
	s.reqSub = s.requests.Observe(s.onRequests)
	logger.Info("sharing server", "id", s.ID, "port", port)
	return s, nil
}

// Stop marks the channel inactive and stops answering.
func (s *ServerShare) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()
	s.reqSub.Cancel()
	s.reg.Deactivate(s, s.ID)
}

func (s *ServerShare) onRequests(ev crdt.MapEvent) {
	if ev.Origin == s {
		return
	}
	for reqID, change := range ev.Keys {
		if change.Action == crdt.MapActionDelete {
			continue
		}
		raw, ok := s.requests.Get(reqID)
		if !ok {
			continue
		}
		go s.answer(reqID, raw)
	}
}

// answer performs the request locally and publishes the response, then
// deletes the request entry after a grace delay.
func (s *ServerShare) answer(reqID, raw string) {
	var req SharedRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		logger.Warn("bad shared request", "id", reqID, "error", err)
		return
	}

	resp := s.perform(req)
	encoded, err := json.Marshal(resp)
	if err != nil {
		return
	}
	s.doc.Transact(s, func(tx *crdt.Tx) {
		s.responses.Set(tx, reqID, string(encoded))
	})

	time.AfterFunc(entryGrace, func() {
		s.doc.Transact(s, func(tx *crdt.Tx) {
			s.requests.Delete(tx, reqID)
		})
	})
}

func (s *ServerShare) perform(req SharedRequest) SharedResponse {
	body, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return SharedResponse{StatusCode: http.StatusBadGateway, StatusMessage: "bad request body"}
	}
	url := fmt.Sprintf("http://localhost:%d%s", s.port, req.Path)
	httpReq, err := http.NewRequest(req.Method, url, bytes.NewReader(body))
	if err != nil {
		return SharedResponse{StatusCode: http.StatusBadGateway, StatusMessage: err.Error()}
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		logger.Warn("shared server request failed", "id", s.ID, "error", err)
		return SharedResponse{StatusCode: http.StatusBadGateway, StatusMessage: "upstream unreachable"}
	}
	defer httpResp.Body.Close()
	respBody, _ := io.ReadAll(httpResp.Body)

	return SharedResponse{
		StatusCode:    httpResp.StatusCode,
		StatusMessage: http.StatusText(httpResp.StatusCode),
		Headers:       httpResp.Header,
		Body:          base64.StdEncoding.EncodeToString(respBody),
	}
}

// ServerProxy is the guest side: a local listener that turns HTTP requests
// into replicated request entries and waits for the owner's responses.
type ServerProxy struct {
	ID string

	reg       *Registry
	doc       *crdt.Doc
	requests  *crdt.Map
	responses *crdt.Map

	listener net.Listener
	server   *http.Server
	respSub  *crdt.Subscription

	mu      sync.Mutex
	pending map[string]chan SharedResponse
	closed  bool
}

// AttachServer starts a local proxy for an announced server. Addr returns
// the listen address to browse to.
func AttachServer(doc *crdt.Doc, reg *Registry, id string) (*ServerProxy, error) {
	e, ok := reg.Get(id)
	if !ok {
		return nil, fmt.Errorf("no server %s", id)
	}
	if !e.Active {
		return nil, fmt.Errorf("server %s is closed", id)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}

	p := &ServerProxy{
		ID:        id,
		reg:       reg,
		doc:       doc,
		requests:  doc.Map(serverRequestsMap(id)),
		responses: doc.Map(serverResponsesMap(id)),
		listener:  ln,
		pending:   make(map[string]chan SharedResponse),
	}
	p.respSub = p.responses.Observe(p.onResponses)
	p.server = &http.Server{Handler: http.HandlerFunc(p.handle)}
	go p.server.Serve(ln)
	logger.Info("proxying shared server", "id", id, "addr", ln.Addr().String())
	return p, nil
}

// Addr returns the proxy's local listen address.
func (p *ServerProxy) Addr() string { return p.listener.Addr().String() }

// Close stops the proxy listener.
func (p *ServerProxy) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.respSub.Cancel()
	p.server.Close()
}

func (p *ServerProxy) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	reqID := uuid.NewString()

	shared := SharedRequest{
		Method:  r.Method,
		Path:    r.URL.RequestURI(),
		Headers: r.Header,
		Body:    base64.StdEncoding.EncodeToString(body),
	}
	encoded, err := json.Marshal(shared)
	if err != nil {
		http.Error(w, "encode request", http.StatusInternalServerError)
		return
	}

	ch := make(chan SharedResponse, 1)
	p.mu.Lock()
	p.pending[reqID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, reqID)
		p.mu.Unlock()
	}()

	p.doc.Transact(p, func(tx *crdt.Tx) {
		p.requests.Set(tx, reqID, string(encoded))
	})

	select {
	case resp := <-ch:
		p.reply(w, resp)
		time.AfterFunc(entryGrace, func() { p.cleanup(reqID) })
	case <-time.After(proxyTimeout):
		http.Error(w, "shared server did not respond", http.StatusBadGateway)
		p.cleanup(reqID)
	case <-r.Context().Done():
		p.cleanup(reqID)
	}
}

func (p *ServerProxy) reply(w http.ResponseWriter, resp SharedResponse) {
	for k, vs := range resp.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	status := resp.StatusCode
	if status == 0 {
		status = http.StatusBadGateway
	}
	w.WriteHeader(status)
	if resp.Body != "" {
		if body, err := base64.StdEncoding.DecodeString(resp.Body); err == nil {
			w.Write(body)
		}
	}
}

func (p *ServerProxy) onResponses(ev crdt.MapEvent) {
	for reqID, change := range ev.Keys {
		if change.Action == crdt.MapActionDelete {
			continue
		}
		raw, ok := p.responses.Get(reqID)
		if !ok {
			continue
		}
		var resp SharedResponse
		if err := json.Unmarshal([]byte(raw), &resp); err != nil {
			continue
		}
		p.mu.Lock()
		ch, waiting := p.pending[reqID]
		p.mu.Unlock()
		if waiting {
			select {
			case ch <- resp:
			default:
			}
		}
	}
}

// cleanup removes both map entries for a finished request.
func (p *ServerProxy) cleanup(reqID string) {
	p.doc.Transact(p, func(tx *crdt.Tx) {
		p.requests.Delete(tx, reqID)
		p.responses.Delete(tx, reqID)
	})
}

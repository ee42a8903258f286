package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Strum355/log"
	"github.com/pkg/errors"

	"github.com/2a46m4/kawakaze/app/api/models"
)

// Request is one line sent over the socket.
type Request struct {
	Method   string          `json:"method"`
	Endpoint string          `json:"endpoint"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// MaxRequestSize bounds one request line, newline included.
const MaxRequestSize = 1 << 20

var errLineTooLong = errors.Errorf("request line exceeds %d bytes", MaxRequestSize)

var methods = map[string]string{
	"get":    http.MethodGet,
	"post":   http.MethodPost,
	"delete": http.MethodDelete,
}

// SocketServer answers line delimited JSON requests on a unix socket by
// dispatching each one through an http.Handler.
type SocketServer struct {
	path    string
	handler http.Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func NewSocketServer(path string, handler http.Handler) *SocketServer {
	return &SocketServer{
		path:    path,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
	}
}

// Listen binds the socket, replacing a stale one, and makes it accessible to
// its owner only.
func (s *SocketServer) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return errors.Wrap(err, "creating socket directory")
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "removing stale socket")
	}

	l, err := net.Listen("unix", s.path)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", s.path)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		l.Close()
		return errors.Wrap(err, "restricting socket permissions")
	}

	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is cancelled, then closes every open
// connection and waits for their handlers.
func (s *SocketServer) Serve(ctx context.Context) error {
	s.mu.Lock()
	l := s.listener
	s.mu.Unlock()
	if l == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		return s.Serve(ctx)
	}

	go func() {
		<-ctx.Done()
		l.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	log.WithFields(log.Fields{
		"path": s.path,
	}).Info("listening on socket")

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				os.Remove(s.path)
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				continue
			}
			return errors.Wrap(err, "accepting connection")
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *SocketServer) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, MaxRequestSize)
	for {
		line, err := readLine(reader)
		var out []byte
		switch {
		case err == errLineTooLong:
			out, err = encode(models.BadRequest(err)), nil
		case len(bytes.TrimSpace(line)) > 0:
			out = s.handle(ctx, line)
		}
		if out != nil {
			if _, werr := conn.Write(out); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.WithError(err).Debug("socket connection closed")
			}
			return
		}
	}
}

// readLine returns the next line. A line that does not fit the reader's
// buffer is read through to its newline and dropped with errLineTooLong.
// The returned slice is only valid until the next read.
func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadSlice('\n')
	if err != bufio.ErrBufferFull {
		return line, err
	}
	for err == bufio.ErrBufferFull {
		_, err = r.ReadSlice('\n')
	}
	if err != nil {
		return nil, err
	}
	return nil, errLineTooLong
}

// handle answers one request line with one response line.
func (s *SocketServer) handle(ctx context.Context, line []byte) []byte {
	r, err := parseRequest(ctx, line)
	if err != nil {
		return encode(models.BadRequest(err))
	}

	w := &lineWriter{header: make(http.Header)}
	s.handler.ServeHTTP(w, r)
	if w.body.Len() == 0 {
		return encode(&models.APIResponse{Status: w.status()})
	}
	return append(bytes.TrimRight(w.body.Bytes(), "\n"), '\n')
}

func parseRequest(ctx context.Context, line []byte) (*http.Request, error) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return nil, errors.Wrap(err, "malformed request")
	}
	method, ok := methods[strings.ToLower(req.Method)]
	if !ok {
		return nil, errors.Errorf("unsupported method %q", req.Method)
	}
	endpoint := strings.TrimPrefix(strings.TrimSpace(req.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("endpoint is required")
	}
	u, err := url.Parse("/v1/" + endpoint)
	if err != nil {
		return nil, errors.Wrap(err, "malformed endpoint")
	}

	var body io.Reader = http.NoBody
	if len(req.Body) > 0 && string(req.Body) != "null" {
		body = bytes.NewReader(req.Body)
	}
	r, err := http.NewRequest(method, u.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "malformed request")
	}
	r.Header.Set("Content-Type", "application/json")
	r.RemoteAddr = "unix"
	return r.WithContext(ctx), nil
}

func encode(resp *models.APIResponse) []byte {
	out, err := json.Marshal(resp)
	if err != nil {
		out = []byte(`{"status":500,"data":null,"error":{"code":"internal_server_error","message":"failed to encode response"}}`)
	}
	return append(out, '\n')
}

// lineWriter collects a handler's response in memory.
type lineWriter struct {
	header http.Header
	code   int
	body   bytes.Buffer
}

func (w *lineWriter) Header() http.Header {
	return w.header
}

func (w *lineWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *lineWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// request is one parsed exchange: a request line of at least METHOD and
// PATH, then header lines up to the first empty line. Bodies are ignored.
type request struct {
	method string
	target string
	proto  string
	header http.Header
}

// readRequest reads the request line and headers. Header lines without a
// colon are skipped.
func readRequest(r *bufio.Reader) (*request, error) {
	tp := textproto.NewReader(r)
	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}

	parts := strings.Fields(line)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed request line %q", line)
	}
	req := &request{method: parts[0], target: parts[1], proto: "HTTP/1.0", header: http.Header{}}
	if len(parts) > 2 {
		req.proto = parts[2]
	}

	for {
		line, err := tp.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("read headers: %w", err)
		}
		if line == "" {
			return req, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		req.header.Add(textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(k)), strings.TrimSpace(v))
	}
}

// httpRequest converts req for the router.
func (req *request) httpRequest(ctx context.Context, remote string) (*http.Request, error) {
	u, err := url.ParseRequestURI(req.target)
	if err != nil {
		return nil, err
	}
	major, minor, ok := http.ParseHTTPVersion(req.proto)
	if !ok {
		major, minor = 1, 0
	}
	r := &http.Request{
		Method:     req.method,
		URL:        u,
		Proto:      req.proto,
		ProtoMajor: major,
		ProtoMinor: minor,
		Header:     req.header,
		Body:       http.NoBody,
		Host:       req.header.Get("Host"),
		RemoteAddr: remote,
		RequestURI: req.target,
		Close:      true,
	}
	return r.WithContext(ctx), nil
}

// responseWriter buffers one response so that Content-Length is the byte
// length of the body.
type responseWriter struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseWriter() *responseWriter {
	return &responseWriter{header: http.Header{}}
}

func (w *responseWriter) Header() http.Header { return w.header }

func (w *responseWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.body.Write(p)
}

// flush writes the status line, Content-Type, Content-Length,
// Connection: close, any other handler headers, a blank line and the body.
func (w *responseWriter) flush(out io.Writer) error {
	status := w.status
	if status == 0 {
		status = http.StatusOK
	}
	contentType := w.header.Get("Content-Type")
	if contentType == "" {
		contentType = contentText
	}

	bw := bufio.NewWriter(out)
	fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	fmt.Fprintf(bw, "Content-Type: %s\r\n", contentType)
	fmt.Fprintf(bw, "Content-Length: %s\r\n", strconv.Itoa(w.body.Len()))
	bw.WriteString("Connection: close\r\n")

	keys := make([]string, 0, len(w.header))
	for k := range w.header {
		switch k {
		case "Content-Type", "Content-Length", "Connection":
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range w.header[k] {
			fmt.Fprintf(bw, "%s: %s\r\n", k, v)
		}
	}
	bw.WriteString("\r\n")
	bw.Write(w.body.Bytes())
	return bw.Flush()
}

// serveConn handles exactly one exchange on conn. The caller closes it.
func (s *Server) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	defer func() {
		if p := recover(); p != nil {
			slog.Error("server: handler panic", "remote", remote, "panic", p)
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, err := readRequest(bufio.NewReader(conn))
	if err != nil {
		if !errors.Is(err, io.EOF) {
			slog.Debug("server: dropping connection", "remote", remote, "error", err)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newResponseWriter()
	if r, err := req.httpRequest(ctx, remote); err != nil {
		handleNotFound(w, nil)
	} else {
		s.handler.ServeHTTP(w, r)
	}

	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
	if err := w.flush(conn); err != nil {
		slog.Debug("server: write response", "remote", remote, "error", err)
	}
}

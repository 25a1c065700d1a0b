package server

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"
)

const (
	contentJSON = "application/json"
	contentHTML = "text/html; charset=utf-8"
	contentText = "text/plain"
)

type frameResponse struct {
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	Data           string `json:"data"`
	Timestamp      int64  `json:"timestamp"`
	ProcessingTime int64  `json:"processingTime"`
	FilterType     string `json:"filterType"`
}

type statusResponse struct {
	Status   string `json:"status"`
	Port     int    `json:"port"`
	HasFrame bool   `json:"hasFrame"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// write sends a complete response. The connection adds Content-Length and
// Connection: close.
func write(w http.ResponseWriter, status int, contentType string, body []byte, cors bool) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	if cors {
		h.Set("Access-Control-Allow-Origin", "*")
	}
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		slog.Debug("server: write response", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("server: encode response", "error", err)
		internalError(w)
		return
	}
	write(w, status, contentJSON, body, true)
}

func internalError(w http.ResponseWriter) {
	write(w, http.StatusInternalServerError, contentText, []byte("500 Internal Server Error"), false)
}

func (s *Server) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.frames.Peek()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "No frame available"})
		return
	}
	if len(snap.JPEG) == 0 {
		slog.Error("server: snapshot has no image data", "effect", snap.Effect)
		internalError(w)
		return
	}

	writeJSON(w, http.StatusOK, frameResponse{
		Width:          snap.Width,
		Height:         snap.Height,
		Data:           "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(snap.JPEG),
		Timestamp:      snap.Timestamp.UnixMilli(),
		ProcessingTime: snap.ProcessingTime.Milliseconds(),
		FilterType:     snap.Effect,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:   "running",
		Port:     s.Port(),
		HasFrame: s.frames.HasFrame(),
	})
}

const homePage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Edge Viewer</title></head>
<body>
<h1>Edge Viewer</h1>
<p>Snapshot server running on port %d.</p>
<ul>
<li><a href="/latest-frame">/latest-frame</a> latest rendered frame (JSON)</li>
<li><a href="/status">/status</a> server status (JSON)</li>
</ul>
%s</body>
</html>
`

func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	var viewer string
	if s.cfg.ViewerURL != "" {
		u := html.EscapeString(s.cfg.ViewerURL)
		viewer = fmt.Sprintf("<p>Viewer: <a href=\"%s\">%s</a></p>\n", u, u)
	}
	write(w, http.StatusOK, contentHTML, []byte(fmt.Sprintf(homePage, s.Port(), viewer)), false)
}

func handleNotFound(w http.ResponseWriter, r *http.Request) {
	write(w, http.StatusNotFound, contentText, []byte("404 Not Found"), false)
}

// logRequests logs every request at debug level.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("server: request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

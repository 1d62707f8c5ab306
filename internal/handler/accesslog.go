package handler

import (
	"net/http"
	"time"
)

// AccessLog is one JSON line per request.
type AccessLog struct {
	Time         time.Time `json:"time"`
	RequestID    string    `json:"request_id"`
	Method       string    `json:"method"`
	Host         string    `json:"host"`
	Path         string    `json:"path"`
	Protocol     string    `json:"protocol"`
	Status       int       `json:"status"`
	Duration     int64     `json:"duration_ms"`
	RemoteIP     string    `json:"remote_ip"`
	UserAgent    string    `json:"user_agent"`
	Referer      string    `json:"referer"`
	Rule         string    `json:"rule,omitempty"`
	Service      string    `json:"service,omitempty"`
	Upstream     string    `json:"upstream,omitempty"`
	Location     string    `json:"location,omitempty"`
	BytesWritten int64     `json:"bytes_written"`
}

// filter returns the entry reduced to the requested fields, or the full
// entry when no filter is configured.
func (e AccessLog) filter(fields []string) any {
	if len(fields) == 0 {
		return e
	}
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		switch f {
		case "time":
			m["time"] = e.Time
		case "request_id":
			m["request_id"] = e.RequestID
		case "method":
			m["method"] = e.Method
		case "host":
			m["host"] = e.Host
		case "path":
			m["path"] = e.Path
		case "protocol":
			m["protocol"] = e.Protocol
		case "status":
			m["status"] = e.Status
		case "duration_ms":
			m["duration_ms"] = e.Duration
		case "remote_ip":
			m["remote_ip"] = e.RemoteIP
		case "user_agent":
			m["user_agent"] = e.UserAgent
		case "referer":
			m["referer"] = e.Referer
		case "rule":
			m["rule"] = e.Rule
		case "service":
			m["service"] = e.Service
		case "upstream":
			m["upstream"] = e.Upstream
		case "location":
			m["location"] = e.Location
		case "bytes_written":
			m["bytes_written"] = e.BytesWritten
		}
	}
	return m
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int64
}

func (w *loggingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *loggingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *loggingResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

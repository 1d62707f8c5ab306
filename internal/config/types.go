package config

// AccessLogConfig controls the JSON access log.
type AccessLogConfig struct {
	Path     string   // file path; empty => stdout
	Fields   []string // subset of entry fields to emit; empty => all
	Sampling float64  // 0..1, fraction of requests logged (default 1)
}

// ACME configures the reserved challenge webroot. Requests under
// /.well-known/acme-challenge/ bypass all redirect rules and are served
// from Webroot so certificate issuance keeps working mid-migration.
type ACME struct {
	Enabled bool
	Webroot string
}

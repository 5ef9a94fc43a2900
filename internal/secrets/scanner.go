// Package secrets detects plaintext credentials in request payloads and
// variables before they leave the machine.
package secrets

import (
	"encoding/json"
	"regexp"

	"github.com/colsync/colsyncd/internal/model"
)

// Finding is one detected secret occurrence.
type Finding struct {
	RequestID string `json:"request_id,omitempty"`
	Field     string `json:"field"`
	Rule      string `json:"rule"`
	Match     string `json:"match"`
}

// Scanner locates secret material in requests and collection variables.
type Scanner interface {
	Scan(requests []model.Request, variables json.RawMessage) []Finding
}

type rule struct {
	name string
	re   *regexp.Regexp
}

// rules covers the common token shapes. Matches are whole tokens so the
// serializer can redact them by literal replacement.
var rules = []rule{
	{"github-token", regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
	{"gitlab-token", regexp.MustCompile(`glpat-[A-Za-z0-9\-_]{20,}`)},
	{"aws-access-key", regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
	{"slack-token", regexp.MustCompile(`xox[baprs]-[A-Za-z0-9\-]{10,}`)},
	{"private-key", regexp.MustCompile(`-----BEGIN (?:RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
	{"bearer-header", regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]{20,}=*`)},
}

// RegexScanner is the built-in Scanner implementation.
type RegexScanner struct{}

// NewRegexScanner creates the default scanner.
func NewRegexScanner() *RegexScanner {
	return &RegexScanner{}
}

// Scan checks request headers, bodies, auth parameters and collection
// variables against the rule table.
func (s *RegexScanner) Scan(requests []model.Request, variables json.RawMessage) []Finding {
	var findings []Finding

	scanField := func(requestID, field, value string) {
		for _, r := range rules {
			for _, match := range r.re.FindAllString(value, -1) {
				findings = append(findings, Finding{
					RequestID: requestID,
					Field:     field,
					Rule:      r.name,
					Match:     match,
				})
			}
		}
	}

	for _, req := range requests {
		for _, h := range req.Headers {
			scanField(req.ID, "header:"+h.Name, h.Value)
		}
		scanField(req.ID, "url", req.URL)
		scanField(req.ID, "body", req.Body.Content)
		for _, f := range req.Body.Form {
			scanField(req.ID, "form:"+f.Name, f.Value)
		}
		for name, v := range req.Auth.Params {
			scanField(req.ID, "auth:"+name, v)
		}
	}

	if len(variables) > 0 {
		scanField("", "variables", string(variables))
	}

	return findings
}

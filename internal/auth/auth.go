// Package auth validates WebSocket upgrade requests against the configured
// bearer token and parses the reconnect/auth query parameters.
//
// Security invariant: no code path in this package logs the provided or
// expected token value, even on failure.
package auth

import (
	"errors"
	"log"
	"strconv"
	"strings"
)

// Result classifies a successful authentication.
type Result int

const (
	// Authenticated means a configured token was presented and matched.
	Authenticated Result = iota
	// NoAuthRequired means no token is configured, so every request passes.
	// Kept distinct from Authenticated for back-compat with local/dev setups.
	NoAuthRequired
)

// Failure reasons returned by Authenticate.
var (
	ErrMissingToken = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
)

// Authenticate checks an upgrade request against the configured token.
//
// The Authorization header wins when present and must be "Bearer <token>";
// any other shape is an invalid token, not a missing one. With no header the
// query token is consulted, because browser WebSocket clients cannot set
// custom headers. The comparison is a plain string equality; constant-time
// comparison is deliberately not used here.
func Authenticate(configuredToken, authHeader, queryToken string) (Result, error) {
	if configuredToken == "" {
		return NoAuthRequired, nil
	}

	var provided string
	switch {
	case authHeader != "":
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok {
			log.Printf("auth failed: malformed Authorization header")
			return 0, ErrInvalidToken
		}
		provided = strings.TrimSpace(token)
	case queryToken != "":
		provided = queryToken
	default:
		log.Printf("auth failed: no token provided")
		return 0, ErrMissingToken
	}

	if provided != configuredToken {
		log.Printf("auth failed: invalid token")
		return 0, ErrInvalidToken
	}
	return Authenticated, nil
}

// ReconnectParams are the query-string arguments of a reconnect attempt.
type ReconnectParams struct {
	SessionID string
	Token     string
	// LastSeq is the replay watermark: the highest output seq the client
	// already has. Nil means no watermark (full replay).
	LastSeq *uint64
}

// ParseReconnectParams extracts session/token (and optional last_seq) from a
// raw query string. Returns false unless both session and token are present.
//
// Parsing is a best-effort key=value&... split; values are not
// percent-decoded. Session IDs and tokens are URL-safe by construction, so
// this is a documented limitation rather than a handled case.
func ParseReconnectParams(rawQuery string) (ReconnectParams, bool) {
	var p ReconnectParams
	for key, value := range queryPairs(rawQuery) {
		switch key {
		case "session":
			p.SessionID = value
		case "token":
			p.Token = value
		case "last_seq":
			if seq, err := strconv.ParseUint(value, 10, 64); err == nil {
				p.LastSeq = &seq
			}
		}
	}
	if p.SessionID == "" || p.Token == "" {
		return ReconnectParams{}, false
	}
	return p, true
}

// ParseAuthParam extracts the auth bearer token from a raw query string
// ("auth=<token>"). Returns "" when absent.
func ParseAuthParam(rawQuery string) string {
	for key, value := range queryPairs(rawQuery) {
		if key == "auth" {
			return value
		}
	}
	return ""
}

// queryPairs splits a raw query string into key=value pairs without
// percent-decoding.
func queryPairs(rawQuery string) map[string]string {
	pairs := make(map[string]string)
	for _, part := range strings.Split(rawQuery, "&") {
		if key, value, ok := strings.Cut(part, "="); ok {
			pairs[key] = value
		}
	}
	return pairs
}

package auth

import (
	"errors"
	"testing"
)

func TestAuthenticateDisabledWhenNoTokenConfigured(t *testing.T) {
	// Any header/query combination passes when no token is configured.
	combos := []struct{ header, query string }{
		{"", ""},
		{"Bearer whatever", ""},
		{"", "whatever"},
		{"garbage", "more-garbage"},
	}
	for _, c := range combos {
		res, err := Authenticate("", c.header, c.query)
		if err != nil {
			t.Errorf("Authenticate(%q, %q): unexpected error %v", c.header, c.query, err)
		}
		if res != NoAuthRequired {
			t.Errorf("Authenticate(%q, %q) = %v, want NoAuthRequired", c.header, c.query, res)
		}
	}
}

func TestAuthenticateValidHeader(t *testing.T) {
	res, err := Authenticate("secret123", "Bearer secret123", "")
	if err != nil || res != Authenticated {
		t.Fatalf("got (%v, %v), want Authenticated", res, err)
	}
}

func TestAuthenticateHeaderWinsOverQuery(t *testing.T) {
	// A correct header authenticates regardless of the query value.
	if _, err := Authenticate("secret123", "Bearer secret123", "wrong"); err != nil {
		t.Errorf("correct header with bad query token should pass: %v", err)
	}

	// A wrong header fails even when the query token is correct.
	if _, err := Authenticate("secret123", "Bearer nope", "secret123"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong header should fail with ErrInvalidToken, got %v", err)
	}
}

func TestAuthenticateQueryFallback(t *testing.T) {
	res, err := Authenticate("secret123", "", "secret123")
	if err != nil || res != Authenticated {
		t.Fatalf("got (%v, %v), want Authenticated via query", res, err)
	}

	if _, err := Authenticate("secret123", "", "wrong"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong query token: got %v, want ErrInvalidToken", err)
	}
}

func TestAuthenticateMissingToken(t *testing.T) {
	if _, err := Authenticate("secret123", "", ""); !errors.Is(err, ErrMissingToken) {
		t.Errorf("got %v, want ErrMissingToken", err)
	}
}

func TestAuthenticateMalformedHeaderIsInvalidNotMissing(t *testing.T) {
	for _, header := range []string{"Basic secret123", "secret123", "bearer secret123"} {
		if _, err := Authenticate("secret123", header, ""); !errors.Is(err, ErrInvalidToken) {
			t.Errorf("header %q: got %v, want ErrInvalidToken", header, err)
		}
	}
}

func TestAuthenticateTrimsBearerWhitespace(t *testing.T) {
	res, err := Authenticate("secret123", "Bearer   secret123  ", "")
	if err != nil || res != Authenticated {
		t.Fatalf("got (%v, %v), want Authenticated", res, err)
	}
}

func TestParseReconnectParams(t *testing.T) {
	p, ok := ParseReconnectParams("session=abc123&token=xyz789")
	if !ok {
		t.Fatal("expected params")
	}
	if p.SessionID != "abc123" || p.Token != "xyz789" || p.LastSeq != nil {
		t.Errorf("got %+v", p)
	}
}

func TestParseReconnectParamsWithLastSeq(t *testing.T) {
	p, ok := ParseReconnectParams("session=abc&token=xyz&last_seq=42")
	if !ok {
		t.Fatal("expected params")
	}
	if p.LastSeq == nil || *p.LastSeq != 42 {
		t.Errorf("LastSeq = %v, want 42", p.LastSeq)
	}
}

func TestParseReconnectParamsIncomplete(t *testing.T) {
	for _, q := range []string{"", "session=abc123", "token=xyz789", "other=stuff"} {
		if _, ok := ParseReconnectParams(q); ok {
			t.Errorf("ParseReconnectParams(%q): expected no params", q)
		}
	}
}

func TestParseReconnectParamsIgnoresExtra(t *testing.T) {
	p, ok := ParseReconnectParams("session=abc&token=xyz&other=ignored")
	if !ok || p.SessionID != "abc" || p.Token != "xyz" {
		t.Errorf("got (%+v, %v)", p, ok)
	}
}

func TestParseAuthParam(t *testing.T) {
	if got := ParseAuthParam("session=a&auth=tok123&token=b"); got != "tok123" {
		t.Errorf("ParseAuthParam = %q, want tok123", got)
	}
	if got := ParseAuthParam("session=a&token=b"); got != "" {
		t.Errorf("ParseAuthParam = %q, want empty", got)
	}
}

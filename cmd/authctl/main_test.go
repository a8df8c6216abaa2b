package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct {
	mu        sync.Mutex
	keys      map[string]string
	loggedOut bool
}

func (s *fakeServer) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		var body map[string]string
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&body)
		}
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/v1/auth/otp/request":
			_, _ = w.Write([]byte(`{"success":true,"data":{"requestId":"r1","expiresAt":"2026-05-01T12:05:00Z"}}`))
		case "/api/v1/auth/otp/verify":
			if body["otpCode"] != "123456" {
				w.WriteHeader(http.StatusUnauthorized)
				_, _ = w.Write([]byte(`{"success":false,"error":"invalid code"}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":"u1"},"hasKey":false,"registered":true}}`))
		case "/api/v1/auth/key":
			s.keys[body["identifier"]] = body["key"]
			_, _ = w.Write([]byte(`{"success":true,"data":{"token":"tok-1","expiresAt":"2099-01-01T00:00:00Z","user":{"id":"u1","identifier":"a@x.io"}}}`))
		case "/api/v1/auth/me":
			assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"success":true,"data":{"user":{"id":"u1","identifier":"a@x.io","role":"customer","status":"active"}}}`))
		case "/api/v1/auth/logout":
			s.loggedOut = true
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false,"error":"endpoint not found"}`))
		}
	}
}

func TestOTPFlowThenWhoamiAndLogout(t *testing.T) {
	fake := &fakeServer{keys: map[string]string{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()
	sessionFile := filepath.Join(t.TempDir(), "session.json")
	base := []string{"-server", srv.URL, "-session", sessionFile}

	var out, errOut bytes.Buffer
	code := run(append(base, "otp", "a@x.io"), strings.NewReader("123456\nblue-horse\nblue-horse\n"), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "account has been created")
	assert.Contains(t, out.String(), "Signed in as a@x.io")
	assert.Equal(t, "blue-horse", fake.keys["a@x.io"])

	data, err := os.ReadFile(sessionFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"token": "tok-1"`)

	out.Reset()
	code = run(append(base, "whoami"), strings.NewReader(""), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "a@x.io (customer, active)")

	out.Reset()
	code = run(append(base, "logout"), strings.NewReader(""), &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.True(t, fake.loggedOut)
	_, err = os.Stat(sessionFile)
	assert.True(t, os.IsNotExist(err))
}

func TestWrongCodeReportsServerMessage(t *testing.T) {
	fake := &fakeServer{keys: map[string]string{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := run([]string{"-server", srv.URL, "-session", filepath.Join(t.TempDir(), "s.json"), "otp", "a@x.io"},
		strings.NewReader("000000\n"), &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "invalid code")
}

func TestMismatchedKeysNeverReachServer(t *testing.T) {
	fake := &fakeServer{keys: map[string]string{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	var out, errOut bytes.Buffer
	code := run([]string{"-server", srv.URL, "-session", filepath.Join(t.TempDir(), "s.json"), "set-key", "a@x.io"},
		strings.NewReader("one\ntwo\n"), &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "keys do not match")
	assert.Empty(t, fake.keys)
}

func TestUsageErrors(t *testing.T) {
	var out, errOut bytes.Buffer
	dir := t.TempDir()
	assert.Equal(t, 2, run(nil, strings.NewReader(""), &out, &errOut))
	assert.Equal(t, 2, run([]string{"-session", filepath.Join(dir, "s.json"), "bogus"}, strings.NewReader(""), &out, &errOut))
	assert.Equal(t, 2, run([]string{"-session", filepath.Join(dir, "s.json"), "login"}, strings.NewReader(""), &out, &errOut))
	assert.Contains(t, errOut.String(), "usage: authctl")
}

func TestCommandsWithoutSession(t *testing.T) {
	var out, errOut bytes.Buffer
	args := []string{"-server", "http://127.0.0.1:1", "-session", filepath.Join(t.TempDir(), "s.json")}

	assert.Equal(t, 1, run(append(args, "whoami"), strings.NewReader(""), &out, &errOut))
	assert.Equal(t, 1, run(append(args, "refresh"), strings.NewReader(""), &out, &errOut))
	assert.Contains(t, errOut.String(), "no active session")
}

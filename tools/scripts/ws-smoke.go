// Package main provides a CI-friendly smoke test for the stash change-cue
// websocket.
//
// It validates:
//   - handshake against /ws/{username}
//   - unlock -> account grant over HTTP
//   - note ingest -> refresh frame fanout
//   - item delete -> refresh frame fanout
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const maxReadBytes = 1 << 10

func main() {
	var (
		baseURL  = flag.String("url", "http://127.0.0.1:8080", "Server base URL")
		origin   = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		username = flag.String("user", "smoke", "Identity to exercise")
		password = flag.String("password", "", "Identity password (required)")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*password) == "" {
		fatalf("-password is required")
	}

	root := context.Background()

	conn := mustConnect(root, *baseURL, *origin, *username, *timeout)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	grant := mustUnlock(root, *baseURL, *username, *password, *timeout)
	if *verbose {
		fmt.Printf("connected: user=%s origin=%q\n", *username, *origin)
	}

	itemID := mustPutNote(root, *baseURL, *username, grant, *timeout)
	mustReadRefresh(root, conn, "note ingest", *timeout)

	mustDeleteItem(root, *baseURL, *username, grant, itemID, *timeout)
	mustReadRefresh(root, conn, "item delete", *timeout)

	fmt.Printf("OK: user=%s item=%s\n", *username, itemID)
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, baseURL, origin, username string, stepTimeout time.Duration) *websocket.Conn {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	wsURL := strings.Replace(baseURL, "http", "ws", 1) + "/ws/" + username

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: h})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}

	conn.SetReadLimit(maxReadBytes)
	return conn
}

func mustUnlock(parent context.Context, baseURL, username, password string, stepTimeout time.Duration) string {
	body := mustJSON(map[string]string{"password": password})

	var out struct {
		Grant string `json:"grant"`
	}
	mustPost(parent, baseURL+"/api/identities/"+username+"/unlock", "", body, http.StatusOK, &out, stepTimeout)
	if strings.TrimSpace(out.Grant) == "" {
		fatalf("unlock: empty grant")
	}
	return out.Grant
}

func mustPutNote(parent context.Context, baseURL, username, grant string, stepTimeout time.Duration) string {
	body := mustJSON(map[string]string{
		"kind":  "note",
		"label": "ws-smoke",
		"text":  fmt.Sprintf("smoke %d", time.Now().UnixNano()),
	})

	var out struct {
		ID string `json:"id"`
	}
	mustPost(parent, baseURL+"/api/identities/"+username+"/items", grant, body, http.StatusCreated, &out, stepTimeout)
	if strings.TrimSpace(out.ID) == "" {
		fatalf("put note: empty item id")
	}
	return out.ID
}

func mustDeleteItem(parent context.Context, baseURL, username, grant, itemID string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/api/identities/"+username+"/items/"+itemID, nil)
	if err != nil {
		fatalf("delete item: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+grant)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("delete item: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusNoContent {
		fatalf("delete item: status=%d", resp.StatusCode)
	}
}

func mustPost(parent context.Context, url, grant string, body []byte, wantStatus int, out any, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fatalf("post %s: %v", url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if grant != "" {
		req.Header.Set("Authorization", "Bearer "+grant)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatalf("post %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != wantStatus {
		fatalf("post %s: status=%d want=%d", url, resp.StatusCode, wantStatus)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			fatalf("post %s: decode: %v", url, err)
		}
	}
}

func mustReadRefresh(parent context.Context, conn *websocket.Conn, step string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	mt, data, err := conn.Read(ctx)
	if err != nil {
		fatalf("%s: read cue: %v", step, err)
	}
	if mt != websocket.MessageText {
		fatalf("%s: unexpected message type: %v", step, mt)
	}
	if string(data) != "refresh" {
		fatalf("%s: unexpected frame: %q", step, string(data))
	}
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}

package protocol

import (
	"strings"
	"testing"
)

const sampleUpgrade = "GET /chat HTTP/1.1\r\n" +
	"Host: example.com\r\n" +
	"Upgrade: websocket\r\n" +
	"Connection: Upgrade\r\n" +
	"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
	"Sec-WebSocket-Version: 13\r\n" +
	"\r\n"

func TestAcceptToken(t *testing.T) {
	// The RFC 6455 sample nonce and its published accept value.
	got := AcceptToken("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Errorf("AcceptToken = %q, want %q", got, want)
	}
}

func TestParseHandshake(t *testing.T) {
	key, err := parseHandshake([]byte(sampleUpgrade))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("key = %q", key)
	}
}

func TestParseHandshakeCaseInsensitiveHeaders(t *testing.T) {
	req := strings.ReplaceAll(sampleUpgrade, "Upgrade: websocket", "upgrade: WebSocket")
	req = strings.ReplaceAll(req, "Sec-WebSocket-Key:", "sec-websocket-key:")
	key, err := parseHandshake([]byte(req))
	if err != nil {
		t.Fatalf("parse lowercase: %v", err)
	}
	if key != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("key = %q", key)
	}
}

func TestParseHandshakeRejects(t *testing.T) {
	tests := []struct {
		name string
		req  string
	}{
		{"not a GET", "POST / HTTP/1.1\r\nUpgrade: websocket\r\n\r\n"},
		{"no upgrade header", "GET / HTTP/1.1\r\nHost: x\r\n\r\n"},
		{"wrong upgrade value", "GET / HTTP/1.1\r\nUpgrade: h2c\r\n\r\n"},
		{"missing key", "GET / HTTP/1.1\r\nUpgrade: websocket\r\n\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := parseHandshake([]byte(tt.req)); err == nil {
				t.Error("malformed handshake accepted")
			}
		})
	}
}

func TestHandshakeResponseShape(t *testing.T) {
	resp := string(handshakeResponse("dGhlIHNhbXBsZSBub25jZQ=="))
	for _, want := range []string{
		"HTTP/1.1 101 Switching Protocols\r\n",
		"Upgrade: websocket\r\n",
		"Connection: Upgrade\r\n",
		"Sec-WebSocket-Accept: s3pPLMBiTxaQ9kYGzzhZRbK+xOo=\r\n",
	} {
		if !strings.Contains(resp, want) {
			t.Errorf("response missing %q:\n%s", want, resp)
		}
	}
	if !strings.HasSuffix(resp, "\r\n\r\n") {
		t.Error("response not terminated by blank line")
	}
}

package channel

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

func TestOneShot_RequestReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		msg, err := protocol.Decode(readBody(t, r))
		if err != nil {
			t.Fatalf("Failed to decode request: %v", err)
		}
		if msg.Type != protocol.TypeDocsRequest || msg.Query != "srtm" {
			t.Errorf("Unexpected request: %+v", msg)
		}

		reply := &protocol.Message{
			Type:      protocol.TypeDocsResponse,
			RequestID: msg.RequestID,
			Data:      "SRTM elevation data",
		}
		w.Header().Set("Content-Type", "application/json")
		data, _ := reply.Encode()
		_, _ = w.Write(data)
	}))
	defer server.Close()

	ch := NewOneShot(server.URL)
	reply, err := ch.Request(context.Background(), &protocol.Message{
		Type:      protocol.TypeDocsRequest,
		RequestID: "r1",
		Query:     "srtm",
	}, time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply.Type != protocol.TypeDocsResponse || reply.Data != "SRTM elevation data" {
		t.Errorf("Unexpected reply: %+v", reply)
	}
}

func TestOneShot_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ch := NewOneShot(server.URL)
	_, err := ch.Request(context.Background(), &protocol.Message{
		Type: protocol.TypeDocsRequest, RequestID: "r1", Query: "srtm",
	}, 50*time.Millisecond)

	var timeoutErr *protocol.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected TimeoutError, got %v", err)
	}
	if timeoutErr.Timeout != 50*time.Millisecond {
		t.Errorf("Expected the configured timeout reported, got %v", timeoutErr.Timeout)
	}
}

func TestOneShot_EndpointDown(t *testing.T) {
	ch := NewOneShot("http://127.0.0.1:1")
	_, err := ch.Request(context.Background(), &protocol.Message{
		Type: protocol.TypeDocsRequest, RequestID: "r1", Query: "srtm",
	}, time.Second)

	var chanErr *protocol.ChannelError
	if !errors.As(err, &chanErr) {
		t.Fatalf("Expected ChannelError, got %v", err)
	}
}

func TestOneShot_NonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	ch := NewOneShot(server.URL)
	_, err := ch.Request(context.Background(), &protocol.Message{
		Type: protocol.TypeDocsRequest, RequestID: "r1", Query: "srtm",
	}, time.Second)

	var chanErr *protocol.ChannelError
	if !errors.As(err, &chanErr) {
		t.Fatalf("Expected ChannelError for bad status, got %v", err)
	}
}

func TestOneShot_MalformedReply(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("this is not json"))
	}))
	defer server.Close()

	ch := NewOneShot(server.URL)
	_, err := ch.Request(context.Background(), &protocol.Message{
		Type: protocol.TypeDocsRequest, RequestID: "r1", Query: "srtm",
	}, time.Second)

	var chanErr *protocol.ChannelError
	if !errors.As(err, &chanErr) {
		t.Fatalf("Expected ChannelError for malformed reply, got %v", err)
	}
}

func TestOneShot_DefaultTimeoutApplied(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := (&protocol.Message{Type: protocol.TypePong}).Encode()
		_, _ = w.Write(data)
	}))
	defer server.Close()

	ch := NewOneShot(server.URL)
	reply, err := ch.Request(context.Background(), &protocol.Message{Type: protocol.TypePing}, 0)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if reply.Type != protocol.TypePong {
		t.Errorf("Expected PONG, got %s", reply.Type)
	}
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return data
}

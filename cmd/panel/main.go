// Panel - terminal chat client for the assistant gateway.
//
// Exercises the full client path: connection lifecycle management over the
// duplex channel, optimistic placeholders, and frame reassembly of the
// streamed response.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/wybert/earth-agent-gateway/internal/channel"
	"github.com/wybert/earth-agent-gateway/internal/config"
	"github.com/wybert/earth-agent-gateway/internal/frames"
	"github.com/wybert/earth-agent-gateway/internal/lifecycle"
	"github.com/wybert/earth-agent-gateway/internal/protocol"
)

// transcriptPrinter renders reassembled stream events to the terminal.
type transcriptPrinter struct {
	mu      sync.Mutex
	printed map[string]int
	done    chan struct{}
}

func newTranscriptPrinter() *transcriptPrinter {
	return &transcriptPrinter{
		printed: make(map[string]int),
		done:    make(chan struct{}, 1),
	}
}

func (p *transcriptPrinter) Append(requestID, fragment string) {
	p.mu.Lock()
	fmt.Print(fragment)
	p.printed[requestID] += len(fragment)
	p.mu.Unlock()
}

func (p *transcriptPrinter) Complete(requestID, text string) {
	p.mu.Lock()
	// Non-streamed answers arrive whole; print only what streaming has
	// not already shown.
	if already := p.printed[requestID]; len(text) > already {
		fmt.Print(text[already:])
	}
	delete(p.printed, requestID)
	if !strings.HasSuffix(text, "\n") {
		fmt.Println()
	}
	p.mu.Unlock()
	p.signal()
}

func (p *transcriptPrinter) Fail(requestID, userMessage string, cause error) {
	p.mu.Lock()
	delete(p.printed, requestID)
	fmt.Println()
	fmt.Println(userMessage)
	p.mu.Unlock()
	slog.Debug("request failed", "cause", cause)
	p.signal()
}

func (p *transcriptPrinter) signal() {
	select {
	case p.done <- struct{}{}:
	default:
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded .env")
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	printer := newTranscriptPrinter()
	reassembler := frames.New(printer)

	manager := lifecycle.NewManager(func(ctx context.Context) (channel.Duplex, error) {
		return channel.Dial(ctx, cfg.GatewayURL)
	}, lifecycle.Options{
		BaseDelay:    cfg.Reconnect.BaseDelay,
		MaxAttempts:  cfg.Reconnect.MaxAttempts,
		PingInterval: cfg.Reconnect.PingInterval,
	})
	defer manager.Close()

	manager.OnMessage(func(msg *protocol.Message) {
		reassembler.HandleFrame(msg)
	})
	manager.OnDrop(func(cause error) {
		reassembler.FailAll(cause)
	})

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = manager.Connect(connectCtx)
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, "could not reach the gateway:", err)
		fmt.Fprintln(os.Stderr, "continuing; reconnection happens in the background")
	}

	fmt.Println("earth-agent panel. Type a question, /cancel to abort a stream, /quit to exit.")

	scanner := bufio.NewScanner(os.Stdin)
	var activeRequest string

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return
		case line == "/cancel":
			if activeRequest == "" {
				fmt.Println("nothing to cancel")
				continue
			}
			reassembler.Cancel(activeRequest)
			if err := manager.Send(&protocol.Message{
				Type:      protocol.TypeCancelStream,
				RequestID: activeRequest,
			}); err != nil {
				fmt.Fprintln(os.Stderr, "cancel failed:", err)
			}
			activeRequest = ""
			continue
		}

		requestID := uuid.NewString()
		reassembler.Track(requestID)
		activeRequest = requestID

		if err := manager.Send(&protocol.Message{
			Type:      protocol.TypeChatMessage,
			RequestID: requestID,
			Content:   line,
		}); err != nil {
			fmt.Fprintln(os.Stderr, "send failed:", err)
			reassembler.Cancel(requestID)
			activeRequest = ""
			continue
		}

		// Wait for the single terminal event before prompting again.
		select {
		case <-printer.done:
		case <-time.After(2 * time.Minute):
			fmt.Fprintln(os.Stderr, "timed out waiting for a response")
			reassembler.Cancel(requestID)
		}
		activeRequest = ""
	}
}

package upstream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

// chunkedReader yields its script one element per Read call, forcing the
// decoder to see records split at arbitrary byte boundaries.
type chunkedReader struct {
	chunks []string
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[0])
	if n < len(r.chunks[0]) {
		r.chunks[0] = r.chunks[0][n:]
	} else {
		r.chunks = r.chunks[1:]
	}
	return n, nil
}

func collectLines(t *testing.T, d *lineDecoder) []string {
	t.Helper()
	var lines []string
	for {
		line, err := d.next(context.Background())
		if err == io.EOF {
			return lines
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		lines = append(lines, line)
	}
}

func TestLineDecoder_SplitRecords(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			"record split mid payload",
			[]string{"data: {\"part", "\":1}\n", "data: {\"part\":2}\n"},
			[]string{`data: {"part":1}`, `data: {"part":2}`},
		},
		{
			"several records in one read",
			[]string{"a\nb\nc\n"},
			[]string{"a", "b", "c"},
		},
		{
			"split at the newline",
			[]string{"first", "\n", "second\n"},
			[]string{"first", "second"},
		},
		{
			"crlf terminators",
			[]string{"one\r\ntwo\r\n"},
			[]string{"one", "two"},
		},
		{
			"final line without terminator",
			[]string{"tail"},
			[]string{"tail"},
		},
		{
			"byte at a time",
			strings.Split("data: x\n", ""),
			[]string{"data: x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newLineDecoder(&chunkedReader{chunks: tt.chunks})
			got := collectLines(t, d)
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %d lines, got %d: %v", len(tt.want), len(got), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Line %d: expected %q, got %q", i, tt.want[i], got[i])
				}
			}
		})
	}
}

func TestLineDecoder_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newLineDecoder(&chunkedReader{chunks: []string{"never read\n"}})
	_, err := d.next(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestLineDecoder_BufferedLinesBeforeCancellationCheck(t *testing.T) {
	// Lines already buffered are still returned; cancellation is only
	// observed before hitting the reader again.
	d := newLineDecoder(&chunkedReader{chunks: []string{"buffered\nrest"}})

	ctx := context.Background()
	if line, err := d.next(ctx); err != nil || line != "buffered" {
		t.Fatalf("Expected buffered line, got %q, %v", line, err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	// "rest" still needs a read to learn there is no more input, so the
	// cancelled context surfaces before EOF handling.
	if _, err := d.next(cancelled); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestDataPayload(t *testing.T) {
	tests := []struct {
		line   string
		want   string
		wantOK bool
	}{
		{"data: {\"x\":1}", `{"x":1}`, true},
		{"data:[DONE]", "[DONE]", true},
		{"data: [DONE]", "[DONE]", true},
		{"event: message_stop", "", false},
		{": keepalive comment", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := dataPayload(tt.line)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("dataPayload(%q) = %q, %v; expected %q, %v", tt.line, got, ok, tt.want, tt.wantOK)
		}
	}
}

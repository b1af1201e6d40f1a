package domain

// RequestState tracks a logical chat request through its lifecycle.
type RequestState int

const (
	// RequestPending means the request was accepted but no fragment has arrived.
	RequestPending RequestState = iota
	// RequestStreaming means at least one fragment has been delivered.
	RequestStreaming
	// RequestCompleted means the full response was delivered.
	RequestCompleted
	// RequestFailed means the stream ended in an error.
	RequestFailed
	// RequestCancelled means the user aborted the stream.
	RequestCancelled
)

// Terminal reports whether the state admits no further transitions.
func (s RequestState) Terminal() bool {
	return s == RequestCompleted || s == RequestFailed || s == RequestCancelled
}

func (s RequestState) String() string {
	switch s {
	case RequestPending:
		return "pending"
	case RequestStreaming:
		return "streaming"
	case RequestCompleted:
		return "completed"
	case RequestFailed:
		return "failed"
	case RequestCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Package message defines the envelope exchanged between client and server.
//
// ServiceMessage is what the transfer engine carries: it gets serialized by the
// codec layer, split into chunk frames and reassembled on the other side.
package message

// NameProgress is the reserved name of an upload-progress acknowledgement.
// Its Body is a JSON-encoded ProgressBody.
const NameProgress = "$progress"

// Response error strings the middleware and client recognize.
const (
	ErrTimeout     = "request timed out"
	ErrRateLimited = "rate limit exceeded"
	ErrTooLarge    = "message size exceeds the limit"
)

// ServiceMessage carries one RPC request or response.
//
//   - On request:  Name is set, Body contains the serialized args, Error is empty.
//   - On response: Body contains the serialized reply, Error is non-empty if the call failed.
type ServiceMessage struct {
	Name  string `json:"name"`            // Format: "ServiceName.MethodName", e.g., "Echo.Say"
	Error string `json:"error,omitempty"` // Non-empty if the server-side handler returned an error
	Body  []byte `json:"body,omitempty"`  // Serialized args (request) or reply (response) as JSON bytes
}

// IsProgress reports whether m is an upload-progress acknowledgement.
func (m *ServiceMessage) IsProgress() bool {
	return m.Name == NameProgress
}

// ProgressBody is the body of a NameProgress message: how many bytes of a
// request the server has received so far.
type ProgressBody struct {
	TotalSize     uint64 `json:"totalSize"`
	CompletedSize uint64 `json:"completedSize"`
}

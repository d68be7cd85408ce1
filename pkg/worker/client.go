// Package worker is the Go-side client for the external agent worker
// service. The control plane never runs agent code in-process: every
// turn is a streamed gRPC invocation whose proposed actions are screened
// before they take effect.
package worker

import "context"

// Client is the interface the dispatcher uses to run worker turns.
type Client interface {
	// Invoke runs one agent turn and returns a stream of chunks. The
	// returned channel is closed when the stream completes. Errors are
	// delivered as ErrorChunk values in the channel.
	Invoke(ctx context.Context, input *InvokeInput) (<-chan Chunk, error)

	// Kill terminates a running invocation.
	Kill(ctx context.Context, dispatchID, reason string) error

	// Close releases the underlying connection.
	Close() error
}

// InvokeInput is the Go-side representation of one worker turn.
type InvokeInput struct {
	DispatchID    string
	SessionID     string
	StoryID       string
	Role          string
	Gate          string
	Model         string
	WorkspaceDir  string
	StoryManifest string // JSON story manifest
	Context       []ContextEntry
	Feedback      string // rejection feedback from the prior attempt
}

// ContextEntry is one preloaded context item for the turn.
type ContextEntry struct {
	Key     string
	Content string
}

// Chunk is the interface for all streaming chunk types.
type Chunk interface {
	chunkType() ChunkType
}

// ChunkType identifies the kind of streaming chunk.
type ChunkType string

const (
	ChunkTypeFileWrite ChunkType = "file_write"
	ChunkTypeCommand   ChunkType = "shell_command"
	ChunkTypeLog       ChunkType = "log"
	ChunkTypeUsage     ChunkType = "usage"
	ChunkTypeResult    ChunkType = "result"
	ChunkTypeError     ChunkType = "error"
)

// FileWriteChunk proposes a write to a workspace-relative path.
type FileWriteChunk struct{ Path, Content string }

// CommandChunk proposes running a shell command in the workspace.
type CommandChunk struct{ Command string }

// LogChunk is free-form worker progress output.
type LogChunk struct{ Text string }

// UsageChunk reports token consumption for the turn so far.
type UsageChunk struct{ InputTokens, OutputTokens int64 }

// ResultChunk terminates the stream with the turn's outcome.
type ResultChunk struct{ Status, Summary string }

// Result statuses reported by the worker.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultStopped   = "stopped"
)

// ErrorChunk signals an error from the worker service.
type ErrorChunk struct {
	Message   string
	Code      string
	Retryable bool
}

func (c *FileWriteChunk) chunkType() ChunkType { return ChunkTypeFileWrite }
func (c *CommandChunk) chunkType() ChunkType   { return ChunkTypeCommand }
func (c *LogChunk) chunkType() ChunkType       { return ChunkTypeLog }
func (c *UsageChunk) chunkType() ChunkType     { return ChunkTypeUsage }
func (c *ResultChunk) chunkType() ChunkType    { return ChunkTypeResult }
func (c *ErrorChunk) chunkType() ChunkType     { return ChunkTypeError }

package worker

import (
	"context"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	workerv1 "github.com/waveworks/wave/proto"
)

// GRPCClient implements Client by calling the worker service via gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	client workerv1.WorkerServiceClient
}

// NewGRPCClient creates a new gRPC worker client.
func NewGRPCClient(addr string) (*GRPCClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to worker service at %s: %w", addr, err)
	}
	return &GRPCClient{
		conn:   conn,
		client: workerv1.NewWorkerServiceClient(conn),
	}, nil
}

// Invoke runs one agent turn and returns a channel of chunks.
func (c *GRPCClient) Invoke(ctx context.Context, input *InvokeInput) (<-chan Chunk, error) {
	stream, err := c.client.Invoke(ctx, toProtoRequest(input))
	if err != nil {
		return nil, fmt.Errorf("gRPC Invoke call failed: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		for {
			resp, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				select {
				case ch <- &ErrorChunk{Message: err.Error(), Retryable: false}:
				case <-ctx.Done():
				}
				return
			}
			chunk := fromProtoResponse(resp)
			if chunk != nil {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, nil
}

// Kill terminates a running invocation.
func (c *GRPCClient) Kill(ctx context.Context, dispatchID, reason string) error {
	_, err := c.client.Kill(ctx, &workerv1.KillRequest{
		DispatchId: dispatchID,
		Reason:     reason,
	})
	if err != nil {
		return fmt.Errorf("gRPC Kill call failed: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func toProtoRequest(input *InvokeInput) *workerv1.InvokeRequest {
	req := &workerv1.InvokeRequest{
		DispatchId:    input.DispatchID,
		SessionId:     input.SessionID,
		StoryId:       input.StoryID,
		Role:          input.Role,
		Gate:          input.Gate,
		Model:         input.Model,
		WorkspaceDir:  input.WorkspaceDir,
		StoryManifest: input.StoryManifest,
		Feedback:      input.Feedback,
	}
	for _, e := range input.Context {
		req.Context = append(req.Context, &workerv1.ContextEntry{
			Key:     e.Key,
			Content: e.Content,
		})
	}
	return req
}

func fromProtoResponse(resp *workerv1.InvokeResponse) Chunk {
	switch c := resp.Content.(type) {
	case *workerv1.InvokeResponse_FileWrite:
		return &FileWriteChunk{Path: c.FileWrite.Path, Content: c.FileWrite.Content}
	case *workerv1.InvokeResponse_ShellCommand:
		return &CommandChunk{Command: c.ShellCommand.Command}
	case *workerv1.InvokeResponse_Log:
		return &LogChunk{Text: c.Log.Text}
	case *workerv1.InvokeResponse_Usage:
		return &UsageChunk{
			InputTokens:  c.Usage.InputTokens,
			OutputTokens: c.Usage.OutputTokens,
		}
	case *workerv1.InvokeResponse_Result:
		return &ResultChunk{Status: c.Result.Status, Summary: c.Result.Summary}
	case *workerv1.InvokeResponse_Error:
		return &ErrorChunk{
			Message:   c.Error.Message,
			Code:      c.Error.Code,
			Retryable: c.Error.Retryable,
		}
	default:
		return nil
	}
}

package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	workerv1 "github.com/waveworks/wave/proto"
)

func TestToProtoRequest(t *testing.T) {
	input := &InvokeInput{
		DispatchID:    "disp-1",
		SessionID:     "sess-1",
		StoryID:       "story-auth",
		Role:          "backend-1",
		Gate:          "DEV_COMPLETE",
		Model:         "worker-default",
		WorkspaceDir:  "/workspaces/sess-1/story-auth-attempt-0",
		StoryManifest: `{"id":"story-auth"}`,
		Context: []ContextEntry{
			{Key: "docs/auth.md", Content: "Token flow"},
			{Key: "docs/models.md", Content: "Session table"},
		},
		Feedback: "tests failed: token expiry off by one",
	}

	req := toProtoRequest(input)
	assert.Equal(t, "disp-1", req.DispatchId)
	assert.Equal(t, "sess-1", req.SessionId)
	assert.Equal(t, "story-auth", req.StoryId)
	assert.Equal(t, "backend-1", req.Role)
	assert.Equal(t, "DEV_COMPLETE", req.Gate)
	assert.Equal(t, "worker-default", req.Model)
	assert.Equal(t, "/workspaces/sess-1/story-auth-attempt-0", req.WorkspaceDir)
	assert.Equal(t, `{"id":"story-auth"}`, req.StoryManifest)
	assert.Equal(t, "tests failed: token expiry off by one", req.Feedback)

	require.Len(t, req.Context, 2)
	assert.Equal(t, "docs/auth.md", req.Context[0].Key)
	assert.Equal(t, "Token flow", req.Context[0].Content)
	assert.Equal(t, "docs/models.md", req.Context[1].Key)
}

func TestToProtoRequest_NoContextNoFeedback(t *testing.T) {
	input := &InvokeInput{
		DispatchID: "disp-2",
		SessionID:  "sess-1",
		StoryID:    "story-auth",
		Role:       "qa",
		Gate:       "QA_PASSED",
	}

	req := toProtoRequest(input)
	assert.Empty(t, req.Context)
	assert.Empty(t, req.Feedback)
}

func TestFromProtoResponse(t *testing.T) {
	t.Run("file write", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_FileWrite{
				FileWrite: &workerv1.FileWrite{
					Path:    "internal/auth/session.go",
					Content: "package auth\n",
				},
			},
		}
		chunk := fromProtoResponse(resp)
		fw, ok := chunk.(*FileWriteChunk)
		require.True(t, ok)
		assert.Equal(t, "internal/auth/session.go", fw.Path)
		assert.Equal(t, "package auth\n", fw.Content)
	})

	t.Run("shell command", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_ShellCommand{
				ShellCommand: &workerv1.ShellCommand{Command: "go test ./..."},
			},
		}
		chunk := fromProtoResponse(resp)
		cc, ok := chunk.(*CommandChunk)
		require.True(t, ok)
		assert.Equal(t, "go test ./...", cc.Command)
	})

	t.Run("log", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_Log{
				Log: &workerv1.Log{Text: "analyzing acceptance criteria"},
			},
		}
		chunk := fromProtoResponse(resp)
		lc, ok := chunk.(*LogChunk)
		require.True(t, ok)
		assert.Equal(t, "analyzing acceptance criteria", lc.Text)
	})

	t.Run("usage", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_Usage{
				Usage: &workerv1.Usage{InputTokens: 1200, OutputTokens: 300},
			},
		}
		chunk := fromProtoResponse(resp)
		uc, ok := chunk.(*UsageChunk)
		require.True(t, ok)
		assert.Equal(t, int64(1200), uc.InputTokens)
		assert.Equal(t, int64(300), uc.OutputTokens)
	})

	t.Run("result", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_Result{
				Result: &workerv1.Result{Status: ResultCompleted, Summary: "session model added"},
			},
		}
		chunk := fromProtoResponse(resp)
		rc, ok := chunk.(*ResultChunk)
		require.True(t, ok)
		assert.Equal(t, ResultCompleted, rc.Status)
		assert.Equal(t, "session model added", rc.Summary)
	})

	t.Run("error", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{
			Content: &workerv1.InvokeResponse_Error{
				Error: &workerv1.Error{
					Message:   "model overloaded",
					Code:      "503",
					Retryable: true,
				},
			},
		}
		chunk := fromProtoResponse(resp)
		ec, ok := chunk.(*ErrorChunk)
		require.True(t, ok)
		assert.Equal(t, "model overloaded", ec.Message)
		assert.Equal(t, "503", ec.Code)
		assert.True(t, ec.Retryable)
	})

	t.Run("empty content returns nil", func(t *testing.T) {
		resp := &workerv1.InvokeResponse{}
		assert.Nil(t, fromProtoResponse(resp))
	})
}

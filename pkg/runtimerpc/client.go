// Package runtimerpc implements pkg/sandbox.RuntimeClient and
// pkg/merge.ConflictResolver by calling the agent runtime process over
// gRPC — the control-plane counterpart to type=remote sandboxes and to
// ConvergenceMerger's external conflict resolution step. Grounded on the
// teacher's GRPCLLMClient: a thin grpc.ClientConn wrapper plus a
// streaming Recv loop fanned into a channel.
package runtimerpc

import (
	"context"
	"fmt"
	"io"

	runtimev1 "github.com/kivo360/omoios/proto/runtimerpc/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client implements sandbox.RuntimeClient over a gRPC connection to the
// runtime process.
type Client struct {
	conn   *grpc.ClientConn
	client runtimev1.RuntimeServiceClient
}

// New dials addr with insecure (plaintext) transport — the runtime process
// is expected to run as a sidecar or on localhost, matching
// GRPCLLMClient's own assumption about the Python LLM service.
func New(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime client for %s: %w", addr, err)
	}
	return &Client{
		conn:   conn,
		client: runtimev1.NewRuntimeServiceClient(conn),
	}, nil
}

// StartSession implements sandbox.RuntimeClient.
func (c *Client) StartSession(ctx context.Context, sandboxID, workspacePath, branchName string) error {
	resp, err := c.client.StartSession(ctx, &runtimev1.StartSessionRequest{
		SandboxId:     sandboxID,
		WorkspacePath: workspacePath,
		BranchName:    branchName,
	})
	if err != nil {
		return fmt.Errorf("gRPC StartSession call failed: %w", err)
	}
	if !resp.GetAccepted() {
		return fmt.Errorf("runtime rejected session start for sandbox %s", sandboxID)
	}
	return nil
}

// TerminateSession implements sandbox.RuntimeClient.
func (c *Client) TerminateSession(ctx context.Context, sandboxID string) error {
	_, err := c.client.TerminateSession(ctx, &runtimev1.TerminateSessionRequest{SandboxId: sandboxID})
	if err != nil {
		return fmt.Errorf("gRPC TerminateSession call failed: %w", err)
	}
	return nil
}

// StreamTranscript implements sandbox.RuntimeClient.
func (c *Client) StreamTranscript(ctx context.Context, sandboxID string) (<-chan string, error) {
	stream, err := c.client.StreamTranscript(ctx, &runtimev1.StreamTranscriptRequest{SandboxId: sandboxID})
	if err != nil {
		return nil, fmt.Errorf("gRPC StreamTranscript call failed: %w", err)
	}

	ch := make(chan string, 32)
	go func() {
		defer close(ch)
		for {
			chunk, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				return
			}
			select {
			case ch <- chunk.GetText():
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Resolve implements pkg/merge.ConflictResolver by delegating the actual
// merge attempt to the runtime process, which has the working tree and
// whatever tooling (git, language-specific mergers) the resolution needs.
func (c *Client) Resolve(ctx context.Context, workspacePath, targetBranch, sourceBranch string) (bool, string, error) {
	resp, err := c.client.ResolveMerge(ctx, &runtimev1.ResolveMergeRequest{
		WorkspacePath: workspacePath,
		TargetBranch:  targetBranch,
		SourceBranch:  sourceBranch,
	})
	if err != nil {
		return false, "", fmt.Errorf("gRPC ResolveMerge call failed: %w", err)
	}
	return resp.GetResolved(), resp.GetDetail(), nil
}

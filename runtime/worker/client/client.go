// Package client defines the transport the workflow worker consumes and a
// gRPC implementation backed by the Temporal WorkflowService API.
package client

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	commonpb "go.temporal.io/api/common/v1"
	enumspb "go.temporal.io/api/enums/v1"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"go.temporal.io/api/workflowservice/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// DefaultHistoryPageSize is the page size requested when fetching history.
const DefaultHistoryPageSize int32 = 1000

type (
	// Client is the transport used by the worker. Implementations own
	// timeouts and retries; errors are returned unchanged to the worker.
	Client interface {
		// PollWorkflowTask long-polls the task queue for a workflow task. A
		// response with an empty task token means the poll timed out.
		PollWorkflowTask(ctx context.Context) (*workflowservice.PollWorkflowTaskQueueResponse, error)
		// GetWorkflowExecutionHistory returns one page of the execution's
		// history. A nil token requests the first page.
		GetWorkflowExecutionHistory(ctx context.Context, execution *commonpb.WorkflowExecution, nextPageToken []byte) (*workflowservice.GetWorkflowExecutionHistoryResponse, error)
		// CompleteWorkflowTask responds to a workflow task with commands and
		// query results.
		CompleteWorkflowTask(ctx context.Context, req *workflowservice.RespondWorkflowTaskCompletedRequest) error
		// FailWorkflowTask reports a workflow task failure.
		FailWorkflowTask(ctx context.Context, req *workflowservice.RespondWorkflowTaskFailedRequest) error
		// RespondQueryTask answers a legacy query task.
		RespondQueryTask(ctx context.Context, req *workflowservice.RespondQueryTaskCompletedRequest) error
	}

	// Options configures the gRPC client.
	Options struct {
		// Namespace is the Temporal namespace. Required.
		Namespace string
		// TaskQueue is the workflow task queue to poll. Required.
		TaskQueue string
		// Identity identifies the worker to the server. Defaults to
		// "<pid>@<hostname>@<uuid>".
		Identity string
		// HistoryPageSize bounds the number of events per history page.
		// Defaults to DefaultHistoryPageSize.
		HistoryPageSize int32
	}

	// GRPCClient implements Client on top of a WorkflowServiceClient.
	GRPCClient struct {
		svc      workflowservice.WorkflowServiceClient
		conn     *grpc.ClientConn
		opts     Options
		pageSize int32
	}
)

// New wraps an existing WorkflowServiceClient.
func New(svc workflowservice.WorkflowServiceClient, opts Options) (*GRPCClient, error) {
	if svc == nil {
		return nil, errors.New("client: workflow service client is required")
	}
	if opts.Namespace == "" {
		return nil, errors.New("client: namespace is required")
	}
	if opts.TaskQueue == "" {
		return nil, errors.New("client: task queue is required")
	}
	if opts.Identity == "" {
		opts.Identity = DefaultIdentity()
	}
	pageSize := opts.HistoryPageSize
	if pageSize <= 0 {
		pageSize = DefaultHistoryPageSize
	}
	return &GRPCClient{svc: svc, opts: opts, pageSize: pageSize}, nil
}

// Dial connects to the frontend at hostPort without transport security unless
// dialOpts override credentials. Close releases the connection.
func Dial(hostPort string, opts Options, dialOpts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, dialOpts...)
	conn, err := grpc.NewClient(hostPort, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", hostPort, err)
	}
	c, err := New(workflowservice.NewWorkflowServiceClient(conn), opts)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	c.conn = conn
	return c, nil
}

// DefaultIdentity returns a worker identity unique to this process.
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%d@%s@%s", os.Getpid(), host, uuid.NewString())
}

// Identity returns the identity reported to the server.
func (c *GRPCClient) Identity() string {
	return c.opts.Identity
}

// Close releases the underlying connection when the client owns it.
func (c *GRPCClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// PollWorkflowTask implements Client.
func (c *GRPCClient) PollWorkflowTask(ctx context.Context) (*workflowservice.PollWorkflowTaskQueueResponse, error) {
	return c.svc.PollWorkflowTaskQueue(ctx, &workflowservice.PollWorkflowTaskQueueRequest{
		Namespace: c.opts.Namespace,
		TaskQueue: &taskqueuepb.TaskQueue{
			Name: c.opts.TaskQueue,
			Kind: enumspb.TASK_QUEUE_KIND_NORMAL,
		},
		Identity: c.opts.Identity,
	})
}

// GetWorkflowExecutionHistory implements Client.
func (c *GRPCClient) GetWorkflowExecutionHistory(ctx context.Context, execution *commonpb.WorkflowExecution, nextPageToken []byte) (*workflowservice.GetWorkflowExecutionHistoryResponse, error) {
	return c.svc.GetWorkflowExecutionHistory(ctx, &workflowservice.GetWorkflowExecutionHistoryRequest{
		Namespace:       c.opts.Namespace,
		Execution:       execution,
		MaximumPageSize: c.pageSize,
		NextPageToken:   nextPageToken,
	})
}

// CompleteWorkflowTask implements Client. Namespace and identity are filled in
// when the request leaves them empty.
func (c *GRPCClient) CompleteWorkflowTask(ctx context.Context, req *workflowservice.RespondWorkflowTaskCompletedRequest) error {
	if req.Namespace == "" {
		req.Namespace = c.opts.Namespace
	}
	if req.Identity == "" {
		req.Identity = c.opts.Identity
	}
	_, err := c.svc.RespondWorkflowTaskCompleted(ctx, req)
	return err
}

// FailWorkflowTask implements Client.
func (c *GRPCClient) FailWorkflowTask(ctx context.Context, req *workflowservice.RespondWorkflowTaskFailedRequest) error {
	if req.Namespace == "" {
		req.Namespace = c.opts.Namespace
	}
	if req.Identity == "" {
		req.Identity = c.opts.Identity
	}
	_, err := c.svc.RespondWorkflowTaskFailed(ctx, req)
	return err
}

// RespondQueryTask implements Client.
func (c *GRPCClient) RespondQueryTask(ctx context.Context, req *workflowservice.RespondQueryTaskCompletedRequest) error {
	if req.Namespace == "" {
		req.Namespace = c.opts.Namespace
	}
	_, err := c.svc.RespondQueryTaskCompleted(ctx, req)
	return err
}

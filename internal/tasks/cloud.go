package tasks

import (
	"context"
	"fmt"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	"cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/eugenenazirov/gaekit/internal/metrics"
	"github.com/eugenenazirov/gaekit/internal/provider"
)

const modeCloud = "cloud"

// Provider is the lazily-initialized Cloud Tasks client.
type Provider = provider.Provider[*cloudtasks.Client]

// NewProvider returns a provider that creates the Cloud Tasks client on first use.
func NewProvider(opts ...option.ClientOption) *Provider {
	return provider.New("cloudtasks", func(ctx context.Context) (*cloudtasks.Client, error) {
		client, err := cloudtasks.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create cloud tasks client: %w", err)
		}
		return client, nil
	})
}

type taskCreator interface {
	CreateTask(ctx context.Context, req *cloudtaskspb.CreateTaskRequest, opts ...gax.CallOption) (*cloudtaskspb.Task, error)
}

// CloudQueue creates tasks on a Cloud Tasks queue.
type CloudQueue struct {
	cfg     Config
	creator func(ctx context.Context) (taskCreator, error)
	logger  *zap.Logger
	clock   func() time.Time
}

// NewCloudQueue creates a queue that resolves its client from p.
func NewCloudQueue(cfg Config, p *Provider, logger *zap.Logger) *CloudQueue {
	return newCloudQueue(cfg, func(ctx context.Context) (taskCreator, error) {
		return p.Get(ctx)
	}, logger)
}

func newCloudQueue(cfg Config, creator func(ctx context.Context) (taskCreator, error), logger *zap.Logger) *CloudQueue {
	return &CloudQueue{
		cfg:     cfg.WithDefaults(),
		creator: creator,
		logger:  logger,
		clock:   time.Now,
	}
}

// Enqueue creates a task for path. A task whose name already exists is
// treated as successfully enqueued.
func (q *CloudQueue) Enqueue(ctx context.Context, path string, opts ...Option) error {
	o := resolveOptions(q.cfg.Throttle, opts)
	now := q.clock()

	req, err := q.buildRequest(path, o, now)
	if err != nil {
		metrics.RecordTaskEnqueued(modeCloud, "error")
		return err
	}

	client, err := q.creator(ctx)
	if err != nil {
		metrics.RecordTaskEnqueued(modeCloud, "error")
		return err
	}

	if _, err := client.CreateTask(ctx, req); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			q.logger.Debug("task already exists, skipping",
				zap.String("path", path),
				zap.String("task", req.GetTask().GetName()),
			)
			metrics.RecordTaskEnqueued(modeCloud, "duplicate")
			return nil
		}
		metrics.RecordTaskEnqueued(modeCloud, "error")
		return fmt.Errorf("create task for %s: %w", path, err)
	}

	metrics.RecordTaskEnqueued(modeCloud, "enqueued")
	return nil
}

func (q *CloudQueue) buildRequest(path string, o enqueueOptions, now time.Time) (*cloudtaskspb.CreateTaskRequest, error) {
	body, err := encodeBody(o.data)
	if err != nil {
		return nil, err
	}

	parent := q.cfg.QueuePath()
	relativeURI := joinPath(q.cfg.PathPrefix, path)
	headers := map[string]string{"Content-Type": "application/json"}

	task := &cloudtaskspb.Task{}
	if name := taskName(path, o, now); name != "" {
		task.Name = parent + "/tasks/" + name
	}
	if o.delay > 0 {
		task.ScheduleTime = timestamppb.New(now.Add(o.delay))
	}

	if q.cfg.TargetHost != "" {
		httpReq := &cloudtaskspb.HttpRequest{
			Url:        joinPath(q.cfg.TargetHost, relativeURI),
			HttpMethod: cloudtaskspb.HttpMethod_POST,
			Headers:    headers,
			Body:       body,
		}
		if q.cfg.ServiceAccount != "" {
			audience := q.cfg.Audience
			if audience == "" {
				audience = q.cfg.TargetHost
			}
			httpReq.AuthorizationHeader = &cloudtaskspb.HttpRequest_OidcToken{
				OidcToken: &cloudtaskspb.OidcToken{
					ServiceAccountEmail: q.cfg.ServiceAccount,
					Audience:            audience,
				},
			}
		}
		task.MessageType = &cloudtaskspb.Task_HttpRequest{HttpRequest: httpReq}
	} else {
		appReq := &cloudtaskspb.AppEngineHttpRequest{
			HttpMethod:  cloudtaskspb.HttpMethod_POST,
			RelativeUri: relativeURI,
			Headers:     headers,
			Body:        body,
		}
		if q.cfg.Service != "" || q.cfg.Version != "" {
			appReq.AppEngineRouting = &cloudtaskspb.AppEngineRouting{
				Service: q.cfg.Service,
				Version: q.cfg.Version,
			}
		}
		task.MessageType = &cloudtaskspb.Task_AppEngineHttpRequest{AppEngineHttpRequest: appReq}
	}

	return &cloudtaskspb.CreateTaskRequest{Parent: parent, Task: task}, nil
}

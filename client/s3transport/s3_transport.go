package s3transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
)

var (
	_ dto.Transport         = (*S3Transport)(nil)
	_ dto.ResumeDataDecoder = (*S3Transport)(nil)
)

var (
	ErrInvalidated    = errors.New("transport invalidated")
	ErrNotBound       = errors.New("transport not bound to a delegate")
	ErrUnknownTask    = errors.New("unknown task")
	ErrAlreadyResumed = errors.New("task already resumed")
)

// s3API This internal interface abstracts the s3 client for easier testing
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Transport serves s3://bucket/key requests and reports them to the bound
// delegate the same way the HTTP transport does.
type S3Transport struct {
	ref    string
	cfg    *S3TransportConfig
	relay  relayDTO.RelayInterface
	client s3API

	delegate dto.SessionDelegate
	seq      *dto.TaskIDSequence

	mu          sync.Mutex
	tasks       map[dto.TaskID]*s3Task
	active      int
	invalidated bool
	invalidOnce sync.Once
}

type s3Task struct {
	id         dto.TaskID
	kind       dto.TaskKind
	req        *http.Request
	body       *dto.BodySource
	resumeData []byte

	ctx     context.Context
	cancel  context.CancelFunc
	started atomic.Bool
}

func NewS3Transport(ref string, cfg *S3TransportConfig) (*S3Transport, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Credentials != nil {
		opts = append(opts, config.WithCredentialsProvider(cfg.Credentials))
	}
	awsCfg, err := config.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return newS3Transport(ref, cfg, client), nil
}

func newS3Transport(ref string, cfg *S3TransportConfig, client s3API) *S3Transport {
	t := &S3Transport{
		ref:    ref,
		cfg:    cfg,
		relay:  cfg.Relay(),
		client: client,
		tasks:  make(map[dto.TaskID]*s3Task),
	}
	if t.relay == nil {
		t.relay = relays.ProvideDefaultRelay()
	}
	return t
}

func (t *S3Transport) Ref() string { return t.ref }

func (t *S3Transport) Schemes() []string { return []string{"s3"} }

func (t *S3Transport) Bind(delegate dto.SessionDelegate, seq *dto.TaskIDSequence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.delegate = delegate
	t.seq = seq
}

func (t *S3Transport) CreateTask(ctx context.Context, spec dto.TaskSpec) (dto.TaskID, error) {
	if spec.Request == nil {
		return 0, errors.New("nil request")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.delegate == nil || t.seq == nil {
		return 0, ErrNotBound
	}
	if t.invalidated {
		return 0, ErrInvalidated
	}
	taskCtx, cancel := context.WithCancel(ctx)
	task := &s3Task{
		id:         t.seq.Next(),
		kind:       spec.Kind,
		req:        spec.Request,
		body:       spec.Body,
		resumeData: spec.ResumeData,
		ctx:        taskCtx,
		cancel:     cancel,
	}
	t.tasks[task.id] = task
	return task.id, nil
}

func (t *S3Transport) Resume(id dto.TaskID) error {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w %s", ErrUnknownTask, id)
	}
	if !task.started.CompareAndSwap(false, true) {
		t.mu.Unlock()
		return ErrAlreadyResumed
	}
	t.active++
	t.mu.Unlock()

	go t.run(task)
	return nil
}

// Cancel aborts the task. Tasks never resumed are dropped without events.
func (t *S3Transport) Cancel(id dto.TaskID) {
	t.mu.Lock()
	task, ok := t.tasks[id]
	if ok && !task.started.Load() {
		delete(t.tasks, id)
	}
	t.mu.Unlock()
	if ok {
		task.cancel()
	}
}

func (t *S3Transport) Invalidate(cancelPending bool) {
	t.mu.Lock()
	t.invalidated = true
	var toCancel []*s3Task
	if cancelPending {
		for id, task := range t.tasks {
			toCancel = append(toCancel, task)
			if !task.started.Load() {
				delete(t.tasks, id)
			}
		}
	}
	idle := t.active == 0
	t.mu.Unlock()

	for _, task := range toCancel {
		task.cancel()
	}
	if idle {
		t.becomeInvalid()
	}
}

func (t *S3Transport) becomeInvalid() {
	t.invalidOnce.Do(func() {
		t.relay.Debug(relays.RlyNetLog{Ref: t.ref, Msg: "transport invalid"})
		t.delegate.DidBecomeInvalid(nil)
	})
}

func (t *S3Transport) adoptDownload(from *s3Task) *s3Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	task := &s3Task{
		id:     t.seq.Next(),
		kind:   dto.TaskKindDownload,
		req:    from.req,
		ctx:    from.ctx,
		cancel: from.cancel,
	}
	task.started.Store(true)
	t.tasks[task.id] = task
	return task
}

func (t *S3Transport) run(task *s3Task) {
	reported, err := t.perform(task)
	if reported != nil {
		t.delegate.DidCompleteWithError(reported.id, err)
	}

	t.mu.Lock()
	for _, done := range []*s3Task{task, reported} {
		if done != nil {
			done.cancel()
			delete(t.tasks, done.id)
		}
	}
	t.active--
	idle := t.active == 0
	invalid := t.invalidated
	t.mu.Unlock()

	if idle {
		t.delegate.DidFinishEvents()
		if invalid {
			t.becomeInvalid()
		}
	}
}

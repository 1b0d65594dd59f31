package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/crop-copilot-be/internal/assembler"
	"github.com/cuongbtq/crop-copilot-be/internal/domain"
	"github.com/cuongbtq/crop-copilot-be/internal/generator"
	"github.com/cuongbtq/crop-copilot-be/internal/llm"
	"github.com/cuongbtq/crop-copilot-be/internal/notify"
	"github.com/cuongbtq/crop-copilot-be/internal/queue"
	"github.com/cuongbtq/crop-copilot-be/internal/retrieval"
	"github.com/cuongbtq/crop-copilot-be/internal/storage"
	"github.com/cuongbtq/crop-copilot-be/internal/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRetriever struct {
	chunks []retrieval.Chunk
	err    error
	calls  atomic.Int32
}

func (r *fakeRetriever) Retrieve(ctx context.Context, query string, topK int) ([]retrieval.Chunk, error) {
	r.calls.Add(1)
	if r.err != nil {
		return nil, r.err
	}
	if len(r.chunks) > topK {
		return r.chunks[:topK], nil
	}
	return r.chunks, nil
}

type fakeProvider struct {
	confidences []float64
	// block makes every call wait for the context
	block bool
	calls atomic.Int32
}

func (p *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.Completion, error) {
	if p.block {
		p.calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	n := int(p.calls.Add(1)) - 1
	if n >= len(p.confidences) {
		n = len(p.confidences) - 1
	}
	c := p.confidences[n]
	content := fmt.Sprintf(`{"diagnosis":{"condition":"Gray leaf spot","conditionType":"disease","confidence":%[1]v,"reasoning":"rectangular lesions; not anthracnose"},
"recommendations":[{"action":"Scout lower canopy","priority":"soon","details":"check 20 plants","citations":["t1"]}],
"products":[],"sources":[{"chunkId":"t1","relevance":0.8}],"confidence":%[1]v}`, c)
	return &llm.Completion{Content: content, Model: "fake-model"}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.ReadyEvent
}

func (n *recordingNotifier) RecommendationReady(ctx context.Context, event notify.ReadyEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

type fakeDelivery struct {
	body []byte

	mu       sync.Mutex
	acked    bool
	nacked   bool
	requeued bool
	settled  chan struct{}
}

func newDelivery(body []byte) *fakeDelivery {
	return &fakeDelivery{body: body, settled: make(chan struct{})}
}

func (d *fakeDelivery) Body() []byte { return d.body }

func (d *fakeDelivery) Ack(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acked = true
	close(d.settled)
	return nil
}

func (d *fakeDelivery) Nack(_ context.Context, requeue bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nacked = true
	d.requeued = requeue
	close(d.settled)
	return nil
}

type fakeConsumer struct {
	ch chan queue.Delivery
}

func (c *fakeConsumer) Deliveries(ctx context.Context) (<-chan queue.Delivery, error) {
	return c.ch, nil
}

// failingStore makes every read fail, as if the database were down
type failingStore struct {
	storage.Store
}

func (failingStore) GetJobStatus(ctx context.Context, jobID, userID string) (*domain.JobStatusView, error) {
	return nil, errors.New("connection refused")
}

type harness struct {
	store    *memory.Store
	text     *fakeRetriever
	image    *fakeRetriever
	provider *fakeProvider
	notifier *recordingNotifier
	worker   *Worker
}

func goodChunks() []retrieval.Chunk {
	return []retrieval.Chunk{
		{ID: "t1", Content: "Gray leaf spot lesions are rectangular and bounded by veins.", Similarity: 0.88, SourceID: "ext-1", SourceType: retrieval.SourceUniversityExtension, SourceTitle: "Corn Disease Guide"},
		{ID: "t2", Content: "Fungicide at VT-R1 when lesions reach the ear leaf.", Similarity: 0.74, SourceID: "gov-1", SourceType: retrieval.SourceGovernment, SourceTitle: "State Bulletin"},
	}
}

func newHarness(t *testing.T, confidences ...float64) *harness {
	t.Helper()
	if len(confidences) == 0 {
		confidences = []float64{0.8}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		store:    memory.New(),
		text:     &fakeRetriever{chunks: goodChunks()},
		image:    &fakeRetriever{},
		provider: &fakeProvider{confidences: confidences},
		notifier: &recordingNotifier{},
	}

	pipeline := NewPipeline(PipelineConfig{
		TextRetriever:  h.text,
		ImageRetriever: h.image,
		Assembler:      assembler.New(assembler.DefaultConfig()),
		Generator:      generator.New(h.provider, generator.Config{MaxRetries: 2}, logger),
		Logger:         logger,
	})

	h.worker = NewWorker(&Config{
		Logger:            logger,
		Store:             h.store,
		Pipeline:          pipeline,
		Notifier:          h.notifier,
		WorkerID:          "worker-test",
		Concurrency:       2,
		JobTimeout:        5 * time.Second,
		HeartbeatInterval: 20 * time.Millisecond,
		StaleAfter:        150 * time.Millisecond,
	})
	return h
}

func (h *harness) enqueue(t *testing.T, userID, key string) queue.JobRequestedMessage {
	t.Helper()
	res, err := h.store.EnqueueInput(context.Background(), userID, domain.CreateInputCommand{
		IdempotencyKey: key,
		Type:           domain.InputTypePhoto,
		Payload:        domain.InputPayload{Description: "rectangular tan lesions", Crop: "corn"},
	})
	require.NoError(t, err)
	return queue.NewJobRequested(userID, res.InputID, res.JobID, time.Now())
}

func (h *harness) status(t *testing.T, msg queue.JobRequestedMessage) *domain.JobStatusView {
	t.Helper()
	view, err := h.store.GetJobStatus(context.Background(), msg.JobID, msg.UserID)
	require.NoError(t, err)
	return view
}

func TestProcessJob_Completes(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	view := h.status(t, msg)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	require.NotNil(t, view.Result)
	assert.Equal(t, "Gray leaf spot", view.Result.Diagnosis.Condition)
	assert.Equal(t, "fake-model", view.Result.ModelUsed)
	assert.Equal(t, int32(1), h.text.calls.Load())
	assert.Equal(t, int32(1), h.image.calls.Load())

	require.Len(t, h.notifier.events, 1)
	event := h.notifier.events[0]
	assert.Equal(t, notify.EventTypeRecommendationReady, event.EventType)
	assert.Equal(t, msg.JobID, event.JobID)
	assert.Equal(t, view.Result.RecommendationID, event.RecommendationID)

	resp, err := h.store.PullSyncRecords(context.Background(), "U1", domain.SyncPullRequest{Limit: 10, IncludeCompletedJobs: true})
	require.NoError(t, err)
	require.Len(t, resp.Items, 1)
	require.NotNil(t, resp.Items[0].RecommendationID)
	assert.Equal(t, view.Result.RecommendationID, *resp.Items[0].RecommendationID)
}

func TestProcessJob_ValidationExhausted(t *testing.T) {
	h := newHarness(t, 0.97)
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	view := h.status(t, msg)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Contains(t, view.FailureReason, "VALIDATION_FAILED: ")
	assert.Contains(t, view.FailureReason, "0.95")
	assert.Nil(t, view.Result)
	assert.Equal(t, int32(3), h.provider.calls.Load())
	assert.Empty(t, h.notifier.events)
}

func TestProcessJob_RetrySucceeds(t *testing.T) {
	h := newHarness(t, 0.97, 0.9)
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	assert.Equal(t, domain.JobStatusCompleted, h.status(t, msg).Status)
	assert.Equal(t, int32(2), h.provider.calls.Load())
}

func TestProcessJob_NoUsableContext(t *testing.T) {
	h := newHarness(t)
	h.text.chunks = []retrieval.Chunk{{ID: "weak", Content: "unrelated", Similarity: 0.2, SourceID: "s"}}
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	view := h.status(t, msg)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Contains(t, view.FailureReason, "NO_USABLE_CONTEXT: ")
	assert.Equal(t, int32(0), h.provider.calls.Load())
}

func TestProcessJob_RetrievalError(t *testing.T) {
	h := newHarness(t)
	h.image.err = errors.New("index offline")
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	view := h.status(t, msg)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Contains(t, view.FailureReason, "INTERNAL_SERVER_ERROR: image retrieval: index offline")
}

func TestProcessJob_DuplicateDeliveryOfFinishedJob(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))
	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	assert.Equal(t, domain.JobStatusCompleted, h.status(t, msg).Status)
	assert.Equal(t, int32(1), h.text.calls.Load())
	assert.Len(t, h.notifier.events, 1)
}

func TestProcessJob_ForeignOrMissingJobIsDropped(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")

	forged := msg
	forged.UserID = "U2"
	require.NoError(t, h.worker.processJob(context.Background(), &forged))

	assert.Equal(t, domain.JobStatusQueued, h.status(t, msg).Status)
	assert.Equal(t, int32(0), h.text.calls.Load())
}

func TestProcessJob_HeldByLiveWorker(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")
	ctx := context.Background()
	require.NoError(t, h.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusRunning, ""))

	// the owner keeps heartbeating inside the staleness window
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_ = h.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusRunning, "")
			}
		}
	}()
	defer close(stop)

	require.NoError(t, h.worker.processJob(ctx, &msg))
	assert.Equal(t, domain.JobStatusRunning, h.status(t, msg).Status)
	assert.Equal(t, int32(0), h.text.calls.Load())
}

func TestProcessJob_ReclaimsStaleJob(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")
	ctx := context.Background()
	require.NoError(t, h.store.UpdateJobStatus(ctx, msg.JobID, msg.UserID, domain.JobStatusRunning, ""))

	// no heartbeat arrives, so the job is re-claimed after the window
	require.NoError(t, h.worker.processJob(ctx, &msg))
	assert.Equal(t, domain.JobStatusCompleted, h.status(t, msg).Status)
}

func TestProcessJob_StoreUnavailableIsRetryable(t *testing.T) {
	h := newHarness(t)
	msg := h.enqueue(t, "U1", "k1")
	h.worker.store = failingStore{Store: h.store}

	err := h.worker.processJob(context.Background(), &msg)
	require.Error(t, err)
	assert.True(t, shouldRequeueJob(err))
}

func TestWorker_SettlesDeliveries(t *testing.T) {
	h := newHarness(t)
	consumer := &fakeConsumer{ch: make(chan queue.Delivery)}
	h.worker.consumer = consumer

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan error, 1)
	go func() { started <- h.worker.Start(ctx) }()

	good := h.enqueue(t, "U1", "k1")
	body, err := queue.Encode(good)
	require.NoError(t, err)

	valid := newDelivery(body)
	poison := newDelivery([]byte(`{"messageType":"something.else"}`))

	consumer.ch <- poison
	consumer.ch <- valid

	for _, d := range []*fakeDelivery{poison, valid} {
		select {
		case <-d.settled:
		case <-time.After(5 * time.Second):
			t.Fatal("delivery was not settled")
		}
	}

	assert.True(t, poison.nacked)
	assert.False(t, poison.requeued)
	assert.True(t, valid.acked)
	assert.Equal(t, domain.JobStatusCompleted, h.status(t, good).Status)

	cancel()
	require.NoError(t, <-started)
	require.NoError(t, h.worker.Stop(time.Second))
}

func TestWorker_StoreOutageRequeues(t *testing.T) {
	h := newHarness(t)
	consumer := &fakeConsumer{ch: make(chan queue.Delivery)}
	h.worker.consumer = consumer
	msg := h.enqueue(t, "U1", "k1")
	h.worker.store = failingStore{Store: h.store}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.worker.Start(ctx) }()

	body, err := queue.Encode(msg)
	require.NoError(t, err)
	d := newDelivery(body)
	consumer.ch <- d

	select {
	case <-d.settled:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery was not settled")
	}
	assert.True(t, d.nacked)
	assert.True(t, d.requeued)
}

func TestProcessJob_JobTimeoutFailsJob(t *testing.T) {
	h := newHarness(t)
	h.provider.block = true
	h.worker.jobTimeout = 50 * time.Millisecond
	msg := h.enqueue(t, "U1", "k1")

	start := time.Now()
	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	assert.Less(t, time.Since(start), 2*time.Second)
	view := h.status(t, msg)
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Equal(t, "INTERNAL_SERVER_ERROR: processing timed out", view.FailureReason)
}

func TestProcessJob_NoJobTimeout(t *testing.T) {
	h := newHarness(t)
	h.worker.jobTimeout = 0
	msg := h.enqueue(t, "U1", "k1")

	require.NoError(t, h.worker.processJob(context.Background(), &msg))

	assert.Equal(t, domain.JobStatusCompleted, h.status(t, msg).Status)
}

func TestFailureReason(t *testing.T) {
	vErr := &generator.ValidationError{Issues: []string{"confidence 0.97 is outside the allowed range [0.50, 0.95]", "recommendations must contain at least one action"}}

	assert.Equal(t,
		"VALIDATION_FAILED: confidence 0.97 is outside the allowed range [0.50, 0.95]; recommendations must contain at least one action",
		failureReason(fmt.Errorf("generate: %w", vErr)))
	assert.Equal(t,
		"NO_USABLE_CONTEXT: no retrieved chunk met the relevance threshold",
		failureReason(fmt.Errorf("%w: 0 of 4 chunks", domain.ErrNoUsableContext)))
	assert.Equal(t, "INTERNAL_SERVER_ERROR: processing timed out", failureReason(context.DeadlineExceeded))
	assert.Equal(t, "INTERNAL_SERVER_ERROR: boom", failureReason(errors.New("boom")))
}

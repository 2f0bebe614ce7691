package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mailrelay/internal/breaker"
	"mailrelay/internal/broker"
	"mailrelay/internal/models"
	"mailrelay/internal/retry"
	"mailrelay/internal/state"
)

// ===================== EmailJobStore mock =========================

type mockStore struct {
	jobs      map[string]*models.EmailJob
	updates   int
	findErr   error
	updateErr error
}

func newMockStore() *mockStore {
	return &mockStore{jobs: make(map[string]*models.EmailJob)}
}

func (m *mockStore) Create(ctx context.Context, job *models.EmailJob) error {
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) FindByID(ctx context.Context, id string) (*models.EmailJob, error) {
	if m.findErr != nil {
		return nil, m.findErr
	}
	return m.jobs[id], nil
}

func (m *mockStore) FindByRequestID(ctx context.Context, requestID string) (*models.EmailJob, error) {
	for _, j := range m.jobs {
		if j.RequestID != nil && *j.RequestID == requestID {
			return j, nil
		}
	}
	return nil, nil
}

func (m *mockStore) Update(ctx context.Context, job *models.EmailJob) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	m.updates++
	m.jobs[job.ID] = job
	return nil
}

func (m *mockStore) FindStale(ctx context.Context, status state.JobStatus, olderThan time.Time, limit int) ([]models.EmailJob, error) {
	return nil, nil
}

func (m *mockStore) Close() error { return nil }

// ===================== Transport mock =========================

// scriptedTransport fails for the first failures calls, then succeeds.
type scriptedTransport struct {
	failures int
	calls    int
}

func (s *scriptedTransport) Send(ctx context.Context, recipient, subject, body string) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("connection refused")
	}
	return nil
}

// ===================== Publisher mock =========================

type recordingPublisher struct {
	retries []*models.DeliveryMessage
	delays  []time.Duration
}

func (r *recordingPublisher) Publish(ctx context.Context, msg *models.DeliveryMessage, opts broker.PublishOptions) error {
	return nil
}

func (r *recordingPublisher) PublishRetry(ctx context.Context, msg *models.DeliveryMessage, delay time.Duration) error {
	r.retries = append(r.retries, msg)
	r.delays = append(r.delays, delay)
	return nil
}

// ===================== helpers =========================

func newTestConsumer(s *mockStore, transport *scriptedTransport, pub *recordingPublisher, maxRetries int) *Consumer {
	cb := breaker.New(100, time.Minute)
	return NewConsumer(s, transport, cb, pub, retry.NewPolicy(maxRetries, 2), zap.NewNop())
}

func queuedJob(id, recipient string) *models.EmailJob {
	subject := "Hi"
	body := "Hello"
	return &models.EmailJob{
		ID:        id,
		Recipient: recipient,
		Subject:   &subject,
		Body:      &body,
		Status:    state.StatusQueued,
	}
}

func messageBody(t *testing.T, job *models.EmailJob) []byte {
	t.Helper()
	b, err := models.NewDeliveryMessage(job).Marshal()
	require.NoError(t, err)
	return b
}

// ===================== tests =========================

func TestConsumer_SuccessfulDelivery(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{}
	pub := &recordingPublisher{}
	c := newTestConsumer(s, transport, pub, 5)

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 1, transport.calls)
	assert.Equal(t, state.StatusSent, job.Status)
	require.NotNil(t, job.SentAt)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, 0, job.RetryCount)
	assert.Empty(t, pub.retries)
}

func TestConsumer_MissingJobIsDiscarded(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	body := []byte(`{"job_id": "no-such-job"}`)
	got := c.process(context.Background(), body, nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 0, transport.calls)
}

func TestConsumer_IdempotentReplay(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	job := queuedJob("job-1", "a@example.com")
	sentAt := time.Now()
	job.Status = state.StatusSent
	job.SentAt = &sentAt
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 0, transport.calls)
	assert.Equal(t, 0, s.updates)
	assert.Equal(t, state.StatusSent, job.Status)
}

func TestConsumer_DeliveredJobIsAlsoReplaySafe(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	job := queuedJob("job-1", "a@example.com")
	job.Status = state.StatusDelivered
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 0, transport.calls)
	assert.Equal(t, 0, s.updates)
}

func TestConsumer_TerminalFailureRedeliveryIsDiscarded(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	job := queuedJob("job-1", "a@example.com")
	job.Status = state.StatusFailed
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 0, transport.calls)
}

func TestConsumer_MalformedBodyDeadLetters(t *testing.T) {
	s := newMockStore()
	c := newTestConsumer(s, &scriptedTransport{}, &recordingPublisher{}, 5)

	got := c.process(context.Background(), []byte(`{"job_id":`), nil)

	assert.Equal(t, outcomeDeadLetter, got)
}

func TestConsumer_StoreLookupErrorDeadLetters(t *testing.T) {
	s := newMockStore()
	s.findErr = errors.New("store unavailable")
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	got := c.process(context.Background(), []byte(`{"job_id": "job-1"}`), nil)

	assert.Equal(t, outcomeDeadLetter, got)
	assert.Equal(t, 0, transport.calls)
}

func TestConsumer_TransientFailureSchedulesRetry(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{failures: 1}
	pub := &recordingPublisher{}
	c := newTestConsumer(s, transport, pub, 5)

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, state.StatusQueued, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "connection refused", *job.ErrorMessage)
	require.Len(t, pub.retries, 1)
	assert.Equal(t, 1, pub.retries[0].RetryCount)
	assert.Equal(t, []time.Duration{2 * time.Second}, pub.delays)
}

func TestConsumer_FailsTwiceThenSucceeds(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{failures: 2}
	pub := &recordingPublisher{}
	c := newTestConsumer(s, transport, pub, 5)

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	// each retry arrives as a fresh delivery carrying the attempt count
	for i := 0; i < 3; i++ {
		got := c.process(context.Background(), messageBody(t, job), nil)
		assert.Equal(t, outcomeAck, got)
	}

	assert.Equal(t, 3, transport.calls)
	assert.Equal(t, state.StatusSent, job.Status)
	assert.Equal(t, 2, job.RetryCount)
	require.NotNil(t, job.SentAt)
	assert.Nil(t, job.ErrorMessage)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, pub.delays)
}

func TestConsumer_ExhaustedRetriesDeadLetter(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{failures: 100}
	pub := &recordingPublisher{}
	c := newTestConsumer(s, transport, pub, 5)

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	var got outcome
	for i := 0; i < 5; i++ {
		got = c.process(context.Background(), messageBody(t, job), nil)
	}

	assert.Equal(t, outcomeDeadLetter, got)
	assert.Equal(t, state.StatusFailed, job.Status)
	assert.Equal(t, 5, job.RetryCount)
	assert.Equal(t, 5, transport.calls)
	// four re-publishes happened before the budget ran out
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second,
	}, pub.delays)
}

func TestConsumer_HeaderRetryCountCarriesForward(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{failures: 100}
	pub := &recordingPublisher{}
	c := newTestConsumer(s, transport, pub, 5)

	// simulate a lost store write: the record says zero attempts while the
	// redelivered message header says three
	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	headers := amqp.Table{"retry_count": int64(3)}
	got := c.process(context.Background(), messageBody(t, job), headers)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 4, job.RetryCount)
	require.Len(t, pub.retries, 1)
	assert.Equal(t, 4, pub.retries[0].RetryCount)
}

func TestConsumer_CircuitOpenFailsWithoutAttempt(t *testing.T) {
	s := newMockStore()
	transport := &scriptedTransport{failures: 100}
	pub := &recordingPublisher{}

	cb := breaker.New(1, time.Minute)
	c := NewConsumer(s, transport, cb, pub, retry.NewPolicy(5, 2), zap.NewNop())

	// trip the breaker with an unrelated failing call
	require.Error(t, cb.Execute(func() error { return errors.New("down") }))

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	assert.Equal(t, outcomeAck, got)
	assert.Equal(t, 0, transport.calls)
	assert.Equal(t, state.StatusFailed, job.Status)
	// the rejection does not consume retry budget
	assert.Equal(t, 0, job.RetryCount)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "circuit breaker open")
	assert.Empty(t, pub.retries)
}

func TestConsumer_ProcessingStatusPersistedBeforeAttempt(t *testing.T) {
	s := newMockStore()
	s.updateErr = errors.New("store write failed")
	transport := &scriptedTransport{}
	c := newTestConsumer(s, transport, &recordingPublisher{}, 5)

	job := queuedJob("job-1", "a@example.com")
	s.jobs[job.ID] = job

	got := c.process(context.Background(), messageBody(t, job), nil)

	// the attempt never ran because processing could not be persisted
	assert.Equal(t, outcomeDeadLetter, got)
	assert.Equal(t, 0, transport.calls)
}

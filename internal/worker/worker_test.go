package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/chabapp/internal/cache"
	"github.com/dukerupert/chabapp/internal/model"
	"github.com/dukerupert/chabapp/internal/notify"
)

type fakeCache struct {
	partition   string
	installErr  error
	activateErr error
	activated   int
	intercept   bool
	fetchBlock  chan struct{}
}

func (c *fakeCache) Partition() string { return c.partition }

func (c *fakeCache) Install(context.Context) (int, error) {
	if c.installErr != nil {
		return 0, c.installErr
	}
	return 3, nil
}

func (c *fakeCache) Activate(context.Context) error {
	c.activated++
	return c.activateErr
}

func (c *fakeCache) Intercepts(*http.Request) bool { return c.intercept }

func (c *fakeCache) Fetch(context.Context, *http.Request) *cache.Response {
	if c.fetchBlock != nil {
		<-c.fetchBlock
	}
	return &cache.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"text/plain"}},
		Body:   []byte("from " + c.partition),
		Source: cache.SourceCache,
	}
}

type fakeNotifier struct {
	mu        sync.Mutex
	pushes    [][]byte
	scheduled []model.ScheduleRequest
	clicks    []model.NotificationClick
}

func (n *fakeNotifier) HandlePush(_ context.Context, data []byte) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, data)
	return nil
}

func (n *fakeNotifier) Schedule(_ context.Context, req model.ScheduleRequest) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.scheduled = append(n.scheduled, req)
	return "id", nil
}

func (n *fakeNotifier) HandleClick(_ context.Context, click model.NotificationClick, _ notify.Clients) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.clicks = append(n.clicks, click)
	return nil
}

type fakeClaimer struct{ claimed []string }

func (c *fakeClaimer) Claim(version string) { c.claimed = append(c.claimed, version) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var network = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Source", "network")
	_, _ = w.Write([]byte("network"))
})

func newTestWorker(version string, c *fakeCache, n *fakeNotifier, claimer *fakeClaimer, skip bool) *Worker {
	return New(Options{
		Version:     version,
		Cache:       c,
		Notifier:    n,
		Network:     network,
		Clients:     claimer,
		SkipWaiting: skip,
		Logger:      testLogger(),
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestRegisterFirstVersionActivates(t *testing.T) {
	c := &fakeCache{partition: "chabapp-v1"}
	claimer := &fakeClaimer{}
	w := newTestWorker("v1", c, &fakeNotifier{}, claimer, false)
	reg := NewRegistration(network, testLogger())

	require.NoError(t, reg.Register(context.Background(), w))

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Same(t, w, active)
	assert.Equal(t, StateActivated, w.State())
	assert.Equal(t, 1, c.activated)
	assert.Equal(t, []string{"v1"}, claimer.claimed)
}

func TestRegisterInstallFailure(t *testing.T) {
	c := &fakeCache{partition: "chabapp-v1", installErr: errors.New("disk full")}
	w := newTestWorker("v1", c, &fakeNotifier{}, nil, true)
	reg := NewRegistration(network, testLogger())

	err := reg.Register(context.Background(), w)
	require.Error(t, err)
	assert.Equal(t, StateRedundant, w.State())

	_, err = reg.Active()
	assert.ErrorIs(t, err, ErrNoActiveWorker)
}

func TestSecondVersionWaitsUntilSkipWaiting(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistration(network, testLogger())

	v1 := newTestWorker("v1", &fakeCache{partition: "chabapp-v1"}, &fakeNotifier{}, nil, false)
	require.NoError(t, reg.Register(ctx, v1))

	v2 := newTestWorker("v2", &fakeCache{partition: "chabapp-v2"}, &fakeNotifier{}, nil, false)
	require.NoError(t, reg.Register(ctx, v2))

	assert.Equal(t, StateInstalled, v2.State())
	assert.Same(t, v2, reg.Waiting())

	require.NoError(t, reg.PostMessage(ctx, model.WorkerMessage{Type: model.MessageSkipWaiting}))

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Same(t, v2, active)
	assert.Nil(t, reg.Waiting())
	assert.Equal(t, StateRedundant, v1.State())
}

func TestSkipWaitingVersionReplacesActive(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistration(network, testLogger())

	v1 := newTestWorker("v1", &fakeCache{partition: "chabapp-v1"}, &fakeNotifier{}, nil, true)
	require.NoError(t, reg.Register(ctx, v1))
	v2 := newTestWorker("v2", &fakeCache{partition: "chabapp-v2"}, &fakeNotifier{}, nil, true)
	require.NoError(t, reg.Register(ctx, v2))

	active, err := reg.Active()
	require.NoError(t, err)
	assert.Same(t, v2, active)
	assert.Equal(t, StateRedundant, v1.State())
}

func TestActivateErrorStillActivates(t *testing.T) {
	c := &fakeCache{partition: "chabapp-v1", activateErr: errors.New("purge failed")}
	w := newTestWorker("v1", c, &fakeNotifier{}, nil, true)
	reg := NewRegistration(network, testLogger())

	assert.Error(t, reg.Register(context.Background(), w))
	assert.Equal(t, StateActivated, w.State())
	_, err := reg.Active()
	assert.NoError(t, err)
}

func TestServeHTTP(t *testing.T) {
	c := &fakeCache{partition: "chabapp-v1", intercept: true}
	w := newTestWorker("v1", c, &fakeNotifier{}, nil, true)
	reg := NewRegistration(network, testLogger())

	// No active worker: straight to the network.
	rec := httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "network", rec.Body.String())

	require.NoError(t, reg.Register(context.Background(), w))

	rec = httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "from chabapp-v1", rec.Body.String())

	c.intercept = false
	rec = httptest.NewRecorder()
	reg.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api", nil))
	assert.Equal(t, "network", rec.Body.String())
}

func TestHandleMessage(t *testing.T) {
	n := &fakeNotifier{}
	w := newTestWorker("v1", &fakeCache{partition: "p"}, n, nil, true)
	reg := NewRegistration(network, testLogger())
	ctx := context.Background()

	err := reg.PostMessage(ctx, model.WorkerMessage{Type: model.MessageScheduleNotification})
	assert.ErrorIs(t, err, ErrNoActiveWorker)

	require.NoError(t, reg.Register(ctx, w))

	payload, err := json.Marshal(model.ScheduleRequest{Title: "t", Delay: 1000, Tag: "daily-studies"})
	require.NoError(t, err)
	require.NoError(t, reg.PostMessage(ctx, model.WorkerMessage{Type: model.MessageScheduleNotification, Payload: payload}))
	require.Len(t, n.scheduled, 1)
	assert.Equal(t, "daily-studies", n.scheduled[0].Tag)

	assert.NoError(t, reg.PostMessage(ctx, model.WorkerMessage{Type: "PING"}))
	assert.Error(t, reg.PostMessage(ctx, model.WorkerMessage{Type: model.MessageScheduleNotification, Payload: json.RawMessage(`[`)}))
}

func TestPushAndClickRouteToActive(t *testing.T) {
	n := &fakeNotifier{}
	reg := NewRegistration(network, testLogger())
	ctx := context.Background()

	assert.ErrorIs(t, reg.Push(ctx, []byte("x")), ErrNoActiveWorker)

	require.NoError(t, reg.Register(ctx, newTestWorker("v1", &fakeCache{partition: "p"}, n, nil, true)))
	require.NoError(t, reg.Push(ctx, []byte("hello")))
	require.NoError(t, reg.NotificationClick(ctx, model.NotificationClick{Action: "open"}, nil))

	assert.Equal(t, [][]byte{[]byte("hello")}, n.pushes)
	assert.Len(t, n.clicks, 1)
}

func TestShutdownWaitsForInflightEvents(t *testing.T) {
	block := make(chan struct{})
	c := &fakeCache{partition: "p", intercept: true, fetchBlock: block}
	w := newTestWorker("v1", c, &fakeNotifier{}, nil, true)
	reg := NewRegistration(network, testLogger())
	require.NoError(t, reg.Register(context.Background(), w))

	served := make(chan struct{})
	go func() {
		defer close(served)
		w.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}()

	// Give the fetch time to start.
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, w.Shutdown(ctx), "shutdown must not finish while a fetch is in flight")

	close(block)
	<-served

	// Events after shutdown are refused.
	assert.ErrorIs(t, w.Push(context.Background(), nil), ErrRedundant)
	rec := httptest.NewRecorder()
	w.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRegistrationShutdown(t *testing.T) {
	reg := NewRegistration(network, testLogger())
	w := newTestWorker("v1", &fakeCache{partition: "p"}, &fakeNotifier{}, nil, true)
	require.NoError(t, reg.Register(context.Background(), w))

	require.NoError(t, reg.Shutdown(context.Background()))
	assert.Equal(t, StateRedundant, w.State())
	_, err := reg.Active()
	assert.ErrorIs(t, err, ErrNoActiveWorker)
}

package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trading-livepnl/internal/marketdata/feed"
	"trading-livepnl/internal/model"
	"trading-livepnl/internal/notification"
)

// fakeTransport confirms connections synchronously unless silent is set.
type fakeTransport struct {
	mu         sync.Mutex
	h          feed.Handlers
	connectErr error
	silent     bool
	connects   int
	closes     int
	subCalls   [][]model.InstrumentID
	unsubCalls [][]model.InstrumentID
	subErr     error
}

func (f *fakeTransport) SetHandlers(h feed.Handlers) { f.h = h }

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connects++
	err, silent := f.connectErr, f.silent
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !silent {
		f.h.OnConnect()
	}
	return nil
}

func (f *fakeTransport) Subscribe(ids []model.InstrumentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subErr != nil {
		return f.subErr
	}
	f.subCalls = append(f.subCalls, append([]model.InstrumentID(nil), ids...))
	return nil
}

func (f *fakeTransport) Unsubscribe(ids []model.InstrumentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubCalls = append(f.unsubCalls, append([]model.InstrumentID(nil), ids...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) subs() [][]model.InstrumentID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]model.InstrumentID(nil), f.subCalls...)
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (c *callLog) add(s string) {
	c.mu.Lock()
	c.calls = append(c.calls, s)
	c.mu.Unlock()
}

func (c *callLog) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakeAgg struct {
	log   *callLog
	panic model.InstrumentID
}

func (a *fakeAgg) Ingest(t model.Tick) bool {
	if t.InstrumentID == a.panic {
		panic("bad tick")
	}
	a.log.add("agg:" + t.InstrumentID.String())
	return true
}

type fakeStore struct{ log *callLog }

func (s *fakeStore) ApplyTick(t model.Tick) bool {
	s.log.add("store:" + t.InstrumentID.String())
	return true
}

type healthSink struct {
	model.NopSink
	mu     sync.Mutex
	events []model.HealthEvent
	ticks  int
}

func (h *healthSink) EmitHealth(e model.HealthEvent) {
	h.mu.Lock()
	h.events = append(h.events, e)
	h.mu.Unlock()
}

func (h *healthSink) EmitTick(model.Tick) {
	h.mu.Lock()
	h.ticks++
	h.mu.Unlock()
}

func (h *healthSink) types() []model.HealthEventType {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []model.HealthEventType
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

type fakeNotifier struct {
	mu     sync.Mutex
	levels []notification.AlertLevel
}

func (n *fakeNotifier) Notify(_ context.Context, _ string, level notification.AlertLevel) error {
	n.mu.Lock()
	n.levels = append(n.levels, level)
	n.mu.Unlock()
	return nil
}

type fixture struct {
	tr       *fakeTransport
	calls    *callLog
	agg      *fakeAgg
	sink     *healthSink
	notifier *fakeNotifier
	s        *Session
}

func newFixture(cfg Config) *fixture {
	calls := &callLog{}
	f := &fixture{
		tr:       &fakeTransport{},
		calls:    calls,
		agg:      &fakeAgg{log: calls},
		sink:     &healthSink{},
		notifier: &fakeNotifier{},
	}
	f.s = New(cfg, f.tr, f.agg, &fakeStore{log: calls}, f.sink, f.notifier, nil)
	return f
}

func ids(v ...model.InstrumentID) []model.InstrumentID { return v }

func TestSession_ConnectIsIdempotent(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))
	require.NoError(t, f.s.Connect(context.Background()))
	assert.Equal(t, 1, f.tr.connects)
	assert.True(t, f.s.Connected())
	assert.Equal(t, []model.HealthEventType{model.HealthConnect}, f.sink.types())
}

func TestSession_ConnectTimeout(t *testing.T) {
	f := newFixture(Config{ConnectTimeout: 30 * time.Millisecond})
	f.tr.silent = true

	err := f.s.Connect(context.Background())
	assert.ErrorIs(t, err, ErrConnectTimeout)
	assert.False(t, f.s.Connected())
	assert.Equal(t, 1, f.tr.closes)
}

func TestSession_ConnectErrors(t *testing.T) {
	f := newFixture(Config{})
	f.tr.connectErr = errors.New("dial tcp: connection refused")
	assert.ErrorIs(t, f.s.Connect(context.Background()), ErrConnectRefused)

	f.tr.connectErr = feed.ErrAuthRejected
	assert.ErrorIs(t, f.s.Connect(context.Background()), ErrAuthRejected)

	for _, e := range f.sink.events {
		assert.Equal(t, model.HealthConnect, e.Type)
		assert.False(t, e.Success)
	}
}

func TestSession_SubscribeRequiresConnection(t *testing.T) {
	f := newFixture(Config{})
	assert.ErrorIs(t, f.s.Subscribe(ids(1)), ErrNotConnected)
	assert.ErrorIs(t, f.s.Unsubscribe(ids(1)), ErrNotConnected)
	assert.Empty(t, f.tr.subs())
}

func TestSession_SubscribeIsSetUnion(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))

	require.NoError(t, f.s.Subscribe(ids(1, 2)))
	require.NoError(t, f.s.Subscribe(ids(2, 3)))
	require.NoError(t, f.s.Subscribe(ids(2)))

	assert.Equal(t, ids(1, 2, 3), f.s.Subscriptions())
	assert.Equal(t, [][]model.InstrumentID{ids(1, 2), ids(3)}, f.tr.subs())

	var counts []int
	for _, e := range f.sink.events {
		if e.Type == model.HealthSubscribe {
			require.NotNil(t, e.Count)
			counts = append(counts, *e.Count)
		}
	}
	assert.Equal(t, []int{2, 1}, counts)
}

func TestSession_UnsubscribeIsSetDifference(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))
	require.NoError(t, f.s.Subscribe(ids(1, 2, 3)))

	require.NoError(t, f.s.Unsubscribe(ids(2, 9)))
	require.NoError(t, f.s.Unsubscribe(ids(9)))

	assert.Equal(t, ids(1, 3), f.s.Subscriptions())
	assert.Equal(t, [][]model.InstrumentID{ids(2)}, f.tr.unsubCalls)
}

func TestSession_SubscribeFailureRollsBack(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))
	f.tr.subErr = errors.New("write: broken pipe")

	assert.Error(t, f.s.Subscribe(ids(5)))
	assert.Empty(t, f.s.Subscriptions())
}

func TestSession_DispatchOrderAndHeartbeat(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))
	assert.True(t, f.s.LastHeartbeat().IsZero())

	before := time.Now()
	f.tr.h.OnTicks([]model.Tick{
		{InstrumentID: 1, LastPrice: decimal.NewFromInt(10)},
		{InstrumentID: 2, LastPrice: decimal.NewFromInt(20)},
	})

	assert.Equal(t, []string{"agg:1", "store:1", "agg:2", "store:2"}, f.calls.get())
	assert.False(t, f.s.LastHeartbeat().Before(before))
	assert.Equal(t, 2, f.sink.ticks)

	last, ok := f.s.LastTick(2)
	require.True(t, ok)
	assert.Equal(t, "20", last.LastPrice.String())
	assert.False(t, last.ReceivedAt.IsZero())
}

func TestSession_MalformedAndPanickingTicksAreIsolated(t *testing.T) {
	f := newFixture(Config{})
	f.agg.panic = 3
	var rejected int
	f.s.OnTickRejected = func(error) { rejected++ }

	f.tr.h.OnTicks([]model.Tick{
		{InstrumentID: 0, LastPrice: decimal.NewFromInt(1)},
		{InstrumentID: 3, LastPrice: decimal.NewFromInt(1)},
		{InstrumentID: 4, LastPrice: decimal.NewFromInt(-1)},
		{InstrumentID: 5, LastPrice: decimal.NewFromInt(1)},
	})

	assert.Equal(t, []string{"agg:5", "store:5"}, f.calls.get())
	assert.Equal(t, 3, rejected)
	assert.False(t, f.s.LastHeartbeat().IsZero())
}

func TestSession_HeartbeatFrameCountsAsLiveness(t *testing.T) {
	f := newFixture(Config{})
	f.tr.h.OnHeartbeat()
	assert.False(t, f.s.LastHeartbeat().IsZero())
}

func TestSession_LifecycleCallbacks(t *testing.T) {
	f := newFixture(Config{})
	require.NoError(t, f.s.Connect(context.Background()))

	f.tr.h.OnClose(1006, "abnormal")
	assert.False(t, f.s.Connected())
	f.tr.h.OnError(errors.New("read timeout"))
	f.tr.h.OnReconnect(1)
	f.tr.h.OnReconnect(2)
	f.tr.h.OnNoReconnect()

	assert.Equal(t, []model.HealthEventType{
		model.HealthConnect,
		model.HealthClose,
		model.HealthError,
		model.HealthReconnect,
		model.HealthReconnect,
		model.HealthNoReconnect,
	}, f.sink.types())
	assert.Equal(t, 2, f.s.ReconnectCount())
	last := f.sink.events[len(f.sink.events)-1]
	assert.Equal(t, 2, last.ReconnectCount)
	assert.Equal(t, []notification.AlertLevel{notification.AlertCritical}, f.notifier.levels)

	f.tr.h.OnConnect()
	assert.True(t, f.s.Connected())
}

func TestSession_CallbackPanicDoesNotEscape(t *testing.T) {
	f := newFixture(Config{})
	f.s.OnOrderUpdate = func(model.OrderUpdate) { panic("boom") }
	assert.NotPanics(t, func() { f.tr.h.OnOrderUpdate(model.OrderUpdate{OrderID: "1"}) })
}

func TestSession_ReconnectRestoresSubscriptions(t *testing.T) {
	f := newFixture(Config{ReconnectPause: time.Millisecond})
	var after int
	f.s.AfterConnect = func() { after++ }
	require.NoError(t, f.s.Connect(context.Background()))
	require.NoError(t, f.s.Subscribe(ids(1, 2)))

	require.NoError(t, f.s.Reconnect(context.Background()))

	assert.True(t, f.s.Connected())
	assert.Equal(t, 1, f.tr.closes)
	assert.Equal(t, 2, f.tr.connects)
	assert.Equal(t, 2, after)
	assert.Equal(t, [][]model.InstrumentID{ids(1, 2), ids(1, 2)}, f.tr.subs())
	assert.Contains(t, f.sink.types(), model.HealthDisconnect)
}

func TestSession_DisconnectWhenNotConnected(t *testing.T) {
	f := newFixture(Config{})
	assert.NotPanics(t, f.s.Disconnect)
	assert.Empty(t, f.sink.types())

	require.NoError(t, f.s.Connect(context.Background()))
	f.s.Disconnect()
	assert.False(t, f.s.Connected())
	assert.Equal(t, []model.HealthEventType{model.HealthConnect, model.HealthDisconnect}, f.sink.types())
}

func TestSession_ReconnectHonoursContext(t *testing.T) {
	f := newFixture(Config{ReconnectPause: time.Hour})
	require.NoError(t, f.s.Connect(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.s.Reconnect(ctx), context.DeadlineExceeded)
	assert.False(t, f.s.Connected())
}

func TestSession_TransportReconnectRunsAfterConnect(t *testing.T) {
	f := newFixture(Config{})
	ran := make(chan struct{}, 4)
	f.s.AfterConnect = func() { ran <- struct{}{} }
	require.NoError(t, f.s.Connect(context.Background()))
	<-ran

	// the feed client drops and comes back without a Connect call
	f.tr.h.OnClose(1006, "abnormal")
	f.tr.h.OnConnect()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("AfterConnect did not run after transport reconnect")
	}
	assert.True(t, f.s.Connected())
	assert.Empty(t, ran, "runs once per connect")
}

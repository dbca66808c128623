package taskqueue

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/turn"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/store"
	"github.com/hrygo/nikabridge/store/storetest"
)

type nopSender struct{}

func (nopSender) SendMessage(ctx context.Context, chatID int64, text string) (int64, error) {
	return 1, nil
}
func (nopSender) SendChatAction(ctx context.Context, chatID int64, action string) error { return nil }

func newWorker(t *testing.T, handler http.HandlerFunc) (*Worker, *store.Store) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	st := store.New(storetest.New())
	reg := metrics.New(metrics.DefaultConfig())
	cfg := &config.Config{
		MaxUserTextLen: 4000,
		Queue: config.Queue{
			LeaseSeconds:     30,
			HeartbeatSeconds: 30,
			MaxAttempts:      3,
		},
		AntiSpam: config.AntiSpam{MinGapSeconds: 0},
	}
	proc := &turn.Processor{
		Store:    st,
		Upstream: upstream.New(srv.URL, "", reg),
		Metrics:  reg,
		Config:   cfg,
		Clock:    &clock.Fake{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)},
		Sender:   nopSender{},
	}
	return &Worker{Store: st, Processor: proc, Metrics: reg, Config: cfg}, st
}

func enqueuePayload(t *testing.T, st *store.Store, chatID int64) int64 {
	t.Helper()
	payload, err := json.Marshal(model.IncomingUserMessagePayload{
		ChatID: chatID, Text: "hello", Source: "test",
	})
	require.NoError(t, err)
	id, inserted, err := st.EnqueueTask(context.Background(), model.TaskKindIncomingUserMessage, payload, 0, nil)
	require.NoError(t, err)
	require.True(t, inserted)
	return id
}

func replyHandler(reply string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"reply": reply})
	}
}

func TestProcessOne_SuccessMarksTaskDone(t *testing.T) {
	worker, st := newWorker(t, replyHandler("ok"))
	ctx := context.Background()
	enqueuePayload(t, st, 1)

	tasks, err := st.LeaseTasks(ctx, 1, 30)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	worker.processOne(ctx, tasks[0])

	// A done task should no longer be leasable.
	remaining, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestProcessOne_RetryableErrorReturnsToPending(t *testing.T) {
	worker, st := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()
	enqueuePayload(t, st, 1)

	tasks, err := st.LeaseTasks(ctx, 1, 30)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	worker.processOne(ctx, tasks[0])

	remaining, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	require.Len(t, remaining, 1, "a retryable failure under MaxAttempts should return the task to pending")
}

func TestProcessOne_NonRetryableErrorFailsTask(t *testing.T) {
	worker, st := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})
	ctx := context.Background()
	enqueuePayload(t, st, 1)

	tasks, err := st.LeaseTasks(ctx, 1, 30)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	worker.processOne(ctx, tasks[0])

	remaining, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	assert.Empty(t, remaining, "a non-retryable failure must not return the task to the pending pool")
}

func TestProcessOne_ExhaustedAttemptsFailsEvenIfRetryable(t *testing.T) {
	worker, st := newWorker(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	ctx := context.Background()
	enqueuePayload(t, st, 1)

	var task *model.Task
	for i := 0; i < worker.Config.Queue.MaxAttempts; i++ {
		tasks, err := st.LeaseTasks(ctx, 1, 30)
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		task = tasks[0]
		worker.processOne(ctx, task)
	}

	assert.Equal(t, worker.Config.Queue.MaxAttempts, task.Attempts)
	remaining, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	assert.Empty(t, remaining, "once attempts are exhausted the task should be failed, not retried again")
}

func TestRun_LeasesAndProcessesUntilCancelled(t *testing.T) {
	worker, st := newWorker(t, replyHandler("ok"))
	worker.BatchSize = 5
	worker.PollInterval = 10 * time.Millisecond
	enqueuePayload(t, st, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := worker.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	remaining, err := st.LeaseTasks(context.Background(), 10, 30)
	require.NoError(t, err)
	assert.Empty(t, remaining, "the enqueued task should have been processed before the context deadline")
}

func TestGroupByChat_SameChatTasksShareAGroup(t *testing.T) {
	payloadFor := func(chatID int64) []byte {
		p, err := json.Marshal(model.IncomingUserMessagePayload{ChatID: chatID, Text: "hi"})
		require.NoError(t, err)
		return p
	}

	tasks := []*model.Task{
		{ID: 1, Kind: model.TaskKindIncomingUserMessage, Payload: payloadFor(1)},
		{ID: 2, Kind: model.TaskKindIncomingUserMessage, Payload: payloadFor(2)},
		{ID: 3, Kind: model.TaskKindIncomingUserMessage, Payload: payloadFor(1)},
	}

	groups := groupByChat(tasks)
	require.Len(t, groups, 2, "the two chat-1 tasks must land in the same group")

	var chat1Group []*model.Task
	for _, g := range groups {
		if len(g) == 2 {
			chat1Group = g
		}
	}
	require.NotNil(t, chat1Group)
	assert.Equal(t, int64(1), chat1Group[0].ID)
	assert.Equal(t, int64(3), chat1Group[1].ID, "same-chat tasks must keep their lease order within the group")
}

func TestGroupByChat_SameChatTasksRunSequentiallyNotConcurrently(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxConcurrent := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxConcurrent {
			maxConcurrent = inFlight
		}
		mu.Unlock()

		time.Sleep(30 * time.Millisecond)

		mu.Lock()
		inFlight--
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"reply": "ok"})
	}))
	t.Cleanup(srv.Close)

	st := store.New(storetest.New())
	reg := metrics.New(metrics.DefaultConfig())
	cfg := &config.Config{
		MaxUserTextLen: 4000,
		Queue:          config.Queue{LeaseSeconds: 30, HeartbeatSeconds: 30, MaxAttempts: 3},
		AntiSpam:       config.AntiSpam{MinGapSeconds: 0},
	}
	proc := &turn.Processor{
		Store:    st,
		Upstream: upstream.New(srv.URL, "", reg),
		Metrics:  reg,
		Config:   cfg,
		Clock:    &clock.Fake{T: time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)},
		Sender:   nopSender{},
	}
	worker := &Worker{Store: st, Processor: proc, Metrics: reg, Config: cfg, BatchSize: 10, PollInterval: 10 * time.Millisecond}

	ctx := context.Background()
	enqueuePayload(t, st, 1)
	enqueuePayload(t, st, 1)
	enqueuePayload(t, st, 1)

	tasks, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	g, gctx := errgroup.WithContext(ctx)
	for _, group := range groupByChat(tasks) {
		group := group
		g.Go(func() error {
			for _, task := range group {
				worker.processOne(gctx, task)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxConcurrent, "tasks for the same chat must never run concurrently")
}

func TestWatchdog_ReclaimsExpiredLease(t *testing.T) {
	st := store.New(storetest.New())
	ctx := context.Background()
	enqueuePayload(t, st, 1)

	tasks, err := st.LeaseTasks(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	time.Sleep(5 * time.Millisecond)

	wd := &Watchdog{Store: st, Config: &config.Config{Queue: config.Queue{MaxAttempts: 3}}, Interval: 10 * time.Millisecond}
	wctx, cancel := context.WithTimeout(ctx, 60*time.Millisecond)
	defer cancel()
	_ = wd.Run(wctx)

	remaining, err := st.LeaseTasks(ctx, 10, 30)
	require.NoError(t, err)
	assert.Len(t, remaining, 1, "watchdog should have returned the expired lease to pending")
}

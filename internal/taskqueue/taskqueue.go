// Package taskqueue runs the durable worker loop (C7) that drains the
// Postgres-backed task queue and feeds each task through the Turn
// Processor, following spec.md §4.7.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/nikabridge/internal/clock"
	"github.com/hrygo/nikabridge/internal/config"
	"github.com/hrygo/nikabridge/internal/metrics"
	"github.com/hrygo/nikabridge/internal/model"
	"github.com/hrygo/nikabridge/internal/turn"
	"github.com/hrygo/nikabridge/internal/upstream"
	"github.com/hrygo/nikabridge/store"
)

// Worker leases batches of pending tasks and runs each through the Turn
// Processor, retrying server-class upstream failures and failing out
// everything else.
type Worker struct {
	Store     *store.Store
	Processor *turn.Processor
	Metrics   *metrics.Registry
	Config    *config.Config
	Clock     clock.Clock

	// BatchSize is how many tasks are leased per poll. PollInterval is the
	// sleep between polls that found nothing to lease.
	BatchSize    int
	PollInterval time.Duration
}

// Run blocks, leasing and processing tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	batch := w.BatchSize
	if batch <= 0 {
		batch = 10
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tasks, err := w.Store.LeaseTasks(ctx, batch, w.Config.Queue.LeaseSeconds)
		if err != nil {
			slog.Error("taskqueue: lease failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}
		if len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		}

		w.Metrics.TasksLeasedTotal.Add(float64(len(tasks)))
		w.Metrics.TasksInFlight.Add(float64(len(tasks)))

		g, gctx := errgroup.WithContext(ctx)
		for _, group := range groupByChat(tasks) {
			group := group
			g.Go(func() error {
				for _, task := range group {
					w.processOne(gctx, task)
				}
				return nil
			})
		}
		_ = g.Wait()
		w.Metrics.TasksInFlight.Sub(float64(len(tasks)))
	}
}

// groupByChat partitions a leased batch so that tasks targeting the same
// chat run sequentially, one at a time, while tasks for distinct chats
// still run concurrently. spec.md §5 allows at most one in-flight
// incoming_user_message task per chat, and a single lease batch can contain
// several for the same chat — e.g. the recovery backfill path of §4.10,
// which can enqueue one recovery:{chat}:{id} dedup key per missed message.
// Tasks whose kind carries no chat id run standalone, same as before.
func groupByChat(tasks []*model.Task) [][]*model.Task {
	order := make([]int64, 0, len(tasks))
	groups := make(map[int64][]*model.Task, len(tasks))
	var ungrouped [][]*model.Task

	for _, task := range tasks {
		chatID, ok := taskChatID(task)
		if !ok {
			ungrouped = append(ungrouped, []*model.Task{task})
			continue
		}
		if _, seen := groups[chatID]; !seen {
			order = append(order, chatID)
		}
		groups[chatID] = append(groups[chatID], task)
	}

	result := make([][]*model.Task, 0, len(order)+len(ungrouped))
	for _, chatID := range order {
		result = append(result, groups[chatID])
	}
	return append(result, ungrouped...)
}

// taskChatID extracts the chat id a task targets, for kinds whose payload
// carries one, without fully unmarshalling the payload into its concrete type.
func taskChatID(task *model.Task) (int64, bool) {
	switch task.Kind {
	case model.TaskKindIncomingUserMessage:
		var head struct {
			ChatID int64 `json:"chat_id"`
		}
		if err := json.Unmarshal(task.Payload, &head); err != nil {
			return 0, false
		}
		return head.ChatID, true
	default:
		return 0, false
	}
}

// processOne runs a single leased task to completion, heartbeating while
// the Turn Processor is in flight (spec.md §4.7: "heartbeat for long tasks
// every ≥10s").
func (w *Worker) processOne(ctx context.Context, task *model.Task) {
	hbInterval := time.Duration(w.Config.Queue.HeartbeatSeconds) * time.Second
	if hbInterval < 10*time.Second {
		hbInterval = 10 * time.Second
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(hbInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := w.Store.HeartbeatTask(ctx, task.ID, w.Config.Queue.LeaseSeconds); err != nil {
					slog.Warn("taskqueue: heartbeat failed", "task_id", task.ID, "err", err)
				}
			}
		}
	}()

	err := w.run(ctx, task)
	close(stop)

	if err == nil {
		w.complete(ctx, task.ID, model.TaskDone, nil)
		return
	}

	var cerr *upstream.CallError
	if errors.As(err, &cerr) && cerr.Retryable() && task.Attempts < w.Config.Queue.MaxAttempts {
		if rerr := w.Store.ReturnTasksToPending(ctx, []int64{task.ID}); rerr != nil {
			slog.Error("taskqueue: return to pending failed", "task_id", task.ID, "err", rerr)
		}
		return
	}

	msg := err.Error()
	w.complete(ctx, task.ID, model.TaskFailed, &msg)
}

func (w *Worker) complete(ctx context.Context, id int64, status model.TaskStatus, lastErr *string) {
	if err := w.Store.CompleteTask(ctx, id, status, lastErr); err != nil {
		slog.Error("taskqueue: complete failed", "task_id", id, "status", status, "err", err)
		return
	}
	w.Metrics.TasksCompletedTotal.WithLabelValues(string(status)).Inc()
}

func (w *Worker) run(ctx context.Context, task *model.Task) error {
	switch task.Kind {
	case model.TaskKindIncomingUserMessage:
		var payload model.IncomingUserMessagePayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return err
		}
		var pid *int64
		if payload.PlatformMessageID != 0 {
			pid = &payload.PlatformMessageID
		}
		_, err := w.Processor.Process(ctx, turn.Input{
			ChatID:        payload.ChatID,
			ChatType:      payload.ChatType,
			UserID:        payload.UserID,
			Username:      payload.Username,
			Lang:          payload.Lang,
			Text:          payload.Text,
			Media:         payload.Media,
			TraceID:       payload.TraceID,
			PlatformMsgID: pid,
		})
		return err
	default:
		return nil
	}
}

// Watchdog periodically reclaims tasks whose lease has expired, failing out
// anything past the attempt ceiling (spec.md §4.7's watchdog sweep).
type Watchdog struct {
	Store    *store.Store
	Config   *config.Config
	Interval time.Duration
}

func (wd *Watchdog) Run(ctx context.Context) error {
	interval := wd.Interval
	if interval <= 0 {
		interval = time.Duration(wd.Config.Queue.WatchdogIntervalSeconds) * time.Second
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			returned, failed, err := wd.Store.WatchdogSweep(ctx, wd.Config.Queue.MaxAttempts)
			if err != nil {
				slog.Error("taskqueue: watchdog sweep failed", "err", err)
				continue
			}
			if returned > 0 || failed > 0 {
				slog.Info("taskqueue: watchdog reclaimed tasks", "returned", returned, "failed", failed)
			}
		}
	}
}

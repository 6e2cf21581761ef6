package service

import (
	"artgen/internal/config"
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Watchdog sweeps for tasks stuck in processing past the hard ceiling, for
// example after a crashed worker, and force-fails them with a refund.
type Watchdog struct {
	processor *TaskProcessor

	interval time.Duration
	ceiling  time.Duration
}

// NewWatchdog 创建看门狗实例。
func NewWatchdog(processor *TaskProcessor, cfg config.Config) *Watchdog {
	interval := time.Duration(cfg.WatchdogIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ceiling := time.Duration(cfg.TaskHardCeilingMinutes) * time.Minute
	if ceiling <= 0 {
		ceiling = 10 * time.Minute
	}
	return &Watchdog{
		processor: processor,
		interval:  interval,
		ceiling:   ceiling,
	}
}

// Start 启动后台巡检，ctx 结束时停止。
func (w *Watchdog) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		logrus.WithFields(logrus.Fields{
			"interval": w.interval.String(),
			"ceiling":  w.ceiling.String(),
		}).Info("task watchdog started")

		for {
			select {
			case <-ctx.Done():
				logrus.Info("task watchdog stopped")
				return
			case <-ticker.C:
				w.Sweep(ctx)
			}
		}
	}()
}

// Sweep runs one pass over stalled tasks. Exported so tests and manual
// triggers can run it without the ticker.
func (w *Watchdog) Sweep(ctx context.Context) {
	if w.processor == nil || w.processor.repo == nil {
		return
	}

	cutoff := time.Now().UTC().Add(-w.ceiling)
	tasks, err := w.processor.repo.ListStalledTasks(ctx, cutoff)
	if err != nil {
		logrus.WithError(err).Error("watchdog failed to list stalled tasks")
		return
	}

	reaped := 0
	for i := range tasks {
		task := &tasks[i]

		// 先终结后退款：输掉终结竞争说明任务在扫表后自行完成了，不能退款
		if !w.processor.failTask(ctx, task, "generation timed out and was reaped", "") {
			continue
		}

		logrus.WithFields(logrus.Fields{
			"task_id":    task.TaskID,
			"user_id":    task.UserID,
			"started_at": task.ProcessingStartedAt,
		}).Warn("force-failed stalled task")
		w.processor.RefundTask(ctx, task)
		reaped++
	}

	if reaped > 0 {
		logrus.WithField("count", reaped).Info("watchdog reaped stalled tasks")
	}
}

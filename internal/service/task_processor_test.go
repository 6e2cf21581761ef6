package service

import (
	"artgen/internal/config"
	"artgen/internal/entity"
	"artgen/internal/llm"
	"artgen/internal/model/sql"
	"context"
	"errors"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type fakeCall func(req llm.GenerateRequest) (*llm.RawResponse, error)

type fakeClient struct {
	calls     []fakeCall
	callCount int
	fallback  string
}

func (f *fakeClient) Generate(_ context.Context, req llm.GenerateRequest) (*llm.RawResponse, error) {
	if f.callCount >= len(f.calls) {
		return nil, errors.New("unexpected extra call")
	}
	call := f.calls[f.callCount]
	f.callCount++
	return call(req)
}

func (f *fakeClient) DefaultModel() string { return "primary-model" }
func (f *fakeClient) FallbackModel() string {
	if f.fallback == "" {
		return "fallback-model"
	}
	return f.fallback
}

func newTestProcessor(t *testing.T, client GenerationClient, grant int) (*TaskProcessor, *sql.GormRepository) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&entity.DbUser{},
		&entity.DbCreditBalance{},
		&entity.DbGenerationTask{},
		&entity.DbHistoryEntry{},
	)
	if err != nil {
		t.Fatalf("migrate schema: %v", err)
	}

	repo := sql.NewGormRepository(db)
	cfg := config.Config{
		CreditDefaultGrant: grant,
		HistoryMaxEntries:  100,
	}
	processor := NewTaskProcessor(repo, nil, client, cfg)
	processor.extractRetryDelay = time.Millisecond
	return processor, repo
}

func mustBalance(t *testing.T, repo *sql.GormRepository, userID uint) int {
	t.Helper()
	balance, err := repo.GetCreditBalance(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	return balance.Credits
}

func TestProcessTaskCompletes(t *testing.T) {
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return &llm.RawResponse{
				Text:      "Here you go: ![result](https://cdn.host.io/out/1.png)",
				ModelUsed: "primary-model",
			}, nil
		},
	}}
	processor, repo := newTestProcessor(t, client, 2)
	ctx := context.Background()

	task, err := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a cat"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, err := repo.GetTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if final.Status != entity.TaskStatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if final.ResultURL != "https://cdn.host.io/out/1.png" {
		t.Fatalf("unexpected result url: %s", final.ResultURL)
	}
	if !final.CreditsDeducted || final.CreditsRefunded {
		t.Fatalf("expected deducted without refund, got deducted=%v refunded=%v", final.CreditsDeducted, final.CreditsRefunded)
	}
	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("expected balance 1 after debit, got %d", got)
	}

	count, err := repo.CountHistory(ctx, 1)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one history entry, got %d", count)
	}
}

func TestProcessTaskTimeoutFallsBackOnce(t *testing.T) {
	var fallbackPrompt, fallbackModel string
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return nil, context.DeadlineExceeded
		},
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			fallbackPrompt = req.Prompt
			fallbackModel = req.Model
			return &llm.RawResponse{
				Text:      "![ok](https://cdn.host.io/out/2.png)",
				ModelUsed: req.Model,
			}, nil
		},
	}}
	processor, repo := newTestProcessor(t, client, 1)
	ctx := context.Background()

	task, err := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a long and winding prompt"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusCompleted {
		t.Fatalf("expected completed after fallback, got %s (%s)", final.Status, final.ErrorMessage)
	}
	if fallbackModel != "fallback-model" {
		t.Fatalf("expected retry on fallback model, got %q", fallbackModel)
	}
	if fallbackPrompt == "" {
		t.Fatal("fallback retry must carry a prompt")
	}
	if got := mustBalance(t, repo, 1); got != 0 {
		t.Fatalf("successful fallback must keep the debit, balance %d", got)
	}
}

func TestProcessTaskSoftRefusalRefunds(t *testing.T) {
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return &llm.RawResponse{Text: "I'm sorry, but I can't generate that image."}, nil
		},
	}}
	processor, repo := newTestProcessor(t, client, 3)
	ctx := context.Background()

	task, err := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "portrait of a man"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if final.Suggestion == "" {
		t.Fatal("soft refusal must carry a suggestion")
	}
	if !final.CreditsRefunded {
		t.Fatal("soft refusal must refund")
	}
	if got := mustBalance(t, repo, 1); got != 3 {
		t.Fatalf("expected balance restored to 3, got %d", got)
	}
}

func TestProcessTaskUpstreamErrorRefunds(t *testing.T) {
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return nil, errors.New("upstream http 500: boom")
		},
	}}
	processor, repo := newTestProcessor(t, client, 2)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a dog"})
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := mustBalance(t, repo, 1); got != 2 {
		t.Fatalf("expected full refund, got balance %d", got)
	}
}

func TestProcessTaskExtractionRetriesThenFails(t *testing.T) {
	calls := 0
	noImage := func(req llm.GenerateRequest) (*llm.RawResponse, error) {
		calls++
		return &llm.RawResponse{Text: "working on it, almost there"}, nil
	}
	client := &fakeClient{calls: []fakeCall{noImage, noImage, noImage}}
	processor, repo := newTestProcessor(t, client, 1)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a fox"})
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	if calls != 3 {
		t.Fatalf("expected initial call plus two retries, got %d", calls)
	}
	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("expected refund after exhausted retries, balance %d", got)
	}
}

func TestProcessTaskCancelledBeforeDebit(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 2)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a boat"})
	if _, err := repo.RequestTaskCancel(ctx, task.TaskID); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if final.CreditsDeducted {
		t.Fatal("cancellation before debit must not deduct")
	}
	if client.callCount != 0 {
		t.Fatal("cancelled task must not reach the upstream")
	}
}

func TestProcessTaskCancelledDuringGenerationRefunds(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 2)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a tree"})
	client.calls = []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			// 模拟处理期间用户点了取消
			if _, err := repo.RequestTaskCancel(context.Background(), task.TaskID); err != nil {
				return nil, err
			}
			return &llm.RawResponse{Text: "![x](https://cdn.host.io/out/3.png)"}, nil
		},
	}
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusCancelled {
		t.Fatalf("expected cancelled, got %s", final.Status)
	}
	if final.ResultURL != "" {
		t.Fatal("cancelled task must discard the result")
	}
	if !final.CreditsRefunded {
		t.Fatal("cancellation after debit must refund")
	}
	if got := mustBalance(t, repo, 1); got != 2 {
		t.Fatalf("expected balance restored to 2, got %d", got)
	}
}

func TestRefundTaskIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 0)
	ctx := context.Background()

	if _, err := repo.EnsureCreditBalance(ctx, 1, 0); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	task := &entity.DbGenerationTask{TaskID: "task_rr", UserID: 1, CreditsDeducted: true}
	if err := repo.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	processor.RefundTask(ctx, task)
	processor.RefundTask(ctx, task)

	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("double refund must credit once, got %d", got)
	}
}

func TestGenerateSyncShapesResponse(t *testing.T) {
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return &llm.RawResponse{
				Text:      "![done](https://cdn.host.io/out/4.png)",
				ModelUsed: "primary-model",
			}, nil
		},
	}}
	processor, _ := newTestProcessor(t, client, 1)

	resp, err := processor.GenerateSync(context.Background(), 1, &entity.GenerateImageRequest{Prompt: "a lake"})
	if err != nil {
		t.Fatalf("generate sync: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got error %q", resp.Error)
	}
	if resp.ImageURL != "https://cdn.host.io/out/4.png" {
		t.Fatalf("unexpected image url: %s", resp.ImageURL)
	}
	if resp.TaskID == "" {
		t.Fatal("sync response must carry the task id")
	}
}

func TestCancelTaskFinalisesPending(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 1)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a hill"})
	updated, set, err := processor.CancelTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !set {
		t.Fatal("expected cancel flag to be newly set")
	}
	if updated.Status != entity.TaskStatusCancelled {
		t.Fatalf("pending task must finalise immediately, got %s", updated.Status)
	}

	// 终态任务再取消是空操作
	_, set, err = processor.CancelTask(ctx, task.TaskID)
	if err != nil {
		t.Fatalf("cancel again: %v", err)
	}
	if set {
		t.Fatal("terminal task must not accept cancellation")
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusCancelled {
		t.Fatalf("status must stay cancelled, got %s", final.Status)
	}
}

func TestWatchdogReapsStalledTasks(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 0)
	ctx := context.Background()

	if _, err := repo.EnsureCreditBalance(ctx, 1, 0); err != nil {
		t.Fatalf("ensure balance: %v", err)
	}
	started := time.Now().UTC().Add(-30 * time.Minute)
	stale := &entity.DbGenerationTask{
		TaskID:              "task_stale",
		UserID:              1,
		Status:              entity.TaskStatusProcessing,
		CreditsDeducted:     true,
		ProcessingStartedAt: &started,
	}
	if err := repo.CreateTask(ctx, stale); err != nil {
		t.Fatalf("create task: %v", err)
	}

	watchdog := NewWatchdog(processor, config.Config{TaskHardCeilingMinutes: 10, WatchdogIntervalSecs: 30})
	watchdog.Sweep(ctx)

	final, _ := repo.GetTask(ctx, "task_stale")
	if final.Status != entity.TaskStatusFailed {
		t.Fatalf("expected failed, got %s", final.Status)
	}
	if !final.CreditsRefunded {
		t.Fatal("reaped task must be refunded")
	}
	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("expected refund credited, got %d", got)
	}

	// 再跑一轮不会重复退款
	watchdog.Sweep(ctx)
	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("second sweep must not double-credit, got %d", got)
	}
}

func TestWatchdogSweepDuringGenerationKeepsReapedFailure(t *testing.T) {
	client := &fakeClient{}
	processor, repo := newTestProcessor(t, client, 5)
	ctx := context.Background()
	watchdog := NewWatchdog(processor, config.Config{TaskHardCeilingMinutes: 10, WatchdogIntervalSecs: 30})

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a glacier"})
	client.calls = []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			// 模拟超长的上游调用：开始时间已越过硬上限，巡检在调用期间跑了一轮
			started := time.Now().UTC().Add(-30 * time.Minute)
			err := repo.UpdateTask(context.Background(), task.TaskID,
				entity.TaskUpdates{ProcessingStartedAt: &started})
			if err != nil {
				return nil, err
			}
			watchdog.Sweep(context.Background())
			return &llm.RawResponse{
				Text:      "![late](https://cdn.host.io/out/5.png)",
				ModelUsed: "primary-model",
			}, nil
		},
	}

	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	final, _ := repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusFailed {
		t.Fatalf("reaped task must stay failed, got %s", final.Status)
	}
	if final.ResultURL != "" {
		t.Fatalf("late result must be discarded, got %q", final.ResultURL)
	}
	if !final.CreditsRefunded {
		t.Fatal("reaped task must keep its refund")
	}
	if got := mustBalance(t, repo, 1); got != 5 {
		t.Fatalf("expected balance restored to 5, got %d", got)
	}

	count, err := repo.CountHistory(ctx, 1)
	if err != nil {
		t.Fatalf("count history: %v", err)
	}
	if count != 0 {
		t.Fatalf("discarded result must not enter history, got %d entries", count)
	}
}

func TestSweepCannotClobberCompletedTask(t *testing.T) {
	client := &fakeClient{calls: []fakeCall{
		func(req llm.GenerateRequest) (*llm.RawResponse, error) {
			return &llm.RawResponse{
				Text:      "![ok](https://cdn.host.io/out/6.png)",
				ModelUsed: "primary-model",
			}, nil
		},
	}}
	processor, repo := newTestProcessor(t, client, 2)
	ctx := context.Background()

	task, _ := processor.SubmitTask(ctx, 1, &entity.GenerateImageRequest{Prompt: "a reef"})
	if err := processor.ProcessTask(ctx, task.TaskID); err != nil {
		t.Fatalf("process: %v", err)
	}

	// 模拟巡检扫表和终结之间任务恰好完成：强制失败必须输掉，也就不触发退款
	final, _ := repo.GetTask(ctx, task.TaskID)
	if processor.failTask(ctx, final, "generation timed out and was reaped", "") {
		t.Fatal("force-fail must lose against a completed task")
	}

	final, _ = repo.GetTask(ctx, task.TaskID)
	if final.Status != entity.TaskStatusCompleted {
		t.Fatalf("status must stay completed, got %s", final.Status)
	}
	if final.CreditsRefunded {
		t.Fatal("completed task must not carry a refund")
	}
	if got := mustBalance(t, repo, 1); got != 1 {
		t.Fatalf("expected debit to stand, balance %d", got)
	}
}

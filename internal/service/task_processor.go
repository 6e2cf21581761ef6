package service

import (
	"artgen/internal/config"
	"artgen/internal/entity"
	"artgen/internal/llm"
	"artgen/internal/model"
	"artgen/internal/storage"
	"artgen/internal/utils"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// 一次生成扣费积分数
const creditCostPerGeneration = 1

// 降级重试时提示词的最大长度
const fallbackPromptMaxLen = 500

// GenerationClient 抽象上游生成通道，便于测试替换。
type GenerationClient interface {
	Generate(ctx context.Context, request llm.GenerateRequest) (*llm.RawResponse, error)
	DefaultModel() string
	FallbackModel() string
}

// TaskProcessor 生成任务处理服务，封装任务声明、扣费、上游调用和退款的完整流程。
type TaskProcessor struct {
	repo    model.Repository
	storage storage.Storage
	client  GenerationClient

	historyMax    int
	defaultGrant  int
	publicBaseURL string

	// 结果抽取失败时的补发次数和间隔
	extractRetries    int
	extractRetryDelay time.Duration
}

// NewTaskProcessor 创建任务处理服务实例。
func NewTaskProcessor(repo model.Repository, store storage.Storage, client GenerationClient, cfg config.Config) *TaskProcessor {
	historyMax := cfg.HistoryMaxEntries
	if historyMax <= 0 {
		historyMax = 100
	}
	return &TaskProcessor{
		repo:              repo,
		storage:           store,
		client:            client,
		historyMax:        historyMax,
		defaultGrant:      cfg.CreditDefaultGrant,
		publicBaseURL:     strings.TrimRight(strings.TrimSpace(cfg.StoragePublicBaseURL), "/"),
		extractRetries:    2,
		extractRetryDelay: 3 * time.Second,
	}
}

// SubmitTask validates a generation request and persists a pending task row.
// No credits move here; the debit happens when the task is claimed.
func (s *TaskProcessor) SubmitTask(ctx context.Context, userID uint, request *entity.GenerateImageRequest) (*entity.DbGenerationTask, error) {
	if s.repo == nil {
		return nil, errors.New("task processor not initialised")
	}
	if request == nil {
		return nil, errors.New("request is nil")
	}
	if strings.TrimSpace(request.Prompt) == "" && !request.HasImage() {
		return nil, errors.New("prompt or input image is required")
	}

	task := &entity.DbGenerationTask{
		TaskID:      utils.NewTaskID(),
		UserID:      userID,
		Prompt:      strings.TrimSpace(request.Prompt),
		Style:       strings.TrimSpace(request.Style),
		AspectRatio: strings.TrimSpace(request.AspectRatio),
		InputImage:  strings.TrimSpace(request.Image),
		Status:      entity.TaskStatusPending,
	}
	if err := s.repo.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"user_id": userID,
	}).Info("generation task submitted")
	return task, nil
}

// ProcessTaskAsync 后台处理任务。
func (s *TaskProcessor) ProcessTaskAsync(taskID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		if err := s.ProcessTask(ctx, taskID); err != nil {
			logrus.WithError(err).WithField("task_id", taskID).Error("async task processing failed")
		}
	}()
}

// ProcessTask drives one task from pending to a terminal state. The claim is a
// conditional pending→processing update, so concurrent callers across
// instances race safely: exactly one proceeds.
func (s *TaskProcessor) ProcessTask(ctx context.Context, taskID string) error {
	if s.repo == nil || s.client == nil {
		return errors.New("task processor not initialised")
	}

	claimed, err := s.repo.ClaimTask(ctx, taskID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return fmt.Errorf("task %s is not claimable", taskID)
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load claimed task: %w", err)
	}

	// 扣费前检查点：还没扣费，直接取消即可
	if task.CancelRequested {
		s.finishCancelled(ctx, task)
		return nil
	}

	if err := s.debit(ctx, task); err != nil {
		if errors.Is(err, entity.ErrInsufficientCredits) {
			s.failTask(ctx, task, "insufficient credits", "")
			return nil
		}
		s.failTask(ctx, task, fmt.Sprintf("debit credits: %v", err), "")
		return nil
	}
	task.CreditsDeducted = true

	// 调用前检查点：已扣费，取消需要退款
	if s.cancelRequested(ctx, task.TaskID) {
		s.refund(ctx, task)
		s.finishCancelled(ctx, task)
		return nil
	}

	result, genErr := s.generateWithFallback(ctx, task)

	// 调用后检查点：结果作废，退款
	if s.cancelRequested(ctx, task.TaskID) {
		s.refund(ctx, task)
		s.finishCancelled(ctx, task)
		return nil
	}

	if genErr != nil {
		suggestion := ""
		message := genErr.Error()
		if errors.Is(genErr, llm.ErrSoftRefusal) {
			suggestion = llm.BuildSuggestion(task.Prompt, task.Style)
			message = "the model declined to generate this image"
		}
		logrus.WithError(genErr).WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"user_id": task.UserID,
		}).Error("generation failed")
		s.refund(ctx, task)
		s.failTask(ctx, task, message, suggestion)
		return nil
	}

	s.finishCompleted(ctx, task, result)
	return nil
}

// GenerateSync runs the whole lifecycle inline and shapes the answer for the
// synchronous endpoint.
func (s *TaskProcessor) GenerateSync(ctx context.Context, userID uint, request *entity.GenerateImageRequest) (*entity.GenerateImageResponse, error) {
	start := time.Now()

	task, err := s.SubmitTask(ctx, userID, request)
	if err != nil {
		return nil, err
	}

	if err := s.ProcessTask(ctx, task.TaskID); err != nil {
		return nil, err
	}

	final, err := s.repo.GetTask(ctx, task.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load finished task: %w", err)
	}

	response := &entity.GenerateImageResponse{
		TaskID:   final.TaskID,
		Duration: time.Since(start).Seconds(),
	}
	switch final.Status {
	case entity.TaskStatusCompleted:
		response.Success = true
		response.ImageURL = final.ResultURL
	case entity.TaskStatusCancelled:
		response.Error = "generation cancelled"
	default:
		response.Error = final.ErrorMessage
		response.Suggestion = final.Suggestion
	}
	return response, nil
}

// CancelTask 设置协作式取消标记。若任务尚未开始处理（pending），直接终结并退款。
func (s *TaskProcessor) CancelTask(ctx context.Context, taskID string) (*entity.DbGenerationTask, bool, error) {
	set, err := s.repo.RequestTaskCancel(ctx, taskID)
	if err != nil {
		return nil, false, err
	}

	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, false, err
	}

	// pending 任务没有处理者会检查标记，立即终结
	if set && task.Status == entity.TaskStatusPending {
		if task.CreditsDeducted {
			s.refund(ctx, task)
		}
		s.finishCancelled(ctx, task)
		task, err = s.repo.GetTask(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
	}
	return task, set, nil
}

// RefundTask 幂等退款入口，看门狗强制失败时复用。
func (s *TaskProcessor) RefundTask(ctx context.Context, task *entity.DbGenerationTask) {
	s.refund(ctx, task)
}

// generateWithFallback calls the upstream, retrying once on a cheaper model
// when the primary call times out, and re-asking a bounded number of times
// when the answer contains no usable image URL.
func (s *TaskProcessor) generateWithFallback(ctx context.Context, task *entity.DbGenerationTask) (*generationResult, error) {
	request := llm.GenerateRequest{
		Prompt:      task.Prompt,
		Style:       task.Style,
		AspectRatio: task.AspectRatio,
		ImageRef:    task.InputImage,
	}

	raw, err := s.client.Generate(ctx, request)
	if err != nil && llm.IsTimeoutError(err) && s.client.FallbackModel() != "" {
		logrus.WithFields(logrus.Fields{
			"task_id":        task.TaskID,
			"fallback_model": s.client.FallbackModel(),
		}).Warn("primary generation timed out, retrying on fallback model")

		retry := request
		retry.Model = s.client.FallbackModel()
		retry.Prompt = llm.ShortenPrompt(task.Prompt, fallbackPromptMaxLen)
		retry.Style = ""
		retry.AspectRatio = ""
		raw, err = s.client.Generate(ctx, retry)
	}
	if err != nil {
		return nil, err
	}

	result, extractErr := s.extractResult(raw)
	for attempt := 0; extractErr != nil && !errors.Is(extractErr, llm.ErrSoftRefusal) && attempt < s.extractRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.extractRetryDelay):
		}
		if s.cancelRequested(ctx, task.TaskID) {
			return nil, context.Canceled
		}
		raw, err = s.client.Generate(ctx, request)
		if err != nil {
			return nil, err
		}
		result, extractErr = s.extractResult(raw)
	}
	if extractErr != nil {
		return nil, extractErr
	}
	return result, nil
}

type generationResult struct {
	imageRef  string // URL 或 data URL
	modelUsed string
}

func (s *TaskProcessor) extractResult(raw *llm.RawResponse) (*generationResult, error) {
	if raw == nil {
		return nil, errors.New("empty upstream response")
	}

	// 结构化返回的图片优先
	for _, ref := range raw.ImageURLs {
		trimmed := strings.TrimSpace(ref)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "data:") || llm.IsValidImageURL(trimmed) {
			return &generationResult{imageRef: trimmed, modelUsed: raw.ModelUsed}, nil
		}
	}

	if url, ok := llm.ExtractImageURL(raw.Text); ok {
		return &generationResult{imageRef: url, modelUsed: raw.ModelUsed}, nil
	}

	if llm.IsSoftRefusal(raw.Text) {
		return nil, llm.ErrSoftRefusal
	}
	return nil, errors.New("no image url in upstream response")
}

// finishCompleted mirrors the result into storage, finalises the task row, and
// appends the history entry. Storage trouble downgrades to a log line; the
// generation itself succeeded.
func (s *TaskProcessor) finishCompleted(ctx context.Context, task *entity.DbGenerationTask, result *generationResult) {
	resultURL := result.imageRef
	storedPath := ""

	if s.storage != nil {
		relPath, err := s.mirrorImage(ctx, task, result.imageRef)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"task_id": task.TaskID,
			}).Warn("failed to mirror generated image")
		} else {
			storedPath = relPath
		}
	}

	// data URL 无法直接返回给前端，必须换成镜像后的地址
	if strings.HasPrefix(resultURL, "data:") {
		if storedPath == "" {
			s.refund(ctx, task)
			s.failTask(ctx, task, "failed to persist generated image", "")
			return
		}
		resultURL = s.publicURL(storedPath)
	}

	now := time.Now().UTC()
	status := entity.TaskStatusCompleted
	updates := entity.TaskUpdates{
		Status:      &status,
		ResultURL:   &resultURL,
		ModelUsed:   &result.modelUsed,
		CompletedAt: &now,
	}
	// 条件终结：任务可能已被看门狗回收或取消，输了就丢弃结果，退款保持不动
	if !s.finalizeTask(task.TaskID, updates) {
		logrus.WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"user_id": task.UserID,
		}).Warn("task already finalised elsewhere, discarding result")
		return
	}

	entry := &entity.DbHistoryEntry{
		UserID:      task.UserID,
		Prompt:      task.Prompt,
		ImageURL:    resultURL,
		StoredPath:  storedPath,
		Style:       task.Style,
		AspectRatio: task.AspectRatio,
		ModelUsed:   result.modelUsed,
	}
	if err := s.repo.CreateHistoryEntry(ctx, entry, s.historyMax); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"user_id": task.UserID,
		}).Warn("failed to append history entry")
	}

	logrus.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"user_id": task.UserID,
		"model":   result.modelUsed,
	}).Info("generation task completed")
}

// mirrorImage downloads or decodes the generated image and saves a copy into
// the configured storage backend.
func (s *TaskProcessor) mirrorImage(parentCtx context.Context, task *entity.DbGenerationTask, imageRef string) (string, error) {
	ctx, cancel := context.WithTimeout(parentCtx, 2*time.Minute)
	defer cancel()

	data, ext, err := s.resolveImagePayload(ctx, imageRef)
	if err != nil {
		return "", err
	}

	return s.storage.Save(ctx, data, storage.SaveOptions{
		Category:  storage.CategoryGenerated,
		Extension: ext,
		BaseName:  task.TaskID,
	})
}

// resolveImagePayload 解析图片数据（URL 或 base64）。
func (s *TaskProcessor) resolveImagePayload(ctx context.Context, payload string) ([]byte, string, error) {
	trimmed := strings.TrimSpace(payload)
	if trimmed == "" {
		return nil, "", fmt.Errorf("empty payload")
	}

	if strings.HasPrefix(trimmed, "http://") || strings.HasPrefix(trimmed, "https://") {
		reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, trimmed, nil)
		if err != nil {
			return nil, "", fmt.Errorf("create request: %w", err)
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("download image: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("download image http %d", resp.StatusCode)
		}

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, "", fmt.Errorf("read image body: %w", err)
		}

		ext := utils.ExtensionFromMime(resp.Header.Get("Content-Type"))
		if ext == "" {
			ext = utils.ExtensionFromMime(http.DetectContentType(data))
		}
		if ext == "" {
			ext = "bin"
		}
		return data, ext, nil
	}

	data, ext, err := utils.DecodeMediaPayload(trimmed)
	if err == nil {
		return data, ext, nil
	}
	return utils.DecodeMediaPayload(utils.EnsureDataURL(trimmed))
}

func (s *TaskProcessor) publicURL(storedPath string) string {
	if s.publicBaseURL == "" {
		return "/" + strings.TrimLeft(storedPath, "/")
	}
	return s.publicBaseURL + "/" + strings.TrimLeft(path.Clean(storedPath), "/")
}

// debit 扣费并在任务行上记账。
func (s *TaskProcessor) debit(ctx context.Context, task *entity.DbGenerationTask) error {
	if _, err := s.repo.EnsureCreditBalance(ctx, task.UserID, s.defaultGrant); err != nil {
		return err
	}
	if err := s.repo.DebitCredits(ctx, task.UserID, creditCostPerGeneration); err != nil {
		return err
	}
	deducted := true
	s.updateTask(task.TaskID, entity.TaskUpdates{CreditsDeducted: &deducted})
	return nil
}

// refund credits back at most once per task: the row-level check-and-set is
// the idempotence gate, the balance increment only runs for the winner.
func (s *TaskProcessor) refund(ctx context.Context, task *entity.DbGenerationTask) {
	won, err := s.repo.MarkTaskRefunded(ctx, task.TaskID)
	if err != nil {
		logrus.WithError(err).WithField("task_id", task.TaskID).Error("failed to mark task refunded")
		return
	}
	if !won {
		return
	}
	if err := s.repo.CreditCredits(ctx, task.UserID, creditCostPerGeneration); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"task_id": task.TaskID,
			"user_id": task.UserID,
		}).Error("failed to credit refund")
	}
}

func (s *TaskProcessor) cancelRequested(ctx context.Context, taskID string) bool {
	task, err := s.repo.GetTask(ctx, taskID)
	if err != nil {
		return false
	}
	return task.CancelRequested
}

func (s *TaskProcessor) finishCancelled(ctx context.Context, task *entity.DbGenerationTask) {
	now := time.Now().UTC()
	status := entity.TaskStatusCancelled
	if !s.finalizeTask(task.TaskID, entity.TaskUpdates{
		Status:      &status,
		CompletedAt: &now,
	}) {
		return
	}
	logrus.WithFields(logrus.Fields{
		"task_id": task.TaskID,
		"user_id": task.UserID,
	}).Info("generation task cancelled")
}

// failTask reports whether this caller performed the terminal transition.
func (s *TaskProcessor) failTask(ctx context.Context, task *entity.DbGenerationTask, message, suggestion string) bool {
	now := time.Now().UTC()
	status := entity.TaskStatusFailed
	updates := entity.TaskUpdates{
		Status:       &status,
		ErrorMessage: &message,
		CompletedAt:  &now,
	}
	if suggestion != "" {
		updates.Suggestion = &suggestion
	}
	return s.finalizeTask(task.TaskID, updates)
}

// finalizeTask 终态写入走条件更新，已终结的任务行不再改动。
func (s *TaskProcessor) finalizeTask(taskID string, updates entity.TaskUpdates) bool {
	if s.repo == nil || taskID == "" || updates.IsEmpty() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	won, err := s.repo.FinalizeTask(ctx, taskID, updates)
	if err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Error("failed to finalise task")
		return false
	}
	return won
}

// updateTask 更新任务行。
func (s *TaskProcessor) updateTask(taskID string, updates entity.TaskUpdates) {
	if s.repo == nil || taskID == "" || updates.IsEmpty() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.repo.UpdateTask(ctx, taskID, updates); err != nil {
		logrus.WithError(err).WithField("task_id", taskID).Error("failed to update task")
	}
}

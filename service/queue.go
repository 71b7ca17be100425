package service

import (
	"encoding/json"
	"fmt"
	"time"

	"TopicToSlides-server/config"
	"TopicToSlides-server/logger"

	"github.com/hibiken/asynq"
)

const (
	TypeGenerateTask = "task:generate"
)

type TaskPayload struct {
	TaskID string `json:"task_id"`
}

// Queue 任务入队，任务详情保存在 task 表，队列里只有 task_id
type Queue struct {
	client *asynq.Client
	log    *logger.Logger
}

func RedisOpt(cfg config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	}
}

func NewQueue(cfg config.Config, log *logger.Logger) *Queue {
	return &Queue{client: asynq.NewClient(RedisOpt(cfg)), log: log.With("component", "queue")}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// NewGenerateTask 生成任务失败不重试，由用户通过 restart 接口重新触发
func NewGenerateTask(taskID string) (*asynq.Task, error) {
	payload, err := json.Marshal(TaskPayload{TaskID: taskID})
	if err != nil {
		return nil, fmt.Errorf("marshal payload failed: %w", err)
	}
	return asynq.NewTask(TypeGenerateTask, payload,
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour), // 整个项目的全部页面
		asynq.Retention(24*time.Hour),
	), nil
}

func (q *Queue) Enqueue(taskID string) error {
	task, err := NewGenerateTask(taskID)
	if err != nil {
		return err
	}
	info, err := q.client.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue failed: %w", err)
	}
	q.log.Info("[Queue] Task Enqueued", "task_id", taskID, "asynq_id", info.ID)
	return nil
}

package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Processor 任务处理者
type Processor interface {
	Process(ctx context.Context, task *Task) error
}

// ProcessorFunc 函数适配为 Processor
type ProcessorFunc func(ctx context.Context, task *Task) error

func (f ProcessorFunc) Process(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Pool Worker 池
type Pool struct {
	workers   int
	taskChan  chan *Task
	processor Processor
	logger    *logrus.Logger
	wg        sync.WaitGroup
	stopOnce  sync.Once
}

// Task 任务
type Task struct {
	ID       string
	FilePath string
	resultCh chan error // 用于同步等待任务完成
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, processor Processor, logger *logrus.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		workers:   workers,
		taskChan:  make(chan *Task, queueSize),
		processor: processor,
		logger:    logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Debug("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Debug("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}

			err := p.run(ctx, task)
			if err != nil {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   task.ID,
					"file":      task.FilePath,
				}).Error("Task execution failed")
			} else {
				p.logger.WithFields(logrus.Fields{
					"worker_id": id,
					"task_id":   task.ID,
				}).Debug("Task completed")
			}

			// 如果有结果通道，发送结果
			if task.resultCh != nil {
				task.resultCh <- err
				close(task.resultCh)
			}
		}
	}
}

// run 执行单个任务，处理者 panic 时转换为错误，不影响其他 worker
func (p *Pool) run(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return p.processor.Process(ctx, task)
}

// Submit 提交任务（异步，不等待结果，队列满时立即失败）
func (p *Pool) Submit(task *Task) error {
	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		return nil
	default:
		return fmt.Errorf("task queue is full")
	}
}

// Enqueue 提交任务，队列满时阻塞直到有空位或 ctx 结束
func (p *Pool) Enqueue(ctx context.Context, task *Task) error {
	select {
	case p.taskChan <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatch 以任务 ID 和文件路径投递到本地池
func (p *Pool) Dispatch(ctx context.Context, taskID, filePath string) error {
	return p.Enqueue(ctx, &Task{ID: taskID, FilePath: filePath})
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	if err := p.Enqueue(ctx, task); err != nil {
		return err
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 关闭队列并等待已排队任务处理完
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.taskChan)
	})
	p.wg.Wait()
	p.logger.Debug("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

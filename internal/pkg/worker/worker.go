package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ReconcileTask 对账任务：用用户计数之和修正某张优惠券的 total_used
type ReconcileTask struct {
	CouponID string
	Retry    int // 重试次数
}

// Reconciler 执行对账的存储
type Reconciler interface {
	ReconcileTotalUsed(ctx context.Context, couponID string) (int, error)
}

// ResultHook 每个任务结束时回调，用于打点或缓存失效
type ResultHook func(task ReconcileTask, total int, err error)

type WorkerPool struct {
	TaskQueue  chan ReconcileTask
	RetryQueue chan ReconcileTask // 重试队列
	Repo       Reconciler
	WorkerNum  int
	MaxRetry   int // 最大重试次数
	Timeout    time.Duration
	RetryDelay time.Duration

	logger *zap.Logger
	hook   ResultHook

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewWorkerPool(repo Reconciler, logger *zap.Logger, workerNum int, bufferSize int) *WorkerPool {
	if workerNum <= 0 {
		workerNum = 1
	}
	if bufferSize <= 1 {
		bufferSize = 2
	}
	return &WorkerPool{
		TaskQueue:  make(chan ReconcileTask, bufferSize),
		RetryQueue: make(chan ReconcileTask, bufferSize/2),
		Repo:       repo,
		WorkerNum:  workerNum,
		MaxRetry:   3, // 最多重试3次
		Timeout:    5 * time.Second,
		RetryDelay: time.Second,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// OnResult 设置任务完成回调，需在 Start 之前调用
func (p *WorkerPool) OnResult(hook ResultHook) {
	p.hook = hook
}

func (p *WorkerPool) Start() {
	for i := 0; i < p.WorkerNum; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	// 启动重试处理协程
	p.wg.Add(1)
	go p.retryWorker()
	p.logger.Info("reconcile worker pool started", zap.Int("workers", p.WorkerNum))
}

// Stop 停止接收任务并等待正在执行的任务结束，队列中剩余任务丢弃
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	p.wg.Wait()
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case task := <-p.TaskQueue:
			p.handle(id, task)
		}
	}
}

func (p *WorkerPool) handle(id int, task ReconcileTask) {
	total, err := p.processTask(task)
	if p.hook != nil {
		p.hook(task, total, err)
	}
	if err == nil {
		p.logger.Debug("coupon reconciled",
			zap.Int("worker", id),
			zap.String("coupon_id", task.CouponID),
			zap.Int("total_used", total))
		return
	}

	p.logger.Warn("reconcile failed",
		zap.Int("worker", id),
		zap.String("coupon_id", task.CouponID),
		zap.Int("attempt", task.Retry),
		zap.Error(err))

	if task.Retry >= p.MaxRetry {
		p.logFailedTask(task, err)
		return
	}
	task.Retry++
	select {
	case p.RetryQueue <- task:
	default:
		p.logFailedTask(task, err)
	}
}

func (p *WorkerPool) retryWorker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case task := <-p.RetryQueue:
			// 延迟重试，避免立即重试
			select {
			case <-time.After(time.Duration(task.Retry) * p.RetryDelay):
			case <-p.done:
				return
			}
			select {
			case p.TaskQueue <- task:
			default:
				p.logFailedTask(task, nil)
			}
		}
	}
}

func (p *WorkerPool) processTask(task ReconcileTask) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.Timeout)
	defer cancel()
	return p.Repo.ReconcileTotalUsed(ctx, task.CouponID)
}

func (p *WorkerPool) logFailedTask(task ReconcileTask, err error) {
	p.logger.Error("reconcile task dropped",
		zap.String("coupon_id", task.CouponID),
		zap.Int("attempts", task.Retry),
		zap.Error(err))
}

// Enqueue 投递对账任务，队列已满返回 false
func (p *WorkerPool) Enqueue(couponID string) bool {
	select {
	case p.TaskQueue <- ReconcileTask{CouponID: couponID}:
		return true
	default:
		p.logger.Warn("reconcile queue full, dropping task", zap.String("coupon_id", couponID))
		return false
	}
}

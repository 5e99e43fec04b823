package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"k8s.io/klog/v2"
)

// -----------------------------
// Job 定义
// -----------------------------
type Job struct {
	DatasetID   string
	ColumnID    string
	AccessToken string
	EnqueuedAt  time.Time
	Timeout     time.Duration

	// submitAttempts 提交协程池失败的次数，与生成本身的失败无关
	submitAttempts int
}

// Key 同一列同一时刻只允许一个后台任务
func (j *Job) Key() string {
	return JobKey(j.DatasetID, j.ColumnID)
}

func JobKey(datasetID, columnID string) string {
	return datasetID + "/" + columnID
}

// NewColumnJob 创建一个列生成后台任务
func NewColumnJob(datasetID, columnID, accessToken string) *Job {
	return &Job{
		DatasetID:   datasetID,
		ColumnID:    columnID,
		AccessToken: accessToken,
		EnqueuedAt:  time.Now(),
		Timeout:     30 * time.Minute,
	}
}

// -----------------------------
// JobExecutor 接口
// -----------------------------
type JobExecutor interface {
	ExecuteJob(ctx context.Context, job *Job) error
}

type activeJob struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// -----------------------------
// Orchestrator
// -----------------------------
type Orchestrator struct {
	jobQueue    *jobQueue
	retryQueue  *jobQueue
	retryTicker *time.Ticker

	pool *ants.Pool

	executor JobExecutor

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once

	// queued 已入队但尚未开始执行的任务 key
	queued map[string]struct{}
	active map[string]*activeJob
	mutex  sync.Mutex

	releaseTimeout time.Duration
}

// -----------------------------
// 错误定义
// -----------------------------
var (
	ErrOrchestratorStopped = errors.New("orchestrator is stopped")
	ErrQueueFull           = errors.New("job queue is full")
	ErrJobExists           = errors.New("column is already queued or generating")
)

const maxSubmitAttempts = 3

// -----------------------------
// 构造函数
// -----------------------------
func NewOrchestrator(maxWorkers int, executor JobExecutor) (*Orchestrator, error) {
	ctx, cancel := context.WithCancel(context.Background())

	pool, err := ants.NewPool(maxWorkers,
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(1000),
		ants.WithExpiryDuration(5*time.Minute),
	)
	if err != nil {
		klog.Errorf("ants pool initialization failed: %v", err)
		cancel()
		return nil, err
	}

	return &Orchestrator{
		jobQueue:       newJobQueue(120),
		retryQueue:     newJobQueue(120),
		retryTicker:    time.NewTicker(500 * time.Millisecond),
		pool:           pool,
		executor:       executor,
		ctx:            ctx,
		cancel:         cancel,
		queued:         make(map[string]struct{}),
		active:         make(map[string]*activeJob),
		releaseTimeout: 35 * time.Minute,
	}, nil
}

// -----------------------------
// 启动
// -----------------------------
func (o *Orchestrator) Start() {
	go o.dispatchLoop()
	go o.processRetryQueue()
}

// -----------------------------
// 停止
// -----------------------------
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		klog.V(6).Infof("Orchestrator stopping...")

		// 停止接收新任务，取消正在运行的生成
		o.cancel()
		o.jobQueue.Close()
		o.retryQueue.Close()

		o.mutex.Lock()
		for key, job := range o.active {
			klog.V(6).Infof("Cancelling running job on shutdown: key=%s", key)
			job.cancel()
		}
		o.mutex.Unlock()

		runningTasks := o.pool.Running()
		if runningTasks > 0 {
			klog.V(6).Infof("Waiting for %d running jobs to complete (timeout: %v)", runningTasks, o.releaseTimeout)
		}
		if err := o.pool.ReleaseTimeout(o.releaseTimeout); err != nil {
			klog.Warningf("Timeout after %v: some running jobs may be forced to stop", o.releaseTimeout)
		}

		klog.V(6).Infof("Orchestrator stopped completely")
	})
}

// -----------------------------
// 入队任务
// -----------------------------
func (o *Orchestrator) EnqueueJob(job *Job) error {
	select {
	case <-o.ctx.Done():
		return ErrOrchestratorStopped
	default:
	}

	key := job.Key()
	o.mutex.Lock()
	if _, ok := o.queued[key]; ok {
		o.mutex.Unlock()
		return ErrJobExists
	}
	if _, ok := o.active[key]; ok {
		o.mutex.Unlock()
		return ErrJobExists
	}
	o.queued[key] = struct{}{}
	o.mutex.Unlock()

	if err := o.jobQueue.Enqueue(job); err != nil {
		o.forget(key)
		if errors.Is(err, ErrQueueFull) {
			klog.Warningf("Job queue full: key=%s", key)
		}
		return err
	}
	klog.V(6).Infof("Job enqueued: key=%s", key)
	return nil
}

func (o *Orchestrator) forget(key string) {
	o.mutex.Lock()
	delete(o.queued, key)
	o.mutex.Unlock()
}

// IsActive 该列是否有排队中或运行中的后台任务
func (o *Orchestrator) IsActive(datasetID, columnID string) bool {
	key := JobKey(datasetID, columnID)
	o.mutex.Lock()
	defer o.mutex.Unlock()
	_, queued := o.queued[key]
	_, active := o.active[key]
	return queued || active
}

// -----------------------------
// 取消任务
// -----------------------------
func (o *Orchestrator) register(key string, cancel context.CancelFunc) (*activeJob, bool) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	if _, ok := o.queued[key]; !ok {
		// 排队期间已被取消
		return nil, false
	}
	delete(o.queued, key)
	job := &activeJob{cancel: cancel, done: make(chan struct{})}
	o.active[key] = job
	return job, true
}

func (o *Orchestrator) unregister(key string, job *activeJob) {
	o.mutex.Lock()
	if o.active[key] == job {
		delete(o.active, key)
	}
	o.mutex.Unlock()
	close(job.done)
}

// CancelJob 取消排队中或运行中的列任务，运行中的任务会等待其退出（最多 5 秒）
func (o *Orchestrator) CancelJob(datasetID, columnID string) bool {
	key := JobKey(datasetID, columnID)
	o.mutex.Lock()
	if _, ok := o.queued[key]; ok {
		delete(o.queued, key)
		o.mutex.Unlock()
		klog.V(6).Infof("Cancelling queued job: key=%s", key)
		return true
	}
	job, ok := o.active[key]
	o.mutex.Unlock()
	if !ok {
		return false
	}

	klog.V(6).Infof("Cancelling job: key=%s", key)
	job.cancel()

	select {
	case <-job.done:
	case <-time.After(5 * time.Second):
		klog.Warningf("Job cancel timeout: key=%s", key)
	case <-o.ctx.Done():
	}
	return true
}

// -----------------------------
// Dispatch Loop
// -----------------------------
func (o *Orchestrator) dispatchLoop() {
	for {
		job, ok := o.jobQueue.Dequeue()
		if !ok {
			return
		}
		o.tryDispatch(job)
	}
}

// -----------------------------
// Retry Queue Loop
// -----------------------------
func (o *Orchestrator) processRetryQueue() {
	defer o.retryTicker.Stop()
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Retry queue loop panic recovered: %v", r)
		}
	}()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-o.retryTicker.C:
			for range 10 {
				if o.retryQueue.Len() == 0 {
					break
				}
				job, ok := o.retryQueue.Dequeue()
				if !ok {
					break
				}
				o.tryDispatch(job)
			}
		}
	}
}

// tryDispatch 只负责把任务提交到协程池；提交失败时放入重提交队列
// 生成本身失败不会重试
func (o *Orchestrator) tryDispatch(job *Job) {
	if err := o.pool.Submit(func() {
		o.executeJob(job)
	}); err == nil {
		return
	} else {
		klog.Errorf("提交任务到协程池失败: key=%s, err=%v", job.Key(), err)
	}

	job.submitAttempts++
	if job.submitAttempts >= maxSubmitAttempts {
		klog.Warningf("任务提交已达上限，放弃: key=%s, attempts=%d", job.Key(), job.submitAttempts)
		o.forget(job.Key())
		return
	}
	if err := o.retryQueue.Enqueue(job); err != nil {
		klog.Errorf("任务重新提交入队失败: key=%s, err=%v", job.Key(), err)
		o.forget(job.Key())
	}
}

func (o *Orchestrator) executeJob(job *Job) {
	key := job.Key()

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(o.ctx, timeout)
	defer cancel()

	active, ok := o.register(key, cancel)
	if !ok {
		klog.V(6).Infof("Job cancelled before start: key=%s", key)
		return
	}
	defer o.unregister(key, active)

	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("Job panic recovered: key=%s, err=%v", key, r)
		}
	}()

	start := time.Now()
	if err := o.executor.ExecuteJob(ctx, job); err != nil {
		klog.Warningf("列生成任务失败: key=%s, err=%v", key, err)
		return
	}
	klog.V(6).Infof("Job completed: key=%s, waited=%v, took=%v", key, start.Sub(job.EnqueuedAt), time.Since(start))
}

// -----------------------------
// Queue Status
// -----------------------------
type QueueStatus struct {
	QueueLength   int      `json:"queue_length"`
	RetryLength   int      `json:"retry_length"`
	ActiveWorkers int      `json:"active_workers"`
	ActiveJobs    []string `json:"active_jobs"`
}

func (o *Orchestrator) GetQueueStatus() *QueueStatus {
	o.mutex.Lock()
	jobs := make([]string, 0, len(o.active))
	for key := range o.active {
		jobs = append(jobs, key)
	}
	o.mutex.Unlock()
	return &QueueStatus{
		QueueLength:   o.jobQueue.Len(),
		RetryLength:   o.retryQueue.Len(),
		ActiveWorkers: o.pool.Running(),
		ActiveJobs:    jobs,
	}
}

// -----------------------------
// JobQueue (Ring Buffer) + Reject New
// -----------------------------
type jobQueue struct {
	maxSize int
	items   []*Job
	mutex   sync.Mutex
	cond    *sync.Cond
	closed  bool
}

func newJobQueue(maxSize int) *jobQueue {
	q := &jobQueue{
		maxSize: maxSize,
		items:   make([]*Job, 0, maxSize),
	}
	q.cond = sync.NewCond(&q.mutex)
	return q
}

func (q *jobQueue) Enqueue(job *Job) error {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.closed {
		return ErrOrchestratorStopped
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return ErrQueueFull
	}
	q.items = append(q.items, job)
	q.cond.Signal()
	return nil
}

func (q *jobQueue) Dequeue() (*Job, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	job := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return job, true
}

func (q *jobQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

func (q *jobQueue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mutex.Unlock()
}

// -------------------- Global Orchestrator --------------------
var (
	globalOrchestrator *Orchestrator
	orchestratorOnce   sync.Once
)

func InitGlobalOrchestrator(maxWorkers int, executor JobExecutor) error {
	var initErr error
	orchestratorOnce.Do(func() {
		orch, err := NewOrchestrator(maxWorkers, executor)
		if err != nil {
			initErr = err
			return
		}
		globalOrchestrator = orch
		globalOrchestrator.Start()
		klog.V(6).Infof("Global orchestrator initialized: maxWorkers=%d", maxWorkers)
	})
	return initErr
}

func GetGlobalOrchestrator() *Orchestrator {
	return globalOrchestrator
}

func ShutdownGlobalOrchestrator() {
	if globalOrchestrator != nil {
		globalOrchestrator.Stop()
		klog.V(6).Infof("Global orchestrator shutdown")
	}
}

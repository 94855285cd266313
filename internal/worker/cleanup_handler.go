package worker

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Sweeper 是清理任务对 Coordinator 的最小依赖。
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// CleanupHandler 处理周期性的废弃房间清理任务。
// 扫描失败只记录日志并等待下一个周期，绝不让任务进入重试：
// 错过一次扫描只是推迟回收，24h 的 key 过期兜底保证了最坏情况。
type CleanupHandler struct {
	sweeper Sweeper
}

// NewCleanupHandler 创建 CleanupHandler 实例
func NewCleanupHandler(sweeper Sweeper) *CleanupHandler {
	if sweeper == nil {
		panic("Sweeper cannot be nil for CleanupHandler")
	}
	return &CleanupHandler{sweeper: sweeper}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *CleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	logCtx := logrus.WithFields(logrus.Fields{
		"task_type": t.Type(),
	})
	logCtx.Info("Processing periodic room cleanup task...")

	// 给整次扫描一个超时，避免任务卡死
	sweepCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	removed, err := h.sweeper.Sweep(sweepCtx)
	if err != nil {
		// 软失败：记录并跳过本轮，不返回错误触发重试
		logCtx.WithError(err).Error("Room cleanup sweep failed, skipping until next interval")
		return nil
	}

	logCtx.WithField("removed", removed).Info("Periodic room cleanup task completed")
	return nil
}

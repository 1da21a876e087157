package core

import (
	"sync"
	"time"

	"chat-provider-hub/models"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AsyncEventLogger 异步事件记录器，作为 Registry 的 Subscriber 批量落库
type AsyncEventLogger struct {
	db        *gorm.DB
	eventChan chan models.Event
	logger    *logrus.Logger
	batchSize int
	flushTime time.Duration
	retain    int
	wg        sync.WaitGroup
	quit      chan struct{}
	closeOnce sync.Once
}

// NewAsyncEventLogger retain 为保留的最新事件条数
func NewAsyncEventLogger(db *gorm.DB, retain int, logger *logrus.Logger) *AsyncEventLogger {
	if retain <= 0 {
		retain = 1000
	}
	l := &AsyncEventLogger{
		db:        db,
		eventChan: make(chan models.Event, 1000), // 缓冲 1000 条
		logger:    logger,
		batchSize: 100,             // 批量插入大小
		flushTime: 5 * time.Second, // 最长等待时间
		retain:    retain,
		quit:      make(chan struct{}),
	}
	l.startWorker()
	return l
}

// Notify 提交事件到队列，队列满或已关闭时丢弃
func (l *AsyncEventLogger) Notify(evt models.Event) {
	select {
	case <-l.quit:
		return
	default:
	}
	select {
	case l.eventChan <- evt:
	default:
		l.logger.Warn("Event channel full, dropping registry event")
	}
}

func (l *AsyncEventLogger) startWorker() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.workerLoop()
	}()
}

func (l *AsyncEventLogger) workerLoop() {
	var batch []models.EventLog
	timer := time.NewTicker(l.flushTime)
	defer timer.Stop()

	for {
		select {
		case evt := <-l.eventChan:
			batch = append(batch, toEventLog(evt))
			if len(batch) >= l.batchSize {
				l.flush(batch)
				batch = nil
			}
		case <-timer.C:
			if len(batch) > 0 {
				l.flush(batch)
				batch = nil
			}
		case <-l.quit:
			// 退出前取完队列中剩余事件
			for {
				select {
				case evt := <-l.eventChan:
					batch = append(batch, toEventLog(evt))
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

func toEventLog(evt models.Event) models.EventLog {
	return models.EventLog{
		CreatedAt:    evt.At,
		Type:         string(evt.Type),
		ProviderID:   evt.ProviderID,
		CredentialID: evt.CredentialID,
	}
}

// flush 批量写入并裁剪到最新 retain 条
func (l *AsyncEventLogger) flush(logs []models.EventLog) {
	l.logger.Debugf("[EventLogger] Flushing %d events to DB...", len(logs))

	if err := l.db.CreateInBatches(logs, len(logs)).Error; err != nil {
		l.logger.Errorf("[EventLogger] Failed to flush events: %v", err)
		return
	}

	var count int64
	l.db.Model(&models.EventLog{}).Count(&count)
	if count <= int64(l.retain) {
		return
	}
	var pivotID uint
	l.db.Model(&models.EventLog{}).Select("id").Order("id desc").Offset(l.retain).Limit(1).Scan(&pivotID)
	if pivotID > 0 {
		l.db.Where("id <= ?", pivotID).Delete(&models.EventLog{})
	}
}

// Recent 按时间倒序返回最近的事件，providerID 为空表示全部
func (l *AsyncEventLogger) Recent(providerID string, limit int) ([]models.EventLog, error) {
	if limit <= 0 || limit > l.retain {
		limit = l.retain
	}
	q := l.db.Order("id desc").Limit(limit)
	if providerID != "" {
		q = q.Where("provider_id = ?", providerID)
	}
	var out []models.EventLog
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Close 刷新剩余事件并停止 Worker，可重复调用
func (l *AsyncEventLogger) Close() {
	l.closeOnce.Do(func() {
		close(l.quit)
		l.wg.Wait()
	})
}

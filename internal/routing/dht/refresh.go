package dht

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/meshcore/pkg/lib/log"
)

// Refresher 周期性地为陈旧的桶发起刷新 lookup（§4.2 refresh "every 60
// s, any bucket with a node older than 5 min triggers a lookup"）。
type Refresher struct {
	table   *Table
	querier Querier
	logger  *zap.SugaredLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewRefresher 创建一个绑定到 table/querier 的刷新循环，尚未启动。
func NewRefresher(table *Table, querier Querier) *Refresher {
	return &Refresher{
		table:   table,
		querier: querier,
		logger:  log.Logger("routing.dht"),
		stopCh:  make(chan struct{}),
	}
}

// Start 启动周期刷新循环（§4.2 refresh）。
func (r *Refresher) Start() {
	r.wg.Add(1)
	go r.loop()
}

func (r *Refresher) loop() {
	defer r.wg.Done()
	ticker := r.table.clock.Ticker(RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.refreshStale()
		}
	}
}

func (r *Refresher) refreshStale() {
	now := r.table.clock.Now()
	for _, idx := range r.table.BucketsNeedingRefresh(now) {
		target := RandomIDInBucket(r.table.local, idx)
		ctx, cancel := context.WithTimeout(context.Background(), QueryTimeout*BucketSize)
		_, err := r.table.Lookup(ctx, r.querier, target)
		cancel()
		if err != nil {
			r.logger.Debugw("bucket refresh lookup failed", "bucket", idx, "error", err)
		}
	}
}

// Stop 终止刷新循环（§5 "all timers stop"）。
func (r *Refresher) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

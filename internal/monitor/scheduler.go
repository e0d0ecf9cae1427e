// Package monitor drives the engine on a fixed cadence: the all-store health
// check with alert processing, and the escalation sweep.
package monitor

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/escalation"
	"github.com/storehealth/internal/health"
)

const maxConcurrentStores = 10

type Sweeper interface {
	Sweep(ctx context.Context) (*escalation.SweepResult, error)
}

type HealthChecker interface {
	CheckAllStores(ctx context.Context, date time.Time) (*health.BatchResult, error)
}

type AlertProcessor interface {
	ProcessStoreKpis(ctx context.Context, storeID uint, date time.Time) ([]alert.ProcessItem, error)
}

type Scheduler struct {
	sweeper        Sweeper
	checker        HealthChecker
	alerts         AlertProcessor
	log            logrus.FieldLogger
	sweepInterval  time.Duration
	healthInterval time.Duration
	sem            *semaphore.Weighted
	stopChan       chan struct{}
	done           chan struct{}
	stopOnce       sync.Once
	started        bool
	stats          *Stats

	Now func() time.Time
}

// Stats counts scheduler cycles since start.
type Stats struct {
	mutex           sync.RWMutex
	sweeps          uint64
	failedSweeps    uint64
	healthChecks    uint64
	failedChecks    uint64
	lastSweep       time.Time
	lastSweepTime   time.Duration
	lastHealthCheck time.Time
}

func NewScheduler(sweeper Sweeper, checker HealthChecker, alerts AlertProcessor, sweepInterval, healthInterval time.Duration, log logrus.FieldLogger) *Scheduler {
	return &Scheduler{
		sweeper:        sweeper,
		checker:        checker,
		alerts:         alerts,
		log:            log,
		sweepInterval:  sweepInterval,
		healthInterval: healthInterval,
		sem:            semaphore.NewWeighted(maxConcurrentStores),
		stopChan:       make(chan struct{}),
		done:           make(chan struct{}),
		stats:          &Stats{},
		Now:            time.Now,
	}
}

// Start runs one health check and one sweep, then keeps running both on
// their intervals until Stop is called or ctx ends.
func (s *Scheduler) Start(ctx context.Context) {
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-s.stopChan
		cancel()
	}()

	go func() {
		defer close(s.done)
		defer cancel()

		sweepTicker := time.NewTicker(s.sweepInterval)
		defer sweepTicker.Stop()
		healthTicker := time.NewTicker(s.healthInterval)
		defer healthTicker.Stop()

		s.RunHealthCheck(ctx)
		s.RunSweep(ctx)

		for {
			select {
			case <-sweepTicker.C:
				s.RunSweep(ctx)
			case <-healthTicker.C:
				s.RunHealthCheck(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for the cycle in flight to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.started {
		<-s.done
	}
}

// RunSweep runs one escalation sweep.
func (s *Scheduler) RunSweep(ctx context.Context) error {
	start := time.Now()
	result, err := s.sweeper.Sweep(ctx)

	s.stats.mutex.Lock()
	s.stats.sweeps++
	s.stats.lastSweep = s.Now()
	s.stats.lastSweepTime = time.Since(start)
	if err != nil {
		s.stats.failedSweeps++
	}
	s.stats.mutex.Unlock()

	if err != nil {
		s.log.WithError(err).Error("escalation sweep failed")
		return err
	}
	if len(result.Errors) > 0 {
		s.log.WithField("errors", len(result.Errors)).Warn("escalation sweep finished with errors")
	}
	return nil
}

// RunHealthCheck snapshots every active store for today and opens or
// resolves alerts from the day's KPI statuses.
func (s *Scheduler) RunHealthCheck(ctx context.Context) error {
	date := s.Now()
	err := s.healthCheck(ctx, date)

	s.stats.mutex.Lock()
	s.stats.healthChecks++
	s.stats.lastHealthCheck = date
	if err != nil {
		s.stats.failedChecks++
	}
	s.stats.mutex.Unlock()

	if err != nil {
		s.log.WithError(err).Error("health check failed")
	}
	return err
}

func (s *Scheduler) healthCheck(ctx context.Context, date time.Time) error {
	batch, err := s.checker.CheckAllStores(ctx, date)
	if err != nil {
		return fmt.Errorf("failed to check stores: %w", err)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, store := range batch.Stores {
		if store.Error != "" {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(storeID uint) {
			defer wg.Done()
			defer s.sem.Release(1)

			items, err := s.alerts.ProcessStoreKpis(ctx, storeID, date)
			if err != nil {
				s.log.WithError(err).WithField("store_id", storeID).Error("failed to process store kpis")
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			for _, item := range items {
				if item.Error != "" {
					s.log.WithFields(logrus.Fields{
						"store_id": storeID,
						"kpi_code": item.KpiCode,
						"error":    item.Error,
					}).Warn("kpi alert processing failed")
				}
			}
		}(store.StoreID)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("alert processing failed for %d stores", failed)
	}
	if batch.Overview != nil {
		s.log.WithFields(logrus.Fields{
			"stores":           batch.Overview.TotalStores,
			"red":              batch.Overview.RedStores,
			"requiring_action": batch.Overview.StoresRequiringAction,
		}).Info("health check complete")
	}
	return nil
}

func (s *Scheduler) GetMetrics() map[string]interface{} {
	s.stats.mutex.RLock()
	defer s.stats.mutex.RUnlock()

	return map[string]interface{}{
		"sweeps":                s.stats.sweeps,
		"failed_sweeps":         s.stats.failedSweeps,
		"last_sweep":            s.stats.lastSweep,
		"last_sweep_seconds":    s.stats.lastSweepTime.Seconds(),
		"health_checks":         s.stats.healthChecks,
		"failed_health_checks":  s.stats.failedChecks,
		"last_health_check":     s.stats.lastHealthCheck,
		"goroutines":            runtime.NumGoroutine(),
		"max_concurrent_stores": maxConcurrentStores,
	}
}

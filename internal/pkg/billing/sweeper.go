package billing

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
)

// Sweeper periodically re-processes payments that are still pending after
// minAge, covering webhooks the gateway never delivered.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	minAge   time.Duration
	batch    int

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func NewSweeper(svc *Service, interval, minAge time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if minAge <= 0 {
		minAge = 15 * time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		minAge:   minAge,
		batch:    batch,
	}
}

// Start launches the sweep loop. Calling Start twice is a no-op.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.running {
		return
	}
	sw.running = true
	sw.stopCh = make(chan struct{})

	log.Infof("[Billing] Pending sweeper running (minAge=%s, interval=%s)", sw.minAge, sw.interval)
	sw.wg.Add(1)
	go sw.loop()
}

// Stop stops the loop and waits for an in-progress sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	close(sw.stopCh)
	sw.running = false
	sw.mu.Unlock()

	sw.wg.Wait()
	log.Info("[Billing] Pending sweeper stopped")
}

func (sw *Sweeper) loop() {
	defer sw.wg.Done()
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-sw.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sw.interval)
			if _, err := sw.RunOnce(ctx); err != nil {
				log.Errorf("[Billing] Pending sweep failed: %v", err)
			}
			cancel()
		}
	}
}

// RunOnce re-processes one batch of stale pending payments and returns how
// many were attempted. Individual payment errors are logged, not returned.
func (sw *Sweeper) RunOnce(ctx context.Context) (int, error) {
	if !sw.svc.Available() {
		return 0, nil
	}
	cutoff := sw.svc.now().Add(-sw.minAge)
	recs, err := sw.svc.repo.ListStalePending(ctx, sw.svc.provider, cutoff, sw.batch)
	if err != nil {
		return 0, err
	}

	attempted := 0
	for _, rec := range recs {
		if ctx.Err() != nil {
			break
		}
		ref := rec.ProviderRefValue()
		if ref == "" {
			continue
		}
		attempted++
		res, err := sw.svc.ProcessPayment(ctx, ref)
		if err != nil {
			log.Warnf("[Billing] Sweep of payment %s failed: %v", ref, err)
			continue
		}
		if res.Status != OutcomePending {
			log.Infof("[Billing] Sweep moved payment %s to %s", ref, res.Status)
		}
	}
	return attempted, nil
}

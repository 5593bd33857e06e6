package session

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"
)

// Sweeper runs cache sweeps on a cron cadence, independent of request
// traffic. The default schedule is every 30 minutes.
type Sweeper struct {
	cache    Cache
	spec     string
	last     time.Time
	stop     chan struct{}
	stopOnce sync.Once
	logger   *log.Logger
}

func NewSweeper(cache Cache, spec string) *Sweeper {
	if spec == "" {
		spec = "*/30 * * * *"
	}
	return &Sweeper{
		cache:  cache,
		spec:   spec,
		stop:   make(chan struct{}),
		logger: log.New(log.Writer(), "[SWEEP] ", log.LstdFlags),
	}
}

func (s *Sweeper) Start() {
	s.last = time.Now()
	ticker := time.NewTicker(time.Minute)
	go func() {
		for {
			select {
			case <-s.stop:
				ticker.Stop()
				return
			case <-ticker.C:
				now := time.Now()
				if !isDue(s.spec, s.last, now) {
					continue
				}
				s.last = now
				removed := s.cache.Sweep(context.Background(), now)
				s.logger.Printf("cache sweep removed %d expired entries, %d remain", removed, s.cache.Len(context.Background()))
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// isDue determines whether a sweep scheduled by cronSpec should run now,
// given the time of the last run. Supports "@hourly", "@daily", and
// standard 5-field cron expressions; an invalid expression degrades to a
// 30-minute cadence.
func isDue(cronSpec string, last, now time.Time) bool {
	switch cronSpec {
	case "@daily":
		return now.Sub(last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			return now.Sub(last) >= 30*time.Minute
		}
		next := expr.Next(last)
		return !next.After(now)
	}
}

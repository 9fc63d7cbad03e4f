package retention

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"msgsync/pkg/cache"
	"msgsync/pkg/config"
	"msgsync/pkg/logger"
)

// Service periodically purges old cached messages. The cache is a local
// rendering accelerator, not the system of record, so purged history simply
// falls back to a backend fetch on the next view.
type Service struct {
	cfg  config.RetentionConfig
	stop chan struct{}
	done chan struct{}
}

func New(cfg config.RetentionConfig) *Service {
	return &Service{cfg: cfg, stop: make(chan struct{}), done: make(chan struct{})}
}

// Start validates the schedule and launches the cron loop.
func (s *Service) Start() error {
	if !s.cfg.Enabled {
		close(s.done)
		return nil
	}
	cron := s.cfg.Cron
	if cron == "" {
		cron = "0 2 * * *"
		s.cfg.Cron = cron
	}
	g := gronx.New()
	if !g.IsValid(cron) {
		close(s.done)
		return fmt.Errorf("invalid retention cron expression: %q", cron)
	}
	if _, err := parsePeriod(s.cfg.Period); err != nil {
		close(s.done)
		return err
	}
	go s.loop()
	logger.Info("retention_started", "cron", cron, "period", s.cfg.Period, "dry_run", s.cfg.DryRun)
	return nil
}

// Stop terminates the loop and waits for a run in progress.
func (s *Service) Stop() {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	<-s.done
}

func (s *Service) loop() {
	defer close(s.done)
	g := gronx.New()
	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	var lastRun time.Time
	for {
		select {
		case now := <-t.C:
			minute := now.Truncate(time.Minute)
			if minute.Equal(lastRun) {
				continue
			}
			due, err := g.IsDue(s.cfg.Cron, minute)
			if err != nil || !due {
				continue
			}
			lastRun = minute
			if n, err := RunOnce(s.cfg); err != nil {
				logger.Warn("retention_run_failed", "error", err)
			} else {
				logger.Info("retention_run_done", "purged", n, "dry_run", s.cfg.DryRun)
			}
		case <-s.stop:
			return
		}
	}
}

func parsePeriod(p string) (time.Duration, error) {
	if p == "" {
		return 0, fmt.Errorf("retention period is required when retention is enabled")
	}
	d, err := time.ParseDuration(p)
	if err != nil {
		return 0, fmt.Errorf("invalid retention period %q: %w", p, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("retention period must be positive")
	}
	return d, nil
}

// RunOnce purges messages older than the configured period from every cached
// thread and returns the number of matched keys.
func RunOnce(cfg config.RetentionConfig) (int, error) {
	if !cache.Ready() {
		return 0, nil
	}
	period, err := parsePeriod(cfg.Period)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-period).UnixNano()
	ths, err := cache.ListThreads()
	if err != nil {
		return 0, err
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	total := 0
	for i := range ths {
		for {
			n, err := cache.DeleteMessagesBefore(ths[i].ID, cutoff, batch, cfg.DryRun)
			total += n
			if err != nil {
				return total, err
			}
			if n < batch || cfg.DryRun {
				break
			}
		}
	}
	return total, nil
}

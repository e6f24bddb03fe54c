package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Poller periodically checks a Source for changes. It serves filesystems
// where fsnotify events are unreliable, such as network mounts.
type Poller struct {
	source   Source
	interval time.Duration
	onChange func(ChangeEvent)
	logger   *slog.Logger
	lastHash string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPoller creates a Poller that calls onChange whenever the content of
// source changes and still loads.
func NewPoller(source Source, interval time.Duration, onChange func(ChangeEvent), logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		source:   source,
		interval: interval,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Start fetches the initial hash and launches the background polling goroutine.
func (p *Poller) Start(ctx context.Context) error {
	hash, err := p.source.Hash(ctx)
	if err != nil {
		return fmt.Errorf("config poller: initial hash: %w", err)
	}
	p.lastHash = hash

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop signals the polling goroutine to exit and waits for it to finish.
// It is safe to call Stop multiple times.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkForChanges(ctx)
		}
	}
}

func (p *Poller) checkForChanges(ctx context.Context) {
	hash, err := p.source.Hash(ctx)
	if err != nil {
		p.logger.Error("config poll failed", "source", p.source.Name(), "error", err)
		return
	}
	if hash == p.lastHash {
		return
	}

	cfg, err := p.source.Load(ctx)
	if err != nil {
		p.logger.Error("config load failed", "source", p.source.Name(), "error", err)
		return
	}

	oldHash := p.lastHash
	p.lastHash = hash

	p.onChange(ChangeEvent{
		Source:  p.source.Name(),
		OldHash: oldHash,
		NewHash: hash,
		Config:  cfg,
		Time:    time.Now(),
	})
}

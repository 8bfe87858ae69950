package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/pairsync/internal/logger"
	"github.com/manpreetbhatti/lattice/pairsync/internal/room"
)

type Config struct {
	Interval time.Duration
	// AwarenessTimeout drops presence states not refreshed for this long.
	// Zero disables the sweep.
	AwarenessTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		AwarenessTimeout: 30 * time.Second,
	}
}

// Compactor is the part of the room registry the service drives.
type Compactor interface {
	Compact(ctx context.Context, awarenessTimeout time.Duration) (room.CompactResult, error)
}

type Service struct {
	rooms  Compactor
	config Config
	stop   chan struct{}
	wg     sync.WaitGroup
}

func New(rooms Compactor, config Config) *Service {
	return &Service{
		rooms:  rooms,
		config: config,
		stop:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	logger.Infof("🗜️ Compaction service started (interval: %v, awareness timeout: %v)",
		s.config.Interval, s.config.AwarenessTimeout)
}

func (s *Service) Stop() {
	close(s.stop)
	s.wg.Wait()
	logger.Infof("🗜️ Compaction service stopped")
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if _, err := s.CompactNow(context.Background()); err != nil {
				logger.Errorf("Compaction failed: %v", err)
			}
		}
	}
}

// CompactNow runs one pass over every active room.
func (s *Service) CompactNow(ctx context.Context) (room.CompactResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.config.Interval)
	defer cancel()

	res, err := s.rooms.Compact(ctx, s.config.AwarenessTimeout)
	if err != nil {
		return res, err
	}
	if res.MergedItems > 0 || res.StaleReplica > 0 {
		logger.Infof("🗜️ Compacted %d rooms: %d items merged, %d stale presence states dropped",
			res.Rooms, res.MergedItems, res.StaleReplica)
	}
	return res, nil
}

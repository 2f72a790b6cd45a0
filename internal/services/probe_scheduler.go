package services

import (
	"log"
	"time"

	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
)

// ProbeSchedulerService refreshes account usage metrics on a fixed
// interval so the panel shows reasonably fresh numbers without an admin
// clicking through every account. Probes contend for the session lock
// like any other work, so a running batch simply delays the sweep.
type ProbeSchedulerService struct {
	cfg      *config.Config
	probe    *AccountProbe
	interval time.Duration
	stopChan chan struct{}
}

func NewProbeSchedulerService(cfg *config.Config, probe *AccountProbe) *ProbeSchedulerService {
	return &ProbeSchedulerService{
		cfg:      cfg,
		probe:    probe,
		interval: cfg.ProbeInterval,
		stopChan: make(chan struct{}),
	}
}

// Start runs the periodic sweep loop
func (s *ProbeSchedulerService) Start() {
	log.Printf("ProbeSchedulerService started, sweeping every %s", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			log.Println("ProbeSchedulerService stopped")
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Stop stops the sweep loop
func (s *ProbeSchedulerService) Stop() {
	close(s.stopChan)
}

// sweep probes every non-suspended account whose metrics are stale
func (s *ProbeSchedulerService) sweep() {
	if database.UploadsActive() {
		log.Println("ProbeScheduler: uploads active, skipping sweep")
		return
	}

	cutoff := time.Now().Add(-s.interval)
	var accounts []models.StorageAccount
	if err := database.DB.
		Where("suspended = ? AND (last_check_at IS NULL OR last_check_at < ?)", false, cutoff).
		Find(&accounts).Error; err != nil {
		log.Printf("ProbeScheduler: loading accounts failed: %v", err)
		return
	}

	for i := range accounts {
		if _, err := s.probe.Probe(accounts[i].ID); err != nil {
			log.Printf("ProbeScheduler: probe of %s failed: %v", accounts[i].Alias, err)
		}
	}
}

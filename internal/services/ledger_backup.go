package services

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/provault/backend/internal/config"
	"github.com/provault/backend/internal/database"
	"github.com/provault/backend/internal/models"
	"github.com/provault/backend/internal/security"
)

// LedgerBackupService keeps the replica ledger itself recoverable: the
// remote accounts hold the assets, but only the database knows which
// replica lives where. Dumps run on a schedule, get encrypted, and
// optionally go offsite over FTP.
type LedgerBackupService struct {
	cfg       *config.Config
	backupDir string
	stopChan  chan struct{}
}

func NewLedgerBackupService(cfg *config.Config) *LedgerBackupService {
	backupDir := "/var/backups/provault"
	os.MkdirAll(backupDir, 0755)
	return &LedgerBackupService{
		cfg:       cfg,
		backupDir: backupDir,
		stopChan:  make(chan struct{}),
	}
}

// Start runs the schedule check loop
func (s *LedgerBackupService) Start() {
	log.Println("LedgerBackupService started, checking every 1 minute")

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	s.checkSchedules()

	for {
		select {
		case <-s.stopChan:
			log.Println("LedgerBackupService stopped")
			return
		case <-ticker.C:
			s.checkSchedules()
		}
	}
}

// Stop stops the schedule loop
func (s *LedgerBackupService) Stop() {
	close(s.stopChan)
}

func (s *LedgerBackupService) checkSchedules() {
	var schedules []models.BackupSchedule
	if err := database.DB.Where("is_enabled = ?", true).Find(&schedules).Error; err != nil {
		log.Printf("LedgerBackup: failed to load schedules: %v", err)
		return
	}

	now := time.Now()
	for _, schedule := range schedules {
		if s.isDue(&schedule, now) {
			go s.runBackup(&schedule)
		}
	}
}

// isDue checks whether a schedule should fire within this minute window
func (s *LedgerBackupService) isDue(schedule *models.BackupSchedule, now time.Time) bool {
	hour, minute := 2, 0
	if schedule.TimeOfDay != "" {
		fmt.Sscanf(schedule.TimeOfDay, "%d:%d", &hour, &minute)
	}
	if now.Hour() != hour || now.Minute() != minute {
		return false
	}

	switch schedule.Frequency {
	case "daily":
		return true
	case "weekly":
		return int(now.Weekday()) == schedule.DayOfWeek
	case "monthly":
		return now.Day() == schedule.DayOfMonth
	}
	return false
}

func (s *LedgerBackupService) runBackup(schedule *models.BackupSchedule) {
	startTime := time.Now()

	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "running",
		"last_run_at": startTime,
	})

	backupLog := models.BackupLog{
		ScheduleID:   &schedule.ID,
		ScheduleName: schedule.Name,
		Status:       "running",
		StartedAt:    startTime,
	}
	database.DB.Create(&backupLog)

	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s_scheduled.dump", timestamp))
	filename := fmt.Sprintf("provault_%s_scheduled.provault.bak", timestamp)
	localPath := filepath.Join(s.backupDir, filename)

	err := s.dumpDatabase(tempFile)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	err = security.EncryptFile(tempFile, localPath)
	os.Remove(tempFile)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, fmt.Errorf("encryption failed: %v", err), startTime)
		return
	}

	fileInfo, err := os.Stat(localPath)
	if err != nil {
		s.handleBackupError(schedule, &backupLog, err, startTime)
		return
	}

	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StoragePath = localPath

	if schedule.FTPEnabled && (schedule.StorageType == "ftp" || schedule.StorageType == "both") {
		err = s.uploadToFTP(schedule, localPath, filename)
		if err != nil {
			log.Printf("LedgerBackup: FTP upload failed for %s: %v", schedule.Name, err)
			if schedule.StorageType == "ftp" {
				s.handleBackupError(schedule, &backupLog, fmt.Errorf("FTP upload failed: %v", err), startTime)
				return
			}
		} else {
			backupLog.StorageType = "both"
			backupLog.StoragePath = fmt.Sprintf("local:%s, ftp:%s/%s", localPath, schedule.FTPPath, filename)
		}
	}

	if schedule.Retention > 0 {
		s.cleanOldBackups(schedule)
	}

	nextRun := calculateNextRun(schedule)
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status":      "success",
		"last_error":       "",
		"last_backup_file": filename,
		"next_run_at":      nextRun,
	})

	completedAt := time.Now()
	backupLog.Status = "success"
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	if backupLog.StorageType == "" {
		backupLog.StorageType = "local"
	}
	database.DB.Save(&backupLog)

	log.Printf("LedgerBackup: backup completed for %s (%s, %d bytes)",
		schedule.Name, filename, fileInfo.Size())
}

// dumpDatabase runs pg_dump in custom format (compressed binary)
func (s *LedgerBackupService) dumpDatabase(destPath string) error {
	cmd := exec.Command("pg_dump",
		"-h", s.cfg.DBHost,
		"-p", strconv.Itoa(s.cfg.DBPort),
		"-U", s.cfg.DBUser,
		"-d", s.cfg.DBName,
		"-Fc",
		"-f", destPath,
		"--no-owner",
		"--no-acl",
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", s.cfg.DBPassword))

	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %s", err.Error(), string(output))
	}
	return nil
}

// uploadToFTP sends an encrypted dump to the offsite FTP destination
func (s *LedgerBackupService) uploadToFTP(schedule *models.BackupSchedule, localPath, filename string) error {
	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return fmt.Errorf("FTP connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(schedule.FTPUsername, schedule.FTPPassword); err != nil {
		return fmt.Errorf("FTP login failed: %v", err)
	}

	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		if err := conn.ChangeDir(schedule.FTPPath); err != nil {
			conn.MakeDir(schedule.FTPPath)
			if err := conn.ChangeDir(schedule.FTPPath); err != nil {
				return fmt.Errorf("FTP directory change failed: %v", err)
			}
		}
	}

	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open local file: %v", err)
	}
	defer file.Close()

	if err := conn.Stor(filename, file); err != nil {
		return fmt.Errorf("FTP upload failed: %v", err)
	}

	log.Printf("LedgerBackup: uploaded %s to FTP %s", filename, schedule.FTPHost)
	return nil
}

// cleanOldBackups removes dumps older than the retention window
func (s *LedgerBackupService) cleanOldBackups(schedule *models.BackupSchedule) {
	cutoff := time.Now().AddDate(0, 0, -schedule.Retention)

	files, err := os.ReadDir(s.backupDir)
	if err != nil {
		return
	}
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		name := file.Name()
		if info.ModTime().Before(cutoff) && strings.HasSuffix(name, ".provault.bak") {
			os.Remove(filepath.Join(s.backupDir, name))
			log.Printf("LedgerBackup: deleted old backup %s", name)
		}
	}

	if schedule.FTPEnabled {
		s.cleanOldFTPBackups(schedule, cutoff)
	}
}

func (s *LedgerBackupService) cleanOldFTPBackups(schedule *models.BackupSchedule, cutoff time.Time) {
	addr := fmt.Sprintf("%s:%d", schedule.FTPHost, schedule.FTPPort)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		return
	}
	defer conn.Quit()

	if err := conn.Login(schedule.FTPUsername, schedule.FTPPassword); err != nil {
		return
	}
	if schedule.FTPPath != "" && schedule.FTPPath != "/" {
		conn.ChangeDir(schedule.FTPPath)
	}

	entries, err := conn.List("")
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.Type == ftp.EntryTypeFile && entry.Time.Before(cutoff) &&
			strings.HasSuffix(entry.Name, ".provault.bak") {
			conn.Delete(entry.Name)
			log.Printf("LedgerBackup: deleted old FTP backup %s", entry.Name)
		}
	}
}

// calculateNextRun computes the next fire time for a schedule. Exported
// through the handlers when a schedule is created or edited.
func calculateNextRun(schedule *models.BackupSchedule) time.Time {
	now := time.Now()

	hour, minute := 2, 0
	if schedule.TimeOfDay != "" {
		fmt.Sscanf(schedule.TimeOfDay, "%d:%d", &hour, &minute)
	}

	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())

	switch schedule.Frequency {
	case "daily":
		if !next.After(now) {
			next = next.AddDate(0, 0, 1)
		}
	case "weekly":
		daysUntil := (schedule.DayOfWeek - int(now.Weekday()) + 7) % 7
		if daysUntil == 0 && !next.After(now) {
			daysUntil = 7
		}
		next = next.AddDate(0, 0, daysUntil)
	case "monthly":
		next = time.Date(now.Year(), now.Month(), schedule.DayOfMonth, hour, minute, 0, 0, now.Location())
		if !next.After(now) {
			next = next.AddDate(0, 1, 0)
		}
	}
	return next
}

// CalculateNextRunForSchedule recomputes next_run_at for handler writes
func CalculateNextRunForSchedule(schedule *models.BackupSchedule) time.Time {
	return calculateNextRun(schedule)
}

// RunManualBackup runs an immediate dump outside the schedule loop
func (s *LedgerBackupService) RunManualBackup(ftpConfig *models.BackupSchedule, userID uint, username string) (*models.BackupLog, error) {
	startTime := time.Now()

	backupLog := models.BackupLog{
		ScheduleName: fmt.Sprintf("manual by %s (#%d)", username, userID),
		Status:       "running",
		StartedAt:    startTime,
	}
	database.DB.Create(&backupLog)

	timestamp := startTime.Format("20060102_150405")
	tempFile := filepath.Join(s.backupDir, fmt.Sprintf(".temp_%s.dump", timestamp))
	filename := fmt.Sprintf("provault_%s.provault.bak", timestamp)
	localPath := filepath.Join(s.backupDir, filename)

	err := s.dumpDatabase(tempFile)
	if err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = err.Error()
		backupLog.CompletedAt = time.Now()
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	err = security.EncryptFile(tempFile, localPath)
	os.Remove(tempFile)
	if err != nil {
		backupLog.Status = "failed"
		backupLog.ErrorMessage = fmt.Sprintf("encryption failed: %v", err)
		backupLog.CompletedAt = time.Now()
		database.DB.Save(&backupLog)
		return &backupLog, err
	}

	fileInfo, _ := os.Stat(localPath)
	backupLog.Filename = filename
	backupLog.FileSize = fileInfo.Size()
	backupLog.StoragePath = localPath
	backupLog.StorageType = "local"

	if ftpConfig != nil && ftpConfig.FTPEnabled {
		if err := s.uploadToFTP(ftpConfig, localPath, filename); err != nil {
			backupLog.ErrorMessage = fmt.Sprintf("local backup succeeded, FTP failed: %v", err)
		} else {
			backupLog.StorageType = "both"
		}
	}

	completedAt := time.Now()
	backupLog.Status = "success"
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	database.DB.Save(&backupLog)

	return &backupLog, nil
}

// TestFTPConnection verifies FTP credentials and path before a schedule
// is saved.
func TestFTPConnection(host string, port int, username, password, path string) error {
	addr := fmt.Sprintf("%s:%d", host, port)
	conn, err := ftp.Dial(addr, ftp.DialWithTimeout(10*time.Second))
	if err != nil {
		return fmt.Errorf("connection failed: %v", err)
	}
	defer conn.Quit()

	if err := conn.Login(username, password); err != nil {
		return fmt.Errorf("login failed: %v", err)
	}

	if path != "" && path != "/" {
		if err := conn.ChangeDir(path); err != nil {
			if err := conn.MakeDir(path); err != nil {
				return fmt.Errorf("cannot access or create directory %s: %v", path, err)
			}
		}
	}
	return nil
}

func (s *LedgerBackupService) handleBackupError(schedule *models.BackupSchedule, backupLog *models.BackupLog, err error, startTime time.Time) {
	log.Printf("LedgerBackup: backup failed for %s: %v", schedule.Name, err)

	completedAt := time.Now()
	database.DB.Model(schedule).Updates(map[string]interface{}{
		"last_status": "failed",
		"last_error":  err.Error(),
	})

	backupLog.Status = "failed"
	backupLog.ErrorMessage = err.Error()
	backupLog.CompletedAt = completedAt
	backupLog.Duration = int(completedAt.Sub(startTime).Seconds())
	database.DB.Save(backupLog)
}

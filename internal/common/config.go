package common

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds all application configuration
type Config struct {
	Storage StorageConfig
	OCR     OCRConfig
	Sweep   SweepConfig
}

// StorageConfig holds persistence-related configuration
type StorageConfig struct {
	Dir           string `validate:"required"` // directory for the sqlite files
	SourceRoot    string // folder the ingest sweep watches; optional for tools given a folder argument
	BusyTimeoutMS int    `validate:"min=0"`
	WALMode       bool
}

// OCRConfig holds extraction-related configuration
type OCRConfig struct {
	Pdftotext     string // binary name or absolute path; if empty -> "pdftotext"
	Pdftoppm      string // binary name or absolute path; if empty -> "pdftoppm"
	Tesseract     string // binary name or absolute path; if empty -> "tesseract"
	TesseractLang string
	StagingKeep   int `validate:"min=1"` // staged copies retained after pruning
	MemoCapacity  int `validate:"min=1"`
}

// SweepConfig holds timings for the background maintenance sweeps
type SweepConfig struct {
	RunningStale  time.Duration `validate:"required"`
	QueuedStale   time.Duration `validate:"required"`
	SweepInterval time.Duration `validate:"required"`
	PruneAge      time.Duration `validate:"required"`
	Throttle      time.Duration
	MaxAttempts   int `validate:"min=1"`
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Dir:           getEnv("DOCSORT_STORAGE_DIR", defaultStorageDir()),
			SourceRoot:    getEnv("DOCSORT_SOURCE_ROOT", ""),
			BusyTimeoutMS: getEnvAsInt("DOCSORT_DB_BUSY_TIMEOUT_MS", 5000),
			WALMode:       getEnv("DOCSORT_DB_WAL", "1") != "0",
		},
		OCR: OCRConfig{
			Pdftotext:     getEnv("PDFTOTEXT_CMD", ""),
			Pdftoppm:      getEnv("PDFTOPPM_CMD", ""),
			Tesseract:     getEnv("TESSERACT_CMD", ""),
			TesseractLang: getEnv("TESSERACT_LANG", "eng"),
			StagingKeep:   getEnvAsInt("DOCSORT_STAGING_KEEP", 100),
			MemoCapacity:  getEnvAsInt("DOCSORT_MEMO_CAPACITY", 128),
		},
		Sweep: SweepConfig{
			RunningStale:  getEnvAsDuration("DOCSORT_RUNNING_STALE", 300*time.Second),
			QueuedStale:   getEnvAsDuration("DOCSORT_QUEUED_STALE", 1800*time.Second),
			SweepInterval: getEnvAsDuration("DOCSORT_SWEEP_INTERVAL", 30*time.Second),
			PruneAge:      getEnvAsDuration("DOCSORT_PRUNE_AGE", 14*24*time.Hour),
			Throttle:      getEnvAsDuration("DOCSORT_THROTTLE", time.Second),
			MaxAttempts:   getEnvAsInt("DOCSORT_MAX_ATTEMPTS", 3),
		},
	}
}

// Validate validates the loaded configuration
func (c *Config) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".docsort"
	}
	return filepath.Join(home, ".docsort")
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

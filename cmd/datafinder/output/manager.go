package output

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Sink stores an exported file and returns where it went
type Sink interface {
	Write(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// OutputManager writes the exports and logs of one run into a timestamped
// directory
type OutputManager struct {
	baseDir   string
	timestamp string
	logFile   *os.File
	log       zerolog.Logger
}

var _ Sink = (*OutputManager)(nil)

// NewOutputManager creates <baseDir>/<timestamp>/logs/app.log and a logger
// that writes to both console and the log file.
func NewOutputManager(baseDir string, console io.Writer, level zerolog.Level) (*OutputManager, error) {
	timestamp := time.Now().Format("20060102_150405")

	outputPath := filepath.Join(baseDir, timestamp)
	if err := os.MkdirAll(outputPath, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	logsDir := filepath.Join(outputPath, "logs")
	if err := os.MkdirAll(logsDir, os.ModePerm); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFile, err := os.Create(filepath.Join(logsDir, "app.log"))
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}

	consoleWriter := zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.Out = console
	})
	multiWriter := zerolog.MultiLevelWriter(consoleWriter, logFile)

	combinedLogger := zerolog.New(multiWriter).
		Level(level).
		With().
		Timestamp().
		Caller().
		Logger()

	return &OutputManager{
		baseDir:   outputPath,
		timestamp: timestamp,
		logFile:   logFile,
		log:       combinedLogger,
	}, nil
}

// Write stores data as <output dir>/<name>.
func (om *OutputManager) Write(_ context.Context, name, contentType string, data []byte) (string, error) {
	outputPath := om.Path(name)
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}

	om.log.Info().
		Str("file", outputPath).
		Str("content_type", contentType).
		Int("bytes", len(data)).
		Msg("Wrote export")
	return outputPath, nil
}

// WriteToJSON writes data to <prefix>_<timestamp>.json in the output directory
func (om *OutputManager) WriteToJSON(data any, prefix string) (string, error) {
	filename := fmt.Sprintf("%s_%s.json", prefix, om.timestamp)
	outputPath := om.Path(filename)

	file, err := os.Create(outputPath)
	if err != nil {
		return "", fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")

	if err := encoder.Encode(data); err != nil {
		return "", fmt.Errorf("failed to encode data to JSON: %w", err)
	}

	om.log.Debug().
		Str("file", outputPath).
		Str("prefix", prefix).
		Msg("Wrote data to JSON file")

	return outputPath, nil
}

func (om *OutputManager) Logger() zerolog.Logger {
	return om.log
}

// Path returns the full path for a given filename
func (om *OutputManager) Path(filename string) string {
	return filepath.Join(om.baseDir, filename)
}

func (om *OutputManager) Timestamp() string {
	return om.timestamp
}

func (om *OutputManager) BaseDir() string {
	return om.baseDir
}

// Close closes the log file.
func (om *OutputManager) Close() error {
	return om.logFile.Close()
}

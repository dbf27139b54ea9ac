package job

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger returns the job's logger, creating it on first use.
//
// After AttachLog, entries are also written to the compile log.
func (j *Job) Logger() *zap.Logger {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.loggerLocked()
}

func (j *Job) loggerLocked() *zap.Logger {
	if j.logger == nil {
		j.logger = j.parent.With(zap.String("job_id", j.id), zap.String("module", j.module))
	}
	return j.logger
}

// AttachLog opens path for append and tees the job logger into it.
func (j *Job) AttachLog(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open compile log: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logFile != nil {
		_ = f.Close()
		return StateErrorf(j.id, "attach log", "a compile log is already attached")
	}

	sink := zapcore.Lock(f)
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, zapcore.DebugLevel)

	base := j.loggerLocked()
	j.logger = base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	j.logFile = f
	j.logSink = sink
	return nil
}

// LogWriter returns a writer appending to the attached compile log, shared
// with the job logger. Without an attached log it discards.
func (j *Job) LogWriter() io.Writer {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logSink == nil {
		return io.Discard
	}
	return j.logSink
}

// CloseLog detaches and closes the compile log. Safe to call repeatedly.
func (j *Job) CloseLog() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.logFile == nil {
		return nil
	}
	_ = j.logSink.Sync()
	err := j.logFile.Close()
	j.logFile = nil
	j.logSink = nil
	j.logger = j.parent.With(zap.String("job_id", j.id), zap.String("module", j.module))
	return err
}

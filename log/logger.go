package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Logger はファイルに書き込むロガーです。
// slog のハンドラの出力先 (io.Writer) としても使われます。
type Logger struct {
	logFile    *os.File
	logMutex   sync.Mutex
	fileLogger *log.Logger
	echo       io.Writer // nil でなければファイルと同じ内容を書き出す
}

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

func GetLogger() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func SetLogger(l *Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil && logger != l {
		logger.Close()
	}
	logger = l
}

// NewLogger creates a new logger that writes to the specified file
func NewLogger(filename string) (*Logger, error) {
	logFile, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("ログファイルを開けませんでした: %w", err)
	}

	return &Logger{
		logFile:    logFile,
		fileLogger: log.New(logFile, "", log.LstdFlags|log.Lmicroseconds),
	}, nil
}

// SetEcho は書き込み内容を複製する出力先を設定します (デバッグ時の stderr など)
func (l *Logger) SetEcho(w io.Writer) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	l.echo = w
}

func (l *Logger) Close() {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile != nil {
		_ = l.logFile.Close()
		l.logFile = nil
		l.fileLogger = nil
	}
}

// Log writes a message to the log file
func (l *Logger) Log(format string, v ...interface{}) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.fileLogger != nil {
		l.fileLogger.Printf(format, v...)
	}
	if l.echo != nil {
		_, _ = fmt.Fprintf(l.echo, format+"\n", v...)
	}
}

// Write は io.Writer を実装します。slog.TextHandler の出力はここを通ります。
func (l *Logger) Write(p []byte) (int, error) {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()
	if l.echo != nil {
		_, _ = l.echo.Write(p)
	}
	if l.logFile == nil {
		return len(p), nil
	}
	return l.logFile.Write(p)
}

// Rotate closes and reopens the log file
func (l *Logger) Rotate() error {
	l.logMutex.Lock()
	defer l.logMutex.Unlock()

	if l.logFile == nil {
		return nil // No log file to rotate
	}

	currentLogPath := l.logFile.Name()
	_ = l.logFile.Close()

	logFile, err := os.OpenFile(currentLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		l.logFile = nil
		l.fileLogger = nil
		return fmt.Errorf("ログファイルを再オープンできませんでした: %w", err)
	}

	l.fileLogger = log.New(logFile, "", log.LstdFlags|log.Lmicroseconds)
	l.logFile = logFile

	return nil
}

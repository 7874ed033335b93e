package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	role       = "host"
	instanceID string
	idOnce     sync.Once
	debug      atomic.Bool

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

// initLogWorker starts the async log worker goroutine. Caller holds logMu.
func initLogWorker() {
	logWorker.Do(func() {
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// Setup sets the process role used in the log prefix ("host" or "client") and
// the minimum level. Call once from main before any goroutine logs.
func Setup(processRole, level string) {
	if processRole != "" {
		role = processRole
	}
	SetLevel(level)
}

// SetLevel enables or disables debug output.
func SetLevel(level string) {
	debug.Store(strings.EqualFold(level, "debug"))
}

// DebugEnabled reports whether debug output is on.
func DebugEnabled() bool {
	return debug.Load()
}

// GetInstanceID returns the identifier printed in every log line
func GetInstanceID() string {
	idOnce.Do(func() {
		// LINUXPLAY_INSTANCE first (allows a fixed id), then HOSTNAME, then os.Hostname
		instanceID = os.Getenv("LINUXPLAY_INSTANCE")
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				instanceID = hostname
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

func prefix(msg string) string {
	return fmt.Sprintf("[%s=%s] %s", role, GetInstanceID(), msg)
}

func enqueue(logMsg string) {
	logMu.Lock()
	defer logMu.Unlock()

	initLogWorker()
	select {
	case logChan <- logMsg:
	default:
		// Channel is full, log directly to avoid blocking
		log.Print(logMsg)
	}
}

// Logf logs a formatted message with instance prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	enqueue(prefix(fmt.Sprintf(format, v...)))
}

// Log logs a message with instance prefix (async, non-blocking)
func Log(v ...interface{}) {
	enqueue(prefix(fmt.Sprint(v...)))
}

// Debugf logs only when the level is debug
func Debugf(format string, v ...interface{}) {
	if !debug.Load() {
		return
	}
	enqueue(prefix("[debug] " + fmt.Sprintf(format, v...)))
}

// Fatalf logs a fatal error and exits (synchronous for fatal errors)
func Fatalf(format string, v ...interface{}) {
	Flush()
	log.Fatal(prefix(fmt.Sprintf(format, v...)))
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}

// Package rlog provides the colored, PID-prefixed logging style used
// throughout the relay and successor processes, so that a donor and its
// successor remain visually distinguishable when run side by side.
package rlog

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"
)

var ansiColors = []string{"\033[31m", "\033[32m", "\033[33m", "\033[34m", "\033[35m", "\033[36m"}

// Logger prefixes every line with a process PID and a color fixed at
// construction time.
type Logger struct {
	pid   int
	color string
}

// New picks a random color for the calling process and returns a Logger
// bound to its PID.
func New() *Logger {
	pid := os.Getpid()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano() + int64(pid)))
	return &Logger{pid: pid, color: ansiColors[rnd.Intn(len(ansiColors))]}
}

// Logf prints a formatted, colored, PID-prefixed log line.
func (l *Logger) Logf(format string, args ...interface{}) {
	log.Printf("%s[%d] %s\033[0m", l.color, l.pid, fmt.Sprintf(format, args...))
}

// Phase prints a colored section banner, used at the start/end of notable
// lifecycle stretches (relay or successor starting to serve, shutdown
// requested).
func (l *Logger) Phase(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Printf("%s[%d] ==================== %s ====================\033[0m", l.color, l.pid, msg)
}

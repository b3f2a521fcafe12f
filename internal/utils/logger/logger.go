package logger

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/pterm/pterm"
)

// Logger gates verbose/debug output and serializes writes so worker
// goroutines and the progress renderer do not interleave lines.
type Logger struct {
	mu      sync.Mutex
	verbose bool
	debug   bool
}

var DefaultLogger *Logger

func init() {
	DefaultLogger = &Logger{}

	pterm.EnableDebugMessages()

	safeWriter := NewSafeWriter(os.Stdout)

	pterm.Info = *pterm.Info.WithWriter(safeWriter)
	pterm.Debug = *pterm.Debug.WithWriter(safeWriter)
	pterm.Error = *pterm.Error.WithWriter(safeWriter)
	pterm.Warning = *pterm.Warning.WithWriter(safeWriter)
	pterm.Success = *pterm.Success.WithWriter(safeWriter)
}

// Event is a single log statement under construction.
type Event struct {
	logger        *Logger
	printer       pterm.PrefixPrinter
	jobID         string
	correlationID string
	host          string
	metadata      map[string]string
}

// SafeWriter prepends \r so log lines don't collide with an active
// spinner/progress line, and guarantees a trailing newline.
type SafeWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func NewSafeWriter(w io.Writer) *SafeWriter {
	return &SafeWriter{w: w}
}

func (sw *SafeWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	newP := make([]byte, 0, len(p)+2)
	newP = append(newP, '\r')
	newP = append(newP, p...)
	if !bytes.HasSuffix(newP, []byte("\n")) {
		newP = append(newP, '\n')
	}

	return sw.w.Write(newP)
}

func (l *Logger) newEvent(printer pterm.PrefixPrinter) *Event {
	return &Event{
		logger:   l,
		printer:  printer,
		metadata: make(map[string]string),
	}
}

// Core logging methods
func Info() *Event {
	return DefaultLogger.newEvent(pterm.Info)
}

func Success() *Event {
	return DefaultLogger.newEvent(pterm.Success)
}

func Error() *Event {
	return DefaultLogger.newEvent(pterm.Error)
}

func Warning() *Event {
	return DefaultLogger.newEvent(pterm.Warning)
}

func Debug() *Event {
	if !DefaultLogger.IsDebugEnabled() {
		return nil
	}
	return DefaultLogger.newEvent(pterm.Debug)
}

func Verbose() *Event {
	if !DefaultLogger.IsVerboseEnabled() {
		return nil
	}
	return DefaultLogger.newEvent(pterm.Info)
}

func (e *Event) Msgf(format string, args ...any) {
	if e == nil {
		return
	}

	e.logger.mu.Lock()
	defer e.logger.mu.Unlock()

	var meta string
	for k, v := range e.metadata {
		meta += " " + pterm.Bold.Sprint(k) + "=" + v
	}

	var jobStr string
	if e.jobID != "" {
		jobStr = pterm.FgCyan.Sprintf("[job:%s] ", e.jobID)
	}

	var corrStr string
	if e.correlationID != "" {
		corrStr = pterm.FgYellow.Sprintf("[%s] ", e.correlationID)
	}

	var hostStr string
	if e.host != "" {
		hostStr = pterm.FgMagenta.Sprintf("[%s] ", e.host)
	}

	message := jobStr + corrStr + hostStr + format + meta
	e.printer.Printfln(message, args...)
}

func (e *Event) Msg(msg string) {
	e.Msgf("%s", msg)
}

// JobID tags the event with the owning job.
func (e *Event) JobID(id string) *Event {
	if e == nil {
		return nil
	}
	e.jobID = id
	return e
}

// CorrelationID tags the event with the caller-supplied request id.
func (e *Event) CorrelationID(id string) *Event {
	if e == nil {
		return nil
	}
	e.correlationID = id
	return e
}

// Host tags the event with the target host.
func (e *Event) Host(host string) *Event {
	if e == nil {
		return nil
	}
	e.host = host
	return e
}

func (e *Event) Metadata(key, value string) *Event {
	if e == nil {
		return nil
	}
	e.metadata[key] = value
	return e
}

// Logger control methods
func (l *Logger) EnableDebug() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debug = true
}

func (l *Logger) EnableVerbose() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = true
}

func (l *Logger) IsDebugEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.debug
}

func (l *Logger) IsVerboseEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func IsDebugEnabled() bool {
	return DefaultLogger.IsDebugEnabled()
}

func IsVerboseEnabled() bool {
	return DefaultLogger.IsVerboseEnabled()
}

// Package serialmux multiplexes the line stream of the vehicle's sensor board
// to multiple subscribers and serialises commands written back to it.
package serialmux

import (
	"bufio"
	"bytes"
	"context"
	crand "crypto/rand"
	"embed"
	"encoding/hex"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tailscale.com/tsweb"
)

var ErrWriteFailed = fmt.Errorf("failed to write to serial port")

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// subscriberBuffer is the per-subscriber queue depth. At 50 Hz per channel
// this absorbs a few ticks of consumer latency before lines are dropped.
const subscriberBuffer = 64

// maxLineLength bounds a single sensor line.
const maxLineLength = 4096

// SerialMux fans out lines read from a single serial port to any number of
// subscribers.
type SerialMux[T SerialPorter] struct {
	port         T
	subscribers  map[string]chan string
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      atomic.Bool

	lines   atomic.Uint64
	dropped atomic.Uint64
}

// SerialMuxInterface is the behaviour shared by real, mock and disabled muxes.
type SerialMuxInterface interface {
	// Subscribe returns a channel of lines read from the port and the ID
	// used to Unsubscribe it.
	Subscribe() (string, chan string)
	Unsubscribe(string)
	// SendCommand writes a newline-terminated command to the port.
	SendCommand(string) error
	// Monitor reads lines until ctx is done or the port fails.
	Monitor(context.Context) error
	Close() error

	Initialize() error

	// AttachAdminRoutes attaches the send-command and live tail endpoints
	// under /debug/.
	AttachAdminRoutes(*http.ServeMux)
}

// NewSerialMux wraps port.
func NewSerialMux[T SerialPorter](port T) *SerialMux[T] {
	return &SerialMux[T]{
		port:        port,
		subscribers: make(map[string]chan string),
	}
}

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan string) {
	id := randomID()
	ch := make(chan string, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Initialize synchronises the sensor board clock to the host and enables
// line streaming of the IMU, encoder and actuator channels.
func (s *SerialMux[T]) Initialize() error {
	command := fmt.Sprintf("C=%d", time.Now().UnixMilli())
	if err := s.SendCommand(command); err != nil {
		return fmt.Errorf("failed to synchronize clock: %w", err)
	}

	for _, command := range []string{
		"S+imu", // stream IMU samples
		"S+enc", // stream wheel encoder counts
		"S+ecu", // echo actuator commands
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}

	return nil
}

// SendCommand writes command to the port, appending a newline if missing.
func (s *SerialMux[T]) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !strings.HasSuffix(command, "\n") {
		command += "\n"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor reads lines from the port and delivers them to subscribers. A
// subscriber whose queue is full misses the line; the reader never blocks on
// a slow consumer.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	scan := bufio.NewScanner(s.port)
	scan.Buffer(make([]byte, 0, 512), maxLineLength)

	lineChan := make(chan string)
	scanErrChan := make(chan error, 1)

	// The blocking Scan runs on its own goroutine so cancellation is seen
	// promptly.
	go func() {
		defer close(lineChan)
		for scan.Scan() {
			select {
			case lineChan <- scan.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scan.Err(); err != nil {
			scanErrChan <- err
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-lineChan:
			if !ok {
				select {
				case err := <-scanErrChan:
					return err
				default:
					return nil
				}
			}
			if s.closing.Load() {
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			s.lines.Add(1)

			s.subscriberMu.Lock()
			for _, ch := range s.subscribers {
				select {
				case ch <- line:
				default:
					s.dropped.Add(1)
				}
			}
			s.subscriberMu.Unlock()
		}
	}
}

// Stats returns the number of lines read and subscriber deliveries dropped.
func (s *SerialMux[T]) Stats() (lines, dropped uint64) {
	return s.lines.Load(), s.dropped.Load()
}

func (s *SerialMux[T]) Close() error {
	s.closing.Store(true)

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	return s.port.Close()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, s, func() string {
		lines, dropped := s.Stats()
		return fmt.Sprintf("lines=%d dropped=%d", lines, dropped)
	})
}

// attachAdminRoutes registers the debug pages for any mux implementation.
func attachAdminRoutes(mux *http.ServeMux, s SerialMuxInterface, stats func() string) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "send a command to the sensor board", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		if err := sendCommandTemplate.Execute(buf, map[string]string{"Stats": stats()}); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		io.Copy(w, buf)
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(command); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote command %q to serial port", command))
	})

	// Server-sent events of every line read from the port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}

// Package serialmux connects a ThinkGear headset on a serial port to a decode
// pipeline and fans the emitted records out to any number of subscribers.
package serialmux

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"tailscale.com/tsweb"

	"github.com/banshee-data/eeg.report/internal/pipeline"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")
)

// ThinkGear command bytes understood by MindSet-class headsets.
const (
	CommandNormal9600   byte = 0x00
	CommandRaw57600     byte = 0x02
	CommandFFTBaud57600 byte = 0x03
)

// subscriberBuffer is the per-subscriber queue length. At 512 records a
// second a slow subscriber drops records rather than stall decoding.
const subscriberBuffer = 64

// SerialMux owns a headset port and the pipeline decoding it, and lets
// multiple clients subscribe to the records the pipeline emits.
type SerialMux[T SerialPorter] struct {
	port     T
	pipeline *pipeline.Pipeline

	subscribers  map[string]chan pipeline.Record
	subscriberMu sync.Mutex
	commandMu    sync.Mutex
	closing      bool
	closingMu    sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// SerialMuxInterface defines the interface for the SerialMux type.
type SerialMuxInterface interface {
	// Subscribe creates a new channel for receiving records. The channel ID
	// is used to identify the unique channel when unsubscribing.
	Subscribe() (string, chan pipeline.Record)
	// Unsubscribe removes a channel from the list of subscribers.
	Unsubscribe(string)
	// SendCommand writes raw command bytes to the headset.
	SendCommand([]byte) error
	// Monitor decodes the port until it fails or ctx is done.
	Monitor(context.Context) error
	// Close closes all subscribed channels and closes the serial port.
	Close() error

	Initialize() error

	// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
	// mux served at /debug/. These routes are accessible only over
	// localhost/via Tailscale and are not publicly accessible.
	AttachAdminRoutes(*http.ServeMux)
}

var _ SerialMuxInterface = (*SerialMux[SerialPorter])(nil)

// NewSerialMux creates a SerialMux reading port through p. The mux registers
// itself as a sink on p.
func NewSerialMux[T SerialPorter](port T, p *pipeline.Pipeline) *SerialMux[T] {
	s := &SerialMux[T]{
		port:        port,
		pipeline:    p,
		subscribers: make(map[string]chan pipeline.Record),
	}
	p.AddSink(s)
	return s
}

// Pipeline returns the pipeline decoding the port.
func (s *SerialMux[T]) Pipeline() *pipeline.Pipeline { return s.pipeline }

// randomID generates a random channel ID (8 byte random hex encoded value)
func randomID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

func (s *SerialMux[T]) Subscribe() (string, chan pipeline.Record) {
	id := randomID()
	ch := make(chan pipeline.Record, subscriberBuffer)
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	s.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber from the serial mux.
func (s *SerialMux[T]) Unsubscribe(id string) {
	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

// Write implements pipeline.Sink by offering r to every subscriber without
// blocking.
func (s *SerialMux[T]) Write(r pipeline.Record) error {
	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return nil
	}

	s.subscriberMu.Lock()
	defer s.subscriberMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- r:
		default:
			// if the channel is full/blocking skip so as not to block decoding
		}
	}
	return nil
}

// Initialize switches the headset to raw output at 57600 baud.
func (s *SerialMux[T]) Initialize() error {
	if err := s.SendCommand([]byte{CommandRaw57600}); err != nil {
		return fmt.Errorf("failed to enable raw output: %w", err)
	}
	return nil
}

// SendCommand writes command bytes to the serial port.
func (s *SerialMux[T]) SendCommand(command []byte) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	n, err := s.port.Write(command)
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Monitor runs the pipeline over the port until the stream fails, the
// pipeline gives up, or ctx is cancelled. The port is closed when Monitor
// returns. A Close during Monitor makes it return nil.
func (s *SerialMux[T]) Monitor(ctx context.Context) error {
	err := s.pipeline.Run(ctx, portCloser[T]{s})

	s.closingMu.Lock()
	closing := s.closing
	s.closingMu.Unlock()
	if closing {
		return nil
	}
	return err
}

// portCloser hands the port to the pipeline while routing Close through the
// mux so the port is closed exactly once.
type portCloser[T SerialPorter] struct {
	s *SerialMux[T]
}

func (p portCloser[T]) Read(b []byte) (int, error) { return p.s.port.Read(b) }
func (p portCloser[T]) Close() error               { return p.s.closePort() }

func (s *SerialMux[T]) closePort() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.port.Close()
	})
	return s.closeErr
}

func (s *SerialMux[T]) Close() error {
	s.closingMu.Lock()
	s.closing = true
	s.closingMu.Unlock()

	s.subscriberMu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.subscriberMu.Unlock()
	return s.closePort()
}

func (s *SerialMux[T]) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("EEG frames accepted", func() any { return s.pipeline.Stats().FramesAccepted })
	debug.KVFunc("EEG checksum failures", func() any { return s.pipeline.Stats().ChecksumFailures })

	debug.HandleFunc("eeg-stats", "pipeline counters and headset meters", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.Encode(s.pipeline.Stats())
	})

	// API endpoint to write hex-encoded command bytes to the headset.
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
		b, err := hex.DecodeString(strings.TrimPrefix(command, "0x"))
		if err != nil || len(b) == 0 {
			http.Error(w, "Command must be hex bytes", http.StatusBadRequest)
			return
		}
		if err := s.SendCommand(b); err != nil {
			http.Error(w, "Failed to write command", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, fmt.Sprintf("Wrote %d command bytes (%X) to serial port", len(b), b))
	})

	// API endpoint to issue Server-Side Events (SSE), one JSON record per event.
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
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := s.Subscribe()
		defer s.Unsubscribe(id)

		// Send initial ping to establish connection
		w.Write([]byte(": ping\n\n"))
		flusher.Flush()

		for {
			select {
			case rec, ok := <-c:
				if !ok {
					return
				}
				payload, err := json.Marshal(rec)
				if err != nil {
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
}

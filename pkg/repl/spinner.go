package repl

import (
	"fmt"
	"io"
	"sync"
	"time"
)

// Spinner displays an animated loading indicator until the first token
// arrives.
type Spinner struct {
	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
	writer  io.Writer
	message string
}

// NewSpinner creates a new spinner
func NewSpinner(writer io.Writer, message string) *Spinner {
	return &Spinner{
		writer:  writer,
		message: message,
	}
}

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Start begins the spinner animation
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go s.animate(s.stop, s.done)
}

// Stop stops the animation and clears its line. It is safe to call more
// than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	fmt.Fprint(s.writer, "\r\033[K")
}

// UpdateMessage updates the spinner message
func (s *Spinner) UpdateMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.message = msg
}

func (s *Spinner) animate(stop, done chan struct{}) {
	defer close(done)

	frameIndex := 0
	ticker := time.NewTicker(150 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			msg := s.message
			s.mu.Unlock()

			frame := spinnerFrames[frameIndex%len(spinnerFrames)]
			fmt.Fprintf(s.writer, "\r%s %s", frame, msg)

			frameIndex++
		}
	}
}

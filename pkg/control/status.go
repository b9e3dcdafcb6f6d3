package control

import (
	"fmt"
	"strings"
	"sync"
)

// Status accumulates error text until someone reads it.
type Status struct {
	mu   sync.Mutex
	msgs []string
}

// Errorf appends a formatted error message.
func (s *Status) Errorf(format string, args ...any) {
	s.Add(fmt.Errorf(format, args...))
}

// Add appends err; nil is ignored.
func (s *Status) Add(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.msgs = append(s.msgs, err.Error())
	s.mu.Unlock()
}

// Take returns everything accumulated so far, joined by "; ", and clears it.
func (s *Status) Take() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := strings.Join(s.msgs, "; ")
	s.msgs = nil
	return msg
}

// Pending reports whether Take would return a non-empty string.
func (s *Status) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs) > 0
}

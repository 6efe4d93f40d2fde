// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"sync"
	"time"
)

const spinnerInterval = 80 * time.Millisecond

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner shows progress while a long step runs, such as building the
// dependency image. Only rich printers animate; machine printers emit a
// single PROGRESS line and plain printers print nothing.
type Spinner struct {
	p       *Printer
	message string
	stop    chan struct{}
	done    chan struct{}

	mu      sync.Mutex
	running bool
}

// Spinner creates a spinner bound to the printer's writer.
func (p *Printer) Spinner(message string) *Spinner {
	return &Spinner{
		p:       p,
		message: message,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins the animation. Calling Start twice is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	switch s.p.level {
	case LevelMachine:
		fmt.Fprintf(s.p.w, "PROGRESS: %s\n", s.message)
		close(s.done)
		return
	case LevelPlain:
		close(s.done)
		return
	}

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(spinnerInterval)
		defer ticker.Stop()

		frame := 0
		for {
			select {
			case <-s.stop:
				fmt.Fprint(s.p.w, "\r\033[K")
				return
			case <-ticker.C:
				s.mu.Lock()
				msg := s.message
				s.mu.Unlock()
				fmt.Fprintf(s.p.w, "\r%s %s", s.p.render(s.p.s.title, spinnerFrames[frame]), msg)
				frame = (frame + 1) % len(spinnerFrames)
			}
		}
	}()
}

// Update replaces the message shown on the next frame.
func (s *Spinner) Update(message string) {
	s.mu.Lock()
	s.message = message
	s.mu.Unlock()
}

// Stop halts the animation and clears the line. It waits for the
// animation goroutine so later output is not interleaved.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stop)
	<-s.done
}

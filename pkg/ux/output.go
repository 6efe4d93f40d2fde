// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the codegate CLI's human-facing output.
package ux

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Codegate color palette
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Icon is a status glyph.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
	IconBullet  Icon = "•"
)

// Level selects how much styling the Printer applies.
type Level string

const (
	// LevelRich uses colors, icons and boxes.
	LevelRich Level = "rich"

	// LevelPlain uses icons without colors, for logs and dumb terminals.
	LevelPlain Level = "plain"

	// LevelMachine prints tab-separated lines for scripts.
	LevelMachine Level = "machine"
)

// ParseLevel converts a string to a Level. Unknown values yield LevelPlain.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelRich:
		return LevelRich
	case LevelMachine:
		return LevelMachine
	default:
		return LevelPlain
	}
}

type styles struct {
	title   lipgloss.Style
	bold    lipgloss.Style
	muted   lipgloss.Style
	success lipgloss.Style
	warning lipgloss.Style
	err     lipgloss.Style
	box     lipgloss.Style
}

// Printer writes styled output to one writer. It is not safe for
// concurrent use.
type Printer struct {
	w     io.Writer
	level Level
	s     styles
}

// NewPrinter creates a Printer. Colors are resolved against w, so a
// LevelRich printer writing to a pipe degrades to uncolored text.
func NewPrinter(w io.Writer, level Level) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:     w,
		level: level,
		s: styles{
			title:   r.NewStyle().Bold(true).Foreground(ColorTealBright),
			bold:    r.NewStyle().Bold(true),
			muted:   r.NewStyle().Foreground(ColorSlate),
			success: r.NewStyle().Foreground(ColorSuccess),
			warning: r.NewStyle().Foreground(ColorWarning),
			err:     r.NewStyle().Foreground(ColorError),
			box: r.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(ColorTealDeep).
				Padding(0, 1),
		},
	}
}

// Level returns the printer's level.
func (p *Printer) Level() Level { return p.level }

func (p *Printer) rich() bool { return p.level == LevelRich }

func (p *Printer) render(style lipgloss.Style, text string) string {
	if !p.rich() {
		return text
	}
	return style.Render(text)
}

// Title prints a heading. Machine output omits it.
func (p *Printer) Title(text string) {
	if p.level == LevelMachine {
		return
	}
	fmt.Fprintln(p.w, p.render(p.s.title, text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.s.success, string(IconSuccess)), p.render(p.s.success, text))
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.s.warning, string(IconWarning)), p.render(p.s.warning, text))
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.s.err, string(IconError)), p.render(p.s.err, text))
}

// Info prints an informational line.
func (p *Printer) Info(text string) {
	if p.level == LevelMachine {
		fmt.Fprintln(p.w, text)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", p.render(p.s.muted, "│"), text)
}

// Box prints content in a rounded box under a title.
func (p *Printer) Box(title, content string) {
	if !p.rich() {
		fmt.Fprintf(p.w, "%s: %s\n", title, content)
		return
	}
	fmt.Fprintln(p.w, p.s.box.Width(60).Render(p.s.title.Render(title)+"\n"+content))
}

// RuleLine prints the verdict of one rule.
func (p *Printer) RuleLine(rule string, passed bool, message string, d time.Duration) {
	if p.level == LevelMachine {
		status := "PASS"
		if !passed {
			status = "FAIL"
		}
		fmt.Fprintf(p.w, "%s\t%s\t%s\t%.3f\n", status, rule, message, d.Seconds())
		return
	}

	icon, style := IconSuccess, p.s.success
	if !passed {
		icon, style = IconError, p.s.err
	}
	fmt.Fprintf(p.w, "%s %s %s %s\n",
		p.render(style, string(icon)),
		p.render(p.s.bold, rule),
		message,
		p.render(p.s.muted, fmt.Sprintf("(%.2fs)", d.Seconds())),
	)
}

// Summary prints the run totals.
func (p *Printer) Summary(total, passed, failed int, successRate float64, d time.Duration) {
	if p.level == LevelMachine {
		fmt.Fprintf(p.w, "SUMMARY: total=%d passed=%d failed=%d success_rate=%.1f duration=%.3f\n",
			total, passed, failed, successRate, d.Seconds())
		return
	}
	fmt.Fprintf(p.w, "\n%s %s  %s %s  %s %s  %s\n",
		p.render(p.s.success, fmt.Sprintf("%d", passed)), p.render(p.s.muted, "passed"),
		p.render(p.s.err, fmt.Sprintf("%d", failed)), p.render(p.s.muted, "failed"),
		p.render(p.s.bold, fmt.Sprintf("%d", total)), p.render(p.s.muted, "total"),
		p.render(p.s.muted, fmt.Sprintf("(%.1f%%, %.2fs)", successRate, d.Seconds())),
	)
}

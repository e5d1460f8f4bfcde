package notify

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalNotifier writes one line per notification.
type TerminalNotifier struct {
	mu           sync.Mutex
	w            io.Writer
	bellEnabled  bool
	colorEnabled bool
}

// NewTerminalNotifier creates a terminal channel writing to w.
func NewTerminalNotifier(w io.Writer, bell, colorEnabled bool) *TerminalNotifier {
	return &TerminalNotifier{w: w, bellEnabled: bell, colorEnabled: colorEnabled}
}

// Name returns the name of the notifier.
func (tn *TerminalNotifier) Name() string {
	return "terminal"
}

// Send prints the notification, ringing the bell for warnings and above.
func (tn *TerminalNotifier) Send(_ context.Context, n Notification) error {
	line := FormatNotification(n, tn.colorEnabled)

	tn.mu.Lock()
	defer tn.mu.Unlock()
	if tn.bellEnabled && n.Priority >= PriorityWarning {
		line = "\a" + line
	}
	_, err := fmt.Fprintln(tn.w, line)
	return err
}

// FormatNotification formats a notification for terminal display.
func FormatNotification(n Notification, colorEnabled bool) string {
	var indicator string
	var c *color.Color
	switch n.Priority {
	case PriorityCritical:
		indicator, c = "✖ "+strings.ToUpper(string(n.Kind)), color.New(color.FgRed, color.Bold)
	case PriorityWarning:
		indicator, c = "⚠ "+strings.ToUpper(string(n.Kind)), color.New(color.FgYellow)
	default:
		indicator, c = "● "+strings.ToUpper(string(n.Kind)), color.New(color.FgCyan)
	}
	if colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString(c.Sprintf("[%s] %s", n.Timestamp.UTC().Format("15:04:05"), indicator))
	if n.Symbol != "" {
		sb.WriteString(" | " + n.Symbol)
	}
	if n.Title != "" {
		sb.WriteString(" | " + n.Title)
	}
	if n.Message != "" {
		sb.WriteString(" | " + n.Message)
	}
	return sb.String()
}

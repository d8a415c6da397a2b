// Package watch implements a Bubble Tea dashboard that connects to a running
// reconciler's /ws endpoint and renders its stats.Snapshot stream, the
// remote counterpart of the teacher's local-collector TUI.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/coder/websocket"

	"github.com/echodb/automirror/internal/stats"
)

var (
	colorPrimary   = lipgloss.Color("#7C3AED")
	colorSuccess   = lipgloss.Color("#10B981")
	colorWarning   = lipgloss.Color("#F59E0B")
	colorDanger    = lipgloss.Color("#EF4444")
	colorMuted     = lipgloss.Color("#6B7280")
	colorBorder    = lipgloss.Color("#374151")
	colorHighlight = lipgloss.Color("#A78BFA")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(colorPrimary).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(colorMuted)
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFFFF")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	helpStyle  = lipgloss.NewStyle().Foreground(colorMuted)

	phaseClosedStyle   = lipgloss.NewStyle().Foreground(colorSuccess)
	phaseOpenStyle     = lipgloss.NewStyle().Foreground(colorDanger)
	phaseHalfOpenStyle = lipgloss.NewStyle().Foreground(colorWarning)

	leaderYesStyle = lipgloss.NewStyle().Foreground(colorSuccess).Bold(true)
	leaderNoStyle  = lipgloss.NewStyle().Foreground(colorMuted)
)

// snapshotMsg carries a decoded stats.Snapshot into the update loop.
type snapshotMsg stats.Snapshot

// errMsg carries a connection-level error into the update loop.
type errMsg struct{ err error }

// client streams decoded snapshots from the server's /ws endpoint into ch
// until ctx is cancelled, reconnecting on transport error.
type client struct {
	url string
}

func (c *client) stream(ctx context.Context, ch chan<- stats.Snapshot, errs chan<- error) {
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			select {
			case errs <- fmt.Errorf("connect %s: %w", c.url, err):
			default:
			}
			time.Sleep(2 * time.Second)
			continue
		}

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				conn.Close(websocket.StatusNormalClosure, "")
				break
			}
			var snap stats.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				continue
			}
			select {
			case ch <- snap:
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		time.Sleep(2 * time.Second)
	}
}

// Model is the Bubble Tea model for the watch dashboard.
type Model struct {
	cli      *client
	ctx      context.Context
	cancel   context.CancelFunc
	snapCh   chan stats.Snapshot
	errCh    chan error
	snapshot stats.Snapshot
	lastErr  string
	width    int
	ready    bool
}

// NewModel creates a Model that will connect to wsURL once Init is called.
func NewModel(wsURL string) Model {
	ctx, cancel := context.WithCancel(context.Background())
	return Model{
		cli:    &client{url: wsURL},
		ctx:    ctx,
		cancel: cancel,
		snapCh: make(chan stats.Snapshot, 8),
		errCh:  make(chan error, 1),
	}
}

func (m Model) Init() tea.Cmd {
	go m.cli.stream(m.ctx, m.snapCh, m.errCh)
	return waitForNext(m.snapCh, m.errCh)
}

func waitForNext(snapCh <-chan stats.Snapshot, errCh <-chan error) tea.Cmd {
	return func() tea.Msg {
		select {
		case snap := <-snapCh:
			return snapshotMsg(snap)
		case err := <-errCh:
			return errMsg{err}
		}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.cancel()
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.ready = true
	case snapshotMsg:
		m.snapshot = stats.Snapshot(msg)
		return m, waitForNext(m.snapCh, m.errCh)
	case errMsg:
		m.lastErr = msg.err.Error()
		return m, waitForNext(m.snapCh, m.errCh)
	}
	return m, nil
}

func (m Model) View() string {
	if !m.ready {
		return "Connecting..."
	}
	w := m.width
	snap := m.snapshot

	var sections []string
	sections = append(sections, titleStyle.Width(w).Render(" automirror watch"))

	leader := leaderNoStyle.Render("no")
	if snap.IsLeader {
		leader = leaderYesStyle.Render("yes")
	}
	connected := "no"
	if snap.Connected {
		connected = "yes"
	}

	header := fmt.Sprintf(
		"%s %s   %s %s   %s %s",
		labelStyle.Render("worker:"), valueStyle.Render(snap.WorkerID),
		labelStyle.Render("leader:"), leader,
		labelStyle.Render("connected:"), valueStyle.Render(connected),
	)
	sections = append(sections, boxStyle.Width(w-2).Render(header))

	counters := fmt.Sprintf(
		"%s %s   %s %s   %s %s",
		labelStyle.Render("created:"), valueStyle.Render(fmt.Sprintf("%d", snap.MirrorsCreated)),
		labelStyle.Render("failed:"), valueStyle.Render(fmt.Sprintf("%d", snap.MirrorsFailed)),
		labelStyle.Render("last notification:"), valueStyle.Render(formatTime(snap.LastNotificationAt)),
	)
	sections = append(sections, boxStyle.Width(w-2).Render(counters))

	var breakerLines []string
	for _, b := range snap.Breakers {
		breakerLines = append(breakerLines, fmt.Sprintf("%s %s (%d/%d failures, %d/%d successes)",
			labelStyle.Render(b.Name+":"), stylePhase(b.Phase), b.FailureCount, b.FailureThreshold, b.SuccessCount, b.SuccessThreshold))
	}
	if len(breakerLines) > 0 {
		sections = append(sections, boxStyle.Width(w-2).Render(strings.Join(breakerLines, "\n")))
	}

	if snap.LastError != "" {
		sections = append(sections, boxStyle.Width(w-2).Render(labelStyle.Render("last error: ")+snap.LastError))
	}
	if m.lastErr != "" {
		sections = append(sections, boxStyle.Width(w-2).Render(phaseOpenStyle.Render("connection: "+m.lastErr)))
	}

	sections = append(sections, helpStyle.Render("  q: quit"))
	return strings.Join(sections, "\n")
}

func stylePhase(phase string) string {
	switch phase {
	case "closed":
		return phaseClosedStyle.Render(phase)
	case "open":
		return phaseOpenStyle.Render(phase)
	case "half_open":
		return phaseHalfOpenStyle.Render(phase)
	default:
		return phase
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

// Run starts the dashboard in fullscreen mode, blocking until the user quits.
func Run(wsURL string) error {
	model := NewModel(wsURL)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

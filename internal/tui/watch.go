package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawgate/clawgate/internal/client"
	"github.com/clawgate/clawgate/internal/gateway/bridge"
	"github.com/clawgate/clawgate/internal/gateway/protocol"
	"github.com/clawgate/clawgate/internal/trust"
)

const refreshEvery = 5 * time.Second

type nodesMsg struct {
	nodes   []bridge.MergedNode
	pending []trust.PairingRequest
	err     error
}

type eventMsg struct {
	ev client.Event
	ok bool
}

type tickMsg time.Time

// Model is the nodes watch dashboard state.
type Model struct {
	c     *client.Client
	theme Theme

	spinner  spinner.Model
	eventLog viewport.Model

	nodes    []bridge.MergedNode
	pending  []trust.PairingRequest
	presence int
	logLines []string

	width   int
	height  int
	ready   bool
	loading bool
	gone    bool
	lastErr string
}

// NewModel builds the dashboard over an already connected client session.
func NewModel(c *client.Client) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(getTheme().primary)

	vp := viewport.New(80, 8)

	presence := 0
	if hello := c.Hello(); hello != nil {
		presence = len(hello.Snapshot.Presence)
	}

	return Model{
		c:        c,
		theme:    getTheme(),
		spinner:  sp,
		eventLog: vp,
		presence: presence,
		loading:  true,
	}
}

// RunNodesWatch runs the dashboard until the user quits or the gateway goes
// away.
func RunNodesWatch(c *client.Client) error {
	p := tea.NewProgram(NewModel(c), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init kicks off the first load, the event wait and the refresh timer.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchNodesCmd(m.c), waitEventCmd(m.c), tickCmd())
}

// Update handles one message.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		logHeight := m.height - len(m.nodes) - 12
		if logHeight < 4 {
			logHeight = 4
		}
		m.eventLog.Width = m.width - 4
		m.eventLog.Height = logHeight
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			m.loading = true
			return m, fetchNodesCmd(m.c)
		}
		return m, nil

	case nodesMsg:
		m.loading = false
		if msg.err != nil {
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.lastErr = ""
		m.nodes = msg.nodes
		m.pending = msg.pending
		return m, nil

	case eventMsg:
		if !msg.ok {
			m.gone = true
			return m, tea.Quit
		}
		m.appendLog(msg.ev)
		cmds := []tea.Cmd{waitEventCmd(m.c)}
		switch msg.ev.Name {
		case protocol.EventPresenceChanged:
			var payload struct {
				Presence []protocol.PresenceEntry `json:"presence"`
			}
			if json.Unmarshal(msg.ev.Payload, &payload) == nil {
				m.presence = len(payload.Presence)
			}
		case protocol.EventNodeConnected, protocol.EventNodeDisconnect,
			protocol.EventPairRequested, protocol.EventPairResolved:
			cmds = append(cmds, fetchNodesCmd(m.c))
		}
		return m, tea.Batch(cmds...)

	case tickMsg:
		return m, tea.Batch(fetchNodesCmd(m.c), tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.eventLog, cmd = m.eventLog.Update(msg)
	return m, cmd
}

func (m *Model) appendLog(ev client.Event) {
	ts := time.Now().Format("15:04:05")
	line := fmt.Sprintf("%s  %s", ts, ev.Name)
	if len(ev.Payload) > 0 && len(ev.Payload) < 120 {
		line += "  " + string(ev.Payload)
	}
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > 200 {
		m.logLines = m.logLines[len(m.logLines)-200:]
	}
	m.eventLog.SetContent(strings.Join(m.logLines, "\n"))
	m.eventLog.GotoBottom()
}

// View renders the dashboard.
func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(m.theme.primary)
	mutedStyle := lipgloss.NewStyle().Foreground(m.theme.textMuted)
	onlineStyle := lipgloss.NewStyle().Foreground(m.theme.success)
	offlineStyle := lipgloss.NewStyle().Foreground(m.theme.textMuted)
	pendingStyle := lipgloss.NewStyle().Foreground(m.theme.warning)
	errStyle := lipgloss.NewStyle().Foreground(m.theme.error)
	borderStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(m.theme.border).
		Padding(0, 1)

	var b strings.Builder

	header := titleStyle.Render("🦀 clawgate nodes")
	if m.loading {
		header += "  " + m.spinner.View()
	}
	header += mutedStyle.Render(fmt.Sprintf("   %d clients present", m.presence))
	b.WriteString(header + "\n\n")

	if m.lastErr != "" {
		b.WriteString(errStyle.Render("⚠ "+m.lastErr) + "\n\n")
	}

	if len(m.nodes) == 0 && len(m.pending) == 0 {
		b.WriteString(mutedStyle.Render("  no nodes yet") + "\n")
	}
	for _, n := range m.nodes {
		mark := offlineStyle.Render("○")
		state := offlineStyle.Render("offline")
		if n.Connected {
			mark = onlineStyle.Render("●")
			state = onlineStyle.Render("online")
		}
		name := n.DisplayName
		if name == "" {
			name = n.NodeID
		}
		b.WriteString(fmt.Sprintf("  %s %-24s %-8s %s\n",
			mark, name, state, mutedStyle.Render(strings.Join(n.Commands, ","))))
	}
	for _, req := range m.pending {
		b.WriteString(fmt.Sprintf("  %s %-24s %s\n",
			pendingStyle.Render("◌"), req.NodeID,
			pendingStyle.Render("pairing requested — 'clawgate nodes approve "+req.RequestID+"'")))
	}

	b.WriteString("\n" + mutedStyle.Render("events") + "\n")
	b.WriteString(borderStyle.Render(m.eventLog.View()) + "\n")
	b.WriteString(mutedStyle.Render("  r refresh · q quit"))

	return b.String()
}

func fetchNodesCmd(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var listing struct {
			Nodes []bridge.MergedNode `json:"nodes"`
		}
		if err := c.CallInto(ctx, "node.list", nil, &listing); err != nil {
			return nodesMsg{err: err}
		}
		var pairs struct {
			Pending []trust.PairingRequest `json:"pending"`
		}
		if err := c.CallInto(ctx, "node.pair.list", nil, &pairs); err != nil {
			return nodesMsg{err: err}
		}
		return nodesMsg{nodes: listing.Nodes, pending: pairs.Pending}
	}
}

func waitEventCmd(c *client.Client) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-c.Events()
		return eventMsg{ev: ev, ok: ok}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

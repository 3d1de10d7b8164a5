// Package tui provides the interactive terminal UI for agentbridge.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/agentbridge/internal/broker"
	"github.com/fentz26/agentbridge/internal/controlplane"
	"github.com/fentz26/agentbridge/internal/models"
	"github.com/fentz26/agentbridge/internal/scheduler"
)

var (
	// Colors
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")
	cyanColor    = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	idleStyle = lipgloss.NewStyle().
			Foreground(successColor).
			Bold(true)

	busyStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	waitingStyle = lipgloss.NewStyle().
			Foreground(errorColor).
			Bold(true)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	permissionStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(errorColor).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	systemLineStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	inboundStyle = lipgloss.NewStyle().
			Foreground(cyanColor)

	outboundStyle = lipgloss.NewStyle().
			Foreground(fgColor)
)

// App is the main TUI application model.
type App struct {
	client *Client

	state    *controlplane.DaemonState
	sessions []models.Session
	messages []models.Message
	tasks    []models.ScheduledTask
	log      []scheduler.LogEntry
	owner    string

	text        textinput.Model
	viewport    viewport.Model
	width       int
	height      int
	mode        string // "transcript", "sessions", "tasks", "log"
	selectedIdx int
	message     string
}

// New creates a new TUI application.
func New(apiAddr string) *App {
	ti := textinput.New()
	ti.Placeholder = "Message the agent (Enter to send, /stop to abort)"
	ti.Focus()
	ti.CharLimit = 2048
	ti.Width = 80

	vp := viewport.New(80, 20)

	return &App{
		client:   NewClient(apiAddr),
		text:     ti,
		viewport: vp,
		mode:     "transcript",
	}
}

// Run starts the TUI application.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// --- Messages ---

type stateMsg struct{ state *controlplane.DaemonState }
type sessionsMsg struct{ sessions []models.Session }
type transcriptMsg struct{ messages []models.Message }
type tasksMsg struct{ tasks []models.ScheduledTask }
type schedLogMsg struct{ entries []scheduler.LogEntry }
type ownerMsg struct{ address string }
type noticeMsg struct{ text string }
type errMsg struct{ err error }
type tickMsg time.Time

func (a *App) fetchState() tea.Cmd {
	return func() tea.Msg {
		state, err := a.client.State()
		if err != nil {
			return errMsg{err}
		}
		return stateMsg{state}
	}
}

func (a *App) fetchSessions() tea.Cmd {
	return func() tea.Msg {
		sessions, err := a.client.Sessions()
		if err != nil {
			return errMsg{err}
		}
		return sessionsMsg{sessions}
	}
}

func (a *App) fetchTranscript() tea.Cmd {
	return func() tea.Msg {
		sessions, err := a.client.Sessions()
		if err != nil {
			return errMsg{err}
		}
		for _, s := range sessions {
			if s.Status == models.SessionActive {
				msgs, err := a.client.Messages(s.ID)
				if err != nil {
					return errMsg{err}
				}
				return transcriptMsg{msgs}
			}
		}
		return transcriptMsg{nil}
	}
}

func (a *App) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		tasks, err := a.client.Tasks()
		if err != nil {
			return errMsg{err}
		}
		return tasksMsg{tasks}
	}
}

func (a *App) fetchSchedulerLog() tea.Cmd {
	return func() tea.Msg {
		entries, err := a.client.SchedulerLog()
		if err != nil {
			return errMsg{err}
		}
		return schedLogMsg{entries}
	}
}

func (a *App) fetchOwner() tea.Cmd {
	return func() tea.Msg {
		contacts, err := a.client.Contacts()
		if err != nil {
			return errMsg{err}
		}
		for _, c := range contacts {
			if c.IsOwner {
				return ownerMsg{c.Address}
			}
		}
		return ownerMsg{""}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) refresh() tea.Cmd {
	switch a.mode {
	case "sessions":
		return a.fetchSessions()
	case "tasks":
		return a.fetchTasks()
	case "log":
		return a.fetchSchedulerLog()
	default:
		return a.fetchTranscript()
	}
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		a.fetchState(),
		a.fetchTranscript(),
		a.fetchOwner(),
		a.tickCmd(),
	)
}

// pending returns the pending permission request, if any.
func (a *App) pending() *broker.Pending {
	if a.state == nil {
		return nil
	}
	return a.state.Broker.Pending
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if cmd, handled := a.handleKey(msg); handled {
			return a, cmd
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.text.Width = msg.Width - 6
		a.viewport.Width = msg.Width - 2
		a.viewport.Height = msg.Height - 9

	case stateMsg:
		a.state = msg.state

	case sessionsMsg:
		a.sessions = msg.sessions
		if a.selectedIdx >= len(a.sessions) {
			a.selectedIdx = max(0, len(a.sessions)-1)
		}

	case transcriptMsg:
		a.messages = msg.messages
		a.viewport.SetContent(a.renderTranscript())
		a.viewport.GotoBottom()

	case tasksMsg:
		a.tasks = msg.tasks

	case schedLogMsg:
		a.log = msg.entries

	case ownerMsg:
		a.owner = msg.address

	case noticeMsg:
		a.message = msg.text
		cmds = append(cmds, a.refresh())

	case tickMsg:
		cmds = append(cmds, a.fetchState(), a.refresh(), a.tickCmd())

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.text, cmd = a.text.Update(msg)
	cmds = append(cmds, cmd)

	return a, tea.Batch(cmds...)
}

// handleKey processes one key press. A pending permission request
// captures y/n and digit keys before anything else.
func (a *App) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	key := msg.String()

	if key == "ctrl+c" {
		return tea.Quit, true
	}

	if p := a.pending(); p != nil && a.text.Value() == "" {
		switch {
		case key == "y":
			return a.respondPermission(p.ID, true, ""), true
		case key == "n":
			return a.respondPermission(p.ID, false, ""), true
		case p.Kind == broker.KindQuestion && len(key) == 1 && key >= "1" && key <= "9":
			idx, _ := strconv.Atoi(key)
			if len(p.Questions) > 0 && idx <= len(p.Questions[0].Options) {
				return a.respondPermission(p.ID, true, p.Questions[0].Options[idx-1]), true
			}
		}
	}

	switch key {
	case "tab":
		switch a.mode {
		case "transcript":
			a.mode = "sessions"
			return a.fetchSessions(), true
		case "sessions":
			a.mode = "tasks"
			return a.fetchTasks(), true
		case "tasks":
			a.mode = "log"
			return a.fetchSchedulerLog(), true
		default:
			a.mode = "transcript"
			return a.fetchTranscript(), true
		}

	case "esc":
		if a.mode != "transcript" {
			a.mode = "transcript"
			return a.fetchTranscript(), true
		}

	case "up", "k":
		if a.mode == "sessions" && a.selectedIdx > 0 {
			a.selectedIdx--
			return nil, true
		}

	case "down", "j":
		if a.mode == "sessions" && a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
			return nil, true
		}

	case "ctrl+a":
		return func() tea.Msg {
			aborted, err := a.client.Abort()
			if err != nil {
				return errMsg{err}
			}
			if aborted {
				return noticeMsg{"🛑 Turn aborted"}
			}
			return noticeMsg{"Nothing running"}
		}, true

	case "ctrl+n":
		return func() tea.Msg {
			sess, err := a.client.NewSession()
			if err != nil {
				return errMsg{err}
			}
			return noticeMsg{fmt.Sprintf("🆕 Session %.8s", sess.ID)}
		}, true

	case "enter":
		text := strings.TrimSpace(a.text.Value())
		if text == "" {
			return nil, true
		}
		a.text.SetValue("")
		if p := a.pending(); p != nil {
			// Free-text reply resolves the pending request.
			allow := p.Kind == broker.KindQuestion
			return a.respondPermission(p.ID, allow, text), true
		}
		if a.owner == "" {
			a.message = "No owner contact configured; cannot send"
			return nil, true
		}
		sender := a.owner
		return func() tea.Msg {
			if err := a.client.SendInbound(sender, text); err != nil {
				return errMsg{err}
			}
			return noticeMsg{"Sent"}
		}, true
	}

	return nil, false
}

func (a *App) respondPermission(id string, allow bool, answer string) tea.Cmd {
	return func() tea.Msg {
		if err := a.client.RespondPermission(id, allow, answer); err != nil {
			return errMsg{err}
		}
		if allow {
			return noticeMsg{"✅ Allowed"}
		}
		return noticeMsg{"❌ Denied"}
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	b.WriteString(a.renderHeader())
	b.WriteString("\n")

	if p := a.pending(); p != nil {
		b.WriteString(a.renderPermission(p))
		b.WriteString("\n")
	}

	switch a.mode {
	case "sessions":
		b.WriteString(panelStyle.Width(a.width - 2).Render(a.renderSessions()))
	case "tasks":
		b.WriteString(panelStyle.Width(a.width - 2).Render(a.renderTasks()))
	case "log":
		b.WriteString(panelStyle.Width(a.width - 2).Render(a.renderLog()))
	default:
		b.WriteString(a.viewport.View())
	}
	b.WriteString("\n")

	b.WriteString(inputBoxStyle.Width(a.width - 4).Render(a.text.View()))
	b.WriteString("\n")

	if a.message != "" {
		b.WriteString(a.message)
		b.WriteString("  ")
	}
	b.WriteString(helpStyle.Render("tab: views · ctrl+a: abort · ctrl+n: new session · ctrl+c: quit"))

	return b.String()
}

func (a *App) renderHeader() string {
	header := titleStyle.Render("🌉 agentbridge")

	stateLabel := idleStyle.Render("● idle")
	transportLabel := waitingStyle.Render("○ transport")
	jobs := 0
	if a.state != nil {
		switch a.state.Broker.State {
		case broker.StateQuerying:
			stateLabel = busyStyle.Render("● querying")
		case broker.StateWaitingPermission:
			stateLabel = waitingStyle.Render("● waiting for permission")
		}
		if a.state.Transport == "connected" {
			transportLabel = idleStyle.Render("● transport")
		}
		jobs = len(a.state.Jobs)
	}

	header += "  " + stateLabel
	header += "  " + transportLabel
	header += "  " + lipgloss.NewStyle().Foreground(cyanColor).Render(fmt.Sprintf("[%d jobs]", jobs))
	header += "  " + helpStyle.Render(strings.ToUpper(a.mode))
	return header
}

func (a *App) renderPermission(p *broker.Pending) string {
	var b strings.Builder
	if p.Kind == broker.KindQuestion && len(p.Questions) > 0 {
		q := p.Questions[0]
		fmt.Fprintf(&b, "❓ %s\n", q.Question)
		for i, opt := range q.Options {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, opt)
		}
		b.WriteString("Press a number, or type an answer and press Enter")
	} else {
		fmt.Fprintf(&b, "🔐 Agent wants to use %s\n", p.ToolName)
		b.WriteString("Press y to allow, n to deny")
	}
	return permissionStyle.Width(a.width - 2).Render(b.String())
}

func (a *App) renderTranscript() string {
	if len(a.messages) == 0 {
		return helpStyle.Render("No messages yet. Say something below.")
	}
	var b strings.Builder
	for _, m := range a.messages {
		ts := m.CreatedAt.Format("15:04")
		switch m.Direction {
		case models.DirInbound:
			fmt.Fprintf(&b, "%s %s\n", inboundStyle.Render(ts+" you ❯"), m.Content)
		case models.DirSystem:
			fmt.Fprintf(&b, "%s\n", systemLineStyle.Render(ts+" · "+m.Content))
		default:
			fmt.Fprintf(&b, "%s %s\n", outboundStyle.Render(ts+" agent ❯"), m.Content)
		}
	}
	return b.String()
}

func (a *App) renderSessions() string {
	if len(a.sessions) == 0 {
		return helpStyle.Render("No sessions.")
	}
	var b strings.Builder
	for i, s := range a.sessions {
		cursor := "  "
		if i == a.selectedIdx {
			cursor = "❯ "
		}
		status := string(s.Status)
		if s.Status == models.SessionActive {
			status = idleStyle.Render(status)
		}
		fmt.Fprintf(&b, "%s%.8s  %s  %s  %d msgs  $%.4f\n",
			cursor, s.ID, status, s.Policy, s.MessageCount, s.CostUSD)
	}
	return b.String()
}

func (a *App) renderTasks() string {
	if len(a.tasks) == 0 {
		return helpStyle.Render("No scheduled tasks.")
	}
	var b strings.Builder
	for _, t := range a.tasks {
		enabled := idleStyle.Render("on ")
		if !t.Enabled {
			enabled = systemLineStyle.Render("off")
		}
		fmt.Fprintf(&b, "%s  %-30s %-16s %s\n", enabled, t.Name, t.CronExpr, t.Type)
	}
	return b.String()
}

func (a *App) renderLog() string {
	if len(a.log) == 0 {
		return helpStyle.Render("Scheduler log is empty.")
	}
	var b strings.Builder
	for _, e := range a.log {
		kind := e.Kind
		switch e.Kind {
		case scheduler.KindError:
			kind = waitingStyle.Render(kind)
		case scheduler.KindFire:
			kind = busyStyle.Render(kind)
		}
		fmt.Fprintf(&b, "%s  %-8s %s\n", e.Timestamp.Format("15:04:05"), kind, e.Message)
	}
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

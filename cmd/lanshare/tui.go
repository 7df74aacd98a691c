package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"lanshare"
)

var (
	primaryColor = lipgloss.Color("#7C3AED")
	accentColor  = lipgloss.Color("#10B981")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	peerPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	logPanelStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	inputStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accentColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	systemStyle    = lipgloss.NewStyle().Foreground(accentColor).Italic(true)
	errorStyle     = lipgloss.NewStyle().Foreground(errorColor)
	timestampStyle = lipgloss.NewStyle().Foreground(mutedColor).Faint(true)

	peerConnectedStyle  = lipgloss.NewStyle().Foreground(accentColor)
	peerDiscoveredStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

type logLine struct {
	when  time.Time
	text  string
	isErr bool
}

type ui struct {
	ctrl   *lanshare.Controller
	name   string
	events <-chan lanshare.Event
	cancel func()

	lines    []logLine
	status   lanshare.RoomStatus
	pending  map[string]int
	viewport viewport.Model
	textarea textarea.Model
	ready    bool
	width    int
	height   int
	showHelp bool
}

type (
	tickMsg  time.Time
	eventMsg struct{ ev lanshare.Event }

	shareResultMsg struct {
		peer   string
		result lanshare.ShareResult
	}
	broadcastResultMsg struct{ results map[string]error }
)

func newUI(ctrl *lanshare.Controller, name string) *ui {
	ta := textarea.New()
	ta.Placeholder = "Type /help for commands..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 500
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)

	events, cancel := ctrl.Subscribe()
	return &ui{
		ctrl:     ctrl,
		name:     name,
		events:   events,
		cancel:   cancel,
		pending:  map[string]int{},
		viewport: vp,
		textarea: ta,
		status:   ctrl.Status(),
	}
}

func (u *ui) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, u.listenForEvents(), u.tickCmd())
}

func (u *ui) listenForEvents() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-u.events
		if !ok {
			return nil
		}
		return eventMsg{ev: ev}
	}
}

func (u *ui) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (u *ui) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
	)
	u.textarea, tiCmd = u.textarea.Update(msg)
	u.viewport, vpCmd = u.viewport.Update(msg)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			u.cancel()
			return u, tea.Quit
		case tea.KeyCtrlH:
			u.showHelp = !u.showHelp
			u.refreshViewport()
			return u, nil
		case tea.KeyEnter:
			input := strings.TrimSpace(u.textarea.Value())
			u.textarea.Reset()
			if input == "" {
				return u, nil
			}
			return u, u.handleCommand(input)
		}

	case tea.WindowSizeMsg:
		u.width = msg.Width
		u.height = msg.Height
		u.ready = true
		u.viewport.Width = u.width - 35
		u.viewport.Height = u.height - 9
		u.textarea.SetWidth(u.width - 4)
		u.refreshViewport()

	case eventMsg:
		u.handleEvent(msg.ev)
		return u, u.listenForEvents()

	case tickMsg:
		u.status = u.ctrl.Status()
		return u, u.tickCmd()

	case shareResultMsg:
		switch {
		case msg.result.Success:
			u.addLine(fmt.Sprintf("share delivered to %s", msg.peer), false)
		case msg.result.Queued:
			u.addLine(fmt.Sprintf("share to %s queued for redelivery (%v)", msg.peer, msg.result.Err), false)
		default:
			u.addLine(fmt.Sprintf("share to %s failed: %v", msg.peer, msg.result.Err), true)
		}

	case broadcastResultMsg:
		ok := 0
		for peer, err := range msg.results {
			if err == nil {
				ok++
			} else {
				u.addLine(fmt.Sprintf("broadcast to %s failed: %v", peer, err), true)
			}
		}
		u.addLine(fmt.Sprintf("broadcast delivered to %d/%d peers", ok, len(msg.results)), false)
	}

	return u, tea.Batch(tiCmd, vpCmd)
}

func (u *ui) handleEvent(ev lanshare.Event) {
	switch ev := ev.(type) {
	case lanshare.PeerSetChanged:
		u.status = u.ctrl.Status()
	case lanshare.PeerDisconnected:
		u.addLine(fmt.Sprintf("peer %s disconnected (%s)", peerLabel(ev.DisplayName, ev.PeerID), ev.Reason), false)
		u.status = u.ctrl.Status()
	case lanshare.ArticleReceived:
		u.addLine(fmt.Sprintf("%s shared: %s — %s", peerLabel(ev.DisplayName, ev.PeerID), ev.Article.Title, ev.Article.URL), false)
	case lanshare.ArticlesBatchReceived:
		u.addLine(fmt.Sprintf("%s shared %d articles", peerLabel(ev.DisplayName, ev.PeerID), len(ev.Articles)), false)
	case lanshare.EchoResponse:
		u.addLine(fmt.Sprintf("echo from %s: %s", ev.PeerID, ev.RTT), false)
	case lanshare.PendingSharesChanged:
		u.pending = ev.Counts
	}
	u.refreshViewport()
}

func (u *ui) handleCommand(input string) tea.Cmd {
	fields := strings.Fields(input)
	switch fields[0] {
	case "/quit", "/exit":
		u.cancel()
		return tea.Quit

	case "/join":
		if len(fields) < 2 {
			u.addLine("usage: /join <code>", true)
			break
		}
		if err := u.ctrl.JoinRoom(fields[1], u.name); err != nil {
			u.addLine(fmt.Sprintf("join failed: %v", err), true)
			break
		}
		u.status = u.ctrl.Status()
		u.addLine(fmt.Sprintf("joined room %s", u.status.RoomCode), false)

	case "/create":
		code := lanshare.GenerateRoomCode()
		if err := u.ctrl.JoinRoom(code, u.name); err != nil {
			u.addLine(fmt.Sprintf("create failed: %v", err), true)
			break
		}
		u.status = u.ctrl.Status()
		u.addLine(fmt.Sprintf("created room %s — share this code", code), false)

	case "/leave":
		u.ctrl.LeaveRoom()
		u.status = u.ctrl.Status()
		u.addLine("left room", false)

	case "/share":
		if len(fields) < 3 {
			u.addLine("usage: /share <peer#> <url> [title]", true)
			break
		}
		peerID, ok := u.resolvePeer(fields[1])
		if !ok {
			u.addLine(fmt.Sprintf("unknown peer %q", fields[1]), true)
			break
		}
		article := lanshare.Article{URL: fields[2], Title: strings.Join(fields[3:], " ")}
		if article.Title == "" {
			article.Title = article.URL
		}
		ctrl := u.ctrl
		return func() tea.Msg {
			return shareResultMsg{peer: peerID, result: ctrl.SendArticleWithQueue(peerID, article)}
		}

	case "/broadcast":
		if len(fields) < 2 {
			u.addLine("usage: /broadcast <url> [title]", true)
			break
		}
		article := lanshare.Article{URL: fields[1], Title: strings.Join(fields[2:], " ")}
		if article.Title == "" {
			article.Title = article.URL
		}
		ctrl := u.ctrl
		return func() tea.Msg {
			return broadcastResultMsg{results: ctrl.BroadcastArticlesWithAck([]lanshare.Article{article})}
		}

	case "/echo":
		if len(fields) < 2 {
			u.addLine("usage: /echo <peer#>", true)
			break
		}
		peerID, ok := u.resolvePeer(fields[1])
		if !ok {
			u.addLine(fmt.Sprintf("unknown peer %q", fields[1]), true)
			break
		}
		if !u.ctrl.SendEcho(peerID) {
			u.addLine("echo not sent: peer not connected", true)
		}

	case "/pending":
		counts, err := u.ctrl.PendingShareCounts()
		if err != nil {
			u.addLine(fmt.Sprintf("pending lookup failed: %v", err), true)
			break
		}
		if len(counts) == 0 {
			u.addLine("no pending shares", false)
			break
		}
		for peer, n := range counts {
			u.addLine(fmt.Sprintf("pending for %s: %d", peer, n), false)
		}

	case "/clearpending":
		days := 7
		if len(fields) > 1 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				days = n
			}
		}
		removed, err := u.ctrl.ClearPendingSharesOlderThan(days)
		if err != nil {
			u.addLine(fmt.Sprintf("clear failed: %v", err), true)
			break
		}
		u.addLine(fmt.Sprintf("removed %d stale pending shares", removed), false)

	case "/help":
		u.showHelp = !u.showHelp

	default:
		u.addLine(fmt.Sprintf("unknown command %q — /help for commands", fields[0]), true)
	}
	u.refreshViewport()
	return nil
}

// resolvePeer accepts either a 1-based index into the peer panel or a
// peer id prefix.
func (u *ui) resolvePeer(arg string) (string, bool) {
	if n, err := strconv.Atoi(arg); err == nil {
		if n >= 1 && n <= len(u.status.Peers) {
			return u.status.Peers[n-1].PeerID, true
		}
		return "", false
	}
	for _, p := range u.status.Peers {
		if strings.HasPrefix(p.PeerID, arg) {
			return p.PeerID, true
		}
	}
	return "", false
}

func peerLabel(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (u *ui) addLine(text string, isErr bool) {
	u.lines = append(u.lines, logLine{when: time.Now(), text: text, isErr: isErr})
	u.refreshViewport()
	u.viewport.GotoBottom()
}

func (u *ui) refreshViewport() {
	var b strings.Builder
	if u.showHelp {
		b.WriteString(helpText)
	} else {
		for _, line := range u.lines {
			ts := timestampStyle.Render(line.when.Format("15:04:05"))
			body := line.text
			if line.isErr {
				body = errorStyle.Render(body)
			} else {
				body = systemStyle.Render(body)
			}
			b.WriteString(fmt.Sprintf("%s %s\n", ts, body))
		}
	}
	u.viewport.SetContent(b.String())
}

const helpText = `Commands:
  /create              create a room and print its code
  /join <code>         join a room
  /leave               leave the current room
  /share <peer#> <url> [title]   share an article (queued if offline)
  /broadcast <url> [title]       share with every connected peer
  /echo <peer#>        measure round-trip time to a peer
  /pending             show queued shares per peer
  /clearpending [days] drop queued shares older than N days (default 7)
  /quit                exit

Ctrl+H toggles this help.`

func (u *ui) View() string {
	if !u.ready {
		return "\n  starting lanshare...\n"
	}

	title := "lanshare — not in a room"
	if u.status.InRoom {
		title = fmt.Sprintf("lanshare — room %s", u.status.RoomCode)
	}
	header := headerStyle.Render(title)

	logPanel := logPanelStyle.Width(u.width - 35).Height(u.viewport.Height + 2).Render(
		fmt.Sprintf("Activity\n%s", u.viewport.View()))
	peerPanel := u.renderPeerPanel()
	main := lipgloss.JoinHorizontal(lipgloss.Top, logPanel, peerPanel)

	statusBar := u.renderStatusBar()
	inputArea := inputStyle.Width(u.width - 4).Render(u.textarea.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, main, statusBar, inputArea)
}

func (u *ui) renderPeerPanel() string {
	var b strings.Builder
	b.WriteString("Peers\n")
	b.WriteString(strings.Repeat("─", 28) + "\n")

	if len(u.status.Peers) == 0 {
		b.WriteString("  none yet\n")
	}
	for i, p := range u.status.Peers {
		marker := peerDiscoveredStyle.Render("○")
		if p.Connected {
			marker = peerConnectedStyle.Render("●")
		}
		label := peerLabel(p.DisplayName, p.PeerID)
		if n := u.pending[p.PeerID]; n > 0 {
			label = fmt.Sprintf("%s (%d queued)", label, n)
		}
		b.WriteString(fmt.Sprintf("  %d %s %s\n", i+1, marker, label))
	}

	return peerPanelStyle.Width(30).Height(u.viewport.Height + 2).Render(b.String())
}

func (u *ui) renderStatusBar() string {
	connected := 0
	for _, p := range u.status.Peers {
		if p.Connected {
			connected++
		}
	}
	left := fmt.Sprintf("%s · %s", u.name, shortID(u.ctrl.PeerID()))
	right := fmt.Sprintf("connected: %d · known: %d", connected, len(u.status.Peers))

	total := u.width - 4
	spacing := total - lipgloss.Width(left) - lipgloss.Width(right)
	if spacing < 1 {
		spacing = 1
	}
	return statusBarStyle.Width(total).Render(left + strings.Repeat(" ", spacing) + right)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

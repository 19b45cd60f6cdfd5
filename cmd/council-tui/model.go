package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rs/zerolog"

	"llmcouncil/internal/config"
	"llmcouncil/internal/council"
	"llmcouncil/internal/history"
	"llmcouncil/internal/lifecycle"
	"llmcouncil/internal/tokens"
)

const (
	healthPollInterval = 30 * time.Second
	timelineMaxLines   = 14
	timelineMaxChars   = 1600
	tabCount           = 3
)

type tabID int

const (
	tabChat tabID = iota
	tabDetails
	tabHelp
)

type model struct {
	cfg     config.Config
	ctrl    *lifecycle.Controller
	updates <-chan struct{}
	logger  zerolog.Logger
	tokens  *tokens.Counter
	md      *markdownCache

	snap         lifecycle.Snapshot
	statusLine   string
	activeTab    tabID
	detailTurn   int
	modelIndex   int
	quitConfirm  bool
	clearConfirm bool
	healthErr    string
	checking     bool
	pending      <-chan lifecycle.Resolution
	cancelSubmit context.CancelFunc

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	details  viewport.Model
	spinner  spinner.Model

	theme uiTheme
}

type snapshotMsg struct{}

type submitDoneMsg struct {
	res lifecycle.Resolution
}

type healthDoneMsg struct {
	err error
}

type tickMsg time.Time

// notifier turns controller notifications into a one-slot wakeup. The model re-reads the
// controller on wakeup, so a dropped signal loses nothing.
func notifier(ch chan struct{}) func(lifecycle.Snapshot) {
	return func(lifecycle.Snapshot) {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func newModel(cfg config.Config, ctrl *lifecycle.Controller, updates <-chan struct{}, logger zerolog.Logger) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Ask the council a question. /help lists commands."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true
	timeline.MouseWheelDelta = 4
	details := viewport.New(0, 0)
	details.MouseWheelEnabled = true
	details.MouseWheelDelta = 4

	m := model{
		cfg:        cfg,
		ctrl:       ctrl,
		updates:    updates,
		logger:     logger,
		tokens:     tokens.NewCounter(),
		md:         &markdownCache{},
		snap:       ctrl.Snapshot(),
		statusLine: "ready · " + cfg.API.BaseURL,
		activeTab:  tabChat,
		detailTurn: -1,
		input:      input,
		timeline:   timeline,
		details:    details,
		spinner:    sp,
		theme:      newTheme(),
	}
	m.renderPanes()
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitUpdate(m.updates),
		m.healthCmd(),
		tickEvery(healthPollInterval),
	)
}

func tickEvery(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitUpdate(ch <-chan struct{}) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return snapshotMsg{}
	}
}

func waitResolution(ch <-chan lifecycle.Resolution) tea.Cmd {
	return func() tea.Msg {
		res, ok := <-ch
		if !ok {
			return nil
		}
		return submitDoneMsg{res: res}
	}
}

func (m model) healthCmd() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return healthDoneMsg{err: ctrl.RefreshHealth(ctx)}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case snapshotMsg:
		m.snap = m.ctrl.Snapshot()
		m.renderPanes()
		cmds = append(cmds, waitUpdate(m.updates))
	case submitDoneMsg:
		if m.cancelSubmit != nil {
			m.cancelSubmit()
		}
		m.pending = nil
		m.cancelSubmit = nil
		m.snap = m.ctrl.Snapshot()
		m.detailTurn = -1
		m.modelIndex = 0
		m.statusLine = resolutionStatus(msg.res)
		m.appendLog(m.statusLine)
		m.renderPanes()
	case healthDoneMsg:
		m.checking = false
		m.healthErr = ""
		if msg.err != nil {
			m.healthErr = lifecycle.FailureMessage(msg.err)
		}
		m.snap = m.ctrl.Snapshot()
	case tickMsg:
		if !m.checking && !m.snap.IsSubmitting {
			m.checking = true
			cmds = append(cmds, m.healthCmd())
		}
		cmds = append(cmds, tickEvery(healthPollInterval))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.snap.IsSubmitting {
			m.renderPanes()
		}
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm || m.clearConfirm {
			break
		}
		var cmd tea.Cmd
		switch m.activeTab {
		case tabChat:
			m.timeline, cmd = m.timeline.Update(msg)
		case tabDetails:
			m.details, cmd = m.details.Update(msg)
		}
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.quitConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				return m, tea.Quit
			case "n", "N", "esc":
				m.quitConfirm = false
				m.statusLine = "quit canceled"
			}
			return m, tea.Batch(cmds...)
		}
		if m.clearConfirm {
			switch msg.String() {
			case "y", "Y", "enter":
				m.resolveClear(true)
			case "n", "N", "esc":
				m.resolveClear(false)
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case "esc":
			if m.activeTab == tabChat {
				m.beginQuitConfirm()
				return m, tea.Batch(cmds...)
			}
			m.switchTab(tabChat)
			return m, tea.Batch(cmds...)
		case "tab":
			m.switchTab((m.activeTab + 1) % tabCount)
			return m, tea.Batch(cmds...)
		case "shift+tab":
			m.switchTab((m.activeTab + tabCount - 1) % tabCount)
			return m, tea.Batch(cmds...)
		case "ctrl+l":
			m.beginClearConfirm()
			return m, tea.Batch(cmds...)
		}

		switch m.activeTab {
		case tabChat:
			switch msg.String() {
			case "enter":
				raw := strings.TrimSpace(m.input.Value())
				if raw == "" {
					return m, tea.Batch(cmds...)
				}
				if strings.HasPrefix(raw, "/") {
					m.input.SetValue("")
					if cmd := m.handleSlash(raw); cmd != nil {
						cmds = append(cmds, cmd)
					}
					return m, tea.Batch(cmds...)
				}
				if cmd := m.submit(raw); cmd != nil {
					cmds = append(cmds, cmd)
				}
				return m, tea.Batch(cmds...)
			case "pgup", "ctrl+b":
				m.timeline.LineUp(8)
				return m, tea.Batch(cmds...)
			case "pgdown", "ctrl+f":
				m.timeline.LineDown(8)
				return m, tea.Batch(cmds...)
			case "up":
				if strings.TrimSpace(m.input.Value()) == "" {
					m.timeline.LineUp(4)
					return m, tea.Batch(cmds...)
				}
			case "down":
				if strings.TrimSpace(m.input.Value()) == "" {
					m.timeline.LineDown(4)
					return m, tea.Batch(cmds...)
				}
			case "home":
				m.timeline.GotoTop()
				return m, tea.Batch(cmds...)
			case "end":
				m.timeline.GotoBottom()
				return m, tea.Batch(cmds...)
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		case tabDetails:
			switch msg.String() {
			case "left", "h":
				m.shiftModel(-1)
			case "right", "l":
				m.shiftModel(1)
			case "[":
				m.shiftDetailTurn(-1)
			case "]":
				m.shiftDetailTurn(1)
			case "pgup", "k", "up":
				m.details.LineUp(4)
			case "pgdown", "j", "down":
				m.details.LineDown(4)
			}
		case tabHelp:
			switch msg.String() {
			case "q":
				m.beginQuitConfirm()
			}
		}
	}
	return m, tea.Batch(cmds...)
}

// submit hands the question to the controller. The input is only cleared once the
// controller accepts it, so a rejected question can be resent.
func (m *model) submit(raw string) tea.Cmd {
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := m.ctrl.Submit(ctx, raw)
	if err != nil {
		cancel()
		switch {
		case errors.Is(err, lifecycle.ErrSubmitInFlight):
			m.statusLine = "the council is still deliberating · wait for the answer"
		case errors.Is(err, lifecycle.ErrEmptyQuery):
		default:
			m.logError(err)
		}
		return nil
	}
	m.input.SetValue("")
	m.pending = ch
	m.cancelSubmit = cancel
	m.snap = m.ctrl.Snapshot()
	m.statusLine = "convening the council..."
	m.renderPanes()
	m.timeline.GotoBottom()
	return waitResolution(ch)
}

func (m *model) handleSlash(raw string) tea.Cmd {
	parts := strings.Fields(strings.TrimSpace(raw))
	if len(parts) == 0 {
		return nil
	}
	switch strings.ToLower(parts[0]) {
	case "/help":
		m.switchTab(tabHelp)
		return nil
	case "/details":
		m.switchTab(tabDetails)
		return nil
	case "/clear":
		m.beginClearConfirm()
		return nil
	case "/health":
		if m.checking {
			return nil
		}
		m.checking = true
		m.statusLine = "checking backend health..."
		return m.healthCmd()
	case "/quit", "/exit":
		m.beginQuitConfirm()
		return nil
	default:
		m.statusLine = fmt.Sprintf("unknown command %s · try /help", parts[0])
		return nil
	}
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "quit council-tui?"
}

func (m *model) beginClearConfirm() {
	switch {
	case m.snap.IsSubmitting:
		m.statusLine = "cannot clear while the council is deliberating"
	case len(m.snap.History) == 0:
		m.statusLine = "conversation is already empty"
	default:
		m.clearConfirm = true
		m.statusLine = "clear the whole conversation?"
	}
}

func (m *model) resolveClear(confirmed bool) {
	m.clearConfirm = false
	if m.ctrl.ClearHistory(context.Background(), confirmed) {
		m.statusLine = "conversation cleared"
		m.appendLog(m.statusLine)
		m.detailTurn = -1
		m.modelIndex = 0
	} else {
		m.statusLine = "clear canceled"
	}
	m.snap = m.ctrl.Snapshot()
	m.renderPanes()
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabChat {
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

// resultTurns lists the indexes of assistant turns that carry council data.
func resultTurns(turns []history.Turn) []int {
	out := []int{}
	for i, turn := range turns {
		if turn.Role == history.RoleAssistant && turn.Result != nil {
			out = append(out, i)
		}
	}
	return out
}

// selectedResult is the turn shown on the details tab: the pinned one, or the latest.
func (m *model) selectedResult() (history.Turn, int, int, bool) {
	idx := resultTurns(m.snap.History)
	if len(idx) == 0 {
		return history.Turn{}, 0, 0, false
	}
	pos := len(idx) - 1
	if m.detailTurn >= 0 && m.detailTurn < len(idx) {
		pos = m.detailTurn
	}
	return m.snap.History[idx[pos]], pos, len(idx), true
}

func (m *model) shiftDetailTurn(delta int) {
	_, pos, total, ok := m.selectedResult()
	if !ok {
		return
	}
	m.detailTurn = clampInt(pos+delta, 0, total-1)
	m.modelIndex = 0
	m.renderPanes()
	m.details.GotoTop()
}

func (m *model) shiftModel(delta int) {
	turn, _, _, ok := m.selectedResult()
	if !ok || len(turn.Result.Stage1Responses) == 0 {
		return
	}
	n := len(turn.Result.Stage1Responses)
	m.modelIndex = ((m.modelIndex+delta)%n + n) % n
	m.renderPanes()
}

func resolutionStatus(res lifecycle.Resolution) string {
	switch {
	case res.Abandoned:
		return "request interrupted"
	case res.Err != nil:
		return "query failed: " + lifecycle.FailureMessage(res.Err)
	case res.Assistant != nil && res.Assistant.Result != nil:
		r := res.Assistant.Result
		chair := ""
		if r.Stage3Final != nil {
			chair = " · chairman " + council.ShortModelName(r.Stage3Final.ChairmanModel)
		}
		return fmt.Sprintf("council answered in %.1fs%s · Tab for details", r.ProcessingTimeSeconds, chair)
	default:
		return "council answered"
	}
}

// abandonPending cancels an unresolved submission and waits briefly for the controller to
// record it, so the interruption notice reaches storage before exit.
func (m model) abandonPending(wait time.Duration) {
	if m.pending == nil {
		return
	}
	if m.cancelSubmit != nil {
		m.cancelSubmit()
	}
	select {
	case <-m.pending:
	case <-time.After(wait):
		m.logger.Warn().Msg("pending submission did not resolve before exit")
	}
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logger.Info().Msg(compactSingleLine(trimmed, 220))
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.logger.Error().Err(err).Msg("ui action failed")
	m.statusLine = "error: " + compactSingleLine(err.Error(), 160)
}

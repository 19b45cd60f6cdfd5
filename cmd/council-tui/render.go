package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"llmcouncil/internal/council"
	"llmcouncil/internal/history"
	"llmcouncil/internal/lifecycle"
	"llmcouncil/internal/stage"
)

type uiTheme struct {
	root        lipgloss.Style
	header      lipgloss.Style
	tabActive   lipgloss.Style
	tabInactive lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	footer      lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	errorBanner lipgloss.Style
	inputPanel  lipgloss.Style
	helpText    lipgloss.Style
	healthy     lipgloss.Style
	modalFrame  lipgloss.Style
	modalAccent lipgloss.Style
	pick        lipgloss.Style
	modelActive lipgloss.Style
	modelIdle   lipgloss.Style
	stageDone   lipgloss.Style
	stageActive lipgloss.Style
	stageWait   lipgloss.Style
	speaker     map[history.Role]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")
	ink := lipgloss.Color("#22062f")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(lipgloss.Color("#120924")).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(ink).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		errorBanner: lipgloss.NewStyle().
			Foreground(ink).
			Background(pink).
			Bold(true).
			Padding(0, 1),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText: lipgloss.NewStyle().Foreground(muted),
		healthy:  lipgloss.NewStyle().Foreground(mint).Bold(true),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		modalAccent: lipgloss.NewStyle().Foreground(mint).Bold(true),
		pick:        lipgloss.NewStyle().Foreground(pink).Bold(true),
		modelActive: lipgloss.NewStyle().
			Background(blue).
			Foreground(ink).
			Bold(true).
			Padding(0, 1),
		modelIdle: lipgloss.NewStyle().
			Foreground(muted).
			Padding(0, 1),
		stageDone:   lipgloss.NewStyle().Foreground(mint),
		stageActive: lipgloss.NewStyle().Foreground(pink).Bold(true),
		stageWait:   lipgloss.NewStyle().Foreground(muted),
		speaker: map[history.Role]lipgloss.Style{
			history.RoleUser:      lipgloss.NewStyle().Foreground(mint).Bold(true),
			history.RoleAssistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
		},
	}
}

func (m model) View() string {
	header := m.renderHeader()
	content := m.renderContent()
	input := m.renderInput()
	footer := m.renderFooter()
	out := lipgloss.JoinVertical(lipgloss.Left, header, content, input, footer)
	if m.quitConfirm {
		out = m.renderModal(
			"LEAVE THE COUNCIL?",
			"Are you sure you want to quit?",
			quitNote(m.snap),
			"[Y / Enter] Quit",
		)
	}
	if m.clearConfirm {
		out = m.renderModal(
			"CLEAR CONVERSATION?",
			fmt.Sprintf("All %d messages will be removed.", len(m.snap.History)),
			"This also erases the saved conversation. It cannot be undone.",
			"[Y / Enter] Clear",
		)
	}
	return m.theme.root.Render(out)
}

func quitNote(snap lifecycle.Snapshot) string {
	if snap.IsSubmitting {
		return "The pending question will be marked as interrupted."
	}
	return "Your conversation is already saved."
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabChat, "Chat"},
		{tabDetails, "Details"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	segments = append(segments, " ", m.healthBadge())
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) healthBadge() string {
	if h := m.snap.Health; h != nil {
		return m.theme.healthy.Render(healthLabel(h))
	}
	if m.healthErr != "" {
		return m.theme.errorStatus.Render("○ backend unreachable")
	}
	return m.theme.helpText.Render("○ checking backend...")
}

func healthLabel(h *council.Health) string {
	label := fmt.Sprintf("● %d models configured", h.ModelsConfigured)
	if h.ModelsConfigured == 1 {
		label = "● 1 model configured"
	}
	return label
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)

	switch m.activeTab {
	case tabChat:
		leftWidth, rightWidth := chatPanelWidths(contentWidth)
		left := m.theme.panel.Width(leftWidth).Height(contentHeight).Render(
			m.theme.panelTitle.Render("Conversation") + "\n" + m.timeline.View(),
		)
		right := m.theme.panel.Width(rightWidth).Height(contentHeight).Render(
			m.theme.panelTitle.Render("Council Stages") + "\n" + m.renderStages(),
		)
		return lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	case tabDetails:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Council Details") + "\n" + m.details.View())
	case tabHelp:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Council TUI Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func chatPanelWidths(contentWidth int) (left int, right int) {
	left = int(float64(contentWidth) * 0.68)
	right = contentWidth - left - 1
	if right < 30 {
		right = 30
		left = contentWidth - right - 1
	}
	return left, right
}

// renderStages marks finished stages, the current one and those still to come. While idle
// it shows the stage list as a legend.
func (m *model) renderStages() string {
	lines := make([]string, 0, len(stage.Stages)*2+2)
	if m.snap.IsSubmitting {
		lines = append(lines, m.theme.status.Render(m.spinner.View()+" deliberating"), "")
	} else {
		lines = append(lines, m.theme.helpText.Render("idle · ask a question to convene the council"), "")
	}
	for _, info := range stage.Stages {
		var marker string
		style := m.theme.stageWait
		switch {
		case !m.snap.IsSubmitting:
			marker = fmt.Sprintf("%d.", info.ID)
		case info.ID < m.snap.SimulatedStage:
			marker = "✓"
			style = m.theme.stageDone
		case info.ID == m.snap.SimulatedStage:
			marker = "▶"
			style = m.theme.stageActive
		default:
			marker = "·"
		}
		lines = append(lines, style.Render(marker+" "+info.Name))
		if m.snap.IsSubmitting && info.ID == m.snap.SimulatedStage {
			lines = append(lines, m.theme.helpText.Render("  "+info.Description))
		}
	}
	return strings.Join(lines, "\n")
}

func (m *model) renderTimeline() string {
	if len(m.snap.History) == 0 {
		return "No messages yet. Ask a question to consult the council."
	}
	width := maxInt(24, m.timeline.Width-2)
	var b strings.Builder
	for _, turn := range m.snap.History {
		label := "you"
		if turn.Role == history.RoleAssistant {
			label = "council"
		}
		style, ok := m.theme.speaker[turn.Role]
		if !ok {
			style = m.theme.helpText
		}
		header := fmt.Sprintf("%s [%s]", turn.Timestamp.Local().Format("15:04:05"), label)
		b.WriteString(style.Render(header))
		b.WriteString("\n")
		preview := compactTimelineMessage(turn.Content, timelineMaxLines, timelineMaxChars)
		body := wrapText(preview, width)
		if isErrorTurn(turn) {
			body = m.theme.errorStatus.Render(body)
		}
		b.WriteString(body)
		if turn.Result != nil {
			b.WriteString("\n")
			b.WriteString(m.theme.helpText.Render(resultSummary(turn.Result)))
		}
		b.WriteString("\n\n")
	}
	if m.snap.IsSubmitting {
		b.WriteString(m.theme.status.Render(m.spinner.View() + " " + stageCaption(m.snap.SimulatedStage)))
	}
	return strings.TrimSpace(b.String())
}

func isErrorTurn(turn history.Turn) bool {
	return turn.Role == history.RoleAssistant && turn.Result == nil && strings.HasPrefix(turn.Content, lifecycle.ErrorPrefix)
}

func stageCaption(current int) string {
	for _, info := range stage.Stages {
		if info.ID == current {
			return fmt.Sprintf("Stage %d/%d · %s", info.ID, stage.Max, info.Description)
		}
	}
	return "Sending question..."
}

func resultSummary(r *council.Result) string {
	parts := []string{}
	if r.Stage3Final != nil && r.Stage3Final.ChairmanModel != "" {
		parts = append(parts, "chairman "+council.ShortModelName(r.Stage3Final.ChairmanModel))
	}
	parts = append(parts,
		fmt.Sprintf("%d responses", len(r.Stage1Responses)),
		fmt.Sprintf("%d reviews", len(r.Stage2Reviews)),
	)
	if r.ProcessingTimeSeconds > 0 {
		parts = append(parts, fmt.Sprintf("%.1fs", r.ProcessingTimeSeconds))
	}
	return strings.Join(parts, " · ")
}

func (m *model) renderDetails() string {
	turn, pos, total, ok := m.selectedResult()
	if !ok {
		return "No council answers yet. Details appear here after the first successful query."
	}
	r := turn.Result
	width := maxInt(24, m.details.Width-2)
	var b strings.Builder

	b.WriteString(m.theme.helpText.Render(fmt.Sprintf("Answer %d of %d · %s · [ and ] switch answers", pos+1, total, resultSummary(r))))
	b.WriteString("\n\n")

	b.WriteString(m.theme.panelTitle.Render("Final Answer"))
	if r.Stage3Final != nil && r.Stage3Final.ChairmanModel != "" {
		b.WriteString(m.theme.helpText.Render("  chairman: " + r.Stage3Final.ChairmanModel))
	}
	b.WriteString("\n")
	b.WriteString(m.renderMarkdown(r.FinalContent(), width))
	b.WriteString("\n\n")

	b.WriteString(m.theme.panelTitle.Render("Stage 1 · Initial Responses"))
	b.WriteString("\n")
	if len(r.Stage1Responses) == 0 {
		b.WriteString(m.theme.helpText.Render("No individual responses were returned."))
	} else {
		idx := clampInt(m.modelIndex, 0, len(r.Stage1Responses)-1)
		tabs := make([]string, 0, len(r.Stage1Responses))
		for i, resp := range r.Stage1Responses {
			style := m.theme.modelIdle
			if i == idx {
				style = m.theme.modelActive
			}
			tabs = append(tabs, style.Render(council.ShortModelName(resp.ModelName)))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Left, tabs...))
		b.WriteString("\n")
		selected := r.Stage1Responses[idx]
		meta := fmt.Sprintf("%s · response %s · ~%d tokens · ←/→ switch model", selected.ModelName, selected.ModelID, m.tokens.Count(selected.Response))
		b.WriteString(m.theme.helpText.Render(meta))
		b.WriteString("\n")
		b.WriteString(m.renderMarkdown(selected.Response, width))
	}
	b.WriteString("\n\n")

	b.WriteString(m.theme.panelTitle.Render("Stage 2 · Cross Review"))
	b.WriteString("\n")
	b.WriteString(m.renderRankings(r, width))
	return strings.TrimRight(b.String(), "\n")
}

func (m *model) renderRankings(r *council.Result, width int) string {
	if len(r.Stage2Reviews) == 0 {
		return m.theme.helpText.Render("No peer reviews were returned.")
	}
	authors := make(map[string]string, len(r.Stage1Responses))
	for _, resp := range r.Stage1Responses {
		authors[resp.ModelID] = council.ShortModelName(resp.ModelName)
	}
	var b strings.Builder
	for _, review := range r.Stage2Reviews {
		b.WriteString(m.theme.status.Render(council.ShortModelName(review.ReviewerModel) + " ranked"))
		b.WriteString("\n")
		for _, ranking := range review.Rankings {
			line := fmt.Sprintf("#%d  Response %s", ranking.Rank, ranking.ResponseID)
			if author, ok := authors[ranking.ResponseID]; ok {
				line += " (" + author + ")"
			}
			b.WriteString(line)
			b.WriteString("\n")
			if reason := strings.TrimSpace(ranking.Reasoning); reason != "" {
				b.WriteString(m.theme.helpText.Render(indent(wrapText(reason, maxInt(20, width-4)), "    ")))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

type markdownCache struct {
	width    int
	renderer *glamour.TermRenderer
}

func (c *markdownCache) get(width int) *glamour.TermRenderer {
	if c.renderer != nil && c.width == width {
		return c.renderer
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	c.width = width
	c.renderer = r
	return r
}

// renderMarkdown falls back to plain wrapping when markdown is off or glamour fails.
func (m *model) renderMarkdown(text string, width int) string {
	if m.cfg.UI.Markdown && m.md != nil {
		if r := m.md.get(width); r != nil {
			if out, err := r.Render(text); err == nil {
				return strings.Trim(out, "\n")
			}
		}
	}
	return wrapText(strings.TrimSpace(text), width)
}

func (m *model) renderHelp() string {
	lines := []string{
		"Core Keys",
		"- Enter: send question (Chat tab)",
		"- Tab / Shift+Tab: switch views",
		"- Esc in chat: quit confirmation · elsewhere: back to chat",
		"- Ctrl+L: clear conversation (asks first)",
		"- Conversation scroll: PgUp/PgDn, Up/Down (input empty), Home/End",
		"- Details: ←/→ switch model response · [ / ] switch answer · Up/Down scroll",
		"- Ctrl+C: quit",
		"",
		"Slash Commands",
		"- /clear   clear the conversation",
		"- /health  re-check the council backend",
		"- /details open the details view",
		"- /help    show this help",
		"- /quit    leave",
		"",
		"How The Council Works",
	}
	for _, info := range stage.Stages {
		lines = append(lines, fmt.Sprintf("- Stage %d · %s: %s", info.ID, info.Name, info.Description))
	}
	lines = append(lines,
		"- Stage progress is estimated on a timer; the backend answers all at once",
		"",
		"Backend: "+m.cfg.API.BaseURL,
	)
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	if m.activeTab != tabChat {
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Chat tab. Press Tab or Esc to return."))
	}
	inputView := m.input.View()
	if m.snap.IsSubmitting {
		inputView = m.spinner.View() + " consulting... " + inputView
	}
	view := m.theme.inputPanel.Width(contentWidth).Render(inputView)
	if m.snap.LastError != "" {
		banner := m.theme.errorBanner.Width(contentWidth).Render("Error: " + compactSingleLine(m.snap.LastError, 200))
		view = lipgloss.JoinVertical(lipgloss.Left, banner, view)
	}
	return view
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := m.theme.helpText.Render("Keys: Tab switch view · Enter send · Ctrl+L clear · PgUp/PgDn scroll · Esc quit prompt · Ctrl+C quit")
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + hints)
}

func (m *model) renderModal(title, subtitle, note, confirm string) string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}

	accent := m.theme.modalAccent.Render(strings.Repeat("=", 40))
	body := strings.Join([]string{
		m.theme.errorStatus.Render(title),
		m.theme.helpText.Render(subtitle),
		"",
		accent,
		m.theme.helpText.Render(note),
		accent,
		"",
		m.theme.pick.Render(confirm) + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) renderPanes() {
	prevTimelineYOffset := m.timeline.YOffset
	prevTimelineAtBottom := m.timeline.AtBottom()
	prevDetailsYOffset := m.details.YOffset

	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)
	leftWidth, _ := chatPanelWidths(contentWidth)

	m.timeline.Width = maxInt(20, leftWidth-4)
	m.timeline.Height = maxInt(5, contentHeight-3)
	m.details.Width = maxInt(20, contentWidth-4)
	m.details.Height = maxInt(5, contentHeight-3)

	m.timeline.SetContent(m.renderTimeline())
	if prevTimelineAtBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(prevTimelineYOffset)
	}
	m.details.SetContent(m.renderDetails())
	m.details.SetYOffset(prevDetailsYOffset)
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

// formatResultPlain is the one-shot rendering of a council answer.
func formatResultPlain(r *council.Result, width int, md *markdownCache, markdown bool) string {
	var b strings.Builder
	final := strings.TrimSpace(r.FinalContent())
	if markdown && md != nil {
		if renderer := md.get(width); renderer != nil {
			if out, err := renderer.Render(final); err == nil {
				final = strings.Trim(out, "\n")
			}
		}
	}
	b.WriteString(final)
	b.WriteString("\n\n")
	b.WriteString(resultSummary(r))
	b.WriteString("\n")
	for _, review := range r.Stage2Reviews {
		ranks := make([]string, 0, len(review.Rankings))
		for _, ranking := range review.Rankings {
			ranks = append(ranks, fmt.Sprintf("#%d %s", ranking.Rank, ranking.ResponseID))
		}
		b.WriteString(fmt.Sprintf("%s ranked: %s\n", council.ShortModelName(review.ReviewerModel), strings.Join(ranks, ", ")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}

func wrapText(text string, width int) string {
	if width <= 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	wrapped := make([]string, 0, len(lines))
	for _, line := range lines {
		words := strings.Fields(line)
		if len(words) == 0 {
			wrapped = append(wrapped, "")
			continue
		}
		current := words[0]
		for _, word := range words[1:] {
			if len(current)+1+len(word) <= width {
				current += " " + word
				continue
			}
			wrapped = append(wrapped, current)
			current = word
		}
		wrapped = append(wrapped, current)
	}
	return strings.Join(wrapped, "\n")
}

// compactTimelineMessage collapses blank runs and caps a message for the conversation
// pane; the details tab shows the full text.
func compactTimelineMessage(text string, maxLines int, maxChars int) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
	if normalized == "" {
		return ""
	}
	lines := []string{}
	lastBlank := false
	for _, line := range strings.Split(normalized, "\n") {
		trimmed := strings.TrimRight(line, " \t")
		blank := strings.TrimSpace(trimmed) == ""
		if blank && lastBlank {
			continue
		}
		lines = append(lines, trimmed)
		lastBlank = blank
	}
	if maxLines > 0 && len(lines) > maxLines {
		hidden := len(lines) - maxLines
		lines = append(lines[:maxLines], fmt.Sprintf("[... %d more lines in Details]", hidden))
	}
	joined := strings.TrimSpace(strings.Join(lines, "\n"))
	if maxChars > 0 && len(joined) > maxChars {
		return strings.TrimSpace(truncate(joined, maxChars-18) + "\n[... truncated]")
	}
	return joined
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	if limit <= 3 {
		return string(runes[:limit])
	}
	return string(runes[:limit-3]) + "..."
}

func compactSingleLine(text string, limit int) string {
	return truncate(strings.Join(strings.Fields(text), " "), limit)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func clampInt(value, min, max int) int {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}

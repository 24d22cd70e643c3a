package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"tbwatch/internal/stream"
	"tbwatch/internal/viewer"
)

const (
	headerHeight = 2
	statusHeight = 2
	inputHeight  = 1
	maxTabTitle  = 18
)

var (
	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	okStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	activeTabStyle = lipgloss.NewStyle().Bold(true).Reverse(true).Padding(0, 1)
	tabStyle       = lipgloss.NewStyle().Padding(0, 1).Foreground(lipgloss.Color("7"))
	paneStyle      = lipgloss.NewStyle().BorderTop(true).BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("8"))
)

func (m *model) resize() {
	vpH := m.height - headerHeight - statusHeight - inputHeight - 1
	if vpH < 0 {
		vpH = 0
	}
	for _, t := range m.tabs {
		t.vp.Width = m.width
		t.vp.Height = vpH
	}
}

// refreshActive pushes the active controller's scrollback into its
// viewport when it changed, keeping the view glued to the bottom unless
// the user scrolled away.
func (m *model) refreshActive() {
	t := m.activeTab()
	if t == nil {
		return
	}
	contents := t.ctrl.Sink().Contents()
	if len(contents) == t.lastLen {
		return
	}
	t.lastLen = len(contents)
	t.vp.SetContent(contents)
	if t.follow {
		t.vp.GotoBottom()
	}
}

func (m model) View() string {
	if m.width <= 0 || m.height <= 0 {
		return ""
	}
	if m.fatal != nil {
		return lipgloss.NewStyle().Padding(1, 2).Render("fatal: " + m.fatal.Error())
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderTabBar())
	b.WriteString("\n")
	b.WriteString(m.renderPane())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m model) renderHeader() string {
	conn := string(m.connState)
	var connStyled string
	switch m.connState {
	case stream.StateOpen:
		connStyled = okStyle.Render(conn)
	case stream.StateError:
		connStyled = failStyle.Render(conn + " (press r to reconnect)")
	case stream.StateConnecting:
		connStyled = noticeStyle.Render(conn + " " + spinnerFrames[m.spinnerFrame])
	default:
		connStyled = dimStyle.Render(conn)
	}
	left := titleStyle.Render("tbwatch")
	right := dimStyle.Render("stream: ") + connStyled
	return left + "  " + right
}

func (m model) renderTabBar() string {
	if len(m.tabs) == 0 {
		return dimStyle.Render("no runs (press n to launch one)")
	}
	parts := make([]string, 0, len(m.tabs))
	for i, t := range m.tabs {
		state, _, _ := t.ctrl.Snapshot()
		label := fmt.Sprintf("%d %s %s", i+1, truncateTitle(t.title, maxTabTitle), stateGlyph(state, m.spinnerFrame))
		if i == m.active {
			parts = append(parts, activeTabStyle.Render(label))
		} else {
			parts = append(parts, tabStyle.Render(label))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m model) renderPane() string {
	t := m.activeTab()
	if t == nil {
		empty := dimStyle.Render("(no output)")
		return paneStyle.Width(m.width).Render(empty)
	}
	return paneStyle.Width(m.width).Render(t.vp.View())
}

func (m model) renderStatus() string {
	t := m.activeTab()
	if t == nil {
		if m.notice != "" {
			return noticeStyle.Render(m.notice)
		}
		return ""
	}
	state, statusLine, rec := t.ctrl.Snapshot()
	var stateStyled string
	switch state {
	case viewer.StateCompleted:
		stateStyled = okStyle.Render(string(state))
	case viewer.StateFailed:
		stateStyled = failStyle.Render(string(state))
	case viewer.StateStarting:
		stateStyled = noticeStyle.Render(string(state) + " " + spinnerFrames[m.spinnerFrame])
	default:
		stateStyled = noticeStyle.Render(string(state))
	}
	line := stateStyled
	if rec.TaskID != "" {
		line += dimStyle.Render("  run " + string(rec.Key()))
	}
	if statusLine != "" {
		line += "  " + truncateTitle(statusLine, m.width-20)
	}
	if m.notice != "" {
		line += "\n" + noticeStyle.Render(m.notice)
	} else {
		line += "\n"
	}
	return line
}

func (m model) renderFooter() string {
	if m.prompting {
		return m.input.View()
	}
	return dimStyle.Render("n new · x close · ←/→ tabs · ↑/↓ scroll · G follow · q quit")
}

func stateGlyph(state viewer.RunState, frame int) string {
	switch state {
	case viewer.StateStarting:
		return spinnerFrames[frame]
	case viewer.StateStreaming:
		return "▶"
	case viewer.StateCompleted:
		return "✓"
	case viewer.StateFailed:
		return "✗"
	default:
		return "·"
	}
}

func truncateTitle(s string, width int) string {
	if width <= 0 {
		return s
	}
	if runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width, "…")
}

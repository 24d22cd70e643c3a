// Package tui renders concurrent run viewers as tabs over one shared
// event stream.
package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/term"

	"tbwatch/internal/config"
	"tbwatch/internal/fanout"
	"tbwatch/internal/launch"
	"tbwatch/internal/runlog"
	"tbwatch/internal/runstate"
	"tbwatch/internal/stream"
	"tbwatch/internal/viewer"
)

var spinnerFrames = []string{"|", "/", "-", "\\"}

// Deps carries the wired subsystem a TUI session runs on. Store may be
// nil when no Redis is configured.
type Deps struct {
	Config   config.Config
	Registry *fanout.Registry
	Manager  *stream.Manager
	Launcher *launch.Client
	Store    *runstate.Store
	Log      *runlog.Logger
}

// LaunchSpec is one run requested from the command line at startup.
type LaunchSpec struct {
	StoragePath string
	TaskName    string
}

func Run(ctx context.Context, in io.Reader, out io.Writer, deps Deps, launches []LaunchSpec) error {
	if deps.Registry == nil || deps.Manager == nil || deps.Launcher == nil {
		return errors.New("tui requires registry, manager and launcher")
	}
	if f, ok := out.(*os.File); ok {
		if !term.IsTerminal(int(f.Fd())) {
			return fmt.Errorf("stdout is not a TTY; use `tbwatch run` for plain output")
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	model := newModel(ctx, deps, launches)
	prog := tea.NewProgram(
		model,
		tea.WithAltScreen(),
		tea.WithInput(in),
		tea.WithOutput(out),
	)
	_, err := prog.Run()
	deps.Manager.Close()
	return err
}

type asyncMsg struct {
	Event tea.Msg
}

type redrawMsg struct{}

type connStateMsg struct {
	State stream.State
}

type tickMsg struct{}

type startResolvedMsg struct {
	Tab *tab
	Err error
}

type runningLoadedMsg struct {
	Records []runstate.Record
	Err     error
}

type tab struct {
	title       string
	taskName    string
	storagePath string
	ctrl        *viewer.Controller
	vp          viewport.Model
	lastLen     int
	follow      bool
}

type model struct {
	ctx  context.Context
	deps Deps

	events chan asyncMsg

	width  int
	height int

	tabs     []*tab
	active   int
	initCmds []tea.Cmd

	input     textinput.Model
	prompting bool

	connState    stream.State
	notice       string
	spinnerFrame int
	fatal        error
}

func newModel(ctx context.Context, deps Deps, launches []LaunchSpec) model {
	inp := textinput.New()
	inp.Placeholder = "storage_path task_name"
	inp.Prompt = "launch › "
	inp.CharLimit = 0

	m := model{
		ctx:       ctx,
		deps:      deps,
		events:    make(chan asyncMsg, 512),
		input:     inp,
		connState: stream.StateClosed,
	}
	events := m.events
	deps.Manager.SetOnState(func(s stream.State) {
		select {
		case events <- asyncMsg{Event: connStateMsg{State: s}}:
		default:
		}
	})
	// Initial tabs are created here, before bubbletea owns the model;
	// Init only returns their launch commands.
	for _, spec := range launches {
		if t, cmd := m.launchTab(spec); t != nil {
			m.initCmds = append(m.initCmds, cmd)
		}
	}
	return m
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.openStreamCmd(),
		tickCmd(),
		waitAsyncCmd(m.events),
	}
	if m.deps.Store != nil {
		cmds = append(cmds, loadRunningCmd(m.ctx, m.deps.Store, m.deps.Config.UserID))
	}
	cmds = append(cmds, m.initCmds...)
	return tea.Batch(cmds...)
}

func (m *model) openStreamCmd() tea.Cmd {
	deps := m.deps
	events := m.events
	ctx := m.ctx
	return func() tea.Msg {
		err := deps.Manager.Open(ctx, deps.Config.UserID, deps.Config.ResolvedStreamURL())
		if err != nil {
			events <- asyncMsg{Event: connStateMsg{State: stream.StateError}}
			return nil
		}
		return nil
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg { return tickMsg{} })
}

func waitAsyncCmd(ch <-chan asyncMsg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func loadRunningCmd(ctx context.Context, store *runstate.Store, userID string) tea.Cmd {
	return func() tea.Msg {
		loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		recs, err := store.ListRunning(loadCtx, userID)
		return runningLoadedMsg{Records: recs, Err: err}
	}
}

// launchTab opens a new viewer for spec and returns the command that runs
// the launch request. Refused (nil, nil) when the per-task viewer cap is
// reached.
func (m *model) launchTab(spec LaunchSpec) (*tab, tea.Cmd) {
	if m.countTask(spec.TaskName) >= m.deps.Config.MaxViewersPerTask {
		m.notice = fmt.Sprintf("viewer cap reached for task %q (%d)", spec.TaskName, m.deps.Config.MaxViewersPerTask)
		return nil, nil
	}

	events := m.events
	sink := viewer.NewSink(m.deps.Config.ScrollbackLines, m.deps.Config.ScrollbackBytes)
	notify := func() {
		select {
		case events <- asyncMsg{Event: redrawMsg{}}:
		default:
		}
	}
	t := &tab{
		title:       spec.TaskName,
		taskName:    spec.TaskName,
		storagePath: spec.StoragePath,
		ctrl:        viewer.NewController(m.deps.Launcher, m.deps.Registry, sink, notify),
		vp:          viewport.New(0, 0),
		follow:      true,
	}
	m.tabs = append(m.tabs, t)
	m.active = len(m.tabs) - 1
	m.resize()

	ctx := m.ctx
	store := m.deps.Store
	userID := m.deps.Config.UserID
	return t, func() tea.Msg {
		err := t.ctrl.Start(ctx, spec.StoragePath, spec.TaskName)
		if err == nil && store != nil {
			_, _, rec := t.ctrl.Snapshot()
			markCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = store.MarkRunning(markCtx, userID, runstate.Record{
				TaskID:    rec.TaskID,
				RunID:     rec.RunID,
				TaskName:  spec.TaskName,
				StartedAt: rec.StartedAt,
			})
			cancel()
		}
		return startResolvedMsg{Tab: t, Err: err}
	}
}

// attachTab opens a viewer bound to an already-running record.
func (m *model) attachTab(rec runstate.Record) {
	if m.countTask(rec.TaskName) >= m.deps.Config.MaxViewersPerTask {
		return
	}
	events := m.events
	sink := viewer.NewSink(m.deps.Config.ScrollbackLines, m.deps.Config.ScrollbackBytes)
	notify := func() {
		select {
		case events <- asyncMsg{Event: redrawMsg{}}:
		default:
		}
	}
	t := &tab{
		title:    rec.TaskName,
		taskName: rec.TaskName,
		ctrl:     viewer.NewController(m.deps.Launcher, m.deps.Registry, sink, notify),
		vp:       viewport.New(0, 0),
		follow:   true,
	}
	if err := t.ctrl.Attach(rec.TaskID, rec.RunID); err != nil {
		m.deps.Log.Logf(runlog.KindWarn, "attach %s/%s: %v", rec.TaskName, rec.RunID, err)
		return
	}
	m.tabs = append(m.tabs, t)
	m.resize()
}

func (m *model) countTask(taskName string) int {
	n := 0
	for _, t := range m.tabs {
		if t.taskName == taskName {
			n++
		}
	}
	return n
}

func (m *model) closeActiveTab() {
	if m.active < 0 || m.active >= len(m.tabs) {
		return
	}
	t := m.tabs[m.active]
	t.ctrl.Close()
	m.tabs = append(m.tabs[:m.active], m.tabs[m.active+1:]...)
	if m.active >= len(m.tabs) {
		m.active = len(m.tabs) - 1
	}
	m.resize()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.refreshActive()
		return m, nil

	case asyncMsg:
		switch ev := msg.Event.(type) {
		case connStateMsg:
			m.connState = ev.State
		case redrawMsg:
			m.refreshActive()
		}
		return m, waitAsyncCmd(m.events)

	case tickMsg:
		m.spinnerFrame = (m.spinnerFrame + 1) % len(spinnerFrames)
		m.refreshActive()
		return m, tickCmd()

	case startResolvedMsg:
		if msg.Err != nil {
			m.notice = msg.Err.Error()
		}
		m.refreshActive()
		return m, nil

	case runningLoadedMsg:
		if msg.Err != nil {
			m.notice = "attach discovery failed: " + msg.Err.Error()
			return m, nil
		}
		for _, rec := range msg.Records {
			if m.hasRun(rec.TaskID, rec.RunID) {
				continue
			}
			m.attachTab(rec)
		}
		m.refreshActive()
		return m, nil

	case connStateMsg:
		m.connState = msg.State
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *model) hasRun(taskID, runID string) bool {
	for _, t := range m.tabs {
		_, _, rec := t.ctrl.Snapshot()
		if rec.TaskID == taskID && rec.RunID == runID {
			return true
		}
	}
	return false
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.prompting {
		switch msg.String() {
		case "esc":
			m.prompting = false
			m.input.Blur()
			m.input.SetValue("")
			return m, nil
		case "enter":
			m.prompting = false
			m.input.Blur()
			text := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			fields := strings.Fields(text)
			if len(fields) != 2 {
				m.notice = "usage: <storage_path> <task_name>"
				return m, nil
			}
			_, cmd := m.launchTab(LaunchSpec{StoragePath: fields[0], TaskName: fields[1]})
			return m, cmd
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}
	}

	switch msg.String() {
	case "ctrl+c", "q":
		for _, t := range m.tabs {
			t.ctrl.Close()
		}
		return m, tea.Quit
	case "left", "h":
		if len(m.tabs) > 0 {
			m.active = (m.active - 1 + len(m.tabs)) % len(m.tabs)
			m.refreshActive()
		}
		return m, nil
	case "right", "l", "tab":
		if len(m.tabs) > 0 {
			m.active = (m.active + 1) % len(m.tabs)
			m.refreshActive()
		}
		return m, nil
	case "n":
		m.prompting = true
		m.notice = ""
		m.input.Focus()
		return m, textinput.Blink
	case "x":
		m.closeActiveTab()
		return m, nil
	case "r":
		// Reopen the stream after a transport failure.
		if m.connState == stream.StateError || m.connState == stream.StateClosed {
			return m, m.openStreamCmd()
		}
		return m, nil
	case "up", "k":
		m.scrollActive(-1)
		return m, nil
	case "down", "j":
		m.scrollActive(1)
		return m, nil
	case "pgup":
		m.scrollActive(-10)
		return m, nil
	case "pgdown":
		m.scrollActive(10)
		return m, nil
	case "G":
		if t := m.activeTab(); t != nil {
			t.follow = true
			t.vp.GotoBottom()
		}
		return m, nil
	}
	return m, nil
}

func (m *model) activeTab() *tab {
	if m.active < 0 || m.active >= len(m.tabs) {
		return nil
	}
	return m.tabs[m.active]
}

func (m *model) scrollActive(lines int) {
	t := m.activeTab()
	if t == nil {
		return
	}
	t.follow = false
	if lines < 0 {
		t.vp.LineUp(-lines)
	} else {
		t.vp.LineDown(lines)
		if t.vp.AtBottom() {
			t.follow = true
		}
	}
}

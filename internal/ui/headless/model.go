// Package headless is the terminal status surface: it observes the agent's
// token status, connection state, and message stream without owning any of
// them.
package headless

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"mailpulse/internal/app"
	"mailpulse/internal/config"
	"mailpulse/internal/connstate"
	"mailpulse/internal/logging"
	"mailpulse/internal/realtime"
)

const (
	logChannelBufferSize     = 512
	statusChannelBufferSize  = 16
	messageChannelBufferSize = 16
	updateTickInterval       = 500 * time.Millisecond
	maxLogLines              = 200
)

type (
	logMsg      string
	statusMsg   string
	hubMsg      realtime.Message
	tickMsg     time.Time
	connectDone struct{ err error }
)

type model struct {
	version string
	opts    config.Options
	logger  *logging.Logger
	agent   *app.Agent

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	logCh    chan string
	statusCh chan string
	msgCh    chan realtime.Message

	status      string
	lastMessage *realtime.Message
	lastError   string
	connecting  bool
	logLines    []string

	spin     spinner.Model
	logView  viewport.Model
	width    int
	height   int
	ready    bool
}

func Run(rootCtx context.Context, version string, opts config.Options) {
	logger := logging.New(false)
	logger.SetDebugEnabled(opts.Debug)
	if err := logger.EnableFilePersistence(0); err != nil {
		logger.Warn("failed to enable file log persistence", logging.Field("error", err))
	}
	logger.SetTerminalOutputEnabled(false)
	logger.Info("starting mailpulse TUI", logging.Field("version", version))

	m, err := newModel(rootCtx, version, opts, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	program := tea.NewProgram(m, tea.WithAltScreen())
	result, runErr := program.Run()
	if finished, ok := result.(*model); ok && finished != nil {
		finished.cleanup()
	}
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		os.Exit(1)
	}
}

func newModel(rootCtx context.Context, version string, opts config.Options, logger *logging.Logger) (*model, error) {
	runCtx, cancel := context.WithCancel(rootCtx)

	m := &model{
		version:  version,
		opts:     opts,
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		logCh:    make(chan string, logChannelBufferSize),
		statusCh: make(chan string, statusChannelBufferSize),
		msgCh:    make(chan realtime.Message, messageChannelBufferSize),
		status:   connstate.Idle,
		spin:     spinner.New(spinner.WithSpinner(spinner.Dot)),
	}

	agent, err := app.New(opts, logger, app.Callbacks{
		OnStatusChange: func(status string) { pushLatest(m.statusCh, status) },
		OnMessage:      func(msg realtime.Message) { pushLatest(m.msgCh, msg) },
	})
	if err != nil {
		cancel()
		return nil, err
	}
	m.agent = agent

	m.unsubscribe = logger.Subscribe(func(event logging.Event) {
		pushLatest(m.logCh, logging.FormatEventStyled(event))
	})
	return m, nil
}

// pushLatest is a lossy send: when the buffer is full the oldest entry is
// dropped so producers never block the agent.
func pushLatest[T any](ch chan T, value T) {
	select {
	case ch <- value:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}

func (m *model) Init() tea.Cmd {
	cmds := []tea.Cmd{
		m.startAgentCmd(),
		waitForLog(m.logCh),
		waitForStatus(m.statusCh),
		waitForMessage(m.msgCh),
		m.spin.Tick,
		tickCmd(),
	}
	return tea.Batch(cmds...)
}

func (m *model) startAgentCmd() tea.Cmd {
	return func() tea.Msg {
		return connectDone{err: m.agent.Start(m.ctx)}
	}
}

func (m *model) connectCmd() tea.Cmd {
	m.connecting = true
	return func() tea.Msg {
		return connectDone{err: m.agent.Connect(m.ctx)}
	}
}

func waitForLog(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return nil
		}
		return logMsg(line)
	}
}

func waitForStatus(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		status, ok := <-ch
		if !ok {
			return nil
		}
		return statusMsg(status)
	}
}

func waitForMessage(ch <-chan realtime.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return hubMsg(msg)
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(updateTickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLogView()
		return m, nil
	case connectDone:
		m.connecting = false
		if msg.err != nil {
			m.lastError = msg.err.Error()
		} else {
			m.lastError = ""
		}
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, waitForStatus(m.statusCh)
	case hubMsg:
		message := realtime.Message(msg)
		m.lastMessage = &message
		return m, waitForMessage(m.msgCh)
	case logMsg:
		m.appendLogLine(string(msg))
		return m, waitForLog(m.logCh)
	case tickMsg:
		return m, tickCmd()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "c":
		if !m.connecting && connstate.Key(m.status) != connstate.KeyConnected {
			return m, m.connectCmd()
		}
	case "d":
		m.agent.Disconnect()
	case "s":
		m.agent.SignOut()
		m.lastMessage = nil
	case "up", "k", "down", "j", "pgup", "pgdown":
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *model) appendLogLine(line string) {
	m.logLines = append(m.logLines, line)
	if len(m.logLines) > maxLogLines {
		m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
	}
	if m.ready {
		atBottom := m.logView.AtBottom()
		m.logView.SetContent(joinLines(m.logLines))
		if atBottom {
			m.logView.GotoBottom()
		}
	}
}

func (m *model) cleanup() {
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	if m.agent != nil {
		m.agent.Close()
	}
	m.cancel()
	_ = m.logger.Close()
}

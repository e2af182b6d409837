package statuscmder

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/papercomputeco/spool/api"
	"github.com/papercomputeco/spool/pkg/cliui"
)

type listMsg struct {
	list *api.ListResponse
	err  error
}

type tickMsg struct{}

type fetchFunc func(ctx context.Context) (*api.ListResponse, error)

// watchModel polls the stream list on a fixed interval and renders it in
// place.
type watchModel struct {
	ctx      context.Context
	fetch    fetchFunc
	interval time.Duration
	spinner  spinner.Model

	list    *api.ListResponse
	err     error
	updated time.Time
}

var _ tea.Model = watchModel{}

func newWatchModel(ctx context.Context, fetch fetchFunc, interval time.Duration) watchModel {
	return watchModel{
		ctx:      ctx,
		fetch:    fetch,
		interval: interval,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.poll())
}

func (m watchModel) poll() tea.Cmd {
	return func() tea.Msg {
		list, err := m.fetch(m.ctx)
		return listMsg{list: list, err: err}
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case listMsg:
		m.err = msg.err
		if msg.err == nil {
			m.list = msg.list
			m.updated = time.Now()
		}
		return m, tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })

	case tickMsg:
		return m, m.poll()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	switch {
	case m.list != nil:
		render(&b, m.list)
	case m.err == nil:
		fmt.Fprintf(&b, "\n  %s loading streams\n\n", m.spinner.View())
	}

	if m.err != nil {
		fmt.Fprintf(&b, "  %s %s\n", cliui.FailMark, m.err)
	}

	status := "waiting for first refresh"
	if !m.updated.IsZero() {
		status = "updated " + m.updated.Format(time.TimeOnly)
	}
	fmt.Fprintf(&b, "  %s %s\n", m.spinner.View(), cliui.DimStyle.Render(status+" · q to quit"))

	return b.String()
}

func (c *statusCommander) runWatch(ctx context.Context, in io.Reader, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m := newWatchModel(ctx, c.fetch, c.interval)
	_, err := tea.NewProgram(m,
		tea.WithContext(ctx),
		tea.WithInput(in),
		tea.WithOutput(out),
	).Run()
	return err
}

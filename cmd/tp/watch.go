package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	cl "treepot/internal/cli"
	"treepot/internal/game"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	watchHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	watchError  = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	watchHelp   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

type branchMsg struct {
	view game.BranchView
	err  error
	at   time.Time
}

type refreshMsg struct{}

type watchModel struct {
	fetch   func() (game.BranchView, error)
	every   time.Duration
	spinner spinner.Model
	view    game.BranchView
	err     error
	at      time.Time
	loading bool
}

func newWatchModel(fetch func() (game.BranchView, error), every time.Duration) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return watchModel{fetch: fetch, every: every, spinner: s, loading: true}
}

func (m watchModel) load() tea.Cmd {
	return func() tea.Msg {
		v, err := m.fetch()
		return branchMsg{view: v, err: err, at: time.Now()}
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.load())
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.loading {
				m.loading = true
				return m, m.load()
			}
		}
		return m, nil
	case branchMsg:
		m.loading = false
		m.at = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.view = msg.view
		}
		return m, tea.Tick(m.every, func(time.Time) tea.Msg { return refreshMsg{} })
	case refreshMsg:
		if m.loading {
			return m, nil
		}
		m.loading = true
		return m, m.load()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	status := "updated " + m.at.Format("15:04:05")
	if m.loading {
		status = m.spinner.View() + " refreshing"
	}
	b.WriteString(watchHeader.Render(fmt.Sprintf("watching branch %d", m.view.ID)))
	b.WriteString("  " + status + "\n\n")
	if m.view.ID != 0 {
		b.WriteString(branchTree(m.view).String())
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString("\n" + watchError.Render(m.err.Error()) + "\n")
	}
	b.WriteString("\n" + watchHelp.Render("r refresh, q quit") + "\n")
	return b.String()
}

func newWatchCmd(apiBase *string) *cobra.Command {
	var every time.Duration
	cmd := &cobra.Command{
		Use:   "watch [branch-id]",
		Short: "Live view of a branch's revenue and stakes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := cl.LoadSession()
			if err != nil {
				return fmt.Errorf("login required: %w", err)
			}
			id, err := int64FromArgOrPrompt(args, 0, "Branch ID")
			if err != nil {
				return err
			}
			if every < time.Second {
				every = time.Second
			}
			client := newClient(apiBase)
			fetch := func() (game.BranchView, error) {
				ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
				defer cancel()
				return client.Branch(ctx, sess.AccessToken, id)
			}
			_, err = tea.NewProgram(newWatchModel(fetch, every), tea.WithAltScreen()).Run()
			return err
		},
	}
	cmd.Flags().DurationVar(&every, "every", 5*time.Second, "refresh interval")
	return cmd
}

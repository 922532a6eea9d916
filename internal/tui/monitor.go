package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mev-engine/arb-economics/internal/api"
	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/metrics"
	"github.com/mev-engine/arb-economics/pkg/report"
)

// Config holds configuration for the TUI monitor
type Config struct {
	APIURL      string
	RefreshRate int // milliseconds
	CompactMode bool
	Debug       bool
}

// Dashboard is one poll of the engine API
type Dashboard struct {
	Online  bool
	Health  *api.HealthResponse
	Breaker *api.BreakerStatus
	Tips    *api.TipsResponse
	Summary *metrics.Summary
}

// Model represents the TUI application state
type Model struct {
	config     Config
	client     *api.Client
	dashboard  *Dashboard
	loading    bool
	error      error
	width      int
	height     int
	lastUpdate time.Time
}

// tickMsg is sent when the refresh timer ticks
type tickMsg time.Time

// dashboardMsg is sent when a poll completes
type dashboardMsg *Dashboard

// errorMsg is sent when an error occurs
type errorMsg error

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	contentStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD")).
			Padding(1, 2)

	sectionStyle = lipgloss.NewStyle().Bold(true).Underline(true)
	faintStyle   = lipgloss.NewStyle().Faint(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")).Bold(true)

	stateColors = map[circuit.State]lipgloss.Color{
		circuit.StateClosed:   lipgloss.Color("#00FF00"),
		circuit.StateHalfOpen: lipgloss.Color("#FFFF00"),
		circuit.StateOpen:     lipgloss.Color("#FF0000"),
	}
)

// StartMonitor starts the TUI monitor application
func StartMonitor(config Config) error {
	p := tea.NewProgram(initialModel(config), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func initialModel(config Config) Model {
	if config.RefreshRate <= 0 {
		config.RefreshRate = 1000
	}
	return Model{
		config:  config,
		client:  api.NewClient(config.APIURL, 5*time.Second),
		loading: true,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		fetchDashboard(m.client),
		tickCmd(m.config.RefreshRate),
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchDashboard(m.client)
		case "c":
			m.config.CompactMode = !m.config.CompactMode
			return m, nil
		}

	case tickMsg:
		return m, tea.Batch(
			fetchDashboard(m.client),
			tickCmd(m.config.RefreshRate),
		)

	case dashboardMsg:
		m.dashboard = msg
		m.loading = false
		m.error = nil
		m.lastUpdate = time.Now()
		return m, nil

	case errorMsg:
		m.error = msg
		m.loading = false
		return m, nil
	}

	return m, nil
}

func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Width(m.width - 2).Render("Arbitrage Engine Monitor"))
	b.WriteString("\n\n")
	b.WriteString(faintStyle.Render("Press 'r' to refresh, 'c' to toggle compact mode, 'q' to quit"))
	b.WriteString("\n\n")

	switch {
	case m.error != nil:
		b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.error)))
		b.WriteString("\n")
	case m.loading:
		b.WriteString("Loading engine status...\n")
	case m.dashboard != nil:
		b.WriteString(m.renderDashboard())
	}

	if !m.lastUpdate.IsZero() {
		b.WriteString("\n")
		b.WriteString(faintStyle.Render(fmt.Sprintf("Last updated: %s  (%s)", m.lastUpdate.Format("15:04:05"), m.client.BaseURL())))
	}

	return contentStyle.Width(m.width - 4).Render(b.String())
}

func (m Model) renderDashboard() string {
	d := m.dashboard
	if !d.Online {
		return errorStyle.Render("Engine offline") + "\n"
	}

	var b strings.Builder
	if d.Health != nil {
		fmt.Fprintf(&b, "Status: %s   Version: %s   Uptime: %s\n", d.Health.Status, d.Health.Version, d.Health.Uptime)
	}

	if d.Breaker != nil {
		state := d.Breaker.State
		style := lipgloss.NewStyle().Foreground(stateColors[state]).Bold(true)
		fmt.Fprintf(&b, "Breaker: %s   Health: %d/100\n", style.Render(strings.ToUpper(string(state))), d.Breaker.HealthScore)
		if d.Breaker.ShouldBreak && state == circuit.StateClosed {
			b.WriteString(errorStyle.Render("Trip pending: "+d.Breaker.BreakReason) + "\n")
		}
		if !m.config.CompactMode {
			b.WriteString("\n")
			b.WriteString(report.BreakerReport(d.Breaker.Snapshot, d.Breaker.HealthScore))
		}
	}

	if d.Summary != nil {
		b.WriteString("\n" + sectionStyle.Render("Activity") + "\n")
		s := d.Summary
		fmt.Fprintf(&b, "Evaluations: %d   Executed: %d   Bundles: %d ok / %d failed\n",
			s.Evaluations, s.Executed, s.BundlesSucceeded, s.BundlesFailed)
		fmt.Fprintf(&b, "Average bid: %.0f lamports   Breaker trips: %d\n", s.AverageBid, s.BreakerTrips)
		if !m.config.CompactMode && len(s.RejectionsBy) > 0 {
			stages := make([]string, 0, len(s.RejectionsBy))
			for stage := range s.RejectionsBy {
				stages = append(stages, stage)
			}
			sort.Strings(stages)
			for _, stage := range stages {
				fmt.Fprintf(&b, "  rejected at %-16s %d\n", stage, s.RejectionsBy[stage])
			}
		}
	}

	if d.Tips != nil {
		b.WriteString("\n" + sectionStyle.Render("Tips") + "\n")
		fmt.Fprintf(&b, "p50: %d   p75: %d   p95: %d lamports   source: %s\n",
			d.Tips.Lamports["p50"], d.Tips.Lamports["p75"], d.Tips.Lamports["p95"], d.Tips.Source)
		if d.Tips.Error != "" {
			b.WriteString(faintStyle.Render("feed: "+d.Tips.Error) + "\n")
		}
	}

	return b.String()
}

func fetchDashboard(client *api.Client) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		dashboard, err := loadDashboard(ctx, client)
		if err != nil {
			return errorMsg(err)
		}
		return dashboardMsg(dashboard)
	}
}

// loadDashboard polls the API. An unreachable engine is reported offline,
// not as an error; the summary is optional since metrics may be disabled.
func loadDashboard(ctx context.Context, client *api.Client) (*Dashboard, error) {
	health, err := client.Health(ctx)
	if err != nil {
		return &Dashboard{Online: false}, nil
	}

	d := &Dashboard{Online: true, Health: health}
	if d.Breaker, err = client.Breaker(ctx); err != nil {
		return nil, err
	}
	if d.Tips, err = client.Tips(ctx, false); err != nil {
		return nil, err
	}
	d.Summary, _ = client.Summary(ctx)
	return d, nil
}

func tickCmd(refreshRate int) tea.Cmd {
	return tea.Tick(time.Duration(refreshRate)*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

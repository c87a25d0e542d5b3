// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/j1939stat/pkg/j1939"
)

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for notices
}

// TUI model
type statsModel struct {
	connInfo      string
	address       uint8
	showAll       bool
	stats         *j1939.Statistics
	registry      *j1939.Registry
	tp            func() j1939.TPStats
	sources       table.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	width         int
	height        int
	quitting      bool
	busLost       bool
}

// Messages
type statsTickMsg time.Time
type packetMsg struct {
	packet j1939.Packet
}
type busErrorMsg struct {
	err     error
	tpAbort bool
}
type conflictMsg struct {
	packet j1939.Packet
}
type busClosedMsg struct{}

// formatElapsed formats a duration to a human-friendly string
func formatElapsed(d time.Duration) string {
	seconds := int64(d / time.Second)
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n int64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newSourcesTable() table.Model {
	columns := []table.Column{
		{Title: "Addr", Width: 6},
		{Title: "Packets", Width: 9},
		{Title: "Bytes", Width: 9},
		{Title: "PGNs", Width: 5},
		{Title: "Last PGN", Width: 22},
		{Title: "Last Seen", Width: 12},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

func initialStatsModel(connInfo string, address uint8, bitrate int, showAll bool, tp func() j1939.TPStats) statsModel {
	return statsModel{
		connInfo:      connInfo,
		address:       address,
		showAll:       showAll,
		stats:         j1939.NewStatistics(bitrate),
		registry:      j1939.DefaultRegistry(),
		tp:            tp,
		sources:       newSourcesTable(),
		eventLog:      make([]eventLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m statsModel) Init() tea.Cmd {
	return tea.Batch(
		statsTickCmd(),
		tea.EnterAltScreen,
	)
}

func statsTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return statsTickMsg(t)
	})
}

func (m statsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.refreshSources()
			m.addLogEntry("Statistics reset", false)
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case statsTickMsg:
		m.stats.CalculateRates()
		m.refreshSources()
		return m, statsTickCmd()

	case packetMsg:
		m.stats.Update(msg.packet)
		if m.showAll {
			m.addLogEntry(fmt.Sprintf("%s from 0x%02X", m.registry.Name(msg.packet.PGN()), msg.packet.Source()), false)
		} else if j1939.IsAcknowledgment(msg.packet) {
			if ack, err := j1939.ParseAcknowledgment(msg.packet); err == nil && ack.Control != j1939.AckPositive {
				m.addLogEntry(ack.String(), true)
			}
		}

	case busErrorMsg:
		if msg.tpAbort {
			m.stats.RecordTPAbort()
		} else {
			m.stats.RecordBusError()
		}
		m.addLogEntry(msg.err.Error(), true)

	case conflictMsg:
		m.stats.RecordAddressConflict()
		m.addLogEntry(fmt.Sprintf("ADDRESS CONFLICT: %s", msg.packet), true)

	case busClosedMsg:
		m.busLost = true
		m.addLogEntry("Bus closed", true)
	}

	var cmd tea.Cmd
	m.sources, cmd = m.sources.Update(msg)
	return m, cmd
}

func (m *statsModel) refreshSources() {
	sources := m.stats.SortedSources()
	rows := make([]table.Row, 0, len(sources))
	for _, src := range sources {
		rows = append(rows, table.Row{
			fmt.Sprintf("0x%02X", src.Address),
			fmt.Sprintf("%d", src.Packets),
			fmt.Sprintf("%d", src.Bytes),
			fmt.Sprintf("%d", len(src.PGNs)),
			m.registry.Name(src.LastPGN),
			src.LastSeen.Format("15:04:05.000"),
		})
	}
	m.sources.SetRows(rows)
}

func (m *statsModel) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

func (m statsModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("J1939STAT - BUS STATISTICS"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Address: 0x%02X | Press 'r' to reset, 'q' to quit",
		m.connInfo, m.address)))
	s.WriteString("\n\n")

	if m.busLost {
		s.WriteString(errorStyle.Render("✗ Bus closed"))
	} else {
		s.WriteString(statsValueStyle.Render("✓ Running for " + formatElapsed(time.Since(m.stats.StartTime))))
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	errorCount := st.BusErrors + st.TPAborts + st.AddressConflicts

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalPackets)),
		statsLabelStyle.Render("RX:"), statsValueStyle.Render(fmt.Sprintf("%d", st.ReceivedPackets)),
		statsLabelStyle.Render("TX:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TransmittedPkts)),
		statsLabelStyle.Render("Multi-Packet:"), statsValueStyle.Render(fmt.Sprintf("%d", st.MultiPacket)),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Requests:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Requests)),
		statsLabelStyle.Render("ACK:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Acks)),
		statsLabelStyle.Render("NACK:"), warningStyle.Render(fmt.Sprintf("%d", st.Nacks)),
	))

	if errorCount > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Bus Errors:"), errorStyle.Render(fmt.Sprintf("%d", st.BusErrors)),
			statsLabelStyle.Render("TP Aborts:"), errorStyle.Render(fmt.Sprintf("%d", st.TPAborts)),
			statsLabelStyle.Render("Conflicts:"), errorStyle.Render(fmt.Sprintf("%d", st.AddressConflicts)),
		))
	}

	if m.tp != nil {
		tp := m.tp()
		statsContent.WriteString(fmt.Sprintf("%s %s\n",
			statsLabelStyle.Render("TP Sessions:"),
			headerStyle.Render(fmt.Sprintf("received %d, sent %d, dropped %d, aborted %d",
				tp.Received, tp.Sent, tp.Dropped, tp.Aborted)),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", st.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if st.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
		}(),
		statsLabelStyle.Render("Bus Load:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", st.BusLoad)),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Sources
	s.WriteString(statsLabelStyle.Render(fmt.Sprintf("Sources (%d):", len(st.Sources))))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(m.sources.View()))
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	// Calculate how many log entries we can show
	logHeight := m.height - 27 // Reserve space for header, stats and sources
	if logHeight < 3 {
		logHeight = 3
	}

	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("01/02/06 15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

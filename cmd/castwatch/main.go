// Command castwatch subscribes to a statecast anchor and renders the
// merged instance state as a live table.
package main

import (
	"cmp"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/statecast-project/statecast/internal/util"
	"github.com/statecast-project/statecast/pkg/client"
	"github.com/statecast-project/statecast/pkg/delta"
	"github.com/statecast-project/statecast/pkg/instance"
)

const (
	purple    = lipgloss.Color("99")
	orange    = lipgloss.Color("214")
	gray      = lipgloss.Color("245")
	lightGray = lipgloss.Color("241")
)

var (
	RandomTypeColors = []lipgloss.Color{
		lipgloss.Color("12"),
		lipgloss.Color("4"),
		lipgloss.Color("13"),
		lipgloss.Color("5"),
		lipgloss.Color("14"),
		lipgloss.Color("4"),
	}

	HeaderStyle = lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center)

	CellStyle = lipgloss.NewStyle().
			Padding(0, 1)
	OddRowStyle = CellStyle.
			Foreground(gray)
	EvenRowStyle = CellStyle.
			Foreground(lightGray)

	ActivityStyle = lipgloss.NewStyle().
			Foreground(orange).
			Bold(true)

	ChangedStyle = lipgloss.NewStyle().
			Foreground(purple).
			Bold(true)
)

func tableStyleFunc(row, _ int) lipgloss.Style {
	var style lipgloss.Style

	switch {
	case row == table.HeaderRow:
		return HeaderStyle
	case row%2 == 0:
		style = EvenRowStyle
	default:
		style = OddRowStyle
	}
	return style
}

var (
	flagServer  string
	flagChannel string
	flagAnchor  int64
	flagToken   string
	flagFilter  string
	flagOrder   util.StringSliceFlag
)

type row struct {
	lastUpdate time.Time

	typ string
	id  int64

	name          string
	nameChangedAt time.Time

	op          string
	opChangedAt time.Time

	fields  int
	deleted bool
}

func rowKey(typ string, id int64) string {
	return fmt.Sprintf("%s/%d", typ, id)
}

type model struct {
	rows      map[string]row
	typeOrder map[string]int
	colors    map[string]lipgloss.Color

	spin    spinner.Model
	syncing bool
	channel string
	anchor  int64

	err      error
	quitting bool
}

type tickMsg struct{}

type updateMsg struct {
	row row
}

type syncedMsg struct{}

type streamErrMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spin.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc", "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		cmds = append(cmds, tick())
	case spinner.TickMsg:
		if m.syncing {
			var cmd tea.Cmd
			m.spin, cmd = m.spin.Update(msg)
			cmds = append(cmds, cmd)
		}
	case syncedMsg:
		m.syncing = false
	case streamErrMsg:
		m.err = msg.err
		return m, tea.Quit
	case updateMsg:
		key := rowKey(msg.row.typ, msg.row.id)
		if msg.row.deleted {
			delete(m.rows, key)
			return m, nil
		}
		if oldRow, oldRowFound := m.rows[key]; oldRowFound {
			if msg.row.op != oldRow.op {
				msg.row.opChangedAt = time.Now()
			} else {
				msg.row.opChangedAt = oldRow.opChangedAt
			}
			if msg.row.name != oldRow.name {
				msg.row.nameChangedAt = time.Now()
			} else {
				msg.row.nameChangedAt = oldRow.nameChangedAt
			}
		} else {
			msg.row.opChangedAt = time.Now()
			msg.row.nameChangedAt = time.Now()
		}
		m.rows[key] = msg.row
	}
	return m, tea.Batch(cmds...)
}

func (m model) View() string {
	if m.quitting {
		return "Bye!\n"
	}

	header := fmt.Sprintf("watching %s/%d", m.channel, m.anchor)
	if m.syncing {
		header = m.spin.View() + " syncing " + header
	}

	t := table.New().StyleFunc(tableStyleFunc)
	t.Headers("Type", "ID", "Name", "Fields", "Op", "Last Update")

	rows := make([]row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}

	slices.SortFunc(rows, func(a, b row) int {
		aOrder, aExists := m.typeOrder[a.typ]
		bOrder, bExists := m.typeOrder[b.typ]

		if aExists && bExists {
			if aOrder != bOrder {
				return aOrder - bOrder
			}
		} else if aExists {
			return -1
		} else if bExists {
			return 1
		}

		if a.typ != b.typ {
			return strings.Compare(a.typ, b.typ)
		}
		return cmp.Compare(a.id, b.id)
	})

	prevType := ""
	for _, r := range rows {
		timeStr := humanize.Time(r.lastUpdate)
		if time.Since(r.lastUpdate) < 3*time.Second {
			timeStr = ActivityStyle.Render(timeStr)
		}

		color, hasColor := m.colors[r.typ]
		if !hasColor {
			color = RandomTypeColors[len(m.colors)%len(RandomTypeColors)]
			m.colors[r.typ] = color
		}

		nameStr := r.name
		if time.Since(r.nameChangedAt) < 10*time.Second {
			nameStr = ChangedStyle.Render(nameStr)
		}

		opStr := r.op
		if time.Since(r.opChangedAt) < 10*time.Second {
			opStr = ChangedStyle.Render(opStr)
		}

		if prevType != "" && r.typ != prevType {
			t.Row()
		}
		prevType = r.typ

		t.Row(
			lipgloss.NewStyle().Foreground(color).Render(r.typ),
			fmt.Sprintf("%d", r.id),
			nameStr,
			fmt.Sprintf("%d", r.fields),
			opStr,
			timeStr,
		)
	}

	return "\n" + header + "\n" + t.Render()
}

func init() {
	flag.StringVar(&flagServer, "server", "http://localhost:8094", "statecast server base URL")
	flag.StringVar(&flagChannel, "channel", "", "channel to watch")
	flag.Int64Var(&flagAnchor, "anchor", 0, "anchor instance id")
	flag.StringVar(&flagToken, "token", "", "bearer token")
	flag.StringVar(&flagFilter, "filter", "", "server-side filter expression")
	flag.Var(&flagOrder, "order", "<type> (repeatable)")
	flag.Parse()
}

func main() {
	if flagChannel == "" {
		log.Fatal("missing -channel")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c := client.New(flagServer, client.WithToken(flagToken))
	sub, err := c.Subscribe(ctx, flagChannel, flagAnchor, client.SubscribeOptions{Filter: flagFilter})
	if err != nil {
		log.Fatal("Cannot subscribe:", err)
		return
	}
	defer sub.Close()

	order := make(map[string]int)
	for i, r := range flagOrder {
		order[r] = i
	}

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(orange)

	program := tea.NewProgram(model{
		rows:      make(map[string]row),
		typeOrder: order,
		colors:    make(map[string]lipgloss.Color),
		spin:      sp,
		syncing:   true,
		channel:   flagChannel,
		anchor:    flagAnchor,
	})

	go runCollector(ctx, program, sub)

	finalModel, err := program.Run()
	if err != nil {
		log.Fatal(err)
	}
	if m, ok := finalModel.(model); ok && m.err != nil {
		log.Fatal("Stream ended:", m.err)
	}
}

// runCollector folds the subscription into merged per-instance records
// and feeds display rows to the TUI program.
func runCollector(ctx context.Context, program *tea.Program, sub *client.Subscription) {
	state := make(map[string]delta.Record)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Updates():
			if !ok {
				program.Send(streamErrMsg{err: sub.Err()})
				return
			}
			if ev.EndOfInitialState {
				program.Send(syncedMsg{})
				continue
			}
			for _, rec := range ev.Records {
				typ := instance.Type(rec)
				if typ == instance.TypeNotification {
					continue
				}
				id, idErr := instance.ID(rec)
				if idErr != nil {
					continue
				}
				key := rowKey(typ, id)

				if instance.IsDeleted(rec) || instance.OperationOf(rec) == instance.OpDelete {
					delete(state, key)
					program.Send(updateMsg{row: row{typ: typ, id: id, deleted: true}})
					continue
				}

				merged := delta.Merge(state[key], rec)
				state[key] = merged

				program.Send(updateMsg{row: row{
					lastUpdate: time.Now(),
					typ:        typ,
					id:         id,
					name:       displayName(merged),
					op:         instance.OperationOf(rec),
					fields:     payloadFields(merged),
				}})
			}
		}
	}
}

// displayName picks a human-facing label from the usual suspects.
func displayName(rec delta.Record) string {
	for _, field := range []string{"name", "title", "label"} {
		if v, ok := rec[field].(string); ok && v != "" {
			return v
		}
	}
	return "-"
}

// payloadFields counts the record's own fields, meta keys excluded.
func payloadFields(rec delta.Record) int {
	n := 0
	for k := range rec {
		if k == instance.KeyID || strings.HasPrefix(k, "_") {
			continue
		}
		n++
	}
	return n
}

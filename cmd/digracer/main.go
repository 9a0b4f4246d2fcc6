package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/minernet/digracer/internal/formula"
	"github.com/minernet/digracer/internal/game"
	"github.com/minernet/digracer/internal/race"
	"github.com/minernet/digracer/internal/transport"
	dws "github.com/minernet/digracer/internal/websocket"
	"github.com/minernet/digracer/utils/database"
)

type state int

const (
	stateMenu state = iota
	stateMatchmaking
	stateRacing
	stateDone
)

// Color Guide
// 15   White
// 12   Blue
// 9    Red
// 8    Gray
// 3    Yellow
// 10   Green

var (
	titleStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("3")).
			Padding(0, 1).
			Foreground(lipgloss.Color("3")).
			SetString("DigRacer")

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15")).
			Bold(true)

	choiceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	winStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10")).
			Bold(true)

	loseStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	barStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	layoutStyle = lipgloss.NewStyle().
			Align(lipgloss.Left).
			Margin(1, 2).
			Width(64)
)

// messages delivered from the controller callbacks into the tea loop
type startMsg struct{ start game.Start }
type progressMsg struct {
	participantID string
	progress      int
}
type gameOverMsg struct {
	isWinner bool
	result   race.Result
}
type leaderboardMsg struct{ entries []database.LeaderboardEntry }
type matchErrMsg struct{ err error }

type model struct {
	name       string
	finishLine int
	ctrl       *game.Controller
	events     chan tea.Msg
	httpBase   string

	state       state
	sheet       formula.Sheet
	qIndex      int
	opponentID  string
	role        race.Role
	myProgress  int
	oppProgress int
	isWinner    bool
	forfeitWin  bool
	lastErr     error
	leaderboard []database.LeaderboardEntry
}

func main() {
	_ = godotenv.Load()

	name := getEnv("PLAYER_NAME", "digger-"+uuid.NewString()[:8])
	wsURL := getEnv("SERVER_WS", "ws://localhost:8090/ws")
	httpBase := getEnv("SERVER_HTTP", "http://localhost:8090")
	finishLine := race.DefaultFinishLine
	if v, err := strconv.Atoi(getEnv("FINISH_LINE", "")); err == nil && v > 0 {
		finishLine = v
	}

	logFile, err := os.OpenFile("digracer.log", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Println("Error opening log file:", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := zerolog.New(logFile).With().Timestamp().Logger()

	events := make(chan tea.Msg, 64)

	ctrl := game.NewController(game.Config{
		ParticipantID: name,
		FinishLine:    finishLine,
		RemoveAfter:   game.DefaultRemoveAfter,
		Logger:        logger,
	})

	// written by the dialer, read from the client's dispatch goroutine
	var cliMu sync.Mutex
	var cli *dws.Client
	ctrl.SetHandlers(game.Handlers{
		OnStart: func(s game.Start) {
			events <- startMsg{start: s}
		},
		OnProgress: func(pid string, progress int) {
			events <- progressMsg{participantID: pid, progress: progress}
		},
		OnGameOver: func(pid string, isWinner bool, res race.Result) {
			events <- gameOverMsg{isWinner: isWinner, result: res}
		},
		OnResult: func(res race.Result) {
			// only the winner reports, so each race lands once server-side
			if res.WinnerID != name {
				return
			}
			cliMu.Lock()
			c := cli
			cliMu.Unlock()
			if c != nil {
				if err := c.ReportResult(res.WinnerID, res.LoserID, res.WinningProgress, res.Forfeit); err != nil {
					logger.Warn().Err(err).Msg("report result")
				}
			}
		},
	})

	dial := dialerFunc(func(ctx context.Context, pid string, ev transport.Events) (transport.Conn, error) {
		c, err := dws.Dial(ctx, wsURL, pid, ev, logger)
		if err != nil {
			return nil, err
		}
		cliMu.Lock()
		cli = c
		cliMu.Unlock()
		return c, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = ctrl.Connect(ctx, dial)
	cancel()
	if err != nil {
		fmt.Println("Error connecting to server:", err)
		os.Exit(1)
	}
	defer ctrl.Close()

	m := model{
		name:       name,
		finishLine: finishLine,
		ctrl:       ctrl,
		events:     events,
		httpBase:   httpBase,
	}
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
	}
}

type dialerFunc func(ctx context.Context, participantID string, ev transport.Events) (transport.Conn, error)

func (f dialerFunc) Connect(ctx context.Context, participantID string, ev transport.Events) (transport.Conn, error) {
	return f(ctx, participantID, ev)
}

func (m model) Init() tea.Cmd {
	return m.waitForEvent()
}

// waitForEvent re-arms the controller event pump.
func (m model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m model) requestMatch() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctrl.RequestMatch(ctx); err != nil {
			return matchErrMsg{err: err}
		}
		return nil
	}
}

func (m model) fetchLeaderboard() tea.Cmd {
	base := m.httpBase
	return func() tea.Msg {
		resp, err := http.Get(base + "/leaderboard")
		if err != nil {
			return leaderboardMsg{}
		}
		defer resp.Body.Close()
		var entries []database.LeaderboardEntry
		if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
			return leaderboardMsg{}
		}
		return leaderboardMsg{entries: entries}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			_ = m.ctrl.LeaveSession(m.name)
			return m, tea.Quit
		case "ctrl+r":
			if m.state == stateDone {
				m.reset()
				m.state = stateMatchmaking
				return m, m.requestMatch()
			}
		case "enter":
			if m.state == stateMenu {
				m.state = stateMatchmaking
				return m, m.requestMatch()
			}
		case "1", "2", "3":
			if m.state == stateRacing {
				choice := int(msg.String()[0] - '1')
				q := m.sheet.At(m.qIndex)
				m.qIndex++
				correct := formula.Check(q, choice)
				if err := m.ctrl.SubmitAnswer(m.name, correct); err != nil {
					m.lastErr = err
				}
				return m, nil
			}
		}
		return m, nil

	case startMsg:
		m.state = stateRacing
		m.sheet = formula.ForSession(msg.start.SessionID, formula.DefaultSheetSize)
		m.qIndex = 0
		m.opponentID = msg.start.OpponentID
		m.role = msg.start.Role
		m.myProgress = 0
		m.oppProgress = 0
		return m, m.waitForEvent()

	case progressMsg:
		if msg.participantID == m.name {
			m.myProgress = msg.progress
		} else {
			m.oppProgress = msg.progress
		}
		return m, m.waitForEvent()

	case gameOverMsg:
		m.state = stateDone
		m.isWinner = msg.isWinner
		m.forfeitWin = msg.result.Forfeit
		return m, tea.Batch(m.fetchLeaderboard(), m.waitForEvent())

	case leaderboardMsg:
		m.leaderboard = msg.entries
		return m, nil

	case matchErrMsg:
		m.lastErr = msg.err
		m.state = stateMenu
		return m, nil
	}

	return m, nil
}

func (m *model) reset() {
	m.sheet = formula.Sheet{}
	m.qIndex = 0
	m.opponentID = ""
	m.myProgress = 0
	m.oppProgress = 0
	m.isWinner = false
	m.forfeitWin = false
	m.lastErr = nil
	m.leaderboard = nil
}

func (m model) View() string {
	header := fmt.Sprintf("%s\n%s", titleStyle.Render(), dimStyle.Render("Playing as "+m.name))

	switch m.state {
	case stateMenu:
		body := "Press Enter to find a match. Press q to quit."
		if m.lastErr != nil {
			body += "\n\n" + loseStyle.Render("Matchmaking failed: "+m.lastErr.Error())
		}
		return layoutStyle.Render(fmt.Sprintf("%s\n\n%s", header, body))
	case stateMatchmaking:
		return layoutStyle.Render(fmt.Sprintf("%s\n\nLooking for an opponent...", header))
	case stateRacing:
		return layoutStyle.Render(fmt.Sprintf("%s\n\n%s\n\n%s", header, m.renderRace(), m.renderQuestion()))
	default:
		return layoutStyle.Render(fmt.Sprintf("%s\n\n%s", header, m.renderDone()))
	}
}

func (m model) renderQuestion() string {
	q := m.sheet.At(m.qIndex)
	var b strings.Builder
	b.WriteString(promptStyle.Render(q.Prompt))
	b.WriteString("\n\n")
	for i, c := range q.Choices {
		b.WriteString(choiceStyle.Render(fmt.Sprintf("  [%d] %d", i+1, c)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Answer with 1, 2 or 3. Wrong answers dig nothing."))
	return b.String()
}

func (m model) renderRace() string {
	mine := renderBar(m.myProgress, m.finishLine)
	theirs := renderBar(m.oppProgress, m.finishLine)
	opponent := m.opponentID
	if opponent == "" {
		opponent = "opponent"
	}
	return fmt.Sprintf("%-12s %s %d/%d\n%-12s %s %d/%d",
		"you", mine, m.myProgress, m.finishLine,
		opponent, theirs, m.oppProgress, m.finishLine)
}

func renderBar(progress, total int) string {
	if progress > total {
		progress = total
	}
	filled := strings.Repeat("█", progress)
	empty := strings.Repeat("░", total-progress)
	return barStyle.Render(filled) + dimStyle.Render(empty)
}

func (m model) renderDone() string {
	var b strings.Builder
	if m.isWinner {
		b.WriteString(winStyle.Render("You win!"))
		if m.forfeitWin {
			b.WriteString(dimStyle.Render("  (opponent left)"))
		}
	} else {
		b.WriteString(loseStyle.Render("You lose."))
	}
	b.WriteString("\n\n")
	b.WriteString(m.renderLeaderboard())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("Ctrl+R to race again, q to quit."))
	return b.String()
}

func (m model) renderLeaderboard() string {
	var b strings.Builder
	b.WriteString("Leaderboard\n\n")
	if len(m.leaderboard) == 0 {
		b.WriteString(dimStyle.Render("no finished races yet\n"))
		return b.String()
	}
	for i, entry := range m.leaderboard {
		b.WriteString(fmt.Sprintf("%d. %s - %d wins\n", i+1, entry.Name, entry.Wins))
	}
	return b.String()
}

func getEnv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

package ui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/internal/selection"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	sectionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("#ffffff")).
				Background(secondaryColor).
				Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
)

const maxLogLines = 50

// ProgressSource отдает текущее состояние отбора
type ProgressSource interface {
	Snapshot() selection.Progress
}

// TermUI - живая таблица отбора и обратный отсчет до отправки
type TermUI struct {
	config  config.UIConfig
	logFile string

	mu      sync.RWMutex
	source  ProgressSource
	target  time.Time
	stage   string
	outcome *models.FireOutcome
	logs    []string
	width   int
	height  int
}

// Сообщение периодической перерисовки
type tickMsg time.Time

// bubbleModel - модель для bubbletea
type bubbleModel struct {
	ui *TermUI
}

// NewTermUI создает интерфейс. logFile - JSON лог, хвост которого показывается внизу.
func NewTermUI(cfg config.UIConfig, logFile string) *TermUI {
	return &TermUI{
		config:  cfg,
		logFile: logFile,
		stage:   "Запуск",
		logs:    []string{"gapfire запущен. Ожидание данных..."},
		width:   120,
		height:  40,
	}
}

// SetSource подключает источник прогресса отбора
func (ui *TermUI) SetSource(src ProgressSource) {
	ui.mu.Lock()
	ui.source = src
	ui.mu.Unlock()
}

// SetTarget задает момент отправки для обратного отсчета
func (ui *TermUI) SetTarget(target time.Time) {
	ui.mu.Lock()
	ui.target = target
	ui.mu.Unlock()
}

// SetStage задает текущий этап работы
func (ui *TermUI) SetStage(stage string) {
	ui.mu.Lock()
	ui.stage = stage
	ui.mu.Unlock()
}

// SetOutcome показывает результат отправки
func (ui *TermUI) SetOutcome(out *models.FireOutcome) {
	ui.mu.Lock()
	ui.outcome = out
	ui.mu.Unlock()
}

// Run показывает интерфейс до нажатия q или отмены ctx
func (ui *TermUI) Run(ctx context.Context) error {
	program := tea.NewProgram(bubbleModel{ui: ui}, tea.WithAltScreen())

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			program.Quit()
		case <-stop:
		}
	}()

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("ошибка запуска UI: %w", err)
	}
	return nil
}

func (ui *TermUI) tick() tea.Cmd {
	rate := time.Duration(ui.config.RefreshRate) * time.Millisecond
	if rate <= 0 {
		rate = 250 * time.Millisecond
	}
	return tea.Tick(rate, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// loadLogsFromFile читает хвост JSON лога
func (ui *TermUI) loadLogsFromFile() error {
	if ui.logFile == "" {
		return nil
	}
	file, err := os.Open(ui.logFile)
	if err != nil {
		if os.IsNotExist(err) {
			// Файл не существует, это не ошибка
			return nil
		}
		return err
	}
	defer file.Close()

	var logs []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		logs = append(logs, formatLogLine(scanner.Text()))
		if len(logs) > maxLogLines {
			logs = logs[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	if len(logs) > 0 {
		ui.mu.Lock()
		ui.logs = logs
		ui.mu.Unlock()
	}
	return nil
}

// Регулярное выражение для удаления ANSI-цветов
var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func formatLogLine(line string) string {
	var zapLog map[string]interface{}
	if err := json.Unmarshal([]byte(line), &zapLog); err != nil {
		return line
	}

	level, _ := zapLog["level"].(string)
	ts, _ := zapLog["ts"].(string)
	msg, _ := zapLog["msg"].(string)
	level = ansiRegex.ReplaceAllString(level, "")

	timestamp := ""
	if t, err := time.Parse("02.01.2006 - 15:04:05.999999999Z07:00", ts); err == nil {
		timestamp = t.Format("15:04:05")
	}

	formatted := fmt.Sprintf("[%s] [%s] %s", timestamp, level, msg)
	for k, v := range zapLog {
		if k != "level" && k != "ts" && k != "msg" && k != "caller" {
			formatted += fmt.Sprintf(" (%s: %v)", k, v)
		}
	}
	return formatted
}

// Методы для bubbletea
func (m bubbleModel) Init() tea.Cmd {
	return m.ui.tick()
}

func (m bubbleModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.ui.mu.Lock()
		m.ui.width = msg.Width
		m.ui.height = msg.Height
		m.ui.mu.Unlock()

	case tickMsg:
		if err := m.ui.loadLogsFromFile(); err != nil {
			logger.Debug("Ошибка загрузки логов", zap.Error(err))
		}
		return m, m.ui.tick()
	}

	return m, nil
}

func (m bubbleModel) View() string {
	m.ui.mu.RLock()
	defer m.ui.mu.RUnlock()

	var progress selection.Progress
	if m.ui.source != nil {
		progress = m.ui.source.Snapshot()
	}

	title := titleStyle.Render("gapfire - отбор по гэпу и точная отправка")
	status := renderStatus(m.ui.stage, m.ui.target, time.Now())
	board := renderLeaderboard(progress)
	sections := []string{title, "\n", status, "\n", board}
	if m.ui.outcome != nil {
		sections = append(sections, "\n", RenderOutcome(m.ui.outcome))
	}
	sections = append(sections, "\n", renderLogsSection(m.ui.logs), "\n",
		footerStyle.Render("Клавиши: Q - выход"))

	return appStyle.Render(lipgloss.JoinVertical(lipgloss.Left, sections...))
}

func renderStatus(stage string, target, now time.Time) string {
	line := fmt.Sprintf("  Этап: %s", stage)
	if !target.IsZero() {
		remaining := target.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		line += fmt.Sprintf("   Отправка: %s   Осталось: %s",
			target.Format("15:04:05"), remaining.Truncate(100*time.Millisecond))
	}
	return line
}

// renderLeaderboard рисует текущих кандидатов по убыванию гэпа
func renderLeaderboard(p selection.Progress) string {
	header := sectionHeaderStyle.Render(fmt.Sprintf("КАНДИДАТЫ  [%s %d/%d]", p.State, p.Checked, p.Total))
	content := strings.Builder{}

	if len(p.Candidates) == 0 {
		content.WriteString("  Ожидание данных...\n")
	}
	for i, c := range p.Candidates {
		line := fmt.Sprintf("  %d. %-20s гэп %6s%%  закрытие %10s  открытие %10s",
			i+1, c.Symbol, c.GapPct.StringFixed(2), c.PrevClose.StringFixed(2), c.Open.StringFixed(2))
		if i == 0 {
			line = lipgloss.NewStyle().Foreground(successColor).Bold(true).Render(line)
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func renderLogsSection(logs []string) string {
	header := sectionHeaderStyle.Render("ЛОГИ")
	content := strings.Builder{}

	start := 0
	if len(logs) > 10 {
		start = len(logs) - 10
	}
	for _, log := range logs[start:] {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(log, "[ERROR]"):
			log = lipgloss.NewStyle().Foreground(errorColor).Render(log)
		case strings.Contains(log, "[INFO]"):
			log = lipgloss.NewStyle().Foreground(successColor).Render(log)
		case strings.Contains(log, "[WARN]"):
			log = lipgloss.NewStyle().Foreground(warningColor).Render(log)
		}
		content.WriteString("  " + log + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

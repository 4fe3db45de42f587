package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/gapfire/internal/storage"
	"github.com/skalibog/gapfire/pkg/models"
)

// Rating - оценка точности отправки
type Rating string

const (
	RatingPerfect   Rating = "ИДЕАЛЬНО"
	RatingExcellent Rating = "ОТЛИЧНО"
	RatingVeryGood  Rating = "ОЧЕНЬ ХОРОШО"
	RatingGood      Rating = "ХОРОШО"
	RatingPoor      Rating = "ТРЕБУЕТ УЛУЧШЕНИЯ"
)

// RateDelay оценивает модуль отклонения от цели
func RateDelay(delay time.Duration) Rating {
	if delay < 0 {
		delay = -delay
	}
	switch {
	case delay < 5*time.Millisecond:
		return RatingPerfect
	case delay < 20*time.Millisecond:
		return RatingExcellent
	case delay < 50*time.Millisecond:
		return RatingVeryGood
	case delay < 100*time.Millisecond:
		return RatingGood
	}
	return RatingPoor
}

func (r Rating) style() lipgloss.Style {
	switch r {
	case RatingPerfect, RatingExcellent:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true)
	case RatingVeryGood, RatingGood:
		return lipgloss.NewStyle().Foreground(warningColor)
	}
	return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
}

const clockMicro = "15:04:05.000000"

// RenderOutcome форматирует результат отправки: время, точность и ответ по каждой заявке
func RenderOutcome(out *models.FireOutcome) string {
	header := sectionHeaderStyle.Render("РЕЗУЛЬТАТ ОТПРАВКИ")
	b := strings.Builder{}

	rating := RateDelay(out.Delay)
	fmt.Fprintf(&b, "  Цель:          %s\n", out.Target.Format(clockMicro))
	if out.EarlyOffset > 0 {
		fmt.Fprintf(&b, "  Раннее смещение: %s\n", out.EarlyOffset)
	}
	fmt.Fprintf(&b, "  Отправлено:    %s\n", out.FireTime.Format(clockMicro))
	fmt.Fprintf(&b, "  Ответ:         %s\n", out.ResponseTime.Format(clockMicro))
	fmt.Fprintf(&b, "  Длительность:  %.3f мс\n", ms(out.CallDuration))
	fmt.Fprintf(&b, "  Отклонение:    %+.3f мс  %s\n", ms(out.Delay), rating.style().Render(string(rating)))

	if out.Err != nil {
		fmt.Fprintf(&b, "  %s\n", lipgloss.NewStyle().Foreground(errorColor).Render("Ошибка: "+out.Err.Error()))
	}
	if resp := out.Response; resp != nil {
		ok, failed := resp.Counts()
		fmt.Fprintf(&b, "  Пакет: %s (код %d) %s, успешно %d, отклонено %d\n", resp.Status, resp.Code, resp.Message, ok, failed)
		for i, r := range resp.Results {
			mark := lipgloss.NewStyle().Foreground(successColor).Render("OK")
			if !r.OK() {
				mark = lipgloss.NewStyle().Foreground(errorColor).Render("ОШИБКА")
			}
			fmt.Fprintf(&b, "    %d. %s [%d %s] %s %s\n", i+1, mark, r.StatusCode, r.StatusDescription, r.OrderID, r.Message)
		}
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, b.String()))
}

// RenderHistory форматирует журнал отправок
func RenderHistory(records []storage.FireRecord) string {
	header := sectionHeaderStyle.Render("ИСТОРИЯ ОТПРАВОК")
	b := strings.Builder{}

	if len(records) == 0 {
		b.WriteString("  Записей нет\n")
	}
	for _, r := range records {
		rating := RateDelay(r.Delay)
		fmt.Fprintf(&b, "  %s  отклонение %+8.3f мс  вызов %7.3f мс  %s/%s  успешно %d, отклонено %d  %s\n",
			r.FireTime.Local().Format("2006-01-02 15:04:05.000"),
			ms(r.Delay), ms(r.CallDuration), r.Status, r.RunID, r.Succeeded, r.Failed,
			rating.style().Render(string(rating)))
		if r.Error != "" {
			fmt.Fprintf(&b, "      %s\n", lipgloss.NewStyle().Foreground(errorColor).Render(r.Error))
		}
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, b.String()))
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

package scheduler

import "time"

// Sync переводит целевое время по настенным часам в монотонный дедлайн.
// Показания обоих часов снимаются одним вызовом time.Now, поэтому
// сравнения с результатом не зависят от перевода системных часов.
// Вызывать непосредственно перед точным ожиданием.
func Sync(target time.Time) time.Time {
	now := time.Now()
	return now.Add(target.Round(0).Sub(now))
}

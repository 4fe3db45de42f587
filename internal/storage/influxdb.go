package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
)

const (
	measurementSelections = "selections"
	measurementRuns       = "selection_runs"
	measurementFires      = "fire_outcomes"
)

// ErrNotConfigured возвращается при чтении из журнала без хранилища
var ErrNotConfigured = errors.New("хранилище журнала не настроено")

// FireRecord - запись журнала об одной отправке
type FireRecord struct {
	RunID        string
	FireTime     time.Time
	Target       time.Time
	EarlyOffset  time.Duration
	CallDuration time.Duration
	Delay        time.Duration
	Status       string
	Succeeded    int
	Failed       int
	Error        string
}

// Journal хранит результаты отбора и отправки
type Journal interface {
	SaveSelection(ctx context.Context, runID string, sel models.RankedSelection) error
	SaveFireOutcome(ctx context.Context, runID string, out *models.FireOutcome) error
	GetFireHistory(ctx context.Context, limit int) ([]FireRecord, error)
	Close() error
}

// NewJournal создает журнал по конфигурации. Без URL журнал ничего не пишет.
func NewJournal(cfg config.StorageConfig) (Journal, error) {
	if cfg.URL == "" {
		return NopJournal{}, nil
	}
	j, err := NewInfluxDBJournal(cfg)
	if err != nil {
		return nil, err
	}
	return j, nil
}

// InfluxDBJournal реализует Journal с использованием InfluxDB
type InfluxDBJournal struct {
	client   influxdb2.Client
	queryAPI api.QueryAPI
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// NewInfluxDBJournal создает новый журнал InfluxDB
func NewInfluxDBJournal(cfg config.StorageConfig) (*InfluxDBJournal, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	// Проверка соединения
	health, err := client.Health(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("ошибка соединения с InfluxDB: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB не в состоянии 'pass': %+v", health)
	}

	return &InfluxDBJournal{
		client:   client,
		queryAPI: client.QueryAPI(cfg.Organization),
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		bucket:   cfg.Bucket,
	}, nil
}

// Close закрывает соединение с базой данных
func (j *InfluxDBJournal) Close() error {
	j.client.Close()
	return nil
}

// SaveSelection сохраняет замороженный отбор
func (j *InfluxDBJournal) SaveSelection(ctx context.Context, runID string, sel models.RankedSelection) error {
	if err := j.writeAPI.WritePoint(ctx, selectionPoints(runID, sel)...); err != nil {
		return fmt.Errorf("ошибка записи отбора: %w", err)
	}
	return nil
}

// SaveFireOutcome сохраняет результат отправки
func (j *InfluxDBJournal) SaveFireOutcome(ctx context.Context, runID string, out *models.FireOutcome) error {
	if err := j.writeAPI.WritePoint(ctx, firePoint(runID, out)); err != nil {
		return fmt.Errorf("ошибка записи результата отправки: %w", err)
	}
	return nil
}

// GetFireHistory получает последние отправки
func (j *InfluxDBJournal) GetFireHistory(ctx context.Context, limit int) ([]FireRecord, error) {
	// Формируем Flux-запрос
	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -90d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
			|> group()
			|> sort(columns: ["_time"], desc: true)
			|> limit(n: %d)
	`, j.bucket, measurementFires, limit)

	result, err := j.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка запроса истории отправок: %w", err)
	}
	defer result.Close()

	var records []FireRecord
	for result.Next() {
		record := result.Record()
		records = append(records, fireRecordFromValues(record.Time(), record.Values()))
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("ошибка при обработке результатов: %w", result.Err())
	}

	return records, nil
}

func selectionPoints(runID string, sel models.RankedSelection) []*write.Point {
	points := make([]*write.Point, 0, len(sel.Candidates)+1)
	points = append(points, influxdb2.NewPoint(
		measurementRuns,
		map[string]string{"run_id": runID},
		map[string]interface{}{"candidates": len(sel.Candidates)},
		sel.FrozenAt,
	))

	for i, c := range sel.Candidates {
		points = append(points, influxdb2.NewPoint(
			measurementSelections,
			map[string]string{
				"run_id": runID,
				"symbol": c.Symbol,
			},
			map[string]interface{}{
				"rank":       i + 1,
				"gap_pct":    c.GapPct.InexactFloat64(),
				"open":       c.Open.InexactFloat64(),
				"prev_close": c.PrevClose.InexactFloat64(),
				"last_price": c.LastPrice.InexactFloat64(),
			},
			sel.FrozenAt,
		))
	}
	return points
}

func firePoint(runID string, out *models.FireOutcome) *write.Point {
	succeeded, failed := out.Response.Counts()
	status, outcome := "", "ok"
	if out.Response != nil {
		status = out.Response.Status
	}
	errText := ""
	if out.Err != nil {
		errText = out.Err.Error()
		outcome = "error"
	}

	return influxdb2.NewPoint(
		measurementFires,
		map[string]string{
			"run_id":  runID,
			"outcome": outcome,
		},
		map[string]interface{}{
			"target_ns":    out.Target.UnixNano(),
			"offset_us":    out.EarlyOffset.Microseconds(),
			"call_us":      out.CallDuration.Microseconds(),
			"delay_us":     out.Delay.Microseconds(),
			"status":       status,
			"succeeded":    succeeded,
			"failed":       failed,
			"error":        errText,
			"response_lag": out.ResponseTime.Sub(out.Target).Microseconds(),
		},
		out.FireTime,
	)
}

func fireRecordFromValues(t time.Time, v map[string]interface{}) FireRecord {
	r := FireRecord{FireTime: t}
	r.RunID, _ = v["run_id"].(string)
	r.Status, _ = v["status"].(string)
	r.Error, _ = v["error"].(string)

	if ns, ok := v["target_ns"].(int64); ok {
		r.Target = time.Unix(0, ns)
	}
	r.EarlyOffset = micros(v["offset_us"])
	r.CallDuration = micros(v["call_us"])
	r.Delay = micros(v["delay_us"])
	if n, ok := v["succeeded"].(int64); ok {
		r.Succeeded = int(n)
	}
	if n, ok := v["failed"].(int64); ok {
		r.Failed = int(n)
	}
	return r
}

func micros(v interface{}) time.Duration {
	switch n := v.(type) {
	case int64:
		return time.Duration(n) * time.Microsecond
	case float64:
		return time.Duration(n * float64(time.Microsecond))
	}
	return 0
}

// NopJournal ничего не сохраняет
type NopJournal struct{}

func (NopJournal) SaveSelection(context.Context, string, models.RankedSelection) error { return nil }

func (NopJournal) SaveFireOutcome(context.Context, string, *models.FireOutcome) error { return nil }

func (NopJournal) GetFireHistory(context.Context, int) ([]FireRecord, error) {
	return nil, ErrNotConfigured
}

func (NopJournal) Close() error { return nil }

// LogSaveError логирует ошибку журнала, не прерывая работу
func LogSaveError(what string, err error) {
	if err != nil {
		logger.Warn("Не удалось сохранить в журнал", zap.String("what", what), zap.Error(err))
	}
}

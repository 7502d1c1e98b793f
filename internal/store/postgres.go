package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/kjstillabower/weather-dashboard-service/internal/changefeed"
	"github.com/kjstillabower/weather-dashboard-service/internal/models"
	"github.com/kjstillabower/weather-dashboard-service/internal/observability"
)

const insertBatchSize = 200

// PostgresConfig holds connection pool settings for the postgres backend.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// PostgresStore is a Gateway backed by PostgreSQL through GORM.
type PostgresStore struct {
	db        *gorm.DB
	publisher changefeed.Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewPostgresStore connects, applies pool settings and optionally migrates the schema.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig, publisher changefeed.Publisher, log *zap.Logger) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("postgres: DSN is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres: %v", ErrUnavailable, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("postgres: sql handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &PostgresStore{
		db:        db,
		publisher: publisher,
		logger:    log,
		now:       func() time.Time { return time.Now().UTC() },
	}
	if err := s.Ping(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates or updates the four tables and their cascading foreign keys.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&stationRow{}, &observationRow{}, &predictionRow{}, &alertRow{}); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	s.logger.Info("schema migrated")
	return nil
}

// pgQueries implements Queries over a *gorm.DB, which may be a transaction.
type pgQueries struct {
	db  *gorm.DB
	log *changeLog
}

func (s *PostgresStore) queries(ctx context.Context) (*pgQueries, *changeLog) {
	log := &changeLog{now: s.now}
	return &pgQueries{db: s.db.WithContext(ctx), log: log}, log
}

// run executes a single-statement operation and publishes its events on success.
func run[T any](s *PostgresStore, ctx context.Context, op string, fn func(q *pgQueries) (T, error)) (T, error) {
	start := time.Now()
	q, log := s.queries(ctx)
	out, err := fn(q)
	observability.ObserveStoreQuery(op, start, err)
	if err != nil {
		return out, err
	}
	log.flush(s.publisher)
	return out, nil
}

// WithinTx implements Gateway.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(q Queries) error) error {
	start := time.Now()
	log := &changeLog{now: s.now}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&pgQueries{db: tx, log: log})
	})
	observability.ObserveStoreQuery("tx", start, err)
	if err != nil {
		return classify(err)
	}
	log.flush(s.publisher)
	return nil
}

func (s *PostgresStore) UpsertStations(ctx context.Context, stations []models.Station) ([]models.Station, error) {
	var out []models.Station
	err := s.WithinTx(ctx, func(q Queries) error {
		var err error
		out, err = q.UpsertStations(ctx, stations)
		return err
	})
	return out, err
}

func (s *PostgresStore) ListStations(ctx context.Context) ([]models.Station, error) {
	return run(s, ctx, "list_stations", func(q *pgQueries) ([]models.Station, error) { return q.ListStations(ctx) })
}

func (s *PostgresStore) GetStation(ctx context.Context, id string) (models.Station, error) {
	return run(s, ctx, "get_station", func(q *pgQueries) (models.Station, error) { return q.GetStation(ctx, id) })
}

func (s *PostgresStore) DeleteStations(ctx context.Context, ids ...string) (int64, error) {
	return run(s, ctx, "delete_stations", func(q *pgQueries) (int64, error) { return q.DeleteStations(ctx, ids...) })
}

func (s *PostgresStore) DeleteStationSeries(ctx context.Context, stationID string) error {
	return s.WithinTx(ctx, func(q Queries) error { return q.DeleteStationSeries(ctx, stationID) })
}

func (s *PostgresStore) InsertObservations(ctx context.Context, rows []models.Observation) error {
	_, err := run(s, ctx, "insert_observations", func(q *pgQueries) (struct{}, error) {
		return struct{}{}, q.InsertObservations(ctx, rows)
	})
	return err
}

func (s *PostgresStore) InsertPredictions(ctx context.Context, rows []models.Prediction) error {
	_, err := run(s, ctx, "insert_predictions", func(q *pgQueries) (struct{}, error) {
		return struct{}{}, q.InsertPredictions(ctx, rows)
	})
	return err
}

func (s *PostgresStore) InsertAlerts(ctx context.Context, rows []models.Alert) error {
	_, err := run(s, ctx, "insert_alerts", func(q *pgQueries) (struct{}, error) {
		return struct{}{}, q.InsertAlerts(ctx, rows)
	})
	return err
}

func (s *PostgresStore) ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error) {
	return run(s, ctx, "list_observations", func(q *pgQueries) ([]models.Observation, error) {
		return q.ListObservations(ctx, stationID, limit)
	})
}

func (s *PostgresStore) ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error) {
	return run(s, ctx, "list_predictions", func(q *pgQueries) ([]models.Prediction, error) {
		return q.ListPredictions(ctx, stationID, limit)
	})
}

func (s *PostgresStore) ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error) {
	return run(s, ctx, "list_alerts", func(q *pgQueries) ([]models.Alert, error) {
		return q.ListAlerts(ctx, stationID, activeOnly)
	})
}

func (s *PostgresStore) SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error) {
	return run(s, ctx, "set_alert_active", func(q *pgQueries) (models.Alert, error) {
		return q.SetAlertActive(ctx, alertID, active)
	})
}

// Ping implements Gateway.
func (s *PostgresStore) Ping(ctx context.Context) error {
	start := time.Now()
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	observability.ObserveStoreQuery("ping", start, err)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Close implements Gateway.
func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (q *pgQueries) UpsertStations(ctx context.Context, stations []models.Station) ([]models.Station, error) {
	if len(stations) == 0 {
		return nil, nil
	}
	names := make([]string, 0, len(stations))
	for _, st := range stations {
		if st.Name == "" {
			return nil, errors.New("upsert station: name is required")
		}
		names = append(names, st.Name)
	}
	var existing []stationRow
	if err := q.db.Where("name IN ?", names).Find(&existing).Error; err != nil {
		return nil, classify(err)
	}
	known := make(map[string]string, len(existing))
	for _, r := range existing {
		known[r.Name] = r.ID
	}

	rows := make([]stationRow, 0, len(stations))
	for _, st := range stations {
		if id, ok := known[st.Name]; ok {
			st.ID = id
		} else if st.ID == "" {
			st.ID = uuid.NewString()
		}
		rows = append(rows, toStationRow(st))
	}
	err := q.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"location", "latitude", "longitude"}),
	}).Create(&rows).Error
	if err != nil {
		return nil, classify(err)
	}

	out := make([]models.Station, 0, len(rows))
	for _, r := range rows {
		op := changefeed.OpInsert
		if _, ok := known[r.Name]; ok {
			op = changefeed.OpUpdate
		}
		q.log.add(changefeed.TableStations, op, r.ID, r.ID)
		out = append(out, r.model())
	}
	return out, nil
}

func (q *pgQueries) ListStations(ctx context.Context) ([]models.Station, error) {
	var rows []stationRow
	if err := q.db.Order("name ASC").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]models.Station, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (q *pgQueries) GetStation(ctx context.Context, id string) (models.Station, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.Station{}, fmt.Errorf("station %s: %w", id, ErrNotFound)
	}
	var row stationRow
	if err := q.db.Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Station{}, fmt.Errorf("station %s: %w", id, ErrNotFound)
		}
		return models.Station{}, classify(err)
	}
	return row.model(), nil
}

func (q *pgQueries) DeleteStations(ctx context.Context, ids ...string) (int64, error) {
	var deleted []stationRow
	tx := q.db.Clauses(clause.Returning{Columns: []clause.Column{{Name: "id"}}})
	if len(ids) == 0 {
		tx = tx.Where("1 = 1")
	} else {
		tx = tx.Where("id IN ?", ids)
	}
	res := tx.Delete(&deleted)
	if res.Error != nil {
		return 0, classify(res.Error)
	}
	for _, r := range deleted {
		q.log.add(changefeed.TableStations, changefeed.OpDelete, r.ID, r.ID)
	}
	return res.RowsAffected, nil
}

func (q *pgQueries) DeleteStationSeries(ctx context.Context, stationID string) error {
	if _, err := q.GetStation(ctx, stationID); err != nil {
		return err
	}
	tables := []struct {
		name  string
		model any
	}{
		{changefeed.TableObservations, &observationRow{}},
		{changefeed.TablePredictions, &predictionRow{}},
		{changefeed.TableAlerts, &alertRow{}},
	}
	for _, t := range tables {
		res := q.db.Where("station_id = ?", stationID).Delete(t.model)
		if res.Error != nil {
			return classify(res.Error)
		}
		if res.RowsAffected > 0 {
			q.log.add(t.name, changefeed.OpDelete, stationID, "")
		}
	}
	return nil
}

func (q *pgQueries) InsertObservations(ctx context.Context, rows []models.Observation) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]observationRow, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		recs = append(recs, toObservationRow(r))
	}
	if err := q.db.Omit(clause.Associations).CreateInBatches(&recs, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert observations: %w", classify(err))
	}
	for _, r := range recs {
		q.log.add(changefeed.TableObservations, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *pgQueries) InsertPredictions(ctx context.Context, rows []models.Prediction) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]predictionRow, 0, len(rows))
	for _, r := range rows {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		recs = append(recs, toPredictionRow(r))
	}
	if err := q.db.Omit(clause.Associations).CreateInBatches(&recs, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert predictions: %w", classify(err))
	}
	for _, r := range recs {
		q.log.add(changefeed.TablePredictions, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *pgQueries) InsertAlerts(ctx context.Context, rows []models.Alert) error {
	if len(rows) == 0 {
		return nil
	}
	recs := make([]alertRow, 0, len(rows))
	for _, r := range rows {
		if !r.Severity.Valid() {
			return fmt.Errorf("insert alert: invalid severity %q", r.Severity)
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		recs = append(recs, toAlertRow(r))
	}
	if err := q.db.Omit(clause.Associations).CreateInBatches(&recs, insertBatchSize).Error; err != nil {
		return fmt.Errorf("insert alerts: %w", classify(err))
	}
	for _, r := range recs {
		q.log.add(changefeed.TableAlerts, changefeed.OpInsert, r.StationID, r.ID)
	}
	return nil
}

func (q *pgQueries) ListObservations(ctx context.Context, stationID string, limit int) ([]models.Observation, error) {
	var rows []observationRow
	tx := q.db.Where("station_id = ?", stationID).Order("timestamp DESC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]models.Observation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (q *pgQueries) ListPredictions(ctx context.Context, stationID string, limit int) ([]models.Prediction, error) {
	var rows []predictionRow
	tx := q.db.Where("station_id = ?", stationID).Order("prediction_date ASC")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]models.Prediction, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (q *pgQueries) ListAlerts(ctx context.Context, stationID string, activeOnly bool) ([]models.Alert, error) {
	var rows []alertRow
	tx := q.db.Where("station_id = ?", stationID)
	if activeOnly {
		tx = tx.Where("is_active = ?", true)
	}
	if err := tx.Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, classify(err)
	}
	out := make([]models.Alert, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (q *pgQueries) SetAlertActive(ctx context.Context, alertID string, active bool) (models.Alert, error) {
	if _, err := uuid.Parse(alertID); err != nil {
		return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	var row alertRow
	res := q.db.Model(&row).
		Clauses(clause.Returning{}).
		Where("id = ?", alertID).
		Update("is_active", active)
	if res.Error != nil {
		return models.Alert{}, classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.Alert{}, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	q.log.add(changefeed.TableAlerts, changefeed.OpUpdate, row.StationID, row.ID)
	return row.model(), nil
}

// classify maps driver-level connection failures onto ErrUnavailable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

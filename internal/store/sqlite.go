package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"remindme/internal/eventbus"
	logx "remindme/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the durable data store backing the reminder engine: patients,
// medicines, schedules, taken-records and refill-records in a single SQLite
// file. Mutations announce themselves on the event bus (when one is given)
// so reactive read streams can refresh their snapshots.
type Store struct {
	db  *sql.DB
	log logx.Logger
	bus eventbus.Bus
}

// Open opens (creating if needed) the SQLite store at cfg.Path and applies
// migrations. bus may be nil.
func Open(cfg Config, log logx.Logger, bus eventbus.Bus) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single
	// connection also keeps per-connection pragmas in force.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	s := &Store{db: db, log: log, bus: bus}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) announce(typ string) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ})
	}
}

// ---- patients ----

func (s *Store) InsertPatient(ctx context.Context, p Patient) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO patients(name, age, sex) VALUES(?,?,?)`,
		p.Name, p.Age, p.Sex)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.announce(eventbus.TypePatientsChanged)
	return id, nil
}

func (s *Store) Patients(ctx context.Context) ([]Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, age, sex FROM patients ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Patient
	for rows.Next() {
		var p Patient
		if err := rows.Scan(&p.ID, &p.Name, &p.Age, &p.Sex); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) PatientByID(ctx context.Context, id int64) (*Patient, error) {
	var p Patient
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, age, sex FROM patients WHERE id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Age, &p.Sex)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePatient removes the patient; medicines (and, through them, schedules,
// taken-records and refills) cascade.
func (s *Store) DeletePatient(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypePatientsChanged)
	s.announce(eventbus.TypeMedicinesChanged)
	s.announce(eventbus.TypeSchedulesChanged)
	s.announce(eventbus.TypeTakenChanged)
	s.announce(eventbus.TypeRefillsChanged)
	return nil
}

// ---- medicines ----

func (s *Store) InsertMedicine(ctx context.Context, m Medicine) (int64, error) {
	if strings.TrimSpace(m.Name) == "" {
		return 0, errors.New("medicine: name required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO medicines(name, illness_type, patient_id) VALUES(?,?,?)`,
		m.Name, m.IllnessType, m.PatientID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.announce(eventbus.TypeMedicinesChanged)
	return id, nil
}

func (s *Store) MedicineByID(ctx context.Context, id int64) (*Medicine, error) {
	var m Medicine
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, illness_type, patient_id FROM medicines WHERE id = ?`, id).
		Scan(&m.ID, &m.Name, &m.IllnessType, &m.PatientID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) MedicinesForPatient(ctx context.Context, patientID int64) ([]Medicine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, illness_type, patient_id FROM medicines WHERE patient_id = ? ORDER BY id`,
		patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMedicines(rows)
}

// DeleteMedicine removes the medicine and cascades its schedules,
// taken-records and refill-records.
func (s *Store) DeleteMedicine(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medicines WHERE id = ?`, id)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeMedicinesChanged)
	s.announce(eventbus.TypeSchedulesChanged)
	s.announce(eventbus.TypeTakenChanged)
	s.announce(eventbus.TypeRefillsChanged)
	return nil
}

func (s *Store) DeleteAllMedicines(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM medicines`)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeMedicinesChanged)
	s.announce(eventbus.TypeSchedulesChanged)
	s.announce(eventbus.TypeTakenChanged)
	s.announce(eventbus.TypeRefillsChanged)
	return nil
}

func scanMedicines(rows *sql.Rows) ([]Medicine, error) {
	var out []Medicine
	for rows.Next() {
		var m Medicine
		if err := rows.Scan(&m.ID, &m.Name, &m.IllnessType, &m.PatientID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- schedules ----

func (s *Store) InsertSchedule(ctx context.Context, sc Schedule) (int64, error) {
	if err := sc.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(medicine_id, day_of_week, time, dosage) VALUES(?,?,?,?)`,
		sc.MedicineID, sc.DayOfWeek, sc.Time, string(sc.Dosage))
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.announce(eventbus.TypeSchedulesChanged)
	return id, nil
}

func (s *Store) ScheduleByID(ctx context.Context, id int64) (*Schedule, error) {
	var sc Schedule
	var dosage string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, medicine_id, day_of_week, time, dosage FROM schedules WHERE id = ?`, id).
		Scan(&sc.ID, &sc.MedicineID, &sc.DayOfWeek, &sc.Time, &dosage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sc.Dosage = Dosage(dosage)
	return &sc, nil
}

func (s *Store) Schedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, day_of_week, time, dosage FROM schedules ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// SchedulesForDay returns schedules firing on the given ISO weekday,
// including daily schedules.
func (s *Store) SchedulesForDay(ctx context.Context, dayOfWeek int) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, day_of_week, time, dosage FROM schedules
		 WHERE day_of_week = ? OR day_of_week = ? ORDER BY time`,
		dayOfWeek, DayDaily)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) SchedulesForMedicine(ctx context.Context, medicineID int64) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, day_of_week, time, dosage FROM schedules
		 WHERE medicine_id = ? ORDER BY id`, medicineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) SchedulesForPatient(ctx context.Context, patientID int64) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sc.id, sc.medicine_id, sc.day_of_week, sc.time, sc.dosage
		 FROM schedules sc
		 INNER JOIN medicines m ON m.id = sc.medicine_id
		 WHERE m.patient_id = ? ORDER BY sc.id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *Store) DeleteSchedule(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeSchedulesChanged)
	return nil
}

func (s *Store) DeleteAllSchedules(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM schedules`)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeSchedulesChanged)
	return nil
}

func scanSchedules(rows *sql.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var dosage string
		if err := rows.Scan(&sc.ID, &sc.MedicineID, &sc.DayOfWeek, &sc.Time, &dosage); err != nil {
			return nil, err
		}
		sc.Dosage = Dosage(dosage)
		out = append(out, sc)
	}
	return out, rows.Err()
}

// ---- taken records ----

// InsertTaken records an adherence fact. The insert is a no-op (not an
// error) when the (medicine, schedule, date) triple already exists, so it is
// idempotent under retries and duplicate acknowledgments.
func (s *Store) InsertTaken(ctx context.Context, t TakenRecord) error {
	if t.Date.IsZero() {
		return errors.New("taken: date required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO taken(medicine_id, schedule_id, date) VALUES(?,?,?)
		 ON CONFLICT(medicine_id, schedule_id, date) DO NOTHING`,
		t.MedicineID, t.ScheduleID, t.Date.String())
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeTakenChanged)
	return nil
}

func (s *Store) TakenExists(ctx context.Context, medicineID, scheduleID int64, date Date) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM taken WHERE medicine_id = ? AND schedule_id = ? AND date = ?`,
		medicineID, scheduleID, date.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) TakenForDate(ctx context.Context, date Date) ([]TakenRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, schedule_id, date FROM taken WHERE date = ? ORDER BY id DESC`,
		date.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TakenRecord
	for rows.Next() {
		var t TakenRecord
		var raw string
		if err := rows.Scan(&t.ID, &t.MedicineID, &t.ScheduleID, &raw); err != nil {
			return nil, err
		}
		d, err := ParseDate(raw)
		if err != nil {
			return nil, err
		}
		t.Date = d
		out = append(out, t)
	}
	return out, rows.Err()
}

// PurgeTakenBefore deletes all records with date strictly earlier than the
// cutoff and reports how many were removed.
func (s *Store) PurgeTakenBefore(ctx context.Context, cutoff Date) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM taken WHERE date < ?`, cutoff.String())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.announce(eventbus.TypeTakenChanged)
	}
	return n, nil
}

// ---- refills ----

func (s *Store) InsertRefill(ctx context.Context, r RefillRecord) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO refills(medicine_id, weekly_count, last_refill_date, next_refill_date, notes)
		 VALUES(?,?,?,?,?)`,
		r.MedicineID, r.WeeklyCount, r.LastRefillDate.String(), r.NextRefillDate.String(), r.Notes)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	s.announce(eventbus.TypeRefillsChanged)
	return id, nil
}

func (s *Store) UpdateRefill(ctx context.Context, r RefillRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE refills SET weekly_count = ?, last_refill_date = ?, next_refill_date = ?, notes = ?
		 WHERE id = ?`,
		r.WeeklyCount, r.LastRefillDate.String(), r.NextRefillDate.String(), r.Notes, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.announce(eventbus.TypeRefillsChanged)
	return nil
}

func (s *Store) DeleteRefill(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM refills WHERE id = ?`, id)
	if err != nil {
		return err
	}
	s.announce(eventbus.TypeRefillsChanged)
	return nil
}

func (s *Store) RefillsForMedicine(ctx context.Context, medicineID int64) ([]RefillRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, weekly_count, last_refill_date, next_refill_date, notes
		 FROM refills WHERE medicine_id = ? ORDER BY id`, medicineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRefills(rows)
}

func (s *Store) RefillsForPatient(ctx context.Context, patientID int64) ([]RefillRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.medicine_id, r.weekly_count, r.last_refill_date, r.next_refill_date, r.notes
		 FROM refills r
		 INNER JOIN medicines m ON m.id = r.medicine_id
		 WHERE m.patient_id = ? ORDER BY r.id`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRefills(rows)
}

// UpcomingRefills lists refills due on or before the given date, across all
// patients.
func (s *Store) UpcomingRefills(ctx context.Context, due Date) ([]RefillRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, weekly_count, last_refill_date, next_refill_date, notes
		 FROM refills WHERE next_refill_date <= ? ORDER BY next_refill_date`, due.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRefills(rows)
}

// DeleteDuplicateRefills keeps the oldest refill row per medicine for the
// given patient and removes the rest.
func (s *Store) DeleteDuplicateRefills(ctx context.Context, patientID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM refills WHERE id IN (
		    SELECT r.id FROM refills r
		    INNER JOIN medicines m ON m.id = r.medicine_id
		    WHERE m.patient_id = ?
		      AND r.id NOT IN (
		        SELECT MIN(r2.id) FROM refills r2 GROUP BY r2.medicine_id
		      )
		 )`, patientID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.announce(eventbus.TypeRefillsChanged)
	}
	return n, nil
}

func scanRefills(rows *sql.Rows) ([]RefillRecord, error) {
	var out []RefillRecord
	for rows.Next() {
		var r RefillRecord
		var last, next string
		if err := rows.Scan(&r.ID, &r.MedicineID, &r.WeeklyCount, &last, &next, &r.Notes); err != nil {
			return nil, err
		}
		ld, err := ParseDate(last)
		if err != nil {
			return nil, err
		}
		nd, err := ParseDate(next)
		if err != nil {
			return nil, err
		}
		r.LastRefillDate, r.NextRefillDate = ld, nd
		out = append(out, r)
	}
	return out, rows.Err()
}

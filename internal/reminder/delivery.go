package reminder

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"remindme/internal/alert"
	"remindme/internal/eventbus"
	"remindme/internal/store"
	"remindme/internal/transport"
	logx "remindme/pkg/logx"
)

// DeliveryStore is the slice of the data store a delivery consults at fire
// time. Everything is re-queried then, so edits and deletes made after the
// timer was armed still win.
type DeliveryStore interface {
	MedicineByID(ctx context.Context, id int64) (*store.Medicine, error)
	ScheduleByID(ctx context.Context, id int64) (*store.Schedule, error)
	PatientByID(ctx context.Context, id int64) (*store.Patient, error)
}

// AdherenceRecorder is how a delivery checks and records taken doses.
type AdherenceRecorder interface {
	RecordTaken(ctx context.Context, medicineID, scheduleID int64) error
	IsTakenToday(ctx context.Context, medicineID, scheduleID int64) (bool, error)
}

// MessageEditor updates a sent reminder in place once it is resolved.
type MessageEditor interface {
	EditText(ctx context.Context, ref transport.MessageRef, text string, opt *transport.SendOptions) error
}

type DelivererConfig struct {
	Target    transport.ChatTarget
	AckWindow time.Duration
	Location  *time.Location
}

func (c DelivererConfig) normalize() DelivererConfig {
	if c.AckWindow <= 0 {
		c.AckWindow = 10 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

const (
	ackActionTaken = "taken"
	ackActionSkip  = "skip"
)

// AckData encodes the callback payload carried by a reminder's buttons.
func AckData(action string, medicineID, scheduleID int64) string {
	return fmt.Sprintf("%s:%d:%d", action, medicineID, scheduleID)
}

// ParseAckData decodes a button payload. ok is false for foreign payloads.
func ParseAckData(data string) (action string, medicineID, scheduleID int64, ok bool) {
	parts := strings.Split(data, ":")
	if len(parts) != 3 {
		return "", 0, 0, false
	}
	if parts[0] != ackActionTaken && parts[0] != ackActionSkip {
		return "", 0, 0, false
	}
	m, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	s, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, 0, false
	}
	return parts[0], m, s, true
}

type ackKey struct {
	MedicineID int64
	ScheduleID int64
}

type ackSignal struct {
	taken bool
}

// Deliverer runs one reminder from fire to resolution: hold the wake lock,
// re-check the world, send the reminder with its answer buttons, ring until
// someone answers or the window closes, then settle the outcome.
type Deliverer struct {
	cfg    DelivererConfig
	log    logx.Logger
	bus    eventbus.Bus
	store  DeliveryStore
	rec    AdherenceRecorder
	alerts *alert.Service
	ringer *alert.Ringer
	editor MessageEditor
	sender alert.Sender
	wake   *WakeLock

	pmu     sync.Mutex
	pending map[ackKey]chan ackSignal
}

func NewDeliverer(cfg DelivererConfig, st DeliveryStore, rec AdherenceRecorder,
	alerts *alert.Service, ringer *alert.Ringer, editor MessageEditor, sender alert.Sender,
	wake *WakeLock, log logx.Logger, bus eventbus.Bus) *Deliverer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Deliverer{
		cfg:     cfg.normalize(),
		log:     log,
		bus:     bus,
		store:   st,
		rec:     rec,
		alerts:  alerts,
		ringer:  ringer,
		editor:  editor,
		sender:  sender,
		wake:    wake,
		pending: map[ackKey]chan ackSignal{},
	}
}

// Deliver implements FireFunc.
func (d *Deliverer) Deliver(ctx context.Context, job Job) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	release, ok := d.wake.Acquire(ctx.Done())
	if !ok {
		return ResultRetry
	}
	defer release()

	log := d.log.With(logx.String("key", job.Key))

	// Fire-time re-checks: the armed snapshot may be stale.
	med, err := d.store.MedicineByID(ctx, job.Schedule.MedicineID)
	if err != nil {
		log.Warn("medicine lookup failed", logx.Err(err))
		return ResultRetry
	}
	if med == nil {
		log.Info("medicine deleted before fire, skipping")
		return ResultSkip
	}
	sched, err := d.store.ScheduleByID(ctx, job.Schedule.ID)
	if err != nil {
		log.Warn("schedule lookup failed", logx.Err(err))
		return ResultRetry
	}
	if sched == nil {
		log.Info("schedule deleted before fire, skipping")
		return ResultSkip
	}
	if taken, err := d.rec.IsTakenToday(ctx, med.ID, sched.ID); err != nil {
		log.Warn("adherence lookup failed", logx.Err(err))
	} else if taken {
		log.Info("dose already taken, staying quiet")
		return ResultSkip
	}

	var patientName string
	if p, err := d.store.PatientByID(ctx, med.PatientID); err == nil && p != nil {
		patientName = p.Name
	}

	text := reminderText(med.Name, patientName, sched.Dosage)
	ref, err := d.alerts.Send(ctx, alert.Alert{
		Priority: 9,
		Target:   d.cfg.Target,
		Text:     text,
		Options: &transport.SendOptions{
			Buttons: [][]transport.Button{{
				{Text: "✅ Taken", Data: AckData(ackActionTaken, med.ID, sched.ID)},
				{Text: "⏭ Skip", Data: AckData(ackActionSkip, med.ID, sched.ID)},
			}},
		},
	})
	if err != nil {
		log.Warn("reminder send failed", logx.Err(err))
		return ResultRetry
	}

	ringText := "Still waiting: " + med.Name
	if patientName != "" {
		ringText += " for " + patientName
	}
	d.ringer.Ring(ctx, d.cfg.Target, ringText)
	defer d.ringer.Silence(context.Background(), d.sender)

	key := ackKey{MedicineID: med.ID, ScheduleID: sched.ID}
	ch := make(chan ackSignal, 1)
	d.pmu.Lock()
	d.pending[key] = ch
	d.pmu.Unlock()
	defer func() {
		d.pmu.Lock()
		if d.pending[key] == ch {
			delete(d.pending, key)
		}
		d.pmu.Unlock()
	}()

	window := time.NewTimer(d.cfg.AckWindow)
	defer window.Stop()

	select {
	case sig := <-ch:
		if sig.taken {
			if err := d.rec.RecordTaken(ctx, med.ID, sched.ID); err != nil {
				log.Error("recording taken dose failed", logx.Err(err))
			}
			d.settle(ctx, ref, fmt.Sprintf("✅ %s taken (%s)", med.Name, dosageLabel(sched.Dosage)))
			d.publish(eventbus.TypeReminderAcknowledged, job)
			log.Info("reminder acknowledged as taken")
		} else {
			d.settle(ctx, ref, fmt.Sprintf("⏭ %s skipped", med.Name))
			d.publish(eventbus.TypeReminderSkipped, job)
			log.Info("reminder skipped")
		}
		return ResultSuccess
	case <-window.C:
		d.settle(ctx, ref, fmt.Sprintf("⏰ %s missed, no answer", med.Name))
		d.publish(eventbus.TypeReminderExpired, job)
		log.Info("reminder expired unanswered", logx.Duration("window", d.cfg.AckWindow))
		return ResultSuccess
	case <-ctx.Done():
		return ResultRetry
	}
}

// Acknowledge resolves a pending delivery from an inbound button press.
// Returns whether a waiting delivery matched; late "taken" answers are still
// recorded so the adherence log reflects reality.
func (d *Deliverer) Acknowledge(ctx context.Context, medicineID, scheduleID int64, taken bool) (bool, error) {
	key := ackKey{MedicineID: medicineID, ScheduleID: scheduleID}
	d.pmu.Lock()
	ch := d.pending[key]
	d.pmu.Unlock()

	if ch != nil {
		select {
		case ch <- ackSignal{taken: taken}:
			return true, nil
		default:
			// Already resolved by a racing answer; fall through.
		}
	}
	if taken {
		return false, d.rec.RecordTaken(ctx, medicineID, scheduleID)
	}
	return false, nil
}

// Pending reports how many deliveries are waiting on an answer.
func (d *Deliverer) Pending() int {
	d.pmu.Lock()
	defer d.pmu.Unlock()
	return len(d.pending)
}

// settle rewrites the reminder message to its final form, dropping the
// buttons. Best-effort: the outcome is already decided.
func (d *Deliverer) settle(ctx context.Context, ref transport.MessageRef, text string) {
	ectx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := d.editor.EditText(ectx, ref, text, &transport.SendOptions{}); err != nil {
		d.log.Debug("settling edit failed", logx.Err(err))
	}
}

func (d *Deliverer) publish(typ string, job Job) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(eventbus.Event{Type: typ, Data: FireEvent{
		Key:        job.Key,
		MedicineID: job.Schedule.MedicineID,
		ScheduleID: job.Schedule.ID,
		At:         job.At,
	}})
}

func reminderText(medicine, patient string, dosage store.Dosage) string {
	who := ""
	if patient != "" {
		who = " for " + patient
	}
	return fmt.Sprintf("Time to take %s%s: %s", medicine, who, dosageLabel(dosage))
}

func dosageLabel(d store.Dosage) string {
	switch d {
	case store.DosageFull:
		return "1 tablet"
	case store.DosageHalf:
		return "1/2 tablet"
	case store.DosageQuarter:
		return "1/4 tablet"
	default:
		return string(d)
	}
}

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/badoux/checkmail"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"MailingService/internal/email"
	"MailingService/internal/metrics"
	"MailingService/internal/models"
)

var ErrCycleInProgress = errors.New("dispatch cycle already in progress")

const ResponseNoRecipients = models.ResponseOK + ": no recipients"

// Store is the persistence the dispatcher needs.
type Store interface {
	ActiveMailings(ctx context.Context) ([]models.Mailing, error)
	ClientEmails(ctx context.Context, ownerID int64) ([]string, error)
	RecordAttempt(ctx context.Context, log models.MailingLog, tr *models.Transition) (bool, error)
	RescheduleNow(ctx context.Context, id int64, at time.Time) (models.Mailing, error)
	FinishMailing(ctx context.Context, id int64) error
	AcquireDispatchLock(ctx context.Context) (release func(), acquired bool, err error)
}

type Sender interface {
	Send(ctx context.Context, msg email.Message) error
}

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Result is the outcome of one mailing within a cycle. Status and
// NextSendAt are the values stored after the cycle, except when Superseded:
// the mailing was changed while it was being sent (finished or rescheduled
// by its owner) and that change was kept.
type Result struct {
	MailingID  int64                `json:"mailing_id"`
	Title      string               `json:"title"`
	Outcome    Outcome              `json:"outcome"`
	Recipients int                  `json:"recipients"`
	Status     models.MailingStatus `json:"status"`
	NextSendAt time.Time            `json:"next_send_at"`
	Superseded bool                 `json:"superseded,omitempty"`
	Error      string               `json:"error,omitempty"`
}

type Report struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Checked   int           `json:"checked"`
	Due       int           `json:"due"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Results   []Result      `json:"results"`
}

// Dispatcher runs dispatch cycles: it sends every due mailing, logs each
// attempt and moves the mailing to its next state.
type Dispatcher struct {
	Store   Store
	Sender  Sender
	Limiter *rate.Limiter
	Log     *zap.Logger
	// Now defaults to time.Now.
	Now func() time.Time

	mu sync.Mutex
}

func (d *Dispatcher) clock() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// RunCycle sends every active mailing whose next send time has passed.
// Failures are recorded per mailing and never abort the cycle; an error is
// returned only when the cycle could not start.
func (d *Dispatcher) RunCycle(ctx context.Context) (Report, error) {
	if !d.mu.TryLock() {
		metrics.DispatchCycles.WithLabelValues("skipped").Inc()
		return Report{}, ErrCycleInProgress
	}
	defer d.mu.Unlock()

	release, ok, err := d.Store.AcquireDispatchLock(ctx)
	if err != nil {
		metrics.DispatchCycles.WithLabelValues("error").Inc()
		return Report{}, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	if !ok {
		metrics.DispatchCycles.WithLabelValues("skipped").Inc()
		return Report{}, ErrCycleInProgress
	}
	defer release()

	started := time.Now()
	now := d.clock()
	report := Report{StartedAt: now, Results: []Result{}}

	mailings, err := d.Store.ActiveMailings(ctx)
	if err != nil {
		metrics.DispatchCycles.WithLabelValues("error").Inc()
		return report, fmt.Errorf("list active mailings: %w", err)
	}

	for _, m := range mailings {
		if ctx.Err() != nil {
			d.logger().Warn("dispatch cycle interrupted",
				zap.Int("remaining", len(mailings)-report.Checked),
				zap.Error(ctx.Err()),
			)
			break
		}
		report.Checked++

		if !m.Due(now) {
			report.Results = append(report.Results, Result{
				MailingID:  m.ID,
				Title:      m.Title,
				Outcome:    OutcomeSkipped,
				Status:     m.Status,
				NextSendAt: m.NextSendAt,
			})
			continue
		}
		report.Due++

		res := d.dispatch(ctx, m)
		switch res.Outcome {
		case OutcomeSent:
			report.Sent++
		case OutcomeFailed:
			report.Failed++
		}
		report.Results = append(report.Results, res)
	}

	report.Duration = time.Since(started)

	metrics.MailingsDue.Set(float64(report.Due))
	metrics.DispatchDuration.Observe(report.Duration.Seconds())
	metrics.DispatchCycles.WithLabelValues("completed").Inc()

	d.logger().Info("dispatch cycle finished",
		zap.Int("checked", report.Checked),
		zap.Int("due", report.Due),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Duration("took", report.Duration),
	)

	return report, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, m models.Mailing) (res Result) {
	log := d.logger().With(zap.Int64("mailing_id", m.ID), zap.Int64("owner_id", m.OwnerID))

	res = Result{
		MailingID:  m.ID,
		Title:      m.Title,
		Status:     m.Status,
		NextSendAt: m.NextSendAt,
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()

		recipients, response, err := d.send(ctx, m, log)
		res.Recipients = recipients
		if err != nil {
			return err
		}

		tr := models.NewTransition(m)
		entry := models.MailingLog{
			MailingID:   m.ID,
			AttemptedAt: d.clock(),
			Success:     true,
			Response:    response,
		}
		applied, err := d.Store.RecordAttempt(ctx, entry, tr)
		if err != nil {
			return fmt.Errorf("record attempt: %w", err)
		}
		if !applied {
			res.Superseded = true
			log.Warn("mailing changed during send, keeping stored state",
				zap.String("loaded_status", string(m.Status)),
				zap.Time("loaded_next_send_at", m.NextSendAt),
			)
			return nil
		}

		res.Status = tr.To.Status
		res.NextSendAt = tr.To.NextSendAt
		return nil
	}()

	if err == nil {
		res.Outcome = OutcomeSent
		metrics.MailingsSent.Inc()
		log.Info("mailing sent",
			zap.Int("recipients", res.Recipients),
			zap.String("status", string(res.Status)),
			zap.Time("next_send_at", res.NextSendAt),
		)
		return res
	}

	res.Outcome = OutcomeFailed
	res.Error = err.Error()
	metrics.MailingFailures.Inc()
	log.Error("mailing send failed", zap.Error(err))

	failure := models.MailingLog{
		MailingID:   m.ID,
		AttemptedAt: d.clock(),
		Success:     false,
		Response:    err.Error(),
	}
	if _, logErr := d.Store.RecordAttempt(context.WithoutCancel(ctx), failure, nil); logErr != nil {
		log.Error("failed to record failed attempt", zap.Error(logErr))
	}

	return res
}

func (d *Dispatcher) send(ctx context.Context, m models.Mailing, log *zap.Logger) (int, string, error) {
	emails, err := d.Store.ClientEmails(ctx, m.OwnerID)
	if err != nil {
		return 0, "", fmt.Errorf("collect recipients: %w", err)
	}

	to := validRecipients(emails, log)
	if len(to) == 0 {
		return 0, ResponseNoRecipients, nil
	}

	if d.Limiter != nil {
		if err := d.Limiter.Wait(ctx); err != nil {
			return 0, "", fmt.Errorf("rate limiter: %w", err)
		}
	}

	err = d.Sender.Send(ctx, email.Message{
		Subject: m.Title,
		Body:    m.Body,
		To:      to,
	})
	if err != nil {
		return len(to), "", err
	}
	return len(to), models.ResponseOK, nil
}

func validRecipients(emails []string, log *zap.Logger) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}

		if err := checkmail.ValidateFormat(e); err != nil {
			log.Warn("skipping invalid recipient", zap.String("email", e), zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out
}

// SendNow pulls the mailing's next send time back to now and runs a cycle,
// the way an owner forces an immediate send.
func (d *Dispatcher) SendNow(ctx context.Context, id int64) (Report, error) {
	m, err := d.Store.RescheduleNow(ctx, id, d.clock())
	if err != nil {
		return Report{}, err
	}
	d.logger().Info("mailing rescheduled for immediate send",
		zap.Int64("mailing_id", m.ID),
		zap.Time("next_send_at", m.NextSendAt),
	)
	return d.RunCycle(ctx)
}

// Finish deactivates a running mailing on behalf of its owner.
func (d *Dispatcher) Finish(ctx context.Context, id int64) error {
	if err := d.Store.FinishMailing(ctx, id); err != nil {
		return err
	}
	d.logger().Info("mailing finished by owner", zap.Int64("mailing_id", id))
	return nil
}

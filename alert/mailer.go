package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	mailgun "github.com/mailgun/mailgun-go/v3"
	"go.uber.org/zap"

	"plugboard/config"
	"plugboard/types"
)

const sendTimeout = 10 * time.Second

// Mailer emails reachability transitions. Passes re-announce devices that
// are still missing, so the mailer keeps its own per-address baseline and
// only a flip of that baseline can send anything. The cooldown caps how
// often one flapping device can page; a recovery mail goes out only when
// the matching offline mail actually went.
type Mailer struct {
	send     func(ctx context.Context, subject, body string) error
	cooldown time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	reachable   map[types.Address]bool
	alertedDown map[types.Address]bool
	lastAlert   map[types.Address]time.Time
	now         func() time.Time
}

func NewMailer(cfg config.Alerts, logger *zap.Logger) *Mailer {
	var mg = mailgun.NewMailgun(cfg.MailgunDomain, cfg.MailgunApiKey)
	var mailer = newMailer(cfg.Cooldown(), logger)
	mailer.send = func(ctx context.Context, subject, body string) error {
		var message = mg.NewMessage(cfg.Sender, subject, body, cfg.Recipients...)
		_, id, err := mg.Send(ctx, message)
		if err != nil {
			return err
		}
		if id == "" {
			return fmt.Errorf("mailgun accepted the message without an id")
		}
		return nil
	}
	return mailer
}

func newMailer(cooldown time.Duration, logger *zap.Logger) *Mailer {
	return &Mailer{
		cooldown:    cooldown,
		logger:      logger.With(zap.String("component", "alert")),
		reachable:   map[types.Address]bool{},
		alertedDown: map[types.Address]bool{},
		lastAlert:   map[types.Address]time.Time{},
		now:         time.Now,
	}
}

// DeviceChanged classifies the event under the lock and mails in the
// background, so the reconciliation pass never waits on mailgun.
func (m *Mailer) DeviceChanged(event types.ChangeEvent) {
	subject, body, ok := m.classify(event.Device)
	if !ok {
		return
	}
	go m.deliver(event.Device.Address, subject, body)
}

// classify updates the baseline and decides whether this event is worth a
// mail. The cooldown stamp is taken here, before the send happens; a failed
// send waits out the cooldown like a sent one.
func (m *Mailer) classify(device types.DeviceState) (subject, body string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var wasReachable, known = m.reachable[device.Address]
	m.reachable[device.Address] = device.IsReachable
	if !known || wasReachable == device.IsReachable {
		return "", "", false
	}

	if !device.IsReachable {
		if m.now().Sub(m.lastAlert[device.Address]) < m.cooldown {
			m.logger.Debug("offline alert suppressed by cooldown", zap.Stringer("address", device.Address))
			return "", "", false
		}
		m.lastAlert[device.Address] = m.now()
		m.alertedDown[device.Address] = true
		return fmt.Sprintf("plugboard: %s is offline", device.DisplayName),
			fmt.Sprintf("%s (%s at %s) stopped answering at %s.",
				device.DisplayName, device.Model, device.Address, m.now().UTC().Format(time.RFC1123)),
			true
	}

	if !m.alertedDown[device.Address] {
		return "", "", false
	}
	m.alertedDown[device.Address] = false
	return fmt.Sprintf("plugboard: %s is back", device.DisplayName),
		fmt.Sprintf("%s (%s at %s) answered again at %s.",
			device.DisplayName, device.Model, device.Address, m.now().UTC().Format(time.RFC1123)),
		true
}

func (m *Mailer) deliver(address types.Address, subject, body string) {
	var ctx, cancel = context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := m.send(ctx, subject, body); err != nil {
		m.logger.Warn("could not send alert mail", zap.Stringer("address", address), zap.Error(err))
		return
	}
	m.logger.Info("alert mail sent", zap.Stringer("address", address), zap.String("subject", subject))
}

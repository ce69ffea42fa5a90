package injector

import (
	"fmt"
	"time"

	ot "github.com/opentracing/opentracing-go"
	ext "github.com/opentracing/opentracing-go/ext"
	otlog "github.com/opentracing/opentracing-go/log"
	log "github.com/sirupsen/logrus"

	"github.com/rangelab-io/rangelab-core/config"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
)

// Injector delivers generated flag values into running instances.
type Injector struct {
	Config config.RangelabConfig
	Dialer ShellDialer
}

func NewInjector(cfg config.RangelabConfig, dialer ShellDialer) *Injector {
	return &Injector{Config: cfg, Dialer: dialer}
}

// DeliveryResult reports what happened to each flag. Partial delivery is still an
// overall success (with warnings); only delivering nothing that needed delivering
// is a failure. Neither outcome is ever fatal to the owning session - submissions
// validate against stored values regardless of physical delivery.
type DeliveryResult struct {
	Success   bool
	Delivered map[string]string // flagName -> delivery status
	Warnings  []string
}

// DeliverFlags opens a shell to the instance's management address and writes each
// generated flag to its first writable candidate location. The session's Flags map
// is updated in place with per-flag delivery status.
func (inj *Injector) DeliverFlags(sc ot.SpanContext, session *models.Session, lab *models.Lab, address string) *DeliveryResult {
	span := ot.StartSpan("injector_deliver_flags", ot.ChildOf(sc))
	defer span.Finish()
	span.SetTag("sessionID", session.ID)
	span.SetTag("address", address)

	result := &DeliveryResult{
		Success:   true,
		Delivered: map[string]string{},
	}

	// Work out what actually needs delivering before paying for a connection
	pending := []string{}
	for name, lf := range lab.Flags {
		if lf.Mode == models.FlagModeStatic {
			result.Delivered[name] = DeliveryNotRequired
			session.Flags[name].Delivery = DeliveryNotRequired
			continue
		}
		pending = append(pending, name)
	}
	if len(pending) == 0 {
		return result
	}

	shell, err := inj.connect(address, lab)
	if err != nil {
		// Unreachability is never fatal to the owning session. Report failure and
		// let submissions validate against the stored values.
		log.Warnf("Flag delivery for session %s: shell unreachable: %v", session.ID, err)
		span.LogFields(otlog.Error(err))
		ext.Error.Set(span, true)

		result.Success = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("flag delivery failed: instance unreachable: %v", err))
		for _, name := range pending {
			result.Delivered[name] = DeliveryFailed
			session.Flags[name].Delivery = DeliveryFailed
		}
		return result
	}
	defer shell.Close()

	deliveredAny := false
	for _, name := range pending {
		lf := lab.Flags[name]
		value := session.Flags[name].Value

		if inj.writeFlag(shell, lab, lf, name, value) {
			result.Delivered[name] = DeliveryDelivered
			session.Flags[name].Delivery = DeliveryDelivered
			deliveredAny = true
			continue
		}

		result.Delivered[name] = DeliveryFailed
		session.Flags[name].Delivery = DeliveryFailed
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("flag %s could not be written to any candidate location", name))
	}

	// Delivering only some of the flags still counts as success-with-warnings
	result.Success = deliveredAny
	if !deliveredAny {
		result.Warnings = append(result.Warnings, "no flags could be delivered")
		ext.Error.Set(span, true)
	}
	span.LogFields(otlog.Object("delivered", result.Delivered))
	return result
}

// connect establishes the remote shell with bounded retries. Boot time and shell
// daemon startup aren't independently observable, so the budget is minutes.
func (inj *Injector) connect(address string, lab *models.Lab) (RemoteShell, error) {
	var shell RemoteShell

	maxAttempts := inj.Config.Injection.MaxAttempts
	delay := time.Duration(inj.Config.Injection.RetryDelay) * time.Second
	budget := time.Duration(inj.Config.Injection.TotalTimeout) * time.Second

	err := retryWithDelay("injector_connect", func() error {
		s, err := inj.Dialer.Dial(address, 22, lab.Credentials.Username, lab.Credentials.Password)
		if err != nil {
			return err
		}
		shell = s
		return nil
	}, maxAttempts, delay, budget)

	if err != nil {
		return nil, services.InjectionError{Msg: "Remote shell unreachable within budget", Cause: err}
	}
	return shell, nil
}

// writeFlag attempts each candidate location in priority order; the first
// successful write wins. Privileged targets try an elevated write first with a
// graceful fallback to an unprivileged one. Per-path errors are logged, never
// escalated.
func (inj *Injector) writeFlag(shell RemoteShell, lab *models.Lab, lf *models.LabFlag, name, value string) bool {

	for _, path := range lf.Locations {

		if lf.Privileged {
			if inj.runWrite(shell, elevatedWriteCommand(lab.Credentials.Password, value, path)) {
				log.Debugf("Delivered flag %s to %s (elevated)", name, path)
				return true
			}
		}

		if inj.runWrite(shell, plainWriteCommand(value, path)) {
			log.Debugf("Delivered flag %s to %s", name, path)
			return true
		}

		log.Debugf("Flag %s: candidate location %s not writable", name, path)
	}
	return false
}

func (inj *Injector) runWrite(shell RemoteShell, command string) bool {
	stdout, stderr, exitCode, err := shell.Exec(command)
	if err != nil {
		log.Debugf("Write command error: %v", err)
		return false
	}
	if exitCode != 0 {
		log.Debugf("Write command exited %d: %s", exitCode, services.SafePayload(stdout+stderr))
		return false
	}
	return true
}

func plainWriteCommand(value, path string) string {
	return fmt.Sprintf(`sh -c 'umask 077; printf %%s "%s" > %s'`, value, path)
}

func elevatedWriteCommand(password, value, path string) string {
	return fmt.Sprintf(`echo '%s' | sudo -S sh -c 'umask 077; printf %%s "%s" > %s'`, password, value, path)
}

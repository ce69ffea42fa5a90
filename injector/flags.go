// Package injector generates per-session secret flags and delivers them into
// running instances over a remote shell.
package injector

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"strings"

	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
)

// Delivery status values recorded on SessionFlags.
const (
	DeliveryDelivered   = "delivered"
	DeliveryFailed      = "failed"
	DeliveryNotRequired = "not-required"
)

// GenerateSessionFlags derives this session's flag values from the lab's flag
// configuration. Generated flags are HMAC-derived, so they are unguessable without
// the server secret but reproducible for a given session; static flags pass the
// lab's baked-in value through unchanged.
func GenerateSessionFlags(session *models.Session, lab *models.Lab, serverSecret string) map[string]*models.SessionFlag {

	flags := map[string]*models.SessionFlag{}
	for name, lf := range lab.Flags {
		switch lf.Mode {
		case models.FlagModeStatic:
			flags[name] = &models.SessionFlag{
				Value:    lf.StaticValue,
				Points:   lf.Points,
				Delivery: DeliveryNotRequired,
			}
		default:
			flags[name] = &models.SessionFlag{
				Value:  deriveFlagValue(session, name, serverSecret),
				Points: lf.Points,
			}
		}
	}
	return flags
}

// deriveFlagValue computes one flag value. The session's start time is part of the
// input, so values are unique across sessions even for the same user and lab, while
// re-deriving within a session stays stable.
func deriveFlagValue(session *models.Session, flagName, serverSecret string) string {
	mac := hmac.New(sha256.New, []byte(serverSecret))
	fmt.Fprintf(mac, "%s|%s|%s|%d", session.ID, session.UserID, flagName, session.StartedAt.Unix())
	sum := mac.Sum(nil)
	return fmt.Sprintf("RLAB{%x}", sum[:16])
}

// ValidateFlag performs an exact comparison of a submitted value against the
// session's stored value for the named flag, after trimming surrounding whitespace.
// Returns the flag's point value on a match. Lifetime checks (expiry, status) are
// the orchestrator's responsibility.
func ValidateFlag(session *models.Session, flagName, submitted string) (bool, int, error) {

	flag, ok := session.Flags[flagName]
	if !ok {
		return false, 0, services.NotFoundError{Msg: fmt.Sprintf("Session has no flag named %s", flagName)}
	}

	if strings.TrimSpace(submitted) == flag.Value {
		return true, flag.Points, nil
	}
	return false, 0, nil
}

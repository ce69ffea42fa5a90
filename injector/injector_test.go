package injector

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rangelab-io/rangelab-core/config"
	models "github.com/rangelab-io/rangelab-core/db/models"
	"github.com/rangelab-io/rangelab-core/services"
)

// assert fails the test if the condition is false.
func assert(tb testing.TB, condition bool, msg string, v ...interface{}) {
	if !condition {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: "+msg+"\033[39m\n\n", append([]interface{}{filepath.Base(file), line}, v...)...)
		tb.FailNow()
	}
}

// ok fails the test if an err is not nil.
func ok(tb testing.TB, err error) {
	if err != nil {
		_, file, line, _ := runtime.Caller(1)
		fmt.Printf("\033[31m%s:%d: unexpected error: %s\033[39m\n\n", filepath.Base(file), line, err.Error())
		tb.FailNow()
	}
}

// fakeShell records executed commands and fails writes to paths in failPaths.
type fakeShell struct {
	commands  []string
	failPaths []string
}

func (f *fakeShell) Exec(command string) (string, string, int, error) {
	f.commands = append(f.commands, command)
	for _, p := range f.failPaths {
		if strings.Contains(command, p) {
			return "", "permission denied", 1, nil
		}
	}
	return "", "", 0, nil
}

func (f *fakeShell) Close() error { return nil }

type fakeDialer struct {
	shell       *fakeShell
	failAlways  bool
	failedDials int
}

func (f *fakeDialer) Dial(host string, port int, user, password string) (RemoteShell, error) {
	if f.failAlways {
		f.failedDials++
		return nil, errors.New("connection refused")
	}
	return f.shell, nil
}

func testConfig() config.RangelabConfig {
	cfg := config.RangelabConfig{ServerSecret: "testsecret"}
	cfg.Injection.MaxAttempts = 3
	cfg.Injection.RetryDelay = 0
	cfg.Injection.TotalTimeout = 5
	return cfg
}

func testLab() *models.Lab {
	return &models.Lab{
		Slug:        "rusty-gate",
		Credentials: &models.LabCredentials{Username: "rangelab", Password: "pw"},
		Flags: map[string]*models.LabFlag{
			"user": {
				Points:    25,
				Mode:      models.FlagModeGenerated,
				Locations: []string{"/home/rangelab/user.txt", "/tmp/user.txt"},
			},
			"root": {
				Points:     50,
				Mode:       models.FlagModeGenerated,
				Privileged: true,
				Locations:  []string{"/root/root.txt"},
			},
		},
	}
}

func testSession(lab *models.Lab) *models.Session {
	session := &models.Session{
		ID:        "sess1",
		UserID:    "user1",
		LabSlug:   lab.Slug,
		Status:    models.Status_STARTING,
		StartedAt: time.Now(),
	}
	session.Flags = GenerateSessionFlags(session, lab, "testsecret")
	return session
}

var flagFormat = regexp.MustCompile(`^RLAB\{[0-9a-f]{32}\}$`)

func TestGenerateSessionFlags(t *testing.T) {
	lab := testLab()
	session := testSession(lab)

	assert(t, len(session.Flags) == 2, "expected 2 flags, got %d", len(session.Flags))
	user := session.Flags["user"]
	root := session.Flags["root"]

	assert(t, flagFormat.MatchString(user.Value), "user flag %s doesn't conform to template", user.Value)
	assert(t, flagFormat.MatchString(root.Value), "root flag %s doesn't conform to template", root.Value)
	assert(t, user.Value != root.Value, "flags within a session must be distinct")
	assert(t, user.Points == 25 && root.Points == 50, "points not carried from lab config")

	// Re-deriving for the same session is stable
	again := GenerateSessionFlags(session, lab, "testsecret")
	assert(t, again["user"].Value == user.Value, "derivation should be stable within a session")

	// A different session gets different values
	other := &models.Session{ID: "sess2", UserID: "user1", StartedAt: session.StartedAt}
	otherFlags := GenerateSessionFlags(other, lab, "testsecret")
	assert(t, otherFlags["user"].Value != user.Value, "flags must be unique per session")
}

func TestGenerateStaticFlag(t *testing.T) {
	lab := testLab()
	lab.Flags["root"] = &models.LabFlag{
		Points:      50,
		Mode:        models.FlagModeStatic,
		StaticValue: "RLAB{cafecafecafecafecafecafecafecafe}",
	}
	session := testSession(lab)

	root := session.Flags["root"]
	assert(t, root.Value == "RLAB{cafecafecafecafecafecafecafecafe}", "static value not passed through")
	assert(t, root.Delivery == DeliveryNotRequired, "static flag delivery should be not-required")
}

func TestValidateFlag(t *testing.T) {
	lab := testLab()
	session := testSession(lab)

	valid, points, err := ValidateFlag(session, "user", session.Flags["user"].Value)
	ok(t, err)
	assert(t, valid && points == 25, "expected valid submission worth 25 points")

	// Whitespace around the value is trimmed before comparison
	valid, points, err = ValidateFlag(session, "user", "  "+session.Flags["user"].Value+"\n")
	ok(t, err)
	assert(t, valid && points == 25, "trimmed submission should validate")

	valid, points, err = ValidateFlag(session, "user", "WRONG")
	ok(t, err)
	assert(t, !valid && points == 0, "wrong value should not validate")

	_, _, err = ValidateFlag(session, "bogus", "whatever")
	assert(t, services.IsNotFoundError(err), "expected NotFoundError for unknown flag, got %v", err)
}

func TestDeliverFlags(t *testing.T) {
	lab := testLab()
	session := testSession(lab)
	shell := &fakeShell{}
	inj := NewInjector(testConfig(), &fakeDialer{shell: shell})

	result := inj.DeliverFlags(nil, session, lab, "10.66.0.50")
	assert(t, result.Success, "expected delivery success")
	assert(t, len(result.Warnings) == 0, "unexpected warnings: %v", result.Warnings)
	assert(t, result.Delivered["user"] == DeliveryDelivered, "user flag not delivered")
	assert(t, result.Delivered["root"] == DeliveryDelivered, "root flag not delivered")
	assert(t, session.Flags["user"].Delivery == DeliveryDelivered, "session flag state not updated")

	// The privileged flag must have attempted an elevated write
	sawSudo := false
	for _, cmd := range shell.commands {
		if strings.Contains(cmd, "sudo") && strings.Contains(cmd, "/root/root.txt") {
			sawSudo = true
		}
	}
	assert(t, sawSudo, "privileged flag should attempt an elevated write first")
}

func TestDeliverFlagsCandidateFallback(t *testing.T) {
	lab := testLab()
	session := testSession(lab)
	shell := &fakeShell{failPaths: []string{"/home/rangelab/user.txt"}}
	inj := NewInjector(testConfig(), &fakeDialer{shell: shell})

	result := inj.DeliverFlags(nil, session, lab, "10.66.0.50")
	assert(t, result.Success, "expected delivery success via fallback path")
	assert(t, result.Delivered["user"] == DeliveryDelivered, "user flag should fall back to /tmp")

	sawFallback := false
	for _, cmd := range shell.commands {
		if strings.Contains(cmd, "/tmp/user.txt") {
			sawFallback = true
		}
	}
	assert(t, sawFallback, "fallback candidate path was never attempted")
}

func TestDeliverFlagsPartial(t *testing.T) {
	lab := testLab()
	session := testSession(lab)
	shell := &fakeShell{failPaths: []string{"/root/root.txt"}}
	inj := NewInjector(testConfig(), &fakeDialer{shell: shell})

	result := inj.DeliverFlags(nil, session, lab, "10.66.0.50")

	// One of two delivered: overall success, with a warning for the other
	assert(t, result.Success, "partial delivery should still be overall success")
	assert(t, result.Delivered["user"] == DeliveryDelivered, "user flag should be delivered")
	assert(t, result.Delivered["root"] == DeliveryFailed, "root flag should have failed")
	assert(t, len(result.Warnings) == 1, "expected one warning, got %v", result.Warnings)
}

func TestDeliverFlagsUnreachable(t *testing.T) {
	lab := testLab()
	session := testSession(lab)
	dialer := &fakeDialer{failAlways: true}
	inj := NewInjector(testConfig(), dialer)

	result := inj.DeliverFlags(nil, session, lab, "10.66.0.50")
	assert(t, !result.Success, "unreachable instance should report delivery failure")
	assert(t, result.Delivered["user"] == DeliveryFailed, "user flag should be marked failed")
	assert(t, result.Delivered["root"] == DeliveryFailed, "root flag should be marked failed")
	assert(t, dialer.failedDials == 3, "expected 3 bounded attempts, got %d", dialer.failedDials)

	// Values remain validatable despite failed delivery
	valid, points, err := ValidateFlag(session, "user", session.Flags["user"].Value)
	ok(t, err)
	assert(t, valid && points == 25, "stored values must validate regardless of delivery")
}

func TestRetryWithDelayBudget(t *testing.T) {
	calls := 0
	err := retryWithDelay("test_op", func() error {
		calls++
		return errors.New("nope")
	}, 100, 50*time.Millisecond, 120*time.Millisecond)

	assert(t, services.IsTimeoutError(err), "expected TimeoutError, got %v", err)
	// 120ms budget with 50ms delays allows roughly three attempts, never 100
	assert(t, calls < 10, "wall-clock budget not honored, %d calls", calls)
}

func TestRetryWithDelaySucceeds(t *testing.T) {
	calls := 0
	err := retryWithDelay("test_op", func() error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	}, 5, time.Millisecond, time.Second)
	ok(t, err)
	assert(t, calls == 3, "expected success on third attempt, got %d", calls)
}

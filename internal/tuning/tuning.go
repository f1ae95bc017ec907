// Package tuning applies and reverts the target server's fast-restore
// configuration profile.
package tuning

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ErrProfileMissing means revert was asked to run without a captured
// profile, e.g. after a crash before capture completed.
var ErrProfileMissing = errors.New("tuning profile missing")

// tunables lists the settings traded for restore throughput, in the order
// they are captured and applied.
var tunables = []string{
	"fsync",
	"synchronous_commit",
	"full_page_writes",
	"maintenance_work_mem",
	"checkpoint_completion_target",
}

// fastValues is the unsafe-but-fast profile held for the duration of the
// migration.
var fastValues = map[string]string{
	"fsync":                        "off",
	"synchronous_commit":           "off",
	"full_page_writes":             "off",
	"maintenance_work_mem":         "2GB",
	"checkpoint_completion_target": "0.9",
}

// Profile holds the original value of every tunable, captured before any
// mutation so revert restores the exact pre-run configuration.
type Profile map[string]string

// Settings is the slice of server access tuning needs.
type Settings interface {
	ShowSetting(ctx context.Context, name string) (string, error)
	SetSetting(ctx context.Context, name, value string) error
	ReloadConf(ctx context.Context) error
}

// Tuner changes and restores the target server's restore-speed settings.
type Tuner struct {
	settings Settings
	log      logrus.FieldLogger
}

func New(settings Settings, log logrus.FieldLogger) *Tuner {
	return &Tuner{settings: settings, log: log}
}

// Capture reads the current value of every tunable. It must run before
// Apply ever has: a profile captured after mutation would "restore" the
// fast values.
func (t *Tuner) Capture(ctx context.Context) (Profile, error) {
	profile := make(Profile, len(tunables))
	for _, name := range tunables {
		value, err := t.settings.ShowSetting(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", name, err)
		}
		profile[name] = value
	}
	return profile, nil
}

// Apply switches the server to the fast-restore profile and reloads.
func (t *Tuner) Apply(ctx context.Context) error {
	for _, name := range tunables {
		value := fastValues[name]
		t.log.WithFields(logrus.Fields{"setting": name, "value": value}).Info("applying fast-restore setting")
		if err := t.settings.SetSetting(ctx, name, value); err != nil {
			return err
		}
	}
	return t.settings.ReloadConf(ctx)
}

// Revert writes the captured original values back and reloads. Every
// tunable must be present in the profile; a partial profile is reported
// rather than a partial revert attempted.
func (t *Tuner) Revert(ctx context.Context, profile Profile) error {
	if len(profile) == 0 {
		return ErrProfileMissing
	}
	for _, name := range tunables {
		if _, ok := profile[name]; !ok {
			return fmt.Errorf("%w: no captured value for %s", ErrProfileMissing, name)
		}
	}
	for _, name := range tunables {
		original := profile[name]
		t.log.WithFields(logrus.Fields{"setting": name, "value": original}).Info("restoring original setting")
		if err := t.settings.SetSetting(ctx, name, original); err != nil {
			return err
		}
	}
	return t.settings.ReloadConf(ctx)
}

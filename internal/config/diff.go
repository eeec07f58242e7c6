package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// Recalibrate is set when calibration.margin or calibration.floor
	// changed. The running machine re-measures between windows.
	Recalibrate bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.Recalibrate || len(d.RestartRequired) > 0
}

// Diff compares old and new configs.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oc, nc := old.Calibration, new.Calibration
	if oc.Margin != nc.Margin || oc.Floor != nc.Floor {
		d.Recalibrate = true
	}
	oc.Margin, nc.Margin = 0, 0
	oc.Floor, nc.Floor = 0, 0
	if oc != nc {
		d.RestartRequired = append(d.RestartRequired, "calibration")
	}

	sections := []struct {
		name     string
		old, new any
	}{
		{"server.listen_addr", old.Server.ListenAddr, new.Server.ListenAddr},
		{"audio", old.Audio, new.Audio},
		{"vad", old.VAD, new.VAD},
		{"wake", old.Wake, new.Wake},
		{"capture", old.Capture, new.Capture},
		{"escalation", old.Escalation, new.Escalation},
		{"providers", old.Providers, new.Providers},
		{"journal", old.Journal, new.Journal},
		{"nats", old.NATS, new.NATS},
		{"presence", old.Presence, new.Presence},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	slices.Sort(d.RestartRequired)
	return d
}

package policy

import (
	"bytes"
	"errors"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/keithlinneman/smsgate/internal/admission"
	"github.com/keithlinneman/smsgate/internal/xerrors"
)

// Document is the on-disk form of a quota policy. JSON documents parse too.
type Document struct {
	MaxPerNumber     int    `yaml:"max_messages_per_number_per_window"`
	MaxPerAccount    int    `yaml:"max_messages_per_account_per_window"`
	WindowSeconds    int    `yaml:"window_seconds"`
	RetentionHorizon string `yaml:"retention_horizon,omitempty"`
	SweepInterval    string `yaml:"sweep_interval,omitempty"`
}

// Policy is a validated quota config plus where it came from.
type Policy struct {
	admission.Config
	// SweepInterval is how often idle keys are reclaimed, never zero
	SweepInterval time.Duration
	// Source is one of the Source* constants
	Source string
}

// Parse decodes a policy document. Unknown fields are rejected so a typo in a
// limit name cannot silently leave the flag default in force.
func Parse(data []byte) (Document, error) {
	var d Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, xerrors.New("policy document is empty")
		}
		return Document{}, xerrors.Wrap(err, "decode policy document")
	}
	return d, nil
}

// Policy converts d into a validated Policy.
func (d Document) Policy(source string) (Policy, error) {
	cfg := admission.Config{
		MaxPerPhoneNumber: d.MaxPerNumber,
		MaxPerAccount:     d.MaxPerAccount,
		Window:            time.Duration(d.WindowSeconds) * time.Second,
	}
	var sweep time.Duration
	var errs []error
	if d.RetentionHorizon != "" {
		v, err := time.ParseDuration(d.RetentionHorizon)
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "retention_horizon %q", d.RetentionHorizon))
		}
		cfg.RetentionHorizon = v
	}
	if d.SweepInterval != "" {
		v, err := time.ParseDuration(d.SweepInterval)
		if err != nil {
			errs = append(errs, xerrors.Wrapf(err, "sweep_interval %q", d.SweepInterval))
		}
		sweep = v
	}
	if len(errs) > 0 {
		return Policy{}, errors.Join(errs...)
	}
	return build(cfg, sweep, source)
}

// build applies defaults, validates, and resolves a zero sweep interval to the retention horizon.
func build(cfg admission.Config, sweep time.Duration, source string) (Policy, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Policy{}, xerrors.Wrapf(err, "%s policy", source)
	}
	if sweep < 0 {
		return Policy{}, xerrors.Newf("%s policy: sweep interval must not be negative (got %s)", source, sweep)
	}
	if sweep == 0 {
		sweep = cfg.RetentionHorizon
	}
	return Policy{Config: cfg, SweepInterval: sweep, Source: source}, nil
}

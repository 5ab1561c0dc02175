package config

import (
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"dcs-mission-validator/internal/models"
)

// DefaultPolicyFile is used when no --config flag is given.
const DefaultPolicyFile = "mission-validator.yaml"

// ErrPolicyNotFound is returned when the policy file does not exist.
var ErrPolicyNotFound = errors.New("policy file not found")

// PolicyFile is the on-disk shape of the validation policy.
type PolicyFile struct {
	ForbiddenFolders   []string `mapstructure:"forbidden_folders"`
	AllowedModules     []string `mapstructure:"allowed_modules"`
	QuietPeriodSeconds float64  `mapstructure:"quiet_period_seconds"`
	Debug              bool     `mapstructure:"debug"`
	LogFile            string   `mapstructure:"log_file"`
}

// SetDefaults registers the stock policy: replay folders are forbidden and a
// small set of community mods is approved.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("forbidden_folders", []string{"track", "track_data"})
	v.SetDefault("allowed_modules", []string{
		"476 vFG Range Targets by Noodle & Stuka",
		"Edge540 FM by Aero",
		"Military Aircraft Mod",
		"CivilAircraftMod",
		"A-4E-C",
	})
	v.SetDefault("quiet_period_seconds", 2.0)
	v.SetDefault("debug", false)
	v.SetDefault("log_file", "")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("DMV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// LoadPolicyFile reads a policy from path. The format (yaml, toml, json) is
// taken from the file extension; DMV_* environment variables override keys.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errors.WithHint(
				errors.Wrapf(ErrPolicyNotFound, "%s", path),
				"run `validator init-config` to create a default policy")
		}
		return nil, errors.Wrapf(err, "stat policy file %s", path)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "read policy file %s", path)
	}
	return LoadPolicyWithViper(v)
}

// LoadPolicyWithViper unmarshals and validates a policy from v.
func LoadPolicyWithViper(v *viper.Viper) (*PolicyFile, error) {
	var pf PolicyFile
	if err := v.Unmarshal(&pf); err != nil {
		return nil, errors.Wrap(err, "unmarshal policy")
	}
	if err := pf.Validate(); err != nil {
		return nil, err
	}
	return &pf, nil
}

// Validate rejects policies the scheduler cannot run with.
func (pf PolicyFile) Validate() error {
	if pf.QuietPeriodSeconds < 0 {
		return errors.Newf("quiet_period_seconds must not be negative, got %v", pf.QuietPeriodSeconds)
	}
	for _, f := range pf.ForbiddenFolders {
		if strings.TrimSpace(f) == "" {
			return errors.New("forbidden_folders must not contain empty names")
		}
	}
	return nil
}

// Policy converts the file representation into the immutable runtime policy.
func (pf PolicyFile) Policy() models.ValidationPolicy {
	return models.ValidationPolicy{
		ForbiddenFolders: append([]string(nil), pf.ForbiddenFolders...),
		AllowedModules:   append([]string(nil), pf.AllowedModules...),
		QuietPeriod:      time.Duration(pf.QuietPeriodSeconds * float64(time.Second)),
	}
}

// WriteDefaultPolicy creates a policy file with default values. It refuses to
// overwrite an existing file.
func WriteDefaultPolicy(path string) error {
	v := viper.New()
	SetDefaults(v)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return errors.Wrapf(err, "write default policy %s", path)
	}
	return nil
}

package auth

import (
	"sort"
	"strings"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/validator"
)

// Type names an authentication strategy.
type Type string

const (
	TypeBasic             Type = "basic"
	TypeConfigFile        Type = "configFile"
	TypeInstancePrincipal Type = "instancePrincipal"
	TypeSimpleKey         Type = "simpleKey"
)

const (
	DefaultProfile            = "DEFAULT"
	DefaultConfigFileLocation = "/home/opc/.oci/config"
)

// ParseType normalizes a configured auth type. The short legacy names
// "config" and "simple" are accepted. Unknown values are returned as-is
// and rejected later by StrategyFor.
func ParseType(s string) Type {
	switch strings.TrimSpace(s) {
	case "basic":
		return TypeBasic
	case "config", "configFile":
		return TypeConfigFile
	case "instancePrincipal":
		return TypeInstancePrincipal
	case "simple", "simpleKey":
		return TypeSimpleKey
	default:
		return Type(strings.TrimSpace(s))
	}
}

// Strategy is a closed set: Basic, ConfigFile, InstancePrincipal, SimpleKey.
type Strategy interface {
	Type() Type
	apply(o *ConnectOptions)
}

type Basic struct {
	Username string `validate:"required"`
	Password string `validate:"required"`
}

type ConfigFile struct {
	Profile      string
	Location     string
	Scope        string
	ExternalAuth bool
}

type InstancePrincipal struct {
	Scope        string
	ExternalAuth bool
}

type SimpleKey struct {
	Fingerprint        string `validate:"required"`
	PrivateKeyLocation string `validate:"required"`
	Passphrase         string `validate:"required"`
	RegionID           string `validate:"required"`
	TenancyID          string `validate:"required"`
	UserID             string `validate:"required"`
	ExternalAuth       bool
}

func (Basic) Type() Type             { return TypeBasic }
func (ConfigFile) Type() Type        { return TypeConfigFile }
func (InstancePrincipal) Type() Type { return TypeInstancePrincipal }
func (SimpleKey) Type() Type         { return TypeSimpleKey }

func (s Basic) apply(o *ConnectOptions) {
	o.User = s.Username
	o.Password = s.Password
}

func (s ConfigFile) apply(o *ConnectOptions) {
	o.Token = &TokenRequest{Strategy: s, Scope: s.Scope, ExternalAuth: s.ExternalAuth}
}

func (s InstancePrincipal) apply(o *ConnectOptions) {
	o.Token = &TokenRequest{Strategy: s, Scope: s.Scope, ExternalAuth: s.ExternalAuth}
}

func (s SimpleKey) apply(o *ConnectOptions) {
	o.Token = &TokenRequest{Strategy: s, ExternalAuth: s.ExternalAuth}
}

func NewBasic(username, password string) (Basic, error) {
	s := Basic{Username: strings.TrimSpace(username), Password: password}
	return s, requireFields(TypeBasic, s)
}

// NewConfigFile fills in DefaultProfile and DefaultConfigFileLocation when unset.
func NewConfigFile(profile, location, scope string, externalAuth bool) ConfigFile {
	profile = strings.TrimSpace(profile)
	if profile == "" {
		profile = DefaultProfile
	}
	location = strings.TrimSpace(location)
	if location == "" {
		location = DefaultConfigFileLocation
	}
	return ConfigFile{
		Profile:      profile,
		Location:     location,
		Scope:        strings.TrimSpace(scope),
		ExternalAuth: externalAuth,
	}
}

func NewInstancePrincipal(scope string, externalAuth bool) InstancePrincipal {
	return InstancePrincipal{Scope: strings.TrimSpace(scope), ExternalAuth: externalAuth}
}

func NewSimpleKey(fingerprint, privateKeyLocation, passphrase, regionID, tenancyID, userID string, externalAuth bool) (SimpleKey, error) {
	s := SimpleKey{
		Fingerprint:        strings.TrimSpace(fingerprint),
		PrivateKeyLocation: strings.TrimSpace(privateKeyLocation),
		Passphrase:         passphrase,
		RegionID:           strings.TrimSpace(regionID),
		TenancyID:          strings.TrimSpace(tenancyID),
		UserID:             strings.TrimSpace(userID),
		ExternalAuth:       externalAuth,
	}
	return s, requireFields(TypeSimpleKey, s)
}

// StrategyFor is the only place that switches on Config.Type.
func StrategyFor(cfg Config) (Strategy, error) {
	switch ParseType(string(cfg.Type)) {
	case TypeBasic:
		s, err := NewBasic(cfg.Username, cfg.Password)
		if err != nil {
			return nil, err
		}
		return s, nil
	case TypeConfigFile:
		return NewConfigFile(cfg.Profile, cfg.ConfigFileLocation, cfg.Scope, cfg.ExternalAuth), nil
	case TypeInstancePrincipal:
		return NewInstancePrincipal(cfg.Scope, cfg.ExternalAuth), nil
	case TypeSimpleKey:
		s, err := NewSimpleKey(cfg.Fingerprint, cfg.PrivateKeyLocation, cfg.Passphrase, cfg.RegionID, cfg.TenancyID, cfg.UserID, cfg.ExternalAuth)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errx.New(errx.KindConfig, "resolve", "unsupported auth type: "+quoteType(cfg.Type))
	}
}

func requireFields(t Type, s any) error {
	bad := validator.Validate(s)
	if len(bad) == 0 {
		return nil
	}
	fields := make([]string, 0, len(bad))
	for f := range bad {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return errx.New(errx.KindConfig, "resolve", string(t)+" auth requires "+strings.Join(fields, ", "))
}

func quoteType(t Type) string {
	if t == "" {
		return `""`
	}
	return string(t)
}

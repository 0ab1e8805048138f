package auth

import (
	"context"
	"strconv"
	"strings"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
	"github.com/vortex-fintech/dbqueue/foundation/logutil"
)

// Config is the declarative authentication surface as loaded from file or env.
// Only the fields of the selected Type are read.
type Config struct {
	Type          Type   `yaml:"auth_type"      env:"DBQ_AUTH_TYPE"`
	ConnectTarget string `yaml:"connect_target" env:"DBQ_CONNECT_TARGET"`

	// basic
	Username string `yaml:"username" env:"DBQ_USERNAME"`
	Password string `yaml:"password" env:"DBQ_PASSWORD"`

	// configFile / instancePrincipal
	Profile            string `yaml:"profile"              env:"DBQ_PROFILE"`
	ConfigFileLocation string `yaml:"config_file_location" env:"DBQ_CONFIG_FILE_LOCATION"`
	Scope              string `yaml:"scope"                env:"DBQ_SCOPE"`
	ExternalAuth       bool   `yaml:"external_auth"        env:"DBQ_EXTERNAL_AUTH"`

	// simpleKey
	Fingerprint        string `yaml:"fingerprint"          env:"DBQ_FINGERPRINT"`
	PrivateKeyLocation string `yaml:"private_key_location" env:"DBQ_PRIVATE_KEY_LOCATION"`
	Passphrase         string `yaml:"passphrase"           env:"DBQ_PASSPHRASE"`
	RegionID           string `yaml:"region_id"            env:"DBQ_REGION_ID"`
	TenancyID          string `yaml:"tenancy_id"           env:"DBQ_TENANCY_ID"`
	UserID             string `yaml:"user_id"              env:"DBQ_USER_ID"`
}

// ConnectOptions is the resolved, strategy-specific input for opening a
// connection. Exactly one of the static credentials or Token is set.
type ConnectOptions struct {
	ConnectTarget string
	User          string
	Password      string
	Token         *TokenRequest
}

// TokenRequest asks a TokenSource for a short-lived credential. Endpoint and
// User are filled in per physical connection from the parsed connect target.
type TokenRequest struct {
	Strategy     Strategy
	Scope        string
	ExternalAuth bool

	Endpoint string // host:port
	User     string
}

// Credential is what a TokenSource hands back for one physical connection.
type Credential struct {
	User     string
	Password string
}

// TokenSource turns a token-based strategy into a credential. It is called
// once per physical connection, so implementations must be safe for
// concurrent use.
type TokenSource interface {
	Token(ctx context.Context, req TokenRequest) (Credential, error)
}

// Resolve validates cfg and produces ConnectOptions. It performs no I/O.
func Resolve(cfg Config) (ConnectOptions, error) {
	target := strings.TrimSpace(cfg.ConnectTarget)
	if target == "" {
		return ConnectOptions{}, errx.Config("missing connect target")
	}

	s, err := StrategyFor(cfg)
	if err != nil {
		return ConnectOptions{}, err
	}

	opts := ConnectOptions{ConnectTarget: target}
	s.apply(&opts)
	return opts, nil
}

// TokenBased reports whether a TokenSource is needed at connect time.
func (o ConnectOptions) TokenBased() bool { return o.Token != nil }

// LogFields is a credential-free view of the options for structured logs.
func (o ConnectOptions) LogFields() map[string]string {
	fields := map[string]string{
		"connect_target": redactTarget(o.ConnectTarget),
		"user":           o.User,
		"password":       o.Password,
	}
	if o.Token != nil {
		fields["auth_type"] = string(o.Token.Strategy.Type())
		fields["scope"] = o.Token.Scope
		fields["external_auth"] = strconv.FormatBool(o.Token.ExternalAuth)
		if sk, ok := o.Token.Strategy.(SimpleKey); ok {
			fields["fingerprint"] = sk.Fingerprint
			fields["passphrase"] = sk.Passphrase
		}
	} else {
		fields["auth_type"] = string(TypeBasic)
	}
	return logutil.RedactFields(fields, "", "fingerprint", "passphrase")
}

// redactTarget strips userinfo from URL-style targets; keyword DSNs pass
// through with password=... masked.
func redactTarget(target string) string {
	if i := strings.Index(target, "://"); i >= 0 {
		rest := target[i+3:]
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			return target[:i+3] + "***@" + rest[at+1:]
		}
		return target
	}
	parts := strings.Fields(target)
	for i, p := range parts {
		if strings.HasPrefix(strings.ToLower(p), "password=") {
			parts[i] = "password=***"
		}
	}
	return strings.Join(parts, " ")
}

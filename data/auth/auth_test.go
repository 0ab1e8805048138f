package auth

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

func TestResolve_MissingConnectTarget(t *testing.T) {
	t.Parallel()

	for _, target := range []string{"", "   "} {
		_, err := Resolve(Config{Type: TypeBasic, ConnectTarget: target, Username: "u", Password: "p"})
		require.ErrorIs(t, err, errx.ErrConfig)
		require.Contains(t, err.Error(), "missing connect target")
	}
}

func TestResolve_UnsupportedType(t *testing.T) {
	t.Parallel()

	for _, typ := range []Type{"", "kerberos", "BASIC", "token"} {
		typ := typ
		t.Run(string(typ), func(t *testing.T) {
			t.Parallel()
			_, err := Resolve(Config{Type: typ, ConnectTarget: "postgres://db:5432/app"})
			require.ErrorIs(t, err, errx.ErrConfig)
			require.Contains(t, err.Error(), "unsupported auth type")
		})
	}
}

func TestResolve_Basic(t *testing.T) {
	t.Parallel()

	opts, err := Resolve(Config{
		Type:          TypeBasic,
		ConnectTarget: "  postgres://db:5432/app  ",
		Username:      "app",
		Password:      "s3cret",
	})
	require.NoError(t, err)
	require.Equal(t, "postgres://db:5432/app", opts.ConnectTarget)
	require.Equal(t, "app", opts.User)
	require.Equal(t, "s3cret", opts.Password)
	require.Nil(t, opts.Token)
	require.False(t, opts.TokenBased())
}

func TestResolve_BasicRequiresCredentials(t *testing.T) {
	t.Parallel()

	_, err := Resolve(Config{Type: TypeBasic, ConnectTarget: "postgres://db/app", Username: "app"})
	require.ErrorIs(t, err, errx.ErrConfig)
	require.Contains(t, err.Error(), "Password")
}

func TestResolve_ConfigFileDefaults(t *testing.T) {
	t.Parallel()

	opts, err := Resolve(Config{Type: "config", ConnectTarget: "postgres://db/app", ExternalAuth: true})
	require.NoError(t, err)
	require.True(t, opts.TokenBased())
	require.True(t, opts.Token.ExternalAuth)

	cf, ok := opts.Token.Strategy.(ConfigFile)
	require.True(t, ok)
	require.Equal(t, DefaultProfile, cf.Profile)
	require.Equal(t, DefaultConfigFileLocation, cf.Location)
	require.Empty(t, opts.Token.Scope)
}

func TestResolve_ConfigFileExplicit(t *testing.T) {
	t.Parallel()

	opts, err := Resolve(Config{
		Type:               TypeConfigFile,
		ConnectTarget:      "postgres://db/app",
		Profile:            "ops",
		ConfigFileLocation: "/etc/dbq/credentials",
		Scope:              "eu-west-1",
	})
	require.NoError(t, err)
	cf := opts.Token.Strategy.(ConfigFile)
	require.Equal(t, "ops", cf.Profile)
	require.Equal(t, "/etc/dbq/credentials", cf.Location)
	require.Equal(t, "eu-west-1", opts.Token.Scope)
	require.False(t, opts.Token.ExternalAuth)
}

func TestResolve_InstancePrincipal(t *testing.T) {
	t.Parallel()

	opts, err := Resolve(Config{Type: TypeInstancePrincipal, ConnectTarget: "postgres://db/app", Scope: "db-scope"})
	require.NoError(t, err)
	require.Equal(t, TypeInstancePrincipal, opts.Token.Strategy.Type())
	require.Equal(t, "db-scope", opts.Token.Scope)
	require.Empty(t, opts.User)
	require.Empty(t, opts.Password)
}

func TestResolve_SimpleKey(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Type:               "simple",
		ConnectTarget:      "postgres://db/app",
		Fingerprint:        "aa:bb",
		PrivateKeyLocation: "/keys/api.pem",
		Passphrase:         "pw",
		RegionID:           "eu-frankfurt-1",
		TenancyID:          "tenancy-1",
		UserID:             "user-1",
	}
	opts, err := Resolve(cfg)
	require.NoError(t, err)
	sk, ok := opts.Token.Strategy.(SimpleKey)
	require.True(t, ok)
	require.Equal(t, "aa:bb", sk.Fingerprint)
	require.Equal(t, "tenancy-1", sk.TenancyID)

	cfg.TenancyID = ""
	cfg.RegionID = " "
	_, err = Resolve(cfg)
	require.ErrorIs(t, err, errx.ErrConfig)
	require.Contains(t, err.Error(), "RegionID, TenancyID")
}

func TestParseType(t *testing.T) {
	t.Parallel()

	require.Equal(t, TypeConfigFile, ParseType("config"))
	require.Equal(t, TypeSimpleKey, ParseType(" simple "))
	require.Equal(t, TypeBasic, ParseType("basic"))
	require.Equal(t, Type("other"), ParseType("other"))
}

func TestLogFields_NoSecrets(t *testing.T) {
	t.Parallel()

	opts, err := Resolve(Config{
		Type:          TypeBasic,
		ConnectTarget: "postgres://app:hunter2@db:5432/app",
		Username:      "app",
		Password:      "hunter2",
	})
	require.NoError(t, err)

	fields := opts.LogFields()
	for k, v := range fields {
		require.False(t, strings.Contains(v, "hunter2"), "field %s leaks secret", k)
	}
	require.Equal(t, "postgres://***@db:5432/app", fields["connect_target"])
	require.Equal(t, "app", fields["user"])

	kw := redactTarget("host=db user=app password=hunter2 dbname=app")
	require.Equal(t, "host=db user=app password=*** dbname=app", kw)
}

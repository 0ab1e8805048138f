package iamtoken

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/ec2rolecreds"
	rdsauth "github.com/aws/aws-sdk-go-v2/feature/rds/auth"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// Test hooks.
var (
	loadAWSConfig  = config.LoadDefaultConfig
	buildAuthToken = rdsauth.BuildAuthToken
)

// AWSSource issues IAM database auth tokens. ConfigFile strategies load the
// named profile from the given shared config file; InstancePrincipal uses the
// instance role from the metadata service. Scope, when set, is the region.
//
// IAM tokens are always external: the database maps the token to the DSN
// user, so ExternalAuth never renames the connection user here.
type AWSSource struct {
	region string

	mu   sync.Mutex
	cfgs map[auth.Strategy]aws.Config
}

var _ auth.TokenSource = (*AWSSource)(nil)

// NewAWSSource builds a source. region is the fallback when neither the
// request scope nor the loaded profile names one.
func NewAWSSource(region string) *AWSSource {
	return &AWSSource{region: region, cfgs: map[auth.Strategy]aws.Config{}}
}

func (s *AWSSource) Token(ctx context.Context, req auth.TokenRequest) (auth.Credential, error) {
	cfg, err := s.configFor(ctx, req.Strategy)
	if err != nil {
		return auth.Credential{}, err
	}

	region := req.Scope
	if region == "" {
		region = cfg.Region
	}
	if region == "" {
		region = s.region
	}
	if region == "" {
		return auth.Credential{}, errx.New(errx.KindConfig, "token", "no region for IAM token; set scope")
	}
	user := userFor(req, "")
	if req.Endpoint == "" || user == "" {
		return auth.Credential{}, errx.New(errx.KindConfig, "token", "IAM token needs host, port and user in the connect target")
	}

	tok, err := buildAuthToken(ctx, req.Endpoint, region, user, cfg.Credentials)
	if err != nil {
		return auth.Credential{}, errx.Wrap(errx.KindConnect, "token", err)
	}
	return auth.Credential{User: user, Password: tok}, nil
}

func (s *AWSSource) configFor(ctx context.Context, st auth.Strategy) (aws.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, ok := s.cfgs[st]; ok {
		return cfg, nil
	}

	var opts []func(*config.LoadOptions) error
	switch v := st.(type) {
	case auth.ConfigFile:
		opts = append(opts,
			config.WithSharedConfigFiles([]string{v.Location}),
			config.WithSharedCredentialsFiles([]string{v.Location}),
			config.WithSharedConfigProfile(v.Profile),
		)
	case auth.InstancePrincipal:
		opts = append(opts, config.WithCredentialsProvider(aws.NewCredentialsCache(ec2rolecreds.New())))
	default:
		return aws.Config{}, errx.New(errx.KindConfig, "token", "strategy "+string(st.Type())+" is not AWS-backed")
	}

	cfg, err := loadAWSConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, errx.Wrap(errx.KindConfig, "token", err)
	}
	s.cfgs[st] = cfg
	return cfg, nil
}

// Package iamtoken provides auth.TokenSource implementations for the
// token-based strategies: AWS IAM database tokens for configFile and
// instancePrincipal, and key-pair signed JWTs for simpleKey.
package iamtoken

import (
	"context"
	"fmt"

	"github.com/vortex-fintech/dbqueue/data/auth"
	"github.com/vortex-fintech/dbqueue/foundation/errx"
)

// Router dispatches a TokenRequest to the source that owns its strategy.
type Router struct {
	AWS     auth.TokenSource
	KeyPair auth.TokenSource
}

var _ auth.TokenSource = (*Router)(nil)

// NewRouter wires the default sources.
func NewRouter() *Router {
	return &Router{AWS: NewAWSSource(""), KeyPair: NewKeyPairSource()}
}

func (r *Router) Token(ctx context.Context, req auth.TokenRequest) (auth.Credential, error) {
	var src auth.TokenSource
	switch req.Strategy.(type) {
	case auth.ConfigFile, auth.InstancePrincipal:
		src = r.AWS
	case auth.SimpleKey:
		src = r.KeyPair
	}
	if src == nil {
		return auth.Credential{}, errx.New(errx.KindConfig, "token", fmt.Sprintf("no token source for %T", req.Strategy))
	}
	return src.Token(ctx, req)
}

// userFor picks the connection user: the DSN user unless external auth lets
// the identity provider name it.
func userFor(req auth.TokenRequest, identity string) string {
	if req.ExternalAuth && identity != "" {
		return identity
	}
	return req.User
}

// Package auth implements the comp-* endpoints' authorization check:
// internal callers (identified by which listener accepted the
// connection, not by any request header) bypass the token entirely;
// external callers must carry a body-level `token` field matching a
// configured shared secret -- spec.md §6's
// "External callers must supply token matching a configured shared
// secret; internal callers are identified by listening port and skip
// the token", translated from
// original_source/src/app_history/http_router.rs's repeated
// `if !is_internal { ... token != allowed_token ... }` guard.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/open-policy-agent/opa/rego"
)

// DefaultPolicy is the authz module used when no policy file is
// configured, expressed the way the teacher's own authz policy is: a
// single `allow` rule, with `input.internal` and matching
// `input.token`/`input.secret` standing in for the teacher's
// tenant-bearing token claims.
const DefaultPolicy = `
package iotpipe.authz

default allow = false

allow {
	input.internal == true
}

allow {
	input.token == input.secret
}
`

// ErrUnauthorized names a denied request. Allow does not return it: a
// policy deny is reported as (false, nil).
var ErrUnauthorized = errors.New("auth: request not authorized")

// Authenticator evaluates the compiled authz policy against one
// request's token and internal-listener flag.
type Authenticator struct {
	query  rego.PreparedEvalQuery
	secret string
}

// NewAuthenticator compiles policies (an example.rego-shaped module
// defining `data.iotpipe.authz.allow`) once at startup, the way the
// teacher compiles its own authorizer ahead of serving any request.
func NewAuthenticator(ctx context.Context, policies io.Reader, secret string) (*Authenticator, error) {
	module, err := io.ReadAll(policies)
	if err != nil {
		return nil, fmt.Errorf("auth: unable to read authz policies: %w", err)
	}

	query, err := rego.New(
		rego.Query("x = data.iotpipe.authz.allow"),
		rego.Module("iotpipe.rego", string(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: failed to prepare authz policy: %w", err)
	}

	return &Authenticator{query: query, secret: secret}, nil
}

// Allow evaluates the policy for one request. token is the body-level
// `token` field (empty if the caller omitted it); internal reflects
// which listener accepted the connection.
func (a *Authenticator) Allow(ctx context.Context, token string, internal bool) (bool, error) {
	input := map[string]any{
		"token":    token,
		"internal": internal,
		"secret":   a.secret,
	}

	results, err := a.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return false, fmt.Errorf("auth: policy evaluation failed: %w", err)
	}
	if len(results) == 0 {
		return false, fmt.Errorf("auth: policy query produced no bindings")
	}

	allowed, ok := results[0].Bindings["x"].(bool)
	if !ok {
		return false, fmt.Errorf("auth: unexpected policy result type")
	}
	return allowed, nil
}

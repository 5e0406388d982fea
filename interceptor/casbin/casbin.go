// Package casbin gates outgoing calls with a casbin enforcer. A denied call
// fails with codes.PermissionDenied, which the failover proxy returns as is
// instead of evicting the provider.
package casbin

import (
	"context"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Enforcer = casbin.SyncedEnforcer

// EnforceFunc decides whether the call to method may go out.
type EnforceFunc func(enforcer *Enforcer, ctx context.Context, method string) (bool, error)

// ACLModel is a request model of (subject, interface, method) where policy
// objects may use keyMatch globs and "*" allows every method.
const ACLModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && keyMatch(r.obj, p.obj) && (r.act == p.act || p.act == "*")
`

type subjectKey struct{}

// WithSubject names the caller checked by EnforceMethod.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey{}, sub)
}

// Subject returns the caller stored by WithSubject.
func Subject(ctx context.Context) (string, bool) {
	sub, ok := ctx.Value(subjectKey{}).(string)
	return sub, ok
}

// SplitMethod splits a full gRPC method "/pkg.Greeter/SayHello" into
// interface and method name.
func SplitMethod(fullMethod string) (iface, method string) {
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	if i := strings.LastIndex(fullMethod, "/"); i >= 0 {
		return fullMethod[:i], fullMethod[i+1:]
	}
	return "", fullMethod
}

// EnforceMethod enforces (subject, interface, method). Calls without a
// subject are denied.
func EnforceMethod(enforcer *Enforcer, ctx context.Context, fullMethod string) (bool, error) {
	sub, ok := Subject(ctx)
	if !ok {
		return false, nil
	}
	iface, method := SplitMethod(fullMethod)
	return enforcer.Enforce(sub, iface, method)
}

func UnaryClientInterceptor(enforcer *Enforcer, en EnforceFunc) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if err := check(enforcer, en, ctx, method); err != nil {
			return err
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func StreamClientInterceptor(enforcer *Enforcer, en EnforceFunc) grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if err := check(enforcer, en, ctx, method); err != nil {
			return nil, err
		}
		return streamer(ctx, desc, cc, method, opts...)
	}
}

func check(enforcer *Enforcer, en EnforceFunc, ctx context.Context, method string) error {
	if en == nil {
		return nil
	}

	ok, err := en(enforcer, ctx, method)
	if err != nil {
		return status.Errorf(codes.Internal, "enforce %s: %v", method, err)
	}
	if !ok {
		return status.Errorf(codes.PermissionDenied, "permission denied: %s", method)
	}
	return nil
}

func NewEnforcer(params ...interface{}) (*Enforcer, error) {
	return casbin.NewSyncedEnforcer(params...)
}

// NewACLEnforcer returns an enforcer over ACLModel with policies given as
// (subject, interface glob, method) triples.
func NewACLEnforcer(policies ...[]string) (*Enforcer, error) {
	m, err := model.NewModelFromString(ACLModel)
	if err != nil {
		return nil, err
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, err
	}

	for _, p := range policies {
		if _, err := enforcer.AddPolicy(p); err != nil {
			return nil, err
		}
	}
	return enforcer, nil
}

package casbin

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func newEnforcer(t *testing.T) *Enforcer {
	enforcer, err := NewACLEnforcer(
		[]string{"billing", "pkg.Greeter", "SayHello"},
		[]string{"admin", "pkg.*", "*"},
	)
	require.NoError(t, err)
	return enforcer
}

func TestSplitMethod(t *testing.T) {
	tests := []struct {
		full   string
		iface  string
		method string
	}{
		{"/pkg.Greeter/SayHello", "pkg.Greeter", "SayHello"},
		{"pkg.Greeter/SayHello", "pkg.Greeter", "SayHello"},
		{"SayHello", "", "SayHello"},
	}

	for _, tt := range tests {
		t.Run(tt.full, func(t *testing.T) {
			iface, method := SplitMethod(tt.full)
			assert.Equal(t, tt.iface, iface)
			assert.Equal(t, tt.method, method)
		})
	}
}

func TestEnforceMethod(t *testing.T) {
	enforcer := newEnforcer(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		subject string
		method  string
		want    bool
	}{
		{"allowed", "billing", "/pkg.Greeter/SayHello", true},
		{"other method", "billing", "/pkg.Greeter/SayGoodbye", false},
		{"wildcard", "admin", "/pkg.Admin/Drain", true},
		{"outside glob", "admin", "/other.Admin/Drain", false},
		{"unknown subject", "guest", "/pkg.Greeter/SayHello", false},
		{"no subject", "", "/pkg.Greeter/SayHello", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			callCtx := ctx
			if tt.subject != "" {
				callCtx = WithSubject(ctx, tt.subject)
			}
			ok, err := EnforceMethod(enforcer, callCtx, tt.method)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestUnaryClientInterceptor(t *testing.T) {
	var (
		enforcer = newEnforcer(t)
		icpt     = UnaryClientInterceptor(enforcer, EnforceMethod)
		called   int
	)
	invoker := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, opts ...grpc.CallOption) error {
		called++
		return nil
	}

	err := icpt(WithSubject(context.Background(), "billing"), "/pkg.Greeter/SayHello", nil, nil, nil, invoker)
	require.NoError(t, err)
	assert.Equal(t, 1, called)

	err = icpt(WithSubject(context.Background(), "guest"), "/pkg.Greeter/SayHello", nil, nil, nil, invoker)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
	assert.Equal(t, 1, called)

	failing := func(*Enforcer, context.Context, string) (bool, error) { return false, errors.New("policy store down") }
	err = UnaryClientInterceptor(enforcer, failing)(context.Background(), "/pkg.Greeter/SayHello", nil, nil, nil, invoker)
	assert.Equal(t, codes.Internal, status.Code(err))

	err = UnaryClientInterceptor(enforcer, nil)(context.Background(), "/pkg.Greeter/SayHello", nil, nil, nil, invoker)
	assert.NoError(t, err)
	assert.Equal(t, 2, called)
}

func TestStreamClientInterceptor(t *testing.T) {
	icpt := StreamClientInterceptor(newEnforcer(t), EnforceMethod)
	streamer := func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		return nil, nil
	}

	_, err := icpt(WithSubject(context.Background(), "admin"), &grpc.StreamDesc{}, nil, "/pkg.Admin/Watch", streamer)
	assert.NoError(t, err)

	_, err = icpt(context.Background(), &grpc.StreamDesc{}, nil, "/pkg.Admin/Watch", streamer)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))
}

package auth

import (
	"context"

	"github.com/modelcontextprotocol/example-remote-server-sub001/pkg/authserver/storage"
)

type authInfoKey struct{}

type installationKey struct{}

// WithAuthInfo returns a context carrying the validated identity for this
// request.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext retrieves the identity stored by the middleware, or
// nil when the request was not authenticated.
func AuthInfoFromContext(ctx context.Context) *AuthInfo {
	info, _ := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info
}

// WithInstallation attaches the full installation record to the context. It
// is only populated when the in-process authorization server verified the
// token; remote introspection has no installation to offer.
func WithInstallation(ctx context.Context, installation *storage.Installation) context.Context {
	return context.WithValue(ctx, installationKey{}, installation)
}

// InstallationFromContext retrieves the installation record, or nil.
func InstallationFromContext(ctx context.Context) *storage.Installation {
	installation, _ := ctx.Value(installationKey{}).(*storage.Installation)
	return installation
}

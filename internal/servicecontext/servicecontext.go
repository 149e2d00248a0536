// Package servicecontext carries the identity of an authenticated internal
// API caller through a request context.
package servicecontext

import (
	"context"
)

type contextKey string

const serviceAuthKey contextKey = "auth.service"

// Info contains service authentication details
type Info struct {
	ServiceName string
	AuthType    string
}

// WithAuthInfo adds service authentication info to the context
func WithAuthInfo(ctx context.Context, serviceName, authType string) context.Context {
	return context.WithValue(ctx, serviceAuthKey, Info{
		ServiceName: serviceName,
		AuthType:    authType,
	})
}

// GetAuthInfo retrieves service auth info from context
func GetAuthInfo(ctx context.Context) (Info, bool) {
	info, ok := ctx.Value(serviceAuthKey).(Info)
	return info, ok
}

// GetServiceName retrieves the service name from context
func GetServiceName(ctx context.Context) (string, bool) {
	info, ok := GetAuthInfo(ctx)
	if !ok {
		return "", false
	}
	return info.ServiceName, true
}

package gateway

import "context"

type clientIDKey struct{}

// withClientID tags ctx with the WebSocket client that sent a request.
func withClientID(ctx context.Context, clientID string) context.Context {
	return context.WithValue(ctx, clientIDKey{}, clientID)
}

// clientIDFromContext returns "" for HTTP requests.
func clientIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(clientIDKey{}).(string)
	return id
}

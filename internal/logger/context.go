package logger

import (
	"context"
)

// WithAccountID adds an account ID to the context.
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, ContextKeyAccountID, accountID)
}

// WithDialogID adds a dialog ID to the context.
func WithDialogID(ctx context.Context, dialogID int64) context.Context {
	return context.WithValue(ctx, ContextKeyDialogID, dialogID)
}

// WithOperation adds an operation name to the context.
func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, ContextKeyOperation, operation)
}

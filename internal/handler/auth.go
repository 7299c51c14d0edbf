package handler

import (
	"context"
	"errors"

	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/ierr"
)

// requireConnection returns the websocket connection the event arrived on.
// Its owner is the only identity a client event may act as.
func requireConnection(ctx context.Context) (*broadcaster.Connection, error) {
	connection, ok := broadcaster.ConnectionFromContext(ctx)
	if !ok {
		return nil, ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("user not authenticated"))
	}

	return connection, nil
}

func requireAdmin(ctx context.Context) error {
	authentication, ok := auth.AuthenticationFromContext(ctx)
	if !ok {
		return ierr.New(ierr.ErrorCodeUnauthenticated, errors.New("caller not authenticated"))
	}

	if !authentication.IsAdmin {
		return ierr.New(ierr.ErrorCodePermissionDenied, errors.New("caller not allowed to publish"))
	}

	return nil
}

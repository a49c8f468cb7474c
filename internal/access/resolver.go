package access

import (
	"context"
	"errors"
	"fmt"

	"github.com/g960059/agthub/internal/db"
	"github.com/g960059/agthub/internal/model"
)

var ErrUnauthorized = errors.New("unauthorized")

// Store is the read side the resolver needs.
type Store interface {
	GetSession(ctx context.Context, id string) (model.Session, error)
	GetMachine(ctx context.Context, id string) (model.Machine, error)
}

type SessionResult struct {
	Status  model.AccessStatus
	Session model.Session
}

type MachineResult struct {
	Status  model.AccessStatus
	Machine model.Machine
}

// Resolver authenticates access tokens and checks namespace ownership.
type Resolver struct {
	store    Store
	cliToken string
	issuer   *Issuer
}

func NewResolver(store Store, cliToken string, issuer *Issuer) *Resolver {
	return &Resolver{store: store, cliToken: cliToken, issuer: issuer}
}

// Authenticate accepts a "<base>[:<namespace>]" CLI token.
func (r *Resolver) Authenticate(raw string) (string, error) {
	parsed, ok := ParseAccessToken(raw)
	if !ok || !ConstantTimeEquals(parsed.Base, r.cliToken) {
		return "", ErrUnauthorized
	}
	return parsed.Namespace, nil
}

// AuthenticateAny accepts either a CLI token or a JWT issued by Issue.
func (r *Resolver) AuthenticateAny(raw string) (string, error) {
	if ns, err := r.Authenticate(raw); err == nil {
		return ns, nil
	}
	if r.issuer == nil {
		return "", ErrUnauthorized
	}
	return r.issuer.Verify(raw)
}

func (r *Resolver) Issuer() *Issuer {
	return r.issuer
}

// ResolveSession returns the session only when it belongs to namespace.
func (r *Resolver) ResolveSession(ctx context.Context, id, namespace string) (SessionResult, error) {
	session, err := r.store.GetSession(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return SessionResult{Status: model.AccessNotFound}, nil
		}
		return SessionResult{}, fmt.Errorf("resolve session: %w", err)
	}
	if session.Namespace != namespace {
		return SessionResult{Status: model.AccessDenied}, nil
	}
	return SessionResult{Status: model.AccessOK, Session: session}, nil
}

func (r *Resolver) ResolveMachine(ctx context.Context, id, namespace string) (MachineResult, error) {
	machine, err := r.store.GetMachine(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return MachineResult{Status: model.AccessNotFound}, nil
		}
		return MachineResult{}, fmt.Errorf("resolve machine: %w", err)
	}
	if machine.Namespace != namespace {
		return MachineResult{Status: model.AccessDenied}, nil
	}
	return MachineResult{Status: model.AccessOK, Machine: machine}, nil
}

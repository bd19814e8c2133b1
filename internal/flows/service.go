package flows

import (
	"context"
	"time"

	"github.com/MrEthical07/authcore/revocation"
)

// Service is the centralized flow runner built once by the root engine.
type Service struct {
	deps Deps
}

// New returns a flow service with immutable dependency wiring.
func New(deps Deps) Service {
	return Service{deps: deps}
}

// Initialized reports whether the service has been wired with flow deps.
func (s Service) Initialized() bool {
	return s.deps.Validate.Codec != nil
}

func (s Service) Login(ctx context.Context, req LoginRequest) LoginResult {
	return RunLogin(ctx, req, s.deps.Login)
}

func (s Service) Validate(ctx context.Context, token string, required []string) ValidateResult {
	return RunValidate(ctx, token, required, s.deps.Validate)
}

func (s Service) Refresh(ctx context.Context, refreshToken string) RefreshResult {
	return RunRefresh(ctx, refreshToken, s.deps.Refresh)
}

func (s Service) Logout(ctx context.Context, sessionID string) error {
	return RunLogout(ctx, sessionID, s.deps.Logout)
}

func (s Service) LogoutAll(ctx context.Context, subject string) (int, error) {
	return RunLogoutAll(ctx, subject, s.deps.Logout)
}

func (s Service) LogoutByAccessToken(ctx context.Context, token string) LogoutByAccessResult {
	return RunLogoutByAccessToken(ctx, token, s.deps.Logout)
}

func (s Service) RevokeToken(ctx context.Context, token string) RevokeResult {
	return RunRevokeToken(ctx, token, s.deps.Logout)
}

func (s Service) ListActiveSessions(ctx context.Context, subject string) ([]revocation.Session, error) {
	return RunListActiveSessions(ctx, subject, s.deps.Introspection)
}

func (s Service) GetSession(ctx context.Context, sid string) (revocation.Session, error) {
	return RunGetSession(ctx, sid, s.deps.Introspection)
}

func (s Service) Health(ctx context.Context) (bool, time.Duration) {
	return RunHealth(ctx, s.deps.Introspection)
}

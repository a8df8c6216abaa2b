package service

import (
	"context"
	"sync"
)

// ServiceFactory builds the service layer once its collaborators are ready.
type ServiceFactory struct {
	cfg  AuthConfig
	deps Dependencies

	once        sync.Once
	authService *AuthService
	err         error
}

func NewServiceFactory(cfg AuthConfig, deps Dependencies) *ServiceFactory {
	return &ServiceFactory{cfg: cfg, deps: deps}
}

// AuthService returns the shared instance, creating it on first use.
func (f *ServiceFactory) AuthService() (*AuthService, error) {
	f.once.Do(func() {
		f.authService, f.err = NewAuthService(f.cfg, f.deps)
	})
	return f.authService, f.err
}

// Cleanup flushes anything the services still hold.
func (f *ServiceFactory) Cleanup(ctx context.Context) error {
	if f.authService == nil {
		return nil
	}
	return f.authService.Cleanup(ctx)
}

package runners

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// NewRunnerToken mints a fresh shared secret for a registering runner.
func NewRunnerToken() string {
	return "ptrt-" + uuid.NewString()
}

// NewRegistrationToken mints a pre-shared registration secret.
func NewRegistrationToken() string {
	return "ptrrt-" + uuid.NewString()
}

// Registry manages runner registration and liveness. Touch calls are
// collapsed per runner: rapid polling must not amplify into one
// last_contact write per request, and the polling path must never
// block on the write.
type Registry struct {
	logger          *slog.Logger
	store           Store
	contactInterval time.Duration

	// group drops a touch arriving while one is already in flight for
	// the same runner.
	group     singleflight.Group
	lastWrite sync.Map // runner id -> time.Time
}

func NewRegistry(logger *slog.Logger, store Store, contactInterval time.Duration) *Registry {
	return &Registry{
		logger:          logger,
		store:           store,
		contactInterval: contactInterval,
	}
}

// Register validates the registration token and creates a runner with
// a fresh shared secret.
func (r *Registry) Register(ctx context.Context, registrationToken, name, description, ip string) (*Runner, error) {
	rt, err := r.store.GetRegistrationToken(ctx, registrationToken)
	if err != nil {
		return nil, err
	}

	runner := &Runner{
		Name:                name,
		Description:         description,
		Token:               NewRunnerToken(),
		IP:                  ip,
		RegistrationTokenID: &rt.ID,
	}
	if err := r.store.CreateRunner(ctx, runner); err != nil {
		return nil, err
	}

	r.logger.Info("registered runner", "runnerID", runner.ID, "name", runner.Name, "ip", ip)
	return runner, nil
}

// GetByToken resolves the runner presenting the given shared secret.
func (r *Registry) GetByToken(ctx context.Context, token string) (*Runner, error) {
	return r.store.GetRunnerByToken(ctx, token)
}

// Unregister removes a runner. Its in-flight jobs are reclaimed by the
// watchdog once they stall.
func (r *Registry) Unregister(ctx context.Context, runner *Runner) error {
	if err := r.store.DeleteRunner(ctx, runner.ID); err != nil {
		return err
	}
	r.lastWrite.Delete(runner.ID)
	r.logger.Info("unregistered runner", "runnerID", runner.ID, "name", runner.Name)
	return nil
}

// Touch refreshes the runner's last contact, skipping the write when
// one landed within the contact interval. Losing an occasional update
// is fine, blocking the polling path is not, so the write happens off
// the caller's goroutine and concurrent calls for the same runner
// collapse into the in-flight one.
func (r *Registry) Touch(runner *Runner, ip string) {
	if last, ok := r.lastWrite.Load(runner.ID); ok {
		if time.Since(last.(time.Time)) < r.contactInterval {
			return
		}
	}

	key := strconv.FormatInt(runner.ID, 10)
	ch := r.group.DoChan(key, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.UpdateRunnerContact(ctx, runner.ID, ip); err != nil {
			return nil, err
		}
		r.lastWrite.Store(runner.ID, time.Now())
		return nil, nil
	})

	go func() {
		if res := <-ch; res.Err != nil {
			r.logger.Warn("failed to update runner contact",
				"runnerID", runner.ID, "err", res.Err)
		}
	}()
}

// CreateRegistrationToken mints and stores a new registration token.
func (r *Registry) CreateRegistrationToken(ctx context.Context) (*RegistrationToken, error) {
	rt, err := r.store.CreateRegistrationToken(ctx, NewRegistrationToken())
	if err != nil {
		return nil, err
	}
	r.logger.Info("created runner registration token", "tokenID", rt.ID)
	return rt, nil
}

// RevokeRegistrationToken deletes a registration token. Runners
// already registered through it keep working.
func (r *Registry) RevokeRegistrationToken(ctx context.Context, token string) error {
	if err := r.store.RevokeRegistrationToken(ctx, token); err != nil {
		return err
	}
	r.logger.Info("revoked runner registration token")
	return nil
}

// String implements fmt.Stringer for log readability.
func (r *Runner) String() string {
	return fmt.Sprintf("runner %d (%s)", r.ID, r.Name)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/storefront-sync/auth"
	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/storage"
)

var (
	// ErrEmailTaken is returned by Register for an email already in use.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidCredentials is returned by Authenticate for an unknown email
	// or a wrong password.
	ErrInvalidCredentials = errors.New("incorrect email or password")
)

// NewUser is the registration request.
type NewUser struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name,omitempty"`
}

// UserService manages storefront accounts.
type UserService struct {
	o      *Orchestrator
	hasher auth.Hasher
}

// NewUserService returns a UserService hashing passwords with hasher.
func NewUserService(o *Orchestrator, hasher auth.Hasher) *UserService {
	return &UserService{o: o, hasher: hasher}
}

// Register creates an account. The email must not be registered locally.
func (s *UserService) Register(ctx context.Context, in NewUser) (entity.User, error) {
	email := entity.NormalizeEmail(in.Email)
	if err := validateEmail(email); err != nil {
		return entity.User{}, err
	}
	if in.Password == "" {
		return entity.User{}, invalid("password is required")
	}
	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return entity.User{}, syncErrors.E(syncErrors.OpStore, syncErrors.KindInternal, err)
	}
	return s.create(ctx, entity.User{
		Email:          email,
		FullName:       strings.TrimSpace(in.FullName),
		HashedPassword: hash,
	})
}

// EnsureGoogleUser returns the account for a Google-verified email, creating
// a password-less one on first sign-in. Token verification happens upstream.
func (s *UserService) EnsureGoogleUser(ctx context.Context, email, fullName string) (entity.User, error) {
	email = entity.NormalizeEmail(email)
	if err := validateEmail(email); err != nil {
		return entity.User{}, err
	}
	u, err := s.localByEmail(ctx, email)
	if err == nil {
		return u, nil
	}
	if !storage.IsNotFound(err) {
		return entity.User{}, err
	}
	u, err = s.create(ctx, entity.User{
		Email:        email,
		FullName:     strings.TrimSpace(fullName),
		IsGoogleAuth: true,
	})
	if errors.Is(err, ErrEmailTaken) {
		// Lost a race with a concurrent first sign-in.
		return s.localByEmail(ctx, email)
	}
	return u, err
}

func (s *UserService) create(ctx context.Context, u entity.User) (entity.User, error) {
	// The email lock makes the uniqueness check and the insert one step.
	unlock := s.o.locks.Lock("email:" + u.Email)
	defer unlock()

	if _, err := s.localByEmail(ctx, u.Email); err == nil {
		return entity.User{}, syncErrors.NewConflictError(syncErrors.OpStore, ErrEmailTaken)
	} else if !storage.IsNotFound(err) {
		return entity.User{}, err
	}

	u.ID = s.o.newID()
	u.CreatedAt = s.o.timestamp()

	_, err := s.o.write(ctx, u.ID, func(context.Context) (writePlan, error) {
		m, err := entity.NewMutation(entity.MutationCreateUser, u)
		if err != nil {
			return writePlan{}, err
		}
		return writePlan{
			write: storage.Write{Upsert: u, Mutation: m},
			call:  func(ctx context.Context) error { return s.o.remote.Users.Create(ctx, u) },
		}, nil
	})
	if err != nil {
		return entity.User{}, err
	}
	return u, nil
}

func (s *UserService) localByEmail(ctx context.Context, email string) (entity.User, error) {
	users, err := storage.List[entity.User](ctx, s.o.store, entity.KindUser, storage.Filter{Index: email, Limit: 1})
	if err != nil {
		return entity.User{}, err
	}
	if len(users) == 0 {
		return entity.User{}, storage.ErrNotFound
	}
	return users[0], nil
}

// Get returns the user with id, preferring the remote copy.
func (s *UserService) Get(ctx context.Context, id string) (entity.User, error) {
	return readOne(ctx, s.o, entity.KindUser, id, s.o.remote.Users.Get)
}

// GetByEmail returns the user registered with email.
func (s *UserService) GetByEmail(ctx context.Context, email string) (entity.User, error) {
	email = entity.NormalizeEmail(email)
	users, err := readMany(ctx, s.o, entity.KindUser, storage.Filter{Index: email, Limit: 1}, s.o.remote.Users.List)
	if err != nil {
		return entity.User{}, err
	}
	if len(users) == 0 {
		return entity.User{}, storage.ErrNotFound
	}
	return users[0], nil
}

// Authenticate checks a password against the local account.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (entity.User, error) {
	u, err := s.localByEmail(ctx, entity.NormalizeEmail(email))
	if storage.IsNotFound(err) {
		return entity.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return entity.User{}, err
	}
	if u.HashedPassword == "" || s.hasher.Compare(u.HashedPassword, password) != nil {
		return entity.User{}, ErrInvalidCredentials
	}
	return u, nil
}

func validateEmail(email string) error {
	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 || strings.ContainsAny(email, " \t") {
		return invalid(fmt.Sprintf("invalid email %q", email))
	}
	return nil
}

func invalid(msg string) error {
	return syncErrors.NewValidationError(syncErrors.OpStore, errors.New(msg))
}

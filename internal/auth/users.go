package auth

import (
	"context"
	"crypto/subtle"
	"errors"

	"gorm.io/gorm"

	"campus/internal/model"
)

// ErrInvalidCredentials is returned for any email/password/role mismatch.
var ErrInvalidCredentials = errors.New("invalid credentials or role")

// Users looks up login accounts.
type Users struct {
	db *gorm.DB
}

// NewUsers creates a user store.
func NewUsers(db *gorm.DB) *Users {
	return &Users{db: db}
}

// Authenticate returns the account matching email, password and role, plus
// the student id linked to it by email (0 when there is none).
// Passwords are compared as stored; hashing is handled outside this service.
func (u *Users) Authenticate(ctx context.Context, email, password string, role model.Role) (model.User, int, error) {
	var user model.User
	err := u.db.WithContext(ctx).Where(map[string]any{"email": email, "role": role}).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.User{}, 0, ErrInvalidCredentials
	}
	if err != nil {
		return model.User{}, 0, err
	}
	if subtle.ConstantTimeCompare([]byte(user.Password), []byte(password)) != 1 {
		return model.User{}, 0, ErrInvalidCredentials
	}

	if role != model.RoleStudent {
		return user, 0, nil
	}
	var st model.Student
	err = u.db.WithContext(ctx).Where(map[string]any{"email": email}).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return user, 0, nil
	}
	if err != nil {
		return model.User{}, 0, err
	}
	return user, st.StudentID, nil
}

package agenda

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	MinPasswordLength   = 8
	DefaultUserPageSize = 20
	MaxUserPageSize     = 100
)

// UserInput carries the fields of a new user.
type UserInput struct {
	Email     string     `json:"email"`
	Password  string     `json:"password"`
	FirstName string     `json:"firstName"`
	LastName  string     `json:"lastName"`
	Role      Role       `json:"role"`
	Status    UserStatus `json:"status"`
}

// UserPatch carries a partial update; nil fields are left untouched.
type UserPatch struct {
	Email     *string     `json:"email"`
	Password  *string     `json:"password"`
	FirstName *string     `json:"firstName"`
	LastName  *string     `json:"lastName"`
	Role      *Role       `json:"role"`
	Status    *UserStatus `json:"status"`
}

type UserFilter struct {
	Role   Role
	Status UserStatus
	Search string
	Page   int
	Limit  int
}

type UserPage struct {
	Items []User `json:"items"`
	Total int64  `json:"total"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || strings.ContainsAny(email, " \t\r\n") {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

func (in *UserInput) normalize() error {
	in.Email = normalizeEmail(in.Email)
	in.FirstName = strings.TrimSpace(in.FirstName)
	in.LastName = strings.TrimSpace(in.LastName)
	if !validEmail(in.Email) {
		return fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if len(in.Password) < MinPasswordLength {
		return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
	}
	if in.Role == "" {
		in.Role = RoleStudent
	}
	if !in.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, in.Role)
	}
	if in.Status == "" {
		in.Status = UserActive
	}
	if !in.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	return nil
}

// Register creates an active account for an unauthenticated caller. The
// principal only contributes client metadata.
func (s *Service) Register(ctx context.Context, meta *Principal, in UserInput) (*User, error) {
	in.Status = UserActive
	user, err := s.createUser(ctx, in)
	if err != nil {
		return nil, err
	}

	actor := &Principal{User: user}
	if meta != nil {
		actor.IPAddress, actor.UserAgent = meta.IPAddress, meta.UserAgent
	}
	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityUser,
		EntityID:   uintPtr(user.ID),
		NewValue:   userSnapshot(user),
		Actor:      actor,
	})
	return user, nil
}

// CreateUser creates a user on behalf of an administrator.
func (s *Service) CreateUser(ctx context.Context, p *Principal, in UserInput) (*User, error) {
	if err := requireCapability(p, CapManageUsers); err != nil {
		return nil, err
	}

	user, err := s.createUser(ctx, in)
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityUser,
		EntityID:   uintPtr(user.ID),
		NewValue:   userSnapshot(user),
		Actor:      p,
	})
	return user, nil
}

func (s *Service) createUser(ctx context.Context, in UserInput) (*User, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &User{
		Email:        in.Email,
		PasswordHash: hash,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Role:         in.Role,
		Status:       in.Status,
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&User{}).Where("email = ?", user.Email).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check email: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: email %s is already registered", ErrConflict, user.Email)
	}
	if err := db.Create(user).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: email %s is already registered", ErrConflict, user.Email)
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUser retrieves a user. Users may read themselves; others need the
// manage-users capability.
func (s *Service) GetUser(ctx context.Context, p *Principal, id uint) (*User, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	if id != p.UserID() && !p.Can(CapManageUsers) {
		return nil, fmt.Errorf("%w: cannot read other users", ErrPermissionDenied)
	}
	return s.loadUser(ctx, s.db, id)
}

func (s *Service) loadUser(ctx context.Context, db *gorm.DB, id uint) (*User, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	var user User
	if err := db.WithContext(ctx).First(&user, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("user", id)
		}
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	return &user, nil
}

func requireUserExists(tx *gorm.DB, id uint) error {
	var count int64
	if err := tx.Model(&User{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return fmt.Errorf("failed to check user: %w", err)
	}
	if count == 0 {
		return notFound("user", id)
	}
	return nil
}

// ListUsers lists users ordered by id.
func (s *Service) ListUsers(ctx context.Context, p *Principal, filter UserFilter) (*UserPage, error) {
	if err := requireCapability(p, CapManageUsers); err != nil {
		return nil, err
	}
	if filter.Role != "" && !filter.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, filter.Role)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	page, limit := normalizePage(filter.Page, filter.Limit, DefaultUserPageSize, MaxUserPageSize)

	query := s.db.WithContext(ctx).Model(&User{})
	if filter.Role != "" {
		query = query.Where("role = ?", filter.Role)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if term := strings.ToLower(strings.TrimSpace(filter.Search)); term != "" {
		like := "%" + term + "%"
		query = query.Where("LOWER(email) LIKE ? OR LOWER(first_name) LIKE ? OR LOWER(last_name) LIKE ?", like, like, like)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count users: %w", err)
	}
	var items []User
	if err := query.Order("id ASC").Offset((page - 1) * limit).Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return &UserPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// UpdateUser applies a patch. Users may change their own names and password;
// email, role and status need the manage-users capability.
func (s *Service) UpdateUser(ctx context.Context, p *Principal, id uint, patch UserPatch) (*User, error) {
	if err := requireAuthenticated(p); err != nil {
		return nil, err
	}
	self := id == p.UserID()
	manager := p.Can(CapManageUsers)
	if !self && !manager {
		return nil, fmt.Errorf("%w: cannot modify other users", ErrPermissionDenied)
	}
	if !manager && (patch.Email != nil || patch.Role != nil || patch.Status != nil) {
		return nil, fmt.Errorf("%w: only user managers may change email, role or status", ErrPermissionDenied)
	}

	var before Snapshot
	var user *User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		user, err = s.loadUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if !self {
			if err := s.requireSuperForUser(ctx, tx, p, id); err != nil {
				return err
			}
		}
		before = userSnapshot(user)

		if patch.Email != nil {
			email := normalizeEmail(*patch.Email)
			if !validEmail(email) {
				return fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
			}
			user.Email = email
		}
		if patch.Password != nil {
			if len(*patch.Password) < MinPasswordLength {
				return fmt.Errorf("%w: password must be at least %d characters", ErrInvalidInput, MinPasswordLength)
			}
			hash, err := s.hasher.Hash(*patch.Password)
			if err != nil {
				return fmt.Errorf("failed to hash password: %w", err)
			}
			user.PasswordHash = hash
		}
		if patch.FirstName != nil {
			user.FirstName = strings.TrimSpace(*patch.FirstName)
		}
		if patch.LastName != nil {
			user.LastName = strings.TrimSpace(*patch.LastName)
		}
		if patch.Role != nil {
			if !patch.Role.Valid() {
				return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, *patch.Role)
			}
			user.Role = *patch.Role
		}
		if patch.Status != nil {
			if !patch.Status.Valid() {
				return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, *patch.Status)
			}
			if self && *patch.Status != UserActive {
				return fmt.Errorf("%w: cannot deactivate your own account", ErrConflict)
			}
			user.Status = *patch.Status
		}

		if err := tx.Save(user).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: email %s is already registered", ErrConflict, user.Email)
			}
			return fmt.Errorf("failed to update user: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityUser,
		EntityID:   uintPtr(id),
		OldValue:   before,
		NewValue:   userSnapshot(user),
		Actor:      p,
	})
	return user, nil
}

// DeleteUser removes a user and everything that belongs to them.
func (s *Service) DeleteUser(ctx context.Context, p *Principal, id uint) error {
	if err := requireCapability(p, CapManageUsers); err != nil {
		return err
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user, err := s.loadUser(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := s.checkUserDeletable(ctx, tx, p, user); err != nil {
			return err
		}
		before = userSnapshot(user)
		return s.deleteUserTx(tx, user)
	})
	if err != nil {
		return err
	}
	s.invalidateUserAccess(ctx, id)

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityUser,
		EntityID:   uintPtr(id),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

// checkUserDeletable guards self-deletion and the last super administrator.
func (s *Service) checkUserDeletable(ctx context.Context, tx *gorm.DB, p *Principal, user *User) error {
	if user.ID == p.UserID() {
		return fmt.Errorf("%w: cannot delete your own account", ErrConflict)
	}
	admin, err := s.findAdministrator(ctx, tx, user.ID)
	if err != nil {
		return err
	}
	if admin.IsSuperAdmin() {
		if !p.IsSuperAdmin() {
			return fmt.Errorf("%w: super administrators only", ErrPermissionDenied)
		}
		return requireAnotherSuperAdmin(tx, admin.ID)
	}
	return nil
}

// deleteUserTx removes a user with its dependants: grants, the administrator
// row, owned calendars, reported incidents and authored comments. Events the
// user created elsewhere and incidents assigned to them are detached.
func (s *Service) deleteUserTx(tx *gorm.DB, user *User) error {
	var owned []Calendar
	if err := tx.Where("owner_id = ?", user.ID).Find(&owned).Error; err != nil {
		return fmt.Errorf("failed to load owned calendars: %w", err)
	}
	for i := range owned {
		if err := deleteCalendarTx(tx, &owned[i]); err != nil {
			return err
		}
	}

	steps := []struct {
		what string
		run  func() error
	}{
		{"grants", func() error {
			return tx.Where("user_id = ?", user.ID).Delete(&CalendarPermission{}).Error
		}},
		{"administrator", func() error {
			return tx.Where("user_id = ?", user.ID).Delete(&Administrator{}).Error
		}},
		{"created events", func() error {
			return tx.Model(&Event{}).Where("created_by_id = ?", user.ID).Update("created_by_id", nil).Error
		}},
		{"reported incident comments", func() error {
			reported := tx.Model(&Incident{}).Select("id").Where("reporter_id = ?", user.ID)
			return tx.Where("incident_id IN (?)", reported).Delete(&IncidentComment{}).Error
		}},
		{"reported incidents", func() error {
			return tx.Where("reporter_id = ?", user.ID).Delete(&Incident{}).Error
		}},
		{"comments", func() error {
			return tx.Where("author_id = ?", user.ID).Delete(&IncidentComment{}).Error
		}},
		{"assigned incidents", func() error {
			return tx.Model(&Incident{}).Where("assignee_id = ?", user.ID).Update("assignee_id", nil).Error
		}},
		{"user", func() error {
			return tx.Delete(user).Error
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("failed to delete %s of user %d: %w", step.what, user.ID, err)
		}
	}
	return nil
}

// Authenticate verifies credentials and records login or login_failed.
// Unknown emails, wrong passwords and inactive accounts all fail with
// ErrUnauthenticated.
func (s *Service) Authenticate(ctx context.Context, meta *Principal, email, password string) (*Principal, error) {
	email = normalizeEmail(email)
	if meta == nil {
		meta = Anonymous("", "")
	}

	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&user).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	fail := func(reason string, entityID *uint) (*Principal, error) {
		s.recordBestEffort(ctx, AuditEntry{
			Action:     ActionLoginFailed,
			EntityType: EntityUser,
			EntityID:   entityID,
			NewValue:   Snapshot{"email": email, "reason": reason},
			Actor:      meta,
		})
		s.log.Infow("login failed", "email", email, "reason", reason, "ip", meta.IPAddress)
		return nil, fmt.Errorf("%w: invalid credentials", ErrUnauthenticated)
	}

	if err != nil {
		return fail("unknown email", nil)
	}
	if !s.hasher.Verify(user.PasswordHash, password) {
		return fail("wrong password", uintPtr(user.ID))
	}
	if user.Status != UserActive {
		return fail("inactive account", uintPtr(user.ID))
	}

	admin, err := s.findAdministrator(ctx, s.db, user.ID)
	if err != nil {
		return nil, err
	}
	p := &Principal{User: &user, Admin: admin, IPAddress: meta.IPAddress, UserAgent: meta.UserAgent}
	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionLogin,
		EntityType: EntityUser,
		EntityID:   uintPtr(user.ID),
		Actor:      p,
	})
	return p, nil
}

// Logout revokes the token id and records logout.
func (s *Service) Logout(ctx context.Context, p *Principal, tokenID string, expiresAt time.Time) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}
	if err := s.RevokeToken(ctx, tokenID, expiresAt); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionLogout,
		EntityType: EntityUser,
		EntityID:   uintPtr(p.UserID()),
		Actor:      p,
	})
	return nil
}

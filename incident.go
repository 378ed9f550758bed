package agenda

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	DefaultIncidentPageSize = 20
	MaxIncidentPageSize     = 100
)

type IncidentInput struct {
	Title        string           `json:"title"`
	Description  string           `json:"description"`
	Location     string           `json:"location"`
	CategoryID   *uint            `json:"categoryId"`
	Priority     IncidentPriority `json:"priority"`
	AssigneeID   *uint            `json:"assigneeId"`
	AssigneeRole *Role            `json:"assigneeRole"`
}

type IncidentPatch struct {
	Title       *string           `json:"title"`
	Description *string           `json:"description"`
	Location    *string           `json:"location"`
	CategoryID  *uint             `json:"categoryId"`
	Priority    *IncidentPriority `json:"priority"`
}

// IncidentAssignment targets exactly one of a user or a role.
type IncidentAssignment struct {
	AssigneeID   *uint `json:"assigneeId"`
	AssigneeRole *Role `json:"assigneeRole"`
}

type IncidentFilter struct {
	Status     IncidentStatus
	Priority   IncidentPriority
	CategoryID *uint
	Page       int
	Limit      int
}

type IncidentPage struct {
	Items []Incident `json:"items"`
	Total int64      `json:"total"`
	Page  int        `json:"page"`
	Limit int        `json:"limit"`
}

type CategoryInput struct {
	Name                string `json:"name"`
	Code                string `json:"code"`
	Description         string `json:"description"`
	DefaultAssigneeRole *Role  `json:"defaultAssigneeRole"`
	Active              *bool  `json:"active"`
}

type CategoryPatch struct {
	Name                *string `json:"name"`
	Code                *string `json:"code"`
	Description         *string `json:"description"`
	DefaultAssigneeRole *Role   `json:"defaultAssigneeRole"`
	ClearDefaultRole    bool    `json:"clearDefaultAssigneeRole"`
	Active              *bool   `json:"active"`
}

// requireIncidentAccess rejects anonymous callers and students.
func requireIncidentAccess(p *Principal) error {
	if err := requireAuthenticated(p); err != nil {
		return err
	}
	if p.HasRole(RoleStudent) {
		return fmt.Errorf("%w: students have no access to incidents", ErrPermissionDenied)
	}
	return nil
}

// incidentAdmin reports whether p oversees every incident. Only user
// managers do; other administrator flags grant nothing here.
func incidentAdmin(p *Principal) bool {
	return p.Can(CapManageUsers)
}

func isAssignee(p *Principal, inc *Incident) bool {
	return inc.AssigneeID != nil && *inc.AssigneeID == p.UserID()
}

func matchesRole(p *Principal, inc *Incident) bool {
	return inc.AssigneeRole != nil && p.HasRole(*inc.AssigneeRole)
}

func canViewIncident(p *Principal, inc *Incident) bool {
	return incidentAdmin(p) || inc.ReporterID == p.UserID() || isAssignee(p, inc) || matchesRole(p, inc)
}

// canModifyIncident: while open, reporter, assignee and role members may
// modify; afterwards only the assignee. User managers always may.
func canModifyIncident(p *Principal, inc *Incident) bool {
	if incidentAdmin(p) {
		return true
	}
	if inc.Status == IncidentOpen {
		return inc.ReporterID == p.UserID() || isAssignee(p, inc) || matchesRole(p, inc)
	}
	return isAssignee(p, inc)
}

func validateAssignment(tx *gorm.DB, a IncidentAssignment) error {
	if a.AssigneeID != nil && a.AssigneeRole != nil {
		return fmt.Errorf("%w: an incident targets an assignee or a role, not both", ErrInvalidInput)
	}
	if a.AssigneeID != nil {
		return requireUserExists(tx, *a.AssigneeID)
	}
	if a.AssigneeRole != nil {
		if !a.AssigneeRole.Valid() || *a.AssigneeRole == RoleStudent {
			return fmt.Errorf("%w: role %q cannot handle incidents", ErrInvalidInput, *a.AssigneeRole)
		}
	}
	return nil
}

func (s *Service) loadIncident(ctx context.Context, db *gorm.DB, id uint) (*Incident, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	var inc Incident
	if err := db.WithContext(ctx).First(&inc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("incident", id)
		}
		return nil, fmt.Errorf("failed to load incident: %w", err)
	}
	return &inc, nil
}

func (s *Service) loadCategory(ctx context.Context, db *gorm.DB, id uint) (*IncidentCategory, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	var cat IncidentCategory
	if err := db.WithContext(ctx).First(&cat, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, notFound("incident category", id)
		}
		return nil, fmt.Errorf("failed to load incident category: %w", err)
	}
	return &cat, nil
}

// CreateIncident files an incident reported by the caller. Without an
// explicit target, the category's default role is used.
func (s *Service) CreateIncident(ctx context.Context, p *Principal, in IncidentInput) (*Incident, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}

	inc := &Incident{
		Title:        strings.TrimSpace(in.Title),
		Description:  in.Description,
		Location:     strings.TrimSpace(in.Location),
		CategoryID:   in.CategoryID,
		ReporterID:   p.UserID(),
		AssigneeID:   in.AssigneeID,
		AssigneeRole: in.AssigneeRole,
		Priority:     in.Priority,
		Status:       IncidentOpen,
	}
	if inc.Title == "" {
		return nil, fmt.Errorf("%w: incident title is required", ErrInvalidInput)
	}
	if inc.Priority == "" {
		inc.Priority = PriorityMedium
	}
	if !inc.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, inc.Priority)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := validateAssignment(tx, IncidentAssignment{AssigneeID: inc.AssigneeID, AssigneeRole: inc.AssigneeRole}); err != nil {
			return err
		}
		if inc.CategoryID != nil {
			cat, err := s.loadCategory(ctx, tx, *inc.CategoryID)
			if err != nil {
				return err
			}
			if !cat.Active {
				return fmt.Errorf("%w: incident category %s is inactive", ErrInvalidInput, cat.Code)
			}
			if inc.AssigneeID == nil && inc.AssigneeRole == nil && cat.DefaultAssigneeRole != nil {
				role := *cat.DefaultAssigneeRole
				inc.AssigneeRole = &role
			}
		}
		if err := tx.Create(inc).Error; err != nil {
			return fmt.Errorf("failed to create incident: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityIncident,
		EntityID:   uintPtr(inc.ID),
		NewValue:   incidentSnapshot(inc),
		Actor:      p,
	})
	return inc, nil
}

// GetIncident retrieves an incident visible to the caller.
func (s *Service) GetIncident(ctx context.Context, p *Principal, id uint) (*Incident, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}
	inc, err := s.loadIncident(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if !canViewIncident(p, inc) {
		return nil, fmt.Errorf("%w: incident %d is not visible to you", ErrPermissionDenied, id)
	}
	return inc, nil
}

// ListIncidents lists incidents newest first. User managers see all of
// them; others see what they reported or what targets them.
func (s *Service) ListIncidents(ctx context.Context, p *Principal, filter IncidentFilter) (*IncidentPage, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, filter.Status)
	}
	if filter.Priority != "" && !filter.Priority.Valid() {
		return nil, fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, filter.Priority)
	}
	page, limit := normalizePage(filter.Page, filter.Limit, DefaultIncidentPageSize, MaxIncidentPageSize)

	query := s.db.WithContext(ctx).Model(&Incident{})
	if !incidentAdmin(p) {
		query = query.Where("reporter_id = ? OR assignee_id = ? OR assignee_role = ?", p.UserID(), p.UserID(), p.User.Role)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Priority != "" {
		query = query.Where("priority = ?", filter.Priority)
	}
	if filter.CategoryID != nil {
		query = query.Where("category_id = ?", *filter.CategoryID)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, fmt.Errorf("failed to count incidents: %w", err)
	}
	var items []Incident
	if err := query.Order("created_at DESC").Order("id DESC").
		Offset((page - 1) * limit).Limit(limit).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	return &IncidentPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// mutateIncident loads an incident, checks the modify rule, applies fn and
// saves, then records an update entry.
func (s *Service) mutateIncident(ctx context.Context, p *Principal, id uint, allowed func(*Principal, *Incident) bool, fn func(tx *gorm.DB, inc *Incident) error) (*Incident, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}

	var before Snapshot
	var inc *Incident
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inc, err = s.loadIncident(ctx, tx, id)
		if err != nil {
			return err
		}
		if !allowed(p, inc) {
			return fmt.Errorf("%w: you may not modify incident %d", ErrPermissionDenied, id)
		}
		before = incidentSnapshot(inc)
		if err := fn(tx, inc); err != nil {
			return err
		}
		if err := tx.Save(inc).Error; err != nil {
			return fmt.Errorf("failed to update incident: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityIncident,
		EntityID:   uintPtr(id),
		OldValue:   before,
		NewValue:   incidentSnapshot(inc),
		Actor:      p,
	})
	return inc, nil
}

// UpdateIncident edits descriptive fields.
func (s *Service) UpdateIncident(ctx context.Context, p *Principal, id uint, patch IncidentPatch) (*Incident, error) {
	return s.mutateIncident(ctx, p, id, canModifyIncident, func(tx *gorm.DB, inc *Incident) error {
		if patch.Title != nil {
			title := strings.TrimSpace(*patch.Title)
			if title == "" {
				return fmt.Errorf("%w: incident title is required", ErrInvalidInput)
			}
			inc.Title = title
		}
		if patch.Description != nil {
			inc.Description = *patch.Description
		}
		if patch.Location != nil {
			inc.Location = strings.TrimSpace(*patch.Location)
		}
		if patch.Priority != nil {
			if !patch.Priority.Valid() {
				return fmt.Errorf("%w: unknown priority %q", ErrInvalidInput, *patch.Priority)
			}
			inc.Priority = *patch.Priority
		}
		if patch.CategoryID != nil {
			if _, err := s.loadCategory(ctx, tx, *patch.CategoryID); err != nil {
				return err
			}
			inc.CategoryID = patch.CategoryID
		}
		return nil
	})
}

// ChangeIncidentStatus moves an incident to any other status. Entering
// resolved or closed stamps ResolvedAt; leaving them clears it.
func (s *Service) ChangeIncidentStatus(ctx context.Context, p *Principal, id uint, status IncidentStatus) (*Incident, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	return s.mutateIncident(ctx, p, id, canModifyIncident, func(_ *gorm.DB, inc *Incident) error {
		if inc.Status == status {
			return fmt.Errorf("%w: incident %d is already %s", ErrConflict, id, status)
		}
		inc.Status = status
		if status.Terminal() {
			now := s.clock.Now()
			inc.ResolvedAt = &now
		} else {
			inc.ResolvedAt = nil
		}
		return nil
	})
}

// AssignIncident retargets an incident to a user or a role. Setting one
// clears the other.
func (s *Service) AssignIncident(ctx context.Context, p *Principal, id uint, a IncidentAssignment) (*Incident, error) {
	if (a.AssigneeID == nil) == (a.AssigneeRole == nil) {
		return nil, fmt.Errorf("%w: exactly one of assignee or role is required", ErrInvalidInput)
	}
	canAssign := func(p *Principal, inc *Incident) bool {
		return incidentAdmin(p) || isAssignee(p, inc)
	}
	return s.mutateIncident(ctx, p, id, canAssign, func(tx *gorm.DB, inc *Incident) error {
		if err := validateAssignment(tx, a); err != nil {
			return err
		}
		inc.AssigneeID = a.AssigneeID
		inc.AssigneeRole = a.AssigneeRole
		return nil
	})
}

// DeleteIncident removes an incident and its comments. Reporters may delete
// their own incidents while they are open.
func (s *Service) DeleteIncident(ctx context.Context, p *Principal, id uint) error {
	if err := requireIncidentAccess(p); err != nil {
		return err
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inc, err := s.loadIncident(ctx, tx, id)
		if err != nil {
			return err
		}
		if !incidentAdmin(p) && !(inc.ReporterID == p.UserID() && inc.Status == IncidentOpen) {
			return fmt.Errorf("%w: you may not delete incident %d", ErrPermissionDenied, id)
		}
		before = incidentSnapshot(inc)
		if err := tx.Where("incident_id = ?", id).Delete(&IncidentComment{}).Error; err != nil {
			return fmt.Errorf("failed to delete incident comments: %w", err)
		}
		return tx.Delete(inc).Error
	})
	if err != nil {
		return err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityIncident,
		EntityID:   uintPtr(id),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

// AddComment appends a comment. Commenting follows the modify rule.
func (s *Service) AddComment(ctx context.Context, p *Principal, incidentID uint, body string) (*IncidentComment, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, fmt.Errorf("%w: comment body is required", ErrInvalidInput)
	}

	comment := &IncidentComment{IncidentID: incidentID, AuthorID: p.UserID(), Body: body, CreatedAt: s.clock.Now()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inc, err := s.loadIncident(ctx, tx, incidentID)
		if err != nil {
			return err
		}
		if !canModifyIncident(p, inc) {
			return fmt.Errorf("%w: you may not comment on incident %d", ErrPermissionDenied, incidentID)
		}
		return tx.Create(comment).Error
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityIncidentComment,
		EntityID:   uintPtr(comment.ID),
		NewValue:   commentSnapshot(comment),
		Actor:      p,
	})
	return comment, nil
}

// ListComments lists the comments of a visible incident, oldest first.
func (s *Service) ListComments(ctx context.Context, p *Principal, incidentID uint) ([]IncidentComment, error) {
	if _, err := s.GetIncident(ctx, p, incidentID); err != nil {
		return nil, err
	}

	var comments []IncidentComment
	if err := s.db.WithContext(ctx).Where("incident_id = ?", incidentID).
		Order("created_at ASC").Order("id ASC").Find(&comments).Error; err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	return comments, nil
}

func requireCategoryAdmin(p *Principal) error {
	return requireCapability(p, CapManageUsers)
}

func normalizeCategoryCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CreateCategory creates an incident category with a unique code.
func (s *Service) CreateCategory(ctx context.Context, p *Principal, in CategoryInput) (*IncidentCategory, error) {
	if err := requireCategoryAdmin(p); err != nil {
		return nil, err
	}

	cat := &IncidentCategory{
		Name:                strings.TrimSpace(in.Name),
		Code:                normalizeCategoryCode(in.Code),
		Description:         in.Description,
		DefaultAssigneeRole: in.DefaultAssigneeRole,
		Active:              true,
	}
	if in.Active != nil {
		cat.Active = *in.Active
	}
	if cat.Name == "" || cat.Code == "" {
		return nil, fmt.Errorf("%w: category name and code are required", ErrInvalidInput)
	}
	if r := cat.DefaultAssigneeRole; r != nil && (!r.Valid() || *r == RoleStudent) {
		return nil, fmt.Errorf("%w: role %q cannot handle incidents", ErrInvalidInput, *r)
	}

	db := s.db.WithContext(ctx)
	var count int64
	if err := db.Model(&IncidentCategory{}).Where("code = ?", cat.Code).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check category code: %w", err)
	}
	if count > 0 {
		return nil, fmt.Errorf("%w: category code %s already exists", ErrConflict, cat.Code)
	}
	if err := db.Create(cat).Error; err != nil {
		if isDuplicate(err) {
			return nil, fmt.Errorf("%w: category code %s already exists", ErrConflict, cat.Code)
		}
		return nil, fmt.Errorf("failed to create category: %w", err)
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionCreate,
		EntityType: EntityIncidentCategory,
		EntityID:   uintPtr(cat.ID),
		NewValue:   categorySnapshot(cat),
		Actor:      p,
	})
	return cat, nil
}

// UpdateCategory edits a category.
func (s *Service) UpdateCategory(ctx context.Context, p *Principal, id uint, patch CategoryPatch) (*IncidentCategory, error) {
	if err := requireCategoryAdmin(p); err != nil {
		return nil, err
	}

	var before Snapshot
	var cat *IncidentCategory
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		cat, err = s.loadCategory(ctx, tx, id)
		if err != nil {
			return err
		}
		before = categorySnapshot(cat)

		if patch.Name != nil {
			name := strings.TrimSpace(*patch.Name)
			if name == "" {
				return fmt.Errorf("%w: category name is required", ErrInvalidInput)
			}
			cat.Name = name
		}
		if patch.Code != nil {
			code := normalizeCategoryCode(*patch.Code)
			if code == "" {
				return fmt.Errorf("%w: category code is required", ErrInvalidInput)
			}
			cat.Code = code
		}
		if patch.Description != nil {
			cat.Description = *patch.Description
		}
		if patch.ClearDefaultRole {
			cat.DefaultAssigneeRole = nil
		} else if r := patch.DefaultAssigneeRole; r != nil {
			if !r.Valid() || *r == RoleStudent {
				return fmt.Errorf("%w: role %q cannot handle incidents", ErrInvalidInput, *r)
			}
			cat.DefaultAssigneeRole = r
		}
		if patch.Active != nil {
			cat.Active = *patch.Active
		}

		if err := tx.Save(cat).Error; err != nil {
			if isDuplicate(err) {
				return fmt.Errorf("%w: category code %s already exists", ErrConflict, cat.Code)
			}
			return fmt.Errorf("failed to update category: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionUpdate,
		EntityType: EntityIncidentCategory,
		EntityID:   uintPtr(id),
		OldValue:   before,
		NewValue:   categorySnapshot(cat),
		Actor:      p,
	})
	return cat, nil
}

// DeleteCategory removes a category; its incidents become uncategorized.
func (s *Service) DeleteCategory(ctx context.Context, p *Principal, id uint) error {
	if err := requireCategoryAdmin(p); err != nil {
		return err
	}

	var before Snapshot
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cat, err := s.loadCategory(ctx, tx, id)
		if err != nil {
			return err
		}
		before = categorySnapshot(cat)
		if err := tx.Model(&Incident{}).Where("category_id = ?", id).Update("category_id", nil).Error; err != nil {
			return fmt.Errorf("failed to detach incidents: %w", err)
		}
		return tx.Delete(cat).Error
	})
	if err != nil {
		return err
	}

	s.recordBestEffort(ctx, AuditEntry{
		Action:     ActionDelete,
		EntityType: EntityIncidentCategory,
		EntityID:   uintPtr(id),
		OldValue:   before,
		Actor:      p,
	})
	return nil
}

// ListCategories lists categories by code. Inactive ones are shown to
// category administrators only.
func (s *Service) ListCategories(ctx context.Context, p *Principal) ([]IncidentCategory, error) {
	if err := requireIncidentAccess(p); err != nil {
		return nil, err
	}

	query := s.db.WithContext(ctx).Model(&IncidentCategory{})
	if requireCategoryAdmin(p) != nil {
		query = query.Where("active = ?", true)
	}
	var cats []IncidentCategory
	if err := query.Order("code ASC").Find(&cats).Error; err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return cats, nil
}

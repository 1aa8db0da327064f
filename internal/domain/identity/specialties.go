package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cmmsalud/clinic-api/internal/auth"
	"github.com/cmmsalud/clinic-api/internal/domain/domainerr"
)

// SpecialtyInput is the body of a specialty create or update.
type SpecialtyInput struct {
	Name        string  `json:"name"`
	Description *string `json:"description"`
	IsActive    *bool   `json:"isActive"`
}

func (s *Service) ListSpecialties(ctx context.Context) ([]*Specialty, error) {
	items, err := s.store.ListSpecialties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	if items == nil {
		items = []*Specialty{}
	}
	return items, nil
}

func (s *Service) CreateSpecialty(ctx context.Context, actor auth.Actor, in SpecialtyInput) (*Specialty, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can manage specialties")
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domainerr.Validation("name is required")
	}
	sp := &Specialty{
		ID:          uuid.New(),
		Name:        name,
		Description: trimPtr(in.Description),
		IsActive:    in.IsActive == nil || *in.IsActive,
	}
	if err := s.store.CreateSpecialty(ctx, sp); err != nil {
		return nil, fmt.Errorf("create specialty: %w", err)
	}
	return sp, nil
}

func (s *Service) UpdateSpecialty(ctx context.Context, actor auth.Actor, id uuid.UUID, in SpecialtyInput) (*Specialty, error) {
	if actor.Role != auth.RoleAdmin {
		return nil, domainerr.Forbidden("only admins can manage specialties")
	}
	sp, err := s.store.GetSpecialty(ctx, id)
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		sp.Name = name
	}
	if in.Description != nil {
		sp.Description = trimPtr(in.Description)
	}
	if in.IsActive != nil {
		sp.IsActive = *in.IsActive
	}
	if err := s.store.UpdateSpecialty(ctx, sp); err != nil {
		return nil, fmt.Errorf("update specialty: %w", err)
	}
	return sp, nil
}

func (s *Service) DeleteSpecialty(ctx context.Context, actor auth.Actor, id uuid.UUID) error {
	if actor.Role != auth.RoleAdmin {
		return domainerr.Forbidden("only admins can manage specialties")
	}
	if _, err := s.store.GetSpecialty(ctx, id); err != nil {
		return err
	}
	return s.store.DeleteSpecialty(ctx, id)
}

package validator

import (
	"fmt"
	"strings"

	"github.com/rpattn/urbanimport/internal/domain"
)

var codeCapableTypes = map[domain.FieldType]struct{}{
	domain.FieldTypeString:  {},
	domain.FieldTypeInteger: {},
	domain.FieldTypeUUID:    {},
}

// ValidateRoles ensures every configured role points at a column of the
// right shape. The code role must be text-like or integer, the geometry role
// must be a geometry column, updated_at must be a timestamp and properties
// must be jsonb.
func ValidateRoles(roles domain.Roles, columns []domain.ColumnDefinition) error {
	byName := make(map[string]domain.ColumnDefinition, len(columns))
	for _, column := range columns {
		byName[column.Name] = column
	}

	lookup := func(role, name string) (domain.ColumnDefinition, error) {
		column, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return domain.ColumnDefinition{}, fmt.Errorf("%s role column %s does not exist", role, name)
		}
		return column, nil
	}

	if roles.Code != "" {
		column, err := lookup("code", roles.Code)
		if err != nil {
			return err
		}
		if _, ok := codeCapableTypes[column.Type]; !ok {
			return fmt.Errorf("code role column %s has type %s which cannot hold a code", column.Name, column.Type)
		}
	}

	if roles.Name != "" {
		column, err := lookup("name", roles.Name)
		if err != nil {
			return err
		}
		if column.Type != domain.FieldTypeString {
			return fmt.Errorf("name role column %s must be text, got %s", column.Name, column.Type)
		}
	}

	if roles.Category != "" {
		if _, err := lookup("category", roles.Category); err != nil {
			return err
		}
	}

	if roles.Geometry != "" {
		column, err := lookup("geometry", roles.Geometry)
		if err != nil {
			return err
		}
		if column.Type != domain.FieldTypeGeometry {
			return fmt.Errorf("geometry role column %s must be a geometry column, got %s", column.Name, column.Type)
		}
	}

	if roles.UpdatedAt != "" {
		column, err := lookup("updated_at", roles.UpdatedAt)
		if err != nil {
			return err
		}
		if column.Type != domain.FieldTypeTimestamp {
			return fmt.Errorf("updated_at role column %s must be a timestamp, got %s", column.Name, column.Type)
		}
	}

	if roles.Properties != "" {
		column, err := lookup("properties", roles.Properties)
		if err != nil {
			return err
		}
		if column.SQLType != "jsonb" {
			return fmt.Errorf("properties role column %s must be jsonb, got %s", column.Name, column.SQLType)
		}
	}

	if roles.Code == "" && roles.Name == "" {
		return fmt.Errorf("at least one of the code or name roles is required for matching")
	}

	return nil
}

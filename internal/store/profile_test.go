package store_test

import (
	"testing"

	"github.com/hyperengineering/studiosync/internal/store"
	"github.com/stretchr/testify/assert"
)

func TestValidateProfileID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "lumen", false},
		{"with numbers", "studio-42", false},
		{"single char", "a", false},
		{"with location", "lumen/downtown", false},
		{"default", "default", false},

		{"empty", "", true},
		{"uppercase", "Lumen", true},
		{"leading hyphen", "-lumen", true},
		{"trailing hyphen", "lumen-", true},
		{"consecutive hyphens", "north--light", true},
		{"underscore", "north_light", true},
		{"space", "north light", true},
		{"three segments", "a/b/c", true},
		{"trailing slash", "lumen/", true},
		{"empty segment", "lumen//a", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateProfileID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, store.ErrInvalidProfileID)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateEntityName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"bookings", false},
		{"expense_items", false},
		{"users2", false},
		{"", true},
		{"Bookings", true},
		{"2users", true},
		{"bookings;drop", true},
		{"book-ings", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.ValidateEntityName(tt.name)
			if tt.wantErr {
				assert.ErrorIs(t, err, store.ErrInvalidEntityName)
				return
			}
			assert.NoError(t, err)
		})
	}
}

package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOrderRecordApply(t *testing.T) {
	base := OrderRecord{
		ID:         "ord-1",
		Status:     OrderStatusPending,
		TotalCents: 4200,
		UpdatedAt:  time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
		Customer:   &Customer{Name: "Ada", Email: "ada@example.com"},
		Items:      []OrderItem{{ProductID: "p-1", Name: "Widget", Quantity: 2, PriceCents: 2100}},
	}

	t.Run("overwrites only carried fields", func(t *testing.T) {
		rec := base.Clone()
		status := OrderStatusApproved
		total := int64(4500)
		rec.Apply(OrderPatch{ID: "ord-1", Status: &status, TotalCents: &total})

		assert.Equal(t, OrderStatusApproved, rec.Status)
		assert.Equal(t, int64(4500), rec.TotalCents)
		assert.Equal(t, base.UpdatedAt, rec.UpdatedAt)
		assert.Equal(t, "ada@example.com", rec.Customer.Email)
		assert.Len(t, rec.Items, 1)
	})

	t.Run("nil patch fields retain existing values", func(t *testing.T) {
		rec := base.Clone()
		rec.Apply(OrderPatch{ID: "ord-1"})
		assert.Equal(t, base, rec)
	})

	t.Run("carried empty items replace existing items", func(t *testing.T) {
		rec := base.Clone()
		rec.Apply(OrderPatch{ID: "ord-1", Items: []OrderItem{}})
		assert.NotNil(t, rec.Items)
		assert.Empty(t, rec.Items)
	})

	t.Run("patch customer is copied, not aliased", func(t *testing.T) {
		rec := base.Clone()
		cust := &Customer{Name: "Grace", Email: "grace@example.com"}
		rec.Apply(OrderPatch{ID: "ord-1", Customer: cust})

		cust.Email = "mutated@example.com"
		assert.Equal(t, "grace@example.com", rec.Customer.Email)
	})
}

func TestOrderRecordClone(t *testing.T) {
	t.Run("clone does not share customer or items", func(t *testing.T) {
		rec := OrderRecord{
			ID:       "ord-2",
			Customer: &Customer{Name: "Ada"},
			Items:    []OrderItem{{ProductID: "p-1", Quantity: 1}},
		}

		clone := rec.Clone()
		clone.Customer.Name = "changed"
		clone.Items[0].Quantity = 9

		assert.Equal(t, "Ada", rec.Customer.Name)
		assert.Equal(t, 1, rec.Items[0].Quantity)
	})

	t.Run("nil detail stays nil", func(t *testing.T) {
		rec := OrderRecord{ID: "ord-3"}
		clone := rec.Clone()
		assert.Nil(t, clone.Customer)
		assert.Nil(t, clone.Items)
		assert.False(t, clone.HasDetail())
	})
}

func TestOrderPatchRecord(t *testing.T) {
	t.Run("materializes only carried fields", func(t *testing.T) {
		status := OrderStatusShipped
		rec := OrderPatch{ID: "ord-4", Status: &status}.Record()

		assert.Equal(t, "ord-4", rec.ID)
		assert.Equal(t, OrderStatusShipped, rec.Status)
		assert.Zero(t, rec.TotalCents)
		assert.False(t, rec.HasDetail())
	})
}

func TestRoleValid(t *testing.T) {
	for _, role := range Roles() {
		assert.True(t, role.Valid(), string(role))
	}
	assert.False(t, Role("superuser").Valid())
	assert.False(t, Role("").Valid())
}

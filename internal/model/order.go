package model

import "time"

type Customer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

type OrderItem struct {
	ProductID  string `json:"productId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	PriceCents int64  `json:"priceCents"`
}

// OrderRecord is the canonical client-side shape of an order. A nil
// Customer or nil Items means the detail has not been loaded yet, never
// that it is known to be empty.
type OrderRecord struct {
	ID         string      `json:"id"`
	Status     OrderStatus `json:"status"`
	TotalCents int64       `json:"totalCents"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	Customer   *Customer   `json:"customer,omitempty"`
	Items      []OrderItem `json:"items,omitempty"`
}

func (r OrderRecord) HasDetail() bool {
	return r.Customer != nil || r.Items != nil
}

func (r OrderRecord) Clone() OrderRecord {
	out := r
	if r.Customer != nil {
		c := *r.Customer
		out.Customer = &c
	}
	if r.Items != nil {
		out.Items = append([]OrderItem(nil), r.Items...)
	}
	return out
}

// OrderPatch is a partial order update from a push event or a snapshot
// row. Nil fields were not carried by the source and must not overwrite
// local state.
type OrderPatch struct {
	ID         string       `json:"id"`
	Status     *OrderStatus `json:"status,omitempty"`
	TotalCents *int64       `json:"totalCents,omitempty"`
	UpdatedAt  *time.Time   `json:"updatedAt,omitempty"`
	Customer   *Customer    `json:"customer,omitempty"`
	Items      []OrderItem  `json:"items,omitempty"`
}

// Apply overwrites only the fields the patch carries; everything else
// is retained.
func (r *OrderRecord) Apply(p OrderPatch) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.TotalCents != nil {
		r.TotalCents = *p.TotalCents
	}
	if p.UpdatedAt != nil {
		r.UpdatedAt = *p.UpdatedAt
	}
	if p.Customer != nil {
		c := *p.Customer
		r.Customer = &c
	}
	if p.Items != nil {
		r.Items = append([]OrderItem(nil), p.Items...)
	}
}

// Record materializes a fresh record carrying only the patch's fields.
func (p OrderPatch) Record() OrderRecord {
	rec := OrderRecord{ID: p.ID}
	rec.Apply(p)
	return rec
}

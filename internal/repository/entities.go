package repository

import "github.com/roach88/fieldsync/internal/model"

// Customer is a shop or person the sales team sells to.
type Customer struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
}

func (Customer) EntityType() string { return model.EntityCustomer }

// OrderLine is one product line of an Order.
type OrderLine struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	Price     float64 `json:"price,omitempty"`
}

// Order is a customer order taken in the field.
type Order struct {
	ID         string      `json:"id,omitempty"`
	CustomerID string      `json:"customer_id"`
	SalesRepID string      `json:"sales_rep_id,omitempty"`
	Lines      []OrderLine `json:"lines,omitempty"`
	Total      float64     `json:"total,omitempty"`
	Status     string      `json:"status,omitempty"`
}

func (Order) EntityType() string { return model.EntityOrder }

// Product is an item of the catalogue.
type Product struct {
	ID         string  `json:"id,omitempty"`
	Name       string  `json:"name"`
	SKU        string  `json:"sku,omitempty"`
	Price      float64 `json:"price,omitempty"`
	CategoryID string  `json:"category_id,omitempty"`
}

func (Product) EntityType() string { return model.EntityProduct }

// Visit is a scheduled or completed customer visit.
type Visit struct {
	ID          string `json:"id,omitempty"`
	CustomerID  string `json:"customer_id"`
	SalesRepID  string `json:"sales_rep_id,omitempty"`
	ScheduledAt string `json:"scheduled_at,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

func (Visit) EntityType() string { return model.EntityVisit }

// Expenditure is an expense claimed by a sales representative.
type Expenditure struct {
	ID          string  `json:"id,omitempty"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Description string  `json:"description,omitempty"`
	SalesRepID  string  `json:"sales_rep_id,omitempty"`
}

func (Expenditure) EntityType() string { return model.EntityExpenditure }

// Category groups products.
type Category struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id,omitempty"`
}

func (Category) EntityType() string { return model.EntityCategory }

// SalesRep is a member of the field sales team.
type SalesRep struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Region string `json:"region,omitempty"`
}

func (SalesRep) EntityType() string { return model.EntitySalesRep }

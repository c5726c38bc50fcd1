package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

type InventoryItem struct {
	ID          uuid.UUID
	Name        string
	Category    string
	Unit        string
	Quantity    decimal.Decimal
	MinQuantity decimal.Decimal
	CostPerUnit decimal.Decimal
	SellPerUnit decimal.Decimal
	LastUpdated time.Time
	CreatedAt   time.Time
}

type InventoryLog struct {
	ID             uuid.UUID
	ItemID         uuid.UUID
	Type           string
	Quantity       decimal.Decimal
	QuantityAfter  decimal.Decimal
	Reason         string
	RelatedOrderID pgtype.UUID
	IdempotencyKey string
	CreatedBy      string
	CreatedAt      time.Time
}

type Table struct {
	ID             uuid.UUID
	Name           string
	Status         string
	CurrentOrderID pgtype.UUID
	Capacity       int32
	Location       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TableStateLog struct {
	ID         uuid.UUID
	TableID    uuid.UUID
	FromStatus string
	ToStatus   string
	OrderID    pgtype.UUID
	Note       string
	Actor      string
	CreatedAt  time.Time
}

// OrderItem is an inventory-backed order line.
type OrderItem struct {
	ItemID   uuid.UUID       `json:"item_id"`
	ItemName string          `json:"item_name"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	Total    decimal.Decimal `json:"total"`
}

// OrderProduct is a catalog-backed order line.
type OrderProduct struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    decimal.Decimal `json:"quantity"`
	Price       decimal.Decimal `json:"price"`
	Total       decimal.Decimal `json:"total"`
}

type Order struct {
	ID            uuid.UUID
	TableID       pgtype.UUID
	Type          string
	Items         []OrderItem
	Products      []OrderProduct
	SubTotal      decimal.Decimal
	Discount      decimal.Decimal
	Tax           decimal.Decimal
	Total         decimal.Decimal
	Status        string
	PaymentMethod string
	CustomerName  string
	Notes         string
	CreatedBy     string
	ClosedBy      pgtype.Text
	CreatedAt     time.Time
	UpdatedAt     time.Time
	Version       int32
}

type Counterparty struct {
	ID        uuid.UUID
	Kind      string
	Name      string
	Phone     string
	Balance   decimal.Decimal
	Notes     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// InvoiceItem is a line on a purchase or sale invoice.
type InvoiceItem struct {
	ItemID   uuid.UUID       `json:"item_id"`
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
}

type Invoice struct {
	ID              uuid.UUID
	Type            string
	RelatedID       pgtype.UUID
	OrderID         pgtype.UUID
	Items           []InvoiceItem
	SubTotal        decimal.Decimal
	Discount        decimal.Decimal
	Total           decimal.Decimal
	PaidAmount      decimal.Decimal
	RemainingAmount decimal.Decimal
	Status          string
	PaymentMethod   string
	DueDate         pgtype.Date
	Notes           string
	CreatedBy       string
	CreatedAt       time.Time
}

type Payment struct {
	ID             uuid.UUID
	InvoiceID      pgtype.UUID
	Type           string
	RelatedID      pgtype.UUID
	Amount         decimal.Decimal
	BalanceDelta   decimal.Decimal
	Method         string
	Note           string
	IdempotencyKey string
	CreatedBy      string
	Date           time.Time
}

type Settlement struct {
	Key              string
	Kind             string
	Status           string
	InvoiceID        uuid.UUID
	CounterpartyID   pgtype.UUID
	PaymentMode      string
	PartialValue     decimal.Decimal
	Snapshot         []byte
	InventoryApplied bool
	InvoiceRecorded  bool
	PaymentPosted    bool
	OrderClosed      bool
	TableReleased    bool
	LastError        string
	CreatedBy        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

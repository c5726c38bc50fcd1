package enum

// ── Group A: State machines (CHECK constrained in DB) ──

const (
	OrderStatusOpen      = "open"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
)

const (
	TableStatusAvailable = "available"
	TableStatusOccupied  = "occupied"
	TableStatusReserved  = "reserved"
	TableStatusClosed    = "closed"
)

const (
	InvoiceStatusUnpaid  = "unpaid"
	InvoiceStatusPartial = "partial"
	InvoiceStatusPaid    = "paid"
)

const (
	SettlementStatusInProgress = "in_progress"
	SettlementStatusPending    = "pending"
	SettlementStatusCompleted  = "completed"
)

// ── Group C: Borderline (CHECK constrained in DB) ──

const (
	OrderTypeDineIn   = "dine-in"
	OrderTypeTakeaway = "takeaway"
	OrderTypeDelivery = "delivery"
)

const (
	InventoryLogIn     = "in"
	InventoryLogOut    = "out"
	InventoryLogAdjust = "adjust"
)

const (
	InvoiceTypePurchase = "purchase"
	InvoiceTypeSale     = "sale"
)

const (
	CounterpartyCustomer = "customer"
	CounterpartySupplier = "supplier"
)

const (
	SettlementKindOrder    = "order"
	SettlementKindPurchase = "purchase"
	SettlementKindSale     = "sale"
)

// ── Group B: Configurable labels (no DB constraint) ──

const (
	PaymentModeCash = "cash"
	PaymentModePart = "part"
	PaymentModeDebt = "debt"
)

const (
	PaymentDirectionIn  = "in"
	PaymentDirectionOut = "out"
)

// Package app composes the checkout service: it wires the stores, upstream
// clients, payment rails and the orchestrator into a running application.
// It is NOT a business logic layer; checkout semantics live in
// internal/app/services/.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── checkout/       # Cart, payment method union, progress states
//	│   ├── order/          # Batch order and its status machine
//	│   ├── coupon/         # Discount definitions
//	│   └── eligibility/    # Access rules and verifications
//	├── storage/            # Storage interfaces and implementations
//	│   ├── interfaces.go   # OrderStore and CouponStore
//	│   ├── memory/         # In-memory implementation for development and tests
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Checkout business logic
//	│   ├── checkout/       # The orchestrator state machine
//	│   ├── eligibility/    # Token-gating re-verification
//	│   ├── coupon/         # Coupon validation and discount math
//	│   ├── ledger/         # Order creation and guarded transitions
//	│   ├── rails/          # Payment rail strategies and dispatch
//	│   └── settlement/     # Settlement monitoring and reconciliation
//	├── httpapi/            # HTTP handlers, CORS, audit log
//	├── system/             # Service lifecycle management
//	└── metrics/            # Prometheus collectors
//
// # Dependency Direction
//
//	cmd/checkoutd/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │
//	      └──► internal/app/storage/ (persistence)
package app

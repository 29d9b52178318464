// Package app composes the extension router into a running application.
//
// # Package Structure
//
//	internal/app/
//	├── application.go      # Application struct, wiring, and lifecycle
//	├── domain/             # Domain models (pure data structures)
//	│   ├── extension/      # Extension descriptors and function selectors
//	│   ├── permission/     # Signer permission records
//	│   ├── request/        # Signed request envelope and error taxonomy
//	│   └── reward/         # Reward records
//	├── signing/            # Request digests and recoverable signatures
//	├── storage/            # Storage interfaces and implementations
//	│   ├── memory/         # In-memory implementation for tests
//	│   └── postgres/       # PostgreSQL implementation for production
//	├── services/           # Business logic services
//	│   ├── registry/       # Extension registry and selector index
//	│   ├── authorizer/     # Signature verification and replay protection
//	│   ├── permissions/    # Signer permission and admin management
//	│   ├── dispatcher/     # Selector routing
//	│   └── rewards/        # Reward registration and claims
//	├── audit/              # In-memory audit trail with optional file sink
//	├── httpapi/            # HTTP API handlers and routing
//	└── metrics/            # Prometheus metrics
//
// # Responsibilities
//
// The app package wires services with their storage and signing dependencies,
// exposes them over HTTP, and manages the server lifecycle. Business rules
// live in internal/app/services/; domain packages hold pure data and
// validation with no service logic.
//
// # Dependency Direction
//
//	cmd/router/
//	      │
//	      ▼
//	internal/app/ (composition)
//	      │
//	      ├──► internal/app/services/ (business logic)
//	      │           │
//	      │           ├──► internal/app/storage/ (persistence interfaces)
//	      │           │
//	      │           └──► internal/app/signing/ (crypto)
//	      │
//	      └──► internal/middleware/ (auth, rate limiting, CORS)
package app

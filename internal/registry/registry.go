// Package registry certifies which module factories a security token may use.
package registry

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"tiered-sto/internal/events"
	"tiered-sto/internal/ledger"
)

// ModuleType categorises a module factory. Zero is not a valid type.
type ModuleType uint8

// Known module categories.
const (
	PermissionModule ModuleType = iota + 1
	TransferModule
	STOModule
	CheckpointModule
)

func (t ModuleType) String() string {
	switch t {
	case PermissionModule:
		return "permission"
	case TransferModule:
		return "transfer"
	case STOModule:
		return "sto"
	case CheckpointModule:
		return "checkpoint"
	default:
		return "unknown"
	}
}

// ParseModuleType accepts the names produced by ModuleType.String.
func ParseModuleType(s string) (ModuleType, error) {
	for t := PermissionModule; t <= CheckpointModule; t++ {
		if strings.EqualFold(strings.TrimSpace(s), t.String()) {
			return t, nil
		}
	}
	return 0, ledger.Validationf("unknown module type %q", s)
}

// ModuleFactory is the factory contract a module is deployed from.
type ModuleFactory interface {
	Address() common.Address
	Type() ModuleType
	Owner() common.Address
	Name() string
}

// Factory is a plain ModuleFactory value.
type Factory struct {
	Addr      common.Address
	Kind      ModuleType
	Publisher common.Address
	Label     string
}

// Address implements ModuleFactory.
func (f Factory) Address() common.Address { return f.Addr }

// Type implements ModuleFactory.
func (f Factory) Type() ModuleType { return f.Kind }

// Owner implements ModuleFactory.
func (f Factory) Owner() common.Address { return f.Publisher }

// Name implements ModuleFactory.
func (f Factory) Name() string { return f.Label }

// Module is the registry's record of a factory.
type Module struct {
	Factory  common.Address
	Type     ModuleType
	Owner    common.Address
	Name     string
	Verified bool
}

var (
	// ErrAlreadyRegistered is returned when registering a factory twice.
	ErrAlreadyRegistered = errors.New("module factory already registered")
	// ErrNotRegistered is returned for factories the registry does not know.
	ErrNotRegistered = errors.New("module factory not registered")
)

// Registry is the module registry state for one registry instance.
type Registry struct {
	mu         sync.Mutex
	owner      common.Address
	tokens     ledger.TokenRegistry
	clock      ledger.Clock
	emitter    events.Emitter
	logger     zerolog.Logger
	modules    map[common.Address]*Module
	byType     map[ModuleType][]common.Address
	reputation map[common.Address][]common.Address
}

// New creates a registry administered by owner.
func New(owner common.Address, tokens ledger.TokenRegistry, clock ledger.Clock, emitter events.Emitter, logger zerolog.Logger) *Registry {
	if emitter == nil {
		emitter = events.Discard{}
	}
	return &Registry{
		owner:      owner,
		tokens:     tokens,
		clock:      clock,
		emitter:    emitter,
		logger:     logger.With().Str("component", "module_registry").Logger(),
		modules:    make(map[common.Address]*Module),
		byType:     make(map[ModuleType][]common.Address),
		reputation: make(map[common.Address][]common.Address),
	}
}

// Owner returns the registry administrator.
func (r *Registry) Owner() common.Address { return r.owner }

// RegisterModule records a new module factory.
func (r *Registry) RegisterModule(factory ModuleFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := factory.Address()
	if addr == (common.Address{}) {
		return ledger.Validationf("module factory address is zero")
	}
	if _, exists := r.modules[addr]; exists {
		return fmt.Errorf("%w: %s: %w", ledger.ErrPrecondition, addr.Hex(), ErrAlreadyRegistered)
	}
	kind := factory.Type()
	if kind == 0 {
		return ledger.Validationf("module factory %s reports type 0", addr.Hex())
	}

	r.modules[addr] = &Module{
		Factory: addr,
		Type:    kind,
		Owner:   factory.Owner(),
		Name:    factory.Name(),
	}
	r.byType[kind] = append(r.byType[kind], addr)
	r.reputation[addr] = []common.Address{}

	r.emitter.Emit("registry", events.ModuleRegistered, r.clock.Now(), map[string]string{
		"factory": addr.Hex(),
		"owner":   factory.Owner().Hex(),
		"type":    kind.String(),
	})
	r.logger.Info().Str("factory", addr.Hex()).Str("type", kind.String()).Msg("module registered")
	return nil
}

// VerifyModule sets the verified flag of a registered factory.
func (r *Registry) VerifyModule(caller, factory common.Address, verified bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != r.owner {
		return ledger.Unauthorizedf("only the registry owner may verify modules")
	}
	mod, ok := r.modules[factory]
	if !ok {
		return fmt.Errorf("%w: %s: %w", ledger.ErrPrecondition, factory.Hex(), ErrNotRegistered)
	}
	mod.Verified = verified

	r.emitter.Emit("registry", events.ModuleVerified, r.clock.Now(), map[string]string{
		"factory":  factory.Hex(),
		"verified": strconv.FormatBool(verified),
	})
	r.logger.Info().Str("factory", factory.Hex()).Bool("verified", verified).Msg("module verification changed")
	return nil
}

// UseModule is called by a security token attaching a module. The caller must
// be a genuine token and the factory must be verified or published by the
// token's own owner.
func (r *Registry) UseModule(caller, factory common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := r.tokens.SecurityTokenData(caller)
	if err != nil {
		return ledger.Unauthorizedf("caller %s is not a registered security token: %v", caller.Hex(), err)
	}
	mod, ok := r.modules[factory]
	if !ok {
		return fmt.Errorf("%w: %s: %w", ledger.ErrPrecondition, factory.Hex(), ErrNotRegistered)
	}
	if !mod.Verified && mod.Owner != data.Owner {
		return ledger.Unauthorizedf("module %s is neither verified nor owned by the token owner", factory.Hex())
	}

	r.reputation[factory] = append(r.reputation[factory], caller)
	r.emitter.Emit("registry", events.ModuleUsed, r.clock.Now(), map[string]string{
		"factory": factory.Hex(),
		"token":   caller.Hex(),
		"symbol":  data.Symbol,
	})
	r.logger.Debug().Str("factory", factory.Hex()).Str("token", data.Symbol).Msg("module used")
	return nil
}

// Module returns the record for a factory.
func (r *Registry) Module(factory common.Address) (Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	mod, ok := r.modules[factory]
	if !ok {
		return Module{}, false
	}
	return *mod, true
}

// IsVerified reports whether a factory is registered and verified.
func (r *Registry) IsVerified(factory common.Address) bool {
	mod, ok := r.Module(factory)
	return ok && mod.Verified
}

// Reputation returns the tokens that used a factory, in order of use.
func (r *Registry) Reputation(factory common.Address) []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.Address(nil), r.reputation[factory]...)
}

// ModulesByType lists registered factories of a type in registration order.
func (r *Registry) ModulesByType(kind ModuleType) []common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]common.Address(nil), r.byType[kind]...)
}

package registry

import (
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiered-sto/internal/chain"
	"tiered-sto/internal/events"
	"tiered-sto/internal/ledger"
)

var (
	admin      = common.HexToAddress("0xa1")
	issuer     = common.HexToAddress("0xb1")
	stranger   = common.HexToAddress("0xb2")
	tokenAddr  = common.HexToAddress("0xc1")
	factoryOne = common.HexToAddress("0xf1")
	factoryTwo = common.HexToAddress("0xf2")
)

func newFixture(t *testing.T) (*Registry, *events.Log) {
	t.Helper()
	c := chain.New(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), zerolog.Nop())
	_, err := c.DeploySecurityToken(tokenAddr, "ACME", "acme shares", issuer)
	require.NoError(t, err)
	log := events.NewLog(zerolog.Nop())
	return New(admin, c, c, log, zerolog.Nop()), log
}

func TestRegisterModule(t *testing.T) {
	reg, log := newFixture(t)

	require.NoError(t, reg.RegisterModule(Factory{Addr: factoryOne, Kind: STOModule, Publisher: stranger, Label: "tiered"}))

	mod, ok := reg.Module(factoryOne)
	require.True(t, ok)
	assert.Equal(t, STOModule, mod.Type)
	assert.Equal(t, stranger, mod.Owner)
	assert.False(t, mod.Verified)
	assert.Equal(t, []common.Address{factoryOne}, reg.ModulesByType(STOModule))
	assert.Empty(t, reg.Reputation(factoryOne))
	assert.Len(t, log.Named(events.ModuleRegistered), 1)

	err := reg.RegisterModule(Factory{Addr: factoryOne, Kind: CheckpointModule})
	assert.ErrorIs(t, err, ledger.ErrPrecondition)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	mod, _ = reg.Module(factoryOne)
	assert.Equal(t, STOModule, mod.Type, "re-registration must not update the record")

	err = reg.RegisterModule(Factory{Addr: factoryTwo, Kind: 0})
	assert.ErrorIs(t, err, ledger.ErrValidation)
	_, ok = reg.Module(factoryTwo)
	assert.False(t, ok)
}

func TestVerifyModule(t *testing.T) {
	reg, _ := newFixture(t)

	err := reg.VerifyModule(admin, factoryOne, true)
	assert.ErrorIs(t, err, ErrNotRegistered)

	require.NoError(t, reg.RegisterModule(Factory{Addr: factoryOne, Kind: STOModule, Publisher: stranger}))

	err = reg.VerifyModule(stranger, factoryOne, true)
	assert.ErrorIs(t, err, ledger.ErrAuthorization)
	assert.False(t, reg.IsVerified(factoryOne))

	require.NoError(t, reg.VerifyModule(admin, factoryOne, true))
	assert.True(t, reg.IsVerified(factoryOne))

	require.NoError(t, reg.VerifyModule(admin, factoryOne, false))
	assert.False(t, reg.IsVerified(factoryOne))
}

func TestUseModule(t *testing.T) {
	reg, log := newFixture(t)
	require.NoError(t, reg.RegisterModule(Factory{Addr: factoryOne, Kind: STOModule, Publisher: stranger}))
	require.NoError(t, reg.RegisterModule(Factory{Addr: factoryTwo, Kind: CheckpointModule, Publisher: issuer}))

	t.Run("non token caller", func(t *testing.T) {
		err := reg.UseModule(stranger, factoryTwo)
		assert.ErrorIs(t, err, ledger.ErrAuthorization)
	})

	t.Run("unregistered factory", func(t *testing.T) {
		err := reg.UseModule(tokenAddr, common.HexToAddress("0xf9"))
		assert.ErrorIs(t, err, ledger.ErrPrecondition)
	})

	t.Run("unverified foreign module", func(t *testing.T) {
		err := reg.UseModule(tokenAddr, factoryOne)
		assert.ErrorIs(t, err, ledger.ErrAuthorization)
		assert.Empty(t, reg.Reputation(factoryOne))
	})

	t.Run("unverified module owned by token owner", func(t *testing.T) {
		require.NoError(t, reg.UseModule(tokenAddr, factoryTwo))
		assert.Equal(t, []common.Address{tokenAddr}, reg.Reputation(factoryTwo))
	})

	t.Run("verified module", func(t *testing.T) {
		require.NoError(t, reg.VerifyModule(admin, factoryOne, true))
		require.NoError(t, reg.UseModule(tokenAddr, factoryOne))
		require.NoError(t, reg.UseModule(tokenAddr, factoryOne))
		assert.Len(t, reg.Reputation(factoryOne), 2)
	})

	used := log.Named(events.ModuleUsed)
	require.Len(t, used, 3)
	assert.Equal(t, "ACME", used[0].Field("symbol"))
}

func TestParseModuleType(t *testing.T) {
	kind, err := ParseModuleType(" STO ")
	require.NoError(t, err)
	assert.Equal(t, STOModule, kind)

	_, err = ParseModuleType("oracle")
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

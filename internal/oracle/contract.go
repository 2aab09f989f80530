package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const priceOracleABIJSON = `[{"inputs":[],"name":"getPrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var priceOracleABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(priceOracleABIJSON))
	if err != nil {
		panic("failed to parse price oracle ABI: " + err.Error())
	}
	priceOracleABI = parsed
}

// ContractOptions parameterise the on-chain price oracle source.
type ContractOptions struct {
	RPCURL  string
	Address string
	Pair    Pair
	Timeout time.Duration
}

// Contract reads a USD price from an on-chain oracle exposing getPrice(),
// scaled by 10^18.
type Contract struct {
	opts      ContractOptions
	logger    zerolog.Logger
	client    *ethclient.Client
	clientMux sync.Mutex
}

// NewContract builds an on-chain oracle source.
func NewContract(opts ContractOptions, logger zerolog.Logger) *Contract {
	return &Contract{
		opts:   opts,
		logger: logger.With().Str("component", "contract_oracle").Str("pair", opts.Pair.String()).Logger(),
	}
}

// Name implements Source.
func (c *Contract) Name() string { return "contract:" + c.opts.Address }

// Fetch implements Source.
func (c *Contract) Fetch(ctx context.Context) (Quote, error) {
	if c.opts.RPCURL == "" {
		return Quote{}, errors.New("ethereum rpc url not configured")
	}
	if !common.IsHexAddress(c.opts.Address) {
		return Quote{}, fmt.Errorf("oracle contract address %q is not a hex address", c.opts.Address)
	}

	timeout := c.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := c.getClient(ctx)
	if err != nil {
		return Quote{}, err
	}

	addr := common.HexToAddress(c.opts.Address)
	payload, err := priceOracleABI.Pack("getPrice")
	if err != nil {
		return Quote{}, err
	}

	// pin the call to one block so the reported height matches the price
	block, err := client.BlockNumber(ctx)
	if err != nil {
		return Quote{}, fmt.Errorf("block number: %w", err)
	}

	res, err := client.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, new(big.Int).SetUint64(block))
	if err != nil {
		return Quote{}, fmt.Errorf("call getPrice: %w", err)
	}

	price, err := decodePrice(res)
	if err != nil {
		return Quote{}, err
	}

	c.logger.Debug().Uint64("block", block).Str("price", price.String()).Msg("oracle price read")
	return Quote{Price: price, Block: block}, nil
}

func decodePrice(res []byte) (decimal.Decimal, error) {
	outputs, err := priceOracleABI.Unpack("getPrice", res)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("unpack getPrice: %w", err)
	}
	if len(outputs) != 1 {
		return decimal.Decimal{}, errors.New("unexpected getPrice response")
	}
	raw, ok := outputs[0].(*big.Int)
	if !ok {
		return decimal.Decimal{}, errors.New("failed to decode getPrice output")
	}
	return decimal.NewFromBigInt(raw, -18), nil
}

func (c *Contract) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	c.client = client
	return client, nil
}

// Close releases the RPC connection.
func (c *Contract) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

var _ Source = (*Contract)(nil)

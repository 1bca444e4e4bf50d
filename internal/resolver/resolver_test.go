package resolver

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	xerrors "DefiFlow/internal/errors"
)

type countingResolver struct {
	calls []string
	addr  common.Address
	err   error
}

func (c *countingResolver) Resolve(_ context.Context, name string) (common.Address, error) {
	c.calls = append(c.calls, name)
	return c.addr, c.err
}

func TestResolveInputOnlyLooksUpNames(t *testing.T) {
	vitalik := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	backend := &countingResolver{addr: vitalik}
	ctx := context.Background()

	inputs := []string{"vitalik.eth", "0xABCinvalid", "0x" + strings.Repeat("11", 20)}
	var valid []bool
	for _, in := range inputs {
		_, ok, _ := ResolveInput(ctx, backend, in)
		valid = append(valid, ok)
	}
	assert.Equal(t, []bool{true, false, true}, valid)
	assert.Equal(t, []string{"vitalik.eth"}, backend.calls, "exactly one lookup for the name-shaped input")

	addr, ok, err := ResolveInput(ctx, backend, "0x"+strings.Repeat("11", 20))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x"+strings.Repeat("11", 20)), addr)
}

func TestResolveInputFailsSilentlyOnLookupError(t *testing.T) {
	backend := &countingResolver{err: errors.New("rpc down")}
	_, ok, err := ResolveInput(context.Background(), backend, "alice.eth")
	assert.False(t, ok)
	assert.Error(t, err)

	backend = &countingResolver{}
	_, ok, err = ResolveInput(context.Background(), backend, "nobody.eth")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, xerrors.CodeResolveFailed, xerrors.CodeOf(err))
	assert.Equal(t, xerrors.CategoryResolution, xerrors.CategoryOf(err))
}

func TestLooksLikeName(t *testing.T) {
	assert.True(t, LooksLikeName("Vitalik.ETH"))
	assert.True(t, LooksLikeName("pay.team.eth"))
	assert.False(t, LooksLikeName("0xabc.eth"))
	assert.False(t, LooksLikeName("vitalik"))
	assert.False(t, LooksLikeName("a..eth"))
	assert.False(t, LooksLikeName(""))
}

func TestNamehashVectors(t *testing.T) {
	assert.Equal(t, common.Hash{}, Namehash(""))
	assert.Equal(t, common.HexToHash("0x93cdeb708b7545dc668eb9280176169d1c33cfd8ed6f04690a0bcc88a93fc4ae"), Namehash("eth"))
	assert.Equal(t, common.HexToHash("0xde9b09fd7c5f901e23a3f19fecc54828e9c848539801e86591bd9801b019f84f"), Namehash("foo.eth"))
	assert.Equal(t, Namehash("foo.eth"), Namehash(" FOO.eth "))
}

type fakeChain struct {
	registry common.Address
	resolver common.Address
	records  map[common.Hash]common.Address
	calls    int
}

func (f *fakeChain) CallContract(_ context.Context, msg gethcore.CallMsg, _ *big.Int) ([]byte, error) {
	f.calls++
	node := common.BytesToHash(msg.Data[4:36])
	registrySel := registryABI.Methods["resolver"].ID
	addrSel := publicResolverABI.Methods["addr"].ID
	switch {
	case *msg.To == f.registry && bytes.Equal(msg.Data[:4], registrySel):
		if _, ok := f.records[node]; !ok {
			return common.LeftPadBytes(nil, 32), nil
		}
		return common.LeftPadBytes(f.resolver.Bytes(), 32), nil
	case *msg.To == f.resolver && bytes.Equal(msg.Data[:4], addrSel):
		return common.LeftPadBytes(f.records[node].Bytes(), 32), nil
	}
	return nil, errors.New("unexpected call")
}

func TestENSResolve(t *testing.T) {
	vitalik := common.HexToAddress("0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
	chain := &fakeChain{
		registry: common.HexToAddress("0x00000000000C2E074eC69A0dFb2997BA6C7d2e1e"),
		resolver: common.HexToAddress("0x4976fb03C32e5B8cfe2b6cCB31c09Ba78EBaBa41"),
		records:  map[common.Hash]common.Address{Namehash("vitalik.eth"): vitalik},
	}
	ens := NewENS(chain, chain.registry, WithRateLimit(100, 10))

	addr, err := ens.Resolve(context.Background(), "Vitalik.eth")
	require.NoError(t, err)
	assert.Equal(t, vitalik, addr)
	assert.Equal(t, 2, chain.calls)

	_, err = ens.Resolve(context.Background(), "unknown.eth")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = ens.Resolve(context.Background(), "0x1234")
	assert.Error(t, err)
}

func TestChainAndStatic(t *testing.T) {
	team := common.HexToAddress("0x1111111111111111111111111111111111111111")
	static := NewStatic(map[string]string{"Team.eth": team.Hex(), "bad.eth": "nope"})
	assert.Len(t, static, 1)

	fallback := &countingResolver{addr: common.HexToAddress("0x2222222222222222222222222222222222222222")}
	chain := Chain{static, fallback}

	addr, err := chain.Resolve(context.Background(), "team.eth")
	require.NoError(t, err)
	assert.Equal(t, team, addr)
	assert.Empty(t, fallback.calls)

	_, err = chain.Resolve(context.Background(), "other.eth")
	require.NoError(t, err)
	assert.Equal(t, []string{"other.eth"}, fallback.calls)
}

func TestCachedFallsThroughWhenRedisUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	want := common.HexToAddress("0x3333333333333333333333333333333333333333")
	backend := &countingResolver{addr: want}
	cached := NewCached(backend, client, time.Minute)

	addr, err := cached.Resolve(context.Background(), "carol.eth")
	require.NoError(t, err)
	assert.Equal(t, want, addr)
	assert.Len(t, backend.calls, 1)
}

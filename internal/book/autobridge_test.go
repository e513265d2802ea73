package book

import (
	"fmt"
	"math/rand"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	binarycodec "github.com/LeJamon/xrplbook/internal/codec/binary-codec"
	"github.com/LeJamon/xrplbook/internal/value"
)

const (
	ownerOne = "rrrrrrrrrrrrrrrrrrrrBZbvji"
	ownerTwo = "rrrrrrrrrrrrrrrrrrrrrhoLvTp"
	issuerA  = "r9cZA1mLK5R5Am25ArfXFmqgNwjZgnfk59"
	issuerB  = "rN7n7otQDd6FczFgLdSqtcsAUxDkw6fzRH"
)

// legOneOffer sells drops for the pays currency of the parent pair.
func legOneOffer(account, drops, paysValue, quality string, fullyFunded bool) *Offer {
	o := &Offer{
		Account:   account,
		TakerGets: Amount{Currency: "XRP", Value: drops},
		TakerPays: Amount{Currency: "USD", Issuer: issuerB, Value: paysValue},
		Quality:   quality,
	}
	if fullyFunded {
		o.IsFullyFunded = true
		o.TakerGetsFunded = drops
		o.TakerPaysFunded = paysValue
	}
	return o
}

// legTwoOffer sells the gets currency of the parent pair for drops.
func legTwoOffer(account, getsValue, drops, quality string) *Offer {
	return &Offer{
		Account:         account,
		TakerGets:       Amount{Currency: "EUR", Issuer: issuerA, Value: getsValue},
		TakerPays:       Amount{Currency: "XRP", Value: drops},
		Quality:         quality,
		IsFullyFunded:   true,
		TakerGetsFunded: getsValue,
		TakerPaysFunded: drops,
	}
}

func crossLegs(t *testing.T, legOne, legTwo []*Offer) []*Offer {
	t.Helper()
	calc := newAutobridgeCalculator(
		"EUR", issuerA, "USD", issuerB, legOne, legTwo, zerolog.Nop())
	ch := make(chan []*Offer, 1)
	calc.calculate(func(offers []*Offer) { ch <- offers })
	return <-ch
}

func TestAutobridgeClampedLegOne(t *testing.T) {
	// Leg one outputs 1000 XRP funded, leg two only takes 800 XRP: leg one
	// is clamped to leg two's input.
	legOne := []*Offer{legOneOffer(ownerOne, "1000000000", "500", "0.0000005", true)}
	legTwo := []*Offer{legTwoOffer(ownerTwo, "400", "800000000", "2000000")}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 1)

	synthetic := offers[0]
	assert.True(t, synthetic.Autobridged)
	assert.Equal(t, Amount{Currency: "EUR", Issuer: issuerA, Value: "400"}, synthetic.TakerGets)
	assert.Equal(t, Amount{Currency: "USD", Issuer: issuerB, Value: "400"}, synthetic.TakerPays)
	assert.Equal(t, "400", synthetic.TakerGetsFunded)
	assert.Equal(t, "400", synthetic.TakerPaysFunded)
	assert.Equal(t, "1", synthetic.Quality)
	assert.Equal(t, "55038D7EA4C68000", synthetic.QualityHex)
	assert.Equal(t, synthetic.QualityHex, synthetic.BookDirectory)
}

func TestAutobridgeClampedLegTwo(t *testing.T) {
	// Leg one outputs 400 XRP funded, leg two takes 800 XRP: leg two is
	// partially consumed and keeps the remainder for the next leg one offer.
	legOne := []*Offer{
		legOneOffer(ownerOne, "400000000", "200", "0.0000005", true),
		legOneOffer(ownerTwo, "400000000", "400", "0.000001", true),
	}
	legTwo := []*Offer{legTwoOffer(issuerA, "400", "800000000", "2000000")}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 2)

	first := offers[0]
	assert.Equal(t, "200", first.TakerGets.Value)
	assert.Equal(t, "200", first.TakerPays.Value)
	assert.Equal(t, "1", first.Quality)

	second := offers[1]
	assert.Equal(t, "200", second.TakerGets.Value)
	assert.Equal(t, "400", second.TakerPays.Value)
	assert.Equal(t, "2", second.Quality)
	assert.Equal(t, "55071AFD498D0000", second.QualityHex)
}

func TestAutobridgeExactMatchWithoutClamps(t *testing.T) {
	legOne := []*Offer{legOneOffer(ownerOne, "800000000", "400", "0.0000005", true)}
	legTwo := []*Offer{legTwoOffer(ownerTwo, "400", "800000000", "2000000")}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 1)
	assert.Equal(t, "400", offers[0].TakerGets.Value)
	assert.Equal(t, "400", offers[0].TakerPays.Value)
	assert.Equal(t, "1", offers[0].Quality)
}

func TestAutobridgeSameOwnerLiftsFundingClamp(t *testing.T) {
	// The owner's leg one offer is only half funded, but leg one output
	// feeds their own leg two input, so the full nominal amount flows.
	legOne := []*Offer{
		{
			Account:         ownerOne,
			TakerGets:       Amount{Currency: "XRP", Value: "100000000"},
			TakerPays:       Amount{Currency: "USD", Issuer: issuerB, Value: "200"},
			Quality:         "0.000002",
			TakerGetsFunded: "50000000",
			TakerPaysFunded: "100",
			IsFullyFunded:   false,
		},
	}
	legTwo := []*Offer{legTwoOffer(ownerOne, "50", "100000000", "2000000")}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 1)
	assert.Equal(t, "50", offers[0].TakerGets.Value)
	assert.Equal(t, "200", offers[0].TakerPays.Value)
	assert.Equal(t, "4", offers[0].Quality)
	assert.Equal(t, "550E35FA931A0000", offers[0].QualityHex)
}

func TestAutobridgeLeftoverFundsTopUpWorseOffer(t *testing.T) {
	// Crossing a same-owner pair consumes nominal amount below the funded
	// amount, freeing 10 XRP of leftover funds. The owner's second, unfunded
	// leg one offer is topped up with them.
	legOne := []*Offer{
		{
			Account:         ownerOne,
			TakerGets:       Amount{Currency: "XRP", Value: "100000000"},
			TakerPays:       Amount{Currency: "USD", Issuer: issuerB, Value: "200"},
			Quality:         "0.000002",
			TakerGetsFunded: "50000000",
			TakerPaysFunded: "100",
			IsFullyFunded:   false,
		},
		{
			Account:         ownerOne,
			TakerGets:       Amount{Currency: "XRP", Value: "100000000"},
			TakerPays:       Amount{Currency: "USD", Issuer: issuerB, Value: "400"},
			Quality:         "0.000004",
			TakerGetsFunded: "0",
			TakerPaysFunded: "0",
			IsFullyFunded:   false,
		},
	}
	legTwo := []*Offer{
		legTwoOffer(ownerOne, "30", "60000000", "2000000"),
		legTwoOffer(ownerTwo, "100", "200000000", "2000000"),
	}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 3)

	// Same-owner crossing, clamped to leg two's 60 XRP input.
	assert.Equal(t, "30", offers[0].TakerGets.Value)
	assert.Equal(t, "120", offers[0].TakerPays.Value)
	assert.Equal(t, "4", offers[0].Quality)

	// First offer's remaining 40 XRP cross the second leg two offer.
	assert.Equal(t, "20", offers[1].TakerGets.Value)
	assert.Equal(t, "80", offers[1].TakerPays.Value)
	assert.Equal(t, "4", offers[1].Quality)

	// The 10 XRP leftover funds the second leg one offer.
	assert.Equal(t, "5", offers[2].TakerGets.Value)
	assert.Equal(t, "40", offers[2].TakerPays.Value)
	assert.Equal(t, "8", offers[2].Quality)
	assert.Equal(t, "551C6BF526340000", offers[2].QualityHex)
}

// TestAutobridgeConservesLegFlow crosses randomly sized funded legs and
// checks that the synthetic book never grants more than the legs supply:
// every synthetic stays within the largest single offer on each side, and
// the totals stay within each leg's total.
func TestAutobridgeConservesLegFlow(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 40; round++ {
		var legOne []*Offer
		var legOnePaysTotal, maxLegOnePays value.Value = value.ZeroIOU, value.ZeroIOU
		for i := 0; i < 1+r.Intn(5); i++ {
			n := 1 + r.Intn(100) // XRP sold
			k := 1 + r.Intn(5)   // USD demanded per XRP
			drops := strconv.Itoa(n * 1_000_000)
			pays := strconv.Itoa(n * k)
			quality := value.MustIOU(pays).Divide(value.MustIOU(drops)).String()
			legOne = append(legOne, legOneOffer(fmt.Sprintf("rOneOwner%d", i), drops, pays, quality, true))

			p := value.MustIOU(pays)
			legOnePaysTotal = legOnePaysTotal.Add(p)
			if p.ComparedTo(maxLegOnePays) > 0 {
				maxLegOnePays = p
			}
		}

		var legTwo []*Offer
		var legTwoGetsTotal, maxLegTwoGets value.Value = value.ZeroIOU, value.ZeroIOU
		for i := 0; i < 1+r.Intn(5); i++ {
			m := 1 + r.Intn(100) // EUR sold
			j := 1 + r.Intn(5)   // XRP demanded per EUR
			gets := strconv.Itoa(m)
			drops := strconv.Itoa(m * j * 1_000_000)
			legTwo = append(legTwo, legTwoOffer(fmt.Sprintf("rTwoOwner%d", i), gets, drops, strconv.Itoa(j*1_000_000)))

			g := value.MustIOU(gets)
			legTwoGetsTotal = legTwoGetsTotal.Add(g)
			if g.ComparedTo(maxLegTwoGets) > 0 {
				maxLegTwoGets = g
			}
		}

		offers := crossLegs(t, legOne, legTwo)
		require.LessOrEqual(t, len(offers), len(legOne)+len(legTwo))

		var getsOut, paysOut value.Value = value.ZeroIOU, value.ZeroIOU
		for _, o := range offers {
			require.True(t, o.Autobridged)
			assert.Empty(t, o.Account)

			gets := value.MustIOU(o.TakerGets.Value)
			pays := value.MustIOU(o.TakerPays.Value)
			assert.False(t, gets.IsZero(), "round %d: zero-sized synthetic", round)
			assert.False(t, pays.IsZero(), "round %d: free synthetic", round)
			assert.LessOrEqual(t, gets.ComparedTo(maxLegTwoGets), 0,
				"round %d: synthetic grants more than any leg two offer holds", round)
			assert.LessOrEqual(t, pays.ComparedTo(maxLegOnePays), 0,
				"round %d: synthetic demands more than any leg one offer demands", round)

			key, err := binarycodec.EncodeQuality(o.Quality)
			require.NoError(t, err)
			assert.Equal(t, key, o.QualityHex)
			assert.Equal(t, key, o.BookDirectory)

			getsOut = getsOut.Add(gets)
			paysOut = paysOut.Add(pays)
		}
		assert.LessOrEqual(t, getsOut.ComparedTo(legTwoGetsTotal), 0,
			"round %d: synthetic book grants more than leg two supplies", round)
		assert.LessOrEqual(t, paysOut.ComparedTo(legOnePaysTotal), 0,
			"round %d: synthetic book demands more than leg one demands", round)
	}
}

func TestAutobridgeSkipsUnfundedOffers(t *testing.T) {
	legOne := []*Offer{
		legOneOffer(ownerOne, "0", "0", "1", false),
		legOneOffer(ownerTwo, "800000000", "400", "0.0000005", true),
	}
	legOne[0].TakerGetsFunded = "0"
	legOne[0].TakerPaysFunded = "0"
	legTwo := []*Offer{legTwoOffer(issuerA, "400", "800000000", "2000000")}

	offers := crossLegs(t, legOne, legTwo)
	require.Len(t, offers, 1)
	assert.Equal(t, "400", offers[0].TakerGets.Value)
}

func TestAutobridgeDoesNotMutateInput(t *testing.T) {
	legOne := []*Offer{legOneOffer(ownerOne, "1000000000", "500", "0.0000005", true)}
	legTwo := []*Offer{legTwoOffer(ownerTwo, "400", "800000000", "2000000")}

	crossLegs(t, legOne, legTwo)
	assert.Equal(t, "1000000000", legOne[0].TakerGetsFunded)
	assert.Equal(t, "800000000", legTwo[0].TakerPaysFunded)
}

func TestAutobridgeEmptyLegs(t *testing.T) {
	assert.Empty(t, crossLegs(t, nil, []*Offer{legTwoOffer(ownerOne, "1", "2000000", "2000000")}))
	assert.Empty(t, crossLegs(t, []*Offer{legOneOffer(ownerOne, "1000000", "1", "0.000001", true)}, nil))
}

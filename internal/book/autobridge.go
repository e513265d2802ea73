package book

import (
	"time"

	"github.com/rs/zerolog"

	binarycodec "github.com/LeJamon/xrplbook/internal/codec/binary-codec"
	"github.com/LeJamon/xrplbook/internal/value"
)

// calcSliceBudget is how long one calculator slice may run before yielding,
// so a large book never monopolizes the scheduler between model updates.
const calcSliceBudget = 30 * time.Millisecond

// autobridgeCalculator crosses the two native legs of an issued pair into
// synthetic offers: leg one sells the gets currency for the native asset,
// leg two sells the native asset for the pays currency. It works on clones
// and mutates them freely as offers are consumed.
type autobridgeCalculator struct {
	currencyGets string
	issuerGets   string
	currencyPays string
	issuerPays   string

	legOneOffers []*Offer
	legTwoOffers []*Offer

	// leftover accumulates gets-side funds recovered when a same-owner
	// clamp is reapplied; they top up the owner's worse offers later in
	// the walk.
	leftover map[string]value.Value

	log zerolog.Logger
}

func newAutobridgeCalculator(
	currencyGets, issuerGets, currencyPays, issuerPays string,
	legOneOffers, legTwoOffers []*Offer,
	log zerolog.Logger,
) *autobridgeCalculator {
	return &autobridgeCalculator{
		currencyGets: currencyGets,
		issuerGets:   issuerGets,
		currencyPays: currencyPays,
		issuerPays:   issuerPays,
		legOneOffers: cloneOffers(legOneOffers),
		legTwoOffers: cloneOffers(legTwoOffers),
		leftover:     make(map[string]value.Value),
		log:          log.With().Str("component", "autobridge").Logger(),
	}
}

// calculate walks both legs and invokes done with the synthetic offers,
// ordered by quality. done is always called from a calculator goroutine,
// never synchronously.
func (c *autobridgeCalculator) calculate(done func([]*Offer)) {
	c.run(0, 0, nil, done)
}

// run is one cooperative slice of the two-pointer merge. When the budget is
// spent it reschedules itself with the current cursors and accumulator.
func (c *autobridgeCalculator) run(legOnePtr, legTwoPtr int, out []*Offer, done func([]*Offer)) {
	start := time.Now()

	for legOnePtr < len(c.legOneOffers) && legTwoPtr < len(c.legTwoOffers) {
		if time.Since(start) > calcSliceBudget {
			p1, p2, acc := legOnePtr, legTwoPtr, out
			time.AfterFunc(0, func() { c.run(p1, p2, acc, done) })
			return
		}

		legOneOffer := c.legOneOffers[legOnePtr]
		legTwoOffer := c.legTwoOffers[legTwoPtr]
		leftoverFunds := c.leftoverFunds(legOneOffer.Account)

		if legOneOffer.Account == legTwoOffer.Account {
			// Same owner on both legs: leg one's output feeds the
			// owner's own leg two input, so the funding clamp is lifted
			// for this pairing.
			c.unclampLegOneOwnerFunds(legOneOffer)
		} else if !legOneOffer.IsFullyFunded && !leftoverFunds.IsZero() {
			c.adjustLegOneFundedAmount(legOneOffer)
		}

		legOneTakerGetsFunded := takerGetsFundedValue(legOneOffer)
		legTwoTakerPaysFunded := takerPaysFundedValue(legTwoOffer)

		if legOneTakerGetsFunded.IsZero() {
			legOnePtr++
			continue
		}
		if legTwoTakerPaysFunded.IsZero() {
			legTwoPtr++
			continue
		}

		var synthetic *Offer
		switch legOneTakerGetsFunded.ComparedTo(legTwoTakerPaysFunded) {
		case 1:
			synthetic = c.withClampedLegOne(legOneOffer, legTwoOffer)
			legTwoPtr++
		case -1:
			synthetic = c.withClampedLegTwo(legOneOffer, legTwoOffer)
			legOnePtr++
		default:
			synthetic = c.withoutClamps(legOneOffer, legTwoOffer)
			legOnePtr++
			legTwoPtr++
		}

		quality := mustIOU(legOneOffer.Quality).Multiply(mustIOU(legTwoOffer.Quality))
		synthetic.Quality = quality.String()
		key, err := binarycodec.EncodeQuality(synthetic.Quality)
		if err != nil {
			c.log.Error().Err(err).Str("quality", synthetic.Quality).
				Msg("dropping synthetic offer with unencodable quality")
			continue
		}
		synthetic.BookDirectory = key
		synthetic.QualityHex = key

		out = append(out, synthetic)
	}

	done(out)
}

// withoutClamps crosses two offers whose flows match exactly: leg one's
// native output equals leg two's native input.
func (c *autobridgeCalculator) withoutClamps(legOneOffer, legTwoOffer *Offer) *Offer {
	return c.newSyntheticOffer(
		takerGetsFundedValue(legTwoOffer),
		takerPaysFundedValue(legOneOffer),
	)
}

// withClampedLegTwo crosses when leg two's native input exceeds leg one's
// native output: leg two is consumed partially and keeps the remainder.
func (c *autobridgeCalculator) withClampedLegTwo(legOneOffer, legTwoOffer *Offer) *Offer {
	legOneTakerGetsFunded := takerGetsFundedValue(legOneOffer)
	legTwoTakerPaysFunded := takerPaysFundedValue(legTwoOffer)
	legTwoQuality := mustIOU(legTwoOffer.Quality)

	autobridgedTakerGets := legOneTakerGetsFunded.Divide(legTwoQuality)
	autobridgedTakerPays := takerPaysFundedValue(legOneOffer)

	legTwoOffer.TakerGetsFunded = takerGetsFundedValue(legTwoOffer).
		Subtract(autobridgedTakerGets).String()
	legTwoOffer.TakerPaysFunded = legTwoTakerPaysFunded.
		Subtract(legOneTakerGetsFunded).String()

	return c.newSyntheticOffer(autobridgedTakerGets, autobridgedTakerPays)
}

// withClampedLegOne crosses when leg one's native output exceeds leg two's
// native input: leg one is consumed partially. For a same-owner pairing the
// nominal amount shrinks and the funding clamp is reapplied afterwards;
// otherwise only the funded amount shrinks.
func (c *autobridgeCalculator) withClampedLegOne(legOneOffer, legTwoOffer *Offer) *Offer {
	legOneTakerGetsFunded := takerGetsFundedValue(legOneOffer)
	legTwoTakerPaysFunded := takerPaysFundedValue(legTwoOffer)
	legOneQuality := mustIOU(legOneOffer.Quality)

	autobridgedTakerGets := takerGetsFundedValue(legTwoOffer)
	autobridgedTakerPays := legTwoTakerPaysFunded.Multiply(legOneQuality)

	if legOneOffer.Account == legTwoOffer.Account {
		updatedTakerGets := takerGetsValue(legOneOffer).Subtract(legTwoTakerPaysFunded)
		c.setLegOneTakerGets(legOneOffer, updatedTakerGets)
		c.clampLegOneOwnerFunds(legOneOffer)
	} else {
		setLegOneTakerGetsFunded(legOneOffer,
			legOneTakerGetsFunded.Subtract(legTwoTakerPaysFunded))
	}

	return c.newSyntheticOffer(autobridgedTakerGets, autobridgedTakerPays)
}

// newSyntheticOffer formats a crossed offer in the parent book's pair. The
// funded amounts equal the nominal ones: crossing only ever uses funded
// flow.
func (c *autobridgeCalculator) newSyntheticOffer(takerGets, takerPays value.Value) *Offer {
	return &Offer{
		TakerGets: Amount{
			Currency: c.currencyGets,
			Issuer:   c.issuerGets,
			Value:    takerGets.String(),
		},
		TakerPays: Amount{
			Currency: c.currencyPays,
			Issuer:   c.issuerPays,
			Value:    takerPays.String(),
		},
		TakerGetsFunded: takerGets.String(),
		TakerPaysFunded: takerPays.String(),
		Autobridged:     true,
	}
}

// unclampLegOneOwnerFunds lifts the funding clamp for a same-owner pairing,
// remembering the funded amount so clampLegOneOwnerFunds can restore it.
func (c *autobridgeCalculator) unclampLegOneOwnerFunds(legOneOffer *Offer) {
	legOneOffer.initTakerGetsFunded = takerGetsFundedValue(legOneOffer)
	setLegOneTakerGetsFunded(legOneOffer, takerGetsValue(legOneOffer))
}

// clampLegOneOwnerFunds reapplies the funding clamp after a same-owner
// crossing. The next leg two offer may belong to anyone, so the lift cannot
// outlive the pairing. When less nominal amount remains than was originally
// funded, the difference becomes leftover funds for the owner's worse
// offers.
func (c *autobridgeCalculator) clampLegOneOwnerFunds(legOneOffer *Offer) {
	takerGets := takerGetsValue(legOneOffer)

	if takerGets.ComparedTo(legOneOffer.initTakerGetsFunded) > 0 {
		setLegOneTakerGetsFunded(legOneOffer, legOneOffer.initTakerGetsFunded)
	} else {
		updatedLeftover := legOneOffer.initTakerGetsFunded.Subtract(takerGets)
		setLegOneTakerGetsFunded(legOneOffer, takerGets)
		c.addLeftoverFunds(legOneOffer.Account, updatedLeftover)
	}
}

// adjustLegOneFundedAmount tops an unfunded offer up with the owner's
// leftover funds.
func (c *autobridgeCalculator) adjustLegOneFundedAmount(legOneOffer *Offer) {
	fundedSum := takerGetsFundedValue(legOneOffer).Add(c.leftoverFunds(legOneOffer.Account))
	takerGets := takerGetsValue(legOneOffer)

	if fundedSum.ComparedTo(takerGets) >= 0 {
		setLegOneTakerGetsFunded(legOneOffer, takerGets)
		c.leftover[legOneOffer.Account] = fundedSum.Subtract(takerGets)
	} else {
		setLegOneTakerGetsFunded(legOneOffer, fundedSum)
		c.leftover[legOneOffer.Account] = value.ZeroIOU
	}
}

func (c *autobridgeCalculator) leftoverFunds(account string) value.Value {
	if amount, ok := c.leftover[account]; ok {
		return amount
	}
	return value.ZeroIOU
}

func (c *autobridgeCalculator) addLeftoverFunds(account string, amount value.Value) {
	c.leftover[account] = c.leftoverFunds(account).Add(amount)
}

// setLegOneTakerGets rewrites a leg one offer's nominal amounts, deriving
// the pays side from the offer quality.
func (c *autobridgeCalculator) setLegOneTakerGets(legOneOffer *Offer, takerGets value.Value) {
	quality := mustIOU(legOneOffer.Quality)
	legOneOffer.TakerGets.Value = takerGets.String()
	legOneOffer.TakerPays = Amount{
		Currency: c.currencyPays,
		Issuer:   c.issuerPays,
		Value:    takerGets.Multiply(quality).String(),
	}
}

// setLegOneTakerGetsFunded rewrites a leg one offer's funded amounts,
// deriving the pays side from the offer quality.
func setLegOneTakerGetsFunded(legOneOffer *Offer, takerGetsFunded value.Value) {
	legOneOffer.TakerGetsFunded = takerGetsFunded.String()
	legOneOffer.TakerPaysFunded = takerGetsFunded.
		Multiply(mustIOU(legOneOffer.Quality)).String()

	if legOneOffer.TakerGetsFunded == legOneOffer.TakerGets.Value {
		legOneOffer.IsFullyFunded = true
	}
}

func takerGetsFundedValue(o *Offer) value.Value {
	return mustIOU(o.TakerGetsFunded)
}

func takerPaysFundedValue(o *Offer) value.Value {
	return mustIOU(o.TakerPaysFunded)
}

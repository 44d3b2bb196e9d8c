package billing

// Plan describes a purchasable subscription tier.
type Plan struct {
	Name        string // display name on the checkout page
	PriceCents  int64  // one-time charge in USD cents
	Credits     int    // credit grant on completion
	Description string
}

// Plans maps plan keys to their checkout details. The ultra grant is the
// observed "unlimited" mechanism: a balance large enough to never run out
// under normal use, debited like any other.
var Plans = map[string]Plan{
	"pro": {
		Name:        "Pro Plan",
		PriceCents:  999,
		Credits:     200,
		Description: "200 Credits/Month + 10 Daily Bonus",
	},
	"ultra": {
		Name:        "Ultra Plan",
		PriceCents:  2999,
		Credits:     999999,
		Description: "Unlimited Credits + VIP Support",
	},
}

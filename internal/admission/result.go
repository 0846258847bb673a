package admission

// Result is the outcome of one admission attempt. Denials are results, not errors.
type Result int

const (
	Admitted Result = iota
	PhoneNumberLimited
	AccountLimited
)

func (r Result) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case PhoneNumberLimited:
		return "phone_number_limited"
	case AccountLimited:
		return "account_limited"
	default:
		return "unknown"
	}
}

// Allowed reports whether the message may be sent.
func (r Result) Allowed() bool { return r == Admitted }

// Dimension names one quota namespace.
type Dimension string

const (
	DimensionPhoneNumber Dimension = "phone_number"
	DimensionAccount     Dimension = "account"
)

package provision

// Outcome of provisioning attempt, delivered to session owner.
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeNetworkError
	OutcomeCloudError
	OutcomeTokenError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeNetworkError:
		return "network"
	case OutcomeCloudError:
		return "cloud"
	case OutcomeTokenError:
		return "token"
	}
	return "unknown"
}

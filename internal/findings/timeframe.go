package findings

import (
	"errors"
	"fmt"
)

// Timeframe scopes a findings query. Its meaning is owned by the remote
// service; the client only passes the token through.
type Timeframe string

const (
	Timeframe30Days   Timeframe = "30d"
	TimeframeWeek     Timeframe = "1w"
	Timeframe2Days    Timeframe = "2d"
	TimeframeLastUsed Timeframe = "last"

	DefaultTimeframe = Timeframe30Days
)

// Timeframes lists the tokens offered to the user, in menu order.
var Timeframes = []Timeframe{Timeframe30Days, TimeframeWeek, Timeframe2Days, TimeframeLastUsed}

// ErrUnknownTimeframe is returned by ParseTimeframe.
var ErrUnknownTimeframe = errors.New("unknown timeframe")

// ParseTimeframe validates a user-supplied token.
func ParseTimeframe(s string) (Timeframe, error) {
	if s == "" {
		return DefaultTimeframe, nil
	}
	for _, tf := range Timeframes {
		if string(tf) == s {
			return tf, nil
		}
	}
	return "", fmt.Errorf("%w %q (want one of 30d, 1w, 2d, last)", ErrUnknownTimeframe, s)
}

// Label returns the display name.
func (tf Timeframe) Label() string {
	switch tf {
	case Timeframe30Days:
		return "30 days"
	case TimeframeWeek:
		return "1 week"
	case Timeframe2Days:
		return "2 days"
	case TimeframeLastUsed:
		return "Last used"
	default:
		return string(tf)
	}
}

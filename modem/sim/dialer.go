package sim

import (
	"context"

	"github.com/ubipo/water-well-level/modem"
)

// Dialer hands out a simulated modem as a modem.Transport.
type Dialer struct {
	Modem *Modem
}

func (d Dialer) Dial(ctx context.Context) (modem.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.Modem == nil {
		return New(), nil
	}
	return d.Modem, nil
}

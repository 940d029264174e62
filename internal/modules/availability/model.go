// README: Driver availability records and nearby-driver candidates.
package availability

import (
	"time"

	"towhub/internal/types"
)

// Driver is an online driver and the vehicle categories they can tow.
type Driver struct {
	ID         types.ID
	Position   types.Point
	Categories []string
	UpdatedAt  time.Time
}

type Candidate struct {
	DriverID   types.ID
	DistanceKm float64
}

package engine

import (
	"errors"

	"github.com/divijg19/breeze/internal/core"
)

var (
	// ErrNotMonitoring means no pet and rates have been published to the shared store.
	ErrNotMonitoring = errors.New("no pet is being monitored")
	// ErrBlownAway is returned for operations that need a living pet.
	ErrBlownAway = errors.New("pet is blown away")
	// ErrKindNotSelectable is returned for break kinds the current game mode does not offer.
	ErrKindNotSelectable = errors.New("break kind not selectable in this mode")
	// ErrPresetLocked is returned when the monitored pet or rates change twice in one day.
	ErrPresetLocked = errors.New("monitoring preset is locked until the next day")
	// ErrBreakActive is returned when a break is started while another is running.
	ErrBreakActive = core.ErrBreakActive
)

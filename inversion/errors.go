package inversion

import (
	"errors"

	"github.com/CK6170/PrInvert-go/models"
)

// Configuration and data errors are shared with the models package so hosts
// can check either name.
var (
	ErrConfiguration = models.ErrConfiguration
	ErrInvalidData   = models.ErrInvalidData
)

var (
	// ErrInsufficientData is returned when the fit window holds fewer points
	// than fitted parameters, or leaves no degrees of freedom for chi².
	ErrInsufficientData = errors.New("insufficient data for the number of parameters")

	// ErrSingularSystem is returned when the normal equations cannot be
	// factorized or are too ill-conditioned to trust.
	ErrSingularSystem = errors.New("singular normal equations")

	// ErrState is returned when a result is requested before a successful
	// inversion, or an inversion before data and config are set.
	ErrState = errors.New("invertor not ready")
)
